package settlement

import "github.com/xraph/settlement/id"

// ID is the identifier type for settlement entities.
type ID = id.ID

// CreditID identifies an incoming settlement awaiting connector acknowledgement.
type CreditID = id.CreditID
