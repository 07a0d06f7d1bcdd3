package settlement

import (
	"github.com/xraph/settlement/quantity"
	"github.com/xraph/settlement/types"
)

// Re-export common types so callers don't have to import the subpackages.

// Quantity is re-exported from the quantity package.
type Quantity = quantity.Quantity

// Entity is re-exported from the types package.
type Entity = types.Entity

// Re-export amount helpers.
var (
	ToQuantity   = quantity.ToQuantity
	FromQuantity = quantity.FromQuantity
	ParseAmount  = quantity.ParseAmount
)

// NewEntity is re-exported from the types package.
var NewEntity = types.NewEntity
