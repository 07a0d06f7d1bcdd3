// Package connector talks to the connector that owns the accounts being
// settled: it credits incoming settlements to the connector's balances and
// relays messages to the peer's settlement engine.
package connector

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// ErrZeroAmount is returned when asked to credit nothing.
var ErrZeroAmount = errors.New("connector: cannot credit a zero amount")

// Connector is the coordinator's view of the connector.
type Connector interface {
	// CreditSettlement makes one attempt to credit amount to accountID. A
	// nil error means the connector acknowledged the credit.
	CreditSettlement(ctx context.Context, accountID, idempotencyKey string, amount decimal.Decimal) error

	// SendMessage relays a message to the peer engine behind accountID and
	// returns the peer's response.
	SendMessage(ctx context.Context, accountID string, message json.RawMessage) (json.RawMessage, error)
}

// StatusError reports a connector response with an unexpected status.
type StatusError struct {
	Op         string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("connector: %s: unexpected status %d", e.Op, e.StatusCode)
	}
	return fmt.Sprintf("connector: %s: unexpected status %d: %s", e.Op, e.StatusCode, e.Body)
}
