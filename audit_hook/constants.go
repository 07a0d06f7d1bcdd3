package audithook

// Action constants for audit events.
const (
	// Account actions
	ActionAccountCreated = "account.created"
	ActionAccountDeleted = "account.deleted"

	// Outgoing settlement actions
	ActionSettlementQueued    = "settlement.queued"
	ActionSettlementPrepared  = "settlement.prepared"
	ActionSettlementCommitted = "settlement.committed"
	ActionSettlementFailed    = "settlement.failed"
	ActionSettlementRefunded  = "settlement.refunded"

	// Incoming settlement actions
	ActionCreditRecorded       = "credit.recorded"
	ActionCreditFinalized      = "credit.finalized"
	ActionCreditRetryScheduled = "credit.retry_scheduled"
)

// Resource constants for audit events.
const (
	ResourceAccount    = "account"
	ResourceSettlement = "settlement"
	ResourceCredit     = "credit"
)

// Category constants for audit events.
const (
	CategoryAccount  = "account"
	CategoryOutgoing = "outgoing"
	CategoryIncoming = "incoming"
)

// Severity levels for audit events.
const (
	SeverityInfo     = "info"
	SeverityWarning  = "warning"
	SeverityError    = "error"
	SeverityCritical = "critical"
)

// Outcome values for audit events.
const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
	OutcomePartial = "partial"
)
