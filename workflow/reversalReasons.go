package workflow

// Reasons recorded in the payload of reversed and debt_marked log entries.
const (
	ReversalReasonAmountDivergence = "Submitted amounts differ from the original"
	ReversalReasonDebtDivergence   = "Submitted amounts differ from the original; balance recorded as debt"
)
