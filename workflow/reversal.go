package workflow

import (
	"context"
	"fmt"

	"bitbucket.org/mmdatafocus/clearance_backend/models"
	"gorm.io/gorm"
)

// ReversalController decides what a materially divergent submission does.
//
// SET requests go back to leader review with the divergence attached; the
// approver is cleared and the reminder re-armed by the caller. NORMAL requests
// cannot be re-reviewed and end as DEBT_MARKED.
type ReversalController struct {
	DB *gorm.DB
}

// ReversalPayload is stored on reversed and debt_marked log entries.
type ReversalPayload struct {
	Reason         string           `json:"reason"`
	ReversalNumber int              `json:"reversal_number,omitempty"`
	Label          string           `json:"label,omitempty"`
	Divergence     DivergenceResult `json:"divergence"`
	Original       models.Snapshot  `json:"original"`
	Submitted      models.Snapshot  `json:"submitted"`
}

// Plan builds the transition for a material divergence found at stage.
func (c *ReversalController) Plan(ctx context.Context, req *models.Request, stage models.Stage, result DivergenceResult, original, submitted models.Snapshot) (*transitionPlan, error) {
	payload := ReversalPayload{
		Divergence: result,
		Original:   original,
		Submitted:  submitted,
	}
	entry := &models.ApprovalLogEntry{Stage: stage}

	var to models.RequestStatus
	switch req.Type {
	case models.RequestTypeSet:
		n, err := c.Count(ctx, req.ID)
		if err != nil {
			return nil, err
		}
		to = models.RequestStatusPendingLeaderReview
		entry.Action = models.LogActionReversed
		payload.Reason = ReversalReasonAmountDivergence
		payload.ReversalNumber = n + 1
		payload.Label = ReversalLabel(n + 1)
	case models.RequestTypeNormal:
		to = models.RequestStatusDebtMarked
		entry.Action = models.LogActionDebtMarked
		payload.Reason = ReversalReasonDebtDivergence
	default:
		return nil, fmt.Errorf("%w: unknown request type %q", ErrInvalidTransition, req.Type)
	}
	if err := entry.SetPayload(payload); err != nil {
		return nil, err
	}
	return &transitionPlan{To: to, Entries: []*models.ApprovalLogEntry{entry}}, nil
}

// Count is how many times the request has been sent back to leader review.
func (c *ReversalController) Count(ctx context.Context, requestId int) (int, error) {
	n, err := models.CountLogEntries(ctx, c.DB, requestId, models.LogActionReversed)
	return int(n), err
}

// ReversalLabel renders "(1st reversal)", "(2nd reversal)", ... for summaries.
// Zero yields an empty label.
func ReversalLabel(n int) string {
	if n <= 0 {
		return ""
	}
	return fmt.Sprintf("(%s reversal)", ordinal(n))
}

func ordinal(n int) string {
	suffix := "th"
	switch n % 100 {
	case 11, 12, 13:
	default:
		switch n % 10 {
		case 1:
			suffix = "st"
		case 2:
			suffix = "nd"
		case 3:
			suffix = "rd"
		}
	}
	return fmt.Sprintf("%d%s", n, suffix)
}
