package errhandler

import (
	"context"
	"time"

	"agent_fleet/internal/domain"
)

type WorkerContext struct {
	RunID     string
	TicketID  string
	WorkerID  string
	Operation string
	Policy    *Policy
}

type WorkerFailureNotification struct {
	TicketID          string                   `json:"ticketId"`
	WorkerID          string                   `json:"workerId"`
	RunID             string                   `json:"runId"`
	Error             string                   `json:"error"`
	Category          domain.ErrorCategory     `json:"category"`
	Attempts          int                      `json:"attempts"`
	FailedAt          time.Time                `json:"failedAt"`
	RecommendedAction domain.RecommendedAction `json:"recommendedAction"`
}

// Callbacks are best-effort: their errors are logged and the failure path
// carries on.
type Callbacks struct {
	UpdateStatus func(ctx context.Context, ticketID string, status domain.TicketStatus) error
	Notify       func(ctx context.Context, n WorkerFailureNotification) error
}

// HandleWorkerFailure retries op and, once attempts are exhausted, marks the
// ticket failed, notifies the manager and escalates, in that order. A
// cancelled result skips all three so the ticket can be picked up again.
// When the AI backend is unreachable the ticket is not failed: the manager
// receives the notification and pauses the run instead.
func HandleWorkerFailure[T any](ctx context.Context, h *Handler, op func(context.Context) (T, error), wc WorkerContext, cb Callbacks) Result[T] {
	rc := Context{
		RunID:     wc.RunID,
		TicketID:  wc.TicketID,
		WorkerID:  wc.WorkerID,
		Operation: wc.Operation,
		Policy:    wc.Policy,
	}
	if rc.Operation == "" {
		rc.Operation = "worker task"
	}
	res := run(ctx, h, op, rc)
	if res.Success || res.Cancelled {
		return res
	}

	esc := escalationFor(h, rc, res)
	if cb.UpdateStatus != nil && esc.Category != domain.ErrorCategoryAIConnection {
		if err := cb.UpdateStatus(ctx, wc.TicketID, domain.TicketStatusFailed); err != nil {
			h.logger.Printf("mark ticket failed ticket=%s worker=%s: %v", wc.TicketID, wc.WorkerID, err)
		}
	}
	if cb.Notify != nil {
		n := WorkerFailureNotification{
			TicketID:          wc.TicketID,
			WorkerID:          wc.WorkerID,
			RunID:             wc.RunID,
			Error:             esc.Error,
			Category:          esc.Category,
			Attempts:          res.Attempts,
			FailedAt:          esc.At,
			RecommendedAction: esc.Action,
		}
		if err := cb.Notify(ctx, n); err != nil {
			h.logger.Printf("notify manager ticket=%s worker=%s: %v", wc.TicketID, wc.WorkerID, err)
		}
	}
	h.escalate(ctx, esc)
	return res
}
