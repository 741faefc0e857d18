package errhandler

import (
	"context"
	"fmt"
	"time"

	"agent_fleet/internal/domain"
)

// Context identifies what is being retried for logging and escalation.
type Context struct {
	RunID     string
	TicketID  string
	WorkerID  string
	Operation string
	// Policy overrides the handler's policy when set.
	Policy *Policy
}

type AttemptError struct {
	Attempt     int                  `json:"attempt"`
	Category    domain.ErrorCategory `json:"category"`
	Recoverable bool                 `json:"recoverable"`
	Message     string               `json:"message"`
	At          time.Time            `json:"at"`
}

// Result is the outcome of a retried operation. A failed Result is not an
// error value: callers read Attempts and ErrorHistory to decide what next.
// Cancelled is set when ctx ended the retries; such a result was neither
// exhausted nor escalated.
type Result[T any] struct {
	Success      bool
	Cancelled    bool
	Value        T
	Err          error
	Attempts     int
	ErrorHistory []AttemptError
}

// Category of the last failure, or unknown for a successful result.
func (r Result[T]) Category() domain.ErrorCategory {
	if len(r.ErrorHistory) == 0 {
		return domain.ErrorCategoryUnknown
	}
	return r.ErrorHistory[len(r.ErrorHistory)-1].Category
}

// WithRetry runs op until it succeeds or the policy's attempts are used up.
// Every failure is written to the run's error log before the next sleep, and
// a final failure is escalated before WithRetry returns.
func WithRetry[T any](ctx context.Context, h *Handler, op func(context.Context) (T, error), rc Context) Result[T] {
	res := run(ctx, h, op, rc)
	if !res.Success && !res.Cancelled {
		h.escalate(ctx, escalationFor(h, rc, res))
	}
	return res
}

func run[T any](ctx context.Context, h *Handler, op func(context.Context) (T, error), rc Context) Result[T] {
	policy := h.policy
	if rc.Policy != nil {
		policy = rc.Policy.withDefaults()
	}

	var res Result[T]
	for attempt := 1; attempt <= policy.MaxAttempts; attempt++ {
		res.Attempts = attempt
		value, err := op(ctx)
		if err == nil {
			res.Success = true
			res.Value = value
			res.Err = nil
			return res
		}
		res.Err = err
		if ctx.Err() != nil {
			res.Cancelled = true
			res.Err = fmt.Errorf("%s cancelled on attempt %d: %w", operationName(rc), attempt, ctx.Err())
			return res
		}

		category := Categorize(err)
		recoverable := IsRecoverable(category)
		res.ErrorHistory = append(res.ErrorHistory, AttemptError{
			Attempt:     attempt,
			Category:    category,
			Recoverable: recoverable,
			Message:     err.Error(),
			At:          h.now(),
		})
		h.LogError(rc.RunID, category, recoverable, fmt.Sprintf("%s attempt %d/%d%s: %v",
			operationName(rc), attempt, policy.MaxAttempts, ticketSuffix(rc), err))
		if !recoverable || attempt == policy.MaxAttempts {
			return res
		}

		if err := h.sleep(ctx, policy.Delay(attempt-1)); err != nil {
			res.Cancelled = true
			res.Err = fmt.Errorf("retry interrupted after attempt %d: %w", attempt, err)
			return res
		}
	}
	return res
}

func escalationFor[T any](h *Handler, rc Context, res Result[T]) Escalation {
	category := res.Category()
	msg := ""
	if res.Err != nil {
		msg = res.Err.Error()
	}
	return Escalation{
		RunID:     rc.RunID,
		TicketID:  rc.TicketID,
		WorkerID:  rc.WorkerID,
		Operation: operationName(rc),
		Category:  category,
		Error:     msg,
		Attempts:  res.Attempts,
		Action:    RecommendAction(category, res.Attempts),
		At:        h.now(),
	}
}

func operationName(rc Context) string {
	if rc.Operation == "" {
		return "operation"
	}
	return rc.Operation
}

func ticketSuffix(rc Context) string {
	if rc.TicketID == "" {
		return ""
	}
	return " ticket=" + rc.TicketID
}
