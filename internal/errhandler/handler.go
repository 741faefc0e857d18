package errhandler

import (
	"context"
	"fmt"
	"log"
	"math"
	"strings"
	"time"

	"agent_fleet/internal/domain"
	"agent_fleet/internal/fs"
)

// Policy is exponential backoff: the delay after failed attempt n (0-based)
// is InitialDelay * Multiplier^n, capped at MaxDelay.
type Policy struct {
	MaxAttempts  int
	InitialDelay time.Duration
	Multiplier   float64
	MaxDelay     time.Duration
}

func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:  3,
		InitialDelay: time.Second,
		Multiplier:   2,
		MaxDelay:     30 * time.Second,
	}
}

func (p Policy) withDefaults() Policy {
	d := DefaultPolicy()
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = d.MaxAttempts
	}
	if p.InitialDelay <= 0 {
		p.InitialDelay = d.InitialDelay
	}
	if p.Multiplier < 1 {
		p.Multiplier = d.Multiplier
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = d.MaxDelay
	}
	return p
}

func (p Policy) Delay(attempt int) time.Duration {
	p = p.withDefaults()
	if attempt < 0 {
		attempt = 0
	}
	d := float64(p.InitialDelay) * math.Pow(p.Multiplier, float64(attempt))
	if d > float64(p.MaxDelay) {
		return p.MaxDelay
	}
	return time.Duration(d)
}

// Escalation is what reaches a higher authority once automated handling is
// exhausted.
type Escalation struct {
	RunID     string                   `json:"runId,omitempty"`
	TicketID  string                   `json:"ticketId,omitempty"`
	WorkerID  string                   `json:"workerId,omitempty"`
	Operation string                   `json:"operation,omitempty"`
	Category  domain.ErrorCategory     `json:"category"`
	Error     string                   `json:"error"`
	Attempts  int                      `json:"attempts"`
	Action    domain.RecommendedAction `json:"recommendedAction"`
	At        time.Time                `json:"at"`
}

type Escalator interface {
	Escalate(ctx context.Context, e Escalation) error
}

// LogEscalator only records the escalation in the process log.
type LogEscalator struct {
	Logger *log.Logger
}

func (l LogEscalator) Escalate(_ context.Context, e Escalation) error {
	logger := l.Logger
	if logger == nil {
		logger = log.Default()
	}
	logger.Printf("escalation run=%s ticket=%s op=%s category=%s attempts=%d action=%s: %s",
		e.RunID, e.TicketID, e.Operation, e.Category, e.Attempts, e.Action, e.Error)
	return nil
}

// Handler owns the retry policy and the per-run error logs.
type Handler struct {
	policy    Policy
	layout    fs.Layout
	logger    *log.Logger
	escalator Escalator
	now       func() time.Time
	sleep     func(ctx context.Context, d time.Duration) error
}

func New(policy Policy, layout fs.Layout, escalator Escalator, logger *log.Logger) *Handler {
	if logger == nil {
		logger = log.Default()
	}
	if escalator == nil {
		escalator = LogEscalator{Logger: logger}
	}
	return &Handler{
		policy:    policy.withDefaults(),
		layout:    layout,
		logger:    logger,
		escalator: escalator,
		now:       func() time.Time { return time.Now().UTC() },
		sleep:     sleepContext,
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func (h *Handler) Policy() Policy { return h.policy }

// SetEscalator swaps the escalation target once the bus is available.
func (h *Handler) SetEscalator(e Escalator) {
	if e != nil {
		h.escalator = e
	}
}

// LogError appends one `[ISO8601] [CODE] [RECOVERABLE|FATAL] message` line
// to the run's error log. Runs without an id are only logged to the process
// log.
func (h *Handler) LogError(runID string, category domain.ErrorCategory, recoverable bool, message string) {
	marker := "FATAL"
	if recoverable {
		marker = "RECOVERABLE"
	}
	message = strings.ReplaceAll(strings.TrimSpace(message), "\n", " ")
	if runID == "" {
		h.logger.Printf("error category=%s %s: %s", category, marker, message)
		return
	}
	path, err := h.layout.ErrorsLog(runID)
	if err != nil {
		h.logger.Printf("error log path run=%s: %v", runID, err)
		return
	}
	line := fmt.Sprintf("[%s] [%s] [%s] %s", h.now().Format(timestampLayout), logCode(category), marker, message)
	if err := fs.AppendLine(path, line); err != nil {
		h.logger.Printf("append error log run=%s: %v", runID, err)
	}
}

const timestampLayout = "2006-01-02T15:04:05.000Z07:00"

func (h *Handler) escalate(ctx context.Context, e Escalation) {
	if err := h.escalator.Escalate(ctx, e); err != nil {
		h.logger.Printf("escalation failed run=%s ticket=%s: %v", e.RunID, e.TicketID, err)
	}
}
