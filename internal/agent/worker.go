package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"agent_fleet/internal/domain"
	"agent_fleet/internal/errhandler"
	"agent_fleet/internal/messaging"
)

// Executor performs one assignment. Implementations talk to the AI runtime.
type Executor interface {
	Execute(ctx context.Context, task domain.TaskAssignPayload) (domain.TaskResultPayload, error)
}

// StatusUpdater marks a ticket failed when a worker gives up on it.
type StatusUpdater interface {
	MarkTicketFailed(ctx context.Context, ticketID string) error
}

type Worker struct {
	id          string
	managerID   string
	bus         *messaging.Bus
	exec        Executor
	errs        *errhandler.Handler
	status      StatusUpdater
	pollTimeout time.Duration
	heartbeat   time.Duration
	workspace   *Workspace
	logger      *log.Logger

	mu      sync.Mutex
	current string
}

func NewWorker(
	id string,
	managerID string,
	bus *messaging.Bus,
	exec Executor,
	errs *errhandler.Handler,
	status StatusUpdater,
	logger *log.Logger,
) *Worker {
	if logger == nil {
		logger = log.Default()
	}
	if strings.TrimSpace(managerID) == "" {
		managerID = "manager"
	}
	return &Worker{
		id:          id,
		managerID:   managerID,
		bus:         bus,
		exec:        exec,
		errs:        errs,
		status:      status,
		pollTimeout: 500 * time.Millisecond,
		heartbeat:   15 * time.Second,
		logger:      logger,
	}
}

func (w *Worker) ID() string { return w.id }

// UseWorkspace makes the worker run assignments on their git branch and
// commit the outcome. Call before Run.
func (w *Worker) UseWorkspace(ws *Workspace) {
	w.workspace = ws
}

// Run polls the worker's mailbox until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) {
	for ctx.Err() == nil {
		msgs, err := w.bus.Poll(ctx, w.id, w.pollTimeout)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			w.logger.Printf("worker=%s poll failed: %v", w.id, err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(w.pollTimeout):
			}
			continue
		}
		for _, msg := range msgs {
			if err := w.HandleMessage(ctx, msg); err != nil {
				w.logger.Printf("worker=%s handle %s: %v", w.id, msg.Type, err)
			}
		}
	}
}

func (w *Worker) HandleMessage(ctx context.Context, msg domain.AgentMessage) error {
	switch msg.Type {
	case domain.MessageTypeTaskAssign:
		var task domain.TaskAssignPayload
		if err := json.Unmarshal(msg.Payload, &task); err != nil {
			return fmt.Errorf("decode task_assign: %w", err)
		}
		return w.execute(ctx, task)
	case domain.MessageTypeStatusRequest:
		w.mu.Lock()
		current := w.current
		w.mu.Unlock()
		_, err := w.bus.Publish(ctx, domain.MessageTypeStatusResponse, w.id, msg.From, map[string]any{
			"workerId":      w.id,
			"busy":          current != "",
			"currentTicket": current,
		}, "")
		return err
	default:
		w.logger.Printf("worker=%s ignored message type=%s from=%s", w.id, msg.Type, msg.From)
		return nil
	}
}

func (w *Worker) execute(ctx context.Context, task domain.TaskAssignPayload) error {
	if task.WorkerID == "" {
		task.WorkerID = w.id
	}
	w.mu.Lock()
	w.current = task.TicketID
	w.mu.Unlock()
	defer func() {
		w.mu.Lock()
		w.current = ""
		w.mu.Unlock()
	}()

	stop := startProgressHeartbeat(ctx, w.heartbeat, func(elapsed time.Duration) {
		w.logger.Printf("worker=%s still executing ticket=%s elapsed=%s", w.id, task.TicketID, elapsed.Round(time.Second))
	})
	defer stop()

	res := errhandler.HandleWorkerFailure(ctx, w.errs, func(ctx context.Context) (domain.TaskResultPayload, error) {
		if w.workspace != nil {
			unlock := w.workspace.lock()
			defer unlock()
			if err := w.workspace.prepare(ctx, task.GitBranch); err != nil {
				return domain.TaskResultPayload{}, fmt.Errorf("prepare branch %s: %w", task.GitBranch, err)
			}
		}
		out, err := w.exec.Execute(ctx, task)
		if err != nil {
			return out, err
		}
		for _, a := range out.Artifacts {
			if err := validateRelativePath(a); err != nil {
				return out, errhandler.ValidationError(fmt.Errorf("artifact %q: %w", a, err))
			}
		}
		if w.workspace != nil {
			hash, err := w.workspace.commit(ctx, task, out)
			if err != nil {
				return out, fmt.Errorf("commit ticket %s: %w", task.TicketID, err)
			}
			out.CommitHash = hash
		}
		return out, nil
	}, errhandler.WorkerContext{
		RunID:     task.RunID,
		TicketID:  task.TicketID,
		WorkerID:  w.id,
		Operation: "execute ticket",
	}, errhandler.Callbacks{
		UpdateStatus: func(ctx context.Context, ticketID string, _ domain.TicketStatus) error {
			if w.status == nil {
				return nil
			}
			return w.status.MarkTicketFailed(ctx, ticketID)
		},
		Notify: func(ctx context.Context, n errhandler.WorkerFailureNotification) error {
			_, err := w.bus.Publish(ctx, domain.MessageTypeTaskFailed, w.id, w.managerID, domain.TaskResultPayload{
				RunID:         n.RunID,
				TicketID:      n.TicketID,
				WorkerID:      n.WorkerID,
				Error:         trim(n.Error, 2000),
				ErrorCategory: n.Category,
				Attempts:      n.Attempts,
				FailureAction: string(n.RecommendedAction),
			}, n.RunID)
			return err
		},
	})
	if !res.Success {
		return nil
	}

	result := res.Value
	result.RunID = task.RunID
	result.TicketID = task.TicketID
	result.WorkerID = w.id
	if result.GitBranch == "" {
		result.GitBranch = task.GitBranch
	}
	if _, err := w.bus.Publish(ctx, domain.MessageTypeTaskComplete, w.id, w.managerID, result, task.RunID); err != nil {
		return fmt.Errorf("report completion ticket=%s: %w", task.TicketID, err)
	}
	return nil
}

func startProgressHeartbeat(ctx context.Context, interval time.Duration, onTick func(elapsed time.Duration)) func() {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	stop := make(chan struct{})
	started := time.Now()

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-stop:
				return
			case <-ticker.C:
				if onTick != nil {
					onTick(time.Since(started))
				}
			}
		}
	}()

	return func() {
		close(stop)
	}
}

func trim(s string, n int) string {
	if n <= 0 || len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}
