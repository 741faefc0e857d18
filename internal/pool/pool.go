package pool

import (
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"agent_fleet/internal/domain"
)

var (
	ErrInvalidMaxWorkers = errors.New("max workers must be positive")
	ErrWorkerNotFound    = errors.New("worker not found")
	ErrWorkerBusy        = errors.New("worker is not idle")
	ErrPoolStopped       = errors.New("worker pool is stopped")
	ErrPoolFull          = errors.New("worker pool is at capacity")
)

// Assignment is a task bound to a worker by the pool.
type Assignment struct {
	WorkerID string
	Task     domain.Task
}

// Pool is a bounded set of worker slots plus a FIFO of tasks waiting for one.
// All slot and queue mutation happens under mu, so allocation and release are
// atomic with respect to each other.
type Pool struct {
	logger  *log.Logger
	runtime string
	now     func() time.Time
	newID   func() string

	mu         sync.Mutex
	maxWorkers int
	stopped    bool
	workers    map[string]*domain.WorkerState
	order      []string
	pending    []domain.Task
}

func New(maxWorkers int, runtime string, logger *log.Logger) (*Pool, error) {
	if maxWorkers <= 0 {
		return nil, fmt.Errorf("%w: %d", ErrInvalidMaxWorkers, maxWorkers)
	}
	if logger == nil {
		logger = log.Default()
	}
	return &Pool{
		logger:     logger,
		runtime:    runtime,
		now:        func() time.Time { return time.Now().UTC() },
		newID:      func() string { return "worker-" + uuid.NewString()[:8] },
		maxWorkers: maxWorkers,
		workers:    make(map[string]*domain.WorkerState),
	}, nil
}

// GetAvailableWorker never blocks. It reuses an idle slot or opens a new one
// while below capacity, and reports false when the pool is full or stopped.
func (p *Pool) GetAvailableWorker(workerType domain.WorkerType) (*domain.WorkerState, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	w := p.claimLocked(workerType)
	if w == nil {
		return nil, false
	}
	out := *w
	return &out, true
}

func (p *Pool) claimLocked(workerType domain.WorkerType) *domain.WorkerState {
	if p.stopped || p.activeLocked() >= p.maxWorkers {
		return nil
	}
	if w := p.idleLocked(); w != nil {
		w.Status = domain.WorkerStatusWorking
		w.WorkerType = workerType
		w.LastError = ""
		w.LastActivity = p.now()
		return w
	}
	if p.slotsLocked() >= p.maxWorkers {
		return nil
	}
	w := &domain.WorkerState{
		WorkerID:     p.newID(),
		WorkerType:   workerType,
		Status:       domain.WorkerStatusWorking,
		LastActivity: p.now(),
	}
	p.workers[w.WorkerID] = w
	p.order = append(p.order, w.WorkerID)
	return w
}

// Claim allocates a worker and binds task to it in one step.
func (p *Pool) Claim(task domain.Task) (*Assignment, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	w := p.claimLocked(task.WorkerType)
	if w == nil {
		return nil, false
	}
	w.AssignedTicketID = task.TicketID
	w.RunID = task.RunID
	return &Assignment{WorkerID: w.WorkerID, Task: task}, true
}

// AddPendingTask queues a task behind those already waiting. A ticket that is
// already queued is not queued twice.
func (p *Pool) AddPendingTask(task domain.Task, runID string) {
	if runID != "" {
		task.RunID = runID
	}
	if task.EnqueuedAt.IsZero() {
		task.EnqueuedAt = p.now()
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	for _, queued := range p.pending {
		if queued.TicketID == task.TicketID && queued.RunID == task.RunID {
			p.logger.Printf("task already pending ticket=%s run=%s", task.TicketID, task.RunID)
			return
		}
	}
	p.pending = append(p.pending, task)
}

func (p *Pool) ClearPendingTasks() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.pending = nil
}

func (p *Pool) PendingTasks() []domain.Task {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]domain.Task(nil), p.pending...)
}

// TakePending removes and returns the oldest pending task.
func (p *Pool) TakePending() (domain.Task, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.pending) == 0 {
		return domain.Task{}, false
	}
	task := p.pending[0]
	p.pending = p.pending[1:]
	return task, true
}

// ReleaseWorker returns a worker to idle and, when tasks are waiting, hands the
// oldest one to that same worker before any other caller can allocate it.
func (p *Pool) ReleaseWorker(workerID string) (*Assignment, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	w, ok := p.workers[workerID]
	if !ok || w.Status == domain.WorkerStatusTerminated {
		return nil, fmt.Errorf("%w: %s", ErrWorkerNotFound, workerID)
	}
	w.Status = domain.WorkerStatusIdle
	w.AssignedTicketID = ""
	w.RunID = ""
	w.LastActivity = p.now()

	if p.stopped || len(p.pending) == 0 || p.activeLocked() >= p.maxWorkers {
		return nil, nil
	}
	task := p.pending[0]
	p.pending = p.pending[1:]
	p.bindLocked(w, task)
	return &Assignment{WorkerID: w.WorkerID, Task: task}, nil
}

// AssignTaskToWorker binds a task to a specific idle worker.
func (p *Pool) AssignTaskToWorker(workerID string, task domain.Task, runID string) error {
	if runID != "" {
		task.RunID = runID
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.stopped {
		return ErrPoolStopped
	}
	w, ok := p.workers[workerID]
	if !ok || w.Status == domain.WorkerStatusTerminated {
		return fmt.Errorf("%w: %s", ErrWorkerNotFound, workerID)
	}
	if w.Status != domain.WorkerStatusIdle {
		return fmt.Errorf("%w: %s is %s", ErrWorkerBusy, workerID, w.Status)
	}
	if p.activeLocked() >= p.maxWorkers {
		return fmt.Errorf("%w: %d active", ErrPoolFull, p.maxWorkers)
	}
	p.bindLocked(w, task)
	return nil
}

func (p *Pool) bindLocked(w *domain.WorkerState, task domain.Task) {
	w.Status = domain.WorkerStatusWorking
	if task.WorkerType != "" {
		w.WorkerType = task.WorkerType
	}
	w.AssignedTicketID = task.TicketID
	w.RunID = task.RunID
	w.LastError = ""
	w.LastActivity = p.now()
}

// BindTicket records which ticket a working worker is handling.
func (p *Pool) BindTicket(workerID, ticketID, runID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	w, ok := p.workers[workerID]
	if !ok || w.Status != domain.WorkerStatusWorking {
		return fmt.Errorf("%w: %s", ErrWorkerNotFound, workerID)
	}
	w.AssignedTicketID = ticketID
	w.RunID = runID
	w.LastActivity = p.now()
	return nil
}

func (p *Pool) MarkWorkerError(workerID string, cause error) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	w, ok := p.workers[workerID]
	if !ok || w.Status == domain.WorkerStatusTerminated {
		return fmt.Errorf("%w: %s", ErrWorkerNotFound, workerID)
	}
	w.Status = domain.WorkerStatusError
	if cause != nil {
		w.LastError = cause.Error()
	}
	w.LastActivity = p.now()
	return nil
}

// TerminateWorker frees the slot permanently; the state stays visible in
// Workers until Reset.
func (p *Pool) TerminateWorker(workerID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	w, ok := p.workers[workerID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrWorkerNotFound, workerID)
	}
	w.Status = domain.WorkerStatusTerminated
	w.AssignedTicketID = ""
	w.LastActivity = p.now()
	return nil
}

// SetMaxWorkers changes the ceiling. Shrinking never evicts working workers;
// it only stops allocation until active drops below the new value.
func (p *Pool) SetMaxWorkers(n int) error {
	if n <= 0 {
		return fmt.Errorf("%w: %d", ErrInvalidMaxWorkers, n)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if n != p.maxWorkers {
		p.logger.Printf("worker pool resized from=%d to=%d", p.maxWorkers, n)
	}
	p.maxWorkers = n
	return nil
}

func (p *Pool) MaxWorkers() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.maxWorkers
}

func (p *Pool) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stopped = true
}

func (p *Pool) Stopped() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stopped
}

func (p *Pool) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.workers = make(map[string]*domain.WorkerState)
	p.order = nil
	p.pending = nil
	p.stopped = false
}

func (p *Pool) Status() domain.PoolStatus {
	p.mu.Lock()
	defer p.mu.Unlock()
	status := domain.PoolStatus{
		PendingTasks:     len(p.pending),
		ContainerRuntime: p.runtime,
	}
	for _, w := range p.workers {
		switch w.Status {
		case domain.WorkerStatusTerminated:
			continue
		case domain.WorkerStatusWorking:
			status.ActiveWorkers++
		case domain.WorkerStatusIdle:
			status.IdleWorkers++
		}
		status.TotalWorkers++
	}
	return status
}

func (p *Pool) Worker(workerID string) (domain.WorkerState, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	w, ok := p.workers[workerID]
	if !ok {
		return domain.WorkerState{}, false
	}
	return *w, true
}

// Workers returns a snapshot keyed by worker id, the shape execution
// snapshots persist.
func (p *Pool) Workers() map[string]domain.WorkerState {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make(map[string]domain.WorkerState, len(p.workers))
	for id, w := range p.workers {
		out[id] = *w
	}
	return out
}

// RestoreWorkers re-creates slots from a persisted snapshot after a restart.
// Terminated workers are skipped. Returns the number of slots restored.
func (p *Pool) RestoreWorkers(states map[string]domain.WorkerState) int {
	ids := make([]string, 0, len(states))
	for id := range states {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	p.mu.Lock()
	defer p.mu.Unlock()
	restored := 0
	for _, id := range ids {
		st := states[id]
		if st.Status == domain.WorkerStatusTerminated || !st.Status.Valid() {
			continue
		}
		if st.WorkerID == "" {
			st.WorkerID = id
		}
		if _, exists := p.workers[st.WorkerID]; !exists {
			p.order = append(p.order, st.WorkerID)
		}
		w := st
		p.workers[st.WorkerID] = &w
		restored++
	}
	if active := p.activeLocked(); active > p.maxWorkers {
		p.logger.Printf("restored workers exceed capacity active=%d max=%d", active, p.maxWorkers)
	}
	return restored
}

func (p *Pool) activeLocked() int {
	n := 0
	for _, w := range p.workers {
		if w.Status == domain.WorkerStatusWorking {
			n++
		}
	}
	return n
}

func (p *Pool) slotsLocked() int {
	n := 0
	for _, w := range p.workers {
		if w.Status != domain.WorkerStatusTerminated {
			n++
		}
	}
	return n
}

func (p *Pool) idleLocked() *domain.WorkerState {
	for _, id := range p.order {
		if w := p.workers[id]; w != nil && w.Status == domain.WorkerStatusIdle {
			return w
		}
	}
	return nil
}
