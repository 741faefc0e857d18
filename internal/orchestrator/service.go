package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"agent_fleet/internal/domain"
	"agent_fleet/internal/errhandler"
	"agent_fleet/internal/fs"
	"agent_fleet/internal/messaging"
	"agent_fleet/internal/pool"
	"agent_fleet/internal/state"
	"agent_fleet/internal/ticket"
)

const (
	DefaultManagerID  = "manager"
	DefaultReviewerID = "reviewer"
)

var (
	ErrRunNotFound   = errors.New("run not found")
	ErrNotAuthorized = errors.New("message not allowed")
)

type Policy interface {
	CanMessage(ctx context.Context, fromAgent, toAgent string, msgType domain.MessageType) (bool, string, error)
}

type Config struct {
	ManagerID      string
	ReviewerID     string
	PollTimeout    time.Duration
	CheckpointSpec string
	BranchPrefix   string
}

func (c Config) withDefaults() Config {
	if strings.TrimSpace(c.ManagerID) == "" {
		c.ManagerID = DefaultManagerID
	}
	if strings.TrimSpace(c.ReviewerID) == "" {
		c.ReviewerID = DefaultReviewerID
	}
	if c.PollTimeout <= 0 {
		c.PollTimeout = 500 * time.Millisecond
	}
	if strings.TrimSpace(c.CheckpointSpec) == "" {
		c.CheckpointSpec = "@every 30s"
	}
	if c.BranchPrefix == "" {
		c.BranchPrefix = "fleet/"
	}
	return c
}

// Service is the manager side of a run: it turns tickets into pool tasks,
// talks to workers over the bus and keeps execution snapshots current.
type Service struct {
	tickets *ticket.Manager
	workers *pool.Pool
	bus     *messaging.Bus
	policy  Policy
	state   *state.Manager
	errs    *errhandler.Handler
	layout  fs.Layout
	cfg     Config
	logger  *log.Logger
	now     func() time.Time

	wg sync.WaitGroup

	// dispatchMu serializes pool hand-offs with the bus sends they trigger.
	dispatchMu sync.Mutex

	mu       sync.Mutex
	runs     map[string]string
	failures map[string][]errhandler.WorkerFailureNotification
}

func New(
	tickets *ticket.Manager,
	workers *pool.Pool,
	bus *messaging.Bus,
	policy Policy,
	st *state.Manager,
	errs *errhandler.Handler,
	layout fs.Layout,
	cfg Config,
	logger *log.Logger,
) *Service {
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = log.Default()
	}
	return &Service{
		tickets:  tickets,
		workers:  workers,
		bus:      bus,
		policy:   policy,
		state:    st,
		errs:     errs,
		layout:   layout,
		cfg:      cfg,
		logger:   logger,
		now:      func() time.Time { return time.Now().UTC() },
		runs:     make(map[string]string),
		failures: make(map[string][]errhandler.WorkerFailureNotification),
	}
}

func (s *Service) ManagerID() string { return s.cfg.ManagerID }

// Start runs the manager inbox loop and the periodic checkpoint job until ctx
// is cancelled.
func (s *Service) Start(ctx context.Context) error {
	c := cron.New()
	if _, err := c.AddFunc(s.cfg.CheckpointSpec, func() {
		if err := s.Checkpoint(ctx); err != nil {
			s.logger.Printf("checkpoint failed: %v", err)
		}
	}); err != nil {
		return fmt.Errorf("schedule checkpoint %q: %w", s.cfg.CheckpointSpec, err)
	}
	c.Start()

	s.wg.Add(2)
	go func() {
		defer s.wg.Done()
		s.inboxLoop(ctx)
	}()
	go func() {
		defer s.wg.Done()
		<-ctx.Done()
		<-c.Stop().Done()
	}()
	return nil
}

func (s *Service) Wait() {
	s.wg.Wait()
}

func (s *Service) inboxLoop(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		msgs, err := s.bus.Poll(ctx, s.cfg.ManagerID, s.cfg.PollTimeout)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			s.logger.Printf("manager inbox poll failed: %v", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(s.cfg.PollTimeout):
			}
			continue
		}
		for _, msg := range msgs {
			if err := s.HandleMessage(ctx, msg); err != nil {
				s.logger.Printf("handle message id=%s type=%s from=%s: %v", msg.ID, msg.Type, msg.From, err)
			}
		}
	}
}

type SubmitInput struct {
	ProjectID   string
	Instruction string
	Metadata    domain.TicketMetadata
	RunID       string
}

type Submission struct {
	RunID  string
	Ticket domain.ParentTicket
}

// TaskRecord is the run's task.json.
type TaskRecord struct {
	RunID       string                `json:"runId"`
	TicketID    string                `json:"ticketId"`
	ProjectID   string                `json:"projectId"`
	Instruction string                `json:"instruction"`
	Metadata    domain.TicketMetadata `json:"metadata"`
	SubmittedAt time.Time             `json:"submittedAt"`
}

// SubmitTask creates the parent ticket and a running execution for it.
func (s *Service) SubmitTask(ctx context.Context, in SubmitInput) (Submission, error) {
	parent, err := s.tickets.CreateParentTicket(in.ProjectID, in.Instruction, in.Metadata)
	if err != nil {
		return Submission{}, fmt.Errorf("submit task: %w", err)
	}
	runID := strings.TrimSpace(in.RunID)
	if runID == "" {
		runID = "run-" + uuid.NewString()
	}
	if err := fs.SafeSegment(runID); err != nil {
		return Submission{}, fmt.Errorf("submit task: run id: %w", err)
	}

	now := s.now()
	if err := s.state.SaveExecutionData(domain.ExecutionPersistenceData{
		RunID:                 runID,
		TicketID:              parent.ID,
		Status:                domain.ExecutionStatusRunning,
		WorkerStates:          map[string]domain.WorkerState{},
		ConversationHistories: map[string]domain.ConversationHistory{},
		GitBranches:           map[string]string{},
		LastUpdated:           now,
	}); err != nil {
		return Submission{}, fmt.Errorf("submit task: %w", err)
	}
	if err := s.writeTaskRecord(TaskRecord{
		RunID:       runID,
		TicketID:    parent.ID,
		ProjectID:   parent.ProjectID,
		Instruction: parent.Instruction,
		Metadata:    parent.Metadata,
		SubmittedAt: now,
	}); err != nil {
		return Submission{}, fmt.Errorf("submit task: %w", err)
	}
	if err := s.tickets.SaveTickets(parent.ProjectID); err != nil {
		return Submission{}, fmt.Errorf("submit task: %w", err)
	}

	s.mu.Lock()
	s.runs[runID] = parent.ID
	s.mu.Unlock()
	s.logger.Printf("task submitted run=%s ticket=%s", runID, parent.ID)
	return Submission{RunID: runID, Ticket: *parent}, nil
}

func (s *Service) writeTaskRecord(rec TaskRecord) error {
	path, err := s.layout.TaskFile(rec.RunID)
	if err != nil {
		return err
	}
	raw, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal task record: %w", err)
	}
	return fs.WriteFileAtomic(path, raw)
}

func (s *Service) readTaskRecord(runID string) (TaskRecord, error) {
	var rec TaskRecord
	path, err := s.layout.TaskFile(runID)
	if err != nil {
		return rec, err
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return rec, err
	}
	if err := json.Unmarshal(raw, &rec); err != nil {
		return rec, fmt.Errorf("decode task record: %w", err)
	}
	return rec, nil
}

// ImportPlan decomposes the run's parent ticket from a YAML plan and queues
// the resulting leaf tickets.
func (s *Service) ImportPlan(ctx context.Context, runID string, r io.Reader) ([]domain.ChildTicket, error) {
	parentID, err := s.parentOf(runID)
	if err != nil {
		return nil, err
	}
	children, err := s.tickets.ImportPlan(parentID, r)
	if err != nil {
		return nil, fmt.Errorf("import plan run=%s: %w", runID, err)
	}
	s.persistTickets(parentID)
	if _, err := s.EnqueueRun(ctx, runID); err != nil {
		return children, err
	}
	return children, nil
}

// EnqueueRun queues every pending leaf ticket of the run and dispatches.
func (s *Service) EnqueueRun(ctx context.Context, runID string) (int, error) {
	parentID, err := s.parentOf(runID)
	if err != nil {
		return 0, err
	}
	work, err := s.tickets.PendingGrandchildren(parentID)
	if err != nil {
		return 0, fmt.Errorf("enqueue run=%s: %w", runID, err)
	}
	for _, w := range work {
		s.workers.AddPendingTask(domain.Task{TicketID: w.Ticket.ID, WorkerType: w.WorkerType}, runID)
	}
	if _, err := s.Dispatch(ctx); err != nil {
		return len(work), err
	}
	return len(work), nil
}

func (s *Service) EnqueueGrandchild(ctx context.Context, runID, grandchildID string) error {
	if _, err := s.parentOf(runID); err != nil {
		return err
	}
	wt, err := s.tickets.WorkerTypeOf(grandchildID)
	if err != nil {
		return fmt.Errorf("enqueue %s: %w", grandchildID, err)
	}
	s.workers.AddPendingTask(domain.Task{TicketID: grandchildID, WorkerType: wt}, runID)
	_, err = s.Dispatch(ctx)
	return err
}

// Dispatch hands queued tasks to free worker slots in FIFO order and returns
// how many assignments were sent.
func (s *Service) Dispatch(ctx context.Context) (int, error) {
	s.dispatchMu.Lock()
	defer s.dispatchMu.Unlock()

	sent := 0
	var errs []error
	for !s.workers.Stopped() && ctx.Err() == nil {
		pending := s.workers.PendingTasks()
		if len(pending) == 0 {
			break
		}
		a, ok := s.workers.Claim(pending[0])
		if !ok {
			break
		}
		s.workers.TakePending()
		if err := s.startAssignment(ctx, *a); err != nil {
			errs = append(errs, err)
			continue
		}
		sent++
	}
	return sent, errors.Join(errs...)
}

func (s *Service) startAssignment(ctx context.Context, a pool.Assignment) error {
	task := a.Task
	g, ok := s.tickets.GetGrandchildTicket(task.TicketID)
	if !ok {
		s.releaseQuietly(a.WorkerID)
		return fmt.Errorf("assign %s: %w", task.TicketID, ticket.ErrTicketNotFound)
	}
	branch := s.cfg.BranchPrefix + task.TicketID
	if err := s.tickets.AssignGrandchild(task.TicketID, a.WorkerID, branch); err != nil {
		s.releaseQuietly(a.WorkerID)
		return fmt.Errorf("assign %s: %w", task.TicketID, err)
	}
	if err := s.setTicketStatus(task.TicketID, domain.TicketStatusInProgress); err != nil {
		s.releaseQuietly(a.WorkerID)
		return fmt.Errorf("assign %s: %w", task.TicketID, err)
	}

	payload := domain.TaskAssignPayload{
		RunID:              task.RunID,
		TicketID:           task.TicketID,
		WorkerID:           a.WorkerID,
		WorkerType:         task.WorkerType,
		Title:              g.Title,
		Description:        g.Description,
		AcceptanceCriteria: g.AcceptanceCriteria,
		GitBranch:          branch,
	}
	res := errhandler.WithRetry(ctx, s.errs, func(ctx context.Context) (domain.AgentMessage, error) {
		return s.bus.Publish(ctx, domain.MessageTypeTaskAssign, s.cfg.ManagerID, a.WorkerID, payload, task.RunID)
	}, errhandler.Context{RunID: task.RunID, TicketID: task.TicketID, WorkerID: a.WorkerID, Operation: "send task_assign"})
	if res.Cancelled {
		s.releaseQuietly(a.WorkerID)
		if err := s.setTicketStatus(task.TicketID, domain.TicketStatusPending); err != nil {
			s.logger.Printf("reset ticket=%s: %v", task.TicketID, err)
		}
		return fmt.Errorf("assign %s: %w", task.TicketID, res.Err)
	}
	if !res.Success {
		s.releaseQuietly(a.WorkerID)
		if err := s.MarkTicketFailed(ctx, task.TicketID); err != nil {
			s.logger.Printf("mark ticket failed ticket=%s: %v", task.TicketID, err)
		}
		return fmt.Errorf("assign %s: %w", task.TicketID, res.Err)
	}

	if _, err := s.state.UpdateExecution(task.RunID, func(d *domain.ExecutionPersistenceData) error {
		if ws, ok := s.workers.Worker(a.WorkerID); ok {
			if d.WorkerStates == nil {
				d.WorkerStates = map[string]domain.WorkerState{}
			}
			d.WorkerStates[a.WorkerID] = ws
		}
		if d.GitBranches == nil {
			d.GitBranches = map[string]string{}
		}
		d.GitBranches[a.WorkerID] = branch
		return nil
	}); err != nil {
		s.logger.Printf("snapshot after assign run=%s ticket=%s: %v", task.RunID, task.TicketID, err)
	}
	s.logger.Printf("assigned ticket=%s worker=%s run=%s", task.TicketID, a.WorkerID, task.RunID)
	return nil
}

func (s *Service) releaseQuietly(workerID string) {
	if _, err := s.workers.ReleaseWorker(workerID); err != nil {
		s.logger.Printf("release worker=%s: %v", workerID, err)
	}
}

// ReviewPayload is what a reviewer sends back for a ticket in review.
type ReviewPayload struct {
	RunID    string `json:"runId"`
	TicketID string `json:"ticketId"`
	domain.ReviewResult
}

// HandleMessage applies one message from the manager's inbox.
func (s *Service) HandleMessage(ctx context.Context, msg domain.AgentMessage) error {
	if s.policy != nil {
		ok, reason, err := s.policy.CanMessage(ctx, msg.From, msg.To, msg.Type)
		if err != nil {
			return fmt.Errorf("check policy: %w", err)
		}
		if !ok {
			return fmt.Errorf("%w: %s", ErrNotAuthorized, reason)
		}
	}
	switch msg.Type {
	case domain.MessageTypeTaskComplete:
		var p domain.TaskResultPayload
		if err := json.Unmarshal(msg.Payload, &p); err != nil {
			return fmt.Errorf("decode task_complete: %w", err)
		}
		status := domain.TicketStatusCompleted
		if p.NeedsReview {
			status = domain.TicketStatusReviewRequested
		}
		if len(p.Artifacts) > 0 {
			if err := s.tickets.RecordArtifacts(p.TicketID, p.Artifacts); err != nil {
				s.logger.Printf("record artifacts ticket=%s: %v", p.TicketID, err)
			}
		}
		if err := s.finishTask(ctx, p, msg.From, status); err != nil {
			return err
		}
		if p.NeedsReview {
			return s.requestReview(ctx, p)
		}
		return nil

	case domain.MessageTypeTaskFailed:
		var p domain.TaskResultPayload
		if err := json.Unmarshal(msg.Payload, &p); err != nil {
			return fmt.Errorf("decode task_failed: %w", err)
		}
		if failureCategory(p) == domain.ErrorCategoryAIConnection {
			return s.pauseForAI(ctx, p, msg.From)
		}
		s.recordFailure(p)
		return s.finishTask(ctx, p, msg.From, domain.TicketStatusFailed)

	case domain.MessageTypeReviewResponse:
		var p ReviewPayload
		if err := json.Unmarshal(msg.Payload, &p); err != nil {
			return fmt.Errorf("decode review_response: %w", err)
		}
		if p.Reviewer == "" {
			p.Reviewer = msg.From
		}
		if p.ReviewedAt.IsZero() {
			p.ReviewedAt = s.now()
		}
		if err := s.tickets.SetReviewResult(p.TicketID, p.ReviewResult); err != nil {
			return fmt.Errorf("review ticket=%s: %w", p.TicketID, err)
		}
		if p.Approved {
			if err := s.setTicketStatus(p.TicketID, domain.TicketStatusCompleted); err != nil {
				return fmt.Errorf("review ticket=%s: %w", p.TicketID, err)
			}
			s.settleRun(ctx, p.RunID)
			return nil
		}
		if err := s.setTicketStatus(p.TicketID, domain.TicketStatusRevisionRequired); err != nil {
			return fmt.Errorf("review ticket=%s: %w", p.TicketID, err)
		}
		s.logger.Printf("revision required ticket=%s reviewer=%s", p.TicketID, p.Reviewer)
		if !s.runActive(p.RunID) {
			return nil
		}
		if err := s.EnqueueGrandchild(ctx, p.RunID, p.TicketID); err != nil {
			return fmt.Errorf("requeue ticket=%s: %w", p.TicketID, err)
		}
		return nil

	case domain.MessageTypeEscalate, domain.MessageTypeConflictEscalate:
		runID := msg.RunID()
		var p struct {
			Category domain.ErrorCategory `json:"category"`
			Error    string               `json:"error"`
		}
		_ = json.Unmarshal(msg.Payload, &p)
		category := p.Category
		if !category.Valid() {
			category = domain.ErrorCategoryUnknown
			if msg.Type == domain.MessageTypeConflictEscalate {
				category = domain.ErrorCategoryGit
			}
		}
		s.errs.LogError(runID, category, false, fmt.Sprintf("%s from %s: %s", msg.Type, msg.From, compact(msg.Payload)))
		s.logger.Printf("escalation received type=%s from=%s run=%s", msg.Type, msg.From, runID)
		return nil

	case domain.MessageTypeStatusRequest:
		var p struct {
			RunID string `json:"runId"`
		}
		_ = json.Unmarshal(msg.Payload, &p)
		report := StatusReport{Pool: s.workers.Status()}
		if p.RunID != "" {
			if parentID, err := s.parentOf(p.RunID); err == nil {
				if st, err := s.GetTaskStatus(parentID); err == nil {
					report = st
				}
			}
			report.RunID = p.RunID
		}
		_, err := s.bus.Publish(ctx, domain.MessageTypeStatusResponse, s.cfg.ManagerID, msg.From, report, p.RunID)
		return err

	default:
		s.logger.Printf("manager ignored message type=%s from=%s", msg.Type, msg.From)
		return nil
	}
}

func (s *Service) finishTask(ctx context.Context, p domain.TaskResultPayload, from string, status domain.TicketStatus) error {
	if p.TicketID == "" {
		return fmt.Errorf("%s result from %s: %w", status, from, messaging.ErrInvalidMessage)
	}
	if err := s.setTicketStatus(p.TicketID, status); err != nil {
		return fmt.Errorf("finish ticket=%s: %w", p.TicketID, err)
	}
	workerID := p.WorkerID
	if workerID == "" {
		workerID = from
	}
	s.releaseAndContinue(ctx, workerID, p.RunID)
	s.settleRun(ctx, p.RunID)
	return nil
}

// requestReview hands a finished ticket to the reviewer agent.
func (s *Service) requestReview(ctx context.Context, p domain.TaskResultPayload) error {
	res := errhandler.WithRetry(ctx, s.errs, func(ctx context.Context) (domain.AgentMessage, error) {
		return s.bus.Publish(ctx, domain.MessageTypeReviewRequest, s.cfg.ManagerID, s.cfg.ReviewerID, p, p.RunID)
	}, errhandler.Context{RunID: p.RunID, TicketID: p.TicketID, Operation: "send review_request"})
	if !res.Success {
		return fmt.Errorf("request review ticket=%s: %w", p.TicketID, res.Err)
	}
	s.logger.Printf("review requested ticket=%s reviewer=%s", p.TicketID, s.cfg.ReviewerID)
	return nil
}

// pauseForAI parks the run when a worker gave up because the AI backend is
// unreachable. The ticket goes back to pending and is picked up on resume.
func (s *Service) pauseForAI(ctx context.Context, p domain.TaskResultPayload, from string) error {
	if p.TicketID == "" {
		return fmt.Errorf("task_failed from %s: %w", from, messaging.ErrInvalidMessage)
	}
	if err := s.setTicketStatus(p.TicketID, domain.TicketStatusPending); err != nil {
		return fmt.Errorf("reset ticket=%s: %w", p.TicketID, err)
	}
	if p.RunID != "" {
		if _, err := s.HandleAIUnavailable(ctx, p.RunID, p.Error); err != nil {
			s.logger.Printf("pause run=%s for ai: %v", p.RunID, err)
		}
	}
	workerID := p.WorkerID
	if workerID == "" {
		workerID = from
	}
	s.releaseAndContinue(ctx, workerID, p.RunID)
	return nil
}

func failureCategory(p domain.TaskResultPayload) domain.ErrorCategory {
	if p.ErrorCategory.Valid() {
		return p.ErrorCategory
	}
	return errhandler.Categorize(errors.New(p.Error))
}

// runActive reports whether the run's snapshot is running. Runs without a
// snapshot count as active.
func (s *Service) runActive(runID string) bool {
	data, err := s.state.LoadExecutionData(runID)
	if err != nil {
		return errors.Is(err, state.ErrRunNotFound)
	}
	return data.Status == domain.ExecutionStatusRunning
}

// releaseAndContinue frees a worker, lets the pool hand it the oldest queued
// task and then fills any other free slot.
func (s *Service) releaseAndContinue(ctx context.Context, workerID, runID string) {
	s.dispatchMu.Lock()
	next, err := s.workers.ReleaseWorker(workerID)
	if err != nil {
		s.dispatchMu.Unlock()
		s.logger.Printf("release worker=%s: %v", workerID, err)
		return
	}
	if runID != "" {
		if ws, ok := s.workers.Worker(workerID); ok {
			if err := s.state.UpdateWorkerState(runID, ws); err != nil && !errors.Is(err, state.ErrRunNotFound) {
				s.logger.Printf("snapshot worker=%s run=%s: %v", workerID, runID, err)
			}
		}
	}
	if next != nil {
		if err := s.startAssignment(ctx, *next); err != nil {
			s.logger.Printf("hand-off worker=%s: %v", workerID, err)
		}
	}
	s.dispatchMu.Unlock()

	if _, err := s.Dispatch(ctx); err != nil {
		s.logger.Printf("dispatch after release: %v", err)
	}
}

// settleRun closes the run once its parent ticket is terminal and nothing of
// the run is still queued or running.
func (s *Service) settleRun(ctx context.Context, runID string) {
	if runID == "" {
		return
	}
	parentID, err := s.parentOf(runID)
	if err != nil {
		return
	}
	status, err := s.tickets.StatusOf(parentID)
	if err != nil || !status.IsTerminal() {
		return
	}
	if s.runBusy(runID) {
		return
	}
	final := domain.ExecutionStatusCompleted
	if status == domain.TicketStatusFailed {
		final = domain.ExecutionStatusFailed
	}
	data, err := s.state.LoadExecutionData(runID)
	if err != nil || data.Status.IsFinal() {
		return
	}
	if _, err := s.state.MarkExecution(runID, final); err != nil {
		s.logger.Printf("mark run=%s %s: %v", runID, final, err)
		return
	}
	s.logger.Printf("run finished run=%s status=%s", runID, final)
	if err := s.writeResult(runID, parentID, final); err != nil {
		s.logger.Printf("write result run=%s: %v", runID, err)
	}
	if final == domain.ExecutionStatusFailed {
		if _, err := s.errs.GenerateFailureReport(runID, errhandler.FailureReportInput{
			TicketID:      parentID,
			Summary:       "One or more tickets failed after exhausting retries.",
			Notifications: s.failuresOf(runID),
		}); err != nil {
			s.logger.Printf("failure report run=%s: %v", runID, err)
		}
	}
}

// writeResult records the run outcome and every artifact its tickets produced.
func (s *Service) writeResult(runID, parentID string, status domain.ExecutionStatus) error {
	completed := s.now()
	res := domain.ExecutionResult{
		RunID:       runID,
		TicketID:    parentID,
		Status:      status,
		CompletedAt: &completed,
	}
	if rec, err := s.readTaskRecord(runID); err == nil {
		res.StartedAt = rec.SubmittedAt
	}
	if parent, ok := s.tickets.GetParentTicket(parentID); ok {
		for _, c := range parent.ChildTickets {
			for _, g := range c.GrandchildTickets {
				for _, a := range g.Artifacts {
					res.Artifacts = append(res.Artifacts, domain.ArtifactInfo{Path: a, TicketID: g.ID, GitBranch: g.GitBranch})
				}
			}
		}
	}
	for _, n := range s.failuresOf(runID) {
		res.Errors = append(res.Errors, fmt.Sprintf("%s: %s", n.TicketID, n.Error))
	}
	path, err := s.layout.ResultFile(runID)
	if err != nil {
		return err
	}
	raw, err := json.MarshalIndent(res, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal result: %w", err)
	}
	return fs.WriteFileAtomic(path, raw)
}

func (s *Service) runBusy(runID string) bool {
	for _, t := range s.workers.PendingTasks() {
		if t.RunID == runID {
			return true
		}
	}
	for _, w := range s.workers.Workers() {
		if w.RunID == runID && w.Status == domain.WorkerStatusWorking {
			return true
		}
	}
	return false
}

func (s *Service) recordFailure(p domain.TaskResultPayload) {
	n := errhandler.WorkerFailureNotification{
		TicketID:          p.TicketID,
		WorkerID:          p.WorkerID,
		RunID:             p.RunID,
		Error:             p.Error,
		Category:          failureCategory(p),
		Attempts:          p.Attempts,
		FailedAt:          s.now(),
		RecommendedAction: domain.RecommendedAction(p.FailureAction),
	}
	if n.RecommendedAction == "" {
		n.RecommendedAction = errhandler.RecommendAction(n.Category, n.Attempts)
	}
	s.mu.Lock()
	s.failures[p.RunID] = append(s.failures[p.RunID], n)
	s.mu.Unlock()
}

func (s *Service) failuresOf(runID string) []errhandler.WorkerFailureNotification {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]errhandler.WorkerFailureNotification(nil), s.failures[runID]...)
}

// MarkTicketFailed is the status callback used by worker failure handling.
func (s *Service) MarkTicketFailed(_ context.Context, ticketID string) error {
	return s.setTicketStatus(ticketID, domain.TicketStatusFailed)
}

func (s *Service) setTicketStatus(ticketID string, status domain.TicketStatus) error {
	if err := s.tickets.UpdateTicketStatus(ticketID, status); err != nil {
		return err
	}
	if _, _, err := s.tickets.PropagateStatusToParent(ticketID); err != nil {
		return err
	}
	s.persistTickets(ticketID)
	return nil
}

func (s *Service) persistTickets(ticketID string) {
	parentID, err := s.tickets.RootOf(ticketID)
	if err != nil {
		s.logger.Printf("persist tickets %s: %v", ticketID, err)
		return
	}
	parent, ok := s.tickets.GetParentTicket(parentID)
	if !ok {
		return
	}
	if err := s.tickets.SaveTickets(parent.ProjectID); err != nil {
		s.logger.Printf("persist tickets project=%s: %v", parent.ProjectID, err)
	}
}

type StatusReport struct {
	RunID      string              `json:"runId,omitempty"`
	TicketID   string              `json:"ticketId,omitempty"`
	Status     domain.TicketStatus `json:"status,omitempty"`
	Total      int                 `json:"total"`
	Completed  int                 `json:"completed"`
	Failed     int                 `json:"failed"`
	InProgress int                 `json:"inProgress"`
	Pending    int                 `json:"pending"`
	Pool       domain.PoolStatus   `json:"pool"`
}

// GetTaskStatus counts the leaf tickets under a parent by state.
func (s *Service) GetTaskStatus(parentID string) (StatusReport, error) {
	parent, ok := s.tickets.GetParentTicket(parentID)
	if !ok {
		return StatusReport{}, fmt.Errorf("%w: %s", ticket.ErrTicketNotFound, parentID)
	}
	r := StatusReport{TicketID: parent.ID, Status: parent.Status, Pool: s.workers.Status()}
	for _, c := range parent.ChildTickets {
		for _, g := range c.GrandchildTickets {
			r.Total++
			switch g.Status {
			case domain.TicketStatusCompleted, domain.TicketStatusPRCreated:
				r.Completed++
			case domain.TicketStatusFailed:
				r.Failed++
			case domain.TicketStatusPending:
				r.Pending++
			default:
				r.InProgress++
			}
		}
	}
	return r, nil
}

// PauseExecution parks a run: queued tasks are withdrawn, the snapshot is
// marked paused and the parent ticket keeps the worker state for resume.
func (s *Service) PauseExecution(ctx context.Context, runID string) error {
	data, err := s.state.PauseExecution(runID)
	if err != nil {
		return fmt.Errorf("pause run=%s: %w", runID, err)
	}
	s.dropPending(runID)
	if err := s.tickets.PauseTicket(data.TicketID, ticket.PauseSnapshot{
		RunID:                 runID,
		WorkerStates:          s.workersOf(runID),
		ConversationHistories: data.ConversationHistories,
	}); err != nil {
		s.logger.Printf("pause ticket=%s run=%s: %v", data.TicketID, runID, err)
	} else {
		s.persistTickets(data.TicketID)
	}
	s.logger.Printf("run paused run=%s", runID)
	return nil
}

func (s *Service) ResumeExecution(ctx context.Context, runID string) error {
	data, err := s.state.ResumeExecution(runID)
	if err != nil {
		return fmt.Errorf("resume run=%s: %w", runID, err)
	}
	s.mu.Lock()
	s.runs[runID] = data.TicketID
	s.mu.Unlock()

	if _, err := s.tickets.ResumeTicket(data.TicketID); err != nil && !errors.Is(err, ticket.ErrNotPaused) {
		s.logger.Printf("resume ticket=%s run=%s: %v", data.TicketID, runID, err)
	} else {
		s.persistTickets(data.TicketID)
	}
	if err := s.errs.ClearPausedState(runID); err != nil {
		s.logger.Printf("clear paused state run=%s: %v", runID, err)
	}
	s.requeueStranded(runID)
	if _, err := s.EnqueueRun(ctx, runID); err != nil {
		return fmt.Errorf("resume run=%s: %w", runID, err)
	}
	s.logger.Printf("run resumed run=%s", runID)
	return nil
}

// HandleAIUnavailable pauses the run instead of failing it.
func (s *Service) HandleAIUnavailable(ctx context.Context, runID, reason string) (errhandler.PausedState, error) {
	parentID, err := s.parentOf(runID)
	if err != nil {
		return errhandler.PausedState{}, err
	}
	progress := errhandler.Progress{}
	if st, err := s.GetTaskStatus(parentID); err == nil {
		progress.TotalTickets = st.Total
		progress.CompletedTickets = st.Completed
		progress.FailedTickets = st.Failed
	}
	for _, w := range s.workersOf(runID) {
		if w.AssignedTicketID != "" {
			progress.InProgressTickets = append(progress.InProgressTickets, w.AssignedTicketID)
		}
	}
	sort.Strings(progress.InProgressTickets)

	if err := s.PauseExecution(ctx, runID); err != nil && !errors.Is(err, state.ErrInvalidTransition) {
		return errhandler.PausedState{}, err
	}
	return s.errs.HandleAIUnavailable(runID, reason, progress)
}

// EmergencyStop refuses new assignments, drops the queue and pauses every
// running execution so nothing is lost.
func (s *Service) EmergencyStop(ctx context.Context) error {
	s.workers.Stop()
	s.workers.ClearPendingTasks()
	runs, err := s.state.FindInProgressExecutions()
	if err != nil {
		return fmt.Errorf("emergency stop: %w", err)
	}
	var errs []error
	for _, d := range runs {
		if d.Status != domain.ExecutionStatusRunning {
			continue
		}
		if _, err := s.state.UpdateExecution(d.RunID, func(data *domain.ExecutionPersistenceData) error {
			mergeWorkers(data, s.workersOf(d.RunID))
			data.Status = domain.ExecutionStatusPaused
			return nil
		}); err != nil {
			errs = append(errs, err)
		}
	}
	s.logger.Printf("emergency stop runs=%d", len(runs))
	return errors.Join(errs...)
}

// RecoverExecutions reloads running and paused runs after a restart, restores
// their worker slots and re-queues pending work of running runs.
func (s *Service) RecoverExecutions(ctx context.Context) (int, error) {
	runs, err := s.state.FindInProgressExecutions()
	if err != nil {
		return 0, fmt.Errorf("recover executions: %w", err)
	}
	var errs []error
	for _, d := range runs {
		if err := s.loadRunTickets(d); err != nil {
			errs = append(errs, err)
			continue
		}
		s.mu.Lock()
		s.runs[d.RunID] = d.TicketID
		s.mu.Unlock()
		restored := s.workers.RestoreWorkers(d.WorkerStates)
		s.releaseRestored(ctx, d.RunID)
		s.requeueStranded(d.RunID)
		s.logger.Printf("recovered run=%s status=%s workers=%d", d.RunID, d.Status, restored)
		if d.Status == domain.ExecutionStatusRunning {
			if _, err := s.EnqueueRun(ctx, d.RunID); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return len(runs), errors.Join(errs...)
}

// releaseRestored frees the restored slots that were working on the run. The
// workers that held those assignments did not survive the restart, so any
// task_assign still waiting in their mailbox is discarded and the tickets are
// queued again.
func (s *Service) releaseRestored(ctx context.Context, runID string) {
	for id, w := range s.workersOf(runID) {
		if w.Status != domain.WorkerStatusWorking {
			continue
		}
		s.discardAssignments(ctx, id)
		s.dispatchMu.Lock()
		next, err := s.workers.ReleaseWorker(id)
		if err == nil && next != nil {
			err = s.startAssignment(ctx, *next)
		}
		s.dispatchMu.Unlock()
		if err != nil {
			s.logger.Printf("release restored worker=%s run=%s: %v", id, runID, err)
		}
	}
}

func (s *Service) discardAssignments(ctx context.Context, workerID string) {
	msgs, err := s.bus.Poll(ctx, workerID, time.Millisecond)
	if err != nil {
		s.logger.Printf("drain mailbox worker=%s: %v", workerID, err)
		return
	}
	for _, msg := range msgs {
		if msg.Type == domain.MessageTypeTaskAssign {
			s.logger.Printf("discarded stale task_assign id=%s worker=%s", msg.ID, workerID)
			continue
		}
		if err := s.bus.Send(ctx, msg, ""); err != nil {
			s.logger.Printf("requeue message id=%s worker=%s: %v", msg.ID, workerID, err)
		}
	}
}

// requeueStranded moves in-progress leaf tickets that no working slot holds
// back to pending, so EnqueueRun picks them up.
func (s *Service) requeueStranded(runID string) {
	parentID, err := s.parentOf(runID)
	if err != nil {
		return
	}
	parent, ok := s.tickets.GetParentTicket(parentID)
	if !ok {
		return
	}
	held := map[string]bool{}
	for _, w := range s.workers.Workers() {
		if w.Status == domain.WorkerStatusWorking && w.AssignedTicketID != "" {
			held[w.AssignedTicketID] = true
		}
	}
	for _, c := range parent.ChildTickets {
		for _, g := range c.GrandchildTickets {
			if g.Status != domain.TicketStatusInProgress || held[g.ID] {
				continue
			}
			if err := s.setTicketStatus(g.ID, domain.TicketStatusPending); err != nil {
				s.logger.Printf("requeue ticket=%s run=%s: %v", g.ID, runID, err)
				continue
			}
			s.logger.Printf("requeued stranded ticket=%s run=%s", g.ID, runID)
		}
	}
}

func (s *Service) loadRunTickets(d domain.ExecutionPersistenceData) error {
	if _, ok := s.tickets.GetParentTicket(d.TicketID); ok {
		return nil
	}
	projectID := ""
	if rec, err := s.readTaskRecord(d.RunID); err == nil {
		projectID = rec.ProjectID
	}
	if projectID == "" {
		p, err := ticket.ProjectOf(d.TicketID)
		if err != nil {
			return fmt.Errorf("recover run=%s: %w", d.RunID, err)
		}
		projectID = p
	}
	if err := s.tickets.LoadTickets(projectID); err != nil {
		return fmt.Errorf("recover run=%s: %w", d.RunID, err)
	}
	if _, ok := s.tickets.GetParentTicket(d.TicketID); !ok {
		return fmt.Errorf("recover run=%s: %w: %s", d.RunID, ticket.ErrTicketNotFound, d.TicketID)
	}
	return nil
}

// Checkpoint writes the live worker states of every running run and the
// ticket trees behind them.
func (s *Service) Checkpoint(ctx context.Context) error {
	s.mu.Lock()
	runs := make(map[string]string, len(s.runs))
	for k, v := range s.runs {
		runs[k] = v
	}
	s.mu.Unlock()

	var errs []error
	for runID, parentID := range runs {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		_, err := s.state.UpdateExecution(runID, func(d *domain.ExecutionPersistenceData) error {
			if d.Status != domain.ExecutionStatusRunning {
				return errSkip
			}
			mergeWorkers(d, s.workersOf(runID))
			return nil
		})
		if err != nil && !errors.Is(err, errSkip) {
			errs = append(errs, err)
			continue
		}
		s.persistTickets(parentID)
	}
	return errors.Join(errs...)
}

var errSkip = errors.New("skip")

func mergeWorkers(d *domain.ExecutionPersistenceData, live map[string]domain.WorkerState) {
	if d.WorkerStates == nil {
		d.WorkerStates = map[string]domain.WorkerState{}
	}
	for id, ws := range live {
		d.WorkerStates[id] = ws
	}
}

func (s *Service) workersOf(runID string) map[string]domain.WorkerState {
	out := map[string]domain.WorkerState{}
	for id, w := range s.workers.Workers() {
		if w.RunID == runID {
			out[id] = w
		}
	}
	return out
}

func (s *Service) dropPending(runID string) {
	s.dispatchMu.Lock()
	defer s.dispatchMu.Unlock()
	keep := make([]domain.Task, 0)
	for _, t := range s.workers.PendingTasks() {
		if t.RunID != runID {
			keep = append(keep, t)
		}
	}
	s.workers.ClearPendingTasks()
	for _, t := range keep {
		s.workers.AddPendingTask(t, t.RunID)
	}
}

func (s *Service) parentOf(runID string) (string, error) {
	s.mu.Lock()
	parentID, ok := s.runs[runID]
	s.mu.Unlock()
	if ok {
		return parentID, nil
	}
	data, err := s.state.LoadExecutionData(runID)
	if err != nil {
		if errors.Is(err, state.ErrRunNotFound) {
			return "", fmt.Errorf("%w: %s", ErrRunNotFound, runID)
		}
		return "", err
	}
	s.mu.Lock()
	s.runs[runID] = data.TicketID
	s.mu.Unlock()
	return data.TicketID, nil
}

func compact(raw json.RawMessage) string {
	if len(raw) == 0 {
		return "{}"
	}
	out, err := json.Marshal(raw)
	if err != nil {
		return string(raw)
	}
	return string(out)
}
