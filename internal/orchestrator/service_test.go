package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"agent_fleet/internal/domain"
	"agent_fleet/internal/errhandler"
	"agent_fleet/internal/fs"
	"agent_fleet/internal/messaging"
	"agent_fleet/internal/messaging/inproc"
	"agent_fleet/internal/policy"
	"agent_fleet/internal/pool"
	"agent_fleet/internal/state"
	"agent_fleet/internal/ticket"
)

type testEnv struct {
	svc     *Service
	queue   *inproc.Queue
	layout  fs.Layout
	tickets *ticket.Manager
	workers *pool.Pool
	state   *state.Manager
	errs    *errhandler.Handler
}

func newTestEnv(t *testing.T, maxWorkers int) *testEnv {
	t.Helper()
	root := t.TempDir()
	layout, err := fs.NewLayout(filepath.Join(root, "state"), filepath.Join(root, "runs"))
	if err != nil {
		t.Fatalf("new layout: %v", err)
	}
	return newTestEnvAt(t, layout, maxWorkers)
}

func newTestEnvAt(t *testing.T, layout fs.Layout, maxWorkers int) *testEnv {
	t.Helper()
	logger := log.New(io.Discard, "", 0)
	workers, err := pool.New(maxWorkers, "docker", logger)
	if err != nil {
		t.Fatalf("new pool: %v", err)
	}
	q := inproc.New(64)
	bus := messaging.FromQueue(q, layout, logger)
	env := &testEnv{
		queue:   q,
		layout:  layout,
		tickets: ticket.NewManager(layout, logger),
		workers: workers,
		state:   state.NewManager(layout, logger),
		errs:    errhandler.New(errhandler.DefaultPolicy(), layout, nil, logger),
	}
	env.svc = New(env.tickets, workers, bus, policy.New(DefaultManagerID), env.state, env.errs, layout, Config{}, logger)
	return env
}

const threeTaskPlan = `
children:
  - title: backend
    workerType: developer
    grandchildren:
      - title: endpoint
      - title: migration
      - title: docs
`

func (e *testEnv) submitWithPlan(t *testing.T, plan string) Submission {
	t.Helper()
	ctx := context.Background()
	sub, err := e.svc.SubmitTask(ctx, SubmitInput{ProjectID: "proj", Instruction: "build the service"})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if _, err := e.svc.ImportPlan(ctx, sub.RunID, strings.NewReader(plan)); err != nil {
		t.Fatalf("import plan: %v", err)
	}
	return sub
}

func (e *testEnv) inbox(t *testing.T, agentID string) []domain.AgentMessage {
	t.Helper()
	msgs, err := e.queue.Poll(context.Background(), agentID, 50*time.Millisecond)
	if err != nil {
		t.Fatalf("poll %s: %v", agentID, err)
	}
	return msgs
}

func (e *testEnv) workerFor(t *testing.T, ticketID string) string {
	t.Helper()
	for id, w := range e.workers.Workers() {
		if w.AssignedTicketID == ticketID {
			return id
		}
	}
	t.Fatalf("no worker holds %s", ticketID)
	return ""
}

func (e *testEnv) report(t *testing.T, typ domain.MessageType, workerID, runID, ticketID string) {
	t.Helper()
	msg, err := messaging.NewMessage(typ, workerID, DefaultManagerID, domain.TaskResultPayload{
		RunID:    runID,
		TicketID: ticketID,
		WorkerID: workerID,
		Error:    "docker container exited",
		Attempts: 3,
	})
	if err != nil {
		t.Fatalf("new message: %v", err)
	}
	if err := e.svc.HandleMessage(context.Background(), msg); err != nil {
		t.Fatalf("handle %s: %v", typ, err)
	}
}

func decodeAssign(t *testing.T, msg domain.AgentMessage) domain.TaskAssignPayload {
	t.Helper()
	if msg.Type != domain.MessageTypeTaskAssign {
		t.Fatalf("expected task_assign, got %s", msg.Type)
	}
	var p domain.TaskAssignPayload
	if err := json.Unmarshal(msg.Payload, &p); err != nil {
		t.Fatalf("decode assign: %v", err)
	}
	return p
}

func TestSubmitDispatchAndHandOff(t *testing.T) {
	env := newTestEnv(t, 2)
	sub := env.submitWithPlan(t, threeTaskPlan)

	taskPath, _ := env.layout.TaskFile(sub.RunID)
	if _, err := os.Stat(taskPath); err != nil {
		t.Fatalf("task.json missing: %v", err)
	}
	if st := env.workers.Status(); st.ActiveWorkers != 2 || st.PendingTasks != 1 {
		t.Fatalf("unexpected pool status: %+v", st)
	}

	w1 := env.workerFor(t, "proj-0001-01-001")
	w2 := env.workerFor(t, "proj-0001-01-002")
	msgs := env.inbox(t, w1)
	if len(msgs) != 1 {
		t.Fatalf("expected one assignment for %s, got %d", w1, len(msgs))
	}
	assign := decodeAssign(t, msgs[0])
	if assign.TicketID != "proj-0001-01-001" || assign.GitBranch != "fleet/proj-0001-01-001" || assign.RunID != sub.RunID {
		t.Fatalf("unexpected assignment: %+v", assign)
	}
	g, _ := env.tickets.GetGrandchildTicket("proj-0001-01-001")
	if g.Status != domain.TicketStatusInProgress || g.Assignee != w1 {
		t.Fatalf("unexpected grandchild: %+v", g)
	}
	snap, err := env.state.LoadExecutionData(sub.RunID)
	if err != nil {
		t.Fatalf("load snapshot: %v", err)
	}
	if snap.GitBranches[w1] != "fleet/proj-0001-01-001" || snap.WorkerStates[w1].Status != domain.WorkerStatusWorking {
		t.Fatalf("snapshot not updated: %+v", snap)
	}

	env.report(t, domain.MessageTypeTaskComplete, w1, sub.RunID, "proj-0001-01-001")
	handed := env.inbox(t, w1)
	if len(handed) != 1 || decodeAssign(t, handed[0]).TicketID != "proj-0001-01-003" {
		t.Fatalf("released worker should take the queued ticket, got %+v", handed)
	}
	if st := env.workers.Status(); st.PendingTasks != 0 || st.ActiveWorkers != 2 {
		t.Fatalf("unexpected pool status after hand-off: %+v", st)
	}

	env.report(t, domain.MessageTypeTaskComplete, w2, sub.RunID, "proj-0001-01-002")
	env.report(t, domain.MessageTypeTaskComplete, w1, sub.RunID, "proj-0001-01-003")

	parent, _ := env.tickets.GetParentTicket(sub.Ticket.ID)
	if parent.Status != domain.TicketStatusCompleted {
		t.Fatalf("parent status = %s", parent.Status)
	}
	snap, err = env.state.LoadExecutionData(sub.RunID)
	if err != nil || snap.Status != domain.ExecutionStatusCompleted {
		t.Fatalf("run should be completed: %+v %v", snap, err)
	}
	logPath, _ := env.layout.MessagesLog(sub.RunID)
	raw, err := os.ReadFile(logPath)
	if err != nil || !strings.Contains(string(raw), "TASK_ASSIGN manager -> "+w1) {
		t.Fatalf("messages.log missing assignment: %q %v", raw, err)
	}
	result := env.readResult(t, sub.RunID)
	if result.Status != domain.ExecutionStatusCompleted || result.TicketID != sub.Ticket.ID || result.CompletedAt == nil || result.StartedAt.IsZero() {
		t.Fatalf("unexpected result.json: %+v", result)
	}
}

func (e *testEnv) readResult(t *testing.T, runID string) domain.ExecutionResult {
	t.Helper()
	path, _ := e.layout.ResultFile(runID)
	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read result.json: %v", err)
	}
	var res domain.ExecutionResult
	if err := json.Unmarshal(raw, &res); err != nil {
		t.Fatalf("decode result.json: %v", err)
	}
	return res
}

func TestTaskFailedFailsRunAndWritesReport(t *testing.T) {
	env := newTestEnv(t, 1)
	sub := env.submitWithPlan(t, `
children:
  - title: infra
    workerType: developer
    grandchildren:
      - title: image
`)
	w := env.workerFor(t, "proj-0001-01-001")
	env.report(t, domain.MessageTypeTaskFailed, w, sub.RunID, "proj-0001-01-001")

	if status, _ := env.tickets.StatusOf(sub.Ticket.ID); status != domain.TicketStatusFailed {
		t.Fatalf("parent status = %s", status)
	}
	snap, err := env.state.LoadExecutionData(sub.RunID)
	if err != nil || snap.Status != domain.ExecutionStatusFailed {
		t.Fatalf("run should be failed: %+v %v", snap, err)
	}
	path, _ := env.layout.FailureReport(sub.RunID)
	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read failure report: %v", err)
	}
	if !strings.Contains(string(raw), "proj-0001-01-001") || !strings.Contains(string(raw), "manual_review") {
		t.Fatalf("unexpected report:\n%s", raw)
	}
	if ws, _ := env.workers.Worker(w); ws.Status != domain.WorkerStatusIdle {
		t.Fatalf("worker should be released: %+v", ws)
	}
}

func TestReviewFlow(t *testing.T) {
	env := newTestEnv(t, 1)
	sub := env.submitWithPlan(t, `
children:
  - title: ui
    workerType: designer
    grandchildren:
      - title: mockups
`)
	w := env.workerFor(t, "proj-0001-01-001")
	msg, _ := messaging.NewMessage(domain.MessageTypeTaskComplete, w, DefaultManagerID, domain.TaskResultPayload{
		RunID: sub.RunID, TicketID: "proj-0001-01-001", WorkerID: w, NeedsReview: true, Artifacts: []string{"mock.png"},
	})
	if err := env.svc.HandleMessage(context.Background(), msg); err != nil {
		t.Fatalf("complete: %v", err)
	}
	g, _ := env.tickets.GetGrandchildTicket("proj-0001-01-001")
	if g.Status != domain.TicketStatusReviewRequested || len(g.Artifacts) != 1 {
		t.Fatalf("unexpected grandchild: %+v", g)
	}
	reqs := env.inbox(t, DefaultReviewerID)
	if len(reqs) != 1 || reqs[0].Type != domain.MessageTypeReviewRequest || reqs[0].From != DefaultManagerID {
		t.Fatalf("reviewer should get a review_request, got %+v", reqs)
	}
	var asked domain.TaskResultPayload
	if err := json.Unmarshal(reqs[0].Payload, &asked); err != nil || asked.TicketID != "proj-0001-01-001" {
		t.Fatalf("unexpected review_request payload: %+v %v", asked, err)
	}

	review, _ := messaging.NewMessage(domain.MessageTypeReviewResponse, "reviewer-1", DefaultManagerID, ReviewPayload{
		RunID: sub.RunID, TicketID: "proj-0001-01-001", ReviewResult: domain.ReviewResult{Approved: true},
	})
	if err := env.svc.HandleMessage(context.Background(), review); err != nil {
		t.Fatalf("review: %v", err)
	}
	g, _ = env.tickets.GetGrandchildTicket("proj-0001-01-001")
	if g.Status != domain.TicketStatusCompleted || g.ReviewResult == nil || g.ReviewResult.Reviewer != "reviewer-1" {
		t.Fatalf("unexpected reviewed grandchild: %+v", g)
	}
	snap, _ := env.state.LoadExecutionData(sub.RunID)
	if snap.Status != domain.ExecutionStatusCompleted {
		t.Fatalf("run status = %s", snap.Status)
	}
	result := env.readResult(t, sub.RunID)
	if len(result.Artifacts) != 1 || result.Artifacts[0].Path != "mock.png" || result.Artifacts[0].GitBranch != "fleet/proj-0001-01-001" {
		t.Fatalf("unexpected result artifacts: %+v", result.Artifacts)
	}
}

func TestRejectedReviewIsDispatchedAgain(t *testing.T) {
	env := newTestEnv(t, 1)
	sub := env.submitWithPlan(t, `
children:
  - title: ui
    workerType: designer
    grandchildren:
      - title: mockups
`)
	w := env.workerFor(t, "proj-0001-01-001")
	env.inbox(t, w)
	msg, _ := messaging.NewMessage(domain.MessageTypeTaskComplete, w, DefaultManagerID, domain.TaskResultPayload{
		RunID: sub.RunID, TicketID: "proj-0001-01-001", WorkerID: w, NeedsReview: true,
	})
	if err := env.svc.HandleMessage(context.Background(), msg); err != nil {
		t.Fatalf("complete: %v", err)
	}
	env.inbox(t, DefaultReviewerID)

	review, _ := messaging.NewMessage(domain.MessageTypeReviewResponse, DefaultReviewerID, DefaultManagerID, ReviewPayload{
		RunID: sub.RunID, TicketID: "proj-0001-01-001", ReviewResult: domain.ReviewResult{Approved: false, Comments: []string{"contrast too low"}},
	})
	if err := env.svc.HandleMessage(context.Background(), review); err != nil {
		t.Fatalf("review: %v", err)
	}

	again := env.workerFor(t, "proj-0001-01-001")
	msgs := env.inbox(t, again)
	if len(msgs) != 1 || decodeAssign(t, msgs[0]).TicketID != "proj-0001-01-001" {
		t.Fatalf("rejected ticket should be assigned again, got %+v", msgs)
	}
	g, _ := env.tickets.GetGrandchildTicket("proj-0001-01-001")
	if g.Status != domain.TicketStatusInProgress || g.ReviewResult == nil || g.ReviewResult.Approved {
		t.Fatalf("unexpected grandchild after rejection: %+v", g)
	}
	snap, _ := env.state.LoadExecutionData(sub.RunID)
	if snap.Status != domain.ExecutionStatusRunning {
		t.Fatalf("run status = %s", snap.Status)
	}
}

func TestRejectedReviewWaitsWhilePaused(t *testing.T) {
	env := newTestEnv(t, 1)
	ctx := context.Background()
	sub := env.submitWithPlan(t, `
children:
  - title: ui
    workerType: designer
    grandchildren:
      - title: mockups
`)
	w := env.workerFor(t, "proj-0001-01-001")
	env.inbox(t, w)
	msg, _ := messaging.NewMessage(domain.MessageTypeTaskComplete, w, DefaultManagerID, domain.TaskResultPayload{
		RunID: sub.RunID, TicketID: "proj-0001-01-001", WorkerID: w, NeedsReview: true,
	})
	if err := env.svc.HandleMessage(ctx, msg); err != nil {
		t.Fatalf("complete: %v", err)
	}
	if err := env.svc.PauseExecution(ctx, sub.RunID); err != nil {
		t.Fatalf("pause: %v", err)
	}
	review, _ := messaging.NewMessage(domain.MessageTypeReviewResponse, DefaultReviewerID, DefaultManagerID, ReviewPayload{
		RunID: sub.RunID, TicketID: "proj-0001-01-001",
	})
	if err := env.svc.HandleMessage(ctx, review); err != nil {
		t.Fatalf("review: %v", err)
	}
	if n := len(env.workers.PendingTasks()); n != 0 {
		t.Fatalf("paused run must not queue the revision, got %d", n)
	}
	if status, _ := env.tickets.StatusOf("proj-0001-01-001"); status != domain.TicketStatusRevisionRequired {
		t.Fatalf("ticket status = %s", status)
	}

	if err := env.svc.ResumeExecution(ctx, sub.RunID); err != nil {
		t.Fatalf("resume: %v", err)
	}
	msgs := env.inbox(t, env.workerFor(t, "proj-0001-01-001"))
	if len(msgs) != 1 || decodeAssign(t, msgs[0]).TicketID != "proj-0001-01-001" {
		t.Fatalf("resume should dispatch the revision, got %+v", msgs)
	}
}

func TestPauseAndResumeExecution(t *testing.T) {
	env := newTestEnv(t, 1)
	ctx := context.Background()
	sub := env.submitWithPlan(t, threeTaskPlan)
	w := env.workerFor(t, "proj-0001-01-001")
	env.inbox(t, w)

	if err := env.svc.PauseExecution(ctx, sub.RunID); err != nil {
		t.Fatalf("pause: %v", err)
	}
	if n := len(env.workers.PendingTasks()); n != 0 {
		t.Fatalf("paused run should have no queued tasks, got %d", n)
	}
	if !env.tickets.IsPaused(sub.Ticket.ID) {
		t.Fatalf("parent ticket should be paused")
	}
	snap, _ := env.state.LoadExecutionData(sub.RunID)
	if snap.Status != domain.ExecutionStatusPaused {
		t.Fatalf("run status = %s", snap.Status)
	}

	env.report(t, domain.MessageTypeTaskComplete, w, sub.RunID, "proj-0001-01-001")
	if msgs := env.inbox(t, w); len(msgs) != 0 {
		t.Fatalf("paused run must not dispatch, got %+v", msgs)
	}

	if err := env.svc.ResumeExecution(ctx, sub.RunID); err != nil {
		t.Fatalf("resume: %v", err)
	}
	if env.tickets.IsPaused(sub.Ticket.ID) {
		t.Fatalf("parent ticket should be resumed")
	}
	msgs := env.inbox(t, w)
	if len(msgs) != 1 || decodeAssign(t, msgs[0]).TicketID != "proj-0001-01-002" {
		t.Fatalf("resume should dispatch the next ticket, got %+v", msgs)
	}
	if n := len(env.workers.PendingTasks()); n != 1 {
		t.Fatalf("expected one queued task, got %d", n)
	}
	if err := env.svc.ResumeExecution(ctx, sub.RunID); !errors.Is(err, state.ErrInvalidTransition) {
		t.Fatalf("resuming a running run should fail, got %v", err)
	}
}

func TestEmergencyStop(t *testing.T) {
	env := newTestEnv(t, 1)
	ctx := context.Background()
	sub := env.submitWithPlan(t, threeTaskPlan)

	if err := env.svc.EmergencyStop(ctx); err != nil {
		t.Fatalf("emergency stop: %v", err)
	}
	if !env.workers.Stopped() || len(env.workers.PendingTasks()) != 0 {
		t.Fatalf("pool should be stopped and drained")
	}
	snap, _ := env.state.LoadExecutionData(sub.RunID)
	if snap.Status != domain.ExecutionStatusPaused {
		t.Fatalf("run status = %s", snap.Status)
	}
	if err := env.svc.EnqueueGrandchild(ctx, sub.RunID, "proj-0001-01-003"); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if n, err := env.svc.Dispatch(ctx); err != nil || n != 0 {
		t.Fatalf("stopped pool dispatched %d: %v", n, err)
	}
}

func TestRecoverExecutions(t *testing.T) {
	first := newTestEnv(t, 1)
	sub := first.submitWithPlan(t, threeTaskPlan)
	w := first.workerFor(t, "proj-0001-01-001")

	second := newTestEnvAt(t, first.layout, 1)
	stale, _ := messaging.NewMessage(domain.MessageTypeTaskAssign, DefaultManagerID, w, domain.TaskAssignPayload{RunID: sub.RunID, TicketID: "proj-0001-01-001"})
	note, _ := messaging.NewMessage(domain.MessageTypeStatusResponse, DefaultManagerID, w, StatusReport{RunID: sub.RunID})
	for _, m := range []domain.AgentMessage{stale, note} {
		if err := second.queue.Send(context.Background(), m); err != nil {
			t.Fatalf("seed mailbox: %v", err)
		}
	}
	n, err := second.svc.RecoverExecutions(context.Background())
	if err != nil {
		t.Fatalf("recover: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected one recovered run, got %d", n)
	}
	if _, ok := second.tickets.GetParentTicket(sub.Ticket.ID); !ok {
		t.Fatalf("tickets were not reloaded")
	}
	ws, ok := second.workers.Worker(w)
	if !ok || ws.AssignedTicketID != "proj-0001-01-001" {
		t.Fatalf("worker not restored: %+v", ws)
	}
	if st := second.workers.Status(); st.ActiveWorkers != 1 || st.PendingTasks != 2 {
		t.Fatalf("unexpected pool after recovery: %+v", st)
	}

	// The restored slot is released and the ticket is assigned afresh; a
	// task_assign left over from before the restart is not delivered.
	msgs := second.inbox(t, w)
	var assigns []domain.TaskAssignPayload
	kept := 0
	for _, m := range msgs {
		if m.Type == domain.MessageTypeTaskAssign {
			assigns = append(assigns, decodeAssign(t, m))
			continue
		}
		kept++
	}
	if len(assigns) != 1 || assigns[0].TicketID != "proj-0001-01-001" || assigns[0].Title != "endpoint" {
		t.Fatalf("expected one fresh assignment, got %+v", assigns)
	}
	if kept != 1 {
		t.Fatalf("other mail should survive recovery, got %d of %d", kept, len(msgs))
	}
	g, _ := second.tickets.GetGrandchildTicket("proj-0001-01-001")
	if g.Status != domain.TicketStatusInProgress || g.Assignee != w {
		t.Fatalf("unexpected grandchild after recovery: %+v", g)
	}
}

func TestCheckpointRecordsLiveWorkers(t *testing.T) {
	env := newTestEnv(t, 1)
	sub := env.submitWithPlan(t, threeTaskPlan)
	w := env.workerFor(t, "proj-0001-01-001")
	if err := env.workers.MarkWorkerError(w, errors.New("container crashed")); err != nil {
		t.Fatalf("mark error: %v", err)
	}
	if err := env.svc.Checkpoint(context.Background()); err != nil {
		t.Fatalf("checkpoint: %v", err)
	}
	snap, _ := env.state.LoadExecutionData(sub.RunID)
	if snap.WorkerStates[w].Status != domain.WorkerStatusError || snap.WorkerStates[w].LastError != "container crashed" {
		t.Fatalf("checkpoint did not record worker: %+v", snap.WorkerStates[w])
	}
}

func TestHandleAIUnavailablePausesRun(t *testing.T) {
	env := newTestEnv(t, 1)
	sub := env.submitWithPlan(t, threeTaskPlan)

	ps, err := env.svc.HandleAIUnavailable(context.Background(), sub.RunID, "backend returned 503")
	if err != nil {
		t.Fatalf("ai unavailable: %v", err)
	}
	if ps.Progress.TotalTickets != 3 || len(ps.Progress.InProgressTickets) != 1 {
		t.Fatalf("unexpected progress: %+v", ps.Progress)
	}
	snap, _ := env.state.LoadExecutionData(sub.RunID)
	if snap.Status != domain.ExecutionStatusPaused {
		t.Fatalf("run status = %s", snap.Status)
	}
	loaded, err := env.errs.LoadPausedState(sub.RunID)
	if err != nil || loaded == nil || loaded.Reason != "backend returned 503" {
		t.Fatalf("paused state not written: %+v %v", loaded, err)
	}
}

func TestAIFailurePausesInsteadOfFailing(t *testing.T) {
	env := newTestEnv(t, 1)
	ctx := context.Background()
	sub := env.submitWithPlan(t, threeTaskPlan)
	w := env.workerFor(t, "proj-0001-01-001")
	env.inbox(t, w)

	msg, _ := messaging.NewMessage(domain.MessageTypeTaskFailed, w, DefaultManagerID, domain.TaskResultPayload{
		RunID:         sub.RunID,
		TicketID:      "proj-0001-01-001",
		WorkerID:      w,
		Error:         "dial tcp 10.0.0.5:443: connect: connection refused",
		ErrorCategory: domain.ErrorCategoryAIConnection,
		Attempts:      3,
	})
	if err := env.svc.HandleMessage(ctx, msg); err != nil {
		t.Fatalf("handle task_failed: %v", err)
	}

	if status, _ := env.tickets.StatusOf("proj-0001-01-001"); status != domain.TicketStatusPending {
		t.Fatalf("ticket status = %s", status)
	}
	if status, _ := env.tickets.StatusOf(sub.Ticket.ID); status == domain.TicketStatusFailed {
		t.Fatalf("parent must not fail on ai outage")
	}
	snap, _ := env.state.LoadExecutionData(sub.RunID)
	if snap.Status != domain.ExecutionStatusPaused {
		t.Fatalf("run status = %s", snap.Status)
	}
	ps, err := env.errs.LoadPausedState(sub.RunID)
	if err != nil || ps == nil || !strings.Contains(ps.Reason, "connection refused") {
		t.Fatalf("paused state not written: %+v %v", ps, err)
	}
	if ws, _ := env.workers.Worker(w); ws.Status != domain.WorkerStatusIdle {
		t.Fatalf("worker should be released: %+v", ws)
	}
	if msgs := env.inbox(t, w); len(msgs) != 0 {
		t.Fatalf("paused run must not dispatch, got %+v", msgs)
	}
	if path, _ := env.layout.FailureReport(sub.RunID); fileExists(path) {
		t.Fatalf("ai outage must not write a failure report")
	}

	if err := env.svc.ResumeExecution(ctx, sub.RunID); err != nil {
		t.Fatalf("resume: %v", err)
	}
	msgs := env.inbox(t, w)
	if len(msgs) != 1 || decodeAssign(t, msgs[0]).TicketID != "proj-0001-01-001" {
		t.Fatalf("resume should retry the ticket, got %+v", msgs)
	}
}

func TestAIFailureCategorizedFromError(t *testing.T) {
	env := newTestEnv(t, 1)
	sub := env.submitWithPlan(t, threeTaskPlan)
	w := env.workerFor(t, "proj-0001-01-001")

	msg, _ := messaging.NewMessage(domain.MessageTypeTaskFailed, w, DefaultManagerID, domain.TaskResultPayload{
		RunID: sub.RunID, TicketID: "proj-0001-01-001", WorkerID: w, Error: "ECONNREFUSED",
	})
	if err := env.svc.HandleMessage(context.Background(), msg); err != nil {
		t.Fatalf("handle task_failed: %v", err)
	}
	snap, _ := env.state.LoadExecutionData(sub.RunID)
	if snap.Status != domain.ExecutionStatusPaused {
		t.Fatalf("run status = %s", snap.Status)
	}
}

func TestCancelledAssignmentLeavesTicketPending(t *testing.T) {
	env := newTestEnv(t, 1)
	sub, err := env.svc.SubmitTask(context.Background(), SubmitInput{ProjectID: "proj", Instruction: "build the service"})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	// A dead context dispatches nothing, so the plan only queues.
	if _, err := env.svc.ImportPlan(ctx, sub.RunID, strings.NewReader(threeTaskPlan)); err != nil {
		t.Fatalf("import plan: %v", err)
	}
	a, ok := env.workers.Claim(env.workers.PendingTasks()[0])
	if !ok {
		t.Fatalf("claim failed")
	}
	env.workers.TakePending()
	for i := 0; i < 64; i++ {
		filler, _ := messaging.NewMessage(domain.MessageTypeStatusResponse, DefaultManagerID, a.WorkerID, StatusReport{})
		if err := env.queue.Send(context.Background(), filler); err != nil {
			t.Fatalf("fill mailbox: %v", err)
		}
	}

	if err := env.svc.startAssignment(ctx, *a); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if status, _ := env.tickets.StatusOf(a.Task.TicketID); status != domain.TicketStatusPending {
		t.Fatalf("ticket status = %s", status)
	}
	if ws, _ := env.workers.Worker(a.WorkerID); ws.Status != domain.WorkerStatusIdle {
		t.Fatalf("worker should be released: %+v", ws)
	}
	if path, _ := env.layout.FailureReport(sub.RunID); fileExists(path) {
		t.Fatalf("cancellation must not write a failure report")
	}
	if stats, err := env.errs.GetErrorStatistics(sub.RunID); err == nil && stats.Total != 0 {
		t.Fatalf("cancellation must not be logged as a failure: %+v", stats)
	}
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func TestStatusRequestReply(t *testing.T) {
	env := newTestEnv(t, 2)
	sub := env.submitWithPlan(t, threeTaskPlan)
	req, _ := messaging.NewMessage(domain.MessageTypeStatusRequest, "operator", DefaultManagerID, map[string]string{"runId": sub.RunID})
	if err := env.svc.HandleMessage(context.Background(), req); err != nil {
		t.Fatalf("status request: %v", err)
	}
	msgs := env.inbox(t, "operator")
	if len(msgs) != 1 || msgs[0].Type != domain.MessageTypeStatusResponse {
		t.Fatalf("unexpected reply: %+v", msgs)
	}
	var report StatusReport
	if err := json.Unmarshal(msgs[0].Payload, &report); err != nil {
		t.Fatalf("decode report: %v", err)
	}
	if report.Total != 3 || report.InProgress != 2 || report.Pending != 1 || report.RunID != sub.RunID {
		t.Fatalf("unexpected report: %+v", report)
	}
}

func TestEscalationIsLogged(t *testing.T) {
	env := newTestEnv(t, 1)
	sub := env.submitWithPlan(t, threeTaskPlan)
	esc := BusEscalator{Bus: messaging.FromQueue(env.queue, env.layout, log.New(io.Discard, "", 0))}
	if err := esc.Escalate(context.Background(), errhandler.Escalation{
		RunID: sub.RunID, Category: domain.ErrorCategoryGit, Error: "merge conflict", Action: domain.ActionManualReview,
	}); err != nil {
		t.Fatalf("escalate: %v", err)
	}
	msgs := env.inbox(t, DefaultManagerID)
	if len(msgs) != 1 || msgs[0].Type != domain.MessageTypeEscalate {
		t.Fatalf("unexpected manager inbox: %+v", msgs)
	}
	if err := env.svc.HandleMessage(context.Background(), msgs[0]); err != nil {
		t.Fatalf("handle escalate: %v", err)
	}
	stats, err := env.errs.GetErrorStatistics(sub.RunID)
	if err != nil || stats.ByCategory[domain.ErrorCategoryGit] != 1 {
		t.Fatalf("escalation not logged: %+v %v", stats, err)
	}
}

func TestPolicyRejectsForgedAssignment(t *testing.T) {
	env := newTestEnv(t, 1)
	msg, _ := messaging.NewMessage(domain.MessageTypeTaskAssign, "worker-x", DefaultManagerID, map[string]string{})
	if err := env.svc.HandleMessage(context.Background(), msg); !errors.Is(err, ErrNotAuthorized) {
		t.Fatalf("expected ErrNotAuthorized, got %v", err)
	}
}

func TestUnknownRun(t *testing.T) {
	env := newTestEnv(t, 1)
	if _, err := env.svc.EnqueueRun(context.Background(), "run-missing"); !errors.Is(err, ErrRunNotFound) {
		t.Fatalf("expected ErrRunNotFound, got %v", err)
	}
}
