package state

import (
	"errors"
	"io"
	"log"
	"os"
	"path/filepath"
	"reflect"
	"testing"
	"time"

	"agent_fleet/internal/domain"
	"agent_fleet/internal/fs"
)

func newTestManager(t *testing.T) (*Manager, fs.Layout) {
	t.Helper()
	root := t.TempDir()
	layout, err := fs.NewLayout(filepath.Join(root, "state"), filepath.Join(root, "runs"))
	if err != nil {
		t.Fatalf("new layout: %v", err)
	}
	return NewManager(layout, log.New(io.Discard, "", 0)), layout
}

func sampleExecution(runID string, status domain.ExecutionStatus) domain.ExecutionPersistenceData {
	at := time.Date(2026, 4, 5, 6, 7, 8, 900, time.UTC)
	return domain.ExecutionPersistenceData{
		RunID:    runID,
		TicketID: "proj-0001",
		Status:   status,
		WorkerStates: map[string]domain.WorkerState{
			"worker-1": {
				WorkerID:         "worker-1",
				WorkerType:       domain.WorkerTypeDeveloper,
				Status:           domain.WorkerStatusWorking,
				AssignedTicketID: "proj-0001-01-001",
				RunID:            runID,
				LastActivity:     at,
			},
		},
		ConversationHistories: map[string]domain.ConversationHistory{
			"worker-1": {
				AgentID: "worker-1",
				Messages: []domain.ConversationMessage{
					{Role: "user", Content: "implement the handler ✓ 日本語", Timestamp: at},
					{Role: "tool", Content: "ok", ToolName: "write_file", Timestamp: at.Add(time.Second)},
				},
			},
			"worker-2": {AgentID: "worker-2", Messages: []domain.ConversationMessage{}},
		},
		GitBranches: map[string]string{},
		LastUpdated: at,
	}
}

func TestExecutionRoundTrip(t *testing.T) {
	m, _ := newTestManager(t)
	want := sampleExecution("run-1", domain.ExecutionStatusRunning)

	if err := m.SaveExecutionData(want); err != nil {
		t.Fatalf("save: %v", err)
	}
	got, err := m.LoadExecutionData("run-1")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if !reflect.DeepEqual(*got, want) {
		t.Fatalf("round trip mismatch\n got=%+v\nwant=%+v", *got, want)
	}
}

func TestLoadMissingRun(t *testing.T) {
	m, _ := newTestManager(t)
	if _, err := m.LoadExecutionData("absent"); !errors.Is(err, ErrRunNotFound) {
		t.Fatalf("err=%v want ErrRunNotFound", err)
	}
	if _, err := m.RestoreExecution("absent"); !errors.Is(err, ErrRunNotFound) {
		t.Fatalf("restore err=%v want ErrRunNotFound", err)
	}
}

func TestPauseResumeTransitions(t *testing.T) {
	m, _ := newTestManager(t)
	for _, tc := range []struct {
		status  domain.ExecutionStatus
		canStop bool
	}{
		{domain.ExecutionStatusRunning, true},
		{domain.ExecutionStatusPaused, true},
		{domain.ExecutionStatusCompleted, false},
		{domain.ExecutionStatusFailed, false},
	} {
		runID := "run-" + string(tc.status)
		if err := m.SaveExecutionData(sampleExecution(runID, tc.status)); err != nil {
			t.Fatalf("save %s: %v", runID, err)
		}
		paused, err := m.PauseExecution(runID)
		if tc.canStop {
			if err != nil {
				t.Fatalf("pause %s: %v", runID, err)
			}
			if paused.Status != domain.ExecutionStatusPaused {
				t.Fatalf("status=%s", paused.Status)
			}
			if !reflect.DeepEqual(paused.WorkerStates, sampleExecution(runID, tc.status).WorkerStates) {
				t.Fatalf("pause changed worker states")
			}
		} else if !errors.Is(err, ErrInvalidTransition) {
			t.Fatalf("pause %s err=%v want ErrInvalidTransition", runID, err)
		}
	}

	if err := m.SaveExecutionData(sampleExecution("run-r", domain.ExecutionStatusRunning)); err != nil {
		t.Fatalf("save: %v", err)
	}
	if _, err := m.ResumeExecution("run-r"); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("resume running err=%v", err)
	}
	if _, err := m.PauseExecution("run-r"); err != nil {
		t.Fatalf("pause: %v", err)
	}
	resumed, err := m.ResumeExecution("run-r")
	if err != nil {
		t.Fatalf("resume: %v", err)
	}
	if resumed.Status != domain.ExecutionStatusRunning {
		t.Fatalf("status=%s", resumed.Status)
	}
}

func TestFindInProgressExecutions(t *testing.T) {
	m, layout := newTestManager(t)
	for runID, status := range map[string]domain.ExecutionStatus{
		"a": domain.ExecutionStatusRunning,
		"b": domain.ExecutionStatusPaused,
		"c": domain.ExecutionStatusCompleted,
		"d": domain.ExecutionStatusFailed,
	} {
		if err := m.SaveExecutionData(sampleExecution(runID, status)); err != nil {
			t.Fatalf("save %s: %v", runID, err)
		}
	}
	// a corrupt snapshot is skipped, not fatal
	corrupt, _ := layout.RunStateFile("e")
	if err := fs.WriteFileAtomic(corrupt, []byte("{")); err != nil {
		t.Fatalf("write corrupt: %v", err)
	}

	got, err := m.FindInProgressExecutions()
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if len(got) != 2 || got[0].RunID != "a" || got[1].RunID != "b" {
		t.Fatalf("in progress=%+v", got)
	}
	if _, err := m.RestoreExecution("c"); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("restore completed err=%v", err)
	}
	restored, err := m.RestoreExecution("b")
	if err != nil {
		t.Fatalf("restore: %v", err)
	}
	if len(restored.ConversationHistories) != 2 {
		t.Fatalf("restored histories=%d", len(restored.ConversationHistories))
	}
}

func TestUpdateWorkerState(t *testing.T) {
	m, _ := newTestManager(t)
	data := sampleExecution("run-w", domain.ExecutionStatusRunning)
	data.WorkerStates = nil
	m.now = func() time.Time { return data.LastUpdated.Add(time.Hour) }
	if err := m.SaveExecutionData(data); err != nil {
		t.Fatalf("save: %v", err)
	}
	ws := domain.WorkerState{WorkerID: "worker-9", Status: domain.WorkerStatusIdle}
	if err := m.UpdateWorkerState("run-w", ws); err != nil {
		t.Fatalf("update worker: %v", err)
	}
	got, _ := m.LoadExecutionData("run-w")
	if got.WorkerStates["worker-9"].Status != domain.WorkerStatusIdle {
		t.Fatalf("worker states=%+v", got.WorkerStates)
	}
	if !got.LastUpdated.After(data.LastUpdated) {
		t.Fatalf("last updated not refreshed")
	}
}

func TestSettingsDefaultsAndRoundTrip(t *testing.T) {
	m, layout := newTestManager(t)

	got, err := m.LoadConfig()
	if err != nil {
		t.Fatalf("load defaults: %v", err)
	}
	if !reflect.DeepEqual(got, DefaultSettings()) {
		t.Fatalf("defaults=%+v", got)
	}

	custom := DefaultSettings()
	custom.MaxWorkers = 7
	custom.Retry.MaxAttempts = 5
	if err := m.SaveConfig(custom); err != nil {
		t.Fatalf("save: %v", err)
	}
	got, err = m.LoadConfig()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if !reflect.DeepEqual(got, custom) {
		t.Fatalf("settings=%+v want %+v", got, custom)
	}

	if err := os.WriteFile(layout.ConfigFile(), []byte("max_workers = 2\n"), 0o644); err != nil {
		t.Fatalf("write partial: %v", err)
	}
	got, err = m.LoadConfig()
	if err != nil {
		t.Fatalf("load partial: %v", err)
	}
	if got.MaxWorkers != 2 || got.Retry.InitialDelayMS != 1000 || got.ContainerRuntime != "docker" {
		t.Fatalf("partial settings=%+v", got)
	}
}
