package sqlite

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"agent_fleet/internal/domain"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := OpenQueue(context.Background(), filepath.Join(t.TempDir(), "bus.db"), 10*time.Millisecond)
	if err != nil {
		t.Fatalf("open queue: %v", err)
	}
	return store
}

func testMessage(id, from, to, runID string, at time.Time) domain.AgentMessage {
	payload, _ := json.Marshal(map[string]string{"runId": runID})
	return domain.AgentMessage{
		ID:        id,
		Type:      domain.MessageTypeTaskAssign,
		From:      from,
		To:        to,
		Payload:   payload,
		Timestamp: at,
	}
}

func TestSendPollDeletes(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	defer store.Close()

	base := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	if err := store.Send(ctx, testMessage("m2", "manager", "worker-1", "run-1", base.Add(time.Second))); err != nil {
		t.Fatalf("send m2: %v", err)
	}
	if err := store.Send(ctx, testMessage("m1", "manager", "worker-1", "run-1", base)); err != nil {
		t.Fatalf("send m1: %v", err)
	}

	pending, err := store.Pending(ctx)
	if err != nil {
		t.Fatalf("pending: %v", err)
	}
	if pending["worker-1"] != 2 {
		t.Fatalf("pending=%v", pending)
	}

	got, err := store.Poll(ctx, "worker-1", 50*time.Millisecond)
	if err != nil {
		t.Fatalf("poll: %v", err)
	}
	if len(got) != 2 || got[0].ID != "m1" || got[1].ID != "m2" {
		t.Fatalf("unexpected poll order %+v", got)
	}
	if !got[0].Timestamp.Equal(base) {
		t.Fatalf("timestamp not preserved: %v", got[0].Timestamp)
	}

	again, err := store.Poll(ctx, "worker-1", 20*time.Millisecond)
	if err != nil {
		t.Fatalf("second poll: %v", err)
	}
	if len(again) != 0 {
		t.Fatalf("message delivered twice: %+v", again)
	}

	history, err := store.History(ctx, "run-1")
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(history) != 2 || history[0].ID != "m1" {
		t.Fatalf("history=%+v", history)
	}
}

func TestBroadcastExcludesSender(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	defer store.Close()

	now := time.Now().UTC()
	for _, to := range []string{"worker-1", "worker-2", "reviewer"} {
		if err := store.Send(ctx, testMessage("hello-"+to, "manager", to, "", now)); err != nil {
			t.Fatalf("send: %v", err)
		}
		if _, err := store.Poll(ctx, to, 10*time.Millisecond); err != nil {
			t.Fatalf("drain: %v", err)
		}
	}

	msg := testMessage("b1", "manager", "*", "run-2", now)
	msg.Type = domain.MessageTypeStatusRequest
	if err := store.Broadcast(ctx, msg, []string{"reviewer"}); err != nil {
		t.Fatalf("broadcast: %v", err)
	}

	for _, agent := range []string{"worker-1", "worker-2"} {
		got, err := store.Poll(ctx, agent, 20*time.Millisecond)
		if err != nil {
			t.Fatalf("poll %s: %v", agent, err)
		}
		if len(got) != 1 || got[0].ID != "b1-"+agent || got[0].To != agent {
			t.Fatalf("agent %s got %+v", agent, got)
		}
	}
	for _, agent := range []string{"manager", "reviewer"} {
		got, err := store.Poll(ctx, agent, 10*time.Millisecond)
		if err != nil {
			t.Fatalf("poll %s: %v", agent, err)
		}
		if len(got) != 0 {
			t.Fatalf("excluded agent %s received %+v", agent, got)
		}
	}
}

func TestPollTimesOutEmpty(t *testing.T) {
	store := newTestStore(t)
	defer store.Close()

	start := time.Now()
	got, err := store.Poll(context.Background(), "nobody", 30*time.Millisecond)
	if err != nil {
		t.Fatalf("poll: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("expected empty poll, got %+v", got)
	}
	if elapsed := time.Since(start); elapsed < 30*time.Millisecond {
		t.Fatalf("poll returned before timeout: %v", elapsed)
	}
}
