package file

import (
	"context"
	"encoding/json"
	"io"
	"log"
	"os"
	"path/filepath"
	"testing"
	"time"

	"agent_fleet/internal/domain"
	"agent_fleet/internal/fs"
	"agent_fleet/internal/messaging"
)

func newTestQueue(t *testing.T) (*Queue, fs.Layout) {
	t.Helper()
	root := t.TempDir()
	layout, err := fs.NewLayout(filepath.Join(root, "state"), filepath.Join(root, "runs"))
	if err != nil {
		t.Fatalf("new layout: %v", err)
	}
	return New(layout, 5*time.Millisecond, log.New(io.Discard, "", 0)), layout
}

func message(t *testing.T, typ domain.MessageType, from, to, runID string) domain.AgentMessage {
	t.Helper()
	var payload any
	if runID != "" {
		payload = map[string]string{"runId": runID}
	}
	msg, err := messaging.NewMessage(typ, from, to, payload)
	if err != nil {
		t.Fatalf("new message: %v", err)
	}
	return msg
}

func TestPollRemovesDeliveredMessages(t *testing.T) {
	ctx := context.Background()
	q, layout := newTestQueue(t)

	msg := message(t, domain.MessageTypeTaskAssign, "manager", "worker-a", "run-1")
	if err := q.Send(ctx, msg); err != nil {
		t.Fatalf("send: %v", err)
	}
	dir, _ := layout.QueueDir("worker-a")
	if _, err := os.Stat(filepath.Join(dir, msg.ID+".json")); err != nil {
		t.Fatalf("message file missing: %v", err)
	}

	got, err := q.Poll(ctx, "worker-a", 100*time.Millisecond)
	if err != nil {
		t.Fatalf("poll: %v", err)
	}
	if len(got) != 1 || got[0].ID != msg.ID {
		t.Fatalf("poll got %+v", got)
	}
	if !got[0].Timestamp.Equal(msg.Timestamp) || string(got[0].Payload) != string(msg.Payload) {
		t.Fatalf("message changed in transit: %+v", got[0])
	}

	again, err := q.Poll(ctx, "worker-a", 20*time.Millisecond)
	if err != nil {
		t.Fatalf("second poll: %v", err)
	}
	if len(again) != 0 {
		t.Fatalf("message delivered twice")
	}

	history, err := q.History(ctx, "run-1")
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(history) != 1 || history[0].ID != msg.ID {
		t.Fatalf("history should survive poll: %+v", history)
	}
}

func TestPollWaitsForLateMessage(t *testing.T) {
	ctx := context.Background()
	q, _ := newTestQueue(t)
	msg := message(t, domain.MessageTypeStatusRequest, "manager", "worker-b", "")

	go func() {
		time.Sleep(20 * time.Millisecond)
		_ = q.Send(ctx, msg)
	}()
	got, err := q.Poll(ctx, "worker-b", 2*time.Second)
	if err != nil {
		t.Fatalf("poll: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("expected the late message, got %+v", got)
	}
}

func TestPollOrdersByTimestamp(t *testing.T) {
	ctx := context.Background()
	q, _ := newTestQueue(t)

	base := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	for i, offset := range []int{3, 1, 2} {
		msg := message(t, domain.MessageTypeTaskAssign, "manager", "worker-c", "")
		msg.ID = []string{"c", "a", "b"}[i]
		msg.Timestamp = base.Add(time.Duration(offset) * time.Second)
		if err := q.Send(ctx, msg); err != nil {
			t.Fatalf("send: %v", err)
		}
	}
	got, err := q.Poll(ctx, "worker-c", 50*time.Millisecond)
	if err != nil {
		t.Fatalf("poll: %v", err)
	}
	if len(got) != 3 || got[0].ID != "a" || got[1].ID != "b" || got[2].ID != "c" {
		t.Fatalf("order=%v", ids(got))
	}
}

func TestBroadcastReachesKnownAgentsExceptSender(t *testing.T) {
	ctx := context.Background()
	q, _ := newTestQueue(t)

	for _, agent := range []string{"worker-1", "worker-2", "reviewer"} {
		if err := q.Send(ctx, message(t, domain.MessageTypeStatusRequest, agent, "manager", "")); err != nil {
			t.Fatalf("send: %v", err)
		}
	}
	if _, err := q.Poll(ctx, "manager", 20*time.Millisecond); err != nil {
		t.Fatalf("drain manager: %v", err)
	}

	agents, err := q.Agents(ctx)
	if err != nil {
		t.Fatalf("agents: %v", err)
	}
	if len(agents) != 4 {
		t.Fatalf("agents=%v", agents)
	}

	b := message(t, domain.MessageTypeEscalate, "manager", messaging.BroadcastTarget, "run-9")
	if err := q.Broadcast(ctx, b, []string{"reviewer"}); err != nil {
		t.Fatalf("broadcast: %v", err)
	}
	for _, agent := range []string{"worker-1", "worker-2"} {
		got, err := q.Poll(ctx, agent, 20*time.Millisecond)
		if err != nil {
			t.Fatalf("poll %s: %v", agent, err)
		}
		if len(got) != 1 || got[0].ID != b.ID+"-"+agent {
			t.Fatalf("%s got %v", agent, ids(got))
		}
	}
	for _, agent := range []string{"manager", "reviewer"} {
		got, err := q.Poll(ctx, agent, 10*time.Millisecond)
		if err != nil {
			t.Fatalf("poll %s: %v", agent, err)
		}
		if len(got) != 0 {
			t.Fatalf("%s should not receive the broadcast: %v", agent, ids(got))
		}
	}

	history, err := q.History(ctx, "run-9")
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(history) != 2 {
		t.Fatalf("history=%v", ids(history))
	}
}

func TestHistoryMissingRunIsEmpty(t *testing.T) {
	q, _ := newTestQueue(t)
	got, err := q.History(context.Background(), "never")
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("history=%v", got)
	}
}

func TestUndecodableFileIsDropped(t *testing.T) {
	ctx := context.Background()
	q, layout := newTestQueue(t)
	dir, _ := layout.QueueDir("worker-d")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "junk.json"), []byte("{"), 0o644); err != nil {
		t.Fatalf("write junk: %v", err)
	}
	good := message(t, domain.MessageTypeStatusRequest, "manager", "worker-d", "")
	if err := q.Send(ctx, good); err != nil {
		t.Fatalf("send: %v", err)
	}
	got, err := q.Poll(ctx, "worker-d", 20*time.Millisecond)
	if err != nil {
		t.Fatalf("poll: %v", err)
	}
	if len(got) != 1 || got[0].ID != good.ID {
		t.Fatalf("got %v", ids(got))
	}
	if raw, _ := json.Marshal(got[0]); len(raw) == 0 {
		t.Fatalf("empty message")
	}
}

func ids(msgs []domain.AgentMessage) []string {
	out := make([]string, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, m.ID)
	}
	return out
}
