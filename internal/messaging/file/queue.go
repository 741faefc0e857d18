package file

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"agent_fleet/internal/domain"
	"agent_fleet/internal/fs"
	"agent_fleet/internal/messaging"
)

const DefaultPollInterval = 100 * time.Millisecond

// Queue keeps one directory per agent under the state dir; each undelivered
// message is one JSON file named by message id.
type Queue struct {
	layout   fs.Layout
	interval time.Duration
	logger   *log.Logger
}

var _ messaging.Queue = (*Queue)(nil)

func New(layout fs.Layout, interval time.Duration, logger *log.Logger) *Queue {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	if logger == nil {
		logger = log.Default()
	}
	return &Queue{layout: layout, interval: interval, logger: logger}
}

func (q *Queue) Send(_ context.Context, msg domain.AgentMessage) error {
	// Sender gets a mailbox too so later broadcasts can reach it.
	if _, err := q.ensureMailbox(msg.From); err != nil {
		return err
	}
	dir, err := q.ensureMailbox(msg.To)
	if err != nil {
		return err
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}
	if err := fs.SafeSegment(msg.ID); err != nil {
		return fmt.Errorf("message id: %w", err)
	}
	if err := fs.WriteFileAtomic(filepath.Join(dir, msg.ID+".json"), data); err != nil {
		return fmt.Errorf("enqueue message %s: %w", msg.ID, err)
	}
	if runID := msg.RunID(); runID != "" {
		hist, err := q.layout.HistoryDir(runID)
		if err != nil {
			return fmt.Errorf("history dir: %w", err)
		}
		if err := fs.WriteFileAtomic(filepath.Join(hist, msg.ID+".json"), data); err != nil {
			return fmt.Errorf("record history %s: %w", msg.ID, err)
		}
	}
	return nil
}

func (q *Queue) ensureMailbox(agentID string) (string, error) {
	dir, err := q.layout.QueueDir(agentID)
	if err != nil {
		return "", fmt.Errorf("mailbox for %q: %w", agentID, err)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create mailbox %s: %w", agentID, err)
	}
	return dir, nil
}

// Poll scans the agent's mailbox every interval until something arrives or the
// timeout elapses. A message is delivered only to the poller whose remove of
// the file succeeds.
func (q *Queue) Poll(ctx context.Context, agentID string, timeout time.Duration) ([]domain.AgentMessage, error) {
	dir, err := q.layout.QueueDir(agentID)
	if err != nil {
		return nil, fmt.Errorf("mailbox for %q: %w", agentID, err)
	}
	deadline := time.Now().Add(timeout)
	for {
		msgs, err := q.drain(dir)
		if err != nil {
			return nil, err
		}
		if len(msgs) > 0 {
			return msgs, nil
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, nil
		}
		wait := q.interval
		if remaining < wait {
			wait = remaining
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}
}

type queued struct {
	msg   domain.AgentMessage
	mtime time.Time
	name  string
}

func (q *Queue) drain(dir string) ([]domain.AgentMessage, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("scan mailbox: %w", err)
	}
	var items []queued
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || strings.HasPrefix(name, ".") || !strings.HasSuffix(name, ".json") {
			continue
		}
		path := filepath.Join(dir, name)
		info, err := entry.Info()
		if err != nil {
			continue
		}
		data, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		if err := os.Remove(path); err != nil {
			// another poller claimed it
			continue
		}
		var msg domain.AgentMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			q.logger.Printf("drop undecodable message file=%s: %v", path, err)
			continue
		}
		items = append(items, queued{msg: msg, mtime: info.ModTime(), name: name})
	}
	sort.SliceStable(items, func(i, j int) bool {
		a, b := items[i], items[j]
		if !a.msg.Timestamp.Equal(b.msg.Timestamp) {
			return a.msg.Timestamp.Before(b.msg.Timestamp)
		}
		if !a.mtime.Equal(b.mtime) {
			return a.mtime.Before(b.mtime)
		}
		return a.name < b.name
	})
	out := make([]domain.AgentMessage, 0, len(items))
	for _, it := range items {
		out = append(out, it.msg)
	}
	return out, nil
}

func (q *Queue) Broadcast(ctx context.Context, msg domain.AgentMessage, exclude []string) error {
	agents, err := q.Agents(ctx)
	if err != nil {
		return err
	}
	for _, cp := range messaging.FanOut(msg, agents, exclude) {
		if err := q.Send(ctx, cp); err != nil {
			return fmt.Errorf("broadcast to %s: %w", cp.To, err)
		}
	}
	return nil
}

func (q *Queue) History(_ context.Context, runID string) ([]domain.AgentMessage, error) {
	dir, err := q.layout.HistoryDir(runID)
	if err != nil {
		return nil, fmt.Errorf("history dir: %w", err)
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return []domain.AgentMessage{}, nil
		}
		return nil, fmt.Errorf("read history: %w", err)
	}
	out := make([]domain.AgentMessage, 0, len(entries))
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || strings.HasPrefix(name, ".") || !strings.HasSuffix(name, ".json") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			return nil, fmt.Errorf("read history entry %s: %w", name, err)
		}
		var msg domain.AgentMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, fmt.Errorf("decode history entry %s: %w", name, err)
		}
		out = append(out, msg)
	}
	messaging.SortByTimestamp(out)
	return out, nil
}

func (q *Queue) Agents(_ context.Context) ([]string, error) {
	entries, err := os.ReadDir(q.layout.QueuesDir())
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("list mailboxes: %w", err)
	}
	var out []string
	for _, entry := range entries {
		if entry.IsDir() {
			out = append(out, entry.Name())
		}
	}
	sort.Strings(out)
	return out, nil
}
