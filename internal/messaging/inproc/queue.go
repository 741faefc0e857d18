package inproc

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"agent_fleet/internal/domain"
	"agent_fleet/internal/messaging"
)

var ErrAgentQueueFull = errors.New("agent queue is full")

// Queue is an in-memory mailbox set: one buffered channel per agent. It
// satisfies the same contract as the file queue for tests and single-process
// deployments.
type Queue struct {
	mu      sync.RWMutex
	subs    map[string]chan domain.AgentMessage
	history map[string][]domain.AgentMessage
	buffer  int
}

var _ messaging.Queue = (*Queue)(nil)

func New(buffer int) *Queue {
	if buffer <= 0 {
		buffer = 64
	}
	return &Queue{
		subs:    make(map[string]chan domain.AgentMessage),
		history: make(map[string][]domain.AgentMessage),
		buffer:  buffer,
	}
}

// Register returns the agent's mailbox, creating it on first use.
func (q *Queue) Register(agentID string) <-chan domain.AgentMessage {
	return q.mailbox(agentID)
}

func (q *Queue) mailbox(agentID string) chan domain.AgentMessage {
	q.mu.RLock()
	ch, ok := q.subs[agentID]
	q.mu.RUnlock()
	if ok {
		return ch
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	if ch, ok := q.subs[agentID]; ok {
		return ch
	}
	ch = make(chan domain.AgentMessage, q.buffer)
	q.subs[agentID] = ch
	return ch
}

func (q *Queue) Send(_ context.Context, msg domain.AgentMessage) error {
	q.mailbox(msg.From)
	ch := q.mailbox(msg.To)
	select {
	case ch <- msg:
	default:
		return ErrAgentQueueFull
	}
	if runID := msg.RunID(); runID != "" {
		q.mu.Lock()
		q.history[runID] = append(q.history[runID], msg)
		q.mu.Unlock()
	}
	return nil
}

// Poll blocks for the first message and then drains whatever else is already
// buffered.
func (q *Queue) Poll(ctx context.Context, agentID string, timeout time.Duration) ([]domain.AgentMessage, error) {
	ch := q.mailbox(agentID)
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	var first domain.AgentMessage
	select {
	case first = <-ch:
	case <-timer.C:
		return nil, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	out := []domain.AgentMessage{first}
	for {
		select {
		case msg := <-ch:
			out = append(out, msg)
		default:
			return out, nil
		}
	}
}

func (q *Queue) Broadcast(ctx context.Context, msg domain.AgentMessage, exclude []string) error {
	agents, err := q.Agents(ctx)
	if err != nil {
		return err
	}
	for _, cp := range messaging.FanOut(msg, agents, exclude) {
		if err := q.Send(ctx, cp); err != nil {
			return err
		}
	}
	return nil
}

func (q *Queue) History(_ context.Context, runID string) ([]domain.AgentMessage, error) {
	q.mu.RLock()
	out := append([]domain.AgentMessage{}, q.history[runID]...)
	q.mu.RUnlock()
	messaging.SortByTimestamp(out)
	return out, nil
}

func (q *Queue) Agents(_ context.Context) ([]string, error) {
	q.mu.RLock()
	defer q.mu.RUnlock()
	out := make([]string, 0, len(q.subs))
	for id := range q.subs {
		out = append(out, id)
	}
	sort.Strings(out)
	return out, nil
}
