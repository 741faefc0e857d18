package messaging

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"strings"
	"sync"
	"time"

	"agent_fleet/internal/domain"
	"agent_fleet/internal/fs"
)

// Factory opens the queue backing a Bus. It is called on first use.
type Factory func() (Queue, error)

// Bus validates and logs traffic on top of a Queue.
type Bus struct {
	factory Factory
	layout  fs.Layout
	logger  *log.Logger

	mu    sync.Mutex
	queue Queue
}

func NewBus(factory Factory, layout fs.Layout, logger *log.Logger) *Bus {
	if logger == nil {
		logger = log.Default()
	}
	return &Bus{factory: factory, layout: layout, logger: logger}
}

// FromQueue wraps an already opened queue.
func FromQueue(q Queue, layout fs.Layout, logger *log.Logger) *Bus {
	b := NewBus(func() (Queue, error) { return q, nil }, layout, logger)
	b.queue = q
	return b
}

func (b *Bus) backend() (Queue, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.queue != nil {
		return b.queue, nil
	}
	if b.factory == nil {
		return nil, fmt.Errorf("open message queue: no factory configured")
	}
	q, err := b.factory()
	if err != nil {
		return nil, fmt.Errorf("open message queue: %w", err)
	}
	b.queue = q
	return q, nil
}

// Send validates msg and hands it to the queue. When runID is empty the run
// id in the payload, if any, selects the message log.
func (b *Bus) Send(ctx context.Context, msg domain.AgentMessage, runID string) error {
	if err := Validate(msg); err != nil {
		return err
	}
	q, err := b.backend()
	if err != nil {
		return err
	}
	if err := q.Send(ctx, msg); err != nil {
		return fmt.Errorf("send %s to %s: %w", msg.Type, msg.To, err)
	}
	b.record(msg, runID)
	return nil
}

// Publish builds a message and sends it.
func (b *Bus) Publish(ctx context.Context, typ domain.MessageType, from, to string, payload any, runID string) (domain.AgentMessage, error) {
	msg, err := NewMessage(typ, from, to, payload)
	if err != nil {
		return domain.AgentMessage{}, err
	}
	if err := b.Send(ctx, msg, runID); err != nil {
		return domain.AgentMessage{}, err
	}
	return msg, nil
}

func (b *Bus) Broadcast(ctx context.Context, msg domain.AgentMessage, exclude []string, runID string) error {
	if msg.To == "" {
		msg.To = BroadcastTarget
	}
	if err := Validate(msg); err != nil {
		return err
	}
	q, err := b.backend()
	if err != nil {
		return err
	}
	if err := q.Broadcast(ctx, msg, exclude); err != nil {
		return fmt.Errorf("broadcast %s: %w", msg.Type, err)
	}
	b.record(msg, runID)
	return nil
}

func (b *Bus) Poll(ctx context.Context, agentID string, timeout time.Duration) ([]domain.AgentMessage, error) {
	q, err := b.backend()
	if err != nil {
		return nil, err
	}
	return q.Poll(ctx, agentID, timeout)
}

func (b *Bus) History(ctx context.Context, runID string) ([]domain.AgentMessage, error) {
	q, err := b.backend()
	if err != nil {
		return nil, err
	}
	return q.History(ctx, runID)
}

func (b *Bus) Agents(ctx context.Context) ([]string, error) {
	q, err := b.backend()
	if err != nil {
		return nil, err
	}
	return q.Agents(ctx)
}

// Close closes the backing queue when it holds resources.
func (b *Bus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if closer, ok := b.queue.(io.Closer); ok {
		return closer.Close()
	}
	return nil
}

// record appends the message to the run's messages.log. Failures are logged
// and never reach the sender.
func (b *Bus) record(msg domain.AgentMessage, runID string) {
	if runID == "" {
		runID = msg.RunID()
	}
	if runID == "" {
		return
	}
	path, err := b.layout.MessagesLog(runID)
	if err != nil {
		b.logger.Printf("message log path run=%s: %v", runID, err)
		return
	}
	if err := fs.AppendLine(path, FormatLogLine(msg)); err != nil {
		b.logger.Printf("append message log run=%s: %v", runID, err)
	}
}

// FormatLogLine renders `[ISO8601] TYPE from -> to | payload`.
func FormatLogLine(msg domain.AgentMessage) string {
	payload := "{}"
	if len(msg.Payload) > 0 {
		var compact bytes.Buffer
		if err := json.Compact(&compact, msg.Payload); err == nil {
			payload = compact.String()
		} else {
			payload = string(msg.Payload)
		}
	}
	return fmt.Sprintf("[%s] %s %s -> %s | %s",
		msg.Timestamp.UTC().Format("2006-01-02T15:04:05.000Z07:00"),
		strings.ToUpper(string(msg.Type)),
		msg.From, msg.To, payload)
}
