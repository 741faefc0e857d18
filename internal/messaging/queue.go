package messaging

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"agent_fleet/internal/domain"
)

var ErrInvalidMessage = errors.New("invalid agent message")

// BroadcastTarget is the recipient recorded for a message before FanOut
// rewrites it per agent.
const BroadcastTarget = "*"

// Queue is a pull-based mailbox per agent. Poll is the only call expected to
// block, and only up to its timeout.
type Queue interface {
	Send(ctx context.Context, msg domain.AgentMessage) error
	// Poll waits until at least one message is queued for agentID or the
	// timeout elapses. Returned messages are removed from the mailbox.
	Poll(ctx context.Context, agentID string, timeout time.Duration) ([]domain.AgentMessage, error)
	Broadcast(ctx context.Context, msg domain.AgentMessage, exclude []string) error
	// History returns every message sent with the run id in its payload,
	// oldest first. Poll never prunes it.
	History(ctx context.Context, runID string) ([]domain.AgentMessage, error)
	// Agents lists every agent that has sent or received through the queue.
	Agents(ctx context.Context) ([]string, error)
}

// NewMessage builds a message with a fresh id and UTC timestamp. Payload may
// be a json.RawMessage, []byte of JSON, or any value encoding/json accepts.
func NewMessage(typ domain.MessageType, from, to string, payload any) (domain.AgentMessage, error) {
	raw, err := encodePayload(payload)
	if err != nil {
		return domain.AgentMessage{}, err
	}
	msg := domain.AgentMessage{
		ID:        uuid.NewString(),
		Type:      typ,
		From:      from,
		To:        to,
		Payload:   raw,
		Timestamp: time.Now().UTC(),
	}
	if err := Validate(msg); err != nil {
		return domain.AgentMessage{}, err
	}
	return msg, nil
}

func encodePayload(payload any) (json.RawMessage, error) {
	switch v := payload.(type) {
	case nil:
		return json.RawMessage(`{}`), nil
	case json.RawMessage:
		if !json.Valid(v) {
			return nil, fmt.Errorf("%w: payload is not valid json", ErrInvalidMessage)
		}
		return v, nil
	case []byte:
		if !json.Valid(v) {
			return nil, fmt.Errorf("%w: payload is not valid json", ErrInvalidMessage)
		}
		return json.RawMessage(v), nil
	default:
		raw, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("encode payload: %w", err)
		}
		return raw, nil
	}
}

// Validate rejects messages missing a mandatory field or carrying an unknown
// type.
func Validate(msg domain.AgentMessage) error {
	var missing []string
	if strings.TrimSpace(msg.ID) == "" {
		missing = append(missing, "id")
	}
	if msg.Type == "" {
		missing = append(missing, "type")
	}
	if strings.TrimSpace(msg.From) == "" {
		missing = append(missing, "from")
	}
	if strings.TrimSpace(msg.To) == "" {
		missing = append(missing, "to")
	}
	if msg.Timestamp.IsZero() {
		missing = append(missing, "timestamp")
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: missing %s", ErrInvalidMessage, strings.Join(missing, ", "))
	}
	if !msg.Type.Valid() {
		return fmt.Errorf("%w: unknown type %q", ErrInvalidMessage, msg.Type)
	}
	if len(msg.Payload) > 0 && !json.Valid(msg.Payload) {
		return fmt.Errorf("%w: payload is not valid json", ErrInvalidMessage)
	}
	return nil
}

// FanOut produces one copy of msg per known agent, skipping the sender and
// every id in exclude. Copy ids are derived from the original so each is
// distinct and traceable.
func FanOut(msg domain.AgentMessage, agents []string, exclude []string) []domain.AgentMessage {
	skip := make(map[string]struct{}, len(exclude)+1)
	skip[msg.From] = struct{}{}
	for _, id := range exclude {
		skip[id] = struct{}{}
	}
	seen := make(map[string]struct{}, len(agents))
	out := make([]domain.AgentMessage, 0, len(agents))
	for _, agent := range agents {
		if _, ok := skip[agent]; ok {
			continue
		}
		if _, dup := seen[agent]; dup {
			continue
		}
		seen[agent] = struct{}{}
		cp := msg
		cp.ID = msg.ID + "-" + agent
		cp.To = agent
		cp.Payload = append(json.RawMessage(nil), msg.Payload...)
		out = append(out, cp)
	}
	return out
}

// SortByTimestamp orders messages oldest first, keeping input order for ties.
func SortByTimestamp(msgs []domain.AgentMessage) {
	sort.SliceStable(msgs, func(i, j int) bool {
		return msgs[i].Timestamp.Before(msgs[j].Timestamp)
	})
}
