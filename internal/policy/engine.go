package policy

import (
	"context"
	"fmt"
	"strings"

	"agent_fleet/internal/domain"
)

// Engine decides which agent may send which message type to whom. The
// manager owns assignments and reviews; workers report back to the manager.
type Engine struct {
	managerID string
}

func New(managerID string) *Engine {
	if strings.TrimSpace(managerID) == "" {
		managerID = "manager"
	}
	return &Engine{managerID: managerID}
}

func (e *Engine) CanMessage(
	_ context.Context,
	fromAgent string,
	toAgent string,
	msgType domain.MessageType,
) (bool, string, error) {
	if !msgType.Valid() {
		return false, "", fmt.Errorf("unknown message type %q", msgType)
	}
	if fromAgent == "" || toAgent == "" {
		return false, "sender and recipient are required", nil
	}
	switch msgType {
	case domain.MessageTypeTaskAssign, domain.MessageTypeReviewRequest:
		if fromAgent != e.managerID {
			return false, fmt.Sprintf("%s may only be sent by %s", msgType, e.managerID), nil
		}
	case domain.MessageTypeTaskComplete, domain.MessageTypeTaskFailed, domain.MessageTypeReviewResponse:
		if fromAgent == e.managerID {
			return false, fmt.Sprintf("%s must come from a worker or reviewer", msgType), nil
		}
		if toAgent != e.managerID {
			return false, fmt.Sprintf("%s must be addressed to %s", msgType, e.managerID), nil
		}
	}
	return true, "", nil
}
