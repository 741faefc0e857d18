package orchestrator

import (
	"context"

	"agent_fleet/internal/domain"
	"agent_fleet/internal/errhandler"
	"agent_fleet/internal/messaging"
)

// BusEscalator delivers escalations to the manager's inbox as escalate
// messages.
type BusEscalator struct {
	Bus     *messaging.Bus
	From    string
	Manager string
}

var _ errhandler.Escalator = BusEscalator{}

func (e BusEscalator) Escalate(ctx context.Context, esc errhandler.Escalation) error {
	from := e.From
	if from == "" {
		from = "errhandler"
	}
	to := e.Manager
	if to == "" {
		to = DefaultManagerID
	}
	_, err := e.Bus.Publish(ctx, domain.MessageTypeEscalate, from, to, esc, esc.RunID)
	return err
}
