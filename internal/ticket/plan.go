package ticket

import (
	"errors"
	"fmt"
	"io"
	"strings"

	"gopkg.in/yaml.v3"

	"agent_fleet/internal/domain"
)

// Plan is a decomposition of a parent ticket as written by a planner:
//
//	children:
//	  - title: API
//	    workerType: developer
//	    grandchildren:
//	      - title: add handler
//	        acceptanceCriteria: [returns 200]
type Plan struct {
	Children []PlanChild `yaml:"children"`
}

type PlanChild struct {
	Title         string           `yaml:"title"`
	Description   string           `yaml:"description"`
	WorkerType    string           `yaml:"workerType"`
	Grandchildren []PlanGrandchild `yaml:"grandchildren"`
}

type PlanGrandchild struct {
	Title              string   `yaml:"title"`
	Description        string   `yaml:"description"`
	AcceptanceCriteria []string `yaml:"acceptanceCriteria"`
}

func DecodePlan(r io.Reader) (Plan, error) {
	var plan Plan
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&plan); err != nil {
		if errors.Is(err, io.EOF) {
			return Plan{}, fmt.Errorf("%w: empty plan", ErrInvalidInput)
		}
		return Plan{}, fmt.Errorf("decode plan: %w", err)
	}
	if len(plan.Children) == 0 {
		return Plan{}, fmt.Errorf("%w: plan has no children", ErrInvalidInput)
	}
	for i, c := range plan.Children {
		if strings.TrimSpace(c.Title) == "" {
			return Plan{}, fmt.Errorf("%w: child %d has no title", ErrInvalidInput, i)
		}
		if _, err := domain.ParseWorkerType(c.WorkerType); err != nil {
			return Plan{}, fmt.Errorf("%w: child %q: %v", ErrInvalidInput, c.Title, err)
		}
		for j, g := range c.Grandchildren {
			if strings.TrimSpace(g.Title) == "" {
				return Plan{}, fmt.Errorf("%w: child %q grandchild %d has no title", ErrInvalidInput, c.Title, j)
			}
		}
	}
	return plan, nil
}

// ImportPlan validates the whole plan before creating any ticket, then
// creates children and grandchildren under parentID in plan order. The parent
// is decomposing while tickets are created and pending once the plan is in.
func (m *Manager) ImportPlan(parentID string, r io.Reader) ([]domain.ChildTicket, error) {
	plan, err := DecodePlan(r)
	if err != nil {
		return nil, err
	}
	parent, ok := m.GetParentTicket(parentID)
	if !ok {
		return nil, fmt.Errorf("%w: parent %s", ErrTicketNotFound, parentID)
	}
	if parent.Status == domain.TicketStatusPending {
		if err := m.UpdateTicketStatus(parentID, domain.TicketStatusDecomposing); err != nil {
			return nil, err
		}
	}

	out := make([]domain.ChildTicket, 0, len(plan.Children))
	for _, pc := range plan.Children {
		wt, _ := domain.ParseWorkerType(pc.WorkerType)
		child, err := m.CreateChildTicket(parentID, ChildInput{
			Title:       pc.Title,
			Description: pc.Description,
			WorkerType:  wt,
		})
		if err != nil {
			return out, fmt.Errorf("import child %q: %w", pc.Title, err)
		}
		for _, pg := range pc.Grandchildren {
			if _, err := m.CreateGrandchildTicket(child.ID, GrandchildInput{
				Title:              pg.Title,
				Description:        pg.Description,
				AcceptanceCriteria: pg.AcceptanceCriteria,
			}); err != nil {
				return out, fmt.Errorf("import grandchild %q: %w", pg.Title, err)
			}
		}
		full, _ := m.GetChildTicket(child.ID)
		out = append(out, *full)
	}
	if status, err := m.StatusOf(parentID); err == nil && status == domain.TicketStatusDecomposing {
		if err := m.UpdateTicketStatus(parentID, domain.TicketStatusPending); err != nil {
			return out, err
		}
	}
	return out, nil
}
