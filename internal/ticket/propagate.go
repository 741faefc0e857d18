package ticket

import "agent_fleet/internal/domain"

// DeriveStatus computes a parent status from its direct children. The second
// return value is false when the parent should keep its current status.
// A failed child wins over children that are still in flight.
func DeriveStatus(children []domain.TicketStatus) (domain.TicketStatus, bool) {
	if len(children) == 0 {
		return "", false
	}
	anyOpen := false
	allCompleted := true
	for _, status := range children {
		if status == domain.TicketStatusFailed {
			return domain.TicketStatusFailed, true
		}
		if !status.IsTerminal() {
			anyOpen = true
		}
		if status != domain.TicketStatusCompleted {
			allCompleted = false
		}
	}
	if anyOpen {
		return domain.TicketStatusInProgress, true
	}
	if allCompleted {
		return domain.TicketStatusCompleted, true
	}
	return "", false
}

func childStatuses(child *domain.ChildTicket) []domain.TicketStatus {
	out := make([]domain.TicketStatus, 0, len(child.GrandchildTickets))
	for _, g := range child.GrandchildTickets {
		out = append(out, g.Status)
	}
	return out
}

func parentStatuses(parent *domain.ParentTicket) []domain.TicketStatus {
	out := make([]domain.TicketStatus, 0, len(parent.ChildTickets))
	for _, c := range parent.ChildTickets {
		out = append(out, c.Status)
	}
	return out
}
