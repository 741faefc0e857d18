package errhandler

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"agent_fleet/internal/domain"
	"agent_fleet/internal/fs"
)

type Progress struct {
	TotalTickets      int      `json:"totalTickets"`
	CompletedTickets  int      `json:"completedTickets"`
	FailedTickets     int      `json:"failedTickets"`
	InProgressTickets []string `json:"inProgressTickets,omitempty"`
}

// PausedState is written when the AI backend is unreachable. The run is
// paused, not failed.
type PausedState struct {
	RunID                string    `json:"runId"`
	Reason               string    `json:"reason"`
	PausedAt             time.Time `json:"pausedAt"`
	Progress             Progress  `json:"progress"`
	RecoveryInstructions []string  `json:"recoveryInstructions"`
}

func (h *Handler) HandleAIUnavailable(runID, reason string, progress Progress) (PausedState, error) {
	if strings.TrimSpace(reason) == "" {
		reason = "AI backend unavailable"
	}
	ps := PausedState{
		RunID:    runID,
		Reason:   reason,
		PausedAt: h.now(),
		Progress: progress,
		RecoveryInstructions: []string{
			"Check connectivity and credentials for the AI backend.",
			fmt.Sprintf("Resume the run with `orchctl run resume %s` once the backend responds.", runID),
			"Tickets left in progress without a busy worker are re-queued on resume; completed work is kept.",
		},
	}
	h.LogError(runID, domain.ErrorCategoryAIConnection, true, "execution paused: "+reason)

	path, err := h.layout.PausedStateFile(runID)
	if err != nil {
		return PausedState{}, fmt.Errorf("paused state path: %w", err)
	}
	raw, err := json.MarshalIndent(ps, "", "  ")
	if err != nil {
		return PausedState{}, fmt.Errorf("marshal paused state: %w", err)
	}
	if err := fs.WriteFileAtomic(path, raw); err != nil {
		return PausedState{}, fmt.Errorf("write paused state: %w", err)
	}
	return ps, nil
}

// LoadPausedState returns nil when the run was never paused for AI
// unavailability.
func (h *Handler) LoadPausedState(runID string) (*PausedState, error) {
	path, err := h.layout.PausedStateFile(runID)
	if err != nil {
		return nil, fmt.Errorf("paused state path: %w", err)
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("read paused state: %w", err)
	}
	var ps PausedState
	if err := json.Unmarshal(raw, &ps); err != nil {
		return nil, fmt.Errorf("decode paused state: %w", err)
	}
	return &ps, nil
}

// ClearPausedState removes the paused marker after a successful resume.
func (h *Handler) ClearPausedState(runID string) error {
	path, err := h.layout.PausedStateFile(runID)
	if err != nil {
		return fmt.Errorf("paused state path: %w", err)
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove paused state: %w", err)
	}
	return nil
}

type FailureReportInput struct {
	TicketID      string
	Summary       string
	Notifications []WorkerFailureNotification
}

// GenerateFailureReport renders the run's error log and worker failures as
// Markdown and writes it to the run directory.
func (h *Handler) GenerateFailureReport(runID string, in FailureReportInput) (string, error) {
	entries, err := h.ReadErrorLog(runID)
	if err != nil {
		return "", err
	}
	stats, err := h.GetErrorStatistics(runID)
	if err != nil {
		return "", err
	}

	var b strings.Builder
	fmt.Fprintf(&b, "# Failure Report: %s\n\n", runID)
	if in.TicketID != "" {
		fmt.Fprintf(&b, "- Ticket: `%s`\n", in.TicketID)
	}
	fmt.Fprintf(&b, "- Generated: %s\n", h.now().Format(time.RFC3339))
	fmt.Fprintf(&b, "- Errors: %d (%d recoverable, %d fatal)\n", stats.Total, stats.Recoverable, stats.Fatal)
	if in.Summary != "" {
		fmt.Fprintf(&b, "\n%s\n", in.Summary)
	}

	b.WriteString("\n## Errors\n\n")
	if len(entries) == 0 {
		b.WriteString("No errors were logged for this run.\n")
	} else {
		b.WriteString("| # | Time | Category | Recoverable | Message |\n")
		b.WriteString("|---|------|----------|-------------|---------|\n")
		for i, e := range entries {
			fmt.Fprintf(&b, "| %d | %s | %s | %s | %s |\n",
				i+1, e.At.Format(time.RFC3339), e.Category, yesNo(e.Recoverable), escapeCell(e.Message))
		}
	}

	if len(in.Notifications) > 0 {
		b.WriteString("\n## Worker Failures\n\n")
		b.WriteString("| Ticket | Worker | Attempts | Action | Error |\n")
		b.WriteString("|--------|--------|----------|--------|-------|\n")
		for _, n := range in.Notifications {
			fmt.Fprintf(&b, "| %s | %s | %d | %s | %s |\n",
				n.TicketID, n.WorkerID, n.Attempts, n.RecommendedAction, escapeCell(n.Error))
		}
	}

	b.WriteString("\n## Recommended Actions\n\n")
	categories := make([]domain.ErrorCategory, 0, len(stats.ByCategory))
	for c := range stats.ByCategory {
		categories = append(categories, c)
	}
	for _, n := range in.Notifications {
		if _, ok := stats.ByCategory[n.Category]; !ok && n.Category != "" {
			stats.ByCategory[n.Category] = 0
			categories = append(categories, n.Category)
		}
	}
	sort.Slice(categories, func(i, j int) bool { return categories[i] < categories[j] })
	if len(categories) == 0 {
		b.WriteString("- No action required.\n")
	}
	for _, c := range categories {
		fmt.Fprintf(&b, "- **%s** (%d): %s\n", c, stats.ByCategory[c], actionAdvice(c))
	}

	b.WriteString("\n## Recovery Steps\n\n")
	b.WriteString("1. Review `errors.log` and `messages.log` in the run directory.\n")
	b.WriteString("2. Fix the root cause listed above.\n")
	fmt.Fprintf(&b, "3. Reset failed tickets with `orchctl ticket status <id> pending` and resume with `orchctl run resume %s`.\n", runID)

	report := b.String()
	path, err := h.layout.FailureReport(runID)
	if err != nil {
		return "", fmt.Errorf("failure report path: %w", err)
	}
	if err := fs.WriteFileAtomic(path, []byte(report)); err != nil {
		return "", fmt.Errorf("write failure report: %w", err)
	}
	return report, nil
}

func actionAdvice(c domain.ErrorCategory) string {
	switch RecommendAction(c, 0) {
	case domain.ActionManualReview:
		return "manual review of the repository or container environment is needed before retrying."
	case domain.ActionEscalate:
		return "the input is invalid; correct the ticket or configuration and escalate to the manager."
	default:
		if c == domain.ErrorCategoryAIConnection || c == domain.ErrorCategoryTimeout {
			return "transient; reassign the ticket to another worker once the backend is reachable."
		}
		return "reassign the ticket; escalate if it fails again."
	}
}

func yesNo(v bool) string {
	if v {
		return "yes"
	}
	return "no"
}

func escapeCell(s string) string {
	s = strings.ReplaceAll(s, "|", "\\|")
	return strings.ReplaceAll(s, "\n", " ")
}
