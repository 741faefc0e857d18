package main

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"sort"
	"strings"

	"github.com/rivo/tview"

	"agent_fleet/internal/domain"
	"agent_fleet/internal/errhandler"
	"agent_fleet/internal/fs"
	"agent_fleet/internal/state"
	"agent_fleet/internal/ticket"
)

// source reads everything the monitor shows straight from the state and runs
// directories. It never writes.
type source struct {
	layout fs.Layout
	states *state.Manager
	errs   *errhandler.Handler
	logger *log.Logger
}

func newSource(layout fs.Layout) *source {
	logger := log.New(io.Discard, "", 0)
	return &source{
		layout: layout,
		states: state.NewManager(layout, logger),
		errs:   errhandler.New(errhandler.DefaultPolicy(), layout, nil, logger),
		logger: logger,
	}
}

type runDetail struct {
	run      domain.ExecutionPersistenceData
	parent   *domain.ParentTicket
	messages []string
	stats    errhandler.Statistics
	errors   []errhandler.LogEntry
	paused   *errhandler.PausedState
}

func (s *source) runs() ([]domain.ExecutionPersistenceData, error) {
	runs, err := s.states.ListExecutions()
	if err != nil {
		return nil, err
	}
	sort.SliceStable(runs, func(i, j int) bool {
		return runs[i].LastUpdated.After(runs[j].LastUpdated)
	})
	return runs, nil
}

func (s *source) detail(runID string, messageLimit int) (runDetail, error) {
	var errs []error
	d, err := s.states.LoadExecutionData(runID)
	if err != nil {
		return runDetail{}, err
	}
	out := runDetail{run: *d}

	if project, err := ticket.ProjectOf(d.TicketID); err == nil {
		tm := ticket.NewManager(s.layout, s.logger)
		if err := tm.LoadTickets(project); err != nil {
			errs = append(errs, err)
		} else if p, ok := tm.GetParentTicket(d.TicketID); ok {
			out.parent = p
		}
	} else {
		errs = append(errs, err)
	}

	if path, err := s.layout.MessagesLog(runID); err == nil {
		lines, err := tailLines(path, messageLimit)
		if err != nil {
			errs = append(errs, err)
		}
		out.messages = lines
	}

	if out.errors, err = s.errs.ReadErrorLog(runID); err != nil {
		errs = append(errs, err)
	}
	if out.stats, err = s.errs.GetErrorStatistics(runID); err != nil {
		errs = append(errs, err)
	}
	if out.paused, err = s.errs.LoadPausedState(runID); err != nil {
		errs = append(errs, err)
	}
	return out, errors.Join(errs...)
}

// tailLines returns the last n lines of a file; a missing file has none.
func tailLines(path string, n int) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	defer f.Close()

	var lines []string
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	for sc.Scan() {
		lines = append(lines, sc.Text())
		if n > 0 && len(lines) > n {
			lines = lines[1:]
		}
	}
	return lines, sc.Err()
}

func statusColor(status string) string {
	switch status {
	case "completed", "pr_created":
		return "green"
	case "failed", "error":
		return "red"
	case "in_progress", "running", "working":
		return "yellow"
	case "review_requested", "revision_required", "paused":
		return "fuchsia"
	default:
		return "white"
	}
}

func colored(status string) string {
	return fmt.Sprintf("[%s]%s[-]", statusColor(status), status)
}

func renderTicketTree(p *domain.ParentTicket) string {
	if p == nil {
		return "Ticket tree not found"
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%s %s\n  %s\n", p.ID, colored(string(p.Status)), tview.Escape(trimLine(p.Instruction, 90)))
	for _, c := range p.ChildTickets {
		fmt.Fprintf(&b, "  %s %s (%s) %s\n", c.ID, colored(string(c.Status)), c.WorkerType, tview.Escape(trimLine(c.Title, 60)))
		for _, g := range c.GrandchildTickets {
			assignee := ""
			if g.Assignee != "" {
				assignee = " @" + g.Assignee
			}
			fmt.Fprintf(&b, "    %s %s%s %s\n", g.ID, colored(string(g.Status)), assignee, tview.Escape(trimLine(g.Title, 50)))
		}
	}
	return b.String()
}

func renderWorkers(d domain.ExecutionPersistenceData) string {
	if len(d.WorkerStates) == 0 {
		return "No workers"
	}
	ids := make([]string, 0, len(d.WorkerStates))
	for id := range d.WorkerStates {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	var b strings.Builder
	for _, id := range ids {
		ws := d.WorkerStates[id]
		fmt.Fprintf(&b, "%s %s %s", id, ws.WorkerType, colored(string(ws.Status)))
		if ws.AssignedTicketID != "" {
			fmt.Fprintf(&b, " -> %s", ws.AssignedTicketID)
			if br := d.GitBranches[ws.AssignedTicketID]; br != "" {
				fmt.Fprintf(&b, " (%s)", br)
			}
		}
		if ws.LastError != "" {
			fmt.Fprintf(&b, " [red]%s[-]", tview.Escape(trimLine(ws.LastError, 60)))
		}
		b.WriteString("\n")
	}
	return b.String()
}

func renderErrors(stats errhandler.Statistics, entries []errhandler.LogEntry, paused *errhandler.PausedState) string {
	var b strings.Builder
	if paused != nil {
		fmt.Fprintf(&b, "[fuchsia]paused:[-] %s (%d/%d done)\n", tview.Escape(paused.Reason), paused.Progress.CompletedTickets, paused.Progress.TotalTickets)
	}
	if stats.Total == 0 {
		b.WriteString("No errors")
		return b.String()
	}
	fmt.Fprintf(&b, "%d errors (%d recoverable, %d fatal)\n", stats.Total, stats.Recoverable, stats.Fatal)
	start := 0
	if len(entries) > 20 {
		start = len(entries) - 20
	}
	for _, e := range entries[start:] {
		color := "yellow"
		if !e.Recoverable {
			color = "red"
		}
		fmt.Fprintf(&b, "%s [%s]%s[-] %s\n", e.At.Format("15:04:05"), color, e.Category, tview.Escape(trimLine(e.Message, 100)))
	}
	return b.String()
}

func renderMessages(lines []string) string {
	if len(lines) == 0 {
		return "No messages"
	}
	return tview.Escape(strings.Join(lines, "\n"))
}

func trimLine(s string, n int) string {
	s = strings.Join(strings.Fields(s), " ")
	if len(s) <= n {
		return s
	}
	if n <= 3 {
		return s[:n]
	}
	return s[:n-3] + "..."
}
