package main

import (
	"flag"
	"fmt"
	"os"
	"strings"
	"sync/atomic"
	"time"

	"github.com/gdamore/tcell/v2"
	"github.com/rivo/tview"

	"agent_fleet/internal/config"
	"agent_fleet/internal/domain"
	"agent_fleet/internal/fs"
)

func main() {
	configPath := flag.String("config", "", "path to config.toml (default: ~/.agent_fleet/config.toml)")
	stateDirFlag := flag.String("state-dir", "", "state directory override")
	runsDirFlag := flag.String("runs-dir", "", "runs directory override")
	interval := flag.Duration("interval", 2*time.Second, "refresh interval")
	messageLimit := flag.Int("messages", 200, "message log lines to show")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}
	stateDir, err := config.ExpandHome(firstNonEmpty(*stateDirFlag, cfg.Orchestrator.StateDir))
	if err != nil {
		fmt.Fprintf(os.Stderr, "resolve state dir: %v\n", err)
		os.Exit(1)
	}
	runsDir, err := config.ExpandHome(firstNonEmpty(*runsDirFlag, cfg.Orchestrator.RunsDir))
	if err != nil {
		fmt.Fprintf(os.Stderr, "resolve runs dir: %v\n", err)
		os.Exit(1)
	}
	layout, err := fs.NewLayout(stateDir, runsDir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "open layout: %v\n", err)
		os.Exit(1)
	}
	src := newSource(layout)

	app := tview.NewApplication()
	runsTable := tview.NewTable().
		SetBorders(false).
		SetSelectable(true, false)
	runsTable.SetTitle("Runs (Enter inspect, F5 refresh, F10 quit)").SetBorder(true)

	ticketsView := tview.NewTextView().
		SetDynamicColors(true).
		SetWrap(false)
	ticketsView.SetTitle("Tickets").SetBorder(true)

	workersView := tview.NewTextView().
		SetDynamicColors(true).
		SetWrap(false)
	workersView.SetTitle("Workers").SetBorder(true)

	messagesView := tview.NewTextView().
		SetDynamicColors(true).
		SetWrap(false)
	messagesView.SetTitle("Messages").SetBorder(true)

	errorsView := tview.NewTextView().
		SetDynamicColors(true).
		SetWrap(false)
	errorsView.SetTitle("Errors").SetBorder(true)

	statusView := tview.NewTextView().
		SetDynamicColors(true).
		SetWrap(false)
	statusView.SetBorder(true).SetTitle("Status")
	statusView.SetText(fmt.Sprintf("state=%s runs=%s | shortcuts: F10/q quit, F5 refresh, Tab cycle panes", layout.StateDir, layout.RunsDir))

	rightTop := tview.NewFlex().
		AddItem(ticketsView, 0, 3, false).
		AddItem(workersView, 0, 2, false)
	right := tview.NewFlex().SetDirection(tview.FlexRow).
		AddItem(rightTop, 0, 2, false).
		AddItem(messagesView, 0, 2, false).
		AddItem(errorsView, 10, 0, false)

	mainLayout := tview.NewFlex().
		AddItem(runsTable, 0, 1, true).
		AddItem(right, 0, 3, false)

	root := tview.NewFlex().SetDirection(tview.FlexRow).
		AddItem(mainLayout, 0, 1, true).
		AddItem(statusView, 3, 0, false)

	// Only the refresh goroutine and QueueUpdateDraw callbacks touch these.
	var selectedRunID atomic.Value
	selectedRunID.Store("")
	var lastRuns atomic.Value
	lastRuns.Store([]domain.ExecutionPersistenceData(nil))
	var detailsVersion uint64

	refreshRuns := func() {
		runs, err := src.runs()
		if err != nil {
			app.QueueUpdateDraw(func() {
				runsTable.Clear()
				runsTable.SetCell(0, 0, tview.NewTableCell(fmt.Sprintf("load error: %v", err)).SetTextColor(tview.Styles.ContrastSecondaryTextColor))
			})
			return
		}
		lastRuns.Store(runs)
		selected := selectedRunID.Load().(string)
		if selected == "" {
			for _, r := range runs {
				if r.Status == domain.ExecutionStatusRunning {
					selected = r.RunID
					break
				}
			}
			if selected == "" && len(runs) > 0 {
				selected = runs[0].RunID
			}
			selectedRunID.Store(selected)
		}
		app.QueueUpdateDraw(func() {
			renderRunsTable(runsTable, runs, selected)
		})
	}

	refreshDetails := func() {
		runID := selectedRunID.Load().(string)
		if strings.TrimSpace(runID) == "" {
			return
		}
		version := atomic.AddUint64(&detailsVersion, 1)
		go func(selected string, v uint64) {
			d, err := src.detail(selected, *messageLimit)
			if atomic.LoadUint64(&detailsVersion) != v {
				return
			}
			app.QueueUpdateDraw(func() {
				if selected != selectedRunID.Load().(string) {
					return
				}
				if d.run.RunID == "" {
					ticketsView.SetText(fmt.Sprintf("error: %v", err))
					return
				}
				ticketsView.SetText(renderTicketTree(d.parent))
				workersView.SetText(renderWorkers(d.run))
				messagesView.SetText(renderMessages(d.messages))
				messagesView.ScrollToEnd()
				errorsView.SetText(renderErrors(d.stats, d.errors, d.paused))
				status := fmt.Sprintf("run=%s ticket=%s status=%s updated=%s", d.run.RunID, d.run.TicketID, colored(string(d.run.Status)), d.run.LastUpdated.Local().Format("15:04:05"))
				if err != nil {
					status += " [red]" + tview.Escape(trimLine(err.Error(), 80)) + "[-]"
				}
				statusView.SetText(status)
			})
		}(runID, version)
	}

	runsTable.SetSelectedFunc(func(row, _ int) {
		runs := lastRuns.Load().([]domain.ExecutionPersistenceData)
		if row <= 0 || row > len(runs) {
			return
		}
		selectedRunID.Store(runs[row-1].RunID)
		refreshDetails()
	})

	panes := []tview.Primitive{runsTable, ticketsView, workersView, messagesView, errorsView}
	focus := 0
	app.SetInputCapture(func(event *tcell.EventKey) *tcell.EventKey {
		switch event.Key() {
		case tcell.KeyF10:
			app.Stop()
			return nil
		case tcell.KeyF5:
			go func() {
				refreshRuns()
				refreshDetails()
			}()
			return nil
		case tcell.KeyTAB:
			focus = (focus + 1) % len(panes)
			app.SetFocus(panes[focus])
			return nil
		case tcell.KeyEscape:
			focus = 0
			app.SetFocus(runsTable)
			return nil
		case tcell.KeyRune:
			if event.Rune() == 'q' {
				app.Stop()
				return nil
			}
		}
		return event
	})

	go func() {
		ticker := time.NewTicker(*interval)
		defer ticker.Stop()

		refreshRuns()
		refreshDetails()
		for range ticker.C {
			refreshRuns()
			refreshDetails()
		}
	}()

	if err := app.SetRoot(root, true).EnableMouse(true).SetFocus(runsTable).Run(); err != nil {
		fmt.Fprintf(os.Stderr, "monitor failed: %v\n", err)
		os.Exit(1)
	}
}

func renderRunsTable(table *tview.Table, runs []domain.ExecutionPersistenceData, selectedRunID string) {
	table.Clear()
	headers := []string{"Run", "Status", "Ticket", "Workers", "Updated"}
	for i, h := range headers {
		table.SetCell(0, i, tview.NewTableCell(h).SetSelectable(false).SetAttributes(tcell.AttrBold))
	}
	for i, r := range runs {
		row := i + 1
		table.SetCell(row, 0, tview.NewTableCell(shortID(r.RunID)))
		table.SetCell(row, 1, tview.NewTableCell(string(r.Status)).SetTextColor(tcell.GetColor(statusColor(string(r.Status)))))
		table.SetCell(row, 2, tview.NewTableCell(r.TicketID))
		table.SetCell(row, 3, tview.NewTableCell(fmt.Sprintf("%d", len(r.WorkerStates))))
		table.SetCell(row, 4, tview.NewTableCell(r.LastUpdated.Local().Format("15:04:05")))
		if r.RunID == selectedRunID {
			table.Select(row, 0)
		}
	}
}

// shortID drops the "run-" prefix and keeps the first uuid group.
func shortID(v string) string {
	v = strings.TrimPrefix(v, "run-")
	if len(v) <= 8 {
		return v
	}
	return v[:8]
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v)
		}
	}
	return ""
}
