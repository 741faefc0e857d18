package main

import (
	"errors"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"agent_fleet/internal/domain"
	"agent_fleet/internal/ticket"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Inspect and control persisted executions",
	Long: `Run commands edit the persisted execution snapshots. A running daemon
picks paused and resumed runs up through its recovery path on restart.`,
}

var runListCmd = &cobra.Command{
	Use:   "list",
	Short: "List executions",
	RunE:  runRunList,
}

var runShowCmd = &cobra.Command{
	Use:   "show [run-id]",
	Short: "Show an execution snapshot",
	Args:  cobra.ExactArgs(1),
	RunE:  runRunShow,
}

var runPauseCmd = &cobra.Command{
	Use:   "pause [run-id]",
	Short: "Pause an execution and its parent ticket",
	Args:  cobra.ExactArgs(1),
	RunE:  runRunPause,
}

var runResumeCmd = &cobra.Command{
	Use:   "resume [run-id]",
	Short: "Resume a paused execution",
	Args:  cobra.ExactArgs(1),
	RunE:  runRunResume,
}

var runStatusFilter string

func init() {
	runCmd.AddCommand(runListCmd, runShowCmd, runPauseCmd, runResumeCmd)
	runListCmd.Flags().StringVar(&runStatusFilter, "status", "", "Filter by status (running, paused, completed, failed)")
}

func runRunList(cmd *cobra.Command, args []string) error {
	e, err := openEnv()
	if err != nil {
		return err
	}
	all, err := e.states().ListExecutions()
	if err != nil {
		return err
	}
	runs := make([]domain.ExecutionPersistenceData, 0, len(all))
	for _, d := range all {
		if runStatusFilter == "" || string(d.Status) == runStatusFilter {
			runs = append(runs, d)
		}
	}
	if jsonOutput {
		return printJSON(runs)
	}
	if len(runs) == 0 {
		fmt.Println("No runs found")
		return nil
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "RUN\tTICKET\tSTATUS\tWORKERS\tUPDATED")
	for _, d := range runs {
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\n", d.RunID, d.TicketID, d.Status, len(d.WorkerStates), formatTime(d.LastUpdated))
	}
	return w.Flush()
}

func runRunShow(cmd *cobra.Command, args []string) error {
	e, err := openEnv()
	if err != nil {
		return err
	}
	d, err := e.states().LoadExecutionData(args[0])
	if err != nil {
		return err
	}
	paused, err := e.errs().LoadPausedState(args[0])
	if err != nil {
		return err
	}
	if jsonOutput {
		return printJSON(map[string]any{"execution": d, "pausedState": paused})
	}

	fmt.Printf("Run:      %s\n", d.RunID)
	fmt.Printf("Ticket:   %s\n", d.TicketID)
	fmt.Printf("Status:   %s\n", d.Status)
	fmt.Printf("Updated:  %s\n", formatTime(d.LastUpdated))
	if paused != nil {
		fmt.Printf("Paused:   %s (%s)\n", paused.Reason, formatTime(paused.PausedAt))
		fmt.Printf("Progress: %d/%d completed, %d failed\n", paused.Progress.CompletedTickets, paused.Progress.TotalTickets, paused.Progress.FailedTickets)
	}
	if len(d.WorkerStates) > 0 {
		fmt.Println()
		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "WORKER\tTYPE\tSTATUS\tTICKET\tBRANCH\tLAST ERROR")
		for id, ws := range d.WorkerStates {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n", id, ws.WorkerType, ws.Status,
				firstNonEmpty(ws.AssignedTicketID, "-"), firstNonEmpty(d.GitBranches[ws.AssignedTicketID], "-"), firstNonEmpty(trimText(ws.LastError, 40), "-"))
		}
		return w.Flush()
	}
	return nil
}

func runRunPause(cmd *cobra.Command, args []string) error {
	e, err := openEnv()
	if err != nil {
		return err
	}
	d, err := e.states().PauseExecution(args[0])
	if err != nil {
		return err
	}
	tm, project, err := e.ticketsFor(d.TicketID)
	if err != nil {
		return err
	}
	if tm.IsPaused(d.TicketID) {
		fmt.Printf("Paused run %s\n", d.RunID)
		return nil
	}
	err = tm.PauseTicket(d.TicketID, ticket.PauseSnapshot{
		RunID:                 d.RunID,
		WorkerStates:          d.WorkerStates,
		ConversationHistories: d.ConversationHistories,
	})
	if err != nil && !errors.Is(err, ticket.ErrNotPausable) {
		return err
	}
	if err := tm.SaveTickets(project); err != nil {
		return err
	}
	fmt.Printf("Paused run %s\n", d.RunID)
	return nil
}

func runRunResume(cmd *cobra.Command, args []string) error {
	e, err := openEnv()
	if err != nil {
		return err
	}
	d, err := e.states().ResumeExecution(args[0])
	if err != nil {
		return err
	}
	tm, project, err := e.ticketsFor(d.TicketID)
	if err != nil {
		return err
	}
	if _, err := tm.ResumeTicket(d.TicketID); err != nil && !errors.Is(err, ticket.ErrNotPaused) {
		return err
	}
	if err := tm.SaveTickets(project); err != nil {
		return err
	}
	if err := e.errs().ClearPausedState(d.RunID); err != nil {
		return err
	}
	fmt.Printf("Resumed run %s\n", d.RunID)
	return nil
}
