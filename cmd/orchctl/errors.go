package main

import (
	"fmt"
	"os"
	"sort"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"agent_fleet/internal/domain"
	"agent_fleet/internal/errhandler"
)

var errorsCmd = &cobra.Command{
	Use:   "errors",
	Short: "Read run error logs",
}

var errorsStatsCmd = &cobra.Command{
	Use:   "stats [run-id]",
	Short: "Summarize a run's errors.log",
	Args:  cobra.ExactArgs(1),
	RunE:  runErrorsStats,
}

var errorsReportCmd = &cobra.Command{
	Use:   "report [run-id]",
	Short: "Write and print failure-report.md for a run",
	Args:  cobra.ExactArgs(1),
	RunE:  runErrorsReport,
}

var (
	reportTicket  string
	reportSummary string
)

func init() {
	errorsCmd.AddCommand(errorsStatsCmd, errorsReportCmd)
	errorsReportCmd.Flags().StringVar(&reportTicket, "ticket", "", "Ticket id the report is about")
	errorsReportCmd.Flags().StringVar(&reportSummary, "summary", "", "Free-form summary paragraph")
}

func runErrorsStats(cmd *cobra.Command, args []string) error {
	e, err := openEnv()
	if err != nil {
		return err
	}
	stats, err := e.errs().GetErrorStatistics(args[0])
	if err != nil {
		return err
	}
	if jsonOutput {
		return printJSON(stats)
	}
	fmt.Printf("Run:    %s\n", stats.RunID)
	fmt.Printf("Errors: %d (%d recoverable, %d fatal)\n", stats.Total, stats.Recoverable, stats.Fatal)
	fmt.Printf("Window: %s .. %s\n", formatTime(stats.First), formatTime(stats.Last))
	if len(stats.ByCategory) == 0 {
		return nil
	}
	cats := make([]domain.ErrorCategory, 0, len(stats.ByCategory))
	for c := range stats.ByCategory {
		cats = append(cats, c)
	}
	sort.Slice(cats, func(i, j int) bool { return cats[i] < cats[j] })
	fmt.Println()
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "CATEGORY\tCOUNT\tRECOMMENDED")
	for _, c := range cats {
		fmt.Fprintf(w, "%s\t%d\t%s\n", c, stats.ByCategory[c], errhandler.RecommendAction(c, stats.ByCategory[c]))
	}
	return w.Flush()
}

func runErrorsReport(cmd *cobra.Command, args []string) error {
	e, err := openEnv()
	if err != nil {
		return err
	}
	h := e.errs()
	report, err := h.GenerateFailureReport(args[0], errhandler.FailureReportInput{
		TicketID: reportTicket,
		Summary:  reportSummary,
	})
	if err != nil {
		return err
	}
	fmt.Print(report)
	return nil
}
