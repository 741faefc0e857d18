package main

import (
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"agent_fleet/internal/domain"
	"agent_fleet/internal/ticket"
)

var ticketCmd = &cobra.Command{
	Use:   "ticket",
	Short: "Manage the parent/child/grandchild ticket tree",
}

var ticketCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Create a parent ticket",
	RunE:  runTicketCreate,
}

var ticketChildCmd = &cobra.Command{
	Use:   "child [parent-id]",
	Short: "Add a child ticket under a parent",
	Args:  cobra.ExactArgs(1),
	RunE:  runTicketChild,
}

var ticketGrandchildCmd = &cobra.Command{
	Use:   "grandchild [child-id]",
	Short: "Add a grandchild ticket under a child",
	Args:  cobra.ExactArgs(1),
	RunE:  runTicketGrandchild,
}

var ticketShowCmd = &cobra.Command{
	Use:   "show [ticket-id]",
	Short: "Show a ticket tree",
	Args:  cobra.ExactArgs(1),
	RunE:  runTicketShow,
}

var ticketStatusCmd = &cobra.Command{
	Use:   "status [ticket-id] [status]",
	Short: "Set a ticket status and propagate it upwards",
	Args:  cobra.ExactArgs(2),
	RunE:  runTicketStatus,
}

var ticketPropagateCmd = &cobra.Command{
	Use:   "propagate [ticket-id]",
	Short: "Recompute ancestor statuses from a ticket",
	Args:  cobra.ExactArgs(1),
	RunE:  runTicketPropagate,
}

var ticketImportCmd = &cobra.Command{
	Use:   "import [parent-id] [plan.json|-]",
	Short: "Import a decomposition plan under a parent ticket",
	Args:  cobra.ExactArgs(2),
	RunE:  runTicketImport,
}

var (
	ticketProject     string
	ticketInstruction string
	ticketPriority    int
	ticketTags        []string
	ticketTitle       string
	ticketDesc        string
	ticketWorkerType  string
	ticketCriteria    []string
)

func init() {
	ticketCmd.AddCommand(ticketCreateCmd, ticketChildCmd, ticketGrandchildCmd, ticketShowCmd, ticketStatusCmd, ticketPropagateCmd, ticketImportCmd)

	ticketCreateCmd.Flags().StringVar(&ticketProject, "project", "", "Project id (required)")
	ticketCreateCmd.Flags().StringVar(&ticketInstruction, "instruction", "", "Task instruction (required)")
	ticketCreateCmd.Flags().IntVar(&ticketPriority, "priority", 0, "Priority")
	ticketCreateCmd.Flags().StringSliceVar(&ticketTags, "tag", nil, "Tag (repeatable)")
	ticketCreateCmd.MarkFlagRequired("project")
	ticketCreateCmd.MarkFlagRequired("instruction")

	ticketChildCmd.Flags().StringVar(&ticketTitle, "title", "", "Title (required)")
	ticketChildCmd.Flags().StringVar(&ticketDesc, "desc", "", "Description")
	ticketChildCmd.Flags().StringVar(&ticketWorkerType, "type", string(domain.WorkerTypeDeveloper), "Worker type")
	ticketChildCmd.MarkFlagRequired("title")

	ticketGrandchildCmd.Flags().StringVar(&ticketTitle, "title", "", "Title (required)")
	ticketGrandchildCmd.Flags().StringVar(&ticketDesc, "desc", "", "Description")
	ticketGrandchildCmd.Flags().StringSliceVar(&ticketCriteria, "criteria", nil, "Acceptance criterion (repeatable)")
	ticketGrandchildCmd.MarkFlagRequired("title")
}

func runTicketCreate(cmd *cobra.Command, args []string) error {
	e, err := openEnv()
	if err != nil {
		return err
	}
	tm := e.tickets()
	if err := tm.LoadTickets(ticketProject); err != nil {
		return err
	}
	p, err := tm.CreateParentTicket(ticketProject, ticketInstruction, domain.TicketMetadata{Priority: ticketPriority, Tags: ticketTags})
	if err != nil {
		return err
	}
	if err := tm.SaveTickets(ticketProject); err != nil {
		return err
	}
	if jsonOutput {
		return printJSON(p)
	}
	fmt.Printf("Created parent ticket: %s\n", p.ID)
	return nil
}

func runTicketChild(cmd *cobra.Command, args []string) error {
	e, err := openEnv()
	if err != nil {
		return err
	}
	tm, project, err := e.ticketsFor(args[0])
	if err != nil {
		return err
	}
	c, err := tm.CreateChildTicket(args[0], ticket.ChildInput{
		Title:       ticketTitle,
		Description: ticketDesc,
		WorkerType:  domain.WorkerType(ticketWorkerType),
	})
	if err != nil {
		return err
	}
	if err := tm.SaveTickets(project); err != nil {
		return err
	}
	if jsonOutput {
		return printJSON(c)
	}
	fmt.Printf("Created child ticket: %s (%s)\n", c.ID, c.WorkerType)
	return nil
}

func runTicketGrandchild(cmd *cobra.Command, args []string) error {
	e, err := openEnv()
	if err != nil {
		return err
	}
	tm, project, err := e.ticketsFor(args[0])
	if err != nil {
		return err
	}
	g, err := tm.CreateGrandchildTicket(args[0], ticket.GrandchildInput{
		Title:              ticketTitle,
		Description:        ticketDesc,
		AcceptanceCriteria: ticketCriteria,
	})
	if err != nil {
		return err
	}
	if err := tm.SaveTickets(project); err != nil {
		return err
	}
	if jsonOutput {
		return printJSON(g)
	}
	fmt.Printf("Created grandchild ticket: %s\n", g.ID)
	return nil
}

func runTicketShow(cmd *cobra.Command, args []string) error {
	e, err := openEnv()
	if err != nil {
		return err
	}
	tm, _, err := e.ticketsFor(args[0])
	if err != nil {
		return err
	}
	rootID, err := tm.RootOf(args[0])
	if err != nil {
		return err
	}
	p, _ := tm.GetParentTicket(rootID)
	if jsonOutput {
		return printJSON(p)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tSTATUS\tTYPE\tASSIGNEE\tTITLE")
	fmt.Fprintf(w, "%s\t%s\t-\t-\t%s\n", p.ID, p.Status, trimText(p.Instruction, 60))
	for _, c := range p.ChildTickets {
		fmt.Fprintf(w, "  %s\t%s\t%s\t-\t%s\n", c.ID, c.Status, c.WorkerType, trimText(c.Title, 60))
		for _, g := range c.GrandchildTickets {
			fmt.Fprintf(w, "    %s\t%s\t-\t%s\t%s\n", g.ID, g.Status, firstNonEmpty(g.Assignee, "-"), trimText(g.Title, 60))
		}
	}
	if tm.IsPaused(p.ID) {
		fmt.Fprintf(w, "\n%s is paused\n", p.ID)
	}
	return w.Flush()
}

func runTicketStatus(cmd *cobra.Command, args []string) error {
	status := domain.TicketStatus(args[1])
	if !status.Valid() {
		return fmt.Errorf("%w: %q", ticket.ErrInvalidStatus, args[1])
	}
	e, err := openEnv()
	if err != nil {
		return err
	}
	tm, project, err := e.ticketsFor(args[0])
	if err != nil {
		return err
	}
	if err := tm.UpdateTicketStatus(args[0], status); err != nil {
		return err
	}
	parentStatus, changed, err := tm.PropagateStatusToParent(args[0])
	if err != nil {
		return err
	}
	if err := tm.SaveTickets(project); err != nil {
		return err
	}
	fmt.Printf("%s -> %s\n", args[0], status)
	if changed {
		fmt.Printf("ancestors now %s\n", parentStatus)
	}
	return nil
}

func runTicketPropagate(cmd *cobra.Command, args []string) error {
	e, err := openEnv()
	if err != nil {
		return err
	}
	tm, project, err := e.ticketsFor(args[0])
	if err != nil {
		return err
	}
	status, changed, err := tm.PropagateStatusToParent(args[0])
	if err != nil {
		return err
	}
	if !changed {
		fmt.Println("no change")
		return nil
	}
	if err := tm.SaveTickets(project); err != nil {
		return err
	}
	fmt.Printf("ancestors now %s\n", status)
	return nil
}

func runTicketImport(cmd *cobra.Command, args []string) error {
	e, err := openEnv()
	if err != nil {
		return err
	}
	tm, project, err := e.ticketsFor(args[0])
	if err != nil {
		return err
	}
	var r io.Reader = os.Stdin
	if args[1] != "-" {
		f, err := os.Open(args[1])
		if err != nil {
			return fmt.Errorf("open plan: %w", err)
		}
		defer f.Close()
		r = f
	}
	children, err := tm.ImportPlan(args[0], r)
	if err != nil {
		return err
	}
	if err := tm.SaveTickets(project); err != nil {
		return err
	}
	if jsonOutput {
		return printJSON(children)
	}
	total := 0
	for _, c := range children {
		total += len(c.GrandchildTickets)
	}
	fmt.Printf("Imported %d child and %d grandchild tickets under %s\n", len(children), total, args[0])
	return nil
}

func trimText(s string, n int) string {
	s = strings.Join(strings.Fields(s), " ")
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}
