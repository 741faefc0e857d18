package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"agent_fleet/internal/domain"
	"agent_fleet/internal/gitmgr"
)

var gitCmd = &cobra.Command{
	Use:   "git",
	Short: "Inspect and resolve merge conflicts in a working copy",
}

var gitConflictsCmd = &cobra.Command{
	Use:   "conflicts",
	Short: "Report conflicted files and how each would be resolved",
	RunE:  runGitConflicts,
}

var gitResolveCmd = &cobra.Command{
	Use:   "resolve",
	Short: "Auto-resolve trivially resolvable conflicts",
	RunE:  runGitResolve,
}

var gitMergeCmd = &cobra.Command{
	Use:   "merge <branch>",
	Short: "Merge a ticket branch into the current branch, auto-resolving conflicts",
	Args:  cobra.ExactArgs(1),
	RunE:  runGitMerge,
}

var (
	gitRepo     string
	gitEscalate bool
	gitRunID    string
	gitTicketID string
)

func init() {
	gitCmd.AddCommand(gitConflictsCmd, gitResolveCmd, gitMergeCmd)
	gitCmd.PersistentFlags().StringVar(&gitRepo, "repo", ".", "Working copy directory")

	gitResolveCmd.Flags().BoolVar(&gitEscalate, "escalate", false, "Send conflict_escalate to the manager when files remain unresolved")
	gitResolveCmd.Flags().StringVar(&gitRunID, "run", "", "Run id for the escalation")
	gitResolveCmd.Flags().StringVar(&gitTicketID, "ticket", "", "Ticket id for the escalation")

	gitMergeCmd.Flags().BoolVar(&gitEscalate, "escalate", false, "Send conflict_escalate to the manager when files remain unresolved")
	gitMergeCmd.Flags().StringVar(&gitRunID, "run", "", "Run id for the escalation")
	gitMergeCmd.Flags().StringVar(&gitTicketID, "ticket", "", "Ticket id for the escalation")
}

func runGitConflicts(cmd *cobra.Command, args []string) error {
	e, err := openEnv()
	if err != nil {
		return err
	}
	m := gitmgr.NewManager(gitRepo, gitmgr.ExecRunner{}, e.logger)
	if jsonOutput {
		conflicts, err := m.GetConflicts(cmd.Context())
		if err != nil {
			return err
		}
		out := make([]gitmgr.Resolution, 0, len(conflicts))
		for _, c := range conflicts {
			out = append(out, gitmgr.ResolveConflict(c))
		}
		return printJSON(out)
	}
	report, err := m.GenerateConflictReport(cmd.Context())
	if err != nil {
		return err
	}
	fmt.Print(report)
	return nil
}

func runGitResolve(cmd *cobra.Command, args []string) error {
	e, err := openEnv()
	if err != nil {
		return err
	}
	m := gitmgr.NewManager(gitRepo, gitmgr.ExecRunner{}, e.logger)
	res, err := m.AttemptAutoResolve(cmd.Context())
	if err != nil {
		return err
	}
	if jsonOutput {
		if err := printJSON(res); err != nil {
			return err
		}
	} else {
		fmt.Print(gitmgr.FormatConflictReport(res.Resolutions))
	}
	if !res.NeedsEscalation || !gitEscalate {
		return nil
	}
	return escalateConflicts(cmd, e, res.UnresolvedFiles)
}

func runGitMerge(cmd *cobra.Command, args []string) error {
	e, err := openEnv()
	if err != nil {
		return err
	}
	m := gitmgr.NewManager(gitRepo, gitmgr.ExecRunner{}, e.logger)
	into, err := m.CurrentBranch(cmd.Context())
	if err != nil {
		return err
	}
	merged, err := m.Merge(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	if !merged.Conflicted {
		fmt.Printf("Merged %s into %s\n", args[0], into)
		return nil
	}
	fmt.Printf("Merging %s into %s stopped on %d conflicted file(s)\n", args[0], into, len(merged.Conflicts))

	res, err := m.AttemptAutoResolve(cmd.Context())
	if err != nil {
		return err
	}
	fmt.Print(gitmgr.FormatConflictReport(res.Resolutions))
	if !res.NeedsEscalation {
		hash, err := m.Commit(cmd.Context(), fmt.Sprintf("Merge %s into %s", args[0], into))
		if err != nil {
			return err
		}
		fmt.Printf("All conflicts auto-resolved, committed %s\n", hash)
		return nil
	}
	if !gitEscalate {
		return fmt.Errorf("%d file(s) need manual resolution", len(res.UnresolvedFiles))
	}
	return escalateConflicts(cmd, e, res.UnresolvedFiles)
}

func escalateConflicts(cmd *cobra.Command, e *env, files []string) error {
	bus, err := e.bus(cmd.Context())
	if err != nil {
		return err
	}
	defer bus.Close()
	manager := firstNonEmpty(e.cfg.Orchestrator.ManagerAgentID, "manager")
	_, err = bus.Publish(cmd.Context(), domain.MessageTypeConflictEscalate, "orchctl", manager, map[string]any{
		"runId":    gitRunID,
		"ticketId": gitTicketID,
		"category": domain.ErrorCategoryGit,
		"error":    "unresolved merge conflicts: " + strings.Join(files, ", "),
		"files":    files,
	}, gitRunID)
	if err != nil {
		return err
	}
	fmt.Printf("Escalated %d unresolved file(s) to %s\n", len(files), manager)
	return nil
}
