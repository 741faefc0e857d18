package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"agent_fleet/internal/config"
	"agent_fleet/internal/errhandler"
	"agent_fleet/internal/fs"
	"agent_fleet/internal/messaging"
	"agent_fleet/internal/messaging/file"
	"agent_fleet/internal/state"
	sqlitestore "agent_fleet/internal/store/sqlite"
	"agent_fleet/internal/ticket"
)

var rootCmd = &cobra.Command{
	Use:           "orchctl",
	Short:         "Inspect and operate an agent fleet",
	Long:          `orchctl works directly on the fleet's state and runs directories: ticket trees, run snapshots, the message bus and error logs.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

var (
	configPath string
	stateDir   string
	runsDir    string
	jsonOutput bool
	verbose    bool
)

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to config.toml (default: ~/.agent_fleet/config.toml)")
	rootCmd.PersistentFlags().StringVar(&stateDir, "state-dir", "", "state directory override")
	rootCmd.PersistentFlags().StringVar(&runsDir, "runs-dir", "", "runs directory override")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "print JSON instead of tables")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "log internal operations to stderr")

	rootCmd.AddCommand(ticketCmd, runCmd, busCmd, errorsCmd, gitCmd)
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// env is everything a subcommand may need, opened lazily from the config.
type env struct {
	cfg    config.Config
	layout fs.Layout
	logger *log.Logger
}

func openEnv() (*env, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	sd, err := config.ExpandHome(firstNonEmpty(stateDir, cfg.Orchestrator.StateDir))
	if err != nil {
		return nil, err
	}
	rd, err := config.ExpandHome(firstNonEmpty(runsDir, cfg.Orchestrator.RunsDir))
	if err != nil {
		return nil, err
	}
	layout, err := fs.NewLayout(sd, rd)
	if err != nil {
		return nil, err
	}
	out := io.Discard
	if verbose {
		out = os.Stderr
	}
	return &env{cfg: cfg, layout: layout, logger: log.New(out, "orchctl ", log.LstdFlags)}, nil
}

func (e *env) tickets() *ticket.Manager {
	return ticket.NewManager(e.layout, e.logger)
}

// ticketsFor loads the project owning id.
func (e *env) ticketsFor(id string) (*ticket.Manager, string, error) {
	project, err := ticket.ProjectOf(id)
	if err != nil {
		return nil, "", err
	}
	tm := e.tickets()
	if err := tm.LoadTickets(project); err != nil {
		return nil, "", err
	}
	return tm, project, nil
}

func (e *env) states() *state.Manager {
	return state.NewManager(e.layout, e.logger)
}

func (e *env) errs() *errhandler.Handler {
	return errhandler.New(e.cfg.Retry.Policy(), e.layout, nil, e.logger)
}

// bus opens the configured durable queue. The memory backend lives inside
// the daemon process and cannot be reached from here.
func (e *env) bus(ctx context.Context) (*messaging.Bus, error) {
	oc := e.cfg.Orchestrator
	switch oc.QueueBackend {
	case config.QueueFile, "":
		return messaging.FromQueue(file.New(e.layout, oc.PollInterval(), e.logger), e.layout, e.logger), nil
	case config.QueueSQLite:
		path := firstNonEmpty(oc.QueueDBPath, filepath.Join(e.layout.StateDir, "queue.db"))
		q, err := sqlitestore.OpenQueue(ctx, path, oc.PollInterval())
		if err != nil {
			return nil, err
		}
		return messaging.FromQueue(q, e.layout, e.logger), nil
	default:
		return nil, fmt.Errorf("queue backend %q is not reachable from orchctl", oc.QueueBackend)
	}
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v)
		}
	}
	return ""
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.Local().Format("2006-01-02 15:04:05")
}
