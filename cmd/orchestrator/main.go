package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"strings"
	"syscall"
	"time"

	"agent_fleet/internal/agent"
	"agent_fleet/internal/config"
	"agent_fleet/internal/domain"
	"agent_fleet/internal/errhandler"
	"agent_fleet/internal/fs"
	"agent_fleet/internal/gitmgr"
	"agent_fleet/internal/messaging"
	"agent_fleet/internal/messaging/file"
	"agent_fleet/internal/messaging/inproc"
	"agent_fleet/internal/orchestrator"
	"agent_fleet/internal/policy"
	"agent_fleet/internal/pool"
	"agent_fleet/internal/state"
	sqlitestore "agent_fleet/internal/store/sqlite"
	"agent_fleet/internal/ticket"
)

func main() {
	configPath := flag.String("config", "", "path to config.toml (default: ~/.agent_fleet/config.toml)")
	stateDirFlag := flag.String("state-dir", "", "state directory override")
	runsDirFlag := flag.String("runs-dir", "", "runs directory override")
	backendFlag := flag.String("queue", "", "queue backend override: file, sqlite or memory")
	maxWorkersFlag := flag.Int("max-workers", 0, "worker pool size override")
	submit := flag.String("submit", "", "submit a task instruction on startup")
	project := flag.String("project", "default", "project id for -submit")
	priority := flag.Int("priority", 0, "priority for -submit")
	planPath := flag.String("plan", "", "YAML (or JSON) plan of child and grandchild tickets for -submit")
	noWorkers := flag.Bool("no-workers", false, "do not run in-process workers; external agents poll their mailboxes")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	oc := cfg.Orchestrator

	stateDir, err := config.ExpandHome(firstNonEmpty(*stateDirFlag, oc.StateDir, "~/.agent_fleet/state"))
	if err != nil {
		log.Fatalf("resolve state dir: %v", err)
	}
	runsDir, err := config.ExpandHome(firstNonEmpty(*runsDirFlag, oc.RunsDir, "~/.agent_fleet/runs"))
	if err != nil {
		log.Fatalf("resolve runs dir: %v", err)
	}
	layout, err := fs.NewLayout(stateDir, runsDir)
	if err != nil {
		log.Fatalf("create layout: %v", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	logger := log.Default()
	pollInterval := durationMS(oc.PollIntervalMS, 100*time.Millisecond)
	queue, err := openQueue(ctx, firstNonEmpty(*backendFlag, oc.QueueBackend, config.QueueFile), layout, oc.QueueDBPath, pollInterval, logger)
	if err != nil {
		log.Fatalf("open queue: %v", err)
	}
	bus := messaging.FromQueue(queue, layout, logger)
	defer func() {
		_ = bus.Close()
	}()

	managerID := firstNonEmpty(oc.ManagerAgentID, orchestrator.DefaultManagerID)
	maxWorkers := intOrDefault(*maxWorkersFlag, intOrDefault(oc.MaxWorkers, 3))

	states := state.NewManager(layout, logger)
	settings := state.Settings{
		MaxWorkers:       maxWorkers,
		ContainerRuntime: firstNonEmpty(oc.ContainerRuntime, "docker"),
		PollIntervalMS:   int(pollInterval / time.Millisecond),
		Retry: state.RetrySettings{
			MaxAttempts:    cfg.Retry.MaxAttempts,
			InitialDelayMS: cfg.Retry.InitialDelayMS,
			Multiplier:     cfg.Retry.Multiplier,
			MaxDelayMS:     cfg.Retry.MaxDelayMS,
		},
	}
	if err := states.SaveConfig(settings); err != nil {
		log.Fatalf("save runtime settings: %v", err)
	}

	tickets := ticket.NewManager(layout, logger)
	workers, err := pool.New(maxWorkers, settings.ContainerRuntime, logger)
	if err != nil {
		log.Fatalf("create worker pool: %v", err)
	}
	errs := errhandler.New(cfg.Retry.Policy(), layout, orchestrator.BusEscalator{Bus: bus, Manager: managerID}, logger)

	svc := orchestrator.New(tickets, workers, bus, policy.New(managerID), states, errs, layout, orchestrator.Config{
		ManagerID:      managerID,
		ReviewerID:     oc.ReviewerAgentID,
		CheckpointSpec: oc.CheckpointInterval,
		BranchPrefix:   oc.BranchPrefix,
	}, logger)

	recovered, err := svc.RecoverExecutions(ctx)
	if err != nil {
		log.Fatalf("recover executions: %v", err)
	}
	if err := svc.Start(ctx); err != nil {
		log.Fatalf("start orchestrator: %v", err)
	}

	var fleet *agent.Fleet
	if !*noWorkers {
		exec := agent.CommandExecutor{Binary: cfg.Agent.Command, Args: cfg.Agent.Args, Workdir: cfg.Agent.Workdir}
		fleet = agent.NewFleet(bus, exec, errs, svc, managerID, logger)
		if cfg.Agent.GitBranches {
			if strings.TrimSpace(cfg.Agent.Workdir) == "" {
				log.Fatalf("agent.git_branches needs agent.workdir")
			}
			fleet.SetWorkspace(&agent.Workspace{
				Git:    gitmgr.NewManager(cfg.Agent.Workdir, gitmgr.ExecRunner{}, logger),
				Base:   cfg.Agent.BaseBranch,
				Remote: cfg.Agent.Remote,
				Push:   cfg.Agent.Push,
			})
		}
		fleet.Start(ctx)
	}

	if strings.TrimSpace(*submit) != "" {
		if err := submitTask(ctx, svc, *project, *submit, *priority, *planPath); err != nil {
			log.Printf("submit failed: %v", err)
		}
	}

	log.Printf(
		"agent_fleet started state=%s runs=%s queue=%s manager=%s max_workers=%d recovered=%d workers=%s",
		layout.StateDir,
		layout.RunsDir,
		firstNonEmpty(*backendFlag, oc.QueueBackend, config.QueueFile),
		managerID,
		maxWorkers,
		recovered,
		formatWorkerCounts(cfg.Workers),
	)

	<-ctx.Done()
	log.Printf("shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := svc.Checkpoint(shutdownCtx); err != nil {
		log.Printf("final checkpoint failed: %v", err)
	}
	svc.Wait()
	if fleet != nil {
		fleet.Wait()
	}
}

func openQueue(ctx context.Context, backend string, layout fs.Layout, dbPath string, interval time.Duration, logger *log.Logger) (messaging.Queue, error) {
	switch backend {
	case config.QueueFile:
		return file.New(layout, interval, logger), nil
	case config.QueueSQLite:
		path := firstNonEmpty(dbPath, filepath.Join(layout.StateDir, "queue.db"))
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create queue db directory: %w", err)
		}
		return sqlitestore.OpenQueue(ctx, path, interval)
	case config.QueueMemory:
		return inproc.New(256), nil
	default:
		return nil, fmt.Errorf("unknown queue backend %q", backend)
	}
}

func submitTask(ctx context.Context, svc *orchestrator.Service, projectID, instruction string, priority int, planPath string) error {
	sub, err := svc.SubmitTask(ctx, orchestrator.SubmitInput{
		ProjectID:   projectID,
		Instruction: instruction,
		Metadata:    domain.TicketMetadata{Priority: priority},
	})
	if err != nil {
		return err
	}
	log.Printf("submitted run=%s ticket=%s", sub.RunID, sub.Ticket.ID)
	if planPath == "" {
		return nil
	}
	f, err := os.Open(planPath)
	if err != nil {
		return fmt.Errorf("open plan: %w", err)
	}
	defer f.Close()
	children, err := svc.ImportPlan(ctx, sub.RunID, f)
	if err != nil {
		return fmt.Errorf("import plan: %w", err)
	}
	log.Printf("imported plan run=%s children=%d", sub.RunID, len(children))
	return nil
}

func formatWorkerCounts(counts map[string]int) string {
	if len(counts) == 0 {
		return "-"
	}
	keys := make([]string, 0, len(counts))
	for k := range counts {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s:%d", k, counts[k]))
	}
	return strings.Join(parts, ",")
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v)
		}
	}
	return ""
}

func durationMS(v int, def time.Duration) time.Duration {
	if v <= 0 {
		return def
	}
	return time.Duration(v) * time.Millisecond
}

func intOrDefault(v int, def int) int {
	if v <= 0 {
		return def
	}
	return v
}
