package agent

import (
	"context"
	"log"
	"strings"
	"sync"
	"time"

	"agent_fleet/internal/errhandler"
	"agent_fleet/internal/messaging"
)

// Fleet runs an in-process Worker for every worker mailbox that appears on
// the bus. Pool slots get their ids when they are first claimed, so the
// fleet discovers them instead of being told.
type Fleet struct {
	bus       *messaging.Bus
	exec      Executor
	errs      *errhandler.Handler
	status    StatusUpdater
	managerID string
	prefix    string
	interval  time.Duration
	workspace *Workspace
	logger    *log.Logger

	mu      sync.Mutex
	running map[string]*Worker
	wg      sync.WaitGroup
}

func NewFleet(bus *messaging.Bus, exec Executor, errs *errhandler.Handler, status StatusUpdater, managerID string, logger *log.Logger) *Fleet {
	if logger == nil {
		logger = log.Default()
	}
	return &Fleet{
		bus:       bus,
		exec:      exec,
		errs:      errs,
		status:    status,
		managerID: managerID,
		prefix:    "worker-",
		interval:  250 * time.Millisecond,
		logger:    logger,
		running:   make(map[string]*Worker),
	}
}

// SetWorkspace shares one git working copy between all workers started
// after the call.
func (f *Fleet) SetWorkspace(ws *Workspace) {
	f.mu.Lock()
	f.workspace = ws
	f.mu.Unlock()
}

// Start discovers worker mailboxes until ctx is cancelled.
func (f *Fleet) Start(ctx context.Context) {
	f.wg.Add(1)
	go func() {
		defer f.wg.Done()
		ticker := time.NewTicker(f.interval)
		defer ticker.Stop()
		for {
			f.Sync(ctx)
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}()
}

func (f *Fleet) Wait() {
	f.wg.Wait()
}

// Sync starts workers for mailboxes not yet served and returns how many it
// started.
func (f *Fleet) Sync(ctx context.Context) int {
	agents, err := f.bus.Agents(ctx)
	if err != nil {
		f.logger.Printf("fleet list agents: %v", err)
		return 0
	}
	started := 0
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, id := range agents {
		if !strings.HasPrefix(id, f.prefix) {
			continue
		}
		if _, ok := f.running[id]; ok {
			continue
		}
		w := NewWorker(id, f.managerID, f.bus, f.exec, f.errs, f.status, f.logger)
		if f.workspace != nil {
			w.UseWorkspace(f.workspace)
		}
		f.running[id] = w
		started++
		f.wg.Add(1)
		go func() {
			defer f.wg.Done()
			w.Run(ctx)
		}()
		f.logger.Printf("fleet started worker=%s", id)
	}
	return started
}

func (f *Fleet) Workers() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.running))
	for id := range f.running {
		out = append(out, id)
	}
	return out
}
