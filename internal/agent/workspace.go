package agent

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"agent_fleet/internal/domain"
	"agent_fleet/internal/gitmgr"
)

// Workspace is a git working copy that workers execute in. Each assignment
// runs on its ticket branch and its result is committed there. Workers that
// share a Workspace take turns, since a checkout moves the whole copy.
type Workspace struct {
	Git    *gitmgr.Manager
	Base   string
	Remote string
	Push   bool

	mu sync.Mutex
}

// lock holds the working copy for one assignment.
func (ws *Workspace) lock() func() {
	ws.mu.Lock()
	return ws.mu.Unlock
}

// prepare switches to the ticket branch, creating it from Base on first use.
func (ws *Workspace) prepare(ctx context.Context, branch string) error {
	if branch == "" {
		return nil
	}
	if err := ws.Git.Checkout(ctx, branch); err == nil {
		return nil
	}
	return ws.Git.CreateBranch(ctx, branch, ws.Base)
}

// commit records the assignment's changes and returns the new HEAD, or ""
// when the executor left nothing to commit.
func (ws *Workspace) commit(ctx context.Context, task domain.TaskAssignPayload, res domain.TaskResultPayload) (string, error) {
	changed, err := ws.Git.HasChanges(ctx)
	if err != nil {
		return "", err
	}
	if !changed {
		return "", nil
	}
	if err := ws.Git.Stage(ctx, res.Artifacts...); err != nil {
		return "", err
	}
	hash, err := ws.Git.Commit(ctx, commitMessage(task, res))
	if err != nil {
		return "", err
	}
	if ws.Push && task.GitBranch != "" {
		if err := ws.Git.Push(ctx, ws.Remote, task.GitBranch); err != nil {
			return hash, err
		}
	}
	return hash, nil
}

func commitMessage(task domain.TaskAssignPayload, res domain.TaskResultPayload) string {
	subject := firstLine(res.Summary)
	if subject == "" {
		subject = firstLine(task.Title)
	}
	if subject == "" {
		subject = "work on ticket"
	}
	return fmt.Sprintf("%s: %s", task.TicketID, trim(subject, 72))
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	return strings.TrimSpace(s)
}
