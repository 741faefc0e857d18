package gitmgr

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log"
	"os/exec"
	"strings"

	"agent_fleet/internal/domain"
	"agent_fleet/internal/errhandler"
)

var (
	ErrInvalidRef  = errors.New("invalid git ref")
	ErrEmptyCommit = errors.New("commit message is empty")
)

// Runner executes one git command in dir and returns its stdout.
type Runner interface {
	Run(ctx context.Context, dir string, args ...string) (string, error)
}

type ExecRunner struct {
	Binary string
}

func (r ExecRunner) Run(ctx context.Context, dir string, args ...string) (string, error) {
	bin := r.Binary
	if strings.TrimSpace(bin) == "" {
		bin = "git"
	}
	cmd := exec.CommandContext(ctx, bin, args...)
	cmd.Dir = dir
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		detail := strings.TrimSpace(stderr.String())
		if detail == "" {
			detail = strings.TrimSpace(stdout.String())
		}
		return stdout.String(), errhandler.Tag(domain.ErrorCategoryGit,
			fmt.Errorf("git %s: %s: %w", strings.Join(args, " "), detail, err))
	}
	return stdout.String(), nil
}

// Manager wraps git operations on one working copy.
type Manager struct {
	dir    string
	runner Runner
	logger *log.Logger
}

func NewManager(dir string, runner Runner, logger *log.Logger) *Manager {
	if runner == nil {
		runner = ExecRunner{}
	}
	if logger == nil {
		logger = log.Default()
	}
	return &Manager{dir: dir, runner: runner, logger: logger}
}

func (m *Manager) Dir() string { return m.dir }

func (m *Manager) git(ctx context.Context, args ...string) (string, error) {
	m.logger.Printf("git %s dir=%s", strings.Join(args, " "), m.dir)
	return m.runner.Run(ctx, m.dir, args...)
}

// Clone clones url into the manager's directory.
func (m *Manager) Clone(ctx context.Context, url string) error {
	if strings.TrimSpace(url) == "" {
		return fmt.Errorf("clone: %w", ErrInvalidRef)
	}
	m.logger.Printf("git clone %s dir=%s", url, m.dir)
	if _, err := m.runner.Run(ctx, "", "clone", url, m.dir); err != nil {
		return fmt.Errorf("clone: %w", err)
	}
	return nil
}

// CreateBranch creates name from base (HEAD when empty) and checks it out.
func (m *Manager) CreateBranch(ctx context.Context, name, base string) error {
	if err := validRef(name); err != nil {
		return fmt.Errorf("create branch: %w", err)
	}
	args := []string{"checkout", "-b", name}
	if base != "" {
		if err := validRef(base); err != nil {
			return fmt.Errorf("create branch: %w", err)
		}
		args = append(args, base)
	}
	if _, err := m.git(ctx, args...); err != nil {
		return fmt.Errorf("create branch: %w", err)
	}
	return nil
}

func (m *Manager) Checkout(ctx context.Context, ref string) error {
	if err := validRef(ref); err != nil {
		return fmt.Errorf("checkout: %w", err)
	}
	if _, err := m.git(ctx, "checkout", ref); err != nil {
		return fmt.Errorf("checkout: %w", err)
	}
	return nil
}

// Stage adds paths to the index, or everything when no path is given.
func (m *Manager) Stage(ctx context.Context, paths ...string) error {
	args := []string{"add", "-A"}
	if len(paths) > 0 {
		args = append([]string{"add", "--"}, paths...)
	}
	if _, err := m.git(ctx, args...); err != nil {
		return fmt.Errorf("stage: %w", err)
	}
	return nil
}

// Commit records the index and returns the new HEAD hash.
func (m *Manager) Commit(ctx context.Context, message string) (string, error) {
	if strings.TrimSpace(message) == "" {
		return "", ErrEmptyCommit
	}
	if _, err := m.git(ctx, "commit", "-m", message); err != nil {
		return "", fmt.Errorf("commit: %w", err)
	}
	out, err := m.git(ctx, "rev-parse", "HEAD")
	if err != nil {
		return "", fmt.Errorf("commit: %w", err)
	}
	return strings.TrimSpace(out), nil
}

func (m *Manager) Push(ctx context.Context, remote, branch string) error {
	if remote == "" {
		remote = "origin"
	}
	if err := validRef(branch); err != nil {
		return fmt.Errorf("push: %w", err)
	}
	if _, err := m.git(ctx, "push", "-u", remote, branch); err != nil {
		return fmt.Errorf("push: %w", err)
	}
	return nil
}

type MergeResult struct {
	Branch     string
	Conflicted bool
	Conflicts  []string
}

// Merge merges branch into the current branch. A merge that stops on
// conflicts is reported through MergeResult, not as an error.
func (m *Manager) Merge(ctx context.Context, branch string) (MergeResult, error) {
	if err := validRef(branch); err != nil {
		return MergeResult{}, fmt.Errorf("merge: %w", err)
	}
	res := MergeResult{Branch: branch}
	_, mergeErr := m.git(ctx, "merge", "--no-ff", "--no-edit", branch)
	if mergeErr == nil {
		return res, nil
	}
	paths, err := m.conflictedPaths(ctx)
	if err != nil {
		return res, fmt.Errorf("merge: %w", errors.Join(mergeErr, err))
	}
	if len(paths) == 0 {
		return res, fmt.Errorf("merge: %w", mergeErr)
	}
	res.Conflicted = true
	res.Conflicts = paths
	m.logger.Printf("merge conflict branch=%s files=%d", branch, len(paths))
	return res, nil
}

func (m *Manager) CurrentBranch(ctx context.Context) (string, error) {
	out, err := m.git(ctx, "rev-parse", "--abbrev-ref", "HEAD")
	if err != nil {
		return "", fmt.Errorf("current branch: %w", err)
	}
	return strings.TrimSpace(out), nil
}

// HasChanges reports whether the working copy differs from HEAD.
func (m *Manager) HasChanges(ctx context.Context) (bool, error) {
	out, err := m.git(ctx, "status", "--porcelain")
	if err != nil {
		return false, fmt.Errorf("status: %w", err)
	}
	return strings.TrimSpace(out) != "", nil
}

func validRef(ref string) error {
	ref = strings.TrimSpace(ref)
	if ref == "" || strings.HasPrefix(ref, "-") || strings.ContainsAny(ref, " \t\n~^:?*[\\") || strings.Contains(ref, "..") {
		return fmt.Errorf("%w: %q", ErrInvalidRef, ref)
	}
	return nil
}
