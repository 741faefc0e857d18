package gitmgr

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// FileConflict holds the three index stages of a path both sides modified.
type FileConflict struct {
	Path   string `json:"path"`
	Base   string `json:"base"`
	Ours   string `json:"ours"`
	Theirs string `json:"theirs"`
}

type Strategy string

const (
	StrategyConverged Strategy = "converged"
	StrategyOurs      Strategy = "ours"
	StrategyTheirs    Strategy = "theirs"
	StrategyManual    Strategy = "manual"
)

type Resolution struct {
	Path     string   `json:"path"`
	Strategy Strategy `json:"strategy"`
	Resolved bool     `json:"resolved"`
	Content  string   `json:"-"`
}

type AutoResolveResult struct {
	ResolvedFiles   []string     `json:"resolvedFiles"`
	UnresolvedFiles []string     `json:"unresolvedFiles"`
	NeedsEscalation bool         `json:"needsEscalation"`
	Resolutions     []Resolution `json:"resolutions"`
}

// ResolveConflict applies the three-way heuristic: identical sides converge,
// a side equal to the base yields to the other, and anything else needs a
// human.
func ResolveConflict(c FileConflict) Resolution {
	r := Resolution{Path: c.Path}
	switch {
	case c.Ours == c.Theirs:
		r.Strategy, r.Content, r.Resolved = StrategyConverged, c.Ours, true
	case c.Ours == c.Base:
		r.Strategy, r.Content, r.Resolved = StrategyTheirs, c.Theirs, true
	case c.Theirs == c.Base:
		r.Strategy, r.Content, r.Resolved = StrategyOurs, c.Ours, true
	default:
		r.Strategy = StrategyManual
	}
	return r
}

// GetConflicts lists unmerged (UU) paths and reads their base, ours and
// theirs stages from the index.
func (m *Manager) GetConflicts(ctx context.Context) ([]FileConflict, error) {
	paths, err := m.conflictedPaths(ctx)
	if err != nil {
		return nil, fmt.Errorf("get conflicts: %w", err)
	}
	out := make([]FileConflict, 0, len(paths))
	for _, p := range paths {
		c := FileConflict{Path: p}
		stages := []*string{&c.Base, &c.Ours, &c.Theirs}
		for i, dst := range stages {
			content, err := m.runner.Run(ctx, m.dir, "show", fmt.Sprintf(":%d:%s", i+1, p))
			if err != nil {
				return nil, fmt.Errorf("get conflicts: stage %d of %s: %w", i+1, p, err)
			}
			*dst = content
		}
		out = append(out, c)
	}
	return out, nil
}

func (m *Manager) conflictedPaths(ctx context.Context) ([]string, error) {
	out, err := m.git(ctx, "status", "--porcelain")
	if err != nil {
		return nil, err
	}
	return parseUnmerged(out), nil
}

func parseUnmerged(status string) []string {
	var paths []string
	scanner := bufio.NewScanner(strings.NewReader(status))
	for scanner.Scan() {
		line := scanner.Text()
		if len(line) < 4 || line[:2] != "UU" {
			continue
		}
		p := strings.TrimSpace(line[3:])
		if strings.HasPrefix(p, `"`) {
			if unq, err := strconv.Unquote(p); err == nil {
				p = unq
			}
		}
		paths = append(paths, p)
	}
	return paths
}

// AttemptAutoResolve writes and stages every conflict the heuristic can
// settle. Files it cannot settle are left as they are.
func (m *Manager) AttemptAutoResolve(ctx context.Context) (AutoResolveResult, error) {
	conflicts, err := m.GetConflicts(ctx)
	if err != nil {
		return AutoResolveResult{}, err
	}
	res := AutoResolveResult{ResolvedFiles: []string{}, UnresolvedFiles: []string{}}
	for _, c := range conflicts {
		r := ResolveConflict(c)
		if r.Resolved {
			if err := m.writeResolved(ctx, r); err != nil {
				m.logger.Printf("auto resolve write failed path=%s: %v", r.Path, err)
				r.Resolved = false
				r.Strategy = StrategyManual
			}
		}
		res.Resolutions = append(res.Resolutions, r)
		if r.Resolved {
			res.ResolvedFiles = append(res.ResolvedFiles, r.Path)
		} else {
			res.UnresolvedFiles = append(res.UnresolvedFiles, r.Path)
		}
	}
	res.NeedsEscalation = len(res.UnresolvedFiles) > 0
	m.logger.Printf("auto resolve resolved=%d unresolved=%d", len(res.ResolvedFiles), len(res.UnresolvedFiles))
	return res, nil
}

func (m *Manager) writeResolved(ctx context.Context, r Resolution) error {
	full := filepath.Join(m.dir, filepath.FromSlash(r.Path))
	rel, err := filepath.Rel(m.dir, full)
	if err != nil || strings.HasPrefix(rel, "..") {
		return fmt.Errorf("path escapes working copy: %s", r.Path)
	}
	mode := os.FileMode(0o644)
	if info, err := os.Stat(full); err == nil {
		mode = info.Mode().Perm()
	}
	if err := os.WriteFile(full, []byte(r.Content), mode); err != nil {
		return fmt.Errorf("write %s: %w", r.Path, err)
	}
	return m.Stage(ctx, r.Path)
}

// GenerateConflictReport summarizes the current conflicts without touching
// the working copy.
func (m *Manager) GenerateConflictReport(ctx context.Context) (string, error) {
	conflicts, err := m.GetConflicts(ctx)
	if err != nil {
		return "", err
	}
	resolutions := make([]Resolution, 0, len(conflicts))
	for _, c := range conflicts {
		resolutions = append(resolutions, ResolveConflict(c))
	}
	return FormatConflictReport(resolutions), nil
}

func FormatConflictReport(resolutions []Resolution) string {
	var auto, manual []Resolution
	for _, r := range resolutions {
		if r.Resolved {
			auto = append(auto, r)
		} else {
			manual = append(manual, r)
		}
	}

	var b strings.Builder
	b.WriteString("# Merge Conflict Report\n\n")
	if len(resolutions) == 0 {
		b.WriteString("No conflicts.\n")
		return b.String()
	}
	fmt.Fprintf(&b, "%d conflicted file(s): %d auto-resolvable, %d need manual review.\n", len(resolutions), len(auto), len(manual))

	if len(auto) > 0 {
		b.WriteString("\n## Auto-resolvable\n\n")
		for _, r := range auto {
			fmt.Fprintf(&b, "- `%s` (%s)\n", r.Path, describe(r.Strategy))
		}
	}
	if len(manual) > 0 {
		b.WriteString("\n## Manual review required\n\n")
		for _, r := range manual {
			fmt.Fprintf(&b, "- `%s`: both sides changed the file differently\n", r.Path)
		}
		b.WriteString("\nThese files must be merged by hand; escalate to the manager.\n")
	}
	return b.String()
}

func describe(s Strategy) string {
	switch s {
	case StrategyConverged:
		return "both sides made the same change"
	case StrategyOurs:
		return "only ours changed, keep ours"
	case StrategyTheirs:
		return "only theirs changed, take theirs"
	default:
		return string(s)
	}
}
