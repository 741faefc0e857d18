package fs

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

var ErrUnsafePath = errors.New("path segment is not allowed")

// Layout maps logical orchestration artifacts onto the on-disk tree:
//
//	<state>/tickets/<projectId>.json
//	<state>/runs/<runId>/state.json
//	<state>/bus/queues/<agentId>/<messageId>.json
//	<state>/bus/history/<runId>/<messageId>.json
//	<runs>/<runId>/{messages.log,errors.log,failure-report.md,paused-state.json,task.json}
type Layout struct {
	StateDir string
	RunsDir  string
}

func NewLayout(stateDir, runsDir string) (Layout, error) {
	absState, err := filepath.Abs(stateDir)
	if err != nil {
		return Layout{}, fmt.Errorf("resolve state dir: %w", err)
	}
	absRuns, err := filepath.Abs(runsDir)
	if err != nil {
		return Layout{}, fmt.Errorf("resolve runs dir: %w", err)
	}
	for _, dir := range []string{absState, absRuns} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return Layout{}, fmt.Errorf("create dir %s: %w", dir, err)
		}
	}
	return Layout{StateDir: absState, RunsDir: absRuns}, nil
}

func (l Layout) TicketsDir() string {
	return filepath.Join(l.StateDir, "tickets")
}

func (l Layout) TicketsFile(projectID string) (string, error) {
	return l.join(l.TicketsDir(), projectID, ".json")
}

func (l Layout) TicketPauseFile(ticketID string) (string, error) {
	return l.join(filepath.Join(l.TicketsDir(), "paused"), ticketID, ".json")
}

func (l Layout) RunStatesDir() string {
	return filepath.Join(l.StateDir, "runs")
}

func (l Layout) RunStateFile(runID string) (string, error) {
	dir, err := l.join(l.RunStatesDir(), runID, "")
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "state.json"), nil
}

func (l Layout) ConfigFile() string {
	return filepath.Join(l.StateDir, "config.toml")
}

func (l Layout) QueuesDir() string {
	return filepath.Join(l.StateDir, "bus", "queues")
}

func (l Layout) QueueDir(agentID string) (string, error) {
	return l.join(l.QueuesDir(), agentID, "")
}

func (l Layout) HistoryDir(runID string) (string, error) {
	return l.join(filepath.Join(l.StateDir, "bus", "history"), runID, "")
}

func (l Layout) RunDir(runID string) (string, error) {
	return l.join(l.RunsDir, runID, "")
}

func (l Layout) MessagesLog(runID string) (string, error) {
	return l.runFile(runID, "messages.log")
}

func (l Layout) ErrorsLog(runID string) (string, error) {
	return l.runFile(runID, "errors.log")
}

func (l Layout) FailureReport(runID string) (string, error) {
	return l.runFile(runID, "failure-report.md")
}

func (l Layout) PausedStateFile(runID string) (string, error) {
	return l.runFile(runID, "paused-state.json")
}

func (l Layout) TaskFile(runID string) (string, error) {
	return l.runFile(runID, "task.json")
}

func (l Layout) ResultFile(runID string) (string, error) {
	return l.runFile(runID, "result.json")
}

func (l Layout) runFile(runID, name string) (string, error) {
	dir, err := l.RunDir(runID)
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, name), nil
}

func (l Layout) join(base, segment, suffix string) (string, error) {
	if err := SafeSegment(segment); err != nil {
		return "", err
	}
	abs := filepath.Clean(filepath.Join(base, segment+suffix))
	rel, err := filepath.Rel(filepath.Clean(base), abs)
	if err != nil {
		return "", fmt.Errorf("resolve relative path: %w", err)
	}
	if strings.HasPrefix(rel, "..") || rel == "." {
		return "", fmt.Errorf("%w: %q escapes %s", ErrUnsafePath, segment, base)
	}
	return abs, nil
}

// SafeSegment rejects identifiers that cannot be used verbatim as a single
// path component.
func SafeSegment(segment string) error {
	trimmed := strings.TrimSpace(segment)
	if trimmed == "" || trimmed != segment {
		return fmt.Errorf("%w: %q", ErrUnsafePath, segment)
	}
	if segment == "." || segment == ".." || strings.ContainsAny(segment, `/\`) || strings.ContainsRune(segment, 0) {
		return fmt.Errorf("%w: %q", ErrUnsafePath, segment)
	}
	return nil
}

// WriteFileAtomic writes data to a temp file next to path and renames it
// into place, so readers never observe a partially written file.
func WriteFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create parent directories: %w", err)
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer func() {
		_ = os.Remove(tmpName)
	}()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("rename into place: %w", err)
	}
	return nil
}

var appendMu sync.Mutex

// AppendLine appends one newline-terminated line, creating the file and its
// parent directories when absent.
func AppendLine(path string, line string) error {
	appendMu.Lock()
	defer appendMu.Unlock()

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create parent directories: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()
	if _, err := f.WriteString(strings.TrimRight(line, "\n") + "\n"); err != nil {
		return fmt.Errorf("append %s: %w", path, err)
	}
	return nil
}
