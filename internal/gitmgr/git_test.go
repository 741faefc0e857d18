package gitmgr

import (
	"context"
	"errors"
	"io"
	"log"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"

	"agent_fleet/internal/domain"
	"agent_fleet/internal/errhandler"
)

type fakeRunner struct {
	outputs map[string]string
	errs    map[string]error
	calls   []string
}

func (f *fakeRunner) Run(_ context.Context, _ string, args ...string) (string, error) {
	key := strings.Join(args, " ")
	f.calls = append(f.calls, key)
	if err, ok := f.errs[key]; ok {
		return "", err
	}
	return f.outputs[key], nil
}

func newTestManager(t *testing.T, runner *fakeRunner) *Manager {
	t.Helper()
	if runner.outputs == nil {
		runner.outputs = map[string]string{}
	}
	return NewManager(t.TempDir(), runner, log.New(io.Discard, "", 0))
}

func TestResolveConflict(t *testing.T) {
	cases := map[string]struct {
		in       FileConflict
		strategy Strategy
		content  string
	}{
		"converged":    {FileConflict{Base: "a", Ours: "b", Theirs: "b"}, StrategyConverged, "b"},
		"theirs only":  {FileConflict{Base: "a", Ours: "a", Theirs: "c"}, StrategyTheirs, "c"},
		"ours only":    {FileConflict{Base: "a", Ours: "b", Theirs: "a"}, StrategyOurs, "b"},
		"both changed": {FileConflict{Base: "a", Ours: "b", Theirs: "c"}, StrategyManual, ""},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			got := ResolveConflict(tc.in)
			if got.Strategy != tc.strategy || got.Content != tc.content {
				t.Fatalf("got %+v", got)
			}
			if got.Resolved != (tc.strategy != StrategyManual) {
				t.Fatalf("unexpected resolved flag: %+v", got)
			}
		})
	}
}

func TestGetConflictsReadsStages(t *testing.T) {
	runner := &fakeRunner{outputs: map[string]string{
		"status --porcelain": "M  clean.go\nUU main.go\nUU \"dir/with space.go\"\n?? new.txt\n",
		"show :1:main.go":    "base\n",
		"show :2:main.go":    "ours\n",
		"show :3:main.go":    "theirs\n",
	}}
	m := newTestManager(t, runner)

	conflicts, err := m.GetConflicts(context.Background())
	if err != nil {
		t.Fatalf("get conflicts: %v", err)
	}
	if len(conflicts) != 2 {
		t.Fatalf("expected 2 conflicts, got %+v", conflicts)
	}
	want := FileConflict{Path: "main.go", Base: "base\n", Ours: "ours\n", Theirs: "theirs\n"}
	if conflicts[0] != want {
		t.Fatalf("unexpected conflict: %+v", conflicts[0])
	}
	if conflicts[1].Path != "dir/with space.go" {
		t.Fatalf("quoted path not unquoted: %q", conflicts[1].Path)
	}
}

func TestAttemptAutoResolve(t *testing.T) {
	runner := &fakeRunner{outputs: map[string]string{
		"status --porcelain": "UU same.txt\nUU mine.txt\nUU clash.txt\n",
		"show :1:same.txt":   "v1",
		"show :2:same.txt":   "v2",
		"show :3:same.txt":   "v2",
		"show :1:mine.txt":   "v1",
		"show :2:mine.txt":   "ours",
		"show :3:mine.txt":   "v1",
		"show :1:clash.txt":  "v1",
		"show :2:clash.txt":  "left",
		"show :3:clash.txt":  "right",
	}}
	m := newTestManager(t, runner)
	if err := os.WriteFile(filepath.Join(m.Dir(), "clash.txt"), []byte("<<<<<<< conflict"), 0o600); err != nil {
		t.Fatalf("seed clash: %v", err)
	}

	res, err := m.AttemptAutoResolve(context.Background())
	if err != nil {
		t.Fatalf("auto resolve: %v", err)
	}
	if !reflect.DeepEqual(res.ResolvedFiles, []string{"same.txt", "mine.txt"}) {
		t.Fatalf("unexpected resolved: %v", res.ResolvedFiles)
	}
	if !reflect.DeepEqual(res.UnresolvedFiles, []string{"clash.txt"}) || !res.NeedsEscalation {
		t.Fatalf("unexpected unresolved: %+v", res)
	}

	raw, err := os.ReadFile(filepath.Join(m.Dir(), "mine.txt"))
	if err != nil || string(raw) != "ours" {
		t.Fatalf("mine.txt = %q, %v", raw, err)
	}
	raw, err = os.ReadFile(filepath.Join(m.Dir(), "clash.txt"))
	if err != nil || string(raw) != "<<<<<<< conflict" {
		t.Fatalf("unresolved file was modified: %q, %v", raw, err)
	}

	staged := 0
	for _, c := range runner.calls {
		if strings.HasPrefix(c, "add -- ") {
			staged++
		}
		if c == "add -- clash.txt" {
			t.Fatalf("unresolved file was staged")
		}
	}
	if staged != 2 {
		t.Fatalf("expected 2 staged files, calls=%v", runner.calls)
	}
}

func TestAttemptAutoResolveNoConflicts(t *testing.T) {
	m := newTestManager(t, &fakeRunner{})
	res, err := m.AttemptAutoResolve(context.Background())
	if err != nil {
		t.Fatalf("auto resolve: %v", err)
	}
	if res.NeedsEscalation || len(res.ResolvedFiles) != 0 || len(res.UnresolvedFiles) != 0 {
		t.Fatalf("unexpected result: %+v", res)
	}
}

func TestGenerateConflictReport(t *testing.T) {
	runner := &fakeRunner{outputs: map[string]string{
		"status --porcelain": "UU a.go\nUU b.go\n",
		"show :1:a.go":       "x",
		"show :2:a.go":       "y",
		"show :3:a.go":       "y",
		"show :1:b.go":       "x",
		"show :2:b.go":       "y",
		"show :3:b.go":       "z",
	}}
	m := newTestManager(t, runner)
	report, err := m.GenerateConflictReport(context.Background())
	if err != nil {
		t.Fatalf("report: %v", err)
	}
	for _, want := range []string{"2 conflicted file(s): 1 auto-resolvable, 1 need manual review", "## Auto-resolvable", "`a.go`", "## Manual review required", "`b.go`"} {
		if !strings.Contains(report, want) {
			t.Fatalf("report missing %q:\n%s", want, report)
		}
	}
	for _, c := range runner.calls {
		if strings.HasPrefix(c, "add") {
			t.Fatalf("report must not stage files: %v", runner.calls)
		}
	}
	if got := FormatConflictReport(nil); !strings.Contains(got, "No conflicts.") {
		t.Fatalf("unexpected empty report: %q", got)
	}
}

func TestMergeReportsConflicts(t *testing.T) {
	runner := &fakeRunner{
		outputs: map[string]string{"status --porcelain": "UU main.go\n"},
		errs:    map[string]error{"merge --no-ff --no-edit feature/x": errors.New("exit status 1")},
	}
	m := newTestManager(t, runner)
	res, err := m.Merge(context.Background(), "feature/x")
	if err != nil {
		t.Fatalf("merge: %v", err)
	}
	if !res.Conflicted || !reflect.DeepEqual(res.Conflicts, []string{"main.go"}) {
		t.Fatalf("unexpected merge result: %+v", res)
	}

	runner.outputs["status --porcelain"] = ""
	if _, err := m.Merge(context.Background(), "feature/x"); err == nil {
		t.Fatalf("merge failure without conflicts should be an error")
	}
}

func TestWrappersValidateRefs(t *testing.T) {
	runner := &fakeRunner{outputs: map[string]string{"rev-parse HEAD": "abc123\n", "rev-parse --abbrev-ref HEAD": "main\n"}}
	m := newTestManager(t, runner)
	ctx := context.Background()

	if err := m.CreateBranch(ctx, "--force", ""); !errors.Is(err, ErrInvalidRef) {
		t.Fatalf("expected invalid ref, got %v", err)
	}
	if err := m.Checkout(ctx, "a..b"); !errors.Is(err, ErrInvalidRef) {
		t.Fatalf("expected invalid ref, got %v", err)
	}
	if _, err := m.Commit(ctx, "  "); !errors.Is(err, ErrEmptyCommit) {
		t.Fatalf("expected empty commit error, got %v", err)
	}
	if err := m.CreateBranch(ctx, "agent/worker-1", "main"); err != nil {
		t.Fatalf("create branch: %v", err)
	}
	hash, err := m.Commit(ctx, "work")
	if err != nil || hash != "abc123" {
		t.Fatalf("commit = %q, %v", hash, err)
	}
	branch, err := m.CurrentBranch(ctx)
	if err != nil || branch != "main" {
		t.Fatalf("current branch = %q, %v", branch, err)
	}
	if err := m.Stage(ctx); err != nil {
		t.Fatalf("stage: %v", err)
	}
	if err := m.Push(ctx, "", "agent/worker-1"); err != nil {
		t.Fatalf("push: %v", err)
	}
	want := []string{
		"checkout -b agent/worker-1 main",
		"commit -m work",
		"rev-parse HEAD",
		"rev-parse --abbrev-ref HEAD",
		"add -A",
		"push -u origin agent/worker-1",
	}
	if !reflect.DeepEqual(runner.calls, want) {
		t.Fatalf("unexpected calls: %v", runner.calls)
	}
}

func TestExecRunnerTagsGitErrors(t *testing.T) {
	r := ExecRunner{Binary: filepath.Join(t.TempDir(), "missing-git")}
	_, err := r.Run(context.Background(), "", "status")
	if err == nil {
		t.Fatalf("expected error")
	}
	if errhandler.Categorize(err) != domain.ErrorCategoryGit {
		t.Fatalf("expected git category, got %s", errhandler.Categorize(err))
	}
}
