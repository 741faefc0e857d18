package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"path/filepath"
	"strings"

	"agent_fleet/internal/domain"
)

// CommandExecutor runs an external agent process per assignment. The
// assignment is written to the process's stdin as JSON; stdout is read back
// as a result object, or used verbatim as the summary when it is not JSON.
type CommandExecutor struct {
	Binary  string
	Args    []string
	Workdir string
}

type commandOutput struct {
	Summary     string   `json:"summary"`
	Artifacts   []string `json:"artifacts"`
	NeedsReview bool     `json:"needsReview"`
	GitBranch   string   `json:"gitBranch"`
}

func (c CommandExecutor) Execute(ctx context.Context, task domain.TaskAssignPayload) (domain.TaskResultPayload, error) {
	if strings.TrimSpace(c.Binary) == "" {
		return domain.TaskResultPayload{}, fmt.Errorf("agent command is not configured")
	}
	input, err := json.Marshal(task)
	if err != nil {
		return domain.TaskResultPayload{}, fmt.Errorf("encode assignment: %w", err)
	}

	cmd := exec.CommandContext(ctx, c.Binary, c.Args...)
	if c.Workdir != "" {
		cmd.Dir = c.Workdir
	}
	cmd.Stdin = bytes.NewReader(input)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return domain.TaskResultPayload{}, fmt.Errorf("agent command failed: %w; output: %s", err, trim(strings.TrimSpace(stderr.String()), 1000))
	}

	out, err := parseCommandOutput(stdout.Bytes())
	if err != nil {
		return domain.TaskResultPayload{}, fmt.Errorf("parse agent output: %w", err)
	}
	return domain.TaskResultPayload{
		RunID:       task.RunID,
		TicketID:    task.TicketID,
		WorkerID:    task.WorkerID,
		Summary:     out.Summary,
		Artifacts:   out.Artifacts,
		NeedsReview: out.NeedsReview,
		GitBranch:   out.GitBranch,
	}, nil
}

func parseCommandOutput(raw []byte) (commandOutput, error) {
	text := strings.TrimSpace(string(raw))
	text = strings.TrimPrefix(text, "```json")
	text = strings.TrimPrefix(text, "```")
	text = strings.TrimSuffix(text, "```")
	text = strings.TrimSpace(text)
	if text == "" {
		return commandOutput{}, fmt.Errorf("empty output")
	}
	if !strings.HasPrefix(text, "{") {
		return commandOutput{Summary: text}, nil
	}
	var out commandOutput
	if err := json.Unmarshal([]byte(text), &out); err != nil {
		return commandOutput{}, err
	}
	return out, nil
}

func validateRelativePath(p string) error {
	value := strings.ReplaceAll(strings.TrimSpace(p), "\\", "/")
	value = strings.TrimPrefix(value, "./")
	if value == "" {
		return fmt.Errorf("empty path")
	}
	if strings.HasPrefix(value, "/") {
		return fmt.Errorf("absolute path is not allowed")
	}
	clean := filepath.Clean(value)
	if clean == "." {
		return fmt.Errorf("path resolves to current directory")
	}
	if clean == ".." || strings.HasPrefix(clean, "../") {
		return fmt.Errorf("path escapes root")
	}
	return nil
}
