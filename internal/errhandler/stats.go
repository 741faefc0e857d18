package errhandler

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"agent_fleet/internal/domain"
)

var errorLine = regexp.MustCompile(`^\[([^\]]+)\] \[([A-Z_]+)\] \[(RECOVERABLE|FATAL)\] (.*)$`)

type LogEntry struct {
	At          time.Time            `json:"at"`
	Category    domain.ErrorCategory `json:"category"`
	Recoverable bool                 `json:"recoverable"`
	Message     string               `json:"message"`
}

type Statistics struct {
	RunID       string                       `json:"runId"`
	Total       int                          `json:"total"`
	Recoverable int                          `json:"recoverable"`
	Fatal       int                          `json:"fatal"`
	ByCategory  map[domain.ErrorCategory]int `json:"byCategory"`
	First       time.Time                    `json:"first,omitempty"`
	Last        time.Time                    `json:"last,omitempty"`
}

// ReadErrorLog parses a run's error log. Lines that do not match the log
// format are skipped. A run without a log has no entries.
func (h *Handler) ReadErrorLog(runID string) ([]LogEntry, error) {
	path, err := h.layout.ErrorsLog(runID)
	if err != nil {
		return nil, fmt.Errorf("error log path: %w", err)
	}
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("open error log: %w", err)
	}
	defer f.Close()

	var out []LogEntry
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		m := errorLine.FindStringSubmatch(scanner.Text())
		if m == nil {
			continue
		}
		at, err := time.Parse(timestampLayout, m[1])
		if err != nil {
			at, err = time.Parse(time.RFC3339Nano, m[1])
			if err != nil {
				continue
			}
		}
		category := domain.ErrorCategory(strings.ToLower(m[2]))
		if !category.Valid() {
			category = domain.ErrorCategoryUnknown
		}
		out = append(out, LogEntry{
			At:          at,
			Category:    category,
			Recoverable: m[3] == "RECOVERABLE",
			Message:     m[4],
		})
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan error log: %w", err)
	}
	return out, nil
}

func (h *Handler) GetErrorStatistics(runID string) (Statistics, error) {
	entries, err := h.ReadErrorLog(runID)
	if err != nil {
		return Statistics{}, err
	}
	stats := Statistics{RunID: runID, ByCategory: make(map[domain.ErrorCategory]int)}
	for _, e := range entries {
		stats.Total++
		stats.ByCategory[e.Category]++
		if e.Recoverable {
			stats.Recoverable++
		} else {
			stats.Fatal++
		}
		if stats.First.IsZero() || e.At.Before(stats.First) {
			stats.First = e.At
		}
		if e.At.After(stats.Last) {
			stats.Last = e.At
		}
	}
	return stats, nil
}
