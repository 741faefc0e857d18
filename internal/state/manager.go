package state

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/BurntSushi/toml"

	"agent_fleet/internal/domain"
	"agent_fleet/internal/fs"
)

var (
	ErrRunNotFound       = errors.New("execution run not found")
	ErrInvalidTransition = errors.New("invalid execution status transition")
)

// Manager is the only writer of run snapshots and of the persisted runtime
// settings.
type Manager struct {
	layout fs.Layout
	logger *log.Logger
	now    func() time.Time

	mu sync.Mutex
}

func NewManager(layout fs.Layout, logger *log.Logger) *Manager {
	if logger == nil {
		logger = log.Default()
	}
	return &Manager{
		layout: layout,
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// SaveExecutionData writes the whole snapshot. LastUpdated is stamped only
// when the caller left it zero, so a saved snapshot loads back unchanged.
func (m *Manager) SaveExecutionData(data domain.ExecutionPersistenceData) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.saveLocked(data)
}

func (m *Manager) saveLocked(data domain.ExecutionPersistenceData) error {
	if !data.Status.Valid() {
		return fmt.Errorf("save execution %s: %w: status %q", data.RunID, ErrInvalidTransition, data.Status)
	}
	path, err := m.layout.RunStateFile(data.RunID)
	if err != nil {
		return fmt.Errorf("save execution: %w", err)
	}
	if data.LastUpdated.IsZero() {
		data.LastUpdated = m.now()
	}
	raw, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal execution %s: %w", data.RunID, err)
	}
	if err := fs.WriteFileAtomic(path, raw); err != nil {
		return fmt.Errorf("save execution %s: %w", data.RunID, err)
	}
	return nil
}

func (m *Manager) LoadExecutionData(runID string) (*domain.ExecutionPersistenceData, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.loadLocked(runID)
}

func (m *Manager) loadLocked(runID string) (*domain.ExecutionPersistenceData, error) {
	path, err := m.layout.RunStateFile(runID)
	if err != nil {
		return nil, fmt.Errorf("load execution: %w", err)
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrRunNotFound, runID)
		}
		return nil, fmt.Errorf("read execution %s: %w", runID, err)
	}
	var data domain.ExecutionPersistenceData
	if err := json.Unmarshal(raw, &data); err != nil {
		return nil, fmt.Errorf("decode execution %s: %w", runID, err)
	}
	return &data, nil
}

// UpdateExecution applies fn to the stored snapshot and writes it back with a
// fresh LastUpdated. fn's error aborts the write.
func (m *Manager) UpdateExecution(runID string, fn func(*domain.ExecutionPersistenceData) error) (*domain.ExecutionPersistenceData, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	data, err := m.loadLocked(runID)
	if err != nil {
		return nil, err
	}
	if err := fn(data); err != nil {
		return nil, err
	}
	data.LastUpdated = m.now()
	if err := m.saveLocked(*data); err != nil {
		return nil, err
	}
	return data, nil
}

// PauseExecution keeps every worker and conversation entry as is and flips
// the status to paused. Completed and failed runs cannot be paused.
func (m *Manager) PauseExecution(runID string) (*domain.ExecutionPersistenceData, error) {
	return m.UpdateExecution(runID, func(d *domain.ExecutionPersistenceData) error {
		if d.Status.IsFinal() {
			return fmt.Errorf("%w: cannot pause %s run %s", ErrInvalidTransition, d.Status, runID)
		}
		d.Status = domain.ExecutionStatusPaused
		return nil
	})
}

func (m *Manager) ResumeExecution(runID string) (*domain.ExecutionPersistenceData, error) {
	return m.UpdateExecution(runID, func(d *domain.ExecutionPersistenceData) error {
		if d.Status != domain.ExecutionStatusPaused {
			return fmt.Errorf("%w: cannot resume %s run %s", ErrInvalidTransition, d.Status, runID)
		}
		d.Status = domain.ExecutionStatusRunning
		return nil
	})
}

// MarkExecution moves a run to a final status.
func (m *Manager) MarkExecution(runID string, status domain.ExecutionStatus) (*domain.ExecutionPersistenceData, error) {
	if !status.IsFinal() {
		return nil, fmt.Errorf("%w: %q is not a final status", ErrInvalidTransition, status)
	}
	return m.UpdateExecution(runID, func(d *domain.ExecutionPersistenceData) error {
		d.Status = status
		return nil
	})
}

func (m *Manager) UpdateWorkerState(runID string, ws domain.WorkerState) error {
	_, err := m.UpdateExecution(runID, func(d *domain.ExecutionPersistenceData) error {
		if d.WorkerStates == nil {
			d.WorkerStates = make(map[string]domain.WorkerState)
		}
		d.WorkerStates[ws.WorkerID] = ws
		return nil
	})
	return err
}

// ListExecutions returns every stored snapshot ordered by run id. Unreadable
// snapshots are logged and skipped.
func (m *Manager) ListExecutions() ([]domain.ExecutionPersistenceData, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	entries, err := os.ReadDir(m.layout.RunStatesDir())
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("list executions: %w", err)
	}
	var out []domain.ExecutionPersistenceData
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		data, err := m.loadLocked(entry.Name())
		if err != nil {
			if !errors.Is(err, ErrRunNotFound) {
				m.logger.Printf("skip execution snapshot run=%s: %v", entry.Name(), err)
			}
			continue
		}
		out = append(out, *data)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RunID < out[j].RunID })
	return out, nil
}

// FindInProgressExecutions returns running and paused runs only.
func (m *Manager) FindInProgressExecutions() ([]domain.ExecutionPersistenceData, error) {
	all, err := m.ListExecutions()
	if err != nil {
		return nil, err
	}
	out := make([]domain.ExecutionPersistenceData, 0, len(all))
	for _, d := range all {
		if d.Status == domain.ExecutionStatusRunning || d.Status == domain.ExecutionStatusPaused {
			out = append(out, d)
		}
	}
	return out, nil
}

// RestoreExecution returns the snapshot needed to rehydrate a run's workers.
func (m *Manager) RestoreExecution(runID string) (*domain.ExecutionPersistenceData, error) {
	data, err := m.LoadExecutionData(runID)
	if err != nil {
		return nil, err
	}
	if data.Status.IsFinal() {
		return nil, fmt.Errorf("%w: run %s is %s", ErrInvalidTransition, runID, data.Status)
	}
	return data, nil
}

// Settings are the runtime knobs persisted in state/config.toml.
type Settings struct {
	MaxWorkers       int           `toml:"max_workers"`
	ContainerRuntime string        `toml:"container_runtime"`
	PollIntervalMS   int           `toml:"poll_interval_ms"`
	Retry            RetrySettings `toml:"retry"`
}

type RetrySettings struct {
	MaxAttempts    int     `toml:"max_attempts"`
	InitialDelayMS int     `toml:"initial_delay_ms"`
	Multiplier     float64 `toml:"multiplier"`
	MaxDelayMS     int     `toml:"max_delay_ms"`
}

func DefaultSettings() Settings {
	return Settings{
		MaxWorkers:       3,
		ContainerRuntime: "docker",
		PollIntervalMS:   100,
		Retry: RetrySettings{
			MaxAttempts:    3,
			InitialDelayMS: 1000,
			Multiplier:     2,
			MaxDelayMS:     30000,
		},
	}
}

func (s Settings) withDefaults() Settings {
	d := DefaultSettings()
	if s.MaxWorkers <= 0 {
		s.MaxWorkers = d.MaxWorkers
	}
	if s.ContainerRuntime == "" {
		s.ContainerRuntime = d.ContainerRuntime
	}
	if s.PollIntervalMS <= 0 {
		s.PollIntervalMS = d.PollIntervalMS
	}
	if s.Retry.MaxAttempts <= 0 {
		s.Retry.MaxAttempts = d.Retry.MaxAttempts
	}
	if s.Retry.InitialDelayMS <= 0 {
		s.Retry.InitialDelayMS = d.Retry.InitialDelayMS
	}
	if s.Retry.Multiplier < 1 {
		s.Retry.Multiplier = d.Retry.Multiplier
	}
	if s.Retry.MaxDelayMS <= 0 {
		s.Retry.MaxDelayMS = d.Retry.MaxDelayMS
	}
	return s
}

func (m *Manager) SaveConfig(s Settings) error {
	var buf bytes.Buffer
	if err := toml.NewEncoder(&buf).Encode(s.withDefaults()); err != nil {
		return fmt.Errorf("encode settings: %w", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := fs.WriteFileAtomic(m.layout.ConfigFile(), buf.Bytes()); err != nil {
		return fmt.Errorf("save settings: %w", err)
	}
	return nil
}

// LoadConfig returns DefaultSettings when no settings were saved yet; fields
// missing from the file fall back to their defaults.
func (m *Manager) LoadConfig() (Settings, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	raw, err := os.ReadFile(m.layout.ConfigFile())
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return DefaultSettings(), nil
		}
		return Settings{}, fmt.Errorf("read settings: %w", err)
	}
	var s Settings
	if _, err := toml.Decode(string(raw), &s); err != nil {
		return Settings{}, fmt.Errorf("decode settings: %w", err)
	}
	return s.withDefaults(), nil
}
