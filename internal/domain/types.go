package domain

import (
	"encoding/json"
	"fmt"
	"time"
)

type TicketStatus string

const (
	TicketStatusPending          TicketStatus = "pending"
	TicketStatusDecomposing      TicketStatus = "decomposing"
	TicketStatusInProgress       TicketStatus = "in_progress"
	TicketStatusReviewRequested  TicketStatus = "review_requested"
	TicketStatusRevisionRequired TicketStatus = "revision_required"
	TicketStatusCompleted        TicketStatus = "completed"
	TicketStatusFailed           TicketStatus = "failed"
	TicketStatusPRCreated        TicketStatus = "pr_created"
)

func (s TicketStatus) Valid() bool {
	switch s {
	case TicketStatusPending, TicketStatusDecomposing, TicketStatusInProgress,
		TicketStatusReviewRequested, TicketStatusRevisionRequired,
		TicketStatusCompleted, TicketStatusFailed, TicketStatusPRCreated:
		return true
	}
	return false
}

// IsTerminal reports whether no further work is expected on a ticket.
func (s TicketStatus) IsTerminal() bool {
	switch s {
	case TicketStatusCompleted, TicketStatusFailed, TicketStatusPRCreated:
		return true
	}
	return false
}

func ParseTicketStatus(raw string) (TicketStatus, error) {
	s := TicketStatus(raw)
	if !s.Valid() {
		return "", fmt.Errorf("unknown ticket status %q", raw)
	}
	return s, nil
}

type WorkerType string

const (
	WorkerTypeResearch  WorkerType = "research"
	WorkerTypeDesign    WorkerType = "design"
	WorkerTypeDesigner  WorkerType = "designer"
	WorkerTypeDeveloper WorkerType = "developer"
	WorkerTypeTest      WorkerType = "test"
	WorkerTypeReviewer  WorkerType = "reviewer"
)

func (w WorkerType) Valid() bool {
	switch w {
	case WorkerTypeResearch, WorkerTypeDesign, WorkerTypeDesigner,
		WorkerTypeDeveloper, WorkerTypeTest, WorkerTypeReviewer:
		return true
	}
	return false
}

func ParseWorkerType(raw string) (WorkerType, error) {
	w := WorkerType(raw)
	if !w.Valid() {
		return "", fmt.Errorf("unknown worker type %q", raw)
	}
	return w, nil
}

type WorkerStatus string

const (
	WorkerStatusIdle       WorkerStatus = "idle"
	WorkerStatusWorking    WorkerStatus = "working"
	WorkerStatusError      WorkerStatus = "error"
	WorkerStatusTerminated WorkerStatus = "terminated"
)

func (s WorkerStatus) Valid() bool {
	switch s {
	case WorkerStatusIdle, WorkerStatusWorking, WorkerStatusError, WorkerStatusTerminated:
		return true
	}
	return false
}

type ExecutionStatus string

const (
	ExecutionStatusRunning   ExecutionStatus = "running"
	ExecutionStatusPaused    ExecutionStatus = "paused"
	ExecutionStatusCompleted ExecutionStatus = "completed"
	ExecutionStatusFailed    ExecutionStatus = "failed"
)

func (s ExecutionStatus) Valid() bool {
	switch s {
	case ExecutionStatusRunning, ExecutionStatusPaused, ExecutionStatusCompleted, ExecutionStatusFailed:
		return true
	}
	return false
}

func (s ExecutionStatus) IsFinal() bool {
	return s == ExecutionStatusCompleted || s == ExecutionStatusFailed
}

type MessageType string

const (
	MessageTypeTaskAssign       MessageType = "task_assign"
	MessageTypeTaskComplete     MessageType = "task_complete"
	MessageTypeTaskFailed       MessageType = "task_failed"
	MessageTypeEscalate         MessageType = "escalate"
	MessageTypeStatusRequest    MessageType = "status_request"
	MessageTypeStatusResponse   MessageType = "status_response"
	MessageTypeReviewRequest    MessageType = "review_request"
	MessageTypeReviewResponse   MessageType = "review_response"
	MessageTypeConflictEscalate MessageType = "conflict_escalate"
)

func (t MessageType) Valid() bool {
	switch t {
	case MessageTypeTaskAssign, MessageTypeTaskComplete, MessageTypeTaskFailed,
		MessageTypeEscalate, MessageTypeStatusRequest, MessageTypeStatusResponse,
		MessageTypeReviewRequest, MessageTypeReviewResponse, MessageTypeConflictEscalate:
		return true
	}
	return false
}

func ParseMessageType(raw string) (MessageType, error) {
	t := MessageType(raw)
	if !t.Valid() {
		return "", fmt.Errorf("unknown message type %q", raw)
	}
	return t, nil
}

type ErrorCategory string

const (
	ErrorCategoryAIConnection ErrorCategory = "ai_connection"
	ErrorCategoryTimeout      ErrorCategory = "timeout"
	ErrorCategoryToolCall     ErrorCategory = "tool_call"
	ErrorCategoryGit          ErrorCategory = "git"
	ErrorCategoryContainer    ErrorCategory = "container"
	ErrorCategoryValidation   ErrorCategory = "validation"
	ErrorCategoryUnknown      ErrorCategory = "unknown"
)

func (c ErrorCategory) Valid() bool {
	switch c {
	case ErrorCategoryAIConnection, ErrorCategoryTimeout, ErrorCategoryToolCall,
		ErrorCategoryGit, ErrorCategoryContainer, ErrorCategoryValidation, ErrorCategoryUnknown:
		return true
	}
	return false
}

type RecommendedAction string

const (
	ActionReassign     RecommendedAction = "reassign"
	ActionManualReview RecommendedAction = "manual_review"
	ActionEscalate     RecommendedAction = "escalate"
)

type TicketMetadata struct {
	Priority int        `json:"priority"`
	Tags     []string   `json:"tags,omitempty"`
	Deadline *time.Time `json:"deadline,omitempty"`
}

type ReviewResult struct {
	Approved   bool      `json:"approved"`
	Reviewer   string    `json:"reviewer"`
	Comments   []string  `json:"comments,omitempty"`
	ReviewedAt time.Time `json:"reviewedAt"`
}

type ParentTicket struct {
	ID           string         `json:"id"`
	ProjectID    string         `json:"projectId"`
	Instruction  string         `json:"instruction"`
	Status       TicketStatus   `json:"status"`
	ChildTickets []ChildTicket  `json:"childTickets"`
	Metadata     TicketMetadata `json:"metadata"`
	CreatedAt    time.Time      `json:"createdAt"`
	UpdatedAt    time.Time      `json:"updatedAt"`
}

type ChildTicket struct {
	ID                string             `json:"id"`
	ParentID          string             `json:"parentId"`
	Title             string             `json:"title"`
	Description       string             `json:"description"`
	Status            TicketStatus       `json:"status"`
	WorkerType        WorkerType         `json:"workerType"`
	GrandchildTickets []GrandchildTicket `json:"grandchildTickets"`
	CreatedAt         time.Time          `json:"createdAt"`
	UpdatedAt         time.Time          `json:"updatedAt"`
}

type GrandchildTicket struct {
	ID                 string        `json:"id"`
	ParentID           string        `json:"parentId"`
	Title              string        `json:"title"`
	Description        string        `json:"description"`
	AcceptanceCriteria []string      `json:"acceptanceCriteria"`
	Status             TicketStatus  `json:"status"`
	Assignee           string        `json:"assignee,omitempty"`
	GitBranch          string        `json:"gitBranch,omitempty"`
	Artifacts          []string      `json:"artifacts"`
	ReviewResult       *ReviewResult `json:"reviewResult,omitempty"`
	CreatedAt          time.Time     `json:"createdAt"`
	UpdatedAt          time.Time     `json:"updatedAt"`
}

type WorkerState struct {
	WorkerID         string       `json:"workerId"`
	WorkerType       WorkerType   `json:"workerType"`
	Status           WorkerStatus `json:"status"`
	AssignedTicketID string       `json:"assignedTicketId,omitempty"`
	RunID            string       `json:"runId,omitempty"`
	LastError        string       `json:"lastError,omitempty"`
	LastActivity     time.Time    `json:"lastActivity"`
}

type ConversationMessage struct {
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	ToolName  string    `json:"toolName,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

type ConversationHistory struct {
	AgentID  string                `json:"agentId"`
	Messages []ConversationMessage `json:"messages"`
}

func (h *ConversationHistory) Append(role, content string, at time.Time) {
	h.Messages = append(h.Messages, ConversationMessage{Role: role, Content: content, Timestamp: at})
}

type ExecutionPersistenceData struct {
	RunID                 string                         `json:"runId"`
	TicketID              string                         `json:"ticketId"`
	Status                ExecutionStatus                `json:"status"`
	WorkerStates          map[string]WorkerState         `json:"workerStates"`
	ConversationHistories map[string]ConversationHistory `json:"conversationHistories"`
	GitBranches           map[string]string              `json:"gitBranches"`
	LastUpdated           time.Time                      `json:"lastUpdated"`
}

type PoolStatus struct {
	TotalWorkers     int    `json:"totalWorkers"`
	ActiveWorkers    int    `json:"activeWorkers"`
	IdleWorkers      int    `json:"idleWorkers"`
	PendingTasks     int    `json:"pendingTasks"`
	ContainerRuntime string `json:"containerRuntime"`
}

// Task is the unit the worker pool schedules: one grandchild ticket within a run.
type Task struct {
	TicketID   string     `json:"ticketId"`
	RunID      string     `json:"runId"`
	WorkerType WorkerType `json:"workerType"`
	EnqueuedAt time.Time  `json:"enqueuedAt"`
}

type AgentMessage struct {
	ID        string          `json:"id"`
	Type      MessageType     `json:"type"`
	From      string          `json:"from"`
	To        string          `json:"to"`
	Payload   json.RawMessage `json:"payload"`
	Timestamp time.Time       `json:"timestamp"`
}

// RunID extracts the run identifier carried in the payload, if any.
func (m AgentMessage) RunID() string {
	if len(m.Payload) == 0 {
		return ""
	}
	var envelope struct {
		RunID string `json:"runId"`
	}
	if err := json.Unmarshal(m.Payload, &envelope); err != nil {
		return ""
	}
	return envelope.RunID
}

type TaskAssignPayload struct {
	RunID              string     `json:"runId"`
	TicketID           string     `json:"ticketId"`
	WorkerID           string     `json:"workerId"`
	WorkerType         WorkerType `json:"workerType"`
	Title              string     `json:"title"`
	Description        string     `json:"description"`
	AcceptanceCriteria []string   `json:"acceptanceCriteria,omitempty"`
	GitBranch          string     `json:"gitBranch,omitempty"`
}

type TaskResultPayload struct {
	RunID         string        `json:"runId"`
	TicketID      string        `json:"ticketId"`
	WorkerID      string        `json:"workerId"`
	Summary       string        `json:"summary,omitempty"`
	Artifacts     []string      `json:"artifacts,omitempty"`
	GitBranch     string        `json:"gitBranch,omitempty"`
	CommitHash    string        `json:"commitHash,omitempty"`
	NeedsReview   bool          `json:"needsReview,omitempty"`
	Error         string        `json:"error,omitempty"`
	ErrorCategory ErrorCategory `json:"errorCategory,omitempty"`
	Attempts      int           `json:"attempts,omitempty"`
	FailureAction string        `json:"failureAction,omitempty"`
}

// ArtifactInfo is one file a leaf ticket produced.
type ArtifactInfo struct {
	Path      string `json:"path"`
	TicketID  string `json:"ticketId"`
	GitBranch string `json:"gitBranch,omitempty"`
}

// ExecutionResult is written to runs/<runId>/result.json when a run ends.
type ExecutionResult struct {
	RunID       string          `json:"runId"`
	TicketID    string          `json:"ticketId"`
	Status      ExecutionStatus `json:"status"`
	StartedAt   time.Time       `json:"startedAt"`
	CompletedAt *time.Time      `json:"completedAt,omitempty"`
	Artifacts   []ArtifactInfo  `json:"artifacts,omitempty"`
	Errors      []string        `json:"errors,omitempty"`
}
