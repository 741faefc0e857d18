package errhandler

import (
	"fmt"

	"agent_fleet/internal/domain"
)

// HandleToolCallError turns a failed tool invocation into a message the agent
// sees in its conversation, so the task continues instead of aborting.
func (h *Handler) HandleToolCallError(runID string, history *domain.ConversationHistory, toolName string, err error) string {
	if err == nil {
		return ""
	}
	msg := fmt.Sprintf("Tool %q failed: %v. Check the arguments and try again, or continue without this tool.", toolName, err)
	h.LogError(runID, domain.ErrorCategoryToolCall, true, fmt.Sprintf("tool %s agent=%s: %v", toolName, agentOf(history), err))
	if history != nil {
		history.Messages = append(history.Messages, domain.ConversationMessage{
			Role:      "tool",
			Content:   msg,
			ToolName:  toolName,
			Timestamp: h.now(),
		})
	}
	return msg
}

func agentOf(history *domain.ConversationHistory) string {
	if history == nil {
		return ""
	}
	return history.AgentID
}
