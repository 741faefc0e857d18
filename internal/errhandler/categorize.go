package errhandler

import (
	"context"
	"errors"
	"regexp"
	"strings"

	"agent_fleet/internal/domain"
)

// Error tags an error with a category so Categorize does not have to guess.
type Error struct {
	Category domain.ErrorCategory
	Err      error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return string(e.Category)
	}
	return e.Err.Error()
}

func (e *Error) Unwrap() error { return e.Err }

func Tag(category domain.ErrorCategory, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Category: category, Err: err}
}

// ValidationError marks input errors that must never be retried.
func ValidationError(err error) error {
	return Tag(domain.ErrorCategoryValidation, err)
}

type rule struct {
	category domain.ErrorCategory
	pattern  *regexp.Regexp
}

// Order matters: git and container wording is checked before connection
// wording so "docker network error" is a container problem.
var rules = []rule{
	{domain.ErrorCategoryGit, regexp.MustCompile(`\bgit\b|merge conflict|rebase|\bcheckout\b|\bcommit\b|\bpush\b.*rejected|non-fast-forward`)},
	{domain.ErrorCategoryContainer, regexp.MustCompile(`docker|podman|container|\bimage\b|sandbox`)},
	{domain.ErrorCategoryTimeout, regexp.MustCompile(`timeout|timed out|deadline exceeded|etimedout`)},
	{domain.ErrorCategoryAIConnection, regexp.MustCompile(`econnrefused|econnreset|connection|network|rate limit|\b429\b|\b503\b|\bapi\b|unavailable|overloaded`)},
	{domain.ErrorCategoryToolCall, regexp.MustCompile(`\btool\b|tool call|tool_call`)},
	{domain.ErrorCategoryValidation, regexp.MustCompile(`validation|invalid|required|must be|malformed`)},
}

// Categorize classifies an error. Tagged errors win; otherwise the message is
// matched against keyword rules.
func Categorize(err error) domain.ErrorCategory {
	if err == nil {
		return domain.ErrorCategoryUnknown
	}
	var tagged *Error
	if errors.As(err, &tagged) && tagged.Category.Valid() {
		return tagged.Category
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return domain.ErrorCategoryTimeout
	}
	msg := strings.ToLower(err.Error())
	for _, r := range rules {
		if r.pattern.MatchString(msg) {
			return r.category
		}
	}
	return domain.ErrorCategoryUnknown
}

// IsRecoverable reports whether a failure of this category is worth
// retrying. Validation errors are input errors and surface immediately.
func IsRecoverable(category domain.ErrorCategory) bool {
	return category != domain.ErrorCategoryValidation
}

// RecommendAction maps a failure to what the manager should do next.
// Category rules take precedence over the attempt count.
func RecommendAction(category domain.ErrorCategory, attempts int) domain.RecommendedAction {
	switch category {
	case domain.ErrorCategoryAIConnection, domain.ErrorCategoryTimeout:
		return domain.ActionReassign
	case domain.ErrorCategoryGit, domain.ErrorCategoryContainer:
		return domain.ActionManualReview
	case domain.ErrorCategoryValidation:
		return domain.ActionEscalate
	}
	if attempts >= 3 {
		return domain.ActionEscalate
	}
	return domain.ActionReassign
}

func logCode(category domain.ErrorCategory) string {
	return strings.ToUpper(string(category))
}
