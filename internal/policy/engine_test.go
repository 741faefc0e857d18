package policy

import (
	"context"
	"testing"

	"agent_fleet/internal/domain"
)

func TestCanMessage(t *testing.T) {
	e := New("manager")
	ctx := context.Background()
	cases := []struct {
		from, to string
		typ      domain.MessageType
		allowed  bool
	}{
		{"manager", "worker-1", domain.MessageTypeTaskAssign, true},
		{"worker-2", "worker-1", domain.MessageTypeTaskAssign, false},
		{"worker-1", "manager", domain.MessageTypeTaskComplete, true},
		{"worker-1", "worker-2", domain.MessageTypeTaskFailed, false},
		{"manager", "manager", domain.MessageTypeTaskComplete, false},
		{"operator", "manager", domain.MessageTypeStatusRequest, true},
		{"worker-1", "manager", domain.MessageTypeConflictEscalate, true},
		{"", "manager", domain.MessageTypeEscalate, false},
		{"manager", "reviewer", domain.MessageTypeReviewRequest, true},
		{"worker-1", "reviewer", domain.MessageTypeReviewRequest, false},
		{"reviewer", "manager", domain.MessageTypeReviewResponse, true},
		{"manager", "manager", domain.MessageTypeReviewResponse, false},
		{"reviewer", "worker-1", domain.MessageTypeReviewResponse, false},
	}
	for _, tc := range cases {
		ok, reason, err := e.CanMessage(ctx, tc.from, tc.to, tc.typ)
		if err != nil {
			t.Fatalf("CanMessage(%s, %s, %s): %v", tc.from, tc.to, tc.typ, err)
		}
		if ok != tc.allowed {
			t.Fatalf("CanMessage(%s, %s, %s) = %v (%s), want %v", tc.from, tc.to, tc.typ, ok, reason, tc.allowed)
		}
		if !ok && reason == "" {
			t.Fatalf("denial without reason for %s", tc.typ)
		}
	}

	if _, _, err := e.CanMessage(ctx, "a", "b", domain.MessageType("bogus")); err == nil {
		t.Fatalf("expected error for unknown type")
	}
}
