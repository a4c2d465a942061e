package task

import (
	"context"
)

// TaskType defines the type of cross-pod command
type TaskType string

const (
	TaskTypeHangup        TaskType = "hangup_call"    // End a call on whichever pod holds it
	TaskTypeTenantRefresh TaskType = "tenant_refresh" // Reload the tenant cache after a config change
)

// SessionTask represents a command published to every pod
type SessionTask struct {
	Type    TaskType `json:"type"`
	CallSID string   `json:"call_sid,omitempty"`
	Reason  string   `json:"reason,omitempty"`
	PodID   string   `json:"pod_id,omitempty"` // originating pod
}

// Bus defines the interface for the command bus
type Bus interface {
	Publish(ctx context.Context, task SessionTask) error
	Subscribe(ctx context.Context, handler func(SessionTask)) error
}
