// Package store persists per-topic state: the bound project, the resumable
// session, the last known context budget, the status and the approval mode.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/kandev/codexbridge/internal/agent/types"
)

var (
	// ErrTopicNotFound is returned by Get for a topic with no stored state.
	ErrTopicNotFound = errors.New("topic not found")
	// ErrInvalidSessionID is returned when a session id fails the plausibility check.
	ErrInvalidSessionID = errors.New("implausible session id")
	// ErrInvalidContextLeft is returned for a context budget outside [0, 100].
	ErrInvalidContextLeft = errors.New("context left must be between 0 and 100")
)

// Topic is the stored state of one topic.
type Topic struct {
	Key          types.TopicKey     `json:"topic"`
	ProjectDir   string             `json:"project_dir"`
	SessionID    string             `json:"session_id,omitempty"`
	ContextLeft  *int               `json:"context_left,omitempty"`
	Status       types.RunStatus    `json:"status"`
	ApprovalMode types.ApprovalMode `json:"approval_mode,omitempty"`
	UpdatedAt    time.Time          `json:"updated_at"`
}

// Repository is the state-store collaborator used by the bridge, the
// approval gate and the control API. Every setter creates the topic row when
// it does not exist yet.
type Repository interface {
	Get(ctx context.Context, key types.TopicKey) (*Topic, error)
	List(ctx context.Context) ([]*Topic, error)
	// BindProject sets the working directory. Moving a topic to another
	// directory forgets its session and context budget.
	BindProject(ctx context.Context, key types.TopicKey, dir string) error
	SetSessionID(ctx context.Context, key types.TopicKey, id string) error
	SetContextLeft(ctx context.Context, key types.TopicKey, pct int) error
	SetStatus(ctx context.Context, key types.TopicKey, status types.RunStatus) error
	SetApprovalMode(ctx context.Context, key types.TopicKey, mode types.ApprovalMode) error
	Close() error
}
