// Package events names the events the bridge publishes and builds the event
// bus selected by configuration.
package events

import (
	"github.com/kandev/codexbridge/internal/agent/types"
)

// Event types
const (
	RunUpdate         = "run.update"
	RunStatus         = "run.status"
	ApprovalRequested = "approval.requested"
	ApprovalResolved  = "approval.resolved"
)

// SubjectPrefix is the root of every subject the bridge publishes on.
const SubjectPrefix = "codexbridge.topic"

// TopicSubject returns the subject for one event type in one topic, e.g.
// codexbridge.topic.n100123.7.run.update.
func TopicSubject(topic types.TopicKey, eventType string) string {
	return SubjectPrefix + "." + topic.Subject() + "." + eventType
}

// TopicWildcard matches every event of one topic.
func TopicWildcard(topic types.TopicKey) string {
	return SubjectPrefix + "." + topic.Subject() + ".>"
}

// AllTopics matches every event the bridge publishes.
const AllTopics = SubjectPrefix + ".>"

// UpdatePayload is the data of a run.update event.
type UpdatePayload struct {
	Topic       string `json:"topic"`
	RunID       string `json:"run_id"`
	Kind        string `json:"kind"`
	Text        string `json:"text"`
	IsFinal     bool   `json:"is_final,omitempty"`
	SessionID   string `json:"session_id,omitempty"`
	ContextLeft *int   `json:"context_left,omitempty"`
}

// StatusPayload is the data of a run.status event.
type StatusPayload struct {
	Topic    string `json:"topic"`
	RunID    string `json:"run_id,omitempty"`
	Status   string `json:"status"`
	ExitCode int    `json:"exit_code,omitempty"`
	Error    string `json:"error,omitempty"`
}

// ApprovalPayload is the data of approval.requested and approval.resolved.
type ApprovalPayload struct {
	Topic    string `json:"topic"`
	Command  string `json:"command"`
	Mode     string `json:"mode"`
	Decision string `json:"decision,omitempty"`
}

// NewUpdatePayload converts a run update for publishing.
func NewUpdatePayload(topic types.TopicKey, runID string, upd types.RunUpdate) UpdatePayload {
	return UpdatePayload{
		Topic:       topic.String(),
		RunID:       runID,
		Kind:        string(upd.Kind),
		Text:        upd.Text,
		IsFinal:     upd.IsFinal,
		SessionID:   upd.SessionID,
		ContextLeft: upd.ContextLeft,
	}
}
