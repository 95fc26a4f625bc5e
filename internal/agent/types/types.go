// Package types holds the value types shared by the supervisor, the approval
// gate, the topic store and the control API.
package types

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// TopicKey identifies a conversation thread. At most one run may be active per key.
type TopicKey struct {
	ChatID   int64 `json:"chat_id" db:"chat_id"`
	ThreadID int64 `json:"thread_id" db:"thread_id"`
}

// String renders the key as "<chat>:<thread>".
func (k TopicKey) String() string {
	return strconv.FormatInt(k.ChatID, 10) + ":" + strconv.FormatInt(k.ThreadID, 10)
}

// Subject renders the key as a dot-free event bus token.
func (k TopicKey) Subject() string {
	return strings.ReplaceAll(strconv.FormatInt(k.ChatID, 10), "-", "n") + "." +
		strings.ReplaceAll(strconv.FormatInt(k.ThreadID, 10), "-", "n")
}

// ParseTopicKey parses the two path segments of a topic key.
func ParseTopicKey(chat, thread string) (TopicKey, error) {
	chatID, err := strconv.ParseInt(chat, 10, 64)
	if err != nil {
		return TopicKey{}, fmt.Errorf("invalid chat id %q: %w", chat, err)
	}
	threadID, err := strconv.ParseInt(thread, 10, 64)
	if err != nil {
		return TopicKey{}, fmt.Errorf("invalid thread id %q: %w", thread, err)
	}
	return TopicKey{ChatID: chatID, ThreadID: threadID}, nil
}

// Backend selects the execution environment the agent binary is launched in.
type Backend string

const (
	BackendLocal  Backend = "local"
	BackendDocker Backend = "docker"
	BackendWSL    Backend = "wsl"
)

// ParseBackend maps a configured value to a Backend. Unknown values fall back to local.
func ParseBackend(s string) Backend {
	switch Backend(strings.ToLower(strings.TrimSpace(s))) {
	case BackendDocker:
		return BackendDocker
	case BackendWSL:
		return BackendWSL
	default:
		return BackendLocal
	}
}

// SandboxMode is passed to the agent as --sandbox.
type SandboxMode string

const (
	SandboxReadOnly         SandboxMode = "read-only"
	SandboxWorkspaceWrite   SandboxMode = "workspace-write"
	SandboxDangerFullAccess SandboxMode = "danger-full-access"
)

// Valid reports whether the mode is one the agent understands.
func (m SandboxMode) Valid() bool {
	switch m {
	case SandboxReadOnly, SandboxWorkspaceWrite, SandboxDangerFullAccess:
		return true
	}
	return false
}

// ApprovalMode is passed to the agent as its approval policy.
type ApprovalMode string

const (
	ApprovalUntrusted ApprovalMode = "untrusted"
	ApprovalOnFailure ApprovalMode = "on-failure"
	ApprovalOnRequest ApprovalMode = "on-request"
	ApprovalNever     ApprovalMode = "never"
)

// Valid reports whether the mode is one the agent understands.
func (m ApprovalMode) Valid() bool {
	switch m {
	case ApprovalUntrusted, ApprovalOnFailure, ApprovalOnRequest, ApprovalNever:
		return true
	}
	return false
}

// UpdateKind tags a RunUpdate.
type UpdateKind string

const (
	KindAnswer       UpdateKind = "answer"
	KindReasoning    UpdateKind = "reasoning"
	KindCommandStart UpdateKind = "command_start"
	KindCommand      UpdateKind = "command"
	KindStatus       UpdateKind = "status"
	KindMeta         UpdateKind = "meta"
)

// RunUpdate is one decoded piece of agent output.
type RunUpdate struct {
	Kind        UpdateKind `json:"kind"`
	Text        string     `json:"text"`
	IsFinal     bool       `json:"is_final,omitempty"`
	SessionID   string     `json:"session_id,omitempty"`
	ContextLeft *int       `json:"context_left,omitempty"`
}

// RunRequest describes a single agent run. Built once and never mutated.
type RunRequest struct {
	Topic        TopicKey
	ProjectDir   string
	Prompt       string
	SessionID    string // resume this session when set
	Backend      Backend
	SandboxMode  SandboxMode  // empty uses the configured default
	ApprovalMode ApprovalMode // empty uses the configured default

	// StopOnCommandStart ends the run with ApprovalRequired at the first command execution.
	StopOnCommandStart bool
}

// RunStatus is the topic status reported to the state store.
type RunStatus string

const (
	StatusWorking         RunStatus = "working"
	StatusIdle            RunStatus = "idle"
	StatusError           RunStatus = "error"
	StatusCancelled       RunStatus = "cancelled"
	StatusWaitingApproval RunStatus = "waiting_approval"
)

// RunInfo is the listing view of an active run.
type RunInfo struct {
	RunID      string    `json:"run_id"`
	Topic      TopicKey  `json:"topic"`
	ProjectDir string    `json:"project_dir"`
	Prompt     string    `json:"prompt"`
	Backend    Backend   `json:"backend"`
	StartedAt  time.Time `json:"started_at"`
	PID        int       `json:"pid,omitempty"`
}

// minSessionIDLength is the shortest token accepted as a session id.
const minSessionIDLength = 12

// sessionIDSeparators are the characters a session id must contain.
const sessionIDSeparators = "-_:."

// IsPlausibleSessionID guards against numbers and short strings picked up from
// loosely typed JSON fields being mistaken for a resume token. Signed,
// decimal and dotted numbers such as chat ids or timestamps count as numeric.
func IsPlausibleSessionID(id string) bool {
	if len(id) < minSessionIDLength {
		return false
	}
	if !strings.ContainsAny(id, sessionIDSeparators) {
		return false
	}
	return !isNumericToken(id)
}

// isNumericToken reports whether s, without a leading sign, consists only of
// digits and separators.
func isNumericToken(s string) bool {
	s = strings.TrimLeft(s, "+-")
	if s == "" {
		return true
	}
	for _, r := range s {
		if (r < '0' || r > '9') && !strings.ContainsRune(sessionIDSeparators, r) {
			return false
		}
	}
	return true
}
