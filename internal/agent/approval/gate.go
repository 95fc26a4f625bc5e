// Package approval implements the human-in-the-loop checkpoint before the
// agent runs a command: detection, the per-topic pending approval, and
// delivery of the decision.
package approval

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/kandev/codexbridge/internal/agent/supervisor"
	"github.com/kandev/codexbridge/internal/agent/types"
	"github.com/kandev/codexbridge/internal/common/logger"
	"github.com/kandev/codexbridge/internal/tracing"
)

// ErrNoPendingApproval is returned when a decision arrives for a topic with
// nothing awaiting approval.
var ErrNoPendingApproval = errors.New("no pending approval for this topic")

// Decision is the human's answer.
type Decision string

const (
	DecisionApprove Decision = "approve"
	DecisionAlways  Decision = "always"
	DecisionDeny    Decision = "deny"
)

// ParseDecision accepts the canonical names plus y/yes, a, n/no.
func ParseDecision(s string) (Decision, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "approve", "y", "yes":
		return DecisionApprove, nil
	case "always", "a":
		return DecisionAlways, nil
	case "deny", "n", "no":
		return DecisionDeny, nil
	}
	return "", fmt.Errorf("unknown approval decision %q", s)
}

// stdinAnswer is what the agent expects on stdin for each decision.
func (d Decision) stdinAnswer() string {
	switch d {
	case DecisionApprove:
		return "y\n"
	case DecisionAlways:
		return "a\n"
	default:
		return "n\n"
	}
}

// Runner is the supervisor surface the gate drives.
type Runner interface {
	Active(topic types.TopicKey) bool
	SendInput(topic types.TopicKey, text string) error
	Run(ctx context.Context, req types.RunRequest) (*supervisor.Run, error)
}

// ModeStore persists a topic's approval mode.
type ModeStore interface {
	SetApprovalMode(ctx context.Context, topic types.TopicKey, mode types.ApprovalMode) error
}

// Result describes what a decision did.
type Result struct {
	Decision Decision
	Mode     Mode
	Pending  Pending
	// Run is the follow-up run started by a resume-mode approval, and
	// Request the request it was started with.
	Run     *supervisor.Run
	Request types.RunRequest
}

// Gate applies decisions to pending approvals.
type Gate struct {
	store  *Store
	runner Runner
	modes  ModeStore
	logger *logger.Logger
}

// NewGate creates a gate. modes may be nil when "always" should only affect
// the current decision.
func NewGate(store *Store, runner Runner, modes ModeStore, log *logger.Logger) *Gate {
	if log == nil {
		log = logger.Default()
	}
	return &Gate{
		store:  store,
		runner: runner,
		modes:  modes,
		logger: log.WithFields(zap.String("component", "approval-gate")),
	}
}

// Request enters the awaiting-approval state for p.Topic, superseding any
// earlier approval for the same topic.
func (g *Gate) Request(p Pending) (superseded bool) {
	superseded = g.store.Put(p)
	g.logger.Info("approval requested",
		zap.String("topic", p.Topic.String()),
		zap.String("command", p.Command),
		zap.String("mode", string(p.Mode)),
		zap.Bool("superseded", superseded))
	return superseded
}

// Pending returns the approval awaiting a decision for topic.
func (g *Gate) Pending(topic types.TopicKey) (Pending, bool) {
	return g.store.Get(topic)
}

// Discard drops the pending approval for topic.
func (g *Gate) Discard(topic types.TopicKey) {
	g.store.Delete(topic)
}

// Decide applies d to the topic's pending approval.
//
// A native approval whose process is still alive gets the answer on stdin.
// Otherwise approve and always start a run resuming the recorded session
// (a fresh run of the original prompt when no session is known) without
// stopping at command start; deny leaves the topic idle.
func (g *Gate) Decide(ctx context.Context, topic types.TopicKey, d Decision) (Result, error) {
	p, ok := g.store.Take(topic)
	if !ok {
		return Result{}, ErrNoPendingApproval
	}

	mode := p.Mode
	if mode == ModeNative && !g.runner.Active(topic) {
		mode = ModeResume
	}
	ctx, span := tracing.TraceApprovalDecide(ctx, topic.String(), string(d), string(mode))
	defer span.End()

	log := g.logger.WithTopic(topic.String()).WithFields(
		zap.String("decision", string(d)),
		zap.String("mode", string(mode)),
		zap.String("command", p.Command))
	res := Result{Decision: d, Mode: mode, Pending: p}

	if d == DecisionAlways && g.modes != nil {
		if err := g.modes.SetApprovalMode(ctx, topic, types.ApprovalNever); err != nil {
			log.Warn("failed to persist approval mode", zap.Error(err))
		}
	}

	if mode == ModeNative {
		if err := g.runner.SendInput(topic, d.stdinAnswer()); err != nil {
			gone := errors.Is(err, types.ErrStdinClosed) || errors.Is(err, types.ErrNoActiveRun)
			if !gone {
				tracing.TraceError(span, err)
				return res, fmt.Errorf("failed to deliver approval: %w", err)
			}
			// The process went away between the check and the write.
			log.Debug("agent exited before native approval, resuming instead", zap.Error(err))
			mode = ModeResume
			res.Mode = mode
		} else {
			log.Info("approval delivered on stdin")
			return res, nil
		}
	}

	if d == DecisionDeny {
		log.Info("command denied")
		return res, nil
	}

	req := followUpRequest(p, d)
	run, err := g.runner.Run(ctx, req)
	if err != nil {
		g.store.restore(p)
		tracing.TraceError(span, err)
		return res, fmt.Errorf("failed to resume after approval: %w", err)
	}
	res.Run = run
	res.Request = req
	log.Info("approval resumed agent", zap.String("run_id", run.ID))
	return res, nil
}

// followUpRequest derives the run that continues after an approval.
func followUpRequest(p Pending, d Decision) types.RunRequest {
	req := p.Request
	req.Topic = p.Topic
	req.StopOnCommandStart = false
	if d == DecisionAlways {
		req.ApprovalMode = types.ApprovalNever
	}
	if p.SessionID != "" {
		req.SessionID = p.SessionID
		req.Prompt = "Approved. Run the command you proposed and continue:\n$ " + p.Command
	}
	return req
}
