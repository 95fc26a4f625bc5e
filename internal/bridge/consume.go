package bridge

import (
	"context"

	"go.uber.org/zap"

	"github.com/kandev/codexbridge/internal/agent/approval"
	"github.com/kandev/codexbridge/internal/agent/supervisor"
	"github.com/kandev/codexbridge/internal/agent/types"
	"github.com/kandev/codexbridge/internal/events"
)

// consume drains the run in the background: it persists session ids and
// context budgets, publishes every update, watches for approval prompts and
// records the final status.
func (s *Service) consume(run *supervisor.Run, req types.RunRequest) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.drain(context.Background(), run, req)
	}()
}

func (s *Service) drain(ctx context.Context, run *supervisor.Run, req types.RunRequest) {
	log := s.logger.WithTopic(req.Topic.String()).WithRunID(run.ID)
	sessionID := req.SessionID
	detect := !req.StopOnCommandStart && req.ApprovalMode != types.ApprovalNever

	for upd := range run.Updates() {
		if upd.SessionID != "" && upd.SessionID != sessionID {
			if err := s.topics.SetSessionID(ctx, req.Topic, upd.SessionID); err != nil {
				log.Warn("failed to persist session id", zap.Error(err))
			} else {
				sessionID = upd.SessionID
			}
		}
		if upd.ContextLeft != nil {
			if err := s.topics.SetContextLeft(ctx, req.Topic, *upd.ContextLeft); err != nil {
				log.Warn("failed to persist context budget", zap.Error(err))
			}
		}

		s.publish(ctx, req.Topic, events.RunUpdate, events.NewUpdatePayload(req.Topic, run.ID, upd))

		if detect && (upd.Kind == types.KindAnswer || upd.Kind == types.KindStatus) {
			if cmd, ok := approval.DetectPrompt(upd.Text); ok {
				s.requestApproval(ctx, run.ID, approval.Pending{
					Topic:     req.Topic,
					Command:   cmd,
					Mode:      approval.ModeNative,
					Request:   req,
					SessionID: sessionID,
				})
			}
		}
	}

	outcome := run.Wait()
	log.Debug("run finished", zap.String("outcome", string(outcome.Kind)))

	s.statusMu.Lock()
	defer s.statusMu.Unlock()

	// The run has left the registry, so an active run here is a newer one
	// that already owns the topic's status.
	if s.runner.Active(req.Topic) {
		log.Debug("topic taken over by a newer run", zap.String("outcome", string(outcome.Kind)))
		return
	}

	switch outcome.Kind {
	case types.OutcomeApprovalRequired:
		s.requestApprovalLocked(ctx, run.ID, approval.Pending{
			Topic:     req.Topic,
			Command:   outcome.Command,
			Mode:      approval.ModeResume,
			Request:   req,
			SessionID: sessionID,
		})
	case types.OutcomeCancelled:
		s.gate.Discard(req.Topic)
		s.writeStatus(ctx, req.Topic, run.ID, types.StatusCancelled, nil)
	default:
		// A prompt seen during the run stays answerable by resuming.
		if _, pending := s.gate.Pending(req.Topic); pending {
			return
		}
		s.writeStatus(ctx, req.Topic, run.ID, outcome.Status(), outcome.Error())
	}
}

func (s *Service) requestApproval(ctx context.Context, runID string, p approval.Pending) {
	s.statusMu.Lock()
	defer s.statusMu.Unlock()
	s.requestApprovalLocked(ctx, runID, p)
}

// requestApprovalLocked moves the topic to waiting_approval before the
// approval becomes decidable, so a fast decision is never overwritten.
// Callers hold statusMu.
func (s *Service) requestApprovalLocked(ctx context.Context, runID string, p approval.Pending) {
	s.writeStatus(ctx, p.Topic, runID, types.StatusWaitingApproval, nil)
	s.gate.Request(p)
	s.publish(ctx, p.Topic, events.ApprovalRequested, events.ApprovalPayload{
		Topic:   p.Topic.String(),
		Command: p.Command,
		Mode:    string(p.Mode),
	})
}
