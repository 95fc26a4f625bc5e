// Package bridge is the glue between a chat transport and the supervisor.
// It starts runs from stored topic state, persists what the agent reports,
// drives topic status and routes approval decisions through the gate.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/kandev/codexbridge/internal/agent/approval"
	"github.com/kandev/codexbridge/internal/agent/supervisor"
	"github.com/kandev/codexbridge/internal/agent/types"
	"github.com/kandev/codexbridge/internal/common/config"
	apperrors "github.com/kandev/codexbridge/internal/common/errors"
	"github.com/kandev/codexbridge/internal/common/logger"
	"github.com/kandev/codexbridge/internal/events"
	"github.com/kandev/codexbridge/internal/events/bus"
	"github.com/kandev/codexbridge/internal/topic/store"
)

const eventSource = "bridge"

// Runner is the supervisor surface the service uses.
type Runner interface {
	Run(ctx context.Context, req types.RunRequest) (*supervisor.Run, error)
	Cancel(ctx context.Context, topic types.TopicKey) error
	CancelAll(ctx context.Context) error
	SendInput(topic types.TopicKey, text string) error
	List() []types.RunInfo
	Active(topic types.TopicKey) bool
}

// Config holds the run defaults applied when the topic has no override.
type Config struct {
	Backend            types.Backend
	SandboxMode        types.SandboxMode
	ApprovalMode       types.ApprovalMode
	StopOnCommandStart bool
}

// FromAgentConfig maps the agent section of the application config.
func FromAgentConfig(cfg config.AgentConfig) Config {
	return Config{
		Backend:            types.ParseBackend(cfg.Backend),
		SandboxMode:        types.SandboxMode(cfg.SandboxMode),
		ApprovalMode:       types.ApprovalMode(cfg.ApprovalMode),
		StopOnCommandStart: cfg.StopOnCommandStart,
	}
}

// TopicView is the state of a topic as reported by the control API.
type TopicView struct {
	*store.Topic
	Active  bool              `json:"active"`
	Run     *types.RunInfo    `json:"run,omitempty"`
	Pending *approval.Pending `json:"pending_approval,omitempty"`
}

// Service implements the operations the chat transport calls.
type Service struct {
	cfg    Config
	runner Runner
	topics store.Repository
	gate   *approval.Gate
	bus    bus.EventBus
	logger *logger.Logger

	// statusMu orders status writes between run consumers and decisions.
	statusMu sync.Mutex
	wg       sync.WaitGroup
}

// NewService creates the bridge service.
func NewService(cfg Config, runner Runner, topics store.Repository, gate *approval.Gate, eventBus bus.EventBus, log *logger.Logger) *Service {
	return &Service{
		cfg:    cfg,
		runner: runner,
		topics: topics,
		gate:   gate,
		bus:    eventBus,
		logger: log.WithFields(zap.String("component", "bridge")),
	}
}

// BindProject points a topic at a working directory. For the local backend
// the directory must exist; for docker and wsl it lives in the target
// environment and is passed through as is.
func (s *Service) BindProject(ctx context.Context, topic types.TopicKey, dir string) error {
	dir = strings.TrimSpace(dir)
	if dir == "" {
		return apperrors.ValidationError("project_dir", "is required")
	}
	if s.runner.Active(topic) {
		return apperrors.Conflict("a run is active in this topic", types.ErrRunAlreadyActive)
	}
	if s.cfg.Backend == types.BackendLocal {
		info, err := os.Stat(dir)
		if err != nil || !info.IsDir() {
			return apperrors.ValidationError("project_dir", "must be an existing directory")
		}
	}
	if err := s.topics.BindProject(ctx, topic, dir); err != nil {
		return apperrors.InternalError("failed to bind project", err)
	}
	s.logger.Info("project bound", zap.String("topic", topic.String()), zap.String("project_dir", dir))
	return nil
}

// Topic returns the stored state of a topic together with its live run and
// pending approval.
func (s *Service) Topic(ctx context.Context, topic types.TopicKey) (*TopicView, error) {
	t, err := s.topics.Get(ctx, topic)
	if errors.Is(err, store.ErrTopicNotFound) {
		return nil, apperrors.NotFound("topic", topic.String())
	}
	if err != nil {
		return nil, apperrors.InternalError("failed to load topic", err)
	}

	view := &TopicView{Topic: t}
	for _, info := range s.runner.List() {
		if info.Topic == topic {
			info := info
			view.Run = &info
			view.Active = true
			break
		}
	}
	if p, ok := s.gate.Pending(topic); ok {
		view.Pending = &p
	}
	return view, nil
}

// Runs lists the active runs.
func (s *Service) Runs() []types.RunInfo {
	return s.runner.List()
}

// StartRun launches the agent for prompt in the topic's project, resuming
// the topic's session when one is stored. A newer prompt supersedes any
// approval still pending for the topic.
func (s *Service) StartRun(ctx context.Context, topic types.TopicKey, prompt string) (*supervisor.Run, error) {
	prompt = strings.TrimSpace(prompt)
	if prompt == "" {
		return nil, apperrors.ValidationError("prompt", "is required")
	}

	t, err := s.topics.Get(ctx, topic)
	if err != nil && !errors.Is(err, store.ErrTopicNotFound) {
		return nil, apperrors.InternalError("failed to load topic", err)
	}
	if t == nil || t.ProjectDir == "" {
		return nil, apperrors.BadRequest("no project is bound to this topic")
	}

	req := s.buildRequest(t, prompt)
	// The run outlives the caller's request.
	run, err := s.runner.Run(context.WithoutCancel(ctx), req)
	if err != nil {
		return nil, s.runError(ctx, topic, err)
	}
	// A new prompt supersedes any pending approval.
	s.statusMu.Lock()
	s.gate.Discard(topic)
	s.writeStatus(ctx, topic, run.ID, types.StatusWorking, nil)
	s.statusMu.Unlock()

	s.consume(run, req)
	return run, nil
}

func (s *Service) buildRequest(t *store.Topic, prompt string) types.RunRequest {
	mode := t.ApprovalMode
	if mode == "" {
		mode = s.cfg.ApprovalMode
	}
	return types.RunRequest{
		Topic:              t.Key,
		ProjectDir:         t.ProjectDir,
		Prompt:             prompt,
		SessionID:          t.SessionID,
		Backend:            s.cfg.Backend,
		SandboxMode:        s.cfg.SandboxMode,
		ApprovalMode:       mode,
		StopOnCommandStart: s.cfg.StopOnCommandStart && mode != types.ApprovalNever,
	}
}

func (s *Service) runError(ctx context.Context, topic types.TopicKey, err error) error {
	if errors.Is(err, types.ErrRunAlreadyActive) {
		return apperrors.Conflict("a run is already active in this topic", err)
	}
	var spawnErr *types.SpawnError
	if errors.As(err, &spawnErr) {
		s.setStatus(ctx, topic, "", types.StatusError, err)
		return apperrors.ServiceUnavailable("agent", err)
	}
	return apperrors.Wrap(err, "failed to start run")
}

// Cancel stops the topic's run. Without a run, a pending approval is
// aborted instead. With neither it does nothing.
func (s *Service) Cancel(ctx context.Context, topic types.TopicKey) error {
	if s.runner.Active(topic) {
		if err := s.runner.Cancel(ctx, topic); err != nil {
			return apperrors.InternalError("failed to cancel run", err)
		}
		return nil
	}
	if _, ok := s.gate.Pending(topic); ok {
		s.gate.Discard(topic)
		s.setStatus(ctx, topic, "", types.StatusCancelled, nil)
		s.logger.Info("pending approval aborted", zap.String("topic", topic.String()))
	}
	return nil
}

// SendInput forwards a line to the running agent.
func (s *Service) SendInput(topic types.TopicKey, text string) error {
	err := s.runner.SendInput(topic, text)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, types.ErrNoActiveRun), errors.Is(err, types.ErrStdinClosed):
		return apperrors.NotFound("run", topic.String())
	default:
		return apperrors.InternalError("failed to send input", err)
	}
}

// Decide applies a human decision to the topic's pending approval.
func (s *Service) Decide(ctx context.Context, topic types.TopicKey, decision string) (approval.Result, error) {
	d, err := approval.ParseDecision(decision)
	if err != nil {
		return approval.Result{}, apperrors.ValidationError("decision", err.Error())
	}

	res, err := s.gate.Decide(context.WithoutCancel(ctx), topic, d)
	if errors.Is(err, approval.ErrNoPendingApproval) {
		return res, apperrors.NotFound("pending approval", topic.String())
	}
	if err != nil {
		if errors.Is(err, types.ErrRunAlreadyActive) {
			return res, apperrors.Conflict("a run is already active in this topic", err)
		}
		return res, apperrors.Wrap(err, "failed to apply decision")
	}

	s.publish(ctx, topic, events.ApprovalResolved, events.ApprovalPayload{
		Topic:    topic.String(),
		Command:  res.Pending.Command,
		Mode:     string(res.Mode),
		Decision: string(res.Decision),
	})

	switch {
	case res.Run != nil:
		s.setStatus(ctx, topic, res.Run.ID, types.StatusWorking, nil)
		s.consume(res.Run, res.Request)
	case res.Mode == approval.ModeNative:
		s.statusMu.Lock()
		if s.runner.Active(topic) {
			s.writeStatus(ctx, topic, "", types.StatusWorking, nil)
		}
		s.statusMu.Unlock()
	default:
		s.setStatus(ctx, topic, "", types.StatusIdle, nil)
	}
	return res, nil
}

// Shutdown cancels every run and waits for their consumers to finish.
func (s *Service) Shutdown(ctx context.Context) error {
	err := s.runner.CancelAll(ctx)

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return fmt.Errorf("waiting for runs to finish: %w", ctx.Err())
	}
	return err
}

func (s *Service) setStatus(ctx context.Context, topic types.TopicKey, runID string, status types.RunStatus, cause error) {
	s.statusMu.Lock()
	defer s.statusMu.Unlock()
	s.writeStatus(ctx, topic, runID, status, cause)
}

// writeStatus persists and publishes a status. Callers hold statusMu.
func (s *Service) writeStatus(ctx context.Context, topic types.TopicKey, runID string, status types.RunStatus, cause error) {
	if err := s.topics.SetStatus(ctx, topic, status); err != nil {
		s.logger.Warn("failed to persist status",
			zap.String("topic", topic.String()),
			zap.String("status", string(status)),
			zap.Error(err))
	}

	payload := events.StatusPayload{Topic: topic.String(), RunID: runID, Status: string(status)}
	if cause != nil {
		payload.Error = cause.Error()
		var runErr *types.RunFailedError
		if errors.As(cause, &runErr) {
			payload.ExitCode = runErr.ExitCode
		}
	}
	s.publish(ctx, topic, events.RunStatus, payload)
}

func (s *Service) publish(ctx context.Context, topic types.TopicKey, eventType string, data any) {
	if s.bus == nil {
		return
	}
	event := bus.NewEvent(eventType, eventSource, data)
	if err := s.bus.Publish(ctx, events.TopicSubject(topic, eventType), event); err != nil {
		s.logger.WithTopic(topic.String()).WithError(err).Warn("failed to publish event",
			zap.String("event_type", eventType))
	}
}
