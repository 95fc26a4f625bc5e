// Package supervisor runs the agent CLI for a topic: admission, spawn,
// streaming, approval interception, cancellation and cleanup.
package supervisor

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/kandev/codexbridge/internal/agent/cancellation"
	"github.com/kandev/codexbridge/internal/agent/launcher"
	"github.com/kandev/codexbridge/internal/agent/process"
	"github.com/kandev/codexbridge/internal/agent/registry"
	"github.com/kandev/codexbridge/internal/agent/types"
	"github.com/kandev/codexbridge/internal/common/config"
	"github.com/kandev/codexbridge/internal/common/logger"
	"github.com/kandev/codexbridge/internal/tracing"
)

// CompletedText is the text of the final status update of a successful run.
const CompletedText = "Done"

// DefaultStdoutDrainTimeout is used when Config.StdoutDrainTimeout is zero.
const DefaultStdoutDrainTimeout = 2 * time.Second

// abandonTimeout is how long the forwarder waits on a reader once the run has
// finished before dropping the remaining updates.
var abandonTimeout = time.Minute

// ContainerChecker verifies the container used by the docker backend.
type ContainerChecker interface {
	ContainerRunning(ctx context.Context, name string) (bool, error)
}

// Config holds the supervisor settings.
type Config struct {
	Launch launcher.Config

	SoftCancelCommand string
	SoftCancelTimeout time.Duration
	KillTimeout       time.Duration

	// VerboseEvents logs every raw stdout and stderr line at debug level.
	VerboseEvents bool
	// StderrLines is the size of the stderr tail attached to failures.
	StderrLines int
	// StdoutDrainTimeout bounds reading stdout after the agent exited, for
	// background children that keep the pipe open. Zero uses DefaultStdoutDrainTimeout.
	StdoutDrainTimeout time.Duration
}

// FromAgentConfig maps the agent section of the application config.
func FromAgentConfig(cfg config.AgentConfig) Config {
	return Config{
		Launch:            launcher.FromAgentConfig(cfg),
		SoftCancelCommand: cfg.SoftCancelCommand,
		SoftCancelTimeout: cfg.SoftCancelTimeoutDuration(),
		KillTimeout:       cfg.KillTimeoutDuration(),
		VerboseEvents:     cfg.VerboseEvents,
		StderrLines:       process.DefaultStderrLines,
	}
}

// Option configures a Supervisor.
type Option func(*Supervisor)

// WithContainerChecker enables the docker backend preflight.
func WithContainerChecker(c ContainerChecker) Option {
	return func(s *Supervisor) { s.containers = c }
}

// Supervisor owns agent processes, at most one per topic.
type Supervisor struct {
	cfg        Config
	registry   *registry.Registry
	sequencer  *cancellation.Sequencer
	containers ContainerChecker
	logger     *logger.Logger
}

// New creates a supervisor admitting runs through reg.
func New(cfg Config, reg *registry.Registry, log *logger.Logger, opts ...Option) *Supervisor {
	if log == nil {
		log = logger.Default()
	}
	log = log.WithFields(zap.String("component", "supervisor"))

	s := &Supervisor{
		cfg:      cfg,
		registry: reg,
		sequencer: &cancellation.Sequencer{
			SoftCommand: cfg.SoftCancelCommand,
			SoftTimeout: cfg.SoftCancelTimeout,
			KillTimeout: cfg.KillTimeout,
			Logger:      log,
		},
		logger: log,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Run is one agent run. Callers must drain Updates until it is closed;
// Wait then returns the outcome. Updates still unread a minute after the run
// finished are dropped.
type Run struct {
	ID      string
	Topic   types.TopicKey
	Command string

	updates      chan types.RunUpdate
	done         chan struct{}
	outcome      types.Outcome
	abandonAfter time.Duration
}

// Updates delivers the run's updates in stdout order and is closed after the last one.
func (r *Run) Updates() <-chan types.RunUpdate {
	return r.updates
}

// Done is closed once the outcome is known and the topic is free again.
func (r *Run) Done() <-chan struct{} {
	return r.done
}

// Wait blocks until the run has ended.
func (r *Run) Wait() types.Outcome {
	<-r.done
	return r.outcome
}

func (r *Run) forward(q *updateQueue, log *logger.Logger) {
	defer close(r.updates)
	for {
		u, ok := q.pop()
		if !ok {
			return
		}
		select {
		case r.updates <- u:
			continue
		case <-r.done:
		}
		// The run is over; give a slow reader a bounded grace period.
		timer := time.NewTimer(r.abandonAfter)
		select {
		case r.updates <- u:
			timer.Stop()
		case <-timer.C:
			log.Warn("nobody is reading run updates, dropping the rest")
			return
		}
	}
}

func (r *Run) finish(o types.Outcome) {
	r.outcome = o
	close(r.done)
}

// Run admits and spawns a run for req.Topic. It fails with
// types.ErrRunAlreadyActive without spawning anything when the topic is busy,
// and with a *types.SpawnError when the process cannot be started.
func (s *Supervisor) Run(ctx context.Context, req types.RunRequest) (*Run, error) {
	cmd := launcher.Build(s.cfg.Launch, req)

	runCtx, cancel := context.WithCancel(ctx)
	active := registry.NewActiveRun(uuid.New().String(), req, cancel)
	active.Backend = cmd.Backend
	if !s.registry.TryAdd(active) {
		cancel()
		return nil, types.ErrRunAlreadyActive
	}

	log := s.logger.WithTopic(req.Topic.String()).WithRunID(active.ID)
	release := func() {
		s.registry.Remove(active)
		cancel()
		active.Finish()
	}

	if err := s.preflight(runCtx, cmd); err != nil {
		release()
		log.Warn("agent preflight failed", zap.String("command", cmd.String()), zap.Error(err))
		return nil, &types.SpawnError{Command: cmd.String(), Err: err}
	}

	handle, err := process.Start(process.Spec{
		Path:        cmd.Path,
		Args:        cmd.Args,
		Dir:         cmd.Dir,
		StderrLines: s.cfg.StderrLines,
		LogStderr:   s.cfg.VerboseEvents,
	}, log)
	if err != nil {
		release()
		log.Warn("failed to start agent", zap.String("command", cmd.String()), zap.Error(err))
		return nil, &types.SpawnError{Command: cmd.String(), Err: err}
	}
	active.Attach(handle)

	log.Info("agent run started",
		zap.String("command", cmd.String()),
		zap.Int("pid", handle.PID()),
		zap.Bool("stop_on_command_start", req.StopOnCommandStart))

	run := &Run{
		ID:           active.ID,
		Topic:        req.Topic,
		Command:      cmd.String(),
		updates:      make(chan types.RunUpdate),
		done:         make(chan struct{}),
		abandonAfter: abandonTimeout,
	}
	go s.supervise(runCtx, active, handle, run, req, log)
	return run, nil
}

func (s *Supervisor) preflight(ctx context.Context, cmd launcher.Command) error {
	if cmd.Backend != types.BackendDocker || s.containers == nil {
		return nil
	}
	container := s.cfg.Launch.DockerContainer
	if container == "" {
		return fmt.Errorf("docker backend selected but no container is configured")
	}
	running, err := s.containers.ContainerRunning(ctx, container)
	if err != nil {
		return err
	}
	if !running {
		return fmt.Errorf("container %q is not running", container)
	}
	return nil
}

func (s *Supervisor) supervise(ctx context.Context, active *registry.ActiveRun, h *process.Handle, run *Run, req types.RunRequest, log *logger.Logger) {
	_, span := tracing.TraceRun(ctx, run.ID, req.Topic.String(), string(active.Backend))
	q := newUpdateQueue()
	go run.forward(q, log)

	var outcome types.Outcome
	defer func() {
		q.close()
		h.Close()
		s.registry.Remove(active)
		active.Cancel()
		active.Finish()
		tracing.TraceRunOutcome(span, string(outcome.Kind), outcome.ExitCode, outcome.Error())
		span.End()
		log.Info("agent run finished",
			zap.String("outcome", string(outcome.Kind)),
			zap.Int("exit_code", outcome.ExitCode))
		run.finish(outcome)
	}()

	var (
		g           errgroup.Group
		command     string
		intercepted bool
	)
	pumped := make(chan struct{})
	g.Go(func() error {
		defer close(pumped)
		command, intercepted = s.pumpStdout(h, q, req, active, log)
		return nil
	})
	g.Go(func() error {
		s.watch(ctx, h, pumped, log)
		return nil
	})
	_ = g.Wait()

	exitCode, waitErr := h.Wait()
	switch {
	case intercepted:
		outcome = types.ApprovalRequired(command)
	case active.Stopping() || ctx.Err() != nil:
		outcome = types.Cancelled()
	case exitCode == 0 && waitErr == nil:
		q.push(types.RunUpdate{Kind: types.KindStatus, Text: CompletedText, IsFinal: true})
		outcome = types.Completed()
	default:
		outcome = types.Failed(exitCode, h.StderrTail(), waitErr)
	}
}

// watch stops the process when ctx is cancelled and keeps the stdout reader
// from outliving the agent. Once the leader has exited, a cancellation kills
// what is left of its process group, and a reader still blocked after
// StdoutDrainTimeout is cut off.
func (s *Supervisor) watch(ctx context.Context, h *process.Handle, pumped <-chan struct{}, log *logger.Logger) {
	exited := h.Done()
	reading := true
	var drain <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			if exited != nil {
				res := s.sequencer.Cancel(context.Background(), h)
				log.Info("agent process stopped",
					zap.Bool("soft_sent", res.SoftSent),
					zap.Bool("killed", res.Killed),
					zap.Bool("exited", res.Exited),
					zap.Duration("elapsed", res.Elapsed))
			}
			if reading {
				h.KillGroup()
			}
			h.Close()
			return
		case <-pumped:
			reading, pumped = false, nil
			if exited == nil {
				return
			}
		case <-exited:
			exited = nil
			if !reading {
				return
			}
			timer := time.NewTimer(s.stdoutDrainTimeout())
			defer timer.Stop()
			drain = timer.C
		case <-drain:
			log.Warn("agent stdout still open after exit, closing it")
			h.Close()
			return
		}
	}
}

func (s *Supervisor) stdoutDrainTimeout() time.Duration {
	if s.cfg.StdoutDrainTimeout > 0 {
		return s.cfg.StdoutDrainTimeout
	}
	return DefaultStdoutDrainTimeout
}

// Cancel stops the topic's run and waits, bounded by the soft and kill
// timeouts, until the run has ended and released the topic. No active run is
// a silent no-op.
func (s *Supervisor) Cancel(ctx context.Context, topic types.TopicKey) error {
	active, ok := s.registry.Get(topic)
	if !ok {
		return nil
	}
	ctx, span := tracing.TraceCancel(ctx, topic.String())
	defer span.End()

	if active.MarkStopping() {
		s.logger.Info("cancelling agent run",
			zap.String("topic", topic.String()),
			zap.String("run_id", active.ID))
	}
	active.Cancel()

	timer := time.NewTimer(s.cfg.SoftCancelTimeout + s.cfg.KillTimeout + time.Second)
	defer timer.Stop()
	select {
	case <-active.Finished():
	case <-timer.C:
		s.logger.Warn("agent process still running after cancel", zap.String("topic", topic.String()))
	case <-ctx.Done():
		return ctx.Err()
	}
	return nil
}

// CancelAll cancels every active run concurrently.
func (s *Supervisor) CancelAll(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, active := range s.registry.List() {
		topic := active.Topic
		g.Go(func() error {
			return s.Cancel(gctx, topic)
		})
	}
	return g.Wait()
}

// SendInput writes a line to the running agent's stdin.
func (s *Supervisor) SendInput(topic types.TopicKey, text string) error {
	active, ok := s.registry.Get(topic)
	if !ok {
		return types.ErrNoActiveRun
	}
	p := active.Process()
	if p == nil {
		return types.ErrNoActiveRun
	}
	if !strings.HasSuffix(text, "\n") {
		text += "\n"
	}
	return p.WriteStdin(text)
}

// List returns the active runs, oldest first.
func (s *Supervisor) List() []types.RunInfo {
	runs := s.registry.List()
	infos := make([]types.RunInfo, 0, len(runs))
	for _, run := range runs {
		infos = append(infos, run.Info())
	}
	return infos
}

// Active reports whether topic has a run in flight.
func (s *Supervisor) Active(topic types.TopicKey) bool {
	_, ok := s.registry.Get(topic)
	return ok
}
