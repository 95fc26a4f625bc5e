// Package cancellation stops an agent process: an optional soft stdin
// command first, then a forced kill of the whole process tree.
package cancellation

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/kandev/codexbridge/internal/common/logger"
)

// Process is the part of a process handle the sequencer needs.
type Process interface {
	WriteStdin(data string) error
	KillTree() error
	Done() <-chan struct{}
}

// Result reports what a cancellation did.
type Result struct {
	SoftSent bool
	// Killed is true when the soft phase did not end the process.
	Killed bool
	// Exited is true when the process was observed to exit.
	Exited  bool
	Elapsed time.Duration
}

// Sequencer runs the soft-then-hard cancellation protocol.
type Sequencer struct {
	SoftCommand string
	SoftTimeout time.Duration
	KillTimeout time.Duration
	Logger      *logger.Logger
}

// Cancel stops p. It waits up to SoftTimeout after the soft command, kills the
// tree, then waits up to KillTimeout to observe the exit. The cancellation
// counts as complete once the kill is issued, so Cancel never returns an
// error; ctx only cuts the waits short.
func (s *Sequencer) Cancel(ctx context.Context, p Process) Result {
	log := s.Logger
	if log == nil {
		log = logger.Default()
	}
	start := time.Now()
	var res Result

	if s.SoftCommand != "" {
		if err := p.WriteStdin(DecodeEscapes(s.SoftCommand)); err != nil {
			log.Debug("soft cancel command not delivered", zap.Error(err))
		} else {
			res.SoftSent = true
		}
	}

	if waitExit(ctx, p, s.SoftTimeout) {
		res.Exited = true
		res.Elapsed = time.Since(start)
		log.Debug("agent exited after soft cancel", zap.Duration("elapsed", res.Elapsed))
		return res
	}

	res.Killed = true
	if err := p.KillTree(); err != nil {
		log.Warn("failed to kill agent process tree", zap.Error(err))
	}

	res.Exited = waitExit(ctx, p, s.KillTimeout)
	res.Elapsed = time.Since(start)
	if !res.Exited {
		log.Warn("agent still running after kill", zap.Duration("elapsed", res.Elapsed))
	} else {
		log.Debug("agent killed", zap.Duration("elapsed", res.Elapsed))
	}
	return res
}

func waitExit(ctx context.Context, p Process, timeout time.Duration) bool {
	select {
	case <-p.Done():
		return true
	default:
	}
	if timeout <= 0 {
		return false
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-p.Done():
		return true
	case <-timer.C:
		return false
	case <-ctx.Done():
		return false
	}
}
