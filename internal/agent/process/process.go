// Package process owns a single agent subprocess: pipes, process group,
// stderr tail and exit status.
package process

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/kandev/codexbridge/internal/agent/types"
	"github.com/kandev/codexbridge/internal/common/logger"
)

// stderrDrainTimeout bounds how long exit handling waits for the stderr
// reader after the process itself has exited. A grandchild that escaped the
// process group can hold the pipe open indefinitely.
const stderrDrainTimeout = time.Second

// Spec describes the process to start.
type Spec struct {
	Path string
	Args []string
	Dir  string
	// Env replaces the inherited environment when non-nil.
	Env []string
	// StderrLines is the size of the stderr tail; zero uses DefaultStderrLines.
	StderrLines int
	// LogStderr logs every stderr line at debug level.
	LogStderr bool
}

// Handle is a running agent process. All methods are safe for concurrent use.
type Handle struct {
	cmd    *exec.Cmd
	logger *logger.Logger

	stdinMu     sync.Mutex
	stdin       io.WriteCloser
	stdinClosed bool

	stdout    *os.File
	closeOnce sync.Once

	stderrTail *tailBuffer
	logStderr  bool
	stderrDone chan struct{}

	done     chan struct{}
	exitCode int
	exitErr  error
}

// Start launches the process with all three standard streams piped.
//
// Stdout and stderr use os.Pipe rather than cmd.StdoutPipe so that the exit
// waiter never closes a pipe the caller is still draining.
func Start(spec Spec, log *logger.Logger) (*Handle, error) {
	if log == nil {
		log = logger.Default()
	}

	cmd := exec.Command(spec.Path, spec.Args...)
	cmd.Dir = spec.Dir
	if spec.Env != nil {
		cmd.Env = spec.Env
	}
	setProcGroup(cmd)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create stdin pipe: %w", err)
	}
	stdoutR, stdoutW, err := os.Pipe()
	if err != nil {
		_ = stdin.Close()
		return nil, fmt.Errorf("failed to create stdout pipe: %w", err)
	}
	stderrR, stderrW, err := os.Pipe()
	if err != nil {
		_ = stdin.Close()
		closeAll(stdoutR, stdoutW)
		return nil, fmt.Errorf("failed to create stderr pipe: %w", err)
	}
	cmd.Stdout = stdoutW
	cmd.Stderr = stderrW

	if err := cmd.Start(); err != nil {
		_ = stdin.Close()
		closeAll(stdoutR, stdoutW, stderrR, stderrW)
		return nil, err
	}
	// The child holds its own copies now.
	closeAll(stdoutW, stderrW)

	h := &Handle{
		cmd:        cmd,
		logger:     log.WithFields(zap.Int("pid", cmd.Process.Pid)),
		stdin:      stdin,
		stdout:     stdoutR,
		stderrTail: newTailBuffer(spec.StderrLines),
		logStderr:  spec.LogStderr,
		stderrDone: make(chan struct{}),
		done:       make(chan struct{}),
		exitCode:   -1,
	}

	go h.readStderr(stderrR)
	go h.waitForExit()

	h.logger.Debug("agent process started", zap.String("path", spec.Path), zap.String("dir", spec.Dir))
	return h, nil
}

func closeAll(files ...*os.File) {
	for _, f := range files {
		_ = f.Close()
	}
}

// PID returns the process id, which is also the process group id.
func (h *Handle) PID() int {
	return h.cmd.Process.Pid
}

// Stdout is the agent's standard output. It reaches EOF once every process
// in the group has exited, or errors after Close.
func (h *Handle) Stdout() io.Reader {
	return h.stdout
}

// WriteStdin writes data to the agent's stdin. It returns an error wrapping
// types.ErrStdinClosed once the process has exited or stdin was closed.
func (h *Handle) WriteStdin(data string) error {
	h.stdinMu.Lock()
	defer h.stdinMu.Unlock()

	if h.stdinClosed {
		return types.ErrStdinClosed
	}
	select {
	case <-h.done:
		return types.ErrStdinClosed
	default:
	}

	if _, err := io.WriteString(h.stdin, data); err != nil {
		return fmt.Errorf("%w: %v", types.ErrStdinClosed, err)
	}
	return nil
}

// CloseStdin signals EOF to the agent.
func (h *Handle) CloseStdin() error {
	h.stdinMu.Lock()
	defer h.stdinMu.Unlock()
	if h.stdinClosed {
		return nil
	}
	h.stdinClosed = true
	return h.stdin.Close()
}

// KillTree force-kills the whole process group, falling back to the leader
// alone if the group signal fails. Killing an exited process is a no-op.
func (h *Handle) KillTree() error {
	select {
	case <-h.done:
		return nil
	default:
	}

	pid := h.cmd.Process.Pid
	h.logger.Debug("killing process group", zap.Int("pgid", pid))
	if err := killProcessGroup(pid); err != nil {
		h.logger.Debug("failed to kill process group, trying single process", zap.Error(err))
		if err := h.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
			return fmt.Errorf("failed to kill agent process: %w", err)
		}
	}
	return nil
}

// KillGroup kills whatever is left of the process group after the leader has
// exited, such as background children that still hold stdout open.
func (h *Handle) KillGroup() {
	pid := h.cmd.Process.Pid
	if err := killProcessGroup(pid); err != nil {
		h.logger.Debug("no process group members left to kill", zap.Int("pgid", pid), zap.Error(err))
	}
}

// Done is closed once the process has exited and its exit status is known.
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// Wait blocks until the process exits and returns its exit code. The code is
// -1 when the process was terminated by a signal.
func (h *Handle) Wait() (int, error) {
	<-h.done
	return h.exitCode, h.exitErr
}

// StderrTail returns a copy of the retained stderr lines, oldest first.
func (h *Handle) StderrTail() []string {
	return h.stderrTail.snapshot()
}

// Close releases the pipes held by the parent. A blocked Stdout read returns
// with an error.
func (h *Handle) Close() {
	h.closeOnce.Do(func() {
		_ = h.CloseStdin()
		_ = h.stdout.Close()
	})
}

func (h *Handle) readStderr(r *os.File) {
	defer close(h.stderrDone)
	defer func() { _ = r.Close() }()

	reader := bufio.NewReader(r)
	for {
		line, err := reader.ReadString('\n')
		if line = strings.TrimRight(line, "\r\n"); line != "" {
			if h.logStderr {
				h.logger.Debug("agent stderr", zap.String("line", line))
			}
			h.stderrTail.append(line)
		}
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, os.ErrClosed) {
				h.logger.Debug("stderr reader error", zap.Error(err))
			}
			return
		}
	}
}

func (h *Handle) waitForExit() {
	defer close(h.done)

	err := h.cmd.Wait()
	switch {
	case err == nil:
		h.exitCode = 0
	default:
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			h.exitCode = exitErr.ExitCode()
		} else {
			h.exitErr = err
		}
	}

	select {
	case <-h.stderrDone:
	case <-time.After(stderrDrainTimeout):
		h.logger.Debug("stderr still open after exit")
	}

	if h.exitCode == 0 {
		h.logger.Debug("agent process exited")
		return
	}
	h.logger.Info("agent process exited with error",
		zap.Int("exit_code", h.exitCode),
		zap.Strings("recent_stderr", h.stderrTail.snapshot()),
		zap.Error(err))
}
