package supervisor

import (
	"bufio"
	"errors"
	"io"
	"os"
	"strings"

	"go.uber.org/zap"

	"github.com/kandev/codexbridge/internal/agent/decoder"
	"github.com/kandev/codexbridge/internal/agent/process"
	"github.com/kandev/codexbridge/internal/agent/registry"
	"github.com/kandev/codexbridge/internal/agent/types"
	"github.com/kandev/codexbridge/internal/common/logger"
)

// decodeLine decodes one stdout line and attaches side-channel values. A
// session id or context budget on a line that produced no update of its own
// is surfaced as a meta update so callers can persist it.
func decodeLine(line string) (types.RunUpdate, bool) {
	upd, ok := decoder.Decode(line)
	sessionID, hasSession := decoder.ExtractSessionID(line)

	if ok {
		if hasSession {
			upd.SessionID = sessionID
		}
		return upd, true
	}

	meta := types.RunUpdate{Kind: types.KindMeta}
	if hasSession {
		meta.SessionID = sessionID
	}
	if !strings.HasPrefix(strings.TrimSpace(line), "{") {
		if pct, found := decoder.ExtractContextBudget(line); found {
			meta.ContextLeft = &pct
		}
	}
	if meta.SessionID == "" && meta.ContextLeft == nil {
		return types.RunUpdate{}, false
	}
	return meta, true
}

// pumpStdout feeds every stdout line through the decoder into q, in read
// order. With stopOnCommandStart the first command_start is withheld, the
// run is cancelled and the command is returned; later lines are drained and
// dropped.
func (s *Supervisor) pumpStdout(h *process.Handle, q *updateQueue, req types.RunRequest, active *registry.ActiveRun, log *logger.Logger) (command string, intercepted bool) {
	reader := bufio.NewReaderSize(h.Stdout(), 64*1024)
	for {
		line, err := reader.ReadString('\n')
		line = strings.TrimRight(line, "\r\n")

		if line != "" && !intercepted {
			if s.cfg.VerboseEvents {
				log.Debug("agent event", zap.String("line", line))
			}
			if upd, ok := decodeLine(line); ok {
				if req.StopOnCommandStart && upd.Kind == types.KindCommandStart {
					command, intercepted = upd.Text, true
					log.Info("command start intercepted for approval", zap.String("command", upd.Text))
					active.Cancel()
				} else {
					q.push(upd)
				}
			}
		}

		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, os.ErrClosed) {
				log.Debug("stdout reader error", zap.Error(err))
			}
			return command, intercepted
		}
	}
}
