package decoder

import (
	"regexp"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/kandev/codexbridge/internal/agent/types"
)

// sessionIDKeys are the field names that may carry a resumable session id.
var sessionIDKeys = map[string]struct{}{
	"chat_id":         {},
	"chatId":          {},
	"session_id":      {},
	"sessionId":       {},
	"conversation_id": {},
	"conversationId":  {},
	"thread_id":       {},
	"threadId":        {},
}

// sessionIDText matches the "session id: <token>" banner printed outside JSON mode.
var sessionIDText = regexp.MustCompile(`(?i)\b(?:session|thread|conversation)[ _-]?id\s*[:=]\s*"?([A-Za-z0-9][A-Za-z0-9_\-:.]+)`)

// ExtractSessionID finds a resumable session id in one output line.
//
// A thread.started event's thread_id is authoritative. Other JSON objects are
// scanned depth-first in document order and the first plausible value under a
// known key wins. Non-JSON lines fall back to a textual banner match.
func ExtractSessionID(line string) (string, bool) {
	line = strings.TrimSpace(line)
	if line == "" {
		return "", false
	}

	if ev, typ, ok := parseEvent(line); ok {
		if typ == EventThreadStarted {
			if id := ev.Get("thread_id"); id.Type == gjson.String {
				if types.IsPlausibleSessionID(id.Str) {
					return id.Str, true
				}
				return "", false
			}
		}
		return scanSessionID(ev)
	}

	if gjson.Valid(line) {
		return scanSessionID(gjson.Parse(line))
	}

	m := sessionIDText.FindStringSubmatch(line)
	if m == nil {
		return "", false
	}
	id := strings.TrimRight(m[1], ".:")
	if !types.IsPlausibleSessionID(id) {
		return "", false
	}
	return id, true
}

func scanSessionID(v gjson.Result) (id string, found bool) {
	if !v.IsObject() && !v.IsArray() {
		return "", false
	}
	v.ForEach(func(key, value gjson.Result) bool {
		if v.IsObject() && value.Type == gjson.String {
			if _, ok := sessionIDKeys[key.Str]; ok && types.IsPlausibleSessionID(value.Str) {
				id, found = value.Str, true
				return false
			}
		}
		if value.IsObject() || value.IsArray() {
			if nested, ok := scanSessionID(value); ok {
				id, found = nested, true
				return false
			}
		}
		return true
	})
	return id, found
}
