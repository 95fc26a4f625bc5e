// Package decoder turns single lines of `codex exec --json` output into typed
// run updates. Every function here is pure: malformed input yields "no result",
// never an error or a panic.
package decoder

import (
	"strconv"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/kandev/codexbridge/internal/agent/types"
)

// Top-level event types emitted by the agent.
const (
	EventThreadStarted = "thread.started"
	EventTurnStarted   = "turn.started"
	EventTurnCompleted = "turn.completed"
	EventTurnFailed    = "turn.failed"
	EventItemStarted   = "item.started"
	EventItemUpdated   = "item.updated"
	EventItemCompleted = "item.completed"
	EventError         = "error"
)

// Item types carried by item.* events.
const (
	ItemCommandExecution = "command_execution"
	ItemReasoning        = "reasoning"
	ItemAgentMessage     = "agent_message"
)

// parseEvent returns the event and its type, or ok=false when the line is not
// a JSON object with a string "type".
func parseEvent(line string) (gjson.Result, string, bool) {
	line = strings.TrimSpace(line)
	if line == "" || line[0] != '{' || !gjson.Valid(line) {
		return gjson.Result{}, "", false
	}
	ev := gjson.Parse(line)
	typ := ev.Get("type")
	if typ.Type != gjson.String || typ.Str == "" {
		return gjson.Result{}, "", false
	}
	return ev, typ.Str, true
}

// Decode converts one stdout line into at most one update.
func Decode(line string) (types.RunUpdate, bool) {
	ev, typ, ok := parseEvent(line)
	if !ok {
		return types.RunUpdate{}, false
	}

	switch typ {
	case EventItemStarted:
		item := ev.Get("item")
		if item.Get("type").Str != ItemCommandExecution {
			return types.RunUpdate{}, false
		}
		return types.RunUpdate{Kind: types.KindCommandStart, Text: commandText(item)}, true

	case EventItemCompleted:
		item := ev.Get("item")
		if !item.IsObject() {
			return types.RunUpdate{}, false
		}
		itemType := item.Get("type").Str
		if itemType == ItemCommandExecution {
			return types.RunUpdate{Kind: types.KindCommand, Text: formatCommand(item)}, true
		}
		text := itemText(item)
		if text == "" {
			return types.RunUpdate{}, false
		}
		kind := types.KindAnswer
		if itemType == ItemReasoning {
			kind = types.KindReasoning
		}
		return types.RunUpdate{Kind: kind, Text: text}, true

	case EventTurnCompleted:
		pct, found := ExtractContextBudget(line)
		if !found {
			return types.RunUpdate{}, false
		}
		return types.RunUpdate{
			Kind:        types.KindStatus,
			Text:        "Context left: " + strconv.Itoa(pct) + "%",
			ContextLeft: &pct,
		}, true

	case EventTurnFailed:
		msg := strings.TrimSpace(ev.Get("error.message").String())
		if msg == "" {
			msg = "turn failed"
		}
		return types.RunUpdate{Kind: types.KindStatus, Text: "Turn failed: " + msg}, true

	case EventError:
		msg := strings.TrimSpace(ev.Get("message").String())
		if msg == "" {
			return types.RunUpdate{}, false
		}
		return types.RunUpdate{Kind: types.KindStatus, Text: "Error: " + msg}, true
	}

	return types.RunUpdate{}, false
}

// commandText reads item.command, which is a string in current agent
// versions and an argv array in older ones.
func commandText(item gjson.Result) string {
	cmd := item.Get("command")
	if cmd.IsArray() {
		parts := make([]string, 0, 4)
		for _, p := range cmd.Array() {
			parts = append(parts, p.String())
		}
		return strings.TrimSpace(strings.Join(parts, " "))
	}
	return strings.TrimSpace(cmd.String())
}

// formatCommand renders a finished command as
//
//	$ <command>
//	<output>
//	(exit: <code>)
//
// omitting the output line when there is none.
func formatCommand(item gjson.Result) string {
	var sb strings.Builder
	sb.WriteString("$ ")
	sb.WriteString(commandText(item))
	sb.WriteString("\n")

	if output := strings.TrimSpace(item.Get("aggregated_output").String()); output != "" {
		sb.WriteString(output)
		sb.WriteString("\n")
	}

	exit := "?"
	if code := item.Get("exit_code"); code.Type == gjson.Number {
		exit = strconv.FormatInt(code.Int(), 10)
	}
	sb.WriteString("(exit: ")
	sb.WriteString(exit)
	sb.WriteString(")")
	return sb.String()
}

// itemText returns item.text, or the content[].text parts joined by a blank line.
func itemText(item gjson.Result) string {
	if text := item.Get("text"); text.Type == gjson.String {
		if trimmed := strings.TrimSpace(text.Str); trimmed != "" {
			return trimmed
		}
	}

	content := item.Get("content")
	if !content.IsArray() {
		return ""
	}
	var parts []string
	for _, part := range content.Array() {
		text := part.Get("text")
		if text.Type != gjson.String {
			continue
		}
		if trimmed := strings.TrimSpace(text.Str); trimmed != "" {
			parts = append(parts, trimmed)
		}
	}
	return strings.TrimSpace(strings.Join(parts, "\n\n"))
}
