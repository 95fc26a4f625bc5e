package approval

import (
	"strings"
)

// promptMarkers are lowercase phrases the agent uses when it asks before
// running a command.
var promptMarkers = []string{
	"would you like to run the following command",
	"allow command?",
	"approve running",
	"do you want to run this command",
	"requires your approval",
}

// DetectPrompt looks for an approval prompt in the text of an answer or
// status update and returns the command it asks about. Both a marker phrase
// and a command (fenced block or "$ " line) must be present.
func DetectPrompt(text string) (string, bool) {
	lower := strings.ToLower(text)
	found := false
	for _, marker := range promptMarkers {
		if strings.Contains(lower, marker) {
			found = true
			break
		}
	}
	if !found {
		return "", false
	}

	if cmd := fencedCommand(text); cmd != "" {
		return cmd, true
	}
	if cmd := dollarCommand(text); cmd != "" {
		return cmd, true
	}
	return "", false
}

// fencedCommand returns the body of the first ``` block, without its info string.
func fencedCommand(text string) string {
	start := strings.Index(text, "```")
	if start < 0 {
		return ""
	}
	rest := text[start+3:]
	end := strings.Index(rest, "```")
	if end < 0 {
		return ""
	}
	body := rest[:end]

	// Drop an info string such as "bash" or "sh" on the opening line.
	if nl := strings.IndexByte(body, '\n'); nl >= 0 {
		if info := strings.TrimSpace(body[:nl]); info != "" && !strings.ContainsAny(info, " \t") {
			body = body[nl+1:]
		}
	}
	body = strings.TrimSpace(body)
	body = strings.TrimPrefix(body, "$ ")
	return strings.TrimSpace(body)
}

func dollarCommand(text string) string {
	for _, line := range strings.Split(text, "\n") {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "$ ") {
			if cmd := strings.TrimSpace(trimmed[2:]); cmd != "" {
				return cmd
			}
		}
	}
	return ""
}
