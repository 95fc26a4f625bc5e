package decoder

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kandev/codexbridge/internal/agent/types"
)

func TestDecode_AgentMessage(t *testing.T) {
	upd, ok := Decode(`{"type":"item.completed","item":{"type":"agent_message","text":"hello"}}`)
	require.True(t, ok)
	assert.Equal(t, types.KindAnswer, upd.Kind)
	assert.Equal(t, "hello", upd.Text)
	assert.False(t, upd.IsFinal)
}

func TestDecode_Reasoning(t *testing.T) {
	upd, ok := Decode(`{"type":"item.completed","item":{"id":"item_0","type":"reasoning","text":"  **Planning**\n"}}`)
	require.True(t, ok)
	assert.Equal(t, types.KindReasoning, upd.Kind)
	assert.Equal(t, "**Planning**", upd.Text)
}

func TestDecode_ContentParts(t *testing.T) {
	line := `{"type":"item.completed","item":{"type":"agent_message","content":[{"type":"text","text":"first"},{"type":"image"},{"type":"text","text":" second "}]}}`
	upd, ok := Decode(line)
	require.True(t, ok)
	assert.Equal(t, "first\n\nsecond", upd.Text)
}

func TestDecode_EmptyItemYieldsNothing(t *testing.T) {
	_, ok := Decode(`{"type":"item.completed","item":{"type":"agent_message","text":"   "}}`)
	assert.False(t, ok)

	_, ok = Decode(`{"type":"item.completed","item":{"type":"file_change","changes":[]}}`)
	assert.False(t, ok)
}

func TestDecode_CommandStart(t *testing.T) {
	upd, ok := Decode(`{"type":"item.started","item":{"type":"command_execution","command":"rm -rf /tmp/x","status":"in_progress"}}`)
	require.True(t, ok)
	assert.Equal(t, types.KindCommandStart, upd.Kind)
	assert.Equal(t, "rm -rf /tmp/x", upd.Text)

	_, ok = Decode(`{"type":"item.started","item":{"type":"reasoning"}}`)
	assert.False(t, ok)
}

func TestDecode_CommandCompleted(t *testing.T) {
	tests := []struct {
		name string
		line string
		want string
	}{
		{
			name: "with output",
			line: `{"type":"item.completed","item":{"type":"command_execution","command":"ls","aggregated_output":"a\nb\n","exit_code":0}}`,
			want: "$ ls\na\nb\n(exit: 0)",
		},
		{
			name: "no output",
			line: `{"type":"item.completed","item":{"type":"command_execution","command":"true","aggregated_output":"","exit_code":1}}`,
			want: "$ true\n(exit: 1)",
		},
		{
			name: "missing exit code",
			line: `{"type":"item.completed","item":{"type":"command_execution","command":"sleep 1"}}`,
			want: "$ sleep 1\n(exit: ?)",
		},
		{
			name: "argv command",
			line: `{"type":"item.completed","item":{"type":"command_execution","command":["bash","-lc","pwd"],"exit_code":0}}`,
			want: "$ bash -lc pwd\n(exit: 0)",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			upd, ok := Decode(tt.line)
			require.True(t, ok)
			assert.Equal(t, types.KindCommand, upd.Kind)
			assert.Equal(t, tt.want, upd.Text)
		})
	}
}

func TestDecode_TurnCompletedWithBudget(t *testing.T) {
	upd, ok := Decode(`{"type":"turn.completed","usage":{"input_tokens":10},"context_left_percent":0.42}`)
	require.True(t, ok)
	assert.Equal(t, types.KindStatus, upd.Kind)
	assert.Equal(t, "Context left: 42%", upd.Text)
	require.NotNil(t, upd.ContextLeft)
	assert.Equal(t, 42, *upd.ContextLeft)

	_, ok = Decode(`{"type":"turn.completed","usage":{"input_tokens":10,"output_tokens":3}}`)
	assert.False(t, ok)
}

func TestDecode_Failures(t *testing.T) {
	upd, ok := Decode(`{"type":"turn.failed","error":{"message":"stream disconnected"}}`)
	require.True(t, ok)
	assert.Equal(t, types.KindStatus, upd.Kind)
	assert.Equal(t, "Turn failed: stream disconnected", upd.Text)

	upd, ok = Decode(`{"type":"error","message":"Reconnecting... 1/5"}`)
	require.True(t, ok)
	assert.Equal(t, "Error: Reconnecting... 1/5", upd.Text)
}

func TestDecode_MalformedInput(t *testing.T) {
	lines := []string{
		"",
		"   ",
		"not json at all",
		"{",
		`{"type":`,
		`["item.completed"]`,
		`{"type":42}`,
		`{"item":{"type":"agent_message","text":"x"}}`,
		`{"type":"item.completed"}`,
		`{"type":"item.completed","item":"nope"}`,
		`{"type":"thread.started","thread_id":"0199a5c2-7f1e-7d30-a1b2-3c4d5e6f7a8b"}`,
		`{"type":"turn.started"}`,
	}
	for _, line := range lines {
		assert.NotPanics(t, func() {
			_, ok := Decode(line)
			assert.False(t, ok, "line %q", line)
		})
	}
}

func TestExtractSessionID_ThreadStartedIsAuthoritative(t *testing.T) {
	id, ok := ExtractSessionID(`{"type":"thread.started","thread_id":"0199a5c2-7f1e-7d30-a1b2-3c4d5e6f7a8b","session_id":"other-session-123"}`)
	require.True(t, ok)
	assert.Equal(t, "0199a5c2-7f1e-7d30-a1b2-3c4d5e6f7a8b", id)

	_, ok = ExtractSessionID(`{"type":"thread.started","thread_id":"1234"}`)
	assert.False(t, ok)
}

func TestExtractSessionID_RecursiveScan(t *testing.T) {
	line := `{"type":"session.configured","meta":[{"note":"x"},{"inner":{"conversationId":"conv_abcdef123456"}}],"sessionId":"sess-zzzzzzzzzzzz"}`
	id, ok := ExtractSessionID(line)
	require.True(t, ok)
	assert.Equal(t, "conv_abcdef123456", id)
}

func TestExtractSessionID_SkipsImplausibleValues(t *testing.T) {
	line := `{"type":"x","chat_id":"123456789012345","nested":{"session_id":"short-id"},"thread_id":"thr:abcdefghijk"}`
	id, ok := ExtractSessionID(line)
	require.True(t, ok)
	assert.Equal(t, "thr:abcdefghijk", id)
}

func TestExtractSessionID_NeverImplausible(t *testing.T) {
	lines := []string{
		`{"type":"x","chat_id":123456789012345}`,
		`{"type":"x","session_id":"12345678901234"}`,
		`{"type":"x","session_id":"abcdefghijklmnop"}`,
		`{"type":"x","session_id":"a-b"}`,
		`{"message":{"chat_id":"-100123456789","thread_id":"42"}}`,
		`{"type":"thread.started","thread_id":"1700000000.123456"}`,
		`{"type":"x","chatId":"-1001234567890"}`,
		`session id: 1700000000.123456`,
		`session id: 123456789012`,
		`garbage`,
	}
	for _, line := range lines {
		id, ok := ExtractSessionID(line)
		assert.False(t, ok, "line %q returned %q", line, id)
	}
}

func TestExtractSessionID_SignedChatIDFallsThrough(t *testing.T) {
	line := `{"type":"x","message":{"chat_id":"-1001234567890","session":{"session_id":"0199a5c2-7f1e-7d30"}}}`
	id, ok := ExtractSessionID(line)
	require.True(t, ok)
	assert.Equal(t, "0199a5c2-7f1e-7d30", id)
}

func TestExtractSessionID_TextBanner(t *testing.T) {
	id, ok := ExtractSessionID("session id: 0199a5c2-7f1e-7d30-a1b2-3c4d5e6f7a8b")
	require.True(t, ok)
	assert.Equal(t, "0199a5c2-7f1e-7d30-a1b2-3c4d5e6f7a8b", id)
}

func TestExtractContextBudget_Text(t *testing.T) {
	tests := []struct {
		line string
		want int
		ok   bool
	}{
		{"42% context left", 42, true},
		{"context remaining: 0.3", 30, true},
		{"Context left: 73%", 73, true},
		{"token usage: 12% remaining", 12, true},
		{"150% context left", 0, false},
		{"nothing to see", 0, false},
	}
	for _, tt := range tests {
		t.Run(tt.line, func(t *testing.T) {
			got, ok := ExtractContextBudget(tt.line)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestExtractContextBudget_Structured(t *testing.T) {
	tests := []struct {
		name string
		line string
		want int
		ok   bool
	}{
		{"ratio", `{"type":"turn.completed","context_left_percent":0.42}`, 42, true},
		{"integer", `{"type":"turn.completed","contextWindowPct":73}`, 73, true},
		{"nested string", `{"type":"turn.completed","info":{"Context-Remaining-Percent":"55%"}}`, 55, true},
		{"out of range", `{"type":"turn.completed","context_left_percent":150}`, 0, false},
		{"negative", `{"type":"turn.completed","context_left_percent":-3}`, 0, false},
		{"unrelated key", `{"type":"turn.completed","percent_done":40}`, 0, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := ExtractContextBudget(tt.line)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestExtractContextBudget_AlwaysInRange(t *testing.T) {
	lines := []string{
		"0% context left",
		"100% context left",
		"context remaining: 1",
		"context remaining: 0.999",
		`{"context_percent_left":"0.001"}`,
	}
	for _, line := range lines {
		got, ok := ExtractContextBudget(line)
		require.True(t, ok, line)
		assert.GreaterOrEqual(t, got, 0)
		assert.LessOrEqual(t, got, 100)
	}
}
