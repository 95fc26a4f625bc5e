package approval

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kandev/codexbridge/internal/agent/supervisor"
	"github.com/kandev/codexbridge/internal/agent/types"
	"github.com/kandev/codexbridge/internal/common/logger"
)

var topic = types.TopicKey{ChatID: 10, ThreadID: 20}

type fakeRunner struct {
	mu       sync.Mutex
	active   bool
	inputErr error
	runErr   error
	inputs   []string
	requests []types.RunRequest
}

func (f *fakeRunner) Active(types.TopicKey) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.active
}

func (f *fakeRunner) SendInput(_ types.TopicKey, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.inputErr != nil {
		return f.inputErr
	}
	f.inputs = append(f.inputs, text)
	return nil
}

func (f *fakeRunner) Run(_ context.Context, req types.RunRequest) (*supervisor.Run, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.runErr != nil {
		return nil, f.runErr
	}
	f.requests = append(f.requests, req)
	return &supervisor.Run{ID: "rerun", Topic: req.Topic}, nil
}

type fakeModes struct {
	modes map[types.TopicKey]types.ApprovalMode
}

func (f *fakeModes) SetApprovalMode(_ context.Context, topic types.TopicKey, mode types.ApprovalMode) error {
	f.modes[topic] = mode
	return nil
}

func newGate(r *fakeRunner) (*Gate, *fakeModes) {
	modes := &fakeModes{modes: map[types.TopicKey]types.ApprovalMode{}}
	return NewGate(NewStore(), r, modes, logger.NewNop()), modes
}

func originalRequest() types.RunRequest {
	return types.RunRequest{
		Topic:              topic,
		ProjectDir:         "/src/app",
		Prompt:             "clean the build dir",
		StopOnCommandStart: true,
		ApprovalMode:       types.ApprovalOnRequest,
	}
}

func TestParseDecision(t *testing.T) {
	for in, want := range map[string]Decision{
		"y": DecisionApprove, "Yes": DecisionApprove, "approve": DecisionApprove,
		"a": DecisionAlways, "ALWAYS": DecisionAlways,
		"n": DecisionDeny, "no": DecisionDeny, " deny ": DecisionDeny,
	} {
		got, err := ParseDecision(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
	_, err := ParseDecision("maybe")
	assert.Error(t, err)
}

func TestDecide_NothingPending(t *testing.T) {
	g, _ := newGate(&fakeRunner{})
	_, err := g.Decide(context.Background(), topic, DecisionApprove)
	assert.True(t, errors.Is(err, ErrNoPendingApproval))
}

func TestRequest_SupersedesPerTopic(t *testing.T) {
	g, _ := newGate(&fakeRunner{})

	assert.False(t, g.Request(Pending{Topic: topic, Command: "ls", Mode: ModeResume}))
	assert.True(t, g.Request(Pending{Topic: topic, Command: "rm -rf build", Mode: ModeResume}))

	p, ok := g.Pending(topic)
	require.True(t, ok)
	assert.Equal(t, "rm -rf build", p.Command)
	assert.False(t, p.CreatedAt.IsZero())
}

func TestDecide_NativeWritesStdin(t *testing.T) {
	tests := []struct {
		decision Decision
		want     string
	}{
		{DecisionApprove, "y\n"},
		{DecisionAlways, "a\n"},
		{DecisionDeny, "n\n"},
	}
	for _, tt := range tests {
		t.Run(string(tt.decision), func(t *testing.T) {
			r := &fakeRunner{active: true}
			g, _ := newGate(r)
			g.Request(Pending{Topic: topic, Command: "make clean", Mode: ModeNative, Request: originalRequest()})

			res, err := g.Decide(context.Background(), topic, tt.decision)
			require.NoError(t, err)
			assert.Equal(t, ModeNative, res.Mode)
			assert.Nil(t, res.Run)
			assert.Equal(t, []string{tt.want}, r.inputs)
			assert.Empty(t, r.requests)

			_, pending := g.Pending(topic)
			assert.False(t, pending)
		})
	}
}

func TestDecide_ResumeApproveUsesSession(t *testing.T) {
	r := &fakeRunner{}
	g, modes := newGate(r)
	g.Request(Pending{
		Topic:     topic,
		Command:   "rm -rf build",
		Mode:      ModeResume,
		Request:   originalRequest(),
		SessionID: "0199a5c2-7f1e-7d30",
	})

	res, err := g.Decide(context.Background(), topic, DecisionApprove)
	require.NoError(t, err)
	require.NotNil(t, res.Run)
	assert.Equal(t, ModeResume, res.Mode)
	assert.Empty(t, modes.modes)

	require.Len(t, r.requests, 1)
	req := r.requests[0]
	assert.Equal(t, "0199a5c2-7f1e-7d30", req.SessionID)
	assert.False(t, req.StopOnCommandStart)
	assert.Equal(t, "/src/app", req.ProjectDir)
	assert.Contains(t, req.Prompt, "rm -rf build")
	assert.Equal(t, types.ApprovalOnRequest, req.ApprovalMode)
}

func TestDecide_ResumeWithoutSessionRerunsOriginalPrompt(t *testing.T) {
	r := &fakeRunner{}
	g, modes := newGate(r)
	g.Request(Pending{Topic: topic, Command: "rm -rf build", Mode: ModeResume, Request: originalRequest()})

	_, err := g.Decide(context.Background(), topic, DecisionAlways)
	require.NoError(t, err)

	require.Len(t, r.requests, 1)
	req := r.requests[0]
	assert.Equal(t, "clean the build dir", req.Prompt)
	assert.Empty(t, req.SessionID)
	assert.Equal(t, types.ApprovalNever, req.ApprovalMode)
	assert.Equal(t, types.ApprovalNever, modes.modes[topic])
}

func TestDecide_ResumeDenyStartsNothing(t *testing.T) {
	r := &fakeRunner{}
	g, _ := newGate(r)
	g.Request(Pending{Topic: topic, Command: "rm -rf /", Mode: ModeResume, Request: originalRequest()})

	res, err := g.Decide(context.Background(), topic, DecisionDeny)
	require.NoError(t, err)
	assert.Nil(t, res.Run)
	assert.Empty(t, r.requests)
	assert.Empty(t, r.inputs)
}

func TestDecide_NativeFallsBackWhenProcessGone(t *testing.T) {
	r := &fakeRunner{active: false}
	g, _ := newGate(r)
	g.Request(Pending{Topic: topic, Command: "ls", Mode: ModeNative, Request: originalRequest()})

	res, err := g.Decide(context.Background(), topic, DecisionApprove)
	require.NoError(t, err)
	assert.Equal(t, ModeResume, res.Mode)
	assert.Empty(t, r.inputs)
	assert.Len(t, r.requests, 1)

	r2 := &fakeRunner{active: true, inputErr: types.ErrStdinClosed}
	g2, _ := newGate(r2)
	g2.Request(Pending{Topic: topic, Command: "ls", Mode: ModeNative, Request: originalRequest()})
	res, err = g2.Decide(context.Background(), topic, DecisionApprove)
	require.NoError(t, err)
	assert.Equal(t, ModeResume, res.Mode)
	assert.Len(t, r2.requests, 1)
}

func TestDecide_FailedResumeKeepsPending(t *testing.T) {
	r := &fakeRunner{runErr: types.ErrRunAlreadyActive}
	g, _ := newGate(r)
	g.Request(Pending{Topic: topic, Command: "ls", Mode: ModeResume, Request: originalRequest()})

	_, err := g.Decide(context.Background(), topic, DecisionApprove)
	assert.True(t, errors.Is(err, types.ErrRunAlreadyActive))

	_, pending := g.Pending(topic)
	assert.True(t, pending)
}

func TestDetectPrompt(t *testing.T) {
	tests := []struct {
		name string
		text string
		want string
		ok   bool
	}{
		{
			name: "fenced block",
			text: "Would you like to run the following command?\n```bash\nrm -rf build\n```",
			want: "rm -rf build",
			ok:   true,
		},
		{
			name: "dollar line",
			text: "I need to delete the cache. Allow command?\n  $ rm -rf .cache",
			want: "rm -rf .cache",
			ok:   true,
		},
		{
			name: "fenced with prompt prefix",
			text: "Approve running this?\n```\n$ make deploy\n```",
			want: "make deploy",
			ok:   true,
		},
		{
			name: "marker without command",
			text: "Would you like to run the following command? Let me know.",
			ok:   false,
		},
		{
			name: "command without marker",
			text: "I ran:\n$ ls -la",
			ok:   false,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := DetectPrompt(tt.text)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}
