package launcher

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/kandev/codexbridge/internal/agent/types"
	"github.com/kandev/codexbridge/internal/common/config"
)

func baseConfig() Config {
	return Config{
		Backend:      types.BackendLocal,
		Binary:       "codex",
		SandboxMode:  types.SandboxWorkspaceWrite,
		ApprovalMode: types.ApprovalOnRequest,
	}
}

func TestBuild_LocalFreshRun(t *testing.T) {
	cmd := Build(baseConfig(), types.RunRequest{ProjectDir: "/src/app", Prompt: "fix the bug"})

	assert.Equal(t, types.BackendLocal, cmd.Backend)
	assert.Equal(t, "codex", cmd.Path)
	assert.Equal(t, "/src/app", cmd.Dir)
	assert.Equal(t, []string{
		"exec", "--json", "--skip-git-repo-check",
		"--sandbox", "workspace-write",
		"-c", `approval_policy="on-request"`,
		"fix the bug",
	}, cmd.Args)
	assert.Equal(t,
		`codex exec --json --skip-git-repo-check --sandbox workspace-write -c "approval_policy=\"on-request\"" "fix the bug"`,
		cmd.String())
}

func TestBuild_ResumeWithOverrides(t *testing.T) {
	cfg := baseConfig()
	cfg.WebSearch = true

	cmd := Build(cfg, types.RunRequest{
		Prompt:       "continue",
		SessionID:    "0199a5c2-7f1e-7d30",
		SandboxMode:  types.SandboxReadOnly,
		ApprovalMode: types.ApprovalNever,
	})

	assert.Equal(t, []string{
		"exec", "--json", "--skip-git-repo-check",
		"--sandbox", "read-only",
		"--search",
		"-c", `approval_policy="never"`,
		"resume", "0199a5c2-7f1e-7d30", "continue",
	}, cmd.Args)
}

func TestBuild_InvalidOverrideFallsBackToConfig(t *testing.T) {
	cmd := Build(baseConfig(), types.RunRequest{Prompt: "x", SandboxMode: "yolo", ApprovalMode: "sometimes"})
	assert.Contains(t, cmd.Args, "workspace-write")
	assert.Contains(t, cmd.Args, `approval_policy="on-request"`)
}

func TestBuild_DashPromptIsNotAFlag(t *testing.T) {
	cmd := Build(baseConfig(), types.RunRequest{Prompt: "--help me"})
	n := len(cmd.Args)
	assert.Equal(t, []string{"--", "--help me"}, cmd.Args[n-2:])
}

func TestBuild_Docker(t *testing.T) {
	cfg := baseConfig()
	cfg.Backend = types.BackendDocker
	cfg.DockerContainer = "agent-box"
	cfg.DockerAgentBinary = "/usr/local/bin/codex"

	cmd := Build(cfg, types.RunRequest{ProjectDir: "/workspace", Prompt: "hi"})

	assert.Equal(t, types.BackendDocker, cmd.Backend)
	assert.Equal(t, "docker", cmd.Path)
	assert.Empty(t, cmd.Dir)
	assert.Equal(t, []string{"exec", "-i", "-w", "/workspace", "agent-box", "/usr/local/bin/codex", "exec", "--json"}, cmd.Args[:8])
	assert.Equal(t, "hi", cmd.Args[len(cmd.Args)-1])
}

func TestBuild_WSL(t *testing.T) {
	cfg := baseConfig()
	cfg.WSLDistro = "Ubuntu"

	cmd := Build(cfg, types.RunRequest{Backend: types.BackendWSL, ProjectDir: `C:\src\app`, Prompt: "hi"})

	assert.Equal(t, types.BackendWSL, cmd.Backend)
	assert.Equal(t, "wsl.exe", cmd.Path)
	assert.Equal(t, []string{"-d", "Ubuntu", "--cd", `C:\src\app`, "--", "codex", "exec"}, cmd.Args[:7])
}

func TestBuild_UnknownBackendFallsBackToLocal(t *testing.T) {
	cmd := Build(baseConfig(), types.RunRequest{Backend: "kubernetes", Prompt: "hi"})
	assert.Equal(t, types.BackendLocal, cmd.Backend)
	assert.Equal(t, "codex", cmd.Path)
}

func TestFromAgentConfig(t *testing.T) {
	cfg := FromAgentConfig(config.AgentConfig{
		Backend:      "WSL",
		Binary:       "/opt/codex",
		SandboxMode:  "read-only",
		ApprovalMode: "never",
		WebSearch:    true,
	})
	assert.Equal(t, types.BackendWSL, cfg.Backend)
	assert.Equal(t, "/opt/codex", cfg.Binary)
	assert.Equal(t, types.SandboxReadOnly, cfg.SandboxMode)
	assert.Equal(t, types.ApprovalNever, cfg.ApprovalMode)
	assert.True(t, cfg.WebSearch)
}

func TestQuoteArg(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"", `""`},
		{"plain", "plain"},
		{"two words", `"two words"`},
		{`say "hi"`, `"say \"hi\""`},
		{"it's", `"it's"`},
		{`C:\dir`, `C:\dir`},
		{"a\nb", `"a\nb"`},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, quoteArg(tt.in))
		})
	}
}
