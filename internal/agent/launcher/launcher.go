// Package launcher turns a RunRequest into the agent command line for the
// selected execution backend.
package launcher

import (
	"strings"

	"github.com/kandev/codexbridge/internal/agent/types"
	"github.com/kandev/codexbridge/internal/common/config"
)

// Defaults used when the corresponding setting is empty.
const (
	DefaultBinary       = "codex"
	DefaultDockerBinary = "docker"
	DefaultWSLBinary    = "wsl.exe"
)

// Config is the launch configuration shared by all runs.
type Config struct {
	Backend types.Backend

	Binary string

	DockerBinary      string
	DockerContainer   string
	DockerAgentBinary string

	WSLBinary      string
	WSLDistro      string
	WSLAgentBinary string

	SandboxMode  types.SandboxMode
	ApprovalMode types.ApprovalMode
	WebSearch    bool
}

// FromAgentConfig maps the agent section of the application config.
func FromAgentConfig(cfg config.AgentConfig) Config {
	return Config{
		Backend:           types.ParseBackend(cfg.Backend),
		Binary:            cfg.Binary,
		DockerBinary:      cfg.DockerBinary,
		DockerContainer:   cfg.DockerContainer,
		DockerAgentBinary: cfg.DockerAgentBinary,
		WSLBinary:         cfg.WSLBinary,
		WSLDistro:         cfg.WSLDistro,
		WSLAgentBinary:    cfg.WSLAgentBinary,
		SandboxMode:       types.SandboxMode(cfg.SandboxMode),
		ApprovalMode:      types.ApprovalMode(cfg.ApprovalMode),
		WebSearch:         cfg.WebSearch,
	}
}

// Command is a fully resolved process invocation.
type Command struct {
	Backend types.Backend
	Path    string
	Args    []string
	// Dir is the host working directory. Wrapped backends pass the project
	// directory as a wrapper flag instead and leave Dir empty.
	Dir string
}

// Argv returns the path followed by the arguments.
func (c Command) Argv() []string {
	return append([]string{c.Path}, c.Args...)
}

// String renders the command for logs, quoting arguments that need it.
func (c Command) String() string {
	return buildCmdLine(c.Argv())
}

// Build resolves the command for req. The request's backend wins over the
// configured default; an empty or unknown value falls back to local.
func Build(cfg Config, req types.RunRequest) Command {
	backend := req.Backend
	if backend == "" {
		backend = cfg.Backend
	}
	backend = types.ParseBackend(string(backend))

	switch backend {
	case types.BackendDocker:
		args := []string{"exec", "-i"}
		if req.ProjectDir != "" {
			args = append(args, "-w", req.ProjectDir)
		}
		args = append(args, cfg.DockerContainer, orDefault(cfg.DockerAgentBinary, DefaultBinary))
		args = append(args, agentArgs(cfg, req)...)
		return Command{Backend: backend, Path: orDefault(cfg.DockerBinary, DefaultDockerBinary), Args: args}

	case types.BackendWSL:
		var args []string
		if cfg.WSLDistro != "" {
			args = append(args, "-d", cfg.WSLDistro)
		}
		if req.ProjectDir != "" {
			args = append(args, "--cd", req.ProjectDir)
		}
		args = append(args, "--", orDefault(cfg.WSLAgentBinary, DefaultBinary))
		args = append(args, agentArgs(cfg, req)...)
		return Command{Backend: backend, Path: orDefault(cfg.WSLBinary, DefaultWSLBinary), Args: args}

	default:
		return Command{
			Backend: types.BackendLocal,
			Path:    orDefault(cfg.Binary, DefaultBinary),
			Args:    agentArgs(cfg, req),
			Dir:     req.ProjectDir,
		}
	}
}

// agentArgs builds the arguments understood by the agent binary itself:
//
//	exec --json --skip-git-repo-check --sandbox <mode> [--search]
//	     -c approval_policy="<mode>" (<prompt> | resume <session> <prompt>)
func agentArgs(cfg Config, req types.RunRequest) []string {
	args := []string{"exec", "--json", "--skip-git-repo-check"}

	sandbox := req.SandboxMode
	if !sandbox.Valid() {
		sandbox = cfg.SandboxMode
	}
	if sandbox.Valid() {
		args = append(args, "--sandbox", string(sandbox))
	}

	if cfg.WebSearch {
		args = append(args, "--search")
	}

	approval := req.ApprovalMode
	if !approval.Valid() {
		approval = cfg.ApprovalMode
	}
	if approval.Valid() {
		args = append(args, "-c", `approval_policy="`+string(approval)+`"`)
	}

	if req.SessionID != "" {
		args = append(args, "resume", req.SessionID)
	}
	if strings.HasPrefix(req.Prompt, "-") {
		args = append(args, "--")
	}
	return append(args, req.Prompt)
}

func orDefault(v, def string) string {
	if strings.TrimSpace(v) == "" {
		return def
	}
	return v
}
