package agent

import "fmt"

// Flavor identifies which assistant implementation a session's child
// process runs (spec §3 "Flavor": Claude, Codex, Gemini).
type Flavor string

const (
	FlavorClaude Flavor = "claude"
	FlavorCodex  Flavor = "codex"
	FlavorGemini Flavor = "gemini"
)

// defaultFlavor is used when Options.Flavor is left zero, preserving
// Claude-Code-only behavior for callers that predate the multi-flavor
// child process.
const defaultFlavor = FlavorClaude

// flavorSpec is the small per-flavor argv/env builder the three
// assistant CLIs are adapted through. The rest of Agent — the NDJSON
// stdout pump and the control_request/control_response handshake — is
// identical across flavors; only how the subprocess is invoked
// differs.
type flavorSpec struct {
	bin        string
	buildArgs  func(opts Options) []string
	filterKeys []string
	extraEnv   func(opts Options) []string
}

var flavorSpecs = map[Flavor]flavorSpec{
	FlavorClaude: {
		bin:        "claude",
		buildArgs:  claudeArgs,
		filterKeys: []string{"CLAUDECODE", "CLAUDE_CODE_ENTRYPOINT"},
		extraEnv:   func(Options) []string { return []string{"CLAUDE_CODE_ENTRYPOINT=sdk-ts"} },
	},
	FlavorCodex: {
		bin:        "codex",
		buildArgs:  codexArgs,
		filterKeys: []string{"CODEX_MANAGED_BY_HAPPY"},
		extraEnv:   func(Options) []string { return []string{"CODEX_MANAGED_BY_HAPPY=1"} },
	},
	FlavorGemini: {
		bin:        "gemini",
		buildArgs:  geminiArgs,
		filterKeys: []string{"GEMINI_CLI_ENTRYPOINT"},
		extraEnv:   func(Options) []string { return []string{"GEMINI_CLI_ENTRYPOINT=happy"} },
	},
}

func resolveFlavor(f Flavor) (flavorSpec, error) {
	if f == "" {
		f = defaultFlavor
	}
	spec, ok := flavorSpecs[f]
	if !ok {
		return flavorSpec{}, fmt.Errorf("unknown agent flavor %q", f)
	}
	return spec, nil
}

// claudeArgs builds the argv for Claude Code's stream-json stdio
// protocol.
func claudeArgs(opts Options) []string {
	args := []string{
		"--model", opts.Model,
		"--output-format", "stream-json",
		"--input-format", "stream-json",
		"--verbose",
		"--setting-sources", "user,project,local",
	}
	if opts.PermissionMode == "bypassPermissions" {
		args = append(args, "--dangerously-skip-permissions")
	} else {
		// Route every other permission mode through the control-request
		// handshake so Agent.handleInboundPermissionRequest sees a
		// can_use_tool request instead of Claude auto-approving locally.
		args = append(args, "--permission-prompt-tool", "stdio")
	}
	if opts.Effort != "" {
		args = append(args, "--effort", opts.Effort)
	}
	if opts.ResumeSessionID != "" {
		args = append(args, "--resume", opts.ResumeSessionID)
	}
	return args
}

// codexArgs builds the argv for `codex exec`'s non-interactive JSON
// event stream, Codex's analogue of Claude's stream-json mode.
func codexArgs(opts Options) []string {
	args := []string{"exec", "--json", "--skip-git-repo-check"}
	if opts.ResumeSessionID != "" {
		args = append(args, "resume", opts.ResumeSessionID)
	}
	args = append(args, "--model", opts.Model)
	if opts.Effort != "" {
		args = append(args, "-c", fmt.Sprintf("model_reasoning_effort=%s", opts.Effort))
	}
	args = append(args, "--sandbox", codexSandboxFor(opts.PermissionMode))
	return args
}

// codexSandboxFor maps a Happy permission mode to Codex's sandbox
// policy flag; bypassPermissions maps to full network+filesystem
// access, matching Claude's --dangerously-skip-permissions.
func codexSandboxFor(mode string) string {
	if mode == "bypassPermissions" {
		return "danger-full-access"
	}
	return "workspace-write"
}

// geminiArgs builds the argv for the Gemini CLI's non-interactive
// JSON output mode.
func geminiArgs(opts Options) []string {
	args := []string{"--model", opts.Model, "--output-format", "json"}
	if opts.PermissionMode == "bypassPermissions" {
		args = append(args, "--yolo")
	}
	if opts.ResumeSessionID != "" {
		args = append(args, "--resume", opts.ResumeSessionID)
	}
	return args
}
