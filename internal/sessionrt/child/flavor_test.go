package agent

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolveFlavor_DefaultsToClaude(t *testing.T) {
	spec, err := resolveFlavor("")
	require.NoError(t, err)
	assert.Equal(t, "claude", spec.bin)
}

func TestResolveFlavor_UnknownFlavorErrors(t *testing.T) {
	_, err := resolveFlavor(Flavor("unknown"))
	assert.Error(t, err)
}

func TestClaudeArgs_IncludesEffortAndResume(t *testing.T) {
	args := claudeArgs(Options{Model: "sonnet", Effort: "high", ResumeSessionID: "sess-1"})
	assert.Contains(t, args, "--model")
	assert.Contains(t, args, "sonnet")
	assert.Contains(t, args, "--effort")
	assert.Contains(t, args, "high")
	assert.Contains(t, args, "--resume")
	assert.Contains(t, args, "sess-1")
}

func TestCodexArgs_ResumePrependsSubcommand(t *testing.T) {
	args := codexArgs(Options{Model: "o1", ResumeSessionID: "sess-2", PermissionMode: "bypassPermissions"})
	assert.Equal(t, "exec", args[0])
	assert.Contains(t, args, "resume")
	assert.Contains(t, args, "sess-2")
	assert.Contains(t, args, "danger-full-access")
}

func TestCodexArgs_DefaultSandboxIsWorkspaceWrite(t *testing.T) {
	args := codexArgs(Options{Model: "o1"})
	assert.Contains(t, args, "workspace-write")
}

func TestGeminiArgs_YoloOnlyWhenBypassed(t *testing.T) {
	args := geminiArgs(Options{Model: "pro", PermissionMode: "bypassPermissions"})
	assert.Contains(t, args, "--yolo")

	args = geminiArgs(Options{Model: "pro", PermissionMode: "default"})
	assert.NotContains(t, args, "--yolo")
}

func TestFlavorSpecs_EachBuildsDistinctBinary(t *testing.T) {
	seen := map[string]bool{}
	for _, f := range []Flavor{FlavorClaude, FlavorCodex, FlavorGemini} {
		spec, err := resolveFlavor(f)
		require.NoError(t, err)
		assert.False(t, seen[spec.bin], "duplicate binary %s", spec.bin)
		seen[spec.bin] = true
		assert.NotEmpty(t, spec.extraEnv(Options{}))
	}
}
