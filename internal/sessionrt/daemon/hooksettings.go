package daemon

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// hookSettingsFile is the local-scope settings file Claude Code reads
// from a session's own working directory when "local" is among its
// --setting-sources (child/flavor.go's claudeArgs passes
// user,project,local). No corpus precedent existed for
// its exact shape so this follows Claude Code's own documented
// settings.local.json/hooks convention: a SessionStart hook shells out
// to curl, posting the new session id to hookserver.Server's
// /hooks/session-id-rotated endpoint (spec §4.3: "a hook server that
// receives lifecycle hooks from the assistant").
const hookSettingsFile = ".claude/settings.local.json"

type hookSettingsDoc struct {
	Hooks map[string][]hookSettingsMatcher `json:"hooks"`
}

type hookSettingsMatcher struct {
	Matcher string              `json:"matcher"`
	Hooks   []hookSettingsEntry `json:"hooks"`
}

type hookSettingsEntry struct {
	Type    string `json:"type"`
	Command string `json:"command"`
}

// writeHookSettings writes workingDir/.claude/settings.local.json so
// the assistant child posts its SessionStart session id to the
// session's hook server on 127.0.0.1:hookPort (spec §4.3 step 5).
func writeHookSettings(workingDir string, hookPort int) error {
	command := fmt.Sprintf(
		`curl -s -X POST -H 'Content-Type: application/json' -d "{\"newSessionId\":\"$CLAUDE_SESSION_ID\"}" http://127.0.0.1:%d/hooks/session-id-rotated`,
		hookPort,
	)
	doc := hookSettingsDoc{
		Hooks: map[string][]hookSettingsMatcher{
			"SessionStart": {{
				Matcher: "",
				Hooks:   []hookSettingsEntry{{Type: "command", Command: command}},
			}},
		},
	}

	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal hook settings: %w", err)
	}

	path := filepath.Join(workingDir, hookSettingsFile)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create %s: %w", filepath.Dir(path), err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}
