package main

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestLoadManifest(t *testing.T) {
	m, err := loadManifest("")
	if err != nil {
		t.Fatal(err)
	}
	for _, event := range hookEvents {
		groups := m.Hooks[event]
		if len(groups) == 0 {
			t.Fatalf("manifest has no %s hooks", event)
		}
		for _, g := range groups {
			for _, h := range g.Hooks {
				if !isWardenHookCommand(h.Command) {
					t.Errorf("%s: %q is not recognised as a warden hook", event, h.Command)
				}
			}
		}
	}
}

func TestLoadManifest_CustomCommand(t *testing.T) {
	m, err := loadManifest("/opt/bin/warden --config /etc/warden.yaml")
	if err != nil {
		t.Fatal(err)
	}
	got := m.Hooks["PreToolUse"][0].Hooks[0].Command
	if got != "/opt/bin/warden --config /etc/warden.yaml hook pre" {
		t.Errorf("command = %q", got)
	}
}

func TestMergeHookEvents_KeepsForeignHooks(t *testing.T) {
	raw := map[string]any{}
	existing := `{
	  "permissions": {"allow": ["Bash(ls)"]},
	  "hooks": {
	    "PreToolUse": [
	      {"matcher": "Bash", "hooks": [{"type": "command", "command": "lint-guard"}]},
	      {"matcher": "*", "hooks": [{"type": "command", "command": "old/warden hook pre"}]}
	    ],
	    "Stop": [{"hooks": [{"type": "command", "command": "notify"}]}]
	  }
	}`
	if err := json.Unmarshal([]byte(existing), &raw); err != nil {
		t.Fatal(err)
	}
	m, err := loadManifest("")
	if err != nil {
		t.Fatal(err)
	}

	hooksMap := cloneHooksMap(raw)
	if n := mergeHookEvents(hooksMap, m); n != 2 {
		t.Errorf("installed %d events, want 2", n)
	}

	pre := hooksMap["PreToolUse"].([]any)
	if len(pre) != 2 {
		t.Fatalf("PreToolUse has %d groups, want the foreign one plus warden's", len(pre))
	}
	if first := pre[0].(map[string]any); first["matcher"] != "Bash" {
		t.Errorf("foreign group lost or reordered: %v", first)
	}
	if !hookGroupContainsWarden(hooksMap, "PostToolUse") {
		t.Error("PostToolUse hook not installed")
	}
	if _, ok := hooksMap["Stop"]; !ok {
		t.Error("unrelated event dropped")
	}
	if _, ok := raw["permissions"]; !ok {
		t.Error("unrelated settings dropped")
	}
}

func TestWriteAndLoadHooksSettings(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".claude", "settings.json")

	got, err := loadHooksSettings(path)
	if err != nil {
		t.Fatalf("missing file: %v", err)
	}
	if len(got) != 0 {
		t.Errorf("expected empty settings, got %v", got)
	}

	settings := map[string]any{"hooks": map[string]any{}}
	if err := writeHooksSettings(path, settings); err != nil {
		t.Fatal(err)
	}
	if _, err := loadHooksSettings(path); err != nil {
		t.Fatalf("reload: %v", err)
	}

	var buf strings.Builder
	if err := backupHooksSettings(&buf, path); err != nil {
		t.Fatal(err)
	}
	matches, _ := filepath.Glob(path + ".backup.*")
	if len(matches) != 1 {
		t.Errorf("expected one backup, got %v", matches)
	}

	if err := os.WriteFile(path, []byte("{broken"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := loadHooksSettings(path); err == nil {
		t.Error("expected a parse error for malformed settings")
	}
}

func TestIsWardenHookCommand(t *testing.T) {
	tests := map[string]bool{
		"warden hook pre":                 true,
		"/usr/local/bin/warden hook post": true,
		"warden status":                   false,
		"other-tool hook pre":             false,
		"lint-guard":                      false,
	}
	for cmd, want := range tests {
		if got := isWardenHookCommand(cmd); got != want {
			t.Errorf("isWardenHookCommand(%q) = %v, want %v", cmd, got, want)
		}
	}
}
