package prompt

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestLoad_EmbeddedTemplates(t *testing.T) {
	loader := NewLoader("", nil)

	agents := []string{"query_rewrite", "schema_selection", "disambiguation", "generation", "correction", "answer"}
	for _, name := range agents {
		def, err := loader.Load(name)
		if err != nil {
			t.Errorf("Load(%s) error = %v", name, err)
			continue
		}
		if def.SystemMessage == "" {
			t.Errorf("Load(%s): empty system message", name)
		}
	}
}

func TestLoad_UnknownAgent(t *testing.T) {
	loader := NewLoader("", nil)
	if _, err := loader.Load("nonexistent"); err == nil {
		t.Fatal("expected error for unknown prompt")
	}
}

func TestRender_SubstitutesVariables(t *testing.T) {
	loader := NewLoader("", nil)

	def, err := loader.Load("generation")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	out, err := def.Render(map[string]any{
		"target_engine":         "tsql",
		"engine_specific_rules": "Use TOP instead of LIMIT.",
		"row_limit":             100,
	})
	if err != nil {
		t.Fatalf("Render() error = %v", err)
	}

	if !strings.Contains(out, "tsql") {
		t.Error("target_engine not substituted")
	}
	if !strings.Contains(out, "Use TOP instead of LIMIT.") {
		t.Error("engine_specific_rules not substituted")
	}
	if !strings.Contains(out, "100 rows") {
		t.Error("row_limit not substituted")
	}
	if strings.Contains(out, "{{") {
		t.Errorf("unreplaced placeholders remain:\n%s", out)
	}
}

func TestRender_ConditionalFollowUps(t *testing.T) {
	loader := NewLoader("", nil)

	def, err := loader.Load("answer")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	with, err := def.Render(map[string]any{"use_case": "x", "generate_follow_up_suggestions": true})
	if err != nil {
		t.Fatalf("Render() error = %v", err)
	}
	without, err := def.Render(map[string]any{"use_case": "x", "generate_follow_up_suggestions": false})
	if err != nil {
		t.Fatalf("Render() error = %v", err)
	}

	if !strings.Contains(with, "follow_up_suggestions") {
		t.Error("enabled render missing follow-up instructions")
	}
	if strings.Contains(without, "follow_up_suggestions") {
		t.Error("disabled render still contains follow-up instructions")
	}
}

func TestLoad_OverrideDirWins(t *testing.T) {
	dir := t.TempDir()
	override := "name: generation\nsystem_message: |\n  OVERRIDDEN {{ target_engine }}\n"
	if err := os.WriteFile(filepath.Join(dir, "generation.yaml"), []byte(override), 0o644); err != nil {
		t.Fatal(err)
	}

	loader := NewLoader(dir, nil)
	def, err := loader.Load("generation")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if !strings.Contains(def.SystemMessage, "OVERRIDDEN") {
		t.Error("override directory did not shadow embedded template")
	}
}
