package identity

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestScaffoldCreatesProfiles(t *testing.T) {
	dir := t.TempDir()

	result, err := ScaffoldProfiles(dir, []string{"zealot", "oracle"}, false)
	if err != nil {
		t.Fatalf("ScaffoldProfiles failed: %v", err)
	}
	if len(result.Errors) > 0 {
		t.Fatalf("Unexpected errors: %v", result.Errors)
	}
	if len(result.Created) != 2 {
		t.Errorf("Expected 2 created, got %d", len(result.Created))
	}

	data, err := os.ReadFile(filepath.Join(dir, "zealot.md"))
	if err != nil {
		t.Fatalf("Expected zealot.md to exist: %v", err)
	}
	if !strings.Contains(string(data), "You are **zealot**") {
		t.Errorf("Profile was not rendered for the agent: %s", data)
	}
}

func TestScaffoldSkipsExistingProfiles(t *testing.T) {
	dir := t.TempDir()

	customContent := []byte("# My Custom Profile")
	os.WriteFile(filepath.Join(dir, "zealot.md"), customContent, 0644)

	result, err := ScaffoldProfiles(dir, []string{"zealot"}, false)
	if err != nil {
		t.Fatalf("ScaffoldProfiles failed: %v", err)
	}
	if len(result.Skipped) != 1 || result.Skipped[0] != "zealot.md" {
		t.Errorf("Expected zealot.md to be skipped, got %v", result.Skipped)
	}

	data, _ := os.ReadFile(filepath.Join(dir, "zealot.md"))
	if string(data) != string(customContent) {
		t.Error("Custom profile was overwritten without force")
	}

	result, err = ScaffoldProfiles(dir, []string{"zealot"}, true)
	if err != nil {
		t.Fatalf("ScaffoldProfiles with force failed: %v", err)
	}
	if len(result.Created) != 1 {
		t.Errorf("Expected forced overwrite, got %+v", result)
	}
}

func TestLoaderFallsBackToDefault(t *testing.T) {
	dir := t.TempDir()
	l := NewLoader(dir)

	def, err := l.Load("zealot")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if def.Path != "" || def.Hash != Hash(def.Text) {
		t.Fatalf("Unexpected default profile: %+v", def)
	}

	os.WriteFile(l.Path("zealot"), []byte("custom"), 0644)
	custom, err := l.Load("zealot")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if custom.Text != "custom" || custom.Hash == def.Hash || custom.Path == "" {
		t.Fatalf("Expected file profile with a new hash, got %+v", custom)
	}

	other, _ := l.Load("oracle")
	if other.Hash == def.Hash {
		t.Fatal("Different agents must not share a default profile hash")
	}

	if _, err := l.Load("../etc/passwd"); err == nil {
		t.Fatal("Expected path traversal to be rejected")
	}
}
