package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestInstallationIDStableAcrossCalls(t *testing.T) {
	t.Setenv("HOME", t.TempDir())

	first, err := InstallationID()
	if err != nil {
		t.Fatal(err)
	}
	if len(first) != 36 {
		t.Errorf("id = %q, want UUID", first)
	}
	second, err := InstallationID()
	if err != nil {
		t.Fatal(err)
	}
	if first != second {
		t.Errorf("ids differ across calls: %q vs %q", first, second)
	}
}

func TestSetEnvKeyReplacesInPlace(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)

	if err := SetEnvKey("OPENROUTER_API_KEY", "old"); err != nil {
		t.Fatal(err)
	}
	if err := SetEnvKey("GEMINI_API_KEY", "g1"); err != nil {
		t.Fatal(err)
	}
	if err := SetEnvKey("OPENROUTER_API_KEY", "new"); err != nil {
		t.Fatal(err)
	}

	data, err := os.ReadFile(filepath.Join(home, "."+AppName, ".env"))
	if err != nil {
		t.Fatal(err)
	}
	content := string(data)
	if strings.Count(content, "OPENROUTER_API_KEY=") != 1 {
		t.Errorf("key not replaced in place:\n%s", content)
	}
	if !strings.Contains(content, "OPENROUTER_API_KEY=new") {
		t.Errorf("value not updated:\n%s", content)
	}
	// Replacement preserves the original line position.
	lines := strings.Split(strings.TrimSpace(content), "\n")
	if !strings.HasPrefix(lines[0], "OPENROUTER_API_KEY=") {
		t.Errorf("line order changed:\n%s", content)
	}
}

func TestLoadDotEnvDoesNotOverrideProcessEnv(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)
	if err := SetEnvKey("CODELOOP_TEST_VAR", "from-file"); err != nil {
		t.Fatal(err)
	}

	t.Setenv("CODELOOP_TEST_VAR", "from-process")
	if err := LoadDotEnv(); err != nil {
		t.Fatal(err)
	}
	if got := os.Getenv("CODELOOP_TEST_VAR"); got != "from-process" {
		t.Errorf("env = %q, process environment must win", got)
	}

	os.Unsetenv("CODELOOP_TEST_VAR")
	if err := LoadDotEnv(); err != nil {
		t.Fatal(err)
	}
	if got := os.Getenv("CODELOOP_TEST_VAR"); got != "from-file" {
		t.Errorf("env = %q, want value from .env", got)
	}
}
