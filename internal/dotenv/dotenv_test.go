package dotenv

import (
	"os"
	"path/filepath"
	"testing"
)

func writeEnvFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), ".env")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write env file: %v", err)
	}
	return path
}

func TestLoadFile(t *testing.T) {
	t.Setenv("DOTENV_TEST_EXISTING", "from-process")

	path := writeEnvFile(t, `
# comment
DOTENV_TEST_PLAIN=hello
export DOTENV_TEST_EXPORTED=yes
DOTENV_TEST_QUOTED="with spaces"
DOTENV_TEST_SINGLE='single'
DOTENV_TEST_EXISTING=from-file

not-a-pair
=novalue
`)

	// Ensure the loaded keys are restored afterwards.
	for _, k := range []string{"DOTENV_TEST_PLAIN", "DOTENV_TEST_EXPORTED", "DOTENV_TEST_QUOTED", "DOTENV_TEST_SINGLE"} {
		t.Setenv(k, "")
		os.Unsetenv(k)
	}

	if err := LoadFile(path); err != nil {
		t.Fatalf("LoadFile: %v", err)
	}

	tests := map[string]string{
		"DOTENV_TEST_PLAIN":    "hello",
		"DOTENV_TEST_EXPORTED": "yes",
		"DOTENV_TEST_QUOTED":   "with spaces",
		"DOTENV_TEST_SINGLE":   "single",
		"DOTENV_TEST_EXISTING": "from-process",
	}
	for key, want := range tests {
		if got := os.Getenv(key); got != want {
			t.Fatalf("%s: got %q, want %q", key, got, want)
		}
	}
}

func TestLoadFileMissingIsNotAnError(t *testing.T) {
	if err := LoadFile(filepath.Join(t.TempDir(), "nope.env")); err != nil {
		t.Fatalf("missing file: %v", err)
	}
}
