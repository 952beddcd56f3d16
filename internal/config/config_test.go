package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

type mapSettings map[string]string

func (m mapSettings) GetSetting(key string) (string, error) {
	return m[key], nil
}

func TestLoader_TypedValues(t *testing.T) {
	l := NewLoader(mapSettings{
		"a.int":      "42",
		"a.bad":      "forty",
		"a.bool":     "true",
		"a.string":   `"quoted"`,
		"a.duration": "90s",
		"a.minutes":  "5",
		"a.float":    "2.5",
	})

	if got := l.Int("a.int", 1); got != 42 {
		t.Errorf("Int = %d, want 42", got)
	}
	if got := l.Int("a.bad", 7); got != 7 {
		t.Errorf("Int(bad) = %d, want default 7", got)
	}
	if got := l.Int("missing", 3); got != 3 {
		t.Errorf("Int(missing) = %d, want 3", got)
	}
	if !l.Bool("a.bool", false) {
		t.Error("Bool = false, want true")
	}
	if got := l.String("a.string", ""); got != "quoted" {
		t.Errorf("String = %q, want quoted", got)
	}
	if got := l.Duration("a.duration", time.Second); got != 90*time.Second {
		t.Errorf("Duration = %v, want 90s", got)
	}
	if got := l.DurationMinutes("a.minutes", 1); got != 5*time.Minute {
		t.Errorf("DurationMinutes = %v, want 5m", got)
	}
	if got := l.Float64("a.float", 0); got != 2.5 {
		t.Errorf("Float64 = %v, want 2.5", got)
	}
}

func TestLoader_NilSafe(t *testing.T) {
	var l *Loader
	if got := l.String("x", "def"); got != "def" {
		t.Fatalf("nil loader String = %q, want def", got)
	}
}

func TestLoadEnvFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ".env")
	if err := os.WriteFile(path, []byte("CREWMATE_TEST_VALUE=from-file\nCREWMATE_TEST_KEEP=file\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("CREWMATE_TEST_KEEP", "env")

	if err := LoadEnvFile(path); err != nil {
		t.Fatalf("LoadEnvFile: %v", err)
	}
	if got := os.Getenv("CREWMATE_TEST_VALUE"); got != "from-file" {
		t.Errorf("CREWMATE_TEST_VALUE = %q", got)
	}
	if got := os.Getenv("CREWMATE_TEST_KEEP"); got != "env" {
		t.Errorf("existing variable overridden: %q", got)
	}
	os.Unsetenv("CREWMATE_TEST_VALUE")

	if err := LoadEnvFile(filepath.Join(dir, "missing.env")); err != nil {
		t.Fatalf("missing file should be ignored: %v", err)
	}
}

func TestSetGlobalTimeouts_FillsZeroFields(t *testing.T) {
	orig := GetTimeouts()
	t.Cleanup(func() { globalTimeouts = orig })

	SetGlobalTimeouts(&TimeoutConfig{HTTPClient: 5 * time.Second})
	got := GetTimeouts()
	if got.HTTPClient != 5*time.Second {
		t.Errorf("HTTPClient = %v", got.HTTPClient)
	}
	if got.WebSocketPing != 30*time.Second || got.Request != 60*time.Second {
		t.Errorf("zero fields not defaulted: %+v", got)
	}
}
