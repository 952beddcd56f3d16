package logging

import (
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"

	"github.com/crewmate/crewmate/internal/config"
)

type settingsMap map[string]string

func (m settingsMap) GetSetting(key string) (string, error) { return m[key], nil }

func TestFilePathForDB(t *testing.T) {
	dir := t.TempDir()
	got := FilePathForDB(filepath.Join(dir, "crewmate.db"))
	if want := filepath.Join(dir, DefaultLogFilePath); got != want {
		t.Fatalf("FilePathForDB = %q, want %q", got, want)
	}
	if got := FilePathForDB(""); got != DefaultLogFilePath {
		t.Fatalf("FilePathForDB(\"\") = %q", got)
	}
}

func TestApplyLevel(t *testing.T) {
	orig := zerolog.GlobalLevel()
	t.Cleanup(func() { zerolog.SetGlobalLevel(orig) })

	tests := []struct {
		in   string
		want zerolog.Level
	}{
		{"trace", zerolog.TraceLevel},
		{"debug", zerolog.DebugLevel},
		{"warn", zerolog.WarnLevel},
		{"info", zerolog.InfoLevel},
		{"nonsense", zerolog.InfoLevel},
	}
	for _, tt := range tests {
		applyLevel(tt.in)
		if got := zerolog.GlobalLevel(); got != tt.want {
			t.Errorf("applyLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestFileOptionsFrom(t *testing.T) {
	got := FileOptionsFrom(config.NewLoader(settingsMap{
		"log.max_size_mb":  "0",
		"log.max_backups":  "-2",
		"log.max_age_days": "7",
		"log.compress":     "false",
		"log.file_format":  `"xml"`,
	}), "")
	want := FileOptions{
		Path:       DefaultLogFilePath,
		MaxSizeMB:  DefaultMaxSizeMB,
		MaxBackups: DefaultMaxBackups,
		MaxAgeDays: 7,
		Compress:   false,
		Format:     DefaultFileFormat,
	}
	if got != want {
		t.Fatalf("FileOptionsFrom = %+v, want %+v", got, want)
	}

	if got := FileOptionsFrom(config.NewLoader(settingsMap{"log.file_format": `"json"`}), "/var/log/crew.log"); got.Format != "json" || got.Path != "/var/log/crew.log" {
		t.Fatalf("unexpected options %+v", got)
	}
}
