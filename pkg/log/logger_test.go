package log

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestParseLevel(t *testing.T) {
	cases := map[string]LogLevel{
		"debug":     LevelDebug,
		"Info":      LevelInfo,
		"WARN":      LevelWarn,
		" error ":   LevelError,
		"fatal":     LevelFatal,
		"trace":     LevelInfo, // unsupported names fall back to info
		"":          LevelInfo,
		"\twarn\n": LevelWarn,
		"ErRoR":     LevelError,
	}

	for input, want := range cases {
		if got := ParseLevel(input); got != want {
			t.Errorf("ParseLevel(%q) = %v, want %v", input, got, want)
		}
	}
}

func TestFileLogger_WritesAndFilters(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "downloads.log")

	fl, err := NewFileLogger(path, LevelWarn)
	if err != nil {
		t.Fatalf("NewFileLogger: %v", err)
	}
	fl.Info("suppressed %d", 1)
	fl.Warn("kept %s", "entry")
	if err := fl.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	out := string(data)
	if strings.Contains(out, "suppressed") {
		t.Errorf("info entry written despite warn level: %q", out)
	}
	if !strings.Contains(out, "kept entry") || !strings.Contains(out, "[WARN]") {
		t.Errorf("warn entry missing from log file: %q", out)
	}
}

func TestFileLogger_AppendsAcrossOpens(t *testing.T) {
	path := filepath.Join(t.TempDir(), "downloads.log")

	for _, msg := range []string{"first", "second"} {
		fl, err := NewFileLogger(path, LevelInfo)
		if err != nil {
			t.Fatalf("NewFileLogger: %v", err)
		}
		fl.Info("%s", msg)
		if err := fl.Close(); err != nil {
			t.Fatalf("Close: %v", err)
		}
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	if !strings.Contains(string(data), "first") || !strings.Contains(string(data), "second") {
		t.Errorf("reopened log lost entries: %q", string(data))
	}
}

func TestSetLogger(t *testing.T) {
	orig := GetLogger()
	defer SetLogger(orig)

	replacement := NewLogger(LevelError)
	SetLogger(replacement)
	if GetLogger() != replacement {
		t.Fatal("SetLogger did not replace the global logger")
	}

	SetLogger(nil)
	if GetLogger() != replacement {
		t.Fatal("SetLogger(nil) must keep the current logger")
	}
}
