package logger

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	lj "gopkg.in/natefinch/lumberjack.v2"
)

func TestSlogLevel(t *testing.T) {
	cases := map[Level]slog.Level{
		"":         slog.LevelInfo,
		LevelDebug: slog.LevelDebug,
		"WARN":     slog.LevelWarn,
		LevelError: slog.LevelError,
		"bogus":    slog.LevelInfo,
	}
	for in, want := range cases {
		if got := (Config{Level: in}).SlogLevel(); got != want {
			t.Errorf("level %q: got %v want %v", in, got, want)
		}
	}
}

func TestWriterDefaultsToStderr(t *testing.T) {
	if w := (Config{}).Writer(); w != os.Stderr {
		t.Fatalf("expected stderr, got %T", w)
	}
}

func TestWriterUsesLumberjackWithDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "frpvisor.log")
	w := Config{File: path}.Writer()
	l, ok := w.(*lj.Logger)
	if !ok {
		t.Fatalf("writer is not lumberjack.Logger: %T", w)
	}
	if l.Filename != path || l.MaxSize != DefaultMaxSizeMB || l.MaxBackups != DefaultMaxBackups || l.MaxAge != DefaultMaxAgeDays {
		t.Fatalf("unexpected lumberjack settings: %+v", l)
	}

	w = Config{File: path, MaxSizeMB: 1, MaxBackups: 9, MaxAgeDays: 2, Compress: true}.Writer()
	l = w.(*lj.Logger)
	if l.MaxSize != 1 || l.MaxBackups != 9 || l.MaxAge != 2 || !l.Compress {
		t.Fatalf("overrides not applied: %+v", l)
	}
}

func TestNewSloggerJSON(t *testing.T) {
	var buf bytes.Buffer
	l := Config{Format: FormatJSON, Level: LevelDebug}.NewSlogger(&buf)
	l.Debug("probe", "client", "edge")

	var m map[string]any
	if err := json.Unmarshal(buf.Bytes(), &m); err != nil {
		t.Fatalf("not json: %v (%q)", err, buf.String())
	}
	if m["msg"] != "probe" || m["client"] != "edge" {
		t.Fatalf("unexpected record: %v", m)
	}
	if _, ok := m["time"]; ok {
		t.Fatalf("time should be dropped when timestamps are off")
	}
}

func TestNewSloggerLevelFilter(t *testing.T) {
	var buf bytes.Buffer
	l := Config{Level: LevelWarn}.NewSlogger(&buf)
	l.Info("hidden")
	l.Warn("shown")
	if strings.Contains(buf.String(), "hidden") || !strings.Contains(buf.String(), "shown") {
		t.Fatalf("level filter not applied: %q", buf.String())
	}
}

func TestColorTextHandlerKeepsColorOnDerivedLoggers(t *testing.T) {
	var buf bytes.Buffer
	l := Config{Color: true, TimeStamps: true}.NewSlogger(&buf)
	l.With("component", "supervisor").Error("tick failed")
	out := buf.String()
	if !strings.Contains(out, "\033[31m") {
		t.Fatalf("expected red level prefix: %q", out)
	}
	if !strings.Contains(out, "component=supervisor") {
		t.Fatalf("expected attrs: %q", out)
	}
	if !strings.Contains(out, "time=") {
		t.Fatalf("expected timestamp: %q", out)
	}

	buf.Reset()
	l.WithGroup("g").Info("x", "k", "v")
	if !strings.Contains(buf.String(), "\033[32m") || !strings.Contains(buf.String(), "g.k=v") {
		t.Fatalf("group logger lost color or attrs: %q", buf.String())
	}
}

func TestSetupInstallsDefault(t *testing.T) {
	prev := slog.Default()
	t.Cleanup(func() { slog.SetDefault(prev) })
	path := filepath.Join(t.TempDir(), "d.log")
	l := Setup(Config{File: path, TimeStamps: true})
	if slog.Default() != l {
		t.Fatal("default logger not installed")
	}
	l.Info("hello")
	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	if !strings.Contains(string(b), "hello") {
		t.Fatalf("log file missing record: %q", b)
	}
}
