package logger

import (
	"bytes"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	lj "gopkg.in/natefinch/lumberjack.v2"
)

func TestBackendWritersFromDir(t *testing.T) {
	dir := t.TempDir()
	cfg := Config{File: FileConfig{Dir: dir}}
	outW, errW, err := cfg.ProcessWriters("backend")
	if err != nil {
		t.Fatalf("ProcessWriters: %v", err)
	}
	if outW == nil || errW == nil {
		t.Fatal("expected stdout and stderr writers when Dir is set")
	}
	_, _ = outW.Write([]byte("started\n"))
	_, _ = errW.Write([]byte("warning\n"))
	_ = outW.Close()
	_ = errW.Close()

	for _, name := range []string{"backend.stdout.log", "backend.stderr.log"} {
		if _, err := os.Stat(filepath.Join(dir, name)); err != nil {
			t.Fatalf("%s not created: %v", name, err)
		}
	}
}

func TestBackendWritersSelection(t *testing.T) {
	dir := t.TempDir()
	cases := []struct {
		name           string
		file           FileConfig
		wantOut, wantE bool
	}{
		{"nothing configured", FileConfig{}, false, false},
		{"explicit paths win over dir", FileConfig{Dir: dir, StdoutPath: filepath.Join(dir, "o.log"), StderrPath: filepath.Join(dir, "e.log")}, true, true},
		{"stdout only", FileConfig{StdoutPath: filepath.Join(dir, "only.log")}, true, false},
		{"stderr only", FileConfig{StderrPath: filepath.Join(dir, "only-err.log")}, false, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			outW, errW, err := Config{File: tc.file}.ProcessWriters("ignored")
			if err != nil {
				t.Fatalf("ProcessWriters: %v", err)
			}
			if (outW != nil) != tc.wantOut || (errW != nil) != tc.wantE {
				t.Fatalf("got stdout=%v stderr=%v", outW != nil, errW != nil)
			}
			if outW != nil {
				if got := outW.(*lj.Logger).Filename; tc.file.StdoutPath != "" && got != tc.file.StdoutPath {
					t.Fatalf("stdout path %q", got)
				}
				_ = outW.Close()
			}
			if errW != nil {
				_ = errW.Close()
			}
		})
	}
}

func TestRotationSettings(t *testing.T) {
	w := FileConfig{}.rotating("x.log")
	if w.MaxSize != DefaultMaxSizeMB || w.MaxBackups != DefaultMaxBackups || w.MaxAge != DefaultMaxAgeDays || w.Compress {
		t.Fatalf("unexpected defaults: %+v", w)
	}
	w = FileConfig{MaxSizeMB: 1, MaxBackups: 9, MaxAgeDays: 11, Compress: true}.rotating("x.log")
	if w.MaxSize != 1 || w.MaxBackups != 9 || w.MaxAge != 11 || !w.Compress {
		t.Fatalf("overrides not applied: %+v", w)
	}
}

func TestNew_FormatsAndLevels(t *testing.T) {
	for _, f := range []string{"", "text", "json", "color"} {
		l, c, err := New(Config{Format: f, Level: "debug"})
		if err != nil {
			t.Fatalf("format %q: %v", f, err)
		}
		if l == nil || c == nil {
			t.Fatalf("format %q: nil logger or closer", f)
		}
		_ = c.Close()
	}
	if _, _, err := New(Config{Format: "xml"}); err == nil {
		t.Fatalf("expected error for unknown format")
	}
	if _, _, err := New(Config{Level: "loud"}); err == nil {
		t.Fatalf("expected error for unknown level")
	}
}

func TestNew_WritesToFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "sub", "hostd.log")
	l, c, err := New(Config{Format: "json", Path: path})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	l.Info("hello", "k", "v")
	_ = c.Close()
	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	if !strings.Contains(string(b), `"msg":"hello"`) {
		t.Fatalf("log file missing record: %s", b)
	}
}

func TestColorTextHandler(t *testing.T) {
	var buf bytes.Buffer
	l := slog.New(NewColorTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelInfo}, true))
	l.With("component", "supervisor").Warn("backend degraded")
	l.Debug("hidden")

	out := buf.String()
	if !strings.HasPrefix(out, "\033[33mWARN\033[0m ") {
		t.Fatalf("missing colored prefix: %q", out)
	}
	if !strings.Contains(out, `msg="backend degraded"`) || !strings.Contains(out, "component=supervisor") {
		t.Fatalf("record or attrs lost: %q", out)
	}
	if strings.Contains(out, "hidden") {
		t.Fatalf("debug record should be filtered: %q", out)
	}

	buf.Reset()
	slog.New(NewColorTextHandler(&buf, nil, false)).WithGroup("g").Info("plain", "k", 1)
	got := buf.String()
	if strings.Contains(got, "\033[") || !strings.HasPrefix(got, "INFO ") || !strings.Contains(got, "g.k=1") {
		t.Fatalf("unexpected plain output: %q", got)
	}
}
