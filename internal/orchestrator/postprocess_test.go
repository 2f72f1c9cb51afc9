package orchestrator

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/lugh-dev/lugh/internal/common/logger"
)

func newTestLogger() *logger.Logger {
	log, _ := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "json"})
	return log
}

func TestFilterToolLines(t *testing.T) {
	text := "Working on it.\n" +
		toolLinePrefix + "Bash: go test ./...\n" +
		"Tests pass.\n" +
		"  " + riskLinePrefix + "High-risk tool call - Bash: rm -rf build\n" +
		"Done."
	got := filterToolLines(text)
	want := "Working on it.\nTests pass.\nDone."
	if got != want {
		t.Errorf("filtered = %q, want %q", got, want)
	}
}

func TestFilterToolLinesAllFiltered(t *testing.T) {
	text := toolLinePrefix + "Read: a.go\n" + toolLinePrefix + "Read: b.go"
	if got := filterToolLines(text); got != "" {
		t.Errorf("expected empty, got %q", got)
	}
}

func TestSendableFile(t *testing.T) {
	o := &Orchestrator{cfg: Config{}.withDefaults(), logger: newTestLogger()}
	cwd := t.TempDir()

	write := func(rel string, size int) string {
		t.Helper()
		full := filepath.Join(cwd, rel)
		if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(full, []byte(strings.Repeat("x", size)), 0o644); err != nil {
			t.Fatal(err)
		}
		return full
	}

	tests := []struct {
		name string
		path string
		want bool
	}{
		{name: "markdown ok", path: write("README.md", 10), want: true},
		{name: "go source ok", path: write("internal/server.go", 10), want: true},
		{name: "binary extension blocked", path: write("tool.bin", 10), want: false},
		{name: "no extension blocked", path: write("Makefile2", 10), want: false},
		{name: "lock file blocked", path: write("package-lock.json", 10), want: false},
		{name: "node_modules blocked", path: write("node_modules/pkg/index.js", 10), want: false},
		{name: "hidden dir blocked", path: write(".git/config.json", 10), want: false},
		{name: "missing file", path: filepath.Join(cwd, "ghost.md"), want: false},
		{name: "directory", path: cwd, want: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := o.sendableFile(cwd, tt.path); got != tt.want {
				t.Errorf("sendableFile(%s) = %v, want %v", tt.path, got, tt.want)
			}
		})
	}

	t.Run("oversize blocked", func(t *testing.T) {
		small := &Orchestrator{cfg: Config{MaxFileSendBytes: 5}.withDefaults(), logger: newTestLogger()}
		// withDefaults keeps an explicit positive cap.
		if small.cfg.MaxFileSendBytes != 5 {
			t.Fatalf("cap overwritten: %d", small.cfg.MaxFileSendBytes)
		}
		path := write("big.txt", 10)
		if small.sendableFile(cwd, path) {
			t.Error("oversize file passed the gate")
		}
	})
}

func TestConfigWithDefaults(t *testing.T) {
	cfg := Config{}.withDefaults()
	if cfg.LongResponseThreshold != 2000 {
		t.Errorf("LongResponseThreshold = %d", cfg.LongResponseThreshold)
	}
	if cfg.PreviewLength != 500 {
		t.Errorf("PreviewLength = %d", cfg.PreviewLength)
	}
	if cfg.MaxFileSendBytes != 10<<20 {
		t.Errorf("MaxFileSendBytes = %d", cfg.MaxFileSendBytes)
	}

	set := Config{LongResponseThreshold: 100, PreviewLength: 20, MaxFileSendBytes: 1}.withDefaults()
	if set.LongResponseThreshold != 100 || set.PreviewLength != 20 || set.MaxFileSendBytes != 1 {
		t.Errorf("explicit values overwritten: %+v", set)
	}
}
