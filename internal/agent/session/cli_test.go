package session

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"github.com/lugh-dev/lugh/internal/common/logger"
)

func newTestLogger() *logger.Logger {
	log, _ := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "json"})
	return log
}

// writeFakeCLI writes a shell script that speaks just enough of the
// stream-json protocol for one test.
func writeFakeCLI(t *testing.T, script string) string {
	t.Helper()
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
	path := filepath.Join(t.TempDir(), "fake-claude")
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"+script), 0o755); err != nil {
		t.Fatalf("write fake cli: %v", err)
	}
	return path
}

func TestCLIRunnerAdaptsProtocol(t *testing.T) {
	bin := writeFakeCLI(t, `
echo '{"type":"system","session_id":"sess-cli"}'
read line
echo '{"type":"assistant","message":{"role":"assistant","content":[{"type":"text","text":"hello"},{"type":"tool_use","name":"Edit","input":{"file_path":"main.go"}}]}}'
echo '{"type":"result","result":"all done","session_id":"sess-cli"}'
cat >/dev/null
`)

	runner := NewCLIRunner(bin, newTestLogger())
	stream, err := runner.SendQuery(context.Background(), Query{Prompt: "do the thing", Cwd: t.TempDir()})
	if err != nil {
		t.Fatalf("send query: %v", err)
	}

	var events []Event
	for ev := range stream.Events() {
		events = append(events, ev)
	}
	if err := stream.Err(); err != nil {
		t.Fatalf("stream err: %v", err)
	}

	if len(events) != 3 {
		t.Fatalf("events = %+v, want 3", events)
	}
	if events[0].Type != EventAssistant || events[0].Content != "hello" {
		t.Errorf("assistant event: %+v", events[0])
	}
	if events[1].Type != EventTool || events[1].ToolName != "Edit" {
		t.Errorf("tool event: %+v", events[1])
	}
	if events[1].ToolInput["file_path"] != "main.go" {
		t.Errorf("tool input: %+v", events[1].ToolInput)
	}
	if events[2].Type != EventResult || events[2].Content != "all done" || events[2].SessionID != "sess-cli" {
		t.Errorf("result event: %+v", events[2])
	}
}

func TestCLIRunnerNoResult(t *testing.T) {
	bin := writeFakeCLI(t, `
read line
echo '{"type":"assistant","message":{"role":"assistant","content":[{"type":"text","text":"partial"}]}}'
exit 0
`)

	runner := NewCLIRunner(bin, newTestLogger())
	stream, err := runner.SendQuery(context.Background(), Query{Prompt: "p", Cwd: t.TempDir()})
	if err != nil {
		t.Fatalf("send query: %v", err)
	}
	for range stream.Events() {
	}
	if !errors.Is(stream.Err(), ErrNoResult) {
		t.Errorf("err = %v, want ErrNoResult", stream.Err())
	}
}

func TestCLIRunnerInterruptOnCancel(t *testing.T) {
	// The fake acknowledges the interrupt control request and exits.
	bin := writeFakeCLI(t, `
echo '{"type":"system","session_id":"s"}'
while read line; do
  case "$line" in
  *interrupt*)
    id=$(printf '%s' "$line" | sed 's/.*"request_id":"\([^"]*\)".*/\1/')
    printf '{"type":"control_response","response":{"subtype":"success","request_id":"%s"}}\n' "$id"
    exit 0
    ;;
  esac
done
`)

	runner := NewCLIRunner(bin, newTestLogger())
	runner.grace = 500 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	stream, err := runner.SendQuery(ctx, Query{Prompt: "long task", Cwd: t.TempDir()})
	if err != nil {
		t.Fatalf("send query: %v", err)
	}

	cancel()

	deadline := time.After(10 * time.Second)
	for {
		select {
		case _, open := <-stream.Events():
			if !open {
				if !errors.Is(stream.Err(), context.Canceled) {
					t.Errorf("err = %v, want context.Canceled", stream.Err())
				}
				return
			}
		case <-deadline:
			t.Fatal("stream did not close after cancel")
		}
	}
}

func TestCLIRunnerMissingBinary(t *testing.T) {
	runner := NewCLIRunner(filepath.Join(t.TempDir(), "does-not-exist"), newTestLogger())
	if _, err := runner.SendQuery(context.Background(), Query{Prompt: "p"}); err == nil {
		t.Fatal("expected start error")
	}
}
