package main

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/lugh-dev/lugh/pkg/claudecode"
)

func TestParseArg(t *testing.T) {
	tests := []struct {
		name string
		args []string
		flag string
		want string
	}{
		{
			name: "absent flag",
			args: []string{"mock-assistant"},
			flag: "model",
			want: "",
		},
		{
			name: "separate flag and value",
			args: []string{"mock-assistant", "--model", "mock-slow"},
			flag: "model",
			want: "mock-slow",
		},
		{
			name: "equals syntax",
			args: []string{"mock-assistant", "--model=mock-fast"},
			flag: "model",
			want: "mock-fast",
		},
		{
			name: "flag among other args",
			args: []string{"mock-assistant", "-p", "--verbose", "--model", "mock-fast", "--resume", "sess-9"},
			flag: "model",
			want: "mock-fast",
		},
		{
			name: "resume flag",
			args: []string{"mock-assistant", "--model", "mock-fast", "--resume", "sess-9"},
			flag: "resume",
			want: "sess-9",
		},
		{
			name: "dangling flag without value",
			args: []string{"mock-assistant", "--model"},
			flag: "model",
			want: "",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := parseArg(tt.args, tt.flag); got != tt.want {
				t.Errorf("parseArg(%v, %q) = %q, want %q", tt.args, tt.flag, got, tt.want)
			}
		})
	}
}

func TestDelayRange(t *testing.T) {
	tests := []struct {
		model  string
		wantLo int
		wantHi int
	}{
		{"mock-fast", 5, 25},
		{"mock-slow", 500, 2500},
		{"mock-default", 75, 400},
		{"anything-else", 75, 400},
	}
	for _, tt := range tests {
		t.Run(tt.model, func(t *testing.T) {
			lo, hi := delayRange(tt.model)
			if lo != tt.wantLo || hi != tt.wantHi {
				t.Errorf("delayRange(%q) = (%d, %d), want (%d, %d)", tt.model, lo, hi, tt.wantLo, tt.wantHi)
			}
		})
	}
}

func TestReadFileSnippet(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "snippet.txt")
	if err := os.WriteFile(path, []byte("line1\nline2\nline3\nline4\n"), 0644); err != nil {
		t.Fatal(err)
	}

	if got := readFileSnippet(path, 2); got != "line1\nline2\n" {
		t.Errorf("readFileSnippet(maxLines=2) = %q", got)
	}
	if got := readFileSnippet(path, 100); got != "line1\nline2\nline3\nline4\n" {
		t.Errorf("readFileSnippet(maxLines=100) = %q", got)
	}
	if got := readFileSnippet(filepath.Join(dir, "missing.txt"), 10); got != "(unreadable file)\n" {
		t.Errorf("readFileSnippet(missing) = %q", got)
	}
}

func TestPickEditableFragment(t *testing.T) {
	dir := t.TempDir()

	t.Run("missing file falls back", func(t *testing.T) {
		oldStr, newStr := pickEditableFragment(filepath.Join(dir, "missing.go"))
		if oldStr != "placeholder" || newStr != "placeholder_v2" {
			t.Errorf("got (%q, %q)", oldStr, newStr)
		}
	})

	t.Run("short lines fall back", func(t *testing.T) {
		path := filepath.Join(dir, "short.txt")
		if err := os.WriteFile(path, []byte("a\nbb\nccc\n"), 0644); err != nil {
			t.Fatal(err)
		}
		oldStr, newStr := pickEditableFragment(path)
		if oldStr != "placeholder" || newStr != "placeholder_v2" {
			t.Errorf("got (%q, %q)", oldStr, newStr)
		}
	})

	t.Run("fragment occurs in file and differs", func(t *testing.T) {
		path := filepath.Join(dir, "code.go")
		content := "package main\n\nfunc main() {\n\tfmt.Println(\"hello world\")\n}\n"
		if err := os.WriteFile(path, []byte(content), 0644); err != nil {
			t.Fatal(err)
		}
		oldStr, newStr := pickEditableFragment(path)
		if oldStr == newStr {
			t.Errorf("old and new should differ, both %q", oldStr)
		}
		if !strings.Contains(content, oldStr) {
			t.Errorf("old string %q not found in file", oldStr)
		}
		if !strings.HasSuffix(newStr, "_v2") {
			t.Errorf("new string %q should carry the _v2 suffix", newStr)
		}
	})
}

func TestDiscoverWorkspace(t *testing.T) {
	wsFiles = nil
	t.Cleanup(func() { wsFiles = nil })

	origWd, err := os.Getwd()
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = os.Chdir(origWd) })

	dir := t.TempDir()
	if err := os.Chdir(dir); err != nil {
		t.Fatal(err)
	}
	for name, content := range map[string]string{
		"main.go":   "package main",
		"notes.md":  "# notes",
		"image.png": "not text",
	} {
		if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0644); err != nil {
			t.Fatal(err)
		}
	}
	if err := os.MkdirAll(filepath.Join(dir, "node_modules"), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "node_modules", "lib.js"), []byte("//"), 0644); err != nil {
		t.Fatal(err)
	}

	found := map[string]bool{}
	for _, f := range discoverWorkspace() {
		found[f.rel] = true
	}
	if !found["main.go"] || !found["notes.md"] {
		t.Errorf("expected main.go and notes.md in %v", found)
	}
	if found["image.png"] {
		t.Error("image.png should be skipped")
	}
	for rel := range found {
		if strings.HasPrefix(rel, "node_modules") {
			t.Errorf("node_modules should be skipped, found %s", rel)
		}
	}
}

// decodeLines parses each emitted line back through the protocol types.
func decodeLines(t *testing.T, buf *bytes.Buffer) []*claudecode.CLIMessage {
	t.Helper()
	var msgs []*claudecode.CLIMessage
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		if line == "" {
			continue
		}
		var msg claudecode.CLIMessage
		if err := json.Unmarshal([]byte(line), &msg); err != nil {
			t.Fatalf("emitted line is not a protocol message: %v\n%s", err, line)
		}
		msgs = append(msgs, &msg)
	}
	return msgs
}

func TestRunTurnTranscript(t *testing.T) {
	var buf bytes.Buffer
	runTurn(context.Background(), newEmitter(&buf), "please fix the login form", "mock-fast")

	msgs := decodeLines(t, &buf)
	if len(msgs) < 3 {
		t.Fatalf("expected a multi-message transcript, got %d messages", len(msgs))
	}

	if msgs[0].Type != claudecode.MessageTypeSystem {
		t.Errorf("first message should be system, got %s", msgs[0].Type)
	}
	if msgs[0].SessionID == "" {
		t.Error("system message should carry a session id")
	}

	last := msgs[len(msgs)-1]
	if last.Type != claudecode.MessageTypeResult {
		t.Fatalf("last message should be result, got %s", last.Type)
	}
	if last.IsError {
		t.Errorf("code turn should succeed, got error result: %s", last.GetResultString())
	}
	data := last.GetResultData()
	if data == nil || data.Text == "" || data.SessionID == "" {
		t.Errorf("result should carry object payload with text and session id, got %+v", data)
	}

	var sawText, sawToolUse bool
	for _, msg := range msgs {
		if msg.Type != claudecode.MessageTypeAssistant || msg.Message == nil {
			continue
		}
		for _, block := range msg.Message.GetContentBlocks() {
			switch block.Type {
			case "text":
				sawText = true
			case "tool_use":
				sawToolUse = true
				if block.ID == "" || block.Name == "" {
					t.Errorf("tool_use block missing id or name: %+v", block)
				}
			}
		}
	}
	if !sawText || !sawToolUse {
		t.Errorf("transcript should contain text and tool_use blocks (text=%v tool_use=%v)", sawText, sawToolUse)
	}
}

func TestRunTurnFailure(t *testing.T) {
	var buf bytes.Buffer
	runTurn(context.Background(), newEmitter(&buf), "this one should fail", "mock-fast")

	msgs := decodeLines(t, &buf)
	last := msgs[len(msgs)-1]
	if last.Type != claudecode.MessageTypeResult || !last.IsError {
		t.Fatalf("fail turn should end with an error result, got %+v", last)
	}
	if !strings.Contains(last.GetResultString(), "mock failure") {
		t.Errorf("error result should carry the failure text, got %q", last.GetResultString())
	}
}

func TestRunTurnInterrupted(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	var buf bytes.Buffer
	runTurn(ctx, newEmitter(&buf), "anything at all", "mock-fast")

	msgs := decodeLines(t, &buf)
	last := msgs[len(msgs)-1]
	if last.Type != claudecode.MessageTypeResult || !last.IsError {
		t.Fatalf("interrupted turn should end with an error result, got %+v", last)
	}
	if got := last.GetResultString(); got != "Interrupted by user" {
		t.Errorf("unexpected interrupt result: %q", got)
	}
}

func TestControlAckShape(t *testing.T) {
	var buf bytes.Buffer
	e := newEmitter(&buf)
	handleControlRequest(e, &claudecode.CLIMessage{
		Type:      claudecode.MessageTypeControlRequest,
		RequestID: "req-7",
		Request:   &claudecode.ControlRequest{Subtype: claudecode.SubtypeInterrupt},
	}, func() {})

	msgs := decodeLines(t, &buf)
	if len(msgs) != 1 {
		t.Fatalf("expected one ack, got %d messages", len(msgs))
	}
	ack := msgs[0]
	if ack.Type != claudecode.MessageTypeControlResponse {
		t.Fatalf("expected control_response, got %s", ack.Type)
	}
	if ack.Response == nil || ack.Response.RequestID != "req-7" || ack.Response.Subtype != "success" {
		t.Errorf("ack should carry the request id inside the response object, got %+v", ack.Response)
	}
}
