package orchestrator

import (
	"reflect"
	"testing"
)

func TestParseCommand(t *testing.T) {
	tests := []struct {
		name     string
		text     string
		wantOK   bool
		wantName string
		wantArgs []string
		wantRaw  string
	}{
		{name: "plain message", text: "hello there", wantOK: false},
		{name: "empty", text: "", wantOK: false},
		{name: "slash alone", text: "/", wantOK: false},
		{name: "slash with spaces", text: "/   ", wantOK: false},
		{name: "bare command", text: "/help", wantOK: true, wantName: "help"},
		{name: "uppercase name", text: "/HELP", wantOK: true, wantName: "help"},
		{
			name: "args", text: "/repo acme/widget",
			wantOK: true, wantName: "repo", wantArgs: []string{"acme/widget"}, wantRaw: "acme/widget",
		},
		{
			name: "quoted arg stays whole", text: `/worktree create "fix login bug"`,
			wantOK: true, wantName: "worktree", wantArgs: []string{"create", "fix login bug"},
			wantRaw: `create "fix login bug"`,
		},
		{
			name: "escaped quote inside quotes", text: `/agents "say \"hi\""`,
			wantOK: true, wantName: "agents", wantArgs: []string{`say "hi"`}, wantRaw: `"say \"hi\""`,
		},
		{
			name: "raw keeps newlines", text: "/template-add deploy Build it\n---\nShip it",
			wantOK: true, wantName: "template-add",
			wantArgs: []string{"deploy", "Build", "it", "---", "Ship", "it"},
			wantRaw:  "deploy Build it\n---\nShip it",
		},
		{
			name: "leading whitespace", text: "  /status  ",
			wantOK: true, wantName: "status",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cmd, ok := parseCommand(tt.text)
			if ok != tt.wantOK {
				t.Fatalf("ok = %v, want %v", ok, tt.wantOK)
			}
			if !ok {
				return
			}
			if cmd.Name != tt.wantName {
				t.Errorf("name = %q, want %q", cmd.Name, tt.wantName)
			}
			if !reflect.DeepEqual(cmd.Args, tt.wantArgs) && !(len(cmd.Args) == 0 && len(tt.wantArgs) == 0) {
				t.Errorf("args = %q, want %q", cmd.Args, tt.wantArgs)
			}
			if cmd.Raw != tt.wantRaw {
				t.Errorf("raw = %q, want %q", cmd.Raw, tt.wantRaw)
			}
		})
	}
}

func TestSplitArgsEmptyQuotes(t *testing.T) {
	got := splitArgs(`send "" now`)
	want := []string{"send", "", "now"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("splitArgs = %q, want %q", got, want)
	}
}

func TestSplitArgsUnterminatedQuote(t *testing.T) {
	got := splitArgs(`note "runs to the end`)
	want := []string{"note", "runs to the end"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("splitArgs = %q, want %q", got, want)
	}
}

func TestCutToken(t *testing.T) {
	token, rest := cutToken("  name  body with  spaces\nand lines ")
	if token != "name" {
		t.Errorf("token = %q", token)
	}
	if rest != "body with  spaces\nand lines" {
		t.Errorf("rest = %q", rest)
	}

	token, rest = cutToken("solo")
	if token != "solo" || rest != "" {
		t.Errorf("got %q, %q", token, rest)
	}
}
