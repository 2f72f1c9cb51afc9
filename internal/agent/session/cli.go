package session

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/lugh-dev/lugh/internal/common/logger"
	"github.com/lugh-dev/lugh/pkg/claudecode"
)

const (
	// DefaultBinary is the assistant CLI on PATH.
	DefaultBinary = "claude"
	// interruptAckTimeout bounds the wait for an interrupt acknowledgement.
	interruptAckTimeout = 2 * time.Second
	// killGrace is how long a cancelled run may keep running after the
	// interrupt before the process is killed.
	killGrace = 5 * time.Second

	streamBuffer = 64
)

// CLIRunner runs prompts through the Claude Code CLI in stream-json mode.
// The process runs unattended: permissions are bypassed because the run is
// confined to an isolated worktree.
type CLIRunner struct {
	binary string
	model  string
	grace  time.Duration
	logger *logger.Logger
}

var _ Runner = (*CLIRunner)(nil)

// NewCLIRunner creates a runner for the given binary ("" selects the
// default claude binary).
func NewCLIRunner(binary string, log *logger.Logger) *CLIRunner {
	if binary == "" {
		binary = DefaultBinary
	}
	return &CLIRunner{
		binary: binary,
		grace:  killGrace,
		logger: log.WithFields(zap.String("component", "cli-runner")),
	}
}

// SetModel passes --model through to the CLI on every query. Empty keeps
// the CLI's own default.
func (r *CLIRunner) SetModel(model string) {
	r.model = model
}

// SendQuery launches the CLI in q.Cwd, submits the prompt over stdin, and
// adapts the protocol stream into session events. Cancelling ctx sends an
// interrupt control request; the process is killed if it outlives the grace
// period.
func (r *CLIRunner) SendQuery(ctx context.Context, q Query) (*Stream, error) {
	args := []string{
		"-p",
		"--output-format=stream-json",
		"--input-format=stream-json",
		"--verbose",
		"--permission-mode", "bypassPermissions",
	}
	if r.model != "" {
		args = append(args, "--model", r.model)
	}
	if q.PreviousSessionID != "" {
		args = append(args, "--resume", q.PreviousSessionID)
	}

	cmd := exec.Command(r.binary, args...)
	cmd.Dir = q.Cwd
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to open stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to open stdout pipe: %w", err)
	}

	client := claudecode.NewClient(stdin, stdout, r.logger)
	stream := newStream(streamBuffer)

	var (
		mu        sync.Mutex
		sessionID string
		sawResult bool
	)
	client.SetMessageHandler(func(msg *claudecode.CLIMessage) {
		switch msg.Type {
		case claudecode.MessageTypeSystem:
			if msg.SessionID != "" {
				mu.Lock()
				sessionID = msg.SessionID
				mu.Unlock()
			}

		case claudecode.MessageTypeAssistant:
			if msg.IsReplay || msg.IsSynthetic || msg.Message == nil {
				return
			}
			for _, block := range msg.Message.GetContentBlocks() {
				switch block.Type {
				case "text":
					if block.Text != "" {
						stream.emit(ctx, Event{Type: EventAssistant, Content: block.Text})
					}
				case "tool_use":
					stream.emit(ctx, Event{Type: EventTool, ToolName: block.Name, ToolInput: block.Input})
				}
			}

		case claudecode.MessageTypeResult:
			mu.Lock()
			sawResult = true
			if msg.SessionID != "" {
				sessionID = msg.SessionID
			}
			sid := sessionID
			mu.Unlock()

			content := msg.GetResultString()
			if data := msg.GetResultData(); data != nil {
				if data.Text != "" {
					content = data.Text
				}
				if data.SessionID != "" {
					sid = data.SessionID
				}
			}
			stream.emit(ctx, Event{Type: EventResult, Content: content, SessionID: sid, IsError: msg.IsError})

			// The run is over; EOF on stdin lets the process exit.
			_ = stdin.Close()
		}
	})

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start %s: %w", r.binary, err)
	}
	r.logger.Info("Assistant session started",
		zap.String("cwd", q.Cwd),
		zap.Bool("resumed", q.PreviousSessionID != ""))

	<-client.Start(ctx)

	if err := client.SendUserMessage(q.Prompt); err != nil {
		_ = cmd.Process.Kill()
		go func() { _ = cmd.Wait() }()
		return nil, fmt.Errorf("failed to send prompt: %w", err)
	}

	procDone := make(chan struct{})

	// Cancellation: ask nicely, then close stdin, then kill.
	go func() {
		select {
		case <-procDone:
			return
		case <-ctx.Done():
		}
		if err := client.Interrupt(context.Background(), interruptAckTimeout); err != nil {
			r.logger.Warn("Interrupt not acknowledged", zap.Error(err))
		}
		_ = stdin.Close()
		select {
		case <-procDone:
		case <-time.After(r.grace):
			r.logger.Warn("Killing assistant process after grace period")
			_ = cmd.Process.Kill()
		}
	}()

	go func() {
		<-client.Done() // stdout fully drained; Wait may close the pipes now
		werr := cmd.Wait()
		close(procDone)
		client.Stop()

		mu.Lock()
		ok := sawResult
		mu.Unlock()

		var finalErr error
		switch {
		case ok:
			finalErr = nil
		case ctx.Err() != nil:
			finalErr = ctx.Err()
		case werr != nil:
			finalErr = fmt.Errorf("%s exited: %w: %s", r.binary, werr, strings.TrimSpace(stderr.String()))
		default:
			finalErr = ErrNoResult
		}
		stream.finish(finalErr)
	}()

	return stream, nil
}
