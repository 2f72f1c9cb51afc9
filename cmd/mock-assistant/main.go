// Package main implements a mock assistant binary that speaks the
// stream-json protocol over stdin/stdout. Pointed at by the assistant
// command setting, it stands in for the real CLI during tests and local
// development, playing scripted turns keyed on prompt keywords.
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/lugh-dev/lugh/pkg/claudecode"
)

// sessionID identifies this process instance. Each session spawns its own
// process, so the PID keeps parallel sessions apart; --resume adopts the
// resumed session's id instead.
var sessionID = fmt.Sprintf("mock-session-%d", os.Getpid())

func main() {
	model := parseArg(os.Args, "model")
	if model == "" {
		model = "mock-default"
	}
	if resumed := parseArg(os.Args, "resume"); resumed != "" {
		sessionID = resumed
	}

	em := newEmitter(os.Stdout)

	scanner := bufio.NewScanner(os.Stdin)
	scanner.Buffer(make([]byte, 0, 64*1024), 10*1024*1024)

	// The current turn runs on its own goroutine so an interrupt control
	// request arriving mid-turn can cut it short.
	var (
		mu       sync.Mutex
		stopTurn context.CancelFunc
		turnDone chan struct{}
	)
	cancelCurrentTurn := func() {
		mu.Lock()
		cancel := stopTurn
		mu.Unlock()
		if cancel != nil {
			cancel()
		}
	}

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var msg claudecode.CLIMessage
		if err := json.Unmarshal(line, &msg); err != nil {
			continue
		}

		switch msg.Type {
		case claudecode.MessageTypeUser:
			if msg.Message == nil {
				continue
			}
			prompt := msg.Message.GetContentString()
			if prompt == "" {
				continue
			}

			mu.Lock()
			busy := false
			if turnDone != nil {
				select {
				case <-turnDone:
					stopTurn, turnDone = nil, nil
				default:
					busy = true
				}
			}
			if !busy {
				ctx, cancel := context.WithCancel(context.Background())
				done := make(chan struct{})
				stopTurn, turnDone = cancel, done
				go func() {
					defer close(done)
					runTurn(ctx, em, prompt, model)
				}()
			}
			mu.Unlock()

			if busy {
				fmt.Fprintln(os.Stderr, "mock-assistant: prompt received while a turn is running, ignoring")
			}

		case claudecode.MessageTypeControlRequest:
			handleControlRequest(em, &msg, cancelCurrentTurn)
		}
	}

	// Stdin is closed once the runner has seen the result; let an in-flight
	// turn land its final messages before exiting.
	mu.Lock()
	done := turnDone
	mu.Unlock()
	if done != nil {
		<-done
	}

	if err := scanner.Err(); err != nil {
		fmt.Fprintf(os.Stderr, "mock-assistant: scanner error: %v\n", err)
		os.Exit(1)
	}
}

// handleControlRequest acknowledges control requests from the runner. An
// interrupt cancels the running turn before the ack goes out.
func handleControlRequest(e *emitter, msg *claudecode.CLIMessage, cancelTurn func()) {
	if msg.RequestID == "" || msg.Request == nil {
		return
	}
	switch msg.Request.Subtype {
	case claudecode.SubtypeInterrupt:
		cancelTurn()
		e.controlAck(msg.RequestID, nil)
	case claudecode.SubtypeInitialize:
		e.controlAck(msg.RequestID, &claudecode.InitializeResponseData{
			Commands: []claudecode.CommandInfo{
				{Name: "fail", Description: "End the turn with an error result"},
				{Name: "slow", Description: "Stretch the turn out, for stop testing", ArgumentHint: "<duration e.g. 30s>"},
			},
			OutputStyle: "default",
		})
	default:
		e.controlAck(msg.RequestID, nil)
	}
}

// parseArg extracts the value of --name (separate or --name=value form) from
// an argument list. Returns "" when the flag is absent or dangling.
func parseArg(args []string, name string) string {
	flag := "--" + name
	for i := 1; i < len(args); i++ {
		if args[i] == flag && i+1 < len(args) {
			return args[i+1]
		}
		if strings.HasPrefix(args[i], flag+"=") {
			return strings.TrimPrefix(args[i], flag+"=")
		}
	}
	return ""
}
