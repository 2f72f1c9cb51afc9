package claudecode

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/lugh-dev/lugh/internal/common/logger"
)

func newTestLogger() *logger.Logger {
	log, _ := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "json", OutputPath: "stdout"})
	return log
}

// runScript feeds input to a client, runs the read loop to EOF, and
// returns whatever the client wrote to stdin. setup registers handlers
// before the loop starts.
func runScript(t *testing.T, input string, setup func(*Client)) *bytes.Buffer {
	t.Helper()
	var stdin bytes.Buffer
	client := NewClient(&stdin, strings.NewReader(input), newTestLogger())
	if setup != nil {
		setup(client)
	}

	<-client.Start(context.Background())
	select {
	case <-client.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("read loop did not reach EOF")
	}
	return &stdin
}

// sentLine unmarshals the single line the client wrote into v.
func sentLine(t *testing.T, stdin *bytes.Buffer, v any) {
	t.Helper()
	line := bytes.TrimSpace(stdin.Bytes())
	if len(line) == 0 {
		t.Fatal("client wrote nothing")
	}
	if err := json.Unmarshal(line, v); err != nil {
		t.Fatalf("failed to parse sent line %q: %v", line, err)
	}
}

func TestClientSendUserMessage(t *testing.T) {
	var stdin bytes.Buffer
	client := NewClient(&stdin, strings.NewReader(""), newTestLogger())

	if err := client.SendUserMessage("Hello, Claude!"); err != nil {
		t.Fatalf("SendUserMessage() error = %v", err)
	}

	var msg UserMessage
	sentLine(t, &stdin, &msg)
	if msg.Type != MessageTypeUser || msg.Message.Role != "user" {
		t.Errorf("envelope = %s/%s, want user/user", msg.Type, msg.Message.Role)
	}
	if msg.Message.Content != "Hello, Claude!" {
		t.Errorf("Content = %q", msg.Message.Content)
	}
}

func TestClientSendControlResponse(t *testing.T) {
	var stdin bytes.Buffer
	client := NewClient(&stdin, strings.NewReader(""), newTestLogger())

	err := client.SendControlResponse(&ControlResponseMessage{
		Type:      MessageTypeControlResponse,
		RequestID: "req123",
		Response: &ControlResponse{
			Subtype: "success",
			Result:  &PermissionResult{Behavior: BehaviorAllow},
		},
	})
	if err != nil {
		t.Fatalf("SendControlResponse() error = %v", err)
	}

	var parsed ControlResponseMessage
	sentLine(t, &stdin, &parsed)
	if parsed.RequestID != "req123" {
		t.Errorf("RequestID = %q, want req123", parsed.RequestID)
	}
	if parsed.Response == nil || parsed.Response.Result.Behavior != BehaviorAllow {
		t.Errorf("Response = %+v", parsed.Response)
	}
}

func TestClientSendControlRequest(t *testing.T) {
	var stdin bytes.Buffer
	client := NewClient(&stdin, strings.NewReader(""), newTestLogger())

	err := client.SendControlRequest(&SDKControlRequest{
		Type:      MessageTypeControlRequest,
		RequestID: "init123",
		Request:   SDKControlRequestBody{Subtype: SubtypeInitialize},
	})
	if err != nil {
		t.Fatalf("SendControlRequest() error = %v", err)
	}

	var parsed SDKControlRequest
	sentLine(t, &stdin, &parsed)
	if parsed.Request.Subtype != SubtypeInitialize {
		t.Errorf("Subtype = %q, want %q", parsed.Request.Subtype, SubtypeInitialize)
	}
}

func TestClientDispatchesMessages(t *testing.T) {
	input := strings.Join([]string{
		`{"type":"system","session_id":"sess123"}`,
		`{"type":"assistant","message":{"role":"assistant","content":[{"type":"text","text":"Hello"}]}}`,
	}, "\n") + "\n"

	var mu sync.Mutex
	var received []CLIMessage
	runScript(t, input, func(c *Client) {
		c.SetMessageHandler(func(msg *CLIMessage) {
			mu.Lock()
			received = append(received, *msg)
			mu.Unlock()
		})
	})

	mu.Lock()
	defer mu.Unlock()
	if len(received) != 2 {
		t.Fatalf("received %d messages, want 2", len(received))
	}
	if received[0].Type != MessageTypeSystem || received[1].Type != MessageTypeAssistant {
		t.Errorf("types = %s, %s", received[0].Type, received[1].Type)
	}
}

func TestClientDispatchesControlRequests(t *testing.T) {
	input := `{"type":"control_request","request_id":"req123","request":{"subtype":"can_use_tool","tool_name":"Bash"}}` + "\n"

	var mu sync.Mutex
	var gotID string
	var gotReq *ControlRequest
	runScript(t, input, func(c *Client) {
		c.SetRequestHandler(func(requestID string, req *ControlRequest) {
			mu.Lock()
			gotID, gotReq = requestID, req
			mu.Unlock()
		})
	})

	mu.Lock()
	defer mu.Unlock()
	if gotID != "req123" {
		t.Errorf("requestID = %q, want req123", gotID)
	}
	if gotReq == nil || gotReq.Subtype != SubtypeCanUseTool {
		t.Errorf("request = %+v", gotReq)
	}
}

func TestClientRejectsWithoutRequestHandler(t *testing.T) {
	// A permission request with nobody listening must be denied, not
	// left hanging: the CLI blocks on the answer.
	input := `{"type":"control_request","request_id":"req123","request":{"subtype":"can_use_tool","tool_name":"Bash"}}` + "\n"

	stdin := runScript(t, input, nil)

	var resp ControlResponseMessage
	sentLine(t, stdin, &resp)
	if resp.Response == nil || resp.Response.Subtype != "error" {
		t.Errorf("response = %+v, want error subtype", resp.Response)
	}
}

func TestClientSkipsBlankAndBrokenLines(t *testing.T) {
	input := "\n\n{invalid json}\n{\"type\":\"system\",\"session_id\":\"abc\"}\n\n"

	var mu sync.Mutex
	var count int
	runScript(t, input, func(c *Client) {
		c.SetMessageHandler(func(msg *CLIMessage) {
			mu.Lock()
			count++
			mu.Unlock()
		})
	})

	mu.Lock()
	defer mu.Unlock()
	if count != 1 {
		t.Errorf("dispatched %d messages, want 1", count)
	}
}

func TestClientStopIsIdempotent(t *testing.T) {
	pr, _ := io.Pipe()
	client := NewClient(&bytes.Buffer{}, pr, newTestLogger())

	<-client.Start(context.Background())
	client.Stop()
	client.Stop()
}

func TestClientInterruptTimesOutWithoutAck(t *testing.T) {
	var stdin bytes.Buffer
	client := NewClient(&stdin, strings.NewReader(""), newTestLogger())

	if err := client.Interrupt(context.Background(), 50*time.Millisecond); err == nil {
		t.Fatal("expected timeout error")
	}

	// The request itself must still have gone out.
	var req SDKControlRequest
	sentLine(t, &stdin, &req)
	if req.Request.Subtype != SubtypeInterrupt {
		t.Errorf("Subtype = %q, want %q", req.Request.Subtype, SubtypeInterrupt)
	}
}

func TestClientInterruptRoundTrip(t *testing.T) {
	stdinR, stdinW := io.Pipe()
	stdoutR, stdoutW := io.Pipe()
	defer stdinR.Close()
	defer stdoutW.Close()

	client := NewClient(stdinW, stdoutR, newTestLogger())
	<-client.Start(context.Background())
	defer client.Stop()

	// Play the CLI side: read the control request, acknowledge it.
	go func() {
		scanner := bufio.NewScanner(stdinR)
		if !scanner.Scan() {
			return
		}
		var req SDKControlRequest
		if err := json.Unmarshal(scanner.Bytes(), &req); err != nil {
			return
		}
		ack := fmt.Sprintf(`{"type":"control_response","response":{"subtype":"success","request_id":%q}}`, req.RequestID)
		_, _ = stdoutW.Write([]byte(ack + "\n"))
	}()

	if err := client.Interrupt(context.Background(), 2*time.Second); err != nil {
		t.Fatalf("Interrupt() error = %v", err)
	}
}
