package platform

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/lugh-dev/lugh/internal/common/logger"
	"github.com/lugh-dev/lugh/internal/events"
	"github.com/lugh-dev/lugh/internal/events/bus"
)

func newTestLogger() *logger.Logger {
	log, _ := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "json"})
	return log
}

func TestLocalAdapterPublishesReplies(t *testing.T) {
	eventBus := bus.NewMemoryEventBus(newTestLogger())
	defer eventBus.Close()

	received := make(chan *bus.Event, 4)
	sub, err := eventBus.Subscribe(events.BuildConversationReplyWildcardSubject(), func(ctx context.Context, e *bus.Event) error {
		received <- e
		return nil
	})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer func() { _ = sub.Unsubscribe() }()

	adapter := NewLocalAdapter(eventBus, "", newTestLogger())
	if adapter.PlatformType() != TypeLocal {
		t.Errorf("platform type = %q", adapter.PlatformType())
	}
	if adapter.StreamingMode() != ModeStream {
		t.Errorf("default mode = %q, want stream", adapter.StreamingMode())
	}

	ctx := context.Background()
	if err := adapter.SendMessage(ctx, "conv-9", "hello there"); err != nil {
		t.Fatalf("send message: %v", err)
	}
	if err := adapter.SendFile(ctx, "conv-9", "/tmp/out.txt", "the output"); err != nil {
		t.Fatalf("send file: %v", err)
	}

	var got []*bus.Event
	for len(got) < 2 {
		select {
		case e := <-received:
			got = append(got, e)
		case <-time.After(5 * time.Second):
			t.Fatalf("timed out after %d events", len(got))
		}
	}

	if got[0].Data["text"] != "hello there" || got[0].Data["conversation_id"] != "conv-9" {
		t.Errorf("message event data = %v", got[0].Data)
	}
	if got[1].Data["file_path"] != "/tmp/out.txt" || got[1].Data["caption"] != "the output" {
		t.Errorf("file event data = %v", got[1].Data)
	}
}

func TestTestAdapterRecords(t *testing.T) {
	adapter := &TestAdapter{}
	ctx := context.Background()

	if adapter.StreamingMode() != ModeBatch {
		t.Errorf("default mode = %q, want batch", adapter.StreamingMode())
	}

	if err := adapter.SendMessage(ctx, "conv-1", "one"); err != nil {
		t.Fatalf("send: %v", err)
	}
	if err := adapter.SendMessage(ctx, "conv-1", "two"); err != nil {
		t.Fatalf("send: %v", err)
	}
	if err := adapter.SendFile(ctx, "conv-1", "/tmp/a.txt", "cap"); err != nil {
		t.Fatalf("send file: %v", err)
	}

	msgs := adapter.Messages()
	if len(msgs) != 2 || msgs[0].Text != "one" || msgs[1].Text != "two" {
		t.Errorf("messages = %+v", msgs)
	}
	if last := adapter.LastMessage(); last.Text != "two" {
		t.Errorf("last = %+v", last)
	}
	if files := adapter.Files(); len(files) != 1 || files[0].Path != "/tmp/a.txt" {
		t.Errorf("files = %+v", files)
	}

	adapter.Reset()
	if len(adapter.Messages()) != 0 || len(adapter.Files()) != 0 {
		t.Error("reset kept records")
	}
}

func TestTestAdapterForcedErrors(t *testing.T) {
	sendErr := errors.New("network down")
	adapter := &TestAdapter{MessageErr: sendErr, Mode: ModeStream}

	if err := adapter.SendMessage(context.Background(), "conv-1", "x"); !errors.Is(err, sendErr) {
		t.Errorf("err = %v, want forced", err)
	}
	if len(adapter.Messages()) != 0 {
		t.Error("failed send was recorded")
	}
	if adapter.StreamingMode() != ModeStream {
		t.Errorf("mode = %q", adapter.StreamingMode())
	}
}
