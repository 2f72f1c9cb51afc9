package session

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestMockRunnerStreamsScript(t *testing.T) {
	runner := &MockRunner{
		Script: []Event{
			{Type: EventAssistant, Content: "working on it"},
			{Type: EventTool, ToolName: "Edit", ToolInput: map[string]any{"file_path": "main.go"}},
			{Type: EventResult, Content: "done", SessionID: "sess-1"},
		},
	}

	stream, err := runner.SendQuery(context.Background(), Query{Prompt: "fix the bug", Cwd: "/tmp"})
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
		t.Fatalf("events = %d, want 3", len(events))
	}
	if events[0].Type != EventAssistant || events[1].ToolName != "Edit" {
		t.Errorf("event order: %+v", events)
	}
	if events[2].Type != EventResult || events[2].SessionID != "sess-1" {
		t.Errorf("result event: %+v", events[2])
	}

	queries := runner.Queries()
	if len(queries) != 1 || queries[0].Prompt != "fix the bug" {
		t.Errorf("recorded queries: %+v", queries)
	}
}

func TestStreamWithoutResultReportsErrNoResult(t *testing.T) {
	runner := &MockRunner{
		Script: []Event{{Type: EventAssistant, Content: "partial"}},
	}

	stream, err := runner.SendQuery(context.Background(), Query{Prompt: "p"})
	if err != nil {
		t.Fatalf("send query: %v", err)
	}
	for range stream.Events() {
	}
	if !errors.Is(stream.Err(), ErrNoResult) {
		t.Errorf("err = %v, want ErrNoResult", stream.Err())
	}
}

func TestStreamFinishErr(t *testing.T) {
	boom := errors.New("process exploded")
	runner := &MockRunner{FinishErr: boom}

	stream, _ := runner.SendQuery(context.Background(), Query{Prompt: "p"})
	for range stream.Events() {
	}
	if !errors.Is(stream.Err(), boom) {
		t.Errorf("err = %v, want %v", stream.Err(), boom)
	}
}

func TestStreamStartErr(t *testing.T) {
	boom := errors.New("no binary")
	runner := &MockRunner{StartErr: boom}

	if _, err := runner.SendQuery(context.Background(), Query{Prompt: "p"}); !errors.Is(err, boom) {
		t.Errorf("err = %v, want %v", err, boom)
	}
}

func TestStreamCancellation(t *testing.T) {
	runner := &MockRunner{
		Script: []Event{
			{Type: EventAssistant, Content: "slow"},
			{Type: EventResult, Content: "never reached"},
		},
		Delay: time.Hour,
	}

	ctx, cancel := context.WithCancel(context.Background())
	stream, err := runner.SendQuery(ctx, Query{Prompt: "p"})
	if err != nil {
		t.Fatalf("send query: %v", err)
	}
	cancel()

	deadline := time.After(5 * time.Second)
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
			t.Fatal("stream did not close after cancellation")
		}
	}
}
