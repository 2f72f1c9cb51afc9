package platform

import (
	"context"
	"sync"
)

// SentMessage is one recorded SendMessage call.
type SentMessage struct {
	ConversationID string
	Text           string
}

// SentFile is one recorded SendFile call.
type SentFile struct {
	ConversationID string
	Path           string
	Caption        string
}

// TestAdapter records outgoing traffic. The zero value is a batch-mode
// "test" platform; set Mode for streaming behavior and the error fields to
// force send failures.
type TestAdapter struct {
	Mode       Mode
	MessageErr error
	FileErr    error

	mu       sync.Mutex
	messages []SentMessage
	files    []SentFile
}

var _ Adapter = (*TestAdapter)(nil)

func (a *TestAdapter) PlatformType() string {
	return TypeTest
}

func (a *TestAdapter) StreamingMode() Mode {
	if a.Mode == "" {
		return ModeBatch
	}
	return a.Mode
}

func (a *TestAdapter) SendMessage(ctx context.Context, conversationID, text string) error {
	if a.MessageErr != nil {
		return a.MessageErr
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.messages = append(a.messages, SentMessage{ConversationID: conversationID, Text: text})
	return nil
}

func (a *TestAdapter) SendFile(ctx context.Context, conversationID, path, caption string) error {
	if a.FileErr != nil {
		return a.FileErr
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.files = append(a.files, SentFile{ConversationID: conversationID, Path: path, Caption: caption})
	return nil
}

// Messages returns every recorded message in send order.
func (a *TestAdapter) Messages() []SentMessage {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]SentMessage(nil), a.messages...)
}

// Files returns every recorded file in send order.
func (a *TestAdapter) Files() []SentFile {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]SentFile(nil), a.files...)
}

// LastMessage returns the most recent message, or an empty record.
func (a *TestAdapter) LastMessage() SentMessage {
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.messages) == 0 {
		return SentMessage{}
	}
	return a.messages[len(a.messages)-1]
}

// Reset drops all recorded traffic.
func (a *TestAdapter) Reset() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.messages = nil
	a.files = nil
}
