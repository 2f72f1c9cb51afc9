package session

import (
	"context"
	"sync"
	"time"
)

// MockRunner replays a scripted event sequence. Used by tests and by the
// test platform adapter so the whole pipeline runs without a real CLI.
type MockRunner struct {
	// Script is emitted in order on every query.
	Script []Event
	// StartErr fails SendQuery immediately.
	StartErr error
	// FinishErr overrides the stream's terminal error.
	FinishErr error
	// Delay is an optional pause before each event, for abort tests.
	Delay time.Duration

	mu      sync.Mutex
	queries []Query
}

var _ Runner = (*MockRunner)(nil)

func (m *MockRunner) SendQuery(ctx context.Context, q Query) (*Stream, error) {
	m.mu.Lock()
	m.queries = append(m.queries, q)
	script := append([]Event(nil), m.Script...)
	startErr, finishErr := m.StartErr, m.FinishErr
	delay := m.Delay
	m.mu.Unlock()

	if startErr != nil {
		return nil, startErr
	}

	s := newStream(len(script) + 1)
	go func() {
		sawResult := false
		for _, ev := range script {
			if delay > 0 {
				select {
				case <-time.After(delay):
				case <-ctx.Done():
					s.finish(ctx.Err())
					return
				}
			}
			if !s.emit(ctx, ev) {
				s.finish(ctx.Err())
				return
			}
			if ev.Type == EventResult {
				sawResult = true
			}
		}
		if finishErr == nil && !sawResult {
			finishErr = ErrNoResult
		}
		s.finish(finishErr)
	}()
	return s, nil
}

// Queries returns every query the runner has received.
func (m *MockRunner) Queries() []Query {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Query(nil), m.queries...)
}
