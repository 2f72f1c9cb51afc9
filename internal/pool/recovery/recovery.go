package recovery

import (
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/lugh-dev/lugh/internal/common/logger"
	"github.com/lugh-dev/lugh/internal/common/stringutil"
)

const hintErrorLimit = 200

// Manager keeps attempt history in memory. History lives only as long as the
// process; a restart starts every task with a clean slate, which is
// acceptable because the queue re-delivers interrupted tasks anyway.
type Manager struct {
	mu          sync.Mutex
	maxAttempts int
	history     map[string][]FailureRecord
	escalated   map[string]bool
	onEscalate  EscalationHandler
	logger      *logger.Logger
}

// NewManager creates a recovery manager. maxAttempts <= 0 selects the
// default. handler may be nil; escalations are then only logged.
func NewManager(maxAttempts int, handler EscalationHandler, log *logger.Logger) *Manager {
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	return &Manager{
		maxAttempts: maxAttempts,
		history:     make(map[string][]FailureRecord),
		escalated:   make(map[string]bool),
		onEscalate:  handler,
		logger:      log.WithFields(zap.String("component", "recovery")),
	}
}

// HandleFailure records a failed attempt and decides whether to retry.
// result is the failed attempt's output or error text; verification, when
// present, carries per-check outcomes that sharpen the hints. The returned
// Decision carries a RecoveryContext only when Retry is true.
func (m *Manager) HandleFailure(taskID, description, agentID, result string, verification []CheckResult) *Decision {
	m.mu.Lock()
	defer m.mu.Unlock()

	var failed []CheckResult
	for _, c := range verification {
		if !c.Passed {
			failed = append(failed, c)
		}
	}

	record := FailureRecord{
		AttemptNumber: len(m.history[taskID]) + 1,
		Timestamp:     time.Now().UTC(),
		AgentID:       agentID,
		Error:         result,
		Approach:      classifyApproach(result),
		ErrorClass:    classifyError(result),
		FailedChecks:  failed,
	}
	m.history[taskID] = append(m.history[taskID], record)
	attempts := m.history[taskID]

	m.logger.Warn("Task attempt failed",
		zap.String("task_id", taskID),
		zap.Int("attempt", record.AttemptNumber),
		zap.String("agent_id", agentID),
		zap.String("error_class", record.ErrorClass))

	if m.escalated[taskID] {
		// Already handed to a human once; stay out of the way.
		return &Decision{Retry: false}
	}

	if len(attempts) < m.maxAttempts {
		return &Decision{
			Retry:   true,
			Context: buildContext(attempts),
		}
	}

	m.escalated[taskID] = true
	patterns := detectPatterns(attempts)
	esc := &Escalation{
		TaskID:           taskID,
		Description:      description,
		Attempts:         append([]FailureRecord(nil), attempts...),
		Reason:           fmt.Sprintf("failed %d times, exhausting all retry attempts", len(attempts)),
		SuggestedActions: suggestionsFor(patterns),
	}
	m.logger.Error("Task escalated after repeated failures",
		zap.String("task_id", taskID),
		zap.Int("attempts", len(attempts)),
		zap.Strings("patterns", patterns))
	if m.onEscalate != nil {
		m.onEscalate(esc)
	}
	return &Decision{Retry: false}
}

// ClearHistory drops the record for a task. Call it on success or after
// manual intervention so a resubmitted task starts fresh.
func (m *Manager) ClearHistory(taskID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.history, taskID)
	delete(m.escalated, taskID)
}

// Attempts reports how many failures a task has accumulated.
func (m *Manager) Attempts(taskID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.history[taskID])
}

// History returns a copy of the failure records for a task.
func (m *Manager) History(taskID string) []FailureRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]FailureRecord(nil), m.history[taskID]...)
}

// buildContext summarizes prior attempts for the next one.
func buildContext(attempts []FailureRecord) *RecoveryContext {
	rc := &RecoveryContext{
		AttemptNumber:    len(attempts) + 1,
		PreviousAttempts: append([]FailureRecord(nil), attempts...),
		RecoveryHints:    []string{},
		WhatToAvoid:      []string{},
		FailurePatterns:  detectPatterns(attempts),
	}

	seenApproach := make(map[string]bool)
	for _, a := range attempts {
		if len(a.FailedChecks) > 0 {
			for _, c := range a.FailedChecks {
				rc.RecoveryHints = append(rc.RecoveryHints, fmt.Sprintf(
					"Attempt %d failed check %q: %s",
					a.AttemptNumber, c.Name, stringutil.TruncateStringWithEllipsis(c.Detail, hintErrorLimit)))
			}
		} else {
			rc.RecoveryHints = append(rc.RecoveryHints, fmt.Sprintf(
				"Attempt %d: %s",
				a.AttemptNumber, stringutil.TruncateStringWithEllipsis(firstLine(a.Error), hintErrorLimit)))
		}
		if a.Approach != "" && !seenApproach[a.Approach] {
			seenApproach[a.Approach] = true
			rc.WhatToAvoid = append(rc.WhatToAvoid, a.Approach)
		}
	}
	return rc
}

// detectPatterns returns error classes (or failed check names) that occurred
// at least twice across the attempts.
func detectPatterns(attempts []FailureRecord) []string {
	counts := make(map[string]int)
	var order []string
	bump := func(key string) {
		if counts[key] == 0 {
			order = append(order, key)
		}
		counts[key]++
	}
	for _, a := range attempts {
		if len(a.FailedChecks) > 0 {
			for _, c := range a.FailedChecks {
				bump(c.Name)
			}
			continue
		}
		bump(a.ErrorClass)
	}

	patterns := []string{}
	for _, key := range order {
		if counts[key] >= 2 {
			patterns = append(patterns, key)
		}
	}
	return patterns
}

func firstLine(s string) string {
	for i := 0; i < len(s); i++ {
		if s[i] == '\n' {
			return s[:i]
		}
	}
	return s
}
