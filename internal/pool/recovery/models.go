// Package recovery tracks per-task failure history, builds retry context so
// the next attempt avoids repeating mistakes, and escalates to a human when
// a task keeps failing.
package recovery

import "time"

// DefaultMaxAttempts is how many failures a task may accumulate before
// escalation.
const DefaultMaxAttempts = 3

// CheckResult is one verification check outcome from a failed attempt.
type CheckResult struct {
	Name   string `json:"name"`
	Passed bool   `json:"passed"`
	Detail string `json:"detail,omitempty"`
}

// FailureRecord captures one failed attempt at a task.
type FailureRecord struct {
	AttemptNumber int           `json:"attempt_number"`
	Timestamp     time.Time     `json:"timestamp"`
	AgentID       string        `json:"agent_id"`
	Error         string        `json:"error"`
	Approach      string        `json:"approach,omitempty"`
	ErrorClass    string        `json:"error_class"`
	FailedChecks  []CheckResult `json:"failed_checks,omitempty"`
}

// RecoveryContext is handed to the next attempt so it can steer around the
// previous ones.
type RecoveryContext struct {
	AttemptNumber    int             `json:"attempt_number"`
	PreviousAttempts []FailureRecord `json:"previous_attempts"`
	RecoveryHints    []string        `json:"recovery_hints"`
	WhatToAvoid      []string        `json:"what_to_avoid"`
	FailurePatterns  []string        `json:"failure_patterns"`
}

// Decision is the outcome of HandleFailure.
type Decision struct {
	Retry   bool             `json:"retry"`
	Context *RecoveryContext `json:"context,omitempty"`
}

// Escalation is the payload passed to the escalation handler when a task has
// exhausted its attempts.
type Escalation struct {
	TaskID           string          `json:"task_id"`
	Description      string          `json:"description"`
	Attempts         []FailureRecord `json:"attempts"`
	Reason           string          `json:"reason"`
	SuggestedActions []string        `json:"suggested_actions"`
}

// EscalationHandler receives tasks that gave up retrying.
type EscalationHandler func(esc *Escalation)
