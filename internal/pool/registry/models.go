// Package registry tracks agent workers: identity, capabilities, status,
// heartbeat freshness, and the task each busy agent is working on.
package registry

import "time"

// Status is the lifecycle state of a registered agent.
type Status string

const (
	StatusIdle    Status = "idle"
	StatusBusy    Status = "busy"
	StatusOffline Status = "offline"
)

// Agent is one registered worker. CurrentTaskID is set exactly when the
// agent is busy.
type Agent struct {
	ID            string    `json:"id"`
	Capabilities  []string  `json:"capabilities"`
	Status        Status    `json:"status"`
	CurrentTaskID string    `json:"current_task_id,omitempty"`
	LastHeartbeat time.Time `json:"last_heartbeat"`
	RegisteredAt  time.Time `json:"registered_at"`
}
