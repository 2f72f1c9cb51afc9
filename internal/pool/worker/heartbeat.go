package worker

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"github.com/lugh-dev/lugh/internal/events"
	"github.com/lugh-dev/lugh/internal/pool/registry"
)

// Heartbeat is the payload pulsed on the agent_heartbeat channel.
type Heartbeat struct {
	AgentID     string          `json:"agent_id"`
	Status      registry.Status `json:"status"`
	CurrentTask *HeartbeatTask  `json:"current_task,omitempty"`
	Resources   Resources       `json:"resources"`
	Timestamp   time.Time       `json:"timestamp"`
}

// HeartbeatTask describes the in-flight task, when there is one.
type HeartbeatTask struct {
	ID   string `json:"id"`
	Step string `json:"step,omitempty"`
}

func (w *Worker) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	w.beat(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.beat(ctx)
		}
	}
}

// beat publishes one status pulse and refreshes the registry row. Failures
// are logged and skipped; the next tick tries again.
func (w *Worker) beat(ctx context.Context) {
	w.mu.Lock()
	taskID := w.currentTask
	step := w.step
	w.mu.Unlock()

	hb := Heartbeat{
		AgentID:   w.id,
		Status:    registry.StatusIdle,
		Resources: w.sampler.Sample(),
		Timestamp: time.Now().UTC(),
	}
	if taskID != "" {
		hb.Status = registry.StatusBusy
		hb.CurrentTask = &HeartbeatTask{ID: taskID, Step: step}
	}

	payload, err := json.Marshal(hb)
	if err != nil {
		w.logger.Warn("Failed to encode heartbeat", zap.Error(err))
		return
	}
	if err := w.broker.Publish(ctx, events.ChannelAgentHeartbeat, payload); err != nil && ctx.Err() == nil {
		w.logger.Warn("Failed to publish heartbeat", zap.Error(err))
	}
	if err := w.registry.Heartbeat(ctx, w.id); err != nil && ctx.Err() == nil {
		w.logger.Warn("Failed to refresh registry heartbeat", zap.Error(err))
	}
}
