// Package events provides event types and utilities for the Lugh event system.
//
// Two naming families live here. Pub/sub channel names (flat, underscore-only)
// identify the persistent notification channels used between the coordinator
// and the agent workers. Bus subjects (dot-separated) identify in-process
// notifications fanned out to observers such as the WebSocket gateway.
package events

// Pub/sub channels for pool coordination.
const (
	// ChannelTaskAvailable wakes idle workers when work is enqueued.
	ChannelTaskAvailable = "task_available"
	// ChannelAgentHeartbeat carries periodic worker status pulses.
	ChannelAgentHeartbeat = "agent_heartbeat"
)

// BuildAgentStopChannel creates the per-agent stop channel name.
func BuildAgentStopChannel(agentID string) string {
	return "agent_stop_" + agentID
}

// BuildTaskAssignedChannel creates the per-agent direct assignment channel name.
func BuildTaskAssignedChannel(agentID string) string {
	return "task_assigned_" + agentID
}

// Event types for pool tasks
const (
	TaskEnqueued   = "task.enqueued"
	TaskAssigned   = "task.assigned"
	TaskRunning    = "task.running"
	TaskCompleted  = "task.completed"
	TaskFailed     = "task.failed"
	TaskReassigned = "task.reassigned"
)

// Event types for task result streaming
const (
	TaskResult = "task.result" // Base subject for streamed result chunks
)

// Event types for agents
const (
	AgentRegistered = "agent.registered"
	AgentOffline    = "agent.offline"
	AgentHeartbeat  = "agent.heartbeat"
)

// Event types for conversations
const (
	ConversationReply   = "conversation.reply"
	ConversationAborted = "conversation.aborted"
)

// Event types for isolation environments
const (
	IsolationCreated   = "isolation.created"
	IsolationAdopted   = "isolation.adopted"
	IsolationDestroyed = "isolation.destroyed"
)

// BuildTaskResultSubject creates a result stream subject for a specific task
func BuildTaskResultSubject(taskID string) string {
	return TaskResult + "." + taskID
}

// BuildTaskResultWildcardSubject creates a wildcard subscription for all task result events
func BuildTaskResultWildcardSubject() string {
	return TaskResult + ".*"
}

// BuildConversationReplySubject creates a reply subject for a specific conversation
func BuildConversationReplySubject(conversationID string) string {
	return ConversationReply + "." + conversationID
}

// BuildConversationReplyWildcardSubject creates a wildcard subscription for all conversation replies
func BuildConversationReplyWildcardSubject() string {
	return ConversationReply + ".*"
}
