package websocket

// Action constants for WebSocket messages
const (
	// Health
	ActionHealthCheck = "health.check"

	// Pool actions
	ActionPoolStatus = "pool.status"

	// Subscription actions (client -> server)
	ActionTaskSubscribe           = "task.subscribe"
	ActionTaskUnsubscribe         = "task.unsubscribe"
	ActionConversationSubscribe   = "conversation.subscribe"
	ActionConversationUnsubscribe = "conversation.unsubscribe"

	// Conversation input (client -> server)
	ActionConversationSend = "conversation.send"

	// Task notifications (server -> client)
	ActionTaskEnqueued   = "task.enqueued"
	ActionTaskAssigned   = "task.assigned"
	ActionTaskRunning    = "task.running"
	ActionTaskCompleted  = "task.completed"
	ActionTaskFailed     = "task.failed"
	ActionTaskReassigned = "task.reassigned"
	ActionTaskResult     = "task.result"

	// Agent notifications (server -> client)
	ActionAgentRegistered = "agent.registered"
	ActionAgentHeartbeat  = "agent.heartbeat"
	ActionAgentOffline    = "agent.offline"

	// Conversation notifications (server -> client)
	ActionConversationReply   = "conversation.reply"
	ActionConversationAborted = "conversation.aborted"

	// Isolation notifications (server -> client)
	ActionIsolationCreated   = "isolation.created"
	ActionIsolationAdopted   = "isolation.adopted"
	ActionIsolationDestroyed = "isolation.destroyed"
)

// Error codes
const (
	ErrorCodeBadRequest    = "BAD_REQUEST"
	ErrorCodeNotFound      = "NOT_FOUND"
	ErrorCodeInternalError = "INTERNAL_ERROR"
	ErrorCodeUnauthorized  = "UNAUTHORIZED"
	ErrorCodeForbidden     = "FORBIDDEN"
	ErrorCodeValidation    = "VALIDATION_ERROR"
	ErrorCodeUnknownAction = "UNKNOWN_ACTION"
)
