package ws

// Topics. Per-run topics carry events, command queue changes, and status
// transitions for one run; "all" carries fleet-level activity.
const (
	TopicAll = "all"
)

// TopicRun returns the per-run topic name.
func TopicRun(runID string) string {
	return "run/" + runID
}

// Action constants for WebSocket messages
const (
	// Client -> server
	ActionSubscribe   = "topic.subscribe"
	ActionUnsubscribe = "topic.unsubscribe"

	// Notification actions (server -> client), per-run topics
	ActionEventAppended    = "event.appended"
	ActionRunStatus        = "run.status"
	ActionCommandQueued    = "command.queued"
	ActionCommandCompleted = "command.completed"

	// Notification actions, "all" topic
	ActionRunCreated  = "run.created"
	ActionRunDeleted  = "run.deleted"
	ActionAgentStatus = "agent.status"

	// Sent to a subscriber after its send queue overflowed; the client
	// reconciles by re-reading the event log from its cursor.
	ActionLossy = "subscription.lossy"
)

// Error codes
const (
	ErrorCodeBadRequest = "BAD_REQUEST"
	ErrorCodeValidation = "VALIDATION_ERROR"
)

// SubscribePayload is the payload for topic.subscribe / topic.unsubscribe.
type SubscribePayload struct {
	Topic string `json:"topic"`
}

// LossyPayload tells the subscriber which topic dropped messages.
type LossyPayload struct {
	Topic string `json:"topic"`
}
