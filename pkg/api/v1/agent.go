package v1

import "time"

// AgentStatus is the two-level liveness classification of an agent.
type AgentStatus string

const (
	AgentOnline   AgentStatus = "online"
	AgentDegraded AgentStatus = "degraded"
	AgentOffline  AgentStatus = "offline"
)

// Agent is a self-registered runner host.
type Agent struct {
	ID           string       `json:"id"`
	Label        string       `json:"label"`
	Version      string       `json:"version,omitempty"`
	Capabilities []WorkerType `json:"capabilities"`
	Status       AgentStatus  `json:"status"`
	LastSeenAt   time.Time    `json:"last_seen_at"`
	RegisteredAt time.Time    `json:"registered_at"`
}

// RegisterAgentRequest registers or updates an agent with the gateway.
type RegisterAgentRequest struct {
	AgentID      string       `json:"agent_id" binding:"required"`
	Label        string       `json:"label"`
	Version      string       `json:"version,omitempty"`
	Capabilities []WorkerType `json:"capabilities"`
}

// HeartbeatRequest refreshes an agent's liveness.
type HeartbeatRequest struct {
	AgentID string `json:"agent_id" binding:"required"`
}

// ClaimRequest asks the gateway for the oldest eligible pending run.
type ClaimRequest struct {
	AgentID string `json:"agent_id" binding:"required"`
}

// ClaimResponse carries the claimed run, or a nil Run when nothing is
// eligible. The run includes its capability token.
type ClaimResponse struct {
	Run *Run `json:"run,omitempty"`
}

// Artifact describes an uploaded run artifact.
type Artifact struct {
	RunID     string    `json:"run_id"`
	Name      string    `json:"name"`
	Size      int64     `json:"size"`
	CreatedAt time.Time `json:"created_at"`
}
