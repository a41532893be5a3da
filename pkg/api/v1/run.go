// Package v1 defines the wire types shared by the gateway and the agent.
package v1

import "time"

// RunStatus represents the lifecycle state of a run.
type RunStatus string

const (
	RunStatusPending RunStatus = "pending"
	RunStatusRunning RunStatus = "running"
	RunStatusDone    RunStatus = "done"
	RunStatusFailed  RunStatus = "failed"
)

// Terminal reports whether the status is a terminal state.
func (s RunStatus) Terminal() bool {
	return s == RunStatusDone || s == RunStatusFailed
}

// WorkerType identifies which worker subprocess a run is executed with.
type WorkerType string

const (
	WorkerClaude       WorkerType = "claude"
	WorkerOllamaLaunch WorkerType = "ollama-launch"
	WorkerCodex        WorkerType = "codex"
	WorkerGemini       WorkerType = "gemini"
	WorkerRev          WorkerType = "rev"
	WorkerVNC          WorkerType = "vnc"
	WorkerHandsOn      WorkerType = "hands-on"
)

// KnownWorkerTypes lists every worker type the system understands.
var KnownWorkerTypes = []WorkerType{
	WorkerClaude, WorkerOllamaLaunch, WorkerCodex, WorkerGemini,
	WorkerRev, WorkerVNC, WorkerHandsOn,
}

// ValidWorkerType reports whether t names a known worker type.
func ValidWorkerType(t WorkerType) bool {
	for _, k := range KnownWorkerTypes {
		if t == k {
			return true
		}
	}
	return false
}

// Run represents one AI coding session.
type Run struct {
	ID              string     `json:"id"`
	WorkerType      WorkerType `json:"worker_type"`
	Command         string     `json:"command,omitempty"`
	Model           string     `json:"model,omitempty"`
	Integration     string     `json:"integration,omitempty"`
	Provider        string     `json:"provider,omitempty"`
	Autonomous      bool       `json:"autonomous,omitempty"`
	WorkingDir      string     `json:"working_dir,omitempty"`
	AssignedAgentID *string    `json:"assigned_agent_id,omitempty"`
	// CapabilityToken is only populated at creation and on claim.
	CapabilityToken string     `json:"capability_token,omitempty"`
	Status          RunStatus  `json:"status"`
	ExitCode        *int       `json:"exit_code,omitempty"`
	RestartedFrom   *string    `json:"restarted_from,omitempty"`
	ResumedFrom     *string    `json:"resumed_from,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	StartedAt       *time.Time `json:"started_at,omitempty"`
	FinishedAt      *time.Time `json:"finished_at,omitempty"`
}

// CreateRunRequest is the UI request to create a new run.
type CreateRunRequest struct {
	Command     string     `json:"command,omitempty"`
	WorkerType  WorkerType `json:"worker_type,omitempty"`
	Model       string     `json:"model,omitempty"`
	Integration string     `json:"integration,omitempty"`
	Provider    string     `json:"provider,omitempty"`
	Autonomous  bool       `json:"autonomous,omitempty"`
	WorkingDir  string     `json:"working_dir,omitempty"`
}

// CreateRunResponse is returned on run creation. The capability token is
// disclosed here and on claim, never again.
type CreateRunResponse struct {
	ID              string    `json:"id"`
	CapabilityToken string    `json:"capability_token"`
	Status          RunStatus `json:"status"`
}

// ListRunsRequest carries the filters for run listing. Cursor is the id of
// the last run from the previous page; the next page holds strictly older
// runs.
type ListRunsRequest struct {
	Status     RunStatus  `form:"status"`
	WorkerType WorkerType `form:"worker_type"`
	AgentID    string     `form:"agent_id"`
	Search     string     `form:"search"`
	Cursor     string     `form:"cursor"`
	Limit      int        `form:"limit"`
	Offset     int        `form:"offset"`
}

// RestartRunRequest optionally overrides the copied command or working dir.
type RestartRunRequest struct {
	Command    *string `json:"command,omitempty"`
	WorkingDir *string `json:"working_dir,omitempty"`
}

// RunState is the agent-reported driver state for a run.
type RunState struct {
	WorkingDir   string `json:"working_dir,omitempty"`
	LastSequence int64  `json:"last_sequence,omitempty"`
	StdinBuffer  string `json:"stdin_buffer,omitempty"`
	Environment  string `json:"environment,omitempty"`
}
