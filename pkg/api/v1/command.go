package v1

import (
	"strings"
	"time"
)

// CommandStatus represents the delivery state of a queued command.
type CommandStatus string

const (
	CommandPending   CommandStatus = "pending"
	CommandCompleted CommandStatus = "completed"
)

// Magic verbs interpreted by the agent driver instead of being executed as
// shell commands. The wire format is bit-exact ASCII.
const (
	VerbStop           = "__STOP__"
	VerbHalt           = "__HALT__"
	VerbEscape         = "__ESCAPE__"
	VerbStartVNCStream = "__START_VNC_STREAM__"
	VerbInputPrefix    = "__INPUT__:"
)

// IsMagicVerb reports whether command is one of the driver-interpreted verbs.
func IsMagicVerb(command string) bool {
	switch command {
	case VerbStop, VerbHalt, VerbEscape, VerbStartVNCStream:
		return true
	}
	return strings.HasPrefix(command, VerbInputPrefix)
}

// InputPayload extracts the bytes of an __INPUT__: command. The payload may
// carry a leading \x03 to indicate a Ctrl-C precedes it.
func InputPayload(command string) (string, bool) {
	if !strings.HasPrefix(command, VerbInputPrefix) {
		return "", false
	}
	return command[len(VerbInputPrefix):], true
}

// Command is a control directive targeted at the agent-side subprocess of a
// specific run.
type Command struct {
	ID        string        `json:"id"`
	RunID     string        `json:"run_id"`
	Command   string        `json:"command"`
	Status    CommandStatus `json:"status"`
	Result    *string       `json:"result,omitempty"`
	Error     *string       `json:"error,omitempty"`
	CreatedAt time.Time     `json:"created_at"`
	AckedAt   *time.Time    `json:"acked_at,omitempty"`
}

// EnqueueCommandRequest is the UI request to queue a command on a run.
type EnqueueCommandRequest struct {
	Command string `json:"command" binding:"required"`
}

// InputRequest is the UI request to feed bytes to the worker's stdin.
type InputRequest struct {
	Input  string `json:"input"`
	Escape bool   `json:"escape,omitempty"`
}

// AckCommandRequest is the agent request to complete a command.
type AckCommandRequest struct {
	Result *string `json:"result,omitempty"`
	Error  *string `json:"error,omitempty"`
}

// PendingCommand is one entry of a command poll response.
type PendingCommand struct {
	ID        string    `json:"id"`
	Command   string    `json:"command"`
	CreatedAt time.Time `json:"created_at"`
}
