// Package allowlist decides which operator commands may run. It is enforced
// twice with the same rules: at enqueue on the gateway and again by the agent
// driver before execution.
package allowlist

import (
	"strings"

	v1 "github.com/runhub/runhub/pkg/api/v1"
)

// Commands the driver handles itself; always permitted.
var builtinCommands = []string{"cd", "pwd", "ls", "dir", "assist"}

// Allowlist decides which literal commands may run. Entries match exactly or
// as a whole-word prefix of the full command line.
type Allowlist struct {
	entries []string
}

// New builds an allowlist from configured entries.
func New(entries []string) *Allowlist {
	cleaned := make([]string, 0, len(entries))
	for _, e := range entries {
		if e = strings.TrimSpace(e); e != "" {
			cleaned = append(cleaned, e)
		}
	}
	return &Allowlist{entries: cleaned}
}

// Allowed reports whether command may run. Magic verbs and the driver
// builtins pass unconditionally. An entry only matches up to a word boundary:
// "git" admits "git status" but not "gitfoo".
func (a *Allowlist) Allowed(command string) bool {
	if v1.IsMagicVerb(command) {
		return true
	}
	for _, b := range builtinCommands {
		if matchesEntry(command, b) {
			return true
		}
	}
	for _, e := range a.entries {
		if matchesEntry(command, e) {
			return true
		}
	}
	return false
}

func matchesEntry(command, entry string) bool {
	return command == entry || strings.HasPrefix(command, entry+" ")
}
