// Package workers maps worker types to subprocess spawn recipes: argv
// composition and environment preparation.
package workers

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/runhub/runhub/internal/common/config"
	v1 "github.com/runhub/runhub/pkg/api/v1"
)

// Spawn is a fully composed subprocess invocation.
type Spawn struct {
	Argv []string
	Env  []string
	// Shell wraps the invocation in a shell. Off by default: shell mode
	// corrupts prompt arguments containing spaces or quotes on some
	// platforms.
	Shell bool
}

// CommandLine renders the argv for display in the started marker.
func (s Spawn) CommandLine() string {
	return strings.Join(s.Argv, " ")
}

// apiKeySlots lists the API-key environment variables each worker type
// expects. Missing keys are exported as empty strings so the child always
// sees the variable.
var apiKeySlots = map[v1.WorkerType][]string{
	v1.WorkerClaude: {"ANTHROPIC_API_KEY"},
	v1.WorkerCodex:  {"OPENAI_API_KEY"},
	v1.WorkerGemini: {"GEMINI_API_KEY", "GOOGLE_API_KEY"},
	v1.WorkerRev:    {"OPENAI_API_KEY", "ANTHROPIC_API_KEY"},
}

// Registry resolves worker types to spawn recipes from configuration.
type Registry struct {
	cfgs config.WorkersConfig
}

// NewRegistry creates a worker registry.
func NewRegistry(cfgs config.WorkersConfig) *Registry {
	return &Registry{cfgs: cfgs}
}

// Known reports whether the registry has a recipe for the worker type.
func (r *Registry) Known(t v1.WorkerType) bool {
	_, ok := r.cfgs[string(t)]
	return ok
}

// Types lists the configured worker types, for capability registration.
func (r *Registry) Types() []v1.WorkerType {
	types := make([]v1.WorkerType, 0, len(r.cfgs))
	for name := range r.cfgs {
		types = append(types, v1.WorkerType(name))
	}
	sort.Slice(types, func(i, j int) bool { return types[i] < types[j] })
	return types
}

// Build composes the argv and environment for a run's worker subprocess.
func (r *Registry) Build(run *v1.Run) (Spawn, error) {
	cfg, ok := r.cfgs[string(run.WorkerType)]
	if !ok {
		return Spawn{}, fmt.Errorf("no worker recipe for type %q", run.WorkerType)
	}
	if cfg.Binary == "" {
		return Spawn{}, fmt.Errorf("worker %q has no binary configured", run.WorkerType)
	}

	argv := []string{cfg.Binary}
	if cfg.Subcommand != "" {
		argv = append(argv, cfg.Subcommand)
	}
	argv = append(argv, cfg.Args...)

	model := run.Model
	if model == "" {
		model = cfg.DefaultModel
	}
	if model != "" {
		if cfg.ModelFlag != "" {
			argv = append(argv, cfg.ModelFlag, model)
		} else {
			// No model flag means the model is positional (ollama run <model>).
			argv = append(argv, model)
		}
	}

	if run.Provider != "" && run.WorkerType == v1.WorkerRev {
		argv = append(argv, "--llm-provider", run.Provider)
	}

	// An empty or whitespace prompt never becomes a positional argument.
	prompt := strings.TrimSpace(run.Command)
	if prompt != "" {
		if cfg.PromptFlag != "" {
			argv = append(argv, cfg.PromptFlag, run.Command)
		} else {
			argv = append(argv, run.Command)
		}
	}

	return Spawn{Argv: argv, Env: buildEnv(run), Shell: cfg.Shell}, nil
}

// buildEnv returns the inherited environment plus the worker's overrides.
func buildEnv(run *v1.Run) []string {
	env := os.Environ()

	term := "dumb"
	if run.Autonomous {
		term = "xterm-256color"
	}
	env = setEnv(env, "TERM", term)

	for _, key := range apiKeySlots[run.WorkerType] {
		if os.Getenv(key) == "" {
			env = setEnv(env, key, "")
		}
	}

	if run.WorkerType == v1.WorkerOllamaLaunch {
		host := run.Integration
		if host == "" {
			host = os.Getenv("OLLAMA_HOST")
		}
		if host != "" {
			env = setEnv(env, "OLLAMA_HOST", host)
		}
	}
	return env
}

// setEnv replaces or appends KEY=value in an environment list.
func setEnv(env []string, key, value string) []string {
	prefix := key + "="
	for i, kv := range env {
		if strings.HasPrefix(kv, prefix) {
			env[i] = prefix + value
			return env
		}
	}
	return append(env, prefix+value)
}
