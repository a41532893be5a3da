// Package main is the entry point for the runagent binary: the long-running
// connect-back agent (`listen`) plus thin CLI wrappers over the gateway's
// HTTP surface.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/runhub/runhub/internal/agent/client"
	"github.com/runhub/runhub/internal/agent/dispatcher"
	"github.com/runhub/runhub/internal/agent/driver"
	"github.com/runhub/runhub/internal/agent/pool"
	"github.com/runhub/runhub/internal/agent/state"
	"github.com/runhub/runhub/internal/agent/workers"
	"github.com/runhub/runhub/internal/common/allowlist"
	"github.com/runhub/runhub/internal/common/config"
	"github.com/runhub/runhub/internal/common/logger"
	"github.com/runhub/runhub/internal/redact"
	v1 "github.com/runhub/runhub/pkg/api/v1"
)

var version = "dev"

// Exit codes: 0 success, 1 operational failure, 2 configuration error.
const (
	exitOK     = 0
	exitFailed = 1
	exitConfig = 2
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(exitConfig)
	}

	cmd := os.Args[1]
	args := os.Args[2:]

	var err error
	switch cmd {
	case "listen":
		err = runListen(args)
	case "login":
		err = runLogin(args)
	case "logout":
		err = runLogout(args)
	case "whoami":
		err = runWhoami(args)
	case "list":
		err = runList(args)
	case "show":
		err = runShow(args)
	case "stop", "halt", "escape", "assist":
		err = runVerb(cmd, args)
	case "input":
		err = runInput(args)
	case "restart", "resume":
		err = runClone(cmd, args)
	case "help", "-h", "--help":
		usage()
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n", cmd)
		usage()
		os.Exit(exitConfig)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "runagent %s: %v\n", cmd, err)
		var ue usageError
		if isUsageError(err, &ue) {
			os.Exit(exitConfig)
		}
		os.Exit(exitFailed)
	}
}

func usage() {
	fmt.Fprint(os.Stderr, `Usage: runagent <command> [flags]

Commands:
  listen     run the connect-back agent (registers, heartbeats, claims runs)
  login      cache a client token for UI calls
  logout     remove the cached client token
  whoami     show the cached identity
  list       list runs
  show       show one run
  stop       request a graceful stop of a run's worker
  halt       force-kill a run's worker
  escape     send an interrupt without stopping the run
  assist     open a shared terminal next to a run's worker
  input      feed bytes to a run's worker stdin
  restart    create a new run from a finished or stuck one
  resume     restart a terminal run, seeding its working directory
`)
}

// usageError marks configuration mistakes so main exits 2 instead of 1.
type usageError struct{ msg string }

func (e usageError) Error() string { return e.msg }

func usagef(format string, args ...any) error {
	return usageError{msg: fmt.Sprintf(format, args...)}
}

func isUsageError(err error, out *usageError) bool {
	ue, ok := err.(usageError)
	if ok {
		*out = ue
	}
	return ok
}

func runListen(args []string) error {
	fs := flag.NewFlagSet("listen", flag.ExitOnError)
	agentID := fs.String("agent-id", "", "stable agent identifier (default: generated)")
	agentLabel := fs.String("agent-label", "", "human-readable agent label")
	maxConcurrent := fs.Int("max-concurrent", 0, "max concurrent workers (overrides config)")
	pollInterval := fs.Int("poll-interval", 0, "claim poll interval in milliseconds (overrides config)")
	clientToken := fs.String("client-token", "", "client token to cache for UI calls")
	configPath := fs.String("config", "", "config directory")
	if err := fs.Parse(args); err != nil {
		return usagef("%v", err)
	}

	cfg, err := config.LoadWithPath(*configPath)
	if err != nil {
		return usagef("load config: %v", err)
	}
	if *agentID != "" {
		cfg.Agent.AgentID = *agentID
	}
	if cfg.Agent.AgentID == "" {
		cfg.Agent.AgentID = uuid.NewString()
	}
	if *agentLabel != "" {
		cfg.Agent.Label = *agentLabel
	}
	if cfg.Agent.Label == "" {
		if host, err := os.Hostname(); err == nil {
			cfg.Agent.Label = host
		}
	}
	if *maxConcurrent > 0 {
		cfg.Agent.MaxConcurrent = *maxConcurrent
	}
	if *pollInterval > 0 {
		cfg.Agent.ClaimPollIntervalMS = *pollInterval
	}
	if *clientToken != "" {
		if err := saveCredentials(credentials{GatewayURL: cfg.Agent.GatewayURL, Token: *clientToken}); err != nil {
			return fmt.Errorf("cache client token: %w", err)
		}
	}

	log, err := logger.New(logger.LoggingConfig(cfg.Logging))
	if err != nil {
		return usagef("initialize logger: %v", err)
	}
	defer log.Sync()

	gw := client.New(cfg.Agent, cfg.Auth.HMACSecret, log)
	registry := workers.NewRegistry(cfg.Workers)
	redactor, err := redact.New(cfg.Redact.Patterns)
	if err != nil {
		return usagef("compile redaction patterns: %v", err)
	}
	states, err := state.NewStore(cfg.Agent.RunsDir)
	if err != nil {
		return fmt.Errorf("open runs dir: %w", err)
	}
	allowed := allowlist.New(cfg.Commands.Allowlist)

	p := pool.New(cfg.Agent.MaxConcurrent, func(run *v1.Run, capToken string) pool.Runner {
		return driver.New(run, capToken, driver.Deps{
			Gateway:   gw,
			Workers:   registry,
			Redactor:  redactor,
			States:    states,
			Allowlist: allowed,
			Config:    cfg.Agent,
			Logger:    log,
		})
	}, log)

	d := dispatcher.New(gw, p, cfg.Agent, registry.Types(), version, log)

	log.Info("starting runagent",
		zap.String("agent_id", cfg.Agent.AgentID),
		zap.String("gateway", cfg.Agent.GatewayURL),
		zap.Int("max_concurrent", cfg.Agent.MaxConcurrent))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	return d.Run(ctx)
}
