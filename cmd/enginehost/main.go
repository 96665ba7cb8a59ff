// Command enginehost is a reference wiring for one engine instance: it
// loads an EngineConfig, opens an event store, connects to the bus,
// registers agents, and runs the durable consumer loop until signaled to
// stop. It is example wiring, not a service framework — real deployments
// are expected to write their own main that composes the same pkg/ pieces
// differently (e.g. one process per tenant, or an embedded engine with no
// network transport at all).
package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/chartly-labs/agentrt/pkg/adapter"
	"github.com/chartly-labs/agentrt/pkg/config"
	"github.com/chartly-labs/agentrt/pkg/engine"
	"github.com/chartly-labs/agentrt/pkg/eventstore/sqlitestore"
	"github.com/chartly-labs/agentrt/pkg/lockmanager"
	"github.com/chartly-labs/agentrt/pkg/telemetry"
	"github.com/chartly-labs/agentrt/pkg/transport"
)

func main() {
	root := getenv("AGENTRT_CONFIG_ROOT", "./config")
	loader, err := config.NewLoader(root, config.Options{
		Env:    getenv("AGENTRT_ENV", ""),
		Tenant: getenv("AGENTRT_TENANT", ""),
	})
	if err != nil {
		log.Fatalf("enginehost: config loader: %v", err)
	}
	cfg, err := loader.Load()
	if err != nil {
		log.Fatalf("enginehost: load config: %v", err)
	}

	logger := telemetry.NewInfoLogger(os.Stdout, "enginehost")
	runID := uuid.NewString()
	ctx := telemetry.ContextWithRequestID(context.Background(), runID)
	logger.Info(ctx, "starting engine host", map[string]any{
		"run_id":    runID,
		"tenant":    cfg.Tenant,
		"workspace": cfg.Workspace,
		"agent_id":  cfg.AgentID,
	})

	store, err := sqlitestore.Open(cfg.StoreDSN)
	if err != nil {
		log.Fatalf("enginehost: open store: %v", err)
	}
	defer store.Close()

	busURL := getenv("AGENTRT_NATS_URL", "nats://127.0.0.1:4222")
	bus, err := transport.Connect(busURL)
	if err != nil {
		log.Fatalf("enginehost: connect bus: %v", err)
	}
	defer bus.Close()

	registry := adapter.NewRegistry()
	clock := wallClock{}
	registry.Register(lockmanager.New(clock))
	// Domain-specific agents are registered here by callers that embed this
	// wiring rather than running it verbatim; enginehost by itself only
	// hosts the system lock-manager agent.

	eng := engine.New(engine.Options{
		Tenant:    cfg.Tenant,
		Workspace: cfg.Workspace,
		Store:     store,
		Registry:  registry,
		Publisher: bus,
		Clock:     clock,
		Logger:    logger,
	})

	handler := engine.Handler{Engine: eng}
	runner, err := transport.NewRunner(bus, handler, transport.RunnerOptions{
		Stream:     transport.StreamCommands,
		Filter:     transport.AgentCommandFilter(cfg.AgentID),
		Durable:    transport.AgentConsumerDurable(cfg.AgentID),
		MaxDeliver: cfg.MaxDelivery,
		BackoffMS:  cfg.BackoffScheduleMS,
		Logger:     logger,
	})
	if err != nil {
		log.Fatalf("enginehost: start consumer: %v", err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	runner.Start(runCtx)

	stop := make(chan os.Signal, 2)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	logger.Info(ctx, "shutdown signal received, draining", nil)
	cancel()
	shutdownDone := make(chan struct{})
	go func() {
		runner.Stop()
		close(shutdownDone)
	}()
	select {
	case <-shutdownDone:
	case <-time.After(30 * time.Second):
		logger.Warn(ctx, "shutdown drain timed out", nil)
	}
	logger.Info(ctx, "shutdown complete", nil)
}

type wallClock struct{}

func (wallClock) NowMillis() int64 { return time.Now().UnixNano() / int64(time.Millisecond) }

func getenv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}
