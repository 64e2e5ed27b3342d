package cli

import (
	"context"
	"fmt"
	"os"

	"github.com/nats-io/nats.go"

	"github.com/vinayprograms/taskdispatch/activity"
	"github.com/vinayprograms/taskdispatch/bus"
	"github.com/vinayprograms/taskdispatch/client"
	"github.com/vinayprograms/taskdispatch/config"
	"github.com/vinayprograms/taskdispatch/credentials"
	"github.com/vinayprograms/taskdispatch/llm"
	"github.com/vinayprograms/taskdispatch/logging"
	"github.com/vinayprograms/taskdispatch/orchestrator"
	"github.com/vinayprograms/taskdispatch/shutdown"
	"github.com/vinayprograms/taskdispatch/state"
	"github.com/vinayprograms/taskdispatch/tasks"
	"github.com/vinayprograms/taskdispatch/telemetry"
)

// app holds what every command needs: configuration, the task store and
// the bus.
type app struct {
	cfg    *config.Config
	logger *logging.Logger
	creds  *credentials.Credentials

	conn  *nats.Conn
	store state.StateStore
	bus   bus.MessageBus
	tasks *tasks.Manager

	traces *telemetry.Provider
	events *telemetry.JSONLExporter
}

func openApp(ctx context.Context) (*app, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}

	logger := logging.New()
	logger.SetOutput(os.Stderr)
	level := cfg.LogLevel()
	if logLevel != "" {
		level = logging.ParseLevel(logLevel)
	}
	logger.SetLevel(level)

	creds, err := credentials.Load()
	if err != nil {
		return nil, err
	}

	a := &app{cfg: cfg, logger: logger, creds: creds}
	if err := a.connect(ctx); err != nil {
		a.Close()
		return nil, err
	}
	a.tasks = tasks.NewManager(a.store)
	return a, nil
}

func (a *app) connect(ctx context.Context) error {
	var err error
	if a.cfg.UsesNATS() {
		if a.conn, err = bus.ConnectNATS(a.cfg.NATS); err != nil {
			return err
		}
	}

	switch a.cfg.Store.Backend {
	case config.BackendSQLite:
		a.store, err = state.NewSQLiteStore(ctx, a.cfg.Store.Path)
	case config.BackendNATS:
		storeCfg := state.DefaultNATSStoreConfig()
		storeCfg.Conn = a.conn
		storeCfg.Bucket = a.cfg.Store.Bucket
		a.store, err = state.NewNATSStore(storeCfg)
	default:
		a.store = state.NewMemoryStore()
	}
	if err != nil {
		return fmt.Errorf("open %s store: %w", a.cfg.Store.Backend, err)
	}

	switch a.cfg.Bus.Backend {
	case config.BackendNATS:
		natsCfg := a.cfg.NATS
		if a.cfg.Bus.BufferSize > 0 {
			natsCfg.BufferSize = a.cfg.Bus.BufferSize
		}
		a.bus = bus.NewNATSBusFromConn(a.conn, natsCfg)
	default:
		a.bus = bus.NewMemoryBus(bus.Config{BufferSize: a.cfg.Bus.BufferSize})
	}
	return nil
}

// client returns a submitting client over the app's store and bus.
func (a *app) client() (*client.Client, error) {
	return client.New(client.Config{
		Tasks:  a.tasks,
		Bus:    a.bus,
		Logger: a.logger,
	})
}

// orchestrator builds the classifier, executor and LLM provider from the
// configuration. archiver may be nil.
func (a *app) orchestrator(ctx context.Context, archiver orchestrator.Archiver) (*orchestrator.Orchestrator, error) {
	classifier, err := a.cfg.Classifier()
	if err != nil {
		return nil, err
	}

	var tracer *telemetry.Tracer
	if pc := a.cfg.Telemetry.ProviderConfig(); pc.Enabled() {
		if a.traces, err = telemetry.InitProvider(ctx, pc); err != nil {
			return nil, fmt.Errorf("telemetry: %w", err)
		}
		tracer = a.traces.Tracer()
	}

	var events telemetry.Exporter
	if path := a.cfg.Telemetry.EventsFile; path != "" {
		if a.events, err = telemetry.OpenEventLog(path); err != nil {
			return nil, err
		}
		events = a.events
	}

	llmCfg := a.cfg.ProviderConfig(a.creds)
	provider, err := llm.NewProvider(llmCfg)
	if err != nil {
		return nil, fmt.Errorf("llm: %w", err)
	}
	provider = llm.WithTracing(provider, llmCfg, tracer)

	executor := activity.New(activity.Config{
		Provider: provider,
		Breaker:  a.cfg.Breaker,
		Logger:   a.logger,
	})

	return orchestrator.New(orchestrator.Config{
		Tasks:      a.tasks,
		Classifier: classifier,
		Executor:   executor,
		Policies:   a.cfg.Retry,
		Publisher:  a.bus,
		Archiver:   archiver,
		Events:     events,
		Tracer:     tracer,
		Logger:     a.logger,
	})
}

// register hands the app's resources to coord so they close after the
// workers have drained.
func (a *app) register(coord *shutdown.Coordinator) {
	if a.traces != nil {
		coord.RegisterFunc("traces", a.traces.Shutdown, shutdown.PhaseFlush)
	}
	if a.events != nil {
		coord.RegisterWithPhase("events", shutdown.CloserFunc(a.events.Close), shutdown.PhaseFlush)
	}
	if a.tasks != nil {
		coord.RegisterWithPhase("tasks", shutdown.CloserFunc(a.tasks.Close), shutdown.PhaseStorage)
	}
	if a.store != nil {
		coord.RegisterWithPhase("store", shutdown.CloserFunc(a.store.Close), shutdown.PhaseStorage)
	}
	if a.bus != nil {
		coord.RegisterWithPhase("bus", shutdown.CloserFunc(a.bus.Close), shutdown.PhaseTransport)
	}
	if a.conn != nil {
		coord.RegisterWithPhase("nats", shutdown.CloserFunc(func() error {
			a.conn.Close()
			return nil
		}), shutdown.PhaseTransport)
	}
}

// Close releases everything in phase order.
func (a *app) Close() error {
	coord := shutdown.NewCoordinator(shutdown.DefaultConfig(), nil)
	a.register(coord)
	err := coord.ShutdownWithTimeout(0)
	a.logger.Sync()
	return err
}
