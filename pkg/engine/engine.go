package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/germanamz/relay/pkg/approval"
	"github.com/germanamz/relay/pkg/composer"
	"github.com/germanamz/relay/pkg/modeladapter"
	"github.com/germanamz/relay/pkg/observability"
	"github.com/germanamz/relay/pkg/schedule"
	"github.com/germanamz/relay/pkg/session"
	"github.com/germanamz/relay/pkg/store"
	"github.com/germanamz/relay/pkg/store/filestore"
	"github.com/germanamz/relay/pkg/store/memory"
	"github.com/germanamz/relay/pkg/store/sqlitestore"
	"github.com/germanamz/relay/pkg/tools/builtin"
	"github.com/germanamz/relay/pkg/tools/executor"
	"github.com/germanamz/relay/pkg/tools/mcpclient"
	"github.com/germanamz/relay/pkg/tools/toolbox"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// Options carries dependencies that do not come from the configuration.
type Options struct {
	Logger *slog.Logger
	// Completer replaces the configured provider.
	Completer modeladapter.Completer
	// Store replaces the configured store.
	Store store.Store
	// FetchClient is the HTTP client of the fetch_url tool. Nil refuses
	// private and loopback addresses.
	FetchClient *http.Client
}

// Engine is the composition root. It assembles the provider, tools, store,
// scheduler and sessions from configuration and exposes them to frontends.
type Engine struct {
	cfg       Config
	logger    *slog.Logger
	events    *EventBus
	registry  *prometheus.Registry
	metrics   *observability.Metrics
	tools     *toolbox.ToolBox
	scheduler *schedule.Scheduler
	sessions  *session.Manager

	store      store.Store
	closeStore func() error
	mcpClients []*mcpclient.Client
}

// New creates an Engine from the given configuration. It validates the
// config, builds the provider, connects MCP servers, checks the tool
// registry and opens the store. Defaults are applied to unset fields, so a
// Config literal behaves like a parsed file. Call Start to run scheduled
// tasks and Close to release everything.
func New(ctx context.Context, cfg Config, opts Options) (*Engine, error) {
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	e := &Engine{
		cfg:      cfg,
		logger:   observability.LoggerOrDefault(opts.Logger),
		events:   NewEventBus(),
		registry: prometheus.NewRegistry(),
	}

	e.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	e.metrics = observability.NewMetrics(e.registry)

	completer := opts.Completer
	if completer == nil {
		c, err := buildCompleter(cfg.Provider)
		if err != nil {
			return nil, err
		}
		completer = c
	}

	e.scheduler = schedule.New(func(_ context.Context, t schedule.Task) {
		e.events.TaskDue(t)
	}, e.logger)

	tools, err := e.buildTools(ctx, opts.FetchClient)
	if err != nil {
		_ = e.Close(ctx)
		return nil, err
	}
	e.tools = tools

	e.store = opts.Store
	if e.store == nil {
		st, closeFn, err := openStore(ctx, cfg.Store)
		if err != nil {
			_ = e.Close(ctx)
			return nil, err
		}
		e.store, e.closeStore = st, closeFn
	}

	tracer := observability.Tracer()

	exec := executor.New(tools, executor.Options{
		Middleware: []executor.Middleware{
			executor.Tracing(tracer),
			executor.Logger(e.logger),
			executor.Metrics(e.metrics),
			executor.Timeout(cfg.Tools.Timeout),
		},
	})
	resolver := approval.NewResolver(exec, e.logger, e.metrics)

	comp := composer.New(completer, tools, exec, resolver, composer.Options{
		System:   cfg.SystemPrompt,
		MaxSteps: cfg.MaxSteps,
		Logger:   e.logger,
		Metrics:  e.metrics,
		Tracer:   tracer,
	})

	e.sessions = session.NewManager(e.store, tools, resolver, comp, session.Options{
		Logger:   e.logger,
		Metrics:  e.metrics,
		Tracer:   tracer,
		Observer: e.events,
	})

	e.logger.Info("engine ready",
		"provider", modeladapter.ProviderName(completer),
		"store", cfg.Store.Kind,
		"tools", len(tools.Tools()),
		"gated", tools.Gated(),
	)

	return e, nil
}

// buildTools registers the enabled builtin tools and the tools of every MCP
// server, applies the confirmation list and validates the result.
func (e *Engine) buildTools(ctx context.Context, fetchClient *http.Client) (*toolbox.ToolBox, error) {
	all := builtin.Tools(builtin.Options{
		Scheduler:  e.scheduler,
		HTTPClient: fetchClient,
	})
	tb := all.Filter(e.cfg.Tools.Builtin)

	for _, srv := range e.cfg.MCPServers {
		client, err := mcpclient.Connect(ctx, srv)
		if err != nil {
			return nil, fmt.Errorf("engine: mcp %q: %w", srv.Name, err)
		}
		e.mcpClients = append(e.mcpClients, client)

		remote, err := client.ToolBox(ctx)
		if err != nil {
			return nil, fmt.Errorf("engine: mcp %q: %w", srv.Name, err)
		}
		tb.Merge(remote)
	}

	tb.RequireConfirmation(e.cfg.Tools.ConfirmationRequired...)

	if err := tb.Validate(); err != nil {
		return nil, fmt.Errorf("engine: tools: %w", err)
	}

	return tb, nil
}

func openStore(ctx context.Context, cfg StoreConfig) (store.Store, func() error, error) {
	switch cfg.Kind {
	case StoreFile:
		return filestore.New(cfg.Path), nil, nil
	case StoreSQLite:
		st, err := sqlitestore.Open(ctx, cfg.Path)
		if err != nil {
			return nil, nil, fmt.Errorf("engine: store: %w", err)
		}
		return st, st.Close, nil
	default:
		return memory.New(), nil, nil
	}
}

// Start runs the scheduler.
func (e *Engine) Start() { e.scheduler.Start() }

// Config returns the configuration the engine was built from.
func (e *Engine) Config() Config { return e.cfg }

// Logger returns the engine logger.
func (e *Engine) Logger() *slog.Logger { return e.logger }

// Events returns the engine's event bus.
func (e *Engine) Events() *EventBus { return e.events }

// Sessions returns the session manager.
func (e *Engine) Sessions() *session.Manager { return e.sessions }

// Session returns the session of a conversation.
func (e *Engine) Session(id string) *session.Session { return e.sessions.Session(id) }

// Tools returns the tool registry.
func (e *Engine) Tools() *toolbox.ToolBox { return e.tools }

// Scheduler returns the task scheduler.
func (e *Engine) Scheduler() *schedule.Scheduler { return e.scheduler }

// Gatherer returns the registry holding the engine's metrics.
func (e *Engine) Gatherer() prometheus.Gatherer { return e.registry }

// Close stops the scheduler, disconnects MCP servers and closes the store.
// All errors are joined.
func (e *Engine) Close(ctx context.Context) error {
	var errs []error

	if e.scheduler != nil {
		if err := e.scheduler.Stop(ctx); err != nil {
			errs = append(errs, fmt.Errorf("engine: scheduler: %w", err))
		}
	}

	for _, c := range e.mcpClients {
		if err := c.Close(); err != nil {
			errs = append(errs, fmt.Errorf("engine: mcp: %w", err))
		}
	}
	e.mcpClients = nil

	if e.closeStore != nil {
		if err := e.closeStore(); err != nil {
			errs = append(errs, fmt.Errorf("engine: store: %w", err))
		}
		e.closeStore = nil
	}

	return errors.Join(errs...)
}
