// Package daemon assembles the conversation-bus process from one
// Config: ledger and claim stores, memory layers, worker invoker,
// dispatcher, fabric link, and the HTTP tool surface.
package daemon

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/halcyonlabs/chorus"
	"github.com/halcyonlabs/chorus/embed/openaicompat"
	"github.com/halcyonlabs/chorus/fabric"
	"github.com/halcyonlabs/chorus/graph/apiclient"
	"github.com/halcyonlabs/chorus/graph/neo4j"
	"github.com/halcyonlabs/chorus/httpapi"
	"github.com/halcyonlabs/chorus/internal/config"
	"github.com/halcyonlabs/chorus/observer"
	"github.com/halcyonlabs/chorus/store/postgres"
	"github.com/halcyonlabs/chorus/store/sqlite"
	"github.com/halcyonlabs/chorus/vector/qdrant"
	"github.com/halcyonlabs/chorus/worker"
)

// App is a fully wired conversation-bus daemon.
type App struct {
	cfg    config.Config
	logger *slog.Logger

	ledger chorus.Ledger
	claims chorus.ClaimStore
	active chorus.ActiveModeStore

	gate       *chorus.Gate
	recaller   *chorus.Recaller
	invoker    *chorus.Invoker
	dispatcher *chorus.Dispatcher
	summarizer *chorus.Summarizer
	sweeper    *chorus.ClaimSweeper
	reaper     *chorus.ActiveModeReaper

	api         *httpapi.Server
	client      *fabric.Client
	fabricToken string

	inst        *observer.Instruments
	obsShutdown func(context.Context) error

	closers []func() error
}

// New builds every component from cfg, failing fast on any
// unreachable backing service.
func New(ctx context.Context, cfg config.Config, logger *slog.Logger) (*App, error) {
	a := &App{cfg: cfg, logger: logger}

	var (
		tracer  chorus.Tracer
		metrics chorus.Metrics
	)
	if cfg.Observer.Enabled {
		inst, shutdown, err := observer.Init(ctx, "chorusd")
		if err != nil {
			return nil, fmt.Errorf("observer init: %w", err)
		}
		a.inst = inst
		a.obsShutdown = shutdown
		tracer = observer.NewTracer()
		metrics = observer.NewMetrics(inst)
		logger = slog.New(observer.NewLogHandler(logger.Handler()))
		a.logger = logger
	}

	if err := a.buildStores(ctx); err != nil {
		return nil, a.fail(err)
	}

	gate, err := chorus.NewGate(cfg.Auth.EntityPath,
		chorus.WithStrictAuth(cfg.Auth.Strict),
		chorus.WithMasterToken(cfg.Auth.MasterToken),
		chorus.WithGateLogger(logger))
	if err != nil {
		return nil, a.fail(err)
	}
	a.gate = gate

	engine, err := a.buildGraphEngine(ctx)
	if err != nil {
		return nil, a.fail(err)
	}

	embedder := openaicompat.New(cfg.Vector.APIKey, cfg.Vector.Model, cfg.Vector.BaseURL,
		openaicompat.WithDimensions(cfg.Vector.Dimensions),
		openaicompat.WithLogger(logger))
	index, err := qdrant.New(ctx, cfg.Vector.Host, cfg.Vector.Port, cfg.Vector.Collection,
		embedder, qdrant.WithLogger(logger))
	if err != nil {
		return nil, a.fail(fmt.Errorf("vector index: %w", err))
	}
	a.closers = append(a.closers, index.Close)

	raw := chorus.NewRawLayer(a.ledger)
	anchors, err := chorus.NewAnchorStore(cfg.Memory.AnchorsDir, index,
		chorus.WithAnchorLogger(logger))
	if err != nil {
		return nil, a.fail(fmt.Errorf("anchor store: %w", err))
	}
	crystals, err := chorus.NewCrystalStore(cfg.Memory.CrystalsDir,
		chorus.WithCrystalLogger(logger))
	if err != nil {
		return nil, a.fail(fmt.Errorf("crystal store: %w", err))
	}
	graphLayer := chorus.NewGraphLayer(engine, cfg.Graph.Group)

	a.recaller = chorus.NewRecaller(map[string]chorus.Layer{
		chorus.LayerRaw:      raw,
		chorus.LayerAnchors:  anchors,
		chorus.LayerGraph:    graphLayer,
		chorus.LayerCrystals: crystals,
	}, a.ledger, chorus.WithRecallLogger(logger),
		chorus.WithRecallTracer(tracer), chorus.WithRecallMetrics(metrics))

	runner, err := buildRunner(cfg.Worker)
	if err != nil {
		return nil, a.fail(err)
	}
	a.invoker = chorus.NewInvoker(runner,
		chorus.WithInvokerLogger(logger),
		chorus.WithInvokerTracer(tracer),
		chorus.WithInvokerMetrics(metrics))

	a.fabricToken, err = chorus.LoadOrCreateToken(cfg.Fabric.TokenPath)
	if err != nil {
		return nil, a.fail(fmt.Errorf("fabric token: %w", err))
	}
	a.client = fabric.NewClient(fabricEndpoint(cfg.Fabric), a.fabricToken,
		fabric.WithClientLogger(logger))

	dispatchOpts := []chorus.DispatchOption{
		chorus.WithDispatchLogger(logger),
		chorus.WithDispatchTracer(tracer),
		chorus.WithDispatchMetrics(metrics),
		chorus.WithGraphFanout(graphLayer),
		chorus.WithCrystallizer(
			newCrystallizer(a.invoker, a.ledger, crystals, cfg.Worker.Model),
			cfg.Dispatch.CrystallizationTurns),
		chorus.WithDMDetector(a.isDMChannel),
		chorus.WithKnownBotNames(cfg.Dispatch.KnownBots...),
	}
	if cfg.Dispatch.ClaimTTLSeconds > 0 {
		dispatchOpts = append(dispatchOpts,
			chorus.WithClaimTTL(time.Duration(cfg.Dispatch.ClaimTTLSeconds)*time.Second))
	}
	if cfg.Dispatch.ActiveModeTimeoutMinutes > 0 {
		dispatchOpts = append(dispatchOpts,
			chorus.WithActiveModeTimeout(time.Duration(cfg.Dispatch.ActiveModeTimeoutMinutes)*time.Minute))
	}
	if dc := debounceFromConfig(cfg.Dispatch); dc != (chorus.DebounceConfig{}) {
		dispatchOpts = append(dispatchOpts, chorus.WithDebounceConfig(dc))
	}
	a.dispatcher = chorus.NewDispatcher(cfg.Instance, chorus.NewID(),
		a.ledger, a.claims, a.active, a.invoker, a.recaller,
		&fabricBridge{client: a.client}, dispatchOpts...)

	a.sweeper = chorus.NewClaimSweeper(a.claims, chorus.WithSweepLogger(logger))
	reaperOpts := []chorus.ReaperOption{chorus.WithReapLogger(logger)}
	if cfg.Dispatch.ActiveModeTimeoutMinutes > 0 {
		reaperOpts = append(reaperOpts,
			chorus.WithReapTimeout(time.Duration(cfg.Dispatch.ActiveModeTimeoutMinutes)*time.Minute))
	}
	a.reaper = chorus.NewActiveModeReaper(a.active, reaperOpts...)

	sumOpts := []chorus.SummarizerOption{chorus.WithSummarizeLogger(logger)}
	if cfg.Memory.SummarizeThreshold > 0 {
		sumOpts = append(sumOpts, chorus.WithSummarizeThreshold(cfg.Memory.SummarizeThreshold))
	}
	a.summarizer = chorus.NewSummarizer(a.ledger, a.invoker, sumOpts...)

	a.api = httpapi.New(gate, a.recaller, a.ledger, raw, anchors, graphLayer, crystals,
		httpapi.WithLogger(logger))

	return a, nil
}

// buildStores selects the ledger backend. sqlite carries the claim and
// active-mode tables in the same file; postgres in the same database.
func (a *App) buildStores(ctx context.Context) error {
	switch a.cfg.Database.Backend {
	case "", "sqlite":
		st := sqlite.New(a.cfg.Database.Path, sqlite.WithLogger(a.logger))
		if err := st.Init(ctx); err != nil {
			return fmt.Errorf("sqlite init: %w", err)
		}
		a.closers = append(a.closers, st.Close)
		a.ledger, a.claims, a.active = st, st, st
	case "postgres":
		pool, err := pgxpool.New(ctx, a.cfg.Database.PostgresURL)
		if err != nil {
			return fmt.Errorf("postgres pool: %w", err)
		}
		pg := postgres.New(pool, postgres.WithLogger(a.logger))
		if err := pg.Init(ctx); err != nil {
			pool.Close()
			return fmt.Errorf("postgres init: %w", err)
		}
		a.closers = append(a.closers, func() error { pool.Close(); return nil })
		a.ledger, a.claims, a.active = pg, pg, pg
	default:
		return fmt.Errorf("config: unknown database backend %q", a.cfg.Database.Backend)
	}
	return nil
}

// buildGraphEngine picks the texture backend exactly once; an
// unreachable engine is a boot failure, not a degraded mode.
func (a *App) buildGraphEngine(ctx context.Context) (chorus.GraphEngine, error) {
	g := a.cfg.Graph
	switch g.Backend {
	case "", "neo4j":
		opts := []neo4j.Option{neo4j.WithLogger(a.logger)}
		if g.Database != "" {
			opts = append(opts, neo4j.WithDatabase(g.Database))
		}
		eng, err := neo4j.New(ctx, g.URI, g.Username, g.Password, g.Group, opts...)
		if err != nil {
			return nil, fmt.Errorf("graph engine: %w", err)
		}
		a.closers = append(a.closers, func() error { return eng.Close(context.Background()) })
		return eng, nil
	case "http":
		cl, err := apiclient.New(ctx, g.BaseURL, g.Group, apiclient.WithLogger(a.logger))
		if err != nil {
			return nil, fmt.Errorf("graph engine: %w", err)
		}
		return cl, nil
	default:
		return nil, fmt.Errorf("config: unknown graph backend %q", g.Backend)
	}
}

func buildRunner(w config.WorkerConfig) (chorus.Runner, error) {
	switch w.Runner {
	case "", "subprocess":
		opts := []worker.Option{worker.WithBaseArgs(w.Args...)}
		if w.WorkDir != "" {
			opts = append(opts, worker.WithWorkDir(w.WorkDir))
		}
		if w.Model != "" {
			opts = append(opts, worker.WithBaseArgs("--model", w.Model))
		}
		return worker.NewSubprocessRunner(w.Binary, opts...), nil
	case "docker":
		cmd := append([]string{w.Binary}, w.Args...)
		if w.Model != "" {
			cmd = append(cmd, "--model", w.Model)
		}
		return worker.NewDockerRunner(w.Image, cmd)
	default:
		return nil, fmt.Errorf("config: unknown worker runner %q", w.Runner)
	}
}

func debounceFromConfig(d config.DispatchConfig) chorus.DebounceConfig {
	var dc chorus.DebounceConfig
	if d.DebounceInitialSeconds > 0 {
		dc.Initial = time.Duration(d.DebounceInitialSeconds * float64(time.Second))
	}
	if d.DebounceHumanInitialSeconds > 0 {
		dc.HumanInitial = time.Duration(d.DebounceHumanInitialSeconds * float64(time.Second))
	}
	if d.DebounceMaxSeconds > 0 {
		dc.Max = time.Duration(d.DebounceMaxSeconds * float64(time.Second))
	}
	return dc
}

// isDMChannel resolves a ledger channel tag back to a fabric room and
// reports its DM flag. Unknown rooms are not DMs.
func (a *App) isDMChannel(channel string) bool {
	room, ok := a.client.Room(roomNameFor(channel))
	return ok && room.IsDM
}

// Run starts background loops and serves the tool surface until ctx
// ends. The returned error is nil on clean shutdown.
func (a *App) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go a.sweeper.Start(ctx)
	go a.reaper.Start(ctx)
	go a.summarizer.Start(ctx)
	if a.cfg.Memory.PruneAfterDays > 0 {
		go a.pruneLoop(ctx)
	}
	go a.fabricLoop(ctx)

	mux := http.NewServeMux()
	a.api.Routes(mux)
	srv := &http.Server{
		Addr:    net.JoinHostPort(a.cfg.HTTP.Host, strconv.Itoa(a.cfg.HTTP.Port)),
		Handler: mux,
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()
	a.logger.Info("chorusd listening",
		"addr", srv.Addr, "instance", a.cfg.Instance, "db", a.cfg.Database.Backend)

	select {
	case <-ctx.Done():
		shCtx, shCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shCancel()
		_ = srv.Shutdown(shCtx)
		a.dispatcher.Stop()
		return nil
	case err := <-errCh:
		return fmt.Errorf("http serve: %w", err)
	}
}

// pruneLoop drops summarized messages older than the configured TTL,
// once a day.
func (a *App) pruneLoop(ctx context.Context) {
	ticker := time.NewTicker(24 * time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cutoff := time.Now().AddDate(0, 0, -a.cfg.Memory.PruneAfterDays).Unix()
			n, err := a.ledger.Prune(ctx, cutoff)
			if err != nil {
				a.logger.Warn("prune failed", "error", err)
				continue
			}
			if n > 0 {
				a.logger.Info("pruned ledger", "removed", n)
			}
		}
	}
}

// Close releases everything New opened, in reverse order.
func (a *App) Close() error {
	var firstErr error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if a.obsShutdown != nil {
		shCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := a.obsShutdown(shCtx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// fail tears down partially built state on a constructor error.
func (a *App) fail(err error) error {
	_ = a.Close()
	return err
}

func fabricEndpoint(f config.FabricConfig) string {
	host := f.Host
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "127.0.0.1"
	}
	return "ws://" + net.JoinHostPort(host, strconv.Itoa(f.Port)) + "/ws"
}
