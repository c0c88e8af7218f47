// Package app wires all animavox subsystems into a running client.
//
// The App struct owns the full lifecycle: New creates and connects all
// subsystems, Run executes the frame tick and transport loops, and Shutdown
// tears everything down in order.
//
// For testing, inject mock implementations via functional options
// (WithHistoryStore, WithAssetSource, etc.). When an option is not provided,
// New creates real implementations from the config.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/animavox/animavox/internal/avatar"
	"github.com/animavox/animavox/internal/catalog"
	"github.com/animavox/animavox/internal/chat"
	"github.com/animavox/animavox/internal/config"
	"github.com/animavox/animavox/internal/lipsync"
	"github.com/animavox/animavox/internal/observe"
	"github.com/animavox/animavox/internal/transport"
	"github.com/animavox/animavox/pkg/history"
	"github.com/animavox/animavox/pkg/history/postgres"
	"github.com/animavox/animavox/pkg/provider/embeddings"
	"github.com/animavox/animavox/pkg/provider/llm"
	"github.com/animavox/animavox/pkg/provider/tts"
)

// defaultFrameRate is the tick frequency for the avatar mixer when no
// override is injected.
const defaultFrameRate = 60

// defaultEmbeddingDimensions matches OpenAI text-embedding-3-small.
const defaultEmbeddingDimensions = 1536

// Providers holds one interface value per provider slot. Nil means the
// provider is not configured. Populated by main.go via the config registry.
type Providers struct {
	LLM        llm.Provider
	TTS        tts.Provider
	Embeddings embeddings.Provider
}

// App owns all subsystem lifetimes and drives the animavox client.
type App struct {
	cfg       *config.Config
	providers *Providers

	// Subsystems, initialised in New and torn down in Shutdown.
	metrics *observe.Metrics
	store   history.Store
	catalog *catalog.Client
	profile chat.AgentProfile
	engine  *lipsync.Engine
	cache   *avatar.ClipCache
	runtime *avatar.Runtime
	loader  *avatar.Loader
	orch    *chat.Orchestrator
	channel *transport.Channel

	// idleClip is resolved in New and loaded at the start of Run.
	idleClip avatar.ClipDescriptor

	// Test injection points. Nil means New builds the real thing.
	assetSource avatar.AssetSource
	clipSource  avatar.ClipSource
	sink        lipsync.Sink
	profileSet  bool
	frameRate   int

	// runCtx bounds work started from transport callbacks. Set in Run.
	ctxMu  sync.Mutex
	runCtx context.Context

	// closers are called in order during Shutdown.
	closers []func() error

	// stopOnce guards the Shutdown path.
	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithHistoryStore injects a history store instead of connecting to Postgres.
func WithHistoryStore(s history.Store) Option {
	return func(a *App) { a.store = s }
}

// WithCatalogClient injects a catalog client instead of creating one from config.
func WithCatalogClient(c *catalog.Client) Option {
	return func(a *App) { a.catalog = c }
}

// WithAssetSource injects an avatar asset source instead of reading local files.
func WithAssetSource(s avatar.AssetSource) Option {
	return func(a *App) { a.assetSource = s }
}

// WithClipSource injects an animation clip source instead of parsing glTF files.
func WithClipSource(s avatar.ClipSource) Option {
	return func(a *App) { a.clipSource = s }
}

// WithAudioSink injects the playback sink for synthesized speech.
func WithAudioSink(s lipsync.Sink) Option {
	return func(a *App) { a.sink = s }
}

// WithProfile injects an agent profile instead of fetching it from the catalog.
func WithProfile(p chat.AgentProfile) Option {
	return func(a *App) {
		a.profile = p
		a.profileSet = true
	}
}

// WithFrameRate overrides the mixer tick frequency in frames per second.
func WithFrameRate(fps int) Option {
	return func(a *App) { a.frameRate = fps }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App by wiring all subsystems together. The providers struct
// comes from main.go (populated via the config registry). Use Option functions
// to inject test doubles for any subsystem.
//
// New performs all initialisation synchronously: history store connection,
// catalog fetch, lore indexing, avatar asset loading, orchestrator and
// transport construction.
func New(ctx context.Context, cfg *config.Config, providers *Providers, opts ...Option) (*App, error) {
	if providers == nil {
		providers = &Providers{}
	}
	a := &App{
		cfg:       cfg,
		providers: providers,
		frameRate: defaultFrameRate,
		runCtx:    context.Background(),
	}
	for _, o := range opts {
		o(a)
	}
	a.metrics = observe.DefaultMetrics()

	// ── 1. History store ─────────────────────────────────────────────────
	if err := a.initHistory(ctx); err != nil {
		return nil, fmt.Errorf("app: init history: %w", err)
	}

	// ── 2. Catalog + agent profile ───────────────────────────────────────
	if err := a.initProfile(ctx); err != nil {
		return nil, fmt.Errorf("app: init profile: %w", err)
	}

	// ── 3. Lore index ────────────────────────────────────────────────────
	a.indexLore(ctx)

	// ── 4. Avatar stack ──────────────────────────────────────────────────
	if err := a.initAvatar(ctx); err != nil {
		return nil, fmt.Errorf("app: init avatar: %w", err)
	}

	// ── 5. Conversation orchestrator ─────────────────────────────────────
	if err := a.initOrchestrator(); err != nil {
		return nil, fmt.Errorf("app: init orchestrator: %w", err)
	}

	// ── 6. Backend transport ─────────────────────────────────────────────
	if err := a.initTransport(); err != nil {
		return nil, fmt.Errorf("app: init transport: %w", err)
	}

	return a, nil
}

// ─── Init helpers ────────────────────────────────────────────────────────────

// initHistory connects the PostgreSQL history store unless one was injected.
// Without a DSN the app runs with in-memory transcripts only.
func (a *App) initHistory(ctx context.Context) error {
	if a.store != nil {
		return nil
	}
	dsn := a.cfg.History.PostgresDSN
	if dsn == "" {
		slog.Info("no history DSN configured, transcripts are in-memory only")
		return nil
	}

	dims := a.cfg.History.EmbeddingDimensions
	if dims == 0 {
		dims = defaultEmbeddingDimensions
	}
	if a.providers.Embeddings != nil && a.providers.Embeddings.Dimensions() > 0 {
		dims = a.providers.Embeddings.Dimensions()
	}

	store, err := postgres.NewStore(ctx, dsn, dims)
	if err != nil {
		return err
	}
	a.store = store
	a.closers = append(a.closers, func() error {
		store.Close()
		return nil
	})
	return nil
}

// initProfile fetches the agent persona from the catalog. Without a catalog
// the profile is built from the configured agent ID alone.
func (a *App) initProfile(ctx context.Context) error {
	if a.catalog == nil && a.cfg.Catalog.BaseURL != "" {
		var copts []catalog.ClientOption
		if a.cfg.Catalog.Token != "" {
			copts = append(copts, catalog.WithToken(a.cfg.Catalog.Token))
		}
		client, err := catalog.NewClient(a.cfg.Catalog.BaseURL, copts...)
		if err != nil {
			return err
		}
		a.catalog = client
	}

	if a.profileSet {
		return nil
	}

	if a.catalog != nil && a.cfg.Agent.ID != "" {
		entry, err := a.catalog.Agent(ctx, a.cfg.Agent.ID)
		if err != nil {
			return fmt.Errorf("fetch agent %q: %w", a.cfg.Agent.ID, err)
		}
		a.profile = entry.Profile()
		slog.Info("loaded agent profile", "agent", a.profile.ID, "name", a.profile.Name)
		return nil
	}

	a.profile = chat.AgentProfile{ID: a.cfg.Agent.ID, Name: a.cfg.Agent.ID}
	return nil
}

// indexLore embeds the profile's lore lines and stores them for similarity
// search. Failures are non-fatal; the orchestrator falls back to random
// sampling from the in-profile lore pool.
func (a *App) indexLore(ctx context.Context) {
	if a.providers.Embeddings == nil || a.store == nil || len(a.profile.Lore) == 0 {
		return
	}
	vectors, err := a.providers.Embeddings.EmbedBatch(ctx, a.profile.Lore)
	if err != nil {
		slog.Warn("embedding lore failed, using random sampling", "agent", a.profile.ID, "error", err)
		return
	}
	if err := a.store.UpsertLore(ctx, a.profile.ID, a.profile.Lore, vectors); err != nil {
		slog.Warn("indexing lore failed, using random sampling", "agent", a.profile.ID, "error", err)
		return
	}
	slog.Info("indexed agent lore", "agent", a.profile.ID, "lines", len(a.profile.Lore))
}

// initAvatar builds the lip-sync engine, clip cache, runtime and asset
// loader, then loads the configured avatar and resolves animation bindings.
func (a *App) initAvatar(ctx context.Context) error {
	var eopts []lipsync.EngineOption
	if a.sink != nil {
		eopts = append(eopts, lipsync.WithSink(a.sink))
	}
	a.engine = lipsync.NewEngine(eopts...)
	if v := a.cfg.Avatar.Volume; v > 0 {
		a.engine.SetVolume(v)
	}

	clipSource := a.clipSource
	if clipSource == nil {
		clipSource = avatar.GLTFClipSource{}
	}
	a.cache = avatar.NewClipCache(clipSource)
	a.runtime = avatar.NewRuntime(a.cache, a.engine)

	assetSource := a.assetSource
	if assetSource == nil {
		assetSource = avatar.FileAssetSource{}
	}
	a.loader = avatar.NewLoader(assetSource, avatar.WithSwapHandler(a.runtime.SetAsset))
	a.closers = append(a.closers, func() error {
		a.loader.Close()
		if as := a.runtime.Asset(); as != nil && !as.Disposed() {
			as.Dispose()
		}
		return nil
	})

	if path := a.cfg.Avatar.AssetPath; path != "" {
		start := time.Now()
		if _, err := a.loader.Load(ctx, path); err != nil {
			return fmt.Errorf("load avatar %q: %w", path, err)
		}
		a.metrics.AssetLoadDuration.Record(ctx, time.Since(start).Seconds())
		slog.Info("loaded avatar", "path", path)
	}

	return a.resolveAnimations(ctx)
}

// resolveAnimations binds the idle and talk clips. Config bindings override
// the profile's catalog bindings. The idle clip itself is loaded in Run.
func (a *App) resolveAnimations(ctx context.Context) error {
	idleID := a.cfg.Avatar.IdleAnimation
	if idleID == "" {
		idleID = a.profile.Animations[chat.StateIdle]
	}
	talkID := a.cfg.Avatar.TalkAnimation
	if talkID == "" {
		talkID = a.profile.Animations[chat.StateTalk]
	}

	var entries []catalog.AnimationEntry
	if a.catalog != nil && (idleID != "" || talkID != "") {
		var err error
		entries, err = a.catalog.Animations(ctx)
		if err != nil {
			slog.Warn("listing animations failed, using local paths", "error", err)
		}
	}

	if idleID != "" {
		a.idleClip = resolveClip(entries, idleID)
	}
	if talkID != "" {
		desc := resolveClip(entries, talkID)
		a.runtime.SetTalkClip(&desc)
	}
	return nil
}

// resolveClip finds the catalog entry for id, or falls back to treating id as
// a local clip path.
func resolveClip(entries []catalog.AnimationEntry, id string) avatar.ClipDescriptor {
	for _, e := range entries {
		if e.ID == id {
			return e.Descriptor()
		}
	}
	return avatar.ClipDescriptor{ID: id, Name: id, SourcePath: id, Loop: true}
}

// initOrchestrator builds the conversation orchestrator around the runtime.
func (a *App) initOrchestrator() error {
	if a.providers.LLM == nil {
		return errors.New("an LLM provider is required")
	}

	mode := "text"
	if a.providers.TTS != nil {
		mode = "spoken"
	}
	opts := []chat.Option{
		chat.WithMessageHandler(func(m chat.Message) {
			if m.Role == history.RoleAgent {
				a.metrics.RecordAgentUtterance(context.Background(), a.profile.ID, mode)
			}
		}),
	}
	if a.providers.TTS != nil {
		opts = append(opts, chat.WithTTS(a.providers.TTS))
	}
	if a.providers.Embeddings != nil {
		opts = append(opts, chat.WithEmbeddings(a.providers.Embeddings))
	}
	if a.store != nil {
		opts = append(opts, chat.WithStore(a.store))
	}
	if a.cfg.Agent.SessionID != "" {
		opts = append(opts, chat.WithSessionID(a.cfg.Agent.SessionID))
	}
	if a.cfg.Agent.HistoryLimit > 0 {
		opts = append(opts, chat.WithHistoryLimit(a.cfg.Agent.HistoryLimit))
	}

	orch, err := chat.New(a.profile, a.providers.LLM, a.runtime, opts...)
	if err != nil {
		return err
	}
	a.orch = orch
	return nil
}

// initTransport builds the backend chat channel when a URL is configured.
// Inbound agent replies are handed to the orchestrator off the read loop so
// a long speech playback cannot stall the connection.
func (a *App) initTransport() error {
	if a.cfg.Transport.URL == "" {
		return nil
	}

	copts := []transport.ChannelOption{
		transport.WithReplyHandler(func(content string) {
			go func() {
				if err := a.orch.HandleAgentReply(a.replyContext(), content); err != nil {
					slog.Warn("handling backend reply failed", "error", err)
				}
			}()
		}),
		transport.WithSessionHandler(func(sessionID string) {
			slog.Info("session assigned", "session", sessionID)
		}),
	}
	if a.cfg.Transport.SessionFile != "" {
		copts = append(copts, transport.WithSessionStore(transport.NewFileSessionStore(a.cfg.Transport.SessionFile)))
	}

	channel, err := transport.NewChannel(a.cfg.Transport.URL, a.cfg.Transport.UserID, copts...)
	if err != nil {
		return err
	}
	a.channel = channel
	return nil
}

// replyContext returns the context bounding transport-initiated work.
func (a *App) replyContext() context.Context {
	a.ctxMu.Lock()
	defer a.ctxMu.Unlock()
	return a.runCtx
}

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run starts the main loops and blocks until ctx is cancelled or a loop
// fails: the frame tick driving the animation mixer, the idle chatter loop,
// the backend transport (when configured) and the Prometheus metrics listener
// (when configured). When ctx is done, Run returns context.Canceled.
func (a *App) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	a.ctxMu.Lock()
	a.runCtx = ctx
	a.ctxMu.Unlock()

	if a.idleClip.ID != "" {
		if err := a.runtime.LoadIdle(ctx, a.idleClip); err != nil {
			slog.Warn("loading idle animation failed", "clip", a.idleClip.ID, "error", err)
		}
	}

	a.orch.StartIdleLoop(ctx)

	g.Go(func() error { return a.tickLoop(ctx) })

	if a.channel != nil {
		g.Go(func() error { return a.channel.Run(ctx) })
	}

	if addr := a.cfg.Server.MetricsAddr; addr != "" {
		a.startMetricsServer(ctx, g, addr)
	}

	slog.Info("app running",
		"agent", a.profile.ID,
		"frame_rate", a.frameRate,
		"transport", a.channel != nil,
	)
	return g.Wait()
}

// tickLoop advances the animation mixer at the configured frame rate.
func (a *App) tickLoop(ctx context.Context) error {
	ticker := time.NewTicker(time.Second / time.Duration(a.frameRate))
	defer ticker.Stop()

	last := time.Now()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case now := <-ticker.C:
			a.runtime.Update(now.Sub(last).Seconds())
			last = now
		}
	}
}

// metricsHandler builds the instrumented handler for the operational
// listener: the Prometheus scrape endpoint wrapped in tracing, correlation
// and request-duration middleware.
func (a *App) metricsHandler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	return observe.Middleware(a.metrics)(mux)
}

// startMetricsServer serves the Prometheus scrape endpoint.
func (a *App) startMetricsServer(ctx context.Context, g *errgroup.Group, addr string) {
	srv := &http.Server{Addr: addr, Handler: a.metricsHandler()}

	g.Go(func() error {
		slog.Info("metrics listener started", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("app: metrics listener: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		return ctx.Err()
	})
}

// ─── Hot reload ──────────────────────────────────────────────────────────────

// ApplyConfig applies the hot-reloadable parts of a newly loaded config:
// playback volume, the avatar asset and the animation bindings. Settings that
// need a restart, such as the agent identity, are logged and skipped. The log
// level is handled by the caller, which owns the logger.
func (a *App) ApplyConfig(ctx context.Context, prev, next *config.Config) {
	d := config.Diff(prev, next)
	if !d.Any() {
		return
	}
	a.cfg = next

	if d.VolumeChanged {
		v := d.NewVolume
		if v == 0 {
			v = 1
		}
		a.runtime.SetVolume(v)
		slog.Info("playback volume updated", "volume", v)
	}

	if d.AgentChanged {
		slog.Warn("agent change requires a restart, keeping current agent", "agent", a.profile.ID)
	}

	if d.AvatarAssetChanged {
		start := time.Now()
		if _, err := a.loader.Load(ctx, next.Avatar.AssetPath); err != nil {
			slog.Warn("reloading avatar failed, keeping current asset",
				"path", next.Avatar.AssetPath, "error", err)
		} else {
			a.metrics.AssetLoadDuration.Record(ctx, time.Since(start).Seconds())
			slog.Info("avatar reloaded", "path", next.Avatar.AssetPath)
		}
	}

	if d.AvatarAnimationsChanged {
		if err := a.resolveAnimations(ctx); err != nil {
			slog.Warn("rebinding animations failed", "error", err)
		} else if a.idleClip.ID != "" {
			if err := a.runtime.LoadIdle(ctx, a.idleClip); err != nil {
				slog.Warn("loading idle animation failed", "clip", a.idleClip.ID, "error", err)
			}
		}
	}
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown tears down all subsystems in reverse-init order. It respects the
// context deadline: if ctx expires before all closers finish, remaining
// closers are skipped and the context error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("shutting down", "closers", len(a.closers))

		a.orch.StopIdleLoop()
		a.runtime.CancelSpeech()
		if a.channel != nil {
			a.channel.Close()
		}

		for i, closer := range a.closers {
			select {
			case <-ctx.Done():
				slog.Warn("shutdown deadline exceeded", "remaining", len(a.closers)-i)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := closer(); err != nil {
				slog.Warn("closer error", "index", i, "err", err)
			}
		}

		slog.Info("shutdown complete")
	})
	return shutdownErr
}

// ─── Accessors ───────────────────────────────────────────────────────────────

// Runtime exposes the avatar runtime for a host render loop.
func (a *App) Runtime() *avatar.Runtime { return a.runtime }

// Orchestrator exposes the conversation orchestrator for a host UI.
func (a *App) Orchestrator() *chat.Orchestrator { return a.orch }

// Channel returns the backend transport, or nil when not configured.
func (a *App) Channel() *transport.Channel { return a.channel }

// Profile returns the active agent profile.
func (a *App) Profile() chat.AgentProfile { return a.profile }
