package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"coursechat/internal/api"
	"coursechat/internal/auth"
	"coursechat/internal/config"
	"coursechat/internal/conversations"
	"coursechat/internal/database"
	"coursechat/internal/hub"
	"coursechat/internal/metrics"
	"coursechat/internal/router"
	"coursechat/internal/websocket"
	pkgdatabase "coursechat/pkg/database"
)

// Application coordinates all system components
// Clean dependency injection pattern with proper initialization order
type Application struct {
	config        *config.Config
	logger        *slog.Logger
	dbManager     *database.Manager
	conversations *conversations.Manager
	registry      *websocket.Registry
	messageRouter *router.Router
	messageHub    *hub.Hub
	apiServer     *api.Server
	handler       http.Handler
	httpServer    *http.Server
	listener      net.Listener
}

// NewApplication creates a new application instance with all components initialized
// Component initialization follows strict dependency order:
// Database → Conversations → Registry → Router → Hub → API → HTTP
func NewApplication(cfg *config.Config, logger *slog.Logger) (*Application, error) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	if logger == nil {
		logger = slog.Default()
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	if cfg.Auth.Secret == "" {
		return nil, fmt.Errorf("invalid configuration: %w", auth.ErrAuthDisabled)
	}

	// STEP 1: Initialize database manager (foundation layer)
	dbManager, err := database.NewManager(DatabaseConfig(cfg), logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize database manager: %w", err)
	}

	// STEP 1.5: Apply database migrations to ensure schema is up to date
	applied, err := dbManager.Migrate()
	if err != nil {
		_ = dbManager.Close()
		return nil, fmt.Errorf("failed to apply database migrations: %w", err)
	}
	logger.Info("database ready", "path", cfg.Database.Path, "applied_migrations", applied)

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(reg)

	jwtService := auth.NewJWTService(cfg.Auth.Secret, cfg.Auth.TokenTTL)

	// STEP 2: Conversation manager with database dependency
	convManager := conversations.NewManager(dbManager, conversations.WithLogger(logger))

	// STEP 3: Initialize WebSocket registry for connection tracking
	registry := websocket.NewRegistry()

	// STEP 4: Initialize message router with dependencies
	messageRouter := router.NewRouter(registry, convManager,
		router.WithRateLimiter(router.NewRateLimiter(cfg.WebSocket.RateLimit, cfg.WebSocket.RateWindow)),
		router.WithMetrics(m),
		router.WithLogger(logger),
	)

	// STEP 5: Initialize message hub for coordination
	messageHub := hub.NewHub(registry, messageRouter,
		hub.WithLastSeenStore(dbManager),
		hub.WithHeartbeat(cfg.Presence.Heartbeat),
		hub.WithMetrics(m),
		hub.WithLogger(logger),
	)

	// STEP 6: Initialize API server with all business dependencies
	apiServer := api.NewServer(convManager, dbManager, registry, jwtService,
		api.WithMetrics(m),
		api.WithGatherer(reg),
		api.WithLogger(logger),
	)

	// STEP 7: Initialize WebSocket handler
	wsHandler := websocket.NewHandler(registry, jwtService, messageHub,
		websocket.WithUserDirectory(dbManager),
		websocket.WithMetrics(m),
		websocket.WithLogger(logger),
	)

	// STEP 8: Setup HTTP server with both API and WebSocket endpoints
	mux := http.NewServeMux()
	mux.HandleFunc(cfg.WebSocket.Path, wsHandler.HandleWebSocket)
	mux.Handle("/", apiServer)

	httpServer := &http.Server{
		Addr:         cfg.HTTP.Addr(),
		Handler:      mux,
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
	}

	return &Application{
		config:        cfg,
		logger:        logger.With("component", "app"),
		dbManager:     dbManager,
		conversations: convManager,
		registry:      registry,
		messageRouter: messageRouter,
		messageHub:    messageHub,
		apiServer:     apiServer,
		handler:       mux,
		httpServer:    httpServer,
	}, nil
}

// DatabaseConfig maps the application settings onto the storage layer's config
func DatabaseConfig(cfg *config.Config) *pkgdatabase.Config {
	dbConfig := pkgdatabase.DefaultConfig()
	dbConfig.DatabasePath = cfg.Database.Path
	dbConfig.MaxConnections = cfg.Database.MaxConnections
	dbConfig.MigrationsPath = cfg.Database.MigrationsPath
	return dbConfig
}

// Start begins application execution on the configured address
func (app *Application) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", app.httpServer.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", app.httpServer.Addr, err)
	}
	return app.Serve(ctx, ln)
}

// Serve starts the hub and serves HTTP on ln in the background
// Startup coordination ensures all components ready before serving
// Hub starts first to handle messages, then HTTP server accepts connections
func (app *Application) Serve(ctx context.Context, ln net.Listener) error {
	if err := app.messageHub.Start(ctx); err != nil {
		_ = ln.Close()
		return fmt.Errorf("failed to start message hub: %w", err)
	}

	app.listener = ln
	app.logger.Info("serving", "addr", ln.Addr().String(), "ws_path", app.config.WebSocket.Path)

	go func() {
		if err := app.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			app.logger.Error("HTTP server error", "error", err)
		}
	}()
	return nil
}

// Stop gracefully shuts down the application
// Shutdown coordination ensures proper resource cleanup
// Reverse dependency order: HTTP → sockets → Hub → Database
func (app *Application) Stop(ctx context.Context) error {
	app.logger.Info("shutting down")

	var errs []error

	// STEP 1: Stop accepting new connections
	if err := app.httpServer.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("http shutdown: %w", err))
	}

	// STEP 2: Hijacked sockets are not covered by Shutdown
	for _, conn := range app.registry.AllConnections() {
		_ = conn.Close()
	}

	// STEP 3: Stop message processing
	if err := app.messageHub.Stop(); err != nil && !errors.Is(err, hub.ErrHubNotRunning) {
		errs = append(errs, fmt.Errorf("hub shutdown: %w", err))
	}

	// STEP 4: Close database connections
	if err := app.dbManager.Close(); err != nil {
		errs = append(errs, fmt.Errorf("database shutdown: %w", err))
	}

	app.logger.Info("shutdown complete")
	return errors.Join(errs...)
}

// Handler exposes the combined API and WebSocket mux
func (app *Application) Handler() http.Handler {
	return app.handler
}

// GetAddr returns the bound address once serving, or the configured one
func (app *Application) GetAddr() string {
	if app.listener != nil {
		return app.listener.Addr().String()
	}
	return app.httpServer.Addr
}

// shutdownTimeout bounds Stop when the caller's context has no deadline
const shutdownTimeout = 10 * time.Second

// Run serves until ctx is cancelled, then stops
func (app *Application) Run(ctx context.Context) error {
	if err := app.Start(ctx); err != nil {
		return err
	}
	<-ctx.Done()

	stopCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return app.Stop(stopCtx)
}
