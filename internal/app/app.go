package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/render"
	"golang.org/x/sync/errgroup"

	"uplicense/internal/config"
	"uplicense/internal/devices"
	"uplicense/internal/infrastructure"
	"uplicense/internal/keystore"
	custommw "uplicense/internal/middleware"
	"uplicense/internal/ratelimit"
	"uplicense/internal/revocation"
	"uplicense/internal/services"
	"uplicense/internal/token"
	handlers "uplicense/internal/transport/http"
)

// Application is the composed entitlement server.
type Application struct {
	Config        *config.Config
	Logger        *slog.Logger
	OTelProviders *infrastructure.OTelProviders

	Keys        *keystore.Manager
	Ledger      *token.Ledger
	Revocations *revocation.Store
	Binder      *devices.Binder
	Limiter     *ratelimit.Limiter

	Entitlements *services.EntitlementService
	MagicLinks   *services.MagicLinkService

	Router *chi.Mux
	Server *http.Server
}

// NewApplication builds the application from configuration. Nothing is
// listening yet when it returns; Run starts the server.
func NewApplication() (*Application, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	logger, err := infrastructure.InitializeLogger(cfg.Logging)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}

	logger.Info("application starting",
		slog.String("service", infrastructure.ServiceName),
		slog.String("version", infrastructure.ServiceVersion),
		slog.Int("port", cfg.Server.Port))

	otelProviders, err := infrastructure.InitializeOTel(infrastructure.DefaultOTelConfig(), logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize OpenTelemetry: %w", err)
	}

	app := &Application{
		Config:        cfg,
		Logger:        logger,
		OTelProviders: otelProviders,
	}

	if err := app.initializeServices(context.Background()); err != nil {
		return nil, fmt.Errorf("failed to initialize services: %w", err)
	}
	if err := app.setupRouter(); err != nil {
		return nil, fmt.Errorf("failed to set up router: %w", err)
	}
	app.createServer()
	return app, nil
}

// initializeServices opens the keystore and the durable stores and
// assembles the service layer on top of them.
func (a *Application) initializeServices(ctx context.Context) error {
	a.Keys = keystore.NewManager(a.Config.Keystore.Dir)
	if err := a.Keys.Initialize(ctx); err != nil {
		return fmt.Errorf("failed to initialize keystore: %w", err)
	}

	stateDir := a.Config.Storage.Dir
	if err := os.MkdirAll(stateDir, 0700); err != nil {
		return fmt.Errorf("failed to create storage directory: %w", err)
	}
	ledger, err := token.OpenLedger(filepath.Join(stateDir, "token_ledger.json"))
	if err != nil {
		return fmt.Errorf("failed to open token ledger: %w", err)
	}
	a.Ledger = ledger

	revocations, err := revocation.Open(filepath.Join(stateDir, "revocations.json"))
	if err != nil {
		return fmt.Errorf("failed to open revocation store: %w", err)
	}
	a.Revocations = revocations

	binder, err := devices.Open(filepath.Join(stateDir, "device_bindings.json"))
	if err != nil {
		return fmt.Errorf("failed to open device bindings: %w", err)
	}
	a.Binder = binder

	a.Limiter = ratelimit.New(a.Config.RateLimit.Window)

	metrics, err := infrastructure.CreateEntitlementMetrics(a.OTelProviders.Meter)
	if err != nil {
		return fmt.Errorf("failed to create entitlement metrics: %w", err)
	}

	issuer := token.NewIssuer(a.Keys, a.Ledger)
	verifier := token.NewVerifier(a.Keys, a.Revocations)

	a.Entitlements = services.NewEntitlementService(
		a.Config, issuer, verifier, a.Ledger, a.Revocations, a.Binder, a.Limiter, metrics)
	a.MagicLinks = services.NewMagicLinkService(a.Entitlements, a.Config.MagicLink.CodeTTL)
	return nil
}

// setupRouter configures the HTTP router. Chain order: RequestID,
// RealIP, OTel, StructuredLogger, Recoverer, SecurityHeaders, backstop
// limiter; the per-plan limiter runs inside the entitlement gate on
// protected routes.
func (a *Application) setupRouter() error {
	r := chi.NewRouter()

	r.Use(custommw.RequestID)
	r.Use(custommw.RealIP)

	otelMiddleware, err := custommw.NewOTelMiddleware(a.OTelProviders)
	if err != nil {
		return fmt.Errorf("failed to create OpenTelemetry middleware: %w", err)
	}
	r.Use(otelMiddleware.Handler)

	r.Use(custommw.StructuredLogger(a.Logger))
	r.Use(custommw.Recoverer(a.Logger))
	r.Use(custommw.SecurityHeaders)

	if a.Config.RateLimit.Enabled {
		r.Use(custommw.NewRateLimiter(
			a.Config.RateLimit.RPS,
			a.Config.RateLimit.Burst,
			a.Logger,
		).Handler)
	}

	gate := custommw.NewEntitlementGate(a.Entitlements, a.Logger)
	authHandler := handlers.NewAuthHandler(a.Entitlements, a.MagicLinks, a.Logger)
	licenseHandler := handlers.NewLicenseHandler(a.Entitlements, a.Logger)
	devicesHandler := handlers.NewDevicesHandler(a.Entitlements, a.Logger)
	healthHandler := handlers.NewHealthHandler(a.Keys, a.Logger)

	r.Route("/api", func(r chi.Router) {
		r.Use(render.SetContentType(render.ContentTypeJSON))
		r.Use(chimiddleware.Timeout(a.Config.Server.ReadTimeout))

		r.Get("/health", healthHandler.HealthCheck)
		r.Get("/version", healthHandler.Version)

		r.Mount("/auth", authHandler.Routes())
		r.With(gate.Handler).Post("/auth/refresh", authHandler.Refresh)

		r.Route("/license", func(r chi.Router) {
			// Public: offline caches and external verifiers.
			r.Get("/revocation-list", licenseHandler.RevocationList)
			r.Get("/public-key", healthHandler.PublicKey)

			r.Group(func(r chi.Router) {
				r.Use(gate.Handler)
				r.Get("/validate", licenseHandler.Validate)
				r.Get("/status", licenseHandler.Status)
				r.Post("/revoke", licenseHandler.Revoke)
			})
		})

		r.Route("/devices", func(r chi.Router) {
			r.Use(gate.Handler)
			r.Post("/register", devicesHandler.Register)
			r.Get("/", devicesHandler.List)
			r.Delete("/{deviceID}", devicesHandler.Delete)
		})
	})

	// Prometheus endpoint outside the middleware chain.
	if a.OTelProviders.PrometheusHTTP != nil {
		r.Handle("/metrics", a.OTelProviders.PrometheusHTTP)
	}

	a.Router = r
	return nil
}

// createServer creates the HTTP server.
func (a *Application) createServer() {
	a.Server = &http.Server{
		Addr:         fmt.Sprintf(":%d", a.Config.Server.Port),
		Handler:      a.Router,
		ReadTimeout:  a.Config.Server.ReadTimeout,
		WriteTimeout: a.Config.Server.WriteTimeout,
		IdleTimeout:  a.Config.Server.IdleTimeout,
	}
}

// Run serves until interrupted, then shuts down gracefully.
func (a *Application) Run() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a.Revocations.StartCleanup(a.Config.Storage.CleanupInterval)
	a.Limiter.StartCleanup(ctx, a.Config.Storage.CleanupInterval)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		a.Logger.InfoContext(gctx, "server listening",
			slog.String("addr", a.Server.Addr))
		if err := a.Server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		a.maintenanceLoop(gctx)
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		return a.Stop(context.Background())
	})

	if err := g.Wait(); err != nil {
		a.Logger.Error("application exited with error", slog.String("error", err.Error()))
		return err
	}
	a.Logger.Info("application shutdown complete")
	return nil
}

// maintenanceLoop prunes expired ledger entries and stale magic-link
// codes on the cleanup interval. The revocation store and rate limiter
// run their own sweeps.
func (a *Application) maintenanceLoop(ctx context.Context) {
	ticker := time.NewTicker(a.Config.Storage.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if removed, err := a.Ledger.Prune(ctx, time.Now()); err != nil {
				a.Logger.WarnContext(ctx, "ledger prune failed", slog.String("error", err.Error()))
			} else if removed > 0 {
				a.Logger.DebugContext(ctx, "ledger pruned", slog.Int("removed", removed))
			}
			if removed := a.MagicLinks.Cleanup(); removed > 0 {
				a.Logger.DebugContext(ctx, "stale login codes removed", slog.Int("removed", removed))
			}
		case <-ctx.Done():
			return
		}
	}
}

// Stop gracefully stops the server and the background loops.
func (a *Application) Stop(ctx context.Context) error {
	a.Logger.InfoContext(ctx, "shutting down")

	shutdownCtx, cancel := context.WithTimeout(ctx, a.Config.Server.ShutdownTimeout)
	defer cancel()

	var firstErr error
	if err := a.Server.Shutdown(shutdownCtx); err != nil {
		firstErr = fmt.Errorf("server shutdown error: %w", err)
	}

	a.Revocations.Stop()
	a.Limiter.Stop()

	if a.OTelProviders != nil {
		if err := a.OTelProviders.Shutdown(shutdownCtx); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("telemetry shutdown error: %w", err)
		}
	}
	infrastructure.CloseLogFile()
	return firstErr
}
