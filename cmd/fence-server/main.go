package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	internalhttp "github.com/runtimefence/fence/internal/api/http"
	"github.com/runtimefence/fence/internal/breaker"
	"github.com/runtimefence/fence/internal/broadcast"
	"github.com/runtimefence/fence/internal/db"
	"github.com/runtimefence/fence/internal/enroll"
	"github.com/runtimefence/fence/internal/identity"
	"github.com/runtimefence/fence/internal/ledger"
	"github.com/runtimefence/fence/internal/operators"
	"github.com/runtimefence/fence/internal/profile"
	"github.com/runtimefence/fence/internal/validator"
)

var AppVersion string

func main() {
	InitConfig()

	slog.Info("Fence Server", "version", AppVersion)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var (
		identityStore  identity.Store
		ledgerStore    ledger.Store
		operatorStore  operators.Store
		profileBackend profile.Backend
		breakerBackend breaker.Backend
	)

	if config.Database.Url != "" {
		if err := db.RunMigrations(config.Database.Url, config.Database.Schema); err != nil {
			slog.Error("Failed to run migrations", "error", err)
			os.Exit(1)
		}
		pool, err := db.InitDB(ctx, config.Database.Url, config.Database.Schema)
		if err != nil {
			slog.Error("Failed to connect to database", "error", err)
			os.Exit(1)
		}
		defer pool.Close()

		identityStore = identity.NewPostgresStore(pool)
		ledgerStore = ledger.NewPostgresStore(pool)
		operatorStore = operators.NewPostgresStore(pool)
		profileBackend = profile.NewPostgresBackend(pool)
		breakerBackend = breaker.NewPostgresBackend(pool)
	} else {
		slog.Warn("No database configured, state is in-memory and lost on restart")
		identityStore = identity.NewMemoryStore()
		ledgerStore = ledger.NewMemoryStore()
		operatorStore = operators.NewMemoryStore()
	}

	audit, err := ledger.New(ctx, ledgerStore)
	if err != nil {
		slog.Error("Failed to open audit ledger", "error", err)
		os.Exit(1)
	}

	var issuer *identity.Issuer
	if config.Identity.CACertPath != "" && config.Identity.CAKeyPath != "" {
		issuer, err = identity.LoadOrCreateIssuer(config.Identity.CACertPath, config.Identity.CAKeyPath)
	} else {
		issuer, err = identity.NewIssuer()
	}
	if err != nil {
		slog.Error("Failed to initialize credential issuer", "error", err)
		os.Exit(1)
	}

	kills := broadcast.NewChannel()
	identities := identity.NewManager(config.Identity, identityStore, issuer, audit, kills)

	kill := func(ctx context.Context, identityID, reason string) error {
		_, err := identities.Revoke(ctx, identityID, "fence-system", reason, true)
		return err
	}
	breakerKill := func(identityID, reason string) {
		killCtx, cancel := context.WithTimeout(context.Background(), config.Validator.RevokeTimeout)
		defer cancel()
		if err := kill(killCtx, identityID, reason); err != nil {
			slog.Error("Breaker kill request failed", "identity_id", identityID, "error", err)
		}
	}

	var circuits *breaker.Manager
	if breakerBackend != nil {
		circuits, err = breaker.NewPersistentManager(ctx, config.Breaker, breakerKill, breakerBackend)
		if err != nil {
			slog.Error("Failed to restore circuit states", "error", err)
			os.Exit(1)
		}
	} else {
		circuits = breaker.NewManager(config.Breaker, breakerKill)
	}

	var profiles *profile.Store
	if profileBackend != nil {
		profiles, err = profile.NewPersistentStore(ctx, profileBackend)
		if err != nil {
			slog.Error("Failed to restore behavioral profiles", "error", err)
			os.Exit(1)
		}
	} else {
		profiles = profile.NewStore()
	}

	validatorSvc := validator.NewService(config.Validator, identities, profiles, circuits, audit, kill)

	operatorSvc := operators.NewService(operatorStore, config.Auth)
	if err := operatorSvc.EnsureAdmin(ctx, config.Admin.Username, config.Admin.Password); err != nil {
		slog.Error("Failed to bootstrap admin account", "error", err)
		os.Exit(1)
	}

	enrollKeys := enroll.NewKeyStore(time.Hour)
	go enrollKeys.StartCleanup(ctx, 10*time.Minute)

	// A dying identity takes its unredeemed enrollment keys with it.
	go func() {
		sub := kills.Subscribe("enroll-keys")
		for {
			select {
			case <-ctx.Done():
				return
			case notice, ok := <-sub.C:
				if !ok {
					return
				}
				enrollKeys.RevokeFor(notice.IdentityID)
			}
		}
	}()

	// Credential rotation sweeps until shutdown.
	go identities.StartRotation(ctx)

	if len(config.Webhook.Urls) > 0 {
		notifier := broadcast.NewWebhookNotifier(config.Webhook.Urls)
		go notifier.Run(ctx, kills.Subscribe("webhook"))
	}

	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(cors.New(cors.Config{
		AllowOrigins:     []string{"*"},
		AllowMethods:     []string{"PUT", "PATCH", "GET", "POST", "DELETE"},
		AllowHeaders:     []string{"Origin", "Content-Length", "Content-Type", "Authorization", "X-API-Key"},
		ExposeHeaders:    []string{"Content-Length"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}))
	engine.Use(gin.Recovery())
	internalhttp.SetupRoute(engine, config.Http, &internalhttp.Services{
		Validator:  validatorSvc,
		Identities: identities,
		Circuits:   circuits,
		Profiles:   profiles,
		Audit:      audit,
		Operators:  operatorSvc,
		EnrollKeys: enrollKeys,
	})

	httpServer := &http.Server{
		Addr:    fmt.Sprintf(":%d", config.Http.Port),
		Handler: engine,
	}

	errChan := make(chan error, 1)
	go func() {
		slog.Info("Starting HTTP server", "address", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errChan <- fmt.Errorf("HTTP server error: %w", err)
		}
	}()

	select {
	case err := <-errChan:
		slog.Error("Server error", "error", err)
	case <-ctx.Done():
		slog.Info("Received shutdown signal")
	}

	slog.Info("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		slog.Error("HTTP server shutdown error", "error", err)
	} else {
		slog.Info("HTTP server stopped")
	}

	slog.Info("Shutdown complete")
}
