package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"qpesapay/config"
	httpHandler "qpesapay/internal/adapter/http/handler"
	redisStorage "qpesapay/internal/adapter/storage/redis"
	"qpesapay/internal/core/domain"
	"qpesapay/internal/service"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

const openAPISpecPath = "docs/api/openapi.yaml"

func serveCmd() *cobra.Command {
	var workers bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API",
		Long: `Start the payment and settlement HTTP API.

Examples:
  qpesapay serve
  qpesapay serve --config /etc/qpesapay/config.yaml --workers`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := loadConfig()
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("workers") {
				cfg.Server.RunWorkers = workers
			}
			return runServe(cmd.Context(), cfg, log)
		},
	}

	cmd.Flags().BoolVar(&workers, "workers", false, "also run the background jobs in this process (overrides server.run_workers)")
	return cmd
}

func runServe(ctx context.Context, cfg *config.Config, log zerolog.Logger) error {
	if cfg.JWT.Secret == "" {
		return errors.New("jwt.secret is required")
	}

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	log.Info().
		Str("mode", cfg.Server.Mode).
		Int("port", cfg.Server.Port).
		Str("storage", cfg.Storage.Driver).
		Msg("Starting QPesaPay API")

	app, err := buildApplication(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer app.Close()

	if cfg.Server.RunWorkers {
		bg, err := startBackground(ctx, app)
		if err != nil {
			return err
		}
		defer bg.Stop()
	}

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      httpHandler.SetupRouter(routerDeps(app)),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", addr).Msg("HTTP server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("HTTP server failed: %w", err)
	case <-ctx.Done():
	}

	log.Info().Msg("Shutting down server...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Server forced to shutdown")
	}

	log.Info().Msg("Server exited")
	return nil
}

// routerDeps maps the wired application onto the HTTP layer.
func routerDeps(app *application) httpHandler.RouterDeps {
	cfg := app.cfg
	deps := httpHandler.RouterDeps{
		PaymentSvc:    app.payments,
		SettlementSvc: app.settlements,
		Parsers:       app.registry,
		TokenSvc:      service.NewJWTTokenService(cfg.JWT.Secret, cfg.JWT.Expiry, cfg.JWT.Issuer),
		SigSvc:        service.NewHMACSignatureService(),
		CallbackSecrets: map[domain.SettlementMethod]string{
			domain.SettlementMethodMpesa:        cfg.Mpesa.CallbackSecret,
			domain.SettlementMethodBankTransfer: cfg.Bank.CallbackSecret,
		},
		ReplayTTL:      cfg.Idempotency.TTL,
		HealthCheckers: app.health,
		OpenAPISpec:    loadOpenAPISpec(app.log),
		MaxBodyBytes:   cfg.Server.MaxBodyBytes,
		Mode:           cfg.Server.Mode,
		Logger:         app.log,
	}
	if app.redis != nil {
		deps.ReplayGuard = redisStorage.NewReplayGuard(app.redis)
		deps.RateLimitStore = redisStorage.NewRateLimitStore(app.redis)
	}

	return deps
}

func loadOpenAPISpec(log zerolog.Logger) []byte {
	spec, err := os.ReadFile(openAPISpecPath)
	if err != nil {
		log.Warn().Err(err).Msg("OpenAPI spec not found, /docs will be unavailable")
		return nil
	}
	log.Info().Msg("OpenAPI spec loaded, docs served at /docs")
	return spec
}
