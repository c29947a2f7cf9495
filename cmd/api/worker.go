package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"qpesapay/config"
	"qpesapay/internal/adapter/messaging/rabbitmq"
	"qpesapay/internal/worker"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

func workerCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "worker",
		Short: "Run the background jobs",
		Long: `Run confirmation polling, payment expiry, settlement retries,
auto-settlement and idempotency purging on their configured schedules.
When rabbitmq.enabled is set, channel callbacks relayed through the
broker are consumed as well.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := loadConfig()
			if err != nil {
				return err
			}
			return runWorker(cmd.Context(), cfg, log)
		},
	}
}

func runWorker(ctx context.Context, cfg *config.Config, log zerolog.Logger) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	log.Info().Str("storage", cfg.Storage.Driver).Msg("Starting QPesaPay worker")

	app, err := buildApplication(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer app.Close()

	bg, err := startBackground(ctx, app)
	if err != nil {
		return err
	}

	<-ctx.Done()
	log.Info().Msg("Stopping worker, waiting for running jobs...")
	bg.Stop()
	log.Info().Msg("Worker exited")
	return nil
}

// background is the scheduler plus the optional broker consumer.
type background struct {
	scheduler *worker.Scheduler
	consumer  *rabbitmq.CallbackConsumer
}

func startBackground(ctx context.Context, app *application) (*background, error) {
	cfg := app.cfg

	jobs := worker.NewJobs(app.tracker, app.dispatcher, app.settlements, app.purger, cfg.Worker.JobTimeout, app.log)
	scheduler := worker.NewScheduler(jobs, worker.Schedules{
		Confirmations:  cfg.Worker.ConfirmationSchedule,
		Expiry:         cfg.Worker.ExpirySchedule,
		Settlements:    cfg.Worker.SettlementSchedule,
		AutoSettlement: cfg.Worker.AutoSettlementSchedule,
		Purge:          cfg.Worker.PurgeSchedule,
	}, app.log)
	if err := scheduler.Start(ctx); err != nil {
		return nil, fmt.Errorf("failed to start scheduler: %w", err)
	}
	bg := &background{scheduler: scheduler}
	app.log.Info().Int("jobs", scheduler.Entries()).Msg("Scheduler started")

	if cfg.RabbitMQ.Enabled {
		consumer, err := rabbitmq.Dial(cfg.RabbitMQ.URL, app.registry, app.settlements, app.log)
		if err != nil {
			bg.Stop()
			return nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
		}
		bg.consumer = consumer
		if err := consumer.Start(ctx, cfg.RabbitMQ.Exchange, cfg.RabbitMQ.Queue); err != nil {
			bg.Stop()
			return nil, fmt.Errorf("failed to start callback consumer: %w", err)
		}
	}
	return bg, nil
}

// Stop closes the consumer and blocks until in-flight jobs return.
func (b *background) Stop() {
	if b.consumer != nil {
		b.consumer.Close()
	}
	<-b.scheduler.Stop().Done()
}
