package main

import (
	"context"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	cli "github.com/urfave/cli/v3"
	"go.opentelemetry.io/otel/trace"

	"github.com/extractd/extractd/pkg/cmd"
	"github.com/extractd/extractd/pkg/inspector"
	"github.com/extractd/extractd/pkg/log"
	"github.com/extractd/extractd/pkg/monitor"
	"github.com/extractd/extractd/pkg/otelhelper"
	"github.com/extractd/extractd/pkg/supervisor"
)

const (
	defaultPort             = 8000
	defaultStopTimeout      = 30
	defaultPollTimeoutMS    = 1000
	defaultInspectorTimeout = 10
	shutdownGracePeriod     = 45 * time.Second
)

func main() {
	logger := log.WithModule("extractd")

	command := &cli.Command{
		Name:                  "extractd",
		Usage:                 "Create and manage Kafka consumers",
		EnableShellCompletion: true,
		Flags: []cli.Flag{
			&cli.IntFlag{
				Name:    "port",
				Aliases: []string{"p"},
				Usage:   "Port to run the API server on",
				Value:   defaultPort,
				Sources: cli.EnvVars("PORT"),
			},
			&cli.StringFlag{
				Name:    "database-url",
				Usage:   "Spec store URL (memory://, postgres://, redis://)",
				Value:   "memory://",
				Sources: cli.EnvVars("DATABASE_URL"),
			},
			&cli.StringFlag{
				Name:    "kafka-bootstrap-servers",
				Usage:   "Default bootstrap servers for offset and lag queries",
				Value:   "localhost:9092",
				Sources: cli.EnvVars("KAFKA_BOOTSTRAP_SERVERS"),
			},
			&cli.StringFlag{
				Name:    "log-level",
				Usage:   "Log level (debug, info, warn, error)",
				Value:   "info",
				Sources: cli.EnvVars("LOG_LEVEL"),
			},
			&cli.IntFlag{
				Name:    "stop-timeout-seconds",
				Usage:   "How long a stop waits for a poll loop to drain",
				Value:   defaultStopTimeout,
				Sources: cli.EnvVars("STOP_TIMEOUT_SECONDS"),
			},
			&cli.IntFlag{
				Name:    "poll-timeout-ms",
				Usage:   "Bound on a single Kafka poll",
				Value:   defaultPollTimeoutMS,
				Sources: cli.EnvVars("POLL_TIMEOUT_MS"),
			},
			&cli.IntFlag{
				Name:    "inspector-timeout-seconds",
				Usage:   "Overall bound on one inspector query",
				Value:   defaultInspectorTimeout,
				Sources: cli.EnvVars("INSPECTOR_TIMEOUT_SECONDS"),
			},
			&cli.StringFlag{
				Name:    "event-bus",
				Usage:   "Lifecycle event bus URL (kafka://host:port); empty disables publishing",
				Sources: cli.EnvVars("EVENT_BUS_URL"),
			},
			&cli.StringFlag{
				Name:    "lag-report-schedule",
				Usage:   "Cron schedule for periodic lag reports; empty disables them",
				Sources: cli.EnvVars("LAG_REPORT_SCHEDULE"),
			},
			&cli.BoolFlag{
				Name:    "tracing",
				Usage:   "Enable OpenTelemetry tracing",
				Sources: cli.EnvVars("TRACING_ENABLED"),
			},
		},
		Action: func(ctx context.Context, command *cli.Command) error {
			log.Setup(command.String("log-level"))

			logger.InfoContext(ctx, "Initializing Extractd API")

			var tracer trace.Tracer

			if command.Bool("tracing") {
				var err error

				tracer, err = otelhelper.NewTracer(ctx, "extractd")
				if err != nil {
					return err
				}
			}

			specStore, err := cmd.NewStore(ctx, logger, command.String("database-url"))
			if err != nil {
				return err
			}

			defer func() {
				if err := specStore.Close(context.Background()); err != nil {
					logger.Error("Failed to close store", "error", err)
				}
			}()

			eventBus, err := cmd.NewEventBus(logger, command.String("event-bus"))
			if err != nil {
				return err
			}

			defer func() {
				if err := eventBus.Close(); err != nil {
					logger.Error("Failed to close event bus", "error", err)
				}
			}()

			registry := cmd.NewRegistry(logger)

			consumerSupervisor := supervisor.New(logger, specStore, registry, eventBus, supervisor.Config{
				PollTimeout: time.Duration(command.Int("poll-timeout-ms")) * time.Millisecond,
				StopTimeout: time.Duration(command.Int("stop-timeout-seconds")) * time.Second,
			})

			bootstrapServers := strings.Split(command.String("kafka-bootstrap-servers"), ",")
			offsetInspector := inspector.New(logger, specStore, bootstrapServers,
				time.Duration(command.Int("inspector-timeout-seconds"))*time.Second)

			if schedule := command.String("lag-report-schedule"); schedule != "" {
				lagReporter := monitor.NewLagReporter(logger, specStore, offsetInspector)
				if err := lagReporter.Start(schedule); err != nil {
					return err
				}

				defer lagReporter.Stop()
			}

			api := NewAPI(logger, consumerSupervisor, offsetInspector, specStore, tracer)

			errs := make(chan error, 1)

			go func() {
				errs <- api.Start(command.Int("port"))
			}()

			signals := make(chan os.Signal, 1)
			signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)

			select {
			case err := <-errs:
				return err
			case sig := <-signals:
				logger.InfoContext(ctx, "Shutting down", "signal", sig.String())
			}

			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGracePeriod)
			defer cancel()

			consumerSupervisor.Shutdown(shutdownCtx)

			if err := api.Shutdown(shutdownCtx); err != nil {
				logger.Error("Failed to shut down HTTP server", "error", err)
			}

			return nil
		},
	}

	if err := command.Run(context.Background(), os.Args); err != nil {
		logger.Error("extractd exited with error", "error", err)
		os.Exit(1)
	}
}
