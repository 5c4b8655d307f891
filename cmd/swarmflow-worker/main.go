package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	cli "github.com/urfave/cli/v3"

	"github.com/dukex/swarmflow/pkg/config"
	"github.com/dukex/swarmflow/pkg/log"
	"github.com/dukex/swarmflow/pkg/otelhelper"
)

const defaultMetricsPort = 9092

func main() {
	command := &cli.Command{
		Name:                  "swarmflow-worker",
		EnableShellCompletion: true,
		Usage:                 "Run swarms and routines driven by the event bus",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "worker-id",
				Aliases: []string{"id"},
				Usage:   "Custom worker ID (auto-generated if not provided)",
				Sources: cli.EnvVars("WORKER_ID"),
			},
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "Path to a YAML configuration file",
				Sources: cli.EnvVars("SWARMFLOW_CONFIG"),
			},
			&cli.StringFlag{
				Name:    "definitions-path",
				Usage:   "Directory of workflow definitions to load at startup",
				Sources: cli.EnvVars("DEFINITIONS_PATH"),
			},
			&cli.IntFlag{
				Name:    "metrics-port",
				Usage:   "Port serving Prometheus metrics, 0 disables it",
				Value:   defaultMetricsPort,
				Sources: cli.EnvVars("METRICS_PORT"),
			},
			&cli.StringFlag{
				Name:    "log-level",
				Usage:   "Log level (debug, info, warn, error), overrides the configuration",
				Sources: cli.EnvVars("LOG_LEVEL"),
			},
		},
		Action: func(ctx context.Context, command *cli.Command) error {
			cfg, err := config.Load(command.String("config"))
			if err != nil {
				return err
			}

			if level := command.String("log-level"); level != "" {
				cfg.LogLevel = level
			}

			log.Setup(cfg.LogLevel, cfg.LogFormat)

			workerID := command.String("worker-id")
			if workerID == "" {
				workerID = "worker-" + uuid.New().String()[:8]
			}

			logger := log.WithModule("swarmflow-worker").With("worker_id", workerID)
			logger.InfoContext(ctx, "Initializing Swarmflow Worker")

			ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
			defer stop()

			if cfg.Tracing.Enabled {
				_, shutdown, err := otelhelper.NewTracer(ctx, cfg.ServiceName)
				if err != nil {
					return err
				}

				defer func() {
					if err := shutdown(context.WithoutCancel(ctx)); err != nil {
						logger.ErrorContext(ctx, "Failed to flush traces", "error", err)
					}
				}()
			}

			worker, err := NewWorker(ctx, workerID, cfg, logger)
			if err != nil {
				return err
			}

			if dir := command.String("definitions-path"); dir != "" {
				if _, err := worker.LoadDefinitions(ctx, dir); err != nil {
					worker.close(ctx)

					return err
				}
			}

			if port := command.Int("metrics-port"); port > 0 {
				worker.ServeMetrics(ctx, port)
			}

			return worker.Run(ctx)
		},
	}

	if err := command.Run(context.Background(), os.Args); err != nil {
		log.WithModule("swarmflow-worker").Error("Worker stopped", "error", err)
		os.Exit(1)
	}
}
