package main

import (
	"context"
	"os"

	cli "github.com/urfave/cli/v3"

	"github.com/dukex/swarmflow/pkg/cmd"
	"github.com/dukex/swarmflow/pkg/config"
	"github.com/dukex/swarmflow/pkg/log"
)

const defaultPort = 9091

func main() {
	command := &cli.Command{
		Name:                  "swarmflow-api",
		Usage:                 "Start swarms and runs, publish events and manage workflow definitions",
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
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "Path to a YAML configuration file",
				Sources: cli.EnvVars("SWARMFLOW_CONFIG"),
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

			logger := log.WithModule("swarmflow-api")
			logger.InfoContext(ctx, "Initializing Swarmflow API")

			persistence, err := cmd.NewPersistence(ctx, logger, cfg.Persistence.URL)
			if err != nil {
				return err
			}

			defer func() {
				if err := persistence.Close(ctx); err != nil {
					logger.ErrorContext(ctx, "Failed to close persistence", "error", err)
				}
			}()

			store, err := cmd.NewContextStore(ctx, cfg.ContextStore, logger)
			if err != nil {
				return err
			}

			defer func() {
				if err := store.Close(); err != nil {
					logger.ErrorContext(ctx, "Failed to close context store", "error", err)
				}
			}()

			eventBus, err := cmd.NewEventBus(cfg.EventBus, cfg.ServiceName+"-api", logger)
			if err != nil {
				return err
			}

			defer func() {
				if err := eventBus.Close(); err != nil {
					logger.ErrorContext(ctx, "Failed to close event bus", "error", err)
				}
			}()

			api := NewAPI(logger, persistence, store, eventBus)

			return api.Start(command.Int("port"))
		},
	}

	if err := command.Run(context.Background(), os.Args); err != nil {
		log.WithModule("swarmflow-api").Error("API stopped", "error", err)
		os.Exit(1)
	}
}
