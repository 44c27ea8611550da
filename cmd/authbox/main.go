package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/andrebq/authbox/cmd/authbox/migrate"
	"github.com/andrebq/authbox/cmd/authbox/serve"
	"github.com/andrebq/authbox/cmd/authbox/users"
	"github.com/andrebq/authbox/internal/logutil"
	"github.com/rs/zerolog/log"
	"github.com/urfave/cli/v2"
)

func main() {
	logLevel := "info"
	var logPretty bool
	app := &cli.App{
		Name:  "authbox",
		Usage: "User registration and authentication service",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "log-level",
				Usage:       "Minimum level of log messages (debug, info, warn, error)",
				EnvVars:     []string{"AUTHBOX_LOG_LEVEL"},
				Value:       logLevel,
				Destination: &logLevel,
			},
			&cli.BoolFlag{
				Name:        "log-pretty",
				Usage:       "Human friendly log output instead of json",
				EnvVars:     []string{"AUTHBOX_LOG_PRETTY"},
				Destination: &logPretty,
			},
		},
		Before: func(ctx *cli.Context) error {
			logger, err := logutil.Setup(logLevel, logPretty, os.Stderr)
			if err != nil {
				return err
			}
			ctx.Context = logutil.WithLogger(ctx.Context, logger)
			return nil
		},
		Commands: []*cli.Command{
			serve.Cmd(),
			users.Cmd(),
			migrate.Cmd(),
		},
	}
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := app.RunContext(ctx, os.Args)
	cancel()
	if err != nil {
		log.Error().Err(err).Msg("Application failed")
		os.Exit(1)
	}
}
