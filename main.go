package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/superdash/superdash/internal/app"
	"github.com/superdash/superdash/internal/config"
	"github.com/urfave/cli/v3"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	cmd := &cli.Command{
		Name:  "superdash",
		Usage: "aggregate broadcast playout device state and fan it out",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:     "config",
				Aliases:  []string{"c"},
				Usage:    "path to the configuration file (JSON or YAML)",
				Required: true,
			},
			&cli.StringFlag{
				Name:  "log-level",
				Usage: "log level (debug, info, warn, error)",
				Value: "info",
			},
			&cli.StringFlag{
				Name:  "assets",
				Usage: "directory of static dashboard assets to serve",
			},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			logger, err := buildLogger(cmd.String("log-level"))
			if err != nil {
				return err
			}

			return app.Run(ctx, app.RunParams{
				ConfigService: config.NewService(cmd.String("config")),
				AssetsDir:     cmd.String("assets"),
				Logger:        logger,
			})
		},
	}

	if err := cmd.Run(ctx, os.Args); err != nil {
		_, _ = os.Stderr.WriteString("Error: " + err.Error() + "\n")
		os.Exit(1)
	}
}

func buildLogger(level string) (*slog.Logger, error) {
	var slogLevel slog.Level
	if err := slogLevel.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("parse log level: %w", err)
	}

	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slogLevel})), nil
}
