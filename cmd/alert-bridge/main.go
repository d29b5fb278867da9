package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/common/version"
	"github.com/urfave/cli/v2"

	"github.com/Lraviv/alert-bridge/internal/app"
	"github.com/Lraviv/alert-bridge/internal/logging"
)

func main() {
	cliApp := &cli.App{
		Name:  "alert-bridge",
		Usage: "forward webhook alerts to a RabbitMQ topic exchange",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Usage:   "path to config file; empty uses defaults and environment overrides",
				EnvVars: []string{"ALERT_BRIDGE_CONFIG"},
			},
			&cli.BoolFlag{
				Name:  "mock",
				Usage: "publish to an in-memory mock instead of RabbitMQ",
			},
			&cli.StringFlag{
				Name:  "log-format",
				Usage: "override log.format (auto, json or text)",
			},
		},
		Action:  run,
		Version: version.Info(),
	}

	if err := cliApp.Run(os.Args); err != nil {
		slog.Error("alert-bridge: fatal", "err", err)
		os.Exit(1)
	}
}

func run(c *cli.Context) error {
	format := c.String("log-format")
	switch format {
	case "", logging.FormatAuto, logging.FormatJSON, logging.FormatText:
	default:
		return cli.Exit("unknown --log-format "+format, 2)
	}

	a, err := app.New(app.Options{
		ConfigPath: c.String("config"),
		Mock:       c.Bool("mock"),
		LogFormat:  format,
	})
	if err != nil {
		return err
	}

	slog.Info("alert-bridge starting",
		"version", version.Info(),
		"build", version.BuildContext(),
		"config", c.String("config"))

	ctx, cancel := signal.NotifyContext(c.Context, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := a.Start(ctx); err != nil {
		shutdownCtx, done := context.WithTimeout(context.Background(), a.Config().Server.ShutdownTimeout)
		defer done()
		a.Shutdown(shutdownCtx) //nolint:errcheck
		return err
	}

	select {
	case <-ctx.Done():
	case err := <-a.Err():
		slog.Error("alert-bridge: HTTP server failed", "err", err)
	}

	shutdownCtx, done := context.WithTimeout(context.Background(), a.Config().Server.ShutdownTimeout)
	defer done()
	return a.Shutdown(shutdownCtx)
}
