// Command otasim runs the firmware transfer engine on a host: the OTA TCP
// server, UDP discovery, the operator console, an emulated BLE link and
// optionally the HTTP pull client, all writing into flash held in memory.
//
// Usage:
//
//	otasim [--config otasim.yaml] [--image-out image.bin]
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v2"

	"openenterprise/otaloader/logmux"
	"openenterprise/otaloader/version"
)

func main() {
	app := &cli.App{
		Name:    "otasim",
		Usage:   "Simulate an OTA loader device on this host",
		Version: version.String(),
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "Path to otasim.yaml",
				EnvVars: []string{"OTASIM_CONFIG"},
			},
			&cli.StringFlag{
				Name:  "image-out",
				Usage: "Write each committed image to this file",
			},
			&cli.StringFlag{
				Name:  "pull-url",
				Usage: "Fetch the image from this http URL at start",
			},
			&cli.StringFlag{
				Name:  "password",
				Usage: "Console password",
			},
		},
		Action: runAction,
	}
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runAction(c *cli.Context) error {
	cfg := DefaultConfig()
	if path := c.String("config"); path != "" {
		var err error
		if cfg, err = LoadConfig(path); err != nil {
			return err
		}
	}
	if v := c.String("image-out"); v != "" {
		cfg.ImageOut = v
	}
	if v := c.String("pull-url"); v != "" {
		cfg.PullURL = v
	}
	if v := c.String("password"); v != "" {
		cfg.ConsolePassword = v
	}
	level, err := cfg.Level()
	if err != nil {
		return err
	}

	mirror := logmux.NewMirror(logmux.DefaultDepth, slog.LevelInfo)
	logger := slog.New(logmux.NewHandler(os.Stderr, mirror, &slog.HandlerOptions{Level: level}))
	if cfg.ConsolePassword == "" {
		logger.Warn("config:console-locked", slog.String("hint", "set console_password to use the console"))
	}

	sim, err := newSimulator(cfg, logger, mirror)
	if err != nil {
		return err
	}
	ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := sim.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	logger.Info("sim:stopped")
	return nil
}
