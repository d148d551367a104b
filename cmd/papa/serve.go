package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/loykin/papa"
)

// loadConfig reads the file when one is given, the defaults otherwise.
func loadConfig(path string) (*papa.Config, error) {
	if path == "" {
		return papa.DefaultConfig(), nil
	}
	return papa.LoadConfig(path)
}

func runServe(ctx context.Context, out io.Writer, global *GlobalFlags, flags ServeFlags, args []string) error {
	configPath := global.ConfigPath
	if len(args) > 0 {
		configPath = args[0]
	}
	c, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	if global.Socket != "" {
		c.Daemon.Socket = global.Socket
	}
	if flags.LogFile != "" {
		c.Log.File = flags.LogFile
	}

	if flags.Daemonize && !isDaemonChild() {
		return daemonize(out, flags.PidFile)
	}

	log := papa.NewLogger(c)
	slog.SetDefault(log)

	opts, err := papa.OptionsFromConfig(c, log)
	if err != nil {
		return err
	}
	d, err := papa.New(opts)
	if err != nil {
		return err
	}
	if c.HTTP.Listen != "" {
		if err := papa.RegisterMetricsDefault(); err != nil {
			log.Warn("Failed to register metrics", "error", err)
		}
	}

	if flags.PidFile != "" {
		if err := writePidFile(flags.PidFile, os.Getpid()); err != nil {
			return fmt.Errorf("failed to write PID file: %w", err)
		}
		defer func() {
			if err := removePidFile(flags.PidFile); err != nil {
				log.Warn("Failed to remove PID file", "path", flags.PidFile, "error", err)
			}
		}()
	}

	ctx, stop := signalContext(ctx)
	defer stop()

	log.Info("Starting papa daemon", "socket", opts.Socket, "processes", len(opts.Processes))
	if err := d.Run(ctx); err != nil {
		return err
	}
	log.Info("Daemon stopped")
	return nil
}
