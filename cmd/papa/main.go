package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/loykin/papa/pkg/client"
)

func main() {
	root := buildRoot()
	if err := root.Execute(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// buildRoot constructs the root command and all subcommands.
func buildRoot() *cobra.Command {
	global := &GlobalFlags{}
	root := createRootCommand(global)

	root.AddCommand(
		createServeCommand(global),
		createPingCommand(global),
		createStartCommand(global),
		createStopCommand(global),
		createRestartCommand(global),
		createStatusCommand(global),
		createTailCommand(global),
		createFollowCommand(global),
		createAddCommand(global),
		createRemoveCommand(global),
		createShutdownCommand(global),
	)
	return root
}

func createRootCommand(global *GlobalFlags) *cobra.Command {
	root := &cobra.Command{
		Use:   "papa",
		Short: "Lightweight process supervisor",
		Long: `papa keeps long-running processes alive.

The daemon (papa serve) starts the configured processes, restarts them with
exponential backoff when they fail and captures their output. Every other
command talks to a running daemon over its Unix socket.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Name() == "serve" || global.Socket != "" || global.ConfigPath == "" {
				return nil
			}
			// Control commands find the socket through the daemon's config.
			c, err := loadConfig(global.ConfigPath)
			if err != nil {
				return err
			}
			global.Socket = c.Daemon.Socket
			return nil
		},
	}
	root.PersistentFlags().StringVar(&global.ConfigPath, "config", "", "path to TOML config file")
	root.PersistentFlags().StringVar(&global.Socket, "socket", "", "daemon control socket (default from config, else /tmp/papa.sock)")
	root.PersistentFlags().DurationVar(&global.Timeout, "timeout", 30*time.Second, "timeout for daemon requests")
	root.PersistentFlags().DurationVar(&global.WaitTimeout, "wait-timeout", client.DefaultWaitTimeout, "timeout for start, stop and restart with --wait (must exceed the stop grace period)")
	return root
}

func newCommand(cmd *cobra.Command, global *GlobalFlags) command {
	return command{global: global, out: cmd.OutOrStdout()}
}

func requestContext(cmd *cobra.Command, global *GlobalFlags) (context.Context, context.CancelFunc) {
	parent := cmd.Context()
	if parent == nil {
		parent = context.Background()
	}
	return context.WithTimeout(parent, global.Timeout)
}

// controlContext bounds start, stop and restart; a waited call lasts until
// the process settles, so it gets the longer wait timeout.
func controlContext(cmd *cobra.Command, global *GlobalFlags, wait bool) (context.Context, context.CancelFunc) {
	if !wait {
		return requestContext(cmd, global)
	}
	parent := cmd.Context()
	if parent == nil {
		parent = context.Background()
	}
	return context.WithTimeout(parent, global.WaitTimeout)
}

func createServeCommand(global *GlobalFlags) *cobra.Command {
	var flags ServeFlags
	cmd := &cobra.Command{
		Use:   "serve [config.toml]",
		Short: "Run the supervisor daemon",
		Long: `Run the supervisor daemon in the foreground.

The daemon binds the control socket, starts every autostart process and runs
until it receives SIGINT, SIGTERM or a shutdown request.

Examples:
  papa serve papa.toml
  papa serve --config papa.toml --daemonize --pidfile /run/papa.pid --logfile /var/log/papa.log`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			return runServe(ctx, cmd.OutOrStdout(), global, flags, args)
		},
	}
	cmd.Flags().BoolVar(&flags.Daemonize, "daemonize", false, "run in the background")
	cmd.Flags().StringVar(&flags.PidFile, "pidfile", "", "write the daemon PID to this file")
	cmd.Flags().StringVar(&flags.LogFile, "logfile", "", "write daemon logs to this file")
	return cmd
}

func createPingCommand(global *GlobalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "ping",
		Short: "Check that the daemon is alive",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := requestContext(cmd, global)
			defer cancel()
			return newCommand(cmd, global).Ping(ctx)
		},
	}
}

func createStartCommand(global *GlobalFlags) *cobra.Command {
	var flags ControlFlags
	cmd := &cobra.Command{
		Use:   "start NAME",
		Short: "Start a process",
		Long: `Start a registered process.

With --wait the command returns once the process has stayed up for its
start seconds, or fails when it exits during startup.

Examples:
  papa start web
  papa start web --wait`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := controlContext(cmd, global, flags.Wait)
			defer cancel()
			return newCommand(cmd, global).Start(ctx, args[0], flags)
		},
	}
	cmd.Flags().BoolVar(&flags.Wait, "wait", false, "wait until the process is running")
	return cmd
}

func createStopCommand(global *GlobalFlags) *cobra.Command {
	var flags ControlFlags
	cmd := &cobra.Command{
		Use:   "stop NAME",
		Short: "Stop a process",
		Long: `Stop a process with its stop signal. It is killed when it outlives its
stop grace period.

Examples:
  papa stop web
  papa stop web --wait`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := controlContext(cmd, global, flags.Wait)
			defer cancel()
			return newCommand(cmd, global).Stop(ctx, args[0], flags)
		},
	}
	cmd.Flags().BoolVar(&flags.Wait, "wait", false, "wait until the process has exited")
	return cmd
}

func createRestartCommand(global *GlobalFlags) *cobra.Command {
	var flags ControlFlags
	cmd := &cobra.Command{
		Use:   "restart NAME",
		Short: "Restart a process",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := controlContext(cmd, global, flags.Wait)
			defer cancel()
			return newCommand(cmd, global).Restart(ctx, args[0], flags)
		},
	}
	cmd.Flags().BoolVar(&flags.Wait, "wait", false, "wait until the new run is running")
	return cmd
}

func createStatusCommand(global *GlobalFlags) *cobra.Command {
	var flags StatusFlags
	cmd := &cobra.Command{
		Use:   "status [NAME]",
		Short: "Show process status",
		Long: `Show the status of one process, or of every process.

Examples:
  papa status
  papa status web --json`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := requestContext(cmd, global)
			defer cancel()
			name := ""
			if len(args) > 0 {
				name = args[0]
			}
			return newCommand(cmd, global).Status(ctx, name, flags)
		},
	}
	cmd.Flags().BoolVar(&flags.JSON, "json", false, "print JSON")
	return cmd
}

func createTailCommand(global *GlobalFlags) *cobra.Command {
	var flags TailFlags
	cmd := &cobra.Command{
		Use:   "tail NAME",
		Short: "Print recent output of a process",
		Long: `Print the buffered output of a process.

Examples:
  papa tail web
  papa tail web --stream stderr --bytes 4096`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := requestContext(cmd, global)
			defer cancel()
			return newCommand(cmd, global).Tail(ctx, args[0], flags)
		},
	}
	cmd.Flags().StringVar(&flags.Stream, "stream", "stdout", "stream to read (stdout or stderr)")
	cmd.Flags().IntVar(&flags.Bytes, "bytes", 0, "maximum bytes to print (0 = whole buffer)")
	return cmd
}

func createFollowCommand(global *GlobalFlags) *cobra.Command {
	var flags TailFlags
	cmd := &cobra.Command{
		Use:   "follow NAME",
		Short: "Stream live output of a process",
		Long: `Stream new output of a process until interrupted or the process is removed.

Examples:
  papa follow web
  papa follow web --stream stderr`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			parent := cmd.Context()
			if parent == nil {
				parent = context.Background()
			}
			ctx, stop := signalContext(parent)
			defer stop()
			return newCommand(cmd, global).Follow(ctx, args[0], flags)
		},
	}
	cmd.Flags().StringVar(&flags.Stream, "stream", "stdout", "stream to follow (stdout or stderr)")
	return cmd
}

func createAddCommand(global *GlobalFlags) *cobra.Command {
	var flags AddFlags
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Register a new process",
		Long: `Register a new process with the running daemon.

The definition comes from flags, from a JSON file, or from both with flags
taking precedence.

Examples:
  papa add --name web --command "/usr/bin/python3 -m http.server 8080" --restart always
  papa add --file web.json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			spec, err := specFromFlags(flags, cmd.Flags().Changed, os.ReadFile)
			if err != nil {
				return err
			}
			ctx, cancel := requestContext(cmd, global)
			defer cancel()
			return newCommand(cmd, global).Add(ctx, spec)
		},
	}
	cmd.Flags().StringVar(&flags.File, "file", "", "JSON process definition")
	cmd.Flags().StringVar(&flags.Name, "name", "", "process name")
	cmd.Flags().StringVar(&flags.Command, "command", "", "command line or executable")
	cmd.Flags().StringArrayVar(&flags.Args, "args", nil, "explicit argument (repeatable)")
	cmd.Flags().StringVar(&flags.WorkDir, "workdir", "", "absolute working directory")
	cmd.Flags().StringArrayVar(&flags.Env, "env", nil, "extra KEY=VALUE (repeatable)")
	cmd.Flags().StringVar(&flags.Restart, "restart", "", "restart policy: never, always, on-failure")
	cmd.Flags().IntVar(&flags.MaxRetries, "max-retries", 0, "consecutive failures before FATAL (0 = unlimited)")
	cmd.Flags().DurationVar(&flags.StartSeconds, "startsecs", 0, "uptime needed to count as started")
	cmd.Flags().StringVar(&flags.StopSignal, "stop-signal", "", "signal sent by stop")
	cmd.Flags().DurationVar(&flags.StopGrace, "stop-grace", 0, "wait before SIGKILL")
	cmd.Flags().DurationVar(&flags.ResetAfter, "reset-after", 0, "uptime after which failures are forgotten")
	cmd.Flags().BoolVar(&flags.AutoStart, "autostart", false, "start as soon as registered")
	cmd.Flags().IntVar(&flags.BufferSize, "buffer-size", 0, "output ring capacity per stream")
	return cmd
}

func createRemoveCommand(global *GlobalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "remove NAME",
		Short: "Stop and unregister a process",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := requestContext(cmd, global)
			defer cancel()
			return newCommand(cmd, global).Remove(ctx, args[0])
		},
	}
}

func createShutdownCommand(global *GlobalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "shutdown",
		Short: "Stop every process and the daemon",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := requestContext(cmd, global)
			defer cancel()
			return newCommand(cmd, global).Shutdown(ctx)
		},
	}
}
