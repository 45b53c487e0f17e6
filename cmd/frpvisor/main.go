package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/loykin/frpvisor"
	"github.com/loykin/frpvisor/internal/logger"
	"github.com/loykin/frpvisor/pkg/client"
)

func main() {
	root := buildRoot(os.Stdout)
	if err := root.Execute(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// buildRoot creates the command tree. Output of every subcommand goes to out.
func buildRoot(out io.Writer) *cobra.Command {
	globalFlags := &GlobalFlags{}
	c := &command{global: globalFlags, out: out}

	root := createRootCommand(globalFlags)
	root.SetOut(out)
	root.AddCommand(
		createServeCommand(globalFlags),
		createStatusCommand(c),
		createStartCommand(c),
		createStopCommand(c),
		createRestartCommand(c),
		createResetLimitCommand(c),
		createClientCommand(c),
		createAlertsCommand(c),
		createRotateCommand(c),
	)
	return root
}

func createRootCommand(flags *GlobalFlags) *cobra.Command {
	root := &cobra.Command{
		Use:   "frpvisor",
		Short: "Supervisor for frpc client processes",
		Long: `frpvisor starts, stops and watches detached frpc clients, restarts
always-on clients under a restart limit and keeps their logs bounded.

Examples:
  frpvisor serve --config=frpvisor.toml     # Start daemon
  frpvisor status                           # Show all clients
  frpvisor restart edge --force             # Restart bypassing the limiter
  frpvisor status --api-url=http://remote:7400/api`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&flags.ConfigPath, "config", "", "path to TOML config file")
	root.PersistentFlags().StringVar(&flags.APIUrl, "api-url", "", "daemon API URL (default derived from --config, else "+client.DefaultConfig().BaseURL+")")
	root.PersistentFlags().DurationVar(&flags.APITimeout, "api-timeout", 30*time.Second, "request timeout")
	return root
}

func createServeCommand(globalFlags *GlobalFlags) *cobra.Command {
	serveFlags := &ServeFlags{}
	cmd := &cobra.Command{
		Use:   "serve [config.toml]",
		Short: "Start the frpvisor daemon",
		Long: `Start the supervision loop, scheduled log rotation and the control API.

Examples:
  frpvisor serve --config=frpvisor.toml
  frpvisor serve frpvisor.toml --daemonize --pidfile=/run/frpvisor.pid`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			serveFlags.ConfigPath = globalFlags.ConfigPath
			if len(args) > 0 {
				serveFlags.ConfigPath = args[0]
			}
			return runServe(cmd.Context(), serveFlags)
		},
	}
	cmd.Flags().BoolVar(&serveFlags.Daemonize, "daemonize", false, "run as daemon in background")
	cmd.Flags().StringVar(&serveFlags.PidFile, "pidfile", "", "write daemon PID to file")
	cmd.Flags().StringVar(&serveFlags.LogFile, "logfile", "", "redirect daemon stdout and stderr to file")
	return cmd
}

func runServe(ctx context.Context, flags *ServeFlags) error {
	if flags.ConfigPath == "" {
		return fmt.Errorf("config file required for serve command. Use --config=config.toml or provide as argument")
	}
	cfg, err := frpvisor.LoadConfig(flags.ConfigPath)
	if err != nil {
		return fmt.Errorf("error loading config: %w", err)
	}
	if flags.Daemonize {
		if !isDaemonSupported() {
			return fmt.Errorf("daemonize is not supported on this platform")
		}
		return daemonize(flags.PidFile, flags.LogFile)
	}
	if flags.PidFile != "" {
		defer func() { _ = removePidFile(flags.PidFile) }()
	}

	log := logger.Setup(cfg.Log)
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	e, err := frpvisor.New(ctx, cfg, frpvisor.Options{Logger: log})
	if err != nil {
		return err
	}
	defer func() { _ = e.Close() }()

	log.Info("frpvisor started",
		slog.String("config", flags.ConfigPath),
		slog.String("binary", cfg.Paths.Binary),
		slog.Duration("interval", cfg.Supervisor.Interval))
	err = e.Run(ctx)
	log.Info("frpvisor stopped")
	return err
}

func createStatusCommand(c *command) *cobra.Command {
	f := &StatusFlags{}
	cmd := &cobra.Command{
		Use:   "status [client]",
		Short: "Show client status",
		Long: `Probe clients through the daemon and show liveness, pids and restart state.
A client may be given by id or name.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) > 0 {
				f.Client = args[0]
			}
			return c.Status(cmd.Context(), *f)
		},
	}
	cmd.Flags().BoolVar(&f.JSON, "json", false, "print JSON instead of a table")
	return cmd
}

func createStartCommand(c *command) *cobra.Command {
	f := &StartFlags{}
	cmd := &cobra.Command{
		Use:   "start <client>",
		Short: "Start a client",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f.Client = args[0]
			return c.Start(cmd.Context(), *f)
		},
	}
	cmd.Flags().BoolVar(&f.ClearLog, "clear-log", false, "truncate the client log before starting")
	return cmd
}

func createStopCommand(c *command) *cobra.Command {
	return &cobra.Command{
		Use:   "stop <client>",
		Short: "Stop a client",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Stop(cmd.Context(), args[0])
		},
	}
}

func createRestartCommand(c *command) *cobra.Command {
	f := &RestartFlags{}
	cmd := &cobra.Command{
		Use:   "restart <client>",
		Short: "Restart a client",
		Long: `Stop and start a client. Without --force the restart limiter may refuse
the request while a cooldown is active or the window is exhausted.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f.Client = args[0]
			return c.Restart(cmd.Context(), *f)
		},
	}
	cmd.Flags().BoolVar(&f.Force, "force", false, "bypass the restart limiter")
	cmd.Flags().BoolVar(&f.ClearLog, "clear-log", false, "truncate the client log before starting")
	return cmd
}

func createResetLimitCommand(c *command) *cobra.Command {
	return &cobra.Command{
		Use:   "reset-limit <client>",
		Short: "Clear the restart limiter record of a client",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.ResetLimit(cmd.Context(), args[0])
		},
	}
}

func createClientCommand(c *command) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "client",
		Short: "Manage registered clients",
	}

	add := &ClientAddFlags{}
	addCmd := &cobra.Command{
		Use:   "add",
		Short: "Register a client",
		Long: `Register a client whose frpc configuration lives in an allowed directory.

Examples:
  frpvisor client add --name=edge --config-path=/etc/frp/edge.toml --always-on`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.ClientAdd(cmd.Context(), *add)
		},
	}
	addCmd.Flags().StringVar(&add.Name, "name", "", "client name (required)")
	addCmd.Flags().StringVar(&add.ConfigPath, "config-path", "", "frpc config file (required)")
	addCmd.Flags().BoolVar(&add.AlwaysOn, "always-on", false, "restart automatically when dead")
	addCmd.Flags().BoolVar(&add.Disabled, "disabled", false, "register without enabling")
	if err := addCmd.MarkFlagRequired("name"); err != nil {
		panic(err)
	}
	if err := addCmd.MarkFlagRequired("config-path"); err != nil {
		panic(err)
	}

	toggle := func(use, short string, build func(bool) client.ClientRequest, value bool) *cobra.Command {
		return &cobra.Command{
			Use:   use + " <client>",
			Short: short,
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return c.Update(cmd.Context(), args[0], build(value))
			},
		}
	}
	enabled := func(v bool) client.ClientRequest { return client.ClientRequest{Enabled: &v} }
	alwaysOn := func(v bool) client.ClientRequest { return client.ClientRequest{AlwaysOn: &v} }

	cmd.AddCommand(
		addCmd,
		toggle("enable", "Enable a client", enabled, true),
		toggle("disable", "Disable a client", enabled, false),
		toggle("always-on", "Mark a client always-on", alwaysOn, true),
		toggle("on-demand", "Clear the always-on flag of a client", alwaysOn, false),
	)
	return cmd
}

func createAlertsCommand(c *command) *cobra.Command {
	f := &AlertsFlags{}
	cmd := &cobra.Command{
		Use:   "alerts",
		Short: "List recent alerts",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Alerts(cmd.Context(), *f)
		},
	}
	cmd.Flags().IntVar(&f.Limit, "limit", 20, "maximum number of alerts")
	cmd.Flags().BoolVar(&f.JSON, "json", false, "print JSON instead of a table")
	cmd.AddCommand(&cobra.Command{
		Use:   "resolve <alert-id>",
		Short: "Mark an alert resolved",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.ResolveAlert(cmd.Context(), args[0])
		},
	})
	return cmd
}

func createRotateCommand(c *command) *cobra.Command {
	return &cobra.Command{
		Use:   "rotate",
		Short: "Rotate oversized client logs now",
		Long: `Run one log rotation sweep in-process using the logs directory and
thresholds from --config. The daemon also rotates on its own schedule.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Rotate(cmd.Context())
		},
	}
}
