package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/loykin/statekeep/internal/config"
	"github.com/loykin/statekeep/pkg/client"
)

func main() {
	root := buildRoot(os.Stdout)
	if err := root.Execute(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// buildRoot creates the root command and its subcommands, printing to out.
func buildRoot(out io.Writer) *cobra.Command {
	global := &GlobalFlags{}
	c := &command{out: out, global: global}

	root := createRootCommand(global)
	root.SetOut(out)
	root.AddCommand(
		createRunCommand(c),
		createLogCommand(c),
		createLatestCommand(c),
		createServeCommand(c),
		createAuthCommand(c),
	)
	return root
}

// createRootCommand creates the root command with the persistent flags
func createRootCommand(flags *GlobalFlags) *cobra.Command {
	root := &cobra.Command{
		Use:   "statekeep",
		Short: "Run an application and persist the state it reports",
		Long: `Statekeep runs an application, hands it the last recorded state as its
argument and records every JSON value it writes to stdout.

Examples:
  statekeep run ./counter                  # supervise ./counter
  statekeep log "deployed v2"              # append a log record
  statekeep latest                         # print the latest state
  statekeep serve                          # run the inspect API
  statekeep latest --api-url=http://host:8080/api`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().StringVar(&flags.ConfigPath, "config", config.DefaultPath, "path to the config file (json, toml or yaml)")
	root.PersistentFlags().StringVar(&flags.StateFile, "state-file", "", "state file path (overrides state_file)")
	root.PersistentFlags().StringVar(&flags.LogLevel, "log-level", "", "debug, info, warn or error (overrides log.level)")
	return root
}

func signalContext(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
}

func createRunCommand(c *command) *cobra.Command {
	f := &RunFlags{}
	cmd := &cobra.Command{
		Use:   "run [application]",
		Short: "Supervise an application",
		Long: `Run the application with the latest recorded state as its argument and
record each JSON value it prints. The application defaults to the configured one.

Examples:
  statekeep run ./counter
  statekeep run "python3 app.py" --input-mode=envelope
  statekeep run ./counter --http-addr=:8080`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Run(cmd.Context(), *f, strings.Join(args, " "))
		},
	}
	cmd.Flags().DurationVar(&f.IdleTimeout, "idle-timeout", 0, "quiet period after which the application is considered done")
	cmd.Flags().StringVar(&f.InputMode, "input-mode", "", "argument handed to the application: state or envelope")
	cmd.Flags().StringVar(&f.HTTPAddr, "http-addr", "", "serve the inspect API on this address while running")
	cmd.Flags().BoolVar(&f.StopOnIdle, "stop-on-idle", false, "stop the application once it goes idle")
	return cmd
}

func addAPIFlags(cmd *cobra.Command, f *APIFlags) {
	cmd.Flags().StringVar(&f.APIUrl, "api-url", "", "statekeep API base URL, e.g. http://host:8080/api")
	cmd.Flags().DurationVar(&f.APITimeout, "api-timeout", client.DefaultTimeout, "API request timeout")
	cmd.Flags().StringVar(&f.Token, "token", os.Getenv("STATEKEEP_TOKEN"), "bearer token for the API")
	cmd.Flags().StringVar(&f.Username, "username", "", "basic auth user for the API")
	cmd.Flags().StringVar(&f.Password, "password", os.Getenv("STATEKEEP_PASSWORD"), "basic auth password for the API")
	cmd.Flags().BoolVar(&f.Insecure, "insecure", false, "skip TLS verification")
}

func createLogCommand(c *command) *cobra.Command {
	f := &LogFlags{}
	cmd := &cobra.Command{
		Use:   "log <message>",
		Short: "Append a log record to the state file",
		Long: `Append a free-form log record, optionally tagged with an event.

Examples:
  statekeep log "maintenance window"
  statekeep log "stopped by operator" --event=signal:15
  statekeep log "done" --event=terminated --api-url=http://host:8080/api`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Log(cmd.Context(), *f, strings.Join(args, " "))
		},
	}
	cmd.Flags().StringVar(&f.Event, "event", "", "terminated or signal:<n>")
	addAPIFlags(cmd, &f.API)
	return cmd
}

func createLatestCommand(c *command) *cobra.Command {
	f := &LatestFlags{}
	cmd := &cobra.Command{
		Use:   "latest",
		Short: "Print the latest state record",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Latest(cmd.Context(), *f)
		},
	}
	cmd.Flags().IntVar(&f.States, "states", 0, "also print the N most recent states")
	cmd.Flags().IntVar(&f.Logs, "logs", 0, "also print the N most recent logs")
	addAPIFlags(cmd, &f.API)
	return cmd
}

func createServeCommand(c *command) *cobra.Command {
	f := &ServeFlags{}
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the inspect API",
		Long: `Serve the state file over HTTP with the configured auth, TLS and retention.

Examples:
  statekeep serve
  statekeep serve --listen=127.0.0.1:9090 --pidfile=/run/statekeep.pid`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signalContext(cmd)
			defer stop()
			return c.Serve(ctx, *f)
		},
	}
	cmd.Flags().StringVar(&f.Listen, "listen", "", "listen address (overrides server.listen)")
	cmd.Flags().StringVar(&f.PidFile, "pidfile", "", "write the server pid to this file")
	return cmd
}

func createAuthCommand(c *command) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "auth",
		Short: "API credential helpers",
	}

	hash := &cobra.Command{
		Use:   "hash <password>",
		Short: "Print the bcrypt hash for a server.auth.users entry",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.AuthHash(args[0])
		},
	}

	tf := &AuthTokenFlags{}
	token := &cobra.Command{
		Use:   "token <user>",
		Short: "Issue a bearer token for a configured user",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.AuthToken(*tf, args[0])
		},
	}
	token.Flags().DurationVar(&tf.TTL, "ttl", 0, "token lifetime (defaults to server.auth.token_ttl)")

	cmd.AddCommand(hash, token)
	return cmd
}
