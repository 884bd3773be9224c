package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/ehrlich-b/objlog/internal/cli"
	"github.com/ehrlich-b/objlog/internal/config"
	"github.com/ehrlich-b/objlog/internal/version"
)

func main() {
	rootCmd := &cobra.Command{
		Use:           "objlog",
		Short:         "Timestamped object logs in rolling files",
		Version:       version.String(),
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			level, _ := cmd.Flags().GetString("log-level")
			return setupLogging(level)
		},
	}
	rootCmd.PersistentFlags().String("config", "", "Config file (default: .objlog.{yaml,toml,json} in the current directory)")
	rootCmd.PersistentFlags().String("log-level", "info", "Log level: debug, info, warn, error")

	rootCmd.AddCommand(
		serveCmd(),
		appendCmd(),
		queryCmd(),
		tailCmd(),
		lsCmd(),
		cleanCmd(),
		archiveCmd(),
		tokenCmd(),
		configCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func setupLogging(level string) error {
	var l slog.Level
	if err := l.UnmarshalText([]byte(level)); err != nil {
		return fmt.Errorf("invalid --log-level %q", level)
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: l})))
	return nil
}

func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	if path, _ := cmd.Flags().GetString("config"); path != "" {
		return config.LoadFile(path)
	}
	workDir, err := os.Getwd()
	if err != nil {
		return nil, fmt.Errorf("get working directory: %w", err)
	}
	cfg, _, err := config.LoadOrDefault(workDir)
	return cfg, err
}

// withEnv loads the config, opens an Env, runs fn and closes the Env, which
// flushes anything still queued.
func withEnv(cmd *cobra.Command, fn func(ctx context.Context, env *cli.Env) error) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	env, err := cli.Open(cfg, slog.Default())
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	runErr := fn(ctx, env)
	if err := env.Close(); err != nil && runErr == nil {
		runErr = err
	}
	return runErr
}

// remoteFlags adds --server and --token, defaulting from OBJLOG_SERVER and
// OBJLOG_TOKEN.
func remoteFlags(cmd *cobra.Command) {
	cmd.Flags().String("server", os.Getenv("OBJLOG_SERVER"), "Server URL; empty works on local files")
	cmd.Flags().String("token", os.Getenv("OBJLOG_TOKEN"), "Bearer token for the server")
}

func remote(cmd *cobra.Command) *cli.Remote {
	url, _ := cmd.Flags().GetString("server")
	if url == "" {
		return nil
	}
	token, _ := cmd.Flags().GetString("token")
	return &cli.Remote{URL: url, Token: token}
}

// parseWhen accepts RFC 3339, a date, or a duration meaning that long ago.
func parseWhen(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t, nil
	}
	if t, err := time.ParseInLocation("2006-01-02", s, time.Local); err == nil {
		return t, nil
	}
	if d, err := time.ParseDuration(strings.TrimPrefix(s, "-")); err == nil {
		return time.Now().Add(-d), nil
	}
	return time.Time{}, fmt.Errorf("invalid time %q: want RFC 3339, a date or a duration such as 2h", s)
}

func serveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the configured logs over HTTP",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEnv(cmd, func(ctx context.Context, env *cli.Env) error {
				if addr, _ := cmd.Flags().GetString("addr"); addr != "" {
					env.Config.Server.Addr = addr
				}
				if envAddr := os.Getenv("OBJLOG_ADDR"); envAddr != "" {
					env.Config.Server.Addr = envAddr
				}
				return cli.Serve(ctx, env)
			})
		},
	}
	cmd.Flags().String("addr", "", "Address to listen on (default from config, "+config.DefaultAddr+")")
	return cmd
}

func appendCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "append <log>",
		Short: "Append JSON values read from stdin or a file",
		Long: `Append JSON values to a log. Input is a stream of JSON values,
usually one per line. Each value becomes one record stamped with the
current time.

Examples:
  echo '{"px":101.5}' | objlog append ticks
  objlog append ticks --file ticks.ndjson --server http://localhost:8484`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			in := os.Stdin
			if path, _ := cmd.Flags().GetString("file"); path != "" {
				f, err := os.Open(path)
				if err != nil {
					return err
				}
				defer f.Close()
				in = f
			}
			return withEnv(cmd, func(ctx context.Context, env *cli.Env) error {
				n, err := cli.Append(ctx, env, cli.AppendOptions{Log: args[0], Input: in, Remote: remote(cmd)})
				slog.Debug("appended records", "log", args[0], "count", n)
				return err
			})
		},
	}
	cmd.Flags().String("file", "", "Read input from a file instead of stdin")
	remoteFlags(cmd)
	return cmd
}

func queryCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "query <log>",
		Short: "Print records of a log",
		Long: `Print records of a log. Without --from, the lookup window
(lookup_days) is read. Files are selected by the minute they were opened,
so whole files are returned.

Examples:
  objlog query ticks --from 2h
  objlog query ticks --from 2024-03-01 --to 2024-03-02 --format json`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			fromFlag, _ := cmd.Flags().GetString("from")
			toFlag, _ := cmd.Flags().GetString("to")
			from, err := parseWhen(fromFlag)
			if err != nil {
				return err
			}
			to, err := parseWhen(toFlag)
			if err != nil {
				return err
			}
			file, _ := cmd.Flags().GetString("file")
			limit, _ := cmd.Flags().GetInt("limit")
			format, _ := cmd.Flags().GetString("format")

			return withEnv(cmd, func(ctx context.Context, env *cli.Env) error {
				return cli.Query(ctx, env, cli.QueryOptions{
					Log:    args[0],
					From:   from,
					To:     to,
					File:   file,
					Limit:  limit,
					Format: cli.Format(format),
					Remote: remote(cmd),
				}, os.Stdout)
			})
		},
	}
	cmd.Flags().String("from", "", "Start time: RFC 3339, a date, or a duration ago such as 30m")
	cmd.Flags().String("to", "", "End time (exclusive); requires --from")
	cmd.Flags().String("file", "", "Read a single segment file")
	cmd.Flags().Int("limit", 0, "Print only the newest N records")
	cmd.Flags().String("format", "", "Output format: table or json (default: table on a terminal)")
	remoteFlags(cmd)
	return cmd
}

func tailCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tail <log>",
		Short: "Follow records as a server receives them",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			r := remote(cmd)
			if r == nil {
				return fmt.Errorf("tail needs --server or OBJLOG_SERVER")
			}
			sinceFlag, _ := cmd.Flags().GetString("since")
			since, err := parseWhen(sinceFlag)
			if err != nil {
				return err
			}
			format, _ := cmd.Flags().GetString("format")

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return cli.Tail(ctx, r, args[0], since, cli.Format(format), os.Stdout)
		},
	}
	cmd.Flags().String("since", "", "Replay stored records from this time first")
	cmd.Flags().String("format", "", "Output format: table or json")
	remoteFlags(cmd)
	return cmd
}

func lsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "ls [log]",
		Short: "List logs and their counters, or the segments of one log",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			name := ""
			if len(args) == 1 {
				name = args[0]
			}
			return withEnv(cmd, func(ctx context.Context, env *cli.Env) error {
				return cli.List(ctx, env, name, os.Stdout)
			})
		},
	}
}

func cleanCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "clean <log>...",
		Short: "Delete today's files",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEnv(cmd, func(ctx context.Context, env *cli.Env) error {
				return cli.Clean(ctx, env, args)
			})
		},
	}
}

func archiveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "archive",
		Short: "Copy day directories to and from the configured bucket",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "push [day]",
		Short: "Upload a day's files (default: yesterday)",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			day := ""
			if len(args) == 1 {
				day = args[0]
			}
			return withEnv(cmd, func(ctx context.Context, env *cli.Env) error {
				a, err := cli.NewArchiver(ctx, env)
				if err != nil {
					return err
				}
				res, err := cli.ArchivePush(ctx, env, a, day)
				if res != nil {
					fmt.Printf("uploaded %d, unchanged %d, skipped %d (%d bytes)\n",
						res.Uploaded, res.Unchanged, len(res.Skipped), res.Bytes)
				}
				return err
			})
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "pull <day>",
		Short: "Download a day's files into the log directory",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEnv(cmd, func(ctx context.Context, env *cli.Env) error {
				a, err := cli.NewArchiver(ctx, env)
				if err != nil {
					return err
				}
				res, err := cli.ArchivePull(ctx, a, args[0])
				if res != nil {
					fmt.Printf("downloaded %d, unchanged %d (%d bytes)\n", res.Downloaded, res.Unchanged, res.Bytes)
				}
				return err
			})
		},
	})
	return cmd
}

func tokenCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Create a bearer token for the server",
		Long: `Create a bearer token. By default a JWT signed with server.jwt_secret
is printed. With --static a random token is printed together with the
digest to add under server.token_hashes.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if static, _ := cmd.Flags().GetBool("static"); static {
				token, hash, err := cli.StaticToken()
				if err != nil {
					return err
				}
				fmt.Printf("token: %s\nsha3-256: %s\n", token, hash)
				return nil
			}
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			subject, _ := cmd.Flags().GetString("subject")
			ttl, _ := cmd.Flags().GetDuration("ttl")
			token, err := cli.MintToken(cfg, subject, ttl)
			if err != nil {
				return err
			}
			fmt.Println(token)
			return nil
		},
	}
	cmd.Flags().String("subject", "cli", "Subject recorded in the token")
	cmd.Flags().Duration("ttl", 24*time.Hour, "Token lifetime")
	cmd.Flags().Bool("static", false, "Generate a static token and its digest instead")
	return cmd
}

func configCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			return cli.ShowConfig(cfg, os.Stdout)
		},
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "validate",
		Short: "Validate the config file",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			fmt.Printf("Valid\n  path: %s\n  logs: %v\n  codec: %s\n", cfg.Path, cfg.Logs, cfg.Codec)
			return nil
		},
	})
	return cmd
}
