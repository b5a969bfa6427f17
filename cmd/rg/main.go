package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"
	"gopkg.in/yaml.v3"

	"rulegate/internal/app"
	"rulegate/internal/config"
	"rulegate/internal/db"
	"rulegate/internal/engine"
	"rulegate/internal/scheduler"
	"rulegate/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "rg",
	Short: "rulegate CLI",
	Long: `rulegate gates firewall rule changes behind review and expires them on schedule.
- Requests: ask to ADD, MODIFY or DELETE a rule on a security group; an admin approves (the change is applied at the provider) or rejects.
- Resources: the security groups rulegate manages, registered with their current rules.
- Schedules: expiries on a group or a rule. Owners are warned the day before and on the day; then the rule or group is removed, or only reported for NOTIFY_ONLY.
- Sweeps: the warning, same-day and execution passes; 'rg serve' runs them on cron, 'rg sweep' runs one now.
- Event log: every state change, view with 'rg log tail'.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		workspace := viper.GetString("workspace")
		if _, err := db.EnsureWorkspace(workspace); err != nil {
			return err
		}
		return nil
	},
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("RULEGATE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().StringP("user", "u", "", "acting user id (env RULEGATE_USER)")
	rootCmd.PersistentFlags().Bool("debug", false, "debug logging")
	rootCmd.PersistentFlags().Bool("dry-run", false, "log provider calls instead of making them")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("user", rootCmd.PersistentFlags().Lookup("user"))
	_ = viper.BindPFlag("debug", rootCmd.PersistentFlags().Lookup("debug"))
	_ = viper.BindPFlag("aws.dry_run", rootCmd.PersistentFlags().Lookup("dry-run"))
}

func registerCommands() {
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(userCmd())
	rootCmd.AddCommand(apiKeyCmd())
	rootCmd.AddCommand(resourceCmd())
	rootCmd.AddCommand(requestCmd())
	rootCmd.AddCommand(scheduleCmd())
	rootCmd.AddCommand(sweepCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(serveCmd())
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{
		Use:   "config",
		Short: "Manage rulegate.yml",
		Long:  "rulegate.yml holds notification channels, sweep cron specs and timezone, provider settings and server options. Secrets may come from RULEGATE_* env vars instead.",
	}
	cfg.AddCommand(configInitCmd())
	cfg.AddCommand(configShowCmd())
	cfg.AddCommand(configValidateCmd())
	return cfg
}

func configInitCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default rulegate.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.Path(viper.GetString("workspace"))
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s exists; use --force to overwrite", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o600); err != nil {
				return err
			}
			fmt.Println("wrote", path)
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite existing file")
	return cmd
}

func configShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Show effective config",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			redacted := *cfg
			if redacted.Server.JWTSecret != "" {
				redacted.Server.JWTSecret = "***"
			}
			if redacted.Notifications.SMTP.Password != "" {
				redacted.Notifications.SMTP.Password = "***"
			}
			if viper.GetBool("json") {
				return printJSON(redacted)
			}
			out, err := yaml.Marshal(&redacted)
			if err != nil {
				return err
			}
			fmt.Print(string(out))
			return nil
		},
	}
}

func configValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validate rulegate.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := loadConfig()
			if viper.GetBool("json") {
				return printJSON(map[string]any{"ok": err == nil, "error": fmt.Sprint(err)})
			}
			if err != nil {
				return err
			}
			fmt.Println("config OK")
			return nil
		},
	}
}

func sweepCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Run an expiry sweep now",
	}
	for use, name := range map[string]string{
		"warning":  engine.SweepWarning,
		"same-day": engine.SweepSameDay,
		"execute":  engine.SweepExecution,
	} {
		cmd.AddCommand(&cobra.Command{
			Use:   use,
			Short: "Run the " + name + " sweep",
			RunE: func(cmd *cobra.Command, args []string) error {
				return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
					sched, err := scheduler.New(a.Engine, a.Config, time.Now, a.Log)
					if err != nil {
						return err
					}
					report, err := sched.RunNow(ctx, name)
					if err != nil {
						return err
					}
					if viper.GetBool("json") {
						return printJSON(report)
					}
					tw := newTable("Sweep", "Selected", "Succeeded", "Failed", "Skipped")
					tw.AppendRow(table.Row{report.Sweep, report.Selected, report.Succeeded, report.Failed, report.Skipped})
					tw.Render()
					return nil
				})
			},
		})
	}
	return cmd
}

func logCmd() *cobra.Command {
	lg := &cobra.Command{Use: "log", Short: "Inspect the event log"}
	lg.AddCommand(logTailCmd())
	return lg
}

func logTailCmd() *cobra.Command {
	var n int
	var entityKind, entityID string
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				items, err := a.Engine.ListEvents(ctx, entityKind, entityID, n)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable("ID", "Time", "Type", "Entity", "Actor", "Payload")
				for _, evt := range items {
					tw.AppendRow(table.Row{evt.ID, evt.TS.Format(time.RFC3339), evt.Type, evt.EntityKind + "/" + evt.EntityID, evt.ActorID, evt.Payload})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	cmd.Flags().StringVar(&entityKind, "entity-kind", "", "entity kind")
	cmd.Flags().StringVar(&entityID, "entity-id", "", "entity id")
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	var noScheduler bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API and the sweep scheduler",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return withApp(ctx, func(ctx context.Context, a *app.App) error {
				if !cmd.Flags().Changed("addr") && a.Config.Server.Addr != "" {
					addr = a.Config.Server.Addr
				}
				if !cmd.Flags().Changed("base-path") && a.Config.Server.BasePath != "" {
					basePath = a.Config.Server.BasePath
				}
				sched, err := scheduler.New(a.Engine, a.Config, time.Now, a.Log)
				if err != nil {
					return err
				}
				authCfg := server.AuthConfig{
					JWTSecret:      a.Config.Server.JWTSecret,
					AllowDevHeader: a.Config.Server.AllowDevHeader,
					Logger:         a.Log,
				}
				if authCfg.JWTSecret == "" {
					a.Log.Warn("server.jwt_secret not set; only API keys are accepted")
				}
				handler, err := server.New(server.Config{
					Engine:   a.Engine,
					Sweeps:   sched,
					BasePath: basePath,
					Auth:     authCfg,
					Metrics:  a.Metrics.Handler(),
					Log:      a.Log,
				})
				if err != nil {
					return err
				}
				srv := &http.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}

				g, gctx := errgroup.WithContext(ctx)
				if !noScheduler {
					g.Go(func() error { return sched.Run(gctx) })
				}
				g.Go(func() error {
					<-gctx.Done()
					sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					return srv.Shutdown(sctx)
				})
				g.Go(func() error {
					a.Log.Info("serving rulegate API", zap.String("addr", addr), zap.String("base_path", basePath))
					fmt.Printf("Serving rulegate API on http://%s%s (OpenAPI at %s/openapi.json, Swagger UI at /docs, metrics at /metrics)\n", addr, basePath, basePath)
					if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
						return err
					}
					return nil
				})
				return g.Wait()
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	cmd.Flags().BoolVar(&noScheduler, "no-scheduler", false, "serve the API without running sweeps")
	return cmd
}

// --- helpers ---

func newLogger() (*zap.Logger, error) {
	zc := zap.NewProductionConfig()
	zc.Encoding = "console"
	zc.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	zc.EncoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder
	if viper.GetBool("debug") {
		zc.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	}
	return zc.Build()
}

// loadConfig reads rulegate.yml and applies RULEGATE_* overrides.
func loadConfig() (*config.Config, error) {
	cfg, err := config.LoadOrDefault(viper.GetString("workspace"))
	if err != nil {
		return nil, err
	}
	for key, dst := range map[string]*string{
		"server.jwt_secret":           &cfg.Server.JWTSecret,
		"notifications.slack_webhook": &cfg.Notifications.SlackWebhook,
		"notifications.smtp.password": &cfg.Notifications.SMTP.Password,
		"aws.region":                  &cfg.AWS.Region,
		"aws.profile":                 &cfg.AWS.Profile,
		"notifications.admin_email":   &cfg.Notifications.AdminEmail,
		"notifications.smtp.host":     &cfg.Notifications.SMTP.Host,
		"notifications.smtp.username": &cfg.Notifications.SMTP.Username,
		"notifications.from_email":    &cfg.Notifications.FromEmail,
	} {
		if v := viper.GetString(key); v != "" {
			*dst = v
		}
	}
	if viper.GetBool("aws.dry_run") {
		cfg.AWS.DryRun = true
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func withApp(ctx context.Context, fn func(context.Context, *app.App) error) error {
	log, err := newLogger()
	if err != nil {
		return err
	}
	defer log.Sync()
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	a, err := app.Open(ctx, app.Options{Workspace: viper.GetString("workspace"), Config: cfg, Log: log})
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a)
}

func actingUser() (string, error) {
	u := strings.TrimSpace(viper.GetString("user"))
	if u == "" {
		return "", fmt.Errorf("--user (or RULEGATE_USER) required")
	}
	return u, nil
}

func newTable(header ...any) table.Writer {
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(table.Row(header))
	return tw
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
