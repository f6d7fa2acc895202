package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"pidline/internal/actionlog"
	"pidline/internal/app"
	"pidline/internal/bulk"
	"pidline/internal/config"
	"pidline/internal/db"
	"pidline/internal/lifecycle"
	"pidline/internal/logger"
	"pidline/internal/metrics"
	"pidline/internal/migrate"
	"pidline/internal/queue"
	"pidline/internal/registration"
	"pidline/internal/repo"
)

var rootCmd = &cobra.Command{
	Use:   "pl",
	Short: "pidline CLI",
	Long: `pidline mints and maintains persistent identifiers (DOIs) for archival
description records.

- Workspace: a directory holding pidline.db; config is imported into it.
- Records: source descriptions imported with 'pl record import'.
- Identifiers: one per record, moving draft -> registered -> findable, or
  hidden with 'pl deactivate' and brought back with 'pl reactivate'.
- Jobs: queued mint/update/verify actions processed by 'pl jobs dispatch'
  or by the worker inside 'pl serve'.
- Action log: every lifecycle attempt, view with 'pl actions <record-id>'.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		_, err := db.EnsureWorkspace(viper.GetString("workspace"))
		return err
	},
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("PIDLINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	flags := rootCmd.PersistentFlags()
	flags.StringP("workspace", "w", ".", "workspace directory")
	flags.Bool("json", false, "output JSON")
	flags.String("actor-id", "local-user", "actor recorded in the action log")
	flags.String("log-level", "", "override the configured log level")
	for _, name := range []string{"workspace", "json", "actor-id", "log-level"} {
		_ = viper.BindPFlag(name, flags.Lookup(name))
	}
}

func registerCommands() {
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(recordCmd())
	rootCmd.AddCommand(identifierCmds()...)
	rootCmd.AddCommand(jobsCmd())
	rootCmd.AddCommand(bulkCmd())
	rootCmd.AddCommand(exportCmd())
	rootCmd.AddCommand(serveCmd())
}

// env is the wired application for one command invocation.
type env struct {
	Conn     *sql.DB
	Repo     repo.Repo
	Configs  *app.Resolver
	Metrics  *metrics.Metrics
	Manager  *lifecycle.Manager
	Queue    *queue.Queue
	Worker   *queue.Worker
	Bulk     *bulk.Service
	Log      *slog.Logger
	Settings *config.Config
}

func (e *env) Close() error { return e.Conn.Close() }

// openEnv opens the workspace, migrates it and wires every component. reg
// receives the collectors; pass nil for a throwaway registry.
func openEnv(ctx context.Context, reg prometheus.Registerer) (*env, error) {
	workspace := viper.GetString("workspace")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return nil, err
	}
	if _, err := migrate.Migrate(ctx, conn, bootLogger()); err != nil {
		conn.Close()
		return nil, err
	}
	r := repo.Repo{DB: conn}
	configs := app.NewResolver(r, 5*time.Minute)
	cfg, err := configs.Config(ctx)
	if err != nil {
		conn.Close()
		return nil, err
	}
	logCfg := cfg.Log
	if lvl := viper.GetString("log-level"); lvl != "" {
		logCfg.Level = lvl
	}
	log := logger.New(logCfg, os.Stderr)
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	m := metrics.New(reg)
	httpClient := &http.Client{}

	mgr := lifecycle.New(r, configs, registration.NewClient(httpClient, m), registration.NewResolver(httpClient))
	mgr.Log = log
	mgr.Metrics = m
	mgr.Audit = actionlog.Writer{Store: r, Log: log, Metrics: m}

	q := queue.New(r, cfg.Queue.MaxAttempts)
	q.Log = log
	q.Metrics = m
	w := queue.NewWorker(q, mgr)
	w.Log = log
	w.Metrics = m
	w.StaleAfter = time.Duration(cfg.Queue.StaleSeconds) * time.Second

	return &env{
		Conn:     conn,
		Repo:     r,
		Configs:  configs,
		Metrics:  m,
		Manager:  mgr,
		Queue:    q,
		Worker:   w,
		Bulk:     &bulk.Service{Repo: r, Updater: mgr, Queue: q, Configs: configs, Log: log},
		Log:      log,
		Settings: cfg,
	}, nil
}

func withEnv(ctx context.Context, fn func(context.Context, *env) error) error {
	e, err := openEnv(ctx, nil)
	if err != nil {
		return err
	}
	defer e.Close()
	return fn(ctx, e)
}

func withRepo(ctx context.Context, fn func(context.Context, repo.Repo) error) error {
	conn, err := db.Open(db.Config{Workspace: viper.GetString("workspace")})
	if err != nil {
		return err
	}
	defer conn.Close()
	if _, err := migrate.Migrate(ctx, conn, bootLogger()); err != nil {
		return err
	}
	return fn(ctx, repo.Repo{DB: conn})
}

// bootLogger is used before the stored log settings are known.
func bootLogger() *slog.Logger {
	level := viper.GetString("log-level")
	if level == "" {
		level = "warn"
	}
	return logger.New(config.Log{Level: level}, os.Stderr)
}

func actor() string { return viper.GetString("actor-id") }

func parseRecordID(arg string) (int64, error) {
	id, err := strconv.ParseInt(arg, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid record id %q", arg)
	}
	return id, nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func printJSONOrTable(v any) error {
	if viper.GetBool("json") {
		return printJSON(v)
	}
	b, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(b))
	return nil
}

func newTable(header ...any) table.Writer {
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(table.Row(header))
	tw.SetStyle(table.StyleLight)
	return tw
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
