package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"pidline/internal/server"
)

func serveCmd() *cobra.Command {
	var addr, basePath string
	var noWorker bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API, queue worker and webhook dispatcher",
		RunE: func(cmd *cobra.Command, args []string) error {
			reg := prometheus.NewRegistry()
			reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
			e, err := openEnv(cmd.Context(), reg)
			if err != nil {
				return err
			}
			defer e.Close()

			handler, err := server.New(server.Config{
				Repo:      e.Repo,
				Manager:   e.Manager,
				Queue:     e.Queue,
				Worker:    e.Worker,
				Bulk:      e.Bulk,
				BasePath:  basePath,
				Metrics:   promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}),
				BatchSize: e.Settings.Queue.BatchSize,
				Log:       e.Log,
			})
			if err != nil {
				return err
			}
			srv := &http.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}
			hooks := server.NewWebhookDispatcher(e.Repo, e.Settings.Webhooks, e.Log)

			g, ctx := errgroup.WithContext(cmd.Context())
			g.Go(func() error {
				e.Log.Info("serving pidline API", "addr", addr, "base_path", basePath, "docs", "/docs")
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return fmt.Errorf("http server: %w", err)
				}
				return nil
			})
			g.Go(func() error {
				<-ctx.Done()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				return srv.Shutdown(shutdownCtx)
			})
			if !noWorker {
				g.Go(func() error {
					poll := time.Duration(e.Settings.Queue.PollSeconds) * time.Second
					return e.Worker.Run(ctx, poll, e.Settings.Queue.BatchSize)
				})
			}
			g.Go(func() error { return hooks.Run(ctx) })
			return g.Wait()
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v1", "API base path")
	cmd.Flags().BoolVar(&noWorker, "no-worker", false, "serve the API without processing queued jobs")
	return cmd
}
