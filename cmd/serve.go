package main

import (
	"context"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/repusense/internal/api"
	"github.com/sells-group/repusense/internal/monitoring"
)

var (
	servePort      int
	serveNoDrain   bool
	serveNoMonitor bool
)

const shutdownTimeout = 30 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the query API and the scheduled-request worker",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		port := servePort
		if port == 0 {
			port = cfg.Server.Port
		}
		cfg.Server.Port = port

		env, err := initPipeline(ctx, "serve")
		if err != nil {
			return err
		}
		defer env.Close()

		opts := []api.Option{api.WithAllowedOrigins(cfg.Server.AllowedOrigins)}
		if env.Store.RemoteEnabled() {
			opts = append(opts, api.WithBucket(cfg.Remote.Bucket))
		}
		if env.RunLog != nil {
			opts = append(opts, api.WithRuns(env.RunLog))
		}
		apiSrv := api.New(env.Store, env.Tracker, opts...)

		srv := &http.Server{
			Addr:              fmt.Sprintf("%s:%d", cfg.Server.Host, port),
			Handler:           apiSrv.Handler(),
			ReadHeaderTimeout: 10 * time.Second,
		}

		workerDone := make(chan struct{})
		go func() {
			defer close(workerDone)
			if serveNoDrain {
				return
			}
			interval := time.Duration(cfg.Batch.PollIntervalSecs) * time.Second
			runScheduler(ctx, env.Tracker, interval, cfg.Batch.MaxConcurrentCompanies)
		}()

		monitorDone := make(chan struct{})
		go func() {
			defer close(monitorDone)
			if serveNoMonitor {
				return
			}
			var runs monitoring.RunLister
			if env.RunLog != nil {
				runs = env.RunLog
			}
			collector := monitoring.NewCollector(runs, env.Tracker, env.Store)
			monitoring.NewChecker(collector, monitoring.NewAlerter(cfg.Monitoring), cfg.Monitoring).Run(ctx)
		}()

		// Graceful shutdown
		go func() {
			<-ctx.Done()
			zap.L().Info("shutting down server")
			shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
			defer cancel()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				zap.L().Warn("server shutdown", zap.Error(err))
			}
		}()

		zap.L().Info("starting server", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return eris.Wrap(err, "server listen")
		}

		apiSrv.Wait()
		<-workerDone
		<-monitorDone
		return nil
	},
}

// runScheduler drains scheduled requests every interval until ctx ends.
func runScheduler(ctx context.Context, q requestQueue, interval time.Duration, concurrency int) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if _, err := drainPending(ctx, q, concurrency); err != nil {
			zap.L().Error("scheduler pass failed", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "server port (default from config)")
	serveCmd.Flags().BoolVar(&serveNoDrain, "no-scheduler", false, "do not run scheduled requests in this process")
	serveCmd.Flags().BoolVar(&serveNoMonitor, "no-monitor", false, "disable the background alert checker")
	rootCmd.AddCommand(serveCmd)
}
