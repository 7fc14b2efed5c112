package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/vonshlovens/capture-sync/internal/capture"
	"github.com/vonshlovens/capture-sync/internal/metrics"
	"github.com/vonshlovens/capture-sync/internal/model"
	"github.com/vonshlovens/capture-sync/internal/netmon"
	syncer "github.com/vonshlovens/capture-sync/internal/sync"
	"github.com/vonshlovens/capture-sync/internal/watcher"
)

// shutdownTimeout bounds how long an in-flight cycle may run after a signal
const shutdownTimeout = 30 * time.Second

func daemonCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "daemon",
		Short: "Run the background sync process",
		Long: `Watches connectivity and local changes and keeps the local store in sync with the server.
Audio captures are uploaded in resumable chunks. If an inbox path is configured, new files in it
are imported as captures.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := interrupted()
			defer stop()

			cfg := appConfig
			m := metrics.New()

			c, err := openClient(ctx, cfg, m)
			if err != nil {
				return err
			}
			defer c.Close()

			probe := netmon.NewProbeSource(c.transport, time.Duration(cfg.Network.ProbeIntervalSec)*time.Second)
			monitor := netmon.New(probe,
				netmon.WithQuietPeriod(time.Duration(cfg.Network.QuietPeriodMs)*time.Millisecond),
				netmon.WithMetrics(m))
			if err := monitor.Start(); err != nil {
				return fmt.Errorf("failed to start network monitor: %w", err)
			}
			defer monitor.Stop()

			// Cycles outlive the signal so an in-flight push or pull can finish
			cycleCtx, cancelCycles := context.WithCancel(context.WithoutCancel(ctx))
			defer cancelCycles()

			trigger := syncer.NewTrigger(c.sync.Sync,
				syncer.WithDebounce(cfg.Debounce()),
				syncer.WithContext(cycleCtx),
				syncer.WithResultCallback(logResult))

			auto := syncer.NewAutoSync(trigger, monitor, c.uploads, time.Duration(cfg.Sync.IntervalSec)*time.Second)
			c.uploads.OnComplete(func(task *model.UploadTask) {
				auto.NotifyLocalChange(model.EntityCaptures)
			})

			g, gctx := errgroup.WithContext(ctx)

			if cfg.Inbox.Path != "" {
				w, err := watcher.New(cfg.Inbox.Path,
					time.Duration(cfg.Inbox.SettleMs)*time.Millisecond,
					cfg.Inbox.IgnorePatterns,
					cfg.Inbox.IncludePatterns)
				if err != nil {
					return fmt.Errorf("failed to create inbox watcher: %w", err)
				}
				importer := capture.NewImporter(c.store, auto.NotifyLocalChange)

				paths, err := w.Scan()
				if err != nil {
					slog.Warn("inbox scan incomplete", "error", err)
				}
				n, _ := importer.ImportAll(ctx, paths)
				slog.Info("inbox scanned", "path", w.Root(), "files", len(paths), "imported", n)

				if err := w.Start(gctx); err != nil {
					return fmt.Errorf("failed to start inbox watcher: %w", err)
				}
				defer w.Stop()

				g.Go(func() error {
					importer.Run(gctx, w.Events())
					return nil
				})
			}

			if cfg.MetricsAddr != "" {
				g.Go(func() error {
					return serveMetrics(gctx, cfg.MetricsAddr, m)
				})
			}

			c.uploads.Start(gctx)
			auto.Start(gctx)

			slog.Info("daemon started",
				"server", cfg.ServerURL,
				"store", c.store.Path(),
				"inbox", cfg.Inbox.Path)
			fmt.Println("Syncing in the background. Press Ctrl+C to stop.")

			<-gctx.Done()
			slog.Info("shutting down...")

			auto.Stop()
			if !trigger.WaitTimeout(shutdownTimeout) {
				slog.Warn("sync cycle still running, cancelling", "timeout", shutdownTimeout)
				cancelCycles()
				trigger.Wait()
			}
			c.uploads.Stop()

			if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		},
	}
}

func logResult(res *syncer.Result) {
	if res.Outcome == syncer.OutcomeError {
		slog.Warn("sync cycle failed",
			"reason", res.Options.Reason,
			"kind", model.KindOf(res.Error),
			"error", res.Error)
		return
	}
	slog.Info("sync cycle completed",
		"reason", res.Options.Reason,
		"pushed", res.Pushed,
		"pulled", res.Pulled,
		"conflicts", res.Conflicts,
		"duration", res.Duration)
}

// serveMetrics serves /metrics until ctx is done
func serveMetrics(ctx context.Context, addr string, m *metrics.Metrics) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	slog.Info("metrics listening", "addr", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("metrics server: %w", err)
	}
	return nil
}

// interrupted returns a context cancelled by SIGINT or SIGTERM
func interrupted() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}
