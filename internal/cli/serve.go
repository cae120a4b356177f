package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/charmbracelet/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/nickcecere/revsearch/internal/config"
	"github.com/nickcecere/revsearch/internal/indexer"
	"github.com/nickcecere/revsearch/internal/server"
	"github.com/nickcecere/revsearch/internal/snapshot"
	"github.com/nickcecere/revsearch/internal/ui"
	"github.com/nickcecere/revsearch/internal/watcher"
)

var (
	serveHost    string
	servePort    int
	serveNoWatch bool
)

// serveCmd runs the HTTP API.
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP API",
	Long: `Start the review search HTTP API.

Endpoints:
  GET  /health           service status and index statistics
  POST /reviews/add      add one review
  POST /reviews/search   similarity search
  POST /admin/reconcile  compare the index with the metadata log

When snapshot.schedule is set, snapshots are pushed to the configured mirror
on that schedule. When ingest.watch_dir is set, *.jsonl files dropped there
are imported automatically.

Examples:
  # Serve on the configured address
  revsearch serve

  # Serve on another port
  revsearch serve --port 9000`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().StringVar(&serveHost, "host", "", "listen host (overrides server.host)")
	serveCmd.Flags().IntVar(&servePort, "port", 0, "listen port (overrides server.port)")
	serveCmd.Flags().BoolVar(&serveNoWatch, "no-watch", false, "disable the ingest inbox watcher")
}

func runServe(cmd *cobra.Command, args []string) error {
	ui.ServerMode()

	cfg := config.Get()
	if serveHost != "" {
		cfg.Server.Host = serveHost
	}
	if servePort != 0 {
		cfg.Server.Port = servePort
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := openApp(ctx, cfg, reconcileMode(cfg))
	if err != nil {
		return err
	}
	defer a.Close()

	rep, err := newReplicator(ctx, cfg, a.svc)
	if err != nil {
		return err
	}

	srv := server.New(a.svc, cfg.Server)
	if err := srv.Start(); err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		<-gctx.Done()
		log.Info("Shutting down")
		return srv.Stop(context.Background())
	})

	if rep != nil && cfg.Snapshot.Schedule != "" {
		sched, err := snapshot.NewScheduler(cfg.Snapshot.Schedule, rep)
		if err != nil {
			stop()
			_ = g.Wait()
			return err
		}
		sched.Start()
		g.Go(func() error {
			<-gctx.Done()
			sched.Stop()
			return nil
		})
	}

	if cfg.Ingest.WatchDir != "" && !serveNoWatch {
		w, err := watcher.New(cfg.Ingest.WatchDir, indexer.New(a.svc, a.embedder),
			watcher.WithDebounceTime(cfg.Ingest.Debounce),
			watcher.WithBatchSize(cfg.Embeddings.BatchSize),
			watcher.WithEventCallback(func(event, path string) {
				log.Debug("Inbox event", "event", event, "file", path)
			}),
		)
		if err != nil {
			stop()
			_ = g.Wait()
			return err
		}
		g.Go(func() error {
			if err := w.Start(gctx); err != nil {
				return fmt.Errorf("inbox watcher: %w", err)
			}
			return nil
		})
	}

	err = g.Wait()

	if rep != nil && cfg.Snapshot.OnShutdown {
		pushCtx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
		if _, perr := rep.Push(pushCtx); perr != nil {
			log.Error("Shutdown snapshot failed", "error", perr)
		}
		cancel()
	}

	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
