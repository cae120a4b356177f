package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/charmbracelet/log"
	"github.com/spf13/cobra"

	"github.com/nickcecere/revsearch/internal/config"
	"github.com/nickcecere/revsearch/internal/indexer"
	"github.com/nickcecere/revsearch/internal/ui"
	"github.com/nickcecere/revsearch/internal/watcher"
)

// watchCmd represents the watch command.
var watchCmd = &cobra.Command{
	Use:   "watch [dir]",
	Short: "Import review files dropped into a directory",
	Long: `Watch an inbox directory and import every *.jsonl file written there.

A file is imported once it has not changed for the debounce period
(ingest.debounce). Imported files are renamed with a .done suffix, files
that fail with .failed. Files already present at startup are imported first.

The directory defaults to ingest.watch_dir.

Examples:
  revsearch watch ./inbox`,
	Args: cobra.MaximumNArgs(1),
	RunE: runWatchCmd,
}

func runWatchCmd(cmd *cobra.Command, args []string) error {
	cfg := config.Get()

	dir := cfg.Ingest.WatchDir
	if len(args) > 0 {
		dir = args[0]
	}
	if dir == "" {
		return fmt.Errorf("no directory given and ingest.watch_dir is not set")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := openApp(ctx, cfg, reconcileMode(cfg))
	if err != nil {
		return err
	}
	defer a.Close()

	w, err := watcher.New(dir, indexer.New(a.svc, a.embedder),
		watcher.WithDebounceTime(cfg.Ingest.Debounce),
		watcher.WithBatchSize(cfg.Embeddings.BatchSize),
		watcher.WithEventCallback(func(event, path string) {
			log.Debug("Inbox event", "event", event, "file", path)
		}),
	)
	if err != nil {
		return err
	}

	fmt.Println(ui.Header.Render("Watching for review files"))
	fmt.Printf("Directory: %s\n", w.Dir())
	fmt.Println("Press Ctrl+C to stop.")
	fmt.Println()

	return w.Start(ctx)
}
