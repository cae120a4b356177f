package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/nickcecere/revsearch/internal/config"
	"github.com/nickcecere/revsearch/internal/indexer"
	"github.com/nickcecere/revsearch/internal/reviews"
	"github.com/nickcecere/revsearch/internal/store"
	"github.com/nickcecere/revsearch/internal/ui"
)

var (
	importRebuild     bool
	importSkipInvalid bool
	importBatchSize   int

	addTitle   string
	addBody    string
	addProduct string
	addRating  int
)

// importCmd bulk-loads reviews from JSONL files.
var importCmd = &cobra.Command{
	Use:   "import <file.jsonl>...",
	Short: "Import reviews from JSONL files",
	Long: `Import reviews from one or more JSONL files, one review per line:

  {"review_title": "...", "review_body": "...", "product_id": "...", "review_rating": 4}

When the store is empty, or with --rebuild, the reviews are embedded in
batches and the index is built in one pass, replacing anything stored.
Otherwise each review is appended through the normal add path.

Examples:
  # Initial load
  revsearch import reviews.jsonl

  # Replace everything with a fresh export
  revsearch import export.jsonl --rebuild

  # Ignore malformed lines
  revsearch import scraped.jsonl --skip-invalid`,
	Args: cobra.MinimumNArgs(1),
	RunE: runImport,
}

// addCmd stores a single review.
var addCmd = &cobra.Command{
	Use:   "add",
	Short: "Add a single review",
	Long: `Add one review to the index and the metadata log.

Example:
  revsearch add --title "Great battery" --body "Lasts two days" --product P-100 --rating 5`,
	Args: cobra.NoArgs,
	RunE: runAdd,
}

func init() {
	importCmd.Flags().BoolVar(&importRebuild, "rebuild", false, "replace all stored reviews")
	importCmd.Flags().BoolVar(&importSkipInvalid, "skip-invalid", false, "skip malformed or invalid lines")
	importCmd.Flags().IntVar(&importBatchSize, "batch-size", 0, "reviews per embedding call (default embeddings.batch_size)")

	addCmd.Flags().StringVar(&addTitle, "title", "", "review title")
	addCmd.Flags().StringVar(&addBody, "body", "", "review body")
	addCmd.Flags().StringVar(&addProduct, "product", "", "product ID")
	addCmd.Flags().IntVar(&addRating, "rating", 0, "rating from 1 to 5")
}

func runImport(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg := config.Get()
	a, err := openApp(ctx, cfg, reconcileMode(cfg))
	if err != nil {
		return err
	}
	defer a.Close()

	batch := importBatchSize
	if batch <= 0 {
		batch = cfg.Embeddings.BatchSize
	}

	fmt.Println(ui.Header.Render("Importing reviews"))
	fmt.Printf("Provider: %s (%s)\n\n", a.embedder.Provider(), a.embedder.ModelName())

	idx := indexer.New(a.svc, a.embedder)
	for i, path := range args {
		res, err := idx.ImportFile(ctx, indexer.ImportOptions{
			Path:        path,
			Rebuild:     importRebuild && i == 0,
			BatchSize:   batch,
			SkipInvalid: importSkipInvalid,
			OnProgress: func(p indexer.Progress) {
				printProgress(p)
			},
		})
		fmt.Printf("\r\033[K")
		if err != nil {
			if ctx.Err() != nil {
				fmt.Println(ui.Warning.Render("Import cancelled"))
				return nil
			}
			return err
		}

		mode := "appended"
		if res.Rebuilt {
			mode = "rebuilt"
		}
		fmt.Printf("%s %s: %d reviews %s, %d skipped, %s\n",
			ui.Success.Render("✓"), path, res.Added, mode, res.Skipped, res.Duration.Round(time.Millisecond))
	}

	h, err := a.svc.Health()
	if err != nil {
		return err
	}
	fmt.Println()
	fmt.Printf("  Reviews: %d\n", h.TotalReviews)
	fmt.Printf("  Vectors: %d\n", h.IndexedVectors)
	return nil
}

func printProgress(p indexer.Progress) {
	if p.TotalRecords == 0 {
		return
	}
	pct := float64(p.Processed) / float64(p.TotalRecords) * 100
	elapsed := time.Since(p.StartTime).Round(time.Second)
	fmt.Printf("\r\033[KProgress: %d/%d reviews (%.0f%%) | %s", p.Processed, p.TotalRecords, pct, elapsed)
}

func runAdd(cmd *cobra.Command, args []string) error {
	rec := store.Record{Title: addTitle, Body: addBody, ProductID: addProduct, Rating: addRating}
	if err := reviews.ValidateReview(rec); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg := config.Get()
	a, err := openApp(ctx, cfg, reconcileMode(cfg))
	if err != nil {
		return err
	}
	defer a.Close()

	res, err := a.svc.AddReview(ctx, rec)
	if err != nil {
		return err
	}
	fmt.Printf("Review added with ID %d\n", res.VectorID)
	if !res.Consistent() {
		fmt.Println(ui.Warning.Render(fmt.Sprintf("metadata stored at line %d; run 'revsearch reconcile'", res.StoredID)))
	}
	return nil
}
