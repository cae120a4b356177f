package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sort"

	"github.com/spf13/cobra"

	"github.com/nickcecere/revsearch/internal/config"
	"github.com/nickcecere/revsearch/internal/reviews"
	"github.com/nickcecere/revsearch/internal/ui"
)

var statusJSON bool

// statusCmd represents the status command
var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show index status and statistics",
	Long: `Display the same information the /health endpoint reports:
- Number of stored reviews and indexed vectors
- Index type, engine, metric and applied parameters
- Embedding provider and model
- On-disk sizes of the index archive and metadata log

The index and log are only compared, never repaired.`,
	RunE: runStatus,
}

func init() {
	statusCmd.Flags().BoolVar(&statusJSON, "json", false, "output status as JSON")
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg := config.Get()

	a, err := openApp(context.Background(), cfg, reviews.ReconcileReport)
	if err != nil {
		return err
	}
	defer a.Close()

	h, err := a.svc.Health()
	if err != nil {
		return err
	}

	if statusJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(h)
	}

	fmt.Println(ui.Header.Render("Index Status"))
	fmt.Println()

	status := ui.Success.Render(h.Status)
	if h.Status != "healthy" {
		status = ui.Warning.Render(h.Status)
	}
	fmt.Printf("%s %s\n", ui.Highlight.Render("Status:"), status)
	fmt.Printf("  Reviews:    %d\n", h.TotalReviews)
	fmt.Printf("  Vectors:    %d\n", h.IndexedVectors)
	fmt.Printf("  Dimension:  %d\n", h.Dimension)
	fmt.Printf("  Index:      %s on %s (%s)\n", h.IndexType, h.Engine, h.Metric)
	fmt.Printf("  Embeddings: %s (%s)\n", h.EmbeddingModel, h.EmbeddingProvider)
	fmt.Println()

	fmt.Println(ui.Bold.Render("Files:"))
	printFileSize("Index archive", cfg.Storage.IndexPath)
	printFileSize("Metadata log", cfg.Storage.MetadataPath)

	if len(h.Parameters) > 0 {
		fmt.Println()
		fmt.Println(ui.Bold.Render("Parameters:"))
		names := make([]string, 0, len(h.Parameters))
		for name := range h.Parameters {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			fmt.Printf("  %-16s %s\n", name, h.Parameters[name])
		}
	}

	if h.Status != "healthy" {
		fmt.Println()
		fmt.Println(ui.Warning.Render("Index and metadata log differ. Run 'revsearch reconcile --mode repair'."))
	}
	return nil
}

func printFileSize(label, path string) {
	info, err := os.Stat(path)
	if err != nil {
		fmt.Printf("  %-14s %s %s\n", label+":", path, ui.Dim.Render("(missing)"))
		return
	}
	fmt.Printf("  %-14s %s %s\n", label+":", path, ui.Dim.Render(ui.FormatBytes(info.Size())))
}
