package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/charmbracelet/glamour"
	"github.com/charmbracelet/log"
	"github.com/spf13/cobra"

	"github.com/nickcecere/revsearch/internal/config"
	"github.com/nickcecere/revsearch/internal/reviews"
	"github.com/nickcecere/revsearch/internal/ui"
)

var (
	searchTopK     int
	searchMinScore float64
	searchJSON     bool
	searchMarkdown bool
)

// searchCmd represents the search command
var searchCmd = &cobra.Command{
	Use:   "search <query>",
	Short: "Search reviews by semantic similarity",
	Long: `Search stored reviews with a natural language query.

The query is embedded with the configured provider and the nearest review
vectors are returned, best match first.

Examples:
  # Basic search
  revsearch search "battery dies quickly"

  # More results, only strong matches
  revsearch search "arrived damaged" -k 25 --min-score 0.6

  # Machine-readable output
  revsearch search "great value" --json`,
	Args: cobra.MinimumNArgs(1),
	RunE: runSearchCmd,
}

func init() {
	searchCmd.Flags().IntVarP(&searchTopK, "top-k", "k", reviews.DefaultTopK, "maximum number of results (1-100)")
	searchCmd.Flags().Float64Var(&searchMinScore, "min-score", 0.0, "minimum similarity score (0-1)")
	searchCmd.Flags().BoolVar(&searchJSON, "json", false, "output results as JSON")
	searchCmd.Flags().BoolVar(&searchMarkdown, "markdown", false, "render results as a markdown report")
}

func runSearchCmd(cmd *cobra.Command, args []string) error {
	query := strings.Join(args, " ")
	log.Debug("Starting search", "query", query, "top_k", searchTopK)

	if err := reviews.ValidateSearch(query, searchTopK); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg := config.Get()
	a, err := openApp(ctx, cfg, reviews.ReconcileReport)
	if err != nil {
		return err
	}
	defer a.Close()

	var stopSpinner, spinnerDone chan struct{}
	if !searchJSON {
		stopSpinner = make(chan struct{})
		spinnerDone = make(chan struct{})
		go showSpinner("Searching", stopSpinner, spinnerDone)
	}

	start := time.Now()
	resp, err := a.svc.Search(ctx, query, searchTopK)

	if stopSpinner != nil {
		close(stopSpinner)
		<-spinnerDone
	}
	if err != nil {
		return err
	}

	results := filterByScore(resp.Results, float32(searchMinScore))

	switch {
	case searchJSON:
		resp.Results = results
		resp.TotalFound = len(results)
		return outputJSON(resp)
	case searchMarkdown:
		return outputMarkdown(query, results)
	}

	if len(results) == 0 {
		fmt.Println("No matching reviews found.")
		return nil
	}

	fmt.Printf("%s %s\n\n", ui.Header.Render("Results for"), ui.Bold.Render(fmt.Sprintf("%q", query)))
	for i, r := range results {
		fmt.Printf("%s %s %s\n",
			ui.ResultHeader.Render(fmt.Sprintf("%d. %s", i+1, r.Title)),
			ui.FormatRating(r.Rating),
			ui.FormatScore(r.SimilarityScore),
		)
		fmt.Printf("   %s %s\n", ui.Dim.Render("product"), ui.Product.Render(r.ProductID))
		fmt.Println(ui.ResultContent.Render(ui.Truncate(r.Body, 300)))
		fmt.Println()
	}
	fmt.Println(ui.Dim.Render(fmt.Sprintf("%d results in %s", len(results), time.Since(start).Round(time.Millisecond))))
	return nil
}

func filterByScore(results []reviews.SearchResult, threshold float32) []reviews.SearchResult {
	if threshold <= 0 {
		return results
	}
	out := results[:0]
	for _, r := range results {
		if r.SimilarityScore >= threshold {
			out = append(out, r)
		}
	}
	return out
}

// outputJSON writes the response in the same shape the HTTP API returns.
func outputJSON(resp *reviews.SearchResponse) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(resp)
}

// outputMarkdown renders results as a markdown report with glamour.
func outputMarkdown(query string, results []reviews.SearchResult) error {
	rendered, err := renderMarkdown(markdownReport(query, results))
	if err != nil {
		return err
	}
	fmt.Print(rendered)
	return nil
}

func markdownReport(query string, results []reviews.SearchResult) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# Reviews matching %q\n\n", query)
	if len(results) == 0 {
		b.WriteString("_No matching reviews found._\n")
		return b.String()
	}

	b.WriteString("| # | Title | Product | Rating | Score |\n")
	b.WriteString("|---|-------|---------|--------|-------|\n")
	for i, r := range results {
		fmt.Fprintf(&b, "| %d | %s | `%s` | %d/5 | %.3f |\n",
			i+1, escapeCell(r.Title), r.ProductID, r.Rating, r.SimilarityScore)
	}
	b.WriteString("\n")

	for i, r := range results {
		fmt.Fprintf(&b, "## %d. %s\n\n", i+1, r.Title)
		for _, line := range strings.Split(r.Body, "\n") {
			fmt.Fprintf(&b, "> %s\n", line)
		}
		b.WriteString("\n")
	}
	return b.String()
}

func escapeCell(s string) string {
	return strings.ReplaceAll(strings.ReplaceAll(s, "|", `\|`), "\n", " ")
}

// renderMarkdown renders markdown content using glamour.
func renderMarkdown(content string) (string, error) {
	renderer, err := glamour.NewTermRenderer(
		glamour.WithAutoStyle(),
		glamour.WithWordWrap(100),
	)
	if err != nil {
		return "", err
	}
	return renderer.Render(content)
}

// showSpinner displays an animated spinner until stopCh is closed.
func showSpinner(message string, stopCh <-chan struct{}, doneCh chan<- struct{}) {
	frames := []string{"⠋", "⠙", "⠹", "⠸", "⠼", "⠴", "⠦", "⠧", "⠇", "⠏"}
	ticker := time.NewTicker(80 * time.Millisecond)
	defer ticker.Stop()
	defer close(doneCh)

	i := 0
	for {
		select {
		case <-stopCh:
			// Clear spinner line
			fmt.Print("\r\033[2K")
			return
		case <-ticker.C:
			fmt.Printf("\r%s %s", ui.Highlight.Render(frames[i]), message)
			i = (i + 1) % len(frames)
		}
	}
}
