package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/nickcecere/revsearch/internal/config"
	"github.com/nickcecere/revsearch/internal/ui"
)

var configShowPath bool

// configCmd represents the config command
var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show configuration",
	Long: `Display current configuration settings and config file locations.

Every key can also be set through the environment with a REVSEARCH_ prefix,
for example REVSEARCH_SERVER_PORT or REVSEARCH_INDEX_TYPE.

Examples:
  # Show current configuration
  revsearch config

  # Show config file paths
  revsearch config --path`,
	RunE: runConfig,
}

func init() {
	configCmd.Flags().BoolVar(&configShowPath, "path", false, "show config file paths")
}

func runConfig(cmd *cobra.Command, args []string) error {
	cfg := config.Get()

	if configShowPath {
		fmt.Println(ui.SectionTitle.Render("Configuration Paths"))
		fmt.Println()
		fmt.Printf("Global config: %s\n", config.GlobalConfigPath())
		fmt.Printf("Local config:  .revsearchrc.yaml (searched from cwd upward)\n")
		fmt.Printf("Active config: %s\n", config.ConfigFilePath())
		fmt.Printf("Index archive: %s\n", cfg.Storage.IndexPath)
		fmt.Printf("Metadata log:  %s\n", cfg.Storage.MetadataPath)
		return nil
	}

	fmt.Println(ui.SectionTitle.Render("Current Configuration"))
	fmt.Println()

	fmt.Println(ui.Bold.Render("Server:"))
	fmt.Printf("  Address: %s\n", cfg.Server.Addr())
	fmt.Printf("  Timeouts: read %s, write %s, shutdown %s\n",
		cfg.Server.ReadTimeout, cfg.Server.WriteTimeout, cfg.Server.ShutdownTimeout)
	if cfg.Server.WriteRateLimit > 0 {
		fmt.Printf("  Write limit: %.1f/s (burst %d)\n", cfg.Server.WriteRateLimit, cfg.Server.WriteBurst)
	}
	fmt.Println()

	fmt.Println(ui.Bold.Render("Index:"))
	fmt.Printf("  Engine: %s\n", cfg.Index.Engine)
	fmt.Printf("  Type: %s\n", cfg.Index.Type)
	fmt.Printf("  Metric: %s\n", cfg.Index.Metric)
	if cfg.Index.Dimension > 0 {
		fmt.Printf("  Dimension: %d\n", cfg.Index.Dimension)
	} else {
		fmt.Printf("  Dimension: from embedding model\n")
	}
	fmt.Printf("  Compression: %s\n", cfg.Index.Compression)
	fmt.Println()

	fmt.Println(ui.Bold.Render("Embeddings:"))
	fmt.Printf("  Provider: %s\n", cfg.Embeddings.Provider)
	fmt.Printf("  Batch Size: %d\n", cfg.Embeddings.BatchSize)
	switch cfg.Embeddings.Provider {
	case "ollama":
		fmt.Printf("  Ollama URL: %s\n", cfg.Embeddings.Ollama.URL)
		fmt.Printf("  Ollama Model: %s\n", cfg.Embeddings.Ollama.Model)
	case "openai":
		fmt.Printf("  OpenAI Model: %s\n", cfg.Embeddings.OpenAI.Model)
		if cfg.Embeddings.OpenAI.BaseURL != "" {
			fmt.Printf("  OpenAI Base URL: %s\n", cfg.Embeddings.OpenAI.BaseURL)
		}
	case "hash":
		fmt.Printf("  Hash Dimensions: %d\n", cfg.Embeddings.Hash.Dimensions)
	}
	fmt.Println()

	fmt.Println(ui.Bold.Render("Storage:"))
	fmt.Printf("  Data Dir: %s\n", cfg.Storage.DataDir)
	fmt.Printf("  Sync Writes: %t\n", cfg.Storage.SyncWrites)
	fmt.Printf("  Reconcile: %s\n", cfg.Reconcile.Mode)
	fmt.Println()

	fmt.Println(ui.Bold.Render("Snapshot:"))
	if cfg.Snapshot.Backend == "" {
		fmt.Println("  disabled")
	} else {
		fmt.Printf("  Backend: %s\n", cfg.Snapshot.Backend)
		fmt.Printf("  Prefix: %s\n", cfg.Snapshot.Prefix)
		if cfg.Snapshot.Schedule != "" {
			fmt.Printf("  Schedule: %s\n", cfg.Snapshot.Schedule)
		}
		fmt.Printf("  On Shutdown: %t\n", cfg.Snapshot.OnShutdown)
	}
	fmt.Println()

	fmt.Println(ui.Bold.Render("Ingest:"))
	if cfg.Ingest.WatchDir == "" {
		fmt.Println("  disabled")
	} else {
		fmt.Printf("  Watch Dir: %s\n", cfg.Ingest.WatchDir)
		fmt.Printf("  Debounce: %s\n", cfg.Ingest.Debounce)
	}

	return nil
}
