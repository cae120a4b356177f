package config

import (
	"os"
	"path/filepath"
	"time"
)

// Default configuration values
const (
	// Server defaults
	DefaultHost            = "0.0.0.0"
	DefaultPort            = 8000
	DefaultReadTimeout     = 30 * time.Second
	DefaultWriteTimeout    = 60 * time.Second
	DefaultShutdownTimeout = 15 * time.Second
	DefaultWriteRateLimit  = 0.0 // writes per second, 0 disables limiting
	DefaultWriteBurst      = 10

	// Index defaults
	DefaultIndexEngine  = "auto"
	DefaultIndexType    = "BKT"
	DefaultNumTrees     = 1
	DefaultKMeansK      = 32
	DefaultMetric       = "L2"
	DefaultThreads      = 4
	DefaultHNSWM        = 16
	DefaultHNSWEfSearch = 20
	DefaultCompression  = "gzip"

	// Embedding defaults
	DefaultEmbeddingProvider = "ollama"
	DefaultOllamaURL         = "http://localhost:11434"
	DefaultOllamaEmbedModel  = "all-minilm"
	DefaultOpenAIEmbedModel  = "text-embedding-3-small"
	DefaultHashDimensions    = 384
	DefaultEmbedBatchSize    = 32

	// Reconcile defaults
	DefaultReconcileMode = "repair"

	// Snapshot defaults
	DefaultSnapshotPrefix = "revsearch"

	// Ingest defaults
	DefaultIngestDebounce = 500 * time.Millisecond

	// Storage file names
	DefaultIndexFileName    = "index.tar.gz"
	DefaultMetadataFileName = "metadata.jsonl"
)

// DefaultConfigDir returns the default configuration directory path.
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".config/revsearch"
	}
	return filepath.Join(home, ".config", "revsearch")
}

// DefaultDataDir returns the default data directory path.
func DefaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".local/share/revsearch"
	}
	return filepath.Join(home, ".local", "share", "revsearch")
}

// DefaultIndexPath returns the default index archive path.
func DefaultIndexPath() string {
	return filepath.Join(DefaultDataDir(), DefaultIndexFileName)
}

// DefaultMetadataPath returns the default metadata log path.
func DefaultMetadataPath() string {
	return filepath.Join(DefaultDataDir(), DefaultMetadataFileName)
}
