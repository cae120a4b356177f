// Package config handles configuration loading and validation for revsearch.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/spf13/viper"
)

// Config represents the complete revsearch configuration.
type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Index      IndexConfig      `mapstructure:"index"`
	Embeddings EmbeddingsConfig `mapstructure:"embeddings"`
	Storage    StorageConfig    `mapstructure:"storage"`
	Reconcile  ReconcileConfig  `mapstructure:"reconcile"`
	Snapshot   SnapshotConfig   `mapstructure:"snapshot"`
	Ingest     IngestConfig     `mapstructure:"ingest"`
}

// ServerConfig configures the HTTP API.
type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	WriteRateLimit  float64       `mapstructure:"write_rate_limit"`
	WriteBurst      int           `mapstructure:"write_burst"`
}

// Addr returns the listen address.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// IndexConfig configures the vector index.
type IndexConfig struct {
	// Engine is "sqlitevec", "hnsw" or "auto" (chosen by Type).
	Engine       string `mapstructure:"engine"`
	Type         string `mapstructure:"type"`
	Dimension    int    `mapstructure:"dimension"` // 0 uses the embedder's dimension
	NumTrees     int    `mapstructure:"num_trees"`
	KMeansK      int    `mapstructure:"kmeans_k"`
	Metric       string `mapstructure:"metric"`
	Threads      int    `mapstructure:"threads"`
	HNSWM        int    `mapstructure:"hnsw_m"`
	HNSWEfSearch int    `mapstructure:"hnsw_ef_search"`
	Compression  string `mapstructure:"compression"`
}

// EmbeddingsConfig configures the embedding service.
type EmbeddingsConfig struct {
	Provider  string            `mapstructure:"provider"`
	BatchSize int               `mapstructure:"batch_size"`
	Ollama    OllamaEmbedConfig `mapstructure:"ollama"`
	OpenAI    OpenAIEmbedConfig `mapstructure:"openai"`
	Hash      HashEmbedConfig   `mapstructure:"hash"`
}

// OllamaEmbedConfig configures Ollama embeddings.
type OllamaEmbedConfig struct {
	URL   string `mapstructure:"url"`
	Model string `mapstructure:"model"`
}

// OpenAIEmbedConfig configures OpenAI embeddings.
type OpenAIEmbedConfig struct {
	Model      string `mapstructure:"model"`
	BaseURL    string `mapstructure:"base_url"`
	APIKey     string `mapstructure:"api_key"`
	Dimensions int    `mapstructure:"dimensions"`
}

// HashEmbedConfig configures the offline hashing embedder.
type HashEmbedConfig struct {
	Dimensions int `mapstructure:"dimensions"`
}

// StorageConfig configures where the index and metadata live.
type StorageConfig struct {
	DataDir      string `mapstructure:"data_dir"`
	IndexPath    string `mapstructure:"index_path"`
	MetadataPath string `mapstructure:"metadata_path"`
	WorkDir      string `mapstructure:"work_dir"`
	SyncWrites   bool   `mapstructure:"sync_writes"`
}

// ReconcileConfig configures the startup consistency check.
type ReconcileConfig struct {
	Mode string `mapstructure:"mode"` // off, report or repair
}

// SnapshotConfig configures off-host snapshot mirroring.
type SnapshotConfig struct {
	Backend    string            `mapstructure:"backend"` // "", dir, minio or s3
	Schedule   string            `mapstructure:"schedule"`
	OnShutdown bool              `mapstructure:"on_shutdown"`
	Prefix     string            `mapstructure:"prefix"`
	Dir        DirSnapshotConfig `mapstructure:"dir"`
	MinIO      MinIOConfig       `mapstructure:"minio"`
	S3         S3Config          `mapstructure:"s3"`
}

// DirSnapshotConfig configures the local directory mirror.
type DirSnapshotConfig struct {
	Path string `mapstructure:"path"`
}

// MinIOConfig configures the MinIO mirror.
type MinIOConfig struct {
	Endpoint  string `mapstructure:"endpoint"`
	AccessKey string `mapstructure:"access_key"`
	SecretKey string `mapstructure:"secret_key"`
	Bucket    string `mapstructure:"bucket"`
	UseSSL    bool   `mapstructure:"use_ssl"`
}

// S3Config configures the AWS S3 mirror.
// Static keys are optional; the default AWS credential chain is used otherwise.
type S3Config struct {
	Bucket          string `mapstructure:"bucket"`
	Region          string `mapstructure:"region"`
	Endpoint        string `mapstructure:"endpoint"`
	UsePathStyle    bool   `mapstructure:"use_path_style"`
	AccessKeyID     string `mapstructure:"access_key_id"`
	SecretAccessKey string `mapstructure:"secret_access_key"`
}

// IngestConfig configures the inbox watcher.
type IngestConfig struct {
	WatchDir string        `mapstructure:"watch_dir"`
	Debounce time.Duration `mapstructure:"debounce"`
}

// Global configuration instance
var cfg *Config

// Get returns the current configuration.
func Get() *Config {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	return cfg
}

// DefaultConfig returns a configuration with default values.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            DefaultHost,
			Port:            DefaultPort,
			ReadTimeout:     DefaultReadTimeout,
			WriteTimeout:    DefaultWriteTimeout,
			ShutdownTimeout: DefaultShutdownTimeout,
			WriteRateLimit:  DefaultWriteRateLimit,
			WriteBurst:      DefaultWriteBurst,
		},
		Index: IndexConfig{
			Engine:       DefaultIndexEngine,
			Type:         DefaultIndexType,
			NumTrees:     DefaultNumTrees,
			KMeansK:      DefaultKMeansK,
			Metric:       DefaultMetric,
			Threads:      DefaultThreads,
			HNSWM:        DefaultHNSWM,
			HNSWEfSearch: DefaultHNSWEfSearch,
			Compression:  DefaultCompression,
		},
		Embeddings: EmbeddingsConfig{
			Provider:  DefaultEmbeddingProvider,
			BatchSize: DefaultEmbedBatchSize,
			Ollama: OllamaEmbedConfig{
				URL:   DefaultOllamaURL,
				Model: DefaultOllamaEmbedModel,
			},
			OpenAI: OpenAIEmbedConfig{
				Model: DefaultOpenAIEmbedModel,
			},
			Hash: HashEmbedConfig{
				Dimensions: DefaultHashDimensions,
			},
		},
		Storage: StorageConfig{
			DataDir:      DefaultDataDir(),
			IndexPath:    DefaultIndexPath(),
			MetadataPath: DefaultMetadataPath(),
		},
		Reconcile: ReconcileConfig{
			Mode: DefaultReconcileMode,
		},
		Snapshot: SnapshotConfig{
			Prefix: DefaultSnapshotPrefix,
		},
		Ingest: IngestConfig{
			Debounce: DefaultIngestDebounce,
		},
	}
}

// Load reads configuration from file and environment variables.
func Load(configFile string) error {
	// Set defaults
	setDefaults()

	// Set config file if specified
	if configFile != "" {
		viper.SetConfigFile(configFile)
	} else {
		// Search for config in standard locations
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
		viper.AddConfigPath(DefaultConfigDir())
		viper.AddConfigPath(".")

		// Also check for .revsearchrc.yaml in current directory and parents
		if rcPath := findRCFile(); rcPath != "" {
			viper.SetConfigFile(rcPath)
		}
	}

	// Environment variables
	viper.SetEnvPrefix("REVSEARCH")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	// PORT is honored for container platforms that inject it.
	if err := viper.BindEnv("server.port", "REVSEARCH_SERVER_PORT", "PORT"); err != nil {
		return fmt.Errorf("error binding environment: %w", err)
	}

	// Read config file
	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return fmt.Errorf("error reading config file: %w", err)
		}
		log.Debug("No config file found, using defaults")
	} else {
		log.Debug("Loaded config from", "file", viper.ConfigFileUsed())
	}

	// Unmarshal into config struct
	loaded := &Config{}
	if err := viper.Unmarshal(loaded); err != nil {
		return fmt.Errorf("error parsing config: %w", err)
	}

	loaded.resolvePaths()
	loadAPIKeysFromEnv(loaded)

	if err := loaded.Validate(); err != nil {
		return err
	}

	cfg = loaded
	return nil
}

// setDefaults sets default values in viper.
func setDefaults() {
	d := DefaultConfig()

	// Server
	viper.SetDefault("server.host", d.Server.Host)
	viper.SetDefault("server.port", d.Server.Port)
	viper.SetDefault("server.read_timeout", d.Server.ReadTimeout)
	viper.SetDefault("server.write_timeout", d.Server.WriteTimeout)
	viper.SetDefault("server.shutdown_timeout", d.Server.ShutdownTimeout)
	viper.SetDefault("server.write_rate_limit", d.Server.WriteRateLimit)
	viper.SetDefault("server.write_burst", d.Server.WriteBurst)

	// Index
	viper.SetDefault("index.engine", d.Index.Engine)
	viper.SetDefault("index.type", d.Index.Type)
	viper.SetDefault("index.dimension", 0)
	viper.SetDefault("index.num_trees", d.Index.NumTrees)
	viper.SetDefault("index.kmeans_k", d.Index.KMeansK)
	viper.SetDefault("index.metric", d.Index.Metric)
	viper.SetDefault("index.threads", d.Index.Threads)
	viper.SetDefault("index.hnsw_m", d.Index.HNSWM)
	viper.SetDefault("index.hnsw_ef_search", d.Index.HNSWEfSearch)
	viper.SetDefault("index.compression", d.Index.Compression)

	// Embeddings
	viper.SetDefault("embeddings.provider", d.Embeddings.Provider)
	viper.SetDefault("embeddings.batch_size", d.Embeddings.BatchSize)
	viper.SetDefault("embeddings.ollama.url", d.Embeddings.Ollama.URL)
	viper.SetDefault("embeddings.ollama.model", d.Embeddings.Ollama.Model)
	viper.SetDefault("embeddings.openai.model", d.Embeddings.OpenAI.Model)
	viper.SetDefault("embeddings.openai.base_url", "")
	viper.SetDefault("embeddings.openai.api_key", "")
	viper.SetDefault("embeddings.openai.dimensions", 0)
	viper.SetDefault("embeddings.hash.dimensions", d.Embeddings.Hash.Dimensions)

	// Storage. Paths left empty are derived from data_dir.
	viper.SetDefault("storage.data_dir", d.Storage.DataDir)
	viper.SetDefault("storage.index_path", "")
	viper.SetDefault("storage.metadata_path", "")
	viper.SetDefault("storage.work_dir", "")
	viper.SetDefault("storage.sync_writes", false)

	// Reconcile
	viper.SetDefault("reconcile.mode", d.Reconcile.Mode)

	// Snapshot
	viper.SetDefault("snapshot.backend", "")
	viper.SetDefault("snapshot.schedule", "")
	viper.SetDefault("snapshot.on_shutdown", false)
	viper.SetDefault("snapshot.prefix", d.Snapshot.Prefix)
	viper.SetDefault("snapshot.dir.path", "")
	viper.SetDefault("snapshot.minio.endpoint", "")
	viper.SetDefault("snapshot.minio.access_key", "")
	viper.SetDefault("snapshot.minio.secret_key", "")
	viper.SetDefault("snapshot.minio.bucket", "")
	viper.SetDefault("snapshot.minio.use_ssl", true)
	viper.SetDefault("snapshot.s3.bucket", "")
	viper.SetDefault("snapshot.s3.region", "")
	viper.SetDefault("snapshot.s3.endpoint", "")
	viper.SetDefault("snapshot.s3.use_path_style", false)
	viper.SetDefault("snapshot.s3.access_key_id", "")
	viper.SetDefault("snapshot.s3.secret_access_key", "")

	// Ingest
	viper.SetDefault("ingest.watch_dir", "")
	viper.SetDefault("ingest.debounce", d.Ingest.Debounce)
}

// resolvePaths fills storage paths that were left empty.
func (c *Config) resolvePaths() {
	if c.Storage.DataDir == "" {
		c.Storage.DataDir = DefaultDataDir()
	}
	if c.Storage.IndexPath == "" {
		c.Storage.IndexPath = filepath.Join(c.Storage.DataDir, DefaultIndexFileName)
	}
	if c.Storage.MetadataPath == "" {
		c.Storage.MetadataPath = filepath.Join(c.Storage.DataDir, DefaultMetadataFileName)
	}
	if c.Storage.WorkDir == "" {
		c.Storage.WorkDir = filepath.Join(c.Storage.DataDir, "work")
	}
}

// Validate checks values that would otherwise fail deep inside a component.
func (c *Config) Validate() error {
	switch c.Reconcile.Mode {
	case "off", "report", "repair":
	default:
		return fmt.Errorf("invalid reconcile.mode %q (want off, report or repair)", c.Reconcile.Mode)
	}
	switch c.Index.Engine {
	case "auto", "sqlitevec", "hnsw":
	default:
		return fmt.Errorf("invalid index.engine %q (want auto, sqlitevec or hnsw)", c.Index.Engine)
	}
	switch c.Snapshot.Backend {
	case "", "dir", "minio", "s3":
	default:
		return fmt.Errorf("invalid snapshot.backend %q (want dir, minio or s3)", c.Snapshot.Backend)
	}
	if c.Index.Dimension < 0 {
		return fmt.Errorf("invalid index.dimension %d", c.Index.Dimension)
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server.port %d", c.Server.Port)
	}
	return nil
}

// findRCFile searches for .revsearchrc.yaml starting from current directory.
func findRCFile() string {
	cwd, err := os.Getwd()
	if err != nil {
		return ""
	}

	dir := cwd
	for {
		rcPath := filepath.Join(dir, ".revsearchrc.yaml")
		if _, err := os.Stat(rcPath); err == nil {
			return rcPath
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}

	return ""
}

// loadAPIKeysFromEnv loads API keys from environment variables if not already set.
func loadAPIKeysFromEnv(c *Config) {
	if c.Embeddings.OpenAI.APIKey == "" {
		if key := os.Getenv("OPENAI_API_KEY"); key != "" {
			c.Embeddings.OpenAI.APIKey = key
		}
	}
	if c.Snapshot.MinIO.AccessKey == "" {
		c.Snapshot.MinIO.AccessKey = os.Getenv("MINIO_ACCESS_KEY")
	}
	if c.Snapshot.MinIO.SecretKey == "" {
		c.Snapshot.MinIO.SecretKey = os.Getenv("MINIO_SECRET_KEY")
	}
}

// ConfigFilePath returns the path of the loaded config file, or empty string if none.
func ConfigFilePath() string {
	return viper.ConfigFileUsed()
}

// GlobalConfigPath returns the path to the global config file.
func GlobalConfigPath() string {
	return filepath.Join(DefaultConfigDir(), "config.yaml")
}
