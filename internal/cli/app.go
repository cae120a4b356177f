package cli

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/charmbracelet/log"

	"github.com/nickcecere/revsearch/internal/ann"
	"github.com/nickcecere/revsearch/internal/ann/hnswgraph"
	"github.com/nickcecere/revsearch/internal/ann/sqlitevec"
	"github.com/nickcecere/revsearch/internal/archive"
	"github.com/nickcecere/revsearch/internal/config"
	"github.com/nickcecere/revsearch/internal/embeddings"
	"github.com/nickcecere/revsearch/internal/index"
	"github.com/nickcecere/revsearch/internal/reviews"
	"github.com/nickcecere/revsearch/internal/snapshot"
	"github.com/nickcecere/revsearch/internal/store"
)

// app bundles the opened service with its embedder.
type app struct {
	cfg      *config.Config
	svc      *reviews.Service
	embedder embeddings.Service
}

// openApp builds the service from configuration and runs startup
// reconciliation in the given mode. Callers must Close the app.
func openApp(ctx context.Context, cfg *config.Config, mode reviews.ReconcileMode) (*app, error) {
	emb, err := embeddings.NewService(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create embedding service: %w", err)
	}

	opts, err := indexOptions(cfg, emb)
	if err != nil {
		return nil, err
	}
	engine, err := newEngine(cfg, opts.Type)
	if err != nil {
		return nil, err
	}

	if err := os.MkdirAll(filepath.Dir(cfg.Storage.MetadataPath), 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	ix := index.New(engine, opts)
	meta := store.NewJSONLStore(cfg.Storage.MetadataPath, cfg.Storage.SyncWrites)
	svc := reviews.New(emb, ix, meta, reviews.Options{
		IndexPath: cfg.Storage.IndexPath,
		Version:   version,
		BatchSize: cfg.Embeddings.BatchSize,
	})

	if err := svc.Open(ctx, mode); err != nil {
		// Not Shutdown: that would save over an archive that failed to load.
		ix.Close()
		meta.Close()
		return nil, err
	}
	return &app{cfg: cfg, svc: svc, embedder: emb}, nil
}

func (a *app) Close() {
	a.svc.Shutdown()
}

// indexOptions maps the index section of the config onto index.Options.
func indexOptions(cfg *config.Config, emb embeddings.Service) (index.Options, error) {
	c := cfg.Index

	typ, err := ann.ParseIndexType(c.Type)
	if err != nil {
		return index.Options{}, err
	}
	metric, err := ann.ParseMetric(c.Metric)
	if err != nil {
		return index.Options{}, err
	}
	compression, err := archive.ParseCompression(c.Compression)
	if err != nil {
		return index.Options{}, err
	}

	dim := c.Dimension
	if dim == 0 {
		dim = emb.Dimensions()
	}
	if dim <= 0 {
		return index.Options{}, fmt.Errorf("unknown dimension for model %s; set index.dimension", emb.ModelName())
	}

	return index.Options{
		Type:         typ,
		Dimension:    dim,
		NumTrees:     c.NumTrees,
		KMeansK:      c.KMeansK,
		Metric:       metric,
		Threads:      c.Threads,
		HNSWM:        c.HNSWM,
		HNSWEfSearch: c.HNSWEfSearch,
		Compression:  compression,
	}, nil
}

// newEngine picks the ANN engine. "auto" uses the graph engine for HNSW
// and sqlite-vec for everything else.
func newEngine(cfg *config.Config, typ ann.IndexType) (ann.Engine, error) {
	name := cfg.Index.Engine
	if name == "auto" || name == "" {
		name = "sqlitevec"
		if typ == ann.TypeHNSW {
			name = "hnsw"
		}
	}

	switch name {
	case "hnsw":
		return hnswgraph.New(), nil
	case "sqlitevec":
		return sqlitevec.New(cfg.Storage.WorkDir), nil
	default:
		return nil, fmt.Errorf("unknown index engine: %s", name)
	}
}

// newReplicator returns nil when no snapshot backend is configured.
func newReplicator(ctx context.Context, cfg *config.Config, source snapshot.Snapshotter) (*snapshot.Replicator, error) {
	if cfg.Snapshot.Backend == "" {
		return nil, nil
	}
	mirror, err := snapshot.NewMirror(ctx, cfg.Snapshot)
	if err != nil {
		return nil, fmt.Errorf("failed to create snapshot mirror: %w", err)
	}
	return snapshot.NewReplicator(source, mirror, cfg.Snapshot.Prefix), nil
}

func reconcileMode(cfg *config.Config) reviews.ReconcileMode {
	mode, err := reviews.ParseReconcileMode(cfg.Reconcile.Mode)
	if err != nil {
		log.Warn("Invalid reconcile mode, using repair", "mode", cfg.Reconcile.Mode)
		return reviews.ReconcileRepair
	}
	return mode
}
