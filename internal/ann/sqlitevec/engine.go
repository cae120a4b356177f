// Package sqlitevec implements an ann.Engine on top of SQLite and the sqlite-vec
// extension. Each native index owns a private database file in the engine's
// work directory; Save snapshots that file into the caller's folder.
package sqlitevec

import (
	"database/sql"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	sqlite_vec "github.com/asg017/sqlite-vec-go-bindings/cgo"

	"github.com/nickcecere/revsearch/internal/ann"
)

func init() {
	// Register sqlite-vec extension
	sqlite_vec.Auto()
}

// IndexFile is the name of the database file inside a saved folder.
const IndexFile = "index.db"

// maxK is the largest k sqlite-vec accepts in a KNN query.
const maxK = 4096

// Engine creates sqlite-vec backed indexes.
type Engine struct {
	// WorkDir holds the live database files. Defaults to the OS temp dir.
	WorkDir string
}

// New returns an engine that keeps live indexes under workDir.
func New(workDir string) *Engine {
	return &Engine{WorkDir: workDir}
}

// Name implements ann.Engine.
func (e *Engine) Name() string { return "sqlite-vec" }

func (e *Engine) workDir() string {
	if e.WorkDir == "" {
		return os.TempDir()
	}
	return e.WorkDir
}

// Create implements ann.Engine.
func (e *Engine) Create(t ann.IndexType, v ann.ValueType, dim int) (ann.Native, error) {
	switch t {
	case ann.TypeFlat, ann.TypeBKT, ann.TypeKDT:
	default:
		return nil, fmt.Errorf("%w: %s", ann.ErrUnsupportedType, t)
	}
	if v != ann.ValueFloat {
		return nil, fmt.Errorf("unsupported value type: %s", v)
	}
	if dim <= 0 {
		return nil, fmt.Errorf("invalid dimension: %d", dim)
	}

	n, err := e.open()
	if err != nil {
		return nil, err
	}
	n.indexType = t
	n.dim = dim
	n.metric = ann.MetricL2
	n.params = make(map[string]string)

	for key, value := range map[string]string{
		metaIndexType: string(t),
		metaValueType: string(v),
		metaDimension: strconv.Itoa(dim),
	} {
		if err := setMeta(n.db, key, value); err != nil {
			n.Destroy()
			return nil, fmt.Errorf("failed to write engine metadata: %w", err)
		}
	}

	log.Debug("Created sqlite-vec index", "type", t, "dim", dim, "path", n.path)
	return n, nil
}

// Load implements ann.Engine. The saved database is copied into the work
// directory so the folder can be removed once Load returns.
func (e *Engine) Load(folder string) (ann.Native, error) {
	src := filepath.Join(folder, IndexFile)
	if _, err := os.Stat(src); err != nil {
		return nil, fmt.Errorf("index folder has no %s: %w", IndexFile, err)
	}

	path, err := e.newWorkPath()
	if err != nil {
		return nil, err
	}
	if err := copyFile(src, path); err != nil {
		return nil, fmt.Errorf("failed to copy index database: %w", err)
	}

	n, err := openNative(path)
	if err != nil {
		os.Remove(path)
		return nil, err
	}

	if err := n.loadMeta(); err != nil {
		n.Destroy()
		return nil, fmt.Errorf("failed to read engine metadata: %w", err)
	}

	log.Debug("Loaded sqlite-vec index", "type", n.indexType, "dim", n.dim, "count", n.count)
	return n, nil
}

func (e *Engine) newWorkPath() (string, error) {
	dir := e.workDir()
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("failed to create work directory: %w", err)
	}
	return filepath.Join(dir, "ann-"+uuid.NewString()+".db"), nil
}

func (e *Engine) open() (*native, error) {
	path, err := e.newWorkPath()
	if err != nil {
		return nil, err
	}
	return openNative(path)
}

func openNative(path string) (*native, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	if err := initSchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return &native{db: db, path: path}, nil
}

// native is one live sqlite-vec index.
type native struct {
	mu        sync.RWMutex
	db        *sql.DB
	path      string
	indexType ann.IndexType
	dim       int
	metric    ann.Metric
	params    map[string]string
	count     int
	hasTable  bool
	destroyed bool
}

func (n *native) loadMeta() error {
	t, _, err := getMeta(n.db, metaIndexType)
	if err != nil {
		return err
	}
	n.indexType = ann.IndexType(t)

	if n.dim, err = getMetaInt(n.db, metaDimension); err != nil {
		return err
	}

	n.params = make(map[string]string)
	rows, err := n.db.Query("SELECT key, value FROM engine_meta WHERE key LIKE ?", paramPrefix+"%")
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var key, value string
		if err := rows.Scan(&key, &value); err != nil {
			return err
		}
		n.params[strings.TrimPrefix(key, paramPrefix)] = value
	}
	if err := rows.Err(); err != nil {
		return err
	}

	n.metric = ann.MetricL2
	if m, ok := n.params[ann.ParamDistCalcMethod]; ok {
		if n.metric, err = ann.ParseMetric(m); err != nil {
			return err
		}
	}

	if n.hasTable, err = vectorTableExists(n.db); err != nil {
		return err
	}
	if n.hasTable {
		if err := n.db.QueryRow("SELECT COUNT(*) FROM vectors").Scan(&n.count); err != nil {
			return fmt.Errorf("failed to count vectors: %w", err)
		}
	}
	return nil
}

// SetParameter implements ann.Native. Tree parameters are recorded for the
// configured index type; sqlite-vec itself always performs an exact scan.
func (n *native) SetParameter(name, value string) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	switch name {
	case ann.ParamDistCalcMethod:
		m, err := ann.ParseMetric(value)
		if err != nil {
			return err
		}
		if n.hasTable && m != n.metric {
			return fmt.Errorf("cannot change distance metric after vectors were added")
		}
		n.metric = m
		value = string(m)
	case ann.ParamNumberOfThreads:
		if err := positiveInt(value); err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
	case ann.ParamBKTNumber, ann.ParamBKTKmeansK:
		if n.indexType != ann.TypeBKT {
			return fmt.Errorf("%w: %s for %s index", ann.ErrUnknownParameter, name, n.indexType)
		}
		if err := positiveInt(value); err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
	case ann.ParamKDTNumber:
		if n.indexType != ann.TypeKDT {
			return fmt.Errorf("%w: %s for %s index", ann.ErrUnknownParameter, name, n.indexType)
		}
		if err := positiveInt(value); err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
	default:
		return fmt.Errorf("%w: %s", ann.ErrUnknownParameter, name)
	}

	if err := setMeta(n.db, paramPrefix+name, value); err != nil {
		return fmt.Errorf("failed to store parameter: %w", err)
	}
	n.params[name] = value
	return nil
}

func (n *native) ensureTable() error {
	if n.hasTable {
		return nil
	}
	if err := createVectorTable(n.db, n.dim, vecMetric(n.metric)); err != nil {
		return fmt.Errorf("failed to create vector table: %w", err)
	}
	n.hasTable = true
	return nil
}

// AddVector implements ann.Native.
func (n *native) AddVector(v []float32) (int, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if len(v) != n.dim {
		return 0, fmt.Errorf("vector has %d dimensions, index has %d", len(v), n.dim)
	}
	if err := n.ensureTable(); err != nil {
		return 0, err
	}

	id := n.count
	if _, err := n.db.Exec("INSERT INTO vectors (vector_id, embedding) VALUES (?, ?)", id, serializeEmbedding(v)); err != nil {
		return 0, fmt.Errorf("failed to insert vector: %w", err)
	}
	n.count++
	return id, nil
}

// Build implements ann.Native. Existing vectors are discarded.
func (n *native) Build(flat []float32, count, dim int) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	if dim != n.dim {
		return fmt.Errorf("build dimension %d does not match index dimension %d", dim, n.dim)
	}
	if len(flat) != count*dim {
		return fmt.Errorf("build buffer has %d values, want %d", len(flat), count*dim)
	}

	if _, err := n.db.Exec("DROP TABLE IF EXISTS vectors"); err != nil {
		return fmt.Errorf("failed to drop vector table: %w", err)
	}
	n.hasTable = false
	n.count = 0
	if err := n.ensureTable(); err != nil {
		return err
	}

	tx, err := n.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare("INSERT INTO vectors (vector_id, embedding) VALUES (?, ?)")
	if err != nil {
		return fmt.Errorf("failed to prepare insert: %w", err)
	}
	defer stmt.Close()

	for i := 0; i < count; i++ {
		if _, err := stmt.Exec(i, serializeEmbedding(flat[i*dim:(i+1)*dim])); err != nil {
			return fmt.Errorf("failed to insert vector %d: %w", i, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit build: %w", err)
	}
	n.count = count
	return nil
}

// Search implements ann.Native.
func (n *native) Search(q []float32, k int) ([]ann.Neighbor, error) {
	n.mu.RLock()
	defer n.mu.RUnlock()

	if len(q) != n.dim {
		return nil, fmt.Errorf("query has %d dimensions, index has %d", len(q), n.dim)
	}
	if k <= 0 {
		return nil, fmt.Errorf("invalid k: %d", k)
	}
	if !n.hasTable || n.count == 0 {
		return nil, nil
	}
	if k > maxK {
		k = maxK
	}

	rows, err := n.db.Query(`
		SELECT vector_id, distance
		FROM vectors
		WHERE embedding MATCH ?
			AND k = ?
		ORDER BY distance ASC
	`, serializeEmbedding(q), k)
	if err != nil {
		return nil, fmt.Errorf("failed to search: %w", err)
	}
	defer rows.Close()

	var hits []ann.Neighbor
	for rows.Next() {
		var hit ann.Neighbor
		var distance float64
		if err := rows.Scan(&hit.ID, &distance); err != nil {
			return nil, fmt.Errorf("failed to scan search result: %w", err)
		}
		hit.Distance = float32(distance)
		hits = append(hits, hit)
	}
	return hits, rows.Err()
}

// Save implements ann.Native.
func (n *native) Save(folder string) error {
	n.mu.RLock()
	defer n.mu.RUnlock()

	if err := os.MkdirAll(folder, 0755); err != nil {
		return fmt.Errorf("failed to create folder: %w", err)
	}
	dst := filepath.Join(folder, IndexFile)
	if err := os.Remove(dst); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to clear previous snapshot: %w", err)
	}
	if _, err := n.db.Exec("VACUUM INTO ?", dst); err != nil {
		return fmt.Errorf("failed to snapshot database: %w", err)
	}
	return nil
}

// Count implements ann.Native.
func (n *native) Count() int {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.count
}

// Dimension implements ann.Native.
func (n *native) Dimension() int {
	return n.dim
}

// Metric implements ann.MetricReporter.
func (n *native) Metric() ann.Metric {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.metric
}

// Destroy implements ann.Native.
func (n *native) Destroy() error {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.destroyed {
		return nil
	}
	n.destroyed = true

	err := n.db.Close()
	if rmErr := os.Remove(n.path); rmErr != nil && !os.IsNotExist(rmErr) && err == nil {
		err = rmErr
	}
	return err
}

func vecMetric(m ann.Metric) string {
	if m == ann.MetricCosine {
		return "cosine"
	}
	return "l2"
}

func positiveInt(value string) error {
	v, err := strconv.Atoi(value)
	if err != nil {
		return fmt.Errorf("not an integer: %q", value)
	}
	if v <= 0 {
		return fmt.Errorf("must be positive, got %d", v)
	}
	return nil
}

// serializeEmbedding converts a float32 slice to bytes for sqlite-vec.
func serializeEmbedding(embedding []float32) []byte {
	buf := make([]byte, len(embedding)*4)
	for i, v := range embedding {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(v))
	}
	return buf
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		os.Remove(dst)
		return err
	}
	return out.Close()
}
