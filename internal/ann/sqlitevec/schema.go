package sqlitevec

import (
	"database/sql"
	"fmt"
	"strconv"

	"github.com/charmbracelet/log"
)

const currentSchemaVersion = 1

// Schema definitions
const schemaVersionTable = `
CREATE TABLE IF NOT EXISTS schema_version (
	version INTEGER PRIMARY KEY
);
`

const engineMetaTable = `
CREATE TABLE IF NOT EXISTS engine_meta (
	key TEXT PRIMARY KEY,
	value TEXT NOT NULL
);
`

// Keys in engine_meta. Parameters are stored under paramPrefix + name.
const (
	metaIndexType = "index_type"
	metaValueType = "value_type"
	metaDimension = "dimension"
	paramPrefix   = "param."
)

// initSchema creates the bookkeeping tables. The vector table itself is created
// lazily because its distance metric is a parameter.
func initSchema(db *sql.DB) error {
	if _, err := db.Exec(schemaVersionTable); err != nil {
		return fmt.Errorf("failed to create schema_version table: %w", err)
	}

	var version int
	err := db.QueryRow("SELECT version FROM schema_version ORDER BY version DESC LIMIT 1").Scan(&version)
	if err == sql.ErrNoRows {
		version = 0
	} else if err != nil {
		return fmt.Errorf("failed to check schema version: %w", err)
	}

	if version >= currentSchemaVersion {
		log.Debug("Engine schema is up to date", "version", version)
		return nil
	}

	if version < 1 {
		if err := migrateV1(db); err != nil {
			return fmt.Errorf("failed to migrate to v1: %w", err)
		}
	}

	return nil
}

// migrateV1 creates the initial schema.
func migrateV1(db *sql.DB) error {
	if _, err := db.Exec(engineMetaTable); err != nil {
		return fmt.Errorf("failed to create engine_meta table: %w", err)
	}

	if _, err := db.Exec("INSERT OR REPLACE INTO schema_version (version) VALUES (?)", 1); err != nil {
		return fmt.Errorf("failed to update schema version: %w", err)
	}

	return nil
}

// createVectorTable creates the sqlite-vec virtual table.
func createVectorTable(db *sql.DB, dimensions int, metric string) error {
	query := fmt.Sprintf(`
		CREATE VIRTUAL TABLE IF NOT EXISTS vectors USING vec0(
			vector_id INTEGER PRIMARY KEY,
			embedding float[%d] distance_metric=%s
		);
	`, dimensions, metric)

	_, err := db.Exec(query)
	return err
}

// vectorTableExists reports whether the vec0 table has been created.
func vectorTableExists(db *sql.DB) (bool, error) {
	var name string
	err := db.QueryRow(`
		SELECT name FROM sqlite_master
		WHERE type='table' AND name='vectors'
	`).Scan(&name)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to check vector table: %w", err)
	}
	return true, nil
}

func setMeta(db *sql.DB, key, value string) error {
	_, err := db.Exec("INSERT OR REPLACE INTO engine_meta (key, value) VALUES (?, ?)", key, value)
	return err
}

func getMeta(db *sql.DB, key string) (string, bool, error) {
	var value string
	err := db.QueryRow("SELECT value FROM engine_meta WHERE key = ?", key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return value, true, nil
}

func getMetaInt(db *sql.DB, key string) (int, error) {
	value, ok, err := getMeta(db, key)
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, fmt.Errorf("missing %s in engine metadata", key)
	}
	return strconv.Atoi(value)
}
