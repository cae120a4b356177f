package store

// Store defines the metadata log operations.
type Store interface {
	// Initialize creates the log if absent. Safe to call on every start.
	Initialize() error

	// Append persists r and returns its 0-based ordinal.
	Append(r Record) (int, error)

	// CountLines returns the number of persisted records.
	CountLines() (int, error)

	// ReadBatch returns the records for ids in the same order.
	ReadBatch(ids []int) ([]Record, error)

	// ReadRange returns records [from, to).
	ReadRange(from, to int) ([]Record, error)

	// Truncate keeps only the first n records.
	Truncate(n int) error

	// Replace atomically swaps the log contents for records.
	Replace(records []Record) error

	Stats() (*Stats, error)
	Path() string
	Close() error
}
