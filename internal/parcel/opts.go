package parcel

import (
	"fmt"
	"os"

	"github.com/dgraph-io/badger/v4"
)

// dbOptions keeps the safe metadata small: one version per key and no
// badger log output mixed into command output
func dbOptions(path string) badger.Options {
	return badger.DefaultOptions(path).
		WithNumVersionsToKeep(1).
		WithLogger(nil)
}

// InitDB initializes and returns a BadgerDB instance
func InitDB(path string) (*badger.DB, error) {
	if err := os.MkdirAll(path, 0o755); err != nil {
		return nil, fmt.Errorf("creating database directory: %w", err)
	}

	db, err := badger.Open(dbOptions(path))
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	return db, nil
}
