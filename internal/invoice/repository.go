package invoice

import (
	"context"
	"fmt"
)

// Repository persists extracted invoices and answers queries over them.
// It is append-only: there is no update or delete.
type Repository interface {
	// Save inserts a new record; the store assigns the id and processed_at
	Save(ctx context.Context, schema Schema, file StoredFile, messageID string) (*Record, error)

	// QueryAll returns every record, newest processed_at first
	QueryAll(ctx context.Context) ([]*Record, error)

	// Get returns a single record by id
	Get(ctx context.Context, id int64) (*Record, error)

	// Close closes the underlying store
	Close() error
}

// Ledger remembers which mailbox messages have already been ingested. Keys
// are message IDs, or "<message id>/<index>/<filename>" for a single saved
// attachment of a message that is not yet done.
type Ledger interface {
	IsProcessed(ctx context.Context, messageID string) (bool, error)
	MarkProcessed(ctx context.Context, messageID string) error
}

// Store is a Repository that also keeps the processed-message ledger
type Store interface {
	Repository
	Ledger
}

// Open opens the repository for the given driver ("sqlite" or "bolt")
func Open(driver, path string) (Store, error) {
	switch driver {
	case "sqlite", "":
		return NewSQLiteRepository(path)
	case "bolt":
		return NewBoltRepository(path)
	default:
		return nil, fmt.Errorf("unknown database driver %q (valid: sqlite, bolt)", driver)
	}
}
