package invoice

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"go.etcd.io/bbolt"
)

const (
	invoiceBucketName   = "invoices"
	processedBucketName = "processed_messages"
)

// TimeSource provides the current time
type TimeSource interface {
	Now() time.Time
}

type defaultTimeSource struct{}

func (defaultTimeSource) Now() time.Time {
	return time.Now().UTC()
}

// boltRecord is the stored form of a Record; status is derived and never stored
type boltRecord struct {
	ID              int64     `json:"id"`
	Schema          Schema    `json:"schema"`
	FilePath        string    `json:"file_path"`
	SourceMessageID string    `json:"source_message_id,omitempty"`
	ProcessedAt     time.Time `json:"processed_at"`
}

// BoltRepository implements Store using BoltDB
type BoltRepository struct {
	db         *bbolt.DB
	timeSource TimeSource

	mu   sync.Mutex
	last time.Time
}

// NewBoltRepository creates a new BoltRepository instance
func NewBoltRepository(path string) (*BoltRepository, error) {
	return NewBoltRepositoryWithTime(path, defaultTimeSource{})
}

// NewBoltRepositoryWithTime creates a BoltRepository with a custom clock for testing
func NewBoltRepositoryWithTime(path string, timeSource TimeSource) (*BoltRepository, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("%w: creating database directory: %w", ErrPersistence, err)
	}

	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("%w: opening boltdb: %w", ErrPersistence, err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists([]byte(invoiceBucketName)); err != nil {
			return err
		}
		if _, err := tx.CreateBucketIfNotExists([]byte(processedBucketName)); err != nil {
			return err
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: creating buckets: %w", ErrPersistence, err)
	}

	return &BoltRepository{db: db, timeSource: timeSource}, nil
}

// now returns the insert timestamp, never earlier than the previous one
func (b *BoltRepository) now() time.Time {
	b.mu.Lock()
	defer b.mu.Unlock()
	t := b.timeSource.Now()
	if t.Before(b.last) {
		t = b.last
	}
	b.last = t
	return t
}

// Save appends a record to the invoices bucket
func (b *BoltRepository) Save(_ context.Context, schema Schema, file StoredFile, messageID string) (*Record, error) {
	var rec boltRecord
	err := b.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(invoiceBucketName))
		seq, err := bucket.NextSequence()
		if err != nil {
			return fmt.Errorf("allocating id: %w", err)
		}
		rec = boltRecord{
			ID:              int64(seq),
			Schema:          schema,
			FilePath:        file.Path,
			SourceMessageID: messageID,
			ProcessedAt:     b.now(),
		}
		data, err := json.Marshal(rec)
		if err != nil {
			return fmt.Errorf("marshaling invoice: %w", err)
		}
		return bucket.Put(idKey(rec.ID), data)
	})
	if err != nil {
		return nil, fmt.Errorf("%w: saving invoice: %w", ErrPersistence, err)
	}
	return rec.toRecord(), nil
}

// QueryAll returns all invoices, newest first
func (b *BoltRepository) QueryAll(_ context.Context) ([]*Record, error) {
	records := make([]*Record, 0)
	err := b.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(invoiceBucketName))
		return bucket.ForEach(func(k, v []byte) error {
			var rec boltRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return fmt.Errorf("unmarshaling invoice %d: %w", binary.BigEndian.Uint64(k), err)
			}
			records = append(records, rec.toRecord())
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("%w: listing invoices: %w", ErrPersistence, err)
	}

	sort.SliceStable(records, func(i, j int) bool {
		if !records[i].ProcessedAt.Equal(records[j].ProcessedAt) {
			return records[i].ProcessedAt.After(records[j].ProcessedAt)
		}
		return records[i].ID > records[j].ID
	})
	return records, nil
}

// Get retrieves an invoice by ID
func (b *BoltRepository) Get(_ context.Context, id int64) (*Record, error) {
	var rec *boltRecord
	err := b.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket([]byte(invoiceBucketName)).Get(idKey(id))
		if data == nil {
			return nil
		}
		return json.Unmarshal(data, &rec)
	})
	if err != nil {
		return nil, fmt.Errorf("%w: getting invoice %d: %w", ErrPersistence, id, err)
	}
	if rec == nil {
		return nil, fmt.Errorf("invoice %d: %w", id, ErrNotFound)
	}
	return rec.toRecord(), nil
}

// IsProcessed reports whether a message id is in the ledger
func (b *BoltRepository) IsProcessed(_ context.Context, messageID string) (bool, error) {
	var found bool
	err := b.db.View(func(tx *bbolt.Tx) error {
		found = tx.Bucket([]byte(processedBucketName)).Get([]byte(messageID)) != nil
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("%w: reading ledger: %w", ErrPersistence, err)
	}
	return found, nil
}

// MarkProcessed adds a message id to the ledger
func (b *BoltRepository) MarkProcessed(_ context.Context, messageID string) error {
	err := b.db.Update(func(tx *bbolt.Tx) error {
		stamp, err := b.now().MarshalText()
		if err != nil {
			return err
		}
		return tx.Bucket([]byte(processedBucketName)).Put([]byte(messageID), stamp)
	})
	if err != nil {
		return fmt.Errorf("%w: marking %s processed: %w", ErrPersistence, messageID, err)
	}
	return nil
}

// Close closes the database connection
func (b *BoltRepository) Close() error {
	return b.db.Close()
}

func (r boltRecord) toRecord() *Record {
	return &Record{
		ID:              r.ID,
		Schema:          r.Schema,
		FilePath:        r.FilePath,
		SourceMessageID: r.SourceMessageID,
		ProcessedAt:     r.ProcessedAt,
	}
}

func idKey(id int64) []byte {
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, uint64(id))
	return key
}
