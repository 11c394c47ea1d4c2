// Package persist keeps controller state that should survive restarts: the
// last applied channel assignment and the failed-handover records.
package persist

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/markus-lassfolk/airbalance/pkg"
	"github.com/markus-lassfolk/airbalance/pkg/handover"
	"github.com/markus-lassfolk/airbalance/pkg/logx"
)

// Bucket names for the bbolt database
const (
	AssignmentBucket   = "assignment"
	UnsuccessfulBucket = "unsuccessful"
	MetadataBucket     = "metadata"
)

// StateStore is a bbolt-backed snapshot of durable controller state
type StateStore struct {
	db     *bolt.DB
	path   string
	logger *logx.Logger
}

// Open opens (or creates) the state database at path
func Open(path string, logger *logx.Logger) (*StateStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create state directory: %w", err)
	}

	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open state database: %w", err)
	}

	s := &StateStore{db: db, path: path, logger: logger}
	if err := s.initializeBuckets(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize state buckets: %w", err)
	}

	logger.Info("state_store_initialized", "path", path)
	return s, nil
}

func (s *StateStore) initializeBuckets() error {
	return s.db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range []string{AssignmentBucket, UnsuccessfulBucket, MetadataBucket} {
			if _, err := tx.CreateBucketIfNotExists([]byte(bucket)); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})
}

// SaveAssignment replaces the stored channel assignment
func (s *StateStore) SaveAssignment(assignment map[pkg.APID]pkg.Channel) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		if err := tx.DeleteBucket([]byte(AssignmentBucket)); err != nil && err != bolt.ErrBucketNotFound {
			return err
		}
		bucket, err := tx.CreateBucket([]byte(AssignmentBucket))
		if err != nil {
			return err
		}
		for ap, ch := range assignment {
			if err := bucket.Put([]byte(ap), []byte(strconv.Itoa(int(ch)))); err != nil {
				return err
			}
		}
		return touch(tx, "assignment_saved_at")
	})
}

// LoadAssignment returns the stored channel assignment
func (s *StateStore) LoadAssignment() (map[pkg.APID]pkg.Channel, error) {
	out := make(map[pkg.APID]pkg.Channel)
	err := s.db.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket([]byte(AssignmentBucket))
		if bucket == nil {
			return fmt.Errorf("assignment bucket not found")
		}
		return bucket.ForEach(func(k, v []byte) error {
			ch, err := strconv.Atoi(string(v))
			if err != nil {
				return fmt.Errorf("invalid channel for %s: %w", k, err)
			}
			out[pkg.APID(k)] = pkg.Channel(ch)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// SaveUnsuccessful replaces the stored failed-handover records
func (s *StateStore) SaveUnsuccessful(records []handover.Unsuccessful) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		if err := tx.DeleteBucket([]byte(UnsuccessfulBucket)); err != nil && err != bolt.ErrBucketNotFound {
			return err
		}
		bucket, err := tx.CreateBucket([]byte(UnsuccessfulBucket))
		if err != nil {
			return err
		}
		for _, rec := range records {
			data, err := json.Marshal(rec)
			if err != nil {
				return fmt.Errorf("failed to marshal record %s: %w", rec.Key, err)
			}
			if err := bucket.Put([]byte(rec.Key.String()), data); err != nil {
				return err
			}
		}
		return touch(tx, "unsuccessful_saved_at")
	})
}

// LoadUnsuccessful returns the stored failed-handover records. Undecodable
// entries are skipped.
func (s *StateStore) LoadUnsuccessful() ([]handover.Unsuccessful, error) {
	var out []handover.Unsuccessful
	err := s.db.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket([]byte(UnsuccessfulBucket))
		if bucket == nil {
			return fmt.Errorf("unsuccessful bucket not found")
		}
		return bucket.ForEach(func(k, v []byte) error {
			var rec handover.Unsuccessful
			if err := json.Unmarshal(v, &rec); err != nil {
				s.logger.Warn("Skipping corrupt handover record", "key", string(k), "error", err)
				return nil
			}
			out = append(out, rec)
			return nil
		})
	})
	return out, err
}

// SavedAt returns when a metadata key was last written
func (s *StateStore) SavedAt(key string) (time.Time, bool) {
	var at time.Time
	found := false
	s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket([]byte(MetadataBucket)).Get([]byte(key))
		if v == nil {
			return nil
		}
		if err := at.UnmarshalText(v); err == nil {
			found = true
		}
		return nil
	})
	return at, found
}

// Close closes the database
func (s *StateStore) Close() error {
	return s.db.Close()
}

func touch(tx *bolt.Tx, key string) error {
	stamp, err := time.Now().UTC().MarshalText()
	if err != nil {
		return err
	}
	return tx.Bucket([]byte(MetadataBucket)).Put([]byte(key), stamp)
}
