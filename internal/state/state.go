package state

import (
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"
)

const (
	// stateDirPerm is the permission mode for the state directory.
	stateDirPerm = fs.FileMode(0o700)

	// stateFilePerm is the permission mode for the state database file.
	stateFilePerm = fs.FileMode(0o600)

	// stateOpenTimeout is the maximum time to wait for the bolt database lock.
	stateOpenTimeout = 5 * time.Second
)

var filesBucket = []byte("files")

// SyncRecord is the persisted sync point for one file. It is created on
// the first successful sync, updated after every subsequent one, and
// never removed automatically.
type SyncRecord struct {
	Name       string    `json:"name"`
	LocalHash  string    `json:"local_hash"`
	RemoteHash string    `json:"remote_hash"`
	RemoteETag string    `json:"remote_etag"`
	SyncTime   time.Time `json:"sync_time"`
}

// Store wraps a bbolt database holding sync records.
type Store struct {
	db *bolt.DB
}

// Open opens the state database at <dir>/state.db, creating both the
// directory and the database if they do not exist.
func Open(dir string) (*Store, error) {
	return OpenAt(filepath.Join(dir, "state.db"))
}

// OpenAt opens a state database at the given path. Useful for tests
// that need an isolated database.
func OpenAt(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), stateDirPerm); err != nil {
		return nil, fmt.Errorf("creating state directory: %w", err)
	}

	db, err := bolt.Open(path, stateFilePerm, &bolt.Options{Timeout: stateOpenTimeout})
	if err != nil {
		return nil, fmt.Errorf("opening state db: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(filesBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing state db: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Get returns the sync record for name, or nil if none has been
// recorded yet.
func (s *Store) Get(name string) (*SyncRecord, error) {
	var rec *SyncRecord

	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(filesBucket).Get([]byte(name))
		if data == nil {
			return nil
		}

		rec = &SyncRecord{}
		if err := json.Unmarshal(data, rec); err != nil {
			return fmt.Errorf("decoding record for %q: %w", name, err)
		}

		return nil
	})
	if err != nil {
		return nil, err
	}

	return rec, nil
}

// Put stores the sync record under its name.
func (s *Store) Put(rec SyncRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encoding record for %q: %w", rec.Name, err)
	}

	err = s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(filesBucket).Put([]byte(rec.Name), data)
	})
	if err != nil {
		return fmt.Errorf("storing record for %q: %w", rec.Name, err)
	}

	return nil
}

// All returns every recorded sync point keyed by file name.
func (s *Store) All() (map[string]SyncRecord, error) {
	out := make(map[string]SyncRecord)

	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(filesBucket).ForEach(func(k, v []byte) error {
			var rec SyncRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return fmt.Errorf("decoding record for %q: %w", k, err)
			}

			out[string(k)] = rec

			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	return out, nil
}
