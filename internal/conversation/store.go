package conversation

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/pedrazadixon/gemininixiang/internal/geminiweb"
)

var bucketHandles = []byte("conv_handles")

// Store persists conversation handles across restarts in a bbolt file.
type Store struct {
	path string
}

// NewStore ensures the parent directory exists and returns a store bound to
// path.
func NewStore(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create conversation directory: %w", err)
	}
	return &Store{path: path}, nil
}

func (s *Store) open() (*bolt.DB, error) {
	db, err := bolt.Open(s.path, 0o600, &bolt.Options{Timeout: 3 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open conversation store: %w", err)
	}
	return db, nil
}

// Load reads every persisted handle. Malformed entries are skipped.
func (s *Store) Load() (map[string]geminiweb.Handle, error) {
	out := make(map[string]geminiweb.Handle)
	if _, err := os.Stat(s.path); os.IsNotExist(err) {
		return out, nil
	}
	db, err := s.open()
	if err != nil {
		return nil, err
	}
	defer func() { _ = db.Close() }()
	err = db.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(bucketHandles)
		if bucket == nil {
			return nil
		}
		return bucket.ForEach(func(k, v []byte) error {
			var h geminiweb.Handle
			if err := json.Unmarshal(v, &h); err != nil {
				return nil
			}
			out[string(k)] = h
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Save replaces the persisted set with snapshot in one transaction.
func (s *Store) Save(snapshot map[string]geminiweb.Handle) error {
	db, err := s.open()
	if err != nil {
		return err
	}
	defer func() { _ = db.Close() }()
	return db.Update(func(tx *bolt.Tx) error {
		if tx.Bucket(bucketHandles) != nil {
			if err := tx.DeleteBucket(bucketHandles); err != nil {
				return err
			}
		}
		bucket, err := tx.CreateBucket(bucketHandles)
		if err != nil {
			return err
		}
		for key, handle := range snapshot {
			data, err := json.Marshal(handle)
			if err != nil {
				return err
			}
			if err := bucket.Put([]byte(key), data); err != nil {
				return err
			}
		}
		return nil
	})
}
