package checkpoint

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/indexops/bluegreen/pkg/types"
)

var bucketCheckpoints = []byte("checkpoints")

// BoltStore implements Store using BoltDB
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore creates a new BoltDB-backed checkpoint store
func NewBoltStore(dataDir string) (*BoltStore, error) {
	dbPath := filepath.Join(dataDir, "checkpoints.db")

	db, err := bolt.Open(dbPath, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketCheckpoints)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create bucket: %w", err)
	}

	return &BoltStore{db: db}, nil
}

// Close closes the database
func (s *BoltStore) Close() error {
	return s.db.Close()
}

// Save upserts the checkpoint for jobID. The write is committed before
// Save returns; a crash after Save resumes from this record.
func (s *BoltStore) Save(jobID string, cp *types.Checkpoint) error {
	cp.JobID = jobID
	cp.SavedAt = time.Now()
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketCheckpoints)
		data, err := json.Marshal(cp)
		if err != nil {
			return err
		}
		return b.Put([]byte(jobID), data)
	})
}

func (s *BoltStore) Load(jobID string) (*types.Checkpoint, error) {
	var cp types.Checkpoint
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketCheckpoints)
		data := b.Get([]byte(jobID))
		if data == nil {
			return fmt.Errorf("checkpoint %s: %w", jobID, types.ErrNotFound)
		}
		if err := json.Unmarshal(data, &cp); err != nil {
			return fmt.Errorf("%w: corrupt checkpoint: %v", types.ErrUnresumableJob, err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &cp, nil
}

func (s *BoltStore) ListInProgress() ([]string, error) {
	var ids []string
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketCheckpoints)
		return b.ForEach(func(k, v []byte) error {
			var cp types.Checkpoint
			if err := json.Unmarshal(v, &cp); err != nil {
				// Corrupt records are skipped here and surfaced when a
				// resume of that job is attempted.
				return nil
			}
			if !cp.Phase.Terminal() {
				ids = append(ids, string(k))
			}
			return nil
		})
	})
	return ids, err
}

func (s *BoltStore) List() ([]string, error) {
	var ids []string
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketCheckpoints)
		return b.ForEach(func(k, v []byte) error {
			ids = append(ids, string(k))
			return nil
		})
	})
	return ids, err
}

func (s *BoltStore) Delete(jobID string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketCheckpoints)
		data := b.Get([]byte(jobID))
		if data == nil {
			return nil
		}
		var cp types.Checkpoint
		if err := json.Unmarshal(data, &cp); err == nil && !cp.Phase.Terminal() {
			return fmt.Errorf("refusing to delete checkpoint for active job %s", jobID)
		}
		return b.Delete([]byte(jobID))
	})
}
