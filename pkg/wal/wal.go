package wal

import (
	"bytes"
	"encoding/json"
	"fmt"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/indexops/bluegreen/pkg/types"
)

var bucketWAL = []byte("wal")

// BoltLog is the append-only write-ahead log backing the dual-write
// reconciler. Entries are keyed jobID/seq so one scan covers one job.
type BoltLog struct {
	db *bolt.DB
}

// NewBoltLog opens (or creates) the WAL database in dataDir.
func NewBoltLog(dataDir string) (*BoltLog, error) {
	dbPath := filepath.Join(dataDir, "wal.db")

	db, err := bolt.Open(dbPath, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketWAL)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create bucket: %w", err)
	}

	return &BoltLog{db: db}, nil
}

// Close closes the database
func (l *BoltLog) Close() error {
	return l.db.Close()
}

func entryKey(jobID string, seq uint64) []byte {
	return []byte(fmt.Sprintf("%s/%020d", jobID, seq))
}

// Append assigns a sequence number and durably records the entry as
// Pending. The commit completes before Append returns.
func (l *BoltLog) Append(entry *types.WALEntry) error {
	return l.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketWAL)
		seq, err := b.NextSequence()
		if err != nil {
			return err
		}
		entry.Seq = seq
		entry.Status = types.WALPending
		if entry.CreatedAt.IsZero() {
			entry.CreatedAt = time.Now()
		}
		data, err := json.Marshal(entry)
		if err != nil {
			return err
		}
		return b.Put(entryKey(entry.JobID, seq), data)
	})
}

// Update rewrites an existing entry in place (status and attempt count).
func (l *BoltLog) Update(entry *types.WALEntry) error {
	return l.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketWAL)
		data, err := json.Marshal(entry)
		if err != nil {
			return err
		}
		return b.Put(entryKey(entry.JobID, entry.Seq), data)
	})
}

// Pending returns, in sequence order, the entries for jobID not yet
// confirmed in the new index and not parked as poison.
func (l *BoltLog) Pending(jobID string) ([]*types.WALEntry, error) {
	var entries []*types.WALEntry
	err := l.scan(jobID, func(e *types.WALEntry) {
		if e.Status == types.WALPending || e.Status == types.WALAppliedOld {
			entries = append(entries, e)
		}
	})
	return entries, err
}

// Parked returns the poison entries for jobID.
func (l *BoltLog) Parked(jobID string) ([]*types.WALEntry, error) {
	var entries []*types.WALEntry
	err := l.scan(jobID, func(e *types.WALEntry) {
		if e.Status == types.WALFailed {
			entries = append(entries, e)
		}
	})
	return entries, err
}

// Drained reports whether every entry for jobID is confirmed in the new
// index or parked.
func (l *BoltLog) Drained(jobID string) (bool, error) {
	pending, err := l.Pending(jobID)
	if err != nil {
		return false, err
	}
	return len(pending) == 0, nil
}

// PurgeApplied removes fully applied entries for jobID. Parked poison
// entries are retained for the operator.
func (l *BoltLog) PurgeApplied(jobID string) error {
	prefix := []byte(jobID + "/")
	return l.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketWAL)
		c := b.Cursor()
		var drop [][]byte
		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			var e types.WALEntry
			if err := json.Unmarshal(v, &e); err != nil {
				continue
			}
			if e.Status == types.WALAppliedNew {
				key := make([]byte, len(k))
				copy(key, k)
				drop = append(drop, key)
			}
		}
		for _, k := range drop {
			if err := b.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
}

func (l *BoltLog) scan(jobID string, fn func(*types.WALEntry)) error {
	prefix := []byte(jobID + "/")
	return l.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketWAL)
		c := b.Cursor()
		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			var e types.WALEntry
			if err := json.Unmarshal(v, &e); err != nil {
				return fmt.Errorf("corrupt wal entry %s: %w", k, err)
			}
			fn(&e)
		}
		return nil
	})
}
