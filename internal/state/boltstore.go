package state

import (
	"bytes"
	"context"
	"encoding/json"
	"time"

	"github.com/boltdb/bolt"

	"github.com/plugrig/plugrig/internal/fault"
	"github.com/plugrig/plugrig/internal/workflow"
)

var (
	bucketCheckpoints = []byte("checkpoints")
	bucketContexts    = []byte("contexts")
)

// BoltStore persists contexts and checkpoints in a single bolt file.
// Checkpoints are keyed <execution_id>/<checkpoint_id>; because
// checkpoint ids embed a millisecond timestamp, a prefix cursor scan
// already yields them in creation order.
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore opens (or creates) the database file and ensures the
// buckets exist.
func NewBoltStore(path string) (*BoltStore, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fault.Wrap(fault.FileSystemError, err, "opening state database %s", path)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{bucketCheckpoints, bucketContexts} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fault.Wrap(fault.FileSystemError, err, "initializing state database")
	}
	return &BoltStore{db: db}, nil
}

func checkpointKey(executionID, checkpointID string) []byte {
	return []byte(executionID + "/" + checkpointID)
}

// SaveCheckpoint writes the checkpoint in one transaction.
func (s *BoltStore) SaveCheckpoint(_ context.Context, cp *Checkpoint) error {
	if err := cp.Validate(); err != nil {
		return err
	}
	data, err := json.Marshal(cp)
	if err != nil {
		return fault.Wrap(fault.InvalidFormat, err, "encoding checkpoint %s", cp.CheckpointID)
	}
	err = s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketCheckpoints).Put(checkpointKey(cp.ExecutionID, cp.CheckpointID), data)
	})
	if err != nil {
		return fault.Wrap(fault.FileSystemError, err, "saving checkpoint %s", cp.CheckpointID)
	}
	return nil
}

// LoadCheckpoint reads and validates one checkpoint.
func (s *BoltStore) LoadCheckpoint(_ context.Context, executionID, checkpointID string) (*Checkpoint, error) {
	var cp *Checkpoint
	err := s.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(bucketCheckpoints).Get(checkpointKey(executionID, checkpointID))
		if raw == nil {
			return fault.New(fault.NotFound, "checkpoint %s of execution %s", checkpointID, executionID)
		}
		var decoded Checkpoint
		if err := json.Unmarshal(raw, &decoded); err != nil {
			return err
		}
		cp = &decoded
		return nil
	})
	if err != nil {
		return nil, err
	}
	return cp, nil
}

// ListCheckpoints returns every checkpoint of the execution sorted by
// timestamp ascending.
func (s *BoltStore) ListCheckpoints(_ context.Context, executionID string) ([]*Checkpoint, error) {
	var out []*Checkpoint
	prefix := []byte(executionID + "/")
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketCheckpoints).Cursor()
		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			var cp Checkpoint
			if err := json.Unmarshal(v, &cp); err != nil {
				return err
			}
			out = append(out, &cp)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// DeleteCheckpoint removes one checkpoint.
func (s *BoltStore) DeleteCheckpoint(_ context.Context, executionID, checkpointID string) error {
	key := checkpointKey(executionID, checkpointID)
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketCheckpoints)
		if b.Get(key) == nil {
			return fault.New(fault.NotFound, "checkpoint %s of execution %s", checkpointID, executionID)
		}
		return b.Delete(key)
	})
}

// SaveExecutionContext writes the context record.
func (s *BoltStore) SaveExecutionContext(_ context.Context, ec *workflow.ExecutionContext) error {
	if ec == nil || ec.ExecutionID == "" {
		return fault.New(fault.InvalidParameters, "execution context has no id")
	}
	data, err := json.Marshal(ec)
	if err != nil {
		return fault.Wrap(fault.InvalidFormat, err, "encoding execution context %s", ec.ExecutionID)
	}
	err = s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketContexts).Put([]byte(ec.ExecutionID), data)
	})
	if err != nil {
		return fault.Wrap(fault.FileSystemError, err, "saving execution context %s", ec.ExecutionID)
	}
	return nil
}

// LoadExecutionContext reads the context record.
func (s *BoltStore) LoadExecutionContext(_ context.Context, executionID string) (*workflow.ExecutionContext, error) {
	var ec *workflow.ExecutionContext
	err := s.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(bucketContexts).Get([]byte(executionID))
		if raw == nil {
			return fault.New(fault.NotFound, "execution context %s", executionID)
		}
		var decoded workflow.ExecutionContext
		if err := json.Unmarshal(raw, &decoded); err != nil {
			return err
		}
		ec = &decoded
		return nil
	})
	if err != nil {
		return nil, err
	}
	return ec, nil
}

// DeleteExecutionContext removes the context and all its checkpoints.
func (s *BoltStore) DeleteExecutionContext(_ context.Context, executionID string) error {
	prefix := []byte(executionID + "/")
	return s.db.Update(func(tx *bolt.Tx) error {
		contexts := tx.Bucket(bucketContexts)
		if contexts.Get([]byte(executionID)) == nil {
			return fault.New(fault.NotFound, "execution context %s", executionID)
		}
		if err := contexts.Delete([]byte(executionID)); err != nil {
			return err
		}
		c := tx.Bucket(bucketCheckpoints).Cursor()
		for k, _ := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, _ = c.Next() {
			if err := c.Delete(); err != nil {
				return err
			}
		}
		return nil
	})
}

// CleanupOldCheckpoints deletes checkpoints older than maxAge across
// all executions.
func (s *BoltStore) CleanupOldCheckpoints(_ context.Context, maxAge time.Duration) (int, error) {
	cutoff := time.Now().Add(-maxAge)
	removed := 0
	err := s.db.Update(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketCheckpoints).Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var cp Checkpoint
			if err := json.Unmarshal(v, &cp); err != nil {
				return err
			}
			if cp.Timestamp.After(cutoff) {
				continue
			}
			if err := c.Delete(); err != nil {
				return err
			}
			removed++
		}
		return nil
	})
	return removed, err
}

// Close closes the underlying database.
func (s *BoltStore) Close() error { return s.db.Close() }
