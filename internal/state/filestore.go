package state

import (
	"context"
	"encoding/json"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/plugrig/plugrig/internal/fault"
	"github.com/plugrig/plugrig/internal/workflow"
)

const (
	contextFileName  = "context.json"
	checkpointPrefix = "checkpoint_"
)

// FileStore persists contexts and checkpoints as JSON files:
//
//	<base>/<execution_id>/context.json
//	<base>/<execution_id>/checkpoint_<execution_id>_<ms>.json
//
// Writes go to a temp file and rename into place, so readers never
// observe a partial file. Writes within one execution are serialized
// by a per-execution mutex; reads take no lock.
type FileStore struct {
	base string

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewFileStore creates the base directory if needed.
func NewFileStore(base string) (*FileStore, error) {
	if base == "" {
		return nil, fault.New(fault.InvalidConfiguration, "file store base directory is empty")
	}
	if err := os.MkdirAll(base, 0o755); err != nil {
		return nil, fault.Wrap(fault.FileSystemError, err, "creating state directory %s", base)
	}
	return &FileStore{base: base, locks: make(map[string]*sync.Mutex)}, nil
}

func (s *FileStore) lockFor(executionID string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[executionID]
	if !ok {
		l = &sync.Mutex{}
		s.locks[executionID] = l
	}
	return l
}

func (s *FileStore) execDir(executionID string) string {
	return filepath.Join(s.base, executionID)
}

func (s *FileStore) writeAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fault.Wrap(fault.FileSystemError, err, "creating %s", dir)
	}
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return fault.Wrap(fault.FileSystemError, err, "creating temp file in %s", dir)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fault.Wrap(fault.FileSystemError, err, "writing %s", path)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fault.Wrap(fault.FileSystemError, err, "closing temp file for %s", path)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fault.Wrap(fault.FileSystemError, err, "committing %s", path)
	}
	return nil
}

// SaveCheckpoint writes the checkpoint file atomically.
func (s *FileStore) SaveCheckpoint(_ context.Context, cp *Checkpoint) error {
	if err := cp.Validate(); err != nil {
		return err
	}
	data, err := json.MarshalIndent(cp, "", "  ")
	if err != nil {
		return fault.Wrap(fault.InvalidFormat, err, "encoding checkpoint %s", cp.CheckpointID)
	}

	l := s.lockFor(cp.ExecutionID)
	l.Lock()
	defer l.Unlock()
	return s.writeAtomic(s.checkpointPath(cp.ExecutionID, cp.CheckpointID), data)
}

func (s *FileStore) checkpointPath(executionID, checkpointID string) string {
	return filepath.Join(s.execDir(executionID), checkpointPrefix+checkpointID+".json")
}

// LoadCheckpoint reads and validates one checkpoint.
func (s *FileStore) LoadCheckpoint(_ context.Context, executionID, checkpointID string) (*Checkpoint, error) {
	data, err := os.ReadFile(s.checkpointPath(executionID, checkpointID))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fault.New(fault.NotFound, "checkpoint %s of execution %s", checkpointID, executionID)
		}
		return nil, fault.Wrap(fault.FileSystemError, err, "reading checkpoint %s", checkpointID)
	}
	var cp Checkpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		return nil, err
	}
	return &cp, nil
}

// ListCheckpoints returns every checkpoint of the execution sorted by
// timestamp ascending. A missing execution directory yields an empty
// list.
func (s *FileStore) ListCheckpoints(_ context.Context, executionID string) ([]*Checkpoint, error) {
	entries, err := os.ReadDir(s.execDir(executionID))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fault.Wrap(fault.FileSystemError, err, "listing checkpoints of %s", executionID)
	}

	var out []*Checkpoint
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasPrefix(name, checkpointPrefix) || !strings.HasSuffix(name, ".json") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(s.execDir(executionID), name))
		if err != nil {
			return nil, fault.Wrap(fault.FileSystemError, err, "reading %s", name)
		}
		var cp Checkpoint
		if err := json.Unmarshal(data, &cp); err != nil {
			return nil, err
		}
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out, nil
}

// DeleteCheckpoint removes one checkpoint file.
func (s *FileStore) DeleteCheckpoint(_ context.Context, executionID, checkpointID string) error {
	l := s.lockFor(executionID)
	l.Lock()
	defer l.Unlock()

	err := os.Remove(s.checkpointPath(executionID, checkpointID))
	if errors.Is(err, fs.ErrNotExist) {
		return fault.New(fault.NotFound, "checkpoint %s of execution %s", checkpointID, executionID)
	}
	if err != nil {
		return fault.Wrap(fault.FileSystemError, err, "deleting checkpoint %s", checkpointID)
	}
	return nil
}

// SaveExecutionContext writes context.json atomically.
func (s *FileStore) SaveExecutionContext(_ context.Context, ec *workflow.ExecutionContext) error {
	if ec == nil || ec.ExecutionID == "" {
		return fault.New(fault.InvalidParameters, "execution context has no id")
	}
	data, err := json.MarshalIndent(ec, "", "  ")
	if err != nil {
		return fault.Wrap(fault.InvalidFormat, err, "encoding execution context %s", ec.ExecutionID)
	}

	l := s.lockFor(ec.ExecutionID)
	l.Lock()
	defer l.Unlock()
	return s.writeAtomic(filepath.Join(s.execDir(ec.ExecutionID), contextFileName), data)
}

// LoadExecutionContext reads context.json.
func (s *FileStore) LoadExecutionContext(_ context.Context, executionID string) (*workflow.ExecutionContext, error) {
	data, err := os.ReadFile(filepath.Join(s.execDir(executionID), contextFileName))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fault.New(fault.NotFound, "execution context %s", executionID)
		}
		return nil, fault.Wrap(fault.FileSystemError, err, "reading execution context %s", executionID)
	}
	var ec workflow.ExecutionContext
	if err := json.Unmarshal(data, &ec); err != nil {
		return nil, err
	}
	return &ec, nil
}

// DeleteExecutionContext removes the whole execution directory,
// checkpoints included.
func (s *FileStore) DeleteExecutionContext(_ context.Context, executionID string) error {
	l := s.lockFor(executionID)
	l.Lock()
	defer l.Unlock()

	dir := s.execDir(executionID)
	if _, err := os.Stat(dir); errors.Is(err, fs.ErrNotExist) {
		return fault.New(fault.NotFound, "execution context %s", executionID)
	}
	if err := os.RemoveAll(dir); err != nil {
		return fault.Wrap(fault.FileSystemError, err, "deleting execution %s", executionID)
	}
	return nil
}

// CleanupOldCheckpoints deletes checkpoints whose timestamp is older
// than maxAge, across all executions.
func (s *FileStore) CleanupOldCheckpoints(ctx context.Context, maxAge time.Duration) (int, error) {
	entries, err := os.ReadDir(s.base)
	if err != nil {
		return 0, fault.Wrap(fault.FileSystemError, err, "listing state directory")
	}

	cutoff := time.Now().Add(-maxAge)
	removed := 0
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		executionID := entry.Name()
		checkpoints, err := s.ListCheckpoints(ctx, executionID)
		if err != nil {
			return removed, err
		}
		for _, cp := range checkpoints {
			if cp.Timestamp.After(cutoff) {
				continue
			}
			if err := s.DeleteCheckpoint(ctx, executionID, cp.CheckpointID); err != nil {
				return removed, err
			}
			removed++
		}
	}
	return removed, nil
}

// Close is a no-op for the file store.
func (s *FileStore) Close() error { return nil }
