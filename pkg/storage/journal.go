package storage

import (
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/cuemby/provisor/pkg/metrics"
	"github.com/hashicorp/raft"
	raftboltdb "github.com/hashicorp/raft-boltdb"
	"github.com/rs/zerolog"
)

// DefaultCheckpointEvery is how many snapshots the journal appends before
// it checkpoints and truncates
const DefaultCheckpointEvery = 64

var keyCheckpointIndex = []byte("checkpoint_index")

// JournalConfig holds journal configuration
type JournalConfig struct {
	// DataDir holds journal.db (the log) and provisor.db (checkpoints)
	DataDir string

	// CheckpointEvery is the number of appended entries between checkpoints
	CheckpointEvery int

	Logger zerolog.Logger
}

// Journal is a Persister that appends every snapshot to a raft log store
// and periodically folds the latest one into a BoltStore checkpoint
type Journal struct {
	mu    sync.Mutex
	wal   *raftboltdb.BoltStore
	store *BoltStore

	every   int
	pending int
	logger  zerolog.Logger
}

// OpenJournal opens the log and checkpoint stores under cfg.DataDir
func OpenJournal(cfg JournalConfig) (*Journal, error) {
	if cfg.CheckpointEvery <= 0 {
		cfg.CheckpointEvery = DefaultCheckpointEvery
	}

	store, err := NewBoltStore(cfg.DataDir)
	if err != nil {
		return nil, err
	}

	wal, err := raftboltdb.NewBoltStore(filepath.Join(cfg.DataDir, "journal.db"))
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("failed to open journal: %w", err)
	}

	j := &Journal{
		wal:    wal,
		store:  store,
		every:  cfg.CheckpointEvery,
		logger: cfg.Logger,
	}

	// Entries appended since the last checkpoint count toward the next one
	last, err := wal.LastIndex()
	if err != nil {
		j.Close()
		return nil, fmt.Errorf("failed to read journal index: %w", err)
	}
	cpIdx, _, err := store.Checkpoint()
	if err != nil {
		j.Close()
		return nil, fmt.Errorf("failed to read checkpoint: %w", err)
	}
	if last > cpIdx {
		j.pending = int(last - cpIdx)
	}
	return j, nil
}

// Store returns the checkpoint store, which also holds deployment records
func (j *Journal) Store() *BoltStore {
	return j.store
}

// Snapshot appends state to the log, checkpointing when due
func (j *Journal) Snapshot(state []byte) error {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.SnapshotDuration)

	j.mu.Lock()
	defer j.mu.Unlock()

	last, err := j.wal.LastIndex()
	if err != nil {
		return fmt.Errorf("failed to read journal index: %w", err)
	}
	if last == 0 {
		// A fresh log continues after the last checkpoint
		last, err = j.wal.GetUint64(keyCheckpointIndex)
		if err != nil {
			last = 0
		}
	}

	entry := &raft.Log{
		Index:      last + 1,
		Term:       1,
		Type:       raft.LogCommand,
		Data:       state,
		AppendedAt: time.Now(),
	}
	if err := j.wal.StoreLog(entry); err != nil {
		return fmt.Errorf("failed to append to journal: %w", err)
	}

	j.pending++
	if j.pending >= j.every {
		if err := j.checkpoint(entry.Index, state); err != nil {
			// The entry is in the log, so nothing is lost
			j.logger.Error().Err(err).Uint64("index", entry.Index).Msg("Journal checkpoint failed")
		}
	}
	return nil
}

// checkpoint copies state into the BoltStore and drops every log entry
// before idx. The entry at idx is kept so the log index keeps increasing.
func (j *Journal) checkpoint(idx uint64, state []byte) error {
	if err := j.store.PutCheckpoint(idx, state); err != nil {
		return err
	}
	if err := j.wal.SetUint64(keyCheckpointIndex, idx); err != nil {
		return err
	}
	first, err := j.wal.FirstIndex()
	if err != nil {
		return err
	}
	if first > 0 && first < idx {
		if err := j.wal.DeleteRange(first, idx-1); err != nil {
			return fmt.Errorf("failed to truncate journal: %w", err)
		}
	}
	j.pending = 0

	j.logger.Debug().Uint64("index", idx).Int("bytes", len(state)).Msg("Journal checkpointed")
	return nil
}

// Recover returns the newest of the log tail and the checkpoint
func (j *Journal) Recover() ([]byte, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	cpIdx, cpState, err := j.store.Checkpoint()
	if err != nil {
		return nil, fmt.Errorf("failed to read checkpoint: %w", err)
	}

	last, err := j.wal.LastIndex()
	if err != nil {
		return nil, fmt.Errorf("failed to read journal index: %w", err)
	}
	if last == 0 || last <= cpIdx {
		return cpState, nil
	}

	var entry raft.Log
	if err := j.wal.GetLog(last, &entry); err != nil {
		if errors.Is(err, raft.ErrLogNotFound) {
			return cpState, nil
		}
		return nil, fmt.Errorf("failed to read journal entry %d: %w", last, err)
	}
	return entry.Data, nil
}

// Compact forces a checkpoint of the newest entry
func (j *Journal) Compact() error {
	state, err := j.Recover()
	if err != nil || state == nil {
		return err
	}

	j.mu.Lock()
	defer j.mu.Unlock()
	last, err := j.wal.LastIndex()
	if err != nil || last == 0 {
		return err
	}
	return j.checkpoint(last, state)
}

// Len returns the number of entries currently held in the log
func (j *Journal) Len() (int, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	first, last, err := j.bounds()
	if err != nil || last == 0 {
		return 0, err
	}
	return int(last-first) + 1, nil
}

func (j *Journal) bounds() (uint64, uint64, error) {
	first, err := j.wal.FirstIndex()
	if err != nil {
		return 0, 0, fmt.Errorf("failed to read journal index: %w", err)
	}
	last, err := j.wal.LastIndex()
	if err != nil {
		return 0, 0, fmt.Errorf("failed to read journal index: %w", err)
	}
	return first, last, nil
}

// Close closes both stores
func (j *Journal) Close() error {
	werr := j.wal.Close()
	serr := j.store.Close()
	return errors.Join(werr, serr)
}
