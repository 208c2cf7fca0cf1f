package storage

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"path/filepath"
	"time"

	"github.com/cuemby/provisor/pkg/types"
	bolt "go.etcd.io/bbolt"
)

var (
	// Bucket names
	bucketCheckpoint  = []byte("checkpoint")
	bucketDeployments = []byte("deployments")

	keyState = []byte("state")
	keyIndex = []byte("index")
)

// BoltStore keeps the state checkpoint and the per-deployment records in a
// single BoltDB file
type BoltStore struct {
	db *bolt.DB
}

// openTimeout bounds the wait for the file lock held by another process
const openTimeout = 5 * time.Second

// NewBoltStore opens (or creates) <dataDir>/provisor.db
func NewBoltStore(dataDir string) (*BoltStore, error) {
	dbPath := filepath.Join(dataDir, "provisor.db")

	db, err := bolt.Open(dbPath, 0600, &bolt.Options{Timeout: openTimeout})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range [][]byte{bucketCheckpoint, bucketDeployments} {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltStore{db: db}, nil
}

// Close closes the database
func (s *BoltStore) Close() error {
	return s.db.Close()
}

// Path returns the database file path
func (s *BoltStore) Path() string {
	return s.db.Path()
}

// PutCheckpoint stores state as the checkpoint taken at journal index idx
func (s *BoltStore) PutCheckpoint(idx uint64, state []byte) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketCheckpoint)
		var buf [8]byte
		binary.BigEndian.PutUint64(buf[:], idx)
		if err := b.Put(keyIndex, buf[:]); err != nil {
			return err
		}
		return b.Put(keyState, state)
	})
}

// Checkpoint returns the stored checkpoint and its journal index. A store
// that was never checkpointed returns index 0 and nil state.
func (s *BoltStore) Checkpoint() (uint64, []byte, error) {
	var (
		idx   uint64
		state []byte
	)
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketCheckpoint)
		if raw := b.Get(keyIndex); len(raw) == 8 {
			idx = binary.BigEndian.Uint64(raw)
		}
		if data := b.Get(keyState); data != nil {
			// BoltDB data is only valid during the transaction
			state = make([]byte, len(data))
			copy(state, data)
		}
		return nil
	})
	return idx, state, err
}

// Snapshot stores state as an unindexed checkpoint, so a BoltStore can be
// used as a Persister on its own
func (s *BoltStore) Snapshot(state []byte) error {
	idx, _, err := s.Checkpoint()
	if err != nil {
		return err
	}
	return s.PutCheckpoint(idx+1, state)
}

// Recover returns the checkpointed state
func (s *BoltStore) Recover() ([]byte, error) {
	_, state, err := s.Checkpoint()
	return state, err
}

// PutDeployment creates or replaces a deployment record
func (s *BoltStore) PutDeployment(rec *DeploymentRecord) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketDeployments)
		data, err := json.Marshal(rec)
		if err != nil {
			return err
		}
		return b.Put([]byte(rec.Name), data)
	})
}

// GetDeployment returns the record for name, or an error wrapping
// types.ErrNotFound
func (s *BoltStore) GetDeployment(name string) (*DeploymentRecord, error) {
	var rec DeploymentRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketDeployments)
		data := b.Get([]byte(name))
		if data == nil {
			return fmt.Errorf("deployment %s: %w", name, types.ErrNotFound)
		}
		return json.Unmarshal(data, &rec)
	})
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// ListDeployments returns every record in key (name) order
func (s *BoltStore) ListDeployments() ([]*DeploymentRecord, error) {
	var recs []*DeploymentRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketDeployments)
		return b.ForEach(func(k, v []byte) error {
			var rec DeploymentRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return err
			}
			recs = append(recs, &rec)
			return nil
		})
	})
	return recs, err
}

// DeleteDeployment removes a record. Deleting a missing record is not an error.
func (s *BoltStore) DeleteDeployment(name string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketDeployments)
		return b.Delete([]byte(name))
	})
}
