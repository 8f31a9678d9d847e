package storage

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/boltdb/bolt"

	"github.com/luoyjx/crdt-swarm/proto"
)

var (
	// ErrNotFound is returned when no snapshot is stored under a name
	ErrNotFound = errors.New("snapshot not found")
	// ErrStoreClosed is returned by every operation after Close
	ErrStoreClosed = errors.New("store closed")
)

var (
	bucketSnapshots = []byte("snapshots")
	bucketMeta      = []byte("meta")

	keyReplicaID = []byte("replica_id")
)

// SnapshotStore persists the latest envelope of every container so a
// restarted replica can merge its previous state back in.
type SnapshotStore struct {
	mu sync.RWMutex
	db *bolt.DB
}

// Open opens or creates the bolt database at path
func Open(path string) (*SnapshotStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open bolt database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{bucketSnapshots, bucketMeta} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return fmt.Errorf("failed to create %s bucket: %w", name, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &SnapshotStore{db: db}, nil
}

// Save stores env under its container name, replacing any previous snapshot
func (s *SnapshotStore) Save(env *proto.Envelope) error {
	if env.Name == "" {
		return fmt.Errorf("save snapshot: empty container name")
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.db == nil {
		return ErrStoreClosed
	}

	data := env.Marshal()
	err := s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketSnapshots).Put([]byte(env.Name), data)
	})
	if err != nil {
		return fmt.Errorf("save snapshot %q: %w", env.Name, err)
	}
	return nil
}

// Load returns the snapshot stored under name
func (s *SnapshotStore) Load(name string) (*proto.Envelope, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.db == nil {
		return nil, ErrStoreClosed
	}

	env := &proto.Envelope{}
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketSnapshots).Get([]byte(name))
		if data == nil {
			return ErrNotFound
		}
		// data is only valid inside the transaction; Unmarshal copies it.
		return env.Unmarshal(data)
	})
	if err != nil {
		return nil, fmt.Errorf("load snapshot %q: %w", name, err)
	}
	return env, nil
}

// ForEach calls fn for every stored snapshot in name order. Iteration stops
// at the first error fn returns.
func (s *SnapshotStore) ForEach(fn func(env *proto.Envelope) error) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.db == nil {
		return ErrStoreClosed
	}

	return s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketSnapshots).ForEach(func(k, v []byte) error {
			env := &proto.Envelope{}
			if err := env.Unmarshal(v); err != nil {
				return fmt.Errorf("decode snapshot %q: %w", k, err)
			}
			return fn(env)
		})
	})
}

// Delete removes the snapshot stored under name. Deleting a missing name is
// not an error.
func (s *SnapshotStore) Delete(name string) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.db == nil {
		return ErrStoreClosed
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketSnapshots).Delete([]byte(name))
	})
}

// ReplicaID returns the persisted replica ID, or "" if none was saved
func (s *SnapshotStore) ReplicaID() (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.db == nil {
		return "", ErrStoreClosed
	}

	var id string
	err := s.db.View(func(tx *bolt.Tx) error {
		id = string(tx.Bucket(bucketMeta).Get(keyReplicaID))
		return nil
	})
	return id, err
}

// SetReplicaID persists the replica ID
func (s *SnapshotStore) SetReplicaID(id string) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.db == nil {
		return ErrStoreClosed
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketMeta).Put(keyReplicaID, []byte(id))
	})
}

// Close closes the database. Closing twice is a no-op.
func (s *SnapshotStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}
