package revocation

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.etcd.io/bbolt"

	"hcert/internal/revocation/models"
)

var (
	bucketLive          = []byte("revoked")
	bucketPendingAdd    = []byte("pending_add")
	bucketPendingDelete = []byte("pending_delete")
	bucketMeta          = []byte("meta")

	keyState = []byte("state")

	allBuckets = [][]byte{bucketLive, bucketPendingAdd, bucketPendingDelete, bucketMeta}
)

var present = []byte{1}

// ErrInvalidHash is returned for identifiers that are not HashLength bytes.
var ErrInvalidHash = errors.New("revocation: invalid identifier hash")

// BoltStore persists the revoked set and the sync checkpoint in one bbolt
// file. Chunks of an in-progress version accumulate in the pending buckets;
// the live set only changes when a version is promoted, so readers always
// see the last fully committed version.
type BoltStore struct {
	db *bbolt.DB
}

// OpenBoltStore opens or creates the store at path.
func OpenBoltStore(path string) (*BoltStore, error) {
	db, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open revocation store: %w", err)
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		for _, name := range allBuckets {
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
	return &BoltStore{db: db}, nil
}

func (s *BoltStore) Close() error {
	return s.db.Close()
}

// State returns the stored checkpoint, or the zero State.
func (s *BoltStore) State() (models.State, error) {
	var st models.State
	err := s.db.View(func(tx *bbolt.Tx) error {
		var err error
		st, err = getState(tx)
		return err
	})
	return st, err
}

// SaveState stores the checkpoint alone.
func (s *BoltStore) SaveState(st models.State) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		return putState(tx, st)
	})
}

// StartVersion discards any partially applied version and stores st as the
// new checkpoint.
func (s *BoltStore) StartVersion(st models.State) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		if err := recreate(tx, bucketPendingAdd, bucketPendingDelete); err != nil {
			return err
		}
		return putState(tx, st)
	})
}

// ApplyChunk stages chunk into the pending delta and stores st in the same
// transaction. Applying the same chunk twice leaves the same delta.
func (s *BoltStore) ApplyChunk(chunk *models.Chunk, st models.State) error {
	for _, h := range chunk.Add {
		if len(h) != models.HashLength {
			return fmt.Errorf("%w: chunk %d add entry of %d bytes", ErrInvalidHash, chunk.Number, len(h))
		}
	}
	for _, h := range chunk.Delete {
		if len(h) != models.HashLength {
			return fmt.Errorf("%w: chunk %d delete entry of %d bytes", ErrInvalidHash, chunk.Number, len(h))
		}
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		add := tx.Bucket(bucketPendingAdd)
		del := tx.Bucket(bucketPendingDelete)
		for _, h := range chunk.Add {
			if err := add.Put(h, present); err != nil {
				return err
			}
			if err := del.Delete(h); err != nil {
				return err
			}
		}
		for _, h := range chunk.Delete {
			if err := del.Put(h, present); err != nil {
				return err
			}
			if err := add.Delete(h); err != nil {
				return err
			}
		}
		return putState(tx, st)
	})
}

// Promote merges the pending delta into the live set, or replaces the live
// set with it when full is set, stores st and returns the live count. When
// st announces a total the merged set must match it; otherwise the
// transaction is rolled back and the previously committed version stays
// live.
func (s *BoltStore) Promote(st models.State, full bool) (int64, error) {
	var count int64
	err := s.db.Update(func(tx *bbolt.Tx) error {
		if full {
			if err := recreate(tx, bucketLive); err != nil {
				return err
			}
		}
		live := tx.Bucket(bucketLive)
		if err := tx.Bucket(bucketPendingAdd).ForEach(func(k, _ []byte) error {
			return live.Put(append([]byte(nil), k...), present)
		}); err != nil {
			return err
		}
		if err := tx.Bucket(bucketPendingDelete).ForEach(func(k, _ []byte) error {
			return live.Delete(k)
		}); err != nil {
			return err
		}
		count = countKeys(live)
		if st.TargetTotalCount > 0 && count != st.TargetTotalCount {
			return fmt.Errorf("%w: expected %d, have %d", ErrCountMismatch, st.TargetTotalCount, count)
		}
		if err := recreate(tx, bucketPendingAdd, bucketPendingDelete); err != nil {
			return err
		}
		return putState(tx, st)
	})
	return count, err
}

// Reset empties the store, forcing the next sync to start from scratch.
func (s *BoltStore) Reset() error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		return recreate(tx, allBuckets...)
	})
}

// Contains reports whether hash is in the committed set.
func (s *BoltStore) Contains(hash []byte) (bool, error) {
	var found bool
	err := s.db.View(func(tx *bbolt.Tx) error {
		found = tx.Bucket(bucketLive).Get(hash) != nil
		return nil
	})
	return found, err
}

// Lookup reads the checkpoint and tests hashes against the live set in one
// read transaction, so the answer always belongs to the committed version
// it reports. It returns the index of the first hash found, or -1.
func (s *BoltStore) Lookup(hashes [][]byte) (models.State, int, error) {
	var (
		st    models.State
		found = -1
	)
	err := s.db.View(func(tx *bbolt.Tx) error {
		var err error
		if st, err = getState(tx); err != nil {
			return err
		}
		live := tx.Bucket(bucketLive)
		for i, h := range hashes {
			if live.Get(h) != nil {
				found = i
				return nil
			}
		}
		return nil
	})
	return st, found, err
}

// Count returns the size of the committed set.
func (s *BoltStore) Count() (int64, error) {
	var n int64
	err := s.db.View(func(tx *bbolt.Tx) error {
		n = countKeys(tx.Bucket(bucketLive))
		return nil
	})
	return n, err
}

func countKeys(b *bbolt.Bucket) int64 {
	var n int64
	c := b.Cursor()
	for k, _ := c.First(); k != nil; k, _ = c.Next() {
		n++
	}
	return n
}

func getState(tx *bbolt.Tx) (models.State, error) {
	var st models.State
	raw := tx.Bucket(bucketMeta).Get(keyState)
	if raw == nil {
		return st, nil
	}
	if err := json.Unmarshal(raw, &st); err != nil {
		return st, fmt.Errorf("failed to unmarshal revocation state: %w", err)
	}
	return st, nil
}

func putState(tx *bbolt.Tx, st models.State) error {
	data, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("failed to marshal revocation state: %w", err)
	}
	return tx.Bucket(bucketMeta).Put(keyState, data)
}

func recreate(tx *bbolt.Tx, names ...[]byte) error {
	for _, name := range names {
		if err := tx.DeleteBucket(name); err != nil && !errors.Is(err, bbolt.ErrBucketNotFound) {
			return fmt.Errorf("failed to clear %s bucket: %w", name, err)
		}
		if _, err := tx.CreateBucket(name); err != nil {
			return fmt.Errorf("failed to create %s bucket: %w", name, err)
		}
	}
	return nil
}
