package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"
)

var (
	locksBucket     = []byte("locks")
	keyValuesBucket = []byte("keyvalues")
)

// Store backed by a local bbolt file (state.db next to the raft files)
type BoltStore struct {
	db *bolt.DB
}

func NewBoltStore(dataDir string) (*BoltStore, error) {
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, err
	}

	db, err := bolt.Open(filepath.Join(dataDir, "state.db"), 0600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open state db: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{locksBucket, keyValuesBucket} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create buckets: %w", err)
	}

	return &BoltStore{db: db}, nil
}

func (s *BoltStore) GetLock(_ context.Context, resource string) (*LockRecord, bool, error) {
	var rec LockRecord
	found, err := s.get(locksBucket, resource, &rec)
	if err != nil || !found {
		return nil, false, err
	}
	return &rec, true, nil
}

func (s *BoltStore) GetKeyValue(_ context.Context, key string) (*KeyValueRecord, bool, error) {
	var rec KeyValueRecord
	found, err := s.get(keyValuesBucket, key, &rec)
	if err != nil || !found {
		return nil, false, err
	}
	return &rec, true, nil
}

func (s *BoltStore) StoreLock(_ context.Context, rec LockRecord) error {
	return s.put(locksBucket, rec.Resource, rec)
}

func (s *BoltStore) StoreKeyValue(_ context.Context, rec KeyValueRecord) error {
	return s.put(keyValuesBucket, rec.Key, rec)
}

// export runs inside a single read transaction, so it is a consistent view
func (s *BoltStore) Export(_ context.Context, w io.Writer) error {
	enc := json.NewEncoder(w)

	return s.db.View(func(tx *bolt.Tx) error {
		err := tx.Bucket(locksBucket).ForEach(func(_, v []byte) error {
			var rec LockRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return err
			}
			return enc.Encode(exportEntry{Lock: &rec})
		})
		if err != nil {
			return err
		}

		return tx.Bucket(keyValuesBucket).ForEach(func(_, v []byte) error {
			var rec KeyValueRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return err
			}
			return enc.Encode(exportEntry{KeyValue: &rec})
		})
	})
}

func (s *BoltStore) Import(ctx context.Context, r io.Reader) error {
	return readExport(r,
		func(rec LockRecord) error { return s.StoreLock(ctx, rec) },
		func(rec KeyValueRecord) error { return s.StoreKeyValue(ctx, rec) },
	)
}

func (s *BoltStore) Close() error {
	return s.db.Close()
}

func (s *BoltStore) get(bucket []byte, key string, out any) (bool, error) {
	var data []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucket).Get([]byte(key))
		if v != nil {
			//bolt values are only valid inside the transaction
			data = append([]byte(nil), v...)
		}
		return nil
	})
	if err != nil {
		return false, err
	}
	if data == nil {
		return false, nil
	}

	if err := json.Unmarshal(data, out); err != nil {
		return false, fmt.Errorf("decode %s/%s: %w", bucket, key, err)
	}
	return true, nil
}

func (s *BoltStore) put(bucket []byte, key string, rec any) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucket).Put([]byte(key), data)
	})
}
