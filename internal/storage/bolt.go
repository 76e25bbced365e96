package storage

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	bolt "go.etcd.io/bbolt"
)

var (
	BlocksBucket   = []byte("blocks")
	MetadataBucket = []byte("metadata")
)

const (
	MetaUpdatedAt   = "updated_at"
	MetaBlockCount  = "block_count"
	MetaQuarantined = "quarantined"
)

const quarantinePrefix = "blocks_corrupt_"

// BoltStore keeps one bbolt entry per block, keyed by big-endian index.
type BoltStore struct {
	db *bolt.DB
}

func NewBoltStore(path string) (*BoltStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	db, err := bolt.Open(path, 0600, &bolt.Options{
		Timeout: 1 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range [][]byte{BlocksBucket, MetadataBucket} {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket: %w", err)
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

func blockKey(index uint64) []byte {
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, index)
	return key
}

// Save replaces the blocks bucket in a single transaction.
func (s *BoltStore) Save(_ context.Context, records []BlockRecord) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		if err := tx.DeleteBucket(BlocksBucket); err != nil && err != bolt.ErrBucketNotFound {
			return fmt.Errorf("failed to clear blocks bucket: %w", err)
		}
		bucket, err := tx.CreateBucket(BlocksBucket)
		if err != nil {
			return fmt.Errorf("failed to create blocks bucket: %w", err)
		}

		for i := range records {
			data, err := json.Marshal(&records[i])
			if err != nil {
				return fmt.Errorf("failed to marshal block %d: %w", records[i].Index, err)
			}
			if err := bucket.Put(blockKey(records[i].Index), data); err != nil {
				return fmt.Errorf("failed to store block %d: %w", records[i].Index, err)
			}
		}

		meta := tx.Bucket(MetadataBucket)
		if err := meta.Put([]byte(MetaUpdatedAt), []byte(time.Now().UTC().Format(time.RFC3339Nano))); err != nil {
			return err
		}
		return meta.Put([]byte(MetaBlockCount), []byte(strconv.Itoa(len(records))))
	})
}

func (s *BoltStore) Load(_ context.Context) ([]BlockRecord, error) {
	records, err := s.readBucket(BlocksBucket)
	if err != nil {
		return nil, err
	}
	if err := checkSequence(records); err != nil {
		return nil, err
	}
	return records, nil
}

// LoadQuarantined reads a bucket set aside by Quarantine. Records come back
// in key order without the sequence check, so gaps and forks are visible.
func (s *BoltStore) LoadQuarantined(name string) ([]BlockRecord, error) {
	if !strings.HasPrefix(name, quarantinePrefix) {
		return nil, fmt.Errorf("%s is not a quarantine bucket", name)
	}
	return s.readBucket([]byte(name))
}

func (s *BoltStore) readBucket(name []byte) ([]BlockRecord, error) {
	var records []BlockRecord

	err := s.db.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(name)
		if bucket == nil {
			return nil
		}

		return bucket.ForEach(func(k, v []byte) error {
			var record BlockRecord
			if err := json.Unmarshal(v, &record); err != nil {
				return fmt.Errorf("%w: block key %x: %v", ErrCorruptSnapshot, k, err)
			}
			if len(k) != 8 || binary.BigEndian.Uint64(k) != record.Index {
				return fmt.Errorf("%w: block key %x does not match index %d", ErrCorruptSnapshot, k, record.Index)
			}
			records = append(records, record)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	if len(records) == 0 {
		return nil, ErrNoSnapshot
	}
	return records, nil
}

// Quarantine copies the blocks bucket to blocks_corrupt_<unixnano> and
// empties it, all in one transaction. The new bucket name is recorded under
// MetaQuarantined.
func (s *BoltStore) Quarantine(_ context.Context) (string, error) {
	name := fmt.Sprintf("%s%d", quarantinePrefix, time.Now().UnixNano())

	err := s.db.Update(func(tx *bolt.Tx) error {
		src := tx.Bucket(BlocksBucket)
		if src == nil {
			return fmt.Errorf("blocks bucket not found")
		}
		dst, err := tx.CreateBucket([]byte(name))
		if err != nil {
			return fmt.Errorf("failed to create quarantine bucket: %w", err)
		}

		// Values are only valid for the life of the transaction and must not
		// be written back while iterating, so copy them first.
		err = src.ForEach(func(k, v []byte) error {
			return dst.Put(bytes.Clone(k), bytes.Clone(v))
		})
		if err != nil {
			return fmt.Errorf("failed to copy blocks: %w", err)
		}

		if err := tx.DeleteBucket(BlocksBucket); err != nil {
			return fmt.Errorf("failed to clear blocks bucket: %w", err)
		}
		if _, err := tx.CreateBucket(BlocksBucket); err != nil {
			return fmt.Errorf("failed to create blocks bucket: %w", err)
		}
		return tx.Bucket(MetadataBucket).Put([]byte(MetaQuarantined), []byte(name))
	})
	if err != nil {
		return "", fmt.Errorf("failed to quarantine snapshot: %w", err)
	}

	return name, nil
}

// GetBlock reads a single block without loading the whole chain.
func (s *BoltStore) GetBlock(index uint64) (*BlockRecord, error) {
	var record BlockRecord

	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(BlocksBucket).Get(blockKey(index))
		if data == nil {
			return fmt.Errorf("block %d not found", index)
		}
		return json.Unmarshal(data, &record)
	})
	if err != nil {
		return nil, err
	}

	return &record, nil
}

// PutBlock overwrites a single block in place. The ledger never calls this;
// it exists for repair and tamper tooling.
func (s *BoltStore) PutBlock(record *BlockRecord) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(record)
		if err != nil {
			return fmt.Errorf("failed to marshal block: %w", err)
		}
		return tx.Bucket(BlocksBucket).Put(blockKey(record.Index), data)
	})
}

// GetMetadata reads one of the Meta* keys.
func (s *BoltStore) GetMetadata(key string) (string, error) {
	var value string

	err := s.db.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(MetadataBucket)
		data := bucket.Get([]byte(key))
		if data == nil {
			return fmt.Errorf("metadata key not found: %s", key)
		}
		value = string(data)
		return nil
	})

	return value, err
}
