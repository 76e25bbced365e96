package storage

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrNoSnapshot means nothing has been persisted yet.
	ErrNoSnapshot = errors.New("no snapshot found")
	// ErrCorruptSnapshot means a snapshot exists but could not be decoded.
	ErrCorruptSnapshot = errors.New("corrupt snapshot")
)

// BlockRecord is the persisted form of a block. Every field is stored verbatim,
// including the sealed hash, nonce and Merkle root.
type BlockRecord struct {
	Index        uint64   `json:"index"`
	Timestamp    string   `json:"timestamp"`
	Commitments  []string `json:"commitments"`
	PreviousHash string   `json:"previousHash"`
	MerkleRoot   string   `json:"merkleRoot"`
	Hash         string   `json:"hash"`
	Nonce        uint64   `json:"nonce"`
}

// Store persists full chain snapshots. Save replaces any prior snapshot.
// Load never modifies storage; a corrupt snapshot stays in place until
// Quarantine moves it aside.
type Store interface {
	Save(ctx context.Context, records []BlockRecord) error
	Load(ctx context.Context) ([]BlockRecord, error)
	// Quarantine keeps the current snapshot under a new name so that the next
	// Save cannot destroy it, and returns that name.
	Quarantine(ctx context.Context) (string, error)
	Close() error
}

type Backend string

const (
	BackendFile     Backend = "file"
	BackendBolt     Backend = "bolt"
	BackendPostgres Backend = "postgres"
)

// Open returns the store for backend. location is a file path for the file and
// bolt backends and a connection string for postgres.
func Open(ctx context.Context, backend Backend, location string) (Store, error) {
	switch backend {
	case BackendFile, "":
		return NewFileStore(location)
	case BackendBolt:
		return NewBoltStore(location)
	case BackendPostgres:
		return NewPostgresStore(ctx, location)
	default:
		return nil, fmt.Errorf("unknown storage backend: %s", backend)
	}
}

func checkSequence(records []BlockRecord) error {
	for i, r := range records {
		if r.Index != uint64(i) {
			return fmt.Errorf("%w: record %d has index %d", ErrCorruptSnapshot, i, r.Index)
		}
	}
	return nil
}
