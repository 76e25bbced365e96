package verify

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/synochain/synochain/internal/ledger"
	"github.com/synochain/synochain/internal/storage"
)

type SnapshotSource interface {
	Load(ctx context.Context) ([]storage.BlockRecord, error)
}

type BlockSource interface {
	Blocks() []*ledger.Block
}

// StateIntegrityVerifier compares the persisted snapshot with the in-memory
// chain, catching edits made to storage while the ledger is running.
//
// The ledger appends a block before persisting it, so the stored chain may
// trail the in-memory one but must never be longer or differ on a shared index.
type StateIntegrityVerifier struct {
	chain BlockSource
	store SnapshotSource
}

func NewStateIntegrityVerifier(chain BlockSource, store SnapshotSource) *StateIntegrityVerifier {
	return &StateIntegrityVerifier{
		chain: chain,
		store: store,
	}
}

// Compare returns an *ledger.IntegrityError when the stored snapshot does not
// match the ledger, and a plain error when storage could not be read.
func (v *StateIntegrityVerifier) Compare(ctx context.Context) error {
	records, err := v.store.Load(ctx)
	switch {
	case errors.Is(err, storage.ErrNoSnapshot):
		return ledger.NewIntegrityError(0, "stored snapshot is missing")
	case errors.Is(err, storage.ErrCorruptSnapshot):
		return ledger.NewIntegrityError(0, err.Error())
	case err != nil:
		return fmt.Errorf("failed to load stored snapshot: %w", err)
	}

	blocks := v.chain.Blocks()
	if len(records) > len(blocks) {
		return ledger.NewIntegrityError(uint64(len(blocks)),
			fmt.Sprintf("stored snapshot has %d blocks, ledger has %d", len(records), len(blocks)))
	}

	for i, stored := range records {
		if reason := diffRecord(stored, blocks[i].Record()); reason != "" {
			return ledger.NewIntegrityError(uint64(i), "stored block differs from ledger: "+reason)
		}
	}

	return nil
}

func diffRecord(stored, live storage.BlockRecord) string {
	switch {
	case stored.Index != live.Index:
		return fmt.Sprintf("index %d != %d", stored.Index, live.Index)
	case stored.Hash != live.Hash:
		return "hash changed"
	case stored.PreviousHash != live.PreviousHash:
		return "previous hash changed"
	case stored.MerkleRoot != live.MerkleRoot:
		return "merkle root changed"
	case stored.Nonce != live.Nonce:
		return "nonce changed"
	case stored.Timestamp != live.Timestamp:
		return "timestamp changed"
	case !slices.Equal(stored.Commitments, live.Commitments):
		return "commitments changed"
	}
	return ""
}
