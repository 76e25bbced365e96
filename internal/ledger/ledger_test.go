package ledger

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/neilotoole/slogt"
	"github.com/stretchr/testify/require"

	"github.com/synochain/synochain/internal/hash"
	"github.com/synochain/synochain/internal/storage"
)

type memStore struct {
	mu            sync.Mutex
	records       []storage.BlockRecord
	quarantined   []storage.BlockRecord
	saves         int
	saveErr       error
	loadErr       error
	quarantineErr error
}

func (s *memStore) Save(_ context.Context, records []storage.BlockRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.saveErr != nil {
		return s.saveErr
	}
	s.records = append([]storage.BlockRecord{}, records...)
	s.saves++
	return nil
}

func (s *memStore) Load(_ context.Context) ([]storage.BlockRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.loadErr != nil {
		return nil, s.loadErr
	}
	if len(s.records) == 0 {
		return nil, storage.ErrNoSnapshot
	}
	return append([]storage.BlockRecord{}, s.records...), nil
}

func (s *memStore) Quarantine(_ context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.quarantineErr != nil {
		return "", s.quarantineErr
	}
	s.quarantined, s.records = s.records, nil
	s.loadErr = nil
	return "memory-corrupt", nil
}

func (s *memStore) Close() error { return nil }

func (s *memStore) Saved() []storage.BlockRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]storage.BlockRecord{}, s.records...)
}

func openTestLedger(t *testing.T, store storage.Store, cfg Config) *Ledger {
	t.Helper()
	cfg.Logger = slogt.New(t)

	l, err := Open(context.Background(), store, &cfg)
	require.NoError(t, err)
	t.Cleanup(l.miner.Stop)
	return l
}

func TestOpenCreatesGenesis(t *testing.T) {
	store := &memStore{}
	l := openTestLedger(t, store, Config{Difficulty: 1})

	require.Equal(t, 1, l.Len())
	require.NoError(t, l.RecoveryErr())

	genesis := l.Tip()
	require.Equal(t, uint64(0), genesis.Index)
	require.Equal(t, GenesisTimestamp, genesis.Timestamp)
	require.Equal(t, []string{GenesisCommitment}, genesis.Commitments)
	require.Equal(t, GenesisPreviousHash, genesis.PreviousHash)
	require.Equal(t, uint64(0), genesis.Nonce)
	require.Equal(t, hash.ComputeRoot([]string{GenesisCommitment}), genesis.MerkleRoot)
	require.Equal(t, genesis.CalculateHash(), genesis.Hash)

	saved := store.Saved()
	require.Len(t, saved, 1, "genesis should be persisted immediately")
	require.Equal(t, genesis.Hash, saved[0].Hash)
}

func TestGenesisIsDeterministic(t *testing.T) {
	require.Equal(t, NewGenesisBlock().Hash, NewGenesisBlock().Hash)
}

func TestOpenRejectsBadDifficulty(t *testing.T) {
	_, err := Open(context.Background(), &memStore{}, &Config{Difficulty: -1})
	require.Error(t, err)

	_, err = Open(context.Background(), &memStore{}, &Config{Difficulty: hash.Size + 1})
	require.Error(t, err)
}

func TestSubmitAndFlush(t *testing.T) {
	store := &memStore{}
	l := openTestLedger(t, store, Config{Difficulty: 1})
	genesis := l.Tip()

	l.Submit("a1b2")
	l.Submit("c3d4")
	require.Equal(t, []string{"a1b2", "c3d4"}, l.Pending())
	require.Equal(t, 1, store.saves, "submit must not persist")

	block, err := l.Flush(context.Background())
	require.NoError(t, err)

	require.Equal(t, uint64(1), block.Index)
	require.Equal(t, []string{"a1b2", "c3d4"}, block.Commitments)
	require.Equal(t, hash.ComputeRoot([]string{"a1b2", "c3d4"}), block.MerkleRoot)
	require.True(t, strings.HasPrefix(block.Hash, "0"), "hash %s should start with 0", block.Hash)
	require.Equal(t, block.CalculateHash(), block.Hash)
	require.Equal(t, genesis.Hash, block.PreviousHash)
	require.Empty(t, l.Pending())

	_, err = time.Parse(time.RFC3339Nano, block.Timestamp)
	require.NoError(t, err)

	require.Equal(t, 2, store.saves)
	require.Len(t, store.Saved(), 2)
}

func TestTwoFlushesAndTamperedNonce(t *testing.T) {
	l := openTestLedger(t, &memStore{}, Config{Difficulty: 1})

	l.Submit("a1b2")
	_, err := l.Flush(context.Background())
	require.NoError(t, err)

	l.Submit("c3d4")
	_, err = l.Flush(context.Background())
	require.NoError(t, err)

	require.Equal(t, 3, l.Len())
	blocks := l.Blocks()
	require.Equal(t, blocks[1].Hash, blocks[2].PreviousHash)
	require.True(t, l.Validate())

	l.chain[1].Nonce++
	require.False(t, l.Validate())

	err = l.Verify()
	ie := AsIntegrityError(err)
	require.NotNil(t, ie)
	require.Equal(t, uint64(1), ie.Index)
}

func TestValidateDetectsTampering(t *testing.T) {
	tests := []struct {
		name   string
		tamper func(chain []*Block)
		index  uint64
	}{
		{
			name:   "commitment flipped",
			tamper: func(chain []*Block) { chain[1].Commitments[0] = "ffff" },
			index:  1,
		},
		{
			name: "commitment flipped with matching merkle root",
			tamper: func(chain []*Block) {
				chain[2].Commitments[0] = "ffff"
				chain[2].MerkleRoot = hash.ComputeRoot(chain[2].Commitments)
			},
			index: 2,
		},
		{
			name: "block rehashed without relinking",
			tamper: func(chain []*Block) {
				chain[1].Timestamp = "2000-01-01T00:00:00Z"
				chain[1].Hash = chain[1].CalculateHash()
			},
			index: 2,
		},
		{
			name:   "previous hash rewritten",
			tamper: func(chain []*Block) { chain[2].PreviousHash = strings.Repeat("0", 64) },
			index:  2,
		},
		{
			name:   "index changed",
			tamper: func(chain []*Block) { chain[2].Index = 7 },
			index:  2,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l := openTestLedger(t, &memStore{}, Config{Difficulty: 1})
			for _, c := range []string{"a1b2", "c3d4"} {
				l.Submit(c)
				_, err := l.Flush(context.Background())
				require.NoError(t, err)
			}
			require.True(t, l.Validate())

			tt.tamper(l.chain)

			require.False(t, l.Validate())
			ie := AsIntegrityError(l.Verify())
			require.NotNil(t, ie)
			require.Equal(t, tt.index, ie.Index)
			require.True(t, IsIntegrityError(fmt.Errorf("wrapped: %w", ie)))
		})
	}
}

func TestValidateIgnoresGenesisHash(t *testing.T) {
	l := openTestLedger(t, &memStore{}, Config{Difficulty: 0})
	l.chain[0].Nonce = 99

	require.True(t, l.Validate())
}

func TestValidateFreshChains(t *testing.T) {
	for n := 0; n < 6; n++ {
		l := openTestLedger(t, &memStore{}, Config{Difficulty: 1, AllowEmptyBlocks: true})
		for i := 0; i < n; i++ {
			if i%2 == 0 {
				l.Anchor(fmt.Sprintf("cid-%d", i))
			}
			_, err := l.Flush(context.Background())
			require.NoError(t, err)
		}
		require.Equal(t, n+1, l.Len())
		require.True(t, l.Validate(), "chain of %d blocks should validate", n+1)
	}
}

func TestFindBlockContaining(t *testing.T) {
	l := openTestLedger(t, &memStore{}, Config{Difficulty: 1})

	_, found := l.FindBlockContaining("a1b2")
	require.False(t, found)

	l.Submit("a1b2")
	_, found = l.FindBlockContaining("a1b2")
	require.False(t, found, "pending commitments are not anchored yet")

	_, err := l.Flush(context.Background())
	require.NoError(t, err)

	l.Submit("c3d4")
	l.Submit("a1b2")
	_, err = l.Flush(context.Background())
	require.NoError(t, err)

	block, found := l.FindBlockContaining("a1b2")
	require.True(t, found)
	require.Equal(t, uint64(1), block.Index, "first block by ascending index wins")

	block, found = l.FindBlockContaining("c3d4")
	require.True(t, found)
	require.Equal(t, uint64(2), block.Index)

	block.Commitments[0] = "mutated"
	again, _ := l.FindBlockContaining("c3d4")
	require.Equal(t, "c3d4", again.Commitments[0], "returned blocks must be copies")

	_, found = l.FindBlockContaining("ffff")
	require.False(t, found)
}

func TestAnchorAndFindCID(t *testing.T) {
	l := openTestLedger(t, &memStore{}, Config{Difficulty: 1})
	cid := "bafkreihdwdcefgh4dqkjv67uzcmw7ojee6xedzdetojuzjevtenxquvyku"

	commitment := l.Anchor(cid)
	require.Equal(t, hash.Commit(cid), commitment)

	_, err := l.Flush(context.Background())
	require.NoError(t, err)

	block, found := l.FindCID(cid)
	require.True(t, found)
	require.Equal(t, uint64(1), block.Index)
	require.NotContains(t, block.Commitments, cid, "raw identifiers are never stored")
}

func TestFlushEmpty(t *testing.T) {
	t.Run("gated by default", func(t *testing.T) {
		store := &memStore{}
		l := openTestLedger(t, store, Config{Difficulty: 1})

		_, err := l.Flush(context.Background())
		require.ErrorIs(t, err, ErrNothingPending)
		require.Equal(t, 1, l.Len())
		require.Equal(t, 1, store.saves)
	})

	t.Run("allowed", func(t *testing.T) {
		l := openTestLedger(t, &memStore{}, Config{Difficulty: 1, AllowEmptyBlocks: true})

		block, err := l.Flush(context.Background())
		require.NoError(t, err)
		require.Empty(t, block.Commitments)
		require.Equal(t, hash.EmptyRoot, block.MerkleRoot)
		require.True(t, l.Validate())
	})
}

func TestFlushSealAborted(t *testing.T) {
	t.Run("attempt ceiling", func(t *testing.T) {
		store := &memStore{}
		var abortedIndex uint64
		l := openTestLedger(t, store, Config{
			Difficulty:      hash.Size,
			MaxSealAttempts: 1000,
			OnSealAborted: func(index uint64, difficulty int, err error) {
				abortedIndex = index
			},
		})
		l.Submit("a1b2")

		_, err := l.Flush(context.Background())
		require.ErrorIs(t, err, ErrSealAborted)
		require.EqualValues(t, 1, abortedIndex)
		require.Equal(t, 1, l.Len())
		require.Equal(t, []string{"a1b2"}, l.Pending(), "aborted seal must keep pending commitments")
		require.Equal(t, 1, store.saves)
	})

	t.Run("seal timeout", func(t *testing.T) {
		l := openTestLedger(t, &memStore{}, Config{Difficulty: hash.Size, SealTimeout: 50 * time.Millisecond})
		l.Submit("a1b2")

		_, err := l.Flush(context.Background())
		require.ErrorIs(t, err, ErrSealAborted)
		require.ErrorIs(t, err, context.DeadlineExceeded)
		require.Equal(t, 1, l.Len())
	})

	t.Run("caller cancelled", func(t *testing.T) {
		l := openTestLedger(t, &memStore{}, Config{Difficulty: hash.Size})
		l.Submit("a1b2")

		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		_, err := l.Flush(ctx)
		require.ErrorIs(t, err, ErrSealAborted)
		require.Equal(t, 1, l.Len())
	})
}

func TestFlushPersistFailure(t *testing.T) {
	store := &memStore{}
	var failedBlocks int
	var failedErr error
	l := openTestLedger(t, store, Config{
		Difficulty: 1,
		OnPersistFailed: func(blocks int, err error) {
			failedBlocks, failedErr = blocks, err
		},
	})
	require.NoError(t, failedErr)
	store.saveErr = errors.New("disk full")

	l.Submit("a1b2")
	block, err := l.Flush(context.Background())
	require.ErrorIs(t, err, ErrPersist)
	require.NotNil(t, block)
	require.Equal(t, 2, failedBlocks)
	require.EqualError(t, failedErr, "disk full")
	require.Equal(t, 2, l.Len(), "in-memory chain stays authoritative")
	require.Empty(t, l.Pending())
	require.Len(t, store.Saved(), 1)

	store.mu.Lock()
	store.saveErr = nil
	store.mu.Unlock()

	l.Submit("c3d4")
	_, err = l.Flush(context.Background())
	require.NoError(t, err)
	require.Len(t, store.Saved(), 3, "next successful save catches up")
}

func TestReloadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "blockchain.json")
	store, err := storage.NewFileStore(path)
	require.NoError(t, err)

	l := openTestLedger(t, store, Config{Difficulty: 2})
	for _, batch := range [][]string{{"a1b2", "c3d4"}, {"e5f6"}, {"a1b2", "a1b2", "0000"}} {
		for _, c := range batch {
			l.Submit(c)
		}
		_, err := l.Flush(context.Background())
		require.NoError(t, err)
	}
	want := l.Blocks()

	reopened := openTestLedger(t, store, Config{Difficulty: 2})
	require.NoError(t, reopened.RecoveryErr())
	require.Equal(t, want, reopened.Blocks())
	require.True(t, reopened.Validate())

	for _, b := range reopened.Blocks()[1:] {
		require.True(t, b.MeetsDifficulty(2))
	}
}

func TestOpenCorruptSnapshot(t *testing.T) {
	path := filepath.Join(t.TempDir(), "blockchain.json")
	require.NoError(t, os.WriteFile(path, []byte("[{broken"), 0644))

	store, err := storage.NewFileStore(path)
	require.NoError(t, err)

	l := openTestLedger(t, store, Config{Difficulty: 1})
	require.ErrorIs(t, l.RecoveryErr(), storage.ErrCorruptSnapshot)
	require.Equal(t, 1, l.Len())
	require.Equal(t, NewGenesisBlock().Hash, l.Tip().Hash)

	matches, err := filepath.Glob(path + ".corrupt-*")
	require.NoError(t, err)
	require.Len(t, matches, 1, "corrupt snapshot should be kept aside")
	require.ErrorContains(t, l.RecoveryErr(), matches[0])

	data, err := os.ReadFile(matches[0])
	require.NoError(t, err)
	require.Equal(t, "[{broken", string(data))
}

func TestOpenCorruptBoltSnapshot(t *testing.T) {
	ctx := context.Background()
	store, err := storage.NewBoltStore(filepath.Join(t.TempDir(), "synochain.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	l := openTestLedger(t, store, Config{Difficulty: 1})
	for _, c := range []string{"a1b2", "c3d4", "e5f6"} {
		l.Submit(c)
		_, err := l.Flush(ctx)
		require.NoError(t, err)
	}
	anchored := l.Blocks()
	require.Len(t, anchored, 4)
	l.miner.Stop()

	bad, err := store.GetBlock(2)
	require.NoError(t, err)
	bad.Index = 9
	require.NoError(t, store.PutBlock(bad))

	reopened := openTestLedger(t, store, Config{Difficulty: 1})
	require.ErrorIs(t, reopened.RecoveryErr(), storage.ErrCorruptSnapshot)
	require.Equal(t, 1, reopened.Len())

	name, err := store.GetMetadata(storage.MetaQuarantined)
	require.NoError(t, err)
	require.ErrorContains(t, reopened.RecoveryErr(), name)

	// PutBlock keys by index, so the bad record sits under key 9 after blocks 0..3.
	kept, err := store.LoadQuarantined(name)
	require.NoError(t, err)
	require.Len(t, kept, 5)
	for i, b := range anchored {
		require.Equal(t, b.Record(), kept[i])
	}
	require.EqualValues(t, 9, kept[4].Index)

	records, err := store.Load(ctx)
	require.NoError(t, err)
	require.Len(t, records, 1, "fresh chain holds only genesis")
}

func TestOpenCorruptSnapshotQuarantineFails(t *testing.T) {
	store := &memStore{
		records:       []storage.BlockRecord{{Index: 0}},
		loadErr:       fmt.Errorf("%w: index gap", storage.ErrCorruptSnapshot),
		quarantineErr: errors.New("read-only file system"),
	}

	_, err := Open(context.Background(), store, &Config{Difficulty: 1, Logger: slogt.New(t)})
	require.ErrorIs(t, err, storage.ErrCorruptSnapshot)
	require.ErrorContains(t, err, "read-only file system")

	store.mu.Lock()
	defer store.mu.Unlock()
	require.Zero(t, store.saves, "corrupt snapshot must not be overwritten")
	require.Len(t, store.records, 1)
}

func TestOpenCorruptSnapshotQuarantined(t *testing.T) {
	original := []storage.BlockRecord{{Index: 0, Hash: "a"}, {Index: 2, Hash: "b"}}
	store := &memStore{
		records: original,
		loadErr: fmt.Errorf("%w: index gap", storage.ErrCorruptSnapshot),
	}

	l := openTestLedger(t, store, Config{Difficulty: 1})
	require.ErrorContains(t, l.RecoveryErr(), "memory-corrupt")

	store.mu.Lock()
	defer store.mu.Unlock()
	require.Equal(t, original, store.quarantined)
	require.Len(t, store.records, 1)
	require.Equal(t, NewGenesisBlock().Hash, store.records[0].Hash)
}

func TestOpenLoadError(t *testing.T) {
	_, err := Open(context.Background(), &memStore{loadErr: errors.New("permission denied")}, &Config{Difficulty: 1})
	require.Error(t, err)
}

func TestProve(t *testing.T) {
	l := openTestLedger(t, &memStore{}, Config{Difficulty: 1})
	for _, c := range []string{"a", "b", "c"} {
		l.Submit(c)
	}
	_, err := l.Flush(context.Background())
	require.NoError(t, err)

	inclusion, err := l.Prove("c")
	require.NoError(t, err)
	require.Equal(t, uint64(1), inclusion.BlockIndex)
	require.Equal(t, 2, inclusion.Proof.LeafIndex)
	require.True(t, inclusion.Proof.Verify(inclusion.MerkleRoot))

	_, err = l.Prove("missing")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestBlockLookup(t *testing.T) {
	l := openTestLedger(t, &memStore{}, Config{Difficulty: 1})

	b, err := l.Block(0)
	require.NoError(t, err)
	require.Equal(t, GenesisPreviousHash, b.PreviousHash)

	_, err = l.Block(1)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestConcurrentSubmitAndFlush(t *testing.T) {
	l := openTestLedger(t, &memStore{}, Config{Difficulty: 1})

	const writers, perWriter = 8, 25
	var wg sync.WaitGroup
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWriter; i++ {
				l.Submit(fmt.Sprintf("%d-%d", w, i))
				if i%5 == 0 {
					_, err := l.Flush(context.Background())
					if err != nil && !errors.Is(err, ErrNothingPending) {
						t.Errorf("Flush failed: %v", err)
					}
				}
				_ = l.Validate()
			}
		}(w)
	}
	wg.Wait()

	if len(l.Pending()) > 0 {
		_, err := l.Flush(context.Background())
		require.NoError(t, err)
	}

	require.True(t, l.Validate())

	seen := 0
	for _, b := range l.Blocks()[1:] {
		seen += len(b.Commitments)
	}
	require.Equal(t, writers*perWriter, seen, "every submitted commitment lands in exactly one block")
}

func TestCloseFlushesPending(t *testing.T) {
	store := &memStore{}
	l := openTestLedger(t, store, Config{Difficulty: 1})
	l.Submit("a1b2")

	require.NoError(t, l.Close(context.Background()))
	require.Len(t, store.Saved(), 2)

	_, err := l.Flush(context.Background())
	require.ErrorIs(t, err, ErrNothingPending)

	l.Submit("c3d4")
	_, err = l.Flush(context.Background())
	require.ErrorIs(t, err, ErrMinerStopped)
}

func TestRunFlusher(t *testing.T) {
	l := openTestLedger(t, &memStore{}, Config{Difficulty: 1})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		l.RunFlusher(ctx, 10*time.Millisecond)
		close(done)
	}()

	l.Submit("a1b2")
	require.Eventually(t, func() bool {
		_, found := l.FindBlockContaining("a1b2")
		return found
	}, 5*time.Second, 10*time.Millisecond)

	cancel()
	<-done
	require.Equal(t, 2, l.Len())
}
