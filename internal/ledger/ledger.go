package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/synochain/synochain/internal/hash"
	"github.com/synochain/synochain/internal/storage"
)

const (
	GenesisTimestamp    = "01/01/2020"
	GenesisCommitment   = "Genesis Block"
	GenesisPreviousHash = "0"

	DefaultDifficulty = 2
)

type Config struct {
	Difficulty int
	// MaxSealAttempts bounds the nonce search; zero means unbounded.
	MaxSealAttempts uint64
	// SealTimeout bounds each Flush's proof-of-work; zero means none.
	SealTimeout      time.Duration
	AllowEmptyBlocks bool
	// OnSealAborted is called when a flush gives up on proof-of-work.
	OnSealAborted   func(index uint64, difficulty int, err error)
	// OnPersistFailed is called when a snapshot cannot be written.
	OnPersistFailed func(blocks int, err error)
	Logger          *slog.Logger
	// Now overrides the block timestamp clock, mainly for tests.
	Now func() time.Time
}

// Ledger is the append-only chain of sealed blocks plus the queue of
// commitments waiting for the next block. It is the only writer of its
// chain and of the snapshot in its store.
type Ledger struct {
	mu      sync.RWMutex
	chain   []*Block
	pending []string

	// flushMu serializes Flush and Close; mu is only held for short
	// in-memory updates so reads are never stuck behind sealing.
	flushMu sync.Mutex

	cfg         Config
	store       storage.Store
	miner       *Miner
	logger      *slog.Logger
	recoveryErr error
}

// Inclusion proves that a commitment is part of a sealed block.
type Inclusion struct {
	Commitment string            `json:"commitment"`
	BlockIndex uint64            `json:"blockIndex"`
	BlockHash  string            `json:"blockHash"`
	MerkleRoot string            `json:"merkleRoot"`
	Proof      *hash.MerkleProof `json:"proof"`
}

func NewGenesisBlock() *Block {
	return NewBlock(0, GenesisTimestamp, []string{GenesisCommitment}, GenesisPreviousHash)
}

// Open restores the chain from store, or starts a new one from the genesis
// block when the store is empty. A corrupt snapshot is quarantined in the
// store and a new chain is started; the cause is logged and kept in
// RecoveryErr. If the snapshot cannot be quarantined Open fails rather than
// overwrite it.
func Open(ctx context.Context, store storage.Store, cfg *Config) (*Ledger, error) {
	if cfg == nil {
		cfg = &Config{Difficulty: DefaultDifficulty}
	}
	if cfg.Difficulty < 0 || cfg.Difficulty > hash.Size {
		return nil, fmt.Errorf("difficulty %d out of range [0, %d]", cfg.Difficulty, hash.Size)
	}

	l := &Ledger{
		cfg:     *cfg,
		store:   store,
		pending: make([]string, 0),
		logger:  cfg.Logger,
	}
	if l.logger == nil {
		l.logger = slog.Default()
	}
	if l.cfg.Now == nil {
		l.cfg.Now = time.Now
	}

	records, err := store.Load(ctx)
	switch {
	case err == nil:
		l.chain = make([]*Block, len(records))
		for i, r := range records {
			l.chain[i] = BlockFromRecord(r)
		}
		l.logger.Info("Chain loaded from storage", "blocks", len(l.chain), "tip", l.chain[len(l.chain)-1].Hash)

	case errors.Is(err, storage.ErrNoSnapshot):
		l.chain = []*Block{NewGenesisBlock()}
		l.persist(ctx)
		l.logger.Info("Genesis block created", "hash", l.chain[0].Hash)

	case errors.Is(err, storage.ErrCorruptSnapshot):
		dst, qerr := store.Quarantine(ctx)
		if qerr != nil {
			return nil, fmt.Errorf("stored chain is corrupt and could not be set aside: %w (%w)", err, qerr)
		}
		l.recoveryErr = fmt.Errorf("%w (moved to %s)", err, dst)
		l.chain = []*Block{NewGenesisBlock()}
		l.logger.Error("Stored chain is corrupt, starting over from genesis; previously anchored blocks are no longer verifiable",
			"err", err, "quarantined", dst)
		l.persist(ctx)

	default:
		return nil, fmt.Errorf("failed to load chain: %w", err)
	}

	l.miner = NewMiner(l.logger)
	l.miner.Start()

	return l, nil
}

// RecoveryErr returns the load error that forced a fresh genesis chain, if any.
func (l *Ledger) RecoveryErr() error {
	return l.recoveryErr
}

func (l *Ledger) Difficulty() int {
	return l.cfg.Difficulty
}

// Submit queues a commitment for the next block.
func (l *Ledger) Submit(commitment string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.pending = append(l.pending, commitment)
}

// Anchor hashes a content identifier and queues the resulting commitment.
func (l *Ledger) Anchor(cid string) string {
	commitment := hash.Commit(cid)
	l.Submit(commitment)
	return commitment
}

// Flush seals the pending commitments into a new block, appends it and saves
// the chain. Commitments submitted while sealing stay queued for the next block.
//
// If the snapshot cannot be written the block is still appended and returned
// together with an error matching ErrPersist.
func (l *Ledger) Flush(ctx context.Context) (*Block, error) {
	l.flushMu.Lock()
	defer l.flushMu.Unlock()

	l.mu.RLock()
	commitments := append([]string{}, l.pending...)
	tip := l.chain[len(l.chain)-1]
	index := uint64(len(l.chain))
	l.mu.RUnlock()

	if len(commitments) == 0 && !l.cfg.AllowEmptyBlocks {
		return nil, ErrNothingPending
	}

	block := NewBlock(index, l.cfg.Now().UTC().Format(time.RFC3339Nano), commitments, tip.Hash)

	sealCtx := ctx
	if l.cfg.SealTimeout > 0 {
		var cancel context.CancelFunc
		sealCtx, cancel = context.WithTimeout(ctx, l.cfg.SealTimeout)
		defer cancel()
	}

	if err := l.miner.Seal(sealCtx, block, l.cfg.Difficulty, l.cfg.MaxSealAttempts); err != nil {
		if errors.Is(err, ErrSealAborted) && l.cfg.OnSealAborted != nil {
			l.cfg.OnSealAborted(index, l.cfg.Difficulty, err)
		}
		return nil, fmt.Errorf("failed to seal block %d: %w", index, err)
	}

	l.mu.Lock()
	l.chain = append(l.chain, block)
	l.pending = append([]string{}, l.pending[len(commitments):]...)
	l.mu.Unlock()

	if err := l.persist(context.WithoutCancel(ctx)); err != nil {
		return block.Clone(), err
	}

	return block.Clone(), nil
}

// persist writes the whole chain. Failures are logged and returned wrapped in
// ErrPersist; the in-memory chain stays authoritative.
func (l *Ledger) persist(ctx context.Context) error {
	l.mu.RLock()
	records := make([]storage.BlockRecord, len(l.chain))
	for i, b := range l.chain {
		records[i] = b.Record()
	}
	l.mu.RUnlock()

	if err := l.store.Save(ctx, records); err != nil {
		l.logger.Error("Failed to persist chain, continuing with in-memory state", "blocks", len(records), "err", err)
		if l.cfg.OnPersistFailed != nil {
			l.cfg.OnPersistFailed(len(records), err)
		}
		return fmt.Errorf("%w: %w", ErrPersist, err)
	}

	l.logger.Debug("Chain persisted", "blocks", len(records))
	return nil
}

// Validate reports whether every non-genesis block is intact and linked.
func (l *Ledger) Validate() bool {
	return l.Verify() == nil
}

// Verify checks every block after genesis and returns an *IntegrityError
// for the first one that fails.
func (l *Ledger) Verify() error {
	l.mu.RLock()
	defer l.mu.RUnlock()

	return verifyChain(l.chain)
}

func verifyChain(chain []*Block) error {
	if len(chain) == 0 {
		return NewIntegrityError(0, "chain is empty")
	}

	for i := 1; i < len(chain); i++ {
		current := chain[i]
		previous := chain[i-1]

		if current.Index != uint64(i) {
			return NewIntegrityError(uint64(i), fmt.Sprintf("invalid index: expected %d, got %d", i, current.Index))
		}

		if err := current.Verify(); err != nil {
			return NewIntegrityError(current.Index, err.Error())
		}

		if current.PreviousHash != previous.Hash {
			return NewIntegrityError(current.Index,
				fmt.Sprintf("previous hash mismatch: expected %s, got %s", previous.Hash, current.PreviousHash))
		}
	}

	return nil
}

// FindBlockContaining returns a copy of the lowest-index block holding commitment.
func (l *Ledger) FindBlockContaining(commitment string) (*Block, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	for _, b := range l.chain {
		if b.Contains(commitment) {
			return b.Clone(), true
		}
	}
	return nil, false
}

// FindCID looks up the block that anchored a raw content identifier.
func (l *Ledger) FindCID(cid string) (*Block, bool) {
	return l.FindBlockContaining(hash.Commit(cid))
}

// Prove builds a Merkle inclusion proof for commitment against the root of
// the block that holds it.
func (l *Ledger) Prove(commitment string) (*Inclusion, error) {
	block, ok := l.FindBlockContaining(commitment)
	if !ok {
		return nil, fmt.Errorf("commitment %s: %w", commitment, ErrNotFound)
	}

	leaf := -1
	for i, c := range block.Commitments {
		if c == commitment {
			leaf = i
			break
		}
	}

	proof, err := hash.NewMerkleTree(block.Commitments).Proof(leaf)
	if err != nil {
		return nil, err
	}

	return &Inclusion{
		Commitment: commitment,
		BlockIndex: block.Index,
		BlockHash:  block.Hash,
		MerkleRoot: block.MerkleRoot,
		Proof:      proof,
	}, nil
}

func (l *Ledger) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.chain)
}

func (l *Ledger) Tip() *Block {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.chain[len(l.chain)-1].Clone()
}

func (l *Ledger) Block(index uint64) (*Block, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if index >= uint64(len(l.chain)) {
		return nil, fmt.Errorf("block %d: %w", index, ErrNotFound)
	}
	return l.chain[index].Clone(), nil
}

func (l *Ledger) Blocks() []*Block {
	l.mu.RLock()
	defer l.mu.RUnlock()

	blocks := make([]*Block, len(l.chain))
	for i, b := range l.chain {
		blocks[i] = b.Clone()
	}
	return blocks
}

func (l *Ledger) Pending() []string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return append([]string{}, l.pending...)
}

// Close seals any pending commitments and stops the sealing worker.
// The store is left open; it belongs to the caller.
func (l *Ledger) Close(ctx context.Context) error {
	var err error
	if len(l.Pending()) > 0 {
		l.logger.Info("Sealing pending commitments before shutdown", "pending", len(l.Pending()))
		if _, err = l.Flush(ctx); err != nil {
			l.logger.Error("Shutdown flush failed", "err", err)
		}
	}

	l.miner.Stop()
	return err
}
