package ledger

import (
	"context"
	"fmt"
	"strconv"

	"github.com/synochain/synochain/internal/hash"
	"github.com/synochain/synochain/internal/storage"
)

// sealCheckInterval is how many nonces are tried between context checks.
const sealCheckInterval = 4096

// Block is a set of commitments sealed under a proof-of-work hash.
// A block is only mutated while it is being sealed.
type Block struct {
	Index        uint64   `json:"index"`
	Timestamp    string   `json:"timestamp"`
	Commitments  []string `json:"commitments"`
	PreviousHash string   `json:"previousHash"`
	MerkleRoot   string   `json:"merkleRoot"`
	Hash         string   `json:"hash"`
	Nonce        uint64   `json:"nonce"`
}

// NewBlock builds an unsealed block: the Merkle root is computed from
// commitments and the hash is taken with a zero nonce.
func NewBlock(index uint64, timestamp string, commitments []string, previousHash string) *Block {
	b := &Block{
		Index:        index,
		Timestamp:    timestamp,
		Commitments:  append([]string{}, commitments...),
		PreviousHash: previousHash,
		MerkleRoot:   hash.ComputeRoot(commitments),
	}
	b.Hash = b.CalculateHash()
	return b
}

// BlockFromRecord rebuilds a block from storage without recomputing anything.
func BlockFromRecord(r storage.BlockRecord) *Block {
	commitments := r.Commitments
	if commitments == nil {
		commitments = []string{}
	}
	return &Block{
		Index:        r.Index,
		Timestamp:    r.Timestamp,
		Commitments:  append([]string{}, commitments...),
		PreviousHash: r.PreviousHash,
		MerkleRoot:   r.MerkleRoot,
		Hash:         r.Hash,
		Nonce:        r.Nonce,
	}
}

func (b *Block) Record() storage.BlockRecord {
	return storage.BlockRecord{
		Index:        b.Index,
		Timestamp:    b.Timestamp,
		Commitments:  append([]string{}, b.Commitments...),
		PreviousHash: b.PreviousHash,
		MerkleRoot:   b.MerkleRoot,
		Hash:         b.Hash,
		Nonce:        b.Nonce,
	}
}

// CalculateHash hashes the header fields in the order
// index, previous hash, timestamp, Merkle root, nonce.
func (b *Block) CalculateHash() string {
	return hash.DigestString(
		strconv.FormatUint(b.Index, 10) +
			b.PreviousHash +
			b.Timestamp +
			b.MerkleRoot +
			strconv.FormatUint(b.Nonce, 10),
	)
}

func (b *Block) MeetsDifficulty(difficulty int) bool {
	return hash.LeadingZeros(b.Hash) >= difficulty
}

// Seal increments the nonce until the hash has difficulty leading zeros.
// maxAttempts of zero means no ceiling. When ctx ends or the ceiling is hit
// the returned error wraps ErrSealAborted and the block must be discarded.
func (b *Block) Seal(ctx context.Context, difficulty int, maxAttempts uint64) error {
	if difficulty < 0 || difficulty > hash.Size {
		return fmt.Errorf("difficulty %d out of range [0, %d]", difficulty, hash.Size)
	}

	var attempts uint64
	for !b.MeetsDifficulty(difficulty) {
		if maxAttempts > 0 && attempts >= maxAttempts {
			return fmt.Errorf("%w: no hash with %d leading zeros after %d attempts", ErrSealAborted, difficulty, attempts)
		}
		if attempts%sealCheckInterval == 0 {
			if err := ctx.Err(); err != nil {
				return fmt.Errorf("%w: %w", ErrSealAborted, err)
			}
		}

		b.Nonce++
		b.Hash = b.CalculateHash()
		attempts++
	}

	return nil
}

// Verify recomputes the Merkle root from the stored commitments and the header
// hash from that root, and compares both with the stored values.
func (b *Block) Verify() error {
	if root := hash.ComputeRoot(b.Commitments); root != b.MerkleRoot {
		return fmt.Errorf("merkle root mismatch: stored %s, computed %s", b.MerkleRoot, root)
	}
	if h := b.CalculateHash(); h != b.Hash {
		return fmt.Errorf("hash mismatch: stored %s, computed %s", b.Hash, h)
	}
	return nil
}

func (b *Block) Contains(commitment string) bool {
	for _, c := range b.Commitments {
		if c == commitment {
			return true
		}
	}
	return false
}

func (b *Block) Clone() *Block {
	c := *b
	c.Commitments = append([]string{}, b.Commitments...)
	return &c
}
