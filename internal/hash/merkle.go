package hash

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// EmptyRoot is the root of a tree with no leaves. It is a sentinel, not a hash.
const EmptyRoot = ""

type MerkleProof struct {
	LeafHash  string   `json:"leafHash"`
	LeafIndex int      `json:"leafIndex"`
	Siblings  []string `json:"siblings"`
	// Directions[i] is true when Siblings[i] sits to the right of the running hash.
	Directions []bool `json:"directions"`
}

// MerkleTree is an ordered binary tree over a list of commitments.
// Leaves are hashed before they enter the bottom level, order is preserved,
// and the last node of an odd level is paired with itself.
type MerkleTree struct {
	// levels[0] holds the leaf hashes, the last level holds the root.
	levels [][]string
}

func NewMerkleTree(leaves []string) *MerkleTree {
	if len(leaves) == 0 {
		return &MerkleTree{}
	}

	level := make([]string, len(leaves))
	for i, leaf := range leaves {
		level[i] = DigestString(leaf)
	}

	levels := [][]string{level}
	for len(level) > 1 {
		next := make([]string, 0, (len(level)+1)/2)
		for i := 0; i < len(level); i += 2 {
			left := level[i]
			right := left
			if i+1 < len(level) {
				right = level[i+1]
			}
			next = append(next, hashPair(left, right))
		}
		levels = append(levels, next)
		level = next
	}

	return &MerkleTree{levels: levels}
}

// ComputeRoot returns the Merkle root of leaves, or EmptyRoot when there are none.
func ComputeRoot(leaves []string) string {
	return NewMerkleTree(leaves).Root()
}

func (mt *MerkleTree) Root() string {
	if len(mt.levels) == 0 {
		return EmptyRoot
	}
	return mt.levels[len(mt.levels)-1][0]
}

func (mt *MerkleTree) LeafCount() int {
	if len(mt.levels) == 0 {
		return 0
	}
	return len(mt.levels[0])
}

// Proof returns the audit path for the leaf at index.
func (mt *MerkleTree) Proof(index int) (*MerkleProof, error) {
	if index < 0 || index >= mt.LeafCount() {
		return nil, fmt.Errorf("leaf index %d out of range (%d leaves)", index, mt.LeafCount())
	}

	proof := &MerkleProof{
		LeafHash:   mt.levels[0][index],
		LeafIndex:  index,
		Siblings:   make([]string, 0, len(mt.levels)-1),
		Directions: make([]bool, 0, len(mt.levels)-1),
	}

	idx := index
	for _, level := range mt.levels[:len(mt.levels)-1] {
		if idx%2 == 0 {
			sibling := level[idx]
			if idx+1 < len(level) {
				sibling = level[idx+1]
			}
			proof.Siblings = append(proof.Siblings, sibling)
			proof.Directions = append(proof.Directions, true)
		} else {
			proof.Siblings = append(proof.Siblings, level[idx-1])
			proof.Directions = append(proof.Directions, false)
		}
		idx /= 2
	}

	return proof, nil
}

func (mp *MerkleProof) Verify(expectedRoot string) bool {
	if len(mp.Siblings) != len(mp.Directions) {
		return false
	}

	currentHash := mp.LeafHash
	for i, sibling := range mp.Siblings {
		if mp.Directions[i] {
			currentHash = hashPair(currentHash, sibling)
		} else {
			currentHash = hashPair(sibling, currentHash)
		}
	}

	return currentHash == expectedRoot
}

// hashPair combines two child digests over their raw bytes.
// Children that are not valid hex are hashed as text.
func hashPair(left, right string) string {
	h := sha256.New()
	h.Write(nodeBytes(left))
	h.Write(nodeBytes(right))
	return hex.EncodeToString(h.Sum(nil))
}

func nodeBytes(node string) []byte {
	if b, err := hex.DecodeString(node); err == nil {
		return b
	}
	return []byte(node)
}
