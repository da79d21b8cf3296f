// Package merkle computes the 256-bit commitment over a channel's active
// transfer set that is embedded in every signed update.
//
// Leaves are sorted before tree construction and parent nodes hash their
// children in sorted order, so the root is a commitment to the SET of
// active transfers (order-independent) and proofs carry no direction bits.
package merkle

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"sort"

	"github.com/TomAFrench/vector/pkg/crypto"
	"github.com/TomAFrench/vector/pkg/types"
)

// Leaf computes the leaf hash for one active transfer.
func Leaf(t *types.TransferState) types.Hash {
	var nonce [8]byte
	binary.BigEndian.PutUint64(nonce[:], t.ChannelNonce)
	return crypto.Keccak256(
		t.ChannelAddress[:],
		t.TransferId[:],
		t.TransferDefinition[:],
		t.InitialStateHash[:],
		nonce[:],
	)
}

// Root calculates the merkle root over the active transfer set.
//
// Algorithm:
//   - 0 transfers: zero hash (the empty-tree root)
//   - 1 transfer: its leaf hash
//   - Otherwise: sort leaves, pairwise sorted-hash, duplicating the last
//     element if odd count, then recurse until one hash remains.
func Root(transfers []*types.TransferState) types.Hash {
	leaves := sortedLeaves(transfers)
	return fold(leaves)
}

// Proof returns the sibling path proving transferId's inclusion.
func Proof(transfers []*types.TransferState, transferId types.Hash) ([]types.Hash, error) {
	var target types.Hash
	found := false
	for _, t := range transfers {
		if t.TransferId == transferId {
			target = Leaf(t)
			found = true
			break
		}
	}
	if !found {
		return nil, fmt.Errorf("transfer %s not in active set", transferId)
	}

	level := sortedLeaves(transfers)
	var proof []types.Hash
	for len(level) > 1 {
		if len(level)%2 != 0 {
			level = append(level, level[len(level)-1])
		}
		next := make([]types.Hash, len(level)/2)
		for i := 0; i < len(level); i += 2 {
			parent := hashPair(level[i], level[i+1])
			if level[i] == target || level[i+1] == target {
				sibling := level[i]
				if level[i] == target {
					sibling = level[i+1]
				}
				proof = append(proof, sibling)
				target = parent
			}
			next[i/2] = parent
		}
		level = next
	}
	return proof, nil
}

// Verify checks a leaf's inclusion proof against a root.
func Verify(root, leaf types.Hash, proof []types.Hash) bool {
	current := leaf
	for _, sibling := range proof {
		current = hashPair(current, sibling)
	}
	return current == root
}

func sortedLeaves(transfers []*types.TransferState) []types.Hash {
	leaves := make([]types.Hash, len(transfers))
	for i, t := range transfers {
		leaves[i] = Leaf(t)
	}
	sort.Slice(leaves, func(i, j int) bool {
		return bytes.Compare(leaves[i][:], leaves[j][:]) < 0
	})
	return leaves
}

func fold(level []types.Hash) types.Hash {
	if len(level) == 0 {
		return types.Hash{}
	}
	for len(level) > 1 {
		if len(level)%2 != 0 {
			level = append(level, level[len(level)-1])
		}
		next := make([]types.Hash, len(level)/2)
		for i := 0; i < len(level); i += 2 {
			next[i/2] = hashPair(level[i], level[i+1])
		}
		level = next
	}
	return level[0]
}

// hashPair hashes two nodes in sorted order.
func hashPair(a, b types.Hash) types.Hash {
	if bytes.Compare(a[:], b[:]) > 0 {
		a, b = b, a
	}
	var buf [64]byte
	copy(buf[:32], a[:])
	copy(buf[32:], b[:])
	return crypto.Keccak256(buf[:])
}
