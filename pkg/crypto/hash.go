// Package crypto provides the hashing and signature primitives of the
// vector protocol: keccak commitments signed EIP-191 style, and cheap
// content ids for non-consensus bookkeeping.
package crypto

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"

	gethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/zeebo/blake3"

	"github.com/TomAFrench/vector/pkg/types"
)

// Keccak256 hashes the concatenation of the inputs.
func Keccak256(data ...[]byte) types.Hash {
	var h types.Hash
	copy(h[:], gethcrypto.Keccak256(data...))
	return h
}

// EthMessageHash returns the EIP-191 personal-message digest of data.
func EthMessageHash(data []byte) types.Hash {
	prefix := fmt.Sprintf("\x19Ethereum Signed Message:\n%d", len(data))
	return Keccak256([]byte(prefix), data)
}

// AddressFromPubKey derives the 20-byte signer address from a 33-byte
// compressed secp256k1 public key: keccak(uncompressed[1:])[12:].
func AddressFromPubKey(compressed []byte) (types.Address, error) {
	var addr types.Address
	pub, err := gethcrypto.DecompressPubkey(compressed)
	if err != nil {
		return addr, fmt.Errorf("decompress pubkey: %w", err)
	}
	copy(addr[:], gethcrypto.PubkeyToAddress(*pub).Bytes())
	return addr, nil
}

// TransferId derives the deterministic transfer id both peers compute:
// keccak(channelAddress ‖ nonce_be8 ‖ definition ‖ initialStateHash).
func TransferId(channelAddress types.Hash, channelNonce uint64, definition types.Address, initialStateHash types.Hash) types.Hash {
	var nonce [8]byte
	binary.BigEndian.PutUint64(nonce[:], channelNonce)
	return Keccak256(channelAddress[:], nonce[:], definition[:], initialStateHash[:])
}

// ContentId returns a short blake3 hex id over data. Used for queued
// update row ids; never part of signed state.
func ContentId(data []byte) string {
	sum := blake3.Sum256(data)
	return hex.EncodeToString(sum[:16])
}
