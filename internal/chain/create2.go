package chain

import (
	"encoding/binary"

	"github.com/TomAFrench/vector/pkg/crypto"
	"github.com/TomAFrench/vector/pkg/types"
)

// channelProxyInitCodeHash commits to the minimal-proxy init code every
// factory deploys. All factories across chains share the proxy, so the
// hash is a protocol constant.
var channelProxyInitCodeHash = crypto.Keccak256([]byte("vector-channel-proxy-v1"))

// ChannelAddress derives the Create2-style channel address:
// keccak(0xff ‖ factory ‖ salt ‖ initCodeHash) with
// salt = keccak(alice ‖ bob ‖ chainId_be8). The digest is kept
// untruncated so channels key on a full 32-byte value.
func ChannelAddress(alice, bob types.Address, chainId uint64, factory types.Address) types.Hash {
	var chain [8]byte
	binary.BigEndian.PutUint64(chain[:], chainId)
	salt := crypto.Keccak256(alice[:], bob[:], chain[:])
	return crypto.Keccak256(
		[]byte{0xff},
		factory[:],
		salt[:],
		channelProxyInitCodeHash[:],
	)
}
