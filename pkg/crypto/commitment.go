package crypto

import (
	"encoding/binary"
	"fmt"
	"math/big"

	"github.com/TomAFrench/vector/pkg/types"
)

// Update type tags inside the commitment preimage.
var updateTypeTag = map[types.UpdateType]byte{
	types.UpdateTypeSetup:   1,
	types.UpdateTypeDeposit: 2,
	types.UpdateTypeCreate:  3,
	types.UpdateTypeResolve: 4,
}

// UpdateCommitment computes the digest both parties sign for an update.
// The preimage pins every semantically relevant field, so two honestly
// generated updates agree iff their contents agree.
func UpdateCommitment(u *types.Update, chainId uint64) (types.Hash, error) {
	tag, ok := updateTypeTag[u.Type]
	if !ok {
		return types.Hash{}, fmt.Errorf("unknown update type %q", u.Type)
	}

	detailsHash, err := detailsCommitment(u)
	if err != nil {
		return types.Hash{}, err
	}

	var nonce, chain [8]byte
	binary.BigEndian.PutUint64(nonce[:], u.Nonce)
	binary.BigEndian.PutUint64(chain[:], chainId)

	return Keccak256(
		u.ChannelAddress[:],
		[]byte{tag},
		nonce[:],
		chain[:],
		u.AssetId[:],
		balanceBytes(u.Balance),
		detailsHash[:],
	), nil
}

func detailsCommitment(u *types.Update) (types.Hash, error) {
	switch d := u.Details.(type) {
	case types.SetupDetails:
		var timeout [8]byte
		binary.BigEndian.PutUint64(timeout[:], d.Timeout)
		return Keccak256(
			timeout[:],
			d.NetworkContext.ChannelFactoryAddress[:],
			d.NetworkContext.TransferRegistryAddress[:],
		), nil
	case types.DepositDetails:
		return Keccak256(amountBytes(d.TotalDepositsAlice), amountBytes(d.TotalDepositsBob)), nil
	case types.CreateDetails:
		var timeout [8]byte
		binary.BigEndian.PutUint64(timeout[:], d.TransferTimeout)
		stateHash := Keccak256(d.TransferEncodedState)
		return Keccak256(
			d.TransferId[:],
			d.TransferDefinition[:],
			timeout[:],
			stateHash[:],
			balanceBytes(d.Balance),
			d.MerkleRoot[:],
		), nil
	case types.ResolveDetails:
		resolverHash := Keccak256(d.TransferResolver)
		return Keccak256(d.TransferId[:], resolverHash[:], d.MerkleRoot[:]), nil
	default:
		return types.Hash{}, fmt.Errorf("update %d missing details", u.Nonce)
	}
}

func balanceBytes(b types.Balance) []byte {
	out := make([]byte, 0, 2*types.AddressSize+2*32)
	out = append(out, b.To[0][:]...)
	out = append(out, b.To[1][:]...)
	out = append(out, amountBytes(b.Amount[0])...)
	out = append(out, amountBytes(b.Amount[1])...)
	return out
}

func amountBytes(amt *big.Int) []byte {
	var buf [32]byte
	if amt != nil && amt.Sign() > 0 {
		amt.FillBytes(buf[:])
	}
	return buf[:]
}
