package types

import (
	"fmt"
	"math/big"
)

// NetworkContext pins the on-chain anchoring of a channel: the factory
// that derives its address, the registry of transfer definitions, and
// the provider the chain reader uses.
type NetworkContext struct {
	ChainId                 uint64  `json:"chainId"`
	ChannelFactoryAddress   Address `json:"channelFactoryAddress"`
	TransferRegistryAddress Address `json:"transferRegistryAddress"`
	ProviderURL             string  `json:"providerUrl"`
}

// ChannelState is the durable state of a two-party channel. It is the
// result of applying the totally ordered update sequence up to Nonce.
type ChannelState struct {
	ChannelAddress     Hash             `json:"channelAddress"`
	AliceIdentifier    PublicIdentifier `json:"aliceIdentifier"`
	BobIdentifier      PublicIdentifier `json:"bobIdentifier"`
	Alice              Address          `json:"alice"`
	Bob                Address          `json:"bob"`
	ChainId            uint64           `json:"chainId"`
	NetworkContext     NetworkContext   `json:"networkContext"`
	Nonce              uint64           `json:"nonce"`
	LatestUpdate       *Update          `json:"latestUpdate,omitempty"`
	Balances           []Balance        `json:"balances"`
	ProcessedDepositsA Amounts          `json:"processedDepositsA"`
	ProcessedDepositsB Amounts          `json:"processedDepositsB"`
	AssetIds           []Address        `json:"assetIds"`
	MerkleRoot         Hash             `json:"merkleRoot"`
	Timeout            uint64           `json:"timeout"`
	InDispute          bool             `json:"inDispute"`
}

// Participant returns (signerAddress, isAlice) for the given identifier.
func (c *ChannelState) Participant(id PublicIdentifier) (Address, bool, error) {
	switch id {
	case c.AliceIdentifier:
		return c.Alice, true, nil
	case c.BobIdentifier:
		return c.Bob, false, nil
	default:
		return Address{}, false, fmt.Errorf("identifier %s is not a participant of %s", id, c.ChannelAddress)
	}
}

// Counterparty returns the other peer's identifier.
func (c *ChannelState) Counterparty(self PublicIdentifier) PublicIdentifier {
	if self == c.AliceIdentifier {
		return c.BobIdentifier
	}
	return c.AliceIdentifier
}

// AssetIdx returns the index of assetId in AssetIds, or -1.
func (c *ChannelState) AssetIdx(assetId Address) int {
	for i, a := range c.AssetIds {
		if a == assetId {
			return i
		}
	}
	return -1
}

// BalanceForAsset returns the balance vector for assetId. A zero-amount
// balance addressed to the participants is returned for unseen assets.
func (c *ChannelState) BalanceForAsset(assetId Address) Balance {
	if idx := c.AssetIdx(assetId); idx >= 0 {
		return c.Balances[idx].Clone()
	}
	return Balance{
		To:     [2]Address{c.Alice, c.Bob},
		Amount: [2]*big.Int{new(big.Int), new(big.Int)},
	}
}

// SetBalance stores the balance vector for assetId, registering the asset
// on first touch. Processed-deposit slots grow in lockstep with AssetIds.
func (c *ChannelState) SetBalance(assetId Address, balance Balance) {
	if idx := c.AssetIdx(assetId); idx >= 0 {
		c.Balances[idx] = balance.Clone()
		return
	}
	c.AssetIds = append(c.AssetIds, assetId)
	c.Balances = append(c.Balances, balance.Clone())
	c.ProcessedDepositsA = append(c.ProcessedDepositsA, new(big.Int))
	c.ProcessedDepositsB = append(c.ProcessedDepositsB, new(big.Int))
}

// ProcessedDeposits returns (alice, bob) cumulative reconciled deposits
// for assetId. Zero for unseen assets.
func (c *ChannelState) ProcessedDeposits(assetId Address) (*big.Int, *big.Int) {
	idx := c.AssetIdx(assetId)
	if idx < 0 || idx >= len(c.ProcessedDepositsA) || idx >= len(c.ProcessedDepositsB) {
		return new(big.Int), new(big.Int)
	}
	return new(big.Int).Set(c.ProcessedDepositsA[idx]), new(big.Int).Set(c.ProcessedDepositsB[idx])
}

// SetProcessedDeposits stores cumulative deposit totals for assetId.
func (c *ChannelState) SetProcessedDeposits(assetId Address, alice, bob *big.Int) {
	idx := c.AssetIdx(assetId)
	if idx < 0 {
		c.SetBalance(assetId, Balance{
			To:     [2]Address{c.Alice, c.Bob},
			Amount: [2]*big.Int{new(big.Int), new(big.Int)},
		})
		idx = c.AssetIdx(assetId)
	}
	c.ProcessedDepositsA[idx] = new(big.Int).Set(alice)
	c.ProcessedDepositsB[idx] = new(big.Int).Set(bob)
}

// Clone returns a deep copy of the channel state.
func (c *ChannelState) Clone() *ChannelState {
	out := *c
	out.Balances = make([]Balance, len(c.Balances))
	for i, b := range c.Balances {
		out.Balances[i] = b.Clone()
	}
	out.AssetIds = append([]Address(nil), c.AssetIds...)
	out.ProcessedDepositsA = c.ProcessedDepositsA.Clone()
	out.ProcessedDepositsB = c.ProcessedDepositsB.Clone()
	if c.LatestUpdate != nil {
		u := c.LatestUpdate.Clone()
		out.LatestUpdate = &u
	}
	return &out
}
