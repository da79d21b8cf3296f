package config

import (
	"encoding/json"
	"fmt"
	"math/big"
	"os"

	"github.com/TomAFrench/vector/pkg/types"
)

// Network is the shared network definition: which chains the node
// serves, where the contracts live, and the router's pricing and
// collateral tables. Loaded from JSON; identical across the operators
// of one deployment.
type Network struct {
	ChainProviders    map[uint64]string         `json:"chainProviders"`
	ChainAddresses    map[uint64]ChainAddresses `json:"chainAddresses"`
	AllowedSwaps      []AllowedSwap             `json:"allowedSwaps,omitempty"`
	RebalanceProfiles []RebalanceProfile        `json:"rebalanceProfiles,omitempty"`
}

// ChainAddresses pins one chain's contract deployment.
type ChainAddresses struct {
	ChannelFactoryAddress   types.Address `json:"channelFactoryAddress"`
	TransferRegistryAddress types.Address `json:"transferRegistryAddress"`
	// Definition deployments on this chain, keyed by registry name.
	TransferDefinitions map[string]types.Address `json:"transferDefinitions,omitempty"`
}

// AllowedSwap is one configured conversion pair.
type AllowedSwap struct {
	FromChainId uint64        `json:"fromChainId"`
	ToChainId   uint64        `json:"toChainId"`
	FromAssetId types.Address `json:"fromAssetId"`
	ToAssetId   types.Address `json:"toAssetId"`
	Rate        string        `json:"rate"`
}

// RebalanceProfile bounds collateral per (chain, asset). Amounts are
// decimal strings in the asset's base units.
type RebalanceProfile struct {
	ChainId                uint64        `json:"chainId"`
	AssetId                types.Address `json:"assetId"`
	ReclaimThreshold       string        `json:"reclaimThreshold"`
	Target                 string        `json:"target"`
	CollateralizeThreshold string        `json:"collateralizeThreshold"`
}

// Amounts parses the profile's decimal strings.
func (p *RebalanceProfile) Amounts() (reclaim, target, collateralize *big.Int, err error) {
	parse := func(s, name string) (*big.Int, error) {
		if s == "" {
			return new(big.Int), nil
		}
		v, ok := new(big.Int).SetString(s, 10)
		if !ok || v.Sign() < 0 {
			return nil, fmt.Errorf("rebalance profile %s %q invalid", name, s)
		}
		return v, nil
	}
	if reclaim, err = parse(p.ReclaimThreshold, "reclaimThreshold"); err != nil {
		return nil, nil, nil, err
	}
	if target, err = parse(p.Target, "target"); err != nil {
		return nil, nil, nil, err
	}
	if collateralize, err = parse(p.CollateralizeThreshold, "collateralizeThreshold"); err != nil {
		return nil, nil, nil, err
	}
	return reclaim, target, collateralize, nil
}

// LoadNetwork reads and validates a network definition file.
func LoadNetwork(path string) (*Network, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read network file: %w", err)
	}
	var network Network
	if err := json.Unmarshal(data, &network); err != nil {
		return nil, fmt.Errorf("parse network file: %w", err)
	}
	if err := network.Validate(); err != nil {
		return nil, err
	}
	return &network, nil
}

// Validate checks the network definition for operator mistakes.
func (n *Network) Validate() error {
	if len(n.ChainProviders) == 0 {
		return fmt.Errorf("network defines no chain providers")
	}
	for chainId := range n.ChainProviders {
		if _, ok := n.ChainAddresses[chainId]; !ok {
			return fmt.Errorf("chain %d has a provider but no contract addresses", chainId)
		}
	}
	for chainId, addrs := range n.ChainAddresses {
		if _, ok := n.ChainProviders[chainId]; !ok {
			return fmt.Errorf("chain %d has contract addresses but no provider", chainId)
		}
		if addrs.ChannelFactoryAddress.IsZero() {
			return fmt.Errorf("chain %d missing channelFactoryAddress", chainId)
		}
		if addrs.TransferRegistryAddress.IsZero() {
			return fmt.Errorf("chain %d missing transferRegistryAddress", chainId)
		}
	}
	for i, swap := range n.AllowedSwaps {
		if _, ok := n.ChainProviders[swap.FromChainId]; !ok {
			return fmt.Errorf("allowedSwaps[%d] references unknown chain %d", i, swap.FromChainId)
		}
		if _, ok := n.ChainProviders[swap.ToChainId]; !ok {
			return fmt.Errorf("allowedSwaps[%d] references unknown chain %d", i, swap.ToChainId)
		}
		if swap.Rate == "" {
			return fmt.Errorf("allowedSwaps[%d] missing rate", i)
		}
	}
	for i, profile := range n.RebalanceProfiles {
		if _, ok := n.ChainProviders[profile.ChainId]; !ok {
			return fmt.Errorf("rebalanceProfiles[%d] references unknown chain %d", i, profile.ChainId)
		}
		if _, _, _, err := profile.Amounts(); err != nil {
			return fmt.Errorf("rebalanceProfiles[%d]: %w", i, err)
		}
	}
	return nil
}
