package engine

import (
	"encoding/json"

	"github.com/TomAFrench/vector/pkg/types"
)

// SetupParams opens a channel with a counterparty. The initiating node
// becomes Alice.
type SetupParams struct {
	Counterparty types.PublicIdentifier `json:"counterpartyIdentifier"`
	ChainId      uint64                 `json:"chainId"`
	// Timeout is the dispute timeout in seconds; zero uses the default.
	Timeout uint64 `json:"timeout,omitempty"`
}

// DepositParams reconciles on-chain deposits into the channel balance.
type DepositParams struct {
	ChannelAddress types.Hash    `json:"channelAddress"`
	AssetId        types.Address `json:"assetId"`
}

// CreateParams adds a conditional transfer. Produced by the builder;
// Balance.To carries the transfer participants (initiator first).
type CreateParams struct {
	ChannelAddress       types.Hash      `json:"channelAddress"`
	AssetId              types.Address   `json:"assetId"`
	Balance              types.Balance   `json:"balance"`
	TransferDefinition   types.Address   `json:"transferDefinition"`
	TransferInitialState json.RawMessage `json:"transferInitialState"`
	Timeout              uint64          `json:"timeout"`
	Meta                 map[string]any  `json:"meta,omitempty"`
}

// ResolveParams resolves an active transfer.
type ResolveParams struct {
	ChannelAddress types.Hash      `json:"channelAddress"`
	TransferId     types.Hash      `json:"transferId"`
	Resolver       json.RawMessage `json:"transferResolver"`
	Meta           map[string]any  `json:"meta,omitempty"`
}
