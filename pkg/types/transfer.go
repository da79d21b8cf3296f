package types

import (
	"encoding/json"
	"fmt"
)

// TransferState is a conditional payment locked by a registered transfer
// definition. It is created by a create update, stays in the channel's
// active set, and leaves it when a resolve update attaches a resolver.
type TransferState struct {
	TransferId            Hash             `json:"transferId"`
	ChannelAddress        Hash             `json:"channelAddress"`
	ChannelFactoryAddress Address          `json:"channelFactoryAddress"`
	ChainId               uint64           `json:"chainId"`
	Initiator             Address          `json:"initiator"`
	Responder             Address          `json:"responder"`
	InitiatorIdentifier   PublicIdentifier `json:"initiatorIdentifier"`
	ResponderIdentifier   PublicIdentifier `json:"responderIdentifier"`
	TransferDefinition    Address          `json:"transferDefinition"`
	TransferTimeout       uint64           `json:"transferTimeout"`
	InitialStateHash      Hash             `json:"initialStateHash"`
	// State is the definition-specific transfer state as created.
	State json.RawMessage `json:"transferState"`
	// Resolver is present iff the transfer has been resolved.
	Resolver json.RawMessage `json:"transferResolver,omitempty"`
	Balance  Balance         `json:"balance"`
	AssetId  Address         `json:"assetId"`
	// ChannelNonce is the channel nonce at creation; it feeds the
	// deterministic transfer id.
	ChannelNonce uint64         `json:"channelNonce"`
	Meta         map[string]any `json:"meta,omitempty"`
	InDispute    bool           `json:"inDispute"`
}

// Resolved reports whether a resolver has been attached.
func (t *TransferState) Resolved() bool {
	return len(t.Resolver) > 0
}

// Clone returns a deep copy.
func (t *TransferState) Clone() *TransferState {
	out := *t
	out.Balance = t.Balance.Clone()
	out.State = append(json.RawMessage(nil), t.State...)
	out.Resolver = append(json.RawMessage(nil), t.Resolver...)
	if t.Meta != nil {
		out.Meta = make(map[string]any, len(t.Meta))
		for k, v := range t.Meta {
			out.Meta[k] = v
		}
	}
	return &out
}

// PathElement is one hop of a routed payment.
type PathElement struct {
	Recipient        PublicIdentifier `json:"recipient"`
	RecipientAssetId *Address         `json:"recipientAssetId,omitempty"`
	RecipientChainId *uint64          `json:"recipientChainId,omitempty"`
}

// RoutingMeta is the routing envelope carried in a transfer's meta map.
type RoutingMeta struct {
	RoutingId         string           `json:"routingId"`
	Path              []PathElement    `json:"path"`
	RequireOnline     bool             `json:"requireOnline,omitempty"`
	SenderIdentifier  PublicIdentifier `json:"senderIdentifier,omitempty"`
	EncryptedPreImage string           `json:"encryptedPreImage,omitempty"`
}

// RoutingMetaFromMap decodes routing metadata from an opaque meta map.
// Returns an error when routingId or a non-empty path is missing.
func RoutingMetaFromMap(meta map[string]any) (RoutingMeta, error) {
	var rm RoutingMeta
	if meta == nil {
		return rm, fmt.Errorf("meta missing")
	}
	raw, err := json.Marshal(meta)
	if err != nil {
		return rm, fmt.Errorf("encode meta: %w", err)
	}
	if err := json.Unmarshal(raw, &rm); err != nil {
		return rm, fmt.Errorf("decode routing meta: %w", err)
	}
	if rm.RoutingId == "" {
		return rm, fmt.Errorf("meta missing routingId")
	}
	if len(rm.Path) == 0 || rm.Path[0].Recipient == "" {
		return rm, fmt.Errorf("meta missing path recipient")
	}
	return rm, nil
}

// ToMap merges the routing metadata into a copy of extra (which may be nil).
func (rm RoutingMeta) ToMap(extra map[string]any) map[string]any {
	out := make(map[string]any, len(extra)+4)
	for k, v := range extra {
		out[k] = v
	}
	raw, _ := json.Marshal(rm)
	var self map[string]any
	_ = json.Unmarshal(raw, &self)
	for k, v := range self {
		out[k] = v
	}
	return out
}
