// Package builder converts user-facing transfer, resolve, and withdraw
// parameters into the protocol create/resolve params the engine
// executes.
package builder

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math/big"
	"strings"

	"github.com/google/uuid"

	"github.com/TomAFrench/vector/internal/chain"
	"github.com/TomAFrench/vector/internal/engine"
	"github.com/TomAFrench/vector/internal/signer"
	"github.com/TomAFrench/vector/pkg/crypto"
	"github.com/TomAFrench/vector/pkg/definitions"
	"github.com/TomAFrench/vector/pkg/types"
)

// DefaultTransferTimeout is applied when the caller leaves the transfer
// timeout unset (seconds).
const DefaultTransferTimeout = 86400

// Meta keys holding plaintext secrets that must never travel unencrypted.
const (
	metaPreImage = "preImage"
	metaSecret   = "secret"
)

// TransferInput is the user-facing shape of a conditional transfer.
type TransferInput struct {
	Type             string                 `json:"type"` // registry name or 0x-address
	ChannelAddress   types.Hash             `json:"channelAddress"`
	Amount           *big.Int               `json:"-"`
	AssetId          types.Address          `json:"assetId"`
	Details          json.RawMessage        `json:"details"`
	Recipient        types.PublicIdentifier `json:"recipient,omitempty"`
	RecipientChainId *uint64                `json:"recipientChainId,omitempty"`
	RecipientAssetId *types.Address         `json:"recipientAssetId,omitempty"`
	RequireOnline    bool                   `json:"requireOnline,omitempty"`
	Timeout          uint64                 `json:"timeout,omitempty"`
	Meta             map[string]any         `json:"meta,omitempty"`
}

// ResolveInput is the user-facing shape of a transfer resolution.
type ResolveInput struct {
	ChannelAddress types.Hash      `json:"channelAddress"`
	TransferId     types.Hash      `json:"transferId"`
	Resolver       json.RawMessage `json:"transferResolver"`
	Meta           map[string]any  `json:"meta,omitempty"`
}

// WithdrawInput is the user-facing shape of a withdrawal.
type WithdrawInput struct {
	ChannelAddress types.Hash    `json:"channelAddress"`
	Amount         *big.Int      `json:"-"`
	AssetId        types.Address `json:"assetId"`
	// Recipient is the on-chain payout address.
	Recipient types.Address  `json:"recipient"`
	Fee       *big.Int       `json:"-"`
	Meta      map[string]any `json:"meta,omitempty"`
}

// Builder resolves definitions and encodes protocol params.
type Builder struct {
	signer *signer.Signer
	chain  chain.Reader
}

// New creates a builder.
func New(sig *signer.Signer, reader chain.Reader) *Builder {
	return &Builder{signer: sig, chain: reader}
}

// lookupDefinition resolves a registry name or literal address.
func (b *Builder) lookupDefinition(chainId uint64, transferType string) (definitions.Definition, types.Address, error) {
	registry, err := b.chain.Definitions(chainId)
	if err != nil {
		return nil, types.Address{}, types.WrapError(err, "definition registry")
	}
	if strings.HasPrefix(transferType, "0x") {
		addr, err := types.AddressFromHex(transferType)
		if err != nil {
			return nil, types.Address{}, types.NewError(types.KindInvalidTransferType, "invalid definition address",
				"transferType", transferType)
		}
		def, ok := registry.ByAddress(addr)
		if !ok {
			return nil, types.Address{}, types.NewError(types.KindInvalidTransferType, "definition not registered",
				"transferType", transferType)
		}
		return def, addr, nil
	}
	def, addr, ok := registry.ByName(transferType)
	if !ok {
		return nil, types.Address{}, types.NewError(types.KindInvalidTransferType, "definition not registered",
			"transferType", transferType)
	}
	return def, addr, nil
}

// ConvertTransferParams builds protocol create params from a
// user-facing conditional transfer.
func (b *Builder) ConvertTransferParams(in TransferInput, channel *types.ChannelState) (engine.CreateParams, error) {
	var zero engine.CreateParams
	if in.Amount == nil || in.Amount.Sign() <= 0 {
		return zero, types.NewError(types.KindValidation, "transfer amount must be positive")
	}
	def, defAddr, err := b.lookupDefinition(channel.ChainId, in.Type)
	if err != nil {
		return zero, err
	}

	self := b.signer.PublicIdentifier()
	initiator, _, err := channel.Participant(self)
	if err != nil {
		return zero, types.NewError(types.KindValidation, err.Error())
	}
	counterparty := channel.Counterparty(self)
	responder, _, err := channel.Participant(counterparty)
	if err != nil {
		return zero, types.NewError(types.KindValidation, err.Error())
	}

	meta, err := b.routingMeta(in, counterparty, def)
	if err != nil {
		return zero, err
	}

	timeout := in.Timeout
	if timeout == 0 {
		timeout = DefaultTransferTimeout
	}

	return engine.CreateParams{
		ChannelAddress: in.ChannelAddress,
		AssetId:        in.AssetId,
		Balance: types.Balance{
			To:     [2]types.Address{initiator, responder},
			Amount: [2]*big.Int{new(big.Int).Set(in.Amount), new(big.Int)},
		},
		TransferDefinition:   defAddr,
		TransferInitialState: in.Details,
		Timeout:              timeout,
		Meta:                 meta,
	}, nil
}

// routingMeta attaches the routing envelope and encrypts any plaintext
// secret under the final recipient's identifier.
func (b *Builder) routingMeta(in TransferInput, counterparty types.PublicIdentifier, def definitions.Definition) (map[string]any, error) {
	meta := make(map[string]any, len(in.Meta)+4)
	for k, v := range in.Meta {
		meta[k] = v
	}

	recipient := in.Recipient
	if recipient == "" {
		recipient = counterparty
	}
	if !recipient.Valid() {
		return nil, types.NewError(types.KindValidation, "invalid recipient identifier")
	}

	rm := types.RoutingMeta{
		RequireOnline: in.RequireOnline,
		Path: []types.PathElement{{
			Recipient:        recipient,
			RecipientAssetId: in.RecipientAssetId,
			RecipientChainId: in.RecipientChainId,
		}},
	}
	if existing, err := types.RoutingMetaFromMap(in.Meta); err == nil {
		rm.RoutingId = existing.RoutingId
	} else {
		rm.RoutingId = uuid.NewString()
	}

	if def.RequiresEncryptedSecret() {
		if err := encryptSecret(meta, &rm, recipient); err != nil {
			return nil, err
		}
	}
	return rm.ToMap(meta), nil
}

// encryptSecret moves a plaintext preimage/secret out of the meta map
// into an ECIES envelope only the recipient can open.
func encryptSecret(meta map[string]any, rm *types.RoutingMeta, recipient types.PublicIdentifier) error {
	for _, key := range []string{metaPreImage, metaSecret} {
		raw, ok := meta[key]
		if !ok {
			continue
		}
		plaintext, ok := raw.(string)
		if !ok {
			return types.NewError(types.KindValidation, fmt.Sprintf("meta %s must be a string", key))
		}
		encrypted, err := signer.EncryptToHex(recipient, []byte(plaintext))
		if err != nil {
			return types.WrapError(err, "encrypt transfer secret")
		}
		rm.EncryptedPreImage = encrypted
		delete(meta, key)
	}
	return nil
}

// ConvertResolveConditionParams builds protocol resolve params.
func (b *Builder) ConvertResolveConditionParams(in ResolveInput) (engine.ResolveParams, error) {
	if len(in.Resolver) == 0 {
		return engine.ResolveParams{}, types.NewError(types.KindValidation, "resolver missing")
	}
	return engine.ResolveParams{
		ChannelAddress: in.ChannelAddress,
		TransferId:     in.TransferId,
		Resolver:       in.Resolver,
		Meta:           in.Meta,
	}, nil
}

// ConvertWithdrawParams models a withdrawal as a co-signed transfer: the
// initiator pre-signs the withdrawal commitment, and resolution by the
// counterparty releases the funds for on-chain payout.
func (b *Builder) ConvertWithdrawParams(_ context.Context, in WithdrawInput, channel *types.ChannelState) (engine.CreateParams, error) {
	var zero engine.CreateParams
	if in.Amount == nil || in.Amount.Sign() <= 0 {
		return zero, types.NewError(types.KindValidation, "withdrawal amount must be positive")
	}
	if in.Recipient.IsZero() {
		return zero, types.NewError(types.KindValidation, "withdrawal recipient missing")
	}
	fee := in.Fee
	if fee == nil {
		fee = new(big.Int)
	}
	if fee.Cmp(in.Amount) > 0 {
		return zero, types.NewError(types.KindValidation, "withdrawal fee exceeds amount")
	}

	_, defAddr, err := b.lookupDefinition(channel.ChainId, definitions.WithdrawName)
	if err != nil {
		return zero, err
	}

	self := b.signer.PublicIdentifier()
	initiator, _, err := channel.Participant(self)
	if err != nil {
		return zero, types.NewError(types.KindValidation, err.Error())
	}
	responder, _, err := channel.Participant(channel.Counterparty(self))
	if err != nil {
		return zero, types.NewError(types.KindValidation, err.Error())
	}

	nonce := channel.Nonce + 1
	data := withdrawCommitment(channel.ChannelAddress, in.Recipient, in.AssetId, in.Amount, nonce)
	initiatorSig, err := b.signer.SignMessage(data.Bytes())
	if err != nil {
		return zero, types.WrapError(err, "sign withdrawal commitment")
	}

	state := definitions.WithdrawState{
		InitiatorSignature: initiatorSig,
		Initiator:          initiator,
		Responder:          responder,
		Data:               data,
		Nonce:              nonce,
		Fee:                fee,
	}
	rawState, err := json.Marshal(state)
	if err != nil {
		return zero, types.WrapError(err, "encode withdraw state")
	}

	meta := make(map[string]any, len(in.Meta)+2)
	for k, v := range in.Meta {
		meta[k] = v
	}
	meta["withdrawNonce"] = nonce
	meta["withdrawRecipient"] = in.Recipient.String()

	return engine.CreateParams{
		ChannelAddress: in.ChannelAddress,
		AssetId:        in.AssetId,
		Balance: types.Balance{
			To:     [2]types.Address{initiator, responder},
			Amount: [2]*big.Int{new(big.Int).Set(in.Amount), new(big.Int)},
		},
		TransferDefinition:   defAddr,
		TransferInitialState: rawState,
		Timeout:              DefaultTransferTimeout,
		Meta:                 meta,
	}, nil
}

// withdrawCommitment is the digest both parties sign for a withdrawal.
func withdrawCommitment(channelAddress types.Hash, recipient, assetId types.Address, amount *big.Int, nonce uint64) types.Hash {
	var amt [32]byte
	if amount.Sign() > 0 {
		amount.FillBytes(amt[:])
	}
	var n8 [8]byte
	binary.BigEndian.PutUint64(n8[:], nonce)
	return crypto.Keccak256(channelAddress[:], recipient[:], assetId[:], amt[:], n8[:])
}
