package engine

import (
	"context"
	"fmt"
	"math/big"

	"github.com/TomAFrench/vector/internal/chain"
	"github.com/TomAFrench/vector/pkg/crypto"
	"github.com/TomAFrench/vector/pkg/merkle"
	"github.com/TomAFrench/vector/pkg/types"
)

// generated is the outcome of update generation: the unsigned update,
// the channel state after applying it, and the transfer delta (nil for
// setup/deposit).
type generated struct {
	update   *types.Update
	channel  *types.ChannelState
	transfer *types.TransferState
}

// generateUpdate produces the next update from validated params and the
// current channel state. Pure except for chain reads (deposit totals,
// definition resolve), so both peers derive identical results from
// identical inputs.
func (e *Engine) generateUpdate(ctx context.Context, updateType types.UpdateType, channel *types.ChannelState, active []*types.TransferState, params any) (*generated, error) {
	switch updateType {
	case types.UpdateTypeSetup:
		p, ok := params.(SetupParams)
		if !ok {
			return nil, types.NewError(types.KindValidation, "setup params have wrong shape")
		}
		return e.generateSetup(p)
	case types.UpdateTypeDeposit:
		p, ok := params.(DepositParams)
		if !ok {
			return nil, types.NewError(types.KindValidation, "deposit params have wrong shape")
		}
		return e.generateDeposit(ctx, channel, p)
	case types.UpdateTypeCreate:
		p, ok := params.(CreateParams)
		if !ok {
			return nil, types.NewError(types.KindValidation, "create params have wrong shape")
		}
		return e.generateCreate(channel, active, p)
	case types.UpdateTypeResolve:
		p, ok := params.(ResolveParams)
		if !ok {
			return nil, types.NewError(types.KindValidation, "resolve params have wrong shape")
		}
		return e.generateResolve(ctx, channel, active, p)
	default:
		return nil, types.NewError(types.KindValidation, fmt.Sprintf("unknown update type %q", updateType))
	}
}

func (e *Engine) generateSetup(params SetupParams) (*generated, error) {
	addresses, ok := e.config.ChainAddresses[params.ChainId]
	if !ok {
		return nil, types.NewError(types.KindValidation, "unsupported chain", "chainId", itoa(params.ChainId))
	}

	aliceIdentifier := e.signer.PublicIdentifier()
	bobIdentifier := params.Counterparty
	alice := e.signer.Address()

	bobPub, err := bobIdentifier.PubKey()
	if err != nil {
		return nil, types.NewError(types.KindValidation, "counterparty identifier invalid")
	}
	bob, err := crypto.AddressFromPubKey(bobPub)
	if err != nil {
		return nil, types.WrapError(err, "counterparty address")
	}

	channelAddress, err := e.chain.GetChannelAddress(alice, bob, params.ChainId, addresses.ChannelFactoryAddress)
	if err != nil {
		return nil, types.WrapError(err, "derive channel address")
	}

	networkContext := types.NetworkContext{
		ChainId:                 params.ChainId,
		ChannelFactoryAddress:   addresses.ChannelFactoryAddress,
		TransferRegistryAddress: addresses.TransferRegistryAddress,
		ProviderURL:             e.config.ChainProviders[params.ChainId],
	}

	update := &types.Update{
		ChannelAddress: channelAddress,
		FromIdentifier: aliceIdentifier,
		ToIdentifier:   bobIdentifier,
		Type:           types.UpdateTypeSetup,
		Nonce:          1,
		Balance: types.Balance{
			To:     [2]types.Address{alice, bob},
			Amount: [2]*big.Int{new(big.Int), new(big.Int)},
		},
		Details: types.SetupDetails{Timeout: params.Timeout, NetworkContext: networkContext},
	}

	channel := &types.ChannelState{
		ChannelAddress:  channelAddress,
		AliceIdentifier: aliceIdentifier,
		BobIdentifier:   bobIdentifier,
		Alice:           alice,
		Bob:             bob,
		ChainId:         params.ChainId,
		NetworkContext:  networkContext,
		Nonce:           1,
		LatestUpdate:    update,
		Timeout:         params.Timeout,
	}
	return &generated{update: update, channel: channel}, nil
}

func (e *Engine) generateDeposit(ctx context.Context, channel *types.ChannelState, params DepositParams) (*generated, error) {
	onchainAlice, onchainBob, err := e.chain.LatestDepositByAssetId(ctx, channel.ChainId, channel.ChannelAddress, params.AssetId)
	if err != nil {
		return nil, types.WrapError(err, "read deposit totals", "channelAddress", channel.ChannelAddress.String())
	}

	processedAlice, processedBob := channel.ProcessedDeposits(params.AssetId)
	deltaAlice := new(big.Int).Sub(onchainAlice, processedAlice)
	deltaBob := new(big.Int).Sub(onchainBob, processedBob)
	if deltaAlice.Sign() < 0 || deltaBob.Sign() < 0 {
		return nil, types.NewError(types.KindValidation, "onchain deposit totals regressed",
			"channelAddress", channel.ChannelAddress.String())
	}

	balance := channel.BalanceForAsset(params.AssetId)
	balance.Amount[0] = new(big.Int).Add(balance.Amount[0], deltaAlice)
	balance.Amount[1] = new(big.Int).Add(balance.Amount[1], deltaBob)

	next := channel.Clone()
	next.Nonce = channel.Nonce + 1
	next.SetBalance(params.AssetId, balance)
	next.SetProcessedDeposits(params.AssetId, onchainAlice, onchainBob)

	update := e.newUpdate(channel, types.UpdateTypeDeposit, params.AssetId, balance)
	update.Details = types.DepositDetails{
		TotalDepositsAlice: onchainAlice,
		TotalDepositsBob:   onchainBob,
	}
	next.LatestUpdate = update
	return &generated{update: update, channel: next}, nil
}

func (e *Engine) generateCreate(channel *types.ChannelState, active []*types.TransferState, params CreateParams) (*generated, error) {
	registry, err := e.chain.Definitions(channel.ChainId)
	if err != nil {
		return nil, types.WrapError(err, "definition registry")
	}
	def, ok := registry.ByAddress(params.TransferDefinition)
	if !ok {
		return nil, types.NewError(types.KindInvalidTransferType, "transfer definition not registered",
			"transferDefinition", params.TransferDefinition.String())
	}
	if err := params.Balance.Validate(); err != nil {
		return nil, types.NewError(types.KindValidation, err.Error())
	}
	if err := def.ValidateCreate(params.TransferInitialState, params.Balance); err != nil {
		return nil, types.NewError(types.KindValidation, err.Error())
	}

	// Deduct the transfer balance from the channel participants.
	channelBalance := channel.BalanceForAsset(params.AssetId)
	for i := range params.Balance.Amount {
		slot, err := participantSlot(channel, params.Balance.To[i])
		if err != nil {
			return nil, types.NewError(types.KindValidation, err.Error())
		}
		remaining := new(big.Int).Sub(channelBalance.Amount[slot], params.Balance.Amount[i])
		if remaining.Sign() < 0 {
			return nil, types.NewError(types.KindValidation, "insufficient channel balance for transfer",
				"assetId", params.AssetId.String())
		}
		channelBalance.Amount[slot] = remaining
	}

	encodedState, err := def.EncodeState(params.TransferInitialState)
	if err != nil {
		return nil, types.NewError(types.KindValidation, err.Error())
	}
	initialStateHash := crypto.Keccak256(encodedState)
	nonce := channel.Nonce + 1
	transferId := crypto.TransferId(channel.ChannelAddress, nonce, params.TransferDefinition, initialStateHash)

	transfer := &types.TransferState{
		TransferId:            transferId,
		ChannelAddress:        channel.ChannelAddress,
		ChannelFactoryAddress: channel.NetworkContext.ChannelFactoryAddress,
		ChainId:               channel.ChainId,
		Initiator:             params.Balance.To[0],
		Responder:             params.Balance.To[1],
		InitiatorIdentifier:   identifierFor(channel, params.Balance.To[0]),
		ResponderIdentifier:   identifierFor(channel, params.Balance.To[1]),
		TransferDefinition:    params.TransferDefinition,
		TransferTimeout:       params.Timeout,
		InitialStateHash:      initialStateHash,
		State:                 params.TransferInitialState,
		Balance:               params.Balance.Clone(),
		AssetId:               params.AssetId,
		ChannelNonce:          nonce,
		Meta:                  params.Meta,
	}

	nextActive := append(append([]*types.TransferState{}, active...), transfer)
	root := merkle.Root(nextActive)
	proof, err := merkle.Proof(nextActive, transferId)
	if err != nil {
		return nil, types.WrapError(err, "merkle proof")
	}

	next := channel.Clone()
	next.Nonce = nonce
	next.SetBalance(params.AssetId, channelBalance)
	next.MerkleRoot = root

	update := e.newUpdate(channel, types.UpdateTypeCreate, params.AssetId, channelBalance)
	update.Details = types.CreateDetails{
		TransferId:           transferId,
		TransferDefinition:   params.TransferDefinition,
		TransferTimeout:      params.Timeout,
		TransferInitialState: params.TransferInitialState,
		TransferEncodedState: encodedState,
		Balance:              params.Balance.Clone(),
		MerkleProofData:      proof,
		MerkleRoot:           root,
		Meta:                 params.Meta,
	}
	next.LatestUpdate = update
	return &generated{update: update, channel: next, transfer: transfer}, nil
}

func (e *Engine) generateResolve(ctx context.Context, channel *types.ChannelState, active []*types.TransferState, params ResolveParams) (*generated, error) {
	var transfer *types.TransferState
	nextActive := make([]*types.TransferState, 0, len(active))
	for _, t := range active {
		if t.TransferId == params.TransferId {
			transfer = t.Clone()
			continue
		}
		nextActive = append(nextActive, t)
	}
	if transfer == nil {
		return nil, types.NewError(types.KindTransferNotFound, "transfer not active",
			"transferId", params.TransferId.String(), "channelAddress", channel.ChannelAddress.String())
	}

	resolved, err := e.chain.Resolve(ctx, channel.ChainId, transfer.TransferDefinition, transfer.State, params.Resolver, transfer.Balance)
	if err != nil {
		return nil, types.WrapError(err, "resolve transfer", "transferId", params.TransferId.String())
	}
	if err := resolved.Validate(); err != nil {
		return nil, types.NewError(types.KindValidation, err.Error())
	}
	// Resolution may burn value (withdrawals) but never mint it.
	if resolved.Sum().Cmp(transfer.Balance.Sum()) > 0 {
		return nil, types.NewError(types.KindValidation, "resolved balance exceeds transfer balance",
			"transferId", params.TransferId.String())
	}

	// Credit the resolved amounts back to the channel participants.
	channelBalance := channel.BalanceForAsset(transfer.AssetId)
	for i := range resolved.Amount {
		slot, err := participantSlot(channel, resolved.To[i])
		if err != nil {
			return nil, types.NewError(types.KindValidation, err.Error())
		}
		channelBalance.Amount[slot] = new(big.Int).Add(channelBalance.Amount[slot], resolved.Amount[i])
	}

	root := merkle.Root(nextActive)
	next := channel.Clone()
	next.Nonce = channel.Nonce + 1
	next.SetBalance(transfer.AssetId, channelBalance)
	next.MerkleRoot = root

	transfer.Resolver = params.Resolver
	transfer.Balance = resolved

	update := e.newUpdate(channel, types.UpdateTypeResolve, transfer.AssetId, channelBalance)
	update.Details = types.ResolveDetails{
		TransferId:       params.TransferId,
		TransferResolver: params.Resolver,
		MerkleRoot:       root,
		Meta:             params.Meta,
	}
	next.LatestUpdate = update
	return &generated{update: update, channel: next, transfer: transfer}, nil
}

// newUpdate fills the variant-independent update fields for the leader.
func (e *Engine) newUpdate(channel *types.ChannelState, updateType types.UpdateType, assetId types.Address, balance types.Balance) *types.Update {
	return &types.Update{
		ChannelAddress: channel.ChannelAddress,
		FromIdentifier: e.signer.PublicIdentifier(),
		ToIdentifier:   channel.Counterparty(e.signer.PublicIdentifier()),
		Type:           updateType,
		Nonce:          channel.Nonce + 1,
		Balance:        balance.Clone(),
		AssetId:        assetId,
	}
}

// participantSlot maps a signer address onto the channel's balance
// vector index.
func participantSlot(channel *types.ChannelState, addr types.Address) (int, error) {
	switch addr {
	case channel.Alice:
		return 0, nil
	case channel.Bob:
		return 1, nil
	default:
		return 0, fmt.Errorf("address %s is not a channel participant", addr)
	}
}

func identifierFor(channel *types.ChannelState, addr types.Address) types.PublicIdentifier {
	if addr == channel.Alice {
		return channel.AliceIdentifier
	}
	return channel.BobIdentifier
}

// setupChannelFromUpdate rebuilds the non-leader's channel state from a
// setup update.
func setupChannelFromUpdate(update *types.Update, reader chain.Reader) (*types.ChannelState, error) {
	details, ok := update.Details.(types.SetupDetails)
	if !ok {
		return nil, types.NewError(types.KindValidation, "setup update missing details")
	}

	alicePub, err := update.FromIdentifier.PubKey()
	if err != nil {
		return nil, types.NewError(types.KindValidation, "invalid alice identifier")
	}
	alice, err := crypto.AddressFromPubKey(alicePub)
	if err != nil {
		return nil, types.WrapError(err, "alice address")
	}
	bobPub, err := update.ToIdentifier.PubKey()
	if err != nil {
		return nil, types.NewError(types.KindValidation, "invalid bob identifier")
	}
	bob, err := crypto.AddressFromPubKey(bobPub)
	if err != nil {
		return nil, types.WrapError(err, "bob address")
	}

	chainId := details.NetworkContext.ChainId
	if chainId == 0 {
		return nil, types.NewError(types.KindValidation, "setup update missing chainId")
	}

	expected, err := reader.GetChannelAddress(alice, bob, chainId, details.NetworkContext.ChannelFactoryAddress)
	if err != nil {
		return nil, types.WrapError(err, "derive channel address")
	}
	if expected != update.ChannelAddress {
		return nil, types.NewError(types.KindValidation, "channel address does not match create2 derivation",
			"channelAddress", update.ChannelAddress.String())
	}

	return &types.ChannelState{
		ChannelAddress:  update.ChannelAddress,
		AliceIdentifier: update.FromIdentifier,
		BobIdentifier:   update.ToIdentifier,
		Alice:           alice,
		Bob:             bob,
		ChainId:         chainId,
		NetworkContext:  details.NetworkContext,
		Nonce:           1,
		LatestUpdate:    update,
		Timeout:         details.Timeout,
	}, nil
}
