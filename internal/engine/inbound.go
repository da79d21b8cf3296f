package engine

import (
	"context"
	"math/big"

	"github.com/TomAFrench/vector/internal/messaging"
	"github.com/TomAFrench/vector/pkg/crypto"
	"github.com/TomAFrench/vector/pkg/types"
)

// handleProtocolMessage is the non-leader side of the protocol. It
// validates, applies, counter-signs, persists, and replies with the
// doubly-signed update — or with a structured error on the reply inbox.
func (e *Engine) handleProtocolMessage(ctx context.Context, from types.PublicIdentifier, env messaging.ProtocolEnvelope) messaging.ProtocolEnvelope {
	update := env.Update
	if update == nil || !update.Type.Valid() || update.Details == nil {
		// Malformed traffic gets no protocol answer; the leader times out.
		e.logger.Warn().Str("from", from.String()).Msg("malformed protocol message")
		return messaging.ProtocolEnvelope{}
	}
	if update.FromIdentifier == e.signer.PublicIdentifier() {
		return messaging.ProtocolEnvelope{} // Self-sent loop.
	}

	mu := e.channelMutex(update.ChannelAddress)
	mu.Lock()
	defer mu.Unlock()

	channel, _ := e.store.GetChannelState(update.ChannelAddress)
	var localNonce uint64
	if channel != nil {
		localNonce = channel.Nonce
	}

	switch {
	case update.Nonce == localNonce+1:
		return e.applyAndReply(ctx, channel, update)

	case update.Nonce == localNonce+2 && env.PreviousUpdate != nil && env.PreviousUpdate.Nonce == localNonce+1:
		// Sync: the doubly-signed previous update fills our gap, then the
		// new update applies normally.
		synced, _, err := e.applySignedUpdate(ctx, channel, env.PreviousUpdate)
		if err != nil {
			return errorReply(err, update)
		}
		return e.applyAndReply(ctx, synced, update)

	case update.Nonce <= localNonce:
		// The leader is behind; hand it our latest so it can sync.
		reply := messaging.ProtocolEnvelope{
			Error: types.NewError(types.KindStaleUpdate, "update nonce behind local state",
				"channelAddress", update.ChannelAddress.String(), "localNonce", itoa(localNonce)),
		}
		if channel != nil {
			reply.Update = channel.LatestUpdate
		}
		return reply

	default:
		return errorReply(types.NewError(types.KindRestoreNeeded, "nonce gap not syncable",
			"channelAddress", update.ChannelAddress.String(), "localNonce", itoa(localNonce)), update)
	}
}

func errorReply(err error, update *types.Update) messaging.ProtocolEnvelope {
	var typed *types.Error
	if e, ok := err.(*types.Error); ok {
		typed = e
	} else {
		typed = types.WrapError(err, "inbound protocol failure")
	}
	return messaging.ProtocolEnvelope{Error: typed.With("nonce", itoa(update.Nonce))}
}

// applyAndReply validates a single-step update, counter-signs it, and
// persists atomically.
func (e *Engine) applyAndReply(ctx context.Context, channel *types.ChannelState, update *types.Update) messaging.ProtocolEnvelope {
	var previous *types.Update
	if channel != nil {
		previous = channel.LatestUpdate
	}

	gen, err := e.deriveApplied(ctx, channel, update, false)
	if err != nil {
		return errorReply(err, update)
	}

	// Verify the leader's signature over the commitment.
	commitment, err := crypto.UpdateCommitment(update, gen.channel.ChainId)
	if err != nil {
		return errorReply(types.WrapError(err, "commitment"), update)
	}
	leaderAddr, leaderIsAlice, err := gen.channel.Participant(update.FromIdentifier)
	if err != nil {
		return errorReply(types.NewError(types.KindValidation, err.Error()), update)
	}
	leaderSig := update.SignatureFor(leaderIsAlice)
	if len(leaderSig) == 0 {
		return errorReply(types.NewError(types.KindBadSignatures, "update missing leader signature"), update)
	}
	if err := crypto.VerifyEthMessage(commitment.Bytes(), leaderSig, leaderAddr); err != nil {
		return errorReply(types.NewError(types.KindBadSignatures, err.Error()), update)
	}

	if e.validateInbound != nil {
		if err := e.validateInbound(ctx, gen.channel, update); err != nil {
			return errorReply(types.WrapError(err, "inbound validation rejected update"), update)
		}
	}

	// Counter-sign and persist.
	counterSig, err := e.signer.SignMessage(commitment.Bytes())
	if err != nil {
		return errorReply(types.WrapError(err, "counter-sign"), update)
	}
	update.SetSignature(!leaderIsAlice, counterSig)
	gen.channel.LatestUpdate = update

	if err := e.store.SaveChannelState(gen.channel, gen.transfer); err != nil {
		return errorReply(types.WrapError(err, "persist channel"), update)
	}
	e.emitUpdateEvents(gen.channel, update, gen.transfer)

	e.logger.Debug().
		Str("channel_address", update.ChannelAddress.String()).
		Str("type", string(update.Type)).
		Uint64("nonce", update.Nonce).
		Msg("inbound update applied")
	return messaging.ProtocolEnvelope{Update: update, PreviousUpdate: previous}
}

// applySignedUpdate applies an already doubly-signed update (the sync
// path). Content is revalidated and both signatures must verify.
func (e *Engine) applySignedUpdate(ctx context.Context, channel *types.ChannelState, update *types.Update) (*types.ChannelState, *types.TransferState, error) {
	if update == nil || !update.Type.Valid() || update.Details == nil {
		return nil, nil, types.NewError(types.KindValidation, "malformed sync update")
	}

	gen, err := e.deriveApplied(ctx, channel, update, true)
	if err != nil {
		return nil, nil, err
	}

	commitment, err := crypto.UpdateCommitment(update, gen.channel.ChainId)
	if err != nil {
		return nil, nil, types.WrapError(err, "commitment")
	}
	if err := crypto.VerifyEthMessage(commitment.Bytes(), update.AliceSignature, gen.channel.Alice); err != nil {
		return nil, nil, types.NewError(types.KindBadSignatures, "alice signature: "+err.Error())
	}
	if err := crypto.VerifyEthMessage(commitment.Bytes(), update.BobSignature, gen.channel.Bob); err != nil {
		return nil, nil, types.NewError(types.KindBadSignatures, "bob signature: "+err.Error())
	}

	gen.channel.LatestUpdate = update
	if err := e.store.SaveChannelState(gen.channel, gen.transfer); err != nil {
		return nil, nil, types.WrapError(err, "persist channel")
	}
	e.emitUpdateEvents(gen.channel, update, gen.transfer)
	return gen.channel, gen.transfer, nil
}

// deriveApplied recomputes the post-update state from the local view and
// the update's details. Any divergence between derived and claimed
// values rejects the update. When trustDeposit is set (doubly-signed
// sync path) deposit totals are taken as agreed instead of re-read.
func (e *Engine) deriveApplied(ctx context.Context, channel *types.ChannelState, update *types.Update, trustDeposit bool) (*generated, error) {
	if channel != nil && channel.InDispute {
		return nil, types.NewError(types.KindDispute, "channel is in dispute",
			"channelAddress", channel.ChannelAddress.String())
	}
	if update.Type == types.UpdateTypeSetup {
		if channel != nil {
			return nil, types.NewError(types.KindValidation, "channel already exists",
				"channelAddress", channel.ChannelAddress.String())
		}
		setupChannel, err := setupChannelFromUpdate(update, e.chain)
		if err != nil {
			return nil, err
		}
		if update.Balance.Sum().Sign() != 0 {
			return nil, types.NewError(types.KindValidation, "setup update carries a balance")
		}
		return &generated{update: update, channel: setupChannel}, nil
	}
	if channel == nil {
		return nil, types.NewError(types.KindChannelNotFound, "channel not found",
			"channelAddress", update.ChannelAddress.String())
	}

	active, err := e.store.GetActiveTransfers(channel.ChannelAddress)
	if err != nil {
		return nil, types.WrapError(err, "load active transfers")
	}

	switch details := update.Details.(type) {
	case types.DepositDetails:
		return e.deriveDeposit(ctx, channel, update, details, trustDeposit)

	case types.CreateDetails:
		gen, err := e.generateCreate(channel, active, CreateParams{
			ChannelAddress:       channel.ChannelAddress,
			AssetId:              update.AssetId,
			Balance:              details.Balance,
			TransferDefinition:   details.TransferDefinition,
			TransferInitialState: details.TransferInitialState,
			Timeout:              details.TransferTimeout,
			Meta:                 details.Meta,
		})
		if err != nil {
			return nil, err
		}
		derived := gen.update.Details.(types.CreateDetails)
		if derived.TransferId != details.TransferId {
			return nil, types.NewError(types.KindValidation, "transferId mismatch",
				"claimed", details.TransferId.String(), "derived", derived.TransferId.String())
		}
		if derived.MerkleRoot != details.MerkleRoot {
			return nil, types.NewError(types.KindValidation, "merkle root mismatch")
		}
		if !gen.update.Balance.Equal(update.Balance) {
			return nil, types.NewError(types.KindValidation, "post-create balance mismatch")
		}
		return gen, nil

	case types.ResolveDetails:
		gen, err := e.generateResolve(ctx, channel, active, ResolveParams{
			ChannelAddress: channel.ChannelAddress,
			TransferId:     details.TransferId,
			Resolver:       details.TransferResolver,
			Meta:           details.Meta,
		})
		if err != nil {
			return nil, err
		}
		derived := gen.update.Details.(types.ResolveDetails)
		if derived.MerkleRoot != details.MerkleRoot {
			return nil, types.NewError(types.KindValidation, "merkle root mismatch")
		}
		if !gen.update.Balance.Equal(update.Balance) {
			return nil, types.NewError(types.KindValidation, "post-resolve balance mismatch")
		}
		return gen, nil

	default:
		return nil, types.NewError(types.KindValidation, "update details do not match type")
	}
}

// deriveDeposit reconciles the inbound side's own chain view. On-chain
// order is out-of-band with the protocol, so totals diverging from the
// leader's signed values is the retryable deposit race.
func (e *Engine) deriveDeposit(ctx context.Context, channel *types.ChannelState, update *types.Update, details types.DepositDetails, trustTotals bool) (*generated, error) {
	totalsAlice, totalsBob := details.TotalDepositsAlice, details.TotalDepositsBob
	if totalsAlice == nil {
		totalsAlice = new(big.Int)
	}
	if totalsBob == nil {
		totalsBob = new(big.Int)
	}

	if !trustTotals {
		onchainAlice, onchainBob, err := e.chain.LatestDepositByAssetId(ctx, channel.ChainId, channel.ChannelAddress, update.AssetId)
		if err != nil {
			return nil, types.WrapError(err, "read deposit totals")
		}
		if onchainAlice.Cmp(totalsAlice) != 0 || onchainBob.Cmp(totalsBob) != 0 {
			return nil, types.NewError(types.KindBadSignatures, "deposit totals diverge from chain",
				"channelAddress", channel.ChannelAddress.String())
		}
	}

	processedAlice, processedBob := channel.ProcessedDeposits(update.AssetId)
	deltaAlice := new(big.Int).Sub(totalsAlice, processedAlice)
	deltaBob := new(big.Int).Sub(totalsBob, processedBob)
	if deltaAlice.Sign() < 0 || deltaBob.Sign() < 0 {
		return nil, types.NewError(types.KindValidation, "deposit totals regressed")
	}

	balance := channel.BalanceForAsset(update.AssetId)
	balance.Amount[0] = new(big.Int).Add(balance.Amount[0], deltaAlice)
	balance.Amount[1] = new(big.Int).Add(balance.Amount[1], deltaBob)
	if !balance.Equal(update.Balance) {
		return nil, types.NewError(types.KindValidation, "post-deposit balance mismatch")
	}

	next := channel.Clone()
	next.Nonce = channel.Nonce + 1
	next.SetBalance(update.AssetId, balance)
	next.SetProcessedDeposits(update.AssetId, totalsAlice, totalsBob)
	return &generated{update: update, channel: next}, nil
}
