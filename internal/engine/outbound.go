package engine

import (
	"context"

	"github.com/TomAFrench/vector/internal/messaging"
	"github.com/TomAFrench/vector/pkg/crypto"
	"github.com/TomAFrench/vector/pkg/types"
)

// executeUpdate runs the leader side of the protocol: acquire the
// channel lock, generate and sign the update, exchange it with the
// counterparty, verify the counter-signature, persist, emit.
func (e *Engine) executeUpdate(ctx context.Context, updateType types.UpdateType, channelAddress types.Hash, params any) (*types.ChannelState, error) {
	lockName, counterparty, isAlice, err := e.lockTarget(updateType, channelAddress, params)
	if err != nil {
		return nil, err
	}

	key, err := e.locks.AcquireLock(ctx, lockName, isAlice, counterparty)
	if err != nil {
		return nil, types.WrapError(err, "acquire channel lock", "channelAddress", lockName)
	}
	defer func() {
		if releaseErr := e.locks.ReleaseLock(context.Background(), lockName, key, isAlice, counterparty); releaseErr != nil {
			e.logger.Warn().Err(releaseErr).Str("channel_address", lockName).Msg("lock release failed")
		}
	}()

	var channel *types.ChannelState
	attempts := 1
	for {
		result, err := e.executeOnce(ctx, updateType, channelAddress, params)
		if err == nil {
			channel = result
			break
		}
		// Deposit totals race with the exchange: the counterparty may have
		// reconciled a different total than we signed. Regenerate and retry.
		if updateType == types.UpdateTypeDeposit && types.KindOf(err) == types.KindBadSignatures && attempts <= depositRetries {
			attempts++
			e.logger.Debug().Int("attempt", attempts).Str("channel_address", lockName).Msg("deposit race, retrying")
			continue
		}
		return nil, err
	}
	return channel, nil
}

// executeOnce performs a single generate/sign/exchange/persist attempt
// while the caller holds the channel lock.
func (e *Engine) executeOnce(ctx context.Context, updateType types.UpdateType, channelAddress types.Hash, params any) (*types.ChannelState, error) {
	channel, active, err := e.loadForUpdate(updateType, channelAddress)
	if err != nil {
		return nil, err
	}

	gen, err := e.generateUpdate(ctx, updateType, channel, active, params)
	if err != nil {
		return nil, err
	}

	if e.validateOutbound != nil {
		if err := e.validateOutbound(ctx, gen.channel, gen.update); err != nil {
			return nil, types.WrapError(err, "outbound validation rejected update")
		}
	}

	chainId := gen.channel.ChainId
	commitment, err := crypto.UpdateCommitment(gen.update, chainId)
	if err != nil {
		return nil, types.WrapError(err, "commitment")
	}
	sig, err := e.signer.SignMessage(commitment.Bytes())
	if err != nil {
		return nil, types.WrapError(err, "sign update")
	}
	_, isAlice, err := gen.channel.Participant(e.signer.PublicIdentifier())
	if err != nil {
		return nil, types.NewError(types.KindValidation, err.Error())
	}
	gen.update.SetSignature(isAlice, sig)

	var previous *types.Update
	if channel != nil {
		previous = channel.LatestUpdate
	}

	exchangeCtx, cancel := context.WithTimeout(ctx, exchangeTimeout)
	defer cancel()
	reply, err := e.messaging.SendProtocolMessage(exchangeCtx, gen.update.ToIdentifier, messaging.ProtocolEnvelope{
		Update:         gen.update,
		PreviousUpdate: previous,
	})
	if err != nil {
		return nil, types.WrapError(err, "protocol exchange", "channelAddress", gen.update.ChannelAddress.String())
	}
	if reply.Error != nil {
		// A behind counterparty attaches its latest update; sync it and
		// report staleness so the caller can retry.
		if reply.Error.Kind == types.KindStaleUpdate && reply.Update != nil {
			if syncErr := e.syncFromCounterparty(ctx, reply.Update); syncErr != nil {
				e.logger.Warn().Err(syncErr).Msg("sync from counterparty failed")
			}
		}
		return nil, reply.Error
	}
	if reply.Update == nil {
		return nil, types.NewError(types.KindTimeout, "empty protocol reply",
			"channelAddress", gen.update.ChannelAddress.String())
	}

	// The counterparty echoes the doubly-signed update; verify its
	// signature over our commitment.
	counterSig := reply.Update.SignatureFor(!isAlice)
	counterSigner := gen.channel.Bob
	if !isAlice {
		counterSigner = gen.channel.Alice
	}
	if err := crypto.VerifyEthMessage(commitment.Bytes(), counterSig, counterSigner); err != nil {
		return nil, types.NewError(types.KindBadSignatures, err.Error(),
			"channelAddress", gen.update.ChannelAddress.String())
	}
	gen.update.SetSignature(!isAlice, counterSig)

	if err := e.store.SaveChannelState(gen.channel, gen.transfer); err != nil {
		return nil, types.WrapError(err, "persist channel")
	}
	e.emitUpdateEvents(gen.channel, gen.update, gen.transfer)
	return gen.channel, nil
}

// loadForUpdate fetches the channel (none for setup) and its active
// transfers, rejecting disputed or already-set-up channels.
func (e *Engine) loadForUpdate(updateType types.UpdateType, channelAddress types.Hash) (*types.ChannelState, []*types.TransferState, error) {
	if updateType == types.UpdateTypeSetup {
		return nil, nil, nil
	}
	channel, err := e.store.GetChannelState(channelAddress)
	if err != nil {
		return nil, nil, types.NewError(types.KindChannelNotFound, "channel not found",
			"channelAddress", channelAddress.String())
	}
	if channel.InDispute {
		return nil, nil, types.NewError(types.KindDispute, "channel is in dispute",
			"channelAddress", channelAddress.String())
	}
	active, err := e.store.GetActiveTransfers(channelAddress)
	if err != nil {
		return nil, nil, types.WrapError(err, "load active transfers")
	}
	return channel, active, nil
}

// lockTarget resolves the lock name and peer for an update before the
// channel exists locally (setup) or from the stored channel.
func (e *Engine) lockTarget(updateType types.UpdateType, channelAddress types.Hash, params any) (string, types.PublicIdentifier, bool, error) {
	if updateType == types.UpdateTypeSetup {
		p, ok := params.(SetupParams)
		if !ok {
			return "", "", false, types.NewError(types.KindValidation, "setup params have wrong shape")
		}
		gen, err := e.generateSetup(p)
		if err != nil {
			return "", "", false, err
		}
		return gen.channel.ChannelAddress.String(), p.Counterparty, true, nil
	}

	channel, err := e.store.GetChannelState(channelAddress)
	if err != nil {
		return "", "", false, types.NewError(types.KindChannelNotFound, "channel not found",
			"channelAddress", channelAddress.String())
	}
	self := e.signer.PublicIdentifier()
	_, isAlice, err := channel.Participant(self)
	if err != nil {
		return "", "", false, types.NewError(types.KindValidation, err.Error())
	}
	return channelAddress.String(), channel.Counterparty(self), isAlice, nil
}

// syncFromCounterparty applies a doubly-signed update the counterparty
// holds that we are missing (the leader-side half of sync).
func (e *Engine) syncFromCounterparty(ctx context.Context, update *types.Update) error {
	mu := e.channelMutex(update.ChannelAddress)
	mu.Lock()
	defer mu.Unlock()

	channel, err := e.store.GetChannelState(update.ChannelAddress)
	if err != nil && update.Type != types.UpdateTypeSetup {
		return types.NewError(types.KindRestoreNeeded, "channel missing, restore required",
			"channelAddress", update.ChannelAddress.String())
	}
	if channel != nil && update.Nonce != channel.Nonce+1 {
		if update.Nonce <= channel.Nonce {
			return nil // Already have it.
		}
		return types.NewError(types.KindRestoreNeeded, "sync gap too wide",
			"channelAddress", update.ChannelAddress.String())
	}
	_, _, err = e.applySignedUpdate(ctx, channel, update)
	return err
}
