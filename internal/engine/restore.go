package engine

import (
	"context"

	"github.com/TomAFrench/vector/internal/bus"
	"github.com/TomAFrench/vector/internal/messaging"
	"github.com/TomAFrench/vector/pkg/crypto"
	"github.com/TomAFrench/vector/pkg/merkle"
	"github.com/TomAFrench/vector/pkg/types"
)

// RequestRestore asks the counterparty for its copy of the shared
// channel and overwrites local state after verification. Used after
// storage loss or when sync reports an unbridgeable nonce gap.
func (e *Engine) RequestRestore(ctx context.Context, counterparty types.PublicIdentifier, chainId uint64) (*types.ChannelState, error) {
	resp, ack, err := e.messaging.SendRestoreStateMessage(ctx, counterparty, messaging.RestoreRequest{ChainId: chainId})
	if err != nil {
		return nil, types.WrapError(err, "restore exchange", "counterparty", counterparty.String())
	}
	if resp.Error != nil {
		return nil, resp.Error
	}
	if resp.Channel == nil {
		err := types.NewError(types.KindChannelNotFound, "peer holds no channel", "counterparty", counterparty.String())
		ack(messaging.RestoreAck{Error: err})
		return nil, err
	}

	if err := e.verifyRestorePayload(resp.Channel, resp.ActiveTransfers); err != nil {
		typed := types.WrapError(err, "restore verification")
		ack(messaging.RestoreAck{Error: typed})
		return nil, typed
	}

	if err := e.store.SaveChannelStateAndTransfers(resp.Channel, resp.ActiveTransfers); err != nil {
		typed := types.WrapError(err, "persist restored channel")
		ack(messaging.RestoreAck{Error: typed})
		return nil, typed
	}
	ack(messaging.RestoreAck{})

	e.bus.Publish(bus.RestoreStateEvent, bus.RestorePayload{
		Channel:   resp.Channel,
		Transfers: resp.ActiveTransfers,
	})
	e.logger.Info().
		Str("channel_address", resp.Channel.ChannelAddress.String()).
		Uint64("nonce", resp.Channel.Nonce).
		Msg("channel restored")
	return resp.Channel, nil
}

// verifyRestorePayload runs the four restore checks: create2 address,
// both signatures on the latest update, merkle-root consistency, and a
// nonce advance wide enough that normal sync could not bridge it.
func (e *Engine) verifyRestorePayload(channel *types.ChannelState, transfers []*types.TransferState) error {
	self := e.signer.PublicIdentifier()
	if _, _, err := channel.Participant(self); err != nil {
		return types.NewError(types.KindValidation, "restored channel does not include this node")
	}

	derived, err := e.chain.GetChannelAddress(channel.Alice, channel.Bob, channel.ChainId, channel.NetworkContext.ChannelFactoryAddress)
	if err != nil {
		return types.WrapError(err, "derive channel address")
	}
	if derived != channel.ChannelAddress {
		return types.NewError(types.KindValidation, "channel address does not match create2 derivation")
	}

	if channel.LatestUpdate == nil {
		return types.NewError(types.KindValidation, "restored channel missing latest update")
	}
	commitment, err := crypto.UpdateCommitment(channel.LatestUpdate, channel.ChainId)
	if err != nil {
		return types.WrapError(err, "commitment")
	}
	if err := crypto.VerifyEthMessage(commitment.Bytes(), channel.LatestUpdate.AliceSignature, channel.Alice); err != nil {
		return types.NewError(types.KindBadSignatures, "alice signature: "+err.Error())
	}
	if err := crypto.VerifyEthMessage(commitment.Bytes(), channel.LatestUpdate.BobSignature, channel.Bob); err != nil {
		return types.NewError(types.KindBadSignatures, "bob signature: "+err.Error())
	}

	if merkle.Root(transfers) != channel.MerkleRoot {
		return types.NewError(types.KindValidation, "active transfers do not match merkle root")
	}

	if local, err := e.store.GetChannelState(channel.ChannelAddress); err == nil {
		if channel.Nonce <= local.Nonce+1 {
			return types.NewError(types.KindStaleUpdate, "nonce advance syncable, restore not needed",
				"localNonce", itoa(local.Nonce), "restoredNonce", itoa(channel.Nonce))
		}
	}
	return nil
}

// handleRestoreRequest is the holder side: transmit state under the
// channel lock and release only once the requester acknowledges.
func (e *Engine) handleRestoreRequest(ctx context.Context, from types.PublicIdentifier, req messaging.RestoreRequest, ack <-chan messaging.RestoreAck) messaging.RestoreResponse {
	channel, err := e.store.GetChannelStateByParticipants(e.signer.PublicIdentifier(), from, req.ChainId)
	if err != nil {
		return messaging.RestoreResponse{Error: types.NewError(types.KindChannelNotFound,
			"no channel with requester", "counterparty", from.String())}
	}
	transfers, err := e.store.GetActiveTransfers(channel.ChannelAddress)
	if err != nil {
		return messaging.RestoreResponse{Error: types.WrapError(err, "load active transfers")}
	}

	lockName := channel.ChannelAddress.String()
	_, isAlice, err := channel.Participant(e.signer.PublicIdentifier())
	if err != nil {
		return messaging.RestoreResponse{Error: types.NewError(types.KindValidation, err.Error())}
	}
	key, err := e.locks.AcquireLock(ctx, lockName, isAlice, from)
	if err != nil {
		return messaging.RestoreResponse{Error: types.WrapError(err, "acquire channel lock")}
	}

	// Hold the lock until the requester acknowledges so no update lands
	// mid-restore. The transport guarantees an ack (or a synthesized
	// timeout ack) per request.
	go func() {
		a := <-ack
		if a.Error != nil {
			e.logger.Warn().Str("channel_address", lockName).Str("error", a.Error.Message).Msg("restore not applied by requester")
		}
		if err := e.locks.ReleaseLock(context.Background(), lockName, key, isAlice, from); err != nil {
			e.logger.Warn().Err(err).Str("channel_address", lockName).Msg("restore lock release failed")
		}
	}()

	return messaging.RestoreResponse{Channel: channel, ActiveTransfers: transfers}
}
