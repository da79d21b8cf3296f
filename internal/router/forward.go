package router

import (
	"context"
	"math/big"
	"strconv"

	"github.com/TomAFrench/vector/internal/bus"
	"github.com/TomAFrench/vector/internal/engine"
	"github.com/TomAFrench/vector/pkg/types"
)

// ForwardResult is the outcome of a forwarding attempt.
type ForwardResult struct {
	// Queued is set when the recipient was offline and the creation was
	// persisted for the next check-in instead of executed.
	Queued         bool
	ChannelAddress types.Hash
	TransferId     types.Hash
	RoutingId      string
}

// handleTransferCreation is the event entrypoint: it runs the forward
// decision and performs sender cancellation when the outcome demands it.
func (r *Router) handleTransferCreation(ctx context.Context, payload bus.TransferPayload) {
	transfer := payload.Transfer
	// Only forward transfers where this node is the responder: a create
	// we initiated fires the same event on our side of the recipient
	// channel.
	if transfer.Responder != r.signerAddress {
		return
	}

	result, fwdErr := r.forwardTransferCreation(ctx, transfer)
	if fwdErr == nil {
		if result.Queued {
			r.logger.Info().
				Str("routing_id", result.RoutingId).
				Str("channel_address", result.ChannelAddress.String()).
				Msg("recipient offline, creation queued")
		} else {
			r.logger.Info().
				Str("routing_id", result.RoutingId).
				Str("transfer_id", result.TransferId.String()).
				Msg("transfer forwarded")
		}
		return
	}

	if fwdErr.ShouldCancelSender {
		outcome, err := r.cancelSenderTransfer(ctx, transfer)
		fwdErr.SenderTransferCancellation = outcome
		if err != nil {
			r.logger.Error().Err(err).
				Str("transfer_id", transfer.TransferId.String()).
				Msg("sender cancellation failed")
		}
	}
	r.logger.Error().
		Str("reason", fwdErr.Reason).
		Str("transfer_id", transfer.TransferId.String()).
		Str("cancellation", fwdErr.SenderTransferCancellation).
		Msg("forwarding failed")
}

// forwardTransferCreation implements the forward decision tree.
func (r *Router) forwardTransferCreation(ctx context.Context, transfer *types.TransferState) (*ForwardResult, *ForwardError) {
	rm, err := types.RoutingMetaFromMap(transfer.Meta)
	if err != nil {
		// Without routing info there is no basis to cancel.
		return nil, forwardErr(ReasonInvalidForwardingInfo, false, err,
			"transferId", transfer.TransferId.String())
	}
	recipient := rm.Path[0].Recipient
	if recipient == r.identifier {
		// This node is the final recipient; nothing to forward.
		return &ForwardResult{RoutingId: rm.RoutingId, TransferId: transfer.TransferId}, nil
	}

	senderChannel, err := r.store.GetChannelState(transfer.ChannelAddress)
	if err != nil {
		return nil, forwardErr(ReasonSenderChannelNotFound, false, err,
			"channelAddress", transfer.ChannelAddress.String())
	}

	// Recipient-side defaults derive from the sender channel.
	recipientChainId := senderChannel.ChainId
	if rm.Path[0].RecipientChainId != nil {
		recipientChainId = *rm.Path[0].RecipientChainId
	}
	recipientAssetId := transfer.AssetId
	if rm.Path[0].RecipientAssetId != nil {
		recipientAssetId = *rm.Path[0].RecipientAssetId
	}

	senderAmount := transfer.Balance.Sum()
	recipientAmount := senderAmount
	if recipientAssetId != transfer.AssetId || recipientChainId != senderChannel.ChainId {
		recipientAmount, err = getSwappedAmount(senderAmount, transfer.AssetId, senderChannel.ChainId,
			recipientAssetId, recipientChainId, r.config.AllowedSwaps)
		if err != nil {
			return nil, forwardErr(ReasonUnableToCalculateSwap, true, err,
				"routingId", rm.RoutingId)
		}
	}

	recipientChannel, err := r.store.GetChannelStateByParticipants(r.identifier, recipient, recipientChainId)
	if err != nil {
		return nil, forwardErr(ReasonRecipientChannelNotFound, true, err,
			"recipient", recipient.String(), "recipientChainId", uitoa(recipientChainId))
	}

	params, fwdErr := r.outgoingParams(transfer, rm, recipientChannel, recipientAssetId, recipientAmount)
	if fwdErr != nil {
		return nil, fwdErr
	}
	return r.attemptTransferWithCollateralization(ctx, params, recipientChannel, rm, recipient)
}

// outgoingParams copies the sender transfer's condition onto the
// recipient channel with the decremented timeout and augmented meta.
func (r *Router) outgoingParams(transfer *types.TransferState, rm types.RoutingMeta, recipientChannel *types.ChannelState, recipientAssetId types.Address, recipientAmount *big.Int) (engine.CreateParams, *ForwardError) {
	if transfer.TransferTimeout <= TransferDecrement {
		return engine.CreateParams{}, forwardErr(ReasonErrorForwarding, true, nil,
			"detail", "sender timeout too small to decrement")
	}

	recipientAddr, err := participantAddress(recipientChannel, rm.Path[0].Recipient)
	if err != nil {
		return engine.CreateParams{}, forwardErr(ReasonErrorForwarding, true, err)
	}

	rm.SenderIdentifier = transfer.InitiatorIdentifier
	meta := rm.ToMap(stripRoutingKeys(transfer.Meta))

	return engine.CreateParams{
		ChannelAddress: recipientChannel.ChannelAddress,
		AssetId:        recipientAssetId,
		Balance: types.Balance{
			To:     [2]types.Address{r.signerAddress, recipientAddr},
			Amount: [2]*big.Int{new(big.Int).Set(recipientAmount), new(big.Int)},
		},
		TransferDefinition:   transfer.TransferDefinition,
		TransferInitialState: transfer.State,
		Timeout:              transfer.TransferTimeout - TransferDecrement,
		Meta:                 meta,
	}, nil
}

// attemptTransferWithCollateralization collateralizes, probes liveness,
// and submits the create, queueing when the recipient is offline.
func (r *Router) attemptTransferWithCollateralization(ctx context.Context, params engine.CreateParams, recipientChannel *types.ChannelState, rm types.RoutingMeta, recipient types.PublicIdentifier) (*ForwardResult, *ForwardError) {
	if err := r.ensureCollateral(ctx, recipientChannel, params.AssetId, params.Balance.Amount[0]); err != nil {
		return nil, forwardErr(ReasonCollateralFailed, false, err,
			"channelAddress", recipientChannel.ChannelAddress.String())
	}

	if err := r.messaging.Ping(ctx, recipient); err != nil {
		if rm.RequireOnline {
			return nil, forwardErr(ReasonReceiverOffline, true, err, "recipient", recipient.String())
		}
		queued, qErr := r.store.QueueUpdate(recipientChannel.ChannelAddress, types.QueuedTransferCreation, params)
		if qErr != nil {
			return nil, forwardErr(ReasonErrorForwarding, false, qErr)
		}
		r.logger.Debug().Str("queued_id", queued.ID).Msg("transfer creation queued")
		return &ForwardResult{
			Queued:         true,
			ChannelAddress: recipientChannel.ChannelAddress,
			RoutingId:      rm.RoutingId,
		}, nil
	}

	if err := r.ensureCollateral(ctx, recipientChannel, params.AssetId, params.Balance.Amount[0]); err != nil {
		return nil, forwardErr(ReasonCollateralFailed, false, err,
			"channelAddress", recipientChannel.ChannelAddress.String())
	}

	channel, err := r.engine.CreateTransfer(ctx, params)
	if err != nil {
		// A timeout mid-exchange may still land; retry from the queue.
		if types.KindOf(err) == types.KindTimeout {
			if _, qErr := r.store.QueueUpdate(recipientChannel.ChannelAddress, types.QueuedTransferCreation, params); qErr == nil {
				return &ForwardResult{Queued: true, ChannelAddress: recipientChannel.ChannelAddress, RoutingId: rm.RoutingId}, nil
			}
		}
		return nil, forwardErr(ReasonErrorForwarding, true, err)
	}

	details, _ := channel.LatestUpdate.Details.(types.CreateDetails)
	return &ForwardResult{
		ChannelAddress: channel.ChannelAddress,
		TransferId:     details.TransferId,
		RoutingId:      rm.RoutingId,
	}, nil
}

// handleTransferResolution resolves the sender-side transfer once the
// recipient reveals the resolver. Resolutions are never cancelled: the
// revealed resolver is public.
func (r *Router) handleTransferResolution(ctx context.Context, payload bus.TransferPayload) {
	transfer := payload.Transfer
	// Only react to resolves of transfers we initiated (the
	// recipient-side leg). The sender-side leg has the router as
	// responder and resolving it fires this event too; ignore those.
	if transfer.Initiator != r.signerAddress {
		return
	}
	rm, err := types.RoutingMetaFromMap(transfer.Meta)
	if err != nil {
		return // Not a routed transfer (e.g. a withdrawal).
	}

	counterpart, err := r.senderSideTransfer(rm.RoutingId)
	if err != nil {
		r.logger.Error().Err(err).Str("routing_id", rm.RoutingId).Msg("sender-side transfer lookup failed")
		return
	}
	if counterpart == nil {
		return // Already resolved, or we were the original sender.
	}

	params := engine.ResolveParams{
		ChannelAddress: counterpart.ChannelAddress,
		TransferId:     counterpart.TransferId,
		Resolver:       transfer.Resolver,
		Meta:           map[string]any{"routingId": rm.RoutingId},
	}
	if _, err := r.engine.ResolveTransfer(ctx, params); err != nil {
		queued, qErr := r.store.QueueUpdate(counterpart.ChannelAddress, types.QueuedTransferResolution, params)
		if qErr != nil {
			r.logger.Error().Err(qErr).Str("routing_id", rm.RoutingId).Msg("resolution queue failed")
			return
		}
		r.logger.Warn().Err(err).
			Str("routing_id", rm.RoutingId).
			Str("queued_id", queued.ID).
			Msg("sender resolve failed, queued for retry")
		return
	}
	r.logger.Info().Str("routing_id", rm.RoutingId).Msg("routed payment resolved")
}

// senderSideTransfer finds the unresolved transfer of a routed payment
// where this router is the responder.
func (r *Router) senderSideTransfer(routingId string) (*types.TransferState, error) {
	transfers, err := r.store.GetTransfersByRoutingId(routingId)
	if err != nil {
		return nil, err
	}
	for _, t := range transfers {
		if t.Responder == r.signerAddress && !t.Resolved() {
			return t, nil
		}
	}
	return nil, nil
}

// cancelSenderTransfer zeroes out the sender-side transfer with the
// definition's canonical cancel resolver, queueing on transient failure.
func (r *Router) cancelSenderTransfer(ctx context.Context, transfer *types.TransferState) (string, error) {
	registry, err := r.chain.Definitions(transfer.ChainId)
	if err != nil {
		return CancellationFailed, err
	}
	def, ok := registry.ByAddress(transfer.TransferDefinition)
	if !ok {
		return CancellationFailed, types.NewError(types.KindInvalidTransferType,
			"no definition for cancellation", "transferDefinition", transfer.TransferDefinition.String())
	}

	params := engine.ResolveParams{
		ChannelAddress: transfer.ChannelAddress,
		TransferId:     transfer.TransferId,
		Resolver:       def.CancelResolver(),
		Meta:           map[string]any{"cancellation": true},
	}
	if _, err := r.engine.ResolveTransfer(ctx, params); err != nil {
		if _, qErr := r.store.QueueUpdate(transfer.ChannelAddress, types.QueuedTransferResolution, params); qErr != nil {
			return CancellationFailed, qErr
		}
		return CancellationEnqueued, nil
	}
	return CancellationExecuted, nil
}

func participantAddress(channel *types.ChannelState, id types.PublicIdentifier) (types.Address, error) {
	addr, _, err := channel.Participant(id)
	return addr, err
}

// stripRoutingKeys removes routing envelope keys from a meta copy so
// ToMap re-adds the augmented versions cleanly.
func stripRoutingKeys(meta map[string]any) map[string]any {
	out := make(map[string]any, len(meta))
	for k, v := range meta {
		switch k {
		case "routingId", "path", "requireOnline", "senderIdentifier", "encryptedPreImage":
		default:
			out[k] = v
		}
	}
	return out
}

func uitoa(v uint64) string {
	return strconv.FormatUint(v, 10)
}
