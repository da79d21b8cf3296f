package router

import (
	"context"
	"encoding/json"

	"github.com/TomAFrench/vector/internal/engine"
	"github.com/TomAFrench/vector/internal/messaging"
	"github.com/TomAFrench/vector/pkg/types"
)

// handleIsAlive drains queued updates for every channel shared with the
// peer that just came online. Channels drain serially in insertion
// order; rows are claimed PROCESSING so concurrent signals cannot
// double-execute them.
func (r *Router) handleIsAlive(ctx context.Context, from types.PublicIdentifier, msg messaging.IsAliveMessage) {
	if r.config.SkipCheckIn || msg.SkipCheckIn {
		return
	}
	if msg.Identifier != "" {
		from = msg.Identifier
	}

	channels, err := r.store.GetChannelStates()
	if err != nil {
		r.logger.Error().Err(err).Msg("check-in channel scan failed")
		return
	}
	for _, channel := range channels {
		if channel.AliceIdentifier != from && channel.BobIdentifier != from {
			continue
		}
		r.drainChannelQueue(ctx, channel.ChannelAddress)
	}
}

// drainChannelQueue executes a channel's PENDING rows in order.
func (r *Router) drainChannelQueue(ctx context.Context, channelAddress types.Hash) {
	pending, err := r.store.GetQueuedUpdates(channelAddress, types.QueuedStatusPending)
	if err != nil {
		r.logger.Error().Err(err).Str("channel_address", channelAddress.String()).Msg("queued update load failed")
		return
	}

	for _, row := range pending {
		claimed, err := r.store.CASUpdateStatus(row.ID, types.QueuedStatusPending, types.QueuedStatusProcessing, "")
		if err != nil {
			r.logger.Error().Err(err).Str("queued_id", row.ID).Msg("queue claim failed")
			continue
		}
		if !claimed {
			continue // Another handler owns it.
		}
		r.processQueuedUpdate(ctx, row)
	}
}

// processQueuedUpdate executes one claimed row. A timeout leaves the
// row PENDING for the next check-in; any other failure is permanent.
func (r *Router) processQueuedUpdate(ctx context.Context, row *types.QueuedUpdate) {
	var execErr error
	switch row.Type {
	case types.QueuedTransferCreation:
		var params engine.CreateParams
		if err := json.Unmarshal(row.Payload, &params); err != nil {
			r.failQueuedUpdate(row, "payload decode: "+err.Error())
			return
		}
		// The channel balance may have moved since the row was queued.
		channel, err := r.store.GetChannelState(params.ChannelAddress)
		if err != nil {
			r.failQueuedUpdate(row, "channel load: "+err.Error())
			return
		}
		if execErr = r.ensureCollateral(ctx, channel, params.AssetId, params.Balance.Amount[0]); execErr == nil {
			_, execErr = r.engine.CreateTransfer(ctx, params)
		}

	case types.QueuedTransferResolution:
		var params engine.ResolveParams
		if err := json.Unmarshal(row.Payload, &params); err != nil {
			r.failQueuedUpdate(row, "payload decode: "+err.Error())
			return
		}
		_, execErr = r.engine.ResolveTransfer(ctx, params)

	default:
		r.failQueuedUpdate(row, "unknown queued update type")
		return
	}

	if execErr == nil {
		if _, err := r.store.CASUpdateStatus(row.ID, types.QueuedStatusProcessing, types.QueuedStatusComplete, ""); err != nil {
			r.logger.Error().Err(err).Str("queued_id", row.ID).Msg("queue complete transition failed")
		}
		r.logger.Info().Str("queued_id", row.ID).Str("type", string(row.Type)).Msg("queued update executed")
		return
	}

	if types.KindOf(execErr) == types.KindTimeout {
		if _, err := r.store.CASUpdateStatus(row.ID, types.QueuedStatusProcessing, types.QueuedStatusPending, execErr.Error()); err != nil {
			r.logger.Error().Err(err).Str("queued_id", row.ID).Msg("queue retry transition failed")
		}
		r.logger.Warn().Str("queued_id", row.ID).Msg("queued update timed out, will retry")
		return
	}
	r.failQueuedUpdate(row, execErr.Error())
}

func (r *Router) failQueuedUpdate(row *types.QueuedUpdate, reason string) {
	if _, err := r.store.CASUpdateStatus(row.ID, types.QueuedStatusProcessing, types.QueuedStatusFailed, reason); err != nil {
		r.logger.Error().Err(err).Str("queued_id", row.ID).Msg("queue fail transition failed")
	}
	r.logger.Error().Str("queued_id", row.ID).Str("reason", reason).Msg("queued update failed")
}
