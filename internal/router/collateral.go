package router

import (
	"context"
	"math/big"

	"github.com/TomAFrench/vector/internal/engine"
	"github.com/TomAFrench/vector/internal/messaging"
	"github.com/TomAFrench/vector/pkg/types"
)

// ensureCollateral guarantees the router-side balance of the channel
// covers amount for assetId, reconciling on-chain deposits when it does
// not. The rebalance profile bounds how much collateral a channel may
// hold.
func (r *Router) ensureCollateral(ctx context.Context, channel *types.ChannelState, assetId types.Address, amount *big.Int) error {
	_, isAlice, err := channel.Participant(r.identifier)
	if err != nil {
		return types.NewError(types.KindValidation, err.Error())
	}
	slot := 1
	if isAlice {
		slot = 0
	}

	balance := channel.BalanceForAsset(assetId)
	if balance.Amount[slot].Cmp(amount) >= 0 {
		return nil
	}

	target := new(big.Int).Set(amount)
	if profile := r.profileFor(channel.ChainId, assetId); profile != nil {
		if profile.Target != nil && profile.Target.Cmp(target) > 0 {
			target = new(big.Int).Set(profile.Target)
		}
		if profile.ReclaimThreshold != nil && target.Cmp(profile.ReclaimThreshold) > 0 {
			return types.NewError(types.KindValidation, "required collateral exceeds profile maximum",
				"channelAddress", channel.ChannelAddress.String(),
				"required", target.String(),
				"maximum", profile.ReclaimThreshold.String())
		}
	}

	r.logger.Info().
		Str("channel_address", channel.ChannelAddress.String()).
		Str("asset_id", assetId.String()).
		Str("target", target.String()).
		Msg("collateralizing channel")

	// Reconcile whatever has landed on-chain into the channel balance.
	updated, err := r.engine.Deposit(ctx, engine.DepositParams{
		ChannelAddress: channel.ChannelAddress,
		AssetId:        assetId,
	})
	if err != nil {
		return types.WrapError(err, "collateral deposit", "channelAddress", channel.ChannelAddress.String())
	}

	balance = updated.BalanceForAsset(assetId)
	if balance.Amount[slot].Cmp(amount) < 0 {
		return types.NewError(types.KindValidation, "insufficient collateral after deposit",
			"channelAddress", channel.ChannelAddress.String(),
			"available", balance.Amount[slot].String(),
			"required", amount.String())
	}
	*channel = *updated
	return nil
}

// handleCollateralRequest serves a counterparty's collateral ask.
func (r *Router) handleCollateralRequest(ctx context.Context, from types.PublicIdentifier, req messaging.CollateralRequest) messaging.CollateralResponse {
	channel, err := r.store.GetChannelState(req.ChannelAddress)
	if err != nil {
		return messaging.CollateralResponse{Error: types.NewError(types.KindChannelNotFound,
			"channel not found", "channelAddress", req.ChannelAddress.String())}
	}
	if _, _, err := channel.Participant(from); err != nil {
		return messaging.CollateralResponse{Error: types.NewError(types.KindValidation,
			"requester is not a channel participant")}
	}

	amount := new(big.Int)
	if req.Amount != "" {
		parsed, ok := new(big.Int).SetString(req.Amount, 10)
		if !ok || parsed.Sign() < 0 {
			return messaging.CollateralResponse{Error: types.NewError(types.KindValidation,
				"invalid collateral amount", "amount", req.Amount)}
		}
		amount = parsed
	} else if profile := r.profileFor(channel.ChainId, req.AssetId); profile != nil && profile.Target != nil {
		amount = new(big.Int).Set(profile.Target)
	}

	if err := r.ensureCollateral(ctx, channel, req.AssetId, amount); err != nil {
		return messaging.CollateralResponse{Error: types.WrapError(err, "collateralize")}
	}
	return messaging.CollateralResponse{}
}
