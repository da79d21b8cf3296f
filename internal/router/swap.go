package router

import (
	"math/big"

	"github.com/shopspring/decimal"

	"github.com/TomAFrench/vector/pkg/types"
)

// AllowedSwap is one configured conversion pair. Rate is the multiplier
// applied to the sender amount, quoted as a decimal string.
type AllowedSwap struct {
	FromChainId uint64        `json:"fromChainId"`
	ToChainId   uint64        `json:"toChainId"`
	FromAssetId types.Address `json:"fromAssetId"`
	ToAssetId   types.Address `json:"toAssetId"`
	Rate        string        `json:"rate"`
}

// getSwappedAmount converts a sender amount across assets/chains using
// the configured pricing table. Pure: same inputs, same output.
func getSwappedAmount(amount *big.Int, fromAssetId types.Address, fromChainId uint64, toAssetId types.Address, toChainId uint64, swaps []AllowedSwap) (*big.Int, error) {
	if fromAssetId == toAssetId && fromChainId == toChainId {
		return new(big.Int).Set(amount), nil
	}
	for _, swap := range swaps {
		if swap.FromChainId != fromChainId || swap.ToChainId != toChainId {
			continue
		}
		if swap.FromAssetId != fromAssetId || swap.ToAssetId != toAssetId {
			continue
		}
		rate, err := decimal.NewFromString(swap.Rate)
		if err != nil {
			return nil, types.NewError(types.KindValidation, "invalid swap rate", "rate", swap.Rate)
		}
		if rate.Sign() <= 0 {
			return nil, types.NewError(types.KindValidation, "swap rate must be positive", "rate", swap.Rate)
		}
		converted := decimal.NewFromBigInt(amount, 0).Mul(rate)
		// Round down: the router never forwards more than the rate allows.
		return converted.Floor().BigInt(), nil
	}
	return nil, types.NewError(types.KindValidation, "no allowed swap for pair",
		"fromAssetId", fromAssetId.String(), "toAssetId", toAssetId.String())
}
