// Package router forwards conditional transfers between channels: it
// observes a create on the sender-side channel and produces an
// equivalent create on the recipient-side channel, resolving the sender
// side once the recipient reveals the resolver.
package router

import (
	"context"
	"math/big"

	"github.com/rs/zerolog"

	"github.com/TomAFrench/vector/internal/bus"
	"github.com/TomAFrench/vector/internal/chain"
	"github.com/TomAFrench/vector/internal/engine"
	klog "github.com/TomAFrench/vector/internal/log"
	"github.com/TomAFrench/vector/internal/messaging"
	"github.com/TomAFrench/vector/internal/store"
	"github.com/TomAFrench/vector/pkg/types"
)

// TransferDecrement is the safety margin subtracted from the sender
// timeout for the recipient-side transfer, guaranteeing the router can
// still resolve the sender side after the recipient resolves (seconds).
const TransferDecrement = 72 * 60

// RebalanceProfile bounds collateral per (chain, asset).
type RebalanceProfile struct {
	ChainId                uint64        `json:"chainId"`
	AssetId                types.Address `json:"assetId"`
	ReclaimThreshold       *big.Int      `json:"-"`
	Target                 *big.Int      `json:"-"`
	CollateralizeThreshold *big.Int      `json:"-"`
}

// Config parameterizes the router.
type Config struct {
	AllowedSwaps      []AllowedSwap
	RebalanceProfiles []RebalanceProfile
	SkipCheckIn       bool
}

// Router is the forwarding engine.
type Router struct {
	engine    *engine.Engine
	store     *store.Store
	chain     chain.Reader
	messaging messaging.Service
	config    Config
	logger    zerolog.Logger

	identifier    types.PublicIdentifier
	signerAddress types.Address

	cancels []func()
}

// New wires a router onto an engine's event bus and messaging service.
func New(eng *engine.Engine, st *store.Store, reader chain.Reader, msg messaging.Service, cfg Config) *Router {
	r := &Router{
		engine:        eng,
		store:         st,
		chain:         reader,
		messaging:     msg,
		config:        cfg,
		logger:        klog.Router,
		identifier:    eng.PublicIdentifier(),
		signerAddress: eng.SignerAddress(),
	}

	r.cancels = append(r.cancels, eng.Bus().Attach(bus.ConditionalTransferCreated, nil, func(evt bus.Event) {
		payload, ok := evt.Payload.(bus.TransferPayload)
		if !ok {
			return
		}
		r.handleTransferCreation(context.Background(), payload)
	}))
	r.cancels = append(r.cancels, eng.Bus().Attach(bus.ConditionalTransferResolved, nil, func(evt bus.Event) {
		payload, ok := evt.Payload.(bus.TransferPayload)
		if !ok {
			return
		}
		r.handleTransferResolution(context.Background(), payload)
	}))

	msg.OnReceiveIsAliveMessage(func(from types.PublicIdentifier, alive messaging.IsAliveMessage) {
		r.handleIsAlive(context.Background(), from, alive)
	})
	msg.OnReceiveRequestCollateralMessage(func(ctx context.Context, from types.PublicIdentifier, req messaging.CollateralRequest) messaging.CollateralResponse {
		return r.handleCollateralRequest(ctx, from, req)
	})

	return r
}

// Start announces liveness so counterparties drain their queues.
func (r *Router) Start(ctx context.Context) error {
	if err := r.messaging.SendIsAliveMessage(ctx, messaging.IsAliveMessage{
		Identifier:  r.identifier,
		SkipCheckIn: r.config.SkipCheckIn,
	}); err != nil {
		r.logger.Warn().Err(err).Msg("is-alive broadcast failed")
	}
	return nil
}

// Stop detaches the router from the event bus.
func (r *Router) Stop() {
	for _, cancel := range r.cancels {
		cancel()
	}
	r.cancels = nil
}

// profileFor finds the rebalance profile for a (chain, asset) pair.
func (r *Router) profileFor(chainId uint64, assetId types.Address) *RebalanceProfile {
	for i := range r.config.RebalanceProfiles {
		p := &r.config.RebalanceProfiles[i]
		if p.ChainId == chainId && p.AssetId == assetId {
			return p
		}
	}
	return nil
}
