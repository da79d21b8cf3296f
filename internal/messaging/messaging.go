// Package messaging carries protocol traffic between channel peers: a
// request/response exchange per protocol message, auxiliary exchanges
// for restore/setup/collateral, a liveness probe, and an is-alive
// broadcast. The production transport is libp2p; MemoryService wires
// peers in-process for tests.
package messaging

import (
	"context"
	"time"

	"github.com/TomAFrench/vector/pkg/types"
)

// Default exchange timeouts.
const (
	DefaultProtocolTimeout = 15 * time.Second
	DefaultPingTimeout     = 5 * time.Second
)

// ProtocolEnvelope is the wire payload of one update exchange leg.
type ProtocolEnvelope struct {
	Update         *types.Update `json:"update,omitempty"`
	PreviousUpdate *types.Update `json:"previousUpdate,omitempty"`
	Error          *types.Error  `json:"error,omitempty"`
}

// RestoreRequest asks the peer for its copy of the shared channel.
type RestoreRequest struct {
	ChainId uint64 `json:"chainId"`
}

// RestoreResponse carries the holder's state under its channel lock.
type RestoreResponse struct {
	Channel         *types.ChannelState    `json:"channel,omitempty"`
	ActiveTransfers []*types.TransferState `json:"activeTransfers,omitempty"`
	Error           *types.Error           `json:"error,omitempty"`
}

// RestoreAck closes the exchange so the holder releases the lock.
type RestoreAck struct {
	Error *types.Error `json:"error,omitempty"`
}

// SetupRequest asks a node (typically the router) to run channel setup
// with the requester.
type SetupRequest struct {
	ChainId uint64 `json:"chainId"`
	Timeout uint64 `json:"timeout"`
}

// SetupResponse returns the resulting channel address.
type SetupResponse struct {
	ChannelAddress types.Hash   `json:"channelAddress"`
	Error          *types.Error `json:"error,omitempty"`
}

// CollateralRequest asks the counterparty to collateralize a channel.
type CollateralRequest struct {
	ChannelAddress types.Hash    `json:"channelAddress"`
	AssetId        types.Address `json:"assetId"`
	// Amount is the requested collateral; empty lets the profile decide.
	Amount string `json:"amount,omitempty"`
}

// CollateralResponse acknowledges (or rejects) a collateral request.
type CollateralResponse struct {
	Error *types.Error `json:"error,omitempty"`
}

// IsAliveMessage is the liveness broadcast published on reconnect.
type IsAliveMessage struct {
	Identifier  types.PublicIdentifier `json:"identifier"`
	SkipCheckIn bool                   `json:"skipCheckIn"`
}

// Handlers are registered once at startup; returning an error envelope
// sends a structured failure back to the requester.
type (
	ProtocolHandler   func(ctx context.Context, from types.PublicIdentifier, env ProtocolEnvelope) ProtocolEnvelope
	RestoreHandler    func(ctx context.Context, from types.PublicIdentifier, req RestoreRequest, ack <-chan RestoreAck) RestoreResponse
	SetupHandler      func(ctx context.Context, from types.PublicIdentifier, req SetupRequest) SetupResponse
	CollateralHandler func(ctx context.Context, from types.PublicIdentifier, req CollateralRequest) CollateralResponse
	IsAliveHandler    func(from types.PublicIdentifier, msg IsAliveMessage)
)

// Service is the transport contract consumed by engine and router.
type Service interface {
	OnReceiveProtocolMessage(handler ProtocolHandler)
	SendProtocolMessage(ctx context.Context, to types.PublicIdentifier, env ProtocolEnvelope) (ProtocolEnvelope, error)

	OnReceiveRestoreStateMessage(handler RestoreHandler)
	// SendRestoreStateMessage runs the request/response/ack exchange: the
	// returned ack func MUST be called exactly once with the verification
	// outcome so the holder can release its lock.
	SendRestoreStateMessage(ctx context.Context, to types.PublicIdentifier, req RestoreRequest) (RestoreResponse, func(RestoreAck), error)

	OnReceiveSetupMessage(handler SetupHandler)
	SendSetupMessage(ctx context.Context, to types.PublicIdentifier, req SetupRequest) (SetupResponse, error)

	OnReceiveRequestCollateralMessage(handler CollateralHandler)
	SendRequestCollateralMessage(ctx context.Context, to types.PublicIdentifier, req CollateralRequest) (CollateralResponse, error)

	OnReceiveIsAliveMessage(handler IsAliveHandler)
	SendIsAliveMessage(ctx context.Context, msg IsAliveMessage) error

	// Ping probes a peer's liveness.
	Ping(ctx context.Context, to types.PublicIdentifier) error
}
