// Package engine drives the two-party update protocol: a totally
// ordered, doubly-signed, nonce-gapless sequence of channel updates with
// exactly-once application at both peers.
package engine

import (
	"context"
	"strconv"
	"sync"

	"github.com/rs/zerolog"

	"github.com/TomAFrench/vector/internal/bus"
	"github.com/TomAFrench/vector/internal/chain"
	"github.com/TomAFrench/vector/internal/lock"
	klog "github.com/TomAFrench/vector/internal/log"
	"github.com/TomAFrench/vector/internal/messaging"
	"github.com/TomAFrench/vector/internal/signer"
	"github.com/TomAFrench/vector/internal/store"
	"github.com/TomAFrench/vector/pkg/definitions"
	"github.com/TomAFrench/vector/pkg/types"
)

const (
	// DefaultChannelTimeout is the dispute timeout applied at setup when
	// the caller does not specify one (seconds).
	DefaultChannelTimeout = 86400

	// depositRetries bounds BadSignatures retries in the deposit race.
	depositRetries = 3

	// exchangeTimeout bounds one outbound protocol exchange.
	exchangeTimeout = messaging.DefaultProtocolTimeout
)

// ChainAddresses pins the per-chain contract deployment.
type ChainAddresses struct {
	ChannelFactoryAddress   types.Address
	TransferRegistryAddress types.Address
}

// Config parameterizes the engine.
type Config struct {
	ChainAddresses map[uint64]ChainAddresses
	ChainProviders map[uint64]string
}

// ValidationHook inspects an update before it is signed (outbound) or
// counter-signed (inbound). A non-nil error aborts the exchange.
type ValidationHook func(ctx context.Context, channel *types.ChannelState, update *types.Update) error

// Engine is the per-node update protocol instance. One engine serves
// every channel the node participates in; channels are serialized
// individually.
type Engine struct {
	signer    *signer.Signer
	store     *store.Store
	locks     lock.Service
	chain     chain.Reader
	messaging messaging.Service
	bus       *bus.Bus
	config    Config
	logger    zerolog.Logger

	validateOutbound ValidationHook
	validateInbound  ValidationHook

	// inboundMu serializes inbound application per channel; outbound
	// leadership is serialized by the lock service.
	mu        sync.Mutex
	inboundMu map[types.Hash]*sync.Mutex
}

// New wires an engine and registers its messaging handlers.
func New(sig *signer.Signer, st *store.Store, locks lock.Service, reader chain.Reader, msg messaging.Service, eventBus *bus.Bus, cfg Config) *Engine {
	e := &Engine{
		signer:    sig,
		store:     st,
		locks:     locks,
		chain:     reader,
		messaging: msg,
		bus:       eventBus,
		config:    cfg,
		logger:    klog.Engine,
		inboundMu: make(map[types.Hash]*sync.Mutex),
	}
	msg.OnReceiveProtocolMessage(e.handleProtocolMessage)
	msg.OnReceiveRestoreStateMessage(e.handleRestoreRequest)
	return e
}

// SetValidationHooks installs the external validation hooks.
func (e *Engine) SetValidationHooks(outbound, inbound ValidationHook) {
	e.validateOutbound = outbound
	e.validateInbound = inbound
}

// PublicIdentifier returns the node's identity.
func (e *Engine) PublicIdentifier() types.PublicIdentifier {
	return e.signer.PublicIdentifier()
}

// SignerAddress returns the node's signer address.
func (e *Engine) SignerAddress() types.Address {
	return e.signer.Address()
}

// Bus exposes the event bus for subscribers.
func (e *Engine) Bus() *bus.Bus {
	return e.bus
}

// Store exposes read access for the RPC surface and router.
func (e *Engine) Store() *store.Store {
	return e.store
}

// ChainReader exposes the chain reader.
func (e *Engine) ChainReader() chain.Reader {
	return e.chain
}

func (e *Engine) channelMutex(addr types.Hash) *sync.Mutex {
	e.mu.Lock()
	defer e.mu.Unlock()
	mu, ok := e.inboundMu[addr]
	if !ok {
		mu = &sync.Mutex{}
		e.inboundMu[addr] = mu
	}
	return mu
}

// Setup opens a channel with the counterparty; this node becomes Alice.
func (e *Engine) Setup(ctx context.Context, params SetupParams) (*types.ChannelState, error) {
	if params.Timeout == 0 {
		params.Timeout = DefaultChannelTimeout
	}
	if !params.Counterparty.Valid() {
		return nil, types.NewError(types.KindValidation, "invalid counterparty identifier")
	}
	if _, ok := e.config.ChainAddresses[params.ChainId]; !ok {
		return nil, types.NewError(types.KindValidation, "unsupported chain", "chainId", itoa(params.ChainId))
	}
	return e.executeUpdate(ctx, types.UpdateTypeSetup, types.Hash{}, params)
}

// Deposit reconciles on-chain deposits for one asset into the channel.
func (e *Engine) Deposit(ctx context.Context, params DepositParams) (*types.ChannelState, error) {
	return e.executeUpdate(ctx, types.UpdateTypeDeposit, params.ChannelAddress, params)
}

// CreateTransfer adds a conditional transfer to the channel.
func (e *Engine) CreateTransfer(ctx context.Context, params CreateParams) (*types.ChannelState, error) {
	return e.executeUpdate(ctx, types.UpdateTypeCreate, params.ChannelAddress, params)
}

// ResolveTransfer resolves an active transfer.
func (e *Engine) ResolveTransfer(ctx context.Context, params ResolveParams) (*types.ChannelState, error) {
	return e.executeUpdate(ctx, types.UpdateTypeResolve, params.ChannelAddress, params)
}

// GetChannelState loads a channel, mapping store misses to the protocol
// error taxonomy.
func (e *Engine) GetChannelState(addr types.Hash) (*types.ChannelState, error) {
	channel, err := e.store.GetChannelState(addr)
	if err != nil {
		return nil, types.NewError(types.KindChannelNotFound, "channel not found", "channelAddress", addr.String())
	}
	return channel, nil
}

// emitUpdateEvents publishes the event fanout for one applied update.
// Per-channel emission order matches application order because callers
// hold the channel's serialization (lock or inbound mutex).
func (e *Engine) emitUpdateEvents(channel *types.ChannelState, update *types.Update, transfer *types.TransferState) {
	e.bus.Publish(bus.ChannelUpdateEvent, bus.ChannelUpdatePayload{Channel: channel, Update: update})
	if transfer == nil {
		return
	}

	conditionType := ""
	if registry, err := e.chain.Definitions(channel.ChainId); err == nil {
		if def, ok := registry.ByAddress(transfer.TransferDefinition); ok {
			conditionType = def.Name()
		}
	}
	payload := bus.TransferPayload{Channel: channel, Transfer: transfer, ConditionType: conditionType}

	isWithdraw := conditionType == definitions.WithdrawName
	switch update.Type {
	case types.UpdateTypeCreate:
		if isWithdraw {
			e.bus.Publish(bus.WithdrawalCreatedEvent, payload)
		} else {
			e.bus.Publish(bus.ConditionalTransferCreated, payload)
		}
	case types.UpdateTypeResolve:
		if isWithdraw {
			e.bus.Publish(bus.WithdrawalResolvedEvent, payload)
			e.bus.Publish(bus.WithdrawalReconciledEvent, payload)
		} else {
			e.bus.Publish(bus.ConditionalTransferResolved, payload)
		}
	}
}

func itoa(v uint64) string {
	return strconv.FormatUint(v, 10)
}
