// Package node wires the process together: storage, signer, chain
// readers, messaging, the update engine, the forwarding engine, and the
// RPC surface.
package node

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/rs/zerolog"

	"github.com/TomAFrench/vector/config"
	"github.com/TomAFrench/vector/internal/builder"
	"github.com/TomAFrench/vector/internal/bus"
	"github.com/TomAFrench/vector/internal/chain"
	"github.com/TomAFrench/vector/internal/engine"
	"github.com/TomAFrench/vector/internal/lock"
	klog "github.com/TomAFrench/vector/internal/log"
	"github.com/TomAFrench/vector/internal/messaging"
	"github.com/TomAFrench/vector/internal/router"
	"github.com/TomAFrench/vector/internal/rpc"
	"github.com/TomAFrench/vector/internal/signer"
	"github.com/TomAFrench/vector/internal/storage"
	"github.com/TomAFrench/vector/internal/store"
	"github.com/TomAFrench/vector/pkg/definitions"
	"github.com/TomAFrench/vector/pkg/types"
)

// Node is a running vector process.
type Node struct {
	cfg     *config.Config
	network *config.Network
	logger  zerolog.Logger

	db        storage.DB
	store     *store.Store
	signer    *signer.Signer
	messaging *messaging.Node
	engine    *engine.Engine
	builder   *builder.Builder
	router    *router.Router
	rpc       *rpc.Server
	bus       *bus.Bus

	cancels []func()
}

// New builds an unstarted node from configuration.
func New(cfg *config.Config) (*Node, error) {
	if err := klog.Init(cfg.Log.Level, cfg.Log.JSON, cfg.Log.File); err != nil {
		return nil, fmt.Errorf("init logging: %w", err)
	}
	if err := config.EnsureDataDirs(cfg); err != nil {
		return nil, err
	}

	network, err := config.LoadNetwork(cfg.NetworkFile)
	if err != nil {
		return nil, fmt.Errorf("load network definition: %w", err)
	}

	sig, err := loadSigner(cfg)
	if err != nil {
		return nil, err
	}

	db, err := storage.NewBadger(cfg.StoreDir())
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	// Namespace the record keyspace so future schema versions can
	// migrate side by side in one database.
	st, err := store.New(storage.NewPrefixDB(db, []byte("v1/")))
	if err != nil {
		db.Close()
		return nil, err
	}

	registries, engineAddresses := buildRegistries(network)
	reader := chain.NewEthReader(network.ChainProviders, registries)

	msgNode := messaging.NewNode(messaging.Config{
		ListenAddr: cfg.Messaging.ListenAddr,
		Port:       cfg.Messaging.Port,
		Seeds:      cfg.Messaging.Seeds,
		NoDiscover: cfg.Messaging.NoDiscover,
		DHTServer:  cfg.Messaging.DHTServer,
		DataDir:    cfg.MessagingDir(),
		Identifier: sig.PublicIdentifier(),
		Sign:       sig.SignMessage,
	})

	eventBus := bus.New()
	eng := engine.New(sig, st, lock.NewMemoryService(), reader, msgNode, eventBus, engine.Config{
		ChainAddresses: engineAddresses,
		ChainProviders: network.ChainProviders,
	})
	bld := builder.New(sig, reader)

	n := &Node{
		cfg:       cfg,
		network:   network,
		logger:    klog.WithComponent("node"),
		db:        db,
		store:     st,
		signer:    sig,
		messaging: msgNode,
		engine:    eng,
		builder:   bld,
		bus:       eventBus,
	}

	n.registerSetupHandler()
	n.registerWithdrawalResponder()

	if cfg.Router.Enabled {
		routerCfg, err := routerConfig(network, cfg.Router.SkipCheckIn)
		if err != nil {
			db.Close()
			return nil, err
		}
		n.router = router.New(eng, st, reader, msgNode, routerCfg)
	}

	if cfg.RPC.Enabled {
		addr := fmt.Sprintf("%s:%d", cfg.RPC.Addr, cfg.RPC.Port)
		n.rpc = rpc.New(addr, eng, bld, st, msgNode, network, cfg.RPC)
	}

	return n, nil
}

// Start brings the transport, router, and RPC surface up.
func (n *Node) Start() error {
	if err := n.messaging.Start(); err != nil {
		return fmt.Errorf("start messaging: %w", err)
	}
	if n.router != nil {
		if err := n.router.Start(context.Background()); err != nil {
			return fmt.Errorf("start router: %w", err)
		}
	}
	if n.rpc != nil {
		if err := n.rpc.Start(); err != nil {
			return fmt.Errorf("start rpc: %w", err)
		}
		n.logger.Info().Str("addr", n.rpc.Addr()).Msg("RPC listening")
	}
	n.logger.Info().
		Str("identifier", n.signer.PublicIdentifier().String()).
		Str("signer_address", n.signer.Address().String()).
		Msg("node started")
	return nil
}

// Stop shuts everything down in reverse order.
func (n *Node) Stop() {
	if n.rpc != nil {
		if err := n.rpc.Stop(); err != nil {
			n.logger.Warn().Err(err).Msg("rpc stop")
		}
	}
	if n.router != nil {
		n.router.Stop()
	}
	for _, cancel := range n.cancels {
		cancel()
	}
	if err := n.messaging.Stop(); err != nil {
		n.logger.Warn().Err(err).Msg("messaging stop")
	}
	if err := n.db.Close(); err != nil {
		n.logger.Warn().Err(err).Msg("store close")
	}
}

// registerSetupHandler serves inbound setup requests: the requesting
// peer becomes Bob of the new channel.
func (n *Node) registerSetupHandler() {
	n.messaging.OnReceiveSetupMessage(func(ctx context.Context, from types.PublicIdentifier, req messaging.SetupRequest) messaging.SetupResponse {
		channel, err := n.engine.Setup(ctx, engine.SetupParams{
			Counterparty: from,
			ChainId:      req.ChainId,
			Timeout:      req.Timeout,
		})
		if err != nil {
			return messaging.SetupResponse{Error: types.WrapError(err, "setup request")}
		}
		return messaging.SetupResponse{ChannelAddress: channel.ChannelAddress}
	})
}

// registerWithdrawalResponder counter-signs withdrawal commitments: when
// the counterparty creates a withdraw transfer with us as responder, we
// sign its data and resolve, releasing the funds for on-chain payout.
func (n *Node) registerWithdrawalResponder() {
	cancel := n.bus.Attach(bus.WithdrawalCreatedEvent, nil, func(evt bus.Event) {
		payload, ok := evt.Payload.(bus.TransferPayload)
		if !ok {
			return
		}
		transfer := payload.Transfer
		if transfer.Responder != n.signer.Address() {
			return
		}

		var state definitions.WithdrawState
		if err := unmarshalState(transfer.State, &state); err != nil {
			n.logger.Error().Err(err).Str("transfer_id", transfer.TransferId.String()).Msg("withdraw state decode")
			return
		}
		responderSig, err := n.signer.SignMessage(state.Data.Bytes())
		if err != nil {
			n.logger.Error().Err(err).Msg("withdrawal counter-sign")
			return
		}
		resolver, err := marshalResolver(definitions.WithdrawResolver{ResponderSignature: responderSig})
		if err != nil {
			return
		}

		_, err = n.engine.ResolveTransfer(context.Background(), engine.ResolveParams{
			ChannelAddress: transfer.ChannelAddress,
			TransferId:     transfer.TransferId,
			Resolver:       resolver,
		})
		if err != nil {
			n.logger.Error().Err(err).Str("transfer_id", transfer.TransferId.String()).Msg("withdrawal resolve")
		}
	})
	n.cancels = append(n.cancels, cancel)
}

// loadSigner resolves key material: explicit mnemonic (env), else the
// keystore file (password via VECTOR_KEYSTORE_PASSWORD), else a fresh
// key persisted to the keystore.
func loadSigner(cfg *config.Config) (*signer.Signer, error) {
	if cfg.Mnemonic != "" {
		return signer.NewFromMnemonic(cfg.Mnemonic)
	}

	password := []byte(os.Getenv("VECTOR_KEYSTORE_PASSWORD"))
	if _, err := os.Stat(cfg.KeystoreFile); err == nil {
		if len(password) == 0 {
			return nil, fmt.Errorf("keystore exists but VECTOR_KEYSTORE_PASSWORD is unset")
		}
		mnemonic, err := signer.LoadKeystore(cfg.KeystoreFile, password)
		if err != nil {
			return nil, fmt.Errorf("unlock keystore: %w", err)
		}
		return signer.NewFromMnemonic(mnemonic)
	}

	if len(password) == 0 {
		return nil, fmt.Errorf("no mnemonic configured: set VECTOR_MNEMONIC or provision %s", cfg.KeystoreFile)
	}
	mnemonic, err := signer.GenerateMnemonic()
	if err != nil {
		return nil, err
	}
	if err := signer.SaveKeystore(cfg.KeystoreFile, mnemonic, password); err != nil {
		return nil, err
	}
	return signer.NewFromMnemonic(mnemonic)
}

// buildRegistries instantiates per-chain definition registries from the
// network's deployment table.
func buildRegistries(network *config.Network) (map[uint64]*definitions.Registry, map[uint64]engine.ChainAddresses) {
	registries := make(map[uint64]*definitions.Registry, len(network.ChainAddresses))
	engineAddresses := make(map[uint64]engine.ChainAddresses, len(network.ChainAddresses))
	for chainId, addrs := range network.ChainAddresses {
		registry := definitions.NewRegistry()
		for name, addr := range addrs.TransferDefinitions {
			var def definitions.Definition
			switch name {
			case definitions.HashlockName:
				def = definitions.Hashlock{}
			case definitions.WithdrawName:
				def = definitions.Withdraw{}
			default:
				continue // Unknown definition name; the registry stays authoritative.
			}
			if err := registry.Register(addr, def); err != nil {
				klog.Chain.Warn().Err(err).Str("name", name).Msg("definition registration")
			}
		}
		registries[chainId] = registry
		engineAddresses[chainId] = engine.ChainAddresses{
			ChannelFactoryAddress:   addrs.ChannelFactoryAddress,
			TransferRegistryAddress: addrs.TransferRegistryAddress,
		}
	}
	return registries, engineAddresses
}

// routerConfig converts the network tables into router configuration.
func routerConfig(network *config.Network, skipCheckIn bool) (router.Config, error) {
	cfg := router.Config{SkipCheckIn: skipCheckIn}
	for _, swap := range network.AllowedSwaps {
		cfg.AllowedSwaps = append(cfg.AllowedSwaps, router.AllowedSwap{
			FromChainId: swap.FromChainId,
			ToChainId:   swap.ToChainId,
			FromAssetId: swap.FromAssetId,
			ToAssetId:   swap.ToAssetId,
			Rate:        swap.Rate,
		})
	}
	for _, profile := range network.RebalanceProfiles {
		reclaim, target, collateralize, err := profile.Amounts()
		if err != nil {
			return cfg, err
		}
		cfg.RebalanceProfiles = append(cfg.RebalanceProfiles, router.RebalanceProfile{
			ChainId:                profile.ChainId,
			AssetId:                profile.AssetId,
			ReclaimThreshold:       reclaim,
			Target:                 target,
			CollateralizeThreshold: collateralize,
		})
	}
	return cfg, nil
}

func unmarshalState(raw []byte, out any) error {
	if len(raw) == 0 {
		return fmt.Errorf("empty transfer state")
	}
	return json.Unmarshal(raw, out)
}

func marshalResolver(resolver any) ([]byte, error) {
	return json.Marshal(resolver)
}
