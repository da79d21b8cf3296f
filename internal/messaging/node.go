package messaging

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/libp2p/go-libp2p"
	dht "github.com/libp2p/go-libp2p-kad-dht"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	libp2pcrypto "github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/peer"
	drouting "github.com/libp2p/go-libp2p/p2p/discovery/routing"
	dutil "github.com/libp2p/go-libp2p/p2p/discovery/util"
	ma "github.com/multiformats/go-multiaddr"
	"github.com/rs/zerolog"

	klog "github.com/TomAFrench/vector/internal/log"
	"github.com/TomAFrench/vector/pkg/crypto"
	"github.com/TomAFrench/vector/pkg/types"
)

const (
	// dhtRendezvous is the discovery namespace for the messaging mesh.
	dhtRendezvous = "vector/messaging"

	// dhtDiscoveryInterval is how often DHT FindPeers runs.
	dhtDiscoveryInterval = 30 * time.Second

	// announceInterval re-publishes the identifier binding so peers
	// joining late still learn it.
	announceInterval = 60 * time.Second

	// peerConnectTimeout is the timeout for dialing a seed peer.
	peerConnectTimeout = 5 * time.Second
)

// Config holds libp2p transport configuration.
type Config struct {
	ListenAddr string
	Port       int
	Seeds      []string
	NoDiscover bool
	DHTServer  bool
	DataDir    string // persists the libp2p identity across restarts

	// Identifier is this node's channel identity; Sign produces EIP-191
	// signatures binding it to the libp2p peer id.
	Identifier types.PublicIdentifier
	Sign       func(data []byte) ([]byte, error)
}

// Node is the libp2p-backed messaging transport.
type Node struct {
	config Config
	ctx    context.Context
	cancel context.CancelFunc
	logger zerolog.Logger

	host   host.Host
	pubsub *pubsub.PubSub
	dht    *dht.IpfsDHT

	topicIsAlive  *pubsub.Topic
	subIsAlive    *pubsub.Subscription
	topicAnnounce *pubsub.Topic
	subAnnounce   *pubsub.Subscription

	// peers maps public identifiers to libp2p peer ids, learned from
	// verified announce messages.
	peersMu sync.RWMutex
	peers   map[types.PublicIdentifier]peer.ID

	handlersMu sync.RWMutex
	protocol   ProtocolHandler
	restore    RestoreHandler
	setup      SetupHandler
	collateral CollateralHandler
	isAlive    IsAliveHandler
}

// NewNode creates an unstarted transport node.
func NewNode(cfg Config) *Node {
	ctx, cancel := context.WithCancel(context.Background())
	return &Node{
		config: cfg,
		ctx:    ctx,
		cancel: cancel,
		logger: klog.Messaging,
		peers:  make(map[types.PublicIdentifier]peer.ID),
	}
}

// Start brings up the host, joins the gossip topics, and begins
// discovery and identity announcements.
func (n *Node) Start() error {
	addr := fmt.Sprintf("/ip4/%s/tcp/%d", n.config.ListenAddr, n.config.Port)
	opts := []libp2p.Option{libp2p.ListenAddrStrings(addr)}

	if n.config.DataDir != "" {
		privKey, err := loadOrCreateIdentity(n.config.DataDir)
		if err != nil {
			return fmt.Errorf("load messaging identity: %w", err)
		}
		opts = append(opts, libp2p.Identity(privKey))
	}

	h, err := libp2p.New(opts...)
	if err != nil {
		return fmt.Errorf("create libp2p host: %w", err)
	}
	n.host = h

	ps, err := pubsub.NewGossipSub(n.ctx, h)
	if err != nil {
		return fmt.Errorf("create gossipsub: %w", err)
	}
	n.pubsub = ps

	n.registerStreamHandlers()

	if err := n.joinTopics(); err != nil {
		return err
	}

	for _, seed := range n.config.Seeds {
		n.connectSeed(seed)
	}

	if !n.config.NoDiscover {
		if err := n.startDiscovery(); err != nil {
			n.logger.Warn().Err(err).Msg("DHT discovery unavailable")
		}
	}

	go n.announceLoop()

	n.logger.Info().
		Str("peer_id", h.ID().String()).
		Str("identifier", n.config.Identifier.String()).
		Int("port", n.config.Port).
		Msg("messaging started")
	return nil
}

// Stop shuts the transport down.
func (n *Node) Stop() error {
	n.cancel()
	if n.subIsAlive != nil {
		n.subIsAlive.Cancel()
	}
	if n.subAnnounce != nil {
		n.subAnnounce.Cancel()
	}
	if n.dht != nil {
		n.dht.Close()
	}
	if n.host != nil {
		return n.host.Close()
	}
	return nil
}

func (n *Node) joinTopics() error {
	var err error
	if n.topicIsAlive, err = n.pubsub.Join(TopicIsAlive); err != nil {
		return fmt.Errorf("join isalive topic: %w", err)
	}
	if n.subIsAlive, err = n.topicIsAlive.Subscribe(); err != nil {
		return fmt.Errorf("subscribe isalive topic: %w", err)
	}
	if n.topicAnnounce, err = n.pubsub.Join(TopicAnnounce); err != nil {
		return fmt.Errorf("join announce topic: %w", err)
	}
	if n.subAnnounce, err = n.topicAnnounce.Subscribe(); err != nil {
		return fmt.Errorf("subscribe announce topic: %w", err)
	}
	go n.isAliveReadLoop()
	go n.announceReadLoop()
	return nil
}

func (n *Node) connectSeed(seed string) {
	maddr, err := ma.NewMultiaddr(seed)
	if err != nil {
		n.logger.Warn().Str("seed", seed).Err(err).Msg("invalid seed multiaddr")
		return
	}
	info, err := peer.AddrInfoFromP2pAddr(maddr)
	if err != nil {
		n.logger.Warn().Str("seed", seed).Err(err).Msg("invalid seed peer info")
		return
	}
	ctx, cancel := context.WithTimeout(n.ctx, peerConnectTimeout)
	defer cancel()
	if err := n.host.Connect(ctx, *info); err != nil {
		n.logger.Warn().Str("seed", seed).Err(err).Msg("seed connect failed")
	}
}

func (n *Node) startDiscovery() error {
	mode := dht.ModeClient
	if n.config.DHTServer {
		mode = dht.ModeServer
	}
	kad, err := dht.New(n.ctx, n.host, dht.Mode(mode))
	if err != nil {
		return fmt.Errorf("create dht: %w", err)
	}
	if err := kad.Bootstrap(n.ctx); err != nil {
		return fmt.Errorf("bootstrap dht: %w", err)
	}
	n.dht = kad

	routingDiscovery := drouting.NewRoutingDiscovery(kad)
	dutil.Advertise(n.ctx, routingDiscovery, dhtRendezvous)

	go func() {
		ticker := time.NewTicker(dhtDiscoveryInterval)
		defer ticker.Stop()
		for {
			peerCh, err := routingDiscovery.FindPeers(n.ctx, dhtRendezvous)
			if err == nil {
				for info := range peerCh {
					if info.ID == n.host.ID() || len(info.Addrs) == 0 {
						continue
					}
					ctx, cancel := context.WithTimeout(n.ctx, peerConnectTimeout)
					_ = n.host.Connect(ctx, info)
					cancel()
				}
			}
			select {
			case <-n.ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}()
	return nil
}

// ── Identifier announcements ────────────────────────────────────────────

// announceMessage binds a public identifier to a libp2p peer id. The
// signature covers the peer id bytes, so only the identifier's key
// holder can claim it.
type announceMessage struct {
	Identifier types.PublicIdentifier `json:"identifier"`
	PeerID     string                 `json:"peerId"`
	Signature  types.HexBytes         `json:"signature"`
}

func (n *Node) announceLoop() {
	n.announceSelf()
	ticker := time.NewTicker(announceInterval)
	defer ticker.Stop()
	for {
		select {
		case <-n.ctx.Done():
			return
		case <-ticker.C:
			n.announceSelf()
		}
	}
}

func (n *Node) announceSelf() {
	if n.config.Sign == nil || n.config.Identifier == "" {
		return
	}
	peerID := n.host.ID().String()
	sig, err := n.config.Sign([]byte(peerID))
	if err != nil {
		n.logger.Error().Err(err).Msg("sign announce")
		return
	}
	data, err := json.Marshal(announceMessage{
		Identifier: n.config.Identifier,
		PeerID:     peerID,
		Signature:  sig,
	})
	if err != nil {
		return
	}
	if err := n.topicAnnounce.Publish(n.ctx, data); err != nil {
		n.logger.Warn().Err(err).Msg("publish announce")
	}
}

func (n *Node) announceReadLoop() {
	for {
		msg, err := n.subAnnounce.Next(n.ctx)
		if err != nil {
			return
		}
		if msg.ReceivedFrom == n.host.ID() {
			continue
		}
		var announce announceMessage
		if err := json.Unmarshal(msg.Data, &announce); err != nil {
			continue
		}
		if !n.verifyAnnounce(&announce) {
			n.logger.Warn().Str("identifier", announce.Identifier.String()).Msg("announce signature mismatch")
			continue
		}
		peerID, err := peer.Decode(announce.PeerID)
		if err != nil {
			continue
		}
		n.peersMu.Lock()
		n.peers[announce.Identifier] = peerID
		n.peersMu.Unlock()
	}
}

func (n *Node) verifyAnnounce(announce *announceMessage) bool {
	pubKey, err := announce.Identifier.PubKey()
	if err != nil {
		return false
	}
	expected, err := crypto.AddressFromPubKey(pubKey)
	if err != nil {
		return false
	}
	recovered, err := crypto.RecoverEthMessage([]byte(announce.PeerID), announce.Signature)
	if err != nil {
		return false
	}
	return recovered == expected
}

// resolvePeer maps an identifier to its announced libp2p peer.
func (n *Node) resolvePeer(id types.PublicIdentifier) (peer.ID, error) {
	n.peersMu.RLock()
	defer n.peersMu.RUnlock()
	peerID, ok := n.peers[id]
	if !ok {
		return "", types.NewError(types.KindTimeout, "peer not announced", "identifier", id.String())
	}
	return peerID, nil
}

// identifierOf reverse-maps a connected peer to its identifier.
func (n *Node) identifierOf(peerID peer.ID) types.PublicIdentifier {
	n.peersMu.RLock()
	defer n.peersMu.RUnlock()
	for id, p := range n.peers {
		if p == peerID {
			return id
		}
	}
	return ""
}

// ── Is-alive gossip ─────────────────────────────────────────────────────

func (n *Node) isAliveReadLoop() {
	for {
		msg, err := n.subIsAlive.Next(n.ctx)
		if err != nil {
			return
		}
		if msg.ReceivedFrom == n.host.ID() {
			continue
		}
		var alive IsAliveMessage
		if err := json.Unmarshal(msg.Data, &alive); err != nil {
			continue
		}
		n.handlersMu.RLock()
		handler := n.isAlive
		n.handlersMu.RUnlock()
		if handler != nil {
			handler(alive.Identifier, alive)
		}
	}
}

// ── Identity persistence ────────────────────────────────────────────────

// loadOrCreateIdentity persists the libp2p key so the peer id survives
// restarts.
func loadOrCreateIdentity(dataDir string) (libp2pcrypto.PrivKey, error) {
	path := filepath.Join(dataDir, "messaging_key")
	if data, err := os.ReadFile(path); err == nil {
		raw, err := hex.DecodeString(string(data))
		if err != nil {
			return nil, fmt.Errorf("decode identity: %w", err)
		}
		return libp2pcrypto.UnmarshalPrivateKey(raw)
	}

	priv, _, err := libp2pcrypto.GenerateEd25519Key(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate identity: %w", err)
	}
	raw, err := libp2pcrypto.MarshalPrivateKey(priv)
	if err != nil {
		return nil, fmt.Errorf("marshal identity: %w", err)
	}
	if err := os.MkdirAll(dataDir, 0700); err != nil {
		return nil, err
	}
	if err := os.WriteFile(path, []byte(hex.EncodeToString(raw)), 0600); err != nil {
		return nil, fmt.Errorf("persist identity: %w", err)
	}
	return priv, nil
}
