package messaging

import (
	"context"
	"sync"

	"github.com/TomAFrench/vector/pkg/types"
)

// MemoryRouter connects MemoryService instances in-process. One router
// models one messaging mesh.
type MemoryRouter struct {
	mu    sync.RWMutex
	nodes map[types.PublicIdentifier]*MemoryService
}

// NewMemoryRouter creates an empty mesh.
func NewMemoryRouter() *MemoryRouter {
	return &MemoryRouter{nodes: make(map[types.PublicIdentifier]*MemoryService)}
}

// Join attaches a new service for the given identity.
func (r *MemoryRouter) Join(id types.PublicIdentifier) *MemoryService {
	svc := &MemoryService{id: id, router: r, online: true}
	r.mu.Lock()
	r.nodes[id] = svc
	r.mu.Unlock()
	return svc
}

func (r *MemoryRouter) lookup(id types.PublicIdentifier) (*MemoryService, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	svc, ok := r.nodes[id]
	return svc, ok
}

func (r *MemoryRouter) each(fn func(*MemoryService)) {
	r.mu.RLock()
	nodes := make([]*MemoryService, 0, len(r.nodes))
	for _, svc := range r.nodes {
		nodes = append(nodes, svc)
	}
	r.mu.RUnlock()
	for _, svc := range nodes {
		fn(svc)
	}
}

// MemoryService implements Service by calling peer handlers directly.
type MemoryService struct {
	id     types.PublicIdentifier
	router *MemoryRouter

	mu         sync.RWMutex
	online     bool
	protocol   ProtocolHandler
	restore    RestoreHandler
	setup      SetupHandler
	collateral CollateralHandler
	isAlive    IsAliveHandler
}

// SetOnline toggles reachability: an offline peer fails pings and
// drops exchanges, mimicking a disconnected transport.
func (s *MemoryService) SetOnline(online bool) {
	s.mu.Lock()
	s.online = online
	s.mu.Unlock()
}

func (s *MemoryService) reachable() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.online
}

var errPeerUnreachable = types.NewError(types.KindTimeout, "peer unreachable")

// OnReceiveProtocolMessage implements Service.
func (s *MemoryService) OnReceiveProtocolMessage(handler ProtocolHandler) {
	s.mu.Lock()
	s.protocol = handler
	s.mu.Unlock()
}

// SendProtocolMessage implements Service.
func (s *MemoryService) SendProtocolMessage(ctx context.Context, to types.PublicIdentifier, env ProtocolEnvelope) (ProtocolEnvelope, error) {
	peer, ok := s.router.lookup(to)
	if !ok || !peer.reachable() {
		return ProtocolEnvelope{}, errPeerUnreachable.With("to", to.String())
	}
	peer.mu.RLock()
	handler := peer.protocol
	peer.mu.RUnlock()
	if handler == nil {
		return ProtocolEnvelope{}, errPeerUnreachable.With("to", to.String())
	}
	return handler(ctx, s.id, env), nil
}

// OnReceiveRestoreStateMessage implements Service.
func (s *MemoryService) OnReceiveRestoreStateMessage(handler RestoreHandler) {
	s.mu.Lock()
	s.restore = handler
	s.mu.Unlock()
}

// SendRestoreStateMessage implements Service.
func (s *MemoryService) SendRestoreStateMessage(ctx context.Context, to types.PublicIdentifier, req RestoreRequest) (RestoreResponse, func(RestoreAck), error) {
	peer, ok := s.router.lookup(to)
	if !ok || !peer.reachable() {
		return RestoreResponse{}, nil, errPeerUnreachable.With("to", to.String())
	}
	peer.mu.RLock()
	handler := peer.restore
	peer.mu.RUnlock()
	if handler == nil {
		return RestoreResponse{}, nil, errPeerUnreachable.With("to", to.String())
	}

	ackCh := make(chan RestoreAck, 1)
	respCh := make(chan RestoreResponse, 1)
	go func() {
		respCh <- handler(ctx, s.id, req, ackCh)
	}()
	select {
	case resp := <-respCh:
		return resp, func(ack RestoreAck) { ackCh <- ack }, nil
	case <-ctx.Done():
		return RestoreResponse{}, nil, types.WrapError(ctx.Err(), "restore exchange cancelled")
	}
}

// OnReceiveSetupMessage implements Service.
func (s *MemoryService) OnReceiveSetupMessage(handler SetupHandler) {
	s.mu.Lock()
	s.setup = handler
	s.mu.Unlock()
}

// SendSetupMessage implements Service.
func (s *MemoryService) SendSetupMessage(ctx context.Context, to types.PublicIdentifier, req SetupRequest) (SetupResponse, error) {
	peer, ok := s.router.lookup(to)
	if !ok || !peer.reachable() {
		return SetupResponse{}, errPeerUnreachable.With("to", to.String())
	}
	peer.mu.RLock()
	handler := peer.setup
	peer.mu.RUnlock()
	if handler == nil {
		return SetupResponse{}, errPeerUnreachable.With("to", to.String())
	}
	return handler(ctx, s.id, req), nil
}

// OnReceiveRequestCollateralMessage implements Service.
func (s *MemoryService) OnReceiveRequestCollateralMessage(handler CollateralHandler) {
	s.mu.Lock()
	s.collateral = handler
	s.mu.Unlock()
}

// SendRequestCollateralMessage implements Service.
func (s *MemoryService) SendRequestCollateralMessage(ctx context.Context, to types.PublicIdentifier, req CollateralRequest) (CollateralResponse, error) {
	peer, ok := s.router.lookup(to)
	if !ok || !peer.reachable() {
		return CollateralResponse{}, errPeerUnreachable.With("to", to.String())
	}
	peer.mu.RLock()
	handler := peer.collateral
	peer.mu.RUnlock()
	if handler == nil {
		return CollateralResponse{}, errPeerUnreachable.With("to", to.String())
	}
	return handler(ctx, s.id, req), nil
}

// OnReceiveIsAliveMessage implements Service.
func (s *MemoryService) OnReceiveIsAliveMessage(handler IsAliveHandler) {
	s.mu.Lock()
	s.isAlive = handler
	s.mu.Unlock()
}

// SendIsAliveMessage implements Service: broadcast to every other node.
func (s *MemoryService) SendIsAliveMessage(_ context.Context, msg IsAliveMessage) error {
	s.router.each(func(peer *MemoryService) {
		if peer.id == s.id || !peer.reachable() {
			return
		}
		peer.mu.RLock()
		handler := peer.isAlive
		peer.mu.RUnlock()
		if handler != nil {
			handler(s.id, msg)
		}
	})
	return nil
}

// Ping implements Service.
func (s *MemoryService) Ping(_ context.Context, to types.PublicIdentifier) error {
	peer, ok := s.router.lookup(to)
	if !ok || !peer.reachable() {
		return errPeerUnreachable.With("to", to.String())
	}
	return nil
}
