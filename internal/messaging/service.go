package messaging

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/protocol"

	"github.com/TomAFrench/vector/pkg/types"
)

// Node implements Service over libp2p streams: one stream per exchange,
// request written by the opener, response read back on the same stream.

// OnReceiveProtocolMessage implements Service.
func (n *Node) OnReceiveProtocolMessage(handler ProtocolHandler) {
	n.handlersMu.Lock()
	n.protocol = handler
	n.handlersMu.Unlock()
}

// OnReceiveRestoreStateMessage implements Service.
func (n *Node) OnReceiveRestoreStateMessage(handler RestoreHandler) {
	n.handlersMu.Lock()
	n.restore = handler
	n.handlersMu.Unlock()
}

// OnReceiveSetupMessage implements Service.
func (n *Node) OnReceiveSetupMessage(handler SetupHandler) {
	n.handlersMu.Lock()
	n.setup = handler
	n.handlersMu.Unlock()
}

// OnReceiveRequestCollateralMessage implements Service.
func (n *Node) OnReceiveRequestCollateralMessage(handler CollateralHandler) {
	n.handlersMu.Lock()
	n.collateral = handler
	n.handlersMu.Unlock()
}

// OnReceiveIsAliveMessage implements Service.
func (n *Node) OnReceiveIsAliveMessage(handler IsAliveHandler) {
	n.handlersMu.Lock()
	n.isAlive = handler
	n.handlersMu.Unlock()
}

// SendIsAliveMessage implements Service: gossip broadcast.
func (n *Node) SendIsAliveMessage(ctx context.Context, msg IsAliveMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal isalive: %w", err)
	}
	if n.topicIsAlive == nil {
		return fmt.Errorf("messaging not started")
	}
	return n.topicIsAlive.Publish(ctx, data)
}

// SendProtocolMessage implements Service.
func (n *Node) SendProtocolMessage(ctx context.Context, to types.PublicIdentifier, env ProtocolEnvelope) (ProtocolEnvelope, error) {
	var reply ProtocolEnvelope
	err := n.exchange(ctx, to, ProtocolUpdate, env, &reply)
	return reply, err
}

// SendSetupMessage implements Service.
func (n *Node) SendSetupMessage(ctx context.Context, to types.PublicIdentifier, req SetupRequest) (SetupResponse, error) {
	var resp SetupResponse
	err := n.exchange(ctx, to, ProtocolSetup, req, &resp)
	return resp, err
}

// SendRequestCollateralMessage implements Service.
func (n *Node) SendRequestCollateralMessage(ctx context.Context, to types.PublicIdentifier, req CollateralRequest) (CollateralResponse, error) {
	var resp CollateralResponse
	err := n.exchange(ctx, to, ProtocolCollateral, req, &resp)
	return resp, err
}

// SendRestoreStateMessage implements Service: request/response/ack on a
// single stream. The caller must invoke the returned ack func exactly
// once so the holder releases its channel lock.
func (n *Node) SendRestoreStateMessage(ctx context.Context, to types.PublicIdentifier, req RestoreRequest) (RestoreResponse, func(RestoreAck), error) {
	peerID, err := n.resolvePeer(to)
	if err != nil {
		return RestoreResponse{}, nil, err
	}
	stream, err := n.host.NewStream(ctx, peerID, ProtocolRestore)
	if err != nil {
		return RestoreResponse{}, nil, types.WrapError(err, "open restore stream", "to", to.String())
	}

	setStreamDeadline(ctx, stream)
	if err := json.NewEncoder(stream).Encode(&req); err != nil {
		stream.Reset()
		return RestoreResponse{}, nil, types.WrapError(err, "send restore request")
	}

	var resp RestoreResponse
	if err := json.NewDecoder(io.LimitReader(stream, maxMessageBytes)).Decode(&resp); err != nil {
		stream.Reset()
		return RestoreResponse{}, nil, types.WrapError(err, "read restore response")
	}

	ack := func(a RestoreAck) {
		defer stream.Close()
		_ = json.NewEncoder(stream).Encode(&a)
	}
	return resp, ack, nil
}

// Ping implements Service: opening the stream is the probe.
func (n *Node) Ping(ctx context.Context, to types.PublicIdentifier) error {
	peerID, err := n.resolvePeer(to)
	if err != nil {
		return err
	}
	pingCtx, cancel := context.WithTimeout(ctx, DefaultPingTimeout)
	defer cancel()
	stream, err := n.host.NewStream(pingCtx, peerID, ProtocolPing)
	if err != nil {
		return types.NewError(types.KindTimeout, "peer offline", "identifier", to.String())
	}
	defer stream.Close()

	_ = stream.SetDeadline(time.Now().Add(DefaultPingTimeout))
	if _, err := stream.Write([]byte{1}); err != nil {
		return types.NewError(types.KindTimeout, "peer offline", "identifier", to.String())
	}
	buf := make([]byte, 1)
	if _, err := io.ReadFull(stream, buf); err != nil {
		return types.NewError(types.KindTimeout, "peer offline", "identifier", to.String())
	}
	return nil
}

// exchange runs one request/response leg over a fresh stream.
func (n *Node) exchange(ctx context.Context, to types.PublicIdentifier, proto protocol.ID, req, resp any) error {
	peerID, err := n.resolvePeer(to)
	if err != nil {
		return err
	}
	stream, err := n.host.NewStream(ctx, peerID, proto)
	if err != nil {
		return types.WrapError(err, "open stream", "to", to.String(), "protocol", string(proto))
	}
	defer stream.Close()

	setStreamDeadline(ctx, stream)
	if err := json.NewEncoder(stream).Encode(req); err != nil {
		return types.WrapError(err, "send request", "protocol", string(proto))
	}
	if err := json.NewDecoder(io.LimitReader(stream, maxMessageBytes)).Decode(resp); err != nil {
		return types.NewError(types.KindTimeout, fmt.Sprintf("no reply on %s: %v", proto, err), "to", to.String())
	}
	return nil
}

func setStreamDeadline(ctx context.Context, stream network.Stream) {
	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(DefaultProtocolTimeout)
	}
	_ = stream.SetDeadline(deadline)
}

// registerStreamHandlers installs the inbound side of every exchange.
func (n *Node) registerStreamHandlers() {
	n.host.SetStreamHandler(ProtocolUpdate, func(stream network.Stream) {
		defer stream.Close()
		from := n.identifierOf(stream.Conn().RemotePeer())
		var env ProtocolEnvelope
		if err := json.NewDecoder(io.LimitReader(stream, maxMessageBytes)).Decode(&env); err != nil {
			return
		}
		n.handlersMu.RLock()
		handler := n.protocol
		n.handlersMu.RUnlock()
		if handler == nil {
			return
		}
		reply := handler(n.ctx, from, env)
		_ = json.NewEncoder(stream).Encode(&reply)
	})

	n.host.SetStreamHandler(ProtocolSetup, func(stream network.Stream) {
		defer stream.Close()
		from := n.identifierOf(stream.Conn().RemotePeer())
		var req SetupRequest
		if err := json.NewDecoder(io.LimitReader(stream, maxMessageBytes)).Decode(&req); err != nil {
			return
		}
		n.handlersMu.RLock()
		handler := n.setup
		n.handlersMu.RUnlock()
		if handler == nil {
			return
		}
		resp := handler(n.ctx, from, req)
		_ = json.NewEncoder(stream).Encode(&resp)
	})

	n.host.SetStreamHandler(ProtocolCollateral, func(stream network.Stream) {
		defer stream.Close()
		from := n.identifierOf(stream.Conn().RemotePeer())
		var req CollateralRequest
		if err := json.NewDecoder(io.LimitReader(stream, maxMessageBytes)).Decode(&req); err != nil {
			return
		}
		n.handlersMu.RLock()
		handler := n.collateral
		n.handlersMu.RUnlock()
		if handler == nil {
			return
		}
		resp := handler(n.ctx, from, req)
		_ = json.NewEncoder(stream).Encode(&resp)
	})

	n.host.SetStreamHandler(ProtocolRestore, func(stream network.Stream) {
		defer stream.Close()
		from := n.identifierOf(stream.Conn().RemotePeer())
		var req RestoreRequest
		if err := json.NewDecoder(io.LimitReader(stream, maxMessageBytes)).Decode(&req); err != nil {
			return
		}
		n.handlersMu.RLock()
		handler := n.restore
		n.handlersMu.RUnlock()
		if handler == nil {
			return
		}

		ackCh := make(chan RestoreAck, 1)
		resp := handler(n.ctx, from, req, ackCh)
		if err := json.NewEncoder(stream).Encode(&resp); err != nil {
			ackCh <- RestoreAck{Error: types.NewError(types.KindTimeout, "restore response send failed")}
			return
		}

		var ack RestoreAck
		if err := json.NewDecoder(io.LimitReader(stream, maxMessageBytes)).Decode(&ack); err != nil {
			ack = RestoreAck{Error: types.NewError(types.KindTimeout, "restore ack not received")}
		}
		ackCh <- ack
	})

	n.host.SetStreamHandler(ProtocolPing, func(stream network.Stream) {
		defer stream.Close()
		buf := make([]byte, 1)
		if _, err := io.ReadFull(stream, buf); err != nil {
			return
		}
		_, _ = stream.Write(buf)
	})
}
