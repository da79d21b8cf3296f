package messaging

import (
	"context"
	"testing"
	"time"

	"github.com/TomAFrench/vector/pkg/types"
)

func TestMemory_ProtocolExchange(t *testing.T) {
	mesh := NewMemoryRouter()
	alice := mesh.Join("vec1alice")
	bob := mesh.Join("vec1bob")

	bob.OnReceiveProtocolMessage(func(_ context.Context, from types.PublicIdentifier, env ProtocolEnvelope) ProtocolEnvelope {
		if from != "vec1alice" {
			t.Errorf("from = %s", from)
		}
		return ProtocolEnvelope{Error: types.NewError(types.KindStaleUpdate, "behind")}
	})

	reply, err := alice.SendProtocolMessage(context.Background(), "vec1bob", ProtocolEnvelope{})
	if err != nil {
		t.Fatalf("SendProtocolMessage: %v", err)
	}
	if reply.Error == nil || reply.Error.Kind != types.KindStaleUpdate {
		t.Errorf("reply = %+v", reply)
	}
}

func TestMemory_OfflinePeer(t *testing.T) {
	mesh := NewMemoryRouter()
	alice := mesh.Join("vec1alice")
	bob := mesh.Join("vec1bob")
	bob.OnReceiveProtocolMessage(func(context.Context, types.PublicIdentifier, ProtocolEnvelope) ProtocolEnvelope {
		return ProtocolEnvelope{}
	})

	bob.SetOnline(false)
	if _, err := alice.SendProtocolMessage(context.Background(), "vec1bob", ProtocolEnvelope{}); err == nil {
		t.Error("send to offline peer should fail")
	}
	if err := alice.Ping(context.Background(), "vec1bob"); err == nil {
		t.Error("ping to offline peer should fail")
	}

	bob.SetOnline(true)
	if err := alice.Ping(context.Background(), "vec1bob"); err != nil {
		t.Errorf("ping after reconnect: %v", err)
	}
}

func TestMemory_UnknownPeer(t *testing.T) {
	mesh := NewMemoryRouter()
	alice := mesh.Join("vec1alice")
	if _, err := alice.SendProtocolMessage(context.Background(), "vec1ghost", ProtocolEnvelope{}); err == nil {
		t.Error("send to unknown peer should fail")
	}
	if types.KindOf(alice.Ping(context.Background(), "vec1ghost")) != types.KindTimeout {
		t.Error("unknown peer ping should be a Timeout kind")
	}
}

func TestMemory_IsAliveBroadcast(t *testing.T) {
	mesh := NewMemoryRouter()
	alice := mesh.Join("vec1alice")
	bob := mesh.Join("vec1bob")
	carol := mesh.Join("vec1carol")

	got := make(chan types.PublicIdentifier, 2)
	handler := func(from types.PublicIdentifier, msg IsAliveMessage) {
		got <- msg.Identifier
	}
	bob.OnReceiveIsAliveMessage(handler)
	carol.OnReceiveIsAliveMessage(handler)

	if err := alice.SendIsAliveMessage(context.Background(), IsAliveMessage{Identifier: "vec1alice"}); err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 2; i++ {
		select {
		case id := <-got:
			if id != "vec1alice" {
				t.Errorf("identifier = %s", id)
			}
		case <-time.After(time.Second):
			t.Fatal("broadcast not delivered")
		}
	}
}

func TestMemory_RestoreExchangeWithAck(t *testing.T) {
	mesh := NewMemoryRouter()
	requester := mesh.Join("vec1requester")
	holder := mesh.Join("vec1holder")

	acked := make(chan RestoreAck, 1)
	holder.OnReceiveRestoreStateMessage(func(_ context.Context, from types.PublicIdentifier, req RestoreRequest, ack <-chan RestoreAck) RestoreResponse {
		go func() {
			acked <- <-ack
		}()
		return RestoreResponse{Channel: &types.ChannelState{Nonce: 12}}
	})

	resp, ack, err := requester.SendRestoreStateMessage(context.Background(), "vec1holder", RestoreRequest{ChainId: 1})
	if err != nil {
		t.Fatalf("SendRestoreStateMessage: %v", err)
	}
	if resp.Channel == nil || resp.Channel.Nonce != 12 {
		t.Fatalf("resp = %+v", resp)
	}
	ack(RestoreAck{})

	select {
	case a := <-acked:
		if a.Error != nil {
			t.Errorf("ack error = %v", a.Error)
		}
	case <-time.After(time.Second):
		t.Fatal("holder never received ack")
	}
}

func TestMemory_SetupAndCollateral(t *testing.T) {
	mesh := NewMemoryRouter()
	client := mesh.Join("vec1client")
	server := mesh.Join("vec1server")

	server.OnReceiveSetupMessage(func(_ context.Context, from types.PublicIdentifier, req SetupRequest) SetupResponse {
		return SetupResponse{ChannelAddress: types.Hash{0xaa}}
	})
	server.OnReceiveRequestCollateralMessage(func(_ context.Context, from types.PublicIdentifier, req CollateralRequest) CollateralResponse {
		if req.Amount != "500" {
			t.Errorf("amount = %s", req.Amount)
		}
		return CollateralResponse{}
	})

	setupResp, err := client.SendSetupMessage(context.Background(), "vec1server", SetupRequest{ChainId: 1})
	if err != nil || setupResp.ChannelAddress != (types.Hash{0xaa}) {
		t.Fatalf("setup = %+v, %v", setupResp, err)
	}
	collateralResp, err := client.SendRequestCollateralMessage(context.Background(), "vec1server", CollateralRequest{Amount: "500"})
	if err != nil || collateralResp.Error != nil {
		t.Fatalf("collateral = %+v, %v", collateralResp, err)
	}
}
