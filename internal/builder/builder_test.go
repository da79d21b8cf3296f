package builder

import (
	"context"
	"encoding/json"
	"math/big"
	"testing"

	"github.com/TomAFrench/vector/internal/chain"
	"github.com/TomAFrench/vector/internal/signer"
	"github.com/TomAFrench/vector/pkg/crypto"
	"github.com/TomAFrench/vector/pkg/definitions"
	"github.com/TomAFrench/vector/pkg/types"
)

var (
	hashlockAddr = types.Address{0x11}
	withdrawAddr = types.Address{0x22}
	nativeAsset  = types.Address{}
)

func newFixture(t *testing.T) (*Builder, *signer.Signer, *signer.Signer, *types.ChannelState) {
	t.Helper()
	registry := definitions.NewRegistry()
	if err := registry.Register(hashlockAddr, definitions.Hashlock{}); err != nil {
		t.Fatal(err)
	}
	if err := registry.Register(withdrawAddr, definitions.Withdraw{}); err != nil {
		t.Fatal(err)
	}
	reader := chain.NewMemoryReader(registry, 1)

	aliceKey := make([]byte, 32)
	aliceKey[0], aliceKey[31] = 1, 1
	alice, err := signer.NewFromPrivateKey(aliceKey)
	if err != nil {
		t.Fatal(err)
	}
	bobKey := make([]byte, 32)
	bobKey[0], bobKey[31] = 1, 2
	bob, err := signer.NewFromPrivateKey(bobKey)
	if err != nil {
		t.Fatal(err)
	}

	channel := &types.ChannelState{
		ChannelAddress:  types.Hash{0xcc},
		AliceIdentifier: alice.PublicIdentifier(),
		BobIdentifier:   bob.PublicIdentifier(),
		Alice:           alice.Address(),
		Bob:             bob.Address(),
		ChainId:         1,
		Nonce:           4,
	}
	return New(alice, reader), alice, bob, channel
}

func TestConvertTransferParams_ByName(t *testing.T) {
	b, alice, bob, channel := newFixture(t)

	state, _ := json.Marshal(definitions.HashlockState{LockHash: types.Hash{0x01}})
	params, err := b.ConvertTransferParams(TransferInput{
		Type:           definitions.HashlockName,
		ChannelAddress: channel.ChannelAddress,
		Amount:         big.NewInt(100),
		AssetId:        nativeAsset,
		Details:        state,
		Recipient:      bob.PublicIdentifier(),
	}, channel)
	if err != nil {
		t.Fatalf("ConvertTransferParams: %v", err)
	}

	if params.TransferDefinition != hashlockAddr {
		t.Errorf("definition = %s, want %s", params.TransferDefinition, hashlockAddr)
	}
	if params.Balance.To[0] != alice.Address() || params.Balance.To[1] != bob.Address() {
		t.Error("initiator/responder assignment wrong")
	}
	if params.Balance.Amount[0].Int64() != 100 || params.Balance.Amount[1].Sign() != 0 {
		t.Error("balance amounts wrong")
	}
	if params.Timeout != DefaultTransferTimeout {
		t.Errorf("timeout = %d, want default", params.Timeout)
	}

	rm, err := types.RoutingMetaFromMap(params.Meta)
	if err != nil {
		t.Fatalf("routing meta: %v", err)
	}
	if rm.RoutingId == "" {
		t.Error("routingId not generated")
	}
	if rm.Path[0].Recipient != bob.PublicIdentifier() {
		t.Error("path recipient wrong")
	}
}

func TestConvertTransferParams_ByAddress(t *testing.T) {
	b, _, bob, channel := newFixture(t)
	state, _ := json.Marshal(definitions.HashlockState{LockHash: types.Hash{0x01}})

	params, err := b.ConvertTransferParams(TransferInput{
		Type:           hashlockAddr.String(),
		ChannelAddress: channel.ChannelAddress,
		Amount:         big.NewInt(5),
		AssetId:        nativeAsset,
		Details:        state,
		Recipient:      bob.PublicIdentifier(),
	}, channel)
	if err != nil {
		t.Fatalf("ConvertTransferParams: %v", err)
	}
	if params.TransferDefinition != hashlockAddr {
		t.Error("address lookup failed")
	}
}

func TestConvertTransferParams_UnknownType(t *testing.T) {
	b, _, bob, channel := newFixture(t)
	_, err := b.ConvertTransferParams(TransferInput{
		Type:           "NoSuchDefinition",
		ChannelAddress: channel.ChannelAddress,
		Amount:         big.NewInt(5),
		AssetId:        nativeAsset,
		Details:        json.RawMessage(`{}`),
		Recipient:      bob.PublicIdentifier(),
	}, channel)
	if types.KindOf(err) != types.KindInvalidTransferType {
		t.Errorf("kind = %v, want InvalidTransferType", types.KindOf(err))
	}
}

func TestConvertTransferParams_EncryptsSecret(t *testing.T) {
	b, _, bob, channel := newFixture(t)
	state, _ := json.Marshal(definitions.HashlockState{LockHash: types.Hash{0x01}})

	params, err := b.ConvertTransferParams(TransferInput{
		Type:           definitions.HashlockName,
		ChannelAddress: channel.ChannelAddress,
		Amount:         big.NewInt(5),
		AssetId:        nativeAsset,
		Details:        state,
		Recipient:      bob.PublicIdentifier(),
		Meta:           map[string]any{"preImage": "super-secret", "note": "keep"},
	}, channel)
	if err != nil {
		t.Fatal(err)
	}

	if _, leaked := params.Meta["preImage"]; leaked {
		t.Fatal("plaintext preimage leaked into meta")
	}
	if params.Meta["note"] != "keep" {
		t.Error("unrelated meta dropped")
	}

	rm, err := types.RoutingMetaFromMap(params.Meta)
	if err != nil {
		t.Fatal(err)
	}
	if rm.EncryptedPreImage == "" {
		t.Fatal("no encrypted preimage attached")
	}
	bobSigner, err := signerForTest(t, 2)
	if err != nil {
		t.Fatal(err)
	}
	plaintext, err := bobSigner.DecryptHex(rm.EncryptedPreImage)
	if err != nil {
		t.Fatalf("recipient decrypt: %v", err)
	}
	if string(plaintext) != "super-secret" {
		t.Errorf("decrypted = %q", plaintext)
	}
}

func signerForTest(t *testing.T, seed byte) (*signer.Signer, error) {
	t.Helper()
	key := make([]byte, 32)
	key[0], key[31] = 1, seed
	return signer.NewFromPrivateKey(key)
}

func TestConvertTransferParams_PreservesRoutingId(t *testing.T) {
	b, _, bob, channel := newFixture(t)
	state, _ := json.Marshal(definitions.HashlockState{LockHash: types.Hash{0x01}})

	meta := types.RoutingMeta{
		RoutingId: "existing-route",
		Path:      []types.PathElement{{Recipient: bob.PublicIdentifier()}},
	}.ToMap(nil)

	params, err := b.ConvertTransferParams(TransferInput{
		Type:           definitions.HashlockName,
		ChannelAddress: channel.ChannelAddress,
		Amount:         big.NewInt(5),
		AssetId:        nativeAsset,
		Details:        state,
		Recipient:      bob.PublicIdentifier(),
		Meta:           meta,
	}, channel)
	if err != nil {
		t.Fatal(err)
	}
	rm, _ := types.RoutingMetaFromMap(params.Meta)
	if rm.RoutingId != "existing-route" {
		t.Errorf("routingId = %s, want existing-route", rm.RoutingId)
	}
}

func TestConvertResolveConditionParams(t *testing.T) {
	b, _, _, _ := newFixture(t)

	resolver, _ := json.Marshal(definitions.HashlockResolver{PreImage: types.Hash{0x02}})
	params, err := b.ConvertResolveConditionParams(ResolveInput{
		ChannelAddress: types.Hash{0xcc},
		TransferId:     types.Hash{0xdd},
		Resolver:       resolver,
	})
	if err != nil {
		t.Fatal(err)
	}
	if params.TransferId != (types.Hash{0xdd}) {
		t.Error("transferId lost")
	}

	if _, err := b.ConvertResolveConditionParams(ResolveInput{}); types.KindOf(err) != types.KindValidation {
		t.Error("missing resolver should fail validation")
	}
}

func TestConvertWithdrawParams(t *testing.T) {
	b, alice, bob, channel := newFixture(t)

	recipient := types.Address{0xee}
	params, err := b.ConvertWithdrawParams(context.Background(), WithdrawInput{
		ChannelAddress: channel.ChannelAddress,
		Amount:         big.NewInt(100),
		AssetId:        nativeAsset,
		Recipient:      recipient,
		Fee:            big.NewInt(3),
	}, channel)
	if err != nil {
		t.Fatalf("ConvertWithdrawParams: %v", err)
	}
	if params.TransferDefinition != withdrawAddr {
		t.Error("withdraw definition not selected")
	}

	var state definitions.WithdrawState
	if err := json.Unmarshal(params.TransferInitialState, &state); err != nil {
		t.Fatal(err)
	}
	if state.Initiator != alice.Address() || state.Responder != bob.Address() {
		t.Error("withdraw participants wrong")
	}
	if state.Fee.Int64() != 3 {
		t.Errorf("fee = %s", state.Fee)
	}
	// The pre-attached initiator signature must verify over the data.
	if err := crypto.VerifyEthMessage(state.Data.Bytes(), state.InitiatorSignature, alice.Address()); err != nil {
		t.Errorf("initiator signature: %v", err)
	}
	// The definition accepts the state as created.
	if err := (definitions.Withdraw{}).ValidateCreate(params.TransferInitialState, params.Balance); err != nil {
		t.Errorf("ValidateCreate: %v", err)
	}
}

func TestConvertWithdrawParams_FeeExceedsAmount(t *testing.T) {
	b, _, _, channel := newFixture(t)
	_, err := b.ConvertWithdrawParams(context.Background(), WithdrawInput{
		ChannelAddress: channel.ChannelAddress,
		Amount:         big.NewInt(10),
		AssetId:        nativeAsset,
		Recipient:      types.Address{0xee},
		Fee:            big.NewInt(20),
	}, channel)
	if types.KindOf(err) != types.KindValidation {
		t.Errorf("kind = %v, want ValidationError", types.KindOf(err))
	}
}
