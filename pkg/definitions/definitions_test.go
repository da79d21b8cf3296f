package definitions

import (
	"crypto/sha256"
	"encoding/json"
	"math/big"
	"testing"

	gethcrypto "github.com/ethereum/go-ethereum/crypto"

	"github.com/TomAFrench/vector/pkg/crypto"
	"github.com/TomAFrench/vector/pkg/types"
)

func hashlockBalance(amount int64) types.Balance {
	var initiator, responder types.Address
	initiator[0] = 1
	responder[0] = 2
	return types.Balance{
		To:     [2]types.Address{initiator, responder},
		Amount: [2]*big.Int{big.NewInt(amount), new(big.Int)},
	}
}

func hashlockState(t *testing.T, preImage types.Hash) json.RawMessage {
	t.Helper()
	lock := sha256.Sum256(preImage[:])
	raw, err := json.Marshal(HashlockState{LockHash: types.Hash(lock)})
	if err != nil {
		t.Fatal(err)
	}
	return raw
}

func TestHashlock_ResolveWithPreimage(t *testing.T) {
	var preImage types.Hash
	preImage[0] = 0x42
	state := hashlockState(t, preImage)

	resolver, _ := json.Marshal(HashlockResolver{PreImage: preImage})
	balance := hashlockBalance(100)

	resolved, err := Hashlock{}.Resolve(state, resolver, balance)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if resolved.Amount[0].Sign() != 0 {
		t.Errorf("initiator amount = %s, want 0", resolved.Amount[0])
	}
	if resolved.Amount[1].Int64() != 100 {
		t.Errorf("responder amount = %s, want 100", resolved.Amount[1])
	}
	if resolved.Sum().Cmp(balance.Sum()) != 0 {
		t.Error("resolution must conserve the balance sum")
	}
}

func TestHashlock_ResolveWrongPreimage(t *testing.T) {
	var preImage, wrong types.Hash
	preImage[0] = 0x42
	wrong[0] = 0x43
	state := hashlockState(t, preImage)
	resolver, _ := json.Marshal(HashlockResolver{PreImage: wrong})

	if _, err := (Hashlock{}).Resolve(state, resolver, hashlockBalance(100)); err == nil {
		t.Error("wrong preimage should fail")
	}
}

func TestHashlock_CancelReturnsFunds(t *testing.T) {
	var preImage types.Hash
	preImage[0] = 0x42
	state := hashlockState(t, preImage)
	balance := hashlockBalance(100)

	resolved, err := Hashlock{}.Resolve(state, Hashlock{}.CancelResolver(), balance)
	if err != nil {
		t.Fatalf("cancel resolve: %v", err)
	}
	if !resolved.Equal(balance) {
		t.Errorf("cancel must leave the balance unchanged, got %+v", resolved)
	}
}

func TestHashlock_ValidateCreate(t *testing.T) {
	var preImage types.Hash
	preImage[0] = 1
	state := hashlockState(t, preImage)

	if err := (Hashlock{}).ValidateCreate(state, hashlockBalance(100)); err != nil {
		t.Errorf("valid create rejected: %v", err)
	}
	if err := (Hashlock{}).ValidateCreate(state, hashlockBalance(0)); err == nil {
		t.Error("zero amount should be rejected")
	}
	empty, _ := json.Marshal(HashlockState{})
	if err := (Hashlock{}).ValidateCreate(empty, hashlockBalance(100)); err == nil {
		t.Error("missing lockHash should be rejected")
	}
}

func TestHashlock_EncodeStateDeterministic(t *testing.T) {
	var preImage types.Hash
	preImage[0] = 7
	state := hashlockState(t, preImage)

	enc1, err := Hashlock{}.EncodeState(state)
	if err != nil {
		t.Fatal(err)
	}
	enc2, err := Hashlock{}.EncodeState(state)
	if err != nil {
		t.Fatal(err)
	}
	if string(enc1) != string(enc2) {
		t.Error("encoding not deterministic")
	}
	if len(enc1) != 64 {
		t.Errorf("encoded length = %d, want 64 (two abi words)", len(enc1))
	}
}

func withdrawFixture(t *testing.T, amount, fee int64) (json.RawMessage, json.RawMessage, types.Balance) {
	t.Helper()
	initiatorKey, _ := gethcrypto.GenerateKey()
	responderKey, _ := gethcrypto.GenerateKey()
	var initiator, responder types.Address
	copy(initiator[:], gethcrypto.PubkeyToAddress(initiatorKey.PublicKey).Bytes())
	copy(responder[:], gethcrypto.PubkeyToAddress(responderKey.PublicKey).Bytes())

	data := crypto.Keccak256([]byte("withdrawal commitment"))
	initiatorSig, err := crypto.SignEthMessage(initiatorKey, data.Bytes())
	if err != nil {
		t.Fatal(err)
	}
	responderSig, err := crypto.SignEthMessage(responderKey, data.Bytes())
	if err != nil {
		t.Fatal(err)
	}

	state, err := json.Marshal(WithdrawState{
		InitiatorSignature: initiatorSig,
		Initiator:          initiator,
		Responder:          responder,
		Data:               data,
		Nonce:              9,
		Fee:                big.NewInt(fee),
	})
	if err != nil {
		t.Fatal(err)
	}
	resolver, _ := json.Marshal(WithdrawResolver{ResponderSignature: responderSig})

	balance := types.Balance{
		To:     [2]types.Address{initiator, responder},
		Amount: [2]*big.Int{big.NewInt(amount), new(big.Int)},
	}
	return state, resolver, balance
}

func TestWithdraw_Resolve(t *testing.T) {
	state, resolver, balance := withdrawFixture(t, 100, 5)

	if err := (Withdraw{}).ValidateCreate(state, balance); err != nil {
		t.Fatalf("ValidateCreate: %v", err)
	}
	resolved, err := Withdraw{}.Resolve(state, resolver, balance)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if resolved.Amount[0].Sign() != 0 {
		t.Errorf("withdrawn amount should leave the channel, got %s", resolved.Amount[0])
	}
	if resolved.Amount[1].Int64() != 5 {
		t.Errorf("responder keeps the fee, got %s", resolved.Amount[1])
	}
}

func TestWithdraw_CancelKeepsFunds(t *testing.T) {
	state, _, balance := withdrawFixture(t, 100, 0)
	resolved, err := Withdraw{}.Resolve(state, Withdraw{}.CancelResolver(), balance)
	if err != nil {
		t.Fatalf("cancel resolve: %v", err)
	}
	if !resolved.Equal(balance) {
		t.Error("cancel must leave the balance unchanged")
	}
}

func TestWithdraw_RejectsBadResponderSignature(t *testing.T) {
	state, _, balance := withdrawFixture(t, 100, 0)
	otherKey, _ := gethcrypto.GenerateKey()
	badSig, _ := crypto.SignEthMessage(otherKey, []byte("other"))
	resolver, _ := json.Marshal(WithdrawResolver{ResponderSignature: badSig})

	if _, err := (Withdraw{}).Resolve(state, resolver, balance); err == nil {
		t.Error("bad responder signature should fail")
	}
}

func TestRegistry(t *testing.T) {
	registry := NewRegistry()
	var hashlockAddr, withdrawAddr types.Address
	hashlockAddr[0] = 1
	withdrawAddr[0] = 2

	if err := registry.Register(hashlockAddr, Hashlock{}); err != nil {
		t.Fatal(err)
	}
	if err := registry.Register(withdrawAddr, Withdraw{}); err != nil {
		t.Fatal(err)
	}
	if err := registry.Register(hashlockAddr, Withdraw{}); err == nil {
		t.Error("duplicate address registration should fail")
	}

	def, ok := registry.ByAddress(hashlockAddr)
	if !ok || def.Name() != HashlockName {
		t.Error("ByAddress lookup failed")
	}
	_, addr, ok := registry.ByName(WithdrawName)
	if !ok || addr != withdrawAddr {
		t.Error("ByName lookup failed")
	}
	infos := registry.Infos()
	if len(infos) != 2 || infos[0].Name != HashlockName {
		t.Errorf("Infos = %+v", infos)
	}
}
