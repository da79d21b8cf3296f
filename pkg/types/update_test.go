package types

import (
	"encoding/json"
	"math/big"
	"testing"
)

func testBalance() Balance {
	var alice, bob Address
	alice[0] = 1
	bob[0] = 2
	return Balance{
		To:     [2]Address{alice, bob},
		Amount: [2]*big.Int{big.NewInt(100), big.NewInt(0)},
	}
}

func TestUpdate_JSONRoundtrip_Create(t *testing.T) {
	var transferId, root Hash
	transferId[0] = 0xab
	root[0] = 0xcd
	var def Address
	def[0] = 0xef

	original := Update{
		ChannelAddress: Hash{0x01},
		FromIdentifier: "vec1sender",
		ToIdentifier:   "vec1receiver",
		Type:           UpdateTypeCreate,
		Nonce:          7,
		Balance:        testBalance(),
		Details: CreateDetails{
			TransferId:           transferId,
			TransferDefinition:   def,
			TransferTimeout:      3600,
			TransferInitialState: json.RawMessage(`{"lockHash":"0x0101010101010101010101010101010101010101010101010101010101010101","expiry":0}`),
			TransferEncodedState: HexBytes{0x01, 0x02},
			Balance:              testBalance(),
			MerkleRoot:           root,
		},
		AliceSignature: HexBytes{0xaa},
	}

	raw, err := json.Marshal(original)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var decoded Update
	if err := json.Unmarshal(raw, &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}

	details, ok := decoded.Details.(CreateDetails)
	if !ok {
		t.Fatalf("details decoded as %T, want CreateDetails", decoded.Details)
	}
	if details.TransferId != transferId {
		t.Errorf("transferId = %s, want %s", details.TransferId, transferId)
	}
	if decoded.Nonce != 7 || decoded.Type != UpdateTypeCreate {
		t.Errorf("core fields lost: %+v", decoded)
	}
	if !decoded.Balance.Equal(original.Balance) {
		t.Error("balance lost in roundtrip")
	}
}

func TestUpdate_JSONRoundtrip_Deposit(t *testing.T) {
	original := Update{
		ChannelAddress: Hash{0x02},
		Type:           UpdateTypeDeposit,
		Nonce:          3,
		Balance:        testBalance(),
		Details: DepositDetails{
			TotalDepositsAlice: big.NewInt(5),
			TotalDepositsBob:   big.NewInt(3),
		},
	}
	raw, err := json.Marshal(original)
	if err != nil {
		t.Fatal(err)
	}
	var decoded Update
	if err := json.Unmarshal(raw, &decoded); err != nil {
		t.Fatal(err)
	}
	details := decoded.Details.(DepositDetails)
	if details.TotalDepositsAlice.Int64() != 5 || details.TotalDepositsBob.Int64() != 3 {
		t.Errorf("totals = %s/%s, want 5/3", details.TotalDepositsAlice, details.TotalDepositsBob)
	}
}

func TestUpdate_UnknownType(t *testing.T) {
	raw := []byte(`{"type":"mystery","nonce":1,"balance":{"to":["",""],"amount":["0","0"]},"details":{}}`)
	var decoded Update
	if err := json.Unmarshal(raw, &decoded); err == nil {
		t.Error("expected error for unknown update type")
	}
}

func TestUpdate_MissingDetails(t *testing.T) {
	raw := []byte(`{"type":"setup","nonce":1,"balance":{"to":["",""],"amount":["0","0"]}}`)
	var decoded Update
	if err := json.Unmarshal(raw, &decoded); err == nil {
		t.Error("expected error for missing details")
	}
}

func TestUpdate_TypeDetailsMismatch(t *testing.T) {
	update := Update{
		Type:    UpdateTypeCreate,
		Balance: testBalance(),
		Details: SetupDetails{Timeout: 1},
	}
	if _, err := json.Marshal(update); err == nil {
		t.Error("expected error for mismatched details variant")
	}
}

func TestBalance_BigAmounts(t *testing.T) {
	huge, _ := new(big.Int).SetString("123456789012345678901234567890", 10)
	balance := Balance{Amount: [2]*big.Int{huge, big.NewInt(1)}}

	raw, err := json.Marshal(balance)
	if err != nil {
		t.Fatal(err)
	}
	var decoded Balance
	if err := json.Unmarshal(raw, &decoded); err != nil {
		t.Fatal(err)
	}
	if decoded.Amount[0].Cmp(huge) != 0 {
		t.Errorf("amount = %s, want %s", decoded.Amount[0], huge)
	}
}

func TestBalance_Validate(t *testing.T) {
	b := Balance{Amount: [2]*big.Int{big.NewInt(-1), big.NewInt(0)}}
	if err := b.Validate(); err == nil {
		t.Error("negative amount should fail validation")
	}
	b = Balance{Amount: [2]*big.Int{nil, big.NewInt(0)}}
	if err := b.Validate(); err == nil {
		t.Error("nil amount should fail validation")
	}
}

func TestRoutingMeta_Roundtrip(t *testing.T) {
	chainId := uint64(137)
	rm := RoutingMeta{
		RoutingId: "route-1",
		Path: []PathElement{{
			Recipient:        "vec1recipient",
			RecipientChainId: &chainId,
		}},
		RequireOnline: true,
	}

	meta := rm.ToMap(map[string]any{"note": "hello"})
	decoded, err := RoutingMetaFromMap(meta)
	if err != nil {
		t.Fatalf("RoutingMetaFromMap: %v", err)
	}
	if decoded.RoutingId != "route-1" || !decoded.RequireOnline {
		t.Errorf("decoded = %+v", decoded)
	}
	if decoded.Path[0].RecipientChainId == nil || *decoded.Path[0].RecipientChainId != 137 {
		t.Error("recipientChainId lost")
	}
	if meta["note"] != "hello" {
		t.Error("extra meta keys lost")
	}
}

func TestRoutingMeta_MissingFields(t *testing.T) {
	if _, err := RoutingMetaFromMap(nil); err == nil {
		t.Error("nil meta should fail")
	}
	if _, err := RoutingMetaFromMap(map[string]any{"routingId": "x"}); err == nil {
		t.Error("missing path should fail")
	}
	if _, err := RoutingMetaFromMap(map[string]any{"path": []any{map[string]any{"recipient": "vec1abc"}}}); err == nil {
		t.Error("missing routingId should fail")
	}
}
