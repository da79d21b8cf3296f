package definitions

import (
	"encoding/json"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/accounts/abi"

	"github.com/TomAFrench/vector/pkg/crypto"
	"github.com/TomAFrench/vector/pkg/types"
)

// WithdrawName is the registry name of the withdraw definition.
const WithdrawName = "Withdraw"

// WithdrawState models a withdrawal as a transfer: both parties sign the
// withdrawal commitment, and resolution removes the funds from the
// channel so the adjudicator can pay them out on-chain.
type WithdrawState struct {
	InitiatorSignature types.HexBytes `json:"initiatorSignature"`
	Initiator          types.Address  `json:"initiator"`
	Responder          types.Address  `json:"responder"`
	// Data is the withdrawal commitment digest both signatures cover.
	Data  types.Hash `json:"data"`
	Nonce uint64     `json:"nonce"`
	// Fee stays with the responder for submitting the on-chain payout.
	Fee *big.Int `json:"-"`
}

type withdrawStateWire struct {
	InitiatorSignature types.HexBytes `json:"initiatorSignature"`
	Initiator          types.Address  `json:"initiator"`
	Responder          types.Address  `json:"responder"`
	Data               types.Hash     `json:"data"`
	Nonce              uint64         `json:"nonce"`
	Fee                string         `json:"fee"`
}

// MarshalJSON encodes the fee as a decimal string.
func (s WithdrawState) MarshalJSON() ([]byte, error) {
	fee := s.Fee
	if fee == nil {
		fee = new(big.Int)
	}
	return json.Marshal(withdrawStateWire{
		InitiatorSignature: s.InitiatorSignature,
		Initiator:          s.Initiator,
		Responder:          s.Responder,
		Data:               s.Data,
		Nonce:              s.Nonce,
		Fee:                fee.String(),
	})
}

// UnmarshalJSON decodes the decimal-string fee.
func (s *WithdrawState) UnmarshalJSON(data []byte) error {
	var w withdrawStateWire
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	fee, ok := new(big.Int).SetString(orZeroStr(w.Fee), 10)
	if !ok {
		return fmt.Errorf("invalid withdraw fee %q", w.Fee)
	}
	s.InitiatorSignature = w.InitiatorSignature
	s.Initiator = w.Initiator
	s.Responder = w.Responder
	s.Data = w.Data
	s.Nonce = w.Nonce
	s.Fee = fee
	return nil
}

func orZeroStr(s string) string {
	if s == "" {
		return "0"
	}
	return s
}

// WithdrawResolver carries the responder's counter-signature. An empty
// signature is the canonical cancel.
type WithdrawResolver struct {
	ResponderSignature types.HexBytes `json:"responderSignature"`
}

var withdrawStateArgs = abi.Arguments{
	{Type: mustType("bytes")},
	{Type: mustType("address")},
	{Type: mustType("address")},
	{Type: mustType("bytes32")},
	{Type: mustType("uint256")},
	{Type: mustType("uint256")},
}

// Withdraw implements Definition for co-signed withdrawal commitments.
type Withdraw struct{}

// Name implements Definition.
func (Withdraw) Name() string { return WithdrawName }

// StateEncoding implements Definition.
func (Withdraw) StateEncoding() string {
	return "tuple(bytes initiatorSignature, address initiator, address responder, bytes32 data, uint256 nonce, uint256 fee)"
}

// ResolverEncoding implements Definition.
func (Withdraw) ResolverEncoding() string { return "tuple(bytes responderSignature)" }

// RequiresEncryptedSecret implements Definition.
func (Withdraw) RequiresEncryptedSecret() bool { return false }

// EncodeState implements Definition.
func (Withdraw) EncodeState(state json.RawMessage) ([]byte, error) {
	var s WithdrawState
	if err := json.Unmarshal(state, &s); err != nil {
		return nil, fmt.Errorf("decode withdraw state: %w", err)
	}
	fee := s.Fee
	if fee == nil {
		fee = new(big.Int)
	}
	encoded, err := withdrawStateArgs.Pack(
		[]byte(s.InitiatorSignature),
		gethAddress(s.Initiator),
		gethAddress(s.Responder),
		[32]byte(s.Data),
		new(big.Int).SetUint64(s.Nonce),
		fee,
	)
	if err != nil {
		return nil, fmt.Errorf("encode withdraw state: %w", err)
	}
	return encoded, nil
}

// ValidateCreate implements Definition: the initiator signature must
// already verify over the withdrawal commitment.
func (Withdraw) ValidateCreate(state json.RawMessage, balance types.Balance) error {
	var s WithdrawState
	if err := json.Unmarshal(state, &s); err != nil {
		return fmt.Errorf("decode withdraw state: %w", err)
	}
	if balance.Amount[0] == nil || balance.Amount[0].Sign() <= 0 {
		return fmt.Errorf("withdrawal requires a positive amount")
	}
	if s.Fee != nil && s.Fee.Cmp(balance.Amount[0]) > 0 {
		return fmt.Errorf("withdrawal fee %s exceeds amount %s", s.Fee, balance.Amount[0])
	}
	if err := crypto.VerifyEthMessage(s.Data.Bytes(), s.InitiatorSignature, s.Initiator); err != nil {
		return fmt.Errorf("initiator withdrawal signature: %w", err)
	}
	return nil
}

// Resolve implements Definition. A verifying responder signature removes
// the withdrawn amount from the channel (the fee stays with the
// responder); an empty signature cancels and returns the funds.
func (Withdraw) Resolve(state, resolver json.RawMessage, balance types.Balance) (types.Balance, error) {
	var s WithdrawState
	if err := json.Unmarshal(state, &s); err != nil {
		return types.Balance{}, fmt.Errorf("decode withdraw state: %w", err)
	}
	var r WithdrawResolver
	if err := json.Unmarshal(resolver, &r); err != nil {
		return types.Balance{}, fmt.Errorf("decode withdraw resolver: %w", err)
	}

	out := balance.Clone()
	if len(r.ResponderSignature) == 0 {
		// Cancelled: funds return to the initiator's channel balance.
		return out, nil
	}

	if err := crypto.VerifyEthMessage(s.Data.Bytes(), r.ResponderSignature, s.Responder); err != nil {
		return types.Balance{}, fmt.Errorf("responder withdrawal signature: %w", err)
	}

	fee := s.Fee
	if fee == nil {
		fee = new(big.Int)
	}
	out.Amount[0] = new(big.Int)
	out.Amount[1] = new(big.Int).Set(fee)
	return out, nil
}

// CancelResolver implements Definition.
func (Withdraw) CancelResolver() json.RawMessage {
	raw, _ := json.Marshal(WithdrawResolver{})
	return raw
}
