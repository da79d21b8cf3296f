package types

import (
	"encoding/json"
	"fmt"
	"math/big"
)

// UpdateType tags the four channel update variants.
type UpdateType string

const (
	UpdateTypeSetup   UpdateType = "setup"
	UpdateTypeDeposit UpdateType = "deposit"
	UpdateTypeCreate  UpdateType = "create"
	UpdateTypeResolve UpdateType = "resolve"
)

// Valid reports whether t is a known update type.
func (t UpdateType) Valid() bool {
	switch t {
	case UpdateTypeSetup, UpdateTypeDeposit, UpdateTypeCreate, UpdateTypeResolve:
		return true
	}
	return false
}

// UpdateDetails is the variant-specific payload of an update. Exactly one
// concrete type corresponds to each UpdateType.
type UpdateDetails interface {
	UpdateType() UpdateType
}

// SetupDetails initializes a channel at nonce 1.
type SetupDetails struct {
	Timeout        uint64         `json:"timeout"`
	NetworkContext NetworkContext `json:"networkContext"`
}

// UpdateType implements UpdateDetails.
func (SetupDetails) UpdateType() UpdateType { return UpdateTypeSetup }

// DepositDetails carries the cumulative on-chain deposit totals the
// leader reconciled for the update's asset.
type DepositDetails struct {
	TotalDepositsAlice *big.Int `json:"-"`
	TotalDepositsBob   *big.Int `json:"-"`
}

// UpdateType implements UpdateDetails.
func (DepositDetails) UpdateType() UpdateType { return UpdateTypeDeposit }

type depositDetailsWire struct {
	TotalDepositsAlice string `json:"totalDepositsAlice"`
	TotalDepositsBob   string `json:"totalDepositsBob"`
}

// MarshalJSON encodes totals as decimal strings.
func (d DepositDetails) MarshalJSON() ([]byte, error) {
	a, b := d.TotalDepositsAlice, d.TotalDepositsBob
	if a == nil {
		a = new(big.Int)
	}
	if b == nil {
		b = new(big.Int)
	}
	return json.Marshal(depositDetailsWire{a.String(), b.String()})
}

// UnmarshalJSON decodes decimal-string totals.
func (d *DepositDetails) UnmarshalJSON(data []byte) error {
	var w depositDetailsWire
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	var ok bool
	if d.TotalDepositsAlice, ok = new(big.Int).SetString(orZero(w.TotalDepositsAlice), 10); !ok {
		return fmt.Errorf("invalid totalDepositsAlice %q", w.TotalDepositsAlice)
	}
	if d.TotalDepositsBob, ok = new(big.Int).SetString(orZero(w.TotalDepositsBob), 10); !ok {
		return fmt.Errorf("invalid totalDepositsBob %q", w.TotalDepositsBob)
	}
	return nil
}

func orZero(s string) string {
	if s == "" {
		return "0"
	}
	return s
}

// CreateDetails adds a conditional transfer to the channel's active set.
type CreateDetails struct {
	TransferId           Hash            `json:"transferId"`
	TransferDefinition   Address         `json:"transferDefinition"`
	TransferTimeout      uint64          `json:"transferTimeout"`
	TransferInitialState json.RawMessage `json:"transferInitialState"`
	TransferEncodedState HexBytes        `json:"transferEncodedState"`
	Balance              Balance         `json:"balance"`
	// MerkleProofData is the inclusion proof the adjudicator requires to
	// dispute this transfer against the committed root.
	MerkleProofData []Hash         `json:"merkleProofData"`
	MerkleRoot      Hash           `json:"merkleRoot"`
	Meta            map[string]any `json:"meta,omitempty"`
}

// UpdateType implements UpdateDetails.
func (CreateDetails) UpdateType() UpdateType { return UpdateTypeCreate }

// ResolveDetails removes a transfer from the active set by attaching its
// resolver.
type ResolveDetails struct {
	TransferId       Hash            `json:"transferId"`
	TransferResolver json.RawMessage `json:"transferResolver"`
	MerkleRoot       Hash            `json:"merkleRoot"`
	Meta             map[string]any  `json:"meta,omitempty"`
}

// UpdateType implements UpdateDetails.
func (ResolveDetails) UpdateType() UpdateType { return UpdateTypeResolve }

// Update is one signed state transition of a channel.
type Update struct {
	ChannelAddress Hash             `json:"channelAddress"`
	FromIdentifier PublicIdentifier `json:"fromIdentifier"`
	ToIdentifier   PublicIdentifier `json:"toIdentifier"`
	Type           UpdateType       `json:"type"`
	Nonce          uint64           `json:"nonce"`
	// Balance is the post-update channel balance for AssetId.
	Balance        Balance       `json:"balance"`
	AssetId        Address       `json:"assetId"`
	Details        UpdateDetails `json:"-"`
	AliceSignature HexBytes      `json:"aliceSignature,omitempty"`
	BobSignature   HexBytes      `json:"bobSignature,omitempty"`
}

// updateWire carries Details as a raw object switched on Type.
type updateWire struct {
	ChannelAddress Hash             `json:"channelAddress"`
	FromIdentifier PublicIdentifier `json:"fromIdentifier"`
	ToIdentifier   PublicIdentifier `json:"toIdentifier"`
	Type           UpdateType       `json:"type"`
	Nonce          uint64           `json:"nonce"`
	Balance        Balance          `json:"balance"`
	AssetId        Address          `json:"assetId"`
	Details        json.RawMessage  `json:"details"`
	AliceSignature HexBytes         `json:"aliceSignature,omitempty"`
	BobSignature   HexBytes         `json:"bobSignature,omitempty"`
}

// MarshalJSON flattens the variant details into a single details object.
func (u Update) MarshalJSON() ([]byte, error) {
	var details json.RawMessage
	if u.Details != nil {
		if u.Details.UpdateType() != u.Type {
			return nil, fmt.Errorf("update type %q carries %q details", u.Type, u.Details.UpdateType())
		}
		raw, err := json.Marshal(u.Details)
		if err != nil {
			return nil, err
		}
		details = raw
	}
	return json.Marshal(updateWire{
		ChannelAddress: u.ChannelAddress,
		FromIdentifier: u.FromIdentifier,
		ToIdentifier:   u.ToIdentifier,
		Type:           u.Type,
		Nonce:          u.Nonce,
		Balance:        u.Balance,
		AssetId:        u.AssetId,
		Details:        details,
		AliceSignature: u.AliceSignature,
		BobSignature:   u.BobSignature,
	})
}

// UnmarshalJSON selects the details variant from the type tag.
func (u *Update) UnmarshalJSON(data []byte) error {
	var w updateWire
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	u.ChannelAddress = w.ChannelAddress
	u.FromIdentifier = w.FromIdentifier
	u.ToIdentifier = w.ToIdentifier
	u.Type = w.Type
	u.Nonce = w.Nonce
	u.Balance = w.Balance
	u.AssetId = w.AssetId
	u.AliceSignature = w.AliceSignature
	u.BobSignature = w.BobSignature

	if len(w.Details) == 0 {
		return fmt.Errorf("update missing details")
	}
	switch w.Type {
	case UpdateTypeSetup:
		var d SetupDetails
		if err := json.Unmarshal(w.Details, &d); err != nil {
			return err
		}
		u.Details = d
	case UpdateTypeDeposit:
		var d DepositDetails
		if err := json.Unmarshal(w.Details, &d); err != nil {
			return err
		}
		u.Details = d
	case UpdateTypeCreate:
		var d CreateDetails
		if err := json.Unmarshal(w.Details, &d); err != nil {
			return err
		}
		u.Details = d
	case UpdateTypeResolve:
		var d ResolveDetails
		if err := json.Unmarshal(w.Details, &d); err != nil {
			return err
		}
		u.Details = d
	default:
		return fmt.Errorf("unknown update type %q", w.Type)
	}
	return nil
}

// Clone returns a deep-enough copy: Details variants are value types and
// shared maps inside them are never mutated after construction.
func (u Update) Clone() Update {
	out := u
	out.Balance = u.Balance.Clone()
	out.AliceSignature = append(HexBytes(nil), u.AliceSignature...)
	out.BobSignature = append(HexBytes(nil), u.BobSignature...)
	return out
}

// SignatureFor returns the signature slot for the given role.
func (u *Update) SignatureFor(isAlice bool) HexBytes {
	if isAlice {
		return u.AliceSignature
	}
	return u.BobSignature
}

// SetSignature fills the signature slot for the given role.
func (u *Update) SetSignature(isAlice bool, sig []byte) {
	if isAlice {
		u.AliceSignature = sig
	} else {
		u.BobSignature = sig
	}
}
