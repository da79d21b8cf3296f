package types

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math/big"
	"strings"
)

// Amounts is a slice of big integers that serializes as decimal strings.
// Used for per-asset cumulative deposit totals.
type Amounts []*big.Int

// MarshalJSON encodes each amount as a decimal string.
func (a Amounts) MarshalJSON() ([]byte, error) {
	out := make([]string, len(a))
	for i, amt := range a {
		if amt == nil {
			amt = new(big.Int)
		}
		out[i] = amt.String()
	}
	return json.Marshal(out)
}

// UnmarshalJSON decodes decimal strings.
func (a *Amounts) UnmarshalJSON(data []byte) error {
	var raw []string
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	out := make(Amounts, len(raw))
	for i, s := range raw {
		if s == "" {
			s = "0"
		}
		amt, ok := new(big.Int).SetString(s, 10)
		if !ok {
			return fmt.Errorf("invalid amount %q", s)
		}
		out[i] = amt
	}
	*a = out
	return nil
}

// Clone returns a deep copy.
func (a Amounts) Clone() Amounts {
	out := make(Amounts, len(a))
	for i, amt := range a {
		if amt == nil {
			amt = new(big.Int)
		}
		out[i] = new(big.Int).Set(amt)
	}
	return out
}

// HexBytes is a byte slice that serializes as 0x-prefixed hex.
// Used for signatures and ABI-encoded transfer state.
type HexBytes []byte

// String returns the 0x-prefixed hex encoding.
func (h HexBytes) String() string {
	return "0x" + hex.EncodeToString(h)
}

// MarshalJSON encodes the bytes as a 0x-prefixed hex string.
func (h HexBytes) MarshalJSON() ([]byte, error) {
	return json.Marshal(h.String())
}

// UnmarshalJSON decodes a hex string.
func (h *HexBytes) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	if s == "" {
		*h = nil
		return nil
	}
	decoded, err := hex.DecodeString(strings.TrimPrefix(s, "0x"))
	if err != nil {
		return fmt.Errorf("invalid hex bytes: %w", err)
	}
	*h = decoded
	return nil
}
