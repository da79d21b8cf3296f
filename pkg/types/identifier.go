package types

import (
	"fmt"
	"strings"
)

// IdentifierHRP is the bech32 human-readable part for public identifiers.
const IdentifierHRP = "vec"

// PubKeySize is the length of a compressed secp256k1 public key.
const PubKeySize = 33

// PublicIdentifier is the transport-level identity of a channel peer:
// a bech32 string ("vec1...") encoding the peer's compressed public key.
type PublicIdentifier string

// NewPublicIdentifier encodes a compressed public key as an identifier.
func NewPublicIdentifier(pubKey []byte) (PublicIdentifier, error) {
	if len(pubKey) != PubKeySize {
		return "", fmt.Errorf("public key must be %d bytes, got %d", PubKeySize, len(pubKey))
	}
	s, err := Bech32Encode(IdentifierHRP, pubKey)
	if err != nil {
		return "", fmt.Errorf("encode identifier: %w", err)
	}
	return PublicIdentifier(s), nil
}

// PubKey decodes the identifier back into a compressed public key.
func (id PublicIdentifier) PubKey() ([]byte, error) {
	hrp, data, err := Bech32Decode(string(id))
	if err != nil {
		return nil, fmt.Errorf("decode identifier: %w", err)
	}
	if hrp != IdentifierHRP {
		return nil, fmt.Errorf("identifier HRP %q, want %q", hrp, IdentifierHRP)
	}
	if len(data) != PubKeySize {
		return nil, fmt.Errorf("identifier payload must be %d bytes, got %d", PubKeySize, len(data))
	}
	return data, nil
}

// Valid reports whether the identifier parses and carries a key-sized payload.
func (id PublicIdentifier) Valid() bool {
	_, err := id.PubKey()
	return err == nil
}

// String returns the bech32 form.
func (id PublicIdentifier) String() string {
	return string(id)
}

// IsIdentifier reports whether s looks like a public identifier.
func IsIdentifier(s string) bool {
	return strings.HasPrefix(s, IdentifierHRP+"1") && PublicIdentifier(s).Valid()
}
