// Package signer derives the node's channel signing key from a BIP-39
// mnemonic and produces the EIP-191 signatures and ECIES decryptions the
// protocol needs.
package signer

import (
	"crypto/ecdsa"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	gethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/crypto/ecies"
	"github.com/tyler-smith/go-bip32"
	"github.com/tyler-smith/go-bip39"

	"github.com/TomAFrench/vector/pkg/crypto"
	"github.com/TomAFrench/vector/pkg/types"
)

// BIP-44 derivation path for the channel key: m/44'/60'/0'/0/0.
var derivationPath = []uint32{
	bip32.FirstHardenedChild + 44,
	bip32.FirstHardenedChild + 60,
	bip32.FirstHardenedChild + 0,
	0,
	0,
}

// Signer holds the channel private key.
type Signer struct {
	priv       *secp256k1.PrivateKey
	ecdsaKey   *ecdsa.PrivateKey
	identifier types.PublicIdentifier
	address    types.Address
}

// NewFromMnemonic derives the channel key at m/44'/60'/0'/0/0.
func NewFromMnemonic(mnemonic string) (*Signer, error) {
	mnemonic = strings.TrimSpace(mnemonic)
	if !bip39.IsMnemonicValid(mnemonic) {
		return nil, fmt.Errorf("invalid mnemonic")
	}
	seed := bip39.NewSeed(mnemonic, "")
	key, err := bip32.NewMasterKey(seed)
	if err != nil {
		return nil, fmt.Errorf("master key: %w", err)
	}
	for _, idx := range derivationPath {
		if key, err = key.NewChildKey(idx); err != nil {
			return nil, fmt.Errorf("derive child %d: %w", idx, err)
		}
	}
	return NewFromPrivateKey(key.Key)
}

// NewFromPrivateKey wraps a raw 32-byte secret.
func NewFromPrivateKey(b []byte) (*Signer, error) {
	if len(b) != 32 {
		return nil, fmt.Errorf("private key must be 32 bytes, got %d", len(b))
	}
	priv := secp256k1.PrivKeyFromBytes(b)
	compressed := priv.PubKey().SerializeCompressed()

	identifier, err := types.NewPublicIdentifier(compressed)
	if err != nil {
		return nil, fmt.Errorf("derive identifier: %w", err)
	}
	address, err := crypto.AddressFromPubKey(compressed)
	if err != nil {
		return nil, fmt.Errorf("derive address: %w", err)
	}
	ecdsaKey := priv.ToECDSA()
	ecdsaKey.Curve = gethcrypto.S256()
	ecdsaKey.PublicKey.Curve = gethcrypto.S256()
	return &Signer{
		priv:       priv,
		ecdsaKey:   ecdsaKey,
		identifier: identifier,
		address:    address,
	}, nil
}

// GenerateMnemonic creates a fresh 24-word mnemonic.
func GenerateMnemonic() (string, error) {
	entropy, err := bip39.NewEntropy(256)
	if err != nil {
		return "", fmt.Errorf("generate entropy: %w", err)
	}
	mnemonic, err := bip39.NewMnemonic(entropy)
	if err != nil {
		return "", fmt.Errorf("generate mnemonic: %w", err)
	}
	return mnemonic, nil
}

// PublicIdentifier returns the node's transport identity.
func (s *Signer) PublicIdentifier() types.PublicIdentifier {
	return s.identifier
}

// Address returns the node's 20-byte signer address.
func (s *Signer) Address() types.Address {
	return s.address
}

// SignMessage produces an EIP-191 recoverable signature over data.
func (s *Signer) SignMessage(data []byte) ([]byte, error) {
	return crypto.SignEthMessage(s.ecdsaKey, data)
}

// Decrypt opens an ECIES envelope addressed to this signer's key.
func (s *Signer) Decrypt(encrypted []byte) ([]byte, error) {
	eciesKey := ecies.ImportECDSA(s.ecdsaKey)
	plaintext, err := eciesKey.Decrypt(encrypted, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("ecies decrypt: %w", err)
	}
	return plaintext, nil
}

// DecryptHex opens a hex-encoded ECIES envelope.
func (s *Signer) DecryptHex(encrypted string) ([]byte, error) {
	raw, err := hex.DecodeString(strings.TrimPrefix(encrypted, "0x"))
	if err != nil {
		return nil, fmt.Errorf("decode encrypted payload: %w", err)
	}
	return s.Decrypt(raw)
}

// EncryptTo seals plaintext for the holder of the given identifier.
func EncryptTo(to types.PublicIdentifier, plaintext []byte) ([]byte, error) {
	compressed, err := to.PubKey()
	if err != nil {
		return nil, fmt.Errorf("recipient identifier: %w", err)
	}
	pub, err := gethcrypto.DecompressPubkey(compressed)
	if err != nil {
		return nil, fmt.Errorf("recipient pubkey: %w", err)
	}
	encrypted, err := ecies.Encrypt(rand.Reader, ecies.ImportECDSAPublic(pub), plaintext, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("ecies encrypt: %w", err)
	}
	return encrypted, nil
}

// EncryptToHex seals plaintext and hex-encodes the envelope.
func EncryptToHex(to types.PublicIdentifier, plaintext []byte) (string, error) {
	encrypted, err := EncryptTo(to, plaintext)
	if err != nil {
		return "", err
	}
	return "0x" + hex.EncodeToString(encrypted), nil
}
