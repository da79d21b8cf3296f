package signer

import (
	"bytes"
	"path/filepath"
	"strings"
	"testing"

	"github.com/TomAFrench/vector/pkg/crypto"
	"github.com/TomAFrench/vector/pkg/types"
)

func testKey(seed byte) []byte {
	key := make([]byte, 32)
	key[31] = seed
	key[0] = 0x01
	return key
}

func TestNewFromPrivateKey(t *testing.T) {
	s, err := NewFromPrivateKey(testKey(7))
	if err != nil {
		t.Fatalf("NewFromPrivateKey: %v", err)
	}
	if !strings.HasPrefix(s.PublicIdentifier().String(), types.IdentifierHRP+"1") {
		t.Errorf("identifier = %s", s.PublicIdentifier())
	}
	if s.Address().IsZero() {
		t.Error("zero signer address")
	}

	// The identifier must round-trip back to the same address.
	pub, err := s.PublicIdentifier().PubKey()
	if err != nil {
		t.Fatalf("identifier decode: %v", err)
	}
	addr, err := crypto.AddressFromPubKey(pub)
	if err != nil {
		t.Fatal(err)
	}
	if addr != s.Address() {
		t.Errorf("identifier address %s != signer address %s", addr, s.Address())
	}
}

func TestNewFromPrivateKey_BadLength(t *testing.T) {
	if _, err := NewFromPrivateKey([]byte{1, 2, 3}); err == nil {
		t.Error("short key should fail")
	}
}

func TestNewFromMnemonic_Deterministic(t *testing.T) {
	mnemonic, err := GenerateMnemonic()
	if err != nil {
		t.Fatal(err)
	}
	s1, err := NewFromMnemonic(mnemonic)
	if err != nil {
		t.Fatalf("NewFromMnemonic: %v", err)
	}
	s2, err := NewFromMnemonic(mnemonic)
	if err != nil {
		t.Fatal(err)
	}
	if s1.Address() != s2.Address() {
		t.Error("same mnemonic must derive the same key")
	}
}

func TestNewFromMnemonic_Invalid(t *testing.T) {
	if _, err := NewFromMnemonic("definitely not a mnemonic"); err == nil {
		t.Error("invalid mnemonic should fail")
	}
}

func TestSignMessage_Recoverable(t *testing.T) {
	s, err := NewFromPrivateKey(testKey(9))
	if err != nil {
		t.Fatal(err)
	}
	msg := []byte("protocol commitment")
	sig, err := s.SignMessage(msg)
	if err != nil {
		t.Fatalf("SignMessage: %v", err)
	}
	if err := crypto.VerifyEthMessage(msg, sig, s.Address()); err != nil {
		t.Errorf("signature does not recover to signer: %v", err)
	}
}

func TestEncryptDecrypt_Roundtrip(t *testing.T) {
	recipient, err := NewFromPrivateKey(testKey(11))
	if err != nil {
		t.Fatal(err)
	}

	plaintext := []byte("0x-preimage-secret")
	envelope, err := EncryptToHex(recipient.PublicIdentifier(), plaintext)
	if err != nil {
		t.Fatalf("EncryptToHex: %v", err)
	}
	decrypted, err := recipient.DecryptHex(envelope)
	if err != nil {
		t.Fatalf("DecryptHex: %v", err)
	}
	if !bytes.Equal(decrypted, plaintext) {
		t.Errorf("decrypted = %q, want %q", decrypted, plaintext)
	}

	// A different key cannot open the envelope.
	other, err := NewFromPrivateKey(testKey(12))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := other.DecryptHex(envelope); err == nil {
		t.Error("wrong key should not decrypt")
	}
}

func TestKeystore_Roundtrip(t *testing.T) {
	mnemonic, err := GenerateMnemonic()
	if err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(t.TempDir(), "keys", "signer.key")
	password := []byte("hunter2")

	if err := SaveKeystore(path, mnemonic, password); err != nil {
		t.Fatalf("SaveKeystore: %v", err)
	}
	loaded, err := LoadKeystore(path, password)
	if err != nil {
		t.Fatalf("LoadKeystore: %v", err)
	}
	if loaded != mnemonic {
		t.Error("mnemonic corrupted through keystore")
	}

	if _, err := LoadKeystore(path, []byte("wrong")); err == nil {
		t.Error("wrong password should fail")
	}
}

func TestDecryptMnemonic_Truncated(t *testing.T) {
	if _, err := DecryptMnemonic([]byte{1, 2, 3}, []byte("pw")); err == nil {
		t.Error("truncated keystore should fail")
	}
}
