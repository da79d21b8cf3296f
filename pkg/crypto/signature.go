package crypto

import (
	"crypto/ecdsa"
	"fmt"

	gethcrypto "github.com/ethereum/go-ethereum/crypto"

	"github.com/TomAFrench/vector/pkg/types"
)

// SignatureSize is the length of a recoverable signature: R ‖ S ‖ V.
const SignatureSize = 65

// SignEthMessage signs data EIP-191 style and returns a 65-byte
// recoverable signature with V ∈ {27, 28}.
func SignEthMessage(priv *ecdsa.PrivateKey, data []byte) ([]byte, error) {
	digest := EthMessageHash(data)
	sig, err := gethcrypto.Sign(digest[:], priv)
	if err != nil {
		return nil, fmt.Errorf("sign message: %w", err)
	}
	sig[64] += 27
	return sig, nil
}

// RecoverEthMessage recovers the signer address of an EIP-191 signature.
func RecoverEthMessage(data, sig []byte) (types.Address, error) {
	var addr types.Address
	if len(sig) != SignatureSize {
		return addr, fmt.Errorf("signature must be %d bytes, got %d", SignatureSize, len(sig))
	}
	normalized := make([]byte, SignatureSize)
	copy(normalized, sig)
	if normalized[64] >= 27 {
		normalized[64] -= 27
	}
	digest := EthMessageHash(data)
	pub, err := gethcrypto.SigToPub(digest[:], normalized)
	if err != nil {
		return addr, fmt.Errorf("recover signer: %w", err)
	}
	copy(addr[:], gethcrypto.PubkeyToAddress(*pub).Bytes())
	return addr, nil
}

// VerifyEthMessage checks that sig over data recovers to signer.
func VerifyEthMessage(data, sig []byte, signer types.Address) error {
	recovered, err := RecoverEthMessage(data, sig)
	if err != nil {
		return err
	}
	if recovered != signer {
		return fmt.Errorf("signature recovered %s, want %s", recovered, signer)
	}
	return nil
}
