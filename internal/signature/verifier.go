package signature

import (
	"github.com/ethereum/go-ethereum/crypto"
)

// Verifier checks that a signer authorized a payload. Implementations must be
// stateless and deterministic; malformed input is simply not valid.
type Verifier interface {
	Verify(signedData, sig, publicKey []byte) bool
}

// Secp256k1Verifier verifies secp256k1 signatures over the Keccak-256 digest
// of the signed payload. Public keys may be 33-byte compressed or 65-byte
// uncompressed; signatures may carry a trailing recovery id, which is ignored.
type Secp256k1Verifier struct{}

func New() Secp256k1Verifier { return Secp256k1Verifier{} }

func (Secp256k1Verifier) Verify(signedData, sig, publicKey []byte) bool {
	if len(signedData) == 0 {
		return false
	}
	switch len(publicKey) {
	case 33, 65:
	default:
		return false
	}
	switch len(sig) {
	case 64:
	case 65:
		sig = sig[:64]
	default:
		return false
	}

	digest := crypto.Keccak256(signedData)
	return crypto.VerifySignature(publicKey, digest, sig)
}
