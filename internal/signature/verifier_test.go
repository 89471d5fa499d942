package signature

import (
	"testing"

	"github.com/ethereum/go-ethereum/crypto"
)

func sign(t *testing.T, payload []byte) (sig, pubKey []byte) {
	t.Helper()
	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	digest := crypto.Keccak256(payload)
	sig, err = crypto.Sign(digest, key)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	return sig, crypto.FromECDSAPub(&key.PublicKey)
}

func TestVerifyValidSignature(t *testing.T) {
	payload := []byte("escrowrails.release|esc_1|payer|payee|100|USD")
	sig, pubKey := sign(t, payload)

	v := New()
	if !v.Verify(payload, sig, pubKey) {
		t.Fatal("expected valid signature to verify")
	}
}

func TestVerifyAcceptsCompressedKey(t *testing.T) {
	payload := []byte("payload")
	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	digest := crypto.Keccak256(payload)
	sig, err := crypto.Sign(digest, key)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	compressed := crypto.CompressPubkey(&key.PublicKey)

	if !New().Verify(payload, sig, compressed) {
		t.Fatal("expected compressed key to verify")
	}
}

func TestVerifyRejectsTamperedPayload(t *testing.T) {
	payload := []byte("original payload")
	sig, pubKey := sign(t, payload)

	if New().Verify([]byte("tampered payload"), sig, pubKey) {
		t.Fatal("tampered payload verified")
	}
}

func TestVerifyRejectsWrongKey(t *testing.T) {
	payload := []byte("payload")
	sig, _ := sign(t, payload)
	_, otherKey := sign(t, payload)

	if New().Verify(payload, sig, otherKey) {
		t.Fatal("signature verified with the wrong key")
	}
}

func TestVerifyRejectsMalformedInputs(t *testing.T) {
	payload := []byte("payload")
	sig, pubKey := sign(t, payload)

	cases := []struct {
		name string
		data []byte
		sig  []byte
		key  []byte
	}{
		{"empty payload", nil, sig, pubKey},
		{"empty signature", payload, nil, pubKey},
		{"truncated signature", payload, sig[:10], pubKey},
		{"empty key", payload, sig, nil},
		{"garbage key", payload, sig, []byte("not a key at all, wrong length!!!")},
	}

	v := New()
	for _, tc := range cases {
		if v.Verify(tc.data, tc.sig, tc.key) {
			t.Fatalf("%s: malformed input verified", tc.name)
		}
	}
}
