package signer

import (
	"crypto/sha256"
	"crypto/x509"
	"encoding/hex"
	"fmt"
)

// PublicKeyFingerprint computes a stable SHA-256 fingerprint of a
// certificate's public key. The key is re-serialized to its canonical
// SubjectPublicKeyInfo DER form first, so the same key material fingerprints
// identically regardless of how the enclosing certificate was encoded.
func PublicKeyFingerprint(cert *x509.Certificate) ([32]byte, error) {
	var fp [32]byte
	if cert == nil {
		return fp, fmt.Errorf("nil certificate")
	}
	spki, err := x509.MarshalPKIXPublicKey(cert.PublicKey)
	if err != nil {
		return fp, fmt.Errorf("unsupported public key algorithm: %w", err)
	}
	return sha256.Sum256(spki), nil
}

// FingerprintHex renders a fingerprint as lowercase hex, the form used in
// logs and diagnostics.
func FingerprintHex(fp [32]byte) string {
	return hex.EncodeToString(fp[:])
}
