package signer

import (
	"crypto"
	"crypto/x509"
	"errors"
	"fmt"
	"strings"

	gop12 "software.sslmate.com/src/go-pkcs12"
)

// Identity is a code signing identity extracted from a PKCS#12 container:
// the leaf certificate, its private key and the derived public key
// fingerprint. The private key is held only for the duration of a check or
// sign operation and is never persisted outside its source container.
type Identity struct {
	Certificate *x509.Certificate
	PrivateKey  crypto.PrivateKey
	CertChain   []*x509.Certificate
	Fingerprint [32]byte
	TeamID      string
}

// ParsePKCS12 decrypts and decodes a PKCS#12 container.
//
// Failures are classified: a wrong passphrase yields an error wrapping
// ErrIncorrectPassword, everything else wraps ErrMalformedContainer. If the
// container holds more than one identity the first one is used; this is a
// deliberate policy, not an accident of the decoder.
func ParsePKCS12(data []byte, password string) (*Identity, error) {
	privateKey, cert, caCerts, err := gop12.DecodeChain(data, password)
	if err != nil {
		if isIncorrectPassword(err) {
			return nil, fmt.Errorf("%w: %v", ErrIncorrectPassword, err)
		}
		return nil, fmt.Errorf("%w: %v", ErrMalformedContainer, err)
	}

	fp, err := PublicKeyFingerprint(cert)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedContainer, err)
	}

	chain := append([]*x509.Certificate{cert}, caCerts...)

	return &Identity{
		Certificate: cert,
		PrivateKey:  privateKey,
		CertChain:   chain,
		Fingerprint: fp,
		TeamID:      extractTeamID(cert),
	}, nil
}

// isIncorrectPassword reports whether a go-pkcs12 decode error indicates a
// wrong passphrase rather than a structural problem. The library exposes
// sentinels for the common cases; the message checks cover PBES decryption
// failures that surface as padding errors.
func isIncorrectPassword(err error) bool {
	if errors.Is(err, gop12.ErrIncorrectPassword) || errors.Is(err, gop12.ErrDecryption) {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "decryption password incorrect") ||
		strings.Contains(msg, "incorrect padding")
}

// extractTeamID pulls the Apple team identifier out of a developer
// certificate. Team IDs live in the Organizational Unit and are always 10
// characters.
func extractTeamID(cert *x509.Certificate) string {
	for _, ou := range cert.Subject.OrganizationalUnit {
		if len(ou) == 10 {
			return ou
		}
	}
	return ""
}
