package signer

import "errors"

// Sentinel errors for the failure classes callers are expected to branch on.
// All of them are wrapped with context at the point of failure; use errors.Is
// to classify.
var (
	// ErrIncorrectPassword means the PKCS#12 container failed to decrypt
	// with the supplied passphrase. Recoverable by user retry.
	ErrIncorrectPassword = errors.New("incorrect PKCS#12 password")

	// ErrMalformedContainer means the PKCS#12 bytes are not a parseable
	// container (corrupt ASN.1, no identity entry, wrong format).
	ErrMalformedContainer = errors.New("malformed PKCS#12 container")

	// ErrMalformedProfile means the provisioning profile bytes hold no
	// recognizable plist payload or no developer certificates.
	ErrMalformedProfile = errors.New("malformed provisioning profile")

	// ErrNoMatch means both containers parsed fine but represent different
	// identities. Distinct from malformed input so users can tell "profile
	// is broken" from "profile doesn't match this certificate".
	ErrNoMatch = errors.New("certificate and provisioning profile do not match")

	// ErrBundleLayout means an unpacked archive does not contain exactly
	// one .app bundle under Payload/.
	ErrBundleLayout = errors.New("unexpected app bundle layout")

	// ErrEngine wraps failures reported by the signing engine.
	ErrEngine = errors.New("signing engine failure")

	// ErrProfileExpired means the provisioning profile's expiration date
	// has passed.
	ErrProfileExpired = errors.New("provisioning profile has expired")
)
