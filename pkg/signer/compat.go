package signer

import (
	"errors"
	"fmt"
)

// VerdictKind enumerates the outcomes of a compatibility check.
type VerdictKind int

const (
	// VerdictMatch means the PKCS#12 identity is embedded in the profile.
	VerdictMatch VerdictKind = iota
	// VerdictNoMatch means both containers parsed but hold different identities.
	VerdictNoMatch
	// VerdictIncorrectPassword means the PKCS#12 passphrase was wrong.
	VerdictIncorrectPassword
	// VerdictMalformed means one of the containers could not be parsed.
	VerdictMalformed
)

// Verdict is the result of checking a PKCS#12 container against a
// provisioning profile. Reason carries parse diagnostics for the malformed
// case; user-facing text always comes from Message.
type Verdict struct {
	Kind   VerdictKind
	Reason string

	// cause keeps the classified parse error so Err preserves the
	// ErrMalformedContainer / ErrMalformedProfile sentinels.
	cause error
}

// Fixed user-facing messages. The UI layer never inspects error internals;
// every check resolves to one of these.
const (
	msgSuccess           = "Success"
	msgIncorrectPassword = "Incorrect Password"
	msgNoMatch           = "certificate and provisioning profile do not match"
	msgMalformed         = "invalid certificate or provisioning profile"
)

// Message maps the verdict to its fixed human-readable form.
func (v Verdict) Message() string {
	switch v.Kind {
	case VerdictMatch:
		return msgSuccess
	case VerdictIncorrectPassword:
		return msgIncorrectPassword
	case VerdictNoMatch:
		return msgNoMatch
	default:
		return msgMalformed
	}
}

// OK reports whether the pair may be used for signing.
func (v Verdict) OK() bool {
	return v.Kind == VerdictMatch
}

// Err converts a failing verdict to an error suitable for errors.Is
// classification; a matching verdict yields nil.
func (v Verdict) Err() error {
	switch v.Kind {
	case VerdictMatch:
		return nil
	case VerdictIncorrectPassword:
		return ErrIncorrectPassword
	case VerdictNoMatch:
		return ErrNoMatch
	default:
		if v.cause != nil {
			return v.cause
		}
		if v.Reason != "" {
			return fmt.Errorf("%s: %s", msgMalformed, v.Reason)
		}
		return errors.New(msgMalformed)
	}
}

// Check determines whether a PKCS#12 container and a provisioning profile
// refer to the same signing identity. Pure function of its inputs: no state,
// no side effects, deterministic.
//
// Evaluation short-circuits in a fixed order. A wrong password is reported
// before the profile is even parsed, so it can never be masked by a later
// no-match result; any other PKCS#12 failure and any profile failure report
// malformed input; only then does fingerprint matching run.
func Check(p12 []byte, password string, profileData []byte) Verdict {
	identity, err := ParsePKCS12(p12, password)
	if err != nil {
		if errors.Is(err, ErrIncorrectPassword) {
			return Verdict{Kind: VerdictIncorrectPassword}
		}
		return Verdict{Kind: VerdictMalformed, Reason: err.Error(), cause: err}
	}

	profile, err := ParseProvisioningProfile(profileData)
	if err != nil {
		return Verdict{Kind: VerdictMalformed, Reason: err.Error(), cause: err}
	}

	return profile.MatchIdentity(identity)
}
