package signer

import (
	"bytes"
	"crypto/x509"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"
	"go.mozilla.org/pkcs7"
	"howett.net/plist"
)

// ProvisioningProfile represents a parsed .mobileprovision file.
// The file is a CMS (PKCS#7) signed container whose payload is an XML plist.
type ProvisioningProfile struct {
	Name                        string                 `plist:"Name"`
	TeamName                    string                 `plist:"TeamName"`
	TeamIdentifier              []string               `plist:"TeamIdentifier"`
	AppIDName                   string                 `plist:"AppIDName"`
	ApplicationIdentifierPrefix []string               `plist:"ApplicationIdentifierPrefix"`
	Entitlements                map[string]interface{} `plist:"Entitlements"`
	DeveloperCertificates       [][]byte               `plist:"DeveloperCertificates"`
	ProvisionedDevices          []string               `plist:"ProvisionedDevices"`
	ProvisionsAllDevices        bool                   `plist:"ProvisionsAllDevices"`
	CreationDate                time.Time              `plist:"CreationDate"`
	ExpirationDate              time.Time              `plist:"ExpirationDate"`
	UUID                        string                 `plist:"UUID"`
	Platform                    []string               `plist:"Platform"`
}

// ParseProvisioningProfile parses a .mobileprovision file.
//
// The primary path decodes the CMS envelope and unmarshals its plist payload.
// When the envelope cannot be decoded, the raw bytes are scanned for the
// embedded <?xml ... </plist> span instead; both paths yield the same logical
// profile for a well-formed file. A profile with no locatable plist or an
// empty DeveloperCertificates array is malformed, never an empty result.
func ParseProvisioningProfile(data []byte) (*ProvisioningProfile, error) {
	payload, err := profilePayload(data)
	if err != nil {
		return nil, err
	}

	var profile ProvisioningProfile
	if _, err := plist.Unmarshal(payload, &profile); err != nil {
		return nil, fmt.Errorf("%w: bad plist payload: %v", ErrMalformedProfile, err)
	}

	if len(profile.DeveloperCertificates) == 0 {
		return nil, fmt.Errorf("%w: no developer certificates", ErrMalformedProfile)
	}

	return &profile, nil
}

// profilePayload extracts the plist payload from a provisioning profile,
// trying the CMS envelope first and falling back to a raw byte scan.
func profilePayload(data []byte) ([]byte, error) {
	if p7, err := pkcs7.Parse(data); err == nil && len(p7.Content) > 0 {
		return p7.Content, nil
	}
	return extractPlistSpan(data)
}

var (
	plistStart = []byte("<?xml")
	plistEnd   = []byte("</plist>")
)

// extractPlistSpan locates the literal XML plist span inside raw profile
// bytes without using a CMS decoder. Documented fallback path for envelopes
// the decoder rejects.
func extractPlistSpan(data []byte) ([]byte, error) {
	start := bytes.Index(data, plistStart)
	if start < 0 {
		return nil, fmt.Errorf("%w: no plist payload found", ErrMalformedProfile)
	}
	end := bytes.LastIndex(data, plistEnd)
	if end < start {
		return nil, fmt.Errorf("%w: unterminated plist payload", ErrMalformedProfile)
	}
	return data[start : end+len(plistEnd)], nil
}

// GetTeamID returns the team identifier from the profile.
func (p *ProvisioningProfile) GetTeamID() string {
	if len(p.TeamIdentifier) > 0 {
		return p.TeamIdentifier[0]
	}
	if len(p.ApplicationIdentifierPrefix) > 0 {
		return p.ApplicationIdentifierPrefix[0]
	}
	return ""
}

// GetApplicationIdentifier returns the application identifier from entitlements.
func (p *ProvisioningProfile) GetApplicationIdentifier() string {
	if appID, ok := p.Entitlements["application-identifier"].(string); ok {
		return appID
	}
	return ""
}

// IsExpired checks if the provisioning profile has expired.
func (p *ProvisioningProfile) IsExpired() bool {
	return !p.ExpirationDate.IsZero() && time.Now().After(p.ExpirationDate)
}

// IsDeviceAllowed checks if a specific device UDID is allowed by this profile.
func (p *ProvisioningProfile) IsDeviceAllowed(udid string) bool {
	// Enterprise/distribution profiles provision all devices
	if p.ProvisionsAllDevices {
		return true
	}
	for _, device := range p.ProvisionedDevices {
		if device == udid {
			return true
		}
	}
	return false
}

// GetCertificates parses and returns the developer certificates from the profile.
func (p *ProvisioningProfile) GetCertificates() ([]*x509.Certificate, error) {
	var certs []*x509.Certificate
	for i, certData := range p.DeveloperCertificates {
		cert, err := x509.ParseCertificate(certData)
		if err != nil {
			return nil, fmt.Errorf("failed to parse certificate %d: %w", i, err)
		}
		certs = append(certs, cert)
	}
	return certs, nil
}

// MatchIdentity reports whether the identity's certificate matches one of the
// certificates embedded in the profile, by public key fingerprint.
//
// The embedded certificates are scanned in order with early exit. A
// certificate that individually fails to parse or fingerprint is skipped and
// logged; matching continues with the rest. Exhausting the list yields
// VerdictNoMatch.
func (p *ProvisioningProfile) MatchIdentity(id *Identity) Verdict {
	for i, certData := range p.DeveloperCertificates {
		cert, err := x509.ParseCertificate(certData)
		if err != nil {
			log.WithError(err).Warnf("skipping unparseable profile certificate %d", i)
			continue
		}
		fp, err := PublicKeyFingerprint(cert)
		if err != nil {
			log.WithError(err).Warnf("skipping unfingerprintable profile certificate %d", i)
			continue
		}
		if fp == id.Fingerprint {
			return Verdict{Kind: VerdictMatch}
		}
	}
	return Verdict{Kind: VerdictNoMatch}
}

// ProfileName extracts the Name field from raw profile bytes. It parses only
// far enough to read the one field and tolerates everything else being
// absent; ok is false when no name could be recovered.
func ProfileName(data []byte) (string, bool) {
	fields, err := profileFields(data)
	if err != nil {
		return "", false
	}
	name, ok := fields["Name"].(string)
	return name, ok && name != ""
}

// ProfileExpirationDate extracts the ExpirationDate field from raw profile
// bytes; ok is false when the field is missing or the payload unreadable.
func ProfileExpirationDate(data []byte) (time.Time, bool) {
	fields, err := profileFields(data)
	if err != nil {
		return time.Time{}, false
	}
	exp, ok := fields["ExpirationDate"].(time.Time)
	return exp, ok && !exp.IsZero()
}

func profileFields(data []byte) (map[string]interface{}, error) {
	payload, err := profilePayload(data)
	if err != nil {
		return nil, err
	}
	var fields map[string]interface{}
	if _, err := plist.Unmarshal(payload, &fields); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedProfile, err)
	}
	return fields, nil
}
