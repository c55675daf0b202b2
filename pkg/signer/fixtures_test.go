package signer

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"math/big"
	"sync"
	"testing"
	"time"

	"go.mozilla.org/pkcs7"
	"howett.net/plist"
	gop12 "software.sslmate.com/src/go-pkcs12"
)

const testPassword = "hunter2"

// Two fixed identities shared across the package tests: "primary" is the one
// embedded in generated profiles, "other" is a different key used for
// no-match scenarios. Generated once because RSA keygen is slow.
var (
	fixtureOnce sync.Once
	fixtureErr  error

	primaryKey  *rsa.PrivateKey
	primaryCert *x509.Certificate
	otherKey    *rsa.PrivateKey
	otherCert   *x509.Certificate
)

func loadFixtures(t *testing.T) {
	t.Helper()
	fixtureOnce.Do(func() {
		primaryKey, primaryCert, fixtureErr = newKeyAndCert("iPhone Distribution: Test Developer (TESTTEAM01)")
		if fixtureErr != nil {
			return
		}
		otherKey, otherCert, fixtureErr = newKeyAndCert("iPhone Distribution: Other Developer (OTHERTEAM1)")
	})
	if fixtureErr != nil {
		t.Fatalf("failed to generate test identities: %v", fixtureErr)
	}
}

func newKeyAndCert(cn string) (*rsa.PrivateKey, *x509.Certificate, error) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, nil, err
	}

	template := &x509.Certificate{
		SerialNumber: big.NewInt(time.Now().UnixNano()),
		Subject: pkix.Name{
			CommonName:         cn,
			Organization:       []string{"Test Org"},
			OrganizationalUnit: []string{"TESTTEAM01"},
		},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(365 * 24 * time.Hour),
		KeyUsage:              x509.KeyUsageDigitalSignature,
		BasicConstraintsValid: true,
	}

	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	if err != nil {
		return nil, nil, err
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, nil, err
	}
	return key, cert, nil
}

// testP12 encodes a key/cert pair as a password-protected PKCS#12 container.
func testP12(t *testing.T, key *rsa.PrivateKey, cert *x509.Certificate, password string) []byte {
	t.Helper()
	data, err := gop12.Modern.Encode(key, cert, nil, password)
	if err != nil {
		t.Fatalf("failed to encode test P12: %v", err)
	}
	return data
}

// profileOptions controls the synthetic provisioning profile fixture.
type profileOptions struct {
	name         string
	expiration   time.Time
	certificates [][]byte
	omitExpiry   bool
	entitlements map[string]interface{}
}

// testProfile builds a CMS-enveloped provisioning profile: an XML plist
// payload signed into a PKCS#7 SignedData structure, the same shape as a
// real .mobileprovision.
func testProfile(t *testing.T, opts profileOptions) []byte {
	t.Helper()
	loadFixtures(t)

	payload := testProfilePlist(t, opts)

	signedData, err := pkcs7.NewSignedData(payload)
	if err != nil {
		t.Fatalf("failed to create signed data: %v", err)
	}
	if err := signedData.AddSigner(primaryCert, primaryKey, pkcs7.SignerInfoConfig{}); err != nil {
		t.Fatalf("failed to add signer: %v", err)
	}
	envelope, err := signedData.Finish()
	if err != nil {
		t.Fatalf("failed to finish signed data: %v", err)
	}
	return envelope
}

// testProfilePlist builds just the XML plist payload of a profile.
func testProfilePlist(t *testing.T, opts profileOptions) []byte {
	t.Helper()

	if opts.name == "" {
		opts.name = "Test Distribution Profile"
	}
	if opts.expiration.IsZero() {
		opts.expiration = time.Now().Add(180 * 24 * time.Hour)
	}
	if opts.entitlements == nil {
		opts.entitlements = map[string]interface{}{
			"application-identifier": "TESTTEAM01.com.example.app",
			"get-task-allow":         false,
		}
	}

	fields := map[string]interface{}{
		"Name":                  opts.name,
		"TeamName":              "Test Org",
		"TeamIdentifier":        []string{"TESTTEAM01"},
		"UUID":                  "d3adb33f-0000-4000-8000-000000000001",
		"CreationDate":          time.Now().Add(-24 * time.Hour),
		"Entitlements":          opts.entitlements,
		"DeveloperCertificates": opts.certificates,
	}
	if !opts.omitExpiry {
		fields["ExpirationDate"] = opts.expiration
	}

	payload, err := plist.MarshalIndent(fields, plist.XMLFormat, "\t")
	if err != nil {
		t.Fatalf("failed to marshal profile plist: %v", err)
	}
	return payload
}

// matchingPair returns a p12 and a profile that share the primary identity.
func matchingPair(t *testing.T) (p12 []byte, profile []byte) {
	t.Helper()
	loadFixtures(t)
	p12 = testP12(t, primaryKey, primaryCert, testPassword)
	profile = testProfile(t, profileOptions{certificates: [][]byte{primaryCert.Raw}})
	return p12, profile
}
