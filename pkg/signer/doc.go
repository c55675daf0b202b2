// Package signer implements the iOS re-signing core: parsing PKCS#12
// identities and CMS-wrapped provisioning profiles, checking that both refer
// to the same signing identity, and driving the unpack / sign / repackage
// pipeline for IPA archives.
//
// The package deliberately separates three layers:
//
//   - container parsing (ParsePKCS12, ParseProvisioningProfile), which turns
//     opaque binary blobs into value types
//   - the compatibility check (Check), a pure function from raw inputs to a
//     Verdict used both to gate signing and to report certificate health
//   - the signing Job, which owns a scratch directory for one operation and
//     delegates the actual Mach-O signature generation to an Engine
//
// Wrong passwords, mismatched identities and malformed containers are
// expected outcomes of user-supplied data. They are reported as Verdict
// values with fixed user-facing messages, never as opaque errors.
package signer
