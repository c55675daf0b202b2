// Package credstore persists saved signing credentials on disk, one
// directory per record holding the PKCS#12 container, the provisioning
// profile, the passphrase and a display name.
//
// Records are content-addressed: a fingerprint over the (certificate,
// profile, password) triple rejects duplicate saves, and display names and
// folder keys are made unique with numeric suffixes. All write paths
// serialize on a store-wide mutex because duplicate detection is a
// scan-then-write sequence.
//
// A Store is always constructed against an explicit root directory; tests
// point it at a temp dir.
package credstore
