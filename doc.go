// ipasign is a command-line tool for re-signing iOS IPA archives with a
// PKCS#12 identity and a provisioning profile, so the result can be installed
// outside the App Store.
//
// It can verify that a certificate and a provisioning profile belong to the
// same identity, manage a local store of saved credentials, and drive the
// full unpack / sign / repackage pipeline.
//
// Usage:
//
//	ipasign resign --ipa=MyApp.ipa --p12=cert.p12 --profile=dist.mobileprovision --password=secret
//	ipasign check --p12=cert.p12 --profile=dist.mobileprovision --password=secret
//	ipasign cert add --p12=cert.p12 --profile=dist.mobileprovision --name="Work"
//
// Run ipasign --help for the full command reference.
package main
