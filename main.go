package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/docopt/docopt-go"

	"github.com/appsworld/ipasigner/pkg/credstore"
	"github.com/appsworld/ipasigner/pkg/signer"
)

const version = "1.0.0"

const usage = `ipasign - iOS IPA Re-Signing Tool

Re-signs iOS IPA archives with a PKCS#12 certificate and a provisioning
profile, verifies that certificate/profile pairs belong to the same identity,
and manages a local store of saved credentials.

Usage:
  ipasign resign --ipa=<path> [--p12=<path>] [--profile=<path>] [--password=<password>] [--cert=<key>] [--output=<path>] [--bundleid=<id>]
  ipasign check [--p12=<path>] [--profile=<path>] [--password=<password>]
  ipasign info --profile=<path>
  ipasign cert add [--p12=<path>] [--profile=<path>] [--password=<password>] [--name=<name>]
  ipasign cert import --dir=<path> [--name=<name>]
  ipasign cert list
  ipasign cert remove --key=<key>
  ipasign -h | --help
  ipasign --version

Commands:
  resign       Resign an IPA with a certificate and provisioning profile
  check        Verify that a certificate and profile belong to the same identity
  info         Display information about a provisioning profile
  cert add     Save a verified credential pair in the local store
  cert import  Ingest a downloaded credential bundle directory
  cert list    List saved credentials
  cert remove  Delete a saved credential

Options:
  --ipa=<path>          Path to the input .ipa file
  --p12=<path>          Path to the P12 certificate file (or IPASIGN_P12 env var)
  --profile=<path>      Path to the provisioning profile (or IPASIGN_PROFILE env var)
  --password=<password> Password for the P12 certificate (or IPASIGN_PASSWORD env var)
  --cert=<key>          Use a saved credential from the store instead of --p12/--profile
  --output=<path>       Path for the resigned IPA (defaults to a fresh input-resigned.ipa)
  --bundleid=<id>       New bundle ID to apply (optional)
  --dir=<path>          Credential bundle directory to import
  --name=<name>         Display name for a saved credential
  --key=<key>           Store key of a saved credential
  -h --help             Show this help message
  --version             Show version

Environment Variables:
  IPASIGN_P12           Path to P12 certificate file (overridden by --p12)
  IPASIGN_PROFILE       Path to provisioning profile (overridden by --profile)
  IPASIGN_PASSWORD      P12 certificate password (overridden by --password)
  IPASIGN_STORE         Credential store directory (default ~/.ipasign/certificates)

Examples:
  # Resign an IPA with a new certificate
  ipasign resign --ipa=MyApp.ipa --p12=cert.p12 --profile=dist.mobileprovision --password=secret

  # Resign with a saved credential
  ipasign cert add --p12=cert.p12 --profile=dist.mobileprovision --password=secret --name="Work"
  ipasign resign --ipa=MyApp.ipa --cert=work

  # Check whether a certificate matches a profile
  ipasign check --p12=cert.p12 --profile=dist.mobileprovision --password=secret
`

func main() {
	opts, err := docopt.ParseArgs(usage, os.Args[1:], version)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error parsing arguments: %v\n", err)
		os.Exit(1)
	}

	var runErr error
	switch {
	case boolOpt(opts, "resign"):
		runErr = runResign(opts)
	case boolOpt(opts, "check"):
		runErr = runCheck(opts)
	case boolOpt(opts, "info"):
		runErr = runInfo(opts)
	case boolOpt(opts, "cert"):
		runErr = runCert(opts)
	}
	if runErr != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", runErr)
		os.Exit(1)
	}
}

func boolOpt(opts docopt.Opts, name string) bool {
	v, _ := opts.Bool(name)
	return v
}

// credentials resolves the p12/password/profile inputs from flags, env vars
// or the store, in that order of precedence.
func credentials(opts docopt.Opts) (p12 []byte, password string, profile []byte, err error) {
	p12Path, _ := opts.String("--p12")
	profilePath, _ := opts.String("--profile")
	password, _ = opts.String("--password")
	certKey, _ := opts.String("--cert")

	if p12Path == "" {
		p12Path = os.Getenv("IPASIGN_P12")
	}
	if profilePath == "" {
		profilePath = os.Getenv("IPASIGN_PROFILE")
	}
	if password == "" {
		password = os.Getenv("IPASIGN_PASSWORD")
	}

	if certKey != "" {
		store, err := openStore()
		if err != nil {
			return nil, "", nil, err
		}
		rec, err := store.Load(certKey)
		if err != nil {
			return nil, "", nil, err
		}
		return rec.P12, rec.Password, rec.Profile, nil
	}

	if p12Path == "" {
		return nil, "", nil, fmt.Errorf("--p12 is required (or set IPASIGN_P12, or use --cert)")
	}
	if profilePath == "" {
		return nil, "", nil, fmt.Errorf("--profile is required (or set IPASIGN_PROFILE, or use --cert)")
	}

	p12, err = os.ReadFile(p12Path)
	if err != nil {
		return nil, "", nil, fmt.Errorf("failed to read P12 file: %w", err)
	}
	profile, err = os.ReadFile(profilePath)
	if err != nil {
		return nil, "", nil, fmt.Errorf("failed to read provisioning profile: %w", err)
	}
	return p12, password, profile, nil
}

func openStore() (*credstore.Store, error) {
	root := os.Getenv("IPASIGN_STORE")
	if root == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to locate home directory: %w", err)
		}
		root = filepath.Join(home, ".ipasign", "certificates")
	}
	return credstore.NewStore(root)
}

func runResign(opts docopt.Opts) error {
	ipaPath, _ := opts.String("--ipa")
	outputPath, _ := opts.String("--output")
	bundleID, _ := opts.String("--bundleid")

	p12, password, profile, err := credentials(opts)
	if err != nil {
		return err
	}

	fmt.Printf("Resigning IPA: %s\n", ipaPath)
	if bundleID != "" {
		fmt.Printf("New Bundle ID: %s\n", bundleID)
	}
	fmt.Println()

	job := &signer.Job{
		ArchivePath: ipaPath,
		P12Data:     p12,
		Password:    password,
		ProfileData: profile,
		OutputPath:  outputPath,
		NewBundleID: bundleID,
		Observer: func(stage signer.Stage) {
			fmt.Printf("%s...\n", stage)
		},
	}

	output, err := job.Run()
	if err != nil {
		return err
	}

	fmt.Printf("Successfully resigned IPA: %s\n", output)
	return nil
}

func runCheck(opts docopt.Opts) error {
	p12, password, profile, err := credentials(opts)
	if err != nil {
		return err
	}

	verdict := signer.Check(p12, password, profile)
	fmt.Println(verdict.Message())
	if !verdict.OK() {
		os.Exit(1)
	}
	return nil
}

func runInfo(opts docopt.Opts) error {
	profilePath, _ := opts.String("--profile")

	profileData, err := os.ReadFile(profilePath)
	if err != nil {
		return fmt.Errorf("failed to read profile: %w", err)
	}

	profile, err := signer.ParseProvisioningProfile(profileData)
	if err != nil {
		return fmt.Errorf("failed to parse profile: %w", err)
	}

	fmt.Println("Provisioning Profile Information")
	fmt.Println("================================")
	fmt.Printf("File:           %s\n", profilePath)
	fmt.Printf("Name:           %s\n", profile.Name)
	fmt.Printf("Team ID:        %s\n", profile.GetTeamID())
	fmt.Printf("App ID:         %s\n", profile.GetApplicationIdentifier())
	fmt.Printf("UUID:           %s\n", profile.UUID)
	fmt.Printf("Expiration:     %s\n", profile.ExpirationDate.Format("2006-01-02 15:04:05"))
	fmt.Printf("Expired:        %v\n", profile.IsExpired())

	if certs, err := profile.GetCertificates(); err == nil {
		fmt.Printf("Certificates:   %d\n", len(certs))
		for i, cert := range certs {
			fp, err := signer.PublicKeyFingerprint(cert)
			if err != nil {
				fmt.Printf("  [%d] %s (unsupported key: %v)\n", i+1, cert.Subject.CommonName, err)
				continue
			}
			fmt.Printf("  [%d] %s\n", i+1, cert.Subject.CommonName)
			fmt.Printf("      Fingerprint: %s\n", signer.FingerprintHex(fp))
			fmt.Printf("      Expires:     %s\n", cert.NotAfter.Format("2006-01-02"))
		}
	}

	if len(profile.ProvisionedDevices) > 0 {
		fmt.Printf("Devices:        %d\n", len(profile.ProvisionedDevices))
	}
	return nil
}

func runCert(opts docopt.Opts) error {
	store, err := openStore()
	if err != nil {
		return err
	}

	switch {
	case boolOpt(opts, "add"):
		return runCertAdd(opts, store)
	case boolOpt(opts, "import"):
		return runCertImport(opts, store)
	case boolOpt(opts, "list"):
		return runCertList(store)
	case boolOpt(opts, "remove"):
		key, _ := opts.String("--key")
		if err := store.Delete(key); err != nil {
			return err
		}
		fmt.Printf("Removed credential: %s\n", key)
		return nil
	}
	return fmt.Errorf("unknown cert subcommand")
}

func runCertAdd(opts docopt.Opts, store *credstore.Store) error {
	name, _ := opts.String("--name")

	p12, password, profile, err := credentials(opts)
	if err != nil {
		return err
	}

	// Only verified pairs enter the store
	if verdict := signer.Check(p12, password, profile); !verdict.OK() {
		return fmt.Errorf("credential rejected: %w", verdict.Err())
	}

	if name == "" {
		if profileName, ok := signer.ProfileName(profile); ok {
			name = profileName
		}
	}

	key, err := store.Save(p12, profile, password, name)
	if err != nil {
		return err
	}
	fmt.Printf("Saved credential: %s\n", key)
	return nil
}

func runCertImport(opts docopt.Opts, store *credstore.Store) error {
	dir, _ := opts.String("--dir")
	name, _ := opts.String("--name")

	key, err := store.ImportBundleDir(dir, name)
	if err != nil {
		return err
	}
	fmt.Printf("Imported credential: %s\n", key)
	return nil
}

func runCertList(store *credstore.Store) error {
	entries, err := store.List()
	if err != nil {
		return err
	}
	if len(entries) == 0 {
		fmt.Println("No saved credentials")
		return nil
	}
	for _, entry := range entries {
		fmt.Printf("%-30s %s\n", entry.DisplayName, entry.Key)
	}
	return nil
}
