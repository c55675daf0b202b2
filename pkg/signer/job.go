package signer

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
)

// Stage identifies a phase of a signing job. Stage notifications are
// advisory, UI-facing only; they carry no control-flow semantics.
type Stage string

const (
	StagePreparing   Stage = "Preparing"
	StageUnpacking   Stage = "Unpacking"
	StageLocating    Stage = "Locating app bundle"
	StageSigning     Stage = "Signing"
	StageRepackaging Stage = "Repackaging"
)

// Observer receives stage-transition notifications from a running job.
type Observer func(Stage)

// Job is one re-signing operation: an IPA archive plus the credentials to
// sign it with. Each job works in its own uniquely named scratch directory,
// so concurrent jobs never collide; the scratch directory and every
// intermediate file are removed when the job ends, on success and on failure.
type Job struct {
	// ArchivePath is the source .ipa file.
	ArchivePath string
	// P12Data and Password unlock the signing identity.
	P12Data  []byte
	Password string
	// ProfileData is the raw provisioning profile.
	ProfileData []byte
	// OutputPath receives the resigned archive. When empty, a fresh
	// non-colliding name is derived from ArchivePath.
	OutputPath string
	// NewBundleID optionally replaces the app's bundle identifier.
	NewBundleID string
	// Engine generates the signatures. Defaults to the go-macho engine.
	Engine Engine
	// Observer, if set, receives stage notifications.
	Observer Observer
}

// Run executes the full pipeline and returns the path of the resigned
// archive. The credential pair is verified before any filesystem work
// happens, so an incorrect password or a mismatched profile fails fast.
func (j *Job) Run() (string, error) {
	logger := log.WithField("archive", filepath.Base(j.ArchivePath))

	if verdict := Check(j.P12Data, j.Password, j.ProfileData); !verdict.OK() {
		return "", fmt.Errorf("certificate check failed: %w", verdict.Err())
	}

	// Both containers are known-good past this point
	identity, err := ParsePKCS12(j.P12Data, j.Password)
	if err != nil {
		return "", err
	}
	profile, err := ParseProvisioningProfile(j.ProfileData)
	if err != nil {
		return "", err
	}
	if profile.IsExpired() {
		return "", fmt.Errorf("%w: expired %s", ErrProfileExpired, profile.ExpirationDate.Format("2006-01-02"))
	}

	engine := j.Engine
	if engine == nil {
		engine = &MachOEngine{}
	}

	j.notify(logger, StagePreparing)
	scratch := filepath.Join(os.TempDir(), "ipasign-"+uuid.New().String())
	if err := os.MkdirAll(scratch, 0755); err != nil {
		return "", fmt.Errorf("failed to create scratch directory: %w", err)
	}
	defer func() {
		if err := os.RemoveAll(scratch); err != nil {
			logger.WithError(err).Warn("failed to remove scratch directory")
		}
	}()

	sourceCopy := filepath.Join(scratch, "source.ipa")
	if err := copyFile(j.ArchivePath, sourceCopy, 0644); err != nil {
		return "", fmt.Errorf("failed to copy source archive: %w", err)
	}

	j.notify(logger, StageUnpacking)
	extracted := filepath.Join(scratch, "extracted")
	if err := ExtractIPA(sourceCopy, extracted); err != nil {
		return "", err
	}

	j.notify(logger, StageLocating)
	appPath, err := FindAppBundle(extracted)
	if err != nil {
		return "", err
	}
	logger = logger.WithField("bundle", filepath.Base(appPath))

	j.notify(logger, StageSigning)
	if err := j.signBundle(appPath, identity, profile, engine); err != nil {
		return "", err
	}

	j.notify(logger, StageRepackaging)
	output := j.OutputPath
	if output == "" {
		output = deriveOutputPath(j.ArchivePath)
	}
	if err := RepackageIPA(extracted, output); err != nil {
		return "", fmt.Errorf("failed to repackage IPA: %w", err)
	}

	logger.WithField("output", output).Info("resign complete")
	return output, nil
}

// signBundle prepares the bundle and hands it to the engine: the embedded
// profile is replaced, the old signature directory removed, and the
// profile's entitlements passed along for the main executable.
func (j *Job) signBundle(appPath string, identity *Identity, profile *ProvisioningProfile, engine Engine) error {
	embeddedProfilePath := filepath.Join(appPath, "embedded.mobileprovision")
	if err := os.WriteFile(embeddedProfilePath, j.ProfileData, 0644); err != nil {
		return fmt.Errorf("failed to write embedded.mobileprovision: %w", err)
	}

	bundleID, err := GetAppBundleID(appPath)
	if err != nil {
		return fmt.Errorf("failed to get bundle ID: %w", err)
	}
	if j.NewBundleID != "" {
		bundleID = j.NewBundleID
		if err := updateInfoPlistBundleID(appPath, bundleID); err != nil {
			return fmt.Errorf("failed to update Info.plist: %w", err)
		}
	}

	if err := os.RemoveAll(filepath.Join(appPath, "_CodeSignature")); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove old _CodeSignature: %w", err)
	}

	var entitlements []byte
	if profile.Entitlements != nil {
		entitlements, err = EntitlementsToXML(profile.Entitlements)
		if err != nil {
			return fmt.Errorf("failed to generate entitlements: %w", err)
		}
	}

	if err := engine.SignBundle(appPath, identity, entitlements, bundleID); err != nil {
		return fmt.Errorf("%w: %v", ErrEngine, err)
	}
	return nil
}

func (j *Job) notify(logger *log.Entry, stage Stage) {
	logger.WithField("stage", string(stage)).Info("stage transition")
	if j.Observer != nil {
		j.Observer(stage)
	}
}

// deriveOutputPath picks a fresh output name next to the input archive,
// never reusing an existing file.
func deriveOutputPath(inputPath string) string {
	ext := filepath.Ext(inputPath)
	base := strings.TrimSuffix(inputPath, ext)

	candidate := base + "-resigned" + ext
	if _, err := os.Stat(candidate); os.IsNotExist(err) {
		return candidate
	}
	return base + "-resigned-" + uuid.New().String()[:8] + ext
}
