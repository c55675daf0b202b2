package signer

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"
)

// recordingEngine stands in for the real signer and records what it was
// handed. Optionally fails, to exercise the engine error path.
type recordingEngine struct {
	appPath      string
	identity     *Identity
	entitlements []byte
	bundleID     string
	calls        int
	fail         error
}

func (e *recordingEngine) SignBundle(appPath string, identity *Identity, entitlementsXML []byte, bundleID string) error {
	e.calls++
	e.appPath = appPath
	e.identity = identity
	e.entitlements = entitlementsXML
	e.bundleID = bundleID
	return e.fail
}

func newTestJob(t *testing.T, engine Engine) (*Job, string) {
	t.Helper()
	p12, profile := matchingPair(t)

	dir := t.TempDir()
	ipaPath := filepath.Join(dir, "MyApp.ipa")
	writeTestIPA(t, ipaPath, map[string][]byte{
		"Payload/Example.app/Info.plist": testInfoPlist(t, "com.example.app", "Example"),
		"Payload/Example.app/Example":    []byte("binary bytes"),
	})

	return &Job{
		ArchivePath: ipaPath,
		P12Data:     p12,
		Password:    testPassword,
		ProfileData: profile,
		OutputPath:  filepath.Join(dir, "out.ipa"),
		Engine:      engine,
	}, dir
}

func TestJobRun(t *testing.T) {
	engine := &recordingEngine{}
	job, _ := newTestJob(t, engine)

	var stages []Stage
	job.Observer = func(s Stage) { stages = append(stages, s) }

	output, err := job.Run()
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if output != job.OutputPath {
		t.Errorf("expected output at %s, got %s", job.OutputPath, output)
	}
	if _, err := os.Stat(output); err != nil {
		t.Errorf("output archive missing: %v", err)
	}

	expected := []Stage{StagePreparing, StageUnpacking, StageLocating, StageSigning, StageRepackaging}
	if len(stages) != len(expected) {
		t.Fatalf("expected %d stage notifications, got %d: %v", len(expected), len(stages), stages)
	}
	for i := range expected {
		if stages[i] != expected[i] {
			t.Errorf("stage %d: expected %q, got %q", i, expected[i], stages[i])
		}
	}

	if engine.calls != 1 {
		t.Fatalf("expected exactly one engine call, got %d", engine.calls)
	}
	if engine.bundleID != "com.example.app" {
		t.Errorf("engine got bundle ID %q", engine.bundleID)
	}
	if engine.identity == nil || engine.identity.TeamID != "TESTTEAM01" {
		t.Error("engine did not receive the parsed identity")
	}
	if len(engine.entitlements) == 0 {
		t.Error("engine did not receive the profile entitlements")
	}

	// The engine saw the bundle with the new profile already embedded and
	// the old signature directory gone.
	embedded := filepath.Join(engine.appPath, "embedded.mobileprovision")
	if _, err := os.Stat(embedded); err == nil {
		t.Error("scratch directory was not cleaned up after success")
	}
}

func TestJobScratchCleanedUpOnFailure(t *testing.T) {
	engine := &recordingEngine{fail: fmt.Errorf("signature generation exploded")}
	job, _ := newTestJob(t, engine)

	_, err := job.Run()
	if !errors.Is(err, ErrEngine) {
		t.Fatalf("expected ErrEngine, got %v", err)
	}

	if engine.appPath == "" {
		t.Fatal("engine was never called")
	}
	if _, statErr := os.Stat(engine.appPath); !os.IsNotExist(statErr) {
		t.Error("scratch directory survived a failed job")
	}
	if _, statErr := os.Stat(job.OutputPath); !os.IsNotExist(statErr) {
		t.Error("failed job left an output archive behind")
	}
}

// A wrong password must fail the job before any filesystem work: no stage
// notifications, no scratch directory, no engine call.
func TestJobWrongPasswordFailsFast(t *testing.T) {
	engine := &recordingEngine{}
	job, _ := newTestJob(t, engine)
	job.Password = "wrong-pw"

	var stages []Stage
	job.Observer = func(s Stage) { stages = append(stages, s) }

	_, err := job.Run()
	if !errors.Is(err, ErrIncorrectPassword) {
		t.Fatalf("expected ErrIncorrectPassword, got %v", err)
	}
	if len(stages) != 0 {
		t.Errorf("stages were notified before the credential check: %v", stages)
	}
	if engine.calls != 0 {
		t.Error("engine was called despite the failed credential check")
	}
}

func TestJobMismatchedProfileFailsFast(t *testing.T) {
	loadFixtures(t)
	engine := &recordingEngine{}
	job, _ := newTestJob(t, engine)
	job.ProfileData = testProfile(t, profileOptions{certificates: [][]byte{otherCert.Raw}})

	_, err := job.Run()
	if !errors.Is(err, ErrNoMatch) {
		t.Fatalf("expected ErrNoMatch, got %v", err)
	}
	if engine.calls != 0 {
		t.Error("engine was called despite the mismatch")
	}
}

func TestJobExpiredProfile(t *testing.T) {
	loadFixtures(t)
	engine := &recordingEngine{}
	job, _ := newTestJob(t, engine)
	job.ProfileData = testProfile(t, profileOptions{
		expiration:   time.Now().Add(-30 * 24 * time.Hour),
		certificates: [][]byte{primaryCert.Raw},
	})

	_, err := job.Run()
	if !errors.Is(err, ErrProfileExpired) {
		t.Fatalf("expected ErrProfileExpired, got %v", err)
	}
	if engine.calls != 0 {
		t.Error("engine was called with an expired profile")
	}
}

func TestJobRewritesBundleID(t *testing.T) {
	engine := &recordingEngine{}
	job, dir := newTestJob(t, engine)
	job.NewBundleID = "com.example.renamed"

	output, err := job.Run()
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if engine.bundleID != "com.example.renamed" {
		t.Errorf("engine got bundle ID %q", engine.bundleID)
	}

	// The repacked archive carries the rewritten Info.plist and the new
	// embedded profile.
	extracted := filepath.Join(dir, "verify")
	if err := ExtractIPA(output, extracted); err != nil {
		t.Fatalf("failed to extract output: %v", err)
	}
	appPath, err := FindAppBundle(extracted)
	if err != nil {
		t.Fatalf("FindAppBundle on output failed: %v", err)
	}
	bundleID, err := GetAppBundleID(appPath)
	if err != nil {
		t.Fatalf("GetAppBundleID failed: %v", err)
	}
	if bundleID != "com.example.renamed" {
		t.Errorf("output Info.plist carries bundle ID %q", bundleID)
	}
	if _, err := os.Stat(filepath.Join(appPath, "embedded.mobileprovision")); err != nil {
		t.Error("output bundle is missing embedded.mobileprovision")
	}
}
