package signer

import (
	"archive/zip"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"howett.net/plist"
)

// writeTestIPA builds a minimal IPA zip at path. files maps archive paths to
// contents; entries ending in "/" become directory entries.
func writeTestIPA(t *testing.T, path string, files map[string][]byte) {
	t.Helper()

	out, err := os.Create(path)
	if err != nil {
		t.Fatalf("failed to create test IPA: %v", err)
	}
	defer out.Close()

	w := zip.NewWriter(out)
	for name, content := range files {
		if name[len(name)-1] == '/' {
			if _, err := w.Create(name); err != nil {
				t.Fatalf("failed to add dir entry %s: %v", name, err)
			}
			continue
		}
		f, err := w.Create(name)
		if err != nil {
			t.Fatalf("failed to add %s: %v", name, err)
		}
		if _, err := f.Write(content); err != nil {
			t.Fatalf("failed to write %s: %v", name, err)
		}
	}
	if err := w.Close(); err != nil {
		t.Fatalf("failed to finish test IPA: %v", err)
	}
}

func testInfoPlist(t *testing.T, bundleID, execName string) []byte {
	t.Helper()
	data, err := plist.MarshalIndent(map[string]interface{}{
		"CFBundleIdentifier": bundleID,
		"CFBundleExecutable": execName,
		"CFBundleName":       "Example",
	}, plist.XMLFormat, "\t")
	if err != nil {
		t.Fatalf("failed to marshal Info.plist: %v", err)
	}
	return data
}

func TestExtractAndFindAppBundle(t *testing.T) {
	dir := t.TempDir()
	ipaPath := filepath.Join(dir, "app.ipa")
	writeTestIPA(t, ipaPath, map[string][]byte{
		"Payload/Example.app/Info.plist": testInfoPlist(t, "com.example.app", "Example"),
		"Payload/Example.app/Example":    []byte("binary bytes"),
	})

	extracted := filepath.Join(dir, "extracted")
	if err := ExtractIPA(ipaPath, extracted); err != nil {
		t.Fatalf("ExtractIPA failed: %v", err)
	}

	appPath, err := FindAppBundle(extracted)
	if err != nil {
		t.Fatalf("FindAppBundle failed: %v", err)
	}
	if filepath.Base(appPath) != "Example.app" {
		t.Errorf("unexpected bundle path: %s", appPath)
	}

	bundleID, err := GetAppBundleID(appPath)
	if err != nil {
		t.Fatalf("GetAppBundleID failed: %v", err)
	}
	if bundleID != "com.example.app" {
		t.Errorf("expected bundle ID com.example.app, got %s", bundleID)
	}

	execName, err := GetAppExecutableName(appPath)
	if err != nil {
		t.Fatalf("GetAppExecutableName failed: %v", err)
	}
	if execName != "Example" {
		t.Errorf("expected executable Example, got %s", execName)
	}
}

func TestFindAppBundleNoCandidate(t *testing.T) {
	dir := t.TempDir()
	if err := os.MkdirAll(filepath.Join(dir, "Payload", "NotAnApp"), 0755); err != nil {
		t.Fatal(err)
	}

	if _, err := FindAppBundle(dir); !errors.Is(err, ErrBundleLayout) {
		t.Errorf("expected ErrBundleLayout for empty Payload, got %v", err)
	}
}

func TestFindAppBundleMultipleCandidates(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"First.app", "Second.app"} {
		if err := os.MkdirAll(filepath.Join(dir, "Payload", name), 0755); err != nil {
			t.Fatal(err)
		}
	}

	if _, err := FindAppBundle(dir); !errors.Is(err, ErrBundleLayout) {
		t.Errorf("expected ErrBundleLayout for two bundles, got %v", err)
	}
}

func TestFindAppBundleMissingPayload(t *testing.T) {
	if _, err := FindAppBundle(t.TempDir()); !errors.Is(err, ErrBundleLayout) {
		t.Errorf("expected ErrBundleLayout for missing Payload, got %v", err)
	}
}

func TestExtractIPARejectsZipSlip(t *testing.T) {
	dir := t.TempDir()
	ipaPath := filepath.Join(dir, "evil.ipa")
	writeTestIPA(t, ipaPath, map[string][]byte{
		"../escape.txt": []byte("should never land outside destDir"),
	})

	err := ExtractIPA(ipaPath, filepath.Join(dir, "extracted"))
	if err == nil {
		t.Fatal("expected extraction of ../ path to fail")
	}
	if _, statErr := os.Stat(filepath.Join(dir, "escape.txt")); !os.IsNotExist(statErr) {
		t.Error("path traversal entry escaped the destination directory")
	}
}

func TestRepackageRoundTrip(t *testing.T) {
	dir := t.TempDir()
	ipaPath := filepath.Join(dir, "app.ipa")
	files := map[string][]byte{
		"Payload/Example.app/Info.plist":         testInfoPlist(t, "com.example.app", "Example"),
		"Payload/Example.app/Example":            []byte("binary bytes"),
		"Payload/Example.app/Assets/image.png":   []byte{0x89, 0x50, 0x4e, 0x47},
		"Payload/Example.app/empty-marker.plist": {},
	}
	writeTestIPA(t, ipaPath, files)

	extracted := filepath.Join(dir, "extracted")
	if err := ExtractIPA(ipaPath, extracted); err != nil {
		t.Fatalf("ExtractIPA failed: %v", err)
	}

	repacked := filepath.Join(dir, "repacked.ipa")
	if err := RepackageIPA(extracted, repacked); err != nil {
		t.Fatalf("RepackageIPA failed: %v", err)
	}

	r, err := zip.OpenReader(repacked)
	if err != nil {
		t.Fatalf("failed to open repacked IPA: %v", err)
	}
	defer r.Close()

	got := map[string]bool{}
	for _, f := range r.File {
		got[f.Name] = true
	}
	for name := range files {
		if !got[name] {
			t.Errorf("repacked archive is missing %s", name)
		}
	}
}

// Directory modes must survive a repackage/extract round trip; losing the
// execute bit leaves Payload/ untraversable after extraction.
func TestRepackagePreservesDirectoryModes(t *testing.T) {
	dir := t.TempDir()

	extracted := filepath.Join(dir, "extracted")
	appDir := filepath.Join(extracted, "Payload", "Example.app")
	if err := os.MkdirAll(appDir, 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(appDir, "Info.plist"), testInfoPlist(t, "com.example.app", "Example"), 0644); err != nil {
		t.Fatal(err)
	}

	repacked := filepath.Join(dir, "repacked.ipa")
	if err := RepackageIPA(extracted, repacked); err != nil {
		t.Fatalf("RepackageIPA failed: %v", err)
	}

	roundTrip := filepath.Join(dir, "roundtrip")
	if err := ExtractIPA(repacked, roundTrip); err != nil {
		t.Fatalf("ExtractIPA failed: %v", err)
	}

	for _, rel := range []string{"Payload", filepath.Join("Payload", "Example.app")} {
		info, err := os.Stat(filepath.Join(roundTrip, rel))
		if err != nil {
			t.Fatalf("stat %s failed: %v", rel, err)
		}
		if perm := info.Mode().Perm(); perm&0700 != 0700 {
			t.Errorf("%s extracted with mode %o, owner bits lost", rel, perm)
		}
	}
}

func TestUpdateInfoPlistBundleID(t *testing.T) {
	appPath := t.TempDir()
	infoPath := filepath.Join(appPath, "Info.plist")
	if err := os.WriteFile(infoPath, testInfoPlist(t, "com.example.app", "Example"), 0644); err != nil {
		t.Fatal(err)
	}

	if err := updateInfoPlistBundleID(appPath, "com.example.renamed"); err != nil {
		t.Fatalf("updateInfoPlistBundleID failed: %v", err)
	}

	bundleID, err := GetAppBundleID(appPath)
	if err != nil {
		t.Fatalf("GetAppBundleID failed: %v", err)
	}
	if bundleID != "com.example.renamed" {
		t.Errorf("expected com.example.renamed, got %s", bundleID)
	}

	// Other keys survive the rewrite
	execName, err := GetAppExecutableName(appPath)
	if err != nil || execName != "Example" {
		t.Errorf("CFBundleExecutable lost across rewrite: %q, %v", execName, err)
	}
}

func TestDeriveOutputPath(t *testing.T) {
	dir := t.TempDir()
	input := filepath.Join(dir, "MyApp.ipa")

	first := deriveOutputPath(input)
	if first != filepath.Join(dir, "MyApp-resigned.ipa") {
		t.Errorf("unexpected derived path: %s", first)
	}

	// When the default name is taken, a fresh one is derived instead.
	if err := os.WriteFile(first, []byte("occupied"), 0644); err != nil {
		t.Fatal(err)
	}
	second := deriveOutputPath(input)
	if second == first {
		t.Error("derived path collides with an existing file")
	}
	if filepath.Ext(second) != ".ipa" {
		t.Errorf("derived path lost its extension: %s", second)
	}
}
