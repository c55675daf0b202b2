package signer

import (
	"archive/zip"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"howett.net/plist"
)

// ExtractIPA extracts an IPA archive into destDir. Directory entries are
// created explicitly as they are encountered, so extraction never depends on
// the archive listing parents before children.
func ExtractIPA(ipaPath, destDir string) error {
	r, err := zip.OpenReader(ipaPath)
	if err != nil {
		return fmt.Errorf("failed to open IPA: %w", err)
	}
	defer r.Close()

	for _, f := range r.File {
		if err := extractZipFile(f, destDir); err != nil {
			return fmt.Errorf("failed to extract %s: %w", f.Name, err)
		}
	}
	return nil
}

func extractZipFile(f *zip.File, destDir string) error {
	// Sanitize the file path to prevent zip slip
	destPath := filepath.Join(destDir, f.Name)
	if !strings.HasPrefix(destPath, filepath.Clean(destDir)+string(os.PathSeparator)) {
		return fmt.Errorf("invalid file path: %s", f.Name)
	}

	if f.FileInfo().IsDir() {
		return os.MkdirAll(destPath, f.Mode())
	}

	if err := os.MkdirAll(filepath.Dir(destPath), 0755); err != nil {
		return err
	}

	destFile, err := os.OpenFile(destPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, f.Mode())
	if err != nil {
		return err
	}
	defer destFile.Close()

	srcFile, err := f.Open()
	if err != nil {
		return err
	}
	defer srcFile.Close()

	_, err = io.Copy(destFile, srcFile)
	return err
}

// FindAppBundle locates the single .app bundle under Payload/ in an
// extracted IPA tree. Zero candidates and multiple candidates are both
// layout errors; the caller must never get an arbitrary pick.
func FindAppBundle(extractedDir string) (string, error) {
	payloadDir := filepath.Join(extractedDir, "Payload")

	entries, err := os.ReadDir(payloadDir)
	if err != nil {
		return "", fmt.Errorf("%w: failed to read Payload directory: %v", ErrBundleLayout, err)
	}

	var candidates []string
	for _, entry := range entries {
		if entry.IsDir() && strings.HasSuffix(entry.Name(), ".app") {
			candidates = append(candidates, filepath.Join(payloadDir, entry.Name()))
		}
	}

	switch len(candidates) {
	case 1:
		return candidates[0], nil
	case 0:
		return "", fmt.Errorf("%w: no .app bundle found in Payload directory", ErrBundleLayout)
	default:
		return "", fmt.Errorf("%w: found %d .app bundles in Payload directory, expected exactly one", ErrBundleLayout, len(candidates))
	}
}

// RepackageIPA archives an extracted tree back into an IPA at outputPath.
// Relative paths are preserved exactly as extracted and directory entries are
// written before their contents (filepath.Walk is preorder).
func RepackageIPA(extractedDir, outputPath string) error {
	outFile, err := os.Create(outputPath)
	if err != nil {
		return fmt.Errorf("failed to create output file: %w", err)
	}
	defer outFile.Close()

	w := zip.NewWriter(outFile)
	defer w.Close()

	return filepath.Walk(extractedDir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if path == extractedDir {
			return nil
		}

		relPath, err := filepath.Rel(extractedDir, path)
		if err != nil {
			return err
		}

		// ZIP paths use forward slashes
		zipPath := strings.ReplaceAll(relPath, string(os.PathSeparator), "/")

		if info.IsDir() {
			// A bare Create stores no mode bits and the directory comes
			// back 0666 on extraction, unreadable in place.
			header, err := zip.FileInfoHeader(info)
			if err != nil {
				return err
			}
			header.Name = zipPath + "/"
			_, err = w.CreateHeader(header)
			return err
		}

		header, err := zip.FileInfoHeader(info)
		if err != nil {
			return err
		}
		header.Name = zipPath
		header.Method = zip.Deflate

		writer, err := w.CreateHeader(header)
		if err != nil {
			return err
		}

		file, err := os.Open(path)
		if err != nil {
			return err
		}
		defer file.Close()

		_, err = io.Copy(writer, file)
		return err
	})
}

// GetAppBundleID reads the bundle ID from an app's Info.plist.
func GetAppBundleID(appPath string) (string, error) {
	info, err := readInfoPlist(appPath)
	if err != nil {
		return "", err
	}
	bundleID, ok := info["CFBundleIdentifier"].(string)
	if !ok {
		return "", fmt.Errorf("CFBundleIdentifier not found in Info.plist")
	}
	return bundleID, nil
}

// GetAppExecutableName reads the executable name from an app's Info.plist.
func GetAppExecutableName(appPath string) (string, error) {
	info, err := readInfoPlist(appPath)
	if err != nil {
		return "", err
	}
	execName, ok := info["CFBundleExecutable"].(string)
	if !ok {
		return "", fmt.Errorf("CFBundleExecutable not found in Info.plist")
	}
	return execName, nil
}

func readInfoPlist(appPath string) (map[string]interface{}, error) {
	data, err := os.ReadFile(filepath.Join(appPath, "Info.plist"))
	if err != nil {
		return nil, fmt.Errorf("failed to read Info.plist: %w", err)
	}
	return parseInfoPlist(data)
}

func parseInfoPlist(data []byte) (map[string]interface{}, error) {
	var info map[string]interface{}
	if _, err := plist.Unmarshal(data, &info); err != nil {
		return nil, fmt.Errorf("failed to parse plist: %w", err)
	}
	return info, nil
}

func updateInfoPlistBundleID(appPath, newBundleID string) error {
	infoPlistPath := filepath.Join(appPath, "Info.plist")

	info, err := readInfoPlist(appPath)
	if err != nil {
		return err
	}
	info["CFBundleIdentifier"] = newBundleID

	newData, err := plist.MarshalIndent(info, plist.XMLFormat, "\t")
	if err != nil {
		return fmt.Errorf("failed to marshal Info.plist: %w", err)
	}
	return os.WriteFile(infoPlistPath, newData, 0644)
}

// copyFile copies a single file with the given mode using streaming I/O.
func copyFile(src, dst string, mode os.FileMode) error {
	srcFile, err := os.Open(src)
	if err != nil {
		return err
	}
	defer srcFile.Close()

	dstFile, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, mode)
	if err != nil {
		return err
	}
	defer dstFile.Close()

	_, err = io.Copy(dstFile, srcFile)
	return err
}
