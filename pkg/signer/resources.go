package signer

import (
	"crypto/sha1"
	"crypto/sha256"
	"fmt"
	"hash"
	"io"
	"os"
	"path/filepath"
	"strings"

	"howett.net/plist"
)

// BuildResourceSeal produces the _CodeSignature/CodeResources plist for an
// app bundle: a hash of every sealed resource file. The legacy files section
// uses SHA-1, files2 carries both SHA-1 and SHA-256. Every file under the
// bundle is hashed, including the contents of nested bundles; only the
// bundle's own seal and main executable are excluded.
func BuildResourceSeal(appPath string) ([]byte, error) {
	files := make(map[string]interface{})
	files2 := make(map[string]interface{})

	execName, _ := GetAppExecutableName(appPath)
	sealPath := filepath.Join("_CodeSignature", "CodeResources")

	err := filepath.Walk(appPath, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}

		relPath, err := filepath.Rel(appPath, path)
		if err != nil {
			return err
		}
		if relPath == sealPath || relPath == execName || sealOmits(relPath) {
			return nil
		}

		sum1, err := hashFileWith(path, sha1.New())
		if err != nil {
			return fmt.Errorf("failed to hash %s: %w", relPath, err)
		}

		optional := strings.Contains(relPath, ".lproj/")
		if optional {
			files[relPath] = map[string]interface{}{"hash": sum1, "optional": true}
		} else {
			files[relPath] = sum1
		}

		// Info.plist and PkgInfo are sealed in files only; Apple's rules2
		// omit them from files2.
		if relPath == "Info.plist" || relPath == "PkgInfo" {
			return nil
		}
		sum2, err := hashFileWith(path, sha256.New())
		if err != nil {
			return fmt.Errorf("failed to hash %s: %w", relPath, err)
		}
		entry := map[string]interface{}{"hash": sum1, "hash2": sum2}
		if optional {
			entry["optional"] = true
		}
		files2[relPath] = entry
		return nil
	})
	if err != nil {
		return nil, err
	}

	seal := map[string]interface{}{
		"files":  files,
		"files2": files2,
		"rules":  sealRules(),
		"rules2": sealRules2(),
	}
	data, err := plist.MarshalIndent(seal, plist.XMLFormat, "\t")
	if err != nil {
		return nil, fmt.Errorf("failed to marshal CodeResources: %w", err)
	}
	return data, nil
}

// WriteResourceSeal builds the resource seal and writes it into the bundle's
// _CodeSignature directory.
func WriteResourceSeal(appPath string) error {
	data, err := BuildResourceSeal(appPath)
	if err != nil {
		return err
	}
	sealDir := filepath.Join(appPath, "_CodeSignature")
	if err := os.MkdirAll(sealDir, 0755); err != nil {
		return fmt.Errorf("failed to create _CodeSignature directory: %w", err)
	}
	if err := os.WriteFile(filepath.Join(sealDir, "CodeResources"), data, 0644); err != nil {
		return fmt.Errorf("failed to write CodeResources: %w", err)
	}
	return nil
}

func hashFileWith(path string, h hash.Hash) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	if _, err := io.Copy(h, f); err != nil {
		return nil, err
	}
	return h.Sum(nil), nil
}

// sealOmits reports whether a file never enters the seal at all: Finder
// droppings, AppleDouble shadows and per-localization version markers.
func sealOmits(relPath string) bool {
	if strings.HasSuffix(relPath, ".DS_Store") {
		return true
	}
	if strings.HasPrefix(filepath.Base(relPath), "._") {
		return true
	}
	return strings.HasSuffix(relPath, ".lproj/locversion.plist")
}

// Float weights so plist emits <real>, matching codesign's output.
func sealRules() map[string]interface{} {
	return map[string]interface{}{
		"^.*": true,
		"^.*\\.lproj/": map[string]interface{}{
			"optional": true,
			"weight":   float64(1000),
		},
		"^.*\\.lproj/locversion.plist$": map[string]interface{}{
			"omit":   true,
			"weight": float64(1100),
		},
		"^Base\\.lproj/": map[string]interface{}{
			"weight": float64(1010),
		},
		"^version.plist$": true,
	}
}

func sealRules2() map[string]interface{} {
	return map[string]interface{}{
		"^.*": true,
		".*\\.dSYM($|/)": map[string]interface{}{
			"weight": float64(11),
		},
		"^(.*/)?\\.DS_Store$": map[string]interface{}{
			"omit":   true,
			"weight": float64(2000),
		},
		"^.*\\.lproj/": map[string]interface{}{
			"optional": true,
			"weight":   float64(1000),
		},
		"^.*\\.lproj/locversion.plist$": map[string]interface{}{
			"omit":   true,
			"weight": float64(1100),
		},
		"^Base\\.lproj/": map[string]interface{}{
			"weight": float64(1010),
		},
		"^Info\\.plist$": map[string]interface{}{
			"omit":   true,
			"weight": float64(20),
		},
		"^PkgInfo$": map[string]interface{}{
			"omit":   true,
			"weight": float64(20),
		},
		"^embedded\\.provisionprofile$": map[string]interface{}{
			"weight": float64(20),
		},
		"^version\\.plist$": map[string]interface{}{
			"weight": float64(20),
		},
	}
}
