package credstore

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	log "github.com/sirupsen/logrus"

	"github.com/appsworld/ipasigner/pkg/signer"
)

// ImportBundleDir ingests a downloaded credential bundle directory: one
// PKCS#12 file, one provisioning profile and optionally a password text
// file, saved as a single record after the pair passes the compatibility
// check.
//
// Bundles sometimes carry several files of the same kind, with filenames
// encoding a version number. The candidate whose filename contains the
// numerically highest integer wins; among files with no number the
// lexicographically first is taken, so a given bundle always resolves the
// same way.
func (s *Store) ImportBundleDir(dir, displayName string) (string, error) {
	p12Path, err := selectBundleFile(dir, ".p12")
	if err != nil {
		return "", err
	}
	profilePath, err := selectBundleFile(dir, ".mobileprovision")
	if err != nil {
		return "", err
	}

	log.WithFields(log.Fields{
		"p12":     filepath.Base(p12Path),
		"profile": filepath.Base(profilePath),
	}).Info("importing credential bundle")

	p12, err := os.ReadFile(p12Path)
	if err != nil {
		return "", fmt.Errorf("failed to read %s: %w", p12Path, err)
	}
	profile, err := os.ReadFile(profilePath)
	if err != nil {
		return "", fmt.Errorf("failed to read %s: %w", profilePath, err)
	}

	// A missing password file means an empty passphrase
	var password string
	if passwordPath, err := selectBundleFile(dir, ".txt"); err == nil {
		data, err := os.ReadFile(passwordPath)
		if err != nil {
			return "", fmt.Errorf("failed to read %s: %w", passwordPath, err)
		}
		password = strings.TrimSpace(string(data))
	}

	if verdict := signer.Check(p12, password, profile); !verdict.OK() {
		return "", fmt.Errorf("bundle rejected: %w", verdict.Err())
	}

	if displayName == "" {
		if name, ok := signer.ProfileName(profile); ok {
			displayName = name
		}
	}

	return s.Save(p12, profile, password, displayName)
}

// selectBundleFile picks one file with the given extension out of dir,
// using the highest-number-in-filename policy.
func selectBundleFile(dir, ext string) (string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return "", fmt.Errorf("failed to read bundle dir: %w", err)
	}

	var names []string
	for _, entry := range entries {
		if !entry.IsDir() && strings.EqualFold(filepath.Ext(entry.Name()), ext) {
			names = append(names, entry.Name())
		}
	}
	if len(names) == 0 {
		return "", fmt.Errorf("no %s file found in %s", ext, dir)
	}

	sort.Slice(names, func(i, j int) bool {
		ni, nj := filenameNumber(names[i]), filenameNumber(names[j])
		if ni != nj {
			return ni > nj
		}
		return names[i] < names[j]
	})
	return filepath.Join(dir, names[0]), nil
}

// filenameNumber returns the largest integer embedded in a filename, or -1
// when it contains none. The extension is ignored: ".p12" must not make
// every candidate score 12.
func filenameNumber(name string) int64 {
	name = strings.TrimSuffix(name, filepath.Ext(name))
	best := int64(-1)
	for i := 0; i < len(name); {
		if name[i] < '0' || name[i] > '9' {
			i++
			continue
		}
		j := i
		for j < len(name) && name[j] >= '0' && name[j] <= '9' {
			j++
		}
		if n, err := strconv.ParseInt(name[i:j], 10, 64); err == nil && n > best {
			best = n
		}
		i = j
	}
	return best
}
