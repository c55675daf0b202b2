package credstore

import (
	"crypto/sha256"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"
)

var (
	// ErrDuplicateRecord means a save or update would create two records
	// with identical content.
	ErrDuplicateRecord = errors.New("an identical credential record already exists")

	// ErrRecordNotFound means no record exists under the given key.
	ErrRecordNotFound = errors.New("credential record not found")
)

const (
	certFile    = "certificate.p12"
	profileFile = "profile.mobileprovision"
	nameFile    = "name.txt"
)

// Store is an on-disk credential repository rooted at a single directory.
type Store struct {
	mu        sync.Mutex
	root      string
	passwords PasswordStore
}

// Entry is one listed record.
type Entry struct {
	Key         string
	DisplayName string
}

// Record is a fully loaded credential record.
type Record struct {
	Key         string
	DisplayName string
	P12         []byte
	Profile     []byte
	Password    string
}

// NewStore opens (creating if needed) a credential store rooted at dir.
func NewStore(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create store dir: %w", err)
	}
	return &Store{root: dir, passwords: plainFilePasswords{}}, nil
}

// contentFingerprint hashes the hashes of the three artifacts, so records
// compare equal exactly when certificate, profile and password all match.
func contentFingerprint(p12, profile []byte, password string) [32]byte {
	p12Sum := sha256.Sum256(p12)
	profileSum := sha256.Sum256(profile)
	passwordSum := sha256.Sum256([]byte(password))

	h := sha256.New()
	h.Write(p12Sum[:])
	h.Write(profileSum[:])
	h.Write(passwordSum[:])

	var fp [32]byte
	copy(fp[:], h.Sum(nil))
	return fp
}

// Save persists a new credential record and returns its key.
//
// An existing record with the same content fingerprint fails the save with
// ErrDuplicateRecord; nothing is written. Display names and folder keys are
// made unique with numeric suffixes, independently of each other. The record
// is assembled in a temp directory and renamed into place, so a crash
// mid-write leaves at most an ignorable temp directory, never a half record.
func (s *Store) Save(p12, profile []byte, password, displayName string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if displayName == "" {
		displayName = "Certificate"
	}

	existing, err := s.scan()
	if err != nil {
		return "", err
	}

	fp := contentFingerprint(p12, profile, password)
	for _, rec := range existing {
		if rec.fingerprint == fp {
			return "", ErrDuplicateRecord
		}
	}

	displayName = uniqueDisplayName(displayName, existing, "")
	key := s.uniqueKey(displayName)

	tmpDir := filepath.Join(s.root, ".tmp-"+uuid.New().String())
	if err := s.writeRecord(tmpDir, p12, profile, password, displayName); err != nil {
		os.RemoveAll(tmpDir)
		return "", err
	}
	if err := os.Rename(tmpDir, filepath.Join(s.root, key)); err != nil {
		os.RemoveAll(tmpDir)
		return "", fmt.Errorf("failed to commit record: %w", err)
	}
	return key, nil
}

// Update replaces the content of an existing record. Duplicate detection
// runs against all other records, excluding the one being updated.
func (s *Store) Update(key string, p12, profile []byte, password, displayName string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	dir := filepath.Join(s.root, key)
	if _, err := os.Stat(dir); err != nil {
		return fmt.Errorf("%w: %s", ErrRecordNotFound, key)
	}

	if displayName == "" {
		displayName = "Certificate"
	}

	existing, err := s.scan()
	if err != nil {
		return err
	}

	fp := contentFingerprint(p12, profile, password)
	for _, rec := range existing {
		if rec.key == key {
			continue
		}
		if rec.fingerprint == fp {
			return ErrDuplicateRecord
		}
	}

	displayName = uniqueDisplayName(displayName, existing, key)
	return s.writeRecord(dir, p12, profile, password, displayName)
}

// Delete removes a record's storage entirely.
func (s *Store) Delete(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	dir := filepath.Join(s.root, key)
	if _, err := os.Stat(dir); err != nil {
		return fmt.Errorf("%w: %s", ErrRecordNotFound, key)
	}
	return os.RemoveAll(dir)
}

// List returns all records sorted by display name.
func (s *Store) List() ([]Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	records, err := s.scan()
	if err != nil {
		return nil, err
	}

	entries := make([]Entry, 0, len(records))
	for _, rec := range records {
		entries = append(entries, Entry{Key: rec.key, DisplayName: rec.displayName})
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].DisplayName < entries[j].DisplayName
	})
	return entries, nil
}

// Load reads a full record by key.
func (s *Store) Load(key string) (*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.load(key)
}

func (s *Store) load(key string) (*Record, error) {
	dir := filepath.Join(s.root, key)
	if _, err := os.Stat(dir); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrRecordNotFound, key)
	}

	p12, err := os.ReadFile(filepath.Join(dir, certFile))
	if err != nil {
		return nil, fmt.Errorf("failed to read certificate: %w", err)
	}
	profile, err := os.ReadFile(filepath.Join(dir, profileFile))
	if err != nil {
		return nil, fmt.Errorf("failed to read profile: %w", err)
	}
	password, err := s.passwords.Read(dir)
	if err != nil {
		return nil, err
	}
	name, err := os.ReadFile(filepath.Join(dir, nameFile))
	if err != nil {
		return nil, fmt.Errorf("failed to read display name: %w", err)
	}

	return &Record{
		Key:         key,
		DisplayName: string(name),
		P12:         p12,
		Profile:     profile,
		Password:    password,
	}, nil
}

type scannedRecord struct {
	key         string
	displayName string
	fingerprint [32]byte
}

// scan loads every record's identity data for duplicate and name checks.
// Incomplete directories (crashed mid-write) are skipped.
func (s *Store) scan() ([]scannedRecord, error) {
	dirEntries, err := os.ReadDir(s.root)
	if err != nil {
		return nil, fmt.Errorf("failed to read store dir: %w", err)
	}

	var records []scannedRecord
	for _, entry := range dirEntries {
		if !entry.IsDir() || strings.HasPrefix(entry.Name(), ".") {
			continue
		}
		rec, err := s.load(entry.Name())
		if err != nil {
			continue
		}
		records = append(records, scannedRecord{
			key:         rec.Key,
			displayName: rec.DisplayName,
			fingerprint: contentFingerprint(rec.P12, rec.Profile, rec.Password),
		})
	}
	return records, nil
}

func (s *Store) writeRecord(dir string, p12, profile []byte, password, displayName string) error {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("failed to create record dir: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, certFile), p12, 0600); err != nil {
		return fmt.Errorf("failed to write certificate: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, profileFile), profile, 0600); err != nil {
		return fmt.Errorf("failed to write profile: %w", err)
	}
	if err := s.passwords.Write(dir, password); err != nil {
		return err
	}
	if err := os.WriteFile(filepath.Join(dir, nameFile), []byte(displayName), 0600); err != nil {
		return fmt.Errorf("failed to write display name: %w", err)
	}
	return nil
}

// uniqueDisplayName appends " 2", " 3", ... until the name collides with no
// record other than excludeKey.
func uniqueDisplayName(want string, existing []scannedRecord, excludeKey string) string {
	taken := make(map[string]bool)
	for _, rec := range existing {
		if rec.key == excludeKey {
			continue
		}
		taken[rec.displayName] = true
	}

	if !taken[want] {
		return want
	}
	for n := 2; ; n++ {
		candidate := fmt.Sprintf("%s %d", want, n)
		if !taken[candidate] {
			return candidate
		}
	}
}

// uniqueKey derives a filesystem-safe folder key from the display name,
// suffixing a counter until no directory claims it.
func (s *Store) uniqueKey(displayName string) string {
	base := sanitizeKey(displayName)

	key := base
	for n := 2; ; n++ {
		if _, err := os.Stat(filepath.Join(s.root, key)); os.IsNotExist(err) {
			return key
		}
		key = fmt.Sprintf("%s-%d", base, n)
	}
}

func sanitizeKey(name string) string {
	var b strings.Builder
	lastDash := true // trim leading dashes
	for _, r := range strings.ToLower(name) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
			lastDash = false
		default:
			if !lastDash {
				b.WriteByte('-')
				lastDash = true
			}
		}
	}
	key := strings.TrimSuffix(b.String(), "-")
	if key == "" {
		return "certificate"
	}
	return key
}
