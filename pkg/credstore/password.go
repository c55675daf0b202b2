package credstore

import (
	"fmt"
	"os"
	"path/filepath"
)

// PasswordStore persists the PKCS#12 passphrase for a record.
//
// The default keeps the passphrase as a plaintext file next to the other
// artifacts, matching the historical on-disk layout. That weakness is known;
// this interface is the seam through which an OS-provided secret store can
// replace it without touching the repository logic.
type PasswordStore interface {
	Write(recordDir, password string) error
	Read(recordDir string) (string, error)
}

const passwordFile = "password.txt"

type plainFilePasswords struct{}

func (plainFilePasswords) Write(recordDir, password string) error {
	if err := os.WriteFile(filepath.Join(recordDir, passwordFile), []byte(password), 0600); err != nil {
		return fmt.Errorf("failed to write password: %w", err)
	}
	return nil
}

func (plainFilePasswords) Read(recordDir string) (string, error) {
	data, err := os.ReadFile(filepath.Join(recordDir, passwordFile))
	if err != nil {
		return "", fmt.Errorf("failed to read password: %w", err)
	}
	return string(data), nil
}
