//go:build !darwin

package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// ErrSecretNotFound is returned when the secrets file has no value for the
// requested service and account.
var ErrSecretNotFound = errors.New("secret not found")

// secretFile keeps secrets in a JSON file readable only by the owner, keyed
// by service then account. It stands in for the keychain outside macOS.
type secretFile struct {
	mu   sync.Mutex
	path string
}

var platformSecrets = &secretFile{path: secretsFilePath()}

func secretsFilePath() string {
	dir := os.Getenv("XDG_DATA_HOME")
	if dir == "" {
		if home, err := os.UserHomeDir(); err == nil {
			dir = filepath.Join(home, ".local", "share")
		} else {
			dir = "."
		}
	}
	return filepath.Join(dir, "paperdesk", "secrets.json")
}

func (f *secretFile) readLocked() (map[string]map[string]string, error) {
	secrets := make(map[string]map[string]string)
	raw, err := os.ReadFile(f.path)
	if errors.Is(err, os.ErrNotExist) {
		return secrets, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading secrets file: %w", err)
	}
	if err := json.Unmarshal(raw, &secrets); err != nil {
		return nil, fmt.Errorf("parsing secrets file %s: %w", f.path, err)
	}
	return secrets, nil
}

func (f *secretFile) get(service, account string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	secrets, err := f.readLocked()
	if err != nil {
		return "", err
	}
	val, ok := secrets[service][account]
	if !ok {
		return "", fmt.Errorf("%s/%s: %w", service, account, ErrSecretNotFound)
	}
	return val, nil
}

// set stores value, replacing the file through a rename. A file that does
// not parse is reported and left as is.
func (f *secretFile) set(service, account, value string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	secrets, err := f.readLocked()
	if err != nil {
		return err
	}
	if secrets[service] == nil {
		secrets[service] = make(map[string]string)
	}
	secrets[service][account] = value

	if err := os.MkdirAll(filepath.Dir(f.path), 0o700); err != nil {
		return fmt.Errorf("creating secrets dir: %w", err)
	}
	raw, err := json.MarshalIndent(secrets, "", "  ")
	if err != nil {
		return err
	}
	tmp := f.path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o600); err != nil {
		return fmt.Errorf("writing secrets file: %w", err)
	}
	if err := os.Rename(tmp, f.path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("replacing secrets file: %w", err)
	}
	return nil
}

func keychainGet(service, account string) ([]byte, error) {
	val, err := platformSecrets.get(service, account)
	if err != nil {
		return nil, err
	}
	return []byte(val), nil
}

func keychainSet(service, account, value string) error {
	return platformSecrets.set(service, account, value)
}
