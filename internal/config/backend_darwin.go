//go:build darwin

package config

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
)

const defaultsDomain = "com.paperdesk.app"

func defaultDataDir() string {
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, "Library", "Application Support", "paperdesk")
	}
	return "paperdesk-data"
}

// darwinBackend stores config in UserDefaults through the defaults CLI.
type darwinBackend struct {
	domain string
}

func newPlatformBackend() ConfigBackend {
	return &darwinBackend{domain: defaultsDomain}
}

func (b *darwinBackend) run(args ...string) (string, error) {
	out, err := exec.Command("defaults", args...).CombinedOutput()
	return strings.TrimSpace(string(out)), err
}

func (b *darwinBackend) GetString(key string) (string, bool, error) {
	out, err := b.run("read", b.domain, key)
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) && exitErr.ExitCode() == 1 {
			return "", false, nil
		}
		return "", false, fmt.Errorf("reading default %q: %w: %s", key, err, out)
	}
	return out, true, nil
}

func (b *darwinBackend) GetInt(key string) (int, bool, error) {
	s, ok, err := b.GetString(key)
	if !ok || err != nil {
		return 0, ok, err
	}
	i, err := strconv.Atoi(s)
	if err != nil {
		return 0, true, fmt.Errorf("invalid integer for %s: %w", key, err)
	}
	return i, true, nil
}

func (b *darwinBackend) SetString(key, val string) error {
	if out, err := b.run("write", b.domain, key, "-string", val); err != nil {
		return fmt.Errorf("writing default %q: %w: %s", key, err, out)
	}
	return nil
}

func (b *darwinBackend) SetInt(key string, val int) error {
	if out, err := b.run("write", b.domain, key, "-int", strconv.Itoa(val)); err != nil {
		return fmt.Errorf("writing default %q: %w: %s", key, err, out)
	}
	return nil
}

func (b *darwinBackend) Location() string { return "defaults domain " + b.domain }

func (b *darwinBackend) Delete(key string) error {
	if out, err := b.run("delete", b.domain, key); err != nil {
		return fmt.Errorf("deleting default %q: %w: %s", key, err, out)
	}
	return nil
}
