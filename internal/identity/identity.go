// Package identity manages the stable device identifier the agent presents
// to the platform.
package identity

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

// Identity is the immutable identity of the running agent process.
type Identity struct {
	// DeviceID is stable across restarts; persisted on first run.
	DeviceID string
	// APIKey is the operator-supplied platform credential.
	APIKey string
}

// LoadOrCreate returns the persisted device identifier from path, generating
// and persisting a new one when none exists. The identifier never changes
// for the lifetime of the installation.
func LoadOrCreate(path, apiKey string) (Identity, error) {
	data, err := os.ReadFile(path)
	if err == nil {
		id := strings.TrimSpace(string(data))
		if id != "" {
			return Identity{DeviceID: id, APIKey: apiKey}, nil
		}
	} else if !os.IsNotExist(err) {
		return Identity{}, fmt.Errorf("read device id file: %w", err)
	}

	id := newDeviceID()
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return Identity{}, fmt.Errorf("create device id directory: %w", err)
	}
	if err := os.WriteFile(path, []byte(id+"\n"), 0600); err != nil {
		return Identity{}, fmt.Errorf("persist device id: %w", err)
	}

	return Identity{DeviceID: id, APIKey: apiKey}, nil
}

// newDeviceID builds a "<hostname>-<uuid8>" identifier. The hostname prefix
// keeps device lists readable; the suffix keeps clones of the same image
// distinct.
func newDeviceID() string {
	hostname, err := os.Hostname()
	if err != nil || hostname == "" {
		hostname = "device"
	}
	hostname = sanitizeHostname(hostname)
	return fmt.Sprintf("%s-%s", hostname, uuid.NewString()[:8])
}

// sanitizeHostname lowercases the hostname and strips characters that are
// not valid in a subdomain label, truncating to 20 characters.
func sanitizeHostname(h string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(h) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == '.' || r == '-' || r == '_':
			b.WriteRune('-')
		}
	}
	s := strings.Trim(b.String(), "-")
	if s == "" {
		s = "device"
	}
	if len(s) > 20 {
		s = s[:20]
	}
	return s
}
