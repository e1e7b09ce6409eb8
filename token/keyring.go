package token

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
)

// Key is a named MAC secret.
type Key struct {
	Name   string
	Secret []byte
}

// Keyring supplies MAC keys to the codec. Signing always uses the
// active key; verification tries every key so tokens minted before a
// rotation keep verifying.
type Keyring interface {
	// Active returns the key used for signing.
	Active() (Key, error)

	// Keys returns all keys accepted for verification, active included.
	Keys() []Key
}

// ──────────────────────────────────────────────────
// Static keyring
// ──────────────────────────────────────────────────

// StaticKeyring is an in-memory Keyring. Safe for concurrent use after
// construction; Add is meant for wiring at startup.
type StaticKeyring struct {
	active string
	keys   []Key
}

// NewStaticKeyring creates a keyring with a single active key.
func NewStaticKeyring(name string, secret []byte) *StaticKeyring {
	return &StaticKeyring{
		active: name,
		keys:   []Key{{Name: name, Secret: secret}},
	}
}

// Add registers an additional verification-only key (e.g. a retired
// signing key) and returns the keyring for chaining.
func (k *StaticKeyring) Add(name string, secret []byte) *StaticKeyring {
	k.keys = append(k.keys, Key{Name: name, Secret: secret})
	return k
}

// Active implements Keyring.
func (k *StaticKeyring) Active() (Key, error) {
	for _, key := range k.keys {
		if key.Name == k.active {
			return key, nil
		}
	}
	return Key{}, fmt.Errorf("token: active key %q not in keyring", k.active)
}

// Keys implements Keyring.
func (k *StaticKeyring) Keys() []Key { return k.keys }

// ──────────────────────────────────────────────────
// File-backed keyring
// ──────────────────────────────────────────────────

// keyringFile is the on-disk JSON layout: secrets are base64.
type keyringFile struct {
	Active string            `json:"active"`
	Keys   map[string]string `json:"keys"`
}

// LoadKeyring reads a keyring from a local JSON file of the form
//
//	{"active": "k1", "keys": {"k1": "<base64 secret>", "k0": "…"}}
func LoadKeyring(path string) (*StaticKeyring, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("token: read keyring %s: %w", path, err)
	}

	var f keyringFile
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("token: parse keyring %s: %w", path, err)
	}
	if f.Active == "" {
		return nil, fmt.Errorf("token: keyring %s has no active key", path)
	}
	if _, ok := f.Keys[f.Active]; !ok {
		return nil, fmt.Errorf("token: keyring %s active key %q missing", path, f.Active)
	}

	kr := &StaticKeyring{active: f.Active}
	for name, enc := range f.Keys {
		secret, decErr := base64.StdEncoding.DecodeString(enc)
		if decErr != nil {
			return nil, fmt.Errorf("token: keyring %s key %q: %w", path, name, decErr)
		}
		if len(secret) == 0 {
			return nil, fmt.Errorf("token: keyring %s key %q is empty", path, name)
		}
		kr.keys = append(kr.keys, Key{Name: name, Secret: secret})
	}
	return kr, nil
}
