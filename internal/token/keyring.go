package token

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// Keyring holds the HMAC secrets tokens may be signed with, keyed by the
// "kid" header. New tokens are always signed with the active key.
type Keyring struct {
	keys   map[string][]byte
	active string
}

// NewKeyring builds a ring from kid -> secret pairs. active must name one of them.
func NewKeyring(active string, secrets map[string]string) (*Keyring, error) {
	if len(secrets) == 0 {
		return nil, errors.New("keyring: no signing keys configured")
	}
	keys := make(map[string][]byte, len(secrets))
	for kid, secret := range secrets {
		if kid == "" {
			return nil, errors.New("keyring: empty key id")
		}
		if secret == "" {
			return nil, fmt.Errorf("keyring: empty secret for key %q", kid)
		}
		keys[kid] = []byte(secret)
	}
	if _, ok := keys[active]; !ok {
		return nil, fmt.Errorf("keyring: active key %q is not in the ring", active)
	}
	return &Keyring{keys: keys, active: active}, nil
}

// SingleKey is a ring with exactly one key, which is also the active one.
func SingleKey(kid, secret string) (*Keyring, error) {
	return NewKeyring(kid, map[string]string{kid: secret})
}

func (k *Keyring) ActiveID() string { return k.active }

// IDs lists the key ids in the ring, sorted.
func (k *Keyring) IDs() []string {
	ids := make([]string, 0, len(k.keys))
	for id := range k.keys {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (k *Keyring) activeSecret() []byte { return k.keys[k.active] }

func (k *Keyring) secret(kid string) ([]byte, bool) {
	s, ok := k.keys[kid]
	return s, ok
}

// ParseKeys reads a "kid:secret,kid:secret" list. The secret is everything
// after the first colon, so secrets may themselves contain colons.
func ParseKeys(s string) (map[string]string, error) {
	out := map[string]string{}
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		kid, secret, ok := strings.Cut(part, ":")
		kid = strings.TrimSpace(kid)
		if !ok || kid == "" || secret == "" {
			return nil, fmt.Errorf("invalid key entry %q (want kid:secret)", part)
		}
		if _, dup := out[kid]; dup {
			return nil, fmt.Errorf("duplicate key id %q", kid)
		}
		out[kid] = secret
	}
	return out, nil
}
