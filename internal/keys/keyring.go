package keys

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/dmitrijs2005/gophvault/internal/common"
	"github.com/dmitrijs2005/gophvault/internal/cryptox"
	"github.com/dmitrijs2005/gophvault/internal/shared"
)

const (
	fieldKeyInfo  = "gophvault/field-key/v%d"
	lookupKeyInfo = "gophvault/lookup-key"
)

// Keyring is a static, in-memory Provider. Version keys never change once
// added; AddVersion with an existing version is rejected.
type Keyring struct {
	mu      sync.RWMutex
	keys    map[uint32][]byte
	current uint32
}

// NewKeyring builds an empty keyring.
func NewKeyring() *Keyring {
	return &Keyring{keys: make(map[uint32][]byte)}
}

// AddVersion registers key material for version. Version 0 is reserved.
func (k *Keyring) AddVersion(version uint32, key []byte) error {
	if version == 0 {
		return fmt.Errorf("key version 0 is reserved")
	}
	if len(key) != cryptox.KeySize {
		return fmt.Errorf("%w: version %d", cryptox.ErrInvalidKey, version)
	}

	k.mu.Lock()
	defer k.mu.Unlock()
	if _, ok := k.keys[version]; ok {
		return fmt.Errorf("key version %d already registered", version)
	}
	k.keys[version] = append([]byte(nil), key...)
	return nil
}

// Activate makes version the key used for new encryptions.
func (k *Keyring) Activate(version uint32) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	if _, ok := k.keys[version]; !ok {
		return fmt.Errorf("%w: %d", common.ErrKeyNotFound, version)
	}
	k.current = version
	return nil
}

// Versions lists the registered versions in ascending order.
func (k *Keyring) Versions() []uint32 {
	k.mu.RLock()
	defer k.mu.RUnlock()
	out := make([]uint32, 0, len(k.keys))
	for v := range k.keys {
		out = append(out, v)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func (k *Keyring) CurrentKey(_ context.Context) (uint32, []byte, error) {
	k.mu.RLock()
	defer k.mu.RUnlock()
	if k.current == 0 {
		return 0, nil, fmt.Errorf("%w: no active key version", common.ErrKeyUnavailable)
	}
	return k.current, append([]byte(nil), k.keys[k.current]...), nil
}

func (k *Keyring) KeyByVersion(_ context.Context, version uint32) ([]byte, error) {
	k.mu.RLock()
	defer k.mu.RUnlock()
	key, ok := k.keys[version]
	if !ok {
		return nil, fmt.Errorf("%w: %d", common.ErrKeyNotFound, version)
	}
	return append([]byte(nil), key...), nil
}

// Derived bundles a keyring and the lookup-hash key, both expanded from one
// passphrase-derived root secret.
type Derived struct {
	Keyring   *Keyring
	LookupKey []byte
}

// DeriveFromPassphrase stretches passphrase+salt with argon2id and expands a
// key for each version 1..versions plus the lookup key. active selects the
// version used for new encryptions.
func DeriveFromPassphrase(passphrase, salt []byte, versions, active uint32) (*Derived, error) {
	if len(passphrase) == 0 || len(salt) == 0 {
		return nil, fmt.Errorf("passphrase and salt are required")
	}
	if versions == 0 || active == 0 || active > versions {
		return nil, fmt.Errorf("active key version %d outside 1..%d", active, versions)
	}

	root := cryptox.DeriveMasterKey(passphrase, salt)
	defer shared.WipeByteArray(root)

	ring := NewKeyring()
	for v := uint32(1); v <= versions; v++ {
		key, err := cryptox.ExpandKey(root, fmt.Sprintf(fieldKeyInfo, v))
		if err != nil {
			return nil, err
		}
		if err := ring.AddVersion(v, key); err != nil {
			return nil, err
		}
		shared.WipeByteArray(key)
	}
	if err := ring.Activate(active); err != nil {
		return nil, err
	}

	lookup, err := cryptox.ExpandKey(root, lookupKeyInfo)
	if err != nil {
		return nil, err
	}
	return &Derived{Keyring: ring, LookupKey: lookup}, nil
}
