package anonymize

import (
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"path/filepath"
	"sync"

	"github.com/dbsmedya/goscope/internal/mapstore"
)

// ConsistencyMap maps (category, original) to a replacement. Originals are
// never stored: entries are keyed by a keyed hash of the original.
// Access is serialized per category so concurrent workers never create two
// replacements for one original.
type ConsistencyMap struct {
	store *mapstore.Store
	keys  *KeyRing

	mu     sync.Mutex
	shards map[string]*sync.Mutex
}

// NewConsistencyMap wraps an opened store.
func NewConsistencyMap(store *mapstore.Store, keys *KeyRing) *ConsistencyMap {
	return &ConsistencyMap{store: store, keys: keys, shards: make(map[string]*sync.Mutex)}
}

func (m *ConsistencyMap) shard(category string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.shards[category]
	if !ok {
		s = &sync.Mutex{}
		m.shards[category] = s
	}
	return s
}

func (m *ConsistencyMap) entryKey(category, original string) []byte {
	return []byte("m/" + category + "/" + hex.EncodeToString(m.keys.Mac(purposeMapIndex, category, original)))
}

// GetOrCreate returns the replacement of original, calling generate and
// storing its result the first time original is seen in category.
func (m *ConsistencyMap) GetOrCreate(category, original string, generate func() (string, error)) (string, error) {
	key := m.entryKey(category, original)
	if v, ok, err := m.store.Get(key); err != nil {
		return "", err
	} else if ok {
		return string(v), nil
	}

	s := m.shard(category)
	s.Lock()
	defer s.Unlock()

	if v, ok, err := m.store.Get(key); err != nil {
		return "", err
	} else if ok {
		return string(v), nil
	}
	val, err := generate()
	if err != nil {
		return "", err
	}
	stored, _, err := m.store.PutIfAbsent(key, []byte(val))
	if err != nil {
		return "", fmt.Errorf("store consistency entry: %w", err)
	}
	return string(stored), nil
}

// Len returns the number of entries.
func (m *ConsistencyMap) Len() int {
	n, _ := m.store.Count([]byte("m/"))
	return n
}

// Vault issues reversible tokens. It keeps token -> original, so it lives
// in its own encrypted store, apart from the one-way consistency map.
type Vault struct {
	store *mapstore.Store
	keys  *KeyRing
	mu    sync.Mutex
}

// NewVault wraps an opened store.
func NewVault(store *mapstore.Store, keys *KeyRing) *Vault {
	return &Vault{store: store, keys: keys}
}

// Tokenize returns the token of original in category, issuing the next
// TOKEN_%08d of the category the first time original is seen.
func (v *Vault) Tokenize(category, original string) (string, error) {
	fwd := []byte("f/" + category + "/" + hex.EncodeToString(v.keys.Mac(purposeMapIndex, "token", category, original)))
	if tok, ok, err := v.store.Get(fwd); err != nil {
		return "", err
	} else if ok {
		return string(tok), nil
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	if tok, ok, err := v.store.Get(fwd); err != nil {
		return "", err
	} else if ok {
		return string(tok), nil
	}

	ctrKey := []byte("c/" + category)
	var n uint64
	if raw, ok, err := v.store.Get(ctrKey); err != nil {
		return "", err
	} else if ok {
		n = binary.BigEndian.Uint64(raw)
	}
	n++
	token := fmt.Sprintf("TOKEN_%08d", n)

	ctr := make([]byte, 8)
	binary.BigEndian.PutUint64(ctr, n)
	if err := v.store.Put(ctrKey, ctr); err != nil {
		return "", err
	}
	if err := v.store.Put([]byte("r/"+category+"/"+token), []byte(original)); err != nil {
		return "", err
	}
	if err := v.store.Put(fwd, []byte(token)); err != nil {
		return "", err
	}
	return token, nil
}

// Reveal maps a token back to its original.
func (v *Vault) Reveal(category, token string) (string, bool, error) {
	raw, ok, err := v.store.Get([]byte("r/" + category + "/" + token))
	return string(raw), ok, err
}

// Len returns the number of issued tokens.
func (v *Vault) Len() int {
	n, _ := v.store.Count([]byte("r/"))
	return n
}

// State is the durable anonymization state of a map location: key ring,
// consistency map and token vault.
type State struct {
	Keys    *KeyRing
	Map     *ConsistencyMap
	Vault   *Vault
	Resumed bool

	mapStore   *mapstore.Store
	vaultStore *mapstore.Store
}

// OpenState opens (or creates) the state at location. Reopening with the
// same secret extends the existing map.
func OpenState(location string, secret []byte) (*State, error) {
	salt, created, err := mapstore.LoadOrCreateSalt(location)
	if err != nil {
		return nil, err
	}
	keys, err := NewKeyRing(secret, salt)
	if err != nil {
		return nil, err
	}

	ms, err := mapstore.Open(mapstore.Options{Path: filepath.Join(location, "map"), EncryptionKey: keys.MapEncryptionKey()})
	if err != nil {
		keys.Destroy()
		if errors.Is(err, mapstore.ErrWrongKey) {
			return nil, fmt.Errorf("consistency map at %s was created with a different secret: %w", location, err)
		}
		return nil, err
	}
	vs, err := mapstore.Open(mapstore.Options{Path: filepath.Join(location, "vault"), EncryptionKey: keys.VaultEncryptionKey()})
	if err != nil {
		ms.Close()
		keys.Destroy()
		return nil, err
	}

	return &State{
		Keys:       keys,
		Map:        NewConsistencyMap(ms, keys),
		Vault:      NewVault(vs, keys),
		Resumed:    !created,
		mapStore:   ms,
		vaultStore: vs,
	}, nil
}

// Close closes both stores and wipes the keys.
func (s *State) Close() error {
	err := errors.Join(s.mapStore.Close(), s.vaultStore.Close())
	s.Keys.Destroy()
	return err
}
