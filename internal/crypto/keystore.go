package crypto

import (
	"crypto/cipher"
	crand "crypto/rand"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

// ErrKeyNotFound is returned when no key is held for an identifier.
var ErrKeyNotFound = errors.New("keystore: key not found")

const keystoreSalt = "praxis-identity/keystore/v1"

type sealedKey struct {
	DID        string    `json:"did"`
	Type       KeyType   `json:"type"`
	Nonce      []byte    `json:"nonce"`
	Ciphertext []byte    `json:"ciphertext"`
	CreatedAt  time.Time `json:"createdAt"`
}

// Keystore holds managed private keys sealed with XChaCha20-Poly1305 under a key
// derived from the signing secret. When a path is set, every change is flushed
// to disk so managed identifiers survive a restart.
type Keystore struct {
	mu      sync.RWMutex
	aead    cipher.AEAD
	path    string
	entries map[string]sealedKey
}

// NewKeystore derives the sealing key from secret and loads path when it exists.
func NewKeystore(secret, path string) (*Keystore, error) {
	if secret == "" {
		return nil, fmt.Errorf("keystore: signing secret must be provided")
	}
	key := make([]byte, chacha20poly1305.KeySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, []byte(secret), []byte(keystoreSalt), []byte("seal")), key); err != nil {
		return nil, fmt.Errorf("keystore: derive key: %w", err)
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("keystore: init cipher: %w", err)
	}

	ks := &Keystore{aead: aead, path: path, entries: map[string]sealedKey{}}
	if path == "" {
		return ks, nil
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return ks, nil
	} else if err != nil {
		return nil, fmt.Errorf("keystore: read %s: %w", path, err)
	}
	var entries []sealedKey
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("keystore: decode %s: %w", path, err)
	}
	for _, e := range entries {
		ks.entries[e.DID] = e
	}
	return ks, nil
}

// Put seals kp under did. The identifier is bound as associated data so a sealed
// key cannot be replayed under another DID.
func (ks *Keystore) Put(did string, kp *KeyPair) error {
	nonce := make([]byte, ks.aead.NonceSize())
	if _, err := crand.Read(nonce); err != nil {
		return fmt.Errorf("keystore: nonce: %w", err)
	}
	entry := sealedKey{
		DID:        did,
		Type:       kp.Type,
		Nonce:      nonce,
		Ciphertext: ks.aead.Seal(nil, nonce, kp.PrivateKeyBytes(), []byte(did)),
		CreatedAt:  time.Now().UTC(),
	}

	ks.mu.Lock()
	defer ks.mu.Unlock()
	ks.entries[did] = entry
	return ks.flushLocked()
}

// Get unseals the key held for did.
func (ks *Keystore) Get(did string) (*KeyPair, error) {
	ks.mu.RLock()
	entry, ok := ks.entries[did]
	ks.mu.RUnlock()
	if !ok {
		return nil, ErrKeyNotFound
	}
	raw, err := ks.aead.Open(nil, entry.Nonce, entry.Ciphertext, []byte(did))
	if err != nil {
		return nil, fmt.Errorf("keystore: unseal %s: %w", did, err)
	}
	return KeyPairFromBytes(entry.Type, raw)
}

// Has reports whether a key is held for did.
func (ks *Keystore) Has(did string) bool {
	ks.mu.RLock()
	defer ks.mu.RUnlock()
	_, ok := ks.entries[did]
	return ok
}

// Len returns the number of held keys.
func (ks *Keystore) Len() int {
	ks.mu.RLock()
	defer ks.mu.RUnlock()
	return len(ks.entries)
}

func (ks *Keystore) flushLocked() error {
	if ks.path == "" {
		return nil
	}
	entries := make([]sealedKey, 0, len(ks.entries))
	for _, e := range ks.entries {
		entries = append(entries, e)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].DID < entries[j].DID })
	data, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return fmt.Errorf("keystore: encode: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(ks.path), 0o755); err != nil {
		return fmt.Errorf("keystore: create dir: %w", err)
	}
	temp := ks.path + ".tmp"
	if err := os.WriteFile(temp, data, 0o600); err != nil {
		return fmt.Errorf("keystore: write temp: %w", err)
	}
	if err := os.Rename(temp, ks.path); err != nil {
		return fmt.Errorf("keystore: move file: %w", err)
	}
	return nil
}
