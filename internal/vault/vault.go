// Package vault implements the encrypted credential store for dbanative.
// Entries are sealed with AES-256-GCM under a master key derived from the
// operator passphrase via Argon2id. The entry key is bound as additional data
// so ciphertexts cannot be swapped between keys.
package vault

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"golang.org/x/crypto/argon2"

	"github.com/dbanative/dbanative/internal/core"
)

const (
	VaultFileName = "dbanative.vault"

	// Argon2id parameters: m=64MB, t=3, p=4
	argonMemory  = 64 * 1024
	argonTime    = 3
	argonThreads = 4
	argonKeyLen  = 32

	saltLen  = 32
	nonceLen = 12 // AES-256-GCM standard nonce size

	checkKey   = "\x00check"
	checkValue = "dbanative-vault-v1"
)

var (
	// ErrNotFound is returned for a key the vault does not hold.
	ErrNotFound = errors.New("vault key not found")

	// ErrBadPassphrase is returned by Open when the passphrase does not unlock the vault.
	ErrBadPassphrase = errors.New("incorrect passphrase or corrupted vault")
)

// IsNotFound checks if an error reports a missing vault key.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// Entry is a single encrypted secret in the vault.
type Entry struct {
	Nonce      []byte `json:"nonce"`
	Ciphertext []byte `json:"ciphertext"` // data + GCM tag
}

// vaultFile is the on-disk representation.
type vaultFile struct {
	Salt    []byte            `json:"salt"`
	Check   *Entry            `json:"check"`
	Entries map[string]*Entry `json:"entries"`
}

// Vault manages encrypted secret storage.
type Vault struct {
	mu      sync.RWMutex
	aead    cipher.AEAD
	key     []byte // held in memory only
	salt    []byte
	check   *Entry
	entries map[string]*Entry
	path    string // empty for memory-only mode
	dirty   bool
}

// DeriveKey derives a 256-bit master key from a passphrase and salt using Argon2id.
func DeriveKey(passphrase string, salt []byte) []byte {
	return argon2.IDKey(
		[]byte(passphrase),
		salt,
		argonTime,
		argonMemory,
		argonThreads,
		argonKeyLen,
	)
}

func newAEAD(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("creating cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("creating GCM: %w", err)
	}
	return gcm, nil
}

// Create initializes a new vault with a fresh salt and passphrase-derived master key.
// An empty path creates a memory-only vault.
func Create(path string, passphrase string) (*Vault, error) {
	salt := make([]byte, saltLen)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return nil, fmt.Errorf("generating salt: %w", err)
	}

	key := DeriveKey(passphrase, salt)
	aead, err := newAEAD(key)
	if err != nil {
		return nil, err
	}

	v := &Vault{
		aead:    aead,
		key:     key,
		salt:    salt,
		entries: make(map[string]*Entry),
		path:    path,
		dirty:   true,
	}
	v.check, err = v.seal(checkKey, []byte(checkValue))
	if err != nil {
		return nil, err
	}

	if path != "" {
		if err := v.flush(); err != nil {
			return nil, err
		}
	}
	return v, nil
}

// CreateMemoryOnly creates an in-memory vault that never writes to disk.
func CreateMemoryOnly(passphrase string) (*Vault, error) {
	return Create("", passphrase)
}

// Open loads an existing vault file and unlocks it with the given passphrase.
func Open(path string, passphrase string) (*Vault, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading vault file: %w", err)
	}

	var vf vaultFile
	if err := json.Unmarshal(data, &vf); err != nil {
		return nil, fmt.Errorf("parsing vault file: %w", err)
	}
	if vf.Check == nil {
		return nil, fmt.Errorf("parsing vault file: missing passphrase check")
	}

	key := DeriveKey(passphrase, vf.Salt)
	aead, err := newAEAD(key)
	if err != nil {
		return nil, err
	}

	v := &Vault{
		aead:    aead,
		key:     key,
		salt:    vf.Salt,
		check:   vf.Check,
		entries: vf.Entries,
		path:    path,
	}
	if v.entries == nil {
		v.entries = make(map[string]*Entry)
	}

	if got, err := v.open(checkKey, vf.Check); err != nil || string(got) != checkValue {
		clear(key)
		return nil, ErrBadPassphrase
	}
	return v, nil
}

// Exists reports whether a vault file is present at path.
func Exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func (v *Vault) seal(key string, plaintext []byte) (*Entry, error) {
	nonce := make([]byte, nonceLen)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("generating nonce: %w", err)
	}
	return &Entry{
		Nonce:      nonce,
		Ciphertext: v.aead.Seal(nil, nonce, plaintext, []byte(key)),
	}, nil
}

func (v *Vault) open(key string, e *Entry) ([]byte, error) {
	plaintext, err := v.aead.Open(nil, e.Nonce, e.Ciphertext, []byte(key))
	if err != nil {
		return nil, fmt.Errorf("decrypting vault entry %s: %w", key, err)
	}
	return plaintext, nil
}

// Put encrypts and stores a secret under the given key.
func (v *Vault) Put(key string, plaintext []byte) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	e, err := v.seal(key, plaintext)
	if err != nil {
		return err
	}
	v.entries[key] = e
	v.dirty = true
	return nil
}

// Get decrypts and returns the secret stored under the given key.
func (v *Vault) Get(key string) ([]byte, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()

	e, ok := v.entries[key]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	return v.open(key, e)
}

// PutCredential stores c under key. A nil credential is rejected.
func (v *Vault) PutCredential(key string, c *core.Credential) error {
	if c == nil {
		return fmt.Errorf("storing credential %s: nil credential", key)
	}
	data, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("encoding credential: %w", err)
	}
	return v.Put(key, data)
}

// GetCredential loads the credential stored under key.
func (v *Vault) GetCredential(key string) (*core.Credential, error) {
	data, err := v.Get(key)
	if err != nil {
		return nil, err
	}
	var c core.Credential
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("decoding credential %s: %w", key, err)
	}
	return &c, nil
}

// PutCredentials stores a list of credentials under one key.
func (v *Vault) PutCredentials(key string, creds []core.Credential) error {
	data, err := json.Marshal(creds)
	if err != nil {
		return fmt.Errorf("encoding credentials: %w", err)
	}
	return v.Put(key, data)
}

// GetCredentials loads a list stored with PutCredentials.
func (v *Vault) GetCredentials(key string) ([]core.Credential, error) {
	data, err := v.Get(key)
	if err != nil {
		return nil, err
	}
	var creds []core.Credential
	if err := json.Unmarshal(data, &creds); err != nil {
		return nil, fmt.Errorf("decoding credentials %s: %w", key, err)
	}
	return creds, nil
}

// Delete removes a secret from the vault.
func (v *Vault) Delete(key string) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	if _, ok := v.entries[key]; !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	delete(v.entries, key)
	v.dirty = true
	return nil
}

// DeletePrefix removes every key starting with prefix and returns how many went.
func (v *Vault) DeletePrefix(prefix string) int {
	v.mu.Lock()
	defer v.mu.Unlock()

	n := 0
	for k := range v.entries {
		if strings.HasPrefix(k, prefix) {
			delete(v.entries, k)
			n++
		}
	}
	if n > 0 {
		v.dirty = true
	}
	return n
}

// Has checks if a key exists in the vault.
func (v *Vault) Has(key string) bool {
	v.mu.RLock()
	defer v.mu.RUnlock()
	_, ok := v.entries[key]
	return ok
}

// Keys returns all vault key names with the given prefix, sorted. An empty
// prefix lists everything.
func (v *Vault) Keys(prefix string) []string {
	v.mu.RLock()
	defer v.mu.RUnlock()
	keys := make([]string, 0, len(v.entries))
	for k := range v.entries {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys
}

// Save persists the vault to disk. No-op for memory-only vaults.
func (v *Vault) Save() error {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.flush()
}

func (v *Vault) flush() error {
	if v.path == "" || !v.dirty {
		return nil
	}

	data, err := json.Marshal(vaultFile{
		Salt:    v.salt,
		Check:   v.check,
		Entries: v.entries,
	})
	if err != nil {
		return fmt.Errorf("marshaling vault: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(v.path), ".vault-*")
	if err != nil {
		return fmt.Errorf("writing vault file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("writing vault file: %w", err)
	}
	if err := tmp.Chmod(0600); err != nil {
		tmp.Close()
		return fmt.Errorf("writing vault file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("writing vault file: %w", err)
	}
	if err := os.Rename(tmp.Name(), v.path); err != nil {
		return fmt.Errorf("replacing vault file: %w", err)
	}

	v.dirty = false
	return nil
}

// Close zeroes the master key and flushes pending writes.
func (v *Vault) Close() error {
	v.mu.Lock()
	defer v.mu.Unlock()

	err := v.flush()
	clear(v.key)
	return err
}
