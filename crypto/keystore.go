package crypto

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/scrypt"
)

var (
	// ErrDecryptionFailed indicates the password was wrong or the blob was
	// corrupted. No partial plaintext is ever returned alongside it.
	ErrDecryptionFailed = errors.New("crypto: decryption failed")
	// ErrKeyNotFound indicates no active entry exists under the requested name.
	ErrKeyNotFound = errors.New("crypto: key not found")
	// ErrKeyExists indicates a save would overwrite an existing entry. Existing
	// ciphertext is never rewritten in place; rotation appends a new entry.
	ErrKeyExists = errors.New("crypto: key already exists")
)

// scrypt cost parameters. N is memory-hard enough that a stolen keystore file
// cannot be brute-forced cheaply while interactive unlock stays under a second.
const (
	scryptN      = 1 << 18
	scryptR      = 8
	scryptP      = 1
	keystoreSalt = 32
)

func deriveKey(password string, salt []byte) ([]byte, error) {
	return scrypt.Key([]byte(password), salt, scryptN, scryptR, scryptP, chacha20poly1305.KeySize)
}

// EncryptKey seals plaintext under a password-derived key. The returned blob
// is base64(salt || nonce || ciphertext) and is opaque to callers.
func EncryptKey(plaintext, password string) (string, error) {
	if strings.TrimSpace(password) == "" {
		return "", errors.New("crypto: password must not be empty")
	}
	salt := make([]byte, keystoreSalt)
	if _, err := rand.Read(salt); err != nil {
		return "", err
	}
	key, err := deriveKey(password, salt)
	if err != nil {
		return "", err
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return "", err
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", err
	}
	sealed := aead.Seal(nil, nonce, []byte(plaintext), nil)
	blob := make([]byte, 0, len(salt)+len(nonce)+len(sealed))
	blob = append(blob, salt...)
	blob = append(blob, nonce...)
	blob = append(blob, sealed...)
	return base64.StdEncoding.EncodeToString(blob), nil
}

// DecryptKey opens a blob produced by EncryptKey. Any authentication failure
// is reported as ErrDecryptionFailed.
func DecryptKey(blob, password string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(strings.TrimSpace(blob))
	if err != nil {
		return "", fmt.Errorf("%w: malformed blob", ErrDecryptionFailed)
	}
	if len(raw) < keystoreSalt+chacha20poly1305.NonceSizeX {
		return "", fmt.Errorf("%w: blob too short", ErrDecryptionFailed)
	}
	salt := raw[:keystoreSalt]
	nonce := raw[keystoreSalt : keystoreSalt+chacha20poly1305.NonceSizeX]
	ciphertext := raw[keystoreSalt+chacha20poly1305.NonceSizeX:]
	key, err := deriveKey(password, salt)
	if err != nil {
		return "", err
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return "", err
	}
	plaintext, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", ErrDecryptionFailed
	}
	return string(plaintext), nil
}

// Entry is a single sealed secret within the keystore file.
type Entry struct {
	KeyID     string `json:"keyId"`
	Blob      string `json:"blob"`
	CreatedAt int64  `json:"createdAt"`
	Revoked   bool   `json:"revoked"`
}

type keystoreFile struct {
	Version int                `json:"version"`
	Keys    map[string][]Entry `json:"keys"`
}

// Keystore persists named encrypted secrets to a single JSON file. The file
// is loaded fully into memory and rewritten fully on update; writes are
// serialised by an exclusive lock so concurrent saves cannot drop entries.
type Keystore struct {
	path  string
	mu    sync.Mutex
	clock func() time.Time
}

// OpenKeystore binds a keystore to the supplied file path. The file is
// created lazily on first save.
func OpenKeystore(path string) (*Keystore, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("crypto: empty keystore path")
	}
	return &Keystore{path: path, clock: time.Now}, nil
}

// SetClock overrides the timestamp source for deterministic tests.
func (ks *Keystore) SetClock(clock func() time.Time) {
	if ks == nil || clock == nil {
		return
	}
	ks.clock = clock
}

// SaveKey seals plaintext under name. Saving over an existing active entry
// fails with ErrKeyExists; use Rotate to replace a secret.
func (ks *Keystore) SaveKey(name, plaintext, password string) error {
	return ks.save(name, plaintext, password, false)
}

// Rotate seals a new secret under name, revoking the previous active entry.
// The old ciphertext remains on disk under its original keyId.
func (ks *Keystore) Rotate(name, plaintext, password string) error {
	return ks.save(name, plaintext, password, true)
}

func (ks *Keystore) save(name, plaintext, password string, rotate bool) error {
	trimmed := strings.TrimSpace(name)
	if trimmed == "" {
		return errors.New("crypto: key name required")
	}
	blob, err := EncryptKey(plaintext, password)
	if err != nil {
		return err
	}

	ks.mu.Lock()
	defer ks.mu.Unlock()

	file, err := ks.load()
	if err != nil {
		return err
	}
	entries := file.Keys[trimmed]
	version := len(entries) + 1
	if active := activeEntry(entries); active != nil {
		if !rotate {
			return fmt.Errorf("%w: %s", ErrKeyExists, trimmed)
		}
		active.Revoked = true
	}
	entries = file.Keys[trimmed]
	entries = append(entries, Entry{
		KeyID:     fmt.Sprintf("%s@v%d", trimmed, version),
		Blob:      blob,
		CreatedAt: ks.clock().UTC().Unix(),
	})
	file.Keys[trimmed] = entries
	return ks.store(file)
}

// LoadKey opens the active secret stored under name.
func (ks *Keystore) LoadKey(name, password string) (string, error) {
	trimmed := strings.TrimSpace(name)
	if trimmed == "" {
		return "", errors.New("crypto: key name required")
	}
	ks.mu.Lock()
	file, err := ks.load()
	ks.mu.Unlock()
	if err != nil {
		return "", err
	}
	active := activeEntry(file.Keys[trimmed])
	if active == nil {
		return "", fmt.Errorf("%w: %s", ErrKeyNotFound, trimmed)
	}
	return DecryptKey(active.Blob, password)
}

// Names lists the key names that currently hold an active entry.
func (ks *Keystore) Names() ([]string, error) {
	ks.mu.Lock()
	file, err := ks.load()
	ks.mu.Unlock()
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(file.Keys))
	for name, entries := range file.Keys {
		if activeEntry(entries) != nil {
			names = append(names, name)
		}
	}
	return names, nil
}

func activeEntry(entries []Entry) *Entry {
	for i := len(entries) - 1; i >= 0; i-- {
		if !entries[i].Revoked {
			return &entries[i]
		}
	}
	return nil
}

func (ks *Keystore) load() (*keystoreFile, error) {
	raw, err := os.ReadFile(ks.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return &keystoreFile{Version: 1, Keys: make(map[string][]Entry)}, nil
		}
		return nil, err
	}
	file := &keystoreFile{}
	if err := json.Unmarshal(raw, file); err != nil {
		return nil, fmt.Errorf("crypto: corrupt keystore file: %w", err)
	}
	if file.Keys == nil {
		file.Keys = make(map[string][]Entry)
	}
	return file, nil
}

func (ks *Keystore) store(file *keystoreFile) error {
	dir := filepath.Dir(ks.path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}
	encoded, err := json.MarshalIndent(file, "", "  ")
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, "keystore-")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(encoded); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return err
	}
	if err := os.Rename(tmpPath, ks.path); err != nil {
		os.Remove(tmpPath)
		return err
	}
	return os.Chmod(ks.path, 0o600)
}
