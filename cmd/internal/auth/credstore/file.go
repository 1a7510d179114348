package credstore

import (
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/scrypt"
)

// File store layout: magic || salt (16) || nonce (24) || ciphertext.
// The key is derived from the machine secret with scrypt; a fresh salt and
// nonce are written on every Set.
const (
	fileMagic     = "PULSECRED1"
	fileSaltBytes = 16
	fileMode      = 0o600
)

var (
	// ErrBadSecret is returned when the stored credential cannot be decrypted
	// with the configured secret.
	ErrBadSecret = errors.New("credential store: wrong secret or corrupt file")

	// ErrNoSecret is returned when a FileStore is constructed without a secret.
	ErrNoSecret = errors.New("credential store: empty secret")
)

// FileStore persists the access credential encrypted at rest.
//
// A missing or unreadable file is the normal anonymous condition, not an error:
// Get simply reports not-found. Write failures are surfaced so callers can fall
// back to memory-only operation.
type FileStore struct {
	mu     sync.Mutex
	path   string
	secret []byte
}

// NewFileStore constructs a FileStore writing to path, encrypting with secret.
func NewFileStore(path, secret string) (*FileStore, error) {
	if secret == "" {
		return nil, ErrNoSecret
	}
	if path == "" {
		return nil, errors.New("credential store: empty path")
	}
	return &FileStore{path: path, secret: []byte(secret)}, nil
}

func (s *FileStore) Get() (Credential, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	raw, err := os.ReadFile(s.path)
	if err != nil {
		return Credential{}, false
	}

	cred, err := s.decrypt(raw)
	if err != nil {
		// Treat undecryptable state as anonymous; the next Set overwrites it.
		return Credential{}, false
	}
	return cred, !cred.IsZero()
}

func (s *FileStore) Set(c Credential) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	raw, err := s.encrypt(c)
	if err != nil {
		return err
	}

	if dir := filepath.Dir(s.path); dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("credential store: %w", err)
		}
	}

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, raw, fileMode); err != nil {
		return fmt.Errorf("credential store: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("credential store: %w", err)
	}
	return nil
}

func (s *FileStore) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.Remove(s.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("credential store: %w", err)
	}
	return nil
}

func (s *FileStore) encrypt(c Credential) ([]byte, error) {
	plain, err := json.Marshal(c)
	if err != nil {
		return nil, err
	}

	salt := make([]byte, fileSaltBytes)
	if _, err := rand.Read(salt); err != nil {
		return nil, err
	}

	key, err := deriveKey(s.secret, salt)
	if err != nil {
		return nil, err
	}

	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}

	out := make([]byte, 0, len(fileMagic)+len(salt)+len(nonce)+len(plain)+aead.Overhead())
	out = append(out, fileMagic...)
	out = append(out, salt...)
	out = append(out, nonce...)
	return aead.Seal(out, nonce, plain, nil), nil
}

func (s *FileStore) decrypt(raw []byte) (Credential, error) {
	min := len(fileMagic) + fileSaltBytes + chacha20poly1305.NonceSizeX
	if len(raw) < min || string(raw[:len(fileMagic)]) != fileMagic {
		return Credential{}, ErrBadSecret
	}
	raw = raw[len(fileMagic):]

	salt := raw[:fileSaltBytes]
	nonce := raw[fileSaltBytes : fileSaltBytes+chacha20poly1305.NonceSizeX]
	box := raw[fileSaltBytes+chacha20poly1305.NonceSizeX:]

	key, err := deriveKey(s.secret, salt)
	if err != nil {
		return Credential{}, err
	}

	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return Credential{}, err
	}

	plain, err := aead.Open(nil, nonce, box, nil)
	if err != nil {
		return Credential{}, ErrBadSecret
	}

	var c Credential
	if err := json.Unmarshal(plain, &c); err != nil {
		return Credential{}, ErrBadSecret
	}
	return c, nil
}

func deriveKey(secret, salt []byte) ([]byte, error) {
	// Interactive-strength scrypt parameters; this protects a short-lived
	// bearer token, not a password database.
	return scrypt.Key(secret, salt, 1<<15, 8, 1, chacha20poly1305.KeySize)
}
