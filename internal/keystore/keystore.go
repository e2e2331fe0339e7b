// Package keystore persists room credentials on the client side: the emoji
// sequence, mode, and fixed-mode PIN a user would otherwise have to keep in
// their head to rejoin a room within its lifetime. Records are sealed into a
// single file under a passphrase-derived key. Room messages are never stored.
package keystore

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

const (
	currentVersion = 1
	argonTime      = 1
	argonMemory    = 64 * 1024
	argonThreads   = 4
	argonKeyLength = 32
	nonceSize      = chacha20poly1305.NonceSizeX

	sealInfoLabel = "sos-keystore-seal"
)

var (
	ErrLocked         = errors.New("keystore is locked")
	ErrAlreadyExists  = errors.New("keystore already exists")
	ErrNotInitialized = errors.New("keystore not initialized")
	ErrInvalidPass    = errors.New("invalid passphrase")
	ErrCorruptFile    = errors.New("corrupted keystore")
	ErrInvalidRecord  = errors.New("invalid room credential")
	ErrNotFound       = errors.New("room credential not found")
)

// RoomCredential is everything needed to rejoin and decrypt a room.
type RoomCredential struct {
	Hash      string    `json:"hash"`
	Emojis    []string  `json:"emojis"`
	Mode      string    `json:"mode"`
	PIN       string    `json:"pin,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Expired reports whether the credential's room is already gone.
func (c RoomCredential) Expired(now time.Time) bool {
	return !c.ExpiresAt.IsZero() && !now.Before(c.ExpiresAt)
}

func (c RoomCredential) validate() error {
	if c.Hash == "" {
		return fmt.Errorf("hash is required: %w", ErrInvalidRecord)
	}
	if len(c.Emojis) == 0 {
		return fmt.Errorf("emoji sequence is required: %w", ErrInvalidRecord)
	}
	return nil
}

type keystoreFile struct {
	Version    int    `json:"version"`
	Salt       string `json:"salt"`
	Nonce      string `json:"nonce"`
	Ciphertext string `json:"ciphertext"`
}

// FileStore is a file-backed credential store with Argon2id master key
// derivation and an HKDF-expanded sealing key.
type FileStore struct {
	path    string
	salt    []byte
	sealKey []byte
	records map[string]RoomCredential
	mu      sync.RWMutex
}

// NewFileStore constructs a store backed by the provided file path.
func NewFileStore(path string) *FileStore {
	return &FileStore{
		path:    path,
		records: make(map[string]RoomCredential),
	}
}

// Path returns the backing file path (primarily for logging and tests).
func (s *FileStore) Path() string {
	return s.path
}

// Initialize creates the keystore file if it does not already exist.
func (s *FileStore) Initialize(ctx context.Context, passphrase string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if passphrase == "" {
		return fmt.Errorf("passphrase required: %w", ErrInvalidPass)
	}
	if _, err := os.Stat(s.path); err == nil {
		return ErrAlreadyExists
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil && !os.IsExist(err) {
		return fmt.Errorf("create keystore directory: %w", err)
	}

	salt := make([]byte, 16)
	if _, err := rand.Read(salt); err != nil {
		return fmt.Errorf("generate salt: %w", err)
	}

	sealKey, err := deriveSealKey(passphrase, salt)
	if err != nil {
		return err
	}

	s.salt = salt
	zeroBytes(s.sealKey)
	s.sealKey = sealKey
	s.records = make(map[string]RoomCredential)

	if err := s.persist(); err != nil {
		return fmt.Errorf("persist keystore: %w", err)
	}
	return ctx.Err()
}

// Unlock loads the keystore file and derives the sealing key.
func (s *FileStore) Unlock(ctx context.Context, passphrase string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	raw, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return ErrNotInitialized
		}
		return fmt.Errorf("read keystore: %w", err)
	}

	var file keystoreFile
	if err := json.Unmarshal(raw, &file); err != nil {
		return fmt.Errorf("decode keystore: %w", ErrCorruptFile)
	}
	if file.Version != currentVersion {
		return fmt.Errorf("unsupported keystore version %d", file.Version)
	}

	salt, err := base64.StdEncoding.DecodeString(file.Salt)
	if err != nil {
		return fmt.Errorf("decode salt: %w", ErrCorruptFile)
	}
	nonce, err := base64.StdEncoding.DecodeString(file.Nonce)
	if err != nil {
		return fmt.Errorf("decode nonce: %w", ErrCorruptFile)
	}
	ciphertext, err := base64.StdEncoding.DecodeString(file.Ciphertext)
	if err != nil {
		return fmt.Errorf("decode ciphertext: %w", ErrCorruptFile)
	}

	sealKey, err := deriveSealKey(passphrase, salt)
	if err != nil {
		return err
	}
	records, err := openRecords(sealKey, nonce, ciphertext)
	if err != nil {
		zeroBytes(sealKey)
		return err
	}

	zeroBytes(s.sealKey)
	s.sealKey = sealKey
	s.salt = salt
	s.records = records
	return ctx.Err()
}

// Store writes or overwrites a room credential and persists the file.
func (s *FileStore) Store(ctx context.Context, cred RoomCredential) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.ensureUnlocked(); err != nil {
		return err
	}
	if err := cred.validate(); err != nil {
		return err
	}
	if cred.CreatedAt.IsZero() {
		cred.CreatedAt = time.Now().UTC()
	}

	s.records[cred.Hash] = cred
	if err := s.persist(); err != nil {
		return fmt.Errorf("persist credential: %w", err)
	}
	return ctx.Err()
}

// Load fetches a credential by room hash.
func (s *FileStore) Load(ctx context.Context, hash string) (RoomCredential, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if err := s.ensureUnlocked(); err != nil {
		return RoomCredential{}, err
	}
	cred, ok := s.records[hash]
	if !ok {
		return RoomCredential{}, ErrNotFound
	}
	return cred, ctx.Err()
}

// Delete removes a credential by room hash and persists the change.
func (s *FileStore) Delete(ctx context.Context, hash string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.ensureUnlocked(); err != nil {
		return err
	}
	delete(s.records, hash)
	if err := s.persist(); err != nil {
		return fmt.Errorf("persist keystore after delete: %w", err)
	}
	return ctx.Err()
}

// List returns stored credentials sorted by hash, dropping (and pruning)
// those whose rooms have already expired.
func (s *FileStore) List(ctx context.Context) ([]RoomCredential, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.ensureUnlocked(); err != nil {
		return nil, err
	}

	now := time.Now()
	pruned := false
	out := make([]RoomCredential, 0, len(s.records))
	for hash, cred := range s.records {
		if cred.Expired(now) {
			delete(s.records, hash)
			pruned = true
			continue
		}
		out = append(out, cred)
	}
	if pruned {
		if err := s.persist(); err != nil {
			return nil, fmt.Errorf("persist keystore after prune: %w", err)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Hash < out[j].Hash })
	return out, ctx.Err()
}

func (s *FileStore) ensureUnlocked() error {
	if len(s.sealKey) == 0 || len(s.salt) == 0 {
		return ErrLocked
	}
	return nil
}

func (s *FileStore) persist() error {
	if err := s.ensureUnlocked(); err != nil {
		return err
	}

	serialized, err := json.Marshal(s.records)
	if err != nil {
		return fmt.Errorf("encode records: %w", err)
	}

	aead, err := chacha20poly1305.NewX(s.sealKey)
	if err != nil {
		return fmt.Errorf("init cipher: %w", err)
	}
	nonce := make([]byte, nonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return fmt.Errorf("generate nonce: %w", err)
	}
	ciphertext := aead.Seal(nil, nonce, serialized, nil)
	zeroBytes(serialized)

	payload := keystoreFile{
		Version:    currentVersion,
		Salt:       base64.StdEncoding.EncodeToString(s.salt),
		Nonce:      base64.StdEncoding.EncodeToString(nonce),
		Ciphertext: base64.StdEncoding.EncodeToString(ciphertext),
	}
	encoded, err := json.MarshalIndent(payload, "", "  ")
	if err != nil {
		return fmt.Errorf("encode keystore: %w", err)
	}
	return os.WriteFile(s.path, encoded, 0o600)
}

// deriveSealKey runs Argon2id over the passphrase, then expands the master
// key through HKDF so the sealing key is domain-separated from it.
func deriveSealKey(passphrase string, salt []byte) ([]byte, error) {
	master := argon2.IDKey([]byte(passphrase), salt, argonTime, argonMemory, argonThreads, argonKeyLength)
	defer zeroBytes(master)

	reader := hkdf.New(sha256.New, master, salt, []byte(sealInfoLabel))
	sealKey := make([]byte, chacha20poly1305.KeySize)
	if _, err := io.ReadFull(reader, sealKey); err != nil {
		return nil, fmt.Errorf("derive seal key: %w", err)
	}
	return sealKey, nil
}

func openRecords(sealKey, nonce, ciphertext []byte) (map[string]RoomCredential, error) {
	if len(ciphertext) == 0 {
		return map[string]RoomCredential{}, nil
	}
	if len(nonce) != nonceSize {
		return nil, fmt.Errorf("invalid nonce size: %w", ErrInvalidPass)
	}

	aead, err := chacha20poly1305.NewX(sealKey)
	if err != nil {
		return nil, fmt.Errorf("init cipher: %w", err)
	}
	plaintext, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("decrypt records: %w", ErrInvalidPass)
	}
	defer zeroBytes(plaintext)

	records := make(map[string]RoomCredential)
	if err := json.Unmarshal(plaintext, &records); err != nil {
		return nil, fmt.Errorf("unmarshal records: %w", ErrCorruptFile)
	}
	return records, nil
}

func zeroBytes(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
