package keystore

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestDeriveSealKeyDeterministic(t *testing.T) {
	salt := []byte("1234567890abcdef")
	key1, err := deriveSealKey("password", salt)
	if err != nil {
		t.Fatalf("derive: %v", err)
	}
	key2, err := deriveSealKey("password", salt)
	if err != nil {
		t.Fatalf("derive: %v", err)
	}
	if string(key1) != string(key2) {
		t.Fatal("expected deterministic key derivation")
	}

	key3, err := deriveSealKey("different", salt)
	if err != nil {
		t.Fatalf("derive: %v", err)
	}
	if string(key1) == string(key3) {
		t.Fatal("expected different passphrase to yield different key")
	}
}

func TestInitializeStoreAndReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rooms.json")
	ctx := context.Background()

	store := NewFileStore(path)
	if err := store.Initialize(ctx, "topsecret"); err != nil {
		t.Fatalf("initialize: %v", err)
	}

	now := time.Now().UTC().Truncate(time.Second)
	cred := RoomCredential{
		Hash:      "46d64f960f8692e3",
		Emojis:    []string{"🔥", "🌙", "⭐", "🎯", "🌊", "💎"},
		Mode:      "fixed",
		PIN:       "123456",
		CreatedAt: now,
		ExpiresAt: now.Add(time.Hour),
	}
	if err := store.Store(ctx, cred); err != nil {
		t.Fatalf("store credential: %v", err)
	}

	reopened := NewFileStore(path)
	if err := reopened.Unlock(ctx, "topsecret"); err != nil {
		t.Fatalf("unlock: %v", err)
	}
	got, err := reopened.Load(ctx, cred.Hash)
	if err != nil {
		t.Fatalf("load credential: %v", err)
	}
	if got.PIN != "123456" || got.Mode != "fixed" || len(got.Emojis) != 6 {
		t.Fatalf("credential round trip mismatch: %+v", got)
	}
	if !got.ExpiresAt.Equal(cred.ExpiresAt) {
		t.Fatalf("expiry mismatch: %s vs %s", got.ExpiresAt, cred.ExpiresAt)
	}
}

func TestUnlockRejectsWrongPassphrase(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rooms.json")
	ctx := context.Background()

	store := NewFileStore(path)
	if err := store.Initialize(ctx, "correct"); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	if err := store.Store(ctx, RoomCredential{Hash: "abc", Emojis: []string{"🔥"}}); err != nil {
		t.Fatalf("store: %v", err)
	}

	other := NewFileStore(path)
	if err := other.Unlock(ctx, "wrong"); !errors.Is(err, ErrInvalidPass) {
		t.Fatalf("expected ErrInvalidPass, got %v", err)
	}
}

func TestLockedStoreRefusesEverything(t *testing.T) {
	store := NewFileStore(filepath.Join(t.TempDir(), "rooms.json"))
	ctx := context.Background()

	if err := store.Store(ctx, RoomCredential{Hash: "x", Emojis: []string{"🔥"}}); !errors.Is(err, ErrLocked) {
		t.Fatalf("store: expected ErrLocked, got %v", err)
	}
	if _, err := store.Load(ctx, "x"); !errors.Is(err, ErrLocked) {
		t.Fatalf("load: expected ErrLocked, got %v", err)
	}
	if _, err := store.List(ctx); !errors.Is(err, ErrLocked) {
		t.Fatalf("list: expected ErrLocked, got %v", err)
	}
}

func TestUnlockMissingFile(t *testing.T) {
	store := NewFileStore(filepath.Join(t.TempDir(), "rooms.json"))
	if err := store.Unlock(context.Background(), "pass"); !errors.Is(err, ErrNotInitialized) {
		t.Fatalf("expected ErrNotInitialized, got %v", err)
	}
}

func TestInitializeRefusesExistingFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rooms.json")
	ctx := context.Background()

	store := NewFileStore(path)
	if err := store.Initialize(ctx, "pass"); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	if err := store.Initialize(ctx, "pass"); !errors.Is(err, ErrAlreadyExists) {
		t.Fatalf("expected ErrAlreadyExists, got %v", err)
	}
}

func TestDeleteAndListPrune(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rooms.json")
	ctx := context.Background()

	store := NewFileStore(path)
	if err := store.Initialize(ctx, "pass"); err != nil {
		t.Fatalf("initialize: %v", err)
	}

	now := time.Now().UTC()
	live := RoomCredential{Hash: "live", Emojis: []string{"🔥"}, ExpiresAt: now.Add(time.Hour)}
	dead := RoomCredential{Hash: "dead", Emojis: []string{"🌙"}, ExpiresAt: now.Add(-time.Minute)}
	for _, c := range []RoomCredential{live, dead} {
		if err := store.Store(ctx, c); err != nil {
			t.Fatalf("store %s: %v", c.Hash, err)
		}
	}

	// List drops the expired credential and persists the prune.
	creds, err := store.List(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(creds) != 1 || creds[0].Hash != "live" {
		t.Fatalf("expected only the live credential, got %+v", creds)
	}
	if _, err := store.Load(ctx, "dead"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected pruned credential gone, got %v", err)
	}

	if err := store.Delete(ctx, "live"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := store.Load(ctx, "live"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected deleted credential gone, got %v", err)
	}
}

func TestFileNeverHoldsPlaintext(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rooms.json")
	ctx := context.Background()

	store := NewFileStore(path)
	if err := store.Initialize(ctx, "pass"); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	if err := store.Store(ctx, RoomCredential{
		Hash:   "abc",
		Emojis: []string{"🔥", "🌙"},
		PIN:    "424242",
	}); err != nil {
		t.Fatalf("store: %v", err)
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read file: %v", err)
	}
	content := string(raw)
	for _, secret := range []string{"424242", "🔥", `"pin"`} {
		if strings.Contains(content, secret) {
			t.Fatalf("found %q in the sealed file", secret)
		}
	}
}

func TestStoreValidatesCredential(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rooms.json")
	ctx := context.Background()

	store := NewFileStore(path)
	if err := store.Initialize(ctx, "pass"); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	if err := store.Store(ctx, RoomCredential{Emojis: []string{"🔥"}}); !errors.Is(err, ErrInvalidRecord) {
		t.Fatalf("expected ErrInvalidRecord for missing hash, got %v", err)
	}
	if err := store.Store(ctx, RoomCredential{Hash: "abc"}); !errors.Is(err, ErrInvalidRecord) {
		t.Fatalf("expected ErrInvalidRecord for missing emojis, got %v", err)
	}
}
