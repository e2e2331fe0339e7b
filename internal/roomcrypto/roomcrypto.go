// Package roomcrypto implements the room identity and key schedule: emoji
// sequences hash to room IDs, PINs are either fixed at creation or derived
// from 15-second wall-clock buckets, and message keys come from Argon2id over
// the emoji sequence plus PIN. All functions are pure; nothing here does I/O.
package roomcrypto

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"
	"strconv"
	"strings"
	"time"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/nacl/secretbox"
)

const (
	// SequenceLength is the number of symbols identifying a room.
	SequenceLength = 6
	// RoomHashLength is the hex length of a derived room ID (64 bits).
	RoomHashLength = 16
	// PINLength is the number of decimal digits in a room PIN.
	PINLength = 6
	// BucketSeconds is the rotating-PIN window size.
	BucketSeconds = 15
	// NonceSize is the XSalsa20-Poly1305 nonce length prepended to ciphertexts.
	NonceSize = 24
	// KeySize is the symmetric key length produced by the KDF.
	KeySize = 32

	saltLabel = "sos-chat-v1:"

	argonTime    = 2
	argonMemory  = 64 * 1024
	argonThreads = 1
)

// Alphabet is the fixed 32-symbol set room sequences are drawn from.
var Alphabet = []string{
	"🔥", "🌙", "⭐", "🎯", "🌊", "💎", "🌸", "🍀",
	"🌈", "⚡", "🎨", "🎭", "🎪", "🎡", "🚀", "⛵",
	"🗝️", "🔮", "🎁", "🧩", "🌵", "🍉", "🍇", "🥝",
	"🦊", "🦉", "🐙", "🦋", "🐢", "🐳", "🍄", "🌻",
}

// Mode selects how a room's PIN evolves over its lifetime.
type Mode string

const (
	// ModeFixed uses one PIN generated at creation for the room's whole life.
	ModeFixed Mode = "fixed"
	// ModeRotating derives a fresh PIN every 15-second bucket.
	ModeRotating Mode = "rotating"
)

// ParseMode validates a wire-format mode string.
func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case ModeFixed, ModeRotating:
		return Mode(s), nil
	default:
		return "", fmt.Errorf("unknown room mode %q", s)
	}
}

var alphabetSet = func() map[string]struct{} {
	set := make(map[string]struct{}, len(Alphabet))
	for _, sym := range Alphabet {
		set[sym] = struct{}{}
	}
	return set
}()

// ValidateSequence checks that the sequence has exactly six symbols from the alphabet.
func ValidateSequence(emojis []string) error {
	if len(emojis) != SequenceLength {
		return fmt.Errorf("sequence must have %d symbols (got %d): %w", SequenceLength, len(emojis), ErrBadSequence)
	}
	for _, sym := range emojis {
		if _, ok := alphabetSet[sym]; !ok {
			return fmt.Errorf("symbol %q is not in the room alphabet: %w", sym, ErrBadSequence)
		}
	}
	return nil
}

// GenerateSequence draws a random six-symbol sequence from the alphabet.
func GenerateSequence() ([]string, error) {
	out := make([]string, SequenceLength)
	max := big.NewInt(int64(len(Alphabet)))
	for i := range out {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			return nil, fmt.Errorf("draw sequence symbol: %w", err)
		}
		out[i] = Alphabet[n.Int64()]
	}
	return out, nil
}

// RoomHash derives the stable room ID: hex(SHA-256(concat(emojis)))[:16].
// Identical sequences always yield identical hashes.
func RoomHash(emojis []string) string {
	sum := sha256.Sum256([]byte(strings.Join(emojis, "")))
	return hex.EncodeToString(sum[:])[:RoomHashLength]
}

// GeneratePIN produces a random six-digit PIN for fixed-mode rooms.
func GeneratePIN() (string, error) {
	max := big.NewInt(1000000)
	n, err := rand.Int(rand.Reader, max)
	if err != nil {
		return "", fmt.Errorf("generate pin: %w", err)
	}
	return fmt.Sprintf("%06d", n.Int64()), nil
}

// Bucket returns the rotating-PIN time bucket for t: floor(unix/15).
func Bucket(t time.Time) int64 {
	return t.Unix() / BucketSeconds
}

// PINAt computes the rotating PIN for the room at time t. The PIN is the
// first six nibbles of hex(SHA-256(roomID + ":" + bucket)), each nibble mod 10.
// Anyone who knows the room ID recomputes it locally; it never crosses the wire.
func PINAt(roomID string, t time.Time) string {
	return PINForBucket(roomID, Bucket(t))
}

// PINForBucket computes the rotating PIN for an explicit bucket index.
func PINForBucket(roomID string, bucket int64) string {
	sum := sha256.Sum256([]byte(roomID + ":" + strconv.FormatInt(bucket, 10)))
	digest := hex.EncodeToString(sum[:])

	var pin strings.Builder
	for i := 0; i < PINLength; i++ {
		nibble, _ := strconv.ParseUint(string(digest[i]), 16, 8)
		pin.WriteByte(byte('0' + nibble%10))
	}
	return pin.String()
}

// DeriveKey runs the memory-hard KDF over the emoji sequence and PIN.
// Fixed-mode rooms bind the salt to the room's creation timestamp; rotating
// rooms pass the zero time and the salt depends on the sequence alone.
// Argon2id is the single KDF for every participant; there is no fallback.
func DeriveKey(emojis []string, pin string, createdAt time.Time) [KeySize]byte {
	emojiString := strings.Join(emojis, "")

	saltInput := saltLabel + emojiString
	if !createdAt.IsZero() {
		saltInput += ":" + strconv.FormatInt(createdAt.Unix(), 10)
	}
	saltSum := sha256.Sum256([]byte(saltInput))
	salt := saltSum[:16]

	password := emojiString + ":" + pin
	raw := argon2.IDKey([]byte(password), salt, argonTime, argonMemory, argonThreads, KeySize)

	var key [KeySize]byte
	copy(key[:], raw)
	zeroBytes(raw)
	return key
}

// Encrypt seals plaintext with XSalsa20-Poly1305 under a fresh random nonce.
// The nonce is prepended to the returned box.
func Encrypt(key *[KeySize]byte, plaintext []byte) ([]byte, error) {
	var nonce [NonceSize]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}
	return secretbox.Seal(nonce[:], plaintext, &nonce, key), nil
}

// Decrypt opens a nonce-prefixed box. A failed MAC check reports ok=false;
// it never faults.
func Decrypt(key *[KeySize]byte, box []byte) ([]byte, bool) {
	if len(box) < NonceSize+secretbox.Overhead {
		return nil, false
	}
	var nonce [NonceSize]byte
	copy(nonce[:], box[:NonceSize])
	return secretbox.Open(nil, box[NonceSize:], &nonce, key)
}

// RotationLookback is how many previous buckets a receiver tries before
// declaring a rotating-mode message undecryptable. Covers clock skew and
// relay delay across a bucket edge.
const RotationLookback = 2

// DecryptRotating tries the current bucket's key and the previous
// RotationLookback buckets' keys.
func DecryptRotating(emojis []string, roomID string, box []byte, now time.Time) ([]byte, bool) {
	bucket := Bucket(now)
	for delta := int64(0); delta <= RotationLookback; delta++ {
		pin := PINForBucket(roomID, bucket-delta)
		key := DeriveKey(emojis, pin, time.Time{})
		if plaintext, ok := Decrypt(&key, box); ok {
			zeroKey(&key)
			return plaintext, true
		}
		zeroKey(&key)
	}
	return nil, false
}

// ErrBadSequence reports a malformed emoji sequence on the wire.
var ErrBadSequence = errors.New("invalid emoji sequence")

func zeroBytes(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

func zeroKey(k *[KeySize]byte) {
	for i := range k {
		k[i] = 0
	}
}
