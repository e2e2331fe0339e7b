package client

import (
	"context"
	"encoding/base64"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/sos-chat/sos-relay/internal/roomcrypto"
)

// PollInterval is the fixed client poll cadence. Polling trades latency for
// operability over constrained transports; there is no server push.
const PollInterval = 1500 * time.Millisecond

// CouldNotDecrypt is the rendered text for a message that failed its MAC
// check. The failure is isolated to that one message.
const CouldNotDecrypt = "could not decrypt"

// Message is one decrypted (or undecryptable) chat message.
type Message struct {
	Sender    string
	Text      string
	Timestamp int64
	Decrypted bool
}

// Session binds a room's key material to a member identity on one node.
// Encryption happens before anything reaches the relay; decryption after.
type Session struct {
	api      *Client
	log      *zap.Logger
	emojis   []string
	hash     string
	mode     roomcrypto.Mode
	pin      string
	nickname string
	memberID string

	createdAt time.Time
	expiresAt time.Time
	since     int64
	degraded  bool
	nowFn     func() time.Time
}

// Create derives the room identity from the emoji sequence, registers the
// room, and returns a live session. For fixed mode the returned PIN must be
// shared out-of-band; rotating mode needs only the emojis.
func Create(ctx context.Context, api *Client, log *zap.Logger, emojis []string, mode roomcrypto.Mode, nickname string) (*Session, string, error) {
	if err := roomcrypto.ValidateSequence(emojis); err != nil {
		return nil, "", err
	}
	if log == nil {
		log = zap.NewNop()
	}

	hash := roomcrypto.RoomHash(emojis)
	pin := ""
	if mode == roomcrypto.ModeFixed {
		generated, err := roomcrypto.GeneratePIN()
		if err != nil {
			return nil, "", err
		}
		pin = generated
	}

	res, err := api.CreateRoom(ctx, hash, mode, emojis)
	if err != nil {
		return nil, "", err
	}

	s := &Session{
		api:       api,
		log:       log,
		emojis:    append([]string(nil), emojis...),
		hash:      hash,
		mode:      mode,
		pin:       pin,
		nickname:  nickname,
		memberID:  res.MemberID,
		createdAt: time.Unix(res.CreatedAt, 0),
		expiresAt: time.Unix(res.ExpiresAt, 0),
		nowFn:     time.Now,
	}
	log.Info("room created", zap.String("hash", hash), zap.String("mode", string(mode)))
	return s, pin, nil
}

// Join resolves the room from the emoji sequence and joins it. pin is
// required for fixed-mode rooms and ignored for rotating ones.
func Join(ctx context.Context, api *Client, log *zap.Logger, emojis []string, pin, nickname string) (*Session, error) {
	if err := roomcrypto.ValidateSequence(emojis); err != nil {
		return nil, err
	}
	if log == nil {
		log = zap.NewNop()
	}

	hash := roomcrypto.RoomHash(emojis)
	res, err := api.Join(ctx, hash, nickname)
	if err != nil {
		return nil, err
	}
	mode, err := roomcrypto.ParseMode(res.Mode)
	if err != nil {
		return nil, fmt.Errorf("relay reported %w", err)
	}
	if mode == roomcrypto.ModeFixed && pin == "" {
		return nil, fmt.Errorf("fixed-mode room requires a pin")
	}

	s := &Session{
		api:       api,
		log:       log,
		emojis:    append([]string(nil), emojis...),
		hash:      hash,
		mode:      mode,
		pin:       pin,
		nickname:  nickname,
		memberID:  res.MemberID,
		createdAt: time.Unix(res.CreatedAt, 0),
		expiresAt: time.Unix(res.ExpiresAt, 0),
		nowFn:     time.Now,
	}
	log.Info("joined room", zap.String("hash", hash), zap.String("mode", string(mode)))
	return s, nil
}

// Hash returns the room's derived ID.
func (s *Session) Hash() string { return s.hash }

// MemberID returns the relay-assigned member identity.
func (s *Session) MemberID() string { return s.memberID }

// Mode returns the room's schedule mode.
func (s *Session) Mode() roomcrypto.Mode { return s.mode }

// CreatedAt returns the relay's creation stamp for the room.
func (s *Session) CreatedAt() time.Time { return s.createdAt }

// ExpiresAt returns the room's hard deadline.
func (s *Session) ExpiresAt() time.Time { return s.expiresAt }

// Degraded reports whether the last poll failed. Key material and watermarks
// survive degradation; the next poll may recover.
func (s *Session) Degraded() bool { return s.degraded }

// Send encrypts plaintext under the key for the current schedule position and
// relays it.
func (s *Session) Send(ctx context.Context, plaintext string) error {
	key := s.currentKey()
	box, err := roomcrypto.Encrypt(&key, []byte(plaintext))
	if err != nil {
		return fmt.Errorf("encrypt message: %w", err)
	}
	content := base64.StdEncoding.EncodeToString(box)
	return s.api.Send(ctx, s.hash, content, s.nickname, s.memberID)
}

// Poll fetches and decrypts everything newer than the session watermark.
// A transport failure marks the session degraded and returns the error; the
// caller keeps the session and retries.
func (s *Session) Poll(ctx context.Context) ([]Message, error) {
	res, err := s.api.Poll(ctx, s.hash, s.since, s.memberID)
	if err != nil {
		s.degraded = true
		return nil, err
	}
	s.degraded = false

	out := make([]Message, 0, len(res.Messages))
	for _, wire := range res.Messages {
		if wire.Timestamp > s.since {
			s.since = wire.Timestamp
		}
		out = append(out, s.decryptWire(wire))
	}
	return out, nil
}

// Run polls on the fixed cadence until ctx is canceled, delivering each
// decrypted message to handler. Poll failures degrade and retry.
func (s *Session) Run(ctx context.Context, handler func(Message)) error {
	ticker := time.NewTicker(PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			msgs, err := s.Poll(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				s.log.Warn("poll failed; will retry", zap.Error(err))
				continue
			}
			for _, m := range msgs {
				handler(m)
			}
		}
	}
}

// Leave is fire-and-forget: the request goes out in the background and the
// UI never blocks on it.
func (s *Session) Leave() {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		if err := s.api.Leave(ctx, s.hash, s.memberID); err != nil {
			s.log.Debug("leave request failed", zap.Error(err))
		}
	}()
}

func (s *Session) currentKey() [roomcrypto.KeySize]byte {
	if s.mode == roomcrypto.ModeFixed {
		return roomcrypto.DeriveKey(s.emojis, s.pin, s.createdAt)
	}
	pin := roomcrypto.PINAt(s.hash, s.nowFn())
	return roomcrypto.DeriveKey(s.emojis, pin, time.Time{})
}

func (s *Session) decryptWire(wire WireMessage) Message {
	msg := Message{
		Sender:    wire.Sender,
		Timestamp: wire.Timestamp,
		Text:      CouldNotDecrypt,
	}

	box, err := base64.StdEncoding.DecodeString(wire.Content)
	if err != nil {
		return msg
	}

	var plaintext []byte
	ok := false
	if s.mode == roomcrypto.ModeFixed {
		key := roomcrypto.DeriveKey(s.emojis, s.pin, s.createdAt)
		plaintext, ok = roomcrypto.Decrypt(&key, box)
	} else {
		plaintext, ok = roomcrypto.DecryptRotating(s.emojis, s.hash, box, s.nowFn())
	}
	if !ok {
		return msg
	}

	msg.Text = string(plaintext)
	msg.Decrypted = true
	return msg
}
