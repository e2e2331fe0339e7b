// Package room holds the per-node room state machine. A room lives entirely
// in memory on the node that created it: members, the ordered ciphertext log,
// and a hard one-hour expiry that is never extended. Expiry is enforced
// lazily by every accessor; the optional sweep exists only for memory hygiene.
package room

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/sos-chat/sos-relay/internal/roomcrypto"
)

// DefaultTTL is the fixed room lifetime.
const DefaultTTL = time.Hour

// Member is a participant in a single room. IDs are opaque and scoped to the
// room; the same person joining two rooms gets two unrelated IDs.
type Member struct {
	ID       string
	Nickname string
	JoinedAt time.Time
}

// Message is one relayed ciphertext. Content stays opaque to the node.
// Timestamps are assigned by the owning node and are strictly increasing
// within a room.
type Message struct {
	Sender    string
	Content   string
	Timestamp int64
}

// Info is the non-sensitive room metadata exposed by the info endpoint.
type Info struct {
	Hash      string
	Mode      roomcrypto.Mode
	CreatedAt time.Time
	ExpiresAt time.Time
}

// CreateResult reports the outcome of a create: the creator's member ID and
// the room lifetime window.
type CreateResult struct {
	MemberID  string
	CreatedAt time.Time
	ExpiresAt time.Time
}

// JoinResult reports a successful join.
type JoinResult struct {
	MemberID  string
	Mode      roomcrypto.Mode
	CreatedAt time.Time
	ExpiresAt time.Time
}

// PollResult carries messages newer than the requested watermark plus the
// current member list.
type PollResult struct {
	Messages  []Message
	Members   []Member
	ExpiresAt time.Time
}

type state struct {
	hash      string
	mode      roomcrypto.Mode
	createdAt time.Time
	expiresAt time.Time
	members   map[string]Member
	messages  []Message
	lastStamp int64
}

// Store owns every room created on this node. All mutations go through the
// five operations; nothing else writes room state.
type Store struct {
	mu    sync.Mutex
	rooms map[string]*state
	ttl   time.Duration
	nowFn func() time.Time
}

// NewStore builds a store with the given TTL; zero means DefaultTTL.
func NewStore(ttl time.Duration) *Store {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Store{
		rooms: make(map[string]*state),
		ttl:   ttl,
		nowFn: time.Now,
	}
}

// Create registers a new room and assigns the creator a member ID.
func (s *Store) Create(hash string, mode roomcrypto.Mode) (CreateResult, error) {
	if _, err := roomcrypto.ParseMode(string(mode)); err != nil {
		return CreateResult{}, ErrInvalidMode
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.nowFn()
	if existing := s.rooms[hash]; existing != nil && now.Before(existing.expiresAt) {
		return CreateResult{}, ErrExists
	}
	delete(s.rooms, hash)

	memberID := uuid.NewString()
	st := &state{
		hash:      hash,
		mode:      mode,
		createdAt: now,
		expiresAt: now.Add(s.ttl),
		members: map[string]Member{
			memberID: {ID: memberID, JoinedAt: now},
		},
	}
	s.rooms[hash] = st

	return CreateResult{
		MemberID:  memberID,
		CreatedAt: st.createdAt,
		ExpiresAt: st.expiresAt,
	}, nil
}

// Join adds a member to an active room.
func (s *Store) Join(hash, nickname string) (JoinResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := s.active(hash)
	if st == nil {
		return JoinResult{}, ErrNotFound
	}

	memberID := uuid.NewString()
	st.members[memberID] = Member{
		ID:       memberID,
		Nickname: nickname,
		JoinedAt: s.nowFn(),
	}
	return JoinResult{
		MemberID:  memberID,
		Mode:      st.mode,
		CreatedAt: st.createdAt,
		ExpiresAt: st.expiresAt,
	}, nil
}

// Send appends a ciphertext with a server-assigned monotonic timestamp.
// The relay never inspects content; membership is not enforced beyond the
// room being active.
func (s *Store) Send(hash, sender, content string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := s.active(hash)
	if st == nil {
		return ErrNotFound
	}

	stamp := s.nowFn().UnixMilli()
	if stamp <= st.lastStamp {
		stamp = st.lastStamp + 1
	}
	st.lastStamp = stamp
	st.messages = append(st.messages, Message{
		Sender:    sender,
		Content:   content,
		Timestamp: stamp,
	})
	return nil
}

// Poll returns messages with timestamps strictly greater than since, plus the
// current member list and the expiry deadline.
func (s *Store) Poll(hash string, since int64) (PollResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := s.active(hash)
	if st == nil {
		return PollResult{}, ErrNotFound
	}

	// Messages are already ordered; find the first entry past the watermark.
	idx := sort.Search(len(st.messages), func(i int) bool {
		return st.messages[i].Timestamp > since
	})
	messages := make([]Message, len(st.messages)-idx)
	copy(messages, st.messages[idx:])

	members := make([]Member, 0, len(st.members))
	for _, m := range st.members {
		members = append(members, m)
	}
	sort.Slice(members, func(i, j int) bool { return members[i].JoinedAt.Before(members[j].JoinedAt) })

	return PollResult{
		Messages:  messages,
		Members:   members,
		ExpiresAt: st.expiresAt,
	}, nil
}

// Leave removes a member. Message history stays until natural expiry.
func (s *Store) Leave(hash, memberID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := s.active(hash)
	if st == nil {
		return ErrNotFound
	}
	delete(st.members, memberID)
	return nil
}

// Info returns room metadata for an active room.
func (s *Store) Info(hash string) (Info, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := s.active(hash)
	if st == nil {
		return Info{}, ErrNotFound
	}
	return Info{
		Hash:      st.hash,
		Mode:      st.mode,
		CreatedAt: st.createdAt,
		ExpiresAt: st.expiresAt,
	}, nil
}

// Has reports whether the hash is currently active on this node.
func (s *Store) Has(hash string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active(hash) != nil
}

// Count returns the number of active rooms.
func (s *Store) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	now := s.nowFn()
	for _, st := range s.rooms {
		if now.Before(st.expiresAt) {
			n++
		}
	}
	return n
}

// Sweep drops expired rooms that nobody has touched. Purely memory hygiene;
// correctness never depends on it running.
func (s *Store) Sweep() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	now := s.nowFn()
	for hash, st := range s.rooms {
		if !now.Before(st.expiresAt) {
			delete(s.rooms, hash)
			removed++
		}
	}
	return removed
}

// active is the lazy-expiry guard wrapping every accessor. Callers must hold
// the lock. An expired room is deleted on sight and reported as absent.
func (s *Store) active(hash string) *state {
	st, ok := s.rooms[hash]
	if !ok {
		return nil
	}
	if !s.nowFn().Before(st.expiresAt) {
		delete(s.rooms, hash)
		return nil
	}
	return st
}
