// Package client implements the reference chat client: a typed wrapper over
// the relay's JSON surface plus an encrypted session that keeps all key
// material on this side of the wire. The relay only ever sees room hashes and
// opaque ciphertext.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/sos-chat/sos-relay/internal/roomcrypto"
)

var (
	// ErrRoomNotFound mirrors the relay's 404: never created, or expired.
	ErrRoomNotFound = errors.New("room not found")
	// ErrRoomExists mirrors the relay's 409 on create.
	ErrRoomExists = errors.New("room already exists")
	// ErrUnavailable covers 502s: the room's owner node is unreachable.
	ErrUnavailable = errors.New("room unavailable")
)

// Client is a thin typed caller for one relay node's JSON surface.
type Client struct {
	baseURL string
	http    *http.Client
}

// New builds a client for the node at baseURL.
func New(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: timeout},
	}
}

// CreateRoomResult is the relay's answer to a create.
type CreateRoomResult struct {
	MemberID  string `json:"member_id"`
	CreatedAt int64  `json:"created_at"`
	ExpiresAt int64  `json:"expires_at"`
}

// CreateRoom registers a new room under the given hash.
func (c *Client) CreateRoom(ctx context.Context, hash string, mode roomcrypto.Mode, emojis []string) (CreateRoomResult, error) {
	var out CreateRoomResult
	err := c.post(ctx, "/room", map[string]any{
		"room_hash": hash,
		"mode":      string(mode),
		"emojis":    emojis,
	}, &out)
	return out, err
}

// JoinResult is the relay's answer to a join.
type JoinResult struct {
	MemberID  string `json:"member_id"`
	CreatedAt int64  `json:"created_at"`
	ExpiresAt int64  `json:"expires_at"`
	Mode      string `json:"mode"`
}

// Join adds this client to an existing room.
func (c *Client) Join(ctx context.Context, hash, nickname string) (JoinResult, error) {
	var out JoinResult
	err := c.post(ctx, "/room/"+hash+"/join", map[string]string{"nickname": nickname}, &out)
	return out, err
}

// Send relays one opaque content blob.
func (c *Client) Send(ctx context.Context, hash, content, sender, memberID string) error {
	return c.post(ctx, "/room/"+hash+"/send", map[string]string{
		"content":   content,
		"sender":    sender,
		"member_id": memberID,
	}, nil)
}

// WireMessage is one relayed ciphertext as returned by poll.
type WireMessage struct {
	Sender    string `json:"sender"`
	Content   string `json:"content"`
	Timestamp int64  `json:"timestamp"`
}

// WireMember is a room member as returned by poll.
type WireMember struct {
	ID       string `json:"id"`
	Nickname string `json:"nickname"`
	JoinedAt int64  `json:"joined_at"`
}

// PollResult carries everything newer than the since watermark.
type PollResult struct {
	Messages  []WireMessage `json:"messages"`
	Members   []WireMember  `json:"members"`
	ExpiresAt int64         `json:"expires_at"`
}

// Poll fetches messages with timestamps strictly greater than since.
func (c *Client) Poll(ctx context.Context, hash string, since int64, memberID string) (PollResult, error) {
	path := "/room/" + hash + "/poll?since=" + strconv.FormatInt(since, 10) + "&member_id=" + memberID
	var out PollResult
	err := c.get(ctx, path, &out)
	return out, err
}

// Leave removes this client from the room. History stays until expiry.
func (c *Client) Leave(ctx context.Context, hash, memberID string) error {
	return c.post(ctx, "/room/"+hash+"/leave", map[string]string{"member_id": memberID}, nil)
}

// RoomInfo is the non-sensitive metadata for a room.
type RoomInfo struct {
	Mode      string `json:"mode"`
	CreatedAt int64  `json:"created_at"`
	ExpiresAt int64  `json:"expires_at"`
}

// Info fetches room metadata.
func (c *Client) Info(ctx context.Context, hash string) (RoomInfo, error) {
	var out RoomInfo
	err := c.get(ctx, "/room/"+hash+"/info", &out)
	return out, err
}

func (c *Client) post(ctx context.Context, path string, body, dst any) error {
	encoded, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(encoded))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, dst)
}

func (c *Client) get(ctx context.Context, path string, dst any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	return c.do(req, dst)
}

func (c *Client) do(req *http.Request, dst any) error {
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("call relay: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		var body struct {
			Error string `json:"error"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&body)
		switch resp.StatusCode {
		case http.StatusNotFound:
			return ErrRoomNotFound
		case http.StatusConflict:
			return ErrRoomExists
		case http.StatusBadGateway:
			return ErrUnavailable
		default:
			if body.Error == "" {
				body.Error = "request failed"
			}
			return fmt.Errorf("relay error (%d): %s", resp.StatusCode, body.Error)
		}
	}
	if dst == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(dst); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
