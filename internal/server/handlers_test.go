package server

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"

	"github.com/sos-chat/sos-relay/internal/directory"
	"github.com/sos-chat/sos-relay/internal/gossip"
	"github.com/sos-chat/sos-relay/internal/room"
)

// testNode is one in-process relay node behind an httptest listener.
type testNode struct {
	srv   *httptest.Server
	rooms *room.Store
	dir   *directory.Directory
}

// startTestNode boots a node whose advertise URL is its own listener URL, so
// cross-node forwarding works between in-process nodes.
func startTestNode(t *testing.T) *testNode {
	t.Helper()

	var handler http.Handler
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		handler.ServeHTTP(w, r)
	}))
	t.Cleanup(srv.Close)

	log := zaptest.NewLogger(t)
	rooms := room.NewStore(time.Hour)
	dir := directory.New(directory.Config{
		Log:     log,
		SelfURL: srv.URL,
	})
	api := NewRelayAPI(RelayAPIConfig{
		Log:       log,
		Rooms:     rooms,
		Directory: dir,
		Forwarder: NewForwarder(log, 3*time.Second),
	})
	handler = api.Routes()

	return &testNode{srv: srv, rooms: rooms, dir: dir}
}

func (n *testNode) post(t *testing.T, path string, body any) (*http.Response, map[string]any) {
	t.Helper()
	encoded, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("encode body: %v", err)
	}
	resp, err := http.Post(n.srv.URL+path, "application/json", bytes.NewReader(encoded))
	if err != nil {
		t.Fatalf("POST %s: %v", path, err)
	}
	return resp, decodeBody(t, resp)
}

func (n *testNode) get(t *testing.T, path string) (*http.Response, map[string]any) {
	t.Helper()
	resp, err := http.Get(n.srv.URL + path)
	if err != nil {
		t.Fatalf("GET %s: %v", path, err)
	}
	return resp, decodeBody(t, resp)
}

func decodeBody(t *testing.T, resp *http.Response) map[string]any {
	t.Helper()
	defer resp.Body.Close()
	out := map[string]any{}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return out
}

func TestCreateRoomLifecycle(t *testing.T) {
	node := startTestNode(t)

	resp, body := node.post(t, "/room", map[string]any{
		"room_hash": "46d64f960f8692e3",
		"mode":      "rotating",
		"emojis":    []string{"🔥", "🌙", "⭐", "🎯", "🌊", "💎"},
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("expected 201, got %d (%v)", resp.StatusCode, body)
	}
	if body["member_id"] == "" || body["member_id"] == nil {
		t.Fatalf("expected member_id, got %v", body)
	}
	created := int64(body["created_at"].(float64))
	expires := int64(body["expires_at"].(float64))
	if expires-created != 3600 {
		t.Fatalf("expected 1h window, got %d seconds", expires-created)
	}

	// The room is registered with the directory as self-owned.
	entry, ok := node.dir.ResolveRoom("46d64f960f8692e3")
	if !ok || entry.OwnerURL != node.srv.URL {
		t.Fatalf("expected directory entry owned by self, got %+v ok=%v", entry, ok)
	}

	// Duplicate create conflicts.
	resp, body = node.post(t, "/room", map[string]any{
		"room_hash": "46d64f960f8692e3",
		"mode":      "rotating",
	})
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409, got %d", resp.StatusCode)
	}
	if body["error"] != "room already exists" {
		t.Fatalf("unexpected error body %v", body)
	}
}

func TestCreateRoomValidation(t *testing.T) {
	node := startTestNode(t)

	resp, _ := node.post(t, "/room", map[string]any{"mode": "rotating"})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("missing hash: expected 400, got %d", resp.StatusCode)
	}

	resp, body := node.post(t, "/room", map[string]any{
		"room_hash": "abc",
		"mode":      "spinning",
	})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("bad mode: expected 400, got %d", resp.StatusCode)
	}
	if body["error"] != "invalid room mode" {
		t.Fatalf("unexpected error body %v", body)
	}
}

func TestJoinSendPollLeave(t *testing.T) {
	node := startTestNode(t)

	_, created := node.post(t, "/room", map[string]any{
		"room_hash": "roomhash16chars0",
		"mode":      "fixed",
	})

	resp, joined := node.post(t, "/room/roomhash16chars0/join", map[string]any{"nickname": "bob"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("join: expected 200, got %d (%v)", resp.StatusCode, joined)
	}
	if joined["mode"] != "fixed" {
		t.Fatalf("expected mode echoed on join, got %v", joined)
	}
	if joined["member_id"] == created["member_id"] {
		t.Fatal("expected a fresh member id")
	}

	resp, _ = node.post(t, "/room/roomhash16chars0/send", map[string]any{
		"content": "b64-ciphertext",
		"sender":  "bob",
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("send: expected 200, got %d", resp.StatusCode)
	}

	resp, poll := node.get(t, "/room/roomhash16chars0/poll?since=0")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("poll: expected 200, got %d", resp.StatusCode)
	}
	msgs := poll["messages"].([]any)
	if len(msgs) != 1 {
		t.Fatalf("expected 1 message, got %d", len(msgs))
	}
	msg := msgs[0].(map[string]any)
	if msg["content"] != "b64-ciphertext" || msg["sender"] != "bob" {
		t.Fatalf("unexpected message %v", msg)
	}
	members := poll["members"].([]any)
	if len(members) != 2 {
		t.Fatalf("expected 2 members, got %d", len(members))
	}

	// Poll past the watermark returns nothing new.
	since := int64(msg["timestamp"].(float64))
	_, poll = node.get(t, fmt.Sprintf("/room/roomhash16chars0/poll?since=%d", since))
	if len(poll["messages"].([]any)) != 0 {
		t.Fatalf("expected no messages past watermark, got %v", poll["messages"])
	}

	resp, _ = node.post(t, "/room/roomhash16chars0/leave", map[string]any{
		"member_id": joined["member_id"],
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("leave: expected 200, got %d", resp.StatusCode)
	}

	_, poll = node.get(t, "/room/roomhash16chars0/poll?since=0")
	if len(poll["members"].([]any)) != 1 {
		t.Fatalf("expected 1 member after leave, got %v", poll["members"])
	}
	if len(poll["messages"].([]any)) != 1 {
		t.Fatal("expected history to survive leave")
	}
}

func TestSendRequiresContent(t *testing.T) {
	node := startTestNode(t)
	node.post(t, "/room", map[string]any{"room_hash": "h", "mode": "rotating"})

	resp, _ := node.post(t, "/room/h/send", map[string]any{"sender": "bob"})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.StatusCode)
	}
}

func TestUnknownRoomIs404(t *testing.T) {
	node := startTestNode(t)

	for _, probe := range []func() (*http.Response, map[string]any){
		func() (*http.Response, map[string]any) {
			return node.post(t, "/room/nope/join", map[string]any{"nickname": "x"})
		},
		func() (*http.Response, map[string]any) {
			return node.get(t, "/room/nope/poll?since=0")
		},
		func() (*http.Response, map[string]any) {
			return node.get(t, "/room/nope/info")
		},
	} {
		resp, body := probe()
		if resp.StatusCode != http.StatusNotFound {
			t.Fatalf("expected 404, got %d", resp.StatusCode)
		}
		if body["error"] != "room not found" {
			t.Fatalf("unexpected error body %v", body)
		}
	}
}

func TestPollRejectsBadSince(t *testing.T) {
	node := startTestNode(t)
	node.post(t, "/room", map[string]any{"room_hash": "h", "mode": "rotating"})

	resp, _ := node.get(t, "/room/h/poll?since=yesterday")
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.StatusCode)
	}
}

func TestRoomInfo(t *testing.T) {
	node := startTestNode(t)
	node.post(t, "/room", map[string]any{"room_hash": "h", "mode": "rotating"})

	resp, info := node.get(t, "/room/h/info")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if info["mode"] != "rotating" {
		t.Fatalf("unexpected info %v", info)
	}
	if _, ok := info["created_at"].(float64); !ok {
		t.Fatalf("expected created_at, got %v", info)
	}
}

func TestGossipEndpointMerges(t *testing.T) {
	node := startTestNode(t)
	now := time.Now()

	payload := gossip.Payload{
		Workers: []directory.WorkerEntry{
			{URL: "http://peer-9:8080", LastSeen: now},
		},
		Rooms: []directory.RoomEntry{
			{
				Hash:      "remotehash",
				OwnerURL:  "http://peer-9:8080",
				CreatedAt: now,
				ExpiresAt: now.Add(time.Hour),
			},
		},
	}
	resp, _ := node.post(t, "/gossip", payload)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}

	if _, ok := node.dir.Worker("http://peer-9:8080"); !ok {
		t.Fatal("expected worker merged")
	}
	entry, ok := node.dir.ResolveRoom("remotehash")
	if !ok || entry.OwnerURL != "http://peer-9:8080" {
		t.Fatalf("expected room merged, got %+v ok=%v", entry, ok)
	}
}

func TestWorkersAndRoomsEndpoints(t *testing.T) {
	node := startTestNode(t)
	node.post(t, "/room", map[string]any{"room_hash": "h", "mode": "rotating"})

	resp, body := node.get(t, "/workers")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("workers: expected 200, got %d", resp.StatusCode)
	}
	if len(body["workers"].([]any)) != 1 {
		t.Fatalf("expected self in workers, got %v", body["workers"])
	}

	resp, body = node.get(t, "/rooms")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("rooms: expected 200, got %d", resp.StatusCode)
	}
	rooms := body["rooms"].([]any)
	if len(rooms) != 1 || rooms[0].(map[string]any)["hash"] != "h" {
		t.Fatalf("expected the created room, got %v", rooms)
	}
}

func TestRegisterRoomEndpoint(t *testing.T) {
	node := startTestNode(t)
	now := time.Now()

	resp, _ := node.post(t, "/rooms/register", map[string]any{
		"hash":       "announced",
		"owner_url":  "http://peer-1:8080",
		"expires_at": now.Add(time.Hour).Unix(),
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	entry, ok := node.dir.ResolveRoom("announced")
	if !ok || entry.OwnerURL != "http://peer-1:8080" {
		t.Fatalf("expected registered entry, got %+v ok=%v", entry, ok)
	}

	resp, _ = node.post(t, "/rooms/register", map[string]any{"hash": "incomplete"})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 without expires_at, got %d", resp.StatusCode)
	}
}

func TestMalformedBodyIs400(t *testing.T) {
	node := startTestNode(t)

	resp, err := http.Post(node.srv.URL+"/room", "application/json", bytes.NewReader([]byte("{not json")))
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.StatusCode)
	}
}
