package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"github.com/sos-chat/sos-relay/internal/directory"
	"github.com/sos-chat/sos-relay/internal/gossip"
	"github.com/sos-chat/sos-relay/internal/room"
	"github.com/sos-chat/sos-relay/internal/roomcrypto"
)

const maxBodyBytes = 64 * 1024

// RelayAPI is the JSON-over-HTTP surface of one relay node. Room mutations
// hit the local store when this node owns the room and are forwarded to the
// owner otherwise.
type RelayAPI struct {
	log       *zap.Logger
	rooms     *room.Store
	dir       *directory.Directory
	forwarder *Forwarder
	metrics   *apiMetrics
}

// RelayAPIConfig wires handler dependencies.
type RelayAPIConfig struct {
	Log       *zap.Logger
	Rooms     *room.Store
	Directory *directory.Directory
	Forwarder *Forwarder
	Metrics   *apiMetrics
}

// NewRelayAPI builds the handler set.
func NewRelayAPI(cfg RelayAPIConfig) *RelayAPI {
	if cfg.Log == nil {
		cfg.Log = zap.NewNop()
	}
	if cfg.Forwarder == nil {
		cfg.Forwarder = NewForwarder(cfg.Log, 0)
	}
	return &RelayAPI{
		log:       cfg.Log,
		rooms:     cfg.Rooms,
		dir:       cfg.Directory,
		forwarder: cfg.Forwarder,
		metrics:   cfg.Metrics,
	}
}

// Routes assembles the chi router for the public surface.
func (a *RelayAPI) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Content-Type"},
	}))

	r.Post("/room", a.instrument("create_room", a.handleCreateRoom))
	r.Route("/room/{hash}", func(r chi.Router) {
		r.Post("/join", a.instrument("join_room", a.roomOp(a.handleJoin)))
		r.Post("/send", a.instrument("send_message", a.roomOp(a.handleSend)))
		r.Get("/poll", a.instrument("poll_messages", a.roomOp(a.handlePoll)))
		r.Post("/leave", a.instrument("leave_room", a.roomOp(a.handleLeave)))
		r.Get("/info", a.instrument("room_info", a.roomOp(a.handleInfo)))
	})

	r.Post("/gossip", a.instrument("gossip", a.handleGossip))
	r.Get("/workers", a.instrument("list_workers", a.handleWorkers))
	r.Get("/rooms", a.instrument("list_rooms", a.handleRooms))
	r.Post("/rooms/register", a.instrument("register_room", a.handleRegisterRoom))

	return r
}

func (a *RelayAPI) instrument(op string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next(w, r)
		a.metrics.observeLatency(op, time.Since(start))
	}
}

// roomOp routes a per-room request: local rooms are served here, rooms owned
// elsewhere are forwarded, unknown rooms fail immediately rather than waiting
// for a directory refresh.
func (a *RelayAPI) roomOp(local func(http.ResponseWriter, *http.Request, string)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		hash := chi.URLParam(r, "hash")
		if a.rooms.Has(hash) {
			local(w, r, hash)
			return
		}

		entry, ok := a.dir.ResolveRoom(hash)
		if !ok || entry.OwnerURL == a.dir.SelfURL() {
			// Owner unknown locally (or it is us and the room expired).
			a.writeError(w, http.StatusNotFound, "room not found", "room_not_found")
			return
		}

		if err := a.forwarder.Forward(w, r, entry.OwnerURL); err != nil {
			a.metrics.recordForward("failure")
			a.writeError(w, http.StatusBadGateway, "room unavailable", "forward_failure")
			return
		}
		a.metrics.recordForward("success")
	}
}

type createRoomRequest struct {
	RoomHash    string   `json:"room_hash"`
	Mode        string   `json:"mode"`
	Emojis      []string `json:"emojis,omitempty"`
	Description string   `json:"description,omitempty"`
}

type createRoomResponse struct {
	MemberID  string `json:"member_id"`
	CreatedAt int64  `json:"created_at"`
	ExpiresAt int64  `json:"expires_at"`
}

func (a *RelayAPI) handleCreateRoom(w http.ResponseWriter, r *http.Request) {
	var req createRoomRequest
	if !a.decode(w, r, &req) {
		return
	}
	if req.RoomHash == "" {
		a.writeError(w, http.StatusBadRequest, "room_hash is required", "bad_request")
		return
	}
	mode, err := roomcrypto.ParseMode(req.Mode)
	if err != nil {
		a.writeError(w, http.StatusBadRequest, "invalid room mode", "invalid_mode")
		return
	}

	res, err := a.rooms.Create(req.RoomHash, mode)
	if err != nil {
		switch {
		case errors.Is(err, room.ErrExists):
			a.writeError(w, http.StatusConflict, "room already exists", "room_exists")
		case errors.Is(err, room.ErrInvalidMode):
			a.writeError(w, http.StatusBadRequest, "invalid room mode", "invalid_mode")
		default:
			a.writeError(w, http.StatusInternalServerError, "create failed", "internal")
		}
		return
	}

	a.dir.RegisterRoom(directory.RoomEntry{
		Hash:        req.RoomHash,
		Emojis:      strings.Join(req.Emojis, ""),
		Description: req.Description,
		OwnerURL:    a.dir.SelfURL(),
		CreatedAt:   res.CreatedAt,
		ExpiresAt:   res.ExpiresAt,
	})
	a.metrics.recordRoomCreated()
	a.metrics.setActiveRooms(a.rooms.Count())
	a.log.Info("room created",
		zap.String("hash", req.RoomHash),
		zap.String("mode", string(mode)),
		zap.Time("expires_at", res.ExpiresAt))

	a.writeJSON(w, http.StatusCreated, createRoomResponse{
		MemberID:  res.MemberID,
		CreatedAt: res.CreatedAt.Unix(),
		ExpiresAt: res.ExpiresAt.Unix(),
	})
}

type joinRequest struct {
	Nickname string `json:"nickname"`
}

type joinResponse struct {
	MemberID  string `json:"member_id"`
	CreatedAt int64  `json:"created_at"`
	ExpiresAt int64  `json:"expires_at"`
	Mode      string `json:"mode"`
}

func (a *RelayAPI) handleJoin(w http.ResponseWriter, r *http.Request, hash string) {
	var req joinRequest
	if !a.decode(w, r, &req) {
		return
	}

	res, err := a.rooms.Join(hash, req.Nickname)
	if err != nil {
		a.writeRoomError(w, err)
		return
	}
	a.writeJSON(w, http.StatusOK, joinResponse{
		MemberID:  res.MemberID,
		CreatedAt: res.CreatedAt.Unix(),
		ExpiresAt: res.ExpiresAt.Unix(),
		Mode:      string(res.Mode),
	})
}

type sendRequest struct {
	Content  string `json:"content"`
	Sender   string `json:"sender"`
	MemberID string `json:"member_id"`
}

func (a *RelayAPI) handleSend(w http.ResponseWriter, r *http.Request, hash string) {
	var req sendRequest
	if !a.decode(w, r, &req) {
		return
	}
	if req.Content == "" {
		a.writeError(w, http.StatusBadRequest, "content is required", "bad_request")
		return
	}

	if err := a.rooms.Send(hash, req.Sender, req.Content); err != nil {
		a.writeRoomError(w, err)
		return
	}
	a.writeOK(w)
}

type pollMessage struct {
	Sender    string `json:"sender"`
	Content   string `json:"content"`
	Timestamp int64  `json:"timestamp"`
}

type pollMember struct {
	ID       string `json:"id"`
	Nickname string `json:"nickname"`
	JoinedAt int64  `json:"joined_at"`
}

type pollResponse struct {
	Messages  []pollMessage `json:"messages"`
	Members   []pollMember  `json:"members"`
	ExpiresAt int64         `json:"expires_at"`
}

func (a *RelayAPI) handlePoll(w http.ResponseWriter, r *http.Request, hash string) {
	since := int64(0)
	if raw := r.URL.Query().Get("since"); raw != "" {
		parsed, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			a.writeError(w, http.StatusBadRequest, "invalid since parameter", "bad_request")
			return
		}
		since = parsed
	}

	res, err := a.rooms.Poll(hash, since)
	if err != nil {
		a.writeRoomError(w, err)
		return
	}

	out := pollResponse{
		Messages:  make([]pollMessage, 0, len(res.Messages)),
		Members:   make([]pollMember, 0, len(res.Members)),
		ExpiresAt: res.ExpiresAt.Unix(),
	}
	for _, m := range res.Messages {
		out.Messages = append(out.Messages, pollMessage{
			Sender:    m.Sender,
			Content:   m.Content,
			Timestamp: m.Timestamp,
		})
	}
	for _, m := range res.Members {
		out.Members = append(out.Members, pollMember{
			ID:       m.ID,
			Nickname: m.Nickname,
			JoinedAt: m.JoinedAt.Unix(),
		})
	}
	a.writeJSON(w, http.StatusOK, out)
}

type leaveRequest struct {
	MemberID string `json:"member_id"`
}

func (a *RelayAPI) handleLeave(w http.ResponseWriter, r *http.Request, hash string) {
	var req leaveRequest
	if !a.decode(w, r, &req) {
		return
	}
	if err := a.rooms.Leave(hash, req.MemberID); err != nil {
		a.writeRoomError(w, err)
		return
	}
	a.metrics.setActiveRooms(a.rooms.Count())
	a.writeOK(w)
}

type infoResponse struct {
	Mode      string `json:"mode"`
	CreatedAt int64  `json:"created_at"`
	ExpiresAt int64  `json:"expires_at"`
}

func (a *RelayAPI) handleInfo(w http.ResponseWriter, r *http.Request, hash string) {
	info, err := a.rooms.Info(hash)
	if err != nil {
		a.writeRoomError(w, err)
		return
	}
	a.writeJSON(w, http.StatusOK, infoResponse{
		Mode:      string(info.Mode),
		CreatedAt: info.CreatedAt.Unix(),
		ExpiresAt: info.ExpiresAt.Unix(),
	})
}

func (a *RelayAPI) handleGossip(w http.ResponseWriter, r *http.Request) {
	var payload gossip.Payload
	if !a.decode(w, r, &payload) {
		return
	}

	workersAdded, workersUpdated := a.dir.MergeWorkers(payload.Workers)
	roomsAdded, roomsUpdated := a.dir.MergeRooms(payload.Rooms)
	if workersAdded+roomsAdded > 0 {
		a.log.Debug("gossip merged",
			zap.Int("workers_added", workersAdded),
			zap.Int("workers_updated", workersUpdated),
			zap.Int("rooms_added", roomsAdded),
			zap.Int("rooms_updated", roomsUpdated))
	}
	a.writeOK(w)
}

func (a *RelayAPI) handleWorkers(w http.ResponseWriter, _ *http.Request) {
	a.writeJSON(w, http.StatusOK, map[string]any{"workers": a.dir.Workers()})
}

func (a *RelayAPI) handleRooms(w http.ResponseWriter, _ *http.Request) {
	a.writeJSON(w, http.StatusOK, map[string]any{"rooms": a.dir.Rooms()})
}

type registerRoomRequest struct {
	Hash        string   `json:"hash"`
	Emojis      []string `json:"emojis,omitempty"`
	Description string   `json:"description,omitempty"`
	OwnerURL    string   `json:"owner_url,omitempty"`
	CreatedAt   int64    `json:"created_at,omitempty"`
	ExpiresAt   int64    `json:"expires_at"`
}

func (a *RelayAPI) handleRegisterRoom(w http.ResponseWriter, r *http.Request) {
	var req registerRoomRequest
	if !a.decode(w, r, &req) {
		return
	}
	if req.Hash == "" || req.ExpiresAt == 0 {
		a.writeError(w, http.StatusBadRequest, "hash and expires_at are required", "bad_request")
		return
	}

	createdAt := time.Now()
	if req.CreatedAt > 0 {
		createdAt = time.Unix(req.CreatedAt, 0)
	}
	a.dir.RegisterRoom(directory.RoomEntry{
		Hash:        req.Hash,
		Emojis:      strings.Join(req.Emojis, ""),
		Description: req.Description,
		OwnerURL:    req.OwnerURL,
		CreatedAt:   createdAt,
		ExpiresAt:   time.Unix(req.ExpiresAt, 0),
	})
	a.writeOK(w)
}

func (a *RelayAPI) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	defer r.Body.Close()
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(dst); err != nil {
		// An empty body means all-default fields, which some ops allow.
		if errors.Is(err, io.EOF) {
			return true
		}
		a.writeError(w, http.StatusBadRequest, "malformed request body", "bad_request")
		return false
	}
	return true
}

func (a *RelayAPI) writeRoomError(w http.ResponseWriter, err error) {
	if errors.Is(err, room.ErrNotFound) {
		a.writeError(w, http.StatusNotFound, "room not found", "room_not_found")
		return
	}
	a.writeError(w, http.StatusInternalServerError, "internal error", "internal")
}

// writeError emits the structured {error} body. Internal details never cross
// the wire.
func (a *RelayAPI) writeError(w http.ResponseWriter, status int, msg, code string) {
	a.metrics.recordError(code)
	a.writeJSON(w, status, map[string]string{"error": msg})
}

func (a *RelayAPI) writeOK(w http.ResponseWriter) {
	a.writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (a *RelayAPI) writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		a.log.Warn("encode response", zap.Error(err))
	}
}
