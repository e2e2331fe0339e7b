package server

import (
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
)

// ErrForward reports that the owning node could not be reached or answered
// badly; callers surface it as room-unavailable, never as a peer detail.
var ErrForward = errors.New("forward to owner failed")

// Forwarder proxies a room request to its owning node and relays the response
// back unchanged. Every forward has a bounded timeout; message delivery is
// never more than one hop.
type Forwarder struct {
	log     *zap.Logger
	client  *http.Client
	timeout time.Duration
}

// NewForwarder builds a forwarder with the given per-call timeout.
func NewForwarder(log *zap.Logger, timeout time.Duration) *Forwarder {
	if log == nil {
		log = zap.NewNop()
	}
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	return &Forwarder{
		log:     log,
		client:  &http.Client{Timeout: timeout},
		timeout: timeout,
	}
}

// Forward replays the incoming request against ownerURL and copies the
// owner's response to w. Returns ErrForward when the owner is unreachable.
func (f *Forwarder) Forward(w http.ResponseWriter, r *http.Request, ownerURL string) error {
	target := strings.TrimRight(ownerURL, "/") + r.URL.Path
	if r.URL.RawQuery != "" {
		target += "?" + r.URL.RawQuery
	}

	req, err := http.NewRequestWithContext(r.Context(), r.Method, target, r.Body)
	if err != nil {
		return errors.Join(ErrForward, err)
	}
	if ct := r.Header.Get("Content-Type"); ct != "" {
		req.Header.Set("Content-Type", ct)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		f.log.Warn("forward to owner failed", zap.String("owner", ownerURL), zap.Error(err))
		return errors.Join(ErrForward, err)
	}
	defer resp.Body.Close()

	if ct := resp.Header.Get("Content-Type"); ct != "" {
		w.Header().Set("Content-Type", ct)
	}
	w.WriteHeader(resp.StatusCode)
	if _, err := io.Copy(w, resp.Body); err != nil {
		f.log.Warn("relay owner response", zap.String("owner", ownerURL), zap.Error(err))
	}
	return nil
}
