// Package server is the HTTP front end: it upgrades control-channel requests
// into sessions and answers the few informational routes.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/gorilla/websocket"

	"github.com/matst80/vlessedge/internal/httpx"
	"github.com/matst80/vlessedge/internal/obs"
	"github.com/matst80/vlessedge/internal/ratelimit"
	"github.com/matst80/vlessedge/internal/session"
	"github.com/matst80/vlessedge/internal/web"
)

const (
	bufferSize = 32 * 1024
	// DefaultMaxMessageSize caps a single inbound frame, the handshake included.
	DefaultMaxMessageSize = 1 << 20
)

// Options configures a Handler.
type Options struct {
	// Identity is the configured token; GET /<Identity> serves the share link.
	Identity string
	// Name is the share-link fragment shown by clients.
	Name    string
	Session session.Config
	Opener  session.Opener
	Limiter *ratelimit.Limiter
	// MaxMessageSize is the largest frame a peer may send; larger frames
	// close the channel with 1009.
	MaxMessageSize int64
}

// Handler dispatches between control-channel upgrades and informational
// requests. It keeps track of live sessions so they can be closed on shutdown.
type Handler struct {
	opts     Options
	upgrader websocket.Upgrader

	closing  atomic.Bool
	mu       sync.Mutex
	sessions map[*session.Session]struct{}
	wg       sync.WaitGroup
}

// New builds a Handler. The session config's Identity defaults to opts.Identity.
func New(opts Options) *Handler {
	if opts.Name == "" {
		opts.Name = DefaultShareName
	}
	if opts.MaxMessageSize <= 0 {
		opts.MaxMessageSize = DefaultMaxMessageSize
	}
	if opts.Session.Identity == "" {
		opts.Session.Identity = opts.Identity
	}
	return &Handler{
		opts: opts,
		upgrader: websocket.Upgrader{
			ReadBufferSize:    bufferSize,
			WriteBufferSize:   bufferSize,
			EnableCompression: true,
			CheckOrigin:       func(r *http.Request) bool { return true },
		},
		sessions: make(map[*session.Session]struct{}),
	}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	defer recoverTo(w, r)
	if websocket.IsWebSocketUpgrade(r) {
		h.serveSession(w, r)
		return
	}
	h.serveInfo(w, r)
}

func (h *Handler) serveSession(w http.ResponseWriter, r *http.Request) {
	ip := httpx.ClientIP(r)
	if h.closing.Load() {
		http.Error(w, "Shutting down", http.StatusServiceUnavailable)
		return
	}
	if !h.opts.Limiter.Allow(ip) {
		obs.RateLimitedTotal.Inc()
		obs.Warn("session.ratelimited", obs.Fields{"remote": ip})
		http.Error(w, "Too many requests", http.StatusTooManyRequests)
		return
	}
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// the upgrader already replied
		obs.Debug("session.upgrade", obs.Fields{"remote": ip, "err": err.Error()})
		return
	}
	conn.SetReadLimit(h.opts.MaxMessageSize)

	s := session.New(conn, h.opts.Opener, h.opts.Session)
	s.Remote = ip
	if !h.add(s) {
		s.Close()
		return
	}
	defer h.remove(s)
	_ = s.Serve(r.Context())
}

type requestInfo struct {
	IP        string `json:"ip"`
	UserAgent string `json:"user_agent"`
	Host      string `json:"host"`
	Country   string `json:"country,omitempty"`
}

func (h *Handler) serveInfo(w http.ResponseWriter, r *http.Request) {
	switch r.URL.Path {
	case "/":
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(requestInfo{
			IP:        httpx.ClientIP(r),
			UserAgent: r.UserAgent(),
			Host:      r.Host,
			Country:   r.Header.Get("CF-IPCountry"),
		})
	case "/" + h.opts.Identity:
		host := httpx.RequestHost(r)
		link := ShareLink(h.opts.Identity, host, h.opts.Name)
		w.Header().Set("Cache-Control", "public, max-age=3600")
		if r.URL.Query().Get("format") == "html" {
			w.Header().Set("Content-Type", "text/html; charset=utf-8")
			if err := web.Render(w, "share", map[string]any{"Title": h.opts.Name, "Link": link, "Host": host, "Name": h.opts.Name}); err != nil {
				obs.Error("share.render", obs.Fields{"err": err.Error()})
			}
			return
		}
		w.Header().Set("Content-Type", "text/plain;charset=utf-8")
		_, _ = io.WriteString(w, link)
	default:
		http.Error(w, "Not found", http.StatusNotFound)
	}
}

func (h *Handler) add(s *session.Session) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closing.Load() {
		return false
	}
	h.sessions[s] = struct{}{}
	h.wg.Add(1)
	return true
}

func (h *Handler) remove(s *session.Session) {
	h.mu.Lock()
	delete(h.sessions, s)
	h.mu.Unlock()
	h.wg.Done()
}

// Active returns the number of sessions currently being served.
func (h *Handler) Active() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.sessions)
}

// Shutdown refuses new sessions, closes the live ones normally and waits for
// them to finish or for ctx to expire.
func (h *Handler) Shutdown(ctx context.Context) error {
	h.mu.Lock()
	h.closing.Store(true)
	live := make([]*session.Session, 0, len(h.sessions))
	for s := range h.sessions {
		live = append(live, s)
	}
	h.mu.Unlock()

	obs.Info("server.sessions.close", obs.Fields{"count": len(live)})
	for _, s := range live {
		s.Close()
	}

	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Recover wraps next so that a panic becomes a 500 response.
func Recover(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer recoverTo(w, r)
		next.ServeHTTP(w, r)
	})
}

func recoverTo(w http.ResponseWriter, r *http.Request) {
	if rec := recover(); rec != nil {
		obs.Error("http.panic", obs.Fields{"path": r.URL.Path, "err": fmt.Sprint(rec)})
		http.Error(w, fmt.Sprintf("Error: %v", rec), http.StatusInternalServerError)
	}
}
