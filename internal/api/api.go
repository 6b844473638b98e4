// Package api serves Sparky's HTTP and WebSocket boundary: the current
// conversation snapshot, start/stop controls, conversation management and a
// live stream of snapshots for browser UIs.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/MrWong99/sparky/internal/conversation"
	"github.com/MrWong99/sparky/internal/health"
	"github.com/MrWong99/sparky/internal/observe"
	"github.com/MrWong99/sparky/internal/voicebot"
)

// Bot is the part of [voicebot.Service] the API drives.
type Bot interface {
	Snapshot() voicebot.Snapshot
	Subscribe(buffer int) (<-chan voicebot.Snapshot, func())
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	LoadConversation(ctx context.Context, c conversation.Conversation) error
	NewConversation(ctx context.Context) error
}

var _ Bot = (*voicebot.Service)(nil)

const (
	// eventBuffer is the per-client snapshot backlog of the event stream.
	eventBuffer = 16

	writeTimeout = 5 * time.Second
)

// Server routes API requests. Create it with [New].
type Server struct {
	bot     Bot
	store   conversation.Store
	health  *health.Handler
	metrics http.Handler
	mw      *observe.Metrics
	origins []string
	mux     *http.ServeMux
}

// Option configures a [Server].
type Option func(*Server)

// WithHealth mounts /healthz and /readyz.
func WithHealth(h *health.Handler) Option {
	return func(s *Server) { s.health = h }
}

// WithMetricsHandler mounts h at GET /metrics.
func WithMetricsHandler(h http.Handler) Option {
	return func(s *Server) { s.metrics = h }
}

// WithObserve sets the metrics recorded by the request middleware. The
// default is [observe.DefaultMetrics].
func WithObserve(m *observe.Metrics) Option {
	return func(s *Server) { s.mw = m }
}

// WithOriginPatterns allows cross-origin WebSocket clients whose host
// matches one of patterns.
func WithOriginPatterns(patterns ...string) Option {
	return func(s *Server) { s.origins = append(s.origins, patterns...) }
}

// New returns a Server for bot. store may be nil, in which case the
// conversation list is empty and loading fails with 404.
func New(bot Bot, store conversation.Store, opts ...Option) *Server {
	s := &Server{
		bot:   bot,
		store: store,
		mux:   http.NewServeMux(),
	}
	for _, o := range opts {
		o(s)
	}
	if s.mw == nil {
		s.mw = observe.DefaultMetrics()
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("GET /api/state", s.handleState)
	s.mux.HandleFunc("POST /api/start", s.handleStart)
	s.mux.HandleFunc("POST /api/stop", s.handleStop)
	s.mux.HandleFunc("GET /api/conversations", s.handleListConversations)
	s.mux.HandleFunc("POST /api/conversations", s.handleNewConversation)
	s.mux.HandleFunc("GET /api/conversations/{id}", s.handleGetConversation)
	s.mux.HandleFunc("POST /api/conversations/{id}/load", s.handleLoadConversation)
	s.mux.HandleFunc("GET /api/events", s.handleEvents)

	if s.health != nil {
		s.health.Register(s.mux)
	}
	if s.metrics != nil {
		s.mux.Handle("GET /metrics", s.metrics)
	}
}

// Handler returns the routed handler wrapped in the request middleware.
func (s *Server) Handler() http.Handler {
	return observe.Middleware(s.mw)(s.mux)
}

// ── Handlers ─────────────────────────────────────────────────────────────────

func (s *Server) handleState(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.bot.Snapshot())
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	err := s.bot.Start(r.Context())
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, s.bot.Snapshot())
	case errors.Is(err, voicebot.ErrSessionActive):
		writeError(w, http.StatusConflict, err)
	case errors.Is(err, voicebot.ErrStartCanceled), errors.Is(err, context.Canceled):
		writeError(w, http.StatusConflict, voicebot.ErrStartCanceled)
	case errors.Is(err, voicebot.ErrClosed):
		writeError(w, http.StatusServiceUnavailable, err)
	default:
		// The snapshot carries the user-facing reason.
		observe.Logger(r.Context()).Warn("api: start failed", "err", err)
		writeJSON(w, http.StatusBadGateway, s.bot.Snapshot())
	}
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	if err := s.bot.Stop(r.Context()); err != nil {
		writeError(w, statusOf(err), err)
		return
	}
	writeJSON(w, http.StatusOK, s.bot.Snapshot())
}

func (s *Server) handleListConversations(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		writeJSON(w, http.StatusOK, []conversation.Summary{})
		return
	}
	list, err := s.store.List(r.Context())
	if err != nil {
		observe.Logger(r.Context()).Error("api: list conversations", "err", err)
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if list == nil {
		list = []conversation.Summary{}
	}
	writeJSON(w, http.StatusOK, list)
}

func (s *Server) handleNewConversation(w http.ResponseWriter, r *http.Request) {
	if err := s.bot.NewConversation(r.Context()); err != nil {
		writeError(w, statusOf(err), err)
		return
	}
	writeJSON(w, http.StatusCreated, s.bot.Snapshot())
}

func (s *Server) handleGetConversation(w http.ResponseWriter, r *http.Request) {
	c, ok := s.lookup(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, c)
}

func (s *Server) handleLoadConversation(w http.ResponseWriter, r *http.Request) {
	c, ok := s.lookup(w, r)
	if !ok {
		return
	}
	if err := s.bot.LoadConversation(r.Context(), c); err != nil {
		writeError(w, statusOf(err), err)
		return
	}
	writeJSON(w, http.StatusOK, s.bot.Snapshot())
}

// lookup fetches the conversation named by the {id} path value, writing the
// error response itself when it cannot.
func (s *Server) lookup(w http.ResponseWriter, r *http.Request) (conversation.Conversation, bool) {
	id := r.PathValue("id")
	if s.store == nil {
		writeError(w, http.StatusNotFound, conversation.ErrNotFound)
		return conversation.Conversation{}, false
	}
	c, err := s.store.Get(r.Context(), id)
	if errors.Is(err, conversation.ErrNotFound) {
		writeError(w, http.StatusNotFound, err)
		return conversation.Conversation{}, false
	}
	if err != nil {
		observe.Logger(r.Context()).Error("api: get conversation", "id", id, "err", err)
		writeError(w, http.StatusInternalServerError, err)
		return conversation.Conversation{}, false
	}
	return c, true
}

// handleEvents streams every published snapshot as a JSON text message,
// starting with the current one. A client that cannot keep up skips
// intermediate snapshots. Messages from the client are ignored.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: s.origins})
	if err != nil {
		observe.Logger(r.Context()).Warn("api: websocket accept", "err", err)
		return
	}
	defer conn.CloseNow()

	updates, cancel := s.bot.Subscribe(eventBuffer)
	defer cancel()

	ctx := conn.CloseRead(r.Context())
	log := observe.Logger(r.Context())
	log.Debug("api: event stream opened", "remote", r.RemoteAddr)

	for {
		select {
		case <-ctx.Done():
			log.Debug("api: event stream closed by client")
			return
		case snap, ok := <-updates:
			if !ok {
				_ = conn.Close(websocket.StatusGoingAway, "shutting down")
				return
			}
			wctx, wcancel := context.WithTimeout(ctx, writeTimeout)
			err := wsjson.Write(wctx, conn, snap)
			wcancel()
			if err != nil {
				log.Debug("api: event stream write", "err", err)
				return
			}
		}
	}
}

// ── Helpers ──────────────────────────────────────────────────────────────────

type errorBody struct {
	Error string `json:"error"`
}

func statusOf(err error) int {
	switch {
	case errors.Is(err, voicebot.ErrClosed):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusRequestTimeout
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, errorBody{Error: err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Debug("api: write response", "err", err)
	}
}
