// Package api implements the HTTP API: login, the chat turn endpoint,
// room and history reads, the scheduler trigger, and the websocket room
// feed. All owner-scoped routes require a bearer token issued by
// POST /v1/login.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/skip2/go-qrcode"

	"github.com/ember-home/ember/internal/auth"
	"github.com/ember-home/ember/internal/buildinfo"
	"github.com/ember-home/ember/internal/connwatch"
	"github.com/ember-home/ember/internal/history"
	"github.com/ember-home/ember/internal/rooms"
	"github.com/ember-home/ember/internal/schedule"
	"github.com/ember-home/ember/internal/web"
)

// writeJSON encodes v as JSON to w, logging any errors at debug level.
// Errors here typically mean the client disconnected mid-response,
// which is not actionable but worth tracking for debugging.
func writeJSON(w http.ResponseWriter, v any, logger *slog.Logger) {
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Debug("failed to write JSON response", "error", err)
	}
}

// TurnHandler processes one chat turn and always produces a reply.
type TurnHandler interface {
	HandleTurn(ctx context.Context, owner, text string) string
}

// Ticker applies due scheduled changes on demand.
type Ticker interface {
	Tick(ctx context.Context) (int, error)
}

// Server is the HTTP API server.
type Server struct {
	address   string
	port      int
	publicURL string
	turns     TurnHandler
	ticker    Ticker
	owners    *auth.Store
	tokens    *auth.TokenManager
	rooms     *rooms.Store
	changes   *schedule.Store
	history   *history.Store
	watch     *connwatch.Manager
	logger    *slog.Logger
	server    *http.Server
}

// NewServer creates a new API server.
func NewServer(address string, port int, turns TurnHandler, ticker Ticker, owners *auth.Store, tokens *auth.TokenManager, roomStore *rooms.Store, changes *schedule.Store, hist *history.Store, logger *slog.Logger) *Server {
	return &Server{
		address: address,
		port:    port,
		turns:   turns,
		ticker:  ticker,
		owners:  owners,
		tokens:  tokens,
		rooms:   roomStore,
		changes: changes,
		history: hist,
		logger:  logger,
	}
}

// SetWatch attaches a connection watch manager whose per-service
// status is included in /healthz responses.
func (s *Server) SetWatch(m *connwatch.Manager) {
	s.watch = m
}

// SetPublicURL sets the externally reachable base URL used by the
// pairing QR code. Without it, /v1/pair returns 503.
func (s *Server) SetPublicURL(u string) {
	s.publicURL = strings.TrimRight(u, "/")
}

// Handler builds the route table. Split from Start so tests can drive
// the mux through httptest without binding a port.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /v1/login", s.handleLogin)
	mux.HandleFunc("POST /v1/chat", s.requireOwner(s.handleChat))

	mux.HandleFunc("GET /v1/rooms", s.requireOwner(s.handleRooms))
	mux.HandleFunc("GET /v1/rooms/ws", s.handleRoomsWS)
	mux.HandleFunc("GET /v1/history", s.requireOwner(s.handleHistory))

	// Deliberately unauthenticated: applying due changes is idempotent
	// and carries no payload, so an external cron can hit it freely.
	mux.HandleFunc("POST /v1/scheduler/tick", s.handleSchedulerTick)

	mux.HandleFunc("GET /v1/pair", s.handlePair)
	mux.HandleFunc("GET /v1/version", s.handleVersion)
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.HandleFunc("GET /{$}", s.handleRoot)

	// Chat web UI
	web.RegisterRoutes(mux)

	return s.withLogging(mux)
}

// Start begins serving HTTP requests.
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", s.address, s.port),
		Handler:      s.Handler(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 120 * time.Second, // chat turns wait on the model
	}

	addr := s.address
	if addr == "" {
		addr = "0.0.0.0"
	}
	s.logger.Info("starting API server", "address", addr, "port", s.port)
	return s.server.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

func (s *Server) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Info("request",
			"method", r.Method,
			"path", r.URL.Path,
			"duration", time.Since(start),
		)
	})
}

// requireOwner wraps a handler, resolving the bearer token to an owner
// ID passed as the third argument.
func (s *Server) requireOwner(next func(http.ResponseWriter, *http.Request, string)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || token == "" {
			s.errorResponse(w, http.StatusUnauthorized, "missing bearer token")
			return
		}
		owner, err := s.tokens.Verify(token)
		if err != nil {
			s.errorResponse(w, http.StatusUnauthorized, "invalid token")
			return
		}
		next(w, r, owner)
	}
}

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type loginResponse struct {
	Token string `json:"token"`
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.errorResponse(w, http.StatusBadRequest, "invalid request body")
		return
	}

	owner, err := s.owners.Authenticate(req.Username, req.Password)
	if errors.Is(err, auth.ErrInvalidCredentials) {
		s.errorResponse(w, http.StatusUnauthorized, "invalid credentials")
		return
	}
	if err != nil {
		s.logger.Error("login failed", "username", req.Username, "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "login failed")
		return
	}

	token, err := s.tokens.Issue(owner.ID)
	if err != nil {
		s.logger.Error("token issue failed", "owner", owner.ID, "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "login failed")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, loginResponse{Token: token}, s.logger)
}

type chatRequest struct {
	Message string `json:"message"`
}

type chatResponse struct {
	Reply string `json:"reply"`
	HTML  string `json:"html"`
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request, owner string) {
	var req chatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.errorResponse(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Message == "" {
		s.errorResponse(w, http.StatusBadRequest, "message is required")
		return
	}

	reply := s.turns.HandleTurn(r.Context(), owner, req.Message)

	html, err := renderMarkdown(reply)
	if err != nil {
		s.logger.Debug("markdown render failed", "error", err)
		html = ""
	}

	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, chatResponse{Reply: reply, HTML: html}, s.logger)
}

type roomView struct {
	Name        string  `json:"name"`
	Temperature float64 `json:"temperature"`
}

type pendingView struct {
	ID          string    `json:"id"`
	Room        string    `json:"room"`
	Temperature float64   `json:"temperature"`
	DueAt       time.Time `json:"due_at"`
}

type roomsResponse struct {
	Rooms   []roomView    `json:"rooms"`
	Pending []pendingView `json:"pending"`
}

func (s *Server) roomsSnapshot(owner string) (*roomsResponse, error) {
	list, err := s.rooms.List(owner)
	if err != nil {
		return nil, fmt.Errorf("list rooms: %w", err)
	}
	pending, err := s.changes.PendingFor(owner)
	if err != nil {
		return nil, fmt.Errorf("list pending changes: %w", err)
	}

	resp := &roomsResponse{Rooms: []roomView{}, Pending: []pendingView{}}
	for _, room := range list {
		resp.Rooms = append(resp.Rooms, roomView{Name: room.Name, Temperature: room.Temperature})
	}
	for _, c := range pending {
		resp.Pending = append(resp.Pending, pendingView{
			ID: c.ID, Room: c.Room, Temperature: c.Temperature, DueAt: c.DueAt,
		})
	}
	return resp, nil
}

func (s *Server) handleRooms(w http.ResponseWriter, r *http.Request, owner string) {
	snapshot, err := s.roomsSnapshot(owner)
	if err != nil {
		s.logger.Error("rooms snapshot failed", "owner", owner, "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "failed to load rooms")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, snapshot, s.logger)
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request, owner string) {
	limit := 50
	if l := r.URL.Query().Get("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 {
			limit = parsed
		}
	}

	turns, err := s.history.Recent(owner, limit)
	if err != nil {
		s.logger.Error("history read failed", "owner", owner, "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "failed to load history")
		return
	}
	if turns == nil {
		turns = []history.Turn{}
	}

	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{
		"turns": turns,
		"count": len(turns),
	}, s.logger)
}

func (s *Server) handleSchedulerTick(w http.ResponseWriter, r *http.Request) {
	applied, err := s.ticker.Tick(r.Context())
	if err != nil {
		s.logger.Error("scheduler tick failed", "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "tick failed")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{"applied": applied}, s.logger)
}

// handlePair serves a QR code pointing a phone at the chat UI.
func (s *Server) handlePair(w http.ResponseWriter, r *http.Request) {
	if s.publicURL == "" {
		s.errorResponse(w, http.StatusServiceUnavailable, "public URL not configured")
		return
	}

	png, err := qrcode.Encode(s.publicURL+"/chat", qrcode.Medium, 256)
	if err != nil {
		s.logger.Error("qr encode failed", "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "failed to generate QR code")
		return
	}

	w.Header().Set("Content-Type", "image/png")
	w.Write(png)
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]string{
		"name":    "Ember",
		"version": buildinfo.Version,
		"status":  "ok",
	}, s.logger)
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, buildinfo.Info(), s.logger)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	body := map[string]any{"status": "healthy"}
	if s.watch != nil {
		body["services"] = s.watch.Status()
	}
	writeJSON(w, body, s.logger)
}

func (s *Server) errorResponse(w http.ResponseWriter, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	writeJSON(w, map[string]any{
		"error": map[string]any{
			"message": message,
			"code":    code,
		},
	}, s.logger)
}
