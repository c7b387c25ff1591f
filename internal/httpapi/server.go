// ABOUTME: JSON HTTP surface over the channel registry
// ABOUTME: Maps domain sentinel errors to stable error codes and status codes

package httpapi

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/2389/parley/internal/bot"
	"github.com/2389/parley/internal/channel"
	"github.com/2389/parley/internal/msglog"
	"github.com/2389/parley/internal/token"
)

// maxRequestBytes bounds request bodies before JSON decoding.
const maxRequestBytes = 1 << 20

// Server exposes registry operations over HTTP. Sessions identify
// themselves with the X-Session-ID header; membership and admin checks
// happen in the registry, not here.
type Server struct {
	registry *channel.Registry
	logger   *slog.Logger
}

// NewServer creates a Server. Pass nil logger for default.
func NewServer(registry *channel.Registry, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		registry: registry,
		logger:   logger.With("component", "httpapi"),
	}
}

// RegisterRoutes registers all API routes on the given mux
func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", s.handleHealth)

	mux.HandleFunc("POST /v1/channels", s.handleCreateChannel)
	mux.HandleFunc("POST /v1/join", s.handleJoin)
	mux.HandleFunc("GET /v1/channels/{id}", s.handleWho)
	mux.HandleFunc("POST /v1/channels/{id}/messages", s.handlePost)
	mux.HandleFunc("GET /v1/channels/{id}/messages", s.handleSync)
	mux.HandleFunc("POST /v1/channels/{id}/update", s.handleUpdate)
	mux.HandleFunc("POST /v1/channels/{id}/bots", s.handleAttachBot)
	mux.HandleFunc("GET /v1/channels/{id}/bots/{bot_id}/state", s.handleBotState)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "ts": time.Now().UTC()})
}

type createChannelRequest struct {
	Name  string           `json:"name"`
	Slots []string         `json:"slots"`
	Bots  []bot.Definition `json:"bots,omitempty"`
}

func (s *Server) handleCreateChannel(w http.ResponseWriter, r *http.Request) {
	var req createChannelRequest
	if !s.decode(w, r, &req) {
		return
	}
	specs := make([]channel.SlotSpec, 0, len(req.Slots))
	for _, raw := range req.Slots {
		spec, err := channel.ParseSlotSpec(raw)
		if err != nil {
			s.writeError(w, err)
			return
		}
		specs = append(specs, spec)
	}

	res, err := s.registry.CreateChannel(req.Name, specs, req.Bots)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, res)
}

type joinRequest struct {
	Code string `json:"code"`
}

func (s *Server) handleJoin(w http.ResponseWriter, r *http.Request) {
	session, ok := s.session(w, r)
	if !ok {
		return
	}
	var req joinRequest
	if !s.decode(w, r, &req) {
		return
	}

	res, err := s.registry.JoinChannel(req.Code, session)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleWho(w http.ResponseWriter, r *http.Request) {
	view, err := s.registry.Who(r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

type postRequest struct {
	Kind msglog.Kind `json:"kind"`
	Body msglog.Body `json:"body"`
}

func (s *Server) handlePost(w http.ResponseWriter, r *http.Request) {
	session, ok := s.session(w, r)
	if !ok {
		return
	}
	var req postRequest
	if !s.decode(w, r, &req) {
		return
	}
	if req.Kind == "" {
		req.Kind = msglog.KindUser
	}

	res, err := s.registry.PostMessage(r.PathValue("id"), session, req.Kind, req.Body)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	session, ok := s.session(w, r)
	if !ok {
		return
	}

	cursor := int64(0)
	if raw := r.URL.Query().Get("cursor"); raw != "" {
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || n < 0 {
			s.writeErrorCode(w, http.StatusBadRequest, "BAD_CURSOR", "cursor must be a non-negative integer")
			return
		}
		cursor = n
	}
	timeout := time.Duration(0)
	if raw := r.URL.Query().Get("timeout_ms"); raw != "" {
		ms, err := strconv.Atoi(raw)
		if err != nil || ms < 0 {
			s.writeErrorCode(w, http.StatusBadRequest, "BAD_TIMEOUT", "timeout_ms must be a non-negative integer")
			return
		}
		timeout = time.Duration(ms) * time.Millisecond
	}

	res, err := s.registry.SyncMessages(r.Context(), r.PathValue("id"), session, cursor, timeout)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

type updateRequest struct {
	Ops []channel.Op `json:"ops"`
}

func (s *Server) handleUpdate(w http.ResponseWriter, r *http.Request) {
	session, ok := s.session(w, r)
	if !ok {
		return
	}
	var req updateRequest
	if !s.decode(w, r, &req) {
		return
	}

	res, err := s.registry.UpdateChannel(r.PathValue("id"), session, req.Ops)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleAttachBot(w http.ResponseWriter, r *http.Request) {
	session, ok := s.session(w, r)
	if !ok {
		return
	}
	var def bot.Definition
	if !s.decode(w, r, &def) {
		return
	}

	res, err := s.registry.AttachBot(r.PathValue("id"), session, def)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleBotState(w http.ResponseWriter, r *http.Request) {
	session, ok := s.session(w, r)
	if !ok {
		return
	}

	state, version, err := s.registry.InspectBot(r.PathValue("id"), session, r.PathValue("bot_id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"state":         json.RawMessage(state),
		"state_version": version,
	})
}

// session extracts the caller's session id. All member-scoped routes
// require it.
func (s *Server) session(w http.ResponseWriter, r *http.Request) (string, bool) {
	session := r.Header.Get("X-Session-ID")
	if session == "" {
		s.writeErrorCode(w, http.StatusBadRequest, "NO_SESSION", "X-Session-ID header required")
		return "", false
	}
	return session, true
}

// decode reads a bounded JSON request body into v, writing the error
// response itself on failure.
func (s *Server) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBytes)
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(v); err != nil {
		s.writeErrorCode(w, http.StatusBadRequest, "BAD_REQUEST", "invalid JSON body: "+err.Error())
		return false
	}
	return true
}

type errorResponse struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// writeError maps domain sentinel errors onto stable codes. Unrecognized
// errors become opaque 500s; the detail goes to the log, not the client.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	status, code := http.StatusInternalServerError, "INTERNAL"
	switch {
	case errors.Is(err, channel.ErrChannelNotFound),
		errors.Is(err, channel.ErrSlotNotFound),
		errors.Is(err, bot.ErrBotNotFound):
		status, code = http.StatusNotFound, "NOT_FOUND"
	case errors.Is(err, token.ErrInviteInvalid):
		status, code = http.StatusForbidden, "INVITE_INVALID"
	case errors.Is(err, token.ErrTokenInvalid):
		status, code = http.StatusForbidden, "TOKEN_INVALID"
	case errors.Is(err, channel.ErrNotMember):
		status, code = http.StatusForbidden, "NOT_MEMBER"
	case errors.Is(err, channel.ErrNotAdmin):
		status, code = http.StatusForbidden, "NOT_ADMIN"
	case errors.Is(err, channel.ErrRateLimited):
		status, code = http.StatusTooManyRequests, "RATE_LIMIT"
	case errors.Is(err, bot.ErrStaleState):
		status, code = http.StatusConflict, "STALE_STATE"
	case errors.Is(err, channel.ErrBadOp):
		status, code = http.StatusBadRequest, "BAD_OP"
	case errors.Is(err, channel.ErrBadSlotSpec),
		errors.Is(err, bot.ErrUnknownProgram),
		errors.Is(err, bot.ErrBadTransition),
		errors.Is(err, msglog.ErrBadKind),
		errors.Is(err, msglog.ErrBadBody),
		errors.Is(err, msglog.ErrBadSender):
		status, code = http.StatusBadRequest, "BAD_REQUEST"
	}

	msg := err.Error()
	if status == http.StatusInternalServerError {
		s.logger.Error("request failed", "error", err)
		msg = "internal error"
	}
	s.writeErrorCode(w, status, code, msg)
}

func (s *Server) writeErrorCode(w http.ResponseWriter, status int, code, message string) {
	var res errorResponse
	res.Error.Code = code
	res.Error.Message = message
	writeJSON(w, status, res)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
