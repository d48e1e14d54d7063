package httpapi

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/voxlink/voicechat/internal/config"
	"github.com/voxlink/voicechat/internal/observability"
	"github.com/voxlink/voicechat/internal/pipeline"
	"github.com/voxlink/voicechat/internal/room"
	"github.com/voxlink/voicechat/internal/session"
)

const (
	serviceName    = "voice-chat"
	serviceVersion = "1.0.0"
)

type Server struct {
	cfg      config.Config
	store    session.Store
	rooms    *room.Broadcaster
	provider pipeline.Provider
	metrics  *observability.Metrics
	upgrader websocket.Upgrader
}

func New(cfg config.Config, store session.Store, rooms *room.Broadcaster, provider pipeline.Provider, metrics *observability.Metrics) *Server {
	return &Server{
		cfg:      cfg,
		store:    store,
		rooms:    rooms,
		provider: provider,
		metrics:  metrics,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				// Default: only allow browser websocket connections from the
				// same origin, so other websites cannot drive a user's room.
				if cfg.AllowAnyOrigin {
					return true
				}
				origin := strings.TrimSpace(r.Header.Get("Origin"))
				if origin == "" {
					// Non-browser clients often omit Origin. Allow them.
					return true
				}
				u, err := url.Parse(origin)
				if err != nil {
					return false
				}
				if u.Scheme != "http" && u.Scheme != "https" {
					return false
				}
				return strings.EqualFold(u.Host, r.Host)
			},
		},
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/health", s.handleHealth)
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		observability.MetricsHandler().ServeHTTP(w, r)
	})

	r.Post("/v1/voice/session", s.handleCreateSession)
	r.Get("/v1/voice/session/{id}", s.handleGetSession)
	r.Post("/v1/voice/session/{id}/end", s.handleEndSession)
	r.Post("/v1/voice/process", s.handleProcessAudio)
	r.Post("/v1/voice/synthesize", s.handleSynthesize)
	r.Get("/v1/voice/ws", s.handleRoomWS)

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status":    "healthy",
		"service":   serviceName,
		"version":   serviceVersion,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

type createSessionRequest struct {
	UserID  string `json:"user_id"`
	AgentID string `json:"agent_id"`
}

type createSessionResponse struct {
	SessionID    string    `json:"session_id"`
	Status       string    `json:"status"`
	WebsocketURL string    `json:"websocket_url"`
	ExpiresAt    time.Time `json:"expires_at"`
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if err := decodeJSON(r, &req); err != nil && !errors.Is(err, errEmptyBody) {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if strings.TrimSpace(req.UserID) == "" {
		req.UserID = "anonymous"
	}

	sess, err := s.store.Create(r.Context(), req.UserID, req.AgentID)
	if err != nil {
		s.respondCoreError(w, err)
		return
	}
	s.metrics.SessionEvents.WithLabelValues("created").Inc()

	scheme := "ws"
	if r.TLS != nil {
		scheme = "wss"
	}
	respondJSON(w, http.StatusCreated, createSessionResponse{
		SessionID:    sess.ID,
		Status:       "created",
		WebsocketURL: scheme + "://" + r.Host + "/v1/voice/ws",
		ExpiresAt:    sess.ExpiresAt,
	})
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	sess, err := s.store.Get(r.Context(), id)
	if err != nil {
		s.respondCoreError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, sess)
}

func (s *Server) handleEndSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if strings.TrimSpace(id) == "" {
		respondError(w, http.StatusBadRequest, "invalid_session_id", "missing session id")
		return
	}

	if err := s.store.Close(r.Context(), id); err != nil {
		s.respondCoreError(w, err)
		return
	}
	s.rooms.EvictSession(id, session.StatusClosed)
	s.metrics.SessionEvents.WithLabelValues("closed").Inc()
	respondJSON(w, http.StatusOK, map[string]any{
		"session_id": id,
		"status":     string(session.StatusClosed),
	})
}

type processAudioRequest struct {
	SessionID   string `json:"session_id"`
	AudioBase64 string `json:"audio_base64"`
}

type processAudioResponse struct {
	SessionID  string  `json:"session_id"`
	Transcript string  `json:"transcript"`
	Confidence float64 `json:"confidence"`
}

func (s *Server) handleProcessAudio(w http.ResponseWriter, r *http.Request) {
	var req processAudioRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if req.AudioBase64 == "" {
		respondError(w, http.StatusBadRequest, "missing_audio", "no audio payload provided")
		return
	}
	payload, err := base64.StdEncoding.DecodeString(req.AudioBase64)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid_audio", "audio payload is not valid base64")
		return
	}

	sess, err := s.store.Get(r.Context(), req.SessionID)
	if err != nil {
		s.respondCoreError(w, err)
		return
	}
	if sess.Status != session.StatusActive {
		respondError(w, http.StatusNotFound, "session_not_active", "session already ended")
		return
	}

	res, err := s.provider.Transcribe(r.Context(), payload)
	if err != nil {
		s.metrics.AdapterErrors.WithLabelValues("transcribe").Inc()
		respondError(w, http.StatusBadGateway, "processing_failed", err.Error())
		return
	}

	// Any successful interaction keeps a long conversation alive.
	if err := s.store.Refresh(r.Context(), req.SessionID); err != nil && !errors.Is(err, session.ErrNotFound) {
		s.respondCoreError(w, err)
		return
	}

	respondJSON(w, http.StatusOK, processAudioResponse{
		SessionID:  sess.ID,
		Transcript: res.Transcript,
		Confidence: res.Confidence,
	})
}

type synthesizeRequest struct {
	Text string `json:"text"`
}

func (s *Server) handleSynthesize(w http.ResponseWriter, r *http.Request) {
	var req synthesizeRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if strings.TrimSpace(req.Text) == "" {
		respondError(w, http.StatusBadRequest, "missing_text", "no text provided")
		return
	}

	audio, err := s.provider.Synthesize(r.Context(), req.Text)
	if err != nil {
		s.metrics.AdapterErrors.WithLabelValues("synthesize").Inc()
		respondError(w, http.StatusInternalServerError, "synthesis_failed", err.Error())
		return
	}

	w.Header().Set("Content-Type", "audio/mpeg")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(audio)
}

func (s *Server) respondCoreError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, session.ErrNotFound):
		respondError(w, http.StatusNotFound, "session_not_found", err.Error())
	case errors.Is(err, room.ErrSessionNotActive):
		respondError(w, http.StatusNotFound, "session_not_active", err.Error())
	case errors.Is(err, session.ErrBackendUnavailable):
		respondError(w, http.StatusServiceUnavailable, "backend_unavailable", err.Error())
	default:
		respondError(w, http.StatusInternalServerError, "internal_error", err.Error())
	}
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

var errEmptyBody = errors.New("empty body")

func decodeJSON(r *http.Request, out any) error {
	if r.Body == nil {
		return errEmptyBody
	}
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(out); err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "eof") {
			return errEmptyBody
		}
		return err
	}
	return nil
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, errorResponse{Error: message, Code: code})
}
