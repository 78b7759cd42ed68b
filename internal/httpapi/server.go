// Package httpapi exposes the pairing and verification endpoints and the
// websocket the verifier client streams frames and audio over.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/abaumgartner/livegate/internal/audit"
	"github.com/abaumgartner/livegate/internal/challenge"
	"github.com/abaumgartner/livegate/internal/config"
	"github.com/abaumgartner/livegate/internal/liveness"
	"github.com/abaumgartner/livegate/internal/logging"
	"github.com/abaumgartner/livegate/internal/observability"
	"github.com/abaumgartner/livegate/internal/pairing"
	"github.com/abaumgartner/livegate/internal/speech"
	"github.com/abaumgartner/livegate/internal/vision"
)

type Server struct {
	cfg        config.Config
	pairings   *pairing.Store
	registry   *liveness.Registry
	auditStore audit.Store
	metrics    *observability.Metrics
	spotters   func(sink func(speech.KeywordEvent)) speech.Spotter
	upgrader   websocket.Upgrader
	log        *logrus.Entry
}

func New(cfg config.Config, pairings *pairing.Store, registry *liveness.Registry, auditStore audit.Store, metrics *observability.Metrics, spotters func(sink func(speech.KeywordEvent)) speech.Spotter) *Server {
	return &Server{
		cfg:        cfg,
		pairings:   pairings,
		registry:   registry,
		auditStore: auditStore,
		metrics:    metrics,
		spotters:   spotters,
		log:        logging.Component("httpapi"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				// Only same-origin browser connections unless explicitly
				// opened up; another site must not be able to drive a
				// subject's verification session.
				if cfg.Server.AllowAnyOrigin {
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

	r.Get("/healthz", s.handleHealth)
	r.Get("/readyz", s.handleReady)
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		observability.MetricsHandler().ServeHTTP(w, r)
	})

	r.Post("/v1/pairing", s.handleCreatePairing)
	r.Get("/v1/pairing/{code}", s.handleGetPairing)
	r.Post("/v1/verify/session", s.handleCreateSession)
	r.Post("/v1/verify/session/{id}/end", s.handleEndSession)
	r.Get("/v1/verify/session/ws", s.handleSessionWS)
	r.Get("/v1/verify/results", s.handleResults)

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

func (s *Server) handleReady(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status":          "ready",
		"active_sessions": s.registry.ActiveCount(),
	})
}

type createPairingResponse struct {
	Code      string    `json:"code"`
	State     string    `json:"state"`
	ExpiresAt time.Time `json:"expires_at"`
	TTLMs     int64     `json:"ttl_ms"`
}

func (s *Server) handleCreatePairing(w http.ResponseWriter, _ *http.Request) {
	p, err := s.pairings.Create(time.Now().UTC())
	if err != nil {
		respondError(w, http.StatusInternalServerError, "pairing_failed", err.Error())
		return
	}
	s.metrics.PairingCodes.WithLabelValues("created").Inc()
	respondJSON(w, http.StatusCreated, createPairingResponse{
		Code:      p.Code,
		State:     string(p.State),
		ExpiresAt: p.ExpiresAt,
		TTLMs:     s.cfg.Pairing.CodeTTL.Milliseconds(),
	})
}

// handleGetPairing is the requester's polling endpoint. The stored
// result is already requester-facing, so a duress failure reads as a
// plain fail here.
func (s *Server) handleGetPairing(w http.ResponseWriter, r *http.Request) {
	code := chi.URLParam(r, "code")
	p, err := s.pairings.Get(code, time.Now().UTC())
	if err != nil {
		respondError(w, http.StatusNotFound, "pairing_not_found", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, p)
}

type createSessionRequest struct {
	Code string `json:"code"`
}

type createSessionResponse struct {
	SessionID          string `json:"session_id"`
	Code               string `json:"code"`
	MaxAttempts        int    `json:"max_attempts"`
	ChallengeTimeoutMS int64  `json:"challenge_timeout_ms"`
	IdleTimeoutMS      int64  `json:"idle_timeout_ms"`
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	code := strings.TrimSpace(req.Code)
	if code == "" {
		respondError(w, http.StatusBadRequest, "missing_code", "pairing code is required")
		return
	}

	now := time.Now().UTC()
	sess := liveness.NewSession(liveness.Params{
		Code:        code,
		MaxAttempts: s.cfg.Session.MaxAttempts,
		Challenge: challenge.Config{
			Timeout:             s.cfg.Challenge.Timeout,
			ActionSpeechWindow:  s.cfg.Challenge.ActionSpeechWindow,
			BlinkCountThreshold: s.cfg.Challenge.BlinkCountThreshold,
			Keywords:            s.cfg.ChallengeKeywords(),
			DuressKeyword:       s.cfg.Challenge.DuressKeyword,
		},
		Blink: vision.BlinkConfig{
			EARThreshold:     s.cfg.Blink.EARThreshold,
			MinBlinkFrames:   s.cfg.Blink.MinBlinkFrames,
			MinBlinkInterval: s.cfg.Blink.MinBlinkInterval,
			ClosingDwell:     s.cfg.Blink.ClosingDwell,
		},
		Pose: vision.PoseConfig{
			HorizontalThreshold: s.cfg.HeadPose.HorizontalThreshold,
			UpThreshold:         s.cfg.HeadPose.UpThreshold,
			DownThreshold:       s.cfg.HeadPose.DownThreshold,
			WindowSize:          s.cfg.HeadPose.WindowSize,
		},
		SpotterFactory: s.spotters,
	}, now)

	if _, err := s.pairings.Claim(code, sess.ID, now); err != nil {
		sess.Close()
		switch {
		case errors.Is(err, pairing.ErrNotFound):
			respondError(w, http.StatusNotFound, "pairing_not_found", err.Error())
		case errors.Is(err, pairing.ErrExpired):
			respondError(w, http.StatusGone, "pairing_expired", err.Error())
		case errors.Is(err, pairing.ErrAlreadyClaimed):
			respondError(w, http.StatusConflict, "pairing_claimed", err.Error())
		default:
			respondError(w, http.StatusInternalServerError, "claim_failed", err.Error())
		}
		return
	}
	if err := s.registry.Add(sess); err != nil {
		s.pairings.Release(code, now)
		sess.Close()
		respondError(w, http.StatusConflict, "session_exists", err.Error())
		return
	}

	s.metrics.ActiveSessions.Set(float64(s.registry.ActiveCount()))
	s.metrics.SessionEvents.WithLabelValues("created").Inc()
	s.metrics.PairingCodes.WithLabelValues("claimed").Inc()

	respondJSON(w, http.StatusCreated, createSessionResponse{
		SessionID:          sess.ID,
		Code:               code,
		MaxAttempts:        s.cfg.Session.MaxAttempts,
		ChallengeTimeoutMS: s.cfg.Challenge.Timeout.Milliseconds(),
		IdleTimeoutMS:      s.cfg.Session.IdleTimeout.Milliseconds(),
	})
}

// handleEndSession cancels a running session. A cancel counts as a
// failure for the requesting party.
func (s *Server) handleEndSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	sess, err := s.registry.Remove(id)
	if err != nil {
		respondError(w, http.StatusNotFound, "session_not_found", err.Error())
		return
	}
	out := s.Finalize(sess, challenge.ResultFail)
	respondJSON(w, http.StatusOK, map[string]any{
		"session_id": sess.ID,
		"result":     out.RequesterResult(),
		"attempts":   out.Attempts,
	})
}

func (s *Server) handleResults(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			respondError(w, http.StatusBadRequest, "invalid_limit", "limit must be a positive integer")
			return
		}
		limit = n
	}

	var (
		records []audit.Record
		err     error
	)
	if code := strings.TrimSpace(r.URL.Query().Get("code")); code != "" {
		records, err = s.auditStore.ByCode(r.Context(), code, limit)
	} else {
		records, err = s.auditStore.Recent(r.Context(), limit)
	}
	if err != nil {
		respondError(w, http.StatusInternalServerError, "query_failed", err.Error())
		return
	}
	if records == nil {
		records = []audit.Record{}
	}
	respondJSON(w, http.StatusOK, map[string]any{"results": records})
}

// Finalize resolves a session removed from the registry: it records the
// audit outcome and the requester-facing pairing result, then releases
// the session's resources. A still-running session is aborted with the
// given result.
func (s *Server) Finalize(sess *liveness.Session, abortResult challenge.Result) *liveness.Outcome {
	now := time.Now().UTC()
	out := sess.Final()
	if out == nil {
		out = sess.Abort(abortResult, now)
	}
	if err := sess.Close(); err != nil {
		s.log.WithError(err).Warn("spotter close failed")
	}

	record := audit.Record{
		SessionID: sess.ID,
		Code:      sess.Code,
		Result:    out.Result,
		Duress:    out.Duress,
		Attempts:  out.Attempts,
		CreatedAt: now,
	}
	if err := s.auditStore.Save(context.Background(), record); err != nil {
		s.log.WithError(err).Error("audit save failed")
	}
	if _, err := s.pairings.Complete(sess.Code, out.RequesterResult(), now); err != nil {
		s.log.WithError(err).WithField("code", sess.Code).Warn("pairing complete failed")
	}

	s.metrics.ActiveSessions.Set(float64(s.registry.ActiveCount()))
	s.metrics.SessionEvents.WithLabelValues("ended").Inc()
	return out
}

// HandleEvicted is the registry janitor hook: an abandoned session
// resolves as timed out.
func (s *Server) HandleEvicted(sess *liveness.Session) {
	s.metrics.SessionEvents.WithLabelValues("evicted").Inc()
	s.Finalize(sess, challenge.ResultTimedOut)
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
		if errors.Is(err, io.EOF) {
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
