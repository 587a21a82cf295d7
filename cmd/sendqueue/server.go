package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"sendqueue/internal/backend"
	"sendqueue/internal/connectivity"
	"sendqueue/internal/constants"
	apperrors "sendqueue/internal/errors"
	"sendqueue/internal/logfields"
	"sendqueue/internal/middleware"
	"sendqueue/internal/models"
	"sendqueue/internal/privacy"
	"sendqueue/internal/queue"
	"sendqueue/internal/tracing"
	"sendqueue/internal/validation"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"
)

type Server struct {
	router  *mux.Router
	logger  *logrus.Logger
	cfg     *models.Config
	queue   *queue.Queue
	client  *backend.Client
	sender  *backend.Sender
	network *connectivity.Switch
	server  *http.Server

	closing   chan struct{}
	closeOnce sync.Once
}

func NewServer(cfg *models.Config, q *queue.Queue, client *backend.Client, sender *backend.Sender, network *connectivity.Switch, logger *logrus.Logger, verbose bool) *Server {
	s := &Server{
		router:  mux.NewRouter(),
		logger:  logger,
		cfg:     cfg,
		queue:   q,
		client:  client,
		sender:  sender,
		network: network,
		closing: make(chan struct{}),
	}

	s.router.Use(middleware.ObservabilityMiddleware(logger, cfg.Server.TrustProxyHeaders))
	if verbose {
		s.router.Use(middleware.DetailedLoggingMiddleware(logger, middleware.DefaultDetailedLoggingConfig()))
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.HandleFunc("/health", s.handleHealth()).Methods(http.MethodGet)
	s.router.HandleFunc("/metrics", s.handleMetrics()).Methods(http.MethodGet)
	s.router.Handle("/metrics/prometheus", s.prometheusHandler()).Methods(http.MethodGet)

	api := s.router.PathPrefix("/api").Subrouter()
	api.HandleFunc("/messages/send", s.handleSendMessage()).Methods(http.MethodPost)
	api.HandleFunc("/queue", s.handleGetQueue()).Methods(http.MethodGet)
	api.HandleFunc("/queue", s.handleEnqueue()).Methods(http.MethodPost)
	api.HandleFunc("/queue/{id}/retry", s.handleRetry()).Methods(http.MethodPost)
	api.HandleFunc("/queue/{id}", s.handleDiscard()).Methods(http.MethodDelete)
	api.HandleFunc("/connectivity", s.handleSetConnectivity()).Methods(http.MethodPut)

	s.router.HandleFunc("/ws/queue", s.handleQueueStream()).Methods(http.MethodGet)
}

func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", s.cfg.Server.Port),
		Handler:      s.router,
		ReadTimeout:  time.Duration(s.cfg.Server.ReadTimeoutSec) * time.Second,
		WriteTimeout: time.Duration(s.cfg.Server.WriteTimeoutSec) * time.Second,
		IdleTimeout:  time.Duration(s.cfg.Server.IdleTimeoutSec) * time.Second,
	}

	s.logger.Infof("Starting server on port %d", s.cfg.Server.Port)
	return s.server.ListenAndServe()
}

// Shutdown stops accepting requests and ends open queue streams.
func (s *Server) Shutdown(ctx context.Context) error {
	s.closeOnce.Do(func() { close(s.closing) })
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

func (s *Server) handleHealth() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"status":      "ok",
			"online":      s.queue.IsOnline(),
			"queue_depth": s.queue.Len(),
		})
	}
}

// handleSendMessage forwards one message straight to the backend without
// queueing it. The caller decides whether to queue on failure.
func (s *Server) handleSendMessage() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token := s.sessionToken(r)
		if token == "" {
			s.writeError(w, r, http.StatusUnauthorized, apperrors.NewAuthError("no session token"))
			return
		}

		draft, err := decodeDraft(w, r)
		if err != nil {
			s.writeError(w, r, http.StatusBadRequest, err)
			return
		}
		if strings.TrimSpace(draft.ChatTarget) == "" {
			s.writeError(w, r, http.StatusBadRequest, apperrors.NewValidationError("chatid", "chatid required"))
			return
		}

		resp, err := s.client.PostMessage(r.Context(), token, draft)
		if err != nil {
			s.logger.WithFields(logrus.Fields{
				logfields.RequestID: tracing.GetRequestID(r.Context()),
				logfields.ChatID:    privacy.MaskChatID(draft.ChatTarget),
			}).WithError(err).Warn("Direct send failed")
			s.writeError(w, r, http.StatusInternalServerError, err)
			return
		}

		writeJSON(w, http.StatusOK, map[string]string{"messageid": resp.ID()})
	}
}

func (s *Server) handleGetQueue() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, s.queue.State())
	}
}

func (s *Server) handleEnqueue() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		draft, err := decodeDraft(w, r)
		if err != nil {
			s.writeError(w, r, http.StatusBadRequest, err)
			return
		}
		if err := draft.Validate(); err != nil {
			s.writeError(w, r, http.StatusBadRequest, err)
			return
		}

		s.adoptSessionCookie(r)
		msg := s.queue.Enqueue(r.Context(), draft)
		writeJSON(w, http.StatusAccepted, msg)
	}
}

// handleRetry attempts one entry now and reports what is left of it.
func (s *Server) handleRetry() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := mux.Vars(r)["id"]
		if err := validation.ValidateEntryID(id); err != nil {
			s.writeError(w, r, http.StatusBadRequest, err)
			return
		}
		s.adoptSessionCookie(r)

		if err := s.queue.Retry(r.Context(), id); err != nil {
			s.writeError(w, r, apperrors.HTTPStatusCode(err), err)
			return
		}

		if msg, ok := s.queue.Get(id); ok {
			writeJSON(w, http.StatusOK, msg)
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{"id": id, "delivered": true})
	}
}

func (s *Server) handleDiscard() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := mux.Vars(r)["id"]
		if err := validation.ValidateEntryID(id); err != nil {
			s.writeError(w, r, http.StatusBadRequest, err)
			return
		}
		if !s.queue.Discard(r.Context(), id) {
			s.writeError(w, r, http.StatusNotFound, apperrors.NewNotFoundError("queued message", id))
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

type connectivityRequest struct {
	Online *bool `json:"online"`
}

// handleSetConnectivity lets the host report network changes. It is
// refused while the reachability monitor owns the flag.
func (s *Server) handleSetConnectivity() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.Connectivity.MonitorEnabled {
			s.writeError(w, r, http.StatusConflict,
				apperrors.NewConflictError("connectivity", "monitor", "connectivity is driven by the monitor"))
			return
		}

		var req connectivityRequest
		r.Body = http.MaxBytesReader(w, r.Body, 1024)
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Online == nil {
			s.writeError(w, r, http.StatusBadRequest, apperrors.NewValidationError("online", "online must be true or false"))
			return
		}

		if s.network.Set(*req.Online) {
			s.logger.WithFields(logrus.Fields{
				logfields.RequestID: tracing.GetRequestID(r.Context()),
				logfields.Online:    *req.Online,
			}).Info("Host reported connectivity change")
		}
		writeJSON(w, http.StatusOK, map[string]bool{"online": s.network.Online()})
	}
}

// adoptSessionCookie makes the session cookie of r, if any, the token used
// by queued sends.
func (s *Server) adoptSessionCookie(r *http.Request) {
	cookie, err := r.Cookie(constants.SessionCookieName)
	if err != nil || cookie.Value == "" {
		return
	}
	if cookie.Value != s.sender.Token() {
		s.sender.SetToken(cookie.Value)
		s.logger.WithField("token", privacy.MaskToken(cookie.Value)).Debug("Session token updated from cookie")
	}
}

// sessionToken returns the token for backend calls made on behalf of r. A
// session cookie wins over the configured token.
func (s *Server) sessionToken(r *http.Request) string {
	s.adoptSessionCookie(r)
	return s.sender.Token()
}

// decodeDraft reads a draft from a JSON body or, like the web client's
// form posts, from form fields.
func decodeDraft(w http.ResponseWriter, r *http.Request) (models.Draft, error) {
	var draft models.Draft
	if err := validation.ValidateHTTPRequestSize(r, constants.MaxRequestBodyBytes); err != nil {
		return draft, err
	}
	r.Body = http.MaxBytesReader(w, r.Body, constants.MaxRequestBodyBytes)

	if strings.HasPrefix(r.Header.Get("Content-Type"), "application/json") {
		if err := json.NewDecoder(r.Body).Decode(&draft); err != nil {
			return draft, apperrors.Wrap(err, apperrors.ErrCodeInvalidInput, "invalid JSON body").WithUserMessage("invalid JSON body")
		}
	} else {
		if err := r.ParseForm(); err != nil {
			return draft, apperrors.Wrap(err, apperrors.ErrCodeInvalidInput, "invalid form body").WithUserMessage("invalid form body")
		}
		draft.ChatTarget = r.PostForm.Get("chatid")
		draft.Text = r.PostForm.Get("text")
		draft.Photo = r.PostForm.Get("photo")
		draft.Position = r.PostForm.Get("position")
	}

	if draft.ChatTarget != "" {
		if err := validation.ValidateStringLength(draft.ChatTarget, "chatid", 1, constants.MaxChatTargetLength); err != nil {
			return draft, err
		}
	}
	return draft, nil
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, status int, err error) {
	resp := apperrors.ToHTTPResponse(err, tracing.GetRequestID(r.Context()))
	if appErr, ok := apperrors.As(err); !ok || appErr.UserMessage == "" {
		resp.Error = apperrors.Describe(err)
	}
	writeJSON(w, status, resp)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
