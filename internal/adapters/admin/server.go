// Package admin exposes the monitor's control surface over HTTP.
//
// Routes:
//   - GET    /v1/status     Full status snapshot
//   - GET    /v1/blocks     Active blocks and pending releases
//   - POST   /v1/unblock    {"identity": "203.0.113.7"}
//   - GET    /v1/whitelist  Current whitelist entries
//   - POST   /v1/whitelist  {"entry": "10.0.0.0/8"}
//   - DELETE /v1/whitelist  {"entry": "10.0.0.0/8"}
//   - GET    /healthz       Health probe (when configured)
//   - GET    /metrics       Prometheus exposition (when configured)
//
// Every mutation is executed on the monitor's decision loop through
// ports.AdminControl; the server holds no state of its own.
package admin

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/httprate"
	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog/log"

	"github.com/xoelrdgz/sshwarden/internal/domain"
	"github.com/xoelrdgz/sshwarden/internal/ports"
)

// maxBodyBytes bounds request bodies; every request carries one short field.
const maxBodyBytes = 4 << 10

// Error codes carried in error responses and mapped back by Client.
const (
	CodeInvalidRequest = "invalid_request"
	CodeInvalidEntry   = "invalid_entry"
	CodeNotBlocked     = "not_blocked"
	CodeNotWhitelisted = "not_whitelisted"
	CodeStopped        = "monitor_stopped"
	CodeTimeout        = "timeout"
	CodeRateLimited    = "rate_limited"
	CodeInternal       = "internal"
)

var validate = validator.New()

type UnblockRequest struct {
	Identity string `json:"identity" validate:"required,ip"`
}

type WhitelistRequest struct {
	Entry string `json:"entry" validate:"required,ip|cidr"`
}

type WhitelistResponse struct {
	Entries []string `json:"entries"`
}

type BlocksResponse struct {
	Blocks          []domain.BlockRecord `json:"blocks"`
	PendingReleases []domain.Release     `json:"pending_releases"`
}

type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

type ServerConfig struct {
	Listen string

	// RateLimit is the number of /v1 requests allowed per client IP per
	// minute. Zero disables limiting.
	RateLimit int

	// Health and Metrics are mounted at /healthz and /metrics when set.
	Health  http.Handler
	Metrics http.Handler

	RequestTimeout time.Duration
}

func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Listen:         "127.0.0.1:9091",
		RateLimit:      60,
		RequestTimeout: 10 * time.Second,
	}
}

type handler struct {
	ctrl ports.AdminControl
}

// NewRouter builds the chi router for ctrl.
func NewRouter(ctrl ports.AdminControl, cfg ServerConfig) http.Handler {
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 10 * time.Second
	}
	h := &handler{ctrl: ctrl}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger)
	r.Use(middleware.Recoverer)

	if cfg.Health != nil {
		r.Method(http.MethodGet, "/healthz", cfg.Health)
	}
	if cfg.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", cfg.Metrics)
	}

	r.Route("/v1", func(r chi.Router) {
		r.Use(middleware.Timeout(cfg.RequestTimeout))
		if cfg.RateLimit > 0 {
			r.Use(rateLimitByIP(cfg.RateLimit))
		}
		r.Get("/status", h.status)
		r.Get("/blocks", h.blocks)
		r.Post("/unblock", h.unblock)
		r.Get("/whitelist", h.whitelist)
		r.Post("/whitelist", h.whitelistAdd)
		r.Delete("/whitelist", h.whitelistRemove)
	})

	return r
}

func rateLimitByIP(perMinute int) func(http.Handler) http.Handler {
	return httprate.Limit(
		perMinute,
		time.Minute,
		httprate.WithKeyByRealIP(),
		httprate.WithLimitHandler(func(w http.ResponseWriter, r *http.Request) {
			writeError(w, http.StatusTooManyRequests, CodeRateLimited, "rate limit exceeded")
		}),
	)
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(wrapped, r)

		log.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", wrapped.Status()).
			Int("bytes", wrapped.BytesWritten()).
			Dur("duration", time.Since(start)).
			Str("request_id", middleware.GetReqID(r.Context())).
			Str("remote_addr", r.RemoteAddr).
			Msg("Admin request")
	})
}

func (h *handler) status(w http.ResponseWriter, r *http.Request) {
	snap, err := h.ctrl.Status(r.Context())
	if err != nil {
		writeControlError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (h *handler) blocks(w http.ResponseWriter, r *http.Request) {
	snap, err := h.ctrl.Status(r.Context())
	if err != nil {
		writeControlError(w, err)
		return
	}
	resp := BlocksResponse{
		Blocks:          snap.Blocks,
		PendingReleases: snap.PendingReleases,
	}
	if resp.Blocks == nil {
		resp.Blocks = []domain.BlockRecord{}
	}
	if resp.PendingReleases == nil {
		resp.PendingReleases = []domain.Release{}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *handler) unblock(w http.ResponseWriter, r *http.Request) {
	var req UnblockRequest
	if !decodeRequest(w, r, &req) {
		return
	}
	if err := h.ctrl.Unblock(r.Context(), req.Identity); err != nil {
		writeControlError(w, err)
		return
	}
	log.Info().Str("identity", req.Identity).Msg("Identity unblocked via admin API")
	w.WriteHeader(http.StatusNoContent)
}

func (h *handler) whitelist(w http.ResponseWriter, r *http.Request) {
	entries, err := h.ctrl.Whitelist(r.Context())
	if err != nil {
		writeControlError(w, err)
		return
	}
	if entries == nil {
		entries = []string{}
	}
	writeJSON(w, http.StatusOK, WhitelistResponse{Entries: entries})
}

func (h *handler) whitelistAdd(w http.ResponseWriter, r *http.Request) {
	var req WhitelistRequest
	if !decodeRequest(w, r, &req) {
		return
	}
	if err := h.ctrl.WhitelistAdd(r.Context(), req.Entry); err != nil {
		writeControlError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *handler) whitelistRemove(w http.ResponseWriter, r *http.Request) {
	var req WhitelistRequest
	if !decodeRequest(w, r, &req) {
		return
	}
	if err := h.ctrl.WhitelistRemove(r.Context(), req.Entry); err != nil {
		writeControlError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// decodeRequest reads and validates a JSON body, writing a 400 on failure.
func decodeRequest(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, CodeInvalidRequest, "invalid JSON body")
		return false
	}
	if err := validate.Struct(dst); err != nil {
		writeError(w, http.StatusBadRequest, CodeInvalidRequest, validationMessage(err))
		return false
	}
	return true
}

func validationMessage(err error) string {
	var ve validator.ValidationErrors
	if !errors.As(err, &ve) || len(ve) == 0 {
		return "validation failed"
	}
	fe := ve[0]
	switch fe.Tag() {
	case "required":
		return fmt.Sprintf("%s is required", jsonName(fe.Field()))
	case "ip":
		return fmt.Sprintf("%s must be an IP address", jsonName(fe.Field()))
	case "ip|cidr":
		return fmt.Sprintf("%s must be an IP address or CIDR prefix", jsonName(fe.Field()))
	default:
		return fmt.Sprintf("%s failed validation: %s", jsonName(fe.Field()), fe.Tag())
	}
}

func jsonName(field string) string {
	switch field {
	case "Identity":
		return "identity"
	case "Entry":
		return "entry"
	}
	return field
}

func writeControlError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ports.ErrNotBlocked):
		writeError(w, http.StatusNotFound, CodeNotBlocked, err.Error())
	case errors.Is(err, ports.ErrNotWhitelisted):
		writeError(w, http.StatusNotFound, CodeNotWhitelisted, err.Error())
	case errors.Is(err, domain.ErrInvalidEvent):
		writeError(w, http.StatusBadRequest, CodeInvalidRequest, err.Error())
	case errors.Is(err, domain.ErrInvalidWhitelistEntry):
		writeError(w, http.StatusBadRequest, CodeInvalidEntry, err.Error())
	case errors.Is(err, ports.ErrMonitorStopped):
		writeError(w, http.StatusServiceUnavailable, CodeStopped, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		writeError(w, http.StatusGatewayTimeout, CodeTimeout, "decision loop did not answer in time")
	default:
		log.Error().Err(err).Msg("Admin request failed")
		writeError(w, http.StatusInternalServerError, CodeInternal, "internal error")
	}
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, ErrorResponse{Error: msg, Code: code})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// Server runs the admin router on its own listener.
type Server struct {
	srv      *http.Server
	listener net.Listener
	errCh    chan error
}

func NewServer(ctrl ports.AdminControl, cfg ServerConfig) *Server {
	return &Server{
		srv: &http.Server{
			Addr:              cfg.Listen,
			Handler:           NewRouter(ctrl, cfg),
			ReadHeaderTimeout: 5 * time.Second,
			ReadTimeout:       15 * time.Second,
			WriteTimeout:      30 * time.Second,
			IdleTimeout:       60 * time.Second,
		},
		errCh: make(chan error, 1),
	}
}

// Start binds the listen address and serves in the background. Bind errors
// are returned synchronously.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.srv.Addr)
	if err != nil {
		return fmt.Errorf("admin listen %s: %w", s.srv.Addr, err)
	}
	s.listener = ln

	go func() {
		if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("Admin server error")
			s.errCh <- err
		}
		close(s.errCh)
	}()

	log.Info().Str("addr", ln.Addr().String()).Msg("Admin API listening")
	return nil
}

// Addr returns the bound address, useful when listening on port 0.
func (s *Server) Addr() string {
	if s.listener == nil {
		return s.srv.Addr
	}
	return s.listener.Addr().String()
}

// Err delivers a serve failure, then closes once the server has stopped.
func (s *Server) Err() <-chan error {
	return s.errCh
}

func (s *Server) Shutdown(ctx context.Context) error {
	if s.listener == nil {
		return nil
	}
	return s.srv.Shutdown(ctx)
}
