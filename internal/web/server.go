// Package web exposes the ledger over HTTP: read-only views, the resolver, an event
// stream and signed mutations.
package web

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/crypto/acme/autocert"

	"github.com/vadiminshakov/dcacore/internal/domain"
	"github.com/vadiminshakov/dcacore/internal/services/ledger"
	"github.com/vadiminshakov/dcacore/internal/services/resolver"
)

const (
	eventPollInterval = 2 * time.Second
	heartbeatInterval = 20 * time.Second
)

// Ledger operations served by the API.
type Ledger interface {
	GetNextPositionID() uint64
	GetPosition(id uint64) (domain.Position, error)
	GetPositions(ids []uint64) ([]domain.Position, error)
	GetReadyPositionIDs() []uint64
	PositionsByOwner(owner common.Address) []domain.Position
	Config() domain.LedgerConfig

	CreatePositionAndDeposit(ctx context.Context, caller common.Address, req ledger.CreatePositionRequest) (domain.Position, error)
	Deposit(ctx context.Context, caller common.Address, id uint64, amount decimal.Decimal) error
	DepositNative(ctx context.Context, caller common.Address, id uint64, value decimal.Decimal) error
	WithdrawTokenIn(ctx context.Context, caller common.Address, id uint64, amount decimal.Decimal, opts ...ledger.WithdrawOption) error
	WithdrawTokenOut(ctx context.Context, caller common.Address, id uint64, opts ...ledger.WithdrawOption) (decimal.Decimal, error)
	Exit(ctx context.Context, caller common.Address, id uint64, opts ...ledger.WithdrawOption) error
	UpdatePosition(ctx context.Context, caller common.Address, id uint64, dcaAmount decimal.Decimal, interval time.Duration) error
	SetAllowedTokenPair(ctx context.Context, caller common.Address, pair domain.Pair, allowed bool) error
	SetMinSlippage(ctx context.Context, caller common.Address, bps int64) error
	SetSystemPause(ctx context.Context, caller common.Address, paused bool) error
	ExecutePayload(ctx context.Context, caller common.Address, payload []byte) (domain.BatchResult, error)
}

// Resolver builds the next execution batch.
type Resolver interface {
	Resolve(ctx context.Context) (resolver.Batch, error)
}

// EventReader reads the committed event log.
type EventReader interface {
	EventsAfter(index uint64) ([]domain.EventRecord, error)
}

// updateNotifier is implemented by event stores that signal appends.
type updateNotifier interface {
	Updated() <-chan struct{}
}

// Server HTTP API of the engine.
type Server struct {
	Addr string

	ledger   Ledger
	resolver Resolver
	events   EventReader
	replay   *replayCache
	now      func() time.Time
	maxTTL   time.Duration
	l        *zap.Logger

	router http.Handler
}

// Option configures a Server.
type Option func(*Server)

// WithClock overrides the time source used for request deadlines.
func WithClock(now func() time.Time) Option {
	return func(s *Server) {
		s.now = now
	}
}

// WithMaxRequestTTL bounds how far in the future a signed request deadline may be.
func WithMaxRequestTTL(ttl time.Duration) Option {
	return func(s *Server) {
		s.maxTTL = ttl
	}
}

// NewServer creates the API server. resolver and events may be nil.
func NewServer(l *zap.Logger, addr string, lg Ledger, res Resolver, events EventReader, opts ...Option) *Server {
	s := &Server{
		Addr:     addr,
		ledger:   lg,
		resolver: res,
		events:   events,
		replay:   newReplayCache(),
		now:      time.Now,
		maxTTL:   10 * time.Minute,
		l:        l,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.router = s.buildRouter()
	return s
}

// Handler exposes the configured router.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) buildRouter() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)

	r.Get("/healthz", s.handleHealth)
	r.Get("/config", s.handleConfig)
	r.Get("/resolver", s.handleResolver)
	r.Get("/events/stream", s.handleEventStream)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/positions", func(pr chi.Router) {
		pr.Get("/", s.handlePositions)
		pr.Get("/ready", s.handleReady)
		pr.Get("/next-id", s.handleNextID)
		pr.Get("/{id}", s.handlePosition)
	})

	r.Post("/tx", s.handleTx)

	return r
}

// Start runs the HTTP server (blocking) and shuts it down when ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	server := &http.Server{
		Addr:              s.Addr,
		Handler:           s.router,
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	s.l.Info("HTTP API listening", zap.String("addr", s.Addr))
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// StartWithAutoTLS runs an HTTPS server with ACME certificates. An HTTP server on
// port 80 answers the ACME HTTP-01 challenges.
func (s *Server) StartWithAutoTLS(ctx context.Context, domains []string, cacheDir string) error {
	if len(domains) == 0 {
		return errors.New("no domains provided for automatic TLS")
	}
	if cacheDir == "" {
		cacheDir = "cert-cache"
	}

	manager := &autocert.Manager{
		Prompt:     autocert.AcceptTOS,
		HostPolicy: autocert.HostWhitelist(domains...),
		Cache:      autocert.DirCache(cacheDir),
	}

	httpSrv := &http.Server{
		Addr:              ":80",
		Handler:           manager.HTTPHandler(nil),
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	tlsConfig := manager.TLSConfig()
	tlsConfig.MinVersion = tls.VersionTLS12

	httpsSrv := &http.Server{
		Addr:              s.Addr,
		Handler:           s.router,
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       120 * time.Second,
		TLSConfig:         tlsConfig,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := httpSrv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.l.Warn("acme server shutdown", zap.Error(err))
		}
		if err := httpsSrv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.l.Warn("https server shutdown", zap.Error(err))
		}
	}()

	go func() {
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.l.Error("acme server failed", zap.Error(err))
		}
	}()

	s.l.Info("HTTPS API listening", zap.String("addr", s.Addr), zap.Strings("domains", domains))
	if err := httpsSrv.ListenAndServeTLS("", ""); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":           "ok",
		"next_position_id": s.ledger.GetNextPositionID(),
	})
}

func (s *Server) handleConfig(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.ledger.Config())
}

func (s *Server) handleNextID(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]uint64{"next_position_id": s.ledger.GetNextPositionID()})
}

func (s *Server) handleReady(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string][]uint64{"ids": s.ledger.GetReadyPositionIDs()})
}

func (s *Server) handlePosition(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseUint(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		writeError(w, errors.Wrap(domain.ErrInvalidInputs, "position id must be an unsigned integer"))
		return
	}

	p, err := s.ledger.GetPosition(id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *Server) handlePositions(w http.ResponseWriter, r *http.Request) {
	if owner := strings.TrimSpace(r.URL.Query().Get("owner")); owner != "" {
		if !common.IsHexAddress(owner) {
			writeError(w, errors.Wrapf(domain.ErrInvalidInputs, "owner %q", owner))
			return
		}
		writeJSON(w, http.StatusOK, s.ledger.PositionsByOwner(common.HexToAddress(owner)))
		return
	}

	raw := strings.TrimSpace(r.URL.Query().Get("ids"))
	if raw == "" {
		writeError(w, errors.Wrap(domain.ErrInvalidInputs, "ids or owner query parameter is required"))
		return
	}

	parts := strings.Split(raw, ",")
	ids := make([]uint64, 0, len(parts))
	for _, part := range parts {
		id, err := strconv.ParseUint(strings.TrimSpace(part), 10, 64)
		if err != nil {
			writeError(w, errors.Wrapf(domain.ErrInvalidInputs, "position id %q", part))
			return
		}
		ids = append(ids, id)
	}

	positions, err := s.ledger.GetPositions(ids)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, positions)
}

type resolverResponse struct {
	CanExec bool                `json:"can_exec"`
	Payload string              `json:"payload"`
	IDs     []uint64            `json:"ids"`
	Params  []domain.SwapParams `json:"params"`
	Skipped []uint64            `json:"skipped,omitempty"`
}

func (s *Server) handleResolver(w http.ResponseWriter, r *http.Request) {
	if s.resolver == nil {
		http.Error(w, "resolver not available", http.StatusServiceUnavailable)
		return
	}

	batch, err := s.resolver.Resolve(r.Context())
	if err != nil {
		s.l.Error("resolver scan failed", zap.Error(err))
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, resolverResponse{
		CanExec: batch.CanExec,
		Payload: hexutil.Encode(batch.Payload),
		IDs:     batch.IDs,
		Params:  batch.Params,
		Skipped: batch.Skipped,
	})
}

func (s *Server) handleEventStream(w http.ResponseWriter, r *http.Request) {
	if s.events == nil {
		w.WriteHeader(http.StatusServiceUnavailable)
		fmt.Fprint(w, "event store not available")
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	lastIndex := parseLastEventID(r.Header.Get("Last-Event-ID"), r.URL.Query().Get("last_event_id"))

	records, err := s.events.EventsAfter(lastIndex)
	if err != nil {
		s.l.Error("event stream initial load", zap.Error(err))
		http.Error(w, "failed to load events", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache, no-store, must-revalidate")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	send := func(records []domain.EventRecord) error {
		for _, record := range records {
			payload, err := json.Marshal(record.Event)
			if err != nil {
				return err
			}
			fmt.Fprintf(w, "id: %d\n", record.Index)
			fmt.Fprintf(w, "event: %s\n", record.Event.Type)
			fmt.Fprintf(w, "data: %s\n\n", payload)
			lastIndex = record.Index
		}
		flusher.Flush()
		return nil
	}

	if err := send(records); err != nil {
		s.l.Error("event stream write", zap.Error(err))
		return
	}

	// comment heartbeat so proxies keep the connection
	heartbeat := time.NewTicker(heartbeatInterval)
	defer heartbeat.Stop()

	poll := time.NewTicker(eventPollInterval)
	defer poll.Stop()

	notifier, _ := s.events.(updateNotifier)
	var updated <-chan struct{}
	if notifier != nil {
		updated = notifier.Updated()
	}

	for {
		var wake bool
		select {
		case <-r.Context().Done():
			return
		case <-heartbeat.C:
			fmt.Fprintf(w, ": ping\n\n")
			flusher.Flush()
		case <-poll.C:
			wake = true
		case <-updated:
			updated = notifier.Updated()
			wake = true
		}

		if wake {
			records, err := s.events.EventsAfter(lastIndex)
			if err != nil {
				s.l.Warn("event stream poll", zap.Error(err))
				continue
			}
			if len(records) == 0 {
				continue
			}
			if err := send(records); err != nil {
				s.l.Error("event stream write", zap.Error(err))
				return
			}
		}
	}
}

func parseLastEventID(headerVal, queryVal string) uint64 {
	idStr := strings.TrimSpace(headerVal)
	if idStr == "" {
		idStr = strings.TrimSpace(queryVal)
	}
	if idStr == "" {
		return 0
	}

	id, err := strconv.ParseUint(idStr, 10, 64)
	if err != nil {
		return 0
	}
	return id
}

type errorResponse struct {
	Error string      `json:"error"`
	Kind  domain.Kind `json:"kind"`
}

func statusFor(kind domain.Kind) int {
	switch kind {
	case domain.KindAuthorization:
		return http.StatusForbidden
	case domain.KindValidation:
		return http.StatusBadRequest
	case domain.KindStatePrecondition:
		return http.StatusConflict
	case domain.KindExternal:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, err error) {
	kind := domain.ErrorKind(err)
	writeJSON(w, statusFor(kind), errorResponse{Error: err.Error(), Kind: kind})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
