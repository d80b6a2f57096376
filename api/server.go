// Package api exposes the indexed transfer history over HTTP: a paged
// query endpoint, aggregate stats, a status probe and an optional
// websocket channel pushing live events as they are stored.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/log"
	"github.com/gorilla/mux"
	"github.com/rs/cors"

	"github.com/transferscan/transferscan/store"
)

// ChainInfo supplies the identity of the upstream chain for the status
// endpoint.
type ChainInfo interface {
	ChainID(ctx context.Context) (*big.Int, error)
}

// Config holds the HTTP server settings.
type Config struct {
	Addr     string // listen address (default 127.0.0.1:8080)
	Contract common.Address

	// CORSOrigins enables cross-origin requests for the given origins.
	// Empty disables CORS handling entirely.
	CORSOrigins []string

	// WSEnabled serves the /ws push channel.
	WSEnabled bool

	// ThrottleRPS caps the per-client request rate on the data
	// endpoints. Zero disables throttling.
	ThrottleRPS   float64
	ThrottleBurst int

	Logger log.Logger
}

func (cfg Config) withDefaults() Config {
	if cfg.Addr == "" {
		cfg.Addr = "127.0.0.1:8080"
	}
	if cfg.ThrottleBurst <= 0 {
		cfg.ThrottleBurst = 20
	}
	if cfg.Logger == nil {
		cfg.Logger = log.Root()
	}
	return cfg
}

// Server is the HTTP query surface over the event store.
type Server struct {
	cfg   Config
	store *store.Store
	chain ChainInfo
	hub   *Hub // nil when the push channel is disabled
	log   log.Logger

	handler  http.Handler
	srv      *http.Server
	listener net.Listener
	started  time.Time
}

// NewServer assembles the route handlers. Start brings the listener up.
func NewServer(st *store.Store, chain ChainInfo, cfg Config) *Server {
	cfg = cfg.withDefaults()
	s := &Server{
		cfg:   cfg,
		store: st,
		chain: chain,
		log:   cfg.Logger.New("component", "api"),
	}
	if cfg.WSEnabled {
		s.hub = newHub(cfg.Logger)
	}
	s.handler = s.buildHandler()
	return s
}

func (s *Server) buildHandler() http.Handler {
	r := mux.NewRouter()
	// Status stays reachable when a client has burned its quota.
	r.HandleFunc("/api/status", s.handleStatus).Methods(http.MethodGet)

	data := r.PathPrefix("/api").Subrouter()
	if s.cfg.ThrottleRPS > 0 {
		data.Use(newThrottle(s.cfg.ThrottleRPS, s.cfg.ThrottleBurst, s.log).middleware)
	}
	data.HandleFunc("/events", s.handleEvents).Methods(http.MethodGet)
	data.HandleFunc("/stats", s.handleStats).Methods(http.MethodGet)

	if s.hub != nil {
		r.Handle("/ws", s.hub)
	}
	return newCorsHandler(r, s.cfg.CORSOrigins)
}

func newCorsHandler(srv http.Handler, allowedOrigins []string) http.Handler {
	if len(allowedOrigins) == 0 {
		return srv
	}
	c := cors.New(cors.Options{
		AllowedOrigins: allowedOrigins,
		AllowedMethods: []string{http.MethodGet},
		MaxAge:         600,
		AllowedHeaders: []string{"*"},
	})
	return c.Handler(srv)
}

// Start opens the listener and serves until Stop.
func (s *Server) Start() error {
	listener, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return err
	}
	s.listener = listener
	s.started = time.Now()
	if s.hub != nil {
		s.hub.start()
	}
	s.srv = &http.Server{
		Handler:           s.handler,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go s.srv.Serve(listener)
	s.log.Info("HTTP endpoint opened", "url", fmt.Sprintf("http://%v/", listener.Addr()))
	return nil
}

// Stop closes the push channel and drains in-flight requests. Hijacked
// websocket connections are not covered by Shutdown, so the hub closes
// its clients first.
func (s *Server) Stop(ctx context.Context) error {
	if s.hub != nil {
		s.hub.stop()
	}
	if s.srv == nil {
		return nil
	}
	err := s.srv.Shutdown(ctx)
	s.log.Info("HTTP endpoint closed", "url", fmt.Sprintf("http://%v/", s.listener.Addr()))
	return err
}

// Addr returns the bound listen address.
func (s *Server) Addr() string {
	if s.listener == nil {
		return s.cfg.Addr
	}
	return s.listener.Addr().String()
}

// Broadcast offers ev to the connected websocket clients. It matches
// the live tailer's sink signature and is a no-op when the push channel
// is disabled.
func (s *Server) Broadcast(ev *store.TransferEvent) error {
	if s.hub == nil {
		return nil
	}
	return s.hub.broadcast(ev)
}

type eventsResponse struct {
	Events     []*store.TransferEvent `json:"events"`
	TotalCount int                    `json:"totalCount"`
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	requestMeter.Mark(1)
	params := r.URL.Query()
	q := store.EventQuery{
		From: strings.ToLower(params.Get("from")),
		To:   strings.ToLower(params.Get("to")),
	}
	var err error
	if q.StartBlock, err = blockParam(params.Get("startBlock")); err != nil {
		respondError(w, http.StatusBadRequest, "invalid startBlock")
		return
	}
	if q.EndBlock, err = blockParam(params.Get("endBlock")); err != nil {
		respondError(w, http.StatusBadRequest, "invalid endBlock")
		return
	}
	if q.Page, err = intParam(params.Get("page")); err != nil {
		respondError(w, http.StatusBadRequest, "invalid page")
		return
	}
	if q.PageSize, err = intParam(params.Get("pageSize")); err != nil {
		respondError(w, http.StatusBadRequest, "invalid pageSize")
		return
	}

	events, total, err := s.store.Events(r.Context(), q)
	if err != nil {
		s.log.Error("Event query failed", "err", err)
		respondError(w, http.StatusInternalServerError, "query failed")
		return
	}
	if events == nil {
		events = []*store.TransferEvent{}
	}
	respondJSON(w, eventsResponse{Events: events, TotalCount: total})
}

type statsResponse struct {
	TotalEvents int64 `json:"totalEvents"`
	// TotalValue is a decimal string: transfer sums overflow uint64
	// long before they trouble a big.Int.
	TotalValue string `json:"totalValueTransferred"`
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	requestMeter.Mark(1)
	stats, err := s.store.Stats(r.Context())
	if err != nil {
		s.log.Error("Stats query failed", "err", err)
		respondError(w, http.StatusInternalServerError, "query failed")
		return
	}
	respondJSON(w, statsResponse{
		TotalEvents: stats.TotalEvents,
		TotalValue:  stats.TotalValue.String(),
	})
}

// statusResponse reports the two sync cursors separately. The batch
// cursor drives backfill resumption while the realtime cursor only
// mirrors live progress; merging them would corrupt restart behavior,
// so clients see exactly what the store holds. Unset cursors are null.
type statusResponse struct {
	ChainID        string  `json:"chainId"`
	Contract       string  `json:"contract"`
	BatchCursor    *uint64 `json:"batchSyncBlock"`
	RealtimeCursor *uint64 `json:"realtimeSyncBlock"`
	Uptime         string  `json:"uptime"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	requestMeter.Mark(1)
	resp := statusResponse{
		Contract: strings.ToLower(s.cfg.Contract.Hex()),
		Uptime:   time.Since(s.started).Round(time.Second).String(),
	}
	if id, err := s.chain.ChainID(r.Context()); err == nil {
		resp.ChainID = id.String()
	} else {
		s.log.Warn("Chain id unavailable for status", "err", err)
	}
	if block, ok, err := s.store.Cursor(r.Context(), store.BatchCursor); err == nil && ok {
		resp.BatchCursor = &block
	}
	if block, ok, err := s.store.Cursor(r.Context(), store.RealtimeCursor); err == nil && ok {
		resp.RealtimeCursor = &block
	}
	respondJSON(w, resp)
}

func blockParam(v string) (*uint64, error) {
	if v == "" {
		return nil, nil
	}
	n, err := strconv.ParseUint(v, 10, 64)
	if err != nil {
		return nil, err
	}
	return &n, nil
}

func intParam(v string) (int, error) {
	if v == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("invalid integer %q", v)
	}
	return n, nil
}

type errorResponse struct {
	Error string `json:"error"`
}

func respondJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, "encoding failed", http.StatusInternalServerError)
	}
}

func respondError(w http.ResponseWriter, code int, message string) {
	errorMeter.Mark(1)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(errorResponse{Error: message})
}
