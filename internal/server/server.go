package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"aimint/internal/chain"
	"aimint/internal/config"
	"aimint/internal/hmacauth"
	"aimint/internal/idempotency"
	"aimint/internal/logging"
	"aimint/internal/pipeline"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	headerIdempotencyKey = "X-Idempotency-Key"
	headerRequestID      = "X-Request-Id"
	headerReplayed       = "X-Idempotency-Replayed"
	maxMintBodyBytes     = 64 << 10
	viewTimeout          = 5 * time.Second
)

// Runner executes mint pipelines.
type Runner interface {
	Run(ctx context.Context, conn *chain.Connection, name, description string, observers ...pipeline.Observer) pipeline.Outcome
}

// connectionState is swapped whole whenever the wallet is re-initialized.
type connectionState struct {
	conn *chain.Connection
	err  error
}

type Server struct {
	cfg        *config.AppConfig
	runner     Runner
	store      idempotency.Store
	hmac       *hmacauth.Verifier
	httpServer *http.Server
	metrics    *metricsRegistry
	logger     *zap.Logger
	connection atomic.Pointer[connectionState]
}

func NewServer(cfg *config.AppConfig, runner Runner, store idempotency.Store, logger *zap.Logger) *Server {
	s := &Server{
		cfg:     cfg,
		runner:  runner,
		store:   store,
		metrics: newMetricsRegistry(),
		logger:  logging.OrNop(logger),
	}
	s.hmac = &hmacauth.Verifier{
		Secret:       cfg.Service.HMACSecret,
		MaxSkew:      cfg.Service.HMACClockSkew,
		MaxBodyBytes: maxMintBodyBytes,
		OnReject: func(w http.ResponseWriter, r *http.Request, err error) {
			s.metrics.incRequest("unauthorized")
			writeError(w, http.StatusUnauthorized, "", err)
		},
	}
	s.SetConnection(nil, chain.ErrNoWallet)

	mux := http.NewServeMux()
	mux.Handle("/api/v1/mints", s.hmac.Middleware(http.HandlerFunc(s.handleMint)))
	mux.HandleFunc("/api/v1/contract", s.handleContract)
	mux.Handle("/api/v1/metrics", s.metrics.handler())
	mux.HandleFunc("/api/v1/health", s.handleHealth)

	s.httpServer = &http.Server{
		Addr:              ":" + strconv.Itoa(cfg.Service.HTTPPort),
		Handler:           s.requestIDMiddleware(mux),
		ReadHeaderTimeout: 15 * time.Second,
	}
	return s
}

// SetConnection replaces the chain connection used by later runs. A nil conn
// with err makes mint and contract requests fail with err until replaced.
func (s *Server) SetConnection(conn *chain.Connection, err error) {
	if conn == nil && err == nil {
		err = chain.ErrNoWallet
	}
	s.connection.Store(&connectionState{conn: conn, err: err})
}

func (s *Server) currentConnection() (*chain.Connection, error) {
	state := s.connection.Load()
	if state.conn == nil {
		return nil, state.err
	}
	return state.conn, nil
}

func (s *Server) Start() error {
	s.logger.Info("API listening", zap.String("addr", s.httpServer.Addr))
	return s.httpServer.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleMint(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	logger := s.requestLogger(r)

	key := strings.TrimSpace(r.Header.Get(headerIdempotencyKey))
	if key == "" {
		s.metrics.incRequest("invalid")
		writeError(w, http.StatusBadRequest, pipeline.CategoryValidation, errors.New("missing X-Idempotency-Key header"))
		return
	}

	ctx := r.Context()

	// The claim lives in the store so that instances sharing it never run a
	// key twice.
	existing, err := s.store.Reserve(ctx, key, s.cfg.Service.IdempotencyWindow)
	if err != nil {
		logger.Warn("idempotency reserve failed", zap.String("key", key), zap.Error(err))
		s.metrics.incRequest("unavailable")
		writeError(w, http.StatusServiceUnavailable, "", errors.New("submission store unavailable"))
		return
	}
	if existing != nil {
		if existing.Pending() {
			s.metrics.incRequest("conflict")
			writeError(w, http.StatusConflict, "", errors.New("a submission with this idempotency key is in progress"))
			return
		}
		s.replay(w, existing)
		logger.Info("replayed mint response", zap.String("key", key), zap.String("run_id", existing.RunID))
		return
	}

	// Requests rejected before a run starts, and runs that fail validation, give
	// the key back. Any other run leaves the claim to its stored response.
	keepClaim := false
	defer func() {
		if keepClaim {
			return
		}
		if err := s.store.Release(context.WithoutCancel(ctx), key); err != nil {
			logger.Warn("idempotency release failed", zap.String("key", key), zap.Error(err))
		}
	}()

	var payload mintRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxMintBodyBytes)).Decode(&payload); err != nil {
		s.metrics.incRequest("invalid")
		writeError(w, http.StatusBadRequest, pipeline.CategoryValidation, fmt.Errorf("%w: invalid json payload", pipeline.ErrValidation))
		return
	}

	conn, connErr := s.currentConnection()
	if connErr != nil {
		s.metrics.incRequest("unavailable")
		writeError(w, http.StatusServiceUnavailable, pipeline.CategoryConnection, connErr)
		return
	}

	observers := []pipeline.Observer{s.metrics}
	var stream *eventStream
	if wantsEventStream(r) {
		if es, ok := newEventStream(w, logger); ok {
			stream = es
			observers = append(observers, stream)
		}
	}

	// A run is never cut short by the client going away.
	keepClaim = true
	s.metrics.inFlight.Inc()
	out := s.runner.Run(context.WithoutCancel(ctx), conn, payload.Name, payload.Description, observers...)
	s.metrics.inFlight.Dec()
	s.metrics.observeOutcome(out)

	status, resp := renderOutcome(out)
	body, err := json.Marshal(resp)
	if err != nil {
		logger.Error("encode mint response", zap.Error(err))
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	if status == http.StatusBadRequest {
		keepClaim = false
		s.metrics.incRequest("invalid")
	} else {
		record := idempotency.NewRecord(status, "application/json", body, out.RunID, s.cfg.Service.IdempotencyWindow)
		if err := s.store.Save(context.WithoutCancel(ctx), key, record); err != nil {
			logger.Error("idempotency save failed", zap.String("key", key), zap.String("run_id", out.RunID), zap.Error(err))
		}
		s.metrics.incRequest(resp.Status)
	}

	if stream != nil {
		stream.outcome(status, resp)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(body)
}

func (s *Server) replay(w http.ResponseWriter, rec *idempotency.Record) {
	contentType := rec.ContentType
	if contentType == "" {
		contentType = "application/json"
	}
	w.Header().Set("Content-Type", contentType)
	w.Header().Set(headerReplayed, "true")
	w.WriteHeader(rec.StatusCode)
	_, _ = w.Write(rec.Body)
	s.metrics.incRequest("replayed")
}

type contractResponse struct {
	ChainID     string `json:"chainId"`
	Network     string `json:"network"`
	Address     string `json:"address"`
	Name        string `json:"name"`
	Symbol      string `json:"symbol"`
	TotalSupply string `json:"totalSupply"`
	MintPrice   string `json:"mintPrice"`
}

func (s *Server) handleContract(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	conn, err := s.currentConnection()
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, pipeline.CategoryConnection, err)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), viewTimeout)
	defer cancel()

	contract := conn.Contract()
	symbol, err := contract.Symbol(ctx)
	if err != nil {
		writeError(w, http.StatusBadGateway, pipeline.CategoryConnection, fmt.Errorf("%w: symbol: %w", chain.ErrProvider, err))
		return
	}
	supply, err := contract.TotalSupply(ctx)
	if err != nil {
		writeError(w, http.StatusBadGateway, pipeline.CategoryConnection, fmt.Errorf("%w: totalSupply: %w", chain.ErrProvider, err))
		return
	}

	writeJSON(w, http.StatusOK, contractResponse{
		ChainID:     conn.ChainID().String(),
		Network:     conn.Network().Name,
		Address:     contract.Address().Hex(),
		Name:        conn.ContractName(),
		Symbol:      symbol,
		TotalSupply: supply.String(),
		MintPrice:   chain.MintPrice().String(),
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	overallHealthy := true

	rpcInfo := struct {
		Connected bool    `json:"connected"`
		ChainID   string  `json:"chainId,omitempty"`
		LatencyMs float64 `json:"latency_ms"`
		Error     string  `json:"error,omitempty"`
	}{}

	if conn, err := s.currentConnection(); err != nil {
		rpcInfo.Error = err.Error()
		overallHealthy = false
	} else {
		rpcInfo.ChainID = conn.ChainID().String()
		start := time.Now()
		rpcCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		defer cancel()
		if err := conn.Ping(rpcCtx); err != nil {
			rpcInfo.Error = err.Error()
			overallHealthy = false
		} else {
			rpcInfo.Connected = true
			rpcInfo.LatencyMs = float64(time.Since(start).Microseconds()) / 1000.0
		}
	}

	storeInfo := struct {
		Backend   string `json:"backend"`
		Connected bool   `json:"connected"`
		Error     string `json:"error,omitempty"`
	}{Backend: s.cfg.Service.IdempotencyBackend, Connected: true}

	storeCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := s.store.Ping(storeCtx); err != nil {
		storeInfo.Connected = false
		storeInfo.Error = err.Error()
		overallHealthy = false
	}

	status := "healthy"
	if !overallHealthy {
		status = "degraded"
	}

	resp := struct {
		Status string      `json:"status"`
		RPC    interface{} `json:"rpc"`
		Store  interface{} `json:"store"`
	}{
		Status: status,
		RPC:    rpcInfo,
		Store:  storeInfo,
	}

	code := http.StatusOK
	if !overallHealthy {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, resp)
}

func (s *Server) requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(headerRequestID)
		if id == "" {
			id = uuid.NewString()
			r.Header.Set(headerRequestID, id)
		}
		w.Header().Set(headerRequestID, id)
		next.ServeHTTP(w, r)
	})
}

func (s *Server) requestLogger(r *http.Request) *zap.Logger {
	return s.logger.With(
		zap.String("request_id", r.Header.Get(headerRequestID)),
		zap.String("path", r.URL.Path),
	)
}
