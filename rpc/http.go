package rpc

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"mevrelay/auth"
	"mevrelay/dedup"
	"mevrelay/policy"
	"mevrelay/ratelimit"
	"mevrelay/relay"
	"mevrelay/stats"
)

const (
	jsonRPCVersion  = "2.0"
	maxRequestBytes = 1 << 20 // 1 MiB
)

const (
	codeParseError     = -32700
	codeInvalidRequest = -32600
	codeMethodNotFound = -32601
	codeInvalidParams  = -32602
	codeServerError    = -32000
	codeUnauthorized   = -32001
	codeDuplicate      = -32010
	codeRateLimited    = -32020
	codePolicyRejected = -32030
)

// Server runs the admission and relay pipeline: authenticate, rate limit,
// normalize, decode, evaluate policy, deduplicate signed submissions, fan out,
// and answer with the bundle hash.
type Server struct {
	gate       *auth.Gate
	limits     *ratelimit.Limiter
	replays    *dedup.Cache
	rules      policy.Rules
	dispatcher *relay.Dispatcher
	sim        *stats.SimClient
	userStats  stats.UserStatsService

	coinbase      string
	minSimGasUsed uint64
	tracing       bool

	logger  *slog.Logger
	metrics *Metrics
}

// Config wires the server's collaborators.
type Config struct {
	Gate          *auth.Gate
	Limits        *ratelimit.Limiter
	Replays       *dedup.Cache
	Rules         policy.Rules
	Dispatcher    *relay.Dispatcher
	Sim           *stats.SimClient
	UserStats     stats.UserStatsService
	Coinbase      string
	MinSimGasUsed uint64
	Tracing       bool
	Logger        *slog.Logger
	Metrics       *Metrics
}

func NewServer(cfg Config) *Server {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = NewMetrics()
	}
	if cfg.UserStats == nil {
		cfg.UserStats = stats.Unimplemented()
	}
	return &Server{
		gate:          cfg.Gate,
		limits:        cfg.Limits,
		replays:       cfg.Replays,
		rules:         cfg.Rules,
		dispatcher:    cfg.Dispatcher,
		sim:           cfg.Sim,
		userStats:     cfg.UserStats,
		coinbase:      cfg.Coinbase,
		minSimGasUsed: cfg.MinSimGasUsed,
		tracing:       cfg.Tracing,
		logger:        cfg.Logger,
		metrics:       cfg.Metrics,
	}
}

// Router mounts the JSON-RPC endpoint plus health and metrics.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Handle("/metrics", s.metrics.Handler())

	var rpcHandler http.Handler = http.HandlerFunc(s.handle)
	if s.tracing {
		rpcHandler = otelhttp.NewHandler(rpcHandler, "relay")
	}
	r.Post("/", rpcHandler.ServeHTTP)
	return r
}

type RPCRequest struct {
	JSONRPC string            `json:"jsonrpc"`
	Method  string            `json:"method"`
	Params  []json.RawMessage `json:"params"`
	ID      json.RawMessage   `json:"id"`
}

func (r *RPCRequest) id() any {
	if len(bytes.TrimSpace(r.ID)) == 0 {
		return nil
	}
	return r.ID
}

type RPCResponse struct {
	JSONRPC string    `json:"jsonrpc"`
	ID      any       `json:"id"`
	Result  any       `json:"result,omitempty"`
	Error   *RPCError `json:"error,omitempty"`
}

type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

func writeError(w http.ResponseWriter, status int, id any, code int, message string, data any) {
	if status <= 0 {
		status = http.StatusBadRequest
	}
	if status != http.StatusOK {
		w.WriteHeader(status)
	}
	errObj := &RPCError{Code: code, Message: message}
	if data != nil {
		errObj.Data = data
	}
	resp := RPCResponse{JSONRPC: jsonRPCVersion, ID: id, Error: errObj}
	_ = json.NewEncoder(w).Encode(resp)
}

func writeResult(w http.ResponseWriter, id any, result any) {
	resp := RPCResponse{JSONRPC: jsonRPCVersion, ID: id, Result: result}
	_ = json.NewEncoder(w).Encode(resp)
}

func (s *Server) handle(w http.ResponseWriter, r *http.Request) {
	reader := http.MaxBytesReader(w, r.Body, maxRequestBytes)
	defer func() {
		_ = reader.Close()
	}()

	w.Header().Set("Content-Type", "application/json")

	body, err := io.ReadAll(reader)
	if err != nil {
		status := http.StatusBadRequest
		message := "failed to read request body"
		var maxBytesErr *http.MaxBytesError
		if errors.As(err, &maxBytesErr) {
			status = http.StatusRequestEntityTooLarge
			message = fmt.Sprintf("request body exceeds %d bytes", maxRequestBytes)
		}
		writeError(w, status, nil, codeInvalidRequest, message, nil)
		return
	}
	if len(bytes.TrimSpace(body)) == 0 {
		writeError(w, http.StatusBadRequest, nil, codeInvalidRequest, "request body required", nil)
		return
	}

	// Authentication is the very first gate: anonymous traffic must not
	// trigger any decoding work.
	identity, err := s.gate.Authenticate(r.Context(), r, body)
	if err != nil {
		s.writeAuthError(w, err)
		return
	}

	if !s.limits.AllowIdentity(identity.RateKey()) {
		writeError(w, http.StatusTooManyRequests, nil, codeRateLimited, "rate limit exceeded", nil)
		return
	}
	if !s.limits.AllowGlobal() {
		writeError(w, http.StatusTooManyRequests, nil, codeRateLimited, "relay is at capacity, try again shortly", nil)
		return
	}

	// Replay suppression applies to the signature flow only. The fingerprint
	// is inserted here, before policy evaluation, so a replayed request stays
	// rejected even when its first copy was refused downstream.
	if identity.Signed() && s.replays != nil {
		if s.replays.Observe(r.Context(), dedup.Fingerprint(body)) {
			writeError(w, http.StatusAlreadyReported, nil, codeDuplicate, "request already received", nil)
			return
		}
	}

	req := &RPCRequest{}
	if err := json.Unmarshal(body, req); err != nil {
		writeError(w, http.StatusBadRequest, nil, codeParseError, "invalid JSON payload", nil)
		return
	}
	if req.JSONRPC != "" && req.JSONRPC != jsonRPCVersion {
		writeError(w, http.StatusBadRequest, req.id(), codeInvalidRequest, "unsupported jsonrpc version", req.JSONRPC)
		return
	}
	if req.Method == "" {
		writeError(w, http.StatusBadRequest, req.id(), codeInvalidRequest, "method required", nil)
		return
	}

	switch req.Method {
	case "eth_sendBundle":
		s.handleSendBundle(w, r, req)
	case "eth_callBundle":
		s.handleCallBundle(w, r, req)
	case "flashbots_getUserStats":
		s.handleUserStats(w, r, req, identity)
	default:
		writeError(w, http.StatusBadRequest, req.id(), codeMethodNotFound,
			fmt.Sprintf("invalid method, only eth_sendBundle, eth_callBundle and flashbots_getUserStats are supported, you provided: %s", req.Method), nil)
	}
}

func (s *Server) writeAuthError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, auth.ErrUnauthenticated):
		writeError(w, http.StatusForbidden, nil, codeUnauthorized, "missing credentials", nil)
	case errors.Is(err, auth.ErrInvalidCredential):
		writeError(w, http.StatusForbidden, nil, codeUnauthorized, "invalid credentials", nil)
	case errors.Is(err, auth.ErrInvalidSignature):
		writeError(w, http.StatusForbidden, nil, codeUnauthorized, "invalid signature", nil)
	default:
		s.logger.Error("authentication backend failure", "error", err)
		writeError(w, http.StatusInternalServerError, nil, codeServerError, "internal error", nil)
	}
}
