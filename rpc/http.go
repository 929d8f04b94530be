package rpc

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/big"
	"net"
	"net/http"
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"

	"assetmarket/core"
	"assetmarket/crypto"
	"assetmarket/native/market"
	"assetmarket/native/registry"
	"assetmarket/state"
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
	codeUnauthorized   = -32001
	codeServerError    = -32000
	codeRateLimited    = -32020
	codeMarketParams   = -32021
	codeMarketNotFound = -32022
	codeMarketForbid   = -32023
	codeMarketConflict = -32024
	codeMarketInternal = -32025
)

// Server exposes the marketplace node over JSON-RPC.
type Server struct {
	node      *core.Node
	authToken string

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// NewServer builds an RPC server. An empty auth token disables bearer
// authentication for mutating methods (local development only).
func NewServer(node *core.Node, authToken string) *Server {
	return &Server{
		node:      node,
		authToken: strings.TrimSpace(authToken),
		limiters:  make(map[string]*rate.Limiter),
	}
}

// Handler returns the HTTP handler serving RPC, the websocket event stream
// and the Prometheus scrape endpoint.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handle)
	mux.HandleFunc("/ws/events", s.handleEventsWS)
	mux.Handle("/metrics", promhttp.Handler())
	return mux
}

type RPCRequest struct {
	JSONRPC string            `json:"jsonrpc"`
	Method  string            `json:"method"`
	Params  []json.RawMessage `json:"params"`
	ID      int               `json:"id"`
}

type RPCResponse struct {
	JSONRPC string      `json:"jsonrpc"`
	ID      interface{} `json:"id"`
	Result  interface{} `json:"result,omitempty"`
	Error   *RPCError   `json:"error,omitempty"`
}

type RPCError struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

type handlerFunc func(w http.ResponseWriter, r *http.Request, req *RPCRequest)

func (s *Server) handle(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "POST required", http.StatusMethodNotAllowed)
		return
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, 0, codeParseError, "parse_error", err.Error())
		return
	}
	var req RPCRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeError(w, http.StatusBadRequest, 0, codeParseError, "parse_error", err.Error())
		return
	}
	if req.JSONRPC != "" && req.JSONRPC != jsonRPCVersion {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidRequest, "invalid_request", "unsupported jsonrpc version")
		return
	}

	handler, mutating := s.route(req.Method)
	if handler == nil {
		writeError(w, http.StatusNotFound, req.ID, codeMethodNotFound, "method_not_found", req.Method)
		return
	}
	if mutating {
		if authErr := s.requireAuth(r); authErr != nil {
			writeError(w, http.StatusUnauthorized, req.ID, authErr.Code, authErr.Message, authErr.Data)
			return
		}
		if !s.allow(r) {
			writeError(w, http.StatusTooManyRequests, req.ID, codeRateLimited, "rate_limited", "too many requests")
			return
		}
	}
	handler(w, r, &req)
}

func (s *Server) route(method string) (handlerFunc, bool) {
	switch method {
	case "market_createOffer":
		return s.handleCreateOffer, true
	case "market_fillOffer":
		return s.handleFillOffer, true
	case "market_pauseOffer":
		return s.handlePauseOffer, true
	case "market_resumeOffer":
		return s.handleResumeOffer, true
	case "market_removeOffer":
		return s.handleRemoveOffer, true
	case "market_claimFunds":
		return s.handleClaimFunds, true
	case "market_swapRegistry":
		return s.handleSwapRegistry, true
	case "market_deposit":
		return s.handleDeposit, true
	case "market_getOffer":
		return s.handleGetOffer, false
	case "market_listOffers":
		return s.handleListOffers, false
	case "market_getBalance":
		return s.handleGetBalance, false
	case "market_getAccount":
		return s.handleGetAccount, false
	case "registry_mint":
		return s.handleRegistryMint, true
	case "registry_approve":
		return s.handleRegistryApprove, true
	case "registry_ownerOf":
		return s.handleRegistryOwnerOf, false
	default:
		return nil, false
	}
}

func (s *Server) requireAuth(r *http.Request) *RPCError {
	if s.authToken == "" {
		return nil
	}
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	const prefix = "Bearer "
	if !strings.HasPrefix(header, prefix) || strings.TrimSpace(header[len(prefix):]) != s.authToken {
		return &RPCError{Code: codeUnauthorized, Message: "unauthorized", Data: "missing or invalid bearer token"}
	}
	return nil
}

func (s *Server) allow(r *http.Request) bool {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	s.mu.Lock()
	limiter, ok := s.limiters[host]
	if !ok {
		limiter = rate.NewLimiter(rate.Limit(10), 20)
		s.limiters[host] = limiter
	}
	s.mu.Unlock()
	return limiter.Allow()
}

func writeResult(w http.ResponseWriter, id int, result interface{}) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(RPCResponse{JSONRPC: jsonRPCVersion, ID: id, Result: result})
}

func writeError(w http.ResponseWriter, status, id, code int, message string, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(RPCResponse{
		JSONRPC: jsonRPCVersion,
		ID:      id,
		Error:   &RPCError{Code: code, Message: message, Data: data},
	})
}

// writeEngineError maps engine sentinels onto the RPC error taxonomy:
// validation, authorization, state-conflict and downstream failures.
func writeEngineError(w http.ResponseWriter, id int, err error) {
	switch {
	case errors.Is(err, market.ErrInvalidPrice),
		errors.Is(err, market.ErrPaymentMismatch),
		errors.Is(err, core.ErrEmptyRegistry):
		writeError(w, http.StatusBadRequest, id, codeMarketParams, "invalid_params", err.Error())
	case errors.Is(err, market.ErrNotSeller),
		errors.Is(err, market.ErrSelfFill),
		errors.Is(err, market.ErrNotAssetController),
		errors.Is(err, core.ErrNotAdmin):
		writeError(w, http.StatusForbidden, id, codeMarketForbid, "forbidden", err.Error())
	case errors.Is(err, market.ErrOfferNotFound),
		errors.Is(err, registry.ErrAssetNotFound):
		writeError(w, http.StatusNotFound, id, codeMarketNotFound, "not_found", err.Error())
	case errors.Is(err, market.ErrOfferDeleted),
		errors.Is(err, market.ErrOfferPaused),
		errors.Is(err, market.ErrOfferNotPaused),
		errors.Is(err, market.ErrAssetListed),
		errors.Is(err, market.ErrNothingToClaim),
		errors.Is(err, market.ErrInsufficientFunds),
		errors.Is(err, state.ErrInsufficientBalance),
		errors.Is(err, registry.ErrAssetExists),
		errors.Is(err, registry.ErrNotCustodian),
		errors.Is(err, registry.ErrNotOwner),
		errors.Is(err, core.ErrDirectTransfer):
		writeError(w, http.StatusConflict, id, codeMarketConflict, "conflict", err.Error())
	default:
		writeError(w, http.StatusInternalServerError, id, codeMarketInternal, "internal_error", err.Error())
	}
}

func parseAddress(raw string) ([20]byte, error) {
	var addr [20]byte
	decoded, err := crypto.DecodeAddress(strings.TrimSpace(raw))
	if err != nil {
		return addr, err
	}
	copy(addr[:], decoded.Bytes())
	return addr, nil
}

func parsePositiveBigInt(raw string) (*big.Int, error) {
	value, ok := new(big.Int).SetString(strings.TrimSpace(raw), 10)
	if !ok {
		return nil, fmt.Errorf("invalid integer amount: %q", raw)
	}
	if value.Sign() <= 0 {
		return nil, fmt.Errorf("amount must be positive")
	}
	return value, nil
}

func renderAddress(addr [20]byte) string {
	return crypto.NewAddress(crypto.MarketPrefix, addr[:]).String()
}
