package main

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/time/rate"
	"lukechampine.com/blake3"

	gatewayauth "assetmarket/gateway/auth"
	"assetmarket/gateway/middleware"
	"assetmarket/observability/logging"
)

const (
	headerIdempotencyKey = "Idempotency-Key"
	headerRequestID      = "X-Request-Id"
	maxRequestBody       = 1 << 20 // 1 MiB
	nodeCallTimeout      = 15 * time.Second
)

// Server is the HTTP front-end for marketplace interactions.
type Server struct {
	authenticator *gatewayauth.Authenticator
	admin         *middleware.JWTVerifier
	node          NodeClient
	store         *SQLiteStore
	nowFn         func() time.Time

	ratePerSecond float64
	rateBurst     int
	limiterMu     sync.Mutex
	limiters      map[string]*rate.Limiter
}

func NewServer(auth *gatewayauth.Authenticator, admin *middleware.JWTVerifier, node NodeClient, store *SQLiteStore, ratePerSecond float64, rateBurst int) *Server {
	if auth == nil {
		panic("authenticator required")
	}
	if node == nil {
		panic("node client required")
	}
	if store == nil {
		panic("sqlite store required")
	}
	if ratePerSecond <= 0 {
		ratePerSecond = 10
	}
	if rateBurst <= 0 {
		rateBurst = 20
	}
	return &Server{
		authenticator: auth,
		admin:         admin,
		node:          node,
		store:         store,
		nowFn:         time.Now,
		ratePerSecond: ratePerSecond,
		rateBurst:     rateBurst,
		limiters:      make(map[string]*rate.Limiter),
	}
}

// Handler assembles the route tree. Every handler is traced through otelhttp
// and tagged with a request id.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(requestIDMiddleware)

	r.Post("/v1/offers", s.handleCreateOffer)
	r.Get("/v1/offers", s.handleListOffers)
	r.Get("/v1/offers/{offerID}", s.handleGetOffer)
	r.Post("/v1/offers/{offerID}/fill", s.handleFillOffer)
	r.Post("/v1/offers/{offerID}/pause", s.handlePauseOffer)
	r.Post("/v1/offers/{offerID}/resume", s.handleResumeOffer)
	r.Delete("/v1/offers/{offerID}", s.handleRemoveOffer)
	r.Post("/v1/claims", s.handleClaimFunds)
	r.Get("/v1/balances/{address}", s.handleGetBalance)
	r.Get("/healthz", s.handleHealth)

	if s.admin != nil {
		r.Group(func(r chi.Router) {
			r.Use(s.admin.Require("registry:swap"))
			r.Post("/v1/admin/registry", s.handleSwapRegistry)
		})
	}

	return otelhttp.NewHandler(r, "market-gateway")
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := strings.TrimSpace(r.Header.Get(headerRequestID))
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set(headerRequestID, id)
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

type createOfferRequest struct {
	Caller  string `json:"caller"`
	AssetID uint64 `json:"assetId"`
	Price   string `json:"price"`
}

func (s *Server) handleCreateOffer(w http.ResponseWriter, r *http.Request) {
	s.mutatingEndpoint(w, r, func(ctx context.Context, body []byte) (int, interface{}, error) {
		var req createOfferRequest
		if err := json.Unmarshal(body, &req); err != nil {
			return http.StatusBadRequest, nil, fmt.Errorf("invalid JSON payload: %w", err)
		}
		if strings.TrimSpace(req.Caller) == "" || strings.TrimSpace(req.Price) == "" {
			return http.StatusBadRequest, nil, errors.New("caller and price are required")
		}
		offer, err := s.node.CreateOffer(ctx, req.Caller, req.AssetID, req.Price)
		if err != nil {
			return 0, nil, err
		}
		return http.StatusCreated, offer, nil
	})
}

type fillOfferRequest struct {
	Caller  string `json:"caller"`
	Payment string `json:"payment"`
}

func (s *Server) handleFillOffer(w http.ResponseWriter, r *http.Request) {
	offerID, err := offerIDParam(r)
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, err)
		return
	}
	s.mutatingEndpoint(w, r, func(ctx context.Context, body []byte) (int, interface{}, error) {
		var req fillOfferRequest
		if err := json.Unmarshal(body, &req); err != nil {
			return http.StatusBadRequest, nil, fmt.Errorf("invalid JSON payload: %w", err)
		}
		if strings.TrimSpace(req.Caller) == "" || strings.TrimSpace(req.Payment) == "" {
			return http.StatusBadRequest, nil, errors.New("caller and payment are required")
		}
		if err := s.node.FillOffer(ctx, req.Caller, offerID, req.Payment); err != nil {
			return 0, nil, err
		}
		return http.StatusOK, map[string]interface{}{"filled": true, "offerId": offerID}, nil
	})
}

type callerRequest struct {
	Caller string `json:"caller"`
}

func (s *Server) handlePauseOffer(w http.ResponseWriter, r *http.Request) {
	s.offerAction(w, r, "paused", s.node.PauseOffer)
}

func (s *Server) handleResumeOffer(w http.ResponseWriter, r *http.Request) {
	s.offerAction(w, r, "resumed", s.node.ResumeOffer)
}

func (s *Server) handleRemoveOffer(w http.ResponseWriter, r *http.Request) {
	s.offerAction(w, r, "removed", s.node.RemoveOffer)
}

func (s *Server) offerAction(w http.ResponseWriter, r *http.Request, verb string, op func(context.Context, string, uint64) error) {
	offerID, err := offerIDParam(r)
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, err)
		return
	}
	s.mutatingEndpoint(w, r, func(ctx context.Context, body []byte) (int, interface{}, error) {
		var req callerRequest
		if err := json.Unmarshal(body, &req); err != nil {
			return http.StatusBadRequest, nil, fmt.Errorf("invalid JSON payload: %w", err)
		}
		if strings.TrimSpace(req.Caller) == "" {
			return http.StatusBadRequest, nil, errors.New("caller is required")
		}
		if err := op(ctx, req.Caller, offerID); err != nil {
			return 0, nil, err
		}
		return http.StatusOK, map[string]interface{}{verb: true, "offerId": offerID}, nil
	})
}

func (s *Server) handleClaimFunds(w http.ResponseWriter, r *http.Request) {
	s.mutatingEndpoint(w, r, func(ctx context.Context, body []byte) (int, interface{}, error) {
		var req callerRequest
		if err := json.Unmarshal(body, &req); err != nil {
			return http.StatusBadRequest, nil, fmt.Errorf("invalid JSON payload: %w", err)
		}
		if strings.TrimSpace(req.Caller) == "" {
			return http.StatusBadRequest, nil, errors.New("caller is required")
		}
		claimed, err := s.node.ClaimFunds(ctx, req.Caller)
		if err != nil {
			return 0, nil, err
		}
		return http.StatusOK, map[string]interface{}{"claimed": claimed}, nil
	})
}

type swapRegistryRequest struct {
	Caller    string `json:"caller"`
	Namespace string `json:"namespace"`
}

// handleSwapRegistry sits behind the JWT admin middleware; callers still need
// a valid HMAC signature like every other mutating route.
func (s *Server) handleSwapRegistry(w http.ResponseWriter, r *http.Request) {
	s.mutatingEndpoint(w, r, func(ctx context.Context, body []byte) (int, interface{}, error) {
		var req swapRegistryRequest
		if err := json.Unmarshal(body, &req); err != nil {
			return http.StatusBadRequest, nil, fmt.Errorf("invalid JSON payload: %w", err)
		}
		if strings.TrimSpace(req.Caller) == "" || strings.TrimSpace(req.Namespace) == "" {
			return http.StatusBadRequest, nil, errors.New("caller and namespace are required")
		}
		namespace, err := s.node.SwapRegistry(ctx, req.Caller, req.Namespace)
		if err != nil {
			return 0, nil, err
		}
		return http.StatusOK, map[string]interface{}{"registry": namespace}, nil
	})
}

func (s *Server) handleGetOffer(w http.ResponseWriter, r *http.Request) {
	offerID, err := offerIDParam(r)
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, err)
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), nodeCallTimeout)
	defer cancel()
	offer, err := s.node.GetOffer(ctx, offerID)
	if err != nil {
		s.writeNodeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, offer)
}

func (s *Server) handleListOffers(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), nodeCallTimeout)
	defer cancel()
	offers, err := s.node.ListOffers(ctx)
	if err != nil {
		s.writeNodeError(w, err)
		return
	}
	if offers == nil {
		offers = []OfferView{}
	}
	writeJSON(w, http.StatusOK, offers)
}

func (s *Server) handleGetBalance(w http.ResponseWriter, r *http.Request) {
	address := strings.TrimSpace(chi.URLParam(r, "address"))
	if address == "" {
		writeJSONError(w, http.StatusBadRequest, errors.New("address is required"))
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), nodeCallTimeout)
	defer cancel()
	claimable, err := s.node.GetBalance(ctx, address)
	if err != nil {
		s.writeNodeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"address": address, "claimable": claimable})
}

// mutatingEndpoint runs the shared pipeline for every write: HMAC auth,
// per-key rate limiting, idempotency replay, the node call, then audit.
func (s *Server) mutatingEndpoint(w http.ResponseWriter, r *http.Request, fn func(context.Context, []byte) (int, interface{}, error)) {
	body, err := readRequestBody(r)
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, err)
		return
	}
	principal, err := s.authenticator.Authenticate(r, body)
	if err != nil {
		slog.Warn("request authentication failed",
			logging.MaskField("apiKey", r.Header.Get(gatewayauth.HeaderAPIKey)),
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.String("error", err.Error()))
		writeJSONError(w, http.StatusUnauthorized, err)
		return
	}
	if !s.allow(principal.APIKey) {
		writeJSONError(w, http.StatusTooManyRequests, errors.New("rate limit exceeded"))
		return
	}

	key := strings.TrimSpace(r.Header.Get(headerIdempotencyKey))
	if key == "" {
		writeJSONError(w, http.StatusBadRequest, errors.New("missing Idempotency-Key header"))
		return
	}
	requestHash := hashRequest(r.Method, gatewayauth.CanonicalRequestPath(r), body)
	cached, cacheErr := s.store.LookupIdempotency(r.Context(), principal.APIKey, key, requestHash)
	if cacheErr != nil {
		status := http.StatusInternalServerError
		if errors.Is(cacheErr, ErrIdempotencyMismatch) {
			status = http.StatusConflict
		}
		writeJSONError(w, status, cacheErr)
		return
	}
	if cached != nil {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(cached.Status)
		_, _ = w.Write(cached.Body)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), nodeCallTimeout)
	defer cancel()
	status, result, err := fn(ctx, body)
	var responseBody []byte
	if err != nil {
		if status == 0 {
			status = nodeErrorStatus(err)
		}
		responseBody, _ = json.Marshal(map[string]string{"error": err.Error()})
	} else {
		responseBody, _ = json.Marshal(result)
	}

	if err == nil || status == http.StatusConflict {
		// Cache success and deterministic conflicts so retries replay the
		// original outcome instead of re-executing.
		_ = s.store.SaveIdempotency(r.Context(), principal.APIKey, key, requestHash, status, responseBody)
	}
	s.audit(r.Context(), principal.APIKey, r, body, status, responseBody)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(responseBody)
}

func (s *Server) allow(apiKey string) bool {
	s.limiterMu.Lock()
	limiter, ok := s.limiters[apiKey]
	if !ok {
		limiter = rate.NewLimiter(rate.Limit(s.ratePerSecond), s.rateBurst)
		s.limiters[apiKey] = limiter
	}
	s.limiterMu.Unlock()
	return limiter.Allow()
}

func (s *Server) audit(ctx context.Context, apiKey string, r *http.Request, requestBody []byte, status int, responseBody []byte) {
	entry := AuditEntry{
		RequestID:      r.Header.Get(headerRequestID),
		APIKey:         apiKey,
		Method:         r.Method,
		Path:           r.URL.Path,
		RequestBody:    requestBody,
		ResponseBody:   responseBody,
		ResponseStatus: status,
		Timestamp:      s.nowFn().UTC(),
	}
	_ = s.store.InsertAuditLog(ctx, entry)
}

func (s *Server) writeNodeError(w http.ResponseWriter, err error) {
	writeJSONError(w, nodeErrorStatus(err), err)
}

// nodeErrorStatus translates node RPC error codes onto HTTP statuses.
func nodeErrorStatus(err error) int {
	var nodeErr *NodeError
	if !errors.As(err, &nodeErr) {
		return http.StatusBadGateway
	}
	switch nodeErr.Code {
	case -32021, -32602:
		return http.StatusBadRequest
	case -32022:
		return http.StatusNotFound
	case -32023, -32001:
		return http.StatusForbidden
	case -32024:
		return http.StatusConflict
	default:
		return http.StatusBadGateway
	}
}

func offerIDParam(r *http.Request) (uint64, error) {
	raw := strings.TrimSpace(chi.URLParam(r, "offerID"))
	id, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid offer id %q", raw)
	}
	return id, nil
}

func readRequestBody(r *http.Request) ([]byte, error) {
	defer r.Body.Close()
	body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBody+1))
	if err != nil {
		return nil, err
	}
	if len(body) > maxRequestBody {
		return nil, fmt.Errorf("request body exceeds %d bytes", maxRequestBody)
	}
	return body, nil
}

func hashRequest(method, path string, body []byte) string {
	hasher := blake3.New(32, nil)
	hasher.Write([]byte(strings.ToUpper(method)))
	hasher.Write([]byte("\n"))
	hasher.Write([]byte(path))
	hasher.Write([]byte("\n"))
	hasher.Write(body)
	return hex.EncodeToString(hasher.Sum(nil))
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeJSONError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
