package main

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	gatewayauth "assetmarket/gateway/auth"
)

type stubNodeClient struct {
	createCalls int
	fillCalls   int
	failWith    error
}

func (s *stubNodeClient) CreateOffer(_ context.Context, caller string, assetID uint64, price string) (*OfferView, error) {
	s.createCalls++
	if s.failWith != nil {
		return nil, s.failWith
	}
	return &OfferView{ID: uint64(s.createCalls - 1), AssetID: assetID, Seller: caller, Price: price, Status: "active"}, nil
}

func (s *stubNodeClient) FillOffer(context.Context, string, uint64, string) error {
	s.fillCalls++
	return s.failWith
}

func (s *stubNodeClient) PauseOffer(context.Context, string, uint64) error { return s.failWith }
func (s *stubNodeClient) ResumeOffer(context.Context, string, uint64) error { return s.failWith }
func (s *stubNodeClient) RemoveOffer(context.Context, string, uint64) error { return s.failWith }

func (s *stubNodeClient) ClaimFunds(context.Context, string) (string, error) {
	if s.failWith != nil {
		return "", s.failWith
	}
	return "100", nil
}

func (s *stubNodeClient) SwapRegistry(_ context.Context, _, namespace string) (string, error) {
	if s.failWith != nil {
		return "", s.failWith
	}
	return namespace, nil
}

func (s *stubNodeClient) GetOffer(context.Context, uint64) (*OfferView, error) {
	if s.failWith != nil {
		return nil, s.failWith
	}
	return &OfferView{ID: 0, Status: "active", Price: "100"}, nil
}

func (s *stubNodeClient) ListOffers(context.Context) ([]OfferView, error) { return nil, s.failWith }

func (s *stubNodeClient) GetBalance(context.Context, string) (string, error) {
	return "0", s.failWith
}

func newTestGateway(t *testing.T, node NodeClient) (*httptest.Server, func(req *http.Request, body []byte)) {
	t.Helper()
	store, err := NewSQLiteStore(filepath.Join(t.TempDir(), "gateway.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	now := time.Now
	auth := gatewayauth.NewAuthenticator(map[string]string{"key-1": "secret-1"}, 2*time.Minute, 4*time.Minute, 64, now)
	server := NewServer(auth, nil, node, store, 1000, 1000)
	ts := httptest.NewServer(server.Handler())
	t.Cleanup(ts.Close)

	nonce := 0
	sign := func(req *http.Request, body []byte) {
		nonce++
		timestamp := fmt.Sprintf("%d", time.Now().Unix())
		n := fmt.Sprintf("nonce-%d", nonce)
		sig := gatewayauth.ComputeSignature("secret-1", timestamp, n, req.Method, gatewayauth.CanonicalRequestPath(req), body)
		req.Header.Set(gatewayauth.HeaderAPIKey, "key-1")
		req.Header.Set(gatewayauth.HeaderTimestamp, timestamp)
		req.Header.Set(gatewayauth.HeaderNonce, n)
		req.Header.Set(gatewayauth.HeaderSignature, hex.EncodeToString(sig))
	}
	return ts, sign
}

func TestCreateOfferEndpoint(t *testing.T) {
	node := &stubNodeClient{}
	ts, sign := newTestGateway(t, node)

	body := []byte(`{"caller":"mkt1qqqsyqcyq5rqwzqfpg9scrgwpugpzysnzs23v9cc","assetId":7,"price":"100"}`)
	req, err := http.NewRequest(http.MethodPost, ts.URL+"/v1/offers", bytes.NewReader(body))
	require.NoError(t, err)
	req.Header.Set(headerIdempotencyKey, "create-1")
	sign(req, body)

	resp, err := ts.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var offer OfferView
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&offer))
	require.Equal(t, "active", offer.Status)
	require.Equal(t, 1, node.createCalls)
}

func TestIdempotencyReplaysCachedResponse(t *testing.T) {
	node := &stubNodeClient{}
	ts, sign := newTestGateway(t, node)

	body := []byte(`{"caller":"mkt1qqqsyqcyq5rqwzqfpg9scrgwpugpzysnzs23v9cc","assetId":7,"price":"100"}`)
	for i := 0; i < 2; i++ {
		req, err := http.NewRequest(http.MethodPost, ts.URL+"/v1/offers", bytes.NewReader(body))
		require.NoError(t, err)
		req.Header.Set(headerIdempotencyKey, "create-1")
		sign(req, body)
		resp, err := ts.Client().Do(req)
		require.NoError(t, err)
		resp.Body.Close()
		require.Equal(t, http.StatusCreated, resp.StatusCode)
	}
	require.Equal(t, 1, node.createCalls, "replay must not re-execute the node call")
}

func TestIdempotencyKeyReuseWithDifferentBodyConflicts(t *testing.T) {
	node := &stubNodeClient{}
	ts, sign := newTestGateway(t, node)

	first := []byte(`{"caller":"mkt1qqqsyqcyq5rqwzqfpg9scrgwpugpzysnzs23v9cc","assetId":7,"price":"100"}`)
	req, err := http.NewRequest(http.MethodPost, ts.URL+"/v1/offers", bytes.NewReader(first))
	require.NoError(t, err)
	req.Header.Set(headerIdempotencyKey, "create-1")
	sign(req, first)
	resp, err := ts.Client().Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	second := []byte(`{"caller":"mkt1qqqsyqcyq5rqwzqfpg9scrgwpugpzysnzs23v9cc","assetId":8,"price":"200"}`)
	req, err = http.NewRequest(http.MethodPost, ts.URL+"/v1/offers", bytes.NewReader(second))
	require.NoError(t, err)
	req.Header.Set(headerIdempotencyKey, "create-1")
	sign(req, second)
	resp, err = ts.Client().Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestUnsignedMutationRejected(t *testing.T) {
	ts, _ := newTestGateway(t, &stubNodeClient{})

	body := []byte(`{"caller":"mkt1qqqsyqcyq5rqwzqfpg9scrgwpugpzysnzs23v9cc","assetId":7,"price":"100"}`)
	req, err := http.NewRequest(http.MethodPost, ts.URL+"/v1/offers", bytes.NewReader(body))
	require.NoError(t, err)
	req.Header.Set(headerIdempotencyKey, "create-1")

	resp, err := ts.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestNodeErrorMapsToHTTPStatus(t *testing.T) {
	node := &stubNodeClient{failWith: &NodeError{Code: -32024, Message: "conflict", Data: "offer is paused"}}
	ts, sign := newTestGateway(t, node)

	body := []byte(`{"caller":"mkt1qqqsyqcyq5rqwzqfpg9scrgwpugpzysnzs23v9cc","payment":"100"}`)
	req, err := http.NewRequest(http.MethodPost, ts.URL+"/v1/offers/0/fill", bytes.NewReader(body))
	require.NoError(t, err)
	req.Header.Set(headerIdempotencyKey, "fill-1")
	sign(req, body)

	resp, err := ts.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestAdminRouteAbsentWithoutJWTSecret(t *testing.T) {
	ts, sign := newTestGateway(t, &stubNodeClient{})

	body := []byte(`{"caller":"mkt1qqqsyqcyq5rqwzqfpg9scrgwpugpzysnzs23v9cc","namespace":"secondary"}`)
	req, err := http.NewRequest(http.MethodPost, ts.URL+"/v1/admin/registry", bytes.NewReader(body))
	require.NoError(t, err)
	req.Header.Set(headerIdempotencyKey, "swap-1")
	sign(req, body)

	resp, err := ts.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}
