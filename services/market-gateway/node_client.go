package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync/atomic"
	"time"
)

// NodeClient is a thin JSON-RPC client used by the gateway.
type NodeClient interface {
	CreateOffer(ctx context.Context, caller string, assetID uint64, price string) (*OfferView, error)
	FillOffer(ctx context.Context, caller string, offerID uint64, payment string) error
	PauseOffer(ctx context.Context, caller string, offerID uint64) error
	ResumeOffer(ctx context.Context, caller string, offerID uint64) error
	RemoveOffer(ctx context.Context, caller string, offerID uint64) error
	ClaimFunds(ctx context.Context, caller string) (string, error)
	SwapRegistry(ctx context.Context, caller, namespace string) (string, error)
	GetOffer(ctx context.Context, offerID uint64) (*OfferView, error)
	ListOffers(ctx context.Context) ([]OfferView, error)
	GetBalance(ctx context.Context, address string) (string, error)
}

// OfferView mirrors the node's offer representation.
type OfferView struct {
	ID        uint64 `json:"id"`
	AssetID   uint64 `json:"assetId"`
	Seller    string `json:"seller"`
	Price     string `json:"price"`
	Status    string `json:"status"`
	CreatedAt int64  `json:"createdAt"`
}

// NodeError carries the JSON-RPC error returned by the node so the gateway
// can translate its code into an HTTP status.
type NodeError struct {
	Code    int
	Message string
	Data    string
}

func (e *NodeError) Error() string {
	if e.Data != "" {
		return fmt.Sprintf("node rpc %d (%s): %s", e.Code, e.Message, e.Data)
	}
	return fmt.Sprintf("node rpc %d: %s", e.Code, e.Message)
}

// RPCNodeClient implements NodeClient against the marketplace JSON-RPC server.
type RPCNodeClient struct {
	baseURL   string
	authToken string
	http      *http.Client
	nextID    atomic.Int64
}

func NewRPCNodeClient(baseURL, authToken string) *RPCNodeClient {
	return &RPCNodeClient{
		baseURL:   baseURL,
		authToken: authToken,
		http: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

type jsonRPCRequest struct {
	JSONRPC string        `json:"jsonrpc"`
	Method  string        `json:"method"`
	Params  []interface{} `json:"params"`
	ID      int64         `json:"id"`
}

type jsonRPCResponse struct {
	JSONRPC string           `json:"jsonrpc"`
	ID      int64            `json:"id"`
	Result  json.RawMessage  `json:"result"`
	Error   *jsonRPCErrorObj `json:"error"`
}

type jsonRPCErrorObj struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

func (c *RPCNodeClient) call(ctx context.Context, method string, params interface{}, out interface{}) error {
	var paramList []interface{}
	if params != nil {
		paramList = []interface{}{params}
	}
	payload, err := json.Marshal(jsonRPCRequest{
		JSONRPC: "2.0",
		Method:  method,
		Params:  paramList,
		ID:      c.nextID.Add(1),
	})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.authToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.authToken)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return err
	}
	var decoded jsonRPCResponse
	if err := json.Unmarshal(body, &decoded); err != nil {
		return fmt.Errorf("decode node response: %w", err)
	}
	if decoded.Error != nil {
		nodeErr := &NodeError{Code: decoded.Error.Code, Message: decoded.Error.Message}
		var data string
		if len(decoded.Error.Data) > 0 && json.Unmarshal(decoded.Error.Data, &data) == nil {
			nodeErr.Data = data
		}
		return nodeErr
	}
	if out != nil {
		if err := json.Unmarshal(decoded.Result, out); err != nil {
			return fmt.Errorf("decode node result: %w", err)
		}
	}
	return nil
}

func (c *RPCNodeClient) CreateOffer(ctx context.Context, caller string, assetID uint64, price string) (*OfferView, error) {
	params := map[string]interface{}{"caller": caller, "assetId": assetID, "price": price}
	offer := &OfferView{}
	if err := c.call(ctx, "market_createOffer", params, offer); err != nil {
		return nil, err
	}
	return offer, nil
}

func (c *RPCNodeClient) FillOffer(ctx context.Context, caller string, offerID uint64, payment string) error {
	params := map[string]interface{}{"caller": caller, "offerId": offerID, "payment": payment}
	return c.call(ctx, "market_fillOffer", params, nil)
}

func (c *RPCNodeClient) PauseOffer(ctx context.Context, caller string, offerID uint64) error {
	params := map[string]interface{}{"caller": caller, "offerId": offerID}
	return c.call(ctx, "market_pauseOffer", params, nil)
}

func (c *RPCNodeClient) ResumeOffer(ctx context.Context, caller string, offerID uint64) error {
	params := map[string]interface{}{"caller": caller, "offerId": offerID}
	return c.call(ctx, "market_resumeOffer", params, nil)
}

func (c *RPCNodeClient) RemoveOffer(ctx context.Context, caller string, offerID uint64) error {
	params := map[string]interface{}{"caller": caller, "offerId": offerID}
	return c.call(ctx, "market_removeOffer", params, nil)
}

func (c *RPCNodeClient) ClaimFunds(ctx context.Context, caller string) (string, error) {
	params := map[string]interface{}{"caller": caller}
	var result struct {
		Claimed string `json:"claimed"`
	}
	if err := c.call(ctx, "market_claimFunds", params, &result); err != nil {
		return "", err
	}
	return result.Claimed, nil
}

func (c *RPCNodeClient) SwapRegistry(ctx context.Context, caller, namespace string) (string, error) {
	params := map[string]interface{}{"caller": caller, "namespace": namespace}
	var result struct {
		Registry string `json:"registry"`
	}
	if err := c.call(ctx, "market_swapRegistry", params, &result); err != nil {
		return "", err
	}
	return result.Registry, nil
}

func (c *RPCNodeClient) GetOffer(ctx context.Context, offerID uint64) (*OfferView, error) {
	params := map[string]interface{}{"offerId": offerID}
	offer := &OfferView{}
	if err := c.call(ctx, "market_getOffer", params, offer); err != nil {
		return nil, err
	}
	return offer, nil
}

func (c *RPCNodeClient) ListOffers(ctx context.Context) ([]OfferView, error) {
	var offers []OfferView
	if err := c.call(ctx, "market_listOffers", nil, &offers); err != nil {
		return nil, err
	}
	return offers, nil
}

func (c *RPCNodeClient) GetBalance(ctx context.Context, address string) (string, error) {
	params := map[string]interface{}{"address": address}
	var result struct {
		Claimable string `json:"claimable"`
	}
	if err := c.call(ctx, "market_getBalance", params, &result); err != nil {
		return "", err
	}
	return result.Claimable, nil
}
