package rpc

import (
	"encoding/json"
	"net/http"

	"assetmarket/native/market"
)

// offerResult is the wire representation of an offer.
type offerResult struct {
	ID        uint64 `json:"id"`
	AssetID   uint64 `json:"assetId"`
	Seller    string `json:"seller"`
	Price     string `json:"price"`
	Status    string `json:"status"`
	CreatedAt int64  `json:"createdAt"`
}

func renderOffer(o *market.Offer) offerResult {
	return offerResult{
		ID:        o.ID,
		AssetID:   o.AssetID,
		Seller:    renderAddress(o.Seller),
		Price:     o.Price.String(),
		Status:    o.Status().String(),
		CreatedAt: o.CreatedAt,
	}
}

type createOfferParams struct {
	Caller  string `json:"caller"`
	AssetID uint64 `json:"assetId"`
	Price   string `json:"price"`
}

func (s *Server) handleCreateOffer(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	var params createOfferParams
	if !decodeParams(w, req, &params) {
		return
	}
	caller, err := parseAddress(params.Caller)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid_params", err.Error())
		return
	}
	price, err := parsePositiveBigInt(params.Price)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid_params", err.Error())
		return
	}
	offer, err := s.node.CreateOffer(caller, params.AssetID, price)
	if err != nil {
		writeEngineError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, renderOffer(offer))
}

type fillOfferParams struct {
	Caller  string `json:"caller"`
	OfferID uint64 `json:"offerId"`
	Payment string `json:"payment"`
}

func (s *Server) handleFillOffer(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	var params fillOfferParams
	if !decodeParams(w, req, &params) {
		return
	}
	caller, err := parseAddress(params.Caller)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid_params", err.Error())
		return
	}
	payment, err := parsePositiveBigInt(params.Payment)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid_params", err.Error())
		return
	}
	if err := s.node.FillOffer(caller, params.OfferID, payment); err != nil {
		writeEngineError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, map[string]interface{}{"filled": true, "offerId": params.OfferID})
}

type offerActionParams struct {
	Caller  string `json:"caller"`
	OfferID uint64 `json:"offerId"`
}

func (s *Server) handlePauseOffer(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	s.offerAction(w, req, "paused", s.node.PauseOffer)
}

func (s *Server) handleResumeOffer(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	s.offerAction(w, req, "resumed", s.node.ResumeOffer)
}

func (s *Server) handleRemoveOffer(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	s.offerAction(w, req, "removed", s.node.RemoveOffer)
}

func (s *Server) offerAction(w http.ResponseWriter, req *RPCRequest, verb string, op func([20]byte, uint64) error) {
	var params offerActionParams
	if !decodeParams(w, req, &params) {
		return
	}
	caller, err := parseAddress(params.Caller)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid_params", err.Error())
		return
	}
	if err := op(caller, params.OfferID); err != nil {
		writeEngineError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, map[string]interface{}{verb: true, "offerId": params.OfferID})
}

type claimFundsParams struct {
	Caller string `json:"caller"`
}

func (s *Server) handleClaimFunds(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	var params claimFundsParams
	if !decodeParams(w, req, &params) {
		return
	}
	caller, err := parseAddress(params.Caller)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid_params", err.Error())
		return
	}
	paid, err := s.node.ClaimFunds(caller)
	if err != nil {
		writeEngineError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, map[string]interface{}{"claimed": paid.String()})
}

type swapRegistryParams struct {
	Caller    string `json:"caller"`
	Namespace string `json:"namespace"`
}

func (s *Server) handleSwapRegistry(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	var params swapRegistryParams
	if !decodeParams(w, req, &params) {
		return
	}
	caller, err := parseAddress(params.Caller)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid_params", err.Error())
		return
	}
	if err := s.node.SwapRegistry(caller, params.Namespace); err != nil {
		writeEngineError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, map[string]interface{}{"registry": s.node.ActiveRegistry()})
}

type depositParams struct {
	Caller string `json:"caller"`
	Amount string `json:"amount"`
}

// handleDeposit always rejects. The endpoint exists so stray transfers get a
// deterministic refusal instead of a method_not_found.
func (s *Server) handleDeposit(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	var params depositParams
	if !decodeParams(w, req, &params) {
		return
	}
	caller, err := parseAddress(params.Caller)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid_params", err.Error())
		return
	}
	amount, err := parsePositiveBigInt(params.Amount)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid_params", err.Error())
		return
	}
	writeEngineError(w, req.ID, s.node.Deposit(caller, amount))
}

type getOfferParams struct {
	OfferID uint64 `json:"offerId"`
}

func (s *Server) handleGetOffer(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	var params getOfferParams
	if !decodeParams(w, req, &params) {
		return
	}
	offer, err := s.node.GetOffer(params.OfferID)
	if err != nil {
		writeEngineError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, renderOffer(offer))
}

func (s *Server) handleListOffers(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	offers, err := s.node.ListOffers()
	if err != nil {
		writeEngineError(w, req.ID, err)
		return
	}
	results := make([]offerResult, 0, len(offers))
	for _, offer := range offers {
		results = append(results, renderOffer(offer))
	}
	writeResult(w, req.ID, results)
}

type addressParams struct {
	Address string `json:"address"`
}

// handleGetBalance reports the unclaimed sale proceeds of an address.
func (s *Server) handleGetBalance(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	var params addressParams
	if !decodeParams(w, req, &params) {
		return
	}
	addr, err := parseAddress(params.Address)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid_params", err.Error())
		return
	}
	balance, err := s.node.LedgerBalance(addr)
	if err != nil {
		writeEngineError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, map[string]interface{}{"address": params.Address, "claimable": balance.String()})
}

// handleGetAccount reports the spendable account balance of an address.
func (s *Server) handleGetAccount(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	var params addressParams
	if !decodeParams(w, req, &params) {
		return
	}
	addr, err := parseAddress(params.Address)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid_params", err.Error())
		return
	}
	balance, err := s.node.AccountBalance(addr)
	if err != nil {
		writeEngineError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, map[string]interface{}{"address": params.Address, "balance": balance.String()})
}

func decodeParams(w http.ResponseWriter, req *RPCRequest, out interface{}) bool {
	if len(req.Params) != 1 {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid_params", "expected a single params object")
		return false
	}
	if err := json.Unmarshal(req.Params[0], out); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid_params", err.Error())
		return false
	}
	return true
}
