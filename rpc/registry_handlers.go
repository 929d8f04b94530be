package rpc

import "net/http"

type mintParams struct {
	Owner   string `json:"owner"`
	AssetID uint64 `json:"assetId"`
}

func (s *Server) handleRegistryMint(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	var params mintParams
	if !decodeParams(w, req, &params) {
		return
	}
	owner, err := parseAddress(params.Owner)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid_params", err.Error())
		return
	}
	if err := s.node.MintAsset(owner, params.AssetID); err != nil {
		writeEngineError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, map[string]interface{}{"minted": true, "assetId": params.AssetID})
}

type approveParams struct {
	Caller   string `json:"caller"`
	Operator string `json:"operator"`
	AssetID  uint64 `json:"assetId"`
}

func (s *Server) handleRegistryApprove(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	var params approveParams
	if !decodeParams(w, req, &params) {
		return
	}
	caller, err := parseAddress(params.Caller)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid_params", err.Error())
		return
	}
	operator, err := parseAddress(params.Operator)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid_params", err.Error())
		return
	}
	if err := s.node.ApproveAsset(caller, operator, params.AssetID); err != nil {
		writeEngineError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, map[string]interface{}{"approved": true, "assetId": params.AssetID})
}

type ownerOfParams struct {
	AssetID uint64 `json:"assetId"`
}

func (s *Server) handleRegistryOwnerOf(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	var params ownerOfParams
	if !decodeParams(w, req, &params) {
		return
	}
	owner, err := s.node.AssetOwner(params.AssetID)
	if err != nil {
		writeEngineError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, map[string]interface{}{
		"assetId":  params.AssetID,
		"owner":    renderAddress(owner),
		"registry": s.node.ActiveRegistry(),
	})
}
