package rpc

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"mevrelay/auth"
	"mevrelay/bundle"
	"mevrelay/stats"
)

// SendBundleResult is the success payload: the deterministic bundle
// identifier derived from the decoded transaction hashes.
type SendBundleResult struct {
	BundleHash string `json:"bundleHash"`
}

// forwardRequest is the reshaped JSON-RPC envelope relayed downstream: the
// caller's id and method with the canonical bundle as the sole parameter.
type forwardRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      any    `json:"id"`
	Method  string `json:"method"`
	Params  []any  `json:"params"`
}

func (s *Server) handleSendBundle(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	if len(req.Params) == 0 {
		writeError(w, http.StatusBadRequest, req.id(), codeInvalidParams, "missing params", nil)
		return
	}
	s.metrics.Bundles.Inc()

	b, err := bundle.Normalize(req.Params)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.id(), codeInvalidParams, err.Error(), nil)
		return
	}

	decoded, err := bundle.DecodeTxs(b.Txs)
	if err != nil {
		s.logger.Warn("bundle decode failed", "error", err)
		writeError(w, http.StatusBadRequest, req.id(), codeInvalidParams, "unable to decode txs", nil)
		return
	}

	if reason, ok := s.rules.Evaluate(decoded); !ok {
		s.metrics.Rejections.WithLabelValues(string(reason)).Inc()
		s.logger.Warn("bundle rejected by policy", "reason", string(reason))
		writeError(w, http.StatusBadRequest, req.id(), codePolicyRejected, reason.Message(), nil)
		return
	}

	hash := bundle.Hash(decoded)

	out, err := json.Marshal(forwardRequest{
		JSONRPC: jsonRPCVersion,
		ID:      req.id(),
		Method:  req.Method,
		Params:  []any{b},
	})
	if err != nil {
		s.logger.Error("marshal forward request", "error", err)
		writeError(w, http.StatusInternalServerError, req.id(), codeServerError, "internal error", nil)
		return
	}

	// Fire-and-forget: the response never waits on downstream targets, so a
	// miner outage cannot become caller-visible latency.
	s.dispatcher.Dispatch(out)

	writeResult(w, req.id(), SendBundleResult{BundleHash: hash.Hex()})
}

func (s *Server) handleCallBundle(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	if s.sim == nil {
		writeError(w, http.StatusNotImplemented, req.id(), codeServerError, "eth_callBundle not supported on this relay", nil)
		return
	}
	if len(req.Params) == 0 {
		writeError(w, http.StatusBadRequest, req.id(), codeInvalidParams, "missing params", nil)
		return
	}

	sb, err := bundle.NormalizeSim(req.Params)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.id(), codeInvalidParams, err.Error(), nil)
		return
	}

	decoded, err := bundle.DecodeTxs(sb.Txs)
	if err != nil {
		s.logger.Warn("sim bundle decode failed", "error", err)
		writeError(w, http.StatusBadRequest, req.id(), codeInvalidParams, "unable to decode txs", nil)
		return
	}
	if s.rules.Blacklisted(decoded) {
		s.metrics.Rejections.WithLabelValues("blacklisted").Inc()
		writeError(w, http.StatusBadRequest, req.id(), codePolicyRejected, "blacklisted tx", nil)
		return
	}

	sb.Coinbase = s.coinbase
	out, err := json.Marshal(forwardRequest{
		JSONRPC: jsonRPCVersion,
		ID:      req.id(),
		Method:  req.Method,
		Params:  []any{sb},
	})
	if err != nil {
		s.logger.Error("marshal simulation request", "error", err)
		writeError(w, http.StatusInternalServerError, req.id(), codeServerError, "internal error", nil)
		return
	}

	resp, err := s.sim.CallBundle(r.Context(), out)
	if err != nil {
		s.logger.Error("bundle simulation failed", "error", err)
		writeError(w, http.StatusBadRequest, req.id(), codeServerError, "failed to simulate", nil)
		return
	}
	if resp.HasResult && resp.TotalGasUsed < s.minSimGasUsed {
		writeError(w, http.StatusBadRequest, req.id(), codePolicyRejected,
			fmt.Sprintf("bundle used too little gas, must use at least %d", s.minSimGasUsed), nil)
		return
	}

	// Relay the simulation backend's reply verbatim.
	_, _ = w.Write(resp.Raw)
}

func (s *Server) handleUserStats(w http.ResponseWriter, r *http.Request, req *RPCRequest, identity auth.Identity) {
	if identity.Signer == nil {
		writeError(w, http.StatusForbidden, req.id(), codeUnauthorized, "flashbots_getUserStats requires a signed request", nil)
		return
	}
	blockNumber := ""
	if len(req.Params) > 0 {
		if err := json.Unmarshal(req.Params[0], &blockNumber); err != nil {
			writeError(w, http.StatusBadRequest, req.id(), codeInvalidParams, "block param must be a hex string", nil)
			return
		}
	}
	result, err := s.userStats.UserStats(r.Context(), identity.Signer.Address, blockNumber)
	if err != nil {
		if errors.Is(err, stats.ErrNotImplemented) {
			writeError(w, http.StatusBadRequest, req.id(), codeServerError, "flashbots_getUserStats not implemented on this network", nil)
			return
		}
		s.logger.Error("user stats backend failure", "error", err)
		writeError(w, http.StatusInternalServerError, req.id(), codeServerError, "internal error", nil)
		return
	}
	writeResult(w, req.id(), result)
}
