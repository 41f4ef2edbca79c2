package rpc

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/holiman/uint256"

	"github.com/parallaxfi/basket-engine/governance"
	"github.com/parallaxfi/basket-engine/models"
	"github.com/parallaxfi/basket-engine/rebalance"
)

// timeNow is swapped out in tests
var timeNow = time.Now

type handlers struct {
	engine   *rebalance.Engine
	governor *governance.Governor
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		Logger.Error().Err(err).Msg("Failed to encode response")
	}
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return false
	}
	return true
}

// statusForEngineErr maps engine failures onto HTTP statuses. Cooldown and
// access rejections are client errors; everything else is a server fault.
func statusForEngineErr(err error) int {
	switch {
	case errors.Is(err, rebalance.ErrCooldown):
		return http.StatusTooEarly
	case errors.Is(err, governance.ErrAccess):
		return http.StatusForbidden
	case errors.Is(err, governance.ErrTimelock), errors.Is(err, governance.ErrNoPending):
		return http.StatusConflict
	case errors.Is(err, rebalance.ErrInsufficientBalance):
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

func (h *handlers) rebalance(w http.ResponseWriter, r *http.Request) {
	var req models.RebalanceRequest
	if !decodeBody(w, r, &req) {
		return
	}

	var (
		report *rebalance.Report
		err    error
	)
	if req.Force {
		report, err = h.engine.ForceRebalance(r.Context(), req.Caller)
	} else {
		report, err = h.engine.Rebalance(r.Context(), req.IncentiveRecipient)
	}
	if err != nil {
		Logger.Error().Err(err).Bool("force", req.Force).Msg("Rebalance failed")
		writeJSON(w, statusForEngineErr(err), models.RebalanceResponse{
			Success:      false,
			ErrorMessage: err.Error(),
		})
		return
	}

	executed := make([]models.TradeResult, 0, len(report.Executed))
	for _, trade := range report.Executed {
		executed = append(executed, models.TradeResult{
			Token:     trade.Token,
			AmountIn:  trade.AmountIn.Dec(),
			AmountOut: trade.AmountOut.Dec(),
		})
	}

	writeJSON(w, http.StatusOK, models.RebalanceResponse{
		Success:     true,
		TargetToken: report.TargetToken,
		Trades:      report.Trades,
		Skipped:     report.Skipped,
		Executed:    executed,
		Gain:        report.Gain.Dec(),
		Distributed: report.Distributed,
	})
}

func (h *handlers) expectedProfit(w http.ResponseWriter, r *http.Request) {
	forExecutor := r.URL.Query().Get("for_executor") == "true"

	gain, err := h.engine.ExpectedProfit(r.Context(), false)
	if err != nil {
		Logger.Error().Err(err).Msg("Expected profit estimate failed")
		writeJSON(w, statusForEngineErr(err), map[string]string{"error": err.Error()})
		return
	}

	resp := models.ExpectedProfitResponse{
		ExpectedGain:     gain.Dec(),
		CooldownSeconds:  int64(h.engine.CooldownRemaining().Seconds()),
		EstimatedAtEpoch: timeNow().Unix(),
	}
	if forExecutor {
		cut, err := h.engine.ExpectedProfit(r.Context(), true)
		if err != nil {
			Logger.Error().Err(err).Msg("Executor cut estimate failed")
			writeJSON(w, statusForEngineErr(err), map[string]string{"error": err.Error()})
			return
		}
		resp.ExecutorCut = cut.Dec()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *handlers) basket(w http.ResponseWriter, r *http.Request) {
	holdings, total, err := h.engine.Snapshot(r.Context())
	if err != nil {
		Logger.Error().Err(err).Msg("Basket snapshot failed")
		writeJSON(w, statusForEngineErr(err), map[string]string{"error": err.Error()})
		return
	}

	assets := make([]models.AssetHolding, len(holdings))
	for i, holding := range holdings {
		assets[i] = models.AssetHolding{
			Token:      holding.Asset.Token,
			Decimals:   holding.Asset.Decimals,
			Paired:     holding.Asset.Paired,
			Balance:    holding.Balance.Dec(),
			Normalized: holding.Normalized.Dec(),
		}
	}
	writeJSON(w, http.StatusOK, models.BasketResponse{
		Settlement: h.engine.Settlement(),
		Assets:     assets,
		TotalValue: total.Dec(),
	})
}

func (h *handlers) withdraw(w http.ResponseWriter, r *http.Request) {
	var req models.WithdrawRequest
	if !decodeBody(w, r, &req) {
		return
	}

	share, err := uint256.FromDecimal(req.Share)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, models.WithdrawResponse{
			Success:      false,
			ErrorMessage: "invalid share amount",
		})
		return
	}
	totalShares, err := uint256.FromDecimal(req.TotalShares)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, models.WithdrawResponse{
			Success:      false,
			ErrorMessage: "invalid total shares",
		})
		return
	}

	if err := h.engine.Withdraw(r.Context(), req.Caller, req.Receiver, share, totalShares); err != nil {
		Logger.Error().Err(err).Str("receiver", req.Receiver).Msg("Withdrawal failed")
		writeJSON(w, statusForEngineErr(err), models.WithdrawResponse{
			Success:      false,
			ErrorMessage: err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, models.WithdrawResponse{Success: true})
}

func (h *handlers) governancePropose(w http.ResponseWriter, r *http.Request) {
	var req models.GovernanceProposeRequest
	if !decodeBody(w, r, &req) {
		return
	}

	tag, ok := governance.ParseTag(req.Param)
	if !ok {
		writeJSON(w, http.StatusBadRequest, models.GovernanceResponse{
			Success:      false,
			ErrorMessage: "unknown parameter: " + req.Param,
		})
		return
	}

	payload := governance.Payload{Address: req.Address}
	if req.Value != "" {
		value, err := uint256.FromDecimal(req.Value)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, models.GovernanceResponse{
				Success:      false,
				ErrorMessage: "invalid value",
			})
			return
		}
		payload.Value = value
	}

	if err := h.governor.Propose(req.Caller, tag, payload); err != nil {
		Logger.Error().Err(err).Str("param", req.Param).Msg("Proposal rejected")
		writeJSON(w, statusForEngineErr(err), models.GovernanceResponse{
			Success:      false,
			ErrorMessage: err.Error(),
			Param:        req.Param,
		})
		return
	}
	writeJSON(w, http.StatusOK, models.GovernanceResponse{Success: true, Param: req.Param})
}

func (h *handlers) governanceCommit(w http.ResponseWriter, r *http.Request) {
	var req models.GovernanceCommitRequest
	if !decodeBody(w, r, &req) {
		return
	}

	tag, ok := governance.ParseTag(req.Param)
	if !ok {
		writeJSON(w, http.StatusBadRequest, models.GovernanceResponse{
			Success:      false,
			ErrorMessage: "unknown parameter: " + req.Param,
		})
		return
	}

	if err := h.governor.Commit(r.Context(), req.Caller, tag); err != nil {
		Logger.Error().Err(err).Str("param", req.Param).Msg("Commit rejected")
		writeJSON(w, statusForEngineErr(err), models.GovernanceResponse{
			Success:      false,
			ErrorMessage: err.Error(),
			Param:        req.Param,
		})
		return
	}
	writeJSON(w, http.StatusOK, models.GovernanceResponse{Success: true, Param: req.Param})
}
