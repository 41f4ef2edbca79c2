package models

// RebalanceRequest - POST body for a manual rebalance trigger
type RebalanceRequest struct {
	IncentiveRecipient string `json:"incentive_recipient,omitempty"` // receives the executor cut of the profit
	Force              bool   `json:"force,omitempty"`               // owner-only, bypasses the cooldown
	Caller             string `json:"caller,omitempty"`              // required when force is set
}

// TradeResult describes one executed swap inside a rebalance round
type TradeResult struct {
	Token     string `json:"token"`
	AmountIn  string `json:"amount_in"`
	AmountOut string `json:"amount_out"`
}

// RebalanceResponse - unified response for rebalance triggers
type RebalanceResponse struct {
	Success      bool          `json:"success"`
	ErrorMessage string        `json:"error_message,omitempty"`
	TargetToken  string        `json:"target_token,omitempty"` // the asset the round concentrated into
	Trades       int           `json:"trades"`
	Skipped      int           `json:"skipped"`
	Executed     []TradeResult `json:"executed,omitempty"` // per-swap detail, in basket order
	Gain         string        `json:"gain,omitempty"`     // normalized basket value gained
	Distributed  bool          `json:"distributed"`
}

// ExpectedProfitResponse reports the simulated outcome of the next round
type ExpectedProfitResponse struct {
	ExpectedGain     string `json:"expected_gain"`              // normalized, before distribution
	ExecutorCut      string `json:"executor_cut,omitempty"`     // settlement units, when requested
	CooldownSeconds  int64  `json:"cooldown_seconds"`           // 0 when a round can run now
	EstimatedAtEpoch int64  `json:"estimated_at_epoch_seconds"` // when the estimate was computed
}

// AssetHolding is one asset's live position inside the basket
type AssetHolding struct {
	Token      string `json:"token"`
	Decimals   uint8  `json:"decimals"`
	Paired     string `json:"paired"`
	Balance    string `json:"balance"`    // raw token units
	Normalized string `json:"normalized"` // 18-decimal units
}

// BasketResponse - GET /v1/basket
type BasketResponse struct {
	Settlement string         `json:"settlement"`
	Assets     []AssetHolding `json:"assets"`
	TotalValue string         `json:"total_value"` // sum of normalized balances
}

// GovernanceProposeRequest - POST body to stage a parameter change
type GovernanceProposeRequest struct {
	Caller  string `json:"caller"`
	Param   string `json:"param"`             // e.g. "sell_percent", "treasury"
	Address string `json:"address,omitempty"` // for address params
	Value   string `json:"value,omitempty"`   // decimal string for numeric params
}

// GovernanceCommitRequest - POST body to apply a staged change
type GovernanceCommitRequest struct {
	Caller string `json:"caller"`
	Param  string `json:"param"`
}

// GovernanceResponse - result of a propose or commit
type GovernanceResponse struct {
	Success      bool   `json:"success"`
	ErrorMessage string `json:"error_message,omitempty"`
	Param        string `json:"param,omitempty"`
}

// WithdrawRequest - POST body for a vault withdrawal
type WithdrawRequest struct {
	Caller      string `json:"caller"` // must be the vault address
	Receiver    string `json:"receiver"`
	Share       string `json:"share"`
	TotalShares string `json:"total_shares"`
}

// WithdrawResponse - result of a vault withdrawal
type WithdrawResponse struct {
	Success      bool   `json:"success"`
	ErrorMessage string `json:"error_message,omitempty"`
}
