package lendapi

import "github.com/lending-experiment/lendstate/internal/protocol"

// Feature names route form requests to their gateway namespace
const (
	FeatureVaultStake    = "vault-stake"
	FeatureCollateralAdd = "collateral-add"
	FeatureLoanCreate    = "loan-create"
)

// FormRequest carries one form configuration to the gateway. ActiveKey is
// echoed back verbatim in every response so results can be correlated to the
// inputs they were computed for.
type FormRequest struct {
	ActiveKey   string            `json:"active_key"`
	MarketID    string            `json:"market_id"`
	Signer      string            `json:"signer,omitempty"`
	Amounts     map[string]string `json:"amounts,omitempty"`
	NBands      int               `json:"n,omitempty"`
	MaxSlippage string            `json:"max_slippage,omitempty"`
}

// StepRequest is a FormRequest plus the wallet handle for mutating calls
type StepRequest struct {
	FormRequest
	Provider *protocol.Provider `json:"provider"`
}

// DetailInfo is the preview a market computes for a form configuration.
// Health and price numbers are opaque gateway-computed decimals.
type DetailInfo struct {
	ActiveKey     string   `json:"active_key"`
	HealthFull    string   `json:"health_full"`
	HealthNotFull string   `json:"health_not_full"`
	Preview       string   `json:"preview"`
	Bands         [2]int   `json:"bands"`
	Prices        []string `json:"prices"`
	Loading       bool     `json:"loading,omitempty"`
	Error         string   `json:"error,omitempty"`
}

// EstGasApproval bundles the gas estimate with the allowance check, since
// the gateway derives both from the same form configuration.
type EstGasApproval struct {
	ActiveKey    string `json:"active_key"`
	EstimatedGas uint64 `json:"estimated_gas"`
	IsApproved   bool   `json:"is_approved"`
	Loading      bool   `json:"loading,omitempty"`
	Error        string `json:"error,omitempty"`
}

// MaxRecv is the maximum receivable/borrowable amount for a form configuration
type MaxRecv struct {
	ActiveKey string `json:"active_key"`
	MaxRecv   string `json:"max_recv"`
	Error     string `json:"error,omitempty"`
}

// LiqRange describes one selectable liquidation band count
type LiqRange struct {
	N       int      `json:"n"`
	Prices  []string `json:"prices"`
	MaxRecv string   `json:"max_recv"`
}

// LiqRanges lists the selectable ranges for a form configuration
type LiqRanges struct {
	ActiveKey string     `json:"active_key"`
	Ranges    []LiqRange `json:"ranges"`
	Error     string     `json:"error,omitempty"`
}

// UserBalances holds a signer's wallet and vault balances for one market,
// keyed by UserActiveKey
type UserBalances struct {
	UserActiveKey string `json:"user_active_key"`
	Collateral    string `json:"collateral"`
	Borrowed      string `json:"borrowed"`
	VaultShares   string `json:"vault_shares"`
	Error         string `json:"error,omitempty"`
}

// LoanExists reports whether a signer has an open loan on a market
type LoanExists struct {
	UserActiveKey string `json:"user_active_key"`
	LoanExists    bool   `json:"loan_exists"`
	Error         string `json:"error,omitempty"`
}

// MarketStats are the market-level totals refreshed after mutations
type MarketStats struct {
	MarketID      string `json:"market_id"`
	TotalSupplied string `json:"total_supplied"`
	TotalBorrowed string `json:"total_borrowed"`
	Available     string `json:"available"`
	Error         string `json:"error,omitempty"`
}

// GasInfo carries per-chain fee levels as decimal wei strings
type GasInfo struct {
	ChainID  protocol.ChainID `json:"chain_id"`
	GasPrice string           `json:"gas_price,omitempty"`
	Base     string           `json:"base"`
	Priority []string         `json:"priority"`
	Max      []string         `json:"max"`
}

// ApproveResp is the result of an allowance transaction batch
type ApproveResp struct {
	ActiveKey string   `json:"active_key"`
	Hashes    []string `json:"hashes"`
	Error     string   `json:"error,omitempty"`
}

// TxResp is the result of a primary action transaction
type TxResp struct {
	ActiveKey string `json:"active_key"`
	Hash      string `json:"hash"`
	Error     string `json:"error,omitempty"`
}

// MarketMeta is the immutable per-market metadata cached persistently
type MarketMeta struct {
	Market protocol.Market `json:"market"`
}
