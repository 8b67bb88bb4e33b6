package protocol

import (
	"math/big"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/common"
)

// ChainID identifies the network a market lives on
type ChainID int64

// FormType discriminates sub-forms sharing one slice (e.g. deposit vs mint)
type FormType string

// StepID identifies a mutating step within a transaction pipeline
type StepID string

const (
	StepApproval      StepID = "APPROVAL"
	StepStake         StepID = "STAKE"
	StepAddCollateral StepID = "ADD_COLLATERAL"
	StepCreate        StepID = "CREATE"
)

// Validation error codes stored on form value records, never thrown
const (
	ErrTooMuch       = "too-much"
	ErrTooMuchWallet = "too-much-wallet"
	ErrTooMuchMax    = "too-much-max"
)

// Token describes an ERC20 used by a market
type Token struct {
	Address  common.Address `json:"address"`
	Symbol   string         `json:"symbol"`
	Decimals uint8          `json:"decimals"`
}

// Market is a one-way lending market: collateral in, borrowed token out
type Market struct {
	ID           string         `json:"id"`
	Controller   common.Address `json:"controller"`
	Vault        common.Address `json:"vault"`
	Collateral   Token          `json:"collateral"`
	Borrowed     Token          `json:"borrowed"`
	DefaultBands int            `json:"default_bands"`
}

// Session is the per-connection chain handle. A zero Signer means the
// session is read-only: fetches that need a signer are skipped, mutating
// steps are rejected.
type Session struct {
	ChainID ChainID        `json:"chain_id"`
	Signer  common.Address `json:"signer"`
}

// SignerAddress returns the hex signer address, or "" for read-only sessions
func (s *Session) SignerAddress() string {
	if s == nil || s.Signer == (common.Address{}) {
		return ""
	}
	return s.Signer.Hex()
}

// Provider is the opaque wallet handle gating every mutating step. The engine
// only ever checks its presence and forwards it to the gateway client.
type Provider struct {
	Address common.Address `json:"address"`
	Token   string         `json:"token,omitempty"`
}

// FormStatus is the per-feature transaction step state machine.
// IsComplete and IsInProgress are never simultaneously true; Step is empty
// only when no step is in flight or just completed.
type FormStatus struct {
	Step         StepID `json:"step"`
	IsInProgress bool   `json:"is_in_progress"`
	IsComplete   bool   `json:"is_complete"`
	IsApproved   bool   `json:"is_approved"`
	Error        string `json:"error"`
	Warning      string `json:"warning,omitempty"`
}

// Approved reports the derived Approved state: allowance granted and no step
// in flight.
func (fs FormStatus) Approved() bool {
	return fs.IsApproved && fs.Step == ""
}

// ResetTransient returns the status a form takes when inputs change: all
// step progress cleared, approval retained since an allowance outlives edits.
func (fs FormStatus) ResetTransient() FormStatus {
	return FormStatus{IsApproved: fs.IsApproved}
}

// ActiveKey derives the composite cache/correlation key for a form
// configuration. Deterministic by construction; unresolved parts contribute
// the empty string so key computation never fails, callers guard identity
// presence separately before issuing network calls.
func ActiveKey(chainID ChainID, formType FormType, marketID string, amounts ...string) string {
	parts := make([]string, 0, 3+len(amounts))
	chain := ""
	if chainID != 0 {
		chain = strconv.FormatInt(int64(chainID), 10)
	}
	parts = append(parts, chain, string(formType), marketID)
	parts = append(parts, amounts...)
	return strings.Join(parts, "-")
}

// UserActiveKey scopes user-owned data (balances, loan existence) to a
// chain, market and signer.
func UserActiveKey(session *Session, marketID string) string {
	if session == nil {
		return ActiveKey(0, "", marketID)
	}
	return ActiveKey(session.ChainID, "", marketID, session.SignerAddress())
}

// AmountExceeds reports whether amount is a parseable decimal strictly
// greater than limit. Unparseable or empty operands never exceed, matching
// the permissive validation of user-typed fields.
func AmountExceeds(amount, limit string) bool {
	a, okA := new(big.Rat).SetString(strings.TrimSpace(amount))
	l, okL := new(big.Rat).SetString(strings.TrimSpace(limit))
	if !okA || !okL {
		return false
	}
	return a.Cmp(l) > 0
}

// PositiveAmount reports whether amount parses as a decimal > 0
func PositiveAmount(amount string) bool {
	a, ok := new(big.Rat).SetString(strings.TrimSpace(amount))
	return ok && a != nil && a.Sign() > 0
}
