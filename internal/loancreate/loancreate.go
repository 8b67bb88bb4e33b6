// Package loancreate implements the loan creation form. It is the richest
// form in the engine: collateral and debt amounts plus a band count, three
// derived keys over progressively shorter input subsets, and a loan-exists
// confirmation before the form may complete.
//
// Key derivation:
//
//	activeKey         chainID-CREATE-marketID-collateral-debt-n
//	activeKeyMax      chainID-CREATE-marketID-collateral
//	activeKeyLiqRange chainID-CREATE-marketID-collateral-debt
//
// maxRecv depends only on collateral, so editing debt leaves the cached max
// valid; liq ranges depend on both amounts but not the chosen band count.
package loancreate

import (
	"context"
	"fmt"
	"log"
	"strconv"

	"github.com/lending-experiment/lendstate/internal/lendapi"
	"github.com/lending-experiment/lendstate/internal/orchestrator"
	"github.com/lending-experiment/lendstate/internal/protocol"
	"github.com/lending-experiment/lendstate/internal/store"
	"github.com/lending-experiment/lendstate/internal/user"
)

// FormTypeCreate tags this form's keys
const FormTypeCreate protocol.FormType = "CREATE"

// FormValues is the user-editable input state. DebtError and CollateralError
// are validation codes recomputed per edit.
type FormValues struct {
	UserCollateral  string `json:"user_collateral"`
	Debt            string `json:"debt"`
	N               int    `json:"n"`
	DebtError       string `json:"debt_error"`
	CollateralError string `json:"collateral_error"`
}

// Gateway is the client surface loan creation needs
type Gateway interface {
	Detail(ctx context.Context, feature string, req lendapi.FormRequest) (lendapi.DetailInfo, error)
	EstGasApproval(ctx context.Context, feature string, req lendapi.FormRequest) (lendapi.EstGasApproval, error)
	MaxRecv(ctx context.Context, feature string, req lendapi.FormRequest) (lendapi.MaxRecv, error)
	LiqRanges(ctx context.Context, feature string, req lendapi.FormRequest) (lendapi.LiqRanges, error)
	Approve(ctx context.Context, feature string, req lendapi.StepRequest) (lendapi.ApproveResp, error)
	Submit(ctx context.Context, feature string, req lendapi.StepRequest) (lendapi.TxResp, error)
}

// Cascade receives the refetch fan-out after a created loan
type Cascade interface {
	RefreshStats(ctx context.Context, marketID string) error
}

// Slice is the loan creation form engine
type Slice struct {
	slice     *store.Slice
	values    *store.Field[FormValues]
	status    *store.Field[protocol.FormStatus]
	details   *store.KeyedField[lendapi.DetailInfo]
	maxRecv   *store.KeyedField[lendapi.MaxRecv]
	liqRanges *store.KeyedField[lendapi.LiqRanges]
	estGas    *store.KeyedField[lendapi.EstGasApproval]
	pipeline  *orchestrator.Pipeline
	runner    *orchestrator.Runner

	client  Gateway
	users   *user.Slice
	markets Cascade
}

// New creates the loan creation slice
func New(client Gateway, users *user.Slice, markets Cascade, limit int) *Slice {
	s := store.NewSlice("loanCreate", limit)
	sl := &Slice{
		slice:     s,
		values:    store.NewField(s, "formValues", func() FormValues { return FormValues{} }),
		status:    store.NewField(s, "formStatus", func() protocol.FormStatus { return protocol.FormStatus{} }),
		details:   store.NewKeyedField[lendapi.DetailInfo](s, "detailInfoMapper"),
		maxRecv:   store.NewKeyedField[lendapi.MaxRecv](s, "maxRecvMapper"),
		liqRanges: store.NewKeyedField[lendapi.LiqRanges](s, "liqRangesMapper"),
		estGas:    store.NewKeyedField[lendapi.EstGasApproval](s, "estGasApprovalMapper"),
		client:    client,
		users:     users,
		markets:   markets,
	}
	sl.pipeline = orchestrator.NewPipeline(s, sl.status, protocol.StepCreate)
	sl.runner = orchestrator.NewRunner(s, 0, func(key string, err error) { sl.pipeline.FetchFailed(key, err) })
	return sl
}

// Store exposes the underlying slice for registry wiring
func (s *Slice) Store() *store.Slice { return s.slice }

// Values returns the current form values
func (s *Slice) Values() FormValues { return s.values.Get() }

// Status returns the current step state
func (s *Slice) Status() protocol.FormStatus { return s.pipeline.Status() }

// Wait drains in-flight fetches, for tests and shutdown
func (s *Slice) Wait() { s.runner.Wait() }

type keys struct {
	full     string
	max      string
	liqRange string
}

func deriveKeys(session *protocol.Session, marketID string, v FormValues) keys {
	var chainID protocol.ChainID
	if session != nil {
		chainID = session.ChainID
	}
	n := ""
	if v.N > 0 {
		n = strconv.Itoa(v.N)
	}
	return keys{
		full:     protocol.ActiveKey(chainID, FormTypeCreate, marketID, v.UserCollateral, v.Debt, n),
		max:      protocol.ActiveKey(chainID, FormTypeCreate, marketID, v.UserCollateral),
		liqRange: protocol.ActiveKey(chainID, FormTypeCreate, marketID, v.UserCollateral, v.Debt),
	}
}

// Detail returns the cached preview for the current full key
func (s *Slice) Detail() (lendapi.DetailInfo, bool) {
	return s.details.Get(s.slice.ActiveKey())
}

// MaxRecv returns the cached borrow limit for the current collateral amount
func (s *Slice) MaxRecv(session *protocol.Session, marketID string) (lendapi.MaxRecv, bool) {
	return s.maxRecv.Get(deriveKeys(session, marketID, s.values.Get()).max)
}

// LiqRanges returns the cached selectable ranges for the current amounts
func (s *Slice) LiqRanges(session *protocol.Session, marketID string) (lendapi.LiqRanges, bool) {
	return s.liqRanges.Get(deriveKeys(session, marketID, s.values.Get()).liqRange)
}

// EstGas returns the cached gas/allowance record for the current full key
func (s *Slice) EstGas() (lendapi.EstGasApproval, bool) {
	return s.estGas.Get(s.slice.ActiveKey())
}

// SetValues is the per-edit entry point: store the new inputs, derive the
// three keys, validate debt against the cached borrow limit and collateral
// against the wallet, then fan out the fetches that the edited subset
// invalidated.
func (s *Slice) SetValues(ctx context.Context, session *protocol.Session, marketID string, v FormValues) {
	v.DebtError = ""
	v.CollateralError = ""
	k := deriveKeys(session, marketID, v)
	s.slice.SetActiveKey(k.full)

	if limit, ok := s.maxRecv.Get(k.max); ok && protocol.AmountExceeds(v.Debt, limit.MaxRecv) {
		v.DebtError = protocol.ErrTooMuch
	}
	if balances, ok := s.users.Balances(session, marketID); ok {
		if protocol.AmountExceeds(v.UserCollateral, balances.Collateral) {
			v.CollateralError = protocol.ErrTooMuchWallet
		}
	}
	s.values.Set(v)
	s.status.Update(func(cur protocol.FormStatus) protocol.FormStatus {
		return cur.ResetTransient()
	})

	if !protocol.PositiveAmount(v.UserCollateral) {
		return
	}

	fetches := []orchestrator.Fetch{s.fetchMaxRecv(session, marketID, v, k)}
	if protocol.PositiveAmount(v.Debt) {
		fetches = append(fetches,
			s.fetchDetail(session, marketID, v),
			s.fetchLiqRanges(session, marketID, v, k),
		)
		if session.SignerAddress() != "" {
			fetches = append(fetches, s.fetchEstGas(session, marketID, v))
		}
	}
	s.runner.Go(ctx, k.full, fetches...)
}

func (s *Slice) request(key string, session *protocol.Session, marketID string, v FormValues) lendapi.FormRequest {
	return lendapi.FormRequest{
		ActiveKey: key,
		MarketID:  marketID,
		Signer:    session.SignerAddress(),
		Amounts: map[string]string{
			"userCollateral": v.UserCollateral,
			"debt":           v.Debt,
		},
		NBands: v.N,
	}
}

func (s *Slice) fetchDetail(session *protocol.Session, marketID string, v FormValues) orchestrator.Fetch {
	return func(ctx context.Context, key string) error {
		resp, err := s.client.Detail(ctx, lendapi.FeatureLoanCreate, s.request(key, session, marketID, v))
		if err != nil {
			return fmt.Errorf("detail info: %w", err)
		}
		if !s.details.SetIfActive(resp.ActiveKey, resp) {
			log.Printf("[LoanCreate] dropped stale detail for key %q", resp.ActiveKey)
		}
		return nil
	}
}

// fetchMaxRecv commits under the shorter max key via SetByActiveKey: the full
// activeKey may have moved on (debt edited) while the collateral subset, and
// with it the limit, is still current.
func (s *Slice) fetchMaxRecv(session *protocol.Session, marketID string, v FormValues, k keys) orchestrator.Fetch {
	return func(ctx context.Context, key string) error {
		resp, err := s.client.MaxRecv(ctx, lendapi.FeatureLoanCreate, s.request(k.max, session, marketID, v))
		if err != nil {
			return fmt.Errorf("max recv: %w", err)
		}
		s.maxRecv.SetByActiveKey(resp.ActiveKey, resp)

		// A limit arriving after the user already typed a debt can flip the
		// validation verdict; recheck against the stored values.
		s.values.Update(func(cur FormValues) FormValues {
			if resp.ActiveKey != deriveKeys(session, marketID, cur).max {
				return cur
			}
			if protocol.AmountExceeds(cur.Debt, resp.MaxRecv) {
				cur.DebtError = protocol.ErrTooMuch
			} else if cur.DebtError == protocol.ErrTooMuch {
				cur.DebtError = ""
			}
			return cur
		})
		return nil
	}
}

func (s *Slice) fetchLiqRanges(session *protocol.Session, marketID string, v FormValues, k keys) orchestrator.Fetch {
	return func(ctx context.Context, key string) error {
		resp, err := s.client.LiqRanges(ctx, lendapi.FeatureLoanCreate, s.request(k.liqRange, session, marketID, v))
		if err != nil {
			return fmt.Errorf("liq ranges: %w", err)
		}
		s.liqRanges.SetByActiveKey(resp.ActiveKey, resp)
		return nil
	}
}

func (s *Slice) fetchEstGas(session *protocol.Session, marketID string, v FormValues) orchestrator.Fetch {
	return func(ctx context.Context, key string) error {
		resp, err := s.client.EstGasApproval(ctx, lendapi.FeatureLoanCreate, s.request(key, session, marketID, v))
		if err != nil {
			return fmt.Errorf("est gas approval: %w", err)
		}
		if !s.estGas.SetIfActive(resp.ActiveKey, resp) {
			log.Printf("[LoanCreate] dropped stale est-gas for key %q", resp.ActiveKey)
			return nil
		}
		s.status.UpdateIfActive(resp.ActiveKey, func(cur protocol.FormStatus) protocol.FormStatus {
			cur.IsApproved = resp.IsApproved
			return cur
		})
		return nil
	}
}

// Approve runs the allowance step for the current form configuration
func (s *Slice) Approve(ctx context.Context, session *protocol.Session, marketID string, provider *protocol.Provider) error {
	if err := s.pipeline.BeginApproval(provider); err != nil {
		return err
	}
	key := s.slice.ActiveKey()
	v := s.values.Get()

	resp, err := s.client.Approve(ctx, lendapi.FeatureLoanCreate, lendapi.StepRequest{
		FormRequest: s.request(key, session, marketID, v),
		Provider:    provider,
	})
	if err != nil {
		s.pipeline.FinishApproval(key, err.Error())
		return fmt.Errorf("approve loan create: %w", err)
	}
	if resp.Error != "" {
		s.pipeline.FinishApproval(resp.ActiveKey, resp.Error)
		return nil
	}

	if s.pipeline.FinishApproval(resp.ActiveKey, "") {
		s.runner.Go(ctx, resp.ActiveKey, s.fetchEstGas(session, marketID, v))
	}
	return nil
}

// Create runs the loan creation step. A loan that already exists on this
// market blocks the step up front. On a successful submit the loan-exists
// flag is refetched and must confirm before the form reports completion.
func (s *Slice) Create(ctx context.Context, session *protocol.Session, marketID string, provider *protocol.Provider) error {
	if exists, ok := s.users.LoanExists(session, marketID); ok && exists.LoanExists {
		return fmt.Errorf("loan already exists on %s", marketID)
	}
	if err := s.pipeline.BeginAction(provider); err != nil {
		return err
	}
	key := s.slice.ActiveKey()
	v := s.values.Get()

	resp, err := s.client.Submit(ctx, lendapi.FeatureLoanCreate, lendapi.StepRequest{
		FormRequest: s.request(key, session, marketID, v),
		Provider:    provider,
	})
	if err != nil {
		s.pipeline.FinishAction(key, err.Error())
		return fmt.Errorf("submit loan create: %w", err)
	}
	if resp.Error != "" {
		s.pipeline.FinishAction(resp.ActiveKey, resp.Error)
		return nil
	}

	// Confirm the position actually opened before declaring completion
	s.users.Invalidate(session, marketID)
	exists, err := s.users.FetchLoanExists(ctx, session, marketID)
	if err != nil {
		s.pipeline.FinishAction(resp.ActiveKey, fmt.Sprintf("confirm loan: %v", err))
		return nil
	}
	if !exists.LoanExists {
		s.pipeline.FinishAction(resp.ActiveKey, "loan not found after create")
		return nil
	}

	if !s.pipeline.FinishAction(resp.ActiveKey, "") {
		return nil
	}
	log.Printf("[LoanCreate] loan opened on %s: tx %s", marketID, resp.Hash)

	if _, err := s.users.FetchBalances(ctx, session, marketID); err != nil {
		log.Printf("[LoanCreate] balance refetch failed: %v", err)
	}
	if err := s.markets.RefreshStats(ctx, marketID); err != nil {
		log.Printf("[LoanCreate] stats refetch failed: %v", err)
	}
	return nil
}

// Reset returns the form to its defaults
func (s *Slice) Reset() {
	s.slice.Reset()
}
