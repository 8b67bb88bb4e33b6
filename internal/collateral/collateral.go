// Package collateral implements the add-collateral form for an existing
// loan: one amount, a health preview recomputed per edit, and the usual
// approve/act step pair. Unlike staking, completion resets the whole form,
// since the healed loan position makes the previous preview meaningless.
package collateral

import (
	"context"
	"fmt"
	"log"

	"github.com/lending-experiment/lendstate/internal/lendapi"
	"github.com/lending-experiment/lendstate/internal/orchestrator"
	"github.com/lending-experiment/lendstate/internal/protocol"
	"github.com/lending-experiment/lendstate/internal/store"
	"github.com/lending-experiment/lendstate/internal/user"
)

// FormTypeAdd tags this form's keys
const FormTypeAdd protocol.FormType = "ADD_COLLATERAL"

// FormValues is the user-editable input state
type FormValues struct {
	Collateral string `json:"collateral"`
	Error      string `json:"error"`
}

// Gateway is the client surface the add-collateral form needs
type Gateway interface {
	Detail(ctx context.Context, feature string, req lendapi.FormRequest) (lendapi.DetailInfo, error)
	EstGasApproval(ctx context.Context, feature string, req lendapi.FormRequest) (lendapi.EstGasApproval, error)
	Approve(ctx context.Context, feature string, req lendapi.StepRequest) (lendapi.ApproveResp, error)
	Submit(ctx context.Context, feature string, req lendapi.StepRequest) (lendapi.TxResp, error)
}

// Cascade receives the refetch fan-out after a completed add
type Cascade interface {
	RefreshStats(ctx context.Context, marketID string) error
}

// Slice is the add-collateral form engine
type Slice struct {
	slice    *store.Slice
	values   *store.Field[FormValues]
	status   *store.Field[protocol.FormStatus]
	details  *store.KeyedField[lendapi.DetailInfo]
	estGas   *store.KeyedField[lendapi.EstGasApproval]
	pipeline *orchestrator.Pipeline
	runner   *orchestrator.Runner

	client  Gateway
	users   *user.Slice
	markets Cascade
}

// New creates the add-collateral slice
func New(client Gateway, users *user.Slice, markets Cascade, limit int) *Slice {
	s := store.NewSlice("loanCollateralAdd", limit)
	sl := &Slice{
		slice:   s,
		values:  store.NewField(s, "formValues", func() FormValues { return FormValues{} }),
		status:  store.NewField(s, "formStatus", func() protocol.FormStatus { return protocol.FormStatus{} }),
		details: store.NewKeyedField[lendapi.DetailInfo](s, "detailInfoMapper"),
		estGas:  store.NewKeyedField[lendapi.EstGasApproval](s, "estGasApprovalMapper"),
		client:  client,
		users:   users,
		markets: markets,
	}
	sl.pipeline = orchestrator.NewPipeline(s, sl.status, protocol.StepAddCollateral)
	sl.runner = orchestrator.NewRunner(s, 0, func(key string, err error) { sl.pipeline.FetchFailed(key, err) })
	return sl
}

// Store exposes the underlying slice for registry wiring
func (s *Slice) Store() *store.Slice { return s.slice }

// Values returns the current form values
func (s *Slice) Values() FormValues { return s.values.Get() }

// Status returns the current step state
func (s *Slice) Status() protocol.FormStatus { return s.pipeline.Status() }

// Detail returns the cached health preview for the current key
func (s *Slice) Detail() (lendapi.DetailInfo, bool) {
	return s.details.Get(s.slice.ActiveKey())
}

// EstGas returns the cached gas/allowance record for the current key
func (s *Slice) EstGas() (lendapi.EstGasApproval, bool) {
	return s.estGas.Get(s.slice.ActiveKey())
}

// Wait drains in-flight fetches, for tests and shutdown
func (s *Slice) Wait() { s.runner.Wait() }

func (s *Slice) activeKey(session *protocol.Session, marketID, collateral string) string {
	var chainID protocol.ChainID
	if session != nil {
		chainID = session.ChainID
	}
	return protocol.ActiveKey(chainID, FormTypeAdd, marketID, collateral)
}

func (s *Slice) request(key string, session *protocol.Session, marketID, collateral string) lendapi.FormRequest {
	return lendapi.FormRequest{
		ActiveKey: key,
		MarketID:  marketID,
		Signer:    session.SignerAddress(),
		Amounts:   map[string]string{"collateral": collateral},
	}
}

// SetCollateral stores a new collateral amount, installs the derived key and
// launches the detail and gas fetches in parallel. The detail preview fetch
// runs even for read-only sessions; only the gas estimate needs a signer.
func (s *Slice) SetCollateral(ctx context.Context, session *protocol.Session, marketID, collateral string) {
	key := s.activeKey(session, marketID, collateral)
	s.slice.SetActiveKey(key)

	vals := FormValues{Collateral: collateral}
	if balances, ok := s.users.Balances(session, marketID); ok {
		if protocol.AmountExceeds(collateral, balances.Collateral) {
			vals.Error = protocol.ErrTooMuchWallet
		}
	}
	s.values.Set(vals)
	s.status.Update(func(cur protocol.FormStatus) protocol.FormStatus {
		return cur.ResetTransient()
	})

	if !protocol.PositiveAmount(collateral) {
		return
	}

	fetches := []orchestrator.Fetch{s.fetchDetail(session, marketID, collateral)}
	if session.SignerAddress() != "" {
		fetches = append(fetches, s.fetchEstGas(session, marketID, collateral))
	}
	s.runner.Go(ctx, key, fetches...)
}

func (s *Slice) fetchDetail(session *protocol.Session, marketID, collateral string) orchestrator.Fetch {
	return func(ctx context.Context, key string) error {
		resp, err := s.client.Detail(ctx, lendapi.FeatureCollateralAdd, s.request(key, session, marketID, collateral))
		if err != nil {
			return fmt.Errorf("detail info: %w", err)
		}
		if !s.details.SetIfActive(resp.ActiveKey, resp) {
			log.Printf("[Collateral] dropped stale detail for key %q", resp.ActiveKey)
		}
		return nil
	}
}

func (s *Slice) fetchEstGas(session *protocol.Session, marketID, collateral string) orchestrator.Fetch {
	return func(ctx context.Context, key string) error {
		resp, err := s.client.EstGasApproval(ctx, lendapi.FeatureCollateralAdd, s.request(key, session, marketID, collateral))
		if err != nil {
			return fmt.Errorf("est gas approval: %w", err)
		}
		if !s.estGas.SetIfActive(resp.ActiveKey, resp) {
			log.Printf("[Collateral] dropped stale est-gas for key %q", resp.ActiveKey)
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
	collateral := s.values.Get().Collateral

	resp, err := s.client.Approve(ctx, lendapi.FeatureCollateralAdd, lendapi.StepRequest{
		FormRequest: s.request(key, session, marketID, collateral),
		Provider:    provider,
	})
	if err != nil {
		s.pipeline.FinishApproval(key, err.Error())
		return fmt.Errorf("approve collateral: %w", err)
	}
	if resp.Error != "" {
		s.pipeline.FinishApproval(resp.ActiveKey, resp.Error)
		return nil
	}

	if s.pipeline.FinishApproval(resp.ActiveKey, "") {
		s.runner.Go(ctx, resp.ActiveKey, s.fetchEstGas(session, marketID, collateral))
	}
	return nil
}

// AddCollateral runs the primary action. On success the cascade refetches
// balances and totals, then the form fully resets: the loan position changed,
// so stale previews must not survive into the next edit.
func (s *Slice) AddCollateral(ctx context.Context, session *protocol.Session, marketID string, provider *protocol.Provider) error {
	if err := s.pipeline.BeginAction(provider); err != nil {
		return err
	}
	key := s.slice.ActiveKey()
	collateral := s.values.Get().Collateral

	resp, err := s.client.Submit(ctx, lendapi.FeatureCollateralAdd, lendapi.StepRequest{
		FormRequest: s.request(key, session, marketID, collateral),
		Provider:    provider,
	})
	if err != nil {
		s.pipeline.FinishAction(key, err.Error())
		return fmt.Errorf("submit collateral: %w", err)
	}
	if resp.Error != "" {
		s.pipeline.FinishAction(resp.ActiveKey, resp.Error)
		return nil
	}

	if !s.pipeline.FinishAction(resp.ActiveKey, "") {
		return nil
	}
	log.Printf("[Collateral] add landed for %s: tx %s", marketID, resp.Hash)

	s.users.Invalidate(session, marketID)
	if _, err := s.users.FetchBalances(ctx, session, marketID); err != nil {
		log.Printf("[Collateral] balance refetch failed: %v", err)
	}
	if err := s.markets.RefreshStats(ctx, marketID); err != nil {
		log.Printf("[Collateral] stats refetch failed: %v", err)
	}

	done := s.pipeline.Status()
	s.slice.Reset()
	// Surface the completed status once past the reset so callers can render
	// the success state before the next edit clears it
	s.status.Set(done)
	return nil
}

// Reset returns the form to its defaults
func (s *Slice) Reset() {
	s.slice.Reset()
}
