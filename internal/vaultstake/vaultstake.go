// Package vaultstake implements the vault share staking form: stake vault
// shares into the gauge, two steps (approve, stake), gas estimate and
// allowance refreshed on every amount edit.
package vaultstake

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

// FormTypeStake tags this form's keys
const FormTypeStake protocol.FormType = "STAKE"

// FormValues is the user-editable input state. Error holds a validation code
// recomputed on every edit, never a thrown error.
type FormValues struct {
	Amount string `json:"amount"`
	Error  string `json:"error"`
}

// Gateway is the client surface the stake form needs
type Gateway interface {
	EstGasApproval(ctx context.Context, feature string, req lendapi.FormRequest) (lendapi.EstGasApproval, error)
	Approve(ctx context.Context, feature string, req lendapi.StepRequest) (lendapi.ApproveResp, error)
	Submit(ctx context.Context, feature string, req lendapi.StepRequest) (lendapi.TxResp, error)
}

// Cascade receives the refetch fan-out after a completed stake
type Cascade interface {
	RefreshStats(ctx context.Context, marketID string) error
}

// Slice is the stake form engine
type Slice struct {
	slice    *store.Slice
	values   *store.Field[FormValues]
	status   *store.Field[protocol.FormStatus]
	estGas   *store.KeyedField[lendapi.EstGasApproval]
	pipeline *orchestrator.Pipeline
	runner   *orchestrator.Runner

	client  Gateway
	users   *user.Slice
	markets Cascade
}

// New creates the stake slice
func New(client Gateway, users *user.Slice, markets Cascade, limit int) *Slice {
	s := store.NewSlice("vaultStake", limit)
	sl := &Slice{
		slice:   s,
		values:  store.NewField(s, "formValues", func() FormValues { return FormValues{} }),
		status:  store.NewField(s, "formStatus", func() protocol.FormStatus { return protocol.FormStatus{} }),
		estGas:  store.NewKeyedField[lendapi.EstGasApproval](s, "estGasApprovalMapper"),
		client:  client,
		users:   users,
		markets: markets,
	}
	sl.pipeline = orchestrator.NewPipeline(s, sl.status, protocol.StepStake)
	sl.runner = orchestrator.NewRunner(s, 0, func(key string, err error) { sl.pipeline.FetchFailed(key, err) })
	return sl
}

// Store exposes the underlying slice for registry wiring
func (s *Slice) Store() *store.Slice { return s.slice }

// Values returns the current form values
func (s *Slice) Values() FormValues { return s.values.Get() }

// Status returns the current step state
func (s *Slice) Status() protocol.FormStatus { return s.pipeline.Status() }

// EstGas returns the cached gas/allowance record for the current key
func (s *Slice) EstGas() (lendapi.EstGasApproval, bool) {
	return s.estGas.Get(s.slice.ActiveKey())
}

// Wait drains in-flight fetches, for tests and shutdown
func (s *Slice) Wait() { s.runner.Wait() }

func (s *Slice) activeKey(session *protocol.Session, marketID, amount string) string {
	var chainID protocol.ChainID
	if session != nil {
		chainID = session.ChainID
	}
	return protocol.ActiveKey(chainID, FormTypeStake, marketID, amount)
}

// SetAmount is the per-keystroke entry point: store the new value, derive and
// install the new activeKey, validate against the wallet's vault shares, then
// launch the gas/allowance refetch. Everything up to the fetch launch is
// synchronous so no later response can commit under a stale key.
func (s *Slice) SetAmount(ctx context.Context, session *protocol.Session, marketID, amount string) {
	key := s.activeKey(session, marketID, amount)
	s.slice.SetActiveKey(key)

	vals := FormValues{Amount: amount}
	if balances, ok := s.users.Balances(session, marketID); ok {
		if protocol.AmountExceeds(amount, balances.VaultShares) {
			vals.Error = protocol.ErrTooMuch
		}
	}
	s.values.Set(vals)
	s.status.Update(func(cur protocol.FormStatus) protocol.FormStatus {
		return cur.ResetTransient()
	})

	if session.SignerAddress() == "" || !protocol.PositiveAmount(amount) {
		return
	}

	s.runner.Go(ctx, key, s.fetchEstGas(session, marketID, amount))
}

func (s *Slice) fetchEstGas(session *protocol.Session, marketID, amount string) orchestrator.Fetch {
	return func(ctx context.Context, key string) error {
		resp, err := s.client.EstGasApproval(ctx, lendapi.FeatureVaultStake, lendapi.FormRequest{
			ActiveKey: key,
			MarketID:  marketID,
			Signer:    session.SignerAddress(),
			Amounts:   map[string]string{"amount": amount},
		})
		if err != nil {
			return fmt.Errorf("est gas approval: %w", err)
		}
		if !s.estGas.SetIfActive(resp.ActiveKey, resp) {
			log.Printf("[VaultStake] dropped stale est-gas for key %q", resp.ActiveKey)
			return nil
		}
		// Allowance state feeds the step machine
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
	amount := s.values.Get().Amount

	resp, err := s.client.Approve(ctx, lendapi.FeatureVaultStake, lendapi.StepRequest{
		FormRequest: lendapi.FormRequest{
			ActiveKey: key,
			MarketID:  marketID,
			Signer:    session.SignerAddress(),
			Amounts:   map[string]string{"amount": amount},
		},
		Provider: provider,
	})
	if err != nil {
		s.pipeline.FinishApproval(key, err.Error())
		return fmt.Errorf("approve stake: %w", err)
	}
	if resp.Error != "" {
		s.pipeline.FinishApproval(resp.ActiveKey, resp.Error)
		return nil
	}

	if s.pipeline.FinishApproval(resp.ActiveKey, "") {
		// Allowance changed on-chain, so the gas estimate is stale
		s.runner.Go(ctx, resp.ActiveKey, s.fetchEstGas(session, marketID, amount))
	}
	return nil
}

// Stake runs the primary action. On success the committed world changed, so
// user balances and market totals are refetched and the form resets to its
// completed state.
func (s *Slice) Stake(ctx context.Context, session *protocol.Session, marketID string, provider *protocol.Provider) error {
	if err := s.pipeline.BeginAction(provider); err != nil {
		return err
	}
	key := s.slice.ActiveKey()
	amount := s.values.Get().Amount

	resp, err := s.client.Submit(ctx, lendapi.FeatureVaultStake, lendapi.StepRequest{
		FormRequest: lendapi.FormRequest{
			ActiveKey: key,
			MarketID:  marketID,
			Signer:    session.SignerAddress(),
			Amounts:   map[string]string{"amount": amount},
		},
		Provider: provider,
	})
	if err != nil {
		s.pipeline.FinishAction(key, err.Error())
		return fmt.Errorf("submit stake: %w", err)
	}
	if resp.Error != "" {
		s.pipeline.FinishAction(resp.ActiveKey, resp.Error)
		return nil
	}

	if !s.pipeline.FinishAction(resp.ActiveKey, "") {
		return nil
	}
	log.Printf("[VaultStake] stake landed for %s: tx %s", marketID, resp.Hash)

	// Refetch cascade: balances moved and market totals moved
	s.users.Invalidate(session, marketID)
	if _, err := s.users.FetchBalances(ctx, session, marketID); err != nil {
		log.Printf("[VaultStake] balance refetch failed: %v", err)
	}
	if err := s.markets.RefreshStats(ctx, marketID); err != nil {
		log.Printf("[VaultStake] stats refetch failed: %v", err)
	}

	// Clear the amount but keep the completed status visible
	s.values.Set(FormValues{})
	return nil
}

// Reset returns the form to its defaults, for market switches and unmounts
func (s *Slice) Reset() {
	s.slice.Reset()
}
