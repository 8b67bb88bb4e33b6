// Package user maintains signer-scoped market data: wallet/vault balances
// and loan existence, keyed by UserActiveKey so an account or chain switch
// invalidates everything at once.
package user

import (
	"context"
	"fmt"
	"log"

	"golang.org/x/sync/singleflight"

	"github.com/lending-experiment/lendstate/internal/lendapi"
	"github.com/lending-experiment/lendstate/internal/protocol"
	"github.com/lending-experiment/lendstate/internal/store"
)

// Fetcher is the gateway surface this slice needs
type Fetcher interface {
	UserBalances(ctx context.Context, session *protocol.Session, marketID string) (lendapi.UserBalances, error)
	LoanExists(ctx context.Context, session *protocol.Session, marketID string) (lendapi.LoanExists, error)
}

// Slice caches user-owned per-market records. Balance fetches are deduped
// through a singleflight group: form slices all refetch balances after a
// completed action, and concurrent callers should share one gateway call.
type Slice struct {
	slice      *store.Slice
	balances   *store.KeyedField[lendapi.UserBalances]
	loanExists *store.KeyedField[lendapi.LoanExists]
	client     Fetcher

	group singleflight.Group
}

// New creates the user slice
func New(client Fetcher, limit int) *Slice {
	s := store.NewSlice("user", limit)
	return &Slice{
		slice:      s,
		balances:   store.NewKeyedField[lendapi.UserBalances](s, "balancesMapper"),
		loanExists: store.NewKeyedField[lendapi.LoanExists](s, "loansExistsMapper"),
		client:     client,
	}
}

// Store exposes the underlying slice for registry wiring
func (s *Slice) Store() *store.Slice { return s.slice }

// Balances returns the cached balances for session/market
func (s *Slice) Balances(session *protocol.Session, marketID string) (lendapi.UserBalances, bool) {
	return s.balances.Get(protocol.UserActiveKey(session, marketID))
}

// LoanExists returns the cached loan flag for session/market
func (s *Slice) LoanExists(session *protocol.Session, marketID string) (lendapi.LoanExists, bool) {
	return s.loanExists.Get(protocol.UserActiveKey(session, marketID))
}

// FetchBalances loads balances for session/market and caches the result under
// its UserActiveKey. Concurrent calls for the same key collapse into one
// gateway request.
func (s *Slice) FetchBalances(ctx context.Context, session *protocol.Session, marketID string) (lendapi.UserBalances, error) {
	if session.SignerAddress() == "" {
		return lendapi.UserBalances{}, nil
	}

	key := protocol.UserActiveKey(session, marketID)
	v, err, shared := s.group.Do("balances:"+key, func() (any, error) {
		resp, err := s.client.UserBalances(ctx, session, marketID)
		if err != nil {
			return lendapi.UserBalances{}, fmt.Errorf("fetch user balances: %w", err)
		}
		s.balances.SetByActiveKey(resp.UserActiveKey, resp)
		return resp, nil
	})
	if err != nil {
		return lendapi.UserBalances{}, err
	}
	if shared {
		log.Printf("[User] balances fetch for %q shared across callers", key)
	}
	return v.(lendapi.UserBalances), nil
}

// BalancesIfMissing serves the cache and only hits the gateway on a miss
func (s *Slice) BalancesIfMissing(ctx context.Context, session *protocol.Session, marketID string) (lendapi.UserBalances, error) {
	if cached, ok := s.Balances(session, marketID); ok {
		return cached, nil
	}
	return s.FetchBalances(ctx, session, marketID)
}

// FetchLoanExists loads the loan flag and caches it under its UserActiveKey
func (s *Slice) FetchLoanExists(ctx context.Context, session *protocol.Session, marketID string) (lendapi.LoanExists, error) {
	if session.SignerAddress() == "" {
		return lendapi.LoanExists{}, nil
	}

	key := protocol.UserActiveKey(session, marketID)
	v, err, _ := s.group.Do("loanExists:"+key, func() (any, error) {
		resp, err := s.client.LoanExists(ctx, session, marketID)
		if err != nil {
			return lendapi.LoanExists{}, fmt.Errorf("fetch loan exists: %w", err)
		}
		s.loanExists.SetByActiveKey(resp.UserActiveKey, resp)
		return resp, nil
	})
	if err != nil {
		return lendapi.LoanExists{}, err
	}
	return v.(lendapi.LoanExists), nil
}

// Invalidate drops the cached records for session/market, forcing the next
// read through the gateway. Called after any completed action step.
func (s *Slice) Invalidate(session *protocol.Session, marketID string) {
	key := protocol.UserActiveKey(session, marketID)
	s.balances.Delete(key)
	s.loanExists.Delete(key)
}

// Reset clears all user-owned data, for wallet disconnects and identity
// switches.
func (s *Slice) Reset() {
	s.slice.Reset()
}
