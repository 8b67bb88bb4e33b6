// Package gasprice maintains the per-chain fee snapshot consumed by every
// feature's gas estimate rendering.
package gasprice

import (
	"context"
	"fmt"
	"log"

	"github.com/holiman/uint256"

	"github.com/lending-experiment/lendstate/internal/lendapi"
	"github.com/lending-experiment/lendstate/internal/protocol"
	"github.com/lending-experiment/lendstate/internal/store"
)

// Tier indexes the priority fee levels a chain reports
type Tier int

const (
	TierFast Tier = iota
	TierMedium
	TierSlow
)

// Snapshot is the committed fee state for one chain. Fees are wei values;
// zero Base with non-zero GasPrice marks a legacy (pre-1559) chain.
type Snapshot struct {
	ChainID  protocol.ChainID
	GasPrice *uint256.Int
	Base     *uint256.Int
	Priority []*uint256.Int
	Max      []*uint256.Int
}

// Fetcher is the gateway surface this slice needs
type Fetcher interface {
	GasInfo(ctx context.Context, chainID protocol.ChainID) (lendapi.GasInfo, error)
}

// Slice owns the fee snapshot. The active key is the chain id alone, so a
// chain switch mid-fetch discards the old chain's fees like any other stale
// response.
type Slice struct {
	slice  *store.Slice
	info   *store.Field[Snapshot]
	client Fetcher
}

// New creates the gas slice
func New(client Fetcher, limit int) *Slice {
	s := store.NewSlice("gas", limit)
	return &Slice{
		slice:  s,
		info:   store.NewField(s, "gasInfo", func() Snapshot { return Snapshot{} }),
		client: client,
	}
}

// Store exposes the underlying slice for registry wiring
func (s *Slice) Store() *store.Slice { return s.slice }

// Snapshot returns the committed fee state
func (s *Slice) Snapshot() Snapshot { return s.info.Get() }

// Refresh fetches fee levels for chainID and commits them if the chain is
// still current.
func (s *Slice) Refresh(ctx context.Context, chainID protocol.ChainID) error {
	key := protocol.ActiveKey(chainID, "", "")
	s.slice.SetActiveKey(key)

	raw, err := s.client.GasInfo(ctx, chainID)
	if err != nil {
		return fmt.Errorf("fetch gas info: %w", err)
	}

	snap, err := buildSnapshot(raw)
	if err != nil {
		return fmt.Errorf("parse gas info: %w", err)
	}

	if !s.info.SetIfActive(key, snap) {
		log.Printf("[GasPrice] discarded fee snapshot for superseded chain %d", chainID)
	}
	return nil
}

// buildSnapshot parses decimal wei strings and derives the per-tier fee cap:
// max = 2*base + priority, the standard headroom against base fee growth
// across inclusion delay.
func buildSnapshot(raw lendapi.GasInfo) (Snapshot, error) {
	snap := Snapshot{ChainID: raw.ChainID}

	var err error
	if raw.GasPrice != "" {
		if snap.GasPrice, err = parseWei(raw.GasPrice); err != nil {
			return Snapshot{}, err
		}
	}
	if raw.Base != "" {
		if snap.Base, err = parseWei(raw.Base); err != nil {
			return Snapshot{}, err
		}
	}

	for _, p := range raw.Priority {
		prio, err := parseWei(p)
		if err != nil {
			return Snapshot{}, err
		}
		snap.Priority = append(snap.Priority, prio)
		snap.Max = append(snap.Max, feeCap(snap.Base, prio))
	}

	// Chains may report precomputed caps; prefer those when present
	if len(raw.Max) == len(raw.Priority) {
		for i, m := range raw.Max {
			v, err := parseWei(m)
			if err != nil {
				return Snapshot{}, err
			}
			snap.Max[i] = v
		}
	}
	return snap, nil
}

// FeeFor returns the effective max fee for a tier, falling back to the legacy
// gas price when the chain has no 1559 data.
func (s Snapshot) FeeFor(tier Tier) *uint256.Int {
	if int(tier) < len(s.Max) && s.Max[tier] != nil {
		return s.Max[tier]
	}
	return s.GasPrice
}

// Cost multiplies a gas estimate by the tier's fee, in wei
func (s Snapshot) Cost(gas uint64, tier Tier) *uint256.Int {
	fee := s.FeeFor(tier)
	if fee == nil {
		return uint256.NewInt(0)
	}
	cost := new(uint256.Int).Mul(fee, uint256.NewInt(gas))
	return cost
}

func feeCap(base, priority *uint256.Int) *uint256.Int {
	if base == nil {
		return new(uint256.Int).Set(priority)
	}
	out := new(uint256.Int).Lsh(base, 1)
	return out.Add(out, priority)
}

func parseWei(s string) (*uint256.Int, error) {
	v, err := uint256.FromDecimal(s)
	if err != nil {
		return nil, fmt.Errorf("wei value %q: %w", s, err)
	}
	return v, nil
}
