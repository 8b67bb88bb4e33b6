// Package markets maintains the chain-level market list and per-market
// totals. It is the refetch target of every completed action: a stake or a
// new loan changes market totals, so form slices call RefreshStats after
// their action step lands.
package markets

import (
	"context"
	"fmt"
	"log"
	"strconv"

	"github.com/lending-experiment/lendstate/internal/lendapi"
	"github.com/lending-experiment/lendstate/internal/protocol"
	"github.com/lending-experiment/lendstate/internal/store"
)

// Fetcher is the gateway surface this slice needs
type Fetcher interface {
	Markets(ctx context.Context, chainID protocol.ChainID) ([]protocol.Market, error)
	MarketStats(ctx context.Context, marketID string) (lendapi.MarketStats, error)
	MarketMeta(ctx context.Context, marketID string) (lendapi.MarketMeta, error)
}

// Slice owns the market registry. The market list is keyed by chain id, the
// stats mapper by market id; stats are not input-derived so they bypass the
// activeKey check and always commit.
type Slice struct {
	slice  *store.Slice
	lists  *store.KeyedField[[]protocol.Market]
	stats  *store.KeyedField[lendapi.MarketStats]
	client Fetcher
}

// New creates the markets slice
func New(client Fetcher, limit int) *Slice {
	s := store.NewSlice("markets", limit)
	return &Slice{
		slice:  s,
		lists:  store.NewKeyedField[[]protocol.Market](s, "marketsMapper"),
		stats:  store.NewKeyedField[lendapi.MarketStats](s, "statsMapper"),
		client: client,
	}
}

// Store exposes the underlying slice for registry wiring
func (s *Slice) Store() *store.Slice { return s.slice }

func chainKey(chainID protocol.ChainID) string {
	return strconv.FormatInt(int64(chainID), 10)
}

// List returns the cached market list for a chain
func (s *Slice) List(chainID protocol.ChainID) ([]protocol.Market, bool) {
	return s.lists.Get(chainKey(chainID))
}

// Market looks up one market in a chain's cached list
func (s *Slice) Market(chainID protocol.ChainID, marketID string) (protocol.Market, bool) {
	list, ok := s.lists.Get(chainKey(chainID))
	if !ok {
		return protocol.Market{}, false
	}
	for _, m := range list {
		if m.ID == marketID {
			return m, true
		}
	}
	return protocol.Market{}, false
}

// Stats returns the cached totals for a market
func (s *Slice) Stats(marketID string) (lendapi.MarketStats, bool) {
	return s.stats.Get(marketID)
}

// RefreshList fetches the market list for a chain and warms the immutable
// metadata for each market behind it.
func (s *Slice) RefreshList(ctx context.Context, chainID protocol.ChainID) ([]protocol.Market, error) {
	list, err := s.client.Markets(ctx, chainID)
	if err != nil {
		return nil, fmt.Errorf("fetch markets for chain %d: %w", chainID, err)
	}
	s.lists.SetByActiveKey(chainKey(chainID), list)

	for _, m := range list {
		if _, err := s.client.MarketMeta(ctx, m.ID); err != nil {
			log.Printf("[Markets] metadata warmup failed for %s: %v", m.ID, err)
		}
	}
	return list, nil
}

// RefreshStats fetches current totals for one market and commits them
func (s *Slice) RefreshStats(ctx context.Context, marketID string) error {
	stats, err := s.client.MarketStats(ctx, marketID)
	if err != nil {
		return fmt.Errorf("fetch stats for %s: %w", marketID, err)
	}
	s.stats.SetByActiveKey(marketID, stats)
	return nil
}

// Reset clears the registry, for chain switches
func (s *Slice) Reset() {
	s.slice.Reset()
}
