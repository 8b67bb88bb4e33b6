// Package lendapi is the HTTP client for the chain/market gateway. Every
// fetch returns a response that echoes the request's active key; callers
// decide whether the result is still current before committing it.
package lendapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/VictoriaMetrics/fastcache"
	"github.com/lending-experiment/lendstate/internal/network"
	"github.com/lending-experiment/lendstate/internal/protocol"
)

const (
	// HTTPClientTimeout bounds every gateway call
	HTTPClientTimeout = 10 * time.Second

	// metaCacheBytes sizes the in-memory front for market metadata (8 MB).
	// Metadata is immutable, so the cache never needs invalidation.
	metaCacheBytes = 8 * 1024 * 1024
)

// Client talks to the lending gateway
type Client struct {
	baseURL    string
	httpClient *http.Client

	// Immutable market metadata: fastcache front, persistent store behind
	metaCache *fastcache.Cache
	metaStore *MetaStore
}

// NewClient creates a gateway client. metaPath selects the persistent
// metadata store location (empty for in-memory). networkConfig enables
// latency simulation on every call.
func NewClient(gatewayURL string, networkConfig network.NetworkConfig, metaPath string) (*Client, error) {
	metaStore, err := NewMetaStore(metaPath)
	if err != nil {
		return nil, fmt.Errorf("create meta store: %w", err)
	}

	return &Client{
		baseURL:    gatewayURL,
		httpClient: network.NewHTTPClient(networkConfig, HTTPClientTimeout),
		metaCache:  fastcache.New(metaCacheBytes),
		metaStore:  metaStore,
	}, nil
}

// Close gracefully shuts down the client, closing the metadata store
func (c *Client) Close() error {
	if c.metaStore != nil {
		return c.metaStore.Close()
	}
	return nil
}

// post issues a JSON POST and decodes the response into T. Non-2xx statuses
// and transport failures surface as Go errors; gateway-level soft errors
// arrive in the decoded value's Error field.
func post[T any](c *Client, ctx context.Context, path string, body any) (T, error) {
	var out T

	reqData, err := json.Marshal(body)
	if err != nil {
		return out, fmt.Errorf("marshal request: %w", err)
	}

	url := c.baseURL + path
	req, err := http.NewRequestWithContext(ctx, "POST", url, bytes.NewBuffer(reqData))
	if err != nil {
		return out, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return out, fmt.Errorf("POST %s: %w", url, err)
	}
	defer resp.Body.Close()

	respData, err := io.ReadAll(resp.Body)
	if err != nil {
		return out, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return out, fmt.Errorf("POST %s: status %d: %s", url, resp.StatusCode, respData)
	}

	if err := json.Unmarshal(respData, &out); err != nil {
		return out, fmt.Errorf("unmarshal response: %w", err)
	}
	return out, nil
}

func get[T any](c *Client, ctx context.Context, path string) (T, error) {
	var out T

	url := c.baseURL + path
	req, err := http.NewRequestWithContext(ctx, "GET", url, nil)
	if err != nil {
		return out, fmt.Errorf("create request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return out, fmt.Errorf("GET %s: %w", url, err)
	}
	defer resp.Body.Close()

	respData, err := io.ReadAll(resp.Body)
	if err != nil {
		return out, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return out, fmt.Errorf("GET %s: status %d: %s", url, resp.StatusCode, respData)
	}

	if err := json.Unmarshal(respData, &out); err != nil {
		return out, fmt.Errorf("unmarshal response: %w", err)
	}
	return out, nil
}

// Detail fetches the preview/detail computation for a form configuration
func (c *Client) Detail(ctx context.Context, feature string, req FormRequest) (DetailInfo, error) {
	return post[DetailInfo](c, ctx, "/"+feature+"/detail", req)
}

// EstGasApproval fetches the gas estimate and allowance check together
func (c *Client) EstGasApproval(ctx context.Context, feature string, req FormRequest) (EstGasApproval, error) {
	return post[EstGasApproval](c, ctx, "/"+feature+"/est-gas-approval", req)
}

// MaxRecv fetches the maximum receivable amount for a form configuration
func (c *Client) MaxRecv(ctx context.Context, feature string, req FormRequest) (MaxRecv, error) {
	return post[MaxRecv](c, ctx, "/"+feature+"/max-recv", req)
}

// LiqRanges fetches the selectable liquidation ranges (loan-create only)
func (c *Client) LiqRanges(ctx context.Context, feature string, req FormRequest) (LiqRanges, error) {
	return post[LiqRanges](c, ctx, "/"+feature+"/liq-ranges", req)
}

// Approve submits the allowance transaction(s) for a step
func (c *Client) Approve(ctx context.Context, feature string, req StepRequest) (ApproveResp, error) {
	return post[ApproveResp](c, ctx, "/"+feature+"/approve", req)
}

// Submit submits the feature's primary action transaction
func (c *Client) Submit(ctx context.Context, feature string, req StepRequest) (TxResp, error) {
	return post[TxResp](c, ctx, "/"+feature+"/submit", req)
}

// UserBalances fetches a signer's balances for one market
func (c *Client) UserBalances(ctx context.Context, session *protocol.Session, marketID string) (UserBalances, error) {
	req := struct {
		UserActiveKey string `json:"user_active_key"`
		MarketID      string `json:"market_id"`
		Signer        string `json:"signer"`
	}{
		UserActiveKey: protocol.UserActiveKey(session, marketID),
		MarketID:      marketID,
		Signer:        session.SignerAddress(),
	}
	return post[UserBalances](c, ctx, "/user/balances", req)
}

// LoanExists checks whether the signer has an open loan on a market
func (c *Client) LoanExists(ctx context.Context, session *protocol.Session, marketID string) (LoanExists, error) {
	req := struct {
		UserActiveKey string `json:"user_active_key"`
		MarketID      string `json:"market_id"`
		Signer        string `json:"signer"`
	}{
		UserActiveKey: protocol.UserActiveKey(session, marketID),
		MarketID:      marketID,
		Signer:        session.SignerAddress(),
	}
	return post[LoanExists](c, ctx, "/user/loan-exists", req)
}

// MarketStats fetches market-level totals
func (c *Client) MarketStats(ctx context.Context, marketID string) (MarketStats, error) {
	return get[MarketStats](c, ctx, "/markets/"+marketID+"/stats")
}

// Markets lists the markets available on a chain
func (c *Client) Markets(ctx context.Context, chainID protocol.ChainID) ([]protocol.Market, error) {
	return get[[]protocol.Market](c, ctx, fmt.Sprintf("/markets?chain_id=%d", chainID))
}

// GasInfo fetches current fee levels for a chain
func (c *Client) GasInfo(ctx context.Context, chainID protocol.ChainID) (GasInfo, error) {
	return get[GasInfo](c, ctx, fmt.Sprintf("/gas?chain_id=%d", chainID))
}

// MarketMeta returns immutable metadata for a market, served from the
// fastcache front, then the persistent store, then the gateway.
func (c *Client) MarketMeta(ctx context.Context, marketID string) (MarketMeta, error) {
	cacheKey := []byte("meta:" + marketID)

	var meta MarketMeta
	if data := c.metaCache.Get(nil, cacheKey); len(data) > 0 {
		if err := json.Unmarshal(data, &meta); err == nil {
			return meta, nil
		}
	}

	if data := c.metaStore.Get(marketID); len(data) > 0 {
		if err := json.Unmarshal(data, &meta); err == nil {
			c.metaCache.Set(cacheKey, data)
			return meta, nil
		}
	}

	meta, err := get[MarketMeta](c, ctx, "/markets/"+marketID+"/meta")
	if err != nil {
		return MarketMeta{}, err
	}

	if data, err := json.Marshal(meta); err == nil {
		c.metaCache.Set(cacheKey, data)
		if err := c.metaStore.Put(marketID, data); err != nil {
			// Persistence is an optimization; serve the fetched value regardless
			return meta, nil
		}
	}
	return meta, nil
}
