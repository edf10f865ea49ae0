// Package poolingest is Pool Ingestion (spec §4.2): a periodic pull from
// an external pool-analytics GraphQL source, normalized into
// domain.Pool, with a freshness bound and soft-delete after repeated
// missed refresh cycles. No GraphQL client library appears anywhere in
// the example pack (go-ethereum's go.mod carries graph-gophers/graphql-go,
// a server library — the wrong shape for a client), so this file
// hand-rolls a minimal client over net/http + encoding/json, the
// documented stdlib exception recorded in DESIGN.md.
package poolingest

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// graphQLRequest is the standard GraphQL-over-HTTP request envelope.
type graphQLRequest struct {
	Query     string         `json:"query"`
	Variables map[string]any `json:"variables,omitempty"`
}

// graphQLError is one entry of a GraphQL response's "errors" array.
type graphQLError struct {
	Message string `json:"message"`
}

type graphQLResponse struct {
	Data   json.RawMessage `json:"data"`
	Errors []graphQLError  `json:"errors,omitempty"`
}

// Client is a minimal GraphQL-over-HTTP client scoped to the one query
// Pool Ingestion needs (spec §6: "pool analytics GraphQL source").
type Client struct {
	endpoint   string
	apiKey     string
	httpClient *http.Client
}

// NewClient builds a Client against a pool-analytics GraphQL endpoint.
func NewClient(endpoint, apiKey string, timeout time.Duration) *Client {
	return &Client{
		endpoint:   endpoint,
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: timeout},
	}
}

// poolsQuery requests the fields Pool Ingestion normalizes into
// domain.Pool: identity, reserve tokens, decimals, spacing, fee tier,
// and the analytics fields (TVL, 24h volume, yield estimate).
const poolsQuery = `
query Pools($chainId: Int!, $addresses: [String!]!) {
  pools(chainId: $chainId, addresses: $addresses) {
    address
    token0 { address decimals }
    token1 { address decimals }
    tickSpacing
    feeTier
    tvlUSD
    volume24hUSD
    yieldEstimate
    sqrtPriceX96
    tick
  }
}`

// poolDTO is the wire shape of one pool in the query response.
type poolDTO struct {
	Address      string  `json:"address"`
	Token0       tokenDTO `json:"token0"`
	Token1       tokenDTO `json:"token1"`
	TickSpacing  int32   `json:"tickSpacing"`
	FeeTier      uint32  `json:"feeTier"`
	TVLUSD       float64 `json:"tvlUSD"`
	Volume24hUSD float64 `json:"volume24hUSD"`
	YieldEstimate float64 `json:"yieldEstimate"`
	SqrtPriceX96 string  `json:"sqrtPriceX96"`
	Tick         int32   `json:"tick"`
}

type tokenDTO struct {
	Address  string `json:"address"`
	Decimals uint8  `json:"decimals"`
}

type poolsResult struct {
	Pools []poolDTO `json:"pools"`
}

// FetchPools queries the analytics source for the given chain/address
// set and returns the raw DTOs for the caller to normalize.
func (c *Client) FetchPools(ctx context.Context, chainID uint64, addresses []string) ([]poolDTO, error) {
	body, err := json.Marshal(graphQLRequest{
		Query: poolsQuery,
		Variables: map[string]any{
			"chainId":   chainID,
			"addresses": addresses,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("marshal graphql request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build graphql request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("graphql request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("graphql request: unexpected status %d", resp.StatusCode)
	}

	var envelope graphQLResponse
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return nil, fmt.Errorf("decode graphql response: %w", err)
	}
	if len(envelope.Errors) > 0 {
		return nil, fmt.Errorf("graphql errors: %s", envelope.Errors[0].Message)
	}

	var result poolsResult
	if err := json.Unmarshal(envelope.Data, &result); err != nil {
		return nil, fmt.Errorf("unmarshal pools data: %w", err)
	}
	return result.Pools, nil
}
