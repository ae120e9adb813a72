package source

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"arena-feed/pkg/feed"
)

const (
	defaultTimeout = 15 * time.Second
	errorBodyLimit = 512

	pathTrades      = "/api/arena/trades"
	pathModelChat   = "/api/arena/model-chat"
	pathPositions   = "/api/arena/positions"
	pathAccountList = "/api/account/list"
	pathBalanceFmt  = "/api/hyperliquid/accounts/%d/balance"
)

var (
	_ Adapters      = (*HTTPClient)(nil)
	_ BalanceSource = (*HTTPClient)(nil)
)

// StatusError reports a non-2xx response from the backend.
type StatusError struct {
	Path   string
	Code   int
	Status string
	Body   string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("source: %s returned %s", e.Path, e.Status)
	}
	return fmt.Sprintf("source: %s returned %s: %s", e.Path, e.Status, e.Body)
}

// HTTPConfig configures the REST adapters.
type HTTPConfig struct {
	BaseURL       string
	Timeout       time.Duration
	RatePerSecond float64
	Burst         int
	// Client overrides the HTTP client; Timeout is ignored when set.
	Client *http.Client
}

// HTTPClient implements the snapshot sources over the arena REST API.
type HTTPClient struct {
	baseURL string
	client  *http.Client
	limiter *rate.Limiter
}

// NewHTTPClient validates the configuration and builds a client.
func NewHTTPClient(cfg HTTPConfig) (*HTTPClient, error) {
	base := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if base == "" {
		return nil, errors.New("source: base url is required")
	}
	if _, err := url.ParseRequestURI(base); err != nil {
		return nil, fmt.Errorf("source: invalid base url %q: %w", base, err)
	}
	client := cfg.Client
	if client == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = defaultTimeout
		}
		client = &http.Client{Timeout: timeout}
	}
	limit := rate.Inf
	burst := cfg.Burst
	if cfg.RatePerSecond > 0 {
		limit = rate.Limit(cfg.RatePerSecond)
		if burst <= 0 {
			burst = 1
		}
	}
	return &HTTPClient{
		baseURL: base,
		client:  client,
		limiter: rate.NewLimiter(limit, burst),
	}, nil
}

func (c *HTTPClient) FetchTrades(ctx context.Context, req TradesRequest) (*TradesResponse, error) {
	query := filterQuery(req.Limit, req.AccountID, req.Environment, req.Wallet)
	var resp TradesResponse
	if err := c.getJSON(ctx, pathTrades, query, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *HTTPClient) FetchDecisions(ctx context.Context, req DecisionsRequest) (*DecisionsResponse, error) {
	query := filterQuery(req.Limit, req.AccountID, req.Environment, req.Wallet)
	var resp DecisionsResponse
	if err := c.getJSON(ctx, pathModelChat, query, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *HTTPClient) FetchPositions(ctx context.Context, req PositionsRequest) (*PositionsResponse, error) {
	query := filterQuery(0, req.AccountID, req.Environment, "")
	var resp PositionsResponse
	if err := c.getJSON(ctx, pathPositions, query, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *HTTPClient) FetchAccountList(ctx context.Context) ([]AccountSummary, error) {
	var resp []AccountSummary
	if err := c.getJSON(ctx, pathAccountList, nil, &resp); err != nil {
		return nil, err
	}
	return resp, nil
}

func (c *HTTPClient) FetchBalance(ctx context.Context, accountID feed.AccountID) (*Balance, error) {
	var resp Balance
	if err := c.getJSON(ctx, fmt.Sprintf(pathBalanceFmt, accountID), nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *HTTPClient) getJSON(ctx context.Context, path string, query url.Values, dest any) error {
	if c == nil || c.client == nil {
		return errors.New("source: client not initialised")
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("source: rate wait %s: %w", path, err)
	}
	target := c.baseURL + path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return fmt.Errorf("source: build request %s: %w", path, err)
	}
	req.Header.Set("Accept", "application/json")
	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("source: get %s: %w", path, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, errorBodyLimit))
		return &StatusError{
			Path:   path,
			Code:   resp.StatusCode,
			Status: resp.Status,
			Body:   strings.TrimSpace(string(body)),
		}
	}
	if err := json.NewDecoder(resp.Body).Decode(dest); err != nil {
		return fmt.Errorf("source: decode %s: %w", path, err)
	}
	return nil
}

func filterQuery(limit int, accountID *feed.AccountID, env feed.Environment, wallet string) url.Values {
	query := url.Values{}
	if limit > 0 {
		query.Set("limit", strconv.Itoa(limit))
	}
	if accountID != nil {
		query.Set("account_id", strconv.FormatInt(int64(*accountID), 10))
	}
	if env != "" {
		query.Set("trading_mode", string(env))
	}
	if wallet != "" {
		query.Set("wallet_address", wallet)
	}
	return query
}
