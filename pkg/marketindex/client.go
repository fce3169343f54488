// Package marketindex queries the market subgraph for markets that are past
// expiry and not yet resolved.
package marketindex

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/0xMgwan/betuaa-sub000/pkg/chainclient"
	"github.com/0xMgwan/betuaa-sub000/pkg/metrics"
	"github.com/0xMgwan/betuaa-sub000/pkg/models"
)

const expiredMarketsQuery = `
	query ExpiredMarkets($now: BigInt!, $first: Int!, $skip: Int!) {
		markets(
			where: { resolved: false, closingTime_lt: $now }
			orderBy: closingTime
			orderDirection: asc
			first: $first
			skip: $skip
		) {
			id
			resolved
			closingTime
		}
	}
`

// DefaultMaxPages bounds how many pages one fetch may walk past markets that
// have no oracle configuration or that a filter holds back
const DefaultMaxPages = 20

// Options configures the index client
type Options struct {
	URL            string
	APIKey         string
	RequestTimeout time.Duration
	MaxPages       int
}

// Client is a GraphQL client for the market subgraph
type Client struct {
	graphqlURL string
	apiKey     string
	httpClient *http.Client
	details    chainclient.DetailsReader
	maxPages   int
	logger     zerolog.Logger
	now        func() time.Time
}

// New creates a new index client. When details is non-nil every snapshot is
// enriched with its on-chain oracle configuration and markets without one are
// dropped.
func New(opts Options, details chainclient.DetailsReader, logger zerolog.Logger) *Client {
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 10 * time.Second
	}
	if opts.MaxPages <= 0 {
		opts.MaxPages = DefaultMaxPages
	}
	return &Client{
		graphqlURL: opts.URL,
		apiKey:     strings.TrimSpace(opts.APIKey),
		httpClient: &http.Client{Timeout: opts.RequestTimeout},
		details:    details,
		maxPages:   opts.MaxPages,
		logger:     logger.With().Str("component", "marketindex").Logger(),
		now:        time.Now,
	}
}

// SetClock replaces the time source used for the expiry filter
func (c *Client) SetClock(now func() time.Time) {
	c.now = now
}

// graphqlRequest is the standard GraphQL request envelope.
type graphqlRequest struct {
	Query     string         `json:"query"`
	Variables map[string]any `json:"variables,omitempty"`
}

// graphqlResponse is the standard GraphQL response envelope.
type graphqlResponse struct {
	Data   json.RawMessage `json:"data"`
	Errors []struct {
		Message string `json:"message"`
	} `json:"errors"`
}

type indexedMarket struct {
	ID          string `json:"id"`
	Resolved    bool   `json:"resolved"`
	ClosingTime string `json:"closingTime"`
}

// FetchExpiredUnresolved returns up to limit markets whose expiry lies
// strictly before now and that are not resolved, oldest expiry first.
// On failure it returns an empty slice together with the error.
func (c *Client) FetchExpiredUnresolved(ctx context.Context, limit int) ([]models.Market, error) {
	return c.FetchCandidates(ctx, limit, nil)
}

// FetchCandidates is FetchExpiredUnresolved with a filter: markets keep
// rejects are dropped and paging continues until limit markets pass or the
// index runs out. A nil keep accepts everything.
func (c *Client) FetchCandidates(ctx context.Context, limit int, keep models.MarketFilter) ([]models.Market, error) {
	markets, err := c.fetchExpiredUnresolved(ctx, limit, keep)
	if err != nil {
		metrics.IndexRequests.WithLabelValues("error").Inc()
		return []models.Market{}, err
	}
	metrics.IndexRequests.WithLabelValues("ok").Inc()
	return markets, nil
}

func (c *Client) fetchExpiredUnresolved(ctx context.Context, limit int, keep models.MarketFilter) (markets []models.Market, err error) {
	defer func() {
		if r := recover(); r != nil {
			markets, err = nil, fmt.Errorf("market index: panic while fetching markets: %v", r)
		}
	}()

	if limit <= 0 {
		return []models.Market{}, nil
	}

	now := c.now()
	markets = make([]models.Market, 0, limit)
	seen := make(map[uint64]struct{})
	held := 0

	for page := 0; page < c.maxPages && len(markets) < limit; page++ {
		batch, err := c.queryPage(ctx, now, limit, page*limit)
		if err != nil {
			return nil, err
		}

		for _, raw := range batch {
			market, ok, err := c.toCandidate(ctx, raw, now)
			if err != nil {
				if ctx.Err() != nil {
					return nil, ctx.Err()
				}
				c.logger.Warn().Err(err).Str("market_id", raw.ID).Msg("Skipping market")
				continue
			}
			if !ok {
				continue
			}
			if _, dup := seen[market.ID]; dup {
				continue
			}
			seen[market.ID] = struct{}{}
			if keep != nil && !keep(ctx, market) {
				held++
				continue
			}
			markets = append(markets, market)
		}

		// a short page means the index has nothing more; without enrichment
		// or a filter every row of a full page is already a candidate
		if len(batch) < limit || (c.details == nil && keep == nil) {
			break
		}
	}

	sort.SliceStable(markets, func(i, j int) bool {
		return markets[i].ExpiryTime.Before(markets[j].ExpiryTime)
	})
	if len(markets) > limit {
		markets = markets[:limit]
	}

	c.logger.Debug().Int("candidates", len(markets)).Int("held", held).Msg("Fetched expired markets")
	return markets, nil
}

func (c *Client) queryPage(ctx context.Context, now time.Time, first, skip int) ([]indexedMarket, error) {
	variables := map[string]any{
		"now":   strconv.FormatInt(now.Unix(), 10),
		"first": first,
		"skip":  skip,
	}

	respData, err := c.doQuery(ctx, expiredMarketsQuery, variables)
	if err != nil {
		return nil, fmt.Errorf("market index: fetch expired markets: %w", err)
	}

	var result struct {
		Markets []indexedMarket `json:"markets"`
	}
	if err := json.Unmarshal(respData, &result); err != nil {
		return nil, fmt.Errorf("market index: decode markets: %w", err)
	}
	if result.Markets == nil {
		return nil, errors.New("market index: response has no markets field")
	}
	return result.Markets, nil
}

// toCandidate converts an index row into a market, enriching it from chain,
// and reports whether it is a resolution candidate at now
func (c *Client) toCandidate(ctx context.Context, raw indexedMarket, now time.Time) (models.Market, bool, error) {
	id, err := strconv.ParseUint(raw.ID, 10, 64)
	if err != nil {
		return models.Market{}, false, fmt.Errorf("invalid market id %q: %w", raw.ID, err)
	}
	closing, err := strconv.ParseInt(raw.ClosingTime, 10, 64)
	if err != nil {
		return models.Market{}, false, fmt.Errorf("invalid closing time %q: %w", raw.ClosingTime, err)
	}

	market := models.Market{
		ID:         id,
		ExpiryTime: time.Unix(closing, 0).UTC(),
		Resolved:   raw.Resolved,
	}

	if c.details != nil {
		onchain, err := c.details.MarketDetails(ctx, id)
		if errors.Is(err, chainclient.ErrNotOracleMarket) {
			c.logger.Debug().Uint64("market_id", id).Msg("Not an oracle market")
			return models.Market{}, false, nil
		}
		if err != nil {
			return models.Market{}, false, err
		}
		market.FeedID = onchain.FeedID
		market.Threshold = onchain.Threshold
		market.IsAboveWins = onchain.IsAboveWins
		market.Resolved = market.Resolved || onchain.Resolved
		if !onchain.ExpiryTime.IsZero() {
			market.ExpiryTime = onchain.ExpiryTime
		}
	}

	return market, market.IsCandidate(now), nil
}

// doQuery executes a GraphQL query against the subgraph and returns the raw
// "data" field from the response.
func (c *Client) doQuery(ctx context.Context, query string, variables map[string]any) (json.RawMessage, error) {
	jsonBody, err := json.Marshal(graphqlRequest{Query: query, Variables: variables})
	if err != nil {
		return nil, fmt.Errorf("marshal graphql request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.graphqlURL, bytes.NewReader(jsonBody))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("HTTP %d: %s", resp.StatusCode, string(body))
	}

	var gqlResp graphqlResponse
	if err := json.Unmarshal(body, &gqlResp); err != nil {
		return nil, fmt.Errorf("decode graphql response: %w", err)
	}

	if len(gqlResp.Errors) > 0 {
		return nil, fmt.Errorf("graphql error: %s", gqlResp.Errors[0].Message)
	}

	return gqlResp.Data, nil
}
