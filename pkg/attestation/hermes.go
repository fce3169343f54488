// Package attestation fetches signed price updates from the Hermes price
// service and quotes the on-chain fee for posting them.
package attestation

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"

	"github.com/0xMgwan/betuaa-sub000/pkg/metrics"
	"github.com/0xMgwan/betuaa-sub000/pkg/models"
)

var (
	// ErrNoData means the price service has no update for the feed right now.
	// It is not a failure: the market is skipped for this cycle.
	ErrNoData = errors.New("no price update available")
	// ErrFeedNotFound means the price service does not know the feed at all
	ErrFeedNotFound = fmt.Errorf("%w: feed not found", ErrNoData)
	// ErrRateLimited is returned when the price service answers 429
	ErrRateLimited = errors.New("price service rate limited")
)

// FeeReader quotes the on-chain fee for posting update payloads
type FeeReader interface {
	UpdateFee(ctx context.Context, updateData [][]byte) (*big.Int, error)
}

// Options configures the Hermes client
type Options struct {
	BaseURL        string
	APIKey         string
	RequestTimeout time.Duration
}

// Client is a Hermes price service client
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	fees       FeeReader
	limiter    Limiter
	logger     zerolog.Logger
	now        func() time.Time
}

// New creates a new Hermes client. limiter may be nil.
func New(opts Options, fees FeeReader, limiter Limiter, logger zerolog.Logger) *Client {
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 10 * time.Second
	}
	if limiter == nil {
		limiter = NoLimit{}
	}
	return &Client{
		baseURL:    strings.TrimRight(opts.BaseURL, "/"),
		apiKey:     strings.TrimSpace(opts.APIKey),
		httpClient: createHTTPClient(opts.RequestTimeout),
		fees:       fees,
		limiter:    limiter,
		logger:     logger.With().Str("component", "attestation").Logger(),
		now:        time.Now,
	}
}

// latestResponse is the body of /v2/updates/price/latest
type latestResponse struct {
	Binary struct {
		Encoding string   `json:"encoding"`
		Data     []string `json:"data"`
	} `json:"binary"`
	Parsed []struct {
		ID    string `json:"id"`
		Price struct {
			Price       string `json:"price"`
			Conf        string `json:"conf"`
			Expo        int32  `json:"expo"`
			PublishTime int64  `json:"publish_time"`
		} `json:"price"`
	} `json:"parsed"`
}

// FetchUpdate pulls a fresh signed update for feedID. It returns an error
// wrapping ErrNoData when the service has nothing for the feed, and any other
// error for transport or decoding faults.
func (c *Client) FetchUpdate(ctx context.Context, feedID common.Hash) (*models.AttestationBundle, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limiter: %w", err)
	}

	bundle, err := c.fetchLatest(ctx, feedID)
	switch {
	case err == nil:
		metrics.OracleRequests.WithLabelValues("ok").Inc()
	case errors.Is(err, ErrNoData):
		metrics.OracleRequests.WithLabelValues("no_data").Inc()
	default:
		metrics.OracleRequests.WithLabelValues("error").Inc()
	}
	return bundle, err
}

func (c *Client) fetchLatest(ctx context.Context, feedID common.Hash) (*models.AttestationBundle, error) {
	query := url.Values{}
	query.Add("ids[]", feedID.Hex())
	query.Set("encoding", "hex")
	query.Set("parsed", "true")
	endpoint := c.baseURL + "/v2/updates/price/latest?" + query.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch price update: %w", err)
	}
	defer func(Body io.ReadCloser) {
		if err := Body.Close(); err != nil {
			c.logger.Error().Err(err).Msg("Failed to close response body")
		}
	}(resp.Body)

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, fmt.Errorf("feed %s: %w", feedID.Hex(), ErrFeedNotFound)
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, fmt.Errorf("HTTP %d: %w", resp.StatusCode, ErrRateLimited)
	case resp.StatusCode != http.StatusOK:
		return nil, fmt.Errorf("unexpected status code: %d, body: %s", resp.StatusCode, truncate(body, 256))
	}

	var decoded latestResponse
	if err := json.Unmarshal(body, &decoded); err != nil {
		return nil, fmt.Errorf("failed to decode price update: %w", err)
	}

	if len(decoded.Binary.Data) == 0 {
		return nil, fmt.Errorf("feed %s: %w", feedID.Hex(), ErrNoData)
	}

	bundle := &models.AttestationBundle{
		FeedIDs:    []common.Hash{feedID},
		UpdateData: make([][]byte, 0, len(decoded.Binary.Data)),
		FetchedAt:  c.now(),
	}
	for _, blob := range decoded.Binary.Data {
		raw, err := hex.DecodeString(strings.TrimPrefix(blob, "0x"))
		if err != nil {
			return nil, fmt.Errorf("failed to decode update payload: %w", err)
		}
		if len(raw) == 0 {
			continue
		}
		bundle.UpdateData = append(bundle.UpdateData, raw)
	}
	if len(bundle.UpdateData) == 0 {
		return nil, fmt.Errorf("feed %s: %w", feedID.Hex(), ErrNoData)
	}

	for _, p := range decoded.Parsed {
		snapshot, err := parseSnapshot(p.ID, p.Price.Price, p.Price.Conf, p.Price.Expo, p.Price.PublishTime)
		if err != nil {
			c.logger.Warn().Err(err).Str("feed_id", p.ID).Msg("Ignoring unparsable price")
			continue
		}
		bundle.Prices = append(bundle.Prices, snapshot)
	}

	c.logger.Debug().
		Str("feed_id", feedID.Hex()).
		Int("payloads", len(bundle.UpdateData)).
		Msg("Fetched price update")
	return bundle, nil
}

// QuoteFee reads the on-chain fee for posting bundle. It is a fresh chain
// read every time since fee schedules can change between attempts.
func (c *Client) QuoteFee(ctx context.Context, bundle *models.AttestationBundle) (*big.Int, error) {
	if bundle.Empty() {
		return nil, errors.New("cannot quote fee for an empty bundle")
	}
	return c.fees.UpdateFee(ctx, bundle.UpdateData)
}

func parseSnapshot(id, price, conf string, expo int32, publishTime int64) (models.PriceSnapshot, error) {
	p, err := strconv.ParseInt(price, 10, 64)
	if err != nil {
		return models.PriceSnapshot{}, fmt.Errorf("invalid price %q: %w", price, err)
	}
	var cf uint64
	if conf != "" {
		cf, err = strconv.ParseUint(conf, 10, 64)
		if err != nil {
			return models.PriceSnapshot{}, fmt.Errorf("invalid conf %q: %w", conf, err)
		}
	}
	return models.PriceSnapshot{
		FeedID:      common.HexToHash(id),
		Price:       p,
		Conf:        cf,
		Expo:        expo,
		PublishTime: time.Unix(publishTime, 0).UTC(),
	}, nil
}

func truncate(body []byte, n int) string {
	if len(body) <= n {
		return string(body)
	}
	return string(body[:n]) + "..."
}

// Helper function to create an HTTP client with timeouts
func createHTTPClient(timeout time.Duration) *http.Client {
	return &http.Client{
		Timeout: timeout,
		Transport: &http.Transport{
			MaxIdleConns:        10,
			MaxIdleConnsPerHost: 10,
			IdleConnTimeout:     90 * time.Second,
		},
	}
}
