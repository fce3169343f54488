package marketindex

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/0xMgwan/betuaa-sub000/pkg/chainclient"
	"github.com/0xMgwan/betuaa-sub000/pkg/models"
)

var now = time.Unix(1_760_000_000, 0).UTC()

type row struct {
	ID          string `json:"id"`
	Resolved    bool   `json:"resolved"`
	ClosingTime string `json:"closingTime"`
}

func closing(offset time.Duration) string {
	return fmt.Sprintf("%d", now.Add(offset).Unix())
}

// subgraph serves rows, applying skip/first like the real index does
func subgraph(t *testing.T, rows []row, requests *[]map[string]any) *httptest.Server {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req graphqlRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		if requests != nil {
			*requests = append(*requests, req.Variables)
		}

		first := int(req.Variables["first"].(float64))
		skip := int(req.Variables["skip"].(float64))
		page := []row{}
		if skip < len(rows) {
			end := skip + first
			if end > len(rows) {
				end = len(rows)
			}
			page = rows[skip:end]
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"data": map[string]any{"markets": page}})
	}))
	t.Cleanup(server.Close)
	return server
}

func newTestClient(url string, details chainclient.DetailsReader) *Client {
	client := New(Options{URL: url, RequestTimeout: time.Second}, details, zerolog.Nop())
	client.SetClock(func() time.Time { return now })
	return client
}

type stubDetails struct {
	markets map[uint64]models.Market
	calls   int
}

func (s *stubDetails) MarketDetails(_ context.Context, id uint64) (models.Market, error) {
	s.calls++
	m, ok := s.markets[id]
	if !ok {
		return models.Market{}, fmt.Errorf("market %d: %w", id, chainclient.ErrNotOracleMarket)
	}
	return m, nil
}

func TestFetchExpiredUnresolvedFiltersAndOrders(t *testing.T) {
	var requests []map[string]any
	server := subgraph(t, []row{
		{ID: "3", ClosingTime: closing(-10 * time.Second)},
		{ID: "1", ClosingTime: closing(-time.Hour)},
		{ID: "5", ClosingTime: closing(0)},
		{ID: "6", ClosingTime: closing(time.Minute)},
		{ID: "2", ClosingTime: closing(-time.Minute), Resolved: true},
	}, &requests)
	client := newTestClient(server.URL, nil)

	markets, err := client.FetchExpiredUnresolved(context.Background(), 10)
	require.NoError(t, err)

	ids := make([]uint64, 0, len(markets))
	for _, m := range markets {
		ids = append(ids, m.ID)
	}
	assert.Equal(t, []uint64{1, 3}, ids, "strictly expired, unresolved, oldest first")

	require.Len(t, requests, 1)
	assert.Equal(t, fmt.Sprintf("%d", now.Unix()), requests[0]["now"])
	assert.Equal(t, float64(10), requests[0]["first"])
}

func TestFetchExpiredUnresolvedRespectsLimit(t *testing.T) {
	server := subgraph(t, []row{
		{ID: "1", ClosingTime: closing(-3 * time.Hour)},
		{ID: "2", ClosingTime: closing(-2 * time.Hour)},
		{ID: "3", ClosingTime: closing(-time.Hour)},
	}, nil)
	client := newTestClient(server.URL, nil)

	markets, err := client.FetchExpiredUnresolved(context.Background(), 2)
	require.NoError(t, err)
	require.Len(t, markets, 2)
	assert.Equal(t, uint64(1), markets[0].ID)
	assert.Equal(t, uint64(2), markets[1].ID)
}

func TestFetchExpiredUnresolvedEnrichesFromChain(t *testing.T) {
	feed := common.HexToHash("0xaa")
	details := &stubDetails{markets: map[uint64]models.Market{
		42: {ID: 42, FeedID: feed, Threshold: 6_500_000_000_000, IsAboveWins: true, ExpiryTime: now.Add(-5 * time.Second)},
		43: {ID: 43, FeedID: feed, ExpiryTime: now.Add(time.Hour)},
		44: {ID: 44, FeedID: feed, ExpiryTime: now.Add(-time.Hour), Resolved: true},
	}}
	server := subgraph(t, []row{
		{ID: "42", ClosingTime: closing(-time.Hour)},
		{ID: "43", ClosingTime: closing(-time.Hour)},
		{ID: "44", ClosingTime: closing(-time.Hour)},
		{ID: "99", ClosingTime: closing(-time.Hour)},
	}, nil)
	client := newTestClient(server.URL, details)

	markets, err := client.FetchExpiredUnresolved(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, markets, 1)

	m := markets[0]
	assert.Equal(t, uint64(42), m.ID)
	assert.Equal(t, feed, m.FeedID)
	assert.Equal(t, int64(6_500_000_000_000), m.Threshold)
	assert.True(t, m.IsAboveWins)
	assert.Equal(t, now.Add(-5*time.Second), m.ExpiryTime, "on-chain expiry wins")
}

func TestFetchExpiredUnresolvedPagesPastNonOracleMarkets(t *testing.T) {
	details := &stubDetails{markets: map[uint64]models.Market{
		5: {ID: 5, FeedID: common.HexToHash("0x01"), ExpiryTime: now.Add(-time.Minute)},
	}}
	var requests []map[string]any
	server := subgraph(t, []row{
		{ID: "1", ClosingTime: closing(-5 * time.Hour)},
		{ID: "2", ClosingTime: closing(-4 * time.Hour)},
		{ID: "3", ClosingTime: closing(-3 * time.Hour)},
		{ID: "4", ClosingTime: closing(-2 * time.Hour)},
		{ID: "5", ClosingTime: closing(-time.Hour)},
	}, &requests)
	client := newTestClient(server.URL, details)

	markets, err := client.FetchExpiredUnresolved(context.Background(), 2)
	require.NoError(t, err)
	require.Len(t, markets, 1)
	assert.Equal(t, uint64(5), markets[0].ID)
	assert.Len(t, requests, 3)
}

func TestFetchExpiredUnresolvedFailuresReturnEmptySlice(t *testing.T) {
	tests := []struct {
		name    string
		handler http.HandlerFunc
		wantErr string
	}{
		{
			name: "http error",
			handler: func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(http.StatusServiceUnavailable)
				_, _ = w.Write([]byte("indexer down"))
			},
			wantErr: "HTTP 503",
		},
		{
			name: "graphql error",
			handler: func(w http.ResponseWriter, _ *http.Request) {
				_, _ = w.Write([]byte(`{"errors":[{"message":"Type Query has no field markets"}]}`))
			},
			wantErr: "graphql error: Type Query has no field markets",
		},
		{
			name: "malformed body",
			handler: func(w http.ResponseWriter, _ *http.Request) {
				_, _ = w.Write([]byte(`<html>`))
			},
			wantErr: "decode graphql response",
		},
		{
			name: "missing markets",
			handler: func(w http.ResponseWriter, _ *http.Request) {
				_, _ = w.Write([]byte(`{"data":null}`))
			},
			wantErr: "no markets field",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(tt.handler)
			defer server.Close()
			client := newTestClient(server.URL, nil)

			markets, err := client.FetchExpiredUnresolved(context.Background(), 10)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
			assert.NotNil(t, markets)
			assert.Empty(t, markets)
		})
	}
}

func TestFetchExpiredUnresolvedSkipsMalformedRows(t *testing.T) {
	server := subgraph(t, []row{
		{ID: "abc", ClosingTime: closing(-time.Hour)},
		{ID: "7", ClosingTime: "soon"},
		{ID: "8", ClosingTime: closing(-time.Hour)},
	}, nil)
	client := newTestClient(server.URL, nil)

	markets, err := client.FetchExpiredUnresolved(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, markets, 1)
	assert.Equal(t, uint64(8), markets[0].ID)
}

func TestFetchCandidatesPagesPastHeldMarkets(t *testing.T) {
	var requests []map[string]any
	server := subgraph(t, []row{
		{ID: "1", ClosingTime: closing(-3 * time.Hour)},
		{ID: "2", ClosingTime: closing(-2 * time.Hour)},
		{ID: "3", ClosingTime: closing(-time.Hour)},
	}, &requests)
	client := newTestClient(server.URL, nil)

	var offered []uint64
	keep := func(_ context.Context, m models.Market) bool {
		offered = append(offered, m.ID)
		return m.ID == 3
	}

	markets, err := client.FetchCandidates(context.Background(), 2, keep)
	require.NoError(t, err)
	require.Len(t, markets, 1)
	assert.Equal(t, uint64(3), markets[0].ID)
	assert.Equal(t, []uint64{1, 2, 3}, offered)
	require.Len(t, requests, 2)
	assert.Equal(t, float64(2), requests[1]["skip"])
}

func TestFetchCandidatesStopsAtMaxPages(t *testing.T) {
	rows := make([]row, 0, 10)
	for i := 1; i <= 10; i++ {
		rows = append(rows, row{ID: fmt.Sprintf("%d", i), ClosingTime: closing(-time.Duration(20-i) * time.Hour)})
	}
	var requests []map[string]any
	server := subgraph(t, rows, &requests)
	client := New(Options{URL: server.URL, RequestTimeout: time.Second, MaxPages: 3}, nil, zerolog.Nop())
	client.SetClock(func() time.Time { return now })

	markets, err := client.FetchCandidates(context.Background(), 2, func(context.Context, models.Market) bool { return false })
	require.NoError(t, err)
	assert.Empty(t, markets)
	assert.Len(t, requests, 3)
}
