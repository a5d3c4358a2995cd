package exchange

import (
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bitbank-mm/internal/gateway"
)

func parseDecimal(t *testing.T, s string) decimal.Decimal {
	t.Helper()
	d, err := decimal.NewFromString(s)
	require.NoError(t, err)
	return d
}

func testGateway() *gateway.Gateway {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	return gateway.New(gateway.Config{
		GetLimit:          10,
		GetWindow:         time.Second,
		PostLimit:         10,
		PostWindow:        time.Second,
		MaxRetries:        1,
		InitialBackoff:    5 * time.Millisecond,
		BackoffMultiplier: 2,
		BackoffCap:        50 * time.Millisecond,
		FailureThreshold:  5,
		RecoveryTimeout:   50 * time.Millisecond,
		CallTimeout:       2 * time.Second,
	}, logger)
}

func TestFetchTickerParsesEnvelope(t *testing.T) {
	t.Parallel()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/btc_jpy/ticker", r.URL.Path)
		w.Write([]byte(`{"success":1,"data":{"sell":"5000500","buy":"5000000","last":"5000250","vol":"12.5","timestamp":1700000000000}}`))
	}))
	defer server.Close()

	live := NewLive(server.URL, NewAuth("k", "s"), testGateway(), slog.New(slog.NewTextHandler(os.Stderr, nil)))
	snap, err := live.FetchTicker(t.Context(), "BTC/JPY")
	require.NoError(t, err)

	assert.True(t, snap.Bid.Equal(parseDecimal(t, "5000000")))
	assert.True(t, snap.Ask.Equal(parseDecimal(t, "5000500")))
}

func TestFetchTickerReturnsErrorOnEnvelopeFailure(t *testing.T) {
	t.Parallel()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"success":0,"data":{"code":"60001"}}`))
	}))
	defer server.Close()

	live := NewLive(server.URL, NewAuth("k", "s"), testGateway(), slog.New(slog.NewTextHandler(os.Stderr, nil)))
	_, err := live.FetchTicker(t.Context(), "BTC/JPY")
	assert.Error(t, err)
}

func TestCreateOrderSignsRequest(t *testing.T) {
	t.Parallel()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.NotEmpty(t, r.Header.Get("ACCESS-SIGNATURE"))
		assert.NotEmpty(t, r.Header.Get("ACCESS-NONCE"))
		w.Write([]byte(`{"success":1,"data":{"order_id":42,"pair":"btc_jpy"}}`))
	}))
	defer server.Close()

	live := NewLive(server.URL, NewAuth("k", "s"), testGateway(), slog.New(slog.NewTextHandler(os.Stderr, nil)))
	result, err := live.CreateOrder(t.Context(), CreateOrderParams{
		Symbol: "BTC/JPY",
		Side:   "buy",
		Kind:   "limit",
		Amount: parseDecimal(t, "0.01"),
		Price:  parseDecimal(t, "5000000"),
	})
	require.NoError(t, err)
	assert.Equal(t, "42", result.OrderID)
}
