package app

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cvdwatcher/internal/classifier"
	"cvdwatcher/internal/config"
	"cvdwatcher/internal/fetcher"
	"cvdwatcher/internal/service"
	"cvdwatcher/internal/storage"
)

// fakeExchange answers the four market-data endpoints for any requested window.
func fakeExchange(t *testing.T) *httptest.Server {
	t.Helper()
	const step = 5 * time.Minute

	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		startMs, _ := strconv.ParseInt(q.Get("startTime"), 10, 64)
		endMs, _ := strconv.ParseInt(q.Get("endTime"), 10, 64)
		w.Header().Set("Content-Type", "application/json")

		switch r.URL.Path {
		case "/fapi/v1/aggTrades":
			rows := []map[string]any{
				{"a": 1, "p": "100", "q": "3", "T": startMs + 1, "m": false},
				{"a": 2, "p": "100", "q": "1", "T": startMs + 2, "m": true},
			}
			_ = json.NewEncoder(w).Encode(rows)
		case "/fapi/v1/markPriceKlines":
			rows := make([][]any, 0)
			for ts := time.UnixMilli(startMs).UTC().Truncate(step); !ts.After(time.UnixMilli(endMs)); ts = ts.Add(step) {
				rows = append(rows, []any{ts.UnixMilli(), "100", "100", "100", "100", "0", ts.Add(step).UnixMilli() - 1})
			}
			_ = json.NewEncoder(w).Encode(rows)
		case "/futures/data/openInterestHist":
			rows := make([]map[string]any, 0)
			for ts := time.UnixMilli(startMs).UTC().Truncate(step); !ts.After(time.UnixMilli(endMs)); ts = ts.Add(step) {
				rows = append(rows, map[string]any{
					"sumOpenInterest":      "1000",
					"sumOpenInterestValue": "100000",
					"timestamp":            ts.UnixMilli(),
				})
			}
			_ = json.NewEncoder(w).Encode(rows)
		case "/fapi/v1/ticker/24hr":
			_, _ = w.Write([]byte(`{"quoteVolume":"5000000"}`))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
}

func testConfig(baseURL string) *config.Config {
	return &config.Config{
		App: config.AppConfig{Symbols: []string{"BTCUSDT", "ETHUSDT"}},
		Upstream: config.UpstreamConfig{
			BaseURL:        baseURL,
			RequestTimeout: 2 * time.Second,
			MaxRetries:     -1,
		},
		Collector: config.CollectorConfig{
			Interval:                 5 * time.Minute,
			DefaultBackfillIntervals: 3,
			BatchSize:                4,
			BatchDelay:               time.Millisecond,
		},
		Classifier: config.ClassifierConfig{
			Cooldown:         15 * time.Minute,
			DivergenceWindow: 12,
		},
		Whale:  config.WhaleConfig{Enabled: true},
		Export: config.ExportConfig{MaxDataPoints: 100},
	}
}

func newTestApp(cfg *config.Config) (*App, *bytes.Buffer) {
	out := &bytes.Buffer{}
	a := NewApp(cfg, zerolog.Nop())
	a.Out = out
	return a, out
}

func TestCollectDryRunAgainstFakeExchange(t *testing.T) {
	srv := fakeExchange(t)
	defer srv.Close()

	a, out := newTestApp(testConfig(srv.URL))
	summary, err := a.Collect(context.Background(), CollectOptions{DryRun: true})
	require.NoError(t, err)

	assert.Equal(t, 2, summary.Symbols)
	assert.Equal(t, 2, summary.Succeeded)
	assert.Equal(t, 0, summary.Failed)
	assert.False(t, summary.LockHeld)
	assert.Equal(t, []int{2}, summary.BatchSizes)
	// Cold start covers the newest closed bucket plus three before it.
	assert.Equal(t, 8, summary.Snapshots)

	for _, outcome := range summary.Outcomes {
		require.NoError(t, outcome.Err)
		assert.Empty(t, outcome.Sync.Degraded)
		require.NotNil(t, outcome.Sync.Latest)
		assert.True(t, outcome.Sync.Latest.CVD.Equal(decimal.NewFromInt(2)), "trades net 3 - 1 in the first bucket")
	}
	assert.Contains(t, out.String(), "succeeded=2")
}

func TestCollectDryRunRejectsInvalidConfiguredSymbol(t *testing.T) {
	cfg := testConfig("http://127.0.0.1:0")
	cfg.App.Symbols = []string{"btc-usdt"}

	a, _ := newTestApp(cfg)
	_, err := a.Collect(context.Background(), CollectOptions{DryRun: true})
	require.Error(t, err)
	assert.True(t, errors.Is(err, fetcher.ErrInvalidSymbol))
}

func TestCommandsRequireDatabase(t *testing.T) {
	a, _ := newTestApp(testConfig("http://127.0.0.1:0"))
	ctx := context.Background()

	require.Error(t, a.Show(ctx, ShowOptions{Symbol: "BTCUSDT", Limit: 5}))
	require.Error(t, a.Migrate(ctx))
	_, err := a.Collect(ctx, CollectOptions{})
	require.Error(t, err)
}

func TestSymbolValidationHappensBeforeStorage(t *testing.T) {
	a, _ := newTestApp(testConfig("http://127.0.0.1:0"))
	ctx := context.Background()

	assert.ErrorIs(t, a.AddSymbols(ctx, []string{"BTC/USDT"}), fetcher.ErrInvalidSymbol)
	assert.ErrorIs(t, a.SetSymbolEnabled(ctx, "", false), fetcher.ErrInvalidSymbol)
	assert.ErrorIs(t, a.Export(ctx, ExportOptions{Symbol: "x", CSVPath: "out.csv"}), fetcher.ErrInvalidSymbol)
	_, err := a.Whale(ctx, "DOGE")
	assert.ErrorIs(t, err, fetcher.ErrInvalidSymbol)
}

func TestDispatchDisabledIsNoop(t *testing.T) {
	a, _ := newTestApp(testConfig("http://127.0.0.1:0"))
	summary, err := a.Dispatch(context.Background())
	require.NoError(t, err)
	assert.Zero(t, summary.Pending)
}

func sampleSnapshots(n int) []storage.Snapshot {
	base := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	out := make([]storage.Snapshot, n)
	for i := range out {
		out[i] = storage.Snapshot{
			Symbol: "BTCUSDT",
			Bucket: base.Add(time.Duration(i) * 5 * time.Minute),
			Price:  decimal.NewFromInt(int64(100 + i)),
			CVD:    decimal.NewFromInt(int64(10 * i)),
		}
		if i%2 == 0 {
			out[i].OIContracts = decimal.NewNullDecimal(decimal.NewFromInt(int64(1000 + i)))
		}
	}
	return out
}

func TestDownsampleSnapshotsKeepsEndpoints(t *testing.T) {
	snaps := sampleSnapshots(10)

	got := downsampleSnapshots(snaps, 4)
	require.Len(t, got, 4)
	assert.Equal(t, snaps[0].Bucket, got[0].Bucket)
	assert.Equal(t, snaps[9].Bucket, got[3].Bucket)

	assert.Len(t, downsampleSnapshots(snaps, 20), 10)
	assert.Len(t, downsampleSnapshots(snaps, 0), 10)
}

func TestWriteSnapshotsCSV(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "out.csv")
	require.NoError(t, writeSnapshotsCSV(path, sampleSnapshots(3)))

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	records, err := csv.NewReader(f).ReadAll()
	require.NoError(t, err)
	require.Len(t, records, 4)
	assert.Equal(t, []string{"bucket_ts", "symbol", "price", "cvd", "oi_contracts", "oi_value"}, records[0])
	assert.Equal(t, "1000", records[1][4])
	assert.Equal(t, "", records[2][4])
	assert.Equal(t, "20", records[3][3])
}

func TestWriteSnapshotsPNG(t *testing.T) {
	path := filepath.Join(t.TempDir(), "chart.png")
	require.NoError(t, writeSnapshotsPNG(path, "BTCUSDT", sampleSnapshots(12)))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Greater(t, len(data), 8)
	assert.Equal(t, "\x89PNG", string(data[:4]))

	require.Error(t, writeSnapshotsPNG(filepath.Join(t.TempDir(), "one.png"), "BTCUSDT", sampleSnapshots(1)))
}

func TestPrintSummaryListsOutcomes(t *testing.T) {
	a, out := newTestApp(testConfig(""))
	a.printSummary(serviceSummaryFixture())
	assert.Contains(t, out.String(), "run abc")
	assert.Contains(t, out.String(), "ETHUSDT")
	assert.Contains(t, out.String(), "boom")
}

func TestPrintSummaryLockHeld(t *testing.T) {
	a, out := newTestApp(testConfig(""))
	summary := serviceSummaryFixture()
	summary.LockHeld = true
	a.printSummary(summary)
	assert.Contains(t, out.String(), "skipped: another collector")
}

func serviceSummaryFixture() service.RunSummary {
	return service.RunSummary{
		RunID:     "abc",
		Symbols:   2,
		Succeeded: 1,
		Failed:    1,
		Outcomes: []service.SymbolOutcome{
			{Symbol: "BTCUSDT", Category: classifier.CategoryNone},
			{Symbol: "ETHUSDT", Err: errors.New("boom")},
		},
	}
}
