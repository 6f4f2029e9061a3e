package emissions

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/subnetindex/settlement/internal/index"
)

func TestStaticSource_ReturnsCopy(t *testing.T) {
	src := &StaticSource{Scores: map[index.SubnetID]float64{1: 2.5, 2: 1.0}}

	got, err := src.Snapshot(context.Background())
	require.NoError(t, err)
	got[1] = 99
	assert.Equal(t, 2.5, src.Scores[1], "snapshot must not alias the backing map")
}

func TestStaticSource_RejectsDegenerateSnapshots(t *testing.T) {
	cases := map[string]map[index.SubnetID]float64{
		"empty":    {},
		"all zero": {1: 0, 2: 0},
	}
	for name, scores := range cases {
		t.Run(name, func(t *testing.T) {
			src := &StaticSource{Scores: scores}
			_, err := src.Snapshot(context.Background())
			assert.ErrorIs(t, err, ErrEmptySnapshot)
		})
	}

	src := &StaticSource{Scores: map[index.SubnetID]float64{1: -0.5}}
	_, err := src.Snapshot(context.Background())
	assert.Error(t, err)
	assert.NotErrorIs(t, err, ErrEmptySnapshot)
}

func TestStaticSource_NegativeScoreRejectedRegardlessOfOrder(t *testing.T) {
	// A negative score must reject even when positive scores are present;
	// the verdict must not depend on map iteration order.
	src := &StaticSource{Scores: map[index.SubnetID]float64{1: 5.0, 2: -3.0, 3: 1.5}}
	for i := 0; i < 200; i++ {
		_, err := src.Snapshot(context.Background())
		require.Error(t, err)
	}
}

func TestHTTPSource_FetchesSnapshot(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "application/json", r.Header.Get("Accept"))
		w.Write([]byte(`{"as_of":"2025-01-01T00:00:00Z","scores":{"1":3.5,"2":1.25}}`))
	}))
	defer server.Close()

	src, err := NewHTTPSource(HTTPConfig{URL: server.URL, RatePerSecond: 100, Burst: 10}, zerolog.Nop())
	require.NoError(t, err)

	scores, err := src.Snapshot(context.Background())
	require.NoError(t, err)
	assert.Equal(t, map[index.SubnetID]float64{1: 3.5, 2: 1.25}, scores)
}

func TestHTTPSource_NonOKStatusIsUnavailable(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	src, err := NewHTTPSource(HTTPConfig{URL: server.URL, RatePerSecond: 100, Burst: 10}, zerolog.Nop())
	require.NoError(t, err)

	_, err = src.Snapshot(context.Background())
	assert.ErrorIs(t, err, ErrUnavailable)
}

func TestHTTPSource_BreakerOpensAfterConsecutiveFailures(t *testing.T) {
	var hits atomic.Int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	src, err := NewHTTPSource(HTTPConfig{URL: server.URL, RatePerSecond: 1000, Burst: 100}, zerolog.Nop())
	require.NoError(t, err)

	ctx := context.Background()
	for i := 0; i < 5; i++ {
		_, err = src.Snapshot(ctx)
		require.ErrorIs(t, err, ErrUnavailable)
	}
	// The breaker trips after 3 consecutive failures; later calls short-circuit.
	assert.Equal(t, int64(3), hits.Load())
}

func TestHTTPSource_ValidatesEmptyBody(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte(`{"as_of":"2025-01-01T00:00:00Z","scores":{}}`))
	}))
	defer server.Close()

	src, err := NewHTTPSource(HTTPConfig{URL: server.URL, RatePerSecond: 100, Burst: 10}, zerolog.Nop())
	require.NoError(t, err)

	_, err = src.Snapshot(context.Background())
	assert.ErrorIs(t, err, ErrEmptySnapshot)
}

func TestHTTPSource_RespectsContextCancellation(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		time.Sleep(200 * time.Millisecond)
	}))
	defer server.Close()

	src, err := NewHTTPSource(HTTPConfig{URL: server.URL, RatePerSecond: 100, Burst: 10}, zerolog.Nop())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err = src.Snapshot(ctx)
	assert.Error(t, err)
}
