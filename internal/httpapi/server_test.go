package httpapi_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/subnetindex/settlement/internal/creation"
	"github.com/subnetindex/settlement/internal/epoch"
	"github.com/subnetindex/settlement/internal/httpapi"
	"github.com/subnetindex/settlement/internal/index"
	"github.com/subnetindex/settlement/internal/ledger"
	"github.com/subnetindex/settlement/internal/metrics"
	"github.com/subnetindex/settlement/internal/persistence/memory"
)

type fixture struct {
	server *httpapi.Server
	svc    *ledger.Service
	clock  epoch.Clock
}

// newFixture publishes a 2-asset file for the current epoch so the "current"
// endpoints resolve against real wall-clock time.
func newFixture(t *testing.T) *fixture {
	t.Helper()

	anchor := time.Now().UTC().Add(-time.Hour).Truncate(time.Second)
	clock := epoch.NewClock(anchor, epoch.DefaultDuration)
	files := memory.NewFileRepo()
	repo := memory.NewRequestRepo()

	pub, err := creation.NewPublisher(creation.PublisherConfig{
		IndexSize:        2,
		CreationUnitSize: 1_000_000,
		ToleranceBps:     50,
		MinCreationSize:  1,
		PublishedBy:      "test",
	}, clock, files, zerolog.Nop())
	require.NoError(t, err)
	_, err = pub.Publish(context.Background(), 0, index.WeightsBps{1: 6000, 2: 4000}, anchor)
	require.NoError(t, err)

	svc := ledger.NewService(ledger.ServiceConfig{MaxCreationSize: 1000}, clock, files, repo, zerolog.Nop())
	server := httpapi.NewServer(httpapi.ServerConfig{}, clock, svc, files, metrics.New(), zerolog.Nop())
	return &fixture{server: server, svc: svc, clock: clock}
}

func (f *fixture) get(t *testing.T, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	f.server.Handler().ServeHTTP(rec, httptest.NewRequest("GET", path, nil))
	return rec
}

func TestHealth(t *testing.T) {
	f := newFixture(t)
	rec := f.get(t, "/healthz")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))
}

func TestEpochEndpoint(t *testing.T) {
	f := newFixture(t)
	rec := f.get(t, "/v1/epoch")
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		EpochID int64     `json:"epoch_id"`
		Start   time.Time `json:"start"`
		End     time.Time `json:"end"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, int64(0), body.EpochID)
	assert.Equal(t, epoch.DefaultDuration, body.End.Sub(body.Start))
}

func TestCreationFileEndpoints(t *testing.T) {
	f := newFixture(t)

	rec := f.get(t, "/v1/creation-file/current")
	require.Equal(t, http.StatusOK, rec.Code)

	var file creation.File
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &file))
	assert.Equal(t, int64(0), file.EpochID)
	assert.Len(t, file.Assets, 2)

	rec = f.get(t, "/v1/creation-file/0")
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = f.get(t, "/v1/creation-file/7")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRequestEndpoints(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	req, err := f.svc.Submit(ctx, "alice", 10)
	require.NoError(t, err)

	rec := f.get(t, "/v1/requests/"+req.ID)
	require.Equal(t, http.StatusOK, rec.Code)
	var got ledger.Request
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, req.ID, got.ID)
	assert.Equal(t, ledger.StatusPending, got.Status)

	rec = f.get(t, "/v1/requests/missing-id")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = f.get(t, "/v1/requests?status=pending")
	require.Equal(t, http.StatusOK, rec.Code)
	var listing struct {
		Count int `json:"count"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &listing))
	assert.Equal(t, 1, listing.Count)

	rec = f.get(t, "/v1/requests?status=bogus")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.get(t, "/v1/requests")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestStatsEndpoint(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.Submit(context.Background(), "alice", 10)
	require.NoError(t, err)

	rec := f.get(t, "/v1/stats")
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		EpochID         int64                   `json:"epoch_id"`
		PublishedEpochs []int64                 `json:"published_epochs"`
		Requests        map[ledger.Status]int64 `json:"requests"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, int64(1), body.Requests[ledger.StatusPending])
	assert.Equal(t, []int64{0}, body.PublishedEpochs)
}

func TestMetricsEndpoint(t *testing.T) {
	f := newFixture(t)
	rec := f.get(t, "/metrics")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "settlement_")
}

func TestUnknownRoute(t *testing.T) {
	f := newFixture(t)
	rec := f.get(t, "/nope")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
