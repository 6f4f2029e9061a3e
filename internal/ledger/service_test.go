package ledger_test

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/subnetindex/settlement/internal/creation"
	"github.com/subnetindex/settlement/internal/epoch"
	"github.com/subnetindex/settlement/internal/index"
	"github.com/subnetindex/settlement/internal/ledger"
	"github.com/subnetindex/settlement/internal/persistence/memory"
)

var anchor = time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

type fixture struct {
	svc   *ledger.Service
	repo  *memory.RequestRepo
	files *memory.FileRepo
	clock epoch.Clock
	now   time.Time
}

// newFixture publishes a 20-asset, 500-bps-each creation file for epoch 0
// and pins the service clock to one hour past the anchor.
func newFixture(t *testing.T) *fixture {
	t.Helper()

	clock := epoch.NewClock(anchor, epoch.DefaultDuration)
	files := memory.NewFileRepo()
	repo := memory.NewRequestRepo()

	weights := make(index.WeightsBps, 20)
	for i := 1; i <= 20; i++ {
		weights[index.SubnetID(i)] = 500
	}
	pub, err := creation.NewPublisher(creation.PublisherConfig{
		IndexSize:        20,
		CreationUnitSize: 10_000_000,
		ToleranceBps:     50,
		MinCreationSize:  10,
		PublishedBy:      "test",
	}, clock, files, zerolog.Nop())
	require.NoError(t, err)
	_, err = pub.Publish(context.Background(), 0, weights, anchor)
	require.NoError(t, err)

	f := &fixture{
		repo:  repo,
		files: files,
		clock: clock,
		now:   anchor.Add(time.Hour),
	}
	f.svc = ledger.NewService(ledger.ServiceConfig{MaxCreationSize: 100_000}, clock, files, repo, zerolog.Nop())
	f.svc.SetNow(func() time.Time { return f.now })
	return f
}

func TestSubmit_FreezesRequiredBasket(t *testing.T) {
	f := newFixture(t)

	req, err := f.svc.Submit(context.Background(), "alice", 1000)
	require.NoError(t, err)

	assert.Equal(t, ledger.StatusPending, req.Status)
	assert.Equal(t, int64(0), req.EpochID)
	assert.Len(t, req.RequiredBasket, 20)
	for _, qty := range req.RequiredBasket {
		// 5% of the 10M unit notional, times 1000 units.
		assert.Equal(t, uint64(500_000_000), qty)
	}
	assert.Equal(t, f.clock.End(0), req.ExpiresAt)
}

func TestSubmit_SizeBounds(t *testing.T) {
	f := newFixture(t)

	_, err := f.svc.Submit(context.Background(), "alice", 5) // below file minimum of 10
	var verr *ledger.ValidationError
	assert.ErrorAs(t, err, &verr)

	_, err = f.svc.Submit(context.Background(), "alice", 200_000) // above max
	assert.ErrorAs(t, err, &verr)
}

func TestSubmit_RejectsOverflowingNotional(t *testing.T) {
	clock := epoch.NewClock(anchor, epoch.DefaultDuration)
	files := memory.NewFileRepo()
	repo := memory.NewRequestRepo()

	pub, err := creation.NewPublisher(creation.PublisherConfig{
		IndexSize:        2,
		CreationUnitSize: math.MaxUint64 / index.TotalBasisPoints,
		ToleranceBps:     50,
		MinCreationSize:  1,
		PublishedBy:      "test",
	}, clock, files, zerolog.Nop())
	require.NoError(t, err)
	_, err = pub.Publish(context.Background(), 0, index.WeightsBps{1: 5000, 2: 5000}, anchor)
	require.NoError(t, err)

	svc := ledger.NewService(ledger.ServiceConfig{MaxCreationSize: 100_000}, clock, files, repo, zerolog.Nop())
	svc.SetNow(func() time.Time { return anchor.Add(time.Hour) })

	// Within the size cap, but the basket product would wrap uint64.
	_, err = svc.Submit(context.Background(), "alice", 20_000)
	var verr *ledger.ValidationError
	require.ErrorAs(t, err, &verr)

	// A size whose product still fits goes through.
	req, err := svc.Submit(context.Background(), "alice", 2)
	require.NoError(t, err)
	for _, qty := range req.RequiredBasket {
		assert.Equal(t, uint64(0), qty%2, "quantities scale linearly with size")
		assert.Positive(t, qty)
	}
}

func TestSubmit_NoActiveFile(t *testing.T) {
	f := newFixture(t)
	f.now = anchor.Add(epoch.DefaultDuration + time.Hour) // epoch 1, unpublished

	_, err := f.svc.Submit(context.Background(), "alice", 1000)
	assert.ErrorIs(t, err, ledger.ErrNoActiveFile)
}

func TestFullLifecycle_SubmitDeliverAttestMint(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	req, err := f.svc.Submit(ctx, "alice", 1000)
	require.NoError(t, err)
	assert.Equal(t, uint32(10000), indexWeightsSum(t, f, req.EpochID))

	// Deliver exactly the required basket.
	req, err = f.svc.MarkDelivered(ctx, req.ID, req.RequiredBasket.Clone(), "proof-tx-1")
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusDelivered, req.Status)

	req, err = f.svc.MarkAttested(ctx, req.ID, decimal.NewFromInt(1), 1000, 0, 0)
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusAttested, req.Status)

	req, err = f.svc.MarkMinted(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusMinted, req.Status)
	require.NotNil(t, req.ClosedAt)

	// Double mint is a state conflict, not a no-op.
	_, err = f.svc.MarkMinted(ctx, req.ID)
	assert.ErrorIs(t, err, ledger.ErrIllegalTransition)
}

func indexWeightsSum(t *testing.T, f *fixture, epochID int64) uint32 {
	t.Helper()
	file, err := f.files.GetFile(context.Background(), epochID)
	require.NoError(t, err)
	return file.Weights().Sum()
}

func TestMarkDelivered_InvalidBasketStaysPending(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	req, err := f.svc.Submit(ctx, "alice", 1000)
	require.NoError(t, err)

	short := req.RequiredBasket.Clone()
	delete(short, 1)
	_, err = f.svc.MarkDelivered(ctx, req.ID, short, "proof")
	var rejected *ledger.DeliveryRejectedError
	require.ErrorAs(t, err, &rejected)
	assert.Contains(t, rejected.Result.MissingAssets, index.SubnetID(1))

	// Still pending; retry with the full basket succeeds.
	current, err := f.svc.Get(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusPending, current.Status)

	_, err = f.svc.MarkDelivered(ctx, req.ID, req.RequiredBasket.Clone(), "proof")
	assert.NoError(t, err)
}

func TestMarkDelivered_AfterDeadlineRejected(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	req, err := f.svc.Submit(ctx, "alice", 1000)
	require.NoError(t, err)

	f.now = req.ExpiresAt
	_, err = f.svc.MarkDelivered(ctx, req.ID, req.RequiredBasket.Clone(), "proof")
	assert.ErrorIs(t, err, ledger.ErrDeadlinePassed)
}

func TestMarkAttested_OnlyFromDelivered(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	req, err := f.svc.Submit(ctx, "alice", 1000)
	require.NoError(t, err)

	_, err = f.svc.MarkAttested(ctx, req.ID, decimal.NewFromInt(1), 1000, 0, 0)
	assert.ErrorIs(t, err, ledger.ErrIllegalTransition)
}

func TestMarkRefunded_FromDelivered(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	req, err := f.svc.Submit(ctx, "alice", 1000)
	require.NoError(t, err)
	_, err = f.svc.MarkDelivered(ctx, req.ID, req.RequiredBasket.Clone(), "proof")
	require.NoError(t, err)

	req, err = f.svc.MarkRefunded(ctx, req.ID, "attestation authority declined")
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusRefunded, req.Status)
	assert.Equal(t, "attestation authority declined", req.CloseReason)

	// Refund from pending is illegal.
	other, err := f.svc.Submit(ctx, "bob", 1000)
	require.NoError(t, err)
	_, err = f.svc.MarkRefunded(ctx, other.ID, "nope")
	assert.ErrorIs(t, err, ledger.ErrIllegalTransition)
}

func TestMarkExpired_FromAnyActiveState(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	req, err := f.svc.Submit(ctx, "alice", 1000)
	require.NoError(t, err)

	req, err = f.svc.MarkExpired(ctx, req.ID, "epoch rollover")
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusExpired, req.Status)

	_, err = f.svc.MarkExpired(ctx, req.ID, "again")
	assert.ErrorIs(t, err, ledger.ErrIllegalTransition)
}

func TestConcurrentDelivery_ExactlyOneWins(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	req, err := f.svc.Submit(ctx, "alice", 1000)
	require.NoError(t, err)

	const attempts = 8
	errs := make(chan error, attempts)
	for i := 0; i < attempts; i++ {
		go func() {
			_, err := f.svc.MarkDelivered(ctx, req.ID, req.RequiredBasket.Clone(), "proof")
			errs <- err
		}()
	}

	wins := 0
	for i := 0; i < attempts; i++ {
		if err := <-errs; err == nil {
			wins++
		} else {
			assert.ErrorIs(t, err, ledger.ErrIllegalTransition)
		}
	}
	assert.Equal(t, 1, wins, "exactly one concurrent delivery must win")
}

func TestStats(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	a, err := f.svc.Submit(ctx, "alice", 1000)
	require.NoError(t, err)
	_, err = f.svc.Submit(ctx, "bob", 1000)
	require.NoError(t, err)
	_, err = f.svc.MarkDelivered(ctx, a.ID, a.RequiredBasket.Clone(), "proof")
	require.NoError(t, err)

	stats, err := f.svc.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats[ledger.StatusPending])
	assert.Equal(t, int64(1), stats[ledger.StatusDelivered])
}

type recordingRecorder struct {
	transitions []string
	rejected    int
}

func (r *recordingRecorder) RecordTransition(from, to ledger.Status) {
	r.transitions = append(r.transitions, string(from)+"->"+string(to))
}

func (r *recordingRecorder) RecordRejectedDelivery() { r.rejected++ }

func TestRecorder_ObservesTransitionsAndRejections(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	rec := &recordingRecorder{}
	f.svc.SetRecorder(rec)

	req, err := f.svc.Submit(ctx, "alice", 1000)
	require.NoError(t, err)

	short := req.RequiredBasket.Clone()
	delete(short, 1)
	_, err = f.svc.MarkDelivered(ctx, req.ID, short, "proof")
	require.Error(t, err)
	assert.Equal(t, 1, rec.rejected)
	assert.Empty(t, rec.transitions, "a rejected delivery is not a transition")

	_, err = f.svc.MarkDelivered(ctx, req.ID, req.RequiredBasket.Clone(), "proof")
	require.NoError(t, err)
	_, err = f.svc.MarkAttested(ctx, req.ID, decimal.NewFromInt(1), 1000, 0, 0)
	require.NoError(t, err)
	_, err = f.svc.MarkMinted(ctx, req.ID)
	require.NoError(t, err)

	assert.Equal(t, []string{
		"pending->delivered",
		"delivered->attested",
		"attested->minted",
	}, rec.transitions)

	// A losing transition attempt records nothing.
	_, err = f.svc.MarkMinted(ctx, req.ID)
	require.Error(t, err)
	assert.Len(t, rec.transitions, 3)
}

func TestGet_UnknownRequest(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.Get(context.Background(), "no-such-id")
	assert.ErrorIs(t, err, ledger.ErrNotFound)
}
