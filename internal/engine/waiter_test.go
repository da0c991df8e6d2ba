package engine

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/order-dispatch/internal/models"
	"github.com/example/order-dispatch/internal/storage"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// pollOnly hides MemoryStore's WatchOrder so the waiter takes the
// polling path.
type pollOnly struct {
	storage.Store
}

func TestAwaitViaWatchDetectsAcceptance(t *testing.T) {
	store := storage.NewMemoryStore()
	o := seedOrder(store, models.StatusConfirmed)
	eng := newTestEngine(store, &fakeNotifier{})

	done := make(chan struct{})
	go func() {
		defer close(done)
		time.Sleep(5 * time.Millisecond)
		_ = store.AcceptOrder(context.Background(), o.ID, "driver-1")
	}()

	start := time.Now()
	accepted, driverID, err := eng.awaitAcceptance(context.Background(), o.ID, time.Second)
	<-done
	require.NoError(t, err)
	assert.True(t, accepted)
	assert.Equal(t, "driver-1", driverID)
	assert.Less(t, time.Since(start), time.Second, "must return before the TTL once accepted")
}

func TestAwaitViaWatchTimesOut(t *testing.T) {
	store := storage.NewMemoryStore()
	o := seedOrder(store, models.StatusConfirmed)
	eng := newTestEngine(store, &fakeNotifier{})

	accepted, driverID, err := eng.awaitAcceptance(context.Background(), o.ID, 20*time.Millisecond)
	require.NoError(t, err)
	assert.False(t, accepted)
	assert.Empty(t, driverID)
}

func TestAwaitViaWatchSeesPriorAcceptance(t *testing.T) {
	store := storage.NewMemoryStore()
	o := seedOrder(store, models.StatusConfirmed)
	require.NoError(t, store.AcceptOrder(context.Background(), o.ID, "driver-7"))
	eng := newTestEngine(store, &fakeNotifier{})

	accepted, driverID, err := eng.awaitAcceptance(context.Background(), o.ID, time.Second)
	require.NoError(t, err)
	assert.True(t, accepted)
	assert.Equal(t, "driver-7", driverID)
}

func TestAwaitViaPollDetectsAcceptance(t *testing.T) {
	mem := storage.NewMemoryStore()
	o := seedOrder(mem, models.StatusConfirmed)
	eng := newTestEngine(pollOnly{mem}, &fakeNotifier{})

	sleeps := 0
	eng.sleep = func(ctx context.Context, d time.Duration) error {
		sleeps++
		if sleeps == 2 {
			_ = mem.AcceptOrder(ctx, o.ID, "driver-4")
		}
		return nil
	}

	accepted, driverID, err := eng.awaitAcceptance(context.Background(), o.ID, 100*time.Millisecond)
	require.NoError(t, err)
	assert.True(t, accepted)
	assert.Equal(t, "driver-4", driverID)
	assert.Equal(t, 2, sleeps, "must stop polling once accepted")
}

func TestAwaitViaPollTimesOut(t *testing.T) {
	mem := storage.NewMemoryStore()
	o := seedOrder(mem, models.StatusConfirmed)
	eng := newTestEngine(pollOnly{mem}, &fakeNotifier{})

	sleeps := 0
	eng.sleep = func(ctx context.Context, d time.Duration) error {
		sleeps++
		return nil
	}

	// ttl 100ms / interval 10ms = 10 polls
	accepted, _, err := eng.awaitAcceptance(context.Background(), o.ID, 100*time.Millisecond)
	require.NoError(t, err)
	assert.False(t, accepted)
	assert.Equal(t, 10, sleeps)
}

func TestAwaitViaPollShortTTLStillChecksOnce(t *testing.T) {
	mem := storage.NewMemoryStore()
	o := seedOrder(mem, models.StatusConfirmed)
	// Accepted before the wait even starts; a TTL shorter than the poll
	// interval must not produce a false negative.
	require.NoError(t, mem.AcceptOrder(context.Background(), o.ID, "driver-2"))
	eng := newTestEngine(pollOnly{mem}, &fakeNotifier{})

	sleeps := 0
	var slept time.Duration
	eng.sleep = func(ctx context.Context, d time.Duration) error {
		sleeps++
		slept = d
		return nil
	}

	accepted, driverID, err := eng.awaitAcceptance(context.Background(), o.ID, time.Millisecond)
	require.NoError(t, err)
	assert.True(t, accepted)
	assert.Equal(t, "driver-2", driverID)
	assert.Equal(t, 1, sleeps)
	assert.Equal(t, time.Millisecond, slept, "interval is clamped to the TTL")
}

func TestAwaitHonorsContextCancellation(t *testing.T) {
	mem := storage.NewMemoryStore()
	o := seedOrder(mem, models.StatusConfirmed)
	eng := newTestEngine(pollOnly{mem}, &fakeNotifier{})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, _, err := eng.awaitAcceptance(ctx, o.ID, time.Second)
	require.ErrorIs(t, err, context.Canceled)
}
