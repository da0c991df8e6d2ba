package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/example/order-dispatch/internal/models"
	"github.com/example/order-dispatch/internal/storage"
)

// awaitAcceptance blocks until a driver claims the order or the round's
// TTL elapses. It owns no retries: it is a deadline-bounded observer of
// order state. When the store offers a change feed we select over the
// feed and a deadline timer; otherwise we fall back to fixed-interval
// polling.
func (e *Engine) awaitAcceptance(ctx context.Context, orderID string, ttl time.Duration) (bool, string, error) {
	if w, ok := e.Store.(storage.OrderWatcher); ok {
		return e.awaitViaWatch(ctx, w, orderID, ttl)
	}
	return e.awaitViaPoll(ctx, orderID, ttl)
}

func (e *Engine) awaitViaWatch(ctx context.Context, w storage.OrderWatcher, orderID string, ttl time.Duration) (bool, string, error) {
	ch, stop, err := w.WatchOrder(ctx, orderID)
	if err != nil {
		e.Logger.Warn("order watch unavailable, falling back to polling", "order_id", orderID, "error", err)
		return e.awaitViaPoll(ctx, orderID, ttl)
	}
	defer stop()

	// The accept may have landed before the subscription was up.
	if ok, driverID, err := e.checkAssigned(ctx, orderID); err != nil || ok {
		return ok, driverID, err
	}

	deadline := time.NewTimer(ttl)
	defer deadline.Stop()
	for {
		select {
		case <-ctx.Done():
			return false, "", ctx.Err()
		case <-deadline.C:
			return false, "", nil
		case <-ch:
			if ok, driverID, err := e.checkAssigned(ctx, orderID); err != nil || ok {
				return ok, driverID, err
			}
		}
	}
}

// awaitViaPoll checks order state at the configured interval, up to
// ceil(ttl / interval) times, and always at least once so a TTL shorter
// than the interval cannot produce a false negative.
func (e *Engine) awaitViaPoll(ctx context.Context, orderID string, ttl time.Duration) (bool, string, error) {
	interval := e.Defaults.PollInterval
	if interval <= 0 {
		interval = 5 * time.Second
	}
	if ttl > 0 && ttl < interval {
		interval = ttl
	}
	polls := int((ttl + interval - 1) / interval)
	if polls < 1 {
		polls = 1
	}

	for i := 0; i < polls; i++ {
		if err := e.sleep(ctx, interval); err != nil {
			return false, "", err
		}
		ok, driverID, err := e.checkAssigned(ctx, orderID)
		if err != nil || ok {
			return ok, driverID, err
		}
	}
	return false, "", nil
}

func (e *Engine) checkAssigned(ctx context.Context, orderID string) (bool, string, error) {
	order, err := e.Store.GetOrder(ctx, orderID)
	if err != nil {
		return false, "", fmt.Errorf("poll order state: %w", err)
	}
	if order.Assigned() || order.Status == models.StatusDriverAssigned {
		return true, order.DriverID, nil
	}
	return false, "", nil
}
