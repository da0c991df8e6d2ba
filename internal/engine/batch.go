package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/example/order-dispatch/internal/models"
	"github.com/example/order-dispatch/internal/observability"
)

// roundBatch slices the candidate list for the given round: candidates
// [(round-1)*size, round*size) clipped to the list, so consecutive
// rounds partition the list without overlap or gaps.
func roundBatch(candidates []models.Driver, round, size int) []models.Driver {
	start := (round - 1) * size
	if start >= len(candidates) {
		return nil
	}
	end := start + size
	if end > len(candidates) {
		end = len(candidates)
	}
	return candidates[start:end]
}

// dispatchRound records one sent attempt per batch driver and fires the
// notifications concurrently, waiting for all sends before returning.
// Per-driver failures are soft: an attempt that cannot be recorded is
// logged and skipped, an undeliverable notification flips its attempt
// to failed. Returns the number of attempts actually recorded.
func (e *Engine) dispatchRound(ctx context.Context, order *models.Order, batch []models.Driver, round int, ttl time.Duration, dryRun bool) int {
	if dryRun {
		return len(batch)
	}

	expiresAt := e.now().Add(ttl)
	title := "New delivery available"
	body := fmt.Sprintf("Order #%s - %s", shortID(order.ID), order.VehicleType)
	data := map[string]string{"order_id": order.ID, "type": "new_order"}

	offered := 0
	var wg sync.WaitGroup
	for _, d := range batch {
		attempt := &models.DispatchAttempt{
			OrderID:     order.ID,
			DriverID:    d.ID,
			RoundNumber: round,
			Status:      models.AttemptSent,
			ExpiresAt:   expiresAt,
		}
		if err := e.Store.CreateAttempt(ctx, attempt); err != nil {
			e.Logger.Error("attempt create failed, skipping driver",
				"order_id", order.ID, "driver_id", d.ID, "round", round, "error", err)
			continue
		}
		offered++
		observability.OffersSentTotal.Inc()

		wg.Add(1)
		go func(d models.Driver) {
			defer wg.Done()
			if e.Notifier.Send(d.PushToken, title, body, data) {
				return
			}
			observability.NotifyFailuresTotal.Inc()
			e.Logger.Warn("offer notification failed",
				"order_id", order.ID, "driver_id", d.ID, "round", round)
			if err := e.Store.MarkAttemptFailed(ctx, order.ID, d.ID, round); err != nil {
				e.Logger.Error("could not mark attempt failed",
					"order_id", order.ID, "driver_id", d.ID, "round", round, "error", err)
			}
		}(d)
	}
	wg.Wait()
	return offered
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
