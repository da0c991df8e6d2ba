package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/example/order-dispatch/internal/config"
	"github.com/example/order-dispatch/internal/ingest"
	"github.com/example/order-dispatch/internal/lock"
	"github.com/example/order-dispatch/internal/models"
	"github.com/example/order-dispatch/internal/notify"
	"github.com/example/order-dispatch/internal/observability"
	"github.com/example/order-dispatch/internal/storage"
)

// ErrInvalidOrderState is returned when the order is not in a
// dispatchable state (wrong status or a driver already assigned).
var ErrInvalidOrderState = errors.New("invalid order state for dispatch")

// OutcomePublisher receives the terminal outcome of a dispatch; wiring
// is optional and failures are logged, never fatal.
type OutcomePublisher interface {
	PublishOutcome(o ingest.DispatchOutcome) error
}

// Engine runs the dispatch workflow for one order at a time: derive the
// eligible candidate list once, offer it out in fixed-size rounds, wait
// for an acceptance under each round's TTL and converge to either an
// assigned driver or the terminal no_driver_found state.
type Engine struct {
	Store    storage.Store
	Notifier notify.Notifier
	Locks    lock.Locker      // optional, guards concurrent dispatch of one order
	Outcomes OutcomePublisher // optional
	Logger   *slog.Logger
	Defaults config.DispatchConfig

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

func New(store storage.Store, notifier notify.Notifier, logger *slog.Logger, defaults config.DispatchConfig) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		Store:    store,
		Notifier: notifier,
		Logger:   logger,
		Defaults: defaults,
		now:      time.Now,
		sleep:    sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Request parametrizes one dispatch invocation. Zero values fall back
// to the engine defaults.
type Request struct {
	OrderID   string
	TTL       time.Duration
	BatchSize int
	MaxRounds int
	// DryRun computes eligibility and round math without creating
	// attempts, sending notifications or mutating the order.
	DryRun bool
}

func (r *Request) applyDefaults(d config.DispatchConfig) {
	if r.TTL <= 0 {
		r.TTL = d.TTL
	}
	if r.BatchSize <= 0 {
		r.BatchSize = d.BatchSize
	}
	if r.MaxRounds <= 0 {
		r.MaxRounds = d.MaxRounds
	}
}

type Stats struct {
	TotalEligible int    `json:"total_eligible"`
	Dispatched    int    `json:"dispatched"`
	Rounds        int    `json:"rounds"`
	Accepted      bool   `json:"accepted"`
	DriverID      string `json:"driver_id,omitempty"`
}

type Result struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
	Stats   Stats  `json:"stats"`
}

// DispatchOrder is the single entry point. Exhaustion is a valid
// outcome reported through Result, not an error; errors are reserved
// for bad input state and data-access failures.
func (e *Engine) DispatchOrder(ctx context.Context, req Request) (Result, error) {
	start := time.Now()
	req.applyDefaults(e.Defaults)
	log := e.Logger.With("order_id", req.OrderID)

	if e.Locks != nil && !req.DryRun {
		release, err := e.Locks.Acquire(ctx, req.OrderID)
		if err != nil {
			return Result{}, err
		}
		defer release()
	}

	order, err := e.Store.GetOrder(ctx, req.OrderID)
	if err != nil {
		return Result{}, err
	}
	if !order.Dispatchable() {
		return Result{}, fmt.Errorf("%w: status=%s assigned=%t", ErrInvalidOrderState, order.Status, order.Assigned())
	}

	log.Info("dispatch started",
		"vehicle_type", order.VehicleType,
		"city", order.Pickup.CityID,
		"ttl", req.TTL,
		"batch_size", req.BatchSize,
		"max_rounds", req.MaxRounds,
		"dry_run", req.DryRun)

	eligible, err := e.findEligibleDrivers(ctx, order)
	if err != nil {
		observability.DispatchesTotal.WithLabelValues(observability.OutcomeError).Inc()
		return Result{}, err
	}
	observability.EligibleDrivers.Observe(float64(len(eligible)))

	if len(eligible) == 0 {
		log.Info("no eligible drivers")
		if !req.DryRun {
			if err := e.finalizeUnfulfilled(ctx, order.ID, "no eligible drivers available"); err != nil {
				return Result{}, err
			}
			e.publishOutcome(order.ID, models.StatusNoDriverFound, "", 0, 0)
		}
		observability.DispatchesTotal.WithLabelValues(observability.OutcomeNoEligible).Inc()
		return Result{
			Success: false,
			Message: "no eligible drivers found",
			Stats:   Stats{},
		}, nil
	}

	// A prior invocation may already have burned rounds on this order.
	// Numbering continues from its last persisted round so fresh attempt
	// rows never collide with the old ones.
	baseRound := order.DispatchRound

	if !req.DryRun {
		if err := e.Store.MarkDispatchStarted(ctx, order.ID, baseRound+1, e.now()); err != nil {
			observability.DispatchesTotal.WithLabelValues(observability.OutcomeError).Inc()
			return Result{}, fmt.Errorf("mark dispatch started: %w", err)
		}
	}

	stats := Stats{TotalEligible: len(eligible)}
	for r := 1; r <= req.MaxRounds && stats.Dispatched < len(eligible); r++ {
		batch := roundBatch(eligible, r, req.BatchSize)
		if len(batch) == 0 {
			break
		}
		round := baseRound + r
		if !req.DryRun && r > 1 {
			if err := e.Store.SetDispatchRound(ctx, order.ID, round); err != nil {
				observability.DispatchesTotal.WithLabelValues(observability.OutcomeError).Inc()
				return Result{}, fmt.Errorf("advance to round %d: %w", round, err)
			}
		}

		offered := e.dispatchRound(ctx, order, batch, round, req.TTL, req.DryRun)
		stats.Dispatched += offered
		if offered > 0 {
			stats.Rounds++
		}
		if req.DryRun || offered == 0 {
			continue
		}

		log.Info("round offers sent", "round", round, "offered", offered)
		accepted, driverID, err := e.awaitAcceptance(ctx, order.ID, req.TTL)
		if err != nil {
			observability.DispatchesTotal.WithLabelValues(observability.OutcomeError).Inc()
			return Result{}, err
		}
		// Whether the round ended in an acceptance or a timeout, every
		// offer still sitting in sent is now dead.
		if _, err := e.Store.ExpireRound(ctx, order.ID, round); err != nil {
			observability.DispatchesTotal.WithLabelValues(observability.OutcomeError).Inc()
			return Result{}, fmt.Errorf("expire round %d: %w", round, err)
		}
		if accepted {
			log.Info("order accepted", "driver_id", driverID, "round", round)
			break
		}
		log.Info("round expired", "round", round)
	}

	observability.RoundsPerDispatch.Observe(float64(stats.Rounds))
	observability.DispatchDuration.Observe(time.Since(start).Seconds())

	if req.DryRun {
		return Result{
			Success: false,
			Message: "dry run: no offers sent",
			Stats:   stats,
		}, nil
	}

	// Re-read instead of trusting the loop's view: an accept can land
	// between the last expiry and this point.
	final, err := e.Store.GetOrder(ctx, order.ID)
	if err != nil {
		observability.DispatchesTotal.WithLabelValues(observability.OutcomeError).Inc()
		return Result{}, fmt.Errorf("final order read: %w", err)
	}

	if final.Assigned() {
		stats.Accepted = true
		stats.DriverID = final.DriverID
		observability.DispatchesTotal.WithLabelValues(observability.OutcomeAssigned).Inc()
		e.publishOutcome(order.ID, final.Status, final.DriverID, stats.Rounds, stats.TotalEligible)
		return Result{Success: true, Message: "order successfully assigned", Stats: stats}, nil
	}

	desc := fmt.Sprintf("no driver accepted after %d rounds", stats.Rounds)
	if err := e.finalizeUnfulfilled(ctx, order.ID, desc); err != nil {
		return Result{}, err
	}
	observability.DispatchesTotal.WithLabelValues(observability.OutcomeNoAcceptance).Inc()
	e.publishOutcome(order.ID, models.StatusNoDriverFound, "", stats.Rounds, stats.TotalEligible)
	return Result{Success: false, Message: "no driver accepted the order", Stats: stats}, nil
}

// finalizeUnfulfilled moves the order to its terminal unfulfilled state
// and records why. The status change and the event append belong
// together: an append failure is logged and surfaced, never masked.
func (e *Engine) finalizeUnfulfilled(ctx context.Context, orderID, desc string) error {
	if err := e.Store.SetStatus(ctx, orderID, models.StatusNoDriverFound); err != nil {
		return fmt.Errorf("set no_driver_found: %w", err)
	}
	ev := models.OrderEvent{
		OrderID:     orderID,
		EventType:   models.EventNoDriverFound,
		Description: desc,
	}
	if err := e.Store.AppendEvent(ctx, ev); err != nil {
		e.Logger.Error("event append failed after status change", "order_id", orderID, "error", err)
		return fmt.Errorf("append no_driver_found event: %w", err)
	}
	return nil
}

func (e *Engine) publishOutcome(orderID string, status models.OrderStatus, driverID string, rounds, eligible int) {
	if e.Outcomes == nil {
		return
	}
	err := e.Outcomes.PublishOutcome(ingest.DispatchOutcome{
		OrderID:       orderID,
		Status:        status,
		DriverID:      driverID,
		Rounds:        rounds,
		TotalEligible: eligible,
		At:            e.now(),
	})
	if err != nil {
		e.Logger.Warn("outcome publish failed", "order_id", orderID, "error", err)
	}
}
