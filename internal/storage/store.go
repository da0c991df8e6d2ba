package storage

import (
	"context"
	"errors"
	"time"

	"github.com/example/order-dispatch/internal/models"
)

var (
	// ErrOrderNotFound is returned when an order id does not resolve.
	ErrOrderNotFound = errors.New("order not found")
	// ErrAlreadyAssigned is returned by AcceptOrder when another driver
	// won the race or the order left the confirmed state.
	ErrAlreadyAssigned = errors.New("order already has a driver assigned")
	// ErrNoAttempt is returned when no live attempt exists for the
	// (order, driver) pair being accepted or declined.
	ErrNoAttempt = errors.New("no dispatch attempt for driver")
)

// OrderStore provides order reads and the dispatch-owned mutations.
type OrderStore interface {
	GetOrder(ctx context.Context, id string) (*models.Order, error)
	// MarkDispatchStarted stamps the order with the first round and the
	// dispatch start time, keeping the status at confirmed.
	MarkDispatchStarted(ctx context.Context, id string, round int, at time.Time) error
	SetDispatchRound(ctx context.Context, id string, round int) error
	SetStatus(ctx context.Context, id string, status models.OrderStatus) error
	// AcceptOrder atomically claims the order for the driver. It succeeds
	// only if no driver is assigned yet and the status is still
	// confirmed; among concurrent callers for the same order at most one
	// succeeds, the rest get ErrAlreadyAssigned.
	AcceptOrder(ctx context.Context, orderID, driverID string) error
}

// DriverDirectory is a read-only view over the driver pool. This engine
// never mutates driver rows.
type DriverDirectory interface {
	// AvailableDrivers returns drivers that are online, fully onboarded,
	// carry a push token and match the vehicle class, sorted by rating
	// descending, total deliveries descending, then id ascending so the
	// ordering is deterministic.
	AvailableDrivers(ctx context.Context, vehicle models.VehicleType) ([]models.Driver, error)
}

// AttemptStore persists per-driver, per-round offers.
type AttemptStore interface {
	CreateAttempt(ctx context.Context, a *models.DispatchAttempt) error
	MarkAttemptFailed(ctx context.Context, orderID, driverID string, round int) error
	// ExpireRound moves all still-sent attempts of the round to expired
	// and returns how many it touched.
	ExpireRound(ctx context.Context, orderID string, round int) (int, error)
	// DeclinedDriverIDs returns the set of drivers that declined this
	// order in any round.
	DeclinedDriverIDs(ctx context.Context, orderID string) (map[string]bool, error)
	AcceptAttempt(ctx context.Context, orderID, driverID string, at time.Time) error
	DeclineAttempt(ctx context.Context, orderID, driverID, reason string) error
	AttemptsByOrder(ctx context.Context, orderID string) ([]models.DispatchAttempt, error)
}

// EventLog appends order-scoped event records.
type EventLog interface {
	AppendEvent(ctx context.Context, e models.OrderEvent) error
}

// OrderWatcher is an optional change feed. The returned channel receives
// a tick whenever the order row changes; stop releases the subscription.
// Stores that cannot watch simply do not implement this and the waiter
// falls back to polling.
type OrderWatcher interface {
	WatchOrder(ctx context.Context, orderID string) (<-chan struct{}, func(), error)
}

// Store is the full persistence surface the dispatch engine needs.
type Store interface {
	OrderStore
	DriverDirectory
	AttemptStore
	EventLog
}
