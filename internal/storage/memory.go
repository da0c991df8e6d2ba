package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/example/order-dispatch/internal/models"
)

// MemoryStore keeps everything in mutex-guarded maps. It backs tests and
// store-less local runs, and implements the same contracts as the
// Postgres store, including the accept CAS and the order change feed.
type MemoryStore struct {
	mu       sync.RWMutex
	orders   map[string]*models.Order
	drivers  map[string]*models.Driver
	attempts map[string][]*models.DispatchAttempt // keyed by order id
	events   map[string][]models.OrderEvent
	watchers map[string][]chan struct{}
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		orders:   make(map[string]*models.Order),
		drivers:  make(map[string]*models.Driver),
		attempts: make(map[string][]*models.DispatchAttempt),
		events:   make(map[string][]models.OrderEvent),
		watchers: make(map[string][]chan struct{}),
	}
}

// PutOrder and PutDriver seed state; they belong to the booking and
// driver-profile subsystems in production.
func (m *MemoryStore) PutOrder(o *models.Order) {
	m.mu.Lock()
	cp := *o
	m.orders[o.ID] = &cp
	m.mu.Unlock()
	m.notify(o.ID)
}

func (m *MemoryStore) PutDriver(d *models.Driver) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *d
	m.drivers[d.ID] = &cp
}

func (m *MemoryStore) GetOrder(ctx context.Context, id string) (*models.Order, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	o, ok := m.orders[id]
	if !ok {
		return nil, ErrOrderNotFound
	}
	cp := *o
	return &cp, nil
}

func (m *MemoryStore) MarkDispatchStarted(ctx context.Context, id string, round int, at time.Time) error {
	err := m.mutateOrder(id, func(o *models.Order) {
		o.Status = models.StatusConfirmed
		o.DispatchRound = round
		o.DispatchStartedAt = &at
	})
	return err
}

func (m *MemoryStore) SetDispatchRound(ctx context.Context, id string, round int) error {
	return m.mutateOrder(id, func(o *models.Order) { o.DispatchRound = round })
}

func (m *MemoryStore) SetStatus(ctx context.Context, id string, status models.OrderStatus) error {
	return m.mutateOrder(id, func(o *models.Order) { o.Status = status })
}

func (m *MemoryStore) AcceptOrder(ctx context.Context, orderID, driverID string) error {
	m.mu.Lock()
	o, ok := m.orders[orderID]
	if !ok {
		m.mu.Unlock()
		return ErrOrderNotFound
	}
	if o.DriverID != "" || o.Status != models.StatusConfirmed {
		m.mu.Unlock()
		return ErrAlreadyAssigned
	}
	o.DriverID = driverID
	o.Status = models.StatusDriverAssigned
	o.UpdatedAt = time.Now()
	m.mu.Unlock()
	m.notify(orderID)
	return nil
}

func (m *MemoryStore) mutateOrder(id string, fn func(*models.Order)) error {
	m.mu.Lock()
	o, ok := m.orders[id]
	if !ok {
		m.mu.Unlock()
		return ErrOrderNotFound
	}
	fn(o)
	o.UpdatedAt = time.Now()
	m.mu.Unlock()
	m.notify(id)
	return nil
}

func (m *MemoryStore) AvailableDrivers(ctx context.Context, vehicle models.VehicleType) ([]models.Driver, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]models.Driver, 0)
	for _, d := range m.drivers {
		if d.OnlineStatus != models.DriverOnline || !d.OnboardingCompleted ||
			d.PushToken == "" || d.VehicleType != vehicle {
			continue
		}
		out = append(out, *d)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Rating != out[j].Rating {
			return out[i].Rating > out[j].Rating
		}
		if out[i].TotalDeliveries != out[j].TotalDeliveries {
			return out[i].TotalDeliveries > out[j].TotalDeliveries
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (m *MemoryStore) CreateAttempt(ctx context.Context, a *models.DispatchAttempt) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, ex := range m.attempts[a.OrderID] {
		if ex.DriverID == a.DriverID && ex.RoundNumber == a.RoundNumber {
			return fmt.Errorf("attempt already exists for driver %s round %d", a.DriverID, a.RoundNumber)
		}
	}
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now()
	}
	cp := *a
	m.attempts[a.OrderID] = append(m.attempts[a.OrderID], &cp)
	return nil
}

func (m *MemoryStore) MarkAttemptFailed(ctx context.Context, orderID, driverID string, round int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, a := range m.attempts[orderID] {
		if a.DriverID == driverID && a.RoundNumber == round && a.Status == models.AttemptSent {
			a.Status = models.AttemptFailed
			return nil
		}
	}
	return ErrNoAttempt
}

func (m *MemoryStore) ExpireRound(ctx context.Context, orderID string, round int) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, a := range m.attempts[orderID] {
		if a.RoundNumber == round && a.Status == models.AttemptSent {
			a.Status = models.AttemptExpired
			n++
		}
	}
	return n, nil
}

func (m *MemoryStore) DeclinedDriverIDs(ctx context.Context, orderID string) (map[string]bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]bool)
	for _, a := range m.attempts[orderID] {
		if a.Status == models.AttemptDeclined {
			out[a.DriverID] = true
		}
	}
	return out, nil
}

func (m *MemoryStore) AcceptAttempt(ctx context.Context, orderID, driverID string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, a := range m.attempts[orderID] {
		if a.DriverID == driverID && a.Status == models.AttemptSent {
			a.Status = models.AttemptAccepted
			t := at
			a.AcceptedAt = &t
			return nil
		}
	}
	return ErrNoAttempt
}

func (m *MemoryStore) DeclineAttempt(ctx context.Context, orderID, driverID, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, a := range m.attempts[orderID] {
		if a.DriverID == driverID && a.Status == models.AttemptSent {
			a.Status = models.AttemptDeclined
			a.DeclineReason = reason
			return nil
		}
	}
	return ErrNoAttempt
}

func (m *MemoryStore) AttemptsByOrder(ctx context.Context, orderID string) ([]models.DispatchAttempt, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]models.DispatchAttempt, 0, len(m.attempts[orderID]))
	for _, a := range m.attempts[orderID] {
		out = append(out, *a)
	}
	return out, nil
}

func (m *MemoryStore) AppendEvent(ctx context.Context, e models.OrderEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}
	m.events[e.OrderID] = append(m.events[e.OrderID], e)
	return nil
}

func (m *MemoryStore) EventsByOrder(orderID string) []models.OrderEvent {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]models.OrderEvent(nil), m.events[orderID]...)
}

// WatchOrder implements the change feed over in-process channels. The
// tick channel is buffered so a slow subscriber coalesces updates
// instead of blocking writers.
func (m *MemoryStore) WatchOrder(ctx context.Context, orderID string) (<-chan struct{}, func(), error) {
	ch := make(chan struct{}, 1)
	m.mu.Lock()
	m.watchers[orderID] = append(m.watchers[orderID], ch)
	m.mu.Unlock()
	stop := func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		ws := m.watchers[orderID]
		for i, w := range ws {
			if w == ch {
				m.watchers[orderID] = append(ws[:i], ws[i+1:]...)
				break
			}
		}
	}
	return ch, stop, nil
}

func (m *MemoryStore) notify(orderID string) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, ch := range m.watchers[orderID] {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}
