package storage

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/example/order-dispatch/internal/models"
)

func confirmedOrder(id string) *models.Order {
	return &models.Order{
		ID:          id,
		VehicleType: models.VehicleMoto,
		Pickup:      models.Location{CityID: "C1"},
		Status:      models.StatusConfirmed,
	}
}

func TestAcceptOrderAtMostOneWinner(t *testing.T) {
	m := NewMemoryStore()
	m.PutOrder(confirmedOrder("o1"))

	const racers = 20
	var wg sync.WaitGroup
	wins := make(chan string, racers)
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := "driver-" + string(rune('a'+i))
			if err := m.AcceptOrder(context.Background(), "o1", id); err == nil {
				wins <- id
			}
		}(i)
	}
	wg.Wait()
	close(wins)

	var winners []string
	for w := range wins {
		winners = append(winners, w)
	}
	if len(winners) != 1 {
		t.Fatalf("expected exactly one winner, got %d", len(winners))
	}

	o, err := m.GetOrder(context.Background(), "o1")
	if err != nil {
		t.Fatal(err)
	}
	if o.DriverID != winners[0] {
		t.Fatalf("order assigned to %q, winner was %q", o.DriverID, winners[0])
	}
	if o.Status != models.StatusDriverAssigned {
		t.Fatalf("expected driver_assigned, got %s", o.Status)
	}
}

func TestAcceptOrderRejectsNonConfirmed(t *testing.T) {
	m := NewMemoryStore()
	o := confirmedOrder("o1")
	o.Status = models.StatusNoDriverFound
	m.PutOrder(o)

	if err := m.AcceptOrder(context.Background(), "o1", "d1"); err != ErrAlreadyAssigned {
		t.Fatalf("expected ErrAlreadyAssigned, got %v", err)
	}
	if err := m.AcceptOrder(context.Background(), "missing", "d1"); err != ErrOrderNotFound {
		t.Fatalf("expected ErrOrderNotFound, got %v", err)
	}
}

func TestAvailableDriversFilterAndOrder(t *testing.T) {
	m := NewMemoryStore()
	base := models.Driver{
		VehicleType:         models.VehicleCar,
		PushToken:           "tok",
		OnlineStatus:        models.DriverOnline,
		OnboardingCompleted: true,
		PrimaryCityID:       "C1",
	}
	add := func(id string, rating float64, deliveries int, mutate func(*models.Driver)) {
		d := base
		d.ID = id
		d.Rating = rating
		d.TotalDeliveries = deliveries
		if mutate != nil {
			mutate(&d)
		}
		m.PutDriver(&d)
	}
	add("b", 4.5, 10, nil)
	add("a", 4.5, 10, nil) // id tie-break
	add("c", 4.5, 30, nil) // deliveries tie-break
	add("top", 4.9, 1, nil)
	add("busy", 5.0, 99, func(d *models.Driver) { d.OnlineStatus = models.DriverBusy })
	add("raw", 5.0, 99, func(d *models.Driver) { d.OnboardingCompleted = false })
	add("mute", 5.0, 99, func(d *models.Driver) { d.PushToken = "" })
	add("van", 5.0, 99, func(d *models.Driver) { d.VehicleType = models.VehicleVan })

	got, err := m.AvailableDrivers(context.Background(), models.VehicleCar)
	if err != nil {
		t.Fatal(err)
	}
	want := []string{"top", "c", "a", "b"}
	if len(got) != len(want) {
		t.Fatalf("expected %d drivers, got %d", len(want), len(got))
	}
	for i, id := range want {
		if got[i].ID != id {
			t.Fatalf("position %d: expected %s, got %s", i, id, got[i].ID)
		}
	}
}

func TestAttemptLifecycle(t *testing.T) {
	m := NewMemoryStore()
	m.PutOrder(confirmedOrder("o1"))
	ctx := context.Background()

	mk := func(driverID string, round int) {
		err := m.CreateAttempt(ctx, &models.DispatchAttempt{
			OrderID: "o1", DriverID: driverID, RoundNumber: round,
			Status: models.AttemptSent, ExpiresAt: time.Now().Add(time.Minute),
		})
		if err != nil {
			t.Fatal(err)
		}
	}
	mk("d1", 1)
	mk("d2", 1)
	mk("d3", 2)

	// duplicate (order, driver, round) is rejected
	err := m.CreateAttempt(ctx, &models.DispatchAttempt{OrderID: "o1", DriverID: "d1", RoundNumber: 1})
	if err == nil {
		t.Fatal("expected duplicate attempt to be rejected")
	}

	if err := m.DeclineAttempt(ctx, "o1", "d2", "too far"); err != nil {
		t.Fatal(err)
	}
	declined, err := m.DeclinedDriverIDs(ctx, "o1")
	if err != nil {
		t.Fatal(err)
	}
	if !declined["d2"] || len(declined) != 1 {
		t.Fatalf("expected only d2 declined, got %v", declined)
	}

	n, err := m.ExpireRound(ctx, "o1", 1)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("expected 1 expired (d1), got %d", n)
	}

	// d2 is declined: terminal, no further transitions.
	if err := m.AcceptAttempt(ctx, "o1", "d2", time.Now()); err != ErrNoAttempt {
		t.Fatalf("expected ErrNoAttempt for terminal attempt, got %v", err)
	}

	if err := m.AcceptAttempt(ctx, "o1", "d3", time.Now()); err != nil {
		t.Fatal(err)
	}
	attempts, err := m.AttemptsByOrder(ctx, "o1")
	if err != nil {
		t.Fatal(err)
	}
	statuses := map[string]models.AttemptStatus{}
	for _, a := range attempts {
		statuses[a.DriverID] = a.Status
	}
	if statuses["d1"] != models.AttemptExpired || statuses["d2"] != models.AttemptDeclined || statuses["d3"] != models.AttemptAccepted {
		t.Fatalf("unexpected statuses: %v", statuses)
	}
}

func TestWatchOrderTicksOnChange(t *testing.T) {
	m := NewMemoryStore()
	m.PutOrder(confirmedOrder("o1"))

	ch, stop, err := m.WatchOrder(context.Background(), "o1")
	if err != nil {
		t.Fatal(err)
	}
	defer stop()

	if err := m.SetStatus(context.Background(), "o1", models.StatusNoDriverFound); err != nil {
		t.Fatal(err)
	}
	select {
	case <-ch:
	case <-time.After(time.Second):
		t.Fatal("expected a change tick")
	}

	stop()
	// After stop, updates must not tick the old channel.
	if err := m.SetStatus(context.Background(), "o1", models.StatusConfirmed); err != nil {
		t.Fatal(err)
	}
	select {
	case _, ok := <-ch:
		if ok {
			t.Fatal("unexpected tick after stop")
		}
	case <-time.After(20 * time.Millisecond):
	}
}
