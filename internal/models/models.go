package models

import "time"

// OrderStatus is the full order lifecycle. The dispatch engine only
// consumes orders in StatusConfirmed or StatusNoDriverFound and only
// ever writes StatusConfirmed, StatusDriverAssigned (through the accept
// CAS) and StatusNoDriverFound.
type OrderStatus string

const (
	StatusPending          OrderStatus = "pending"
	StatusConfirmed        OrderStatus = "confirmed"
	StatusNoDriverFound    OrderStatus = "no_driver_found"
	StatusDriverAssigned   OrderStatus = "driver_assigned"
	StatusArrivingPickup   OrderStatus = "arriving_pickup"
	StatusArrivedPickup    OrderStatus = "arrived_pickup"
	StatusPickedUp         OrderStatus = "picked_up"
	StatusInTransit        OrderStatus = "in_transit"
	StatusArrivingDelivery OrderStatus = "arriving_delivery"
	StatusDelivered        OrderStatus = "delivered"
	StatusCompleted        OrderStatus = "completed"
	StatusCancelled        OrderStatus = "cancelled"
)

type VehicleType string

const (
	VehicleMoto  VehicleType = "moto"
	VehicleCar   VehicleType = "car"
	VehicleVan   VehicleType = "van"
	VehicleTruck VehicleType = "truck"
)

// WideArea reports whether the vehicle class may serve secondary cities
// in addition to the driver's primary city.
func (v VehicleType) WideArea() bool {
	return v == VehicleVan || v == VehicleTruck
}

type OnlineStatus string

const (
	DriverOffline OnlineStatus = "offline"
	DriverOnline  OnlineStatus = "online"
	DriverBusy    OnlineStatus = "busy"
)

type Location struct {
	Address string  `json:"address"`
	CityID  string  `json:"city_id"`
	Lat     float64 `json:"lat"`
	Lon     float64 `json:"lon"`
}

type Order struct {
	ID                string      `json:"id"`
	CustomerID        string      `json:"customer_id"`
	VehicleType       VehicleType `json:"vehicle_type"`
	Pickup            Location    `json:"pickup_location"`
	Dropoff           Location    `json:"dropoff_location"`
	Status            OrderStatus `json:"status"`
	DriverID          string      `json:"driver_id"` // empty until assigned
	DispatchRound     int         `json:"dispatch_round"`
	DispatchStartedAt *time.Time  `json:"dispatch_started_at,omitempty"`
	CreatedAt         time.Time   `json:"created_at"`
	UpdatedAt         time.Time   `json:"updated_at"`
}

// Assigned reports whether a driver holds this order.
func (o *Order) Assigned() bool { return o.DriverID != "" }

// Dispatchable reports whether the dispatch engine may pick this order up.
func (o *Order) Dispatchable() bool {
	return !o.Assigned() && (o.Status == StatusConfirmed || o.Status == StatusNoDriverFound)
}

type Driver struct {
	ID                  string       `json:"id"`
	ProfileID           string       `json:"profile_id"`
	VehicleType         VehicleType  `json:"vehicle_type"`
	PushToken           string       `json:"push_token"` // empty = no notification endpoint
	Rating              float64      `json:"rating"`     // 0..5
	TotalDeliveries     int          `json:"total_deliveries"`
	OnlineStatus        OnlineStatus `json:"online_status"`
	OnboardingCompleted bool         `json:"onboarding_completed"`
	PrimaryCityID       string       `json:"primary_city_id"`
	SecondaryCityIDs    []string     `json:"secondary_city_ids,omitempty"` // active extra cities, wide-area classes only
}

// ServesCity reports whether the driver may take pickups in the given
// city. Wide-area classes (van, truck) match the primary city or any
// active secondary city; everyone else matches the primary city only.
func (d *Driver) ServesCity(cityID string) bool {
	if d.PrimaryCityID == cityID {
		return true
	}
	if !d.VehicleType.WideArea() {
		return false
	}
	for _, c := range d.SecondaryCityIDs {
		if c == cityID {
			return true
		}
	}
	return false
}

// AttemptStatus moves forward only: sent is the sole non-terminal state.
type AttemptStatus string

const (
	AttemptSent     AttemptStatus = "sent"
	AttemptAccepted AttemptStatus = "accepted"
	AttemptDeclined AttemptStatus = "declined"
	AttemptExpired  AttemptStatus = "expired"
	AttemptFailed   AttemptStatus = "failed"
)

// DispatchAttempt is one offer of one order to one driver in one round.
// At most one attempt exists per (order, driver, round).
type DispatchAttempt struct {
	ID            string        `json:"id"`
	OrderID       string        `json:"order_id"`
	DriverID      string        `json:"driver_id"`
	RoundNumber   int           `json:"round_number"`
	Status        AttemptStatus `json:"status"`
	DeclineReason string        `json:"decline_reason,omitempty"`
	ExpiresAt     time.Time     `json:"expires_at"`
	AcceptedAt    *time.Time    `json:"accepted_at,omitempty"`
	CreatedAt     time.Time     `json:"created_at"`
}

type OrderEvent struct {
	ID          string    `json:"id"`
	OrderID     string    `json:"order_id"`
	EventType   string    `json:"event_type"`
	Description string    `json:"description"`
	CreatedAt   time.Time `json:"created_at"`
}

// Event types appended by the dispatch engine and the driver-facing
// accept/decline handlers.
const (
	EventNoDriverFound  = "no_driver_found"
	EventDriverAssigned = "driver_assigned"
	EventDriverDeclined = "driver_declined"
)
