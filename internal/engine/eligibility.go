package engine

import (
	"context"
	"fmt"

	"github.com/example/order-dispatch/internal/models"
)

// findEligibleDrivers derives the full candidate list for the order,
// best candidates first. The directory already restricts to online,
// onboarded, reachable drivers of the right class and orders them by
// rating desc, deliveries desc, id asc; on top of that the engine
// applies the city rule for the vehicle class and drops anyone who
// declined this order in an earlier round. An empty result is a valid
// outcome, not an error. Read-only.
func (e *Engine) findEligibleDrivers(ctx context.Context, order *models.Order) ([]models.Driver, error) {
	pool, err := e.Store.AvailableDrivers(ctx, order.VehicleType)
	if err != nil {
		return nil, fmt.Errorf("query driver pool: %w", err)
	}
	declined, err := e.Store.DeclinedDriverIDs(ctx, order.ID)
	if err != nil {
		return nil, fmt.Errorf("query declined drivers: %w", err)
	}

	out := make([]models.Driver, 0, len(pool))
	for _, d := range pool {
		if !d.ServesCity(order.Pickup.CityID) {
			continue
		}
		if declined[d.ID] {
			continue
		}
		out = append(out, d)
	}
	return out, nil
}
