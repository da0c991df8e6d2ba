package storage

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/example/order-dispatch/internal/models"
)

// PostgresStore implements Store on top of database/sql + lib/pq. The
// accept CAS relies on a single conditional UPDATE so the at-most-one
// winner guarantee comes from the database, not from re-reads.
type PostgresStore struct {
	db  *sql.DB
	dsn string
}

func NewPostgresStore(dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		return nil, err
	}
	return &PostgresStore{db: db, dsn: dsn}, nil
}

func (p *PostgresStore) Close() error { return p.db.Close() }

func (p *PostgresStore) GetOrder(ctx context.Context, id string) (*models.Order, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT id, customer_id, vehicle_type, pickup_address, pickup_city_id, pickup_lat, pickup_lon,
		       dropoff_address, dropoff_city_id, dropoff_lat, dropoff_lon,
		       status, driver_id, dispatch_round, dispatch_started_at, created_at, updated_at
		FROM orders WHERE id = $1`, id)

	var o models.Order
	var driverID sql.NullString
	var startedAt sql.NullTime
	err := row.Scan(&o.ID, &o.CustomerID, &o.VehicleType,
		&o.Pickup.Address, &o.Pickup.CityID, &o.Pickup.Lat, &o.Pickup.Lon,
		&o.Dropoff.Address, &o.Dropoff.CityID, &o.Dropoff.Lat, &o.Dropoff.Lon,
		&o.Status, &driverID, &o.DispatchRound, &startedAt, &o.CreatedAt, &o.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrOrderNotFound
	}
	if err != nil {
		return nil, err
	}
	o.DriverID = driverID.String
	if startedAt.Valid {
		t := startedAt.Time
		o.DispatchStartedAt = &t
	}
	return &o, nil
}

func (p *PostgresStore) MarkDispatchStarted(ctx context.Context, id string, round int, at time.Time) error {
	res, err := p.db.ExecContext(ctx, `
		UPDATE orders SET status = 'confirmed', dispatch_round = $2, dispatch_started_at = $3, updated_at = now()
		WHERE id = $1`, id, round, at)
	return oneRow(res, err)
}

func (p *PostgresStore) SetDispatchRound(ctx context.Context, id string, round int) error {
	res, err := p.db.ExecContext(ctx, `
		UPDATE orders SET dispatch_round = $2, updated_at = now() WHERE id = $1`, id, round)
	return oneRow(res, err)
}

func (p *PostgresStore) SetStatus(ctx context.Context, id string, status models.OrderStatus) error {
	res, err := p.db.ExecContext(ctx, `
		UPDATE orders SET status = $2, updated_at = now() WHERE id = $1`, id, string(status))
	return oneRow(res, err)
}

func (p *PostgresStore) AcceptOrder(ctx context.Context, orderID, driverID string) error {
	res, err := p.db.ExecContext(ctx, `
		UPDATE orders SET driver_id = $2, status = 'driver_assigned', updated_at = now()
		WHERE id = $1 AND driver_id IS NULL AND status = 'confirmed'`, orderID, driverID)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		// Distinguish a lost race from a bad id.
		var exists bool
		if err := p.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM orders WHERE id = $1)`, orderID).Scan(&exists); err != nil {
			return err
		}
		if !exists {
			return ErrOrderNotFound
		}
		return ErrAlreadyAssigned
	}
	return nil
}

func (p *PostgresStore) AvailableDrivers(ctx context.Context, vehicle models.VehicleType) ([]models.Driver, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT d.id, d.profile_id, d.vehicle_type, d.push_token, d.rating, d.total_deliveries,
		       d.online_status, d.onboarding_completed, d.primary_city_id,
		       COALESCE(array_agg(dc.city_id) FILTER (WHERE dc.city_id IS NOT NULL), '{}')
		FROM drivers d
		LEFT JOIN driver_cities dc ON dc.driver_id = d.id AND dc.is_active
		WHERE d.online_status = 'online'
		  AND d.vehicle_type = $1
		  AND d.onboarding_completed
		  AND d.push_token IS NOT NULL AND d.push_token <> ''
		GROUP BY d.id
		ORDER BY d.rating DESC, d.total_deliveries DESC, d.id ASC`, string(vehicle))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.Driver
	for rows.Next() {
		var d models.Driver
		var cities pq.StringArray
		if err := rows.Scan(&d.ID, &d.ProfileID, &d.VehicleType, &d.PushToken, &d.Rating,
			&d.TotalDeliveries, &d.OnlineStatus, &d.OnboardingCompleted, &d.PrimaryCityID, &cities); err != nil {
			return nil, err
		}
		d.SecondaryCityIDs = []string(cities)
		out = append(out, d)
	}
	return out, rows.Err()
}

func (p *PostgresStore) CreateAttempt(ctx context.Context, a *models.DispatchAttempt) error {
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now()
	}
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO dispatch_attempts (id, order_id, driver_id, round_number, status, expires_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		a.ID, a.OrderID, a.DriverID, a.RoundNumber, string(a.Status), a.ExpiresAt, a.CreatedAt)
	return err
}

func (p *PostgresStore) MarkAttemptFailed(ctx context.Context, orderID, driverID string, round int) error {
	res, err := p.db.ExecContext(ctx, `
		UPDATE dispatch_attempts SET status = 'failed'
		WHERE order_id = $1 AND driver_id = $2 AND round_number = $3 AND status = 'sent'`,
		orderID, driverID, round)
	return oneRow(res, err)
}

func (p *PostgresStore) ExpireRound(ctx context.Context, orderID string, round int) (int, error) {
	res, err := p.db.ExecContext(ctx, `
		UPDATE dispatch_attempts SET status = 'expired'
		WHERE order_id = $1 AND round_number = $2 AND status = 'sent'`, orderID, round)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func (p *PostgresStore) DeclinedDriverIDs(ctx context.Context, orderID string) (map[string]bool, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT driver_id FROM dispatch_attempts WHERE order_id = $1 AND status = 'declined'`, orderID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make(map[string]bool)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out[id] = true
	}
	return out, rows.Err()
}

func (p *PostgresStore) AcceptAttempt(ctx context.Context, orderID, driverID string, at time.Time) error {
	res, err := p.db.ExecContext(ctx, `
		UPDATE dispatch_attempts SET status = 'accepted', accepted_at = $3
		WHERE order_id = $1 AND driver_id = $2 AND status = 'sent'`, orderID, driverID, at)
	return oneRowOr(res, err, ErrNoAttempt)
}

func (p *PostgresStore) DeclineAttempt(ctx context.Context, orderID, driverID, reason string) error {
	res, err := p.db.ExecContext(ctx, `
		UPDATE dispatch_attempts SET status = 'declined', decline_reason = $3
		WHERE order_id = $1 AND driver_id = $2 AND status = 'sent'`, orderID, driverID, reason)
	return oneRowOr(res, err, ErrNoAttempt)
}

func (p *PostgresStore) AttemptsByOrder(ctx context.Context, orderID string) ([]models.DispatchAttempt, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, order_id, driver_id, round_number, status, COALESCE(decline_reason, ''),
		       expires_at, accepted_at, created_at
		FROM dispatch_attempts WHERE order_id = $1 ORDER BY round_number, created_at`, orderID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []models.DispatchAttempt
	for rows.Next() {
		var a models.DispatchAttempt
		var acceptedAt sql.NullTime
		if err := rows.Scan(&a.ID, &a.OrderID, &a.DriverID, &a.RoundNumber, &a.Status,
			&a.DeclineReason, &a.ExpiresAt, &acceptedAt, &a.CreatedAt); err != nil {
			return nil, err
		}
		if acceptedAt.Valid {
			t := acceptedAt.Time
			a.AcceptedAt = &t
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (p *PostgresStore) AppendEvent(ctx context.Context, e models.OrderEvent) error {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO order_events (id, order_id, event_type, description, created_at)
		VALUES ($1, $2, $3, $4, $5)`, e.ID, e.OrderID, e.EventType, e.Description, e.CreatedAt)
	return err
}

// WatchOrder subscribes to the order_changes NOTIFY channel (fed by the
// trigger in migrations) and ticks when the watched order changes. The
// listener reconnect callback is left to pq's defaults.
func (p *PostgresStore) WatchOrder(ctx context.Context, orderID string) (<-chan struct{}, func(), error) {
	listener := pq.NewListener(p.dsn, time.Second, 30*time.Second, nil)
	if err := listener.Listen("order_changes"); err != nil {
		_ = listener.Close()
		return nil, nil, err
	}

	ch := make(chan struct{}, 1)
	done := make(chan struct{})
	go func() {
		defer close(ch)
		for {
			select {
			case n := <-listener.Notify:
				// Payload is the order id; nil notifications signal a
				// reconnect, treat them as a wake-up so the waiter
				// re-reads state.
				if n == nil || n.Extra == orderID {
					select {
					case ch <- struct{}{}:
					default:
					}
				}
			case <-done:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
	stop := func() {
		close(done)
		_ = listener.Close()
	}
	return ch, stop, nil
}

func oneRow(res sql.Result, err error) error {
	return oneRowOr(res, err, ErrOrderNotFound)
}

func oneRowOr(res sql.Result, err error, missing error) error {
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return missing
	}
	return nil
}
