package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	_ "github.com/jackc/pgx/v5/stdlib"

	"bustrack/internal/model"
)

type Postgres struct {
	db *sql.DB
}

func NewPostgres(dsn string) (*Postgres, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Postgres{db: db}, nil
}

// Ping checks database connectivity.
func (p *Postgres) Ping(ctx context.Context) error { return p.db.PingContext(ctx) }

// Close releases the connection pool.
func (p *Postgres) Close() error { return p.db.Close() }

// MigrateDir applies every *.sql file in dir in lexical order. Migrations
// are written to be idempotent (IF NOT EXISTS), so re-running is safe.
func (p *Postgres) MigrateDir(dir string) error {
	files, err := filepath.Glob(filepath.Join(dir, "*.sql"))
	if err != nil {
		return err
	}
	sort.Strings(files)
	for _, f := range files {
		b, err := os.ReadFile(f)
		if err != nil {
			return err
		}
		if strings.TrimSpace(string(b)) == "" {
			continue
		}
		if _, err := p.db.Exec(string(b)); err != nil {
			return fmt.Errorf("migrate %s: %w", filepath.Base(f), err)
		}
	}
	return nil
}

func (p *Postgres) GetUser(ctx context.Context, userID model.ID) (model.User, error) {
	var u model.User
	var fullName, email sql.NullString
	var role string
	err := p.db.QueryRowContext(ctx, `SELECT id, username, full_name, email, role FROM users WHERE id=$1`, string(userID)).
		Scan(&u.ID, &u.Username, &fullName, &email, &role)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return u, ErrNotFound
		}
		return u, err
	}
	u.FullName = fullName.String
	u.Email = email.String
	u.Role = model.Role(role)
	return u, nil
}

const busColumns = `b.id, b.bus_number, b.capacity, b.status, b.lat, b.lng, b.current_stop, b.driver_id, b.route_id`

type rowScanner interface{ Scan(dest ...any) error }

func scanBus(row rowScanner, extra ...any) (model.Bus, error) {
	var b model.Bus
	var lat, lng sql.NullFloat64
	var driverID, routeID sql.NullString
	dest := append([]any{&b.ID, &b.BusNumber, &b.Capacity, &b.Status, &lat, &lng, &b.CurrentStop, &driverID, &routeID}, extra...)
	if err := row.Scan(dest...); err != nil {
		return b, err
	}
	if lat.Valid && lng.Valid {
		b.CurrentLocation = &model.GeoPoint{Lat: lat.Float64, Lng: lng.Float64}
	}
	b.DriverID = model.ID(driverID.String)
	b.RouteID = model.ID(routeID.String)
	return b, nil
}

func (p *Postgres) FindBusByDriver(ctx context.Context, driverID model.ID) (model.Bus, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+busColumns+` FROM buses b WHERE b.driver_id=$1`, string(driverID))
	b, err := scanBus(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return b, ErrNotFound
		}
		return b, err
	}
	return b, nil
}

func (p *Postgres) UpdateBusLocation(ctx context.Context, busID model.ID, loc model.GeoPoint) error {
	res, err := p.db.ExecContext(ctx, `UPDATE buses SET lat=$1, lng=$2, location_at=now() WHERE id=$3`, loc.Lat, loc.Lng, string(busID))
	if err != nil {
		return err
	}
	return requireRow(res)
}

func (p *Postgres) UpdateBusStop(ctx context.Context, busID model.ID, currentStop int) error {
	res, err := p.db.ExecContext(ctx, `UPDATE buses SET current_stop=$1 WHERE id=$2`, currentStop, string(busID))
	if err != nil {
		return err
	}
	return requireRow(res)
}

// ListActiveBuses returns active buses joined with driver and route summaries.
func (p *Postgres) ListActiveBuses(ctx context.Context) ([]model.Bus, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT `+busColumns+`,
        u.username, u.full_name, u.email, u.role,
        r.name, r.description, r.status
        FROM buses b
        LEFT JOIN users u ON u.id = b.driver_id
        LEFT JOIN routes r ON r.id = b.route_id
        WHERE b.status=$1 ORDER BY b.bus_number`, model.BusStatusActive)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []model.Bus{}
	for rows.Next() {
		var uName, uFull, uEmail, uRole sql.NullString
		var rName, rDesc, rStatus sql.NullString
		b, err := scanBus(rows, &uName, &uFull, &uEmail, &uRole, &rName, &rDesc, &rStatus)
		if err != nil {
			return nil, err
		}
		if b.DriverID != "" && uName.Valid {
			b.Driver = &model.User{ID: b.DriverID, Username: uName.String, FullName: uFull.String, Email: uEmail.String, Role: model.Role(uRole.String)}
		}
		if b.RouteID != "" && rName.Valid {
			b.Route = &model.Route{ID: b.RouteID, Name: rName.String, Description: rDesc.String, Status: rStatus.String}
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

// FindDriverRouteWithStops returns the driver's bus with its route and the
// route's stops ordered by stop_order.
func (p *Postgres) FindDriverRouteWithStops(ctx context.Context, driverID model.ID) (model.Bus, error) {
	b, err := p.FindBusByDriver(ctx, driverID)
	if err != nil {
		return b, err
	}
	if b.RouteID == "" {
		return b, nil
	}
	var r model.Route
	var desc, status sql.NullString
	err = p.db.QueryRowContext(ctx, `SELECT id, name, description, status FROM routes WHERE id=$1`, string(b.RouteID)).
		Scan(&r.ID, &r.Name, &desc, &status)
	if errors.Is(err, sql.ErrNoRows) {
		return b, nil
	}
	if err != nil {
		return b, err
	}
	r.Description = desc.String
	r.Status = status.String
	rows, err := p.db.QueryContext(ctx, `SELECT s.id, s.name, s.description, s.lat, s.lng, rs.stop_order, rs.scheduled_arrival, rs.scheduled_departure
        FROM route_stops rs JOIN stops s ON s.id = rs.stop_id
        WHERE rs.route_id=$1 ORDER BY rs.stop_order`, string(r.ID))
	if err != nil {
		return b, err
	}
	defer rows.Close()
	for rows.Next() {
		var s model.Stop
		var sDesc, arr, dep sql.NullString
		if err := rows.Scan(&s.ID, &s.Name, &sDesc, &s.Location.Lat, &s.Location.Lng, &s.Order, &arr, &dep); err != nil {
			return b, err
		}
		s.Description = sDesc.String
		s.ScheduledArrival = arr.String
		s.ScheduledDeparture = dep.String
		r.Stops = append(r.Stops, s)
	}
	if err := rows.Err(); err != nil {
		return b, err
	}
	b.Route = &r
	return b, nil
}

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
