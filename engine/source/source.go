// Package source reads location telemetry rows from a relational database.
// Each Fetch runs one bounded, newest-first query and returns the fully
// materialized batch; there is no pagination or incremental cursor.
package source

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"github.com/geotrack/geovector/engine/domain"

	_ "github.com/go-sql-driver/mysql" // MySQL driver
	_ "github.com/lib/pq"              // PostgreSQL driver
	_ "modernc.org/sqlite"             // pure-Go SQLite driver
)

// Supported database/sql driver names.
const (
	DriverPostgres = "postgres"
	DriverMySQL    = "mysql"
	DriverSQLite   = "sqlite"
)

// Projection selects which columns a Fetch reads.
type Projection string

const (
	// Minimal reads only id and coordinate.
	Minimal Projection = "minimal"
	// Extended reads id, coordinate and every descriptive column.
	Extended Projection = "extended"
)

var minimalColumns = []string{"id", "coordinate"}

var extendedColumns = []string{
	"id", "coordinate",
	"device_id", "vehicle_id", "user_id", "company_id",
	"imei", "plate", "event_type", "ignition",
	"speed", "distance", "total_distance", "engine_hours",
	"recorded_at", "received_at", "created_at",
}

var identRegex = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*(\.[A-Za-z_][A-Za-z0-9_]*)?$`)

// Config describes the relational source.
type Config struct {
	Driver       string
	DSN          string
	Table        string
	Projection   Projection
	QueryTimeout time.Duration
	MaxOpenConns int
}

// Reader executes the bounded telemetry query.
type Reader struct {
	db      *sql.DB
	cfg     Config
	query   string
	columns []string
	logger  *slog.Logger
}

// Open connects to the source database and verifies the connection.
func Open(ctx context.Context, cfg Config, logger *slog.Logger) (*Reader, error) {
	db, err := sql.Open(cfg.Driver, cfg.DSN)
	if err != nil {
		return nil, domain.NewError(domain.KindSourceConnection, "open "+cfg.Driver, err)
	}
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, domain.NewError(domain.KindSourceConnection, "ping "+cfg.Driver, err)
	}
	r, err := NewWithDB(db, cfg, logger)
	if err != nil {
		db.Close()
		return nil, err
	}
	return r, nil
}

// NewWithDB wraps an existing handle. The caller keeps ownership of db
// unless it calls Close on the Reader.
func NewWithDB(db *sql.DB, cfg Config, logger *slog.Logger) (*Reader, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if !identRegex.MatchString(cfg.Table) {
		return nil, domain.NewError(domain.KindSourceQuery, "configure", fmt.Errorf("source: invalid table name %q", cfg.Table))
	}
	if cfg.Projection == "" {
		cfg.Projection = Extended
	}
	columns := extendedColumns
	switch cfg.Projection {
	case Extended:
	case Minimal:
		columns = minimalColumns
	default:
		return nil, domain.NewError(domain.KindSourceQuery, "configure", fmt.Errorf("source: unknown projection %q", cfg.Projection))
	}
	return &Reader{
		db:      db,
		cfg:     cfg,
		query:   buildQuery(cfg.Driver, cfg.Table, columns),
		columns: columns,
		logger:  logger,
	}, nil
}

func buildQuery(driver, table string, columns []string) string {
	placeholder := "?"
	if driver == DriverPostgres {
		placeholder = "$1"
	}
	return fmt.Sprintf("SELECT %s FROM %s ORDER BY id DESC LIMIT %s",
		strings.Join(columns, ", "), table, placeholder)
}

// Query returns the SQL statement Fetch executes.
func (r *Reader) Query() string { return r.query }

// Close closes the underlying database handle.
func (r *Reader) Close() error {
	return r.db.Close()
}

// maxPrealloc caps the capacity reserved before the row count is known.
const maxPrealloc = 1024

// Fetch reads up to limit of the most recent rows, newest first.
func (r *Reader) Fetch(ctx context.Context, limit int) ([]domain.LocationRecord, error) {
	if limit <= 0 {
		return nil, domain.NewError(domain.KindSourceQuery, "fetch", fmt.Errorf("source: limit must be positive, got %d", limit))
	}
	if r.cfg.QueryTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.cfg.QueryTimeout)
		defer cancel()
	}

	start := time.Now()
	rows, err := r.db.QueryContext(ctx, r.query, limit)
	if err != nil {
		return nil, r.classify("query "+r.cfg.Table, err)
	}
	defer rows.Close()

	out := make([]domain.LocationRecord, 0, min(limit, maxPrealloc))
	for rows.Next() {
		rec, err := r.scan(rows)
		if err != nil {
			return nil, domain.NewError(domain.KindSourceQuery, "scan "+r.cfg.Table, err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, r.classify("iterate "+r.cfg.Table, err)
	}

	r.logger.Info("source: fetched", "table", r.cfg.Table, "rows", len(out), "limit", limit, "duration", time.Since(start))
	return out, nil
}

// classify separates a lost connection from a failing statement.
func (r *Reader) classify(op string, err error) error {
	if errors.Is(err, sql.ErrConnDone) || errors.Is(err, context.DeadlineExceeded) {
		return domain.NewError(domain.KindSourceConnection, op, err)
	}
	return domain.NewError(domain.KindSourceQuery, op, err)
}

func (r *Reader) scan(rows *sql.Rows) (domain.LocationRecord, error) {
	var (
		rec        domain.LocationRecord
		coordinate sql.NullString
	)
	if r.cfg.Projection == Minimal {
		if err := rows.Scan(&rec.ID, &coordinate); err != nil {
			return rec, err
		}
		rec.Coordinate = coordinate.String
		return rec, nil
	}

	var (
		deviceID, vehicleID, userID, companyID  sql.NullInt64
		imei, plate, eventType                  sql.NullString
		ignition                                sql.NullBool
		speed, distance, totalDistance, engineH sql.NullString
		recordedAt, receivedAt, createdAt       sql.NullString
	)
	err := rows.Scan(
		&rec.ID, &coordinate,
		&deviceID, &vehicleID, &userID, &companyID,
		&imei, &plate, &eventType, &ignition,
		&speed, &distance, &totalDistance, &engineH,
		&recordedAt, &receivedAt, &createdAt,
	)
	if err != nil {
		return rec, err
	}

	rec.Coordinate = coordinate.String
	rec.DeviceID = deviceID.Int64
	rec.VehicleID = vehicleID.Int64
	rec.UserID = userID.Int64
	rec.CompanyID = companyID.Int64
	rec.IMEI = imei.String
	rec.Plate = plate.String
	rec.EventType = eventType.String
	rec.Ignition = ignition.Bool
	rec.Speed = speed.String
	rec.Distance = distance.String
	rec.TotalDistance = totalDistance.String
	rec.EngineHours = engineH.String
	rec.RecordedAt = recordedAt.String
	rec.ReceivedAt = receivedAt.String
	rec.CreatedAt = createdAt.String
	return rec, nil
}
