package store

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"embed"
	"errors"
	"fmt"
	"net"
	"time"

	"reservation-service/internal/apperrors"
	"reservation-service/internal/models"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/pressly/goose/v3"
	"github.com/shopspring/decimal"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// ErrStockLineNotFound is returned when no stock line exists for a sku/location
var ErrStockLineNotFound = errors.New("stock line not found")

// ExpireQuery selects due reservations for ExpireDue. Zero-valued fields are
// not filtered on.
type ExpireQuery struct {
	Now      time.Time
	SKU      string
	Location models.Location
	Limit    int
}

// Repository is the storage contract of the reservation engine. Both the
// Postgres Store and MemoryStore implement it.
type Repository interface {
	GetStockLine(ctx context.Context, sku string, loc models.Location) (*models.StockLine, error)
	ListStockLines(ctx context.Context) ([]models.StockLine, error)
	UpsertStockLine(ctx context.Context, line *models.StockLine) error
	ConsumeStock(ctx context.Context, sku string, loc models.Location, volume decimal.Decimal) error

	CreateReservation(ctx context.Context, r *models.Reservation) error
	GetReservation(ctx context.Context, id string) (*models.Reservation, error)
	ListReservations(ctx context.Context, filter models.ReservationFilter) ([]models.Reservation, error)
	ListActiveBySkuLocation(ctx context.Context, sku string, loc models.Location) ([]models.Reservation, error)
	ListReservationsByProposal(ctx context.Context, proposalID string) ([]models.Reservation, error)
	LockActiveByProposal(ctx context.Context, proposalID string) ([]models.Reservation, error)
	TransitionReservation(ctx context.Context, id string, to models.ReservationStatus, at time.Time) (*models.Reservation, error)
	SumActiveReservedVolume(ctx context.Context, sku string, loc models.Location) (decimal.Decimal, error)
	ExpireDue(ctx context.Context, q ExpireQuery) ([]models.Reservation, error)
	CountByStatus(ctx context.Context) ([]models.StatusCount, error)

	IsEventProcessed(ctx context.Context, eventID string) (bool, error)
	MarkEventProcessed(ctx context.Context, eventID, eventType string) error

	RunInTx(ctx context.Context, fn func(tx Repository) error) error
}

type Store struct {
	db           *sqlx.DB
	q            sqlx.ExtContext
	tx           *sqlx.Tx
	queryTimeout time.Duration
}

var _ Repository = (*Store)(nil)

// Config holds the connection settings for the Postgres store
type Config struct {
	URL             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	QueryTimeout    time.Duration
}

// NewStore creates a new database store
func NewStore(cfg Config) (*Store, error) {
	db, err := sqlx.Connect("postgres", cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return NewFromDB(db, cfg.QueryTimeout), nil
}

// NewFromDB wraps an existing connection pool
func NewFromDB(db *sqlx.DB, queryTimeout time.Duration) *Store {
	return &Store{db: db, q: db, queryTimeout: queryTimeout}
}

// Close closes the database connection
func (s *Store) Close() error {
	return s.db.Close()
}

// GetDB returns the underlying database connection
func (s *Store) GetDB() *sqlx.DB {
	return s.db
}

// Ping checks that the database is reachable
func (s *Store) Ping(ctx context.Context) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	if err := s.db.PingContext(ctx); err != nil {
		return storageError("ping", err)
	}
	return nil
}

// Migrate applies the embedded goose migrations
func (s *Store) Migrate(ctx context.Context) error {
	goose.SetBaseFS(migrationsFS)
	defer goose.SetBaseFS(nil)

	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("set goose dialect: %w", err)
	}
	if err := goose.UpContext(ctx, s.db.DB, "migrations"); err != nil {
		return fmt.Errorf("goose up: %w", err)
	}
	return nil
}

// RunInTx runs fn inside a single database transaction. Calls made on a
// store that is already inside a transaction reuse it.
func (s *Store) RunInTx(ctx context.Context, fn func(tx Repository) error) error {
	return s.inTx(ctx, func(tx *Store) error { return fn(tx) })
}

func (s *Store) inTx(ctx context.Context, fn func(tx *Store) error) error {
	if s.tx != nil {
		return fn(s)
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return storageError("begin tx", err)
	}
	defer tx.Rollback()

	if err := fn(&Store{db: s.db, q: tx, tx: tx, queryTimeout: s.queryTimeout}); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return storageError("commit tx", err)
	}
	return nil
}

func (s *Store) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.queryTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, s.queryTimeout)
}

// IsEventProcessed checks if an event has been processed
func (s *Store) IsEventProcessed(ctx context.Context, eventID string) (bool, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	var exists bool
	err := sqlx.GetContext(ctx, s.q, &exists,
		"SELECT EXISTS(SELECT 1 FROM processed_events WHERE event_id = $1)", eventID)
	if err != nil {
		return false, storageError("check processed event", err)
	}
	return exists, nil
}

// MarkEventProcessed marks an event as processed
func (s *Store) MarkEventProcessed(ctx context.Context, eventID, eventType string) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	_, err := s.q.ExecContext(ctx,
		"INSERT INTO processed_events (event_id, event_type) VALUES ($1, $2) ON CONFLICT (event_id) DO NOTHING",
		eventID, eventType)
	return storageError("mark processed event", err)
}

// storageError turns transient infrastructure failures into
// StorageUnavailableError and wraps everything else with op.
func storageError(op string, err error) error {
	if err == nil {
		return nil
	}
	if isTransient(err) {
		return &apperrors.StorageUnavailableError{Op: op, Err: err}
	}
	return fmt.Errorf("%s: %w", op, err)
}

func isTransient(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, driver.ErrBadConn) ||
		errors.Is(err, sql.ErrConnDone) {
		return true
	}

	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code.Class() {
		// connection exception, insufficient resources, operator intervention,
		// transaction rollback (serialization failure, deadlock)
		case "08", "53", "57", "40":
			return true
		}
		return false
	}

	var netErr net.Error
	return errors.As(err, &netErr)
}
