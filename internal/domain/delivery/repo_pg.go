package delivery

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ehr/hl7bridge/internal/platform/db"
)

//go:embed migrations/*.sql
var migrationFiles embed.FS

// Migrations returns the journal schema migrations.
func Migrations() fs.FS {
	sub, err := fs.Sub(migrationFiles, "migrations")
	if err != nil {
		panic(err)
	}
	return sub
}

type pgRepository struct{ pool *pgxpool.Pool }

// NewPGRepository returns an AttemptRepository backed by Postgres.
func NewPGRepository(pool *pgxpool.Pool) AttemptRepository {
	return &pgRepository{pool: pool}
}

// Migrate applies pending journal migrations and returns how many ran.
func Migrate(ctx context.Context, pool *pgxpool.Pool) (int, error) {
	n, err := db.NewMigrator(pool, Migrations()).Up(ctx)
	if err != nil {
		return n, fmt.Errorf("migrate delivery journal: %w", err)
	}
	return n, nil
}

const attemptCols = `id, control_id, message_type, payload_index, payload_count, bundle_id,
	endpoint, status, error, duration_ms, created_at`

func scanAttempt(row pgx.Row) (*Attempt, error) {
	var (
		a     Attempt
		errS  *string
		durMS int64
	)
	err := row.Scan(&a.ID, &a.ControlID, &a.MessageType, &a.PayloadIndex, &a.PayloadCount,
		&a.BundleID, &a.Endpoint, &a.Status, &errS, &durMS, &a.CreatedAt)
	if err != nil {
		return nil, err
	}
	if errS != nil {
		a.Error = *errS
	}
	a.Duration = time.Duration(durMS) * time.Millisecond
	return &a, nil
}

func (r *pgRepository) Record(ctx context.Context, a *Attempt) error {
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}
	var errS *string
	if a.Error != "" {
		errS = &a.Error
	}
	_, err := r.pool.Exec(ctx, `
		INSERT INTO hl7_delivery_attempt (`+attemptCols+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)`,
		a.ID, a.ControlID, a.MessageType, a.PayloadIndex, a.PayloadCount, a.BundleID,
		a.Endpoint, a.Status, errS, a.Duration.Milliseconds(), a.CreatedAt)
	return err
}

func (r *pgRepository) GetByID(ctx context.Context, id uuid.UUID) (*Attempt, error) {
	a, err := scanAttempt(r.pool.QueryRow(ctx, `SELECT `+attemptCols+` FROM hl7_delivery_attempt WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	return a, err
}

func (r *pgRepository) List(ctx context.Context, f Filter, limit, offset int) ([]*Attempt, int, error) {
	where, args := f.sql()

	var total int
	if err := r.pool.QueryRow(ctx, `SELECT COUNT(*) FROM hl7_delivery_attempt`+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	args = append(args, limit, offset)
	rows, err := r.pool.Query(ctx, fmt.Sprintf(`SELECT %s FROM hl7_delivery_attempt%s ORDER BY created_at DESC LIMIT $%d OFFSET $%d`,
		attemptCols, where, len(args)-1, len(args)), args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var items []*Attempt
	for rows.Next() {
		a, err := scanAttempt(rows)
		if err != nil {
			return nil, 0, err
		}
		items = append(items, a)
	}
	return items, total, rows.Err()
}

// sql renders the filter as a WHERE clause with positional arguments.
func (f Filter) sql() (string, []interface{}) {
	var (
		conds []string
		args  []interface{}
	)
	if f.ControlID != "" {
		args = append(args, f.ControlID)
		conds = append(conds, fmt.Sprintf("control_id = $%d", len(args)))
	}
	if f.Status != "" {
		args = append(args, f.Status)
		conds = append(conds, fmt.Sprintf("status = $%d", len(args)))
	}
	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}
