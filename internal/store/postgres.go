package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/KeckObservatoryArchive/wmko-rti-interface/pkg/models"
)

// PostgresStore implements the Store interface using pgx/v5.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgresStore.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Ping checks database connectivity.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// --- Status records ---

func (s *PostgresStore) FindStatus(ctx context.Context, koaid, instrument string, level models.Level) ([]*models.StatusRecord, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+statusColumns+` FROM koa_status
		 WHERE koaid = $1 AND instrument = $2 AND level = $3 ORDER BY id`,
		koaid, instrument, int(level))
	if err != nil {
		return nil, fmt.Errorf("find status: %w", err)
	}
	defer rows.Close()

	var recs []*models.StatusRecord
	for rows.Next() {
		r, err := scanPostgresStatus(rows)
		if err != nil {
			return nil, fmt.Errorf("scan status: %w", err)
		}
		recs = append(recs, r)
	}
	return recs, rows.Err()
}

func scanPostgresStatus(row pgx.Row) (*models.StatusRecord, error) {
	var (
		r     models.StatusRecord
		level int
	)
	err := row.Scan(&r.ID, &r.KOAID, &r.Instrument, &level, &r.Service, &r.Status, &r.StatusCode, &r.StatusCodeIPAC,
		&r.SemID, &r.OFName, &r.StageFile, &r.ProcessDir, &r.ArchiveDir, &r.FileSizeMB, &r.ArchSizeMB,
		&r.CreationTime, &r.DepStartTime, &r.DepEndTime, &r.XfrStartTime, &r.XfrEndTime,
		&r.IPACNotifyTime, &r.IPACResponseTime,
		&r.IngestStartTime, &r.IngestCopyStartTime, &r.IngestCopyEndTime, &r.IngestEndTime, &r.LastMod)
	if err != nil {
		return nil, err
	}
	r.Level = models.Level(level)
	return &r, nil
}

func (s *PostgresStore) ListKOAIDs(ctx context.Context, instrument string, level models.Level, utdate string) ([]string, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT koaid FROM koa_status
		 WHERE instrument = $1 AND level = $2 AND koaid LIKE $3 ORDER BY koaid`,
		instrument, int(level), koaidDatePattern(utdate))
	if err != nil {
		return nil, fmt.Errorf("list koaids: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan koaid: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *PostgresStore) CompleteStatus(ctx context.Context, u CompletionUpdate) (int64, error) {
	query := `UPDATE koa_status SET status = $5, status_code_ipac = $6, ipac_response_time = $7, last_mod = $7`
	args := []any{u.KOAID, int(u.Level), string(u.ObservedStatus), u.ObservedResponse,
		string(u.Status), u.Message, u.Now}
	argIdx := 8

	for _, col := range metricColumns(u.Metrics) {
		query += fmt.Sprintf(", %s = $%d", col, argIdx)
		args = append(args, u.Metrics[col])
		argIdx++
	}

	query += ` WHERE koaid = $1 AND level = $2 AND status = $3
		AND ipac_response_time IS NOT DISTINCT FROM $4::timestamp`

	tag, err := s.pool.Exec(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("complete status: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (s *PostgresStore) InsertStatus(ctx context.Context, rec *models.StatusRecord) error {
	err := s.pool.QueryRow(ctx,
		`INSERT INTO koa_status (koaid, instrument, level, service, status, semid, process_dir, creation_time, last_mod)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $8) RETURNING id, last_mod`,
		rec.KOAID, rec.Instrument, int(rec.Level), rec.Service, string(rec.Status), rec.SemID,
		rec.ProcessDir, rec.CreationTime,
	).Scan(&rec.ID, &rec.LastMod)
	if err != nil {
		if isDuplicateKeyError(err) {
			return ErrDuplicateKey
		}
		return fmt.Errorf("insert status: %w", err)
	}
	return nil
}

// Requeue copies the current row to koa_status_history and resets it in one
// transaction. Nothing is committed unless exactly one row was reset.
func (s *PostgresStore) Requeue(ctx context.Context, u RequeueUpdate) (n int64, err error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("begin requeue: %w", err)
	}
	defer func() {
		if err != nil || n != 1 {
			_ = tx.Rollback(ctx)
		}
	}()

	_, err = tx.Exec(ctx,
		`INSERT INTO koa_status_history (`+historyColumns+`)
		 SELECT `+historyColumns+` FROM koa_status
		 WHERE koaid = $1 AND instrument = $2 AND level = $3 AND status = $4`,
		u.KOAID, u.Instrument, int(u.Level), string(u.ObservedStatus))
	if err != nil {
		return 0, fmt.Errorf("copy status history: %w", err)
	}

	tag, err := tx.Exec(ctx,
		`UPDATE koa_status SET status = $5, process_dir = $6, creation_time = $7, last_mod = $7, `+requeueReset+`
		 WHERE koaid = $1 AND instrument = $2 AND level = $3 AND status = $4`,
		u.KOAID, u.Instrument, int(u.Level), string(u.ObservedStatus),
		string(u.Status), u.ProcessDir, u.Now)
	if err != nil {
		return 0, fmt.Errorf("requeue status: %w", err)
	}
	n = tag.RowsAffected()
	if n != 1 {
		return n, nil
	}

	if err = tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("commit requeue: %w", err)
	}
	return n, nil
}

func (s *PostgresStore) QueueWaiting(ctx context.Context, instrument string, level models.Level, utdate string) (int64, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE koa_status SET status = $4, last_mod = NOW()
		 WHERE instrument = $1 AND level = $2 AND koaid LIKE $3 AND status = $5`,
		instrument, int(level), koaidDatePattern(utdate),
		string(models.StatusQueued), string(models.StatusWaiting))
	if err != nil {
		return 0, fmt.Errorf("queue waiting: %w", err)
	}
	return tag.RowsAffected(), nil
}

// --- PI notifications ---

func (s *PostgresStore) GetPINotify(ctx context.Context, key models.PiNotifyKey) (*models.PiNotifyRecord, error) {
	var (
		r     models.PiNotifyRecord
		level int
	)
	err := s.pool.QueryRow(ctx,
		`SELECT id, semid, instrument, utdate, level, pi_email, last_mod FROM koa_pi_notify
		 WHERE semid = $1 AND instrument = $2 AND utdate = $3 AND level = $4`,
		key.SemID, key.Instrument, key.UTDate, int(key.Level),
	).Scan(&r.ID, &r.SemID, &r.Instrument, &r.UTDate, &level, &r.PIEmail, &r.LastMod)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get pi notify: %w", err)
	}
	r.Level = models.Level(level)
	return &r, nil
}

func (s *PostgresStore) InsertPINotify(ctx context.Context, rec *models.PiNotifyRecord) error {
	err := s.pool.QueryRow(ctx,
		`INSERT INTO koa_pi_notify (semid, instrument, utdate, level, pi_email, last_mod)
		 VALUES ($1, $2, $3, $4, $5, $6) RETURNING id`,
		rec.SemID, rec.Instrument, rec.UTDate, int(rec.Level), rec.PIEmail, rec.LastMod,
	).Scan(&rec.ID)
	if err != nil {
		if isDuplicateKeyError(err) {
			return ErrDuplicateKey
		}
		return fmt.Errorf("insert pi notify: %w", err)
	}
	return nil
}

// isDuplicateKeyError checks if a pgx error is a unique constraint violation.
func isDuplicateKeyError(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505" // unique_violation
	}
	return false
}

var _ Store = (*PostgresStore)(nil)

