package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"modernc.org/sqlite" // pure go sqlite driver
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/KeckObservatoryArchive/wmko-rti-interface/migrations"
	"github.com/KeckObservatoryArchive/wmko-rti-interface/pkg/models"
)

// sqliteTimeLayout is how timestamps are stored in SQLite TEXT columns.
const sqliteTimeLayout = "2006-01-02 15:04:05"

// SQLiteStore implements the Store interface on a single SQLite file. It
// serves development and test deployments.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLite opens (creating if needed) the database at path and applies any
// pending migrations from migrations/sqlite.
func OpenSQLite(ctx context.Context, path string) (*SQLiteStore, error) {
	if path == "" {
		path = "koa_status.db"
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o750); err != nil && !errors.Is(err, os.ErrExist) {
			return nil, fmt.Errorf("create dirs: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// One writer at a time; SQLite serializes writes anyway.
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	if err := migrateSQLite(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &SQLiteStore{db: db}, nil
}

// migrateSQLite runs the embedded SQLite migrations on db. The migrate
// instance is not closed: closing it would close db.
func migrateSQLite(db *sql.DB) error {
	src, err := iofs.New(migrations.SQLite, "sqlite")
	if err != nil {
		return fmt.Errorf("load sqlite migrations: %w", err)
	}
	drv, err := migratesqlite.WithInstance(db, &migratesqlite.Config{})
	if err != nil {
		return fmt.Errorf("init sqlite migrations: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "sqlite", drv)
	if err != nil {
		return fmt.Errorf("init sqlite migrations: %w", err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("run sqlite migrations: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLiteStore) FindStatus(ctx context.Context, koaid, instrument string, level models.Level) ([]*models.StatusRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+statusColumns+` FROM koa_status
		 WHERE koaid = ? AND instrument = ? AND level = ? ORDER BY id`,
		koaid, instrument, int(level))
	if err != nil {
		return nil, fmt.Errorf("find status: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var recs []*models.StatusRecord
	for rows.Next() {
		r, err := scanSQLiteStatus(rows)
		if err != nil {
			return nil, fmt.Errorf("scan status: %w", err)
		}
		recs = append(recs, r)
	}
	return recs, rows.Err()
}

func scanSQLiteStatus(rows *sql.Rows) (*models.StatusRecord, error) {
	var (
		r                  models.StatusRecord
		level              int
		status             string
		fileSize, archSize sql.NullFloat64
		times              [11]sql.NullString
		lastMod            string
	)
	err := rows.Scan(&r.ID, &r.KOAID, &r.Instrument, &level, &r.Service, &status, &r.StatusCode, &r.StatusCodeIPAC,
		&r.SemID, &r.OFName, &r.StageFile, &r.ProcessDir, &r.ArchiveDir, &fileSize, &archSize,
		&times[0], &times[1], &times[2], &times[3], &times[4],
		&times[5], &times[6],
		&times[7], &times[8], &times[9], &times[10], &lastMod)
	if err != nil {
		return nil, err
	}
	r.Level = models.Level(level)
	r.Status = models.Status(status)
	r.FileSizeMB = nullFloat(fileSize)
	r.ArchSizeMB = nullFloat(archSize)

	targets := []**time.Time{
		&r.CreationTime, &r.DepStartTime, &r.DepEndTime, &r.XfrStartTime, &r.XfrEndTime,
		&r.IPACNotifyTime, &r.IPACResponseTime,
		&r.IngestStartTime, &r.IngestCopyStartTime, &r.IngestCopyEndTime, &r.IngestEndTime,
	}
	for i, dst := range targets {
		t, err := parseNullTime(times[i])
		if err != nil {
			return nil, err
		}
		*dst = t
	}
	if r.LastMod, err = time.Parse(sqliteTimeLayout, lastMod); err != nil {
		return nil, fmt.Errorf("parse last_mod: %w", err)
	}
	return &r, nil
}

func (s *SQLiteStore) ListKOAIDs(ctx context.Context, instrument string, level models.Level, utdate string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT koaid FROM koa_status
		 WHERE instrument = ? AND level = ? AND koaid LIKE ? ORDER BY koaid`,
		instrument, int(level), koaidDatePattern(utdate))
	if err != nil {
		return nil, fmt.Errorf("list koaids: %w", err)
	}
	defer func() { _ = rows.Close() }()

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

func (s *SQLiteStore) CompleteStatus(ctx context.Context, u CompletionUpdate) (int64, error) {
	now := formatTime(u.Now)
	var b strings.Builder
	b.WriteString(`UPDATE koa_status SET status = ?, status_code_ipac = ?, ipac_response_time = ?, last_mod = ?`)
	args := []any{string(u.Status), u.Message, now, now}

	for _, col := range metricColumns(u.Metrics) {
		fmt.Fprintf(&b, ", %s = ?", col)
		args = append(args, formatTime(u.Metrics[col]))
	}

	b.WriteString(` WHERE koaid = ? AND level = ? AND status = ? AND ipac_response_time IS ?`)
	args = append(args, u.KOAID, int(u.Level), string(u.ObservedStatus), formatNullTime(u.ObservedResponse))

	res, err := s.db.ExecContext(ctx, b.String(), args...)
	if err != nil {
		return 0, fmt.Errorf("complete status: %w", err)
	}
	return res.RowsAffected()
}

func (s *SQLiteStore) InsertStatus(ctx context.Context, rec *models.StatusRecord) error {
	now := time.Now().UTC().Truncate(time.Second)
	if rec.CreationTime != nil {
		now = *rec.CreationTime
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO koa_status (koaid, instrument, level, service, status, semid, process_dir, creation_time, last_mod)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.KOAID, rec.Instrument, int(rec.Level), rec.Service, string(rec.Status), rec.SemID,
		rec.ProcessDir, formatNullTime(rec.CreationTime), formatTime(now))
	if err != nil {
		if isSQLiteConstraintError(err) {
			return ErrDuplicateKey
		}
		return fmt.Errorf("insert status: %w", err)
	}
	if rec.ID, err = res.LastInsertId(); err != nil {
		return fmt.Errorf("insert status id: %w", err)
	}
	rec.LastMod = now
	return nil
}

func (s *SQLiteStore) Requeue(ctx context.Context, u RequeueUpdate) (n int64, err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin requeue: %w", err)
	}
	defer func() {
		if err != nil || n != 1 {
			_ = tx.Rollback()
		}
	}()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO koa_status_history (`+historyColumns+`)
		 SELECT `+historyColumns+` FROM koa_status
		 WHERE koaid = ? AND instrument = ? AND level = ? AND status = ?`,
		u.KOAID, u.Instrument, int(u.Level), string(u.ObservedStatus))
	if err != nil {
		return 0, fmt.Errorf("copy status history: %w", err)
	}

	now := formatTime(u.Now)
	res, err := tx.ExecContext(ctx,
		`UPDATE koa_status SET status = ?, process_dir = ?, creation_time = ?, last_mod = ?, `+requeueReset+`
		 WHERE koaid = ? AND instrument = ? AND level = ? AND status = ?`,
		string(u.Status), u.ProcessDir, now, now,
		u.KOAID, u.Instrument, int(u.Level), string(u.ObservedStatus))
	if err != nil {
		return 0, fmt.Errorf("requeue status: %w", err)
	}
	if n, err = res.RowsAffected(); err != nil {
		return 0, fmt.Errorf("requeue status: %w", err)
	}
	if n != 1 {
		return n, nil
	}

	if err = tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit requeue: %w", err)
	}
	return n, nil
}

func (s *SQLiteStore) QueueWaiting(ctx context.Context, instrument string, level models.Level, utdate string) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE koa_status SET status = ?, last_mod = ?
		 WHERE instrument = ? AND level = ? AND koaid LIKE ? AND status = ?`,
		string(models.StatusQueued), formatTime(time.Now().UTC()),
		instrument, int(level), koaidDatePattern(utdate), string(models.StatusWaiting))
	if err != nil {
		return 0, fmt.Errorf("queue waiting: %w", err)
	}
	return res.RowsAffected()
}

func (s *SQLiteStore) GetPINotify(ctx context.Context, key models.PiNotifyKey) (*models.PiNotifyRecord, error) {
	var (
		r       models.PiNotifyRecord
		level   int
		lastMod string
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, semid, instrument, utdate, level, pi_email, last_mod FROM koa_pi_notify
		 WHERE semid = ? AND instrument = ? AND utdate = ? AND level = ?`,
		key.SemID, key.Instrument, key.UTDate, int(key.Level),
	).Scan(&r.ID, &r.SemID, &r.Instrument, &r.UTDate, &level, &r.PIEmail, &lastMod)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get pi notify: %w", err)
	}
	r.Level = models.Level(level)
	if r.LastMod, err = time.Parse(sqliteTimeLayout, lastMod); err != nil {
		return nil, fmt.Errorf("parse last_mod: %w", err)
	}
	return &r, nil
}

func (s *SQLiteStore) InsertPINotify(ctx context.Context, rec *models.PiNotifyRecord) error {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO koa_pi_notify (semid, instrument, utdate, level, pi_email, last_mod)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		rec.SemID, rec.Instrument, rec.UTDate, int(rec.Level), rec.PIEmail, formatTime(rec.LastMod))
	if err != nil {
		if isSQLiteConstraintError(err) {
			return ErrDuplicateKey
		}
		return fmt.Errorf("insert pi notify: %w", err)
	}
	if rec.ID, err = res.LastInsertId(); err != nil {
		return fmt.Errorf("insert pi notify id: %w", err)
	}
	return nil
}

// isSQLiteConstraintError checks if a driver error is a unique index violation.
func isSQLiteConstraintError(err error) bool {
	var sqlErr *sqlite.Error
	if errors.As(err, &sqlErr) {
		return sqlErr.Code() == sqlite3.SQLITE_CONSTRAINT_UNIQUE
	}
	return false
}

func formatTime(t time.Time) string {
	return t.UTC().Format(sqliteTimeLayout)
}

func formatNullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}

func parseNullTime(ns sql.NullString) (*time.Time, error) {
	if !ns.Valid || ns.String == "" {
		return nil, nil
	}
	t, err := time.Parse(sqliteTimeLayout, ns.String)
	if err != nil {
		return nil, fmt.Errorf("parse time %q: %w", ns.String, err)
	}
	return &t, nil
}

func nullFloat(nf sql.NullFloat64) *float64 {
	if !nf.Valid {
		return nil
	}
	v := nf.Float64
	return &v
}

var _ Store = (*SQLiteStore)(nil)
