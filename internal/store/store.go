package store

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/KeckObservatoryArchive/wmko-rti-interface/pkg/models"
)

var ErrNotFound = errors.New("resource not found")
var ErrDuplicateKey = errors.New("duplicate key violation")

// Store is the data access interface. All database operations go through here.
//
// Update methods return the number of affected rows; callers decide what a
// count other than one means.
type Store interface {
	Ping(ctx context.Context) error

	FindStatus(ctx context.Context, koaid, instrument string, level models.Level) ([]*models.StatusRecord, error)
	ListKOAIDs(ctx context.Context, instrument string, level models.Level, utdate string) ([]string, error)
	CompleteStatus(ctx context.Context, u CompletionUpdate) (int64, error)
	InsertStatus(ctx context.Context, rec *models.StatusRecord) error
	Requeue(ctx context.Context, u RequeueUpdate) (int64, error)
	QueueWaiting(ctx context.Context, instrument string, level models.Level, utdate string) (int64, error)

	GetPINotify(ctx context.Context, key models.PiNotifyKey) (*models.PiNotifyRecord, error)
	InsertPINotify(ctx context.Context, rec *models.PiNotifyRecord) error
}

// CompletionUpdate records an archive center's verdict on one row. The update
// only applies while the row still has ObservedStatus and ObservedResponse.
type CompletionUpdate struct {
	KOAID            string
	Level            models.Level
	ObservedStatus   models.Status
	ObservedResponse *time.Time

	Status  models.Status
	Message string
	// Metrics maps metric column names to timestamps. Unknown names are ignored.
	Metrics map[string]time.Time
	Now     time.Time
}

// RequeueUpdate resets an existing row for a new DRP run after copying it to
// koa_status_history.
type RequeueUpdate struct {
	KOAID          string
	Instrument     string
	Level          models.Level
	ObservedStatus models.Status

	Status     models.Status
	ProcessDir string
	Now        time.Time
}

// koaidDatePattern matches koaids from one UT date (YYYY-MM-DD) in a LIKE clause.
func koaidDatePattern(utdate string) string {
	return "%." + strings.ReplaceAll(utdate, "-", "") + ".%"
}

// metricColumns returns the known metric columns present in m, in table order.
func metricColumns(m map[string]time.Time) []string {
	cols := make([]string, 0, len(m))
	for _, c := range models.MetricColumns {
		if _, ok := m[c]; ok {
			cols = append(cols, c)
		}
	}
	return cols
}

const statusColumns = `id, koaid, instrument, level, service, status, status_code, status_code_ipac,
	semid, ofname, stage_file, process_dir, archive_dir, filesize_mb, archsize_mb,
	creation_time, dep_start_time, dep_end_time, xfr_start_time, xfr_end_time,
	ipac_notify_time, ipac_response_time,
	ingest_start_time, ingest_copy_start_time, ingest_copy_end_time, ingest_end_time, last_mod`

// historyColumns are copied verbatim into koa_status_history.
const historyColumns = `koaid, instrument, level, service, status, status_code, status_code_ipac,
	semid, ofname, stage_file, process_dir, archive_dir, filesize_mb, archsize_mb,
	creation_time, dep_start_time, dep_end_time, xfr_start_time, xfr_end_time,
	ipac_notify_time, ipac_response_time,
	ingest_start_time, ingest_copy_start_time, ingest_copy_end_time, ingest_end_time, last_mod`

// requeueReset is the SET list clearing per-run state on requeue.
const requeueReset = `status_code = '', status_code_ipac = '', archive_dir = '',
	ipac_notify_time = NULL, ipac_response_time = NULL,
	ingest_start_time = NULL, ingest_copy_start_time = NULL, ingest_copy_end_time = NULL, ingest_end_time = NULL,
	dep_start_time = NULL, dep_end_time = NULL, xfr_start_time = NULL, xfr_end_time = NULL,
	filesize_mb = NULL, archsize_mb = NULL`
