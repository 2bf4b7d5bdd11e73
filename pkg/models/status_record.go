// Package models contains the records shared by the ingest workflows and the store.
package models

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Status is the lifecycle state of one koa_status row.
type Status string

const (
	StatusWaiting     Status = "WAITING"
	StatusQueued      Status = "QUEUED"
	StatusProcessing  Status = "PROCESSING"
	StatusTransferred Status = "TRANSFERRED"
	StatusComplete    Status = "COMPLETE"
	StatusError       Status = "ERROR"
	StatusInvalid     Status = "INVALID"
	StatusWarn        Status = "WARN"
)

// Level is the archival processing level of a data product.
type Level int

const (
	Level0 Level = 0
	Level1 Level = 1
	Level2 Level = 2
)

// Tag returns the ingesttype form of the level, e.g. "lev1".
func (l Level) Tag() string {
	return fmt.Sprintf("lev%d", int(l))
}

// ParseLevelTag converts an ingesttype tag ("lev0", "2", ...) into a Level.
func ParseLevelTag(tag string) (Level, bool) {
	n, err := strconv.Atoi(strings.TrimPrefix(strings.ToLower(tag), "lev"))
	if err != nil || n < 0 {
		return 0, false
	}
	return Level(n), true
}

// ServiceDRP marks rows created by a data reduction pipeline call.
const ServiceDRP = "DRP"

// MetricColumns are the koa_status timestamp columns an archive center may
// report through the metrics payload.
var MetricColumns = []string{
	"ingest_start_time",
	"ingest_copy_start_time",
	"ingest_copy_end_time",
	"ingest_end_time",
}

// IsMetricColumn reports whether name is one of MetricColumns.
func IsMetricColumn(name string) bool {
	for _, c := range MetricColumns {
		if c == name {
			return true
		}
	}
	return false
}

// StatusRecord is one koa_status row: a single observation at a single level.
// At most one row exists per (KOAID, Level).
type StatusRecord struct {
	ID             int64    `db:"id"               json:"id"`
	KOAID          string   `db:"koaid"            json:"koaid"`
	Instrument     string   `db:"instrument"       json:"instrument"`
	Level          Level    `db:"level"            json:"level"`
	Service        string   `db:"service"          json:"service,omitempty"`
	Status         Status   `db:"status"           json:"status"`
	StatusCode     string   `db:"status_code"      json:"status_code,omitempty"`
	StatusCodeIPAC string   `db:"status_code_ipac" json:"status_code_ipac,omitempty"`
	SemID          string   `db:"semid"            json:"semid,omitempty"`
	OFName         string   `db:"ofname"           json:"ofname,omitempty"`
	StageFile      string   `db:"stage_file"       json:"stage_file,omitempty"`
	ProcessDir     string   `db:"process_dir"      json:"process_dir,omitempty"`
	ArchiveDir     string   `db:"archive_dir"      json:"archive_dir,omitempty"`
	FileSizeMB     *float64 `db:"filesize_mb"      json:"filesize_mb,omitempty"`
	ArchSizeMB     *float64 `db:"archsize_mb"      json:"archsize_mb,omitempty"`

	CreationTime     *time.Time `db:"creation_time"      json:"creation_time,omitempty"`
	DepStartTime     *time.Time `db:"dep_start_time"     json:"dep_start_time,omitempty"`
	DepEndTime       *time.Time `db:"dep_end_time"       json:"dep_end_time,omitempty"`
	XfrStartTime     *time.Time `db:"xfr_start_time"     json:"xfr_start_time,omitempty"`
	XfrEndTime       *time.Time `db:"xfr_end_time"       json:"xfr_end_time,omitempty"`
	IPACNotifyTime   *time.Time `db:"ipac_notify_time"   json:"ipac_notify_time,omitempty"`
	IPACResponseTime *time.Time `db:"ipac_response_time" json:"ipac_response_time,omitempty"`

	IngestStartTime     *time.Time `db:"ingest_start_time"      json:"ingest_start_time,omitempty"`
	IngestCopyStartTime *time.Time `db:"ingest_copy_start_time" json:"ingest_copy_start_time,omitempty"`
	IngestCopyEndTime   *time.Time `db:"ingest_copy_end_time"   json:"ingest_copy_end_time,omitempty"`
	IngestEndTime       *time.Time `db:"ingest_end_time"        json:"ingest_end_time,omitempty"`

	LastMod time.Time `db:"last_mod" json:"last_mod"`
}

// Responded reports whether the archive center has already answered for this row.
func (r *StatusRecord) Responded() bool {
	return r.IPACResponseTime != nil
}

// UTDate returns the YYYY-MM-DD date encoded in a koaid such as
// KB.20230115.45000.50.
func UTDate(koaid string) (string, bool) {
	parts := strings.Split(koaid, ".")
	if len(parts) < 2 || len(parts[1]) != 8 {
		return "", false
	}
	d := parts[1]
	if _, err := time.Parse("20060102", d); err != nil {
		return "", false
	}
	return d[0:4] + "-" + d[4:6] + "-" + d[6:8], true
}
