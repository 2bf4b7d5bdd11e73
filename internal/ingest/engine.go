// Package ingest implements the status transition engine and the per-level
// ingest workflows behind the ingest API.
package ingest

import (
	"context"
	"time"

	"github.com/KeckObservatoryArchive/wmko-rti-interface/internal/config"
	"github.com/KeckObservatoryArchive/wmko-rti-interface/internal/store"
	"github.com/KeckObservatoryArchive/wmko-rti-interface/internal/validate"
	"github.com/KeckObservatoryArchive/wmko-rti-interface/pkg/models"
)

// Engine enforces which koa_status transitions are legal and applies them.
type Engine struct {
	store store.Store
	vocab *config.Vocabulary
	now   func() time.Time
}

func NewEngine(st store.Store, vocab *config.Vocabulary, now func() time.Time) *Engine {
	if now == nil {
		now = time.Now
	}
	return &Engine{store: st, vocab: vocab, now: now}
}

// timestamp is the current time at the precision the status table keeps.
func (e *Engine) timestamp() time.Time {
	return e.now().UTC().Truncate(time.Second)
}

// FetchUnique returns the only row for (koaid, instrument, level). Zero or
// several rows is a Consistency error.
func (e *Engine) FetchUnique(ctx context.Context, koaid, instrument string, level models.Level) (*models.StatusRecord, error) {
	recs, err := e.store.FindStatus(ctx, koaid, instrument, level)
	if err != nil {
		return nil, newError(Store, err, "Database query error")
	}
	if len(recs) != 1 {
		return nil, newError(Consistency, nil, "lev%d koaid is missing or should be unique (%d rows for %s)", int(level), len(recs), koaid)
	}
	return recs[0], nil
}

// AcceptTransition checks that rec may take the requested completion status.
func (e *Engine) AcceptTransition(rec *models.StatusRecord, requested models.Status, reingest bool) error {
	if requested != models.StatusComplete && requested != models.StatusError {
		return newError(Rejected, nil, "requested status (%s) is not a completion status", requested)
	}
	if !e.vocab.Accepts(rec.Status) {
		return newError(Rejected, nil, "current status (%s) does not allow request", rec.Status)
	}
	if !reingest && rec.Responded() {
		return newError(Rejected, nil, "ipac_response_time already exists, use reingest=true to replace")
	}
	return nil
}

// ApplyUpdate writes a completion to rec. The write only lands if the row
// still has the status and response time rec was read with; otherwise it is
// a Conflict.
func (e *Engine) ApplyUpdate(ctx context.Context, rec *models.StatusRecord, status models.Status, metrics map[string]string, message string) error {
	u := store.CompletionUpdate{
		KOAID:            rec.KOAID,
		Level:            rec.Level,
		ObservedStatus:   rec.Status,
		ObservedResponse: rec.IPACResponseTime,
		Status:           status,
		Message:          message,
		Metrics:          make(map[string]time.Time, len(metrics)),
		Now:              e.timestamp(),
	}
	for col, v := range metrics {
		if v == "" {
			continue
		}
		t, err := time.Parse(validate.MetricsLayout, v)
		if err != nil {
			return newError(Rejected, err, "incorrect format for metrics key %s", col)
		}
		u.Metrics[col] = t
	}

	n, err := e.store.CompleteStatus(ctx, u)
	switch {
	case err != nil:
		return newError(Store, err, "Database query error")
	case n == 0:
		return newError(Conflict, nil, "%s changed while updating, request not applied", rec.KOAID)
	case n > 1:
		return newError(Consistency, nil, "error updating ipac_response_time (%d rows for %s)", n, rec.KOAID)
	}

	rec.Status = status
	rec.StatusCodeIPAC = message
	rec.IPACResponseTime = &u.Now
	return nil
}

// Complete runs fetch, accept and apply for one koaid. The returned record
// reflects the update when err is nil.
func (e *Engine) Complete(ctx context.Context, koaid, instrument string, level models.Level, req *validate.Request) (*models.StatusRecord, error) {
	rec, err := e.FetchUnique(ctx, koaid, instrument, level)
	if err != nil {
		return nil, err
	}
	if err := e.AcceptTransition(rec, req.Status, req.Reingest); err != nil {
		return rec, err
	}
	if err := e.ApplyUpdate(ctx, rec, req.Status, req.Metrics, req.CompletionMessage()); err != nil {
		return rec, err
	}
	return rec, nil
}
