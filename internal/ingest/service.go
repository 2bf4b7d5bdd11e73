package ingest

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path"
	"strings"
	"time"

	"github.com/KeckObservatoryArchive/wmko-rti-interface/internal/alert"
	"github.com/KeckObservatoryArchive/wmko-rti-interface/internal/config"
	"github.com/KeckObservatoryArchive/wmko-rti-interface/internal/metrics"
	"github.com/KeckObservatoryArchive/wmko-rti-interface/internal/notify"
	"github.com/KeckObservatoryArchive/wmko-rti-interface/internal/store"
	"github.com/KeckObservatoryArchive/wmko-rti-interface/internal/validate"
	"github.com/KeckObservatoryArchive/wmko-rti-interface/pkg/models"
)

// TestOnlyMessage is returned for testonly=true calls.
const TestOnlyMessage = "testonly=true, no changes were made"

// Notifier emails the PI after a successful completion.
type Notifier interface {
	NotifyPI(ctx context.Context, rec *models.StatusRecord, requested models.Status, dev bool) notify.Outcome
}

// Alerter escalates store failures to administrators.
type Alerter interface {
	Alert(ctx context.Context, a alert.Alert) bool
}

// ItemResult is the outcome for one koaid of a multi-koaid call.
type ItemResult struct {
	KOAID     string        `json:"koaid"`
	APIStatus models.Status `json:"apiStatus"`
	Error     string        `json:"error,omitempty"`
}

// Result is the outcome of one ingest call.
type Result struct {
	APIStatus     models.Status `json:"apiStatus"`
	Errors        []string      `json:"ingestErrors"`
	StatusMessage string        `json:"statusMessage,omitempty"`
	Items         []ItemResult  `json:"items,omitempty"`
}

func (r *Result) addError(msg string) {
	r.Errors = append(r.Errors, msg)
}

func (r *Result) finish() *Result {
	if len(r.Errors) == 0 {
		r.APIStatus = models.StatusComplete
	} else {
		r.APIStatus = models.StatusError
	}
	return r
}

// Service runs the per-level ingest workflows against one store.
type Service struct {
	engine   *Engine
	store    store.Store
	vocab    *config.Vocabulary
	notifier Notifier
	alerter  Alerter
	metrics  *metrics.Metrics
	now      func() time.Time
	dirFS    func(dir string) fs.FS
}

// Option configures a Service.
type Option func(*Service)

func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// WithDirFS replaces the filesystem used for DRP directory scans.
func WithDirFS(open func(dir string) fs.FS) Option {
	return func(s *Service) { s.dirFS = open }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

func NewService(st store.Store, vocab *config.Vocabulary, notifier Notifier, alerter Alerter, opts ...Option) *Service {
	s := &Service{
		store:    st,
		vocab:    vocab,
		notifier: notifier,
		alerter:  alerter,
		now:      time.Now,
		dirFS:    os.DirFS,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.engine = NewEngine(st, vocab, s.now)
	return s
}

// Ingest executes a validated request. Invalid requests are answered with
// their validation errors and never reach the store.
func (s *Service) Ingest(ctx context.Context, req *validate.Request) *Result {
	res := &Result{Errors: []string{}}

	slog.Info("ingest request",
		"ingesttype", req.LevelTag,
		"instrument", req.Instrument,
		"koaid", req.KOAID,
		"utdate", req.UTDate,
		"status", string(req.Status),
		"reingest", req.Reingest,
		"dev", req.Dev,
	)

	switch {
	case !req.OK():
		res.Errors = append(res.Errors, req.Errors...)
	case req.TestOnly:
		res.StatusMessage = TestOnlyMessage
	default:
		s.dispatch(ctx, req, res)
	}
	res.finish()

	s.metrics.IngestRequest(req.LevelTag, string(res.APIStatus))
	slog.Info("ingest result",
		"ingesttype", req.LevelTag,
		"koaid", req.KOAID,
		"api_status", string(res.APIStatus),
		"errors", len(res.Errors),
		"status_message", res.StatusMessage,
	)
	return res
}

func (s *Service) dispatch(ctx context.Context, req *validate.Request, res *Result) {
	switch req.Level {
	case models.Level0:
		s.completeOne(ctx, req, req.KOAID, res)
	case models.Level1:
		if req.HasStatus() {
			s.completion(ctx, req, res)
			return
		}
		s.queueOne(ctx, req, req.KOAID, models.StatusQueued, res)
	case models.Level2:
		if req.HasStatus() {
			s.completion(ctx, req, res)
			return
		}
		s.lev2DRP(ctx, req, res)
	default:
		res.addError(fmt.Sprintf("ingesttype %s is not supported", req.LevelTag))
	}
}

// completion handles archive-center calls for lev1 and lev2.
func (s *Service) completion(ctx context.Context, req *validate.Request, res *Result) {
	switch {
	case req.KOAID != "":
		s.completeOne(ctx, req, req.KOAID, res)
	case req.UTDate != "" && len(req.Metrics) > 0:
		s.completeBatch(ctx, req, res)
	case req.UTDate != "":
		res.addError("metrics are required to complete all entries for a utdate")
	default:
		res.addError("required params not included")
	}
}

func (s *Service) completeOne(ctx context.Context, req *validate.Request, koaid string, res *Result) {
	rec, err := s.engine.Complete(ctx, koaid, req.Instrument, req.Level, req)
	if err != nil {
		s.fail(ctx, req, res, "", err)
		return
	}
	s.notifyPI(ctx, rec, req)
}

func (s *Service) completeBatch(ctx context.Context, req *validate.Request, res *Result) {
	ids, err := s.store.ListKOAIDs(ctx, req.Instrument, req.Level, req.UTDate)
	if err != nil {
		s.fail(ctx, req, res, "", newError(Store, err, "Database query error"))
		return
	}
	if len(ids) == 0 {
		res.addError(fmt.Sprintf("no lev%d entries found for %s", int(req.Level), req.UTDate))
		return
	}

	for _, koaid := range ids {
		item := ItemResult{KOAID: koaid, APIStatus: models.StatusComplete}
		rec, err := s.engine.Complete(ctx, koaid, req.Instrument, req.Level, req)
		if err != nil {
			item.APIStatus = models.StatusError
			item.Error = err.Error()
			s.fail(ctx, req, res, koaid, err)
		} else {
			s.notifyPI(ctx, rec, req)
		}
		res.Items = append(res.Items, item)
	}
}

func (s *Service) lev2DRP(ctx context.Context, req *validate.Request, res *Result) {
	if req.KOAID != "" {
		s.queueOne(ctx, req, req.KOAID, s.vocab.Lev2Target(req.Instrument), res)
		return
	}
	if rule, ok := s.vocab.ScanRuleFor(req.Instrument); ok {
		s.queueDirectory(ctx, req, rule, res)
		return
	}
	if req.UTDate != "" {
		s.queueWaiting(ctx, req, res)
		return
	}
	res.addError("koaid or utdate is required for lev2 DRP calls")
}

func (s *Service) queueOne(ctx context.Context, req *validate.Request, koaid string, target models.Status, res *Result) {
	if err := s.queueDRP(ctx, req, koaid, target); err != nil {
		s.fail(ctx, req, res, "", err)
		return
	}
	res.StatusMessage = koaid + " added to DRP archiving queue"
}

// queueDRP creates or requeues the levN row for koaid after a DRP run.
func (s *Service) queueDRP(ctx context.Context, req *validate.Request, koaid string, target models.Status) error {
	lev0, err := s.engine.FetchUnique(ctx, koaid, req.Instrument, models.Level0)
	if err != nil {
		return err
	}

	recs, err := s.store.FindStatus(ctx, koaid, req.Instrument, req.Level)
	if err != nil {
		return newError(Store, err, "Database query error")
	}
	now := s.engine.timestamp()

	switch {
	case len(recs) > 1:
		return newError(Consistency, nil, "lev%d koaid is missing or should be unique (%d rows for %s)", int(req.Level), len(recs), koaid)

	case len(recs) == 0 && req.Reingest:
		return newError(Rejected, nil, "no entry in database and reingest=true")

	case len(recs) == 0:
		rec := &models.StatusRecord{
			KOAID:        koaid,
			Instrument:   req.Instrument,
			Level:        req.Level,
			Service:      models.ServiceDRP,
			Status:       target,
			SemID:        lev0.SemID,
			ProcessDir:   req.DataDir,
			CreationTime: &now,
		}
		if err := s.store.InsertStatus(ctx, rec); err != nil {
			if errors.Is(err, store.ErrDuplicateKey) {
				return newError(Conflict, err, "%s was added by another request", koaid)
			}
			return newError(Store, err, "Database query error")
		}
		return nil

	case !req.Reingest:
		return newError(Rejected, nil, "%s already archived, use reingest=true to replace", koaid)
	}

	n, err := s.store.Requeue(ctx, store.RequeueUpdate{
		KOAID:          koaid,
		Instrument:     req.Instrument,
		Level:          req.Level,
		ObservedStatus: recs[0].Status,
		Status:         target,
		ProcessDir:     req.DataDir,
		Now:            now,
	})
	switch {
	case err != nil:
		return newError(Store, err, "Database query error")
	case n == 0:
		return newError(Conflict, nil, "%s changed while requeueing, request not applied", koaid)
	case n > 1:
		return newError(Consistency, nil, "error requeueing lev%d entry (%d rows for %s)", int(req.Level), n, koaid)
	}
	return nil
}

// queueDirectory queues one koaid per output group found in the DRP directory.
func (s *Service) queueDirectory(ctx context.Context, req *validate.Request, rule config.ScanRule, res *Result) {
	if req.DataDir == "" {
		res.addError("datadir () does not exist")
		return
	}
	fsys := s.dirFS(req.DataDir)
	if info, err := fs.Stat(fsys, "."); err != nil || !info.IsDir() {
		res.addError(fmt.Sprintf("datadir (%s) does not exist", req.DataDir))
		return
	}

	ids, err := scanKOAIDs(fsys, rule)
	if err != nil {
		res.addError(fmt.Sprintf("unable to read datadir (%s): %v", req.DataDir, err))
		return
	}
	if len(ids) == 0 {
		res.addError(fmt.Sprintf("no %s files found in datadir (%s)", rule.Suffix, req.DataDir))
		return
	}

	var queued []string
	for _, koaid := range ids {
		item := ItemResult{KOAID: koaid, APIStatus: models.StatusComplete}
		if err := s.queueDRP(ctx, req, koaid, models.StatusQueued); err != nil {
			item.APIStatus = models.StatusError
			item.Error = err.Error()
			s.fail(ctx, req, res, koaid, err)
		} else {
			queued = append(queued, koaid)
		}
		res.Items = append(res.Items, item)
	}
	if len(queued) > 0 {
		res.StatusMessage = strings.Join(queued, ", ") + " added to DRP archiving queue"
	}
}

// scanKOAIDs returns the distinct koaids named by files under fsys, in walk order.
func scanKOAIDs(fsys fs.FS, rule config.ScanRule) ([]string, error) {
	var ids []string
	seen := make(map[string]bool)

	err := fs.WalkDir(fsys, ".", func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		name := path.Base(p)
		if d.IsDir() || !strings.HasSuffix(name, rule.Suffix) {
			return nil
		}
		for _, tok := range strings.Split(name, "_") {
			if !strings.HasPrefix(tok, rule.Marker) {
				continue
			}
			if len(tok) > rule.Length {
				tok = tok[:rule.Length]
			}
			if !seen[tok] {
				seen[tok] = true
				ids = append(ids, tok)
			}
			break
		}
		return nil
	})
	return ids, err
}

func (s *Service) queueWaiting(ctx context.Context, req *validate.Request, res *Result) {
	n, err := s.store.QueueWaiting(ctx, req.Instrument, req.Level, req.UTDate)
	if err != nil {
		s.fail(ctx, req, res, "", newError(Store, err, "Database query error"))
		return
	}
	if n == 0 {
		res.addError(fmt.Sprintf("no %s lev%d entries found for %s", models.StatusWaiting, int(req.Level), req.UTDate))
		return
	}
	res.StatusMessage = fmt.Sprintf("%d %s lev%d entries for %s added to DRP archiving queue", n, req.Instrument, int(req.Level), req.UTDate)
}

func (s *Service) notifyPI(ctx context.Context, rec *models.StatusRecord, req *validate.Request) {
	if s.notifier == nil {
		return
	}
	out := s.notifier.NotifyPI(ctx, rec, req.Status, req.Dev)
	if !out.Sent {
		slog.Info("PI notification skipped", "koaid", rec.KOAID, "reason", out.Reason)
	}
}

// fail records err on res, prefixed with koaid for multi-koaid calls, and
// escalates store failures.
func (s *Service) fail(ctx context.Context, req *validate.Request, res *Result, koaid string, err error) {
	msg := err.Error()
	if koaid != "" {
		msg = koaid + ": " + msg
	}
	res.addError(msg)

	code, ok := alertCode(err)
	if !ok || s.alerter == nil {
		return
	}
	detail := msg
	if cause := errors.Unwrap(err); cause != nil {
		detail = msg + ": " + cause.Error()
	}
	s.alerter.Alert(ctx, alert.Alert{Code: code, Detail: detail, Instrument: req.Instrument})
}
