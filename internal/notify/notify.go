// Package notify emails a program's PI the first time its data for a night
// is archived.
package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/KeckObservatoryArchive/wmko-rti-interface/internal/config"
	"github.com/KeckObservatoryArchive/wmko-rti-interface/internal/mail"
	"github.com/KeckObservatoryArchive/wmko-rti-interface/internal/metrics"
	"github.com/KeckObservatoryArchive/wmko-rti-interface/internal/schedule"
	"github.com/KeckObservatoryArchive/wmko-rti-interface/internal/store"
	"github.com/KeckObservatoryArchive/wmko-rti-interface/pkg/models"
)

// Outcome reports whether a PI email went out. A skipped notification is not
// an error; Reason says which check stopped it.
type Outcome struct {
	Sent   bool
	Reason string
}

func skip(format string, args ...any) Outcome {
	return Outcome{Reason: fmt.Sprintf(format, args...)}
}

// Addresses are the fixed mail addresses used for PI notifications.
type Addresses struct {
	From  string
	Admin string
	Dev   string
}

// Deduplicator sends at most one PI email per (semid, instrument, utdate, level).
type Deduplicator struct {
	store   store.Store
	lookup  schedule.Client
	sender  mail.Sender
	policy  config.NotifyPolicy
	addr    Addresses
	now     func() time.Time
	metrics *metrics.Metrics
}

// Option configures a Deduplicator.
type Option func(*Deduplicator)

func WithClock(now func() time.Time) Option {
	return func(d *Deduplicator) { d.now = now }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(d *Deduplicator) { d.metrics = m }
}

func NewDeduplicator(st store.Store, lookup schedule.Client, sender mail.Sender, policy config.NotifyPolicy, addr Addresses, opts ...Option) *Deduplicator {
	d := &Deduplicator{
		store:  st,
		lookup: lookup,
		sender: sender,
		policy: policy,
		addr:   addr,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// NotifyPI runs the notification checks for a just-completed record and sends
// the email when all pass. The koa_pi_notify row is written before sending.
func (d *Deduplicator) NotifyPI(ctx context.Context, rec *models.StatusRecord, requested models.Status, dev bool) Outcome {
	out := d.notify(ctx, rec, requested, dev)
	if out.Sent {
		d.metrics.PINotify("sent")
		return out
	}
	d.metrics.PINotify("skipped")
	slog.Info("PI notification not sent",
		"koaid", rec.KOAID,
		"instrument", rec.Instrument,
		"level", int(rec.Level),
		"reason", out.Reason,
	)
	return out
}

func (d *Deduplicator) notify(ctx context.Context, rec *models.StatusRecord, requested models.Status, dev bool) Outcome {
	instr := rec.Instrument
	if contains(d.policy.ExcludedInstruments, instr) {
		return skip("instrument %s is excluded from PI notification", instr)
	}
	if !containsInt(d.policy.AllowedLevels, int(rec.Level)) {
		return skip("level %d not in allowed ingest types", int(rec.Level))
	}
	if rec.SemID == "" {
		return skip("could not lookup SEMID in koa_status for %s", rec.KOAID)
	}
	semester, projcode, ok := strings.Cut(rec.SemID, "_")
	if !ok {
		return skip("could not parse SEMID %s", rec.SemID)
	}
	utdate, ok := models.UTDate(rec.KOAID)
	if !ok {
		return skip("could not parse KOAID %s", rec.KOAID)
	}

	key := models.PiNotifyKey{SemID: rec.SemID, Instrument: instr, UTDate: utdate, Level: rec.Level}
	if _, err := d.store.GetPINotify(ctx, key); err == nil {
		return skip("existing entry found for %s, %s, %s, %d", key.SemID, key.Instrument, key.UTDate, int(key.Level))
	} else if !errors.Is(err, store.ErrNotFound) {
		slog.Error("failed to query koa_pi_notify", "semid", key.SemID, "error", err)
		return skip("could not query existing notifications")
	}

	obsDate, _ := time.Parse("2006-01-02", utdate)
	if days := int(d.now().Sub(obsDate).Hours() / 24); days > d.policy.MaxAgeDays {
		return skip("date %s is more than %d days ago", utdate, d.policy.MaxAgeDays)
	}

	switch res := d.confirmObserved(ctx, obsDate, rec.SemID, projcode, instr); res {
	case schedule.NotConfirmed:
		return skip("program %s, instrument %s was not scheduled on UT date %s", rec.SemID, instr, utdate)
	case schedule.Unavailable:
		return skip("could not confirm schedule for %s on UT date %s", rec.SemID, utdate)
	}

	if requested != models.StatusComplete || rec.Status != models.StatusComplete || rec.StatusCode != "" {
		return skip("%s has a residual error (status %s, status_code %q)", rec.KOAID, rec.Status, rec.StatusCode)
	}

	email, err := d.lookup.PIEmail(ctx, rec.SemID)
	if err != nil {
		slog.Error("PI email lookup failed", "semid", rec.SemID, "error", err)
		return skip("could not get PI info for %s", rec.SemID)
	}

	entry := &models.PiNotifyRecord{PiNotifyKey: key, PIEmail: email}
	if err := d.store.InsertPINotify(ctx, entry); err != nil {
		if errors.Is(err, store.ErrDuplicateKey) {
			return skip("existing entry found for %s, %s, %s, %d", key.SemID, key.Instrument, key.UTDate, int(key.Level))
		}
		slog.Error("koa_pi_notify insert failed", "semid", key.SemID, "error", err)
		return skip("insert failed, not sending PI email")
	}
	slog.Info("new koa_pi_notify entry",
		"utdate", key.UTDate,
		"semid", key.SemID,
		"instrument", key.Instrument,
		"level", int(key.Level),
	)

	pp, err := d.lookup.ProprietaryPeriod(ctx, rec.SemID)
	if err != nil {
		slog.Warn("proprietary period lookup failed", "semid", rec.SemID, "error", err)
	}

	msg := mail.Message{
		From:    d.addr.From,
		To:      []string{email},
		Bcc:     []string{d.addr.Admin},
		Subject: fmt.Sprintf("The archiving and future release of your %s data", strings.ToUpper(instr)),
		Body:    Letter(instr, semester, projcode, pp),
	}
	if dev {
		msg.To = []string{d.addr.Dev}
		msg.Bcc = nil
		msg.Subject = "[TEST] " + msg.Subject
	}

	slog.Info("sending PI email", "to", strings.Join(msg.To, ","), "semid", rec.SemID)
	if err := d.sender.Send(ctx, msg); err != nil {
		slog.Error("PI email failed", "semid", rec.SemID, "error", err)
		return skip("email to PI failed")
	}
	return Outcome{Sent: true}
}

// confirmObserved asks the regular schedule, the ToO list and the twilight
// program list concurrently. Any confirmation wins; otherwise a failed lookup
// makes the answer Unavailable.
func (d *Deduplicator) confirmObserved(ctx context.Context, obsDate time.Time, semid, projcode, instr string) schedule.Result {
	hst := obsDate.AddDate(0, 0, -1).Format("2006-01-02")
	short := instr
	if alias, ok := d.policy.ScheduleAliases[instr]; ok {
		short = alias
	}

	var results [3]schedule.Result
	g, gctx := errgroup.WithContext(ctx)
	checks := []func(context.Context) (schedule.Result, error){
		func(ctx context.Context) (schedule.Result, error) {
			return d.lookup.Scheduled(ctx, hst, short, projcode)
		},
		func(ctx context.Context) (schedule.Result, error) {
			return d.lookup.ToORequested(ctx, hst, short, projcode)
		},
		func(ctx context.Context) (schedule.Result, error) {
			return d.lookup.Twilight(ctx, semid, instr)
		},
	}
	for i, check := range checks {
		g.Go(func() error {
			res, err := check(gctx)
			if err != nil {
				slog.Error("schedule lookup failed", "semid", semid, "check", i, "error", err)
			}
			results[i] = res
			return nil
		})
	}
	_ = g.Wait()

	out := schedule.NotConfirmed
	for _, r := range results {
		switch r {
		case schedule.Confirmed:
			return schedule.Confirmed
		case schedule.Unavailable:
			out = schedule.Unavailable
		}
	}
	return out
}

func contains(list []string, s string) bool {
	for _, x := range list {
		if x == s {
			return true
		}
	}
	return false
}

func containsInt(list []int, n int) bool {
	for _, x := range list {
		if x == n {
			return true
		}
	}
	return false
}
