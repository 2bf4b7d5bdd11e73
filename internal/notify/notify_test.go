package notify

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/KeckObservatoryArchive/wmko-rti-interface/internal/config"
	"github.com/KeckObservatoryArchive/wmko-rti-interface/internal/mail"
	"github.com/KeckObservatoryArchive/wmko-rti-interface/internal/schedule"
	"github.com/KeckObservatoryArchive/wmko-rti-interface/internal/store"
	"github.com/KeckObservatoryArchive/wmko-rti-interface/pkg/models"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// --- fakes ---

type fakeStore struct {
	store.Store // only the koa_pi_notify methods are used

	mu        sync.Mutex
	rows      map[models.PiNotifyKey]*models.PiNotifyRecord
	getErr    error
	insertErr error
	inserts   int
}

func newFakeStore() *fakeStore {
	return &fakeStore{rows: make(map[models.PiNotifyKey]*models.PiNotifyRecord)}
}

func (f *fakeStore) GetPINotify(_ context.Context, key models.PiNotifyKey) (*models.PiNotifyRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.getErr != nil {
		return nil, f.getErr
	}
	if r, ok := f.rows[key]; ok {
		return r, nil
	}
	return nil, store.ErrNotFound
}

func (f *fakeStore) InsertPINotify(_ context.Context, rec *models.PiNotifyRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.inserts++
	if f.insertErr != nil {
		return f.insertErr
	}
	if _, ok := f.rows[rec.PiNotifyKey]; ok {
		return store.ErrDuplicateKey
	}
	f.rows[rec.PiNotifyKey] = rec
	return nil
}

type fakeLookup struct {
	mu sync.Mutex

	scheduled, too, twilight schedule.Result
	lookupErr                error
	email                    string
	emailErr                 error
	pp                       string
	ppErr                    error

	scheduleArgs []string
}

func (f *fakeLookup) Scheduled(_ context.Context, date, instr, projcode string) (schedule.Result, error) {
	f.mu.Lock()
	f.scheduleArgs = []string{date, instr, projcode}
	f.mu.Unlock()
	return f.scheduled, f.errFor(f.scheduled)
}

func (f *fakeLookup) ToORequested(_ context.Context, _, _, _ string) (schedule.Result, error) {
	return f.too, f.errFor(f.too)
}

func (f *fakeLookup) Twilight(_ context.Context, _, _ string) (schedule.Result, error) {
	return f.twilight, f.errFor(f.twilight)
}

func (f *fakeLookup) errFor(r schedule.Result) error {
	if r == schedule.Unavailable {
		if f.lookupErr != nil {
			return f.lookupErr
		}
		return schedule.ErrUnreachable
	}
	return nil
}

func (f *fakeLookup) PIEmail(_ context.Context, _ string) (string, error) {
	return f.email, f.emailErr
}

func (f *fakeLookup) ProprietaryPeriod(_ context.Context, _ string) (string, error) {
	return f.pp, f.ppErr
}

type fakeSender struct {
	mu   sync.Mutex
	sent []mail.Message
	err  error
}

func (f *fakeSender) Send(_ context.Context, msg mail.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, msg)
	return f.err
}

// --- helpers ---

var testNow = time.Date(2023, 1, 16, 12, 0, 0, 0, time.UTC)

func scheduledLookup() *fakeLookup {
	return &fakeLookup{
		scheduled: schedule.Confirmed,
		too:       schedule.NotConfirmed,
		twilight:  schedule.NotConfirmed,
		email:     "pi@example.edu",
		pp:        "18",
	}
}

func completedLev0() *models.StatusRecord {
	return &models.StatusRecord{
		KOAID:      "KB.20230115.45000.50",
		Instrument: "KCWI",
		Level:      models.Level0,
		Status:     models.StatusComplete,
		SemID:      "2023A_K123",
	}
}

func newTestDeduplicator(st store.Store, lookup schedule.Client, sender mail.Sender) *Deduplicator {
	return NewDeduplicator(st, lookup, sender, config.DefaultVocabulary().Notify,
		Addresses{From: "koaadmin@keck.hawaii.edu", Admin: "koaadmin@keck.hawaii.edu", Dev: "dev@keck.hawaii.edu"},
		WithClock(func() time.Time { return testNow }),
	)
}

// --- tests ---

func TestNotifyPI_Sends(t *testing.T) {
	st, lookup, sender := newFakeStore(), scheduledLookup(), &fakeSender{}
	d := newTestDeduplicator(st, lookup, sender)

	out := d.NotifyPI(context.Background(), completedLev0(), models.StatusComplete, false)

	require.True(t, out.Sent, out.Reason)
	require.Len(t, sender.sent, 1)
	msg := sender.sent[0]
	assert.Equal(t, []string{"pi@example.edu"}, msg.To)
	assert.Equal(t, []string{"koaadmin@keck.hawaii.edu"}, msg.Bcc)
	assert.Equal(t, "The archiving and future release of your KCWI data", msg.Subject)
	assert.Contains(t, msg.Body, "Semester: 2023A\nProgram: K123\n")
	assert.Contains(t, msg.Body, "18 months")

	key := models.PiNotifyKey{SemID: "2023A_K123", Instrument: "KCWI", UTDate: "2023-01-15", Level: models.Level0}
	require.Contains(t, st.rows, key)
	assert.Equal(t, "pi@example.edu", st.rows[key].PIEmail)

	assert.Equal(t, []string{"2023-01-14", "KCWI", "K123"}, lookup.scheduleArgs, "schedule is queried for the HST date")
}

func TestNotifyPI_Idempotent(t *testing.T) {
	st, lookup, sender := newFakeStore(), scheduledLookup(), &fakeSender{}
	d := newTestDeduplicator(st, lookup, sender)
	ctx := context.Background()

	first := d.NotifyPI(ctx, completedLev0(), models.StatusComplete, false)
	second := d.NotifyPI(ctx, completedLev0(), models.StatusComplete, false)

	assert.True(t, first.Sent)
	assert.False(t, second.Sent)
	assert.Contains(t, second.Reason, "existing entry")
	assert.Len(t, st.rows, 1)
	assert.Len(t, sender.sent, 1)
}

func TestNotifyPI_ConcurrentCallsSendOnce(t *testing.T) {
	st, lookup, sender := newFakeStore(), scheduledLookup(), &fakeSender{}
	d := newTestDeduplicator(st, lookup, sender)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d.NotifyPI(context.Background(), completedLev0(), models.StatusComplete, false)
		}()
	}
	wg.Wait()

	assert.Len(t, st.rows, 1)
	assert.Len(t, sender.sent, 1)
}

func TestNotifyPI_Dev(t *testing.T) {
	st, lookup, sender := newFakeStore(), scheduledLookup(), &fakeSender{}
	d := newTestDeduplicator(st, lookup, sender)

	out := d.NotifyPI(context.Background(), completedLev0(), models.StatusComplete, true)

	require.True(t, out.Sent)
	msg := sender.sent[0]
	assert.Equal(t, []string{"dev@keck.hawaii.edu"}, msg.To)
	assert.Empty(t, msg.Bcc)
	assert.Equal(t, "[TEST] The archiving and future release of your KCWI data", msg.Subject)
}

func TestNotifyPI_Gates(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(rec *models.StatusRecord, l *fakeLookup, st *fakeStore)
		reason string
	}{
		{
			name:   "level not allowed",
			mutate: func(rec *models.StatusRecord, _ *fakeLookup, _ *fakeStore) { rec.Level = models.Level1 },
			reason: "level 1 not in allowed",
		},
		{
			name:   "missing semid",
			mutate: func(rec *models.StatusRecord, _ *fakeLookup, _ *fakeStore) { rec.SemID = "" },
			reason: "could not lookup SEMID",
		},
		{
			name:   "unparseable semid",
			mutate: func(rec *models.StatusRecord, _ *fakeLookup, _ *fakeStore) { rec.SemID = "2023AK123" },
			reason: "could not parse SEMID",
		},
		{
			name:   "unparseable koaid",
			mutate: func(rec *models.StatusRecord, _ *fakeLookup, _ *fakeStore) { rec.KOAID = "KB.2023.1" },
			reason: "could not parse KOAID",
		},
		{
			name:   "too old",
			mutate: func(rec *models.StatusRecord, _ *fakeLookup, _ *fakeStore) { rec.KOAID = "KB.20230101.45000.50" },
			reason: "more than 7 days ago",
		},
		{
			name: "not scheduled",
			mutate: func(_ *models.StatusRecord, l *fakeLookup, _ *fakeStore) {
				l.scheduled = schedule.NotConfirmed
			},
			reason: "was not scheduled",
		},
		{
			name: "schedule unavailable",
			mutate: func(_ *models.StatusRecord, l *fakeLookup, _ *fakeStore) {
				l.scheduled = schedule.Unavailable
			},
			reason: "could not confirm schedule",
		},
		{
			name:   "residual status code",
			mutate: func(rec *models.StatusRecord, _ *fakeLookup, _ *fakeStore) { rec.StatusCode = "DUPLICATE" },
			reason: "residual error",
		},
		{
			name:   "residual error status",
			mutate: func(rec *models.StatusRecord, _ *fakeLookup, _ *fakeStore) { rec.Status = models.StatusError },
			reason: "residual error",
		},
		{
			name: "no PI email",
			mutate: func(_ *models.StatusRecord, l *fakeLookup, _ *fakeStore) {
				l.emailErr = schedule.ErrNotFound
			},
			reason: "could not get PI info",
		},
		{
			name: "store query fails",
			mutate: func(_ *models.StatusRecord, _ *fakeLookup, st *fakeStore) {
				st.getErr = errors.New("connection reset")
			},
			reason: "could not query",
		},
		{
			name: "insert fails",
			mutate: func(_ *models.StatusRecord, _ *fakeLookup, st *fakeStore) {
				st.insertErr = errors.New("connection reset")
			},
			reason: "insert failed",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			st, lookup, sender := newFakeStore(), scheduledLookup(), &fakeSender{}
			rec := completedLev0()
			tt.mutate(rec, lookup, st)
			d := newTestDeduplicator(st, lookup, sender)

			out := d.NotifyPI(context.Background(), rec, rec.Status, false)

			assert.False(t, out.Sent)
			assert.Contains(t, out.Reason, tt.reason)
			assert.Empty(t, sender.sent)
		})
	}
}

func TestNotifyPI_ExcludedInstrument(t *testing.T) {
	st, lookup, sender := newFakeStore(), scheduledLookup(), &fakeSender{}
	policy := config.DefaultVocabulary().Notify
	policy.ExcludedInstruments = []string{"KCWI"}
	d := NewDeduplicator(st, lookup, sender, policy, Addresses{}, WithClock(func() time.Time { return testNow }))

	out := d.NotifyPI(context.Background(), completedLev0(), models.StatusComplete, false)

	assert.False(t, out.Sent)
	assert.Contains(t, out.Reason, "excluded")
	assert.Zero(t, st.inserts)
}

func TestNotifyPI_RequestedErrorIsSkipped(t *testing.T) {
	st, lookup, sender := newFakeStore(), scheduledLookup(), &fakeSender{}
	d := newTestDeduplicator(st, lookup, sender)

	out := d.NotifyPI(context.Background(), completedLev0(), models.StatusError, false)

	assert.False(t, out.Sent)
	assert.Zero(t, st.inserts)
}

func TestNotifyPI_AlternativeConfirmations(t *testing.T) {
	for _, tt := range []struct {
		name string
		set  func(l *fakeLookup)
	}{
		{"target of opportunity", func(l *fakeLookup) { l.too = schedule.Confirmed }},
		{"twilight", func(l *fakeLookup) { l.twilight = schedule.Confirmed }},
		{"confirmed despite one failure", func(l *fakeLookup) {
			l.too = schedule.Unavailable
			l.twilight = schedule.Confirmed
		}},
	} {
		t.Run(tt.name, func(t *testing.T) {
			st, lookup, sender := newFakeStore(), scheduledLookup(), &fakeSender{}
			lookup.scheduled = schedule.NotConfirmed
			tt.set(lookup)
			d := newTestDeduplicator(st, lookup, sender)

			out := d.NotifyPI(context.Background(), completedLev0(), models.StatusComplete, false)
			assert.True(t, out.Sent, out.Reason)
		})
	}
}

func TestNotifyPI_ScheduleAlias(t *testing.T) {
	st, lookup, sender := newFakeStore(), scheduledLookup(), &fakeSender{}
	d := newTestDeduplicator(st, lookup, sender)
	rec := completedLev0()
	rec.Instrument = "NIRSPEC"
	rec.KOAID = "NS.20230115.45000.50"

	d.NotifyPI(context.Background(), rec, models.StatusComplete, false)

	require.Len(t, lookup.scheduleArgs, 3)
	assert.Equal(t, "NIRSP", lookup.scheduleArgs[1])
}

func TestNotifyPI_EmailFailureKeepsEntry(t *testing.T) {
	st, lookup := newFakeStore(), scheduledLookup()
	sender := &fakeSender{err: errors.New("relay down")}
	d := newTestDeduplicator(st, lookup, sender)
	ctx := context.Background()

	out := d.NotifyPI(ctx, completedLev0(), models.StatusComplete, false)
	assert.False(t, out.Sent)
	assert.Contains(t, out.Reason, "email to PI failed")
	assert.Len(t, st.rows, 1, "the entry is not rolled back")

	again := d.NotifyPI(ctx, completedLev0(), models.StatusComplete, false)
	assert.False(t, again.Sent)
	assert.Len(t, sender.sent, 1, "a failed email is not retried")
}

func TestNotifyPI_MissingProprietaryPeriod(t *testing.T) {
	st, lookup, sender := newFakeStore(), scheduledLookup(), &fakeSender{}
	lookup.pp, lookup.ppErr = "", schedule.ErrNotFound
	d := newTestDeduplicator(st, lookup, sender)

	out := d.NotifyPI(context.Background(), completedLev0(), models.StatusComplete, false)

	require.True(t, out.Sent)
	assert.Contains(t, sender.sent[0].Body, "is\n\n months\n\n")
}

func TestLetter(t *testing.T) {
	body := Letter("kcwi", "2023A", "K123", "12")
	assert.Contains(t, body, "Dear KCWI program PI,")
	assert.Contains(t, body, "12 months\n\n")
	assert.NotContains(t, body, "CCD1")

	hires := Letter("HIRES", "2023A", "K123", "")
	assert.Contains(t, hires, "CCD1 =  months\nCCD2 =  months\nCCD3 =  months\n\n")

	hiresPP := Letter("HIRES", "2023A", "K123", "18")
	assert.Contains(t, hiresPP, "18 months")
	assert.NotContains(t, hiresPP, "CCD1")
}
