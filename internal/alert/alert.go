// Package alert mails administrators about store failures, at most once per
// code within a cool-down window.
package alert

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/KeckObservatoryArchive/wmko-rti-interface/internal/mail"
	"github.com/KeckObservatoryArchive/wmko-rti-interface/internal/metrics"
)

const (
	CodeDBConsistency = "DB_CONSISTENCY"
	CodeDBError       = "DB_ERROR"
)

const DefaultCooldown = 30 * time.Minute

// Alert is one error condition reported by a workflow.
type Alert struct {
	Code       string
	Detail     string
	Instrument string
	// SkipTiming sends even inside the cool-down window.
	SkipTiming bool
}

// Claimer reserves a cool-down window shared with other processes.
type Claimer interface {
	ClaimAlert(ctx context.Context, code string, ttl time.Duration) (bool, error)
}

// Limiter decides whether an alert goes out and sends it.
type Limiter struct {
	mu       sync.Mutex
	lastSent map[string]time.Time

	cooldown time.Duration
	now      func() time.Time
	sender   mail.Sender
	from     string
	to       string
	claimer  Claimer
	metrics  *metrics.Metrics
}

// Option configures a Limiter.
type Option func(*Limiter)

func WithClock(now func() time.Time) Option {
	return func(l *Limiter) { l.now = now }
}

// WithClaimer shares suppression across replicas.
func WithClaimer(c Claimer) Option {
	return func(l *Limiter) { l.claimer = c }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(l *Limiter) { l.metrics = m }
}

func NewLimiter(sender mail.Sender, from, to string, cooldown time.Duration, opts ...Option) *Limiter {
	if cooldown <= 0 {
		cooldown = DefaultCooldown
	}
	l := &Limiter{
		lastSent: make(map[string]time.Time),
		cooldown: cooldown,
		now:      time.Now,
		sender:   sender,
		from:     from,
		to:       to,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Alert logs a and mails it unless the same code went out within the
// cool-down window. It reports whether mail was sent.
func (l *Limiter) Alert(ctx context.Context, a Alert) bool {
	slog.Error("ingest alert",
		"code", a.Code,
		"instrument", a.Instrument,
		"detail", a.Detail,
	)

	if !a.SkipTiming && !l.reserve(a.Code) {
		slog.Error("ingest alert suppressed", "code", a.Code, "cooldown", l.cooldown.String())
		l.metrics.Alert(a.Code, "suppressed")
		return false
	}

	if !a.SkipTiming && l.claimer != nil {
		ok, err := l.claimer.ClaimAlert(ctx, a.Code, l.cooldown)
		switch {
		case err != nil:
			slog.Warn("alert claim failed, sending anyway", "code", a.Code, "error", err)
		case !ok:
			slog.Error("ingest alert suppressed by another instance", "code", a.Code)
			l.metrics.Alert(a.Code, "suppressed")
			return false
		}
	}

	msg := mail.Message{
		From:    l.from,
		To:      []string{l.to},
		Subject: "KOA RTI ingest alert: " + a.Code,
		Body:    fmt.Sprintf("Error code: %s\nInstrument: %s\n\n%s\n", a.Code, a.Instrument, a.Detail),
	}
	if err := l.sender.Send(ctx, msg); err != nil {
		slog.Error("failed to send ingest alert", "code", a.Code, "error", err)
		l.metrics.Alert(a.Code, "failed")
		return false
	}
	l.metrics.Alert(a.Code, "sent")
	return true
}

// reserve records now against code unless the last send is inside the window.
func (l *Limiter) reserve(code string) bool {
	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()

	if last, ok := l.lastSent[code]; ok && now.Sub(last) < l.cooldown {
		return false
	}
	l.lastSent[code] = now
	return true
}
