// Package schedule queries the observatory telescope schedule and proposal
// APIs used to confirm that a program observed on a given night.
package schedule

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/sony/gobreaker"

	"github.com/KeckObservatoryArchive/wmko-rti-interface/internal/metrics"
)

// Sentinel errors for lookup failures.
var (
	ErrUnreachable = errors.New("schedule api unreachable")
	ErrTimeout     = errors.New("schedule api timeout")
	ErrBadResponse = errors.New("schedule api bad response")
	ErrNotFound    = errors.New("schedule api returned no data")
)

// Result distinguishes "definitely not scheduled" from "could not tell".
type Result int

const (
	Unavailable Result = iota
	Confirmed
	NotConfirmed
)

func (r Result) String() string {
	switch r {
	case Confirmed:
		return "confirmed"
	case NotConfirmed:
		return "not_confirmed"
	}
	return "unavailable"
}

// Client is the interface for program and schedule lookups.
type Client interface {
	// Scheduled checks the telescope schedule for the HST date.
	Scheduled(ctx context.Context, date, instrument, projcode string) (Result, error)
	// ToORequested checks target of opportunity requests for the HST date.
	ToORequested(ctx context.Context, date, instrument, projcode string) (Result, error)
	// Twilight checks whether semid is a twilight program using instrument.
	Twilight(ctx context.Context, semid, instrument string) (Result, error)
	PIEmail(ctx context.Context, semid string) (string, error)
	ProprietaryPeriod(ctx context.Context, semid string) (string, error)
}

// HTTPClient implements Client using the telSchedule and proposals PHP APIs.
type HTTPClient struct {
	telSchedURL  string
	proposalsURL string
	client       *http.Client
	breakers     map[string]*gobreaker.CircuitBreaker
	metrics      *metrics.Metrics
}

const (
	endpointTelSched  = "telsched"
	endpointProposals = "proposals"
)

// NewHTTPClient creates a client. Each API gets its own circuit breaker so an
// outage of one does not block lookups against the other.
func NewHTTPClient(telSchedURL, proposalsURL string, timeout time.Duration, m *metrics.Metrics) *HTTPClient {
	c := &HTTPClient{
		telSchedURL:  telSchedURL,
		proposalsURL: proposalsURL,
		client:       &http.Client{Timeout: timeout},
		breakers:     make(map[string]*gobreaker.CircuitBreaker, 2),
		metrics:      m,
	}
	for _, name := range []string{endpointTelSched, endpointProposals} {
		c.breakers[name] = gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        name,
			MaxRequests: 1,
			Timeout:     30 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 5
			},
		})
	}
	return c
}

func (c *HTTPClient) Scheduled(ctx context.Context, date, instrument, projcode string) (Result, error) {
	return c.listed(ctx, "getSchedule", date, instrument, projcode)
}

func (c *HTTPClient) ToORequested(ctx context.Context, date, instrument, projcode string) (Result, error) {
	return c.listed(ctx, "getToORequest", date, instrument, projcode)
}

// listed confirms when telSchedule returns any entry for the query.
func (c *HTTPClient) listed(ctx context.Context, cmd, date, instrument, projcode string) (Result, error) {
	params := url.Values{
		"cmd":      {cmd},
		"date":     {date},
		"instr":    {instrument},
		"projcode": {projcode},
	}
	body, err := c.get(ctx, endpointTelSched, c.telSchedURL, cmd, params)
	if err != nil {
		return Unavailable, err
	}
	if nonEmpty(body) {
		return Confirmed, nil
	}
	return NotConfirmed, nil
}

type twilightResponse struct {
	Success int                 `json:"success"`
	Data    map[string][]string `json:"data"`
}

func (c *HTTPClient) Twilight(ctx context.Context, semid, instrument string) (Result, error) {
	semester, _, ok := strings.Cut(semid, "_")
	if !ok {
		return NotConfirmed, nil
	}
	params := url.Values{
		"cmd":      {"getTwilightPrograms"},
		"semester": {semester},
	}
	body, err := c.get(ctx, endpointProposals, c.proposalsURL, "getTwilightPrograms", params)
	if err != nil {
		return Unavailable, err
	}

	var tr twilightResponse
	if err := json.Unmarshal(body, &tr); err != nil {
		return Unavailable, fmt.Errorf("%w: decoding twilight programs: %v", ErrBadResponse, err)
	}
	if tr.Success != 1 {
		return NotConfirmed, nil
	}
	if strings.Contains(strings.Join(tr.Data[semid], " "), instrument) {
		return Confirmed, nil
	}
	return NotConfirmed, nil
}

type proposalResponse struct {
	Data struct {
		Email             string          `json:"Email"`
		ProprietaryPeriod json.RawMessage `json:"ProprietaryPeriod"`
	} `json:"data"`
}

func (c *HTTPClient) PIEmail(ctx context.Context, semid string) (string, error) {
	pr, err := c.proposal(ctx, "getPIEmail", semid)
	if err != nil {
		return "", err
	}
	if pr.Data.Email == "" {
		return "", fmt.Errorf("%w: no PI email for %s", ErrNotFound, semid)
	}
	return pr.Data.Email, nil
}

// ProprietaryPeriod returns the approved period in months as reported by the
// API, which may be a number or a string.
func (c *HTTPClient) ProprietaryPeriod(ctx context.Context, semid string) (string, error) {
	pr, err := c.proposal(ctx, "getApprovedPP", semid)
	if err != nil {
		return "", err
	}
	raw := bytes.TrimSpace(pr.Data.ProprietaryPeriod)
	if len(raw) == 0 || string(raw) == "null" {
		return "", fmt.Errorf("%w: no proprietary period for %s", ErrNotFound, semid)
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s, nil
	}
	return string(raw), nil
}

func (c *HTTPClient) proposal(ctx context.Context, cmd, semid string) (*proposalResponse, error) {
	params := url.Values{
		"cmd": {cmd},
		"ktn": {semid},
	}
	body, err := c.get(ctx, endpointProposals, c.proposalsURL, cmd, params)
	if err != nil {
		return nil, err
	}
	var pr proposalResponse
	if err := json.Unmarshal(body, &pr); err != nil {
		return nil, fmt.Errorf("%w: decoding %s: %v", ErrBadResponse, cmd, err)
	}
	return &pr, nil
}

// get runs one GET through the endpoint's breaker and returns the body.
func (c *HTTPClient) get(ctx context.Context, endpoint, base, cmd string, params url.Values) ([]byte, error) {
	out, err := c.breakers[endpoint].Execute(func() (interface{}, error) {
		return c.do(ctx, base, params)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			err = fmt.Errorf("%w: %s circuit open", ErrUnreachable, endpoint)
		}
		c.metrics.Lookup(cmd, "error")
		return nil, err
	}
	c.metrics.Lookup(cmd, "ok")
	return out.([]byte), nil
}

func (c *HTTPClient) do(ctx context.Context, base string, params url.Values) ([]byte, error) {
	u := base + "?" + params.Encode()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}
	httpReq.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, classifyError(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: status %d", ErrBadResponse, resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, classifyError(err)
	}
	return body, nil
}

// nonEmpty reports whether a JSON body holds at least one entry.
func nonEmpty(body []byte) bool {
	var v any
	if err := json.Unmarshal(body, &v); err != nil {
		return false
	}
	switch t := v.(type) {
	case []any:
		return len(t) > 0
	case map[string]any:
		return len(t) > 0
	case string:
		return t != ""
	}
	return false
}

// classifyError maps transport-level errors to sentinel errors.
func classifyError(err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return fmt.Errorf("%w: %v", ErrTimeout, err)
		}
		return fmt.Errorf("%w: %v", ErrUnreachable, err)
	}

	return fmt.Errorf("%w: %v", ErrUnreachable, err)
}

var _ Client = (*HTTPClient)(nil)
