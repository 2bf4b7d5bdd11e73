package validate

import (
	"errors"
	"sort"
	"strings"
	"time"

	"github.com/KeckObservatoryArchive/wmko-rti-interface/internal/config"
	"github.com/KeckObservatoryArchive/wmko-rti-interface/pkg/models"
)

// TimestampLayout formats the receipt time reported back to callers.
const TimestampLayout = "2006-01-02 15:04:05"

// Request is a validated ingest call. It is built once per call and never persisted.
type Request struct {
	Received time.Time

	LevelTag    string
	Level       models.Level
	Instrument  string
	KOAID       string
	UTDate      string
	Status      models.Status
	Message     string
	IngestError string
	DataDir     string
	Start       string
	Metrics     map[string]string

	Reingest bool
	TestOnly bool
	Dev      bool

	// Params holds the normalized value of every field that validated.
	Params map[string]string
	Errors []string
}

// OK reports whether validation produced no errors.
func (r *Request) OK() bool { return len(r.Errors) == 0 }

// Outcome is COMPLETE when validation succeeded, ERROR otherwise.
func (r *Request) Outcome() models.Status {
	if r.OK() {
		return models.StatusComplete
	}
	return models.StatusError
}

// HasStatus distinguishes archive-center completion calls from DRP calls.
func (r *Request) HasStatus() bool { return r.Status != "" }

// DefaultCompletionMessage is written to status_code_ipac on COMPLETE.
const DefaultCompletionMessage = ""

// CompletionMessage is the status_code_ipac text written on completion. Only
// ERROR calls carry the caller's text, preferring ingest_error over message.
func (r *Request) CompletionMessage() string {
	if r.Status != models.StatusError {
		return DefaultCompletionMessage
	}
	if r.IngestError != "" {
		return r.IngestError
	}
	return r.Message
}

func (r *Request) fail(err error) {
	r.Errors = append(r.Errors, err.Error())
}

// Validator is the request validation pipeline.
type Validator struct {
	vocab  *config.Vocabulary
	fields *Fields
	now    func() time.Time
}

func NewValidator(vocab *config.Vocabulary) *Validator {
	return &Validator{vocab: vocab, fields: NewFields(vocab), now: time.Now}
}

// Parse validates raw request parameters. It never fails: every problem is
// recorded in Request.Errors.
func (v *Validator) Parse(raw map[string]string) *Request {
	req := &Request{
		Received: v.now().UTC(),
		Params:   make(map[string]string),
		Errors:   []string{},
	}

	rawKeys := make([]string, 0, len(raw))
	for k := range raw {
		rawKeys = append(rawKeys, k)
	}
	sort.Strings(rawKeys)

	normalized := make(map[string]string, len(raw))
	keys := make([]string, 0, len(raw))
	for _, k := range rawKeys {
		nk := normalizeKey(k)
		if nk == "" {
			req.fail(invalid("", "key should not be blank"))
			continue
		}
		if _, dup := normalized[nk]; dup {
			req.fail(invalid(Field(nk), "duplicate param %s", nk))
			continue
		}
		keys = append(keys, nk)
		normalized[nk] = raw[k]
	}
	sort.Strings(keys)

	if len(keys) == 0 {
		req.fail(invalid("", "params is empty"))
		return req
	}

	levelTag := normalizeKey(normalized[string(FieldIngestType)])
	_, hasStatus := normalized[string(FieldStatus)]
	required := v.vocab.Required(levelTag, hasStatus)
	isRequired := make(map[string]bool, len(required))
	for _, r := range required {
		isRequired[r] = true
	}

	present := make(map[string]bool, len(keys))
	for _, k := range keys {
		val := normalized[k]
		if val == "" {
			if isRequired[k] {
				req.fail(invalid(Field(k), "%s is blank", k))
			}
			continue
		}
		present[k] = true
		if err := v.apply(req, Field(k), val); err != nil {
			req.fail(err)
		}
	}

	v.crossCheck(req, required, present)
	return req
}

// apply validates one field and stores the typed result on req.
func (v *Validator) apply(req *Request, f Field, raw string) error {
	var (
		norm string
		err  error
	)
	switch f {
	case FieldInstrument:
		norm, err = v.fields.Instrument(raw)
		req.Instrument = norm
	case FieldKOAID:
		norm, err = v.fields.KOAID(raw)
		req.KOAID = norm
	case FieldIngestType:
		norm, err = v.fields.IngestType(raw)
		if err == nil {
			req.LevelTag = norm
			req.Level, _ = models.ParseLevelTag(norm)
		}
	case FieldStatus:
		var s models.Status
		s, err = v.fields.Status(raw)
		req.Status = s
		norm = string(s)
	case FieldReingest:
		norm, err = v.fields.BoolToken(f, raw)
		req.Reingest = v.vocab.IsTrue(norm)
	case FieldTestOnly:
		norm, err = v.fields.BoolToken(f, raw)
		req.TestOnly = v.vocab.IsTrue(norm)
	case FieldDev:
		norm, err = v.fields.BoolToken(f, raw)
		req.Dev = v.vocab.IsTrue(norm)
	case FieldUTDate:
		norm, err = v.fields.Date(f, raw, UTDateLayout)
		req.UTDate = norm
	case FieldMetrics:
		var m map[string]string
		m, err = v.fields.Metrics(raw)
		req.Metrics = m
		norm = raw
	case FieldMessage:
		norm, req.Message = raw, raw
	case FieldIngestError:
		norm, req.IngestError = raw, raw
	case FieldDataDir:
		norm, req.DataDir = raw, raw
	case FieldStart:
		norm, req.Start = raw, raw
	default:
		return invalid(f, "invalid param %s has value %s", f, raw)
	}
	if err != nil {
		return err
	}
	req.Params[string(f)] = norm
	return nil
}

func (v *Validator) crossCheck(req *Request, required []string, present map[string]bool) {
	if req.Status == models.StatusError && !present[string(FieldIngestError)] && !present[string(FieldMessage)] {
		req.fail(invalid(FieldStatus, "status==ERROR should include a message"))
	}

	// Level 1 and 2 completion calls may name a whole UT date instead of one koaid.
	byDate := req.HasStatus() && req.Level != models.Level0 && present[string(FieldUTDate)]
	for _, r := range required {
		if present[r] || (r == string(FieldKOAID) && byDate) {
			continue
		}
		req.fail(invalid(Field(r), "required params not included"))
		break
	}

	if req.KOAID != "" && req.Instrument != "" {
		abbr, _, _ := strings.Cut(req.KOAID, ".")
		if inst, _ := v.vocab.InstrumentFor(abbr); inst != req.Instrument {
			req.fail(invalid(FieldKOAID, "koaid/inst mismatch: koaid %s is %s, not %s", req.KOAID, inst, req.Instrument))
		}
	}
}

// IsDateParse reports whether err came from a date format mismatch.
func IsDateParse(err error) bool {
	var dpe *DateParseError
	return errors.As(err, &dpe)
}
