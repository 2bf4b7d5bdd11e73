// Package validate turns untrusted ingest request parameters into a typed Request.
package validate

import (
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/KeckObservatoryArchive/wmko-rti-interface/internal/config"
	"github.com/KeckObservatoryArchive/wmko-rti-interface/pkg/models"
)

// Field is a recognized request parameter name.
type Field string

const (
	FieldInstrument  Field = "instrument"
	FieldKOAID       Field = "koaid"
	FieldIngestType  Field = "ingesttype"
	FieldStatus      Field = "status"
	FieldMessage     Field = "message"
	FieldIngestError Field = "ingest_error"
	FieldReingest    Field = "reingest"
	FieldTestOnly    Field = "testonly"
	FieldDev         Field = "dev"
	FieldMetrics     Field = "metrics"
	FieldUTDate      Field = "utdate"
	FieldDataDir     Field = "datadir"
	FieldStart       Field = "start"
)

func (f Field) String() string { return string(f) }

// Date layouts accepted on the wire.
const (
	UTDateLayout    = "2006-01-02"
	KOAIDDateLayout = "20060102"
	MetricsLayout   = "2006-01-02 15:04:05"
)

// layoutNames renders Go layouts for error messages.
var layoutNames = map[string]string{
	UTDateLayout:    "YYYY-MM-DD",
	KOAIDDateLayout: "YYYYMMDD",
	MetricsLayout:   "YYYY-MM-DD HH:MM:SS",
}

const koaidSuffix = "fits"

func stripSpace(s string) string {
	return strings.Join(strings.Fields(s), "")
}

func normalizeKey(key string) string {
	return strings.ToLower(stripSpace(key))
}

// Fields validates single parameter values against a Vocabulary.
type Fields struct {
	vocab *config.Vocabulary
}

func NewFields(vocab *config.Vocabulary) *Fields {
	return &Fields{vocab: vocab}
}

func (fv *Fields) oneOf(f Field, v string, set []string) error {
	if v == "" {
		return invalid(f, "%s is blank", f)
	}
	for _, s := range set {
		if s == v {
			return nil
		}
	}
	return invalid(f, "%s not found in set %v", v, set)
}

// Status returns the canonical status. DONE is reported as COMPLETE.
func (fv *Fields) Status(raw string) (models.Status, error) {
	v := strings.ToUpper(stripSpace(raw))
	if err := fv.oneOf(FieldStatus, v, fv.vocab.Statuses); err != nil {
		return "", err
	}
	if v == "DONE" {
		return models.StatusComplete, nil
	}
	return models.Status(v), nil
}

func (fv *Fields) Instrument(raw string) (string, error) {
	v := strings.ToUpper(stripSpace(raw))
	if err := fv.oneOf(FieldInstrument, v, fv.vocab.InstrumentNames()); err != nil {
		return "", err
	}
	return v, nil
}

// BoolToken returns the normalized token, not a Go bool; use
// Vocabulary.IsTrue to interpret it.
func (fv *Fields) BoolToken(f Field, raw string) (string, error) {
	v := strings.ToUpper(stripSpace(raw))
	if err := fv.oneOf(f, v, fv.vocab.BoolTokens()); err != nil {
		return "", err
	}
	return v, nil
}

func (fv *Fields) IngestType(raw string) (string, error) {
	v := strings.ToLower(stripSpace(raw))
	if err := fv.oneOf(FieldIngestType, v, fv.vocab.IngestTypes); err != nil {
		return "", err
	}
	return v, nil
}

// KOAID checks the II.YYYYMMDD.SSSSS.SS.fits format and returns the
// identifier without the file type. An identifier already lacking the
// suffix is accepted unchanged.
func (fv *Fields) KOAID(raw string) (string, error) {
	v := stripSpace(raw)
	if v == "" {
		return "", invalid(FieldKOAID, "%s is blank", FieldKOAID)
	}

	parts := strings.Split(v, ".")
	switch {
	case len(parts) == 5 && parts[4] == koaidSuffix:
		parts = parts[:4]
	case len(parts) == 5:
		return "", invalid(FieldKOAID, "koaid %s file type must be %s", v, koaidSuffix)
	case len(parts) != 4:
		return "", invalid(FieldKOAID, "koaid %s does not match II.YYYYMMDD.SSSSS.SS.fits", v)
	}
	abbr, date, seconds, dec := parts[0], parts[1], parts[2], parts[3]

	if _, ok := fv.vocab.InstrumentFor(abbr); !ok {
		return "", invalid(FieldKOAID, "koaid %s has unknown instrument prefix %s", v, abbr)
	}
	if len(date) != 8 {
		return "", &DateParseError{Field: string(FieldKOAID), Value: date, Format: layoutNames[KOAIDDateLayout]}
	}
	if _, err := fv.Date(FieldKOAID, date, KOAIDDateLayout); err != nil {
		return "", err
	}
	if len(seconds) != 5 || !isDigits(seconds) {
		return "", invalid(FieldKOAID, "koaid %s seconds must be 5 digits", v)
	}
	if len(dec) != 2 || !isDigits(dec) {
		return "", invalid(FieldKOAID, "koaid %s decimal must be 2 digits", v)
	}
	ut, err := strconv.ParseFloat(seconds+"."+dec, 64)
	if err != nil || ut >= 86400 {
		return "", invalid(FieldKOAID, "koaid %s seconds exceed day", v)
	}

	return strings.Join(parts, "."), nil
}

// Date parses raw with layout. A mismatch is a DateParseError.
func (fv *Fields) Date(f Field, raw, layout string) (string, error) {
	v := stripSpace(raw)
	if _, err := time.Parse(layout, v); err != nil {
		name, ok := layoutNames[layout]
		if !ok {
			name = layout
		}
		return "", &DateParseError{Field: string(f), Value: v, Format: name}
	}
	return v, nil
}

// Metrics parses the JSON metrics payload. Every configured metrics key must
// be present with a YYYY-MM-DD HH:MM:SS value. Copy timestamps may be sent
// empty but not left out.
func (fv *Fields) Metrics(raw string) (map[string]string, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, invalid(FieldMetrics, "%s is blank", FieldMetrics)
	}

	var payload map[string]any
	if err := json.Unmarshal([]byte(raw), &payload); err != nil || payload == nil {
		return nil, invalid(FieldMetrics, "cannot parse metrics value")
	}

	out := make(map[string]string, len(fv.vocab.MetricsParams))
	for _, key := range fv.vocab.MetricsParams {
		val, present := payload[key]
		s, isString := val.(string)
		if present && !isString {
			return nil, invalid(FieldMetrics, "metrics key %s must be a string", key)
		}
		if present && s == "" && strings.Contains(key, "copy") {
			out[key] = ""
			continue
		}
		if !present {
			return nil, invalid(FieldMetrics, "missing metrics data - %s", key)
		}
		if _, err := time.Parse(MetricsLayout, s); err != nil {
			return nil, &DateParseError{Field: string(FieldMetrics), Key: key, Value: s, Format: layoutNames[MetricsLayout]}
		}
		out[key] = s
	}
	return out, nil
}

func isDigits(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return s != ""
}
