package validate_test

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/KeckObservatoryArchive/wmko-rti-interface/internal/config"
	"github.com/KeckObservatoryArchive/wmko-rti-interface/internal/validate"
	"github.com/KeckObservatoryArchive/wmko-rti-interface/pkg/models"
)

func newFields() *validate.Fields {
	return validate.NewFields(config.DefaultVocabulary())
}

func TestStatus(t *testing.T) {
	fv := newFields()

	tests := []struct {
		raw  string
		want models.Status
	}{
		{"COMPLETE", models.StatusComplete},
		{" done ", models.StatusComplete},
		{"D O N E", models.StatusComplete},
		{"error", models.StatusError},
	}
	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			got, err := fv.Status(tt.raw)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	_, err := fv.Status("QUEUED")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "QUEUED not found in set")

	_, err = fv.Status("   ")
	require.Error(t, err)
	assert.Equal(t, "status is blank", err.Error())
	assert.True(t, errors.Is(err, validate.ErrValidation))
}

func TestInstrument(t *testing.T) {
	fv := newFields()

	got, err := fv.Instrument(" kcwi ")
	require.NoError(t, err)
	assert.Equal(t, "KCWI", got)

	_, err = fv.Instrument("HUBBLE")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "HUBBLE not found in set")
}

func TestBoolToken(t *testing.T) {
	fv := newFields()

	for _, raw := range []string{"true", "1", " Yes", "FALSE", "0", "no"} {
		_, err := fv.BoolToken(validate.FieldReingest, raw)
		assert.NoError(t, err, raw)
	}

	got, err := fv.BoolToken(validate.FieldReingest, "t r u e")
	require.NoError(t, err)
	assert.Equal(t, "TRUE", got)

	_, err = fv.BoolToken(validate.FieldTestOnly, "maybe")
	require.Error(t, err)
}

func TestIngestType(t *testing.T) {
	fv := newFields()

	got, err := fv.IngestType("LEV2")
	require.NoError(t, err)
	assert.Equal(t, "lev2", got)

	_, err = fv.IngestType("lev3")
	require.Error(t, err)
}

func TestKOAID(t *testing.T) {
	fv := newFields()

	got, err := fv.KOAID("KB.20230115.45000.50.fits")
	require.NoError(t, err)
	assert.Equal(t, "KB.20230115.45000.50", got)

	again, err := fv.KOAID(got)
	require.NoError(t, err)
	assert.Equal(t, got, again, "normalization must be idempotent")

	got, err = fv.KOAID("HI.20200228.86399.99.fits")
	require.NoError(t, err)
	assert.Equal(t, "HI.20200228.86399.99", got)
}

func TestKOAID_Invalid(t *testing.T) {
	fv := newFields()

	tests := []struct {
		name string
		raw  string
	}{
		{"blank", " "},
		{"too few parts", "KB.20230115.45000"},
		{"too many parts", "KB.20230115.45000.50.fits.gz"},
		{"wrong file type", "KB.20230115.45000.50.txt"},
		{"unknown prefix", "ZZ.20230115.45000.50.fits"},
		{"short seconds", "KB.20230115.4500.50.fits"},
		{"non-digit seconds", "KB.20230115.4500a.50.fits"},
		{"long decimal", "KB.20230115.45000.500.fits"},
		{"past end of day", "KB.20230115.86400.00.fits"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := fv.KOAID(tt.raw)
			require.Error(t, err)
			assert.True(t, errors.Is(err, validate.ErrValidation))
		})
	}
}

func TestKOAID_BadDateIsDateParseError(t *testing.T) {
	fv := newFields()

	_, err := fv.KOAID("KB.20231345.45000.50.fits")
	require.Error(t, err)

	var dpe *validate.DateParseError
	require.True(t, errors.As(err, &dpe))
	assert.Equal(t, "YYYYMMDD", dpe.Format)
	assert.True(t, validate.IsDateParse(err))
}

func TestDate(t *testing.T) {
	fv := newFields()

	got, err := fv.Date(validate.FieldUTDate, "2023-01-15", validate.UTDateLayout)
	require.NoError(t, err)
	assert.Equal(t, "2023-01-15", got)

	_, err = fv.Date(validate.FieldUTDate, "20230115", validate.UTDateLayout)
	require.Error(t, err)
	assert.True(t, validate.IsDateParse(err))
	assert.Contains(t, err.Error(), "YYYY-MM-DD")
}

func TestMetrics(t *testing.T) {
	fv := newFields()

	raw := `{"ingest_start_time": "2023-01-16 01:00:00",
		"ingest_copy_start_time": "",
		"ingest_copy_end_time": "2023-01-16 01:04:00",
		"ingest_end_time": "2023-01-16 01:05:00"}`
	got, err := fv.Metrics(raw)
	require.NoError(t, err)
	assert.Equal(t, "2023-01-16 01:00:00", got["ingest_start_time"])
	assert.Equal(t, "", got["ingest_copy_start_time"])
	assert.Equal(t, "2023-01-16 01:04:00", got["ingest_copy_end_time"])
}

func TestMetrics_CopyKeysMustBePresent(t *testing.T) {
	fv := newFields()

	_, err := fv.Metrics(`{"ingest_start_time": "2023-01-16 01:00:00", "ingest_end_time": "2023-01-16 01:05:00"}`)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "missing metrics data - ingest_copy_start_time")

	_, err = fv.Metrics(`{"ingest_start_time": "2023-01-16 01:00:00", "ingest_copy_start_time": "",
		"ingest_end_time": "2023-01-16 01:05:00"}`)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "missing metrics data - ingest_copy_end_time")
}

func TestMetrics_Invalid(t *testing.T) {
	fv := newFields()

	_, err := fv.Metrics("not json")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cannot parse metrics")

	_, err = fv.Metrics(`{"ingest_start_time": "2023-01-16 01:00:00", "ingest_copy_start_time": "", "ingest_copy_end_time": ""}`)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "missing metrics data - ingest_end_time")

	_, err = fv.Metrics(`{"ingest_start_time": "2023-01-16T01:00:00", "ingest_copy_start_time": "", "ingest_copy_end_time": "", "ingest_end_time": "2023-01-16 01:05:00"}`)
	require.Error(t, err)
	assert.True(t, validate.IsDateParse(err))
	assert.Contains(t, err.Error(), "ingest_start_time")

	_, err = fv.Metrics(`{"ingest_start_time": 12, "ingest_copy_start_time": "", "ingest_copy_end_time": "", "ingest_end_time": "2023-01-16 01:05:00"}`)
	require.Error(t, err)
	assert.False(t, validate.IsDateParse(err))

	_, err = fv.Metrics(`{"ingest_start_time": "", "ingest_copy_start_time": "", "ingest_copy_end_time": "", "ingest_end_time": "2023-01-16 01:05:00"}`)
	require.Error(t, err, "only copy timestamps may be empty")
}
