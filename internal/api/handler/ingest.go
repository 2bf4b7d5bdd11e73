// Package handler holds the HTTP handlers behind the ingest API router.
package handler

import (
	"context"
	"net/http"

	"github.com/KeckObservatoryArchive/wmko-rti-interface/internal/api/response"
	"github.com/KeckObservatoryArchive/wmko-rti-interface/internal/ingest"
	"github.com/KeckObservatoryArchive/wmko-rti-interface/internal/validate"
	"github.com/KeckObservatoryArchive/wmko-rti-interface/pkg/models"
)

// ErrNoDevDatabase is reported for dev=true calls when no dev store is configured.
const ErrNoDevDatabase = "dev database not configured"

// Ingester runs a validated request against one database.
type Ingester interface {
	Ingest(ctx context.Context, req *validate.Request) *ingest.Result
}

// IngestResponse is the body of every /ingest_api answer.
type IngestResponse struct {
	APIStatus     models.Status       `json:"apiStatus"`
	IngestErrors  []string            `json:"ingestErrors"`
	Timestamp     string              `json:"timestamp"`
	StatusMessage string              `json:"statusMessage,omitempty"`
	Params        map[string]string   `json:"params"`
	Items         []ingest.ItemResult `json:"items,omitempty"`
}

// NewIngestHandler returns the handler for GET /ingest_api. dev may be nil.
//
// Every call that reaches the handler is answered with 200; the outcome is
// in apiStatus.
func NewIngestHandler(v *validate.Validator, prod, dev Ingester) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		raw := make(map[string]string)
		for k, vals := range r.URL.Query() {
			if len(vals) > 0 {
				raw[k] = vals[0]
			}
		}
		req := v.Parse(raw)

		svc := prod
		if req.Dev && dev != nil {
			svc = dev
		}

		var res *ingest.Result
		if req.OK() && req.Dev && dev == nil && !req.TestOnly {
			res = &ingest.Result{APIStatus: models.StatusError, Errors: []string{ErrNoDevDatabase}}
		} else {
			res = svc.Ingest(r.Context(), req)
		}

		errs := res.Errors
		if errs == nil {
			errs = []string{}
		}
		response.JSON(w, IngestResponse{
			APIStatus:     res.APIStatus,
			IngestErrors:  errs,
			Timestamp:     req.Received.Format(validate.TimestampLayout),
			StatusMessage: res.StatusMessage,
			Params:        req.Params,
			Items:         res.Items,
		})
	}
}
