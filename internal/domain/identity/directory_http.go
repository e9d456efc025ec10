package identity

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ehr/outpatient/internal/platform/apperr"
)

type remotePatient struct {
	ID          uuid.UUID `json:"id"`
	DisplayName string    `json:"display_name"`
	FirstName   string    `json:"first_name"`
	LastName    string    `json:"last_name"`
}

// HTTPDirectory resolves patients against a remote registry exposing
// GET /patients/{id}.
type HTTPDirectory struct {
	client *resty.Client
	logger zerolog.Logger
}

func NewHTTPDirectory(baseURL string, logger zerolog.Logger) *HTTPDirectory {
	client := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(10*time.Second).
		SetRetryCount(2).
		SetRetryWaitTime(200*time.Millisecond).
		SetRetryMaxWaitTime(2*time.Second).
		SetHeader("Accept", "application/json")
	return &HTTPDirectory{client: client, logger: logger}
}

func (d *HTTPDirectory) ResolvePatient(ctx context.Context, id uuid.UUID) (*PatientRef, error) {
	var body remotePatient
	resp, err := d.client.R().
		SetContext(ctx).
		SetPathParam("id", id.String()).
		SetResult(&body).
		Get("/patients/{id}")
	if err != nil {
		d.logger.Error().Err(err).Str("patient_id", id.String()).Msg("patient registry call failed")
		return nil, fmt.Errorf("resolve patient %s: %w", id, err)
	}

	switch resp.StatusCode() {
	case http.StatusOK:
	case http.StatusNotFound:
		return nil, apperr.NotFound("patient", id)
	default:
		d.logger.Error().Int("status_code", resp.StatusCode()).Str("patient_id", id.String()).
			Msg("patient registry returned error")
		return nil, fmt.Errorf("resolve patient %s: registry status %d", id, resp.StatusCode())
	}

	name := body.DisplayName
	if name == "" {
		name = body.FirstName + " " + body.LastName
	}
	return &PatientRef{ID: id, DisplayName: name}, nil
}
