package identity

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/ehr/outpatient/internal/platform/apperr"
	"github.com/ehr/outpatient/internal/platform/db"
)

type pgDirectory struct{ pool db.Querier }

// NewPGDirectory reads the shared patient table. It never writes to it.
func NewPGDirectory(pool db.Querier) Directory { return &pgDirectory{pool: pool} }

func (d *pgDirectory) ResolvePatient(ctx context.Context, id uuid.UUID) (*PatientRef, error) {
	var first, last string
	err := db.Conn(ctx, d.pool).QueryRow(ctx,
		`SELECT first_name, last_name FROM patient WHERE id = $1`, id,
	).Scan(&first, &last)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperr.NotFound("patient", id)
	}
	if err != nil {
		return nil, fmt.Errorf("resolve patient %s: %w", id, err)
	}
	return &PatientRef{ID: id, DisplayName: strings.TrimSpace(first + " " + last)}, nil
}
