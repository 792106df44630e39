package exam

import (
	"context"
	"errors"

	"github.com/google/uuid"
)

var ErrReportNotFound = errors.New("report not found")

type ReportRepository interface {
	Create(ctx context.Context, r *Report) error
	GetByID(ctx context.Context, id uuid.UUID) (*Report, error)
	// List returns reports newest first, without their section data.
	List(ctx context.Context, limit, offset int) ([]*Report, int, error)
}
