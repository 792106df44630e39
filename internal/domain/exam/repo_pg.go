package exam

import (
	"context"
	"errors"
	"fmt"

	"github.com/bytedance/sonic"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

type queryable interface {
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
}

// =========== Draft Store ===========

// DraftStorePG keeps form drafts in the form_drafts table, one JSONB document
// per storage key.
type DraftStorePG struct{ db queryable }

func NewDraftStorePG(pool *pgxpool.Pool) *DraftStorePG {
	return &DraftStorePG{db: pool}
}

func (s *DraftStorePG) Save(ctx context.Context, key string, data map[string]map[string]any) error {
	if data == nil {
		data = map[string]map[string]any{}
	}
	raw, err := sonic.Marshal(data)
	if err != nil {
		return fmt.Errorf("encode draft %s: %w", key, err)
	}
	_, err = s.db.Exec(ctx, `
		INSERT INTO form_drafts (key, data, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (key) DO UPDATE SET data = EXCLUDED.data, updated_at = NOW()`,
		key, raw)
	return err
}

func (s *DraftStorePG) Load(ctx context.Context, key string) (map[string]map[string]any, error) {
	var raw []byte
	err := s.db.QueryRow(ctx, `SELECT data FROM form_drafts WHERE key = $1`, key).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var out map[string]map[string]any
	if err := sonic.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("decode draft %s: %w", key, err)
	}
	if out == nil {
		out = map[string]map[string]any{}
	}
	return out, nil
}

func (s *DraftStorePG) Clear(ctx context.Context, key string) error {
	_, err := s.db.Exec(ctx, `DELETE FROM form_drafts WHERE key = $1`, key)
	return err
}

// =========== Report Repository ===========

type reportRepoPG struct{ db queryable }

func NewReportRepoPG(pool *pgxpool.Pool) ReportRepository {
	return &reportRepoPG{db: pool}
}

const reportSummaryCols = `id, storage_key, claimant_name, exam_date, status, pdf_filename,
	pdf_blob_id, submitted_by, completed_at, created_at`

func scanReportSummary(row pgx.Row) (*Report, error) {
	var r Report
	err := row.Scan(&r.ID, &r.StorageKey, &r.ClaimantName, &r.ExamDate, &r.Status,
		&r.PDFFilename, &r.PDFBlobID, &r.SubmittedBy, &r.CompletedAt, &r.CreatedAt)
	return &r, err
}

func (r *reportRepoPG) Create(ctx context.Context, rep *Report) error {
	if rep.ID == uuid.Nil {
		rep.ID = uuid.New()
	}
	sections, err := sonic.Marshal(rep.Sections)
	if err != nil {
		return fmt.Errorf("encode report sections: %w", err)
	}
	return r.db.QueryRow(ctx, `
		INSERT INTO exam_reports (id, storage_key, claimant_name, exam_date, status, sections,
			pdf_filename, pdf_blob_id, submitted_by, completed_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
		RETURNING created_at`,
		rep.ID, rep.StorageKey, rep.ClaimantName, rep.ExamDate, rep.Status, sections,
		rep.PDFFilename, rep.PDFBlobID, rep.SubmittedBy, rep.CompletedAt,
	).Scan(&rep.CreatedAt)
}

func (r *reportRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*Report, error) {
	var raw []byte
	rep := &Report{}
	err := r.db.QueryRow(ctx, `SELECT `+reportSummaryCols+`, sections FROM exam_reports WHERE id = $1`, id).
		Scan(&rep.ID, &rep.StorageKey, &rep.ClaimantName, &rep.ExamDate, &rep.Status,
			&rep.PDFFilename, &rep.PDFBlobID, &rep.SubmittedBy, &rep.CompletedAt, &rep.CreatedAt, &raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrReportNotFound
	}
	if err != nil {
		return nil, err
	}
	if err := sonic.Unmarshal(raw, &rep.Sections); err != nil {
		return nil, fmt.Errorf("decode report sections: %w", err)
	}
	return rep, nil
}

func (r *reportRepoPG) List(ctx context.Context, limit, offset int) ([]*Report, int, error) {
	var total int
	if err := r.db.QueryRow(ctx, `SELECT COUNT(*) FROM exam_reports`).Scan(&total); err != nil {
		return nil, 0, err
	}
	rows, err := r.db.Query(ctx, `SELECT `+reportSummaryCols+` FROM exam_reports
		ORDER BY completed_at DESC LIMIT $1 OFFSET $2`, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	var items []*Report
	for rows.Next() {
		rep, err := scanReportSummary(rows)
		if err != nil {
			return nil, 0, err
		}
		items = append(items, rep)
	}
	return items, total, rows.Err()
}
