package exam

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ceexam/ceexam/internal/formflow"
	"github.com/ceexam/ceexam/pkg/pagination"
)

// memoryReportRepo backs the report list when no database is configured.
type memoryReportRepo struct {
	mu    sync.RWMutex
	items map[uuid.UUID]*Report
	now   func() time.Time
}

func NewMemoryReportRepo() ReportRepository {
	return &memoryReportRepo{items: make(map[uuid.UUID]*Report), now: time.Now}
}

func (m *memoryReportRepo) Create(_ context.Context, r *Report) error {
	if r.ID == uuid.Nil {
		r.ID = uuid.New()
	}
	r.CreatedAt = m.now().UTC()
	cp := *r
	cp.Sections = formflow.CloneSections(r.Sections)
	m.mu.Lock()
	m.items[r.ID] = &cp
	m.mu.Unlock()
	return nil
}

func (m *memoryReportRepo) GetByID(_ context.Context, id uuid.UUID) (*Report, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.items[id]
	if !ok {
		return nil, ErrReportNotFound
	}
	cp := *r
	cp.Sections = formflow.CloneSections(r.Sections)
	return &cp, nil
}

func (m *memoryReportRepo) List(_ context.Context, limit, offset int) ([]*Report, int, error) {
	m.mu.RLock()
	all := make([]*Report, 0, len(m.items))
	for _, r := range m.items {
		cp := *r
		cp.Sections = nil
		all = append(all, &cp)
	}
	m.mu.RUnlock()

	sort.Slice(all, func(i, j int) bool {
		if !all[i].CompletedAt.Equal(all[j].CompletedAt) {
			return all[i].CompletedAt.After(all[j].CompletedAt)
		}
		return all[i].ID.String() < all[j].ID.String()
	})
	return pagination.Page(all, pagination.Params{Limit: limit, Offset: offset}), len(all), nil
}
