package exam

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"sync"
	"time"

	"github.com/bytedance/sonic"
	jsonpatch "github.com/evanphx/json-patch/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/ceexam/ceexam/internal/formflow"
	"github.com/ceexam/ceexam/internal/platform/auth"
	"github.com/ceexam/ceexam/internal/platform/autofill"
	"github.com/ceexam/ceexam/internal/platform/blobstore"
	"github.com/ceexam/ceexam/internal/platform/report"
	"github.com/ceexam/ceexam/pkg/pagination"
)

var (
	ErrSessionNotFound = errors.New("exam session not found")
	ErrStorageKeyInUse = errors.New("storage key is held by another user's session")
	ErrInvalidPatch    = errors.New("invalid merge patch")
)

// shutdownSaveConcurrency bounds the parallel draft writes in SaveDirty.
const shutdownSaveConcurrency = 4

// Deps wires the service. Zero-valued fields fall back to in-memory
// implementations; a nil Filler disables autofill.
type Deps struct {
	Registry         *formflow.Registry
	Storage          formflow.Storage
	Reports          ReportRepository
	Blobs            blobstore.BlobStore
	Generator        *report.Generator
	Filler           *autofill.Filler
	Logger           zerolog.Logger
	RevalidateDelay  time.Duration
	AutosaveInterval time.Duration
	Now              func() time.Time
	// NewScheduler builds each session's timer scheduler. Nil uses
	// formflow.NewTimerScheduler.
	NewScheduler func() formflow.Scheduler
}

// Service hosts one form session per clinician draft.
type Service struct {
	reg              *formflow.Registry
	storage          formflow.Storage
	reports          ReportRepository
	blobs            blobstore.BlobStore
	pdf              *report.Generator
	filler           *autofill.Filler
	log              zerolog.Logger
	revalidateDelay  time.Duration
	autosaveInterval time.Duration
	now              func() time.Time
	newScheduler     func() formflow.Scheduler

	mu       sync.RWMutex
	sessions map[uuid.UUID]*entry
	byKey    map[string]uuid.UUID
}

type entry struct {
	id        uuid.UUID
	owner     string
	createdAt time.Time
	session   *formflow.Session

	// edit serialises read-modify-write updates (merge patch, autofill).
	edit sync.Mutex
}

func NewService(d Deps) *Service {
	s := &Service{
		reg:              d.Registry,
		storage:          d.Storage,
		reports:          d.Reports,
		blobs:            d.Blobs,
		pdf:              d.Generator,
		filler:           d.Filler,
		log:              d.Logger,
		revalidateDelay:  d.RevalidateDelay,
		autosaveInterval: d.AutosaveInterval,
		now:              d.Now,
		newScheduler:     d.NewScheduler,
		sessions:         make(map[uuid.UUID]*entry),
		byKey:            make(map[string]uuid.UUID),
	}
	if s.reg == nil {
		s.reg = formflow.DefaultRegistry()
	}
	if s.storage == nil {
		s.storage = formflow.NewMemoryStorage()
	}
	if s.reports == nil {
		s.reports = NewMemoryReportRepo()
	}
	if s.blobs == nil {
		s.blobs = blobstore.NewInMemoryBlobStore()
	}
	if s.now == nil {
		s.now = time.Now
	}
	if s.pdf == nil {
		s.pdf = report.NewGenerator(report.WithClock(s.now))
	}
	if s.newScheduler == nil {
		s.newScheduler = func() formflow.Scheduler { return formflow.NewTimerScheduler() }
	}
	if s.revalidateDelay <= 0 {
		s.revalidateDelay = formflow.DefaultRevalidateDelay
	}
	return s
}

func (s *Service) Registry() *formflow.Registry { return s.reg }

// AutofillEnabled reports whether a chat model is configured.
func (s *Service) AutofillEnabled() bool { return s.filler != nil }

// -- Sessions --

// CreateSession opens a draft session and loads any stored draft for its key.
// If a live session already holds the key and belongs to the caller, that
// session is returned instead.
func (s *Service) CreateSession(ctx context.Context, req CreateSessionRequest) (*SessionView, error) {
	owner := auth.UserIDFromContext(ctx)
	key := req.StorageKey
	if key == "" {
		key = formflow.DefaultStorageKey
		if owner != "" {
			key += ":" + owner
		}
	}

	s.mu.Lock()
	if id, ok := s.byKey[key]; ok {
		e := s.sessions[id]
		s.mu.Unlock()
		if !canAccess(ctx, e) {
			return nil, ErrStorageKeyInUse
		}
		return s.view(e), nil
	}
	id := uuid.New()
	log := s.log.With().Str("exam_session", id.String()).Str("storage_key", key).Logger()
	opts := []formflow.Option{
		formflow.WithStorage(s.storage),
		formflow.WithStorageKey(key),
		formflow.WithLogger(log),
		formflow.WithClock(s.now),
		formflow.WithRevalidateDelay(s.revalidateDelay),
		formflow.WithAutosave(s.autosaveInterval),
		formflow.WithScheduler(s.newScheduler()),
		formflow.WithSubmitFunc(s.submitFunc(key, owner)),
		formflow.WithStepChangeHook(func(i int) {
			log.Debug().Int("step", i).Msg("step changed")
		}),
		formflow.WithSectionCompleteHook(func(step string) {
			log.Info().Str("section", step).Msg("section complete")
		}),
	}
	if req.Landing {
		opts = append(opts, formflow.WithLanding())
	}
	e := &entry{
		id:        id,
		owner:     owner,
		createdAt: s.now().UTC(),
		session:   formflow.NewSession(s.reg, opts...),
	}
	s.sessions[id] = e
	s.byKey[key] = id
	s.mu.Unlock()

	// A failed load leaves an empty draft, which is still usable.
	if err := e.session.Init(ctx); err != nil {
		log.Warn().Err(err).Msg("initial draft load failed")
	}
	log.Info().Str("owner", owner).Msg("exam session opened")
	return s.view(e), nil
}

func (s *Service) GetSession(ctx context.Context, id uuid.UUID) (*SessionView, error) {
	e, err := s.lookup(ctx, id)
	if err != nil {
		return nil, err
	}
	return s.view(e), nil
}

// ListSessions returns the sessions visible to the caller, oldest first.
func (s *Service) ListSessions(ctx context.Context, limit, offset int) ([]*SessionSummary, int) {
	s.mu.RLock()
	entries := make([]*entry, 0, len(s.sessions))
	for _, e := range s.sessions {
		if canAccess(ctx, e) {
			entries = append(entries, e)
		}
	}
	s.mu.RUnlock()

	sort.Slice(entries, func(i, j int) bool {
		if !entries[i].createdAt.Equal(entries[j].createdAt) {
			return entries[i].createdAt.Before(entries[j].createdAt)
		}
		return entries[i].id.String() < entries[j].id.String()
	})
	page := pagination.Page(entries, pagination.Params{Limit: limit, Offset: offset})
	out := make([]*SessionSummary, 0, len(page))
	for _, e := range page {
		st := e.session.Snapshot()
		out = append(out, &SessionSummary{
			ID:                e.id,
			StorageKey:        e.session.StorageKey(),
			Owner:             e.owner,
			CreatedAt:         e.createdAt,
			CurrentStepIndex:  st.CurrentStepIndex,
			OverallProgress:   st.OverallProgress,
			HasUnsavedChanges: st.HasUnsavedChanges,
		})
	}
	return out, len(entries)
}

// CloseSession stops the session's timers and forgets it. Unsaved changes
// are dropped.
func (s *Service) CloseSession(ctx context.Context, id uuid.UUID) error {
	e, err := s.lookup(ctx, id)
	if err != nil {
		return err
	}
	s.mu.Lock()
	delete(s.sessions, id)
	if s.byKey[e.session.StorageKey()] == id {
		delete(s.byKey, e.session.StorageKey())
	}
	s.mu.Unlock()
	e.session.Close()
	s.log.Info().Str("exam_session", id.String()).Msg("exam session closed")
	return nil
}

// -- Section data --

func (s *Service) UpdateSection(ctx context.Context, id uuid.UUID, step string, data map[string]any) (*SessionView, error) {
	e, err := s.lookup(ctx, id)
	if err != nil {
		return nil, err
	}
	e.edit.Lock()
	defer e.edit.Unlock()
	if err := e.session.UpdateSection(step, data); err != nil {
		return nil, err
	}
	return s.view(e), nil
}

// PatchSection applies an RFC 7386 merge patch to the section's current
// record and writes the result.
func (s *Service) PatchSection(ctx context.Context, id uuid.UUID, step string, patch []byte) (*SessionView, error) {
	e, err := s.lookup(ctx, id)
	if err != nil {
		return nil, err
	}
	e.edit.Lock()
	defer e.edit.Unlock()
	merged, err := mergeSection(e.session.SectionData()[step], patch)
	if err != nil {
		return nil, err
	}
	if err := e.session.UpdateSection(step, merged); err != nil {
		return nil, err
	}
	return s.view(e), nil
}

// PreviewSection writes without scheduling revalidation or autosave.
func (s *Service) PreviewSection(ctx context.Context, id uuid.UUID, step string, data map[string]any) (*SessionView, error) {
	e, err := s.lookup(ctx, id)
	if err != nil {
		return nil, err
	}
	e.edit.Lock()
	defer e.edit.Unlock()
	if err := e.session.UpdateSectionImmediate(step, data); err != nil {
		return nil, err
	}
	return s.view(e), nil
}

func (s *Service) ResetSection(ctx context.Context, id uuid.UUID, step string) (*SessionView, error) {
	e, err := s.lookup(ctx, id)
	if err != nil {
		return nil, err
	}
	e.edit.Lock()
	defer e.edit.Unlock()
	if err := e.session.ResetSection(step); err != nil {
		return nil, err
	}
	return s.view(e), nil
}

func mergeSection(current map[string]any, patch []byte) (map[string]any, error) {
	if current == nil {
		current = map[string]any{}
	}
	orig, err := sonic.Marshal(current)
	if err != nil {
		return nil, fmt.Errorf("encode section: %w", err)
	}
	out, err := jsonpatch.MergePatch(orig, patch)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPatch, err)
	}
	var merged map[string]any
	if err := sonic.Unmarshal(out, &merged); err != nil || merged == nil {
		return nil, fmt.Errorf("%w: result is not an object", ErrInvalidPatch)
	}
	return merged, nil
}

// -- Navigation --

func (s *Service) NextStep(ctx context.Context, id uuid.UUID) (*NavigationResult, error) {
	return s.navigate(ctx, id, func(sess *formflow.Session) bool { return sess.NextStep() })
}

func (s *Service) PreviousStep(ctx context.Context, id uuid.UUID) (*NavigationResult, error) {
	return s.navigate(ctx, id, func(sess *formflow.Session) bool { return sess.PreviousStep() })
}

func (s *Service) GoToStep(ctx context.Context, id uuid.UUID, index int) (*NavigationResult, error) {
	return s.navigate(ctx, id, func(sess *formflow.Session) bool { return sess.GoToStep(index) })
}

func (s *Service) navigate(ctx context.Context, id uuid.UUID, move func(*formflow.Session) bool) (*NavigationResult, error) {
	e, err := s.lookup(ctx, id)
	if err != nil {
		return nil, err
	}
	moved := move(e.session)
	return &NavigationResult{Moved: moved, Session: s.view(e)}, nil
}

// -- Persistence --

func (s *Service) SaveForm(ctx context.Context, id uuid.UUID) (*SessionView, error) {
	e, err := s.lookup(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := e.session.SaveForm(ctx); err != nil {
		return nil, err
	}
	return s.view(e), nil
}

// LoadForm reports whether a stored draft was found.
func (s *Service) LoadForm(ctx context.Context, id uuid.UUID) (bool, *SessionView, error) {
	e, err := s.lookup(ctx, id)
	if err != nil {
		return false, nil, err
	}
	found, err := e.session.LoadForm(ctx)
	if err != nil {
		return false, nil, err
	}
	return found, s.view(e), nil
}

func (s *Service) ResetForm(ctx context.Context, id uuid.UUID) (*SessionView, error) {
	e, err := s.lookup(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := e.session.ResetForm(ctx); err != nil {
		return nil, err
	}
	return s.view(e), nil
}

// SaveDirty writes every session with unsaved changes. It is used on
// shutdown, so it tries all sessions and joins the failures.
func (s *Service) SaveDirty(ctx context.Context) error {
	s.mu.RLock()
	var dirty []*entry
	for _, e := range s.sessions {
		if e.session.Snapshot().HasUnsavedChanges {
			dirty = append(dirty, e)
		}
	}
	s.mu.RUnlock()

	var (
		g    errgroup.Group
		mu   sync.Mutex
		errs []error
	)
	g.SetLimit(shutdownSaveConcurrency)
	for _, e := range dirty {
		g.Go(func() error {
			if err := e.session.SaveForm(ctx); err != nil {
				mu.Lock()
				errs = append(errs, fmt.Errorf("session %s: %w", e.id, err))
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	if len(dirty) > 0 {
		s.log.Info().Int("sessions", len(dirty)).Int("failed", len(errs)).Msg("saved dirty drafts")
	}
	return errors.Join(errs...)
}

// CloseAll closes every session.
func (s *Service) CloseAll() {
	s.mu.Lock()
	entries := make([]*entry, 0, len(s.sessions))
	for _, e := range s.sessions {
		entries = append(entries, e)
	}
	s.sessions = make(map[uuid.UUID]*entry)
	s.byKey = make(map[string]uuid.UUID)
	s.mu.Unlock()
	for _, e := range entries {
		e.session.Close()
	}
}

// -- Submission and export --

// SubmitForm returns the submit handler's verdict with the resulting state.
// An incomplete form yields formflow.ErrIncompleteForm.
func (s *Service) SubmitForm(ctx context.Context, id uuid.UUID) (bool, *SessionView, error) {
	e, err := s.lookup(ctx, id)
	if err != nil {
		return false, nil, err
	}
	ok, err := e.session.SubmitForm(ctx)
	return ok, s.view(e), err
}

// submitFunc persists a finished exam: it renders the PDF, archives it and
// records the report. A failure at any point leaves no report behind.
func (s *Service) submitFunc(key, owner string) formflow.SubmitFunc {
	return func(ctx context.Context, sub formflow.Submission) (bool, error) {
		pdf, err := s.pdf.Generate(sub.Sections)
		if err != nil {
			return false, fmt.Errorf("render report: %w", err)
		}
		rep := &Report{
			ID:          uuid.New(),
			StorageKey:  key,
			Status:      sub.Status,
			Sections:    sub.Sections,
			PDFFilename: report.FilenameFor(sub.Sections, sub.CompletionDate),
			SubmittedBy: owner,
			CompletedAt: sub.CompletionDate,
		}
		rep.ClaimantName, rep.ExamDate = headerFields(sub.Sections)

		meta, err := s.blobs.Put(ctx, blobstore.BlobMetadata{
			FileName:    rep.PDFFilename,
			ContentType: "application/pdf",
			ReportID:    rep.ID.String(),
			CreatedBy:   owner,
		}, bytes.NewReader(pdf))
		if err != nil {
			return false, fmt.Errorf("archive report: %w", err)
		}
		rep.PDFBlobID = meta.ID

		if err := s.reports.Create(ctx, rep); err != nil {
			if derr := s.blobs.Delete(ctx, meta.ID); derr != nil {
				s.log.Warn().Err(derr).Str("blob_id", meta.ID).Msg("orphaned report pdf")
			}
			return false, fmt.Errorf("store report: %w", err)
		}
		s.log.Info().
			Str("report_id", rep.ID.String()).
			Str("storage_key", key).
			Int("pdf_bytes", len(pdf)).
			Msg("exam submitted")
		return true, nil
	}
}

func headerFields(sections map[string]map[string]any) (name, date string) {
	h := sections["header"]
	if v, ok := formflow.Lookup(h, "claimantName"); ok {
		name, _ = v.(string)
	}
	if v, ok := formflow.Lookup(h, "examDate"); ok {
		date, _ = v.(string)
	}
	return name, date
}

// RenderPDF renders the session's current data, complete or not.
func (s *Service) RenderPDF(ctx context.Context, id uuid.UUID) ([]byte, string, error) {
	e, err := s.lookup(ctx, id)
	if err != nil {
		return nil, "", err
	}
	data := e.session.SectionData()
	pdf, err := s.pdf.Generate(data)
	if err != nil {
		return nil, "", err
	}
	return pdf, report.FilenameFor(data, s.now()), nil
}

// Autofill asks the chat model to extract section data from text and merges
// each returned section into the session. Null values in the reply are
// ignored so they never erase what the clinician entered.
func (s *Service) Autofill(ctx context.Context, id uuid.UUID, text string) (*AutofillResult, error) {
	e, err := s.lookup(ctx, id)
	if err != nil {
		return nil, err
	}
	if s.filler == nil {
		return nil, autofill.ErrNotConfigured
	}
	reply, err := s.filler.Fill(ctx, text, nil)
	if err != nil {
		return nil, err
	}
	proposed := autofill.Sections(reply)

	e.edit.Lock()
	defer e.edit.Unlock()
	current := e.session.SectionData()
	applied := []string{}
	for _, step := range s.reg.Steps() {
		rec, ok := proposed[step.ID]
		if !ok || step.IsAggregation() {
			continue
		}
		patch, err := sonic.Marshal(dropNulls(rec))
		if err != nil {
			return nil, fmt.Errorf("encode autofill section %s: %w", step.ID, err)
		}
		merged, err := mergeSection(current[step.ID], patch)
		if err != nil {
			return nil, err
		}
		if err := e.session.UpdateSection(step.ID, merged); err != nil {
			return nil, err
		}
		applied = append(applied, step.ID)
	}
	s.log.Info().Str("exam_session", id.String()).Strs("sections", applied).Msg("autofill applied")
	return &AutofillResult{Applied: applied, Session: s.view(e)}, nil
}

func dropNulls(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		switch t := v.(type) {
		case nil:
		case map[string]any:
			out[k] = dropNulls(t)
		default:
			out[k] = v
		}
	}
	return out
}

// -- Reports --

func (s *Service) ListReports(ctx context.Context, limit, offset int) ([]*Report, int, error) {
	return s.reports.List(ctx, limit, offset)
}

func (s *Service) GetReport(ctx context.Context, id uuid.UUID) (*Report, error) {
	return s.reports.GetByID(ctx, id)
}

// ReportPDF opens the archived PDF of a submitted report.
func (s *Service) ReportPDF(ctx context.Context, id uuid.UUID) (io.ReadCloser, *Report, error) {
	rep, err := s.reports.GetByID(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	rc, _, err := s.blobs.Get(ctx, rep.PDFBlobID)
	if err != nil {
		return nil, nil, err
	}
	return rc, rep, nil
}

// -- helpers --

func (s *Service) lookup(ctx context.Context, id uuid.UUID) (*entry, error) {
	s.mu.RLock()
	e, ok := s.sessions[id]
	s.mu.RUnlock()
	if !ok || !canAccess(ctx, e) {
		return nil, ErrSessionNotFound
	}
	return e, nil
}

// canAccess lets owners and admins at a session. Sessions opened without an
// identity are open to everyone.
func canAccess(ctx context.Context, e *entry) bool {
	if e.owner == "" || auth.UserIDFromContext(ctx) == e.owner {
		return true
	}
	return auth.HasAnyRole(auth.RolesFromContext(ctx))
}

func (s *Service) view(e *entry) *SessionView {
	st := e.session.Snapshot()
	descs := s.reg.Steps()
	steps := make([]StepView, len(descs))
	for i, d := range descs {
		steps[i] = StepView{
			StepDescriptor: d,
			Index:          i,
			CanNavigate:    e.session.CanNavigateTo(i),
			Completed:      st.Completed(d.ID),
		}
	}
	return &SessionView{
		ID:         e.id,
		StorageKey: e.session.StorageKey(),
		Owner:      e.owner,
		CreatedAt:  e.createdAt,
		State:      st,
		Steps:      steps,
	}
}
