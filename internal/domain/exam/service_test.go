package exam

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ceexam/ceexam/internal/formflow"
	"github.com/ceexam/ceexam/internal/platform/auth"
	"github.com/ceexam/ceexam/internal/platform/autofill"
	"github.com/ceexam/ceexam/internal/platform/blobstore"
)

var testNow = time.Date(2026, 3, 14, 10, 0, 0, 0, time.UTC)

// heldScheduler keeps callbacks until flush runs them.
type heldScheduler struct {
	mu      sync.Mutex
	pending map[string]func()
}

func (h *heldScheduler) Schedule(key string, _ time.Duration, fn func()) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.pending != nil {
		h.pending[key] = fn
	}
}

func (h *heldScheduler) Cancel(key string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.pending, key)
}

func (h *heldScheduler) Pending(key string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	_, ok := h.pending[key]
	return ok
}

func (h *heldScheduler) Dispose() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.pending = nil
}

func (h *heldScheduler) flush() {
	h.mu.Lock()
	fns := make([]func(), 0, len(h.pending))
	for k, fn := range h.pending {
		fns = append(fns, fn)
		delete(h.pending, k)
	}
	h.mu.Unlock()
	for _, fn := range fns {
		fn()
	}
}

// recordingBlobs remembers every blob id it handed out.
type recordingBlobs struct {
	blobstore.BlobStore
	mu  sync.Mutex
	ids []string
}

func (r *recordingBlobs) Put(ctx context.Context, meta blobstore.BlobMetadata, content io.Reader) (*blobstore.BlobMetadata, error) {
	out, err := r.BlobStore.Put(ctx, meta, content)
	if err == nil {
		r.mu.Lock()
		r.ids = append(r.ids, out.ID)
		r.mu.Unlock()
	}
	return out, err
}

type fakeChatModel struct{ reply string }

func (f *fakeChatModel) Generate(context.Context, []*schema.Message, ...model.Option) (*schema.Message, error) {
	return schema.AssistantMessage(f.reply, nil), nil
}

func (f *fakeChatModel) Stream(context.Context, []*schema.Message, ...model.Option) (*schema.StreamReader[*schema.Message], error) {
	return nil, errors.New("streaming not supported")
}

type testEnv struct {
	svc     *Service
	storage *formflow.MemoryStorage
	reports ReportRepository
	blobs   *recordingBlobs

	mu     sync.Mutex
	scheds []*heldScheduler
}

func (env *testEnv) flush() {
	env.mu.Lock()
	scheds := append([]*heldScheduler(nil), env.scheds...)
	env.mu.Unlock()
	for _, s := range scheds {
		s.flush()
	}
}

func newTestEnv(t *testing.T, mutate ...func(*Deps)) *testEnv {
	t.Helper()
	env := &testEnv{
		storage: formflow.NewMemoryStorage(),
		reports: NewMemoryReportRepo(),
		blobs:   &recordingBlobs{BlobStore: blobstore.NewInMemoryBlobStore()},
	}
	d := Deps{
		Storage: env.storage,
		Reports: env.reports,
		Blobs:   env.blobs,
		Logger:  zerolog.Nop(),
		Now:     func() time.Time { return testNow },
		NewScheduler: func() formflow.Scheduler {
			s := &heldScheduler{pending: make(map[string]func())}
			env.mu.Lock()
			env.scheds = append(env.scheds, s)
			env.mu.Unlock()
			return s
		},
	}
	for _, m := range mutate {
		m(&d)
	}
	env.svc = NewService(d)
	t.Cleanup(env.svc.CloseAll)
	return env
}

func userCtx(id string, roles ...string) context.Context {
	if len(roles) == 0 {
		roles = []string{auth.RolePhysician}
	}
	return auth.NewContext(context.Background(), id, id, roles)
}

func completeSections() map[string]map[string]any {
	return map[string]map[string]any{
		"header": {
			"claimantName":       "Jane Doe",
			"dateOfBirth":        "1970-04-02",
			"examDate":           "2026-03-14",
			"chiefComplaintTags": []any{"low back pain"},
		},
		"history": {
			"age": "55", "gender": "female", "pastMedicalHistory": "HTN",
			"medications": []any{"lisinopril"}, "allergies": []any{},
		},
		"physicalExam": {
			"generalAppearance": "Well developed",
			"vitalSigns":        map[string]any{"respiratoryRate": "16"},
		},
		"assessment": {
			"diagnosisAssessment": []any{"Lumbar strain"},
			"examinerInfo": map[string]any{
				"name": "Dr. Reyes", "facility": "Tampa Clinic", "date": "2026-03-14",
			},
			"examinerSignature": "data:image/png;base64,AAAA",
		},
	}
}

func TestService_CreateSession_LoadsDraft(t *testing.T) {
	env := newTestEnv(t)
	ctx := userCtx("u1")
	draft := map[string]map[string]any{"header": {"claimantName": "Stored"}}
	if err := env.storage.Save(ctx, formflow.DefaultStorageKey+":u1", draft); err != nil {
		t.Fatalf("seed draft: %v", err)
	}

	v, err := env.svc.CreateSession(ctx, CreateSessionRequest{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if v.StorageKey != "medical-intake-form:u1" {
		t.Errorf("expected per-user storage key, got %q", v.StorageKey)
	}
	if v.Owner != "u1" {
		t.Errorf("expected owner u1, got %q", v.Owner)
	}
	if got := v.State.SectionData["header"]["claimantName"]; got != "Stored" {
		t.Errorf("expected stored draft to be loaded, got %v", got)
	}
	if v.State.IsLoading {
		t.Error("expected session to have left the loading state")
	}
	if len(v.Steps) != 9 {
		t.Fatalf("expected 9 steps, got %d", len(v.Steps))
	}
	if !v.Steps[0].CanNavigate || v.Steps[1].CanNavigate {
		t.Errorf("expected only the first step unlocked, got %+v", v.Steps[:2])
	}
}

func TestService_CreateSession_ResumesLiveSession(t *testing.T) {
	env := newTestEnv(t)
	ctx := userCtx("u1")
	a, err := env.svc.CreateSession(ctx, CreateSessionRequest{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	b, err := env.svc.CreateSession(ctx, CreateSessionRequest{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if a.ID != b.ID {
		t.Errorf("expected the live session to be resumed, got %s and %s", a.ID, b.ID)
	}
}

func TestService_CreateSession_KeyHeldByOtherUser(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.svc.CreateSession(userCtx("u1"), CreateSessionRequest{StorageKey: "shared"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	_, err := env.svc.CreateSession(userCtx("u2"), CreateSessionRequest{StorageKey: "shared"})
	if !errors.Is(err, ErrStorageKeyInUse) {
		t.Errorf("expected ErrStorageKeyInUse, got %v", err)
	}
}

func TestService_Landing(t *testing.T) {
	env := newTestEnv(t)
	v, err := env.svc.CreateSession(userCtx("u1"), CreateSessionRequest{Landing: true})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if v.State.CurrentStepIndex != -1 {
		t.Errorf("expected landing index -1, got %d", v.State.CurrentStepIndex)
	}
}

func TestService_SessionsAreScopedToOwner(t *testing.T) {
	env := newTestEnv(t)
	v, _ := env.svc.CreateSession(userCtx("u1"), CreateSessionRequest{})

	if _, err := env.svc.GetSession(userCtx("u2"), v.ID); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("expected other user to get ErrSessionNotFound, got %v", err)
	}
	if _, err := env.svc.GetSession(userCtx("root", auth.RoleAdmin), v.ID); err != nil {
		t.Errorf("expected admin access, got %v", err)
	}

	env.svc.CreateSession(userCtx("u2"), CreateSessionRequest{})
	if _, total := env.svc.ListSessions(userCtx("u1"), 20, 0); total != 1 {
		t.Errorf("expected u1 to see 1 session, got %d", total)
	}
	if _, total := env.svc.ListSessions(userCtx("root", auth.RoleAdmin), 20, 0); total != 2 {
		t.Errorf("expected admin to see 2 sessions, got %d", total)
	}
}

func TestService_CloseSession(t *testing.T) {
	env := newTestEnv(t)
	ctx := userCtx("u1")
	v, _ := env.svc.CreateSession(ctx, CreateSessionRequest{})

	if err := env.svc.CloseSession(ctx, v.ID); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := env.svc.GetSession(ctx, v.ID); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("expected closed session to be gone, got %v", err)
	}
	again, err := env.svc.CreateSession(ctx, CreateSessionRequest{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if again.ID == v.ID {
		t.Error("expected a fresh session after close")
	}
}

func TestService_PatchSection_MergesKeys(t *testing.T) {
	env := newTestEnv(t)
	ctx := userCtx("u1")
	v, _ := env.svc.CreateSession(ctx, CreateSessionRequest{})
	if _, err := env.svc.UpdateSection(ctx, v.ID, "header", map[string]any{
		"claimantName": "Jane Doe", "caseNumber": "FL-1",
	}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	got, err := env.svc.PatchSection(ctx, v.ID, "header", []byte(`{"caseNumber":null,"examDate":"2026-03-14"}`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	header := got.State.SectionData["header"]
	if header["claimantName"] != "Jane Doe" {
		t.Errorf("expected untouched key to survive, got %v", header["claimantName"])
	}
	if _, ok := header["caseNumber"]; ok {
		t.Error("expected null to remove caseNumber")
	}
	if header["examDate"] != "2026-03-14" {
		t.Errorf("expected examDate to be added, got %v", header["examDate"])
	}
	if !got.State.HasUnsavedChanges {
		t.Error("expected the patch to mark the session dirty")
	}
}

func TestService_PatchSection_Errors(t *testing.T) {
	env := newTestEnv(t)
	ctx := userCtx("u1")
	v, _ := env.svc.CreateSession(ctx, CreateSessionRequest{})

	for _, patch := range []string{`not json`, `[1,2]`} {
		if _, err := env.svc.PatchSection(ctx, v.ID, "header", []byte(patch)); !errors.Is(err, ErrInvalidPatch) {
			t.Errorf("patch %s: expected ErrInvalidPatch, got %v", patch, err)
		}
	}
	if _, err := env.svc.PatchSection(ctx, v.ID, "nope", []byte(`{}`)); !errors.Is(err, formflow.ErrUnknownStep) {
		t.Errorf("expected ErrUnknownStep, got %v", err)
	}
}

func TestService_NavigationFollowsCompletion(t *testing.T) {
	env := newTestEnv(t)
	ctx := userCtx("u1")
	v, _ := env.svc.CreateSession(ctx, CreateSessionRequest{})

	res, err := env.svc.NextStep(ctx, v.ID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Moved {
		t.Fatal("expected next to be refused while header is incomplete")
	}
	if res, _ := env.svc.PreviousStep(ctx, v.ID); res.Moved {
		t.Error("expected previous to be refused at the first step")
	}

	env.svc.UpdateSection(ctx, v.ID, "header", completeSections()["header"])
	env.flush()

	res, err = env.svc.NextStep(ctx, v.ID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !res.Moved || res.Session.State.CurrentStepIndex != 1 {
		t.Fatalf("expected to move to step 1, got moved=%v index=%d", res.Moved, res.Session.State.CurrentStepIndex)
	}
	if res, _ := env.svc.GoToStep(ctx, v.ID, 5); res.Moved {
		t.Error("expected step 5 to be locked")
	}
	if res, _ := env.svc.GoToStep(ctx, v.ID, 0); !res.Moved {
		t.Error("expected to go back to step 0")
	}
}

func TestService_SaveAndReset(t *testing.T) {
	env := newTestEnv(t)
	ctx := userCtx("u1")
	v, _ := env.svc.CreateSession(ctx, CreateSessionRequest{})
	env.svc.UpdateSection(ctx, v.ID, "header", map[string]any{"claimantName": "Jane"})

	saved, err := env.svc.SaveForm(ctx, v.ID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if saved.State.HasUnsavedChanges || saved.State.LastSavedAt == nil {
		t.Errorf("expected a clean saved session, got %+v", saved.State)
	}
	stored, _ := env.storage.Load(ctx, v.StorageKey)
	if stored["header"]["claimantName"] != "Jane" {
		t.Errorf("expected draft in storage, got %v", stored)
	}

	found, loaded, err := env.svc.LoadForm(ctx, v.ID)
	if err != nil || !found {
		t.Fatalf("expected draft to load, found=%v err=%v", found, err)
	}
	if loaded.State.SectionData["header"]["claimantName"] != "Jane" {
		t.Error("expected loaded data")
	}

	reset, err := env.svc.ResetForm(ctx, v.ID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(reset.State.SectionData) != 0 {
		t.Errorf("expected empty sections after reset, got %v", reset.State.SectionData)
	}
}

func TestService_SaveDirty(t *testing.T) {
	env := newTestEnv(t)
	a, _ := env.svc.CreateSession(userCtx("u1"), CreateSessionRequest{})
	env.svc.CreateSession(userCtx("u2"), CreateSessionRequest{})
	env.svc.UpdateSection(userCtx("u1"), a.ID, "header", map[string]any{"claimantName": "Jane"})

	if err := env.svc.SaveDirty(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, ok := env.storage.Raw(a.StorageKey); !ok {
		t.Error("expected dirty session to be saved")
	}
	if _, ok := env.storage.Raw("medical-intake-form:u2"); ok {
		t.Error("expected clean session to be skipped")
	}
}

func TestService_SubmitIncomplete(t *testing.T) {
	env := newTestEnv(t)
	ctx := userCtx("u1")
	v, _ := env.svc.CreateSession(ctx, CreateSessionRequest{})

	ok, got, err := env.svc.SubmitForm(ctx, v.ID)
	if ok || !errors.Is(err, formflow.ErrIncompleteForm) {
		t.Fatalf("expected ErrIncompleteForm, got ok=%v err=%v", ok, err)
	}
	if !got.State.SubmitAttempted {
		t.Error("expected submit_attempted to be set")
	}
	if _, total, _ := env.reports.List(ctx, 10, 0); total != 0 {
		t.Errorf("expected no report, got %d", total)
	}
}

func TestService_SubmitStoresReportAndPDF(t *testing.T) {
	env := newTestEnv(t)
	ctx := userCtx("u1")
	v, _ := env.svc.CreateSession(ctx, CreateSessionRequest{})
	for id, data := range completeSections() {
		if _, err := env.svc.UpdateSection(ctx, v.ID, id, data); err != nil {
			t.Fatalf("update %s: %v", id, err)
		}
	}

	ok, _, err := env.svc.SubmitForm(ctx, v.ID)
	if err != nil || !ok {
		t.Fatalf("expected submission to succeed, ok=%v err=%v", ok, err)
	}

	items, total, err := env.svc.ListReports(ctx, 10, 0)
	if err != nil || total != 1 {
		t.Fatalf("expected 1 report, got %d (err %v)", total, err)
	}
	rep := items[0]
	if rep.ClaimantName != "Jane Doe" || rep.ExamDate != "2026-03-14" {
		t.Errorf("unexpected header fields: %+v", rep)
	}
	if rep.PDFFilename != "CE_Exam_Jane_Doe_20260314.pdf" {
		t.Errorf("unexpected filename %q", rep.PDFFilename)
	}
	if rep.Status != "completed" || rep.SubmittedBy != "u1" {
		t.Errorf("unexpected status/submitter: %q %q", rep.Status, rep.SubmittedBy)
	}

	full, err := env.svc.GetReport(ctx, rep.ID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if full.Sections["header"]["claimantName"] != "Jane Doe" {
		t.Error("expected sections on the full report")
	}

	rc, _, err := env.svc.ReportPDF(ctx, rep.ID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer rc.Close()
	pdf, _ := io.ReadAll(rc)
	if len(pdf) < 4 || string(pdf[:4]) != "%PDF" {
		t.Error("expected archived PDF")
	}
}

type failingReports struct{ ReportRepository }

func (failingReports) Create(context.Context, *Report) error { return errors.New("db down") }

func TestService_SubmitFailureLeavesNoBlob(t *testing.T) {
	env := newTestEnv(t, func(d *Deps) { d.Reports = failingReports{NewMemoryReportRepo()} })
	ctx := userCtx("u1")
	v, _ := env.svc.CreateSession(ctx, CreateSessionRequest{})
	for id, data := range completeSections() {
		env.svc.UpdateSection(ctx, v.ID, id, data)
	}

	ok, got, err := env.svc.SubmitForm(ctx, v.ID)
	if ok || err == nil {
		t.Fatalf("expected submission failure, ok=%v err=%v", ok, err)
	}
	if got.State.IsSubmitting {
		t.Error("expected is_submitting to be cleared")
	}
	if len(env.blobs.ids) != 1 {
		t.Fatalf("expected one archived PDF, got %d", len(env.blobs.ids))
	}
	if _, err := env.blobs.Stat(context.Background(), env.blobs.ids[0]); !errors.Is(err, blobstore.ErrBlobNotFound) {
		t.Errorf("expected archived PDF to be removed, got %v", err)
	}
}

func TestService_RenderPDF(t *testing.T) {
	env := newTestEnv(t)
	ctx := userCtx("u1")
	v, _ := env.svc.CreateSession(ctx, CreateSessionRequest{})

	pdf, name, err := env.svc.RenderPDF(ctx, v.ID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if name != "CE_Exam_Unknown_20260314.pdf" {
		t.Errorf("unexpected filename %q", name)
	}
	if string(pdf[:4]) != "%PDF" {
		t.Error("expected a PDF")
	}
}

func TestService_AutofillNotConfigured(t *testing.T) {
	env := newTestEnv(t)
	ctx := userCtx("u1")
	v, _ := env.svc.CreateSession(ctx, CreateSessionRequest{})
	if _, err := env.svc.Autofill(ctx, v.ID, "notes"); !errors.Is(err, autofill.ErrNotConfigured) {
		t.Errorf("expected ErrNotConfigured, got %v", err)
	}
	if _, err := env.svc.Autofill(ctx, uuid.New(), "notes"); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("expected ErrSessionNotFound, got %v", err)
	}
}

func TestService_AutofillMergesSections(t *testing.T) {
	reply := "```json\n" + `{
		"header": {"claimantName": "Jane Doe", "caseNumber": null},
		"history": {"age": 54, "gender": "female"},
		"review": {"ignored": true},
		"unknown": {"x": 1},
		"note": "ignored"
	}` + "\n```"
	env := newTestEnv(t, func(d *Deps) {
		d.Filler = autofill.New(&fakeChatModel{reply: reply}, zerolog.Nop())
	})
	ctx := userCtx("u1")
	v, _ := env.svc.CreateSession(ctx, CreateSessionRequest{})
	env.svc.UpdateSection(ctx, v.ID, "header", map[string]any{"caseNumber": "FL-9"})

	res, err := env.svc.Autofill(ctx, v.ID, "Jane Doe, 54 year old female")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(res.Applied) != 2 || res.Applied[0] != "header" || res.Applied[1] != "history" {
		t.Errorf("expected header and history to be applied, got %v", res.Applied)
	}
	header := res.Session.State.SectionData["header"]
	if header["claimantName"] != "Jane Doe" {
		t.Errorf("expected claimantName from the model, got %v", header["claimantName"])
	}
	if header["caseNumber"] != "FL-9" {
		t.Errorf("expected a null in the reply to keep the entered value, got %v", header["caseNumber"])
	}
	if _, ok := res.Session.State.SectionData["review"]; ok {
		t.Error("expected the review step to be skipped")
	}
}
