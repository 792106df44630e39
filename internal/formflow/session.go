package formflow

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

const (
	DefaultRevalidateDelay  = 300 * time.Millisecond
	DefaultAutosaveInterval = 30 * time.Second

	keyRevalidate = "revalidate"
	keyAutosave   = "autosave"
	keyPersist    = "persist"
)

// Submission is what the submit handler receives once every required section
// is complete.
type Submission struct {
	Sections       map[string]map[string]any `json:"sections"`
	Status         string                    `json:"status"`
	CompletionDate time.Time                 `json:"completion_date"`
}

// SubmitFunc delivers a finished form. It reports whether the submission was
// accepted.
type SubmitFunc func(ctx context.Context, sub Submission) (bool, error)

// Option configures a Session.
type Option func(*Session)

func WithStorage(st Storage) Option { return func(s *Session) { s.storage = st } }

func WithStorageKey(key string) Option {
	return func(s *Session) {
		if key != "" {
			s.storageKey = key
		}
	}
}

func WithScheduler(sched Scheduler) Option { return func(s *Session) { s.sched = sched } }

func WithSubmitFunc(fn SubmitFunc) Option { return func(s *Session) { s.submit = fn } }

func WithLogger(l zerolog.Logger) Option { return func(s *Session) { s.log = l } }

func WithClock(now func() time.Time) Option { return func(s *Session) { s.now = now } }

func WithRevalidateDelay(d time.Duration) Option { return func(s *Session) { s.revalidateDelay = d } }

// WithAutosave sets the autosave interval. Zero disables autosave.
func WithAutosave(interval time.Duration) Option {
	return func(s *Session) { s.autosaveInterval = interval }
}

// WithLanding starts the session before the first step (index -1).
func WithLanding() Option { return func(s *Session) { s.landing = true } }

func WithStepChangeHook(fn func(index int)) Option {
	return func(s *Session) { s.onStepChange = fn }
}

func WithSectionCompleteHook(fn func(stepID string)) Option {
	return func(s *Session) { s.onSectionComplete = fn }
}

// Session is the form state machine for one draft. All methods are safe for
// concurrent use; mutations are applied one at a time in call order.
type Session struct {
	mu sync.Mutex
	// saveMu orders storage writes so the empty draft from ResetForm lands
	// after any write already in flight.
	saveMu sync.Mutex

	reg              *Registry
	storage          Storage
	storageKey       string
	sched            Scheduler
	submit           SubmitFunc
	log              zerolog.Logger
	now              func() time.Time
	revalidateDelay  time.Duration
	autosaveInterval time.Duration
	landing          bool

	onStepChange      func(int)
	onSectionComplete func(string)

	current         int
	visited         map[int]struct{}
	sections        map[string]map[string]any
	validation      map[string]ValidationResult
	completed       map[string]struct{}
	progress        int
	dirty           bool
	lastSavedAt     *time.Time
	submitting      bool
	submitAttempted bool
	loading         bool
	closed          bool

	// rev increases on every data write so a save can tell whether the
	// session changed while the write was in flight.
	rev uint64
	// epoch increases on every ResetForm. Writes snapshotted under an older
	// epoch are dropped.
	epoch uint64
}

// NewSession builds a session over reg. The session starts in the loading
// state; call Init to read the stored draft.
func NewSession(reg *Registry, opts ...Option) *Session {
	s := &Session{
		reg:              reg,
		storageKey:       DefaultStorageKey,
		log:              zerolog.Nop(),
		now:              time.Now,
		revalidateDelay:  DefaultRevalidateDelay,
		autosaveInterval: DefaultAutosaveInterval,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.storage == nil {
		s.storage = NewMemoryStorage()
	}
	if s.sched == nil {
		s.sched = NewTimerScheduler()
	}
	s.resetStateLocked()
	s.loading = true
	return s
}

func (s *Session) initialIndex() int {
	if s.landing {
		return -1
	}
	return 0
}

func (s *Session) resetStateLocked() {
	s.current = s.initialIndex()
	s.visited = make(map[int]struct{})
	s.sections = make(map[string]map[string]any)
	s.validation = make(map[string]ValidationResult)
	s.completed = make(map[string]struct{})
	s.progress = OverallProgress(s.reg, s.sections)
	s.dirty = false
	s.lastSavedAt = nil
	s.submitting = false
	s.submitAttempted = false
	s.loading = false
	s.rev++
}

// Init performs the initial load from storage and leaves the loading state,
// whether or not the load succeeded.
func (s *Session) Init(ctx context.Context) error {
	_, err := s.LoadForm(ctx)
	s.mu.Lock()
	s.loading = false
	s.mu.Unlock()
	return err
}

func (s *Session) Registry() *Registry { return s.reg }

func (s *Session) StorageKey() string { return s.storageKey }

// CurrentStep returns the current step index, -1 when on the landing state.
func (s *Session) CurrentStep() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

// SectionData returns a deep copy of every section's data.
func (s *Session) SectionData() map[string]map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()
	return CloneSections(s.sections)
}

// ---------------------------------------------------------------------------
// Navigation
// ---------------------------------------------------------------------------

// CanNavigateTo reports whether step i is unlocked.
func (s *Session) CanNavigateTo(i int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.canNavigateLocked(i)
}

func (s *Session) canNavigateLocked(i int) bool {
	if i < 0 || i >= s.reg.Len() {
		return false
	}
	if i == s.current || i < s.current {
		return true
	}
	if _, ok := s.visited[i]; ok {
		return true
	}
	if i == s.current+1 {
		if s.current < 0 {
			return true
		}
		cur := s.reg.steps[s.current]
		if _, done := s.completed[cur.ID]; !cur.Required || done {
			return true
		}
	}
	// A visited review step unlocks everything before it.
	for v := range s.visited {
		if s.reg.steps[v].IsAggregation() && i < v {
			return true
		}
	}
	return false
}

// SetCurrentStep moves to step i without checking whether it is unlocked.
func (s *Session) SetCurrentStep(i int) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrSessionClosed
	}
	if i < 0 || i >= s.reg.Len() {
		s.mu.Unlock()
		return fmt.Errorf("%w: %d", ErrStepOutOfRange, i)
	}
	s.moveLocked(i)
	s.mu.Unlock()
	s.stepChanged(i)
	return nil
}

// GoToStep moves to step i if it is unlocked and reports whether it did.
func (s *Session) GoToStep(i int) bool {
	s.mu.Lock()
	if s.closed || !s.canNavigateLocked(i) {
		s.mu.Unlock()
		return false
	}
	s.moveLocked(i)
	s.mu.Unlock()
	s.stepChanged(i)
	return true
}

// NextStep queues a write of the section data as it stands, then advances
// one step. It refuses at the last step and when the next step is locked.
func (s *Session) NextStep() bool {
	s.mu.Lock()
	target := s.current + 1
	if s.closed || target >= s.reg.Len() || !s.canNavigateLocked(target) {
		s.mu.Unlock()
		return false
	}
	snap, rev, epoch, key := CloneSections(s.sections), s.rev, s.epoch, s.storageKey
	s.sched.Schedule(keyPersist, 0, func() {
		if err := s.write(context.Background(), key, snap, rev, epoch); err != nil {
			s.log.Warn().Err(err).Str("storage_key", key).Msg("persist on step change failed")
		}
	})
	s.moveLocked(target)
	s.mu.Unlock()
	s.stepChanged(target)
	return true
}

// PreviousStep moves back one step. It refuses at the first step.
func (s *Session) PreviousStep() bool {
	s.mu.Lock()
	if s.closed || s.current <= 0 {
		s.mu.Unlock()
		return false
	}
	s.current--
	s.scheduleRevalidateLocked()
	target := s.current
	s.mu.Unlock()
	s.stepChanged(target)
	return true
}

func (s *Session) moveLocked(i int) {
	s.current = i
	s.visited[i] = struct{}{}
	s.scheduleRevalidateLocked()
}

func (s *Session) stepChanged(i int) {
	if s.onStepChange != nil {
		s.onStepChange(i)
	}
}

// ---------------------------------------------------------------------------
// Data
// ---------------------------------------------------------------------------

// UpdateSection replaces the record for stepID. Callers merge with the prior
// record themselves. Revalidation and autosave are scheduled.
func (s *Session) UpdateSection(stepID string, data map[string]any) error {
	return s.writeSection(stepID, data, true)
}

// UpdateSectionImmediate performs the same write as UpdateSection but
// schedules neither revalidation nor autosave.
func (s *Session) UpdateSectionImmediate(stepID string, data map[string]any) error {
	return s.writeSection(stepID, data, false)
}

func (s *Session) writeSection(stepID string, data map[string]any, schedule bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrSessionClosed
	}
	if _, ok := s.reg.Index(stepID); !ok {
		return fmt.Errorf("%w: %s", ErrUnknownStep, stepID)
	}
	rec := cloneRecord(data)
	if rec == nil {
		rec = map[string]any{}
	}
	s.sections[stepID] = rec
	s.touchLocked()
	if schedule {
		s.scheduleRevalidateLocked()
		s.armAutosaveLocked()
	}
	return nil
}

// ResetSection drops the data and validation of one section.
func (s *Session) ResetSection(stepID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrSessionClosed
	}
	if _, ok := s.reg.Index(stepID); !ok {
		return fmt.Errorf("%w: %s", ErrUnknownStep, stepID)
	}
	delete(s.sections, stepID)
	delete(s.validation, stepID)
	delete(s.completed, stepID)
	s.touchLocked()
	s.scheduleRevalidateLocked()
	s.armAutosaveLocked()
	return nil
}

func (s *Session) touchLocked() {
	s.dirty = true
	s.rev++
	if s.current >= 0 {
		s.visited[s.current] = struct{}{}
	}
	s.progress = OverallProgress(s.reg, s.sections)
}

// ---------------------------------------------------------------------------
// Validation
// ---------------------------------------------------------------------------

func (s *Session) scheduleRevalidateLocked() {
	if s.closed {
		return
	}
	s.sched.Schedule(keyRevalidate, s.revalidateDelay, s.revalidate)
}

func (s *Session) revalidate() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	done := s.revalidateLocked(false)
	s.mu.Unlock()
	s.sectionsCompleted(done)
}

// revalidateLocked validates every step that has data, has been visited, or
// all of them once a submit was attempted. It returns the ids that turned
// complete in this pass.
func (s *Session) revalidateLocked(all bool) []string {
	now := s.now()
	var newlyDone []string
	for i, step := range s.reg.steps {
		data := s.sections[step.ID]
		_, seen := s.visited[i]
		if !(all || s.submitAttempted || seen || !isEmptySection(data) || step.IsAggregation()) {
			continue
		}
		res := ValidateAt(step, data, now)
		s.validation[step.ID] = res
		_, was := s.completed[step.ID]
		if res.IsComplete {
			s.completed[step.ID] = struct{}{}
			if !was && !step.IsAggregation() {
				newlyDone = append(newlyDone, step.ID)
			}
		} else {
			delete(s.completed, step.ID)
		}
	}
	return newlyDone
}

func (s *Session) sectionsCompleted(ids []string) {
	if s.onSectionComplete == nil {
		return
	}
	for _, id := range ids {
		s.onSectionComplete(id)
	}
}

// ---------------------------------------------------------------------------
// Persistence
// ---------------------------------------------------------------------------

func (s *Session) armAutosaveLocked() {
	if s.closed || s.autosaveInterval <= 0 || s.sched.Pending(keyAutosave) {
		return
	}
	s.sched.Schedule(keyAutosave, s.autosaveInterval, s.autosave)
}

// autosave fires once per arming. A failed autosave leaves the session dirty
// and is not re-armed; the next edit arms it again.
func (s *Session) autosave() {
	s.mu.Lock()
	due := s.dirty && !s.loading && !s.closed
	s.mu.Unlock()
	if !due {
		return
	}
	if err := s.SaveForm(context.Background()); err != nil {
		s.log.Warn().Err(err).Str("storage_key", s.storageKey).Msg("autosave failed")
	}
}

// SaveForm writes the current section data through the storage adapter. On
// failure the session stays dirty and the error is returned; nothing retries.
func (s *Session) SaveForm(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrSessionClosed
	}
	snap, rev, epoch, key := CloneSections(s.sections), s.rev, s.epoch, s.storageKey
	s.mu.Unlock()
	return s.write(ctx, key, snap, rev, epoch)
}

func (s *Session) write(ctx context.Context, key string, snap map[string]map[string]any, rev, epoch uint64) error {
	s.saveMu.Lock()
	if s.epochChanged(epoch) {
		s.saveMu.Unlock()
		s.log.Debug().Str("storage_key", key).Msg("dropping save from before reset")
		return nil
	}
	err := s.storage.Save(ctx, key, snap)
	s.saveMu.Unlock()
	if err != nil {
		s.log.Error().Err(err).Str("storage_key", key).Msg("save form failed")
		return fmt.Errorf("save form: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.epoch != epoch {
		return nil
	}
	t := s.now()
	s.lastSavedAt = &t
	if s.rev == rev {
		s.dirty = false
	}
	return nil
}

func (s *Session) epochChanged(epoch uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.epoch != epoch
}

// LoadForm replaces the section data with the stored draft, if there is one,
// and reports whether a draft was found.
func (s *Session) LoadForm(ctx context.Context) (bool, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return false, ErrSessionClosed
	}
	key := s.storageKey
	s.mu.Unlock()

	data, err := s.storage.Load(ctx, key)
	if err != nil {
		s.log.Error().Err(err).Str("storage_key", key).Msg("load form failed")
		return false, fmt.Errorf("load form: %w", err)
	}
	if data == nil {
		return false, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.sections = CloneSections(data)
	// results computed from the replaced data no longer hold
	s.validation = make(map[string]ValidationResult)
	s.completed = make(map[string]struct{})
	t := s.now()
	s.lastSavedAt = &t
	s.dirty = false
	s.rev++
	s.progress = OverallProgress(s.reg, s.sections)
	s.scheduleRevalidateLocked()
	return true, nil
}

// ResetForm cancels pending work, returns the session to its initial state
// and overwrites the stored draft with an empty one. The in-memory reset
// happens even when the storage write fails.
func (s *Session) ResetForm(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrSessionClosed
	}
	s.sched.Cancel(keyRevalidate)
	s.sched.Cancel(keyAutosave)
	s.sched.Cancel(keyPersist)
	s.resetStateLocked()
	s.epoch++
	key := s.storageKey
	s.mu.Unlock()

	s.stepChanged(s.initialIndex())
	s.saveMu.Lock()
	err := s.storage.Save(ctx, key, map[string]map[string]any{})
	s.saveMu.Unlock()
	if err != nil {
		s.log.Error().Err(err).Str("storage_key", key).Msg("reset form failed")
		return fmt.Errorf("reset form: %w", err)
	}
	return nil
}

// ---------------------------------------------------------------------------
// Submission
// ---------------------------------------------------------------------------

// SubmitForm revalidates every step and, if all required steps are complete,
// hands the assembled data to the submit handler. It returns the handler's
// verdict. A failure from the handler is returned as an error.
func (s *Session) SubmitForm(ctx context.Context) (bool, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return false, ErrSessionClosed
	}
	if s.submitting {
		s.mu.Unlock()
		return false, ErrSubmitInProgress
	}
	s.submitAttempted = true
	s.submitting = true
	s.sched.Cancel(keyRevalidate)
	done := s.revalidateLocked(true)

	var missing []string
	for _, id := range s.reg.RequiredIDs() {
		if _, ok := s.completed[id]; !ok {
			missing = append(missing, id)
		}
	}
	fn := s.submit
	if len(missing) > 0 || fn == nil {
		s.submitting = false
		s.mu.Unlock()
		s.sectionsCompleted(done)
		if len(missing) > 0 {
			return false, fmt.Errorf("%w: %s", ErrIncompleteForm, strings.Join(missing, ", "))
		}
		return false, ErrNoSubmitFunc
	}
	sub := Submission{
		Sections:       CloneSections(s.sections),
		Status:         "completed",
		CompletionDate: s.now().UTC(),
	}
	s.mu.Unlock()
	s.sectionsCompleted(done)

	ok, err := callSubmit(ctx, fn, sub)

	s.mu.Lock()
	s.submitting = false
	s.mu.Unlock()

	if err != nil {
		s.log.Error().Err(err).Msg("submit form failed")
		return false, fmt.Errorf("submit form: %w", err)
	}
	return ok, nil
}

func callSubmit(ctx context.Context, fn SubmitFunc, sub Submission) (ok bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			ok, err = false, fmt.Errorf("submit handler panicked: %v", r)
		}
	}()
	return fn(ctx, sub)
}

// Close stops every pending timer. A closed session rejects further changes.
func (s *Session) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()
	s.sched.Dispose()
}

// ---------------------------------------------------------------------------
// Snapshot
// ---------------------------------------------------------------------------

// State is a point-in-time copy of the session's observable state.
type State struct {
	CurrentStepIndex  int                         `json:"current_step_index"`
	VisitedSteps      []int                       `json:"visited_steps"`
	SectionData       map[string]map[string]any   `json:"section_data"`
	ValidationByStep  map[string]ValidationResult `json:"validation_by_step"`
	CompletedSections []string                    `json:"completed_sections"`
	OverallProgress   int                         `json:"overall_progress"`
	HasUnsavedChanges bool                        `json:"has_unsaved_changes"`
	LastSavedAt       *time.Time                  `json:"last_saved_at"`
	IsSubmitting      bool                        `json:"is_submitting"`
	SubmitAttempted   bool                        `json:"submit_attempted"`
	IsLoading         bool                        `json:"is_loading"`
}

// Completed reports whether id is in the completed set.
func (st State) Completed(id string) bool {
	for _, c := range st.CompletedSections {
		if c == id {
			return true
		}
	}
	return false
}

func (s *Session) Snapshot() State {
	s.mu.Lock()
	defer s.mu.Unlock()

	visited := make([]int, 0, len(s.visited))
	for i := range s.visited {
		visited = append(visited, i)
	}
	sort.Ints(visited)

	completed := make([]string, 0, len(s.completed))
	for _, step := range s.reg.steps {
		if _, ok := s.completed[step.ID]; ok {
			completed = append(completed, step.ID)
		}
	}

	validation := make(map[string]ValidationResult, len(s.validation))
	for id, res := range s.validation {
		errs := make([]FieldError, len(res.Errors))
		copy(errs, res.Errors)
		res.Errors = errs
		validation[id] = res
	}

	var saved *time.Time
	if s.lastSavedAt != nil {
		t := *s.lastSavedAt
		saved = &t
	}

	return State{
		CurrentStepIndex:  s.current,
		VisitedSteps:      visited,
		SectionData:       CloneSections(s.sections),
		ValidationByStep:  validation,
		CompletedSections: completed,
		OverallProgress:   s.progress,
		HasUnsavedChanges: s.dirty,
		LastSavedAt:       saved,
		IsSubmitting:      s.submitting,
		SubmitAttempted:   s.submitAttempted,
		IsLoading:         s.loading,
	}
}
