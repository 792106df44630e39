package exam

import (
	"time"

	"github.com/google/uuid"

	"github.com/ceexam/ceexam/internal/formflow"
)

// Report is a submitted exam together with its archived PDF.
type Report struct {
	ID           uuid.UUID                 `db:"id" json:"id"`
	StorageKey   string                    `db:"storage_key" json:"storage_key"`
	ClaimantName string                    `db:"claimant_name" json:"claimant_name"`
	ExamDate     string                    `db:"exam_date" json:"exam_date"`
	Status       string                    `db:"status" json:"status"`
	Sections     map[string]map[string]any `db:"sections" json:"sections,omitempty"`
	PDFFilename  string                    `db:"pdf_filename" json:"pdf_filename"`
	PDFBlobID    string                    `db:"pdf_blob_id" json:"pdf_blob_id"`
	SubmittedBy  string                    `db:"submitted_by" json:"submitted_by"`
	CompletedAt  time.Time                 `db:"completed_at" json:"completed_at"`
	CreatedAt    time.Time                 `db:"created_at" json:"created_at"`
}

// CreateSessionRequest opens a draft. An empty storage key derives one from
// the caller's user id.
type CreateSessionRequest struct {
	StorageKey string `json:"storage_key"`
	Landing    bool   `json:"landing"`
}

// StepView is a registry step annotated with the session's view of it.
type StepView struct {
	formflow.StepDescriptor
	Index       int  `json:"index"`
	CanNavigate bool `json:"can_navigate"`
	Completed   bool `json:"completed"`
}

// SessionView is the API representation of a live form session.
type SessionView struct {
	ID         uuid.UUID      `json:"id"`
	StorageKey string         `json:"storage_key"`
	Owner      string         `json:"owner,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
	State      formflow.State `json:"state"`
	Steps      []StepView     `json:"steps"`
}

// SessionSummary is the list representation of a session.
type SessionSummary struct {
	ID                uuid.UUID `json:"id"`
	StorageKey        string    `json:"storage_key"`
	Owner             string    `json:"owner,omitempty"`
	CreatedAt         time.Time `json:"created_at"`
	CurrentStepIndex  int       `json:"current_step_index"`
	OverallProgress   int       `json:"overall_progress"`
	HasUnsavedChanges bool      `json:"has_unsaved_changes"`
}

// NavigationResult reports whether a navigation request moved the session.
type NavigationResult struct {
	Moved   bool         `json:"moved"`
	Session *SessionView `json:"session"`
}

// AutofillRequest carries the free text the model should extract from.
type AutofillRequest struct {
	InputText string `json:"input_text"`
}

// AutofillResult lists the sections the model's reply was merged into.
type AutofillResult struct {
	Applied []string     `json:"applied"`
	Session *SessionView `json:"session"`
}
