package formflow

import (
	"math"
	"strings"
	"time"
)

// FieldError attaches a message to a dot-path inside a section.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ValidationResult is the outcome of validating one section.
type ValidationResult struct {
	IsValid              bool         `json:"is_valid"`
	Errors               []FieldError `json:"errors"`
	IsComplete           bool         `json:"is_complete"`
	CompletionPercentage int          `json:"completion_percentage"`
}

// SectionSchema is what the validator knows about a section: the fields that
// drive completeness and an optional stricter check that produces errors.
type SectionSchema struct {
	Required []string
	Check    func(data map[string]any, now time.Time) []FieldError
}

var sectionSchemas = map[string]SectionSchema{
	"header": {
		Required: []string{"claimantName", "dateOfBirth", "examDate"},
		Check:    checkHeader,
	},
	"history": {
		Required: []string{"age", "gender", "pastMedicalHistory", "medications", "allergies"},
	},
	"functionalStatus": {
		Required: []string{"physicalDemandsOfJob", "activitiesOfDailyLiving"},
	},
	"medicalInfo": {},
	"physicalExam": {
		Required: []string{"generalAppearance", "vitalSigns"},
	},
	"rangeOfMotion": {
		Required: []string{"cervicalSpine", "thoracicSpine", "lumbarSpine"},
	},
	"gaitStation": {
		Required: []string{"gait", "station"},
	},
	"assessment": {
		Required: []string{
			"diagnosisAssessment",
			"examinerInfo.name",
			"examinerInfo.facility",
			"examinerInfo.date",
			"examinerSignature",
		},
		Check: checkAssessment,
	},
}

// SchemaFor returns the schema for a step. Unknown ids get an empty schema,
// which validates as complete. A step that lists its own fields keeps the
// built-in check but uses those fields for completeness.
func SchemaFor(step StepDescriptor) SectionSchema {
	s := sectionSchemas[step.ID]
	if step.Fields != nil {
		s.Required = step.Fields
	}
	return s
}

// Validate checks a section against its schema using the current time.
func Validate(step StepDescriptor, data map[string]any) ValidationResult {
	return ValidateAt(step, data, time.Now())
}

// ValidateAt is Validate with an explicit clock for date checks.
func ValidateAt(step StepDescriptor, data map[string]any, now time.Time) ValidationResult {
	if step.IsAggregation() {
		return ValidationResult{IsValid: true, Errors: []FieldError{}, IsComplete: true, CompletionPercentage: 100}
	}
	if data == nil {
		data = map[string]any{}
	}
	schema := SchemaFor(step)

	errs := []FieldError{}
	if schema.Check != nil {
		errs = append(errs, schema.Check(data, now)...)
	}
	pct := completion(schema.Required, data)
	return ValidationResult{
		IsValid:              len(errs) == 0,
		Errors:               errs,
		IsComplete:           pct == 100,
		CompletionPercentage: pct,
	}
}

// Completion returns the rounded share of required fields that are filled.
func Completion(step StepDescriptor, data map[string]any) int {
	if step.IsAggregation() {
		return 100
	}
	return completion(SchemaFor(step).Required, data)
}

func completion(required []string, data map[string]any) int {
	if len(required) == 0 {
		return 100
	}
	filled := 0
	for _, f := range required {
		if isFilled(data, f) {
			filled++
		}
	}
	return int(math.Round(100 * float64(filled) / float64(len(required))))
}

var dateLayouts = []string{"2006-01-02", time.RFC3339, "01/02/2006"}

func parseDate(s string) (time.Time, bool) {
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

// validDateOfBirth accepts dates in the past and no more than 120 years ago.
func validDateOfBirth(s string, now time.Time) bool {
	t, ok := parseDate(s)
	if !ok {
		return false
	}
	return t.Before(now) && !t.Before(now.AddDate(-120, 0, 0))
}

func checkHeader(data map[string]any, now time.Time) []FieldError {
	var errs []FieldError
	if !isFilled(data, "claimantName") {
		errs = append(errs, FieldError{"claimantName", "Claimant Name is required."})
	}
	if !isFilled(data, "dateOfBirth") {
		errs = append(errs, FieldError{"dateOfBirth", "Date of Birth is required."})
	} else if dob := stringAt(data, "dateOfBirth"); !validDateOfBirth(dob, now) {
		errs = append(errs, FieldError{"dateOfBirth", "Please enter a valid date of birth."})
	}
	if !isFilled(data, "examDate") {
		errs = append(errs, FieldError{"examDate", "Exam Date is required."})
	}
	if tags, _ := Lookup(data, "chiefComplaintTags"); isEmptyList(tags) {
		errs = append(errs, FieldError{"chiefComplaint", "At least one chief complaint is required."})
	}
	return errs
}

func checkAssessment(data map[string]any, _ time.Time) []FieldError {
	var errs []FieldError
	if dx, _ := Lookup(data, "diagnosisAssessment"); allBlank(dx) {
		errs = append(errs, FieldError{"diagnosisAssessment", "At least one diagnosis is required."})
	}
	if !isFilled(data, "examinerInfo.name") {
		errs = append(errs, FieldError{"examinerInfo.name", "Examiner name is required."})
	}
	if !isFilled(data, "examinerInfo.facility") {
		errs = append(errs, FieldError{"examinerInfo.facility", "Examiner facility is required."})
	}
	if !isFilled(data, "examinerInfo.date") {
		errs = append(errs, FieldError{"examinerInfo.date", "Examination date is required."})
	}
	if !isFilled(data, "examinerSignature") {
		errs = append(errs, FieldError{"examinerSignature", "Digital signature is required to complete the form."})
	}
	return errs
}

func isEmptyList(v any) bool {
	switch t := v.(type) {
	case nil:
		return true
	case []any:
		return len(t) == 0
	case []string:
		return len(t) == 0
	case string:
		return t == ""
	default:
		return false
	}
}

// allBlank treats a missing value, an empty list, a blank string and a list of
// blank strings alike.
func allBlank(v any) bool {
	switch t := v.(type) {
	case nil:
		return true
	case string:
		return strings.TrimSpace(t) == ""
	case []string:
		for _, s := range t {
			if strings.TrimSpace(s) != "" {
				return false
			}
		}
		return true
	case []any:
		for _, e := range t {
			s, ok := e.(string)
			if !ok || strings.TrimSpace(s) != "" {
				return false
			}
		}
		return true
	default:
		return false
	}
}
