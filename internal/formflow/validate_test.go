package formflow

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var fixedNow = time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC)

func step(t *testing.T, id string) StepDescriptor {
	t.Helper()
	reg := DefaultRegistry()
	i, ok := reg.Index(id)
	require.True(t, ok, "step %s", id)
	s, _ := reg.Step(i)
	return s
}

func TestValidate_CompletionSteps(t *testing.T) {
	rom := StepDescriptor{ID: "rangeOfMotion", Kind: KindData}
	data := map[string]any{}

	want := []int{0, 33, 67, 100}
	fields := []string{"cervicalSpine", "thoracicSpine", "lumbarSpine"}

	res := ValidateAt(rom, data, fixedNow)
	assert.Equal(t, want[0], res.CompletionPercentage)
	assert.False(t, res.IsComplete)

	for i, f := range fields {
		data[f] = map[string]any{"flexion": map[string]any{"active": "45"}}
		res = ValidateAt(rom, data, fixedNow)
		assert.Equal(t, want[i+1], res.CompletionPercentage, "after %s", f)
		assert.Equal(t, i == len(fields)-1, res.IsComplete)
	}

	data["thoracicSpine"] = ""
	res = ValidateAt(rom, data, fixedNow)
	assert.False(t, res.IsComplete)
	assert.Equal(t, 67, res.CompletionPercentage)
}

func TestValidate_EmptyValues(t *testing.T) {
	s := StepDescriptor{ID: "x", Fields: []string{"a", "b", "c", "d"}}
	data := map[string]any{
		"a": nil,
		"b": "",
		"c": []any{},
		"d": 0,
	}
	res := ValidateAt(s, data, fixedNow)
	assert.Equal(t, 50, res.CompletionPercentage)
	assert.True(t, res.IsValid)
}

func TestValidate_NilDataIsEmptyRecord(t *testing.T) {
	res := ValidateAt(step(t, "history"), nil, fixedNow)
	assert.True(t, res.IsValid)
	assert.Equal(t, 0, res.CompletionPercentage)
	assert.NotNil(t, res.Errors)
}

func TestValidate_NoRequiredFields(t *testing.T) {
	res := ValidateAt(step(t, "medicalInfo"), nil, fixedNow)
	assert.True(t, res.IsComplete)
	assert.Equal(t, 100, res.CompletionPercentage)
}

func TestValidate_AggregationStep(t *testing.T) {
	res := ValidateAt(step(t, "review"), map[string]any{"anything": ""}, fixedNow)
	assert.Equal(t, ValidationResult{IsValid: true, Errors: []FieldError{}, IsComplete: true, CompletionPercentage: 100}, res)
}

func TestValidate_DotPaths(t *testing.T) {
	s := step(t, "assessment")
	data := map[string]any{
		"diagnosisAssessment": []any{"Lumbar strain"},
		"examinerInfo": map[string]any{
			"name":     "Dr. Reyes",
			"facility": "",
		},
	}
	res := ValidateAt(s, data, fixedNow)
	assert.Equal(t, 40, res.CompletionPercentage)
	assert.False(t, res.IsValid)
	assert.ElementsMatch(t, []FieldError{
		{Field: "examinerInfo.facility", Message: "Examiner facility is required."},
		{Field: "examinerInfo.date", Message: "Examination date is required."},
		{Field: "examinerSignature", Message: "Digital signature is required to complete the form."},
	}, res.Errors)
}

func TestValidate_AssessmentBlankDiagnoses(t *testing.T) {
	s := step(t, "assessment")
	for name, dx := range map[string]any{
		"missing": nil,
		"empty":   []any{},
		"blank":   []any{" ", ""},
		"string":  "  ",
	} {
		t.Run(name, func(t *testing.T) {
			data := map[string]any{"diagnosisAssessment": dx}
			res := ValidateAt(s, data, fixedNow)
			assert.Contains(t, res.Errors, FieldError{Field: "diagnosisAssessment", Message: "At least one diagnosis is required."})
		})
	}
}

func TestValidate_HeaderSchema(t *testing.T) {
	s := step(t, "header")

	res := ValidateAt(s, map[string]any{}, fixedNow)
	require.Len(t, res.Errors, 4)
	assert.Equal(t, "Claimant Name is required.", res.Errors[0].Message)
	assert.Equal(t, "chiefComplaint", res.Errors[3].Field)

	full := map[string]any{
		"claimantName":       "Jane Doe",
		"dateOfBirth":        "1970-04-02",
		"examDate":           "2025-06-01",
		"chiefComplaintTags": []any{"low back pain"},
	}
	res = ValidateAt(s, full, fixedNow)
	assert.True(t, res.IsValid)
	assert.True(t, res.IsComplete)
}

func TestValidate_HeaderDateOfBirth(t *testing.T) {
	s := step(t, "header")
	for _, dob := range []string{"2030-01-01", "1890-01-01", "not a date"} {
		data := map[string]any{
			"claimantName":       "Jane Doe",
			"dateOfBirth":        dob,
			"examDate":           "2025-06-01",
			"chiefComplaintTags": []any{"pain"},
		}
		res := ValidateAt(s, data, fixedNow)
		assert.False(t, res.IsValid, dob)
		assert.Equal(t, []FieldError{{Field: "dateOfBirth", Message: "Please enter a valid date of birth."}}, res.Errors)
		// completeness only looks at presence
		assert.True(t, res.IsComplete, dob)
	}
}

func TestValidate_CompleteButInvalid(t *testing.T) {
	res := ValidateAt(step(t, "header"), map[string]any{
		"claimantName": "Jane Doe",
		"dateOfBirth":  "1970-04-02",
		"examDate":     "2025-06-01",
	}, fixedNow)
	assert.True(t, res.IsComplete)
	assert.False(t, res.IsValid)
}

func TestOverallProgress(t *testing.T) {
	reg, err := NewRegistry([]StepDescriptor{
		{ID: "header", Required: true, Fields: []string{"a", "b", "c", "d"}},
		{ID: "review", Kind: KindAggregation},
	})
	require.NoError(t, err)

	sections := map[string]map[string]any{"header": {"a": "x", "b": "y"}}
	assert.Equal(t, 75, OverallProgress(reg, sections))
	assert.Equal(t, 50, OverallProgress(reg, nil))
}

func TestOverallProgress_DefaultRegistry(t *testing.T) {
	reg := DefaultRegistry()
	// medicalInfo and review have nothing required.
	assert.Equal(t, 22, OverallProgress(reg, nil))
}

func TestLookup(t *testing.T) {
	data := map[string]any{"a": map[string]any{"b": map[string]any{"c": 1}}, "s": "x"}

	v, ok := Lookup(data, "a.b.c")
	assert.True(t, ok)
	assert.Equal(t, 1, v)

	_, ok = Lookup(data, "s.t")
	assert.False(t, ok)
	_, ok = Lookup(data, "a.z")
	assert.False(t, ok)
}
