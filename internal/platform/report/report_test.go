package report

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var fixedNow = time.Date(2026, 3, 14, 9, 30, 0, 0, time.UTC)

func sampleSections() map[string]map[string]any {
	return map[string]map[string]any{
		"header": {
			"claimantName":       "Jane Doe",
			"dateOfBirth":        "1971-05-02",
			"examDate":           "2026-03-14",
			"caseNumber":         "FL-2231",
			"chiefComplaintTags": []any{"low back pain", "neck pain"},
		},
		"history": {
			"historyOfPresentIllness": "Chronic low back pain since 2019.",
			"age":                     54,
			"gender":                  "female",
			"medications":             []any{"ibuprofen"},
		},
		"functionalStatus": {
			"dominantHand":    "Right",
			"sittingWorstDay": "15 minutes",
		},
		"medicalInfo": {
			"currentMedications": []any{},
			"allergies":          []any{"penicillin"},
			"socialHistory":      "Non-smoker.",
		},
		"physicalExam": {
			"generalAppearance": "Well developed, no acute distress.",
			"vitalSigns": map[string]any{
				"bloodPressure": map[string]any{"systolic": 128, "diastolic": 82},
				"heartRate":     map[string]any{"rate": 72},
				"temperature":   map[string]any{"value": 98.6},
				"height":        map[string]any{"feet": 5, "inches": 6, "cm": 168},
				"weight":        map[string]any{"pounds": 150, "kg": 68},
			},
		},
		"rangeOfMotion": {
			"cervicalSpine": map[string]any{
				"flexion":   map[string]any{"active": "40", "passive": "45", "normal": "50"},
				"extension": map[string]any{"active": "50", "passive": "55", "normal": "60"},
			},
			"lumbarSpine":   "Limited by pain in all planes.",
			"thoracicSpine": map[string]any{},
		},
		"gaitStation": {
			"gait":    "Antalgic",
			"station": map[string]any{"description": "Stable", "balance": "Intact"},
		},
		"assessment": {
			"diagnosisAssessment": []any{"Lumbar degenerative disc disease", ""},
			"medicalSourceStatement": map[string]any{
				"abilities": "Can lift 20 lbs occasionally.",
			},
			"recommendations": "Physical therapy.",
			"examinerInfo": map[string]any{
				"name": "Dr. Smith", "facility": "Tampa Clinic", "date": "2026-03-14",
			},
			"examinerSignature": "data:image/png;base64,AAAA",
		},
	}
}

func TestGenerate_ProducesTitledPDF(t *testing.T) {
	g := NewGenerator(WithClock(func() time.Time { return fixedNow }))

	out, err := g.Generate(sampleSections())
	require.NoError(t, err)
	assert.True(t, bytes.HasPrefix(out, []byte("%PDF")), "output is not a PDF")
	assert.Contains(t, string(out), "/Title (Consultative Examination Report - Jane Doe)")
}

func TestGenerate_EmptyDraft(t *testing.T) {
	out, err := NewGenerator().Generate(map[string]map[string]any{})
	require.NoError(t, err)
	assert.True(t, bytes.HasPrefix(out, []byte("%PDF")))
	assert.Contains(t, string(out), "/Title (Consultative Examination Report)")
}

func TestGenerate_LongDraftSpansPages(t *testing.T) {
	dx := make([]any, 120)
	for i := range dx {
		dx[i] = strings.Repeat("diagnosis text ", 6)
	}
	sections := sampleSections()
	sections["assessment"]["diagnosisAssessment"] = dx

	out, err := NewGenerator().Generate(sections)
	require.NoError(t, err)
	assert.True(t, bytes.HasPrefix(out, []byte("%PDF")))
}

func TestDecode_AcceptsLooseShapes(t *testing.T) {
	r, err := Decode(sampleSections())
	require.NoError(t, err)

	require.NotNil(t, r.History)
	assert.Equal(t, "54", r.History.Age.String())
	require.NotNil(t, r.History.Medications)
	assert.Equal(t, []string{"ibuprofen"}, []string(*r.History.Medications))

	assert.Equal(t, "low back pain, neck pain", r.Header.Complaint())

	require.NotNil(t, r.GaitStation.Gait)
	assert.Equal(t, "Antalgic", r.GaitStation.Gait.Pattern.String())
	assert.Equal(t, "Stable", r.GaitStation.Station.Description.String())

	require.NotNil(t, r.RangeOfMotion)
	assert.Equal(t, "40", r.RangeOfMotion.Joints["cervicalSpine"]["flexion"].Active.String())
	assert.Equal(t, "Limited by pain in all planes.", r.RangeOfMotion.Notes["lumbarSpine"])

	require.NotNil(t, r.MedicalInfo.CurrentMedications)
	assert.Empty(t, *r.MedicalInfo.CurrentMedications)
	assert.Nil(t, r.History.Allergies)

	assert.Equal(t, []string{"Lumbar degenerative disc disease"}, []string(r.Assessment.DiagnosisAssessment))
	assert.Equal(t, "Right", r.FunctionalStatus.DominantHand.Or("Not specified"))
	assert.Equal(t, "Not specified", r.History.PastMedicalHistory.Or("Not specified"))
}

func TestDecode_SkipsMissingSections(t *testing.T) {
	r, err := Decode(map[string]map[string]any{"header": {"claimantName": "A"}, "review": {"x": 1}})
	require.NoError(t, err)
	assert.NotNil(t, r.Header)
	assert.Nil(t, r.History)
	assert.Nil(t, r.Assessment)
}

func TestVitalSignLines(t *testing.T) {
	r, err := Decode(sampleSections())
	require.NoError(t, err)

	got := VitalSignLines(r.PhysicalExam.VitalSigns)
	assert.Equal(t, []string{
		"Blood Pressure: 128/82 mmHg",
		"Heart Rate: 72 bpm",
		"Temperature: 98.6°F",
		"Height: 5'6\" (168 cm)",
		"Weight: 150 lbs (68 kg)",
	}, got)

	assert.Equal(t, []string{"Not documented"}, VitalSignLines(nil))
	assert.Equal(t, []string{"Not documented"}, VitalSignLines(&VitalSigns{}))
	assert.Equal(t, []string{"Height: 170 cm"}, VitalSignLines(&VitalSigns{Height: &Height{Cm: "170"}}))
}

func TestFilenameFor(t *testing.T) {
	tests := []struct {
		name     string
		sections map[string]map[string]any
		want     string
	}{
		{
			name:     "name and date",
			sections: map[string]map[string]any{"header": {"claimantName": "Jane Doe", "examDate": "2026-03-14"}},
			want:     "CE_Exam_Jane_Doe_20260314.pdf",
		},
		{
			name:     "punctuation replaced",
			sections: map[string]map[string]any{"header": {"claimantName": "O'Brien, Mary-Ann", "examDate": "2026-01-02"}},
			want:     "CE_Exam_O_Brien__Mary_Ann_20260102.pdf",
		},
		{
			name:     "defaults",
			sections: map[string]map[string]any{},
			want:     "CE_Exam_Unknown_20260314.pdf",
		},
		{
			name:     "blank name",
			sections: map[string]map[string]any{"header": {"claimantName": "  "}},
			want:     "CE_Exam_Unknown_20260314.pdf",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, FilenameFor(tt.sections, fixedNow))
		})
	}
}
