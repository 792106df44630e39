package report

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/bytedance/sonic"
)

// Text is a form value rendered as text. Drafts store numbers and strings
// interchangeably (age, heart rate), so Text accepts either.
type Text string

func (t *Text) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	switch {
	case len(b) == 0 || bytes.Equal(b, []byte("null")):
		*t = ""
	case b[0] == '"':
		var s string
		if err := sonic.Unmarshal(b, &s); err != nil {
			return err
		}
		*t = Text(s)
	case b[0] == '[':
		var l TextList
		if err := l.UnmarshalJSON(b); err != nil {
			return err
		}
		*t = Text(strings.Join(l, ", "))
	case b[0] == '{':
		// Nested records have no single text form.
		*t = ""
	default:
		*t = Text(b)
	}
	return nil
}

func (t Text) String() string { return strings.TrimSpace(string(t)) }

// Or returns t, or def when t is blank.
func (t Text) Or(def string) string {
	if s := t.String(); s != "" {
		return s
	}
	return def
}

// TextList accepts a JSON list of scalars or a single scalar. Blank entries
// are dropped.
type TextList []string

func (l *TextList) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) > 0 && b[0] == '[' {
		var items []Text
		if err := sonic.Unmarshal(b, &items); err != nil {
			return err
		}
		out := make(TextList, 0, len(items))
		for _, it := range items {
			if s := it.String(); s != "" {
				out = append(out, s)
			}
		}
		*l = out
		return nil
	}
	var one Text
	if err := one.UnmarshalJSON(b); err != nil {
		return err
	}
	*l = TextList{}
	if s := one.String(); s != "" {
		*l = TextList{s}
	}
	return nil
}

type Header struct {
	ClaimantName       Text     `json:"claimantName"`
	DateOfBirth        Text     `json:"dateOfBirth"`
	ExamDate           Text     `json:"examDate"`
	CaseNumber         Text     `json:"caseNumber"`
	ChiefComplaint     Text     `json:"chiefComplaint"`
	ChiefComplaintTags TextList `json:"chiefComplaintTags"`
}

// Complaint prefers the free-text complaint and falls back to the tags.
func (h Header) Complaint() string {
	if s := h.ChiefComplaint.String(); s != "" {
		return s
	}
	return strings.Join(h.ChiefComplaintTags, ", ")
}

type History struct {
	HistoryOfPresentIllness Text      `json:"historyOfPresentIllness"`
	Age                     Text      `json:"age"`
	Gender                  Text      `json:"gender"`
	PastMedicalHistory      Text      `json:"pastMedicalHistory"`
	Medications             *TextList `json:"medications"`
	Allergies               *TextList `json:"allergies"`
}

type FunctionalStatus struct {
	DominantHand            Text `json:"dominantHand"`
	SittingWorstDay         Text `json:"sittingWorstDay"`
	SittingBestDay          Text `json:"sittingBestDay"`
	StandingWorstDay        Text `json:"standingWorstDay"`
	StandingBestDay         Text `json:"standingBestDay"`
	WalkingWorstDay         Text `json:"walkingWorstDay"`
	WalkingBestDay          Text `json:"walkingBestDay"`
	CookingMealPrep         Text `json:"cookingMealPrep"`
	BathingShowering        Text `json:"bathingShowering"`
	Dressing                Text `json:"dressing"`
	PhysicalDemandsOfJob    Text `json:"physicalDemandsOfJob"`
	ActivitiesOfDailyLiving Text `json:"activitiesOfDailyLiving"`
}

// MedicalInfo lists are pointers so an absent list can be told apart from an
// empty one.
type MedicalInfo struct {
	CurrentMedications *TextList `json:"currentMedications"`
	Allergies          *TextList `json:"allergies"`
	SurgicalHistory    Text      `json:"surgicalHistory"`
	FamilyHistory      Text      `json:"familyHistory"`
	SocialHistory      Text      `json:"socialHistory"`
}

type BloodPressure struct {
	Systolic  Text `json:"systolic"`
	Diastolic Text `json:"diastolic"`
}

type HeartRate struct {
	Rate Text `json:"rate"`
}

func (h *HeartRate) UnmarshalJSON(b []byte) error {
	type plain HeartRate
	return scalarOr(b, &h.Rate, (*plain)(h))
}

type Temperature struct {
	Value Text `json:"value"`
	Unit  Text `json:"unit"`
}

func (t *Temperature) UnmarshalJSON(b []byte) error {
	type plain Temperature
	return scalarOr(b, &t.Value, (*plain)(t))
}

type Height struct {
	Feet   Text `json:"feet"`
	Inches Text `json:"inches"`
	Cm     Text `json:"cm"`
}

type Weight struct {
	Pounds Text `json:"pounds"`
	Kg     Text `json:"kg"`
}

func (w *Weight) UnmarshalJSON(b []byte) error {
	type plain Weight
	return scalarOr(b, &w.Pounds, (*plain)(w))
}

// VitalSigns given as free text land in Notes.
type VitalSigns struct {
	Notes            Text           `json:"-"`
	BloodPressure    *BloodPressure `json:"bloodPressure"`
	HeartRate        *HeartRate     `json:"heartRate"`
	RespiratoryRate  Text           `json:"respiratoryRate"`
	Temperature      *Temperature   `json:"temperature"`
	OxygenSaturation Text           `json:"oxygenSaturation"`
	Height           *Height        `json:"height"`
	Weight           *Weight        `json:"weight"`
}

func (v *VitalSigns) UnmarshalJSON(b []byte) error {
	type plain VitalSigns
	return scalarOr(b, &v.Notes, (*plain)(v))
}

type PhysicalExam struct {
	GeneralAppearance Text        `json:"generalAppearance"`
	VitalSigns        *VitalSigns `json:"vitalSigns"`
	Cardiovascular    Text        `json:"cardiovascular"`
	Respiratory       Text        `json:"respiratory"`
	Musculoskeletal   Text        `json:"musculoskeletal"`
	Neurological      Text        `json:"neurological"`
}

type Movement struct {
	Active  Text `json:"active"`
	Passive Text `json:"passive"`
	Normal  Text `json:"normal"`
}

func (m *Movement) UnmarshalJSON(b []byte) error {
	type plain Movement
	return scalarOr(b, &m.Active, (*plain)(m))
}

// Joint maps a movement name (flexion, leftRotation, ...) to its measurements.
type Joint map[string]Movement

// RangeOfMotion maps a region name (cervicalSpine, knees, ...) to a joint.
// Regions given as plain text are kept in Notes.
type RangeOfMotion struct {
	Joints map[string]Joint
	Notes  map[string]string
}

func (r *RangeOfMotion) UnmarshalJSON(b []byte) error {
	var raw map[string]json.RawMessage
	if err := sonic.Unmarshal(b, &raw); err != nil {
		return err
	}
	r.Joints = make(map[string]Joint, len(raw))
	r.Notes = make(map[string]string)
	for region, v := range raw {
		if isObject(v) {
			var j Joint
			if err := sonic.Unmarshal(v, &j); err != nil {
				return fmt.Errorf("%s: %w", region, err)
			}
			r.Joints[region] = j
			continue
		}
		var t Text
		if err := t.UnmarshalJSON(v); err != nil {
			return fmt.Errorf("%s: %w", region, err)
		}
		if s := t.String(); s != "" {
			r.Notes[region] = s
		}
	}
	return nil
}

func isObject(b []byte) bool {
	b = bytes.TrimSpace(b)
	return len(b) > 0 && b[0] == '{'
}

// scalarOr decodes an object into obj and anything else into scalar.
func scalarOr(b []byte, scalar *Text, obj any) error {
	if !isObject(b) {
		return scalar.UnmarshalJSON(b)
	}
	return sonic.Unmarshal(b, obj)
}

// Gait accepts either the structured form or a single description, which is
// taken as the pattern.
type Gait struct {
	Pattern         Text `json:"pattern"`
	Speed           Text `json:"speed"`
	AssistiveDevice Text `json:"assistiveDevice"`
}

func (g *Gait) UnmarshalJSON(b []byte) error {
	type plain Gait
	return scalarOr(b, &g.Pattern, (*plain)(g))
}

// Station accepts either the structured form or a single description.
type Station struct {
	Description Text `json:"description"`
	Balance     Text `json:"balance"`
}

func (s *Station) UnmarshalJSON(b []byte) error {
	type plain Station
	return scalarOr(b, &s.Description, (*plain)(s))
}

type GaitStation struct {
	Gait    *Gait    `json:"gait"`
	Station *Station `json:"station"`
}

type MedicalSourceStatement struct {
	Abilities                        Text `json:"abilities"`
	UnderstandingMemoryConcentration Text `json:"understandingMemoryConcentration"`
	Limitations                      Text `json:"limitations"`
}

// A statement given as one block of text is rendered under Abilities.
func (m *MedicalSourceStatement) UnmarshalJSON(b []byte) error {
	type plain MedicalSourceStatement
	return scalarOr(b, &m.Abilities, (*plain)(m))
}

type ExaminerInfo struct {
	Name     Text `json:"name"`
	Facility Text `json:"facility"`
	Date     Text `json:"date"`
}

type Assessment struct {
	DiagnosisAssessment           TextList                `json:"diagnosisAssessment"`
	MedicalSourceStatement        *MedicalSourceStatement `json:"medicalSourceStatement"`
	Recommendations               Text                    `json:"recommendations"`
	ImagingReviewed               Text                    `json:"imagingReviewed"`
	MedicalRecordsReviewStatement Text                    `json:"medicalRecordsReviewStatement"`
	ExaminerInfo                  *ExaminerInfo           `json:"examinerInfo"`
	ExaminerSignature             Text                    `json:"examinerSignature"`
}

// Report is the typed view of a draft used for rendering. A nil section was
// absent from the draft.
type Report struct {
	Header           *Header
	History          *History
	FunctionalStatus *FunctionalStatus
	MedicalInfo      *MedicalInfo
	PhysicalExam     *PhysicalExam
	RangeOfMotion    *RangeOfMotion
	GaitStation      *GaitStation
	Assessment       *Assessment
}

// Decode converts raw section records into a Report. Unknown sections are
// ignored.
func Decode(sections map[string]map[string]any) (*Report, error) {
	r := &Report{}
	targets := []struct {
		id  string
		dst any
	}{
		{"header", &Header{}},
		{"history", &History{}},
		{"functionalStatus", &FunctionalStatus{}},
		{"medicalInfo", &MedicalInfo{}},
		{"physicalExam", &PhysicalExam{}},
		{"rangeOfMotion", &RangeOfMotion{}},
		{"gaitStation", &GaitStation{}},
		{"assessment", &Assessment{}},
	}
	for _, t := range targets {
		data, ok := sections[t.id]
		if !ok || len(data) == 0 {
			continue
		}
		raw, err := sonic.Marshal(data)
		if err != nil {
			return nil, fmt.Errorf("encode section %s: %w", t.id, err)
		}
		if err := sonic.Unmarshal(raw, t.dst); err != nil {
			return nil, fmt.Errorf("decode section %s: %w", t.id, err)
		}
		r.assign(t.dst)
	}
	return r, nil
}

func (r *Report) assign(v any) {
	switch s := v.(type) {
	case *Header:
		r.Header = s
	case *History:
		r.History = s
	case *FunctionalStatus:
		r.FunctionalStatus = s
	case *MedicalInfo:
		r.MedicalInfo = s
	case *PhysicalExam:
		r.PhysicalExam = s
	case *RangeOfMotion:
		r.RangeOfMotion = s
	case *GaitStation:
		r.GaitStation = s
	case *Assessment:
		r.Assessment = s
	}
}
