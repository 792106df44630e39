// Package report renders a CE exam draft as a PDF in the layout used by the
// Florida Division of Disability Determination.
package report

import (
	"bytes"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/go-pdf/fpdf"
)

const (
	margin     = 20.0
	lineHeight = 6.0
	rowHeight  = 8.0
	bottomGap  = 30.0

	fontFamily = "Helvetica"

	agencyTitle = "FLORIDA DIVISION OF DISABILITY DETERMINATION"
	reportTitle = "CONSULTATIVE EXAMINATION REPORT"
	disclaimer  = "This examination is being performed at the request of the Florida Division of " +
		"Disability Determination for disability evaluation purposes only."

	notDocumented = "Not documented"
	notSpecified  = "Not specified"
)

// Generator renders drafts. The zero value is not usable; use NewGenerator.
type Generator struct {
	now func() time.Time
}

type Option func(*Generator)

// WithClock fixes the time stamped into the document metadata.
func WithClock(now func() time.Time) Option { return func(g *Generator) { g.now = now } }

func NewGenerator(opts ...Option) *Generator {
	g := &Generator{now: time.Now}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Generate decodes the raw sections and renders them.
func (g *Generator) Generate(sections map[string]map[string]any) ([]byte, error) {
	r, err := Decode(sections)
	if err != nil {
		return nil, err
	}
	return g.Render(r)
}

// Render writes the report as a PDF document.
func (g *Generator) Render(r *Report) ([]byte, error) {
	w := newWriter(g.now(), documentTitle(r))

	w.banner()
	w.claimant(r.Header)
	w.history(r.History)
	w.functional(r.FunctionalStatus)
	w.medical(r.MedicalInfo)
	w.physical(r.PhysicalExam)
	w.rangeOfMotion(r.RangeOfMotion)
	w.gaitStation(r.GaitStation)
	w.assessment(r.Assessment)

	var buf bytes.Buffer
	if err := w.pdf.Output(&buf); err != nil {
		return nil, fmt.Errorf("render pdf: %w", err)
	}
	return buf.Bytes(), nil
}

func documentTitle(r *Report) string {
	t := "Consultative Examination Report"
	if r.Header != nil {
		if name := r.Header.ClaimantName.String(); name != "" {
			t += " - " + name
		}
	}
	return t
}

var unsafeName = regexp.MustCompile(`[^a-zA-Z0-9_]`)

// FilenameFor names the exported PDF after the claimant and exam date. A
// missing name becomes "Unknown" and a missing date becomes today.
func FilenameFor(sections map[string]map[string]any, now time.Time) string {
	var name, date string
	if h := sections["header"]; h != nil {
		name, _ = h["claimantName"].(string)
		date, _ = h["examDate"].(string)
	}
	name = strings.TrimSpace(name)
	if name == "" {
		name = "Unknown"
	}
	date = strings.TrimSpace(date)
	if date == "" {
		date = now.Format("2006-01-02")
	}
	return fmt.Sprintf("CE_Exam_%s_%s.pdf", unsafeName.ReplaceAllString(name, "_"), strings.ReplaceAll(date, "-", ""))
}

type writer struct {
	pdf        *fpdf.Fpdf
	tr         func(string) string
	width      float64
	pageHeight float64
}

func newWriter(now time.Time, title string) *writer {
	pdf := fpdf.New("P", "mm", "A4", "")
	pdf.SetMargins(margin, margin, margin)
	pdf.SetAutoPageBreak(true, bottomGap)
	pdf.SetTitle(title, false)
	pdf.SetCreator("ceexam", false)
	pdf.SetCreationDate(now)
	pdf.SetModificationDate(now)

	w := &writer{pdf: pdf, tr: pdf.UnicodeTranslatorFromDescriptor("")}
	pw, ph := pdf.GetPageSize()
	w.width = pw - 2*margin
	w.pageHeight = ph

	pdf.SetFooterFunc(func() {
		pdf.SetY(-15)
		pdf.SetFont(fontFamily, "", 10)
		pdf.CellFormat(0, 10, fmt.Sprintf("Page %d", pdf.PageNo()), "", 0, "C", false, 0, "")
	})
	pdf.AddPage()
	return w
}

// ensure starts a new page when h millimetres will not fit above the footer.
func (w *writer) ensure(h float64) {
	if w.pdf.GetY()+h > w.pageHeight-bottomGap {
		w.pdf.AddPage()
	}
}

func (w *writer) banner() {
	w.pdf.SetFont(fontFamily, "B", 16)
	w.pdf.CellFormat(0, 8, agencyTitle, "", 1, "C", false, 0, "")
	w.pdf.CellFormat(0, 8, reportTitle, "", 1, "C", false, 0, "")
	w.pdf.Ln(7)
	y := w.pdf.GetY()
	w.pdf.Line(margin, y, margin+w.width, y)
	w.pdf.Ln(10)

	w.pdf.SetFont(fontFamily, "", 10)
	w.pdf.MultiCell(0, 5, disclaimer, "", "L", false)
	w.pdf.Ln(5)
}

func (w *writer) section(title string) {
	w.ensure(20)
	w.pdf.SetFont(fontFamily, "BU", 14)
	w.pdf.CellFormat(0, lineHeight+2, w.tr(strings.ToUpper(title)), "", 1, "L", false, 0, "")
	w.pdf.Ln(2)
}

func (w *writer) subheading(text string) {
	w.ensure(lineHeight * 2)
	w.pdf.SetFont(fontFamily, "B", 12)
	w.pdf.CellFormat(0, lineHeight, w.tr(text), "", 1, "L", false, 0, "")
}

func (w *writer) text(s string) {
	w.pdf.SetFont(fontFamily, "", 12)
	w.pdf.MultiCell(0, lineHeight, w.tr(s), "", "L", false)
}

func (w *writer) field(label, value string) {
	w.text(label + ": " + value)
}

func (w *writer) bullets(items []string) {
	for _, it := range items {
		w.text("• " + it)
	}
}

func (w *writer) end() { w.pdf.Ln(5) }

func (w *writer) claimant(h *Header) {
	if h == nil {
		return
	}
	w.section("Claimant Information")
	w.field("Claimant Name", h.ClaimantName.Or(notDocumented))
	w.field("Date of Birth", h.DateOfBirth.Or(notDocumented))
	w.field("Examination Date", h.ExamDate.Or(notDocumented))
	w.field("Case Number", h.CaseNumber.Or(notDocumented))
	w.field("Chief Complaint", Text(h.Complaint()).Or(notDocumented))
	w.end()
}

func (w *writer) history(h *History) {
	if h == nil {
		return
	}
	w.section("History")
	w.text(h.HistoryOfPresentIllness.Or("No history documented"))
	w.text(fmt.Sprintf("Age: %s, Gender: %s", h.Age.Or(notSpecified), h.Gender.Or(notSpecified)))
	if pmh := h.PastMedicalHistory.String(); pmh != "" {
		w.field("Past Medical History", pmh)
	}
	if h.Medications != nil && len(*h.Medications) > 0 {
		w.subheading("Medications:")
		w.bullets(*h.Medications)
	}
	if h.Allergies != nil && len(*h.Allergies) > 0 {
		w.subheading("Allergies:")
		w.bullets(*h.Allergies)
	}
	w.end()
}

func (w *writer) functional(f *FunctionalStatus) {
	if f == nil {
		return
	}
	w.section("Functional Status")
	w.field("Dominant Hand", f.DominantHand.Or(notSpecified))
	rows := []struct {
		label string
		v     Text
	}{
		{"Sitting - Worst Day", f.SittingWorstDay},
		{"Sitting - Best Day", f.SittingBestDay},
		{"Standing - Worst Day", f.StandingWorstDay},
		{"Standing - Best Day", f.StandingBestDay},
		{"Walking - Worst Day", f.WalkingWorstDay},
		{"Walking - Best Day", f.WalkingBestDay},
		{"Cooking/Meal Prep", f.CookingMealPrep},
		{"Bathing/Showering", f.BathingShowering},
		{"Dressing", f.Dressing},
	}
	for _, r := range rows {
		w.field(r.label, r.v.Or(notDocumented))
	}
	if s := f.PhysicalDemandsOfJob.String(); s != "" {
		w.field("Physical Demands of Job", s)
	}
	if s := f.ActivitiesOfDailyLiving.String(); s != "" {
		w.field("Activities of Daily Living", s)
	}
	w.end()
}

func (w *writer) medical(m *MedicalInfo) {
	if m == nil {
		return
	}
	w.section("Medical Information")
	if m.CurrentMedications != nil {
		w.subheading("Current Medications:")
		if len(*m.CurrentMedications) == 0 {
			w.text("None reported")
		} else {
			w.bullets(*m.CurrentMedications)
		}
	}
	if m.Allergies != nil {
		w.subheading("Allergies:")
		if len(*m.Allergies) == 0 {
			w.text("NKDA (No Known Drug Allergies)")
		} else {
			w.bullets(*m.Allergies)
		}
	}
	w.end()

	w.optional("Surgical History", m.SurgicalHistory)
	w.optional("Family History", m.FamilyHistory)
	w.optional("Social History", m.SocialHistory)
}

// optional renders a one-paragraph section only when there is text for it.
func (w *writer) optional(title string, t Text) {
	s := t.String()
	if s == "" {
		return
	}
	w.section(title)
	w.text(s)
	w.end()
}

func (w *writer) physical(p *PhysicalExam) {
	if p == nil {
		return
	}
	w.section("Physical Examination")
	w.field("General Appearance", p.GeneralAppearance.Or(notDocumented))
	w.subheading("Vital Signs:")
	for _, line := range VitalSignLines(p.VitalSigns) {
		w.text(line)
	}
	w.field("Cardiovascular", p.Cardiovascular.Or(notDocumented))
	w.field("Respiratory", p.Respiratory.Or(notDocumented))
	w.field("Musculoskeletal", p.Musculoskeletal.Or(notDocumented))
	w.field("Neurological", p.Neurological.Or(notDocumented))
	w.end()
}

// VitalSignLines formats the measurements that are present, one per line.
func VitalSignLines(v *VitalSigns) []string {
	if v == nil {
		return []string{notDocumented}
	}
	var out []string
	if bp := v.BloodPressure; bp != nil && bp.Systolic.String() != "" && bp.Diastolic.String() != "" {
		out = append(out, fmt.Sprintf("Blood Pressure: %s/%s mmHg", bp.Systolic, bp.Diastolic))
	}
	if v.HeartRate != nil && v.HeartRate.Rate.String() != "" {
		out = append(out, fmt.Sprintf("Heart Rate: %s bpm", v.HeartRate.Rate))
	}
	if s := v.RespiratoryRate.String(); s != "" {
		out = append(out, fmt.Sprintf("Respiratory Rate: %s breaths/min", s))
	}
	if t := v.Temperature; t != nil && t.Value.String() != "" {
		out = append(out, fmt.Sprintf("Temperature: %s°%s", t.Value, t.Unit.Or("F")))
	}
	if s := v.OxygenSaturation.String(); s != "" {
		out = append(out, fmt.Sprintf("Oxygen Saturation: %s%%", s))
	}
	if h := v.Height; h != nil {
		switch {
		case h.Feet.String() != "":
			line := fmt.Sprintf("Height: %s'%s\"", h.Feet, h.Inches.Or("0"))
			if cm := h.Cm.String(); cm != "" {
				line += fmt.Sprintf(" (%s cm)", cm)
			}
			out = append(out, line)
		case h.Cm.String() != "":
			out = append(out, fmt.Sprintf("Height: %s cm", h.Cm))
		}
	}
	if wt := v.Weight; wt != nil {
		switch {
		case wt.Pounds.String() != "":
			line := fmt.Sprintf("Weight: %s lbs", wt.Pounds)
			if kg := wt.Kg.String(); kg != "" {
				line += fmt.Sprintf(" (%s kg)", kg)
			}
			out = append(out, line)
		case wt.Kg.String() != "":
			out = append(out, fmt.Sprintf("Weight: %s kg", wt.Kg))
		}
	}
	if s := v.Notes.String(); s != "" {
		out = append(out, s)
	}
	if len(out) == 0 {
		return []string{notDocumented}
	}
	return out
}

var romRegions = []struct{ key, title string }{
	{"cervicalSpine", "Cervical Spine"},
	{"thoracicSpine", "Thoracic Spine"},
	{"lumbarSpine", "Lumbar Spine"},
	{"shoulders", "Shoulders"},
	{"elbows", "Elbows"},
	{"wrists", "Wrists"},
	{"hips", "Hips"},
	{"knees", "Knees"},
	{"ankles", "Ankles"},
}

var romMovements = []struct{ key, title string }{
	{"flexion", "Flexion"},
	{"extension", "Extension"},
	{"leftRotation", "Left Rotation"},
	{"rightRotation", "Right Rotation"},
	{"leftLateralFlexion", "Left Lateral Flexion"},
	{"rightLateralFlexion", "Right Lateral Flexion"},
}

var romHeaders = []string{"Movement", "Active ROM", "Passive ROM", "Normal Range"}

func (w *writer) rangeOfMotion(r *RangeOfMotion) {
	if r == nil {
		return
	}
	w.section("Range of Motion")
	rendered := false
	for _, region := range romRegions {
		if note, ok := r.Notes[region.key]; ok {
			w.field(region.title, note)
			rendered = true
			continue
		}
		joint, ok := r.Joints[region.key]
		if !ok {
			continue
		}
		var rows [][]string
		for _, mv := range romMovements {
			m, ok := joint[mv.key]
			if !ok {
				continue
			}
			rows = append(rows, []string{mv.title, m.Active.String(), m.Passive.String(), m.Normal.String()})
		}
		if len(rows) == 0 {
			continue
		}
		w.ensure(rowHeight*float64(len(rows)+1) + lineHeight)
		w.subheading(region.title + ":")
		w.table(romHeaders, rows)
		w.pdf.Ln(4)
		rendered = true
	}
	if !rendered {
		w.text(notDocumented)
	}
	w.end()
}

func (w *writer) table(headers []string, rows [][]string) {
	col := w.width / float64(len(headers))
	w.pdf.SetFont(fontFamily, "B", 10)
	for _, h := range headers {
		w.pdf.CellFormat(col, rowHeight, w.tr(h), "1", 0, "C", false, 0, "")
	}
	w.pdf.Ln(-1)
	w.pdf.SetFont(fontFamily, "", 10)
	for _, row := range rows {
		for _, cell := range row {
			w.pdf.CellFormat(col, rowHeight, w.tr(cell), "1", 0, "C", false, 0, "")
		}
		w.pdf.Ln(-1)
	}
}

func (w *writer) gaitStation(g *GaitStation) {
	if g == nil {
		return
	}
	gait, station := g.Gait, g.Station
	if gait == nil {
		gait = &Gait{}
	}
	if station == nil {
		station = &Station{}
	}
	w.section("Gait and Station")
	w.field("Gait Pattern", gait.Pattern.Or(notDocumented))
	w.field("Gait Speed", gait.Speed.Or(notDocumented))
	w.field("Use of Assistive Device", gait.AssistiveDevice.Or("None"))
	w.field("Station", station.Description.Or(notDocumented))
	w.field("Balance", station.Balance.Or(notDocumented))
	w.end()
}

func (w *writer) assessment(a *Assessment) {
	if a == nil {
		return
	}
	w.section("Diagnosis/Assessment")
	if len(a.DiagnosisAssessment) == 0 {
		w.text(notDocumented)
	} else {
		w.bullets(a.DiagnosisAssessment)
	}
	w.end()

	if mss := a.MedicalSourceStatement; mss != nil {
		w.section("Medical Source Statement")
		for _, part := range []struct {
			title string
			v     Text
		}{
			{"Abilities:", mss.Abilities},
			{"Understanding, Memory, and Concentration:", mss.UnderstandingMemoryConcentration},
			{"Limitations:", mss.Limitations},
		} {
			if s := part.v.String(); s != "" {
				w.subheading(part.title)
				w.text(s)
			}
		}
		w.end()
	}

	w.optional("Recommendations", a.Recommendations)
	w.optional("Imaging Reviewed", a.ImagingReviewed)
	w.optional("Statement Re Review of Medical Records", a.MedicalRecordsReviewStatement)

	if ex := a.ExaminerInfo; ex != nil {
		w.section("Examiner Information")
		w.field("Examiner", ex.Name.Or(notDocumented))
		w.field("Facility", ex.Facility.Or(notDocumented))
		w.field("Date", ex.Date.Or(notDocumented))
		if a.ExaminerSignature.String() != "" {
			w.text("Electronically signed")
		}
		w.end()
	}
}
