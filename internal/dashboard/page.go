// Package dashboard renders the page model of a dashboard session: the data
// each view shows, computed from the session, binder and form state.
package dashboard

import (
	"sort"
	"strconv"
	"time"

	"github.com/curebird/curebird/internal/analysis"
	"github.com/curebird/curebird/internal/binder"
	"github.com/curebird/curebird/internal/domain/appointment"
	"github.com/curebird/curebird/internal/domain/medication"
	"github.com/curebird/curebird/internal/domain/record"
	"github.com/curebird/curebird/internal/forms"
	"github.com/curebird/curebird/internal/navigation"
	"github.com/curebird/curebird/internal/session"
)

// Display texts.
const (
	LastVisitLayout    = "Jan 02, 2006"
	NotAvailable       = "N/A"
	StatusVerified     = "Verified"
	LoginRequired      = "login_required"
	LoginRequiredText  = "Please log in to view this page."
	Loading            = "loading"
	LoadingText        = "Loading Application..."
	NoRecordsText      = "No medical records found."
	NoAppointmentsText = "No appointments found."
	NoMedicationsText  = "No medications found."
	TrendsErrorText    = "Could not connect to the AI analysis server. Please ensure the backend is running."
	AnalysisErrorText  = "Failed to process image: "
)

const (
	trendBars   = 10
	trendSlices = 5
)

// AnalyzerState is the Cure Analyzer's working state.
type AnalyzerState struct {
	FileName string           `json:"fileName,omitempty"`
	Loading  bool             `json:"loading"`
	Result   *analysis.Result `json:"result,omitempty"`
	Error    string           `json:"error,omitempty"`
}

// TrendsState is the Cure Stat view's working state.
type TrendsState struct {
	Loading bool             `json:"loading"`
	Trends  []analysis.Trend `json:"-"`
	Error   string           `json:"error,omitempty"`
}

// State is everything a page is rendered from.
type State struct {
	View            navigation.View
	Session         session.State
	Records         binder.View[record.Record]
	Appointments    binder.View[appointment.Appointment]
	Medications     []medication.Medication
	RecordForm      forms.RecordFormView
	AppointmentForm forms.AppointmentFormView
	DeletePrompt    forms.DeletePromptView
	Analyzer        AnalyzerState
	Trends          TrendsState
	PublicURL       string
}

// StatCard is one dashboard figure.
type StatCard struct {
	Label string `json:"label"`
	Value string `json:"value"`
}

// ChartPoint is one bar of the records-by-type chart.
type ChartPoint struct {
	Name  string `json:"name"`
	Count int    `json:"count"`
}

// Empty is shown in place of an empty list.
type Empty struct {
	Message string `json:"message"`
}

// DashboardPage is the Dashboard view.
type DashboardPage struct {
	Loading bool            `json:"loading"`
	Stats   []StatCard      `json:"stats,omitempty"`
	Chart   []ChartPoint    `json:"chart,omitempty"`
	Records []record.Record `json:"records,omitempty"`
	Empty   *Empty          `json:"empty,omitempty"`
}

// ListPage is a view listing one collection.
type ListPage[T any] struct {
	Loading bool   `json:"loading"`
	Items   []T    `json:"items"`
	Empty   *Empty `json:"empty,omitempty"`
}

// TrendSlice is one pie slice with its rounded share of the slices shown.
type TrendSlice struct {
	Disease   string `json:"disease"`
	Outbreaks int    `json:"outbreaks"`
	Percent   int    `json:"percent"`
}

// CureStatPage is the disease-trend view.
type CureStatPage struct {
	Loading bool             `json:"loading"`
	Bars    []analysis.Trend `json:"bars,omitempty"`
	Slices  []TrendSlice     `json:"slices,omitempty"`
	Error   string           `json:"error,omitempty"`
}

// SettingsPage shows the account.
type SettingsPage struct {
	DisplayName string `json:"displayName"`
	Email       string `json:"email"`
	PhotoURL    string `json:"photoURL,omitempty"`
	UID         string `json:"uid"`
}

// Modals are the overlays open on top of the current view.
type Modals struct {
	RecordForm      *forms.RecordFormView      `json:"recordForm,omitempty"`
	AppointmentForm *forms.AppointmentFormView `json:"appointmentForm,omitempty"`
	DeleteConfirm   *forms.DeletePromptView    `json:"deleteConfirm,omitempty"`
	ShareLink       string                     `json:"shareLink,omitempty"`
}

// Page is the model pushed to the browser after every change.
type Page struct {
	View        navigation.View   `json:"view"`
	Views       []navigation.View `json:"views"`
	Session     session.State     `json:"session"`
	Placeholder string            `json:"placeholder,omitempty"`
	Message     string            `json:"message,omitempty"`

	Dashboard    *DashboardPage                     `json:"dashboard,omitempty"`
	Records      *ListPage[record.Record]           `json:"records,omitempty"`
	Appointments *ListPage[appointment.Appointment] `json:"appointments,omitempty"`
	Medications  *ListPage[medication.Medication]   `json:"medications,omitempty"`
	Analyzer     *AnalyzerState                     `json:"analyzer,omitempty"`
	CureStat     *CureStatPage                      `json:"cureStat,omitempty"`
	Settings     *SettingsPage                      `json:"settings,omitempty"`
	Modals       Modals                             `json:"modals"`
}

// Render builds the page for s.View.
func Render(s State) Page {
	view := navigation.Resolve(string(s.View))
	p := Page{
		View:    view,
		Views:   navigation.Views,
		Session: s.Session,
		Modals:  renderModals(s),
	}

	if view.RequiresSession() && s.Session.Status == session.StatusLoading {
		p.Placeholder = Loading
		p.Message = LoadingText
		return p
	}
	if view.RequiresSession() && s.Session.Status != session.StatusAuthenticated {
		p.Placeholder = LoginRequired
		p.Message = LoginRequiredText
		return p
	}

	switch view {
	case navigation.ViewDashboard:
		p.Dashboard = renderDashboard(s.Records)
	case navigation.ViewAllRecords:
		p.Records = renderList(s.Records.Loading, s.Records.Items, NoRecordsText)
	case navigation.ViewAppointments:
		p.Appointments = renderList(s.Appointments.Loading, s.Appointments.Items, NoAppointmentsText)
	case navigation.ViewMedications:
		p.Medications = renderList(s.Records.Loading, s.Medications, NoMedicationsText)
	case navigation.ViewCureAnalyzer:
		a := s.Analyzer
		p.Analyzer = &a
	case navigation.ViewCureStat:
		p.CureStat = RenderCureStat(s.Trends)
	case navigation.ViewSettings:
		p.Settings = renderSettings(s.Session)
	}
	return p
}

func renderModals(s State) Modals {
	var m Modals
	if s.Session.Status != session.StatusAuthenticated {
		return m
	}
	if s.RecordForm.Open {
		rf := s.RecordForm
		m.RecordForm = &rf
	}
	if s.AppointmentForm.Open {
		af := s.AppointmentForm
		m.AppointmentForm = &af
	}
	if s.DeletePrompt.Open {
		dp := s.DeletePrompt
		m.DeleteConfirm = &dp
	}
	m.ShareLink = forms.ShareLink(s.PublicURL, s.Session.UID())
	return m
}

func renderDashboard(v binder.View[record.Record]) *DashboardPage {
	d := &DashboardPage{Loading: v.Loading}
	if v.Loading {
		return d
	}
	d.Stats = Stats(v.Items)
	d.Chart = Chart(v.Items)
	d.Records = v.Items
	if len(v.Items) == 0 {
		d.Empty = &Empty{Message: NoRecordsText}
	}
	return d
}

func renderList[T any](loading bool, items []T, emptyText string) *ListPage[T] {
	l := &ListPage[T]{Loading: loading, Items: items}
	if l.Items == nil {
		l.Items = []T{}
	}
	if !loading && len(items) == 0 {
		l.Empty = &Empty{Message: emptyText}
	}
	return l
}

func renderSettings(s session.State) *SettingsPage {
	if s.Identity == nil {
		return &SettingsPage{}
	}
	return &SettingsPage{
		DisplayName: s.Identity.DisplayName,
		Email:       s.Identity.Email,
		PhotoURL:    s.Identity.PhotoURL,
		UID:         s.Identity.UID,
	}
}

// Stats computes the dashboard stat cards. records must be newest first.
func Stats(records []record.Record) []StatCard {
	prescriptions := 0
	for _, r := range records {
		if r.Type == record.TypePrescription {
			prescriptions++
		}
	}
	lastVisit := NotAvailable
	if len(records) > 0 {
		lastVisit = FormatDate(records[0].Date)
	}
	return []StatCard{
		{Label: "Total Records", Value: strconv.Itoa(len(records))},
		{Label: "Prescriptions", Value: strconv.Itoa(prescriptions)},
		{Label: "Last Visit", Value: lastVisit},
		{Label: "Status", Value: StatusVerified},
	}
}

// Chart counts records per capitalized type, in order of first appearance.
func Chart(records []record.Record) []ChartPoint {
	index := make(map[string]int)
	var points []ChartPoint
	for _, r := range records {
		name := record.Capitalize(string(r.Type))
		i, ok := index[name]
		if !ok {
			i = len(points)
			index[name] = i
			points = append(points, ChartPoint{Name: name})
		}
		points[i].Count++
	}
	return points
}

// FormatDate renders a date the way the dashboard shows it.
func FormatDate(t time.Time) string {
	if t.IsZero() {
		return NotAvailable
	}
	return t.UTC().Format(LastVisitLayout)
}

// RenderCureStat turns the trend list into the top-10 bars and top-5 slices.
func RenderCureStat(t TrendsState) *CureStatPage {
	p := &CureStatPage{Loading: t.Loading, Error: t.Error}
	if t.Loading || t.Error != "" {
		return p
	}

	trends := append([]analysis.Trend(nil), t.Trends...)
	sort.SliceStable(trends, func(i, j int) bool { return trends[i].Outbreaks > trends[j].Outbreaks })

	p.Bars = trends[:min(trendBars, len(trends))]

	top := trends[:min(trendSlices, len(trends))]
	total := 0
	for _, tr := range top {
		total += tr.Outbreaks
	}
	for _, tr := range top {
		pct := 0
		if total > 0 {
			pct = int(float64(tr.Outbreaks)/float64(total)*100 + 0.5)
		}
		p.Slices = append(p.Slices, TrendSlice{Disease: tr.Disease, Outbreaks: tr.Outbreaks, Percent: pct})
	}
	return p
}

// AnalysisError is the analyzer's message for a failed analysis.
func AnalysisError(err error) string {
	return AnalysisErrorText + err.Error()
}
