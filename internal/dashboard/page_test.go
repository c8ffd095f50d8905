package dashboard

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/curebird/curebird/internal/analysis"
	"github.com/curebird/curebird/internal/binder"
	"github.com/curebird/curebird/internal/domain/medication"
	"github.com/curebird/curebird/internal/domain/record"
	"github.com/curebird/curebird/internal/forms"
	"github.com/curebird/curebird/internal/identity"
	"github.com/curebird/curebird/internal/navigation"
	"github.com/curebird/curebird/internal/session"
)

func day(y int, m time.Month, d int) time.Time { return time.Date(y, m, d, 0, 0, 0, 0, time.UTC) }

func signedIn() session.State {
	return session.State{
		Status:   session.StatusAuthenticated,
		Identity: &identity.Identity{UID: "u1", DisplayName: "Asha", Email: "asha@example.com"},
	}
}

func sampleRecords() []record.Record {
	return []record.Record{
		{ID: "r3", Date: day(2024, 3, 9), Type: record.TypeTestReport},
		{ID: "r2", Date: day(2024, 2, 1), Type: record.TypePrescription, Details: record.Details{
			Medications: []record.MedicationEntry{{Name: "Amoxicillin", Dosage: "250mg", Frequency: "TID"}},
		}},
		{ID: "r1", Date: day(2024, 1, 5), Type: record.TypePrescription},
	}
}

func TestRender_DataPagesNeedSession(t *testing.T) {
	for _, v := range []navigation.View{navigation.ViewDashboard, navigation.ViewAllRecords, navigation.ViewAppointments, navigation.ViewMedications, navigation.ViewSettings} {
		p := Render(State{View: v, Session: session.State{Status: session.StatusUnauthenticated}})
		if p.Placeholder != LoginRequired {
			t.Fatalf("%s: expected login placeholder, got %+v", v, p)
		}
		if p.Dashboard != nil || p.Records != nil || p.Settings != nil {
			t.Fatalf("%s: data rendered without a session", v)
		}
	}

	p := Render(State{View: navigation.ViewCureStat, Session: session.State{Status: session.StatusUnauthenticated}, Trends: TrendsState{Loading: true}})
	if p.Placeholder != "" || p.CureStat == nil {
		t.Fatalf("cure stat should render without a session, got %+v", p)
	}
}

func TestRender_LoadingSessionShowsLoadingPlaceholder(t *testing.T) {
	p := Render(State{View: navigation.ViewDashboard, Session: session.State{Status: session.StatusLoading}})
	if p.Placeholder != Loading || p.Message != LoadingText {
		t.Fatalf("expected loading placeholder, got %q %q", p.Placeholder, p.Message)
	}
	if p.Dashboard != nil {
		t.Fatal("dashboard rendered before the session resolved")
	}
}

func TestRender_UnknownViewFallsBackToDashboard(t *testing.T) {
	p := Render(State{View: "Billing", Session: signedIn(), Records: binder.View[record.Record]{Items: sampleRecords()}})
	if p.View != navigation.ViewDashboard || p.Dashboard == nil {
		t.Fatalf("expected dashboard, got %+v", p)
	}
}

func TestRender_DashboardStatsAndChart(t *testing.T) {
	p := Render(State{View: navigation.ViewDashboard, Session: signedIn(), Records: binder.View[record.Record]{Items: sampleRecords()}})
	d := p.Dashboard

	want := []StatCard{
		{Label: "Total Records", Value: "3"},
		{Label: "Prescriptions", Value: "2"},
		{Label: "Last Visit", Value: "Mar 09, 2024"},
		{Label: "Status", Value: "Verified"},
	}
	for i, c := range want {
		if d.Stats[i] != c {
			t.Fatalf("stat %d: want %+v, got %+v", i, c, d.Stats[i])
		}
	}

	if len(d.Chart) != 2 || d.Chart[0] != (ChartPoint{Name: "Test report", Count: 1}) || d.Chart[1] != (ChartPoint{Name: "Prescription", Count: 2}) {
		t.Fatalf("unexpected chart %+v", d.Chart)
	}
	if d.Empty != nil {
		t.Fatal("non-empty dashboard shows the empty state")
	}
}

func TestRender_DashboardEmptyAndLoading(t *testing.T) {
	p := Render(State{View: navigation.ViewDashboard, Session: signedIn()})
	if p.Dashboard.Empty == nil || p.Dashboard.Empty.Message != NoRecordsText {
		t.Fatalf("expected empty state, got %+v", p.Dashboard)
	}
	if p.Dashboard.Stats[2].Value != NotAvailable {
		t.Fatalf("last visit should be N/A, got %q", p.Dashboard.Stats[2].Value)
	}

	p = Render(State{View: navigation.ViewDashboard, Session: signedIn(), Records: binder.View[record.Record]{Loading: true}})
	if !p.Dashboard.Loading || p.Dashboard.Empty != nil || p.Dashboard.Stats != nil {
		t.Fatalf("loading dashboard should only show the skeleton, got %+v", p.Dashboard)
	}
}

func TestRender_EmptyListsAreNotErrors(t *testing.T) {
	p := Render(State{View: navigation.ViewMedications, Session: signedIn()})
	if p.Medications == nil || p.Medications.Empty == nil || p.Medications.Empty.Message != NoMedicationsText {
		t.Fatalf("expected empty medications state, got %+v", p.Medications)
	}
	if p.Placeholder != "" {
		t.Fatal("empty list rendered as a placeholder")
	}

	meds := medication.Project(sampleRecords())
	p = Render(State{View: navigation.ViewMedications, Session: signedIn(), Medications: meds})
	if p.Medications.Empty != nil {
		t.Fatal("non-empty list shows empty state")
	}

	body, _ := json.Marshal(Render(State{View: navigation.ViewAppointments, Session: signedIn()}))
	if !strings.Contains(string(body), `"items":[]`) {
		t.Fatalf("empty list should encode as [], got %s", body)
	}
}

func TestRenderCureStat_TopBarsAndSlices(t *testing.T) {
	var trends []analysis.Trend
	for i := 1; i <= 12; i++ {
		trends = append(trends, analysis.Trend{Disease: string(rune('A' + i)), Outbreaks: i * 10})
	}
	p := RenderCureStat(TrendsState{Trends: trends})

	if len(p.Bars) != 10 || p.Bars[0].Outbreaks != 120 {
		t.Fatalf("unexpected bars %+v", p.Bars)
	}
	if len(p.Slices) != 5 {
		t.Fatalf("expected 5 slices, got %d", len(p.Slices))
	}
	// 120+110+100+90+80 = 500
	if p.Slices[0].Percent != 24 || p.Slices[4].Percent != 16 {
		t.Fatalf("unexpected shares %+v", p.Slices)
	}

	p = RenderCureStat(TrendsState{Error: TrendsErrorText})
	if p.Error != TrendsErrorText || p.Bars != nil {
		t.Fatalf("unexpected error page %+v", p)
	}
}

func TestRender_ModalsAndShareLink(t *testing.T) {
	s := State{
		View:       navigation.ViewDashboard,
		Session:    signedIn(),
		PublicURL:  "https://curebird.example",
		RecordForm: forms.RecordFormView{Open: true, Mode: forms.ModeCreate},
	}
	p := Render(s)
	if p.Modals.RecordForm == nil || p.Modals.AppointmentForm != nil {
		t.Fatalf("unexpected modals %+v", p.Modals)
	}
	if p.Modals.ShareLink != "https://curebird.example?shareId=u1" {
		t.Fatalf("unexpected share link %q", p.Modals.ShareLink)
	}

	s.Session = session.State{Status: session.StatusUnauthenticated}
	if p := Render(s); p.Modals.RecordForm != nil || p.Modals.ShareLink != "" {
		t.Fatal("modals rendered without a session")
	}
}

func TestRender_Settings(t *testing.T) {
	p := Render(State{View: navigation.ViewSettings, Session: signedIn()})
	if p.Settings == nil || p.Settings.DisplayName != "Asha" || p.Settings.UID != "u1" {
		t.Fatalf("unexpected settings %+v", p.Settings)
	}
}

func TestAnalysisError(t *testing.T) {
	if got := AnalysisError(errors.New("No text found")); got != "Failed to process image: No text found" {
		t.Fatalf("unexpected message %q", got)
	}
}
