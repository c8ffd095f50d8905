package portfolio

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/curebird/curebird/internal/analysis"
	"github.com/curebird/curebird/internal/dashboard"
	"github.com/curebird/curebird/internal/domain/record"
	"github.com/curebird/curebird/internal/forms"
	"github.com/curebird/curebird/internal/identity"
	"github.com/curebird/curebird/internal/navigation"
	"github.com/curebird/curebird/internal/session"
	"github.com/curebird/curebird/internal/store/memstore"
)

type fakeAnalyzer struct {
	mu        sync.Mutex
	result    analysis.Result
	err       error
	trends    []analysis.Trend
	trendsErr error
	trendHits int
}

func (f *fakeAnalyzer) AnalyzeReport(_ context.Context, _ string, r io.Reader) (analysis.Result, error) {
	io.Copy(io.Discard, r)
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.result, f.err
}

func (f *fakeAnalyzer) DiseaseTrends(context.Context) ([]analysis.Trend, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.trendHits++
	return f.trends, f.trendsErr
}

func newTestApp(t *testing.T, an Analyzer) (*App, *identity.Service) {
	t.Helper()
	tokens, err := identity.NewTokenIssuer([]byte("secret"), "curebird-test", time.Hour)
	if err != nil {
		t.Fatalf("issuer: %v", err)
	}
	svc := identity.NewService(identity.NewMemoryDirectory(), tokens, nil, identity.WithBcryptCost(bcrypt.MinCost))
	app := New(Config{AppID: "app", PublicURL: "https://curebird.example"}, Deps{
		Store:    memstore.New(),
		Identity: svc,
		Analyzer: an,
	})
	t.Cleanup(app.Close)
	return app, svc
}

// waitPage waits until cond holds for the rendered page.
func waitPage(t *testing.T, app *App, what string, cond func(dashboard.Page) bool) dashboard.Page {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		p := app.Page()
		if cond(p) {
			return p
		}
		select {
		case <-app.Changed():
		case <-time.After(10 * time.Millisecond):
		case <-deadline:
			t.Fatalf("timed out waiting for %s; last page %+v", what, p)
		}
	}
}

func do(t *testing.T, app *App, act Action) {
	t.Helper()
	if err := app.Handle(context.Background(), act); err != nil {
		t.Fatalf("%s: %v", act.Name, err)
	}
}

func signUp(t *testing.T, app *App) {
	t.Helper()
	app.Start(context.Background(), "")
	waitPage(t, app, "signed-out gate", func(p dashboard.Page) bool {
		return p.Session.Status == session.StatusUnauthenticated
	})
	do(t, app, Action{Name: "signup", Email: "asha@example.com", Password: "secret1", DisplayName: "Asha"})
	waitPage(t, app, "synced empty dashboard", func(p dashboard.Page) bool {
		return p.Dashboard != nil && p.Dashboard.Empty != nil
	})
}

func TestApp_SignedOutShowsLoginPlaceholder(t *testing.T) {
	app, _ := newTestApp(t, &fakeAnalyzer{})
	app.Start(context.Background(), "")

	p := waitPage(t, app, "placeholder", func(p dashboard.Page) bool { return p.Placeholder == dashboard.LoginRequired })
	if p.View != navigation.ViewDashboard {
		t.Fatalf("expected dashboard, got %s", p.View)
	}
	if err := app.Handle(context.Background(), Action{Name: "open_record_form"}); err == nil {
		t.Fatal("record form opened without a session")
	}
}

func TestApp_RestoreFromToken(t *testing.T) {
	app, svc := newTestApp(t, &fakeAnalyzer{})
	s, err := svc.SignUp(context.Background(), "ravi@example.com", "secret1", "Ravi")
	if err != nil {
		t.Fatalf("signup: %v", err)
	}
	app.Start(context.Background(), s.Token)
	waitPage(t, app, "restored session", func(p dashboard.Page) bool {
		return p.Session.Identity != nil && p.Session.Identity.DisplayName == "Ravi"
	})
}

func TestApp_RecordLifecycle(t *testing.T) {
	app, _ := newTestApp(t, &fakeAnalyzer{})
	signUp(t, app)

	do(t, app, Action{Name: "open_record_form"})
	doctor, hospital := "Dr. Rao", "City Hospital"
	do(t, app, Action{Name: "edit_record_form", Patch: &forms.RecordPatch{
		DoctorName:   &doctor,
		HospitalName: &hospital,
		Medication:   &forms.MedicationPatch{Index: 0, Entry: record.MedicationEntry{Name: "Amoxicillin", Dosage: "250mg", Frequency: "TID"}},
	}})
	do(t, app, Action{Name: "submit_record_form"})

	p := waitPage(t, app, "saved record", func(p dashboard.Page) bool {
		return p.Dashboard != nil && len(p.Dashboard.Records) == 1
	})
	if p.Modals.RecordForm != nil {
		t.Fatal("form still open after a confirmed write")
	}
	if p.Dashboard.Stats[1].Value != "1" {
		t.Fatalf("unexpected prescriptions count %+v", p.Dashboard.Stats)
	}

	do(t, app, Action{Name: "select_view", View: "Medications"})
	p = app.Page()
	if len(p.Medications.Items) != 1 || p.Medications.Items[0].Name != "Amoxicillin" {
		t.Fatalf("unexpected medications %+v", p.Medications)
	}

	id := p.Medications.Items[0].History[0].RecordID
	do(t, app, Action{Name: "request_delete", Domain: "medical_records", ID: id})
	if app.Page().Modals.DeleteConfirm == nil {
		t.Fatal("delete confirmation not shown")
	}
	do(t, app, Action{Name: "confirm_delete"})
	waitPage(t, app, "empty medications", func(p dashboard.Page) bool {
		return p.Medications != nil && p.Medications.Empty != nil
	})
}

func TestApp_AnalyzeThenApplyFillsOneRow(t *testing.T) {
	an := &fakeAnalyzer{result: analysis.Result{
		Diseases:    []string{"Flu"},
		Medications: []record.MedicationEntry{{Name: "Paracetamol", Dosage: "500mg", Frequency: "BID"}},
	}}
	app, _ := newTestApp(t, an)
	signUp(t, app)

	do(t, app, Action{Name: "select_view", View: "Cure Analyzer"})
	do(t, app, Action{Name: "analyze", FileName: "rx.png", Data: []byte("image")})
	waitPage(t, app, "analysis result", func(p dashboard.Page) bool {
		return p.Analyzer != nil && p.Analyzer.Result != nil
	})

	do(t, app, Action{Name: "apply_analysis"})
	form := app.Page().Modals.RecordForm
	if form == nil {
		t.Fatal("apply_analysis should open the record form")
	}
	if len(form.Draft.Medications) != 1 || form.Draft.Medications[0].Name != "Paracetamol" {
		t.Fatalf("expected exactly one Paracetamol row, got %+v", form.Draft.Medications)
	}
}

func TestApp_AnalyzeErrors(t *testing.T) {
	an := &fakeAnalyzer{err: errors.New("No text found in image")}
	app, _ := newTestApp(t, an)
	signUp(t, app)
	do(t, app, Action{Name: "select_view", View: "Cure Analyzer"})

	do(t, app, Action{Name: "analyze"})
	if got := app.Page().Analyzer.Error; got != "Please select a file first." {
		t.Fatalf("unexpected no-file message %q", got)
	}

	do(t, app, Action{Name: "analyze", FileName: "x.png", Data: []byte("x")})
	p := waitPage(t, app, "analysis error", func(p dashboard.Page) bool {
		return p.Analyzer != nil && !p.Analyzer.Loading && p.Analyzer.Error != ""
	})
	if p.Analyzer.Error != "Failed to process image: No text found in image" {
		t.Fatalf("unexpected error %q", p.Analyzer.Error)
	}
	if err := app.Handle(context.Background(), Action{Name: "apply_analysis"}); !errors.Is(err, ErrNoAnalysis) {
		t.Fatalf("expected ErrNoAnalysis, got %v", err)
	}
}

func TestApp_CureStatLoadsOnceAndReportsOutage(t *testing.T) {
	an := &fakeAnalyzer{trendsErr: errors.New("connection refused")}
	app, _ := newTestApp(t, an)
	app.Start(context.Background(), "")

	do(t, app, Action{Name: "select_view", View: "Cure Stat"})
	p := waitPage(t, app, "trend error", func(p dashboard.Page) bool {
		return p.CureStat != nil && p.CureStat.Error != ""
	})
	if p.CureStat.Error != dashboard.TrendsErrorText {
		t.Fatalf("unexpected error %q", p.CureStat.Error)
	}

	do(t, app, Action{Name: "select_view", View: "Cure Stat"})
	an.mu.Lock()
	an.trendsErr = nil
	an.trends = []analysis.Trend{{Disease: "Dengue", Outbreaks: 9}}
	an.mu.Unlock()
	do(t, app, Action{Name: "refresh_trends"})
	waitPage(t, app, "trend bars", func(p dashboard.Page) bool {
		return p.CureStat != nil && len(p.CureStat.Bars) == 1
	})

	an.mu.Lock()
	hits := an.trendHits
	an.mu.Unlock()
	if hits != 2 {
		t.Fatalf("expected one initial fetch and one refresh, got %d", hits)
	}
}

func TestApp_LogoutClearsData(t *testing.T) {
	app, _ := newTestApp(t, &fakeAnalyzer{})
	signUp(t, app)
	do(t, app, Action{Name: "open_appointment_form"})

	do(t, app, Action{Name: "logout"})
	p := waitPage(t, app, "signed out", func(p dashboard.Page) bool {
		return p.Placeholder == dashboard.LoginRequired && !app.apptForm.View().Open && len(app.records.Items()) == 0
	})
	if p.Modals.AppointmentForm != nil || p.Modals.ShareLink != "" {
		t.Fatalf("modals survived logout: %+v", p.Modals)
	}
}

func TestApp_SwitchingUsersResetsDraftsAndPrompt(t *testing.T) {
	an := &fakeAnalyzer{result: analysis.Result{Diseases: []string{"Flu"}}}
	app, _ := newTestApp(t, an)
	signUp(t, app)

	do(t, app, Action{Name: "select_view", View: "Cure Analyzer"})
	do(t, app, Action{Name: "analyze", FileName: "rx.png", Data: []byte("image")})
	waitPage(t, app, "analysis result", func(p dashboard.Page) bool {
		return p.Analyzer != nil && p.Analyzer.Result != nil
	})
	do(t, app, Action{Name: "open_record_form"})
	doctor := "Dr. Rao"
	do(t, app, Action{Name: "edit_record_form", Patch: &forms.RecordPatch{DoctorName: &doctor}})
	do(t, app, Action{Name: "request_delete", Domain: "medical_records", ID: "rec-1"})
	if p := app.Page(); p.Modals.RecordForm == nil || p.Modals.DeleteConfirm == nil {
		t.Fatalf("expected form and prompt open, got %+v", p.Modals)
	}

	first := app.Session().UID()
	do(t, app, Action{Name: "signup", Email: "ben@example.com", Password: "secret1", DisplayName: "Ben"})
	p := waitPage(t, app, "second user with modals closed", func(p dashboard.Page) bool {
		return p.Session.Identity != nil && p.Session.Identity.DisplayName == "Ben" &&
			p.Modals.RecordForm == nil && p.Modals.DeleteConfirm == nil &&
			p.Analyzer != nil && p.Analyzer.Result == nil
	})
	if p.Session.UID() == first {
		t.Fatal("session did not switch users")
	}
	if app.recordForm.View().Draft.DoctorName != "" {
		t.Fatal("previous user's draft survived the switch")
	}
	if app.records.PendingDelete() != "" {
		t.Fatal("pending delete survived the switch")
	}
}

func TestApp_UnknownAction(t *testing.T) {
	app, _ := newTestApp(t, &fakeAnalyzer{})
	if err := app.Handle(context.Background(), Action{Name: "teleport"}); !errors.Is(err, ErrUnknownAction) {
		t.Fatalf("expected ErrUnknownAction, got %v", err)
	}
}
