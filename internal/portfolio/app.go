// Package portfolio is one connected client's dashboard session. It owns the
// session gate, the view router, the per-domain binders and the modal forms,
// and re-renders the page whenever any of them changes.
package portfolio

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"go.uber.org/zap"

	"github.com/curebird/curebird/internal/analysis"
	"github.com/curebird/curebird/internal/attachment"
	"github.com/curebird/curebird/internal/binder"
	"github.com/curebird/curebird/internal/dashboard"
	"github.com/curebird/curebird/internal/domain/appointment"
	"github.com/curebird/curebird/internal/domain/medication"
	"github.com/curebird/curebird/internal/domain/record"
	"github.com/curebird/curebird/internal/forms"
	"github.com/curebird/curebird/internal/identity"
	"github.com/curebird/curebird/internal/navigation"
	"github.com/curebird/curebird/internal/session"
	"github.com/curebird/curebird/internal/store"
)

// Analyzer is the document-analysis collaborator.
type Analyzer interface {
	AnalyzeReport(ctx context.Context, fileName string, content io.Reader) (analysis.Result, error)
	DiseaseTrends(ctx context.Context) ([]analysis.Trend, error)
}

// Config is shared by every session of a server.
type Config struct {
	AppID     string
	PublicURL string
}

// Deps are the collaborators a session is built from.
type Deps struct {
	Store    store.Store
	Identity *identity.Service
	Analyzer Analyzer
	// Uploader is optional; without it attachments are inlined.
	Uploader *attachment.Uploader
	Logger   *zap.Logger
}

var (
	// ErrUnknownAction is returned for an action name the session does not know.
	ErrUnknownAction = errors.New("unknown action")
	// ErrNoAnalysis is returned when there is no analysis result to apply.
	ErrNoAnalysis = errors.New("no analysis result to apply")
	// ErrUnknownDomain is returned for a delete in an unknown collection.
	ErrUnknownDomain = errors.New("unknown domain")

	errAnalyzerDisabled = errors.New("analysis service is not configured")
)

// App is one dashboard session.
type App struct {
	cfg      Config
	logger   *zap.Logger
	analyzer Analyzer

	identity     *identity.Client
	gate         *session.Gate
	router       *navigation.Router
	records      *binder.Binder[record.Record]
	appointments *binder.Binder[appointment.Appointment]
	projector    medication.Projector
	recordForm   *forms.RecordForm
	apptForm     *forms.AppointmentForm
	prompt       forms.DeletePrompt

	// uid is the session last announced by the gate; only the gate
	// goroutine touches it.
	uid string

	mu       sync.Mutex
	analysis dashboard.AnalyzerState
	trends   dashboard.TrendsState

	changed chan struct{}
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	closeMu sync.Once
}

// New creates a session. Call Start to begin, Close to release it.
func New(cfg Config, deps Deps) *App {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())

	a := &App{
		cfg:      cfg,
		logger:   logger,
		analyzer: deps.Analyzer,
		router:   navigation.NewRouter(),
		changed:  make(chan struct{}, 1),
		ctx:      ctx,
		cancel:   cancel,
	}

	opts := binder.Options{Logger: logger, OnChange: a.poke}
	a.records = binder.New[record.Record](deps.Store, cfg.AppID, store.DomainRecords, record.Codec{}, opts)
	a.appointments = binder.New[appointment.Appointment](deps.Store, cfg.AppID, store.DomainAppointments, appointment.Codec{}, opts)

	var formOpts []forms.RecordOption
	if deps.Uploader != nil {
		formOpts = append(formOpts, forms.WithUploader(deps.Uploader))
	}
	a.recordForm = forms.NewRecordForm(a.records, logger, formOpts...)
	a.apptForm = forms.NewAppointmentForm(a.appointments, logger)

	a.identity = identity.NewClient(deps.Identity, logger)
	a.gate = session.NewGate(a.identity, logger, a.onSession)
	return a
}

// Start runs the session gate and announces the initial session, restored
// from token when it is still valid.
func (a *App) Start(ctx context.Context, token string) {
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		a.gate.Run()
	}()
	a.identity.Start(ctx, token)
	a.poke()
}

// Close tears the session down: subscriptions released, gate stopped.
func (a *App) Close() {
	a.closeMu.Do(func() {
		a.cancel()
		a.identity.Close()
		a.wg.Wait()
		a.records.Close()
		a.appointments.Close()
		a.prompt.Cancel()
	})
}

// Changed receives a value whenever the page may have changed. Several
// changes between receives collapse into one.
func (a *App) Changed() <-chan struct{} { return a.changed }

func (a *App) poke() {
	select {
	case a.changed <- struct{}{}:
	default:
	}
}

// onSession runs on the gate goroutine after every session transition.
func (a *App) onSession(s session.State) {
	uid := s.UID()
	if uid != a.uid {
		a.recordForm.Close()
		a.apptForm.Close()
		a.prompt.Cancel()
		a.mu.Lock()
		a.analysis = dashboard.AnalyzerState{}
		a.mu.Unlock()
		a.uid = uid
	}
	for _, set := range []func(string) error{a.records.SetSession, a.appointments.SetSession} {
		if err := set(uid); err != nil {
			a.logger.Error("binder session switch failed", zap.Error(err))
		}
	}
	a.poke()
}

// Session returns the gate state.
func (a *App) Session() session.State { return a.gate.State() }

// Token is the current session token, empty when signed out.
func (a *App) Token() string { return a.gate.State().Token }

// Page renders the current page.
func (a *App) Page() dashboard.Page {
	recs := a.records.View()
	a.mu.Lock()
	an, tr := a.analysis, a.trends
	a.mu.Unlock()

	return dashboard.Render(dashboard.State{
		View:            a.router.Current(),
		Session:         a.gate.State(),
		Records:         recs,
		Appointments:    a.appointments.View(),
		Medications:     a.projector.Project(recs.Version, recs.Items),
		RecordForm:      a.recordForm.View(),
		AppointmentForm: a.apptForm.View(),
		DeletePrompt:    a.prompt.View(),
		Analyzer:        an,
		Trends:          tr,
		PublicURL:       a.cfg.PublicURL,
	})
}

// Action is a client request. Fields beyond Name depend on the action.
type Action struct {
	Name        string                  `json:"action"`
	Token       string                  `json:"token,omitempty"`
	Email       string                  `json:"email,omitempty"`
	Password    string                  `json:"password,omitempty"`
	DisplayName string                  `json:"displayName,omitempty"`
	Provider    string                  `json:"provider,omitempty"`
	Credential  string                  `json:"credential,omitempty"`
	View        string                  `json:"view,omitempty"`
	ID          string                  `json:"id,omitempty"`
	Domain      string                  `json:"domain,omitempty"`
	FileName    string                  `json:"fileName,omitempty"`
	ContentType string                  `json:"contentType,omitempty"`
	Data        []byte                  `json:"data,omitempty"`
	Patch       *forms.RecordPatch      `json:"patch,omitempty"`
	Appointment *forms.AppointmentDraft `json:"appointment,omitempty"`
}

// Handle performs one action. Actions are handled one at a time by the
// connection's read loop. The returned error is for display; the page is
// re-rendered either way.
func (a *App) Handle(ctx context.Context, act Action) error {
	defer a.poke()

	switch act.Name {
	case "restore":
		return a.identity.Restore(ctx, act.Token)
	case "login":
		return a.gate.Login(ctx, act.Email, act.Password)
	case "signup":
		return a.gate.Signup(ctx, act.Email, act.Password, act.DisplayName)
	case "federated":
		return a.gate.Federated(ctx, act.Provider, act.Credential)
	case "logout":
		return a.gate.Logout(ctx)
	case "update_profile":
		return a.gate.UpdateDisplayName(ctx, act.DisplayName)

	case "select_view":
		if a.router.Select(act.View) == navigation.ViewCureStat {
			a.loadTrends(false)
		}
		return nil

	case "open_record_form":
		return a.openRecordForm(act.ID)
	case "edit_record_form":
		if act.Patch == nil {
			return nil
		}
		return a.recordForm.Edit(*act.Patch)
	case "apply_analysis":
		return a.applyAnalysis()
	case "attach_file":
		return a.recordForm.AttachFile(ctx, a.gate.State().UID(), act.FileName, act.ContentType, act.Data)
	case "submit_record_form":
		_, err := a.recordForm.Submit(ctx)
		return err
	case "close_form":
		a.recordForm.Close()
		a.apptForm.Close()
		return nil

	case "open_appointment_form":
		return a.openAppointmentForm(act.ID)
	case "submit_appointment_form":
		if act.Appointment == nil {
			return fmt.Errorf("%w: missing appointment", appointment.ErrInvalidAppointment)
		}
		_, err := a.apptForm.Submit(ctx, *act.Appointment)
		return err

	case "request_delete":
		return a.requestDelete(act.Domain, act.ID)
	case "confirm_delete":
		return a.prompt.Confirm(ctx)
	case "cancel_delete":
		a.prompt.Cancel()
		return nil

	case "analyze":
		a.analyze(act.FileName, act.Data)
		return nil
	case "refresh_trends":
		a.loadTrends(true)
		return nil
	}
	return fmt.Errorf("%w: %q", ErrUnknownAction, act.Name)
}

func (a *App) openRecordForm(id string) error {
	if a.gate.State().UID() == "" {
		return binder.ErrNoSession
	}
	if id == "" {
		a.recordForm.OpenBlank()
		return nil
	}
	r, ok := a.records.Find(id)
	if !ok {
		return fmt.Errorf("record %s: %w", id, store.ErrNotFound)
	}
	a.recordForm.OpenEdit(r)
	return nil
}

func (a *App) openAppointmentForm(id string) error {
	if a.gate.State().UID() == "" {
		return binder.ErrNoSession
	}
	if id == "" {
		a.apptForm.OpenBlank()
		return nil
	}
	appt, ok := a.appointments.Find(id)
	if !ok {
		return fmt.Errorf("appointment %s: %w", id, store.ErrNotFound)
	}
	a.apptForm.OpenEdit(appt)
	return nil
}

func (a *App) requestDelete(domain, id string) error {
	switch store.Domain(domain) {
	case store.DomainRecords:
		return a.prompt.Request(domain, a.records, id)
	case store.DomainAppointments:
		return a.prompt.Request(domain, a.appointments, id)
	}
	return fmt.Errorf("%w: %q", ErrUnknownDomain, domain)
}

func (a *App) applyAnalysis() error {
	a.mu.Lock()
	res := a.analysis.Result
	a.mu.Unlock()
	if res == nil {
		return ErrNoAnalysis
	}
	if !a.recordForm.View().Open {
		if err := a.openRecordForm(""); err != nil {
			return err
		}
	}
	return a.recordForm.ApplyAnalysis(*res)
}

// analyze runs the upload in the background; the page shows the spinner
// until the result or error lands.
func (a *App) analyze(fileName string, data []byte) {
	if fileName == "" || len(data) == 0 {
		a.mu.Lock()
		a.analysis = dashboard.AnalyzerState{Error: analysis.ErrNoFile.Error()}
		a.mu.Unlock()
		return
	}

	a.mu.Lock()
	if a.analyzer == nil {
		a.analysis = dashboard.AnalyzerState{FileName: fileName, Error: dashboard.AnalysisError(errAnalyzerDisabled)}
		a.mu.Unlock()
		return
	}
	a.analysis = dashboard.AnalyzerState{FileName: fileName, Loading: true}
	a.mu.Unlock()

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		res, err := a.analyzer.AnalyzeReport(a.ctx, fileName, bytes.NewReader(data))

		a.mu.Lock()
		a.analysis = dashboard.AnalyzerState{FileName: fileName}
		if err != nil {
			a.analysis.Error = dashboard.AnalysisError(err)
		} else {
			a.analysis.Result = &res
		}
		a.mu.Unlock()
		a.poke()
	}()
}

// loadTrends fetches the disease trends once, or again when force is set.
func (a *App) loadTrends(force bool) {
	a.mu.Lock()
	if a.trends.Loading || (!force && (a.trends.Trends != nil || a.trends.Error != "")) {
		a.mu.Unlock()
		return
	}
	if a.analyzer == nil {
		a.trends = dashboard.TrendsState{Error: dashboard.TrendsErrorText}
		a.mu.Unlock()
		return
	}
	a.trends = dashboard.TrendsState{Loading: true}
	a.mu.Unlock()

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		trends, err := a.analyzer.DiseaseTrends(a.ctx)

		a.mu.Lock()
		if err != nil {
			a.logger.Warn("failed to fetch disease trends", zap.Error(err))
			a.trends = dashboard.TrendsState{Error: dashboard.TrendsErrorText}
		} else {
			if trends == nil {
				trends = []analysis.Trend{}
			}
			a.trends = dashboard.TrendsState{Trends: trends}
		}
		a.mu.Unlock()
		a.poke()
	}()
}
