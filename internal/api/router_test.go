package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/crypto/bcrypt"

	"github.com/curebird/curebird/internal/api/handlers"
	"github.com/curebird/curebird/internal/attachment"
	"github.com/curebird/curebird/internal/identity"
	"github.com/curebird/curebird/internal/observability/metrics"
	"github.com/curebird/curebird/internal/store/memstore"
	"github.com/curebird/curebird/pkg/idempotency"
)

type testServer struct {
	*httptest.Server
	ready error
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	tokens, err := identity.NewTokenIssuer([]byte("secret"), "curebird-test", time.Hour)
	if err != nil {
		t.Fatalf("issuer: %v", err)
	}
	blobs := attachment.NewMemoryBlobStore()
	reg := prometheus.NewRegistry()

	ts := &testServer{}
	ts.Server = httptest.NewServer(NewRouter(Deps{
		ServiceName:    "curebird-test",
		AppID:          "app",
		Identity:       identity.NewService(identity.NewMemoryDirectory(), tokens, nil, identity.WithBcryptCost(bcrypt.MinCost)),
		Store:          memstore.New(),
		Inbox:          idempotency.NewMemoryInbox(idempotency.DefaultInboxConfig(), nil),
		Uploader:       attachment.NewUploader(blobs, "/api/v1/files", nil),
		Blobs:          blobs,
		Metrics:        metrics.NewWithRegistry(reg),
		MetricsHandler: promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
		Checks: map[string]handlers.Check{
			"database": func(context.Context) error { return ts.ready },
		},
	}))
	t.Cleanup(ts.Close)
	return ts
}

func (ts *testServer) do(t *testing.T, method, path, token string, body any, header map[string]string) (*http.Response, []byte) {
	t.Helper()
	var rd io.Reader
	if body != nil {
		b, _ := json.Marshal(body)
		rd = bytes.NewReader(b)
	}
	req, _ := http.NewRequest(method, ts.URL+path, rd)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	for k, v := range header {
		req.Header.Set(k, v)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	out, _ := io.ReadAll(resp.Body)
	return resp, out
}

func (ts *testServer) signUp(t *testing.T, email string) string {
	t.Helper()
	resp, body := ts.do(t, http.MethodPost, "/api/v1/auth/signup", "", map[string]string{
		"email": email, "password": "secret1", "displayName": "Asha",
	}, nil)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("signup: %d %s", resp.StatusCode, body)
	}
	var s identity.Session
	json.Unmarshal(body, &s)
	return s.Token
}

var prescription = map[string]any{
	"date":         "2024-03-09",
	"type":         "prescription",
	"doctorName":   "Dr. Rao",
	"hospitalName": "City Hospital",
	"medications":  []map[string]string{{"name": "Amoxicillin", "dosage": "250mg", "frequency": "TID"}, {}},
}

func TestRouter_RecordsRequireSession(t *testing.T) {
	ts := newTestServer(t)
	resp, _ := ts.do(t, http.MethodGet, "/api/v1/records", "", nil, nil)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", resp.StatusCode)
	}
}

func TestRouter_AuthErrorsAreReadable(t *testing.T) {
	ts := newTestServer(t)
	ts.signUp(t, "asha@example.com")

	resp, body := ts.do(t, http.MethodPost, "/api/v1/auth/signup", "", map[string]string{
		"email": "asha@example.com", "password": "secret1",
	}, nil)
	if resp.StatusCode != http.StatusConflict || !strings.Contains(string(body), identity.ErrEmailInUse.Error()) {
		t.Fatalf("duplicate signup: %d %s", resp.StatusCode, body)
	}

	resp, body = ts.do(t, http.MethodPost, "/api/v1/auth/login", "", map[string]string{
		"email": "asha@example.com", "password": "wrong-pw",
	}, nil)
	if resp.StatusCode != http.StatusUnauthorized || !strings.Contains(string(body), "Invalid email or password.") {
		t.Fatalf("bad login: %d %s", resp.StatusCode, body)
	}
}

func TestRouter_RecordLifecycleWithIdempotencyKey(t *testing.T) {
	ts := newTestServer(t)
	token := ts.signUp(t, "asha@example.com")
	key := map[string]string{"Idempotency-Key": "create-1"}

	resp, body := ts.do(t, http.MethodPost, "/api/v1/records", token, prescription, key)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create: %d %s", resp.StatusCode, body)
	}
	var created struct{ ID string }
	json.Unmarshal(body, &created)

	resp, body = ts.do(t, http.MethodPost, "/api/v1/records", token, prescription, key)
	if resp.StatusCode != http.StatusCreated || resp.Header.Get("Idempotent-Replayed") != "true" {
		t.Fatalf("replay: %d %v %s", resp.StatusCode, resp.Header, body)
	}

	_, body = ts.do(t, http.MethodGet, "/api/v1/records", token, nil, nil)
	var list struct {
		Items []struct {
			ID      string
			Details struct{ Medications []map[string]string }
		}
	}
	json.Unmarshal(body, &list)
	if len(list.Items) != 1 || list.Items[0].ID != created.ID {
		t.Fatalf("expected the single created record, got %s", body)
	}
	if len(list.Items[0].Details.Medications) != 1 {
		t.Fatalf("blank medication row should be dropped, got %s", body)
	}

	_, body = ts.do(t, http.MethodGet, "/api/v1/medications", token, nil, nil)
	if !strings.Contains(string(body), `"name":"Amoxicillin"`) {
		t.Fatalf("medications not projected: %s", body)
	}

	updated := map[string]any{"date": "2024-03-10", "type": "test_report", "doctorName": "Dr. Rao", "hospitalName": "Lab"}
	resp, body = ts.do(t, http.MethodPut, "/api/v1/records/"+created.ID, token, updated, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("update: %d %s", resp.StatusCode, body)
	}

	resp, _ = ts.do(t, http.MethodDelete, "/api/v1/records/"+created.ID, token, nil, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("delete: %d", resp.StatusCode)
	}
	_, body = ts.do(t, http.MethodGet, "/api/v1/records", token, nil, nil)
	if string(bytes.TrimSpace(body)) != `{"items":[]}` {
		t.Fatalf("expected empty list, got %s", body)
	}
}

func TestRouter_InvalidAndMissingRecords(t *testing.T) {
	ts := newTestServer(t)
	token := ts.signUp(t, "asha@example.com")

	resp, body := ts.do(t, http.MethodPost, "/api/v1/records", token, map[string]string{"date": "2024-01-01", "type": "prescription"}, nil)
	if resp.StatusCode != http.StatusBadRequest || !strings.Contains(string(body), "doctor name is required") {
		t.Fatalf("invalid record: %d %s", resp.StatusCode, body)
	}

	resp, _ = ts.do(t, http.MethodPut, "/api/v1/records/missing", token, prescription, nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("update of missing record: %d", resp.StatusCode)
	}
}

func TestRouter_CollectionsAreScopedToCaller(t *testing.T) {
	ts := newTestServer(t)
	asha := ts.signUp(t, "asha@example.com")
	ravi := ts.signUp(t, "ravi@example.com")

	appt := map[string]string{"date": "2024-05-01", "doctorName": "Dr. Iyer", "reason": "Checkup"}
	if resp, body := ts.do(t, http.MethodPost, "/api/v1/appointments", asha, appt, nil); resp.StatusCode != http.StatusCreated {
		t.Fatalf("create appointment: %d %s", resp.StatusCode, body)
	}

	_, body := ts.do(t, http.MethodGet, "/api/v1/appointments", ravi, nil, nil)
	if string(bytes.TrimSpace(body)) != `{"items":[]}` {
		t.Fatalf("another user's appointments leaked: %s", body)
	}
	_, body = ts.do(t, http.MethodGet, "/api/v1/appointments", asha, nil, nil)
	if !strings.Contains(string(body), `"status":"upcoming"`) {
		t.Fatalf("status should default to upcoming: %s", body)
	}
}

func TestRouter_FileUploadAndDownload(t *testing.T) {
	ts := newTestServer(t)
	token := ts.signUp(t, "asha@example.com")

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, _ := mw.CreateFormFile("file", "scan.txt")
	part.Write([]byte("report body"))
	mw.Close()

	req, _ := http.NewRequest(http.MethodPost, ts.URL+"/api/v1/files", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set("Authorization", "Bearer "+token)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("upload: %v", err)
	}
	var att attachment.Attachment
	json.NewDecoder(resp.Body).Decode(&att)
	resp.Body.Close()
	if resp.StatusCode != http.StatusCreated || !strings.HasPrefix(att.URL, "/api/v1/files/") {
		t.Fatalf("upload: %d %+v", resp.StatusCode, att)
	}

	resp, body := ts.do(t, http.MethodGet, att.URL, "", nil, nil)
	if resp.StatusCode != http.StatusOK || string(body) != "report body" {
		t.Fatalf("download: %d %q", resp.StatusCode, body)
	}

	resp, _ = ts.do(t, http.MethodGet, "/api/v1/files/nope", "", nil, nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("missing file: %d", resp.StatusCode)
	}
}

func TestRouter_Probes(t *testing.T) {
	ts := newTestServer(t)

	if resp, _ := ts.do(t, http.MethodGet, "/health", "", nil, nil); resp.StatusCode != http.StatusOK {
		t.Fatalf("health: %d", resp.StatusCode)
	}
	if resp, _ := ts.do(t, http.MethodGet, "/ready", "", nil, nil); resp.StatusCode != http.StatusOK {
		t.Fatalf("ready: %d", resp.StatusCode)
	}

	ts.ready = errors.New("connection refused")
	resp, body := ts.do(t, http.MethodGet, "/ready", "", nil, nil)
	if resp.StatusCode != http.StatusServiceUnavailable || !strings.Contains(string(body), "connection refused") {
		t.Fatalf("not ready: %d %s", resp.StatusCode, body)
	}

	token := ts.signUp(t, "asha@example.com")
	ts.do(t, http.MethodPost, "/api/v1/records", token, prescription, nil)
	_, body = ts.do(t, http.MethodGet, "/metrics", "", nil, nil)
	if !strings.Contains(string(body), "curebird_document_writes_total") {
		t.Fatalf("write metric missing from /metrics")
	}
}

func TestOriginAllowed(t *testing.T) {
	check := originAllowed([]string{"https://curebird.app"})
	req := httptest.NewRequest(http.MethodGet, "/api/v1/ws", nil)
	req.Header.Set("Origin", "https://curebird.app")
	if !check(req) {
		t.Fatal("listed origin should be allowed")
	}
	req.Header.Set("Origin", "https://evil.example")
	if check(req) {
		t.Fatal("unlisted origin should be rejected")
	}
}
