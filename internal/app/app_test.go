package app

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"consultease/central/internal/config"
	"consultease/central/internal/consult"
	"consultease/central/internal/mqttclient"
	"consultease/central/internal/rfid"
	"consultease/central/internal/store"
)

type chanSource struct {
	tags chan string
}

func (c *chanSource) Next(ctx context.Context) (string, error) {
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case tag := <-c.tags:
		return tag, nil
	}
}

func (c *chanSource) Mode() rfid.Mode { return rfid.ModeSimulated }
func (c *chanSource) Close() error    { return nil }

func newTestApp(t *testing.T, src rfid.Source) *App {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	ctx := context.Background()

	st, err := store.Open(store.DriverSQLite, filepath.Join(t.TempDir(), "app.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	if err := st.InitSchema(ctx); err != nil {
		t.Fatalf("init schema: %v", err)
	}
	if err := st.Seed(ctx, nil); err != nil {
		t.Fatalf("seed: %v", err)
	}

	scanner := rfid.NewServiceWithSource(src, time.Second, logger)
	t.Cleanup(func() { _ = scanner.Close() })

	// Never started, so it always reports disconnected.
	client := mqttclient.New(mqttclient.Options{BrokerURL: "tcp://127.0.0.1:1", ClientID: "app-test"}, nil, logger)

	a := New(config.Default(), logger)
	a.store = st
	a.scanner = scanner
	a.mqtt = client
	a.consult = consult.NewPublisher(client, st, logger)
	scanner.RegisterListener(a.handleTag)
	return a
}

func do(t *testing.T, h http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var rd io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		rd = bytes.NewReader(data)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(method, path, rd))
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.NewDecoder(rec.Body).Decode(&v); err != nil {
		t.Fatalf("decode response: %v (body %q)", err, rec.Body.String())
	}
	return v
}

func TestHealthAndReadiness(t *testing.T) {
	a := newTestApp(t, &chanSource{tags: make(chan string)})
	h := a.routes()

	rec := do(t, h, http.MethodGet, "/healthz", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("healthz = %d", rec.Code)
	}
	if rec.Header().Get("X-Request-ID") == "" {
		t.Fatal("missing request id header")
	}

	rec = do(t, h, http.MethodGet, "/readyz", nil)
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("readyz without broker = %d", rec.Code)
	}
	if got := decode[map[string]string](t, rec); got["broker"] != "disconnected" {
		t.Fatalf("readyz body = %v", got)
	}
}

func TestListFaculty(t *testing.T) {
	a := newTestApp(t, &chanSource{tags: make(chan string)})
	h := a.routes()

	rec := do(t, h, http.MethodGet, "/api/faculty?status=available", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("list faculty = %d", rec.Code)
	}
	body := decode[struct {
		Faculty []struct {
			Name     string `json:"name"`
			DeviceID string `json:"ble_identifier"`
		} `json:"faculty"`
	}](t, rec)
	if len(body.Faculty) != 1 || body.Faculty[0].DeviceID != store.SampleFacultyDevice {
		t.Fatalf("faculty = %+v", body.Faculty)
	}

	if rec := do(t, h, http.MethodGet, "/api/faculty?status=busy", nil); rec.Code != http.StatusBadRequest {
		t.Fatalf("bad status filter = %d", rec.Code)
	}
}

func TestSubmitConsultationSavedButNotSent(t *testing.T) {
	a := newTestApp(t, &chanSource{tags: make(chan string)})
	h := a.routes()
	ctx := context.Background()

	student, err := a.store.GetStudentByRFID(ctx, store.SampleStudentTag)
	if err != nil {
		t.Fatalf("sample student: %v", err)
	}

	rec := do(t, h, http.MethodPost, "/api/consultations", consultationRequest{
		StudentID: student.ID,
		FacultyID: 1,
		Subject:   "Project review",
	})
	if rec.Code != http.StatusAccepted {
		t.Fatalf("submit = %d %s", rec.Code, rec.Body.String())
	}
	res := decode[consult.Result](t, rec)
	if res.Sent || res.Consultation.ID == 0 {
		t.Fatalf("result = %+v", res)
	}

	if rec := do(t, h, http.MethodPost, "/api/consultations", consultationRequest{StudentID: student.ID, FacultyID: 1}); rec.Code != http.StatusBadRequest {
		t.Fatalf("missing subject = %d", rec.Code)
	}
	if rec := do(t, h, http.MethodPost, "/api/consultations", consultationRequest{StudentID: student.ID, FacultyID: 99, Subject: "x"}); rec.Code != http.StatusNotFound {
		t.Fatalf("unknown faculty = %d", rec.Code)
	}
}

func TestConsultationListAndStatusUpdate(t *testing.T) {
	a := newTestApp(t, &chanSource{tags: make(chan string)})
	h := a.routes()

	student, err := a.store.GetStudentByRFID(context.Background(), store.SampleStudentTag)
	if err != nil {
		t.Fatalf("sample student: %v", err)
	}
	res := decode[consult.Result](t, do(t, h, http.MethodPost, "/api/consultations", consultationRequest{
		StudentID: student.ID,
		FacultyID: 1,
		Subject:   "Thesis",
	}))

	path := fmt.Sprintf("/api/consultations/%d", res.Consultation.ID)
	if rec := do(t, h, http.MethodPatch, path, map[string]string{"status": store.ConsultationAccepted}); rec.Code != http.StatusOK {
		t.Fatalf("update = %d %s", rec.Code, rec.Body.String())
	}
	if rec := do(t, h, http.MethodPatch, path, map[string]string{"status": "Maybe"}); rec.Code != http.StatusBadRequest {
		t.Fatalf("invalid status = %d", rec.Code)
	}
	if rec := do(t, h, http.MethodPatch, "/api/consultations/9999", map[string]string{"status": store.ConsultationDeclined}); rec.Code != http.StatusNotFound {
		t.Fatalf("unknown consultation = %d", rec.Code)
	}

	rec := do(t, h, http.MethodGet, "/api/faculty/1/consultations?status=Accepted", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("list = %d", rec.Code)
	}
	body := decode[struct {
		Consultations []struct {
			Status string `json:"status"`
		} `json:"consultations"`
	}](t, rec)
	if len(body.Consultations) != 1 || body.Consultations[0].Status != store.ConsultationAccepted {
		t.Fatalf("consultations = %+v", body.Consultations)
	}
	if rec := do(t, h, http.MethodGet, "/api/faculty/99/consultations", nil); rec.Code != http.StatusNotFound {
		t.Fatalf("unknown faculty = %d", rec.Code)
	}
}

func TestCaptureThenListenerResumes(t *testing.T) {
	src := &chanSource{tags: make(chan string)}
	a := newTestApp(t, src)
	h := a.routes()

	done := make(chan *httptest.ResponseRecorder, 1)
	go func() {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/rfid/capture?timeout=5s", nil))
		done <- rec
	}()

	waitFor(t, "capture pending", a.scanner.CapturePending)
	src.tags <- store.SampleStudentTag

	var rec *httptest.ResponseRecorder
	select {
	case rec = <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("capture request did not return")
	}
	if rec.Code != http.StatusOK {
		t.Fatalf("capture = %d %s", rec.Code, rec.Body.String())
	}
	captured := decode[captureResponse](t, rec)
	if captured.Tag != store.SampleStudentTag || captured.Student == nil {
		t.Fatalf("capture response = %+v", captured)
	}
	if a.logins.latest() != nil {
		t.Fatal("captured tag reached the login listener")
	}

	src.tags <- rfid.UnknownTag
	waitFor(t, "login recorded", func() bool { return a.logins.latest() != nil })

	status := decode[rfidStatus](t, do(t, h, http.MethodGet, "/api/rfid/", nil))
	if !status.Scanning || status.CapturePending {
		t.Fatalf("rfid status = %+v", status)
	}
	if status.LastLogin == nil || status.LastLogin.Authenticated || status.LastLogin.Tag != rfid.UnknownTag {
		t.Fatalf("last login = %+v", status.LastLogin)
	}
}

func TestCaptureTimeoutCancelsCapture(t *testing.T) {
	a := newTestApp(t, &chanSource{tags: make(chan string)})
	h := a.routes()

	rec := do(t, h, http.MethodPost, "/api/rfid/capture?timeout=50ms", nil)
	if rec.Code != http.StatusGatewayTimeout {
		t.Fatalf("capture timeout = %d", rec.Code)
	}
	if a.scanner.CapturePending() {
		t.Fatal("capture still pending after timeout")
	}
	if rec := do(t, h, http.MethodPost, "/api/rfid/capture?timeout=forever", nil); rec.Code != http.StatusBadRequest {
		t.Fatalf("invalid timeout = %d", rec.Code)
	}
}

func TestScanControlWithoutSource(t *testing.T) {
	a := newTestApp(t, nil)
	h := a.routes()

	if rec := do(t, h, http.MethodPost, "/api/rfid/scan/start", nil); rec.Code != http.StatusConflict {
		t.Fatalf("start without source = %d", rec.Code)
	}
	if rec := do(t, h, http.MethodPost, "/api/rfid/scan/stop", nil); rec.Code != http.StatusOK {
		t.Fatalf("stop while idle = %d", rec.Code)
	}
	if rec := do(t, h, http.MethodPost, "/api/rfid/capture", nil); rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("capture without source = %d", rec.Code)
	}
}

func TestAuthenticateKnownStudent(t *testing.T) {
	a := newTestApp(t, &chanSource{tags: make(chan string)})

	res := a.authenticate(context.Background(), rfid.TagEvent{ID: store.SampleStudentTag})
	if !res.Authenticated || res.Student == nil || res.Student.Name != "John Doe (Sample)" {
		t.Fatalf("login = %+v", res)
	}
	if res.At.IsZero() {
		t.Fatal("login time not set")
	}
}

func TestMQTTOptionsCarryTransportTimeouts(t *testing.T) {
	mc := config.Default().MQTT
	mc.KeepAlive = 12 * time.Second
	mc.PublishTimeout = 3 * time.Second

	opts := mqttOptions(mc, "tcp://broker:1883")
	if opts.BrokerURL != "tcp://broker:1883" || opts.Namespace != mc.Namespace {
		t.Fatalf("opts = %+v", opts)
	}
	if opts.KeepAlive != 12*time.Second || opts.PublishTimeout != 3*time.Second || opts.ConnectTimeout != mc.ConnectTimeout {
		t.Fatalf("timeouts = %+v", opts)
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}
