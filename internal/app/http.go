package app

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"consultease/central/internal/consult"
	"consultease/central/internal/model"
	"consultease/central/internal/rfid"
	"consultease/central/internal/store"
)

const (
	defaultCaptureTimeout = 30 * time.Second
	maxCaptureTimeout     = 5 * time.Minute
)

func (a *App) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(a.requestID)
	r.Use(a.requestLogger)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", a.handleHealthz)
	r.Get("/readyz", a.handleReadyz)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api", func(r chi.Router) {
		r.Get("/faculty", a.handleListFaculty)
		r.Get("/faculty/{id}/consultations", a.handleListConsultations)
		r.Post("/consultations", a.handleSubmitConsultation)
		r.Patch("/consultations/{id}", a.handleUpdateConsultation)

		r.Route("/rfid", func(r chi.Router) {
			r.Get("/", a.handleRFIDStatus)
			r.Post("/scan/start", a.handleScanStart)
			r.Post("/scan/stop", a.handleScanStop)
			r.Post("/capture", a.handleCapture)
		})
	})

	return r
}

type ctxKey int

const requestIDKey ctxKey = iota

func (a *App) requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-ID")
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", id)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), requestIDKey, id)))
	})
}

func (a *App) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)

		id, _ := r.Context().Value(requestIDKey).(string)
		a.logger.Debug("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration", time.Since(start),
			"request_id", id,
		)
	})
}

func (a *App) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (a *App) handleReadyz(w http.ResponseWriter, r *http.Request) {
	if a.store == nil || a.store.Ping(r.Context()) != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "starting", "store": "unreachable"})
		return
	}
	if a.mqtt == nil || !a.mqtt.IsConnected() {
		state := "disconnected"
		if a.mqtt != nil {
			state = a.mqtt.State().String()
		}
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "starting", "broker": state})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready", "broker": a.mqtt.State().String()})
}

func (a *App) handleListFaculty(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := model.FacultyFilter{
		Name:       strings.TrimSpace(q.Get("name")),
		Department: strings.TrimSpace(q.Get("department")),
	}
	if raw := q.Get("status"); raw != "" {
		st, ok := model.ParseFacultyStatus(raw)
		if !ok {
			writeError(w, http.StatusBadRequest, "invalid_status")
			return
		}
		filter.Status = st
	}

	faculty, err := a.store.ListFaculty(r.Context(), filter)
	if err != nil {
		a.logger.Error("failed to list faculty", "error", err)
		writeError(w, http.StatusInternalServerError, "list_failed")
		return
	}
	if faculty == nil {
		faculty = []model.Faculty{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"faculty": faculty})
}

type consultationRequest struct {
	StudentID      int64  `json:"student_id"`
	FacultyID      int64  `json:"faculty_id"`
	CourseCode     string `json:"course_code"`
	Subject        string `json:"subject"`
	RequestDetails string `json:"request_details"`
}

func (a *App) handleSubmitConsultation(w http.ResponseWriter, r *http.Request) {
	var req consultationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_payload")
		return
	}

	res, err := a.consult.Submit(r.Context(), model.NewConsultation{
		StudentID:      req.StudentID,
		FacultyID:      req.FacultyID,
		CourseCode:     req.CourseCode,
		Subject:        req.Subject,
		RequestDetails: req.RequestDetails,
	})
	switch {
	case errors.Is(err, consult.ErrInvalidRequest):
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid_request", "detail": err.Error()})
		return
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found")
		return
	case err != nil:
		a.logger.Error("failed to submit consultation", "error", err)
		writeError(w, http.StatusInternalServerError, "submit_failed")
		return
	}

	code := http.StatusCreated
	if !res.Sent {
		code = http.StatusAccepted
	}
	writeJSON(w, code, res)
}

func (a *App) handleListConsultations(w http.ResponseWriter, r *http.Request) {
	facultyID, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_id")
		return
	}
	status := r.URL.Query().Get("status")
	if status != "" && !store.ValidConsultationStatus(status) {
		writeError(w, http.StatusBadRequest, "invalid_status")
		return
	}

	if _, err := a.store.GetFacultyByID(r.Context(), facultyID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "not_found")
			return
		}
		a.logger.Error("failed to load faculty", "faculty_id", facultyID, "error", err)
		writeError(w, http.StatusInternalServerError, "list_failed")
		return
	}

	list, err := a.store.ListConsultationsForFaculty(r.Context(), facultyID, status)
	if err != nil {
		a.logger.Error("failed to list consultations", "faculty_id", facultyID, "error", err)
		writeError(w, http.StatusInternalServerError, "list_failed")
		return
	}
	if list == nil {
		list = []model.Consultation{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"consultations": list})
}

func (a *App) handleUpdateConsultation(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_id")
		return
	}
	var req struct {
		Status string `json:"status"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || !store.ValidConsultationStatus(req.Status) {
		writeError(w, http.StatusBadRequest, "invalid_status")
		return
	}

	switch err := a.store.UpdateConsultationStatus(r.Context(), id, req.Status); {
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found")
	case err != nil:
		a.logger.Error("failed to update consultation", "consultation_id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "update_failed")
	default:
		writeJSON(w, http.StatusOK, map[string]any{"consultation_id": id, "status": req.Status})
	}
}

type rfidStatus struct {
	Mode           rfid.Mode    `json:"mode"`
	Scanning       bool         `json:"scanning"`
	CapturePending bool         `json:"capture_pending"`
	LastLogin      *LoginResult `json:"last_login,omitempty"`
}

func (a *App) handleRFIDStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, a.currentRFIDStatus())
}

func (a *App) currentRFIDStatus() rfidStatus {
	return rfidStatus{
		Mode:           a.scanner.ActiveMode(),
		Scanning:       a.scanner.IsScanning(),
		CapturePending: a.scanner.CapturePending(),
		LastLogin:      a.logins.latest(),
	}
}

func (a *App) handleScanStart(w http.ResponseWriter, _ *http.Request) {
	switch err := a.scanner.Start(); {
	case errors.Is(err, rfid.ErrNoSource):
		writeError(w, http.StatusConflict, "no_rfid_source")
	case errors.Is(err, rfid.ErrWorkerBusy):
		writeError(w, http.StatusServiceUnavailable, "rfid_worker_busy")
	case err != nil:
		a.logger.Error("failed to start scanning", "error", err)
		writeError(w, http.StatusInternalServerError, "start_failed")
	default:
		writeJSON(w, http.StatusOK, a.currentRFIDStatus())
	}
}

func (a *App) handleScanStop(w http.ResponseWriter, _ *http.Request) {
	if err := a.scanner.Stop(); err != nil {
		a.logger.Warn("scan stop", "error", err)
		writeError(w, http.StatusGatewayTimeout, "stop_timeout")
		return
	}
	writeJSON(w, http.StatusOK, a.currentRFIDStatus())
}

type captureResponse struct {
	Tag     string         `json:"rfid_tag"`
	Student *model.Student `json:"student,omitempty"`
}

// handleCapture blocks until one tag is read, the timeout elapses or the client goes away.
// The capture is cancelled in the latter two cases.
func (a *App) handleCapture(w http.ResponseWriter, r *http.Request) {
	timeout := defaultCaptureTimeout
	if raw := r.URL.Query().Get("timeout"); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil || d <= 0 || d > maxCaptureTimeout {
			writeError(w, http.StatusBadRequest, "invalid_timeout")
			return
		}
		timeout = d
	}

	events := make(chan rfid.TagEvent, 1)
	if !a.scanner.StartCapture(func(ev rfid.TagEvent) { events <- ev }) {
		writeError(w, http.StatusConflict, "capture_pending")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), timeout)
	defer cancel()

	select {
	case ev := <-events:
		if ev.ID == "" {
			writeError(w, http.StatusServiceUnavailable, "capture_failed")
			return
		}
		resp := captureResponse{Tag: ev.ID}
		if student, err := a.store.GetStudentByRFID(r.Context(), ev.ID); err == nil {
			resp.Student = &student
		}
		writeJSON(w, http.StatusOK, resp)
	case <-ctx.Done():
		a.scanner.StopCapture()
		writeError(w, http.StatusGatewayTimeout, "capture_timeout")
	}
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code string) {
	writeJSON(w, status, map[string]string{"error": code})
}
