package app

import (
	"context"
	"errors"
	"sync"
	"time"

	"consultease/central/internal/model"
	"consultease/central/internal/rfid"
	"consultease/central/internal/store"
)

// LoginResult is the outcome of the most recent tag presented at the kiosk.
type LoginResult struct {
	Tag           string         `json:"rfid_tag"`
	Authenticated bool           `json:"authenticated"`
	Student       *model.Student `json:"student,omitempty"`
	Message       string         `json:"message"`
	At            time.Time      `json:"at"`
}

type loginTracker struct {
	mu   sync.RWMutex
	last *LoginResult
}

func newLoginTracker() *loginTracker {
	return &loginTracker{}
}

func (l *loginTracker) record(r LoginResult) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.last = &r
}

func (l *loginTracker) latest() *LoginResult {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.last == nil {
		return nil
	}
	r := *l.last
	return &r
}

// handleTag is the default scan listener: it authenticates the student holding the tag.
func (a *App) handleTag(ev rfid.TagEvent) {
	a.logins.record(a.authenticate(context.Background(), ev))
}

func (a *App) authenticate(ctx context.Context, ev rfid.TagEvent) LoginResult {
	result := LoginResult{Tag: ev.ID, At: ev.ScannedAt}
	if result.At.IsZero() {
		result.At = time.Now().UTC()
	}

	student, err := a.store.GetStudentByRFID(ctx, ev.ID)
	switch {
	case errors.Is(err, store.ErrNotFound):
		result.Message = "RFID tag not recognized"
		a.logger.Warn("authentication failed, unknown tag", "rfid_tag", ev.ID)
	case err != nil:
		result.Message = "student lookup failed"
		a.logger.Error("authentication lookup", "rfid_tag", ev.ID, "error", err)
	default:
		result.Authenticated = true
		result.Student = &student
		result.Message = "Welcome, " + student.Name
		a.logger.Info("student authenticated", "student_id", student.ID, "rfid_tag", ev.ID)
	}
	return result
}
