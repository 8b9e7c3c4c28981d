package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"consultease/central/internal/model"
)

const (
	ConsultationPending   = "Pending"
	ConsultationAccepted  = "Accepted"
	ConsultationDeclined  = "Declined"
	ConsultationCompleted = "Completed"
	ConsultationCancelled = "Cancelled"
)

// ValidConsultationStatus reports whether status is one of the known consultation states.
func ValidConsultationStatus(status string) bool {
	switch status {
	case ConsultationPending, ConsultationAccepted, ConsultationDeclined, ConsultationCompleted, ConsultationCancelled:
		return true
	}
	return false
}

const consultationColumns = `consultation_id, student_id, faculty_id, course_code, subject, request_details, status, requested_at, updated_at`

// CreateConsultation persists a new Pending consultation request.
func (s *Store) CreateConsultation(ctx context.Context, req model.NewConsultation) (model.Consultation, error) {
	if s.db == nil {
		return model.Consultation{}, fmt.Errorf("store not initialized")
	}

	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	ts := formatTime(time.Now())
	rec := model.Consultation{
		StudentID:      req.StudentID,
		FacultyID:      req.FacultyID,
		CourseCode:     req.CourseCode,
		Subject:        req.Subject,
		RequestDetails: req.RequestDetails,
		Status:         ConsultationPending,
		RequestedAt:    parseTime(ts),
		UpdatedAt:      parseTime(ts),
	}

	err := s.db.QueryRowContext(
		ctx,
		s.rebind(`INSERT INTO consultations (student_id, faculty_id, course_code, subject, request_details, status, requested_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?) RETURNING consultation_id;`),
		req.StudentID, req.FacultyID, nullString(req.CourseCode), req.Subject, nullString(req.RequestDetails),
		rec.Status, ts, ts,
	).Scan(&rec.ID)
	if err != nil {
		return model.Consultation{}, fmt.Errorf("insert consultation: %w", err)
	}
	return rec, nil
}

// ListConsultationsForFaculty returns the requests addressed to facultyID, newest first.
// An empty status returns every request.
func (s *Store) ListConsultationsForFaculty(ctx context.Context, facultyID int64, status string) ([]model.Consultation, error) {
	if s.db == nil {
		return nil, fmt.Errorf("store not initialized")
	}

	query := `SELECT ` + consultationColumns + ` FROM consultations WHERE faculty_id = ?`
	args := []any{facultyID}
	if status = strings.TrimSpace(status); status != "" {
		query += ` AND status = ?`
		args = append(args, status)
	}
	query += ` ORDER BY requested_at DESC, consultation_id DESC;`

	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("query consultations: %w", err)
	}
	defer rows.Close()

	var out []model.Consultation
	for rows.Next() {
		var (
			c                    model.Consultation
			course, subj, detail sql.NullString
			requested, updated   string
		)
		if err := rows.Scan(&c.ID, &c.StudentID, &c.FacultyID, &course, &subj, &detail, &c.Status, &requested, &updated); err != nil {
			return nil, fmt.Errorf("scan consultation: %w", err)
		}
		c.CourseCode = course.String
		c.Subject = subj.String
		c.RequestDetails = detail.String
		c.RequestedAt = parseTime(requested)
		c.UpdatedAt = parseTime(updated)
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate consultations: %w", err)
	}
	return out, nil
}

// UpdateConsultationStatus changes the status of a consultation, or returns ErrNotFound.
func (s *Store) UpdateConsultationStatus(ctx context.Context, id int64, status string) error {
	if s.db == nil {
		return fmt.Errorf("store not initialized")
	}

	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	res, err := s.db.ExecContext(
		ctx,
		s.rebind(`UPDATE consultations SET status = ?, updated_at = ? WHERE consultation_id = ?;`),
		status, formatTime(time.Now()), id,
	)
	if err != nil {
		return fmt.Errorf("update consultation status: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update consultation status: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
