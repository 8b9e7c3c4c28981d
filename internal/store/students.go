package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"consultease/central/internal/model"
)

const studentColumns = `student_id, rfid_tag, name, department, created_at`

// AddStudent inserts a student and returns the stored row.
func (s *Store) AddStudent(ctx context.Context, rfidTag, name, department string) (model.Student, error) {
	if s.db == nil {
		return model.Student{}, fmt.Errorf("store not initialized")
	}
	rfidTag = strings.TrimSpace(rfidTag)
	if rfidTag == "" || strings.TrimSpace(name) == "" {
		return model.Student{}, fmt.Errorf("add student: rfid tag and name are required")
	}

	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	now := formatTime(time.Now())
	var id int64
	err := s.db.QueryRowContext(
		ctx,
		s.rebind(`INSERT INTO students (rfid_tag, name, department, created_at, updated_at) VALUES (?, ?, ?, ?, ?) RETURNING student_id;`),
		rfidTag, name, nullString(department), now, now,
	).Scan(&id)
	if err != nil {
		return model.Student{}, fmt.Errorf("insert student: %w", err)
	}

	return model.Student{
		ID:         id,
		RFIDTag:    rfidTag,
		Name:       name,
		Department: department,
		CreatedAt:  parseTime(now),
	}, nil
}

// GetStudentByRFID returns the student registered with tag, or ErrNotFound.
func (s *Store) GetStudentByRFID(ctx context.Context, tag string) (model.Student, error) {
	return s.getStudent(ctx, `SELECT `+studentColumns+` FROM students WHERE rfid_tag = ?;`, tag)
}

// GetStudentByID returns the student with the given id, or ErrNotFound.
func (s *Store) GetStudentByID(ctx context.Context, id int64) (model.Student, error) {
	return s.getStudent(ctx, `SELECT `+studentColumns+` FROM students WHERE student_id = ?;`, id)
}

// ListStudents returns all students ordered by name.
func (s *Store) ListStudents(ctx context.Context) ([]model.Student, error) {
	if s.db == nil {
		return nil, fmt.Errorf("store not initialized")
	}

	rows, err := s.db.QueryContext(ctx, `SELECT `+studentColumns+` FROM students ORDER BY name;`)
	if err != nil {
		return nil, fmt.Errorf("query students: %w", err)
	}
	defer rows.Close()

	var students []model.Student
	for rows.Next() {
		st, err := scanStudent(rows)
		if err != nil {
			return nil, err
		}
		students = append(students, st)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate students: %w", err)
	}
	return students, nil
}

func (s *Store) getStudent(ctx context.Context, query string, arg any) (model.Student, error) {
	if s.db == nil {
		return model.Student{}, fmt.Errorf("store not initialized")
	}

	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	st, err := scanStudent(s.db.QueryRowContext(ctx, s.rebind(query), arg))
	if errors.Is(err, sql.ErrNoRows) {
		return model.Student{}, ErrNotFound
	}
	return st, err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanStudent(row rowScanner) (model.Student, error) {
	var (
		st         model.Student
		department sql.NullString
		createdAt  string
	)
	if err := row.Scan(&st.ID, &st.RFIDTag, &st.Name, &department, &createdAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.Student{}, err
		}
		return model.Student{}, fmt.Errorf("scan student: %w", err)
	}
	st.Department = department.String
	st.CreatedAt = parseTime(createdAt)
	return st, nil
}

func nullString(v string) sql.NullString {
	return sql.NullString{String: v, Valid: v != ""}
}
