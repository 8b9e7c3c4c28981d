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

const facultyColumns = `faculty_id, name, department, ble_identifier, office_location, contact_details, current_status, status_updated_at`

// AddFaculty inserts a faculty member. An empty status defaults to Unavailable.
func (s *Store) AddFaculty(ctx context.Context, f model.Faculty) (model.Faculty, error) {
	if s.db == nil {
		return model.Faculty{}, fmt.Errorf("store not initialized")
	}
	if strings.TrimSpace(f.Name) == "" || strings.TrimSpace(f.DeviceID) == "" {
		return model.Faculty{}, fmt.Errorf("add faculty: name and device id are required")
	}
	if f.Status == "" {
		f.Status = model.StatusUnavailable
	}

	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	now := time.Now().UTC()
	ts := formatTime(now)
	err := s.db.QueryRowContext(
		ctx,
		s.rebind(`INSERT INTO faculty (name, department, ble_identifier, office_location, contact_details, current_status, status_updated_at, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?) RETURNING faculty_id;`),
		f.Name, f.Department, f.DeviceID, nullString(f.OfficeLocation), nullString(f.ContactDetails),
		string(f.Status), ts, ts, ts,
	).Scan(&f.ID)
	if err != nil {
		return model.Faculty{}, fmt.Errorf("insert faculty: %w", err)
	}
	f.StatusUpdatedAt = parseTime(ts)
	return f, nil
}

// GetFacultyByID returns the faculty member with the given id, or ErrNotFound.
func (s *Store) GetFacultyByID(ctx context.Context, id int64) (model.Faculty, error) {
	if s.db == nil {
		return model.Faculty{}, fmt.Errorf("store not initialized")
	}

	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	row := s.db.QueryRowContext(ctx, s.rebind(`SELECT `+facultyColumns+` FROM faculty WHERE faculty_id = ?;`), id)
	f, err := scanFaculty(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Faculty{}, ErrNotFound
	}
	return f, err
}

// ListFaculty returns faculty ordered by name. The name filter is a case-insensitive substring match.
func (s *Store) ListFaculty(ctx context.Context, filter model.FacultyFilter) ([]model.Faculty, error) {
	if s.db == nil {
		return nil, fmt.Errorf("store not initialized")
	}

	query := `SELECT ` + facultyColumns + ` FROM faculty`
	var (
		conds []string
		args  []any
	)
	if filter.Name != "" {
		conds = append(conds, `LOWER(name) LIKE ?`)
		args = append(args, "%"+strings.ToLower(filter.Name)+"%")
	}
	if filter.Department != "" {
		conds = append(conds, `department = ?`)
		args = append(args, filter.Department)
	}
	if filter.Status != "" {
		conds = append(conds, `current_status = ?`)
		args = append(args, string(filter.Status))
	}
	if len(conds) > 0 {
		query += ` WHERE ` + strings.Join(conds, ` AND `)
	}
	query += ` ORDER BY name;`

	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("query faculty: %w", err)
	}
	defer rows.Close()

	var out []model.Faculty
	for rows.Next() {
		f, err := scanFaculty(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate faculty: %w", err)
	}
	return out, nil
}

// UpdateFacultyStatusByDevice sets the presence of the faculty member whose desk unit reports
// deviceID. It returns ErrNotFound when no faculty row carries that identifier.
func (s *Store) UpdateFacultyStatusByDevice(ctx context.Context, deviceID string, status model.FacultyStatus) error {
	if s.db == nil {
		return fmt.Errorf("store not initialized")
	}

	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	now := formatTime(time.Now())
	res, err := s.db.ExecContext(
		ctx,
		s.rebind(`UPDATE faculty SET current_status = ?, status_updated_at = ?, updated_at = ? WHERE ble_identifier = ?;`),
		string(status), now, now, deviceID,
	)
	if err != nil {
		return fmt.Errorf("update faculty status: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update faculty status: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func scanFaculty(row rowScanner) (model.Faculty, error) {
	var (
		f               model.Faculty
		office, contact sql.NullString
		status          string
		statusUpdated   string
	)
	err := row.Scan(&f.ID, &f.Name, &f.Department, &f.DeviceID, &office, &contact, &status, &statusUpdated)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.Faculty{}, err
		}
		return model.Faculty{}, fmt.Errorf("scan faculty: %w", err)
	}
	f.OfficeLocation = office.String
	f.ContactDetails = contact.String
	f.Status = model.FacultyStatus(status)
	f.StatusUpdatedAt = parseTime(statusUpdated)
	return f, nil
}
