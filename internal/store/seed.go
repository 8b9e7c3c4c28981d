package store

import (
	"context"
	"errors"
	"fmt"

	"consultease/central/internal/model"
)

const (
	SampleStudentTag    = "SIM_STU_001"
	SampleFacultyDevice = "FAC_BLE_001_SAMPLE"
)

// Seed inserts sample rows into empty tables: one named sample student, one student per
// extra tag and a sample faculty member. Tables that already hold rows are left alone.
func (s *Store) Seed(ctx context.Context, extraTags []string) error {
	students, err := s.ListStudents(ctx)
	if err != nil {
		return fmt.Errorf("seed students: %w", err)
	}
	if len(students) == 0 {
		if _, err := s.AddStudent(ctx, SampleStudentTag, "John Doe (Sample)", "Computer Science"); err != nil {
			return fmt.Errorf("seed students: %w", err)
		}
		for i, tag := range extraTags {
			name := fmt.Sprintf("Sample Student %d", i+1)
			if _, err := s.AddStudent(ctx, tag, name, "Computer Science"); err != nil {
				return fmt.Errorf("seed students: %w", err)
			}
		}
	}

	faculty, err := s.ListFaculty(ctx, model.FacultyFilter{})
	if err != nil {
		return fmt.Errorf("seed faculty: %w", err)
	}
	if len(faculty) == 0 {
		_, err := s.AddFaculty(ctx, model.Faculty{
			Name:           "Dr. Jane Smith (Sample)",
			Department:     "Software Engineering",
			DeviceID:       SampleFacultyDevice,
			OfficeLocation: "Tech Park Room 101",
			ContactDetails: "jane.smith@example.com",
			Status:         model.StatusAvailable,
		})
		if err != nil {
			return fmt.Errorf("seed faculty: %w", err)
		}
	}

	return nil
}

// IsNotFound reports whether err wraps ErrNotFound.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
