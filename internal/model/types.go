package model

import (
	"strings"
	"time"
)

// FacultyStatus is the normalized presence reported by a faculty desk unit.
type FacultyStatus string

const (
	StatusAvailable   FacultyStatus = "Available"
	StatusUnavailable FacultyStatus = "Unavailable"
)

// ParseFacultyStatus maps a status keyword onto a FacultyStatus. Matching is case-insensitive.
func ParseFacultyStatus(s string) (FacultyStatus, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "available", "present":
		return StatusAvailable, true
	case "unavailable", "absent":
		return StatusUnavailable, true
	default:
		return "", false
	}
}

// Student is a registered student identified by an RFID tag.
type Student struct {
	ID         int64     `json:"student_id"`
	RFIDTag    string    `json:"rfid_tag"`
	Name       string    `json:"name"`
	Department string    `json:"department,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// Faculty is a faculty member together with the device identifier of their desk unit beacon.
type Faculty struct {
	ID              int64         `json:"faculty_id"`
	Name            string        `json:"name"`
	Department      string        `json:"department"`
	DeviceID        string        `json:"ble_identifier"`
	OfficeLocation  string        `json:"office_location,omitempty"`
	ContactDetails  string        `json:"contact_details,omitempty"`
	Status          FacultyStatus `json:"current_status"`
	StatusUpdatedAt time.Time     `json:"status_updated_at"`
}

// FacultyFilter narrows ListFaculty results. Empty fields are ignored.
type FacultyFilter struct {
	Name       string
	Department string
	Status     FacultyStatus
}

// Consultation is a persisted consultation request.
type Consultation struct {
	ID             int64     `json:"consultation_id"`
	StudentID      int64     `json:"student_id"`
	FacultyID      int64     `json:"faculty_id"`
	CourseCode     string    `json:"course_code,omitempty"`
	Subject        string    `json:"subject"`
	RequestDetails string    `json:"request_details,omitempty"`
	Status         string    `json:"status"`
	RequestedAt    time.Time `json:"requested_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// NewConsultation holds the caller-supplied fields of a consultation request.
type NewConsultation struct {
	StudentID      int64
	FacultyID      int64
	CourseCode     string
	Subject        string
	RequestDetails string
}

// ConsultationRequestPayload is the message delivered to a faculty desk unit.
type ConsultationRequestPayload struct {
	ConsultationID int64  `json:"consultation_id"`
	StudentName    string `json:"student_name"`
	StudentID      int64  `json:"student_id"`
	CourseCode     string `json:"course_code"`
	Subject        string `json:"subject"`
	RequestDetails string `json:"request_details"`
	RequestedAt    string `json:"requested_at"`
}

// FacultyStatusEvent is a normalized status update received from a desk unit.
type FacultyStatusEvent struct {
	DeviceID string        `json:"ble_identifier"`
	Status   FacultyStatus `json:"status"`
}
