package consult

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"consultease/central/internal/metrics"
	"consultease/central/internal/model"
)

var ErrInvalidRequest = errors.New("invalid consultation request")

// Transport delivers a payload to a desk unit. It reports whether the broker accepted it.
type Transport interface {
	PublishConsultationRequest(deviceID string, payload any) bool
}

// Store is the persistence surface the submit flow needs.
type Store interface {
	GetStudentByID(ctx context.Context, id int64) (model.Student, error)
	GetFacultyByID(ctx context.Context, id int64) (model.Faculty, error)
	CreateConsultation(ctx context.Context, req model.NewConsultation) (model.Consultation, error)
}

// Result separates "saved and sent" from "saved but not sent".
type Result struct {
	Consultation model.Consultation `json:"consultation"`
	Sent         bool               `json:"sent"`
}

type Publisher struct {
	transport Transport
	store     Store
	logger    *slog.Logger
}

func NewPublisher(transport Transport, st Store, logger *slog.Logger) *Publisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Publisher{
		transport: transport,
		store:     st,
		logger:    logger.With("component", "consult"),
	}
}

// BuildPayload renders a persisted consultation as the message a desk unit receives.
func BuildPayload(rec model.Consultation, student model.Student) model.ConsultationRequestPayload {
	return model.ConsultationRequestPayload{
		ConsultationID: rec.ID,
		StudentName:    student.Name,
		StudentID:      student.ID,
		CourseCode:     rec.CourseCode,
		Subject:        rec.Subject,
		RequestDetails: rec.RequestDetails,
		RequestedAt:    rec.RequestedAt.UTC().Format(time.RFC3339),
	}
}

// Publish sends rec to the desk unit identified by deviceID. It does not retry.
func (p *Publisher) Publish(rec model.Consultation, student model.Student, deviceID string) bool {
	ok := p.transport.PublishConsultationRequest(deviceID, BuildPayload(rec, student))
	if ok {
		p.logger.Info("consultation request sent", "consultation_id", rec.ID, "device_id", deviceID)
	} else {
		p.logger.Warn("consultation request not sent", "consultation_id", rec.ID, "device_id", deviceID)
	}
	return ok
}

// Submit validates req, stores it and publishes it to the faculty's desk unit. A nil error
// means the consultation was saved; Result.Sent says whether it also reached the broker.
func (p *Publisher) Submit(ctx context.Context, req model.NewConsultation) (Result, error) {
	req.Subject = strings.TrimSpace(req.Subject)
	req.CourseCode = strings.TrimSpace(req.CourseCode)
	req.RequestDetails = strings.TrimSpace(req.RequestDetails)

	if err := validate(req); err != nil {
		metrics.ConsultationRequests.WithLabelValues("invalid").Inc()
		return Result{}, err
	}

	student, err := p.store.GetStudentByID(ctx, req.StudentID)
	if err != nil {
		metrics.ConsultationRequests.WithLabelValues("error").Inc()
		return Result{}, fmt.Errorf("load student %d: %w", req.StudentID, err)
	}
	faculty, err := p.store.GetFacultyByID(ctx, req.FacultyID)
	if err != nil {
		metrics.ConsultationRequests.WithLabelValues("error").Inc()
		return Result{}, fmt.Errorf("load faculty %d: %w", req.FacultyID, err)
	}
	if strings.TrimSpace(faculty.DeviceID) == "" {
		metrics.ConsultationRequests.WithLabelValues("invalid").Inc()
		return Result{}, fmt.Errorf("%w: faculty %d has no desk unit", ErrInvalidRequest, faculty.ID)
	}

	rec, err := p.store.CreateConsultation(ctx, req)
	if err != nil {
		metrics.ConsultationRequests.WithLabelValues("error").Inc()
		return Result{}, fmt.Errorf("create consultation: %w", err)
	}

	sent := p.Publish(rec, student, faculty.DeviceID)
	if sent {
		metrics.ConsultationRequests.WithLabelValues("sent").Inc()
	} else {
		metrics.ConsultationRequests.WithLabelValues("saved").Inc()
	}
	return Result{Consultation: rec, Sent: sent}, nil
}

func validate(req model.NewConsultation) error {
	var errs []error
	if req.StudentID <= 0 {
		errs = append(errs, errors.New("student_id is required"))
	}
	if req.FacultyID <= 0 {
		errs = append(errs, errors.New("faculty_id is required"))
	}
	if req.Subject == "" {
		errs = append(errs, errors.New("subject is required"))
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalidRequest, errors.Join(errs...))
	}
	return nil
}
