package api

import (
	"time"

	"github.com/google/uuid"
)

type ReserveAppointmentRequest struct {
	DoctorID        *string   `json:"doctor_id,omitempty"`
	PatientID       string    `json:"patient_id"`
	StartTime       time.Time `json:"start_time"`
	DurationMinutes int       `json:"duration_minutes"`
}

type AppointmentResponse struct {
	ID        uuid.UUID `json:"id"`
	DoctorID  uuid.UUID `json:"doctor_id"`
	PatientID uuid.UUID `json:"patient_id"`
	Status    string    `json:"status"`
	StartTime time.Time `json:"start_time"`
	EndTime   time.Time `json:"end_time"`
}

type AvailabilityPointResponse struct {
	StartTime   time.Time `json:"start_time"`
	FreeDoctors int       `json:"free_doctors"`
}

type AvailabilityResponse struct {
	Points []AvailabilityPointResponse `json:"points"`
}

type ReminderWindowResponse struct {
	Appointments []AppointmentResponse `json:"appointments"`
}

type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}
