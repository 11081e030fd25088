package booking

import (
	"time"

	"github.com/google/uuid"
)

type AppointmentStatus string

const (
	StatusBooked    AppointmentStatus = "booked"
	StatusCancelled AppointmentStatus = "cancelled"
	StatusCompleted AppointmentStatus = "completed"
	StatusNoShow    AppointmentStatus = "no_show"
)

type SlotStatus string

const (
	SlotFree    SlotStatus = "free"
	SlotBooked  SlotStatus = "booked"
	SlotBlocked SlotStatus = "blocked"
	SlotHoliday SlotStatus = "holiday"
)

type Doctor struct {
	ID                  uuid.UUID
	Name                string
	DefaultVisitMinutes int
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

type Patient struct {
	ID        uuid.UUID
	Name      string
	Email     *string
	Phone     *string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Slot is one fixed-width interval on a doctor's grid. The pair
// (DoctorID, StartTime) is unique, so a doctor's day partitions into
// non-overlapping slots.
type Slot struct {
	ID            uuid.UUID
	DoctorID      uuid.UUID
	StartTime     time.Time
	EndTime       time.Time
	Status        SlotStatus
	AppointmentID *uuid.UUID
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Appointment covers a contiguous run of one doctor's slots.
type Appointment struct {
	ID             uuid.UUID
	PatientID      uuid.UUID
	DoctorID       uuid.UUID
	Status         AppointmentStatus
	StartTime      time.Time
	EndTime        time.Time
	IdempotencyKey *string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

type EventLog struct {
	ID            int64
	EventType     string
	AppointmentID *uuid.UUID
	Payload       []byte
	CreatedAt     time.Time
}

// AvailabilityPoint is one row of a merged availability query: how many
// doctors still have a free slot starting at Start.
type AvailabilityPoint struct {
	Start       time.Time
	FreeDoctors int
}
