package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/medgrid/slotbooker/internal/booking"
)

// MockBookingService is a mock implementation of BookingService
type MockBookingService struct {
	mock.Mock
}

func (m *MockBookingService) Reserve(ctx context.Context, req booking.ReserveRequest) (*booking.Appointment, error) {
	args := m.Called(ctx, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*booking.Appointment), args.Error(1)
}

func (m *MockBookingService) Cancel(ctx context.Context, id uuid.UUID) error {
	args := m.Called(ctx, id)
	return args.Error(0)
}

func (m *MockBookingService) GetAppointment(ctx context.Context, id uuid.UUID) (*booking.Appointment, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*booking.Appointment), args.Error(1)
}

func (m *MockBookingService) Availability(ctx context.Context, from, to time.Time) ([]booking.AvailabilityPoint, error) {
	args := m.Called(ctx, from, to)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]booking.AvailabilityPoint), args.Error(1)
}

func (m *MockBookingService) ReminderWindow(ctx context.Context, now time.Time) ([]booking.Appointment, error) {
	args := m.Called(ctx, now)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]booking.Appointment), args.Error(1)
}

func newTestRouter(svc BookingService) http.Handler {
	return NewRouter(RouterConfig{
		Service: svc,
		Logger:  zerolog.Nop(),
		Env:     "test",
		Version: "test",
	})
}

func sampleAppointment() *booking.Appointment {
	start := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	return &booking.Appointment{
		ID:        uuid.New(),
		DoctorID:  uuid.New(),
		PatientID: uuid.New(),
		Status:    booking.StatusBooked,
		StartTime: start,
		EndTime:   start.Add(time.Hour),
	}
}

func TestReserveAppointmentHandler(t *testing.T) {
	svc := &MockBookingService{}
	router := newTestRouter(svc)

	appt := sampleAppointment()
	svc.On("Reserve", mock.Anything, mock.MatchedBy(func(req booking.ReserveRequest) bool {
		return req.PatientID == appt.PatientID &&
			req.DurationMinutes == 60 &&
			req.IdempotencyKey == "key-1"
	})).Return(appt, nil).Once()

	body, _ := json.Marshal(ReserveAppointmentRequest{
		PatientID:       appt.PatientID.String(),
		StartTime:       appt.StartTime,
		DurationMinutes: 60,
	})
	req := httptest.NewRequest(http.MethodPost, "/appointments", bytes.NewReader(body))
	req.Header.Set("Idempotency-Key", "key-1")
	rec := httptest.NewRecorder()

	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusCreated, rec.Code)

	var resp AppointmentResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, appt.ID, resp.ID)
	assert.Equal(t, "booked", resp.Status)
	svc.AssertExpectations(t)
}

func TestReserveAppointmentHandlerConflict(t *testing.T) {
	svc := &MockBookingService{}
	router := newTestRouter(svc)

	svc.On("Reserve", mock.Anything, mock.Anything).Return(nil, booking.ErrSlotConflict).Once()

	body, _ := json.Marshal(ReserveAppointmentRequest{
		PatientID:       uuid.NewString(),
		StartTime:       time.Now().UTC(),
		DurationMinutes: 30,
	})
	req := httptest.NewRequest(http.MethodPost, "/appointments", bytes.NewReader(body))
	rec := httptest.NewRecorder()

	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusConflict, rec.Code)

	var resp ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "slot_conflict", resp.Error)
}

func TestReserveAppointmentHandlerBadRequests(t *testing.T) {
	svc := &MockBookingService{}
	router := newTestRouter(svc)

	tests := []struct {
		name string
		body string
		code string
	}{
		{"garbage json", `{`, "invalid_request_body"},
		{"bad patient id", `{"patient_id":"nope","start_time":"2026-03-02T09:00:00Z","duration_minutes":30}`, "invalid_patient_id"},
		{"bad doctor id", `{"patient_id":"` + uuid.NewString() + `","doctor_id":"nope","start_time":"2026-03-02T09:00:00Z","duration_minutes":30}`, "invalid_doctor_id"},
		{"missing start time", `{"patient_id":"` + uuid.NewString() + `","duration_minutes":30}`, "invalid_start_time"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/appointments", bytes.NewReader([]byte(tt.body)))
			rec := httptest.NewRecorder()

			router.ServeHTTP(rec, req)

			require.Equal(t, http.StatusBadRequest, rec.Code)
			var resp ErrorResponse
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
			assert.Equal(t, tt.code, resp.Error)
		})
	}

	svc.AssertNotCalled(t, "Reserve")
}

func TestCancelAppointmentHandler(t *testing.T) {
	svc := &MockBookingService{}
	router := newTestRouter(svc)

	id := uuid.New()
	svc.On("Cancel", mock.Anything, id).Return(nil).Once()

	req := httptest.NewRequest(http.MethodPost, "/appointments/"+id.String()+"/cancel", nil)
	rec := httptest.NewRecorder()

	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	svc.AssertExpectations(t)
}

func TestCancelAppointmentHandlerAlreadyCancelled(t *testing.T) {
	svc := &MockBookingService{}
	router := newTestRouter(svc)

	id := uuid.New()
	svc.On("Cancel", mock.Anything, id).Return(booking.ErrInvalidState).Once()

	req := httptest.NewRequest(http.MethodPost, "/appointments/"+id.String()+"/cancel", nil)
	rec := httptest.NewRecorder()

	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	var resp ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "invalid_state", resp.Error)
}

func TestGetAppointmentHandlerNotFound(t *testing.T) {
	svc := &MockBookingService{}
	router := newTestRouter(svc)

	id := uuid.New()
	svc.On("GetAppointment", mock.Anything, id).Return(nil, booking.ErrAppointmentNotFound).Once()

	req := httptest.NewRequest(http.MethodGet, "/appointments/"+id.String(), nil)
	rec := httptest.NewRecorder()

	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAvailabilityHandler(t *testing.T) {
	svc := &MockBookingService{}
	router := newTestRouter(svc)

	from := time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)
	to := from.Add(8 * time.Hour)
	points := []booking.AvailabilityPoint{
		{Start: from.Add(time.Hour), FreeDoctors: 3},
		{Start: from.Add(90 * time.Minute), FreeDoctors: 1},
	}

	svc.On("Availability", mock.Anything, from, to).Return(points, nil).Once()

	url := "/availability?from=" + from.Format(time.RFC3339) + "&to=" + to.Format(time.RFC3339)
	req := httptest.NewRequest(http.MethodGet, url, nil)
	rec := httptest.NewRecorder()

	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)

	var resp AvailabilityResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Points, 2)
	assert.Equal(t, 3, resp.Points[0].FreeDoctors)
	svc.AssertExpectations(t)
}

func TestAvailabilityHandlerRejectsBadRange(t *testing.T) {
	svc := &MockBookingService{}
	router := newTestRouter(svc)

	req := httptest.NewRequest(http.MethodGet, "/availability?from=yesterday&to=tomorrow", nil)
	rec := httptest.NewRecorder()

	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusBadRequest, rec.Code)
	svc.AssertNotCalled(t, "Availability")
}

func TestReminderWindowHandler(t *testing.T) {
	svc := &MockBookingService{}
	router := newTestRouter(svc)

	appt := sampleAppointment()
	svc.On("ReminderWindow", mock.Anything, mock.Anything).Return([]booking.Appointment{*appt}, nil).Once()

	req := httptest.NewRequest(http.MethodGet, "/appointments/reminder-window", nil)
	rec := httptest.NewRecorder()

	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)

	var resp ReminderWindowResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Appointments, 1)
	assert.Equal(t, appt.ID, resp.Appointments[0].ID)
}

func TestIdentityMiddlewareAttachesIdentity(t *testing.T) {
	patientID := uuid.New()

	var got Identity
	var ok bool
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got, ok = GetIdentity(r.Context())
	})

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-Patient-ID", patientID.String())
	req.Header.Set("X-Role", "patient")

	IdentityMiddleware(next).ServeHTTP(httptest.NewRecorder(), req)

	require.True(t, ok)
	assert.Equal(t, patientID, got.PatientID)
	assert.Equal(t, "patient", got.Role)
}
