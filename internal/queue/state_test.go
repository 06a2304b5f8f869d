package queue

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testKey = QueueKey{HospitalRef: "h1", DoctorRef: "d1", Day: "2026-10-18"}

func entry(token int) WaitingEntry {
	return WaitingEntry{Token: token, AppointmentID: uuid.New()}
}

func TestEnqueue_ServingOrder(t *testing.T) {
	s := NewDoctorQueueState(testKey)

	s.enqueue(entry(5))
	s.enqueue(entry(2))
	s.enqueue(WaitingEntry{Token: 9, AppointmentID: uuid.New(), Emergency: true})
	s.enqueue(WaitingEntry{Token: 1, AppointmentID: uuid.New(), Requeued: true})
	s.enqueue(entry(3))
	s.enqueue(WaitingEntry{Token: 7, AppointmentID: uuid.New(), Emergency: true})

	assert.Equal(t, []int{7, 9, 2, 3, 5, 1}, s.WaitingTokens())
}

func TestEnqueue_RequeuedAppendsInArrivalOrder(t *testing.T) {
	s := NewDoctorQueueState(testKey)
	s.enqueue(entry(4))
	s.enqueue(WaitingEntry{Token: 3, AppointmentID: uuid.New(), Requeued: true})
	s.enqueue(WaitingEntry{Token: 1, AppointmentID: uuid.New(), Requeued: true})
	s.enqueue(entry(6))

	assert.Equal(t, []int{4, 6, 3, 1}, s.WaitingTokens())
}

func TestEnqueue_NeverDuplicates(t *testing.T) {
	s := NewDoctorQueueState(testKey)
	assert.True(t, s.enqueue(entry(2)))
	assert.False(t, s.enqueue(entry(2)))
	assert.False(t, s.enqueue(WaitingEntry{Token: 2, Requeued: true}))
	assert.Equal(t, []int{2}, s.WaitingTokens())
}

func TestStartConsultation(t *testing.T) {
	s := NewDoctorQueueState(testKey)
	first := &Appointment{ID: uuid.New(), TokenNumber: 4}
	second := &Appointment{ID: uuid.New(), TokenNumber: 2}
	s.enqueue(WaitingEntry{Token: 4, AppointmentID: first.ID, Emergency: true})
	s.enqueue(WaitingEntry{Token: 2, AppointmentID: second.ID})

	require.NoError(t, s.startConsultation(first))
	assert.Equal(t, 4, s.CurrentToken)
	assert.Equal(t, 4, s.ServingToken)
	assert.Equal(t, []int{2}, s.WaitingTokens())

	assert.ErrorIs(t, s.startConsultation(second), ErrDoctorBusy)

	assert.True(t, s.endConsultation(first.ID))
	require.NoError(t, s.startConsultation(second))

	assert.Equal(t, 4, s.CurrentToken, "current token never goes back")
	assert.Equal(t, 2, s.ServingToken)
}

func TestEndConsultation_OnlyForActive(t *testing.T) {
	s := NewDoctorQueueState(testKey)
	a := &Appointment{ID: uuid.New(), TokenNumber: 1}
	require.NoError(t, s.startConsultation(a))

	assert.False(t, s.endConsultation(uuid.New()))
	assert.NotNil(t, s.ActiveAppointmentID)
	assert.True(t, s.endConsultation(a.ID))
	assert.Nil(t, s.ActiveAppointmentID)
	assert.Zero(t, s.ServingToken)
}

func TestSetDoctorStatus_Annotation(t *testing.T) {
	s := NewDoctorQueueState(testKey)
	assert.Empty(t, s.setDoctorStatus(DoctorRest))
	assert.Empty(t, s.setDoctorStatus(DoctorOPD))

	require.NoError(t, s.startConsultation(&Appointment{ID: uuid.New(), TokenNumber: 1}))
	assert.Equal(t, AnnotationConsultationInterrupted, s.setDoctorStatus(DoctorOffline))
	assert.NotNil(t, s.ActiveAppointmentID, "status change leaves the consultation alone")
	assert.Empty(t, s.setDoctorStatus(DoctorMeeting))
}

func TestClone_IsDeep(t *testing.T) {
	s := NewDoctorQueueState(testKey)
	s.enqueue(entry(1))
	require.NoError(t, s.startConsultation(&Appointment{ID: uuid.New(), TokenNumber: 3}))

	c := s.Clone()
	c.enqueue(entry(2))
	*c.ActiveAppointmentID = uuid.New()
	c.bump(time.Now())

	assert.Equal(t, []int{1}, s.WaitingTokens())
	assert.NotEqual(t, *s.ActiveAppointmentID, *c.ActiveAppointmentID)
	assert.Zero(t, s.Version)
	assert.Equal(t, int64(1), c.Version)
}

func TestParseDoctorStatus(t *testing.T) {
	st, err := ParseDoctorStatus("MEETING")
	require.NoError(t, err)
	assert.Equal(t, DoctorMeeting, st)

	_, err = ParseDoctorStatus("LUNCH")
	assert.ErrorIs(t, err, ErrInvalidInput)
}
