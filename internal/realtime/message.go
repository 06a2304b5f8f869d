// Package realtime pushes queue state to subscribed displays and apps. Each
// doctor-day is one channel; every message carries the full queue state so
// a subscriber can always replace what it has with the newest version.
package realtime

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/hackgods/clinic-token-queue/internal/queue"
)

const channelPrefix = "queue:"

const (
	TypeSnapshot = "snapshot"
	TypeUpdate   = "update"
	TypeError    = "error"
)

var ErrBadChannel = errors.New("bad channel name")

// QueueView is the wire form of a doctor-day queue.
type QueueView struct {
	HospitalRef         string               `json:"hospital_ref"`
	DoctorRef           string               `json:"doctor_ref"`
	Day                 string               `json:"day"`
	CurrentToken        int                  `json:"current_token"`
	ServingToken        int                  `json:"serving_token,omitempty"`
	DoctorStatus        queue.DoctorStatus   `json:"doctor_status"`
	ActiveAppointmentID *uuid.UUID           `json:"active_appointment_id,omitempty"`
	Waiting             []queue.WaitingEntry `json:"waiting"`
	Version             int64                `json:"version"`
}

func NewQueueView(s queue.DoctorQueueState) QueueView {
	waiting := s.Waiting
	if waiting == nil {
		waiting = []queue.WaitingEntry{}
	}
	return QueueView{
		HospitalRef:         s.Key.HospitalRef,
		DoctorRef:           s.Key.DoctorRef,
		Day:                 s.Key.Day,
		CurrentToken:        s.CurrentToken,
		ServingToken:        s.ServingToken,
		DoctorStatus:        s.DoctorStatus,
		ActiveAppointmentID: s.ActiveAppointmentID,
		Waiting:             waiting,
		Version:             s.Version,
	}
}

// Message is one frame sent to subscribers.
type Message struct {
	Type       string     `json:"type"`
	Channel    string     `json:"channel"`
	Version    int64      `json:"version"`
	Annotation string     `json:"annotation,omitempty"`
	State      *QueueView `json:"state,omitempty"`
	Error      string     `json:"error,omitempty"`
	SentAt     time.Time  `json:"sent_at"`
}

func NewMessage(msgType string, change queue.QueueChange) Message {
	view := NewQueueView(change.State)
	return Message{
		Type:       msgType,
		Channel:    ChannelFor(change.State.Key),
		Version:    change.State.Version,
		Annotation: change.Annotation,
		State:      &view,
		SentAt:     time.Now().UTC(),
	}
}

func errorMessage(channel string, err error) Message {
	return Message{Type: TypeError, Channel: channel, Error: err.Error(), SentAt: time.Now().UTC()}
}

// ChannelFor names the channel of a doctor-day.
func ChannelFor(key queue.QueueKey) string {
	return channelPrefix + key.String()
}

// ParseChannel reverses ChannelFor. Refs must not contain ':'.
func ParseChannel(channel string) (queue.QueueKey, error) {
	rest, ok := strings.CutPrefix(channel, channelPrefix)
	if !ok {
		return queue.QueueKey{}, fmt.Errorf("%w: %q", ErrBadChannel, channel)
	}
	parts := strings.Split(rest, ":")
	if len(parts) != 3 || parts[0] == "" || parts[1] == "" || parts[2] == "" {
		return queue.QueueKey{}, fmt.Errorf("%w: %q", ErrBadChannel, channel)
	}
	if _, err := time.Parse(time.DateOnly, parts[2]); err != nil {
		return queue.QueueKey{}, fmt.Errorf("%w: day %q", ErrBadChannel, parts[2])
	}
	return queue.QueueKey{HospitalRef: parts[0], DoctorRef: parts[1], Day: parts[2]}, nil
}
