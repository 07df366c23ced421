// Package rooms derives canonical room names from domain keys. Every join and
// emit in the service resolves its room through a Router so that listeners and
// emitters always agree on one naming scheme.
package rooms

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"telehealth_core/internal/domain"
)

type Kind string

const (
	KindDoctor  Kind = "doctor"
	KindPatient Kind = "patient"
	KindSession Kind = "session"
	KindChat    Kind = "chat"
)

// ID is an opaque room name such as "doctor:5" or "session:3_8".
type ID string

func (id ID) String() string { return string(id) }

// Kind returns the kind tag of the room, or "" when the id is malformed.
func (id ID) Kind() Kind {
	k, _, ok := strings.Cut(string(id), ":")
	if !ok {
		return ""
	}
	return Kind(k)
}

// Scheme selects how chat rooms are keyed.
type Scheme string

const (
	// SchemeAppointment keys one room per appointment: chat:<appointment_id>.
	SchemeAppointment Scheme = "appointment"
	// SchemePair keys one room per doctor-patient relationship: session:<min>_<max>.
	SchemePair Scheme = "pair"
)

func ParseScheme(s string) (Scheme, error) {
	switch Scheme(strings.ToLower(strings.TrimSpace(s))) {
	case SchemeAppointment:
		return SchemeAppointment, nil
	case SchemePair:
		return SchemePair, nil
	}
	return "", fmt.Errorf("unknown chat room scheme %q", s)
}

// Canonical computes the room for kind from its keys. Doctor, patient and chat
// rooms take exactly one key; session rooms take the patient and doctor
// profile ids in any order.
func Canonical(kind Kind, keys ...int64) (ID, error) {
	switch kind {
	case KindDoctor, KindPatient, KindChat:
		if len(keys) != 1 {
			return "", fmt.Errorf("%s room takes 1 key, got %d", kind, len(keys))
		}
		return ID(fmt.Sprintf("%s:%d", kind, keys[0])), nil
	case KindSession:
		if len(keys) != 2 {
			return "", fmt.Errorf("session room takes 2 keys, got %d", len(keys))
		}
		lo, hi := keys[0], keys[1]
		if lo > hi {
			lo, hi = hi, lo
		}
		return ID(fmt.Sprintf("%s:%d_%d", kind, lo, hi)), nil
	}
	return "", fmt.Errorf("unknown room kind %q", kind)
}

// Parse validates a client supplied room name and returns it in canonical form.
func Parse(s string) (ID, error) {
	k, rest, ok := strings.Cut(strings.TrimSpace(s), ":")
	if !ok || rest == "" {
		return "", fmt.Errorf("malformed room %q", s)
	}
	kind := Kind(k)
	if kind == KindSession {
		a, b, ok := strings.Cut(rest, "_")
		if !ok {
			return "", fmt.Errorf("malformed room %q", s)
		}
		x, err := strconv.ParseInt(a, 10, 64)
		if err != nil {
			return "", fmt.Errorf("malformed room %q", s)
		}
		y, err := strconv.ParseInt(b, 10, 64)
		if err != nil {
			return "", fmt.Errorf("malformed room %q", s)
		}
		return Canonical(kind, x, y)
	}
	n, err := strconv.ParseInt(rest, 10, 64)
	if err != nil {
		return "", fmt.Errorf("malformed room %q", s)
	}
	return Canonical(kind, n)
}

// Directory resolves the records the router needs to compute keys.
type Directory interface {
	GetAppointment(ctx context.Context, id int64) (*domain.Appointment, error)
	GetPatient(ctx context.Context, id int64) (*domain.Patient, error)
}

type Router struct {
	dir    Directory
	scheme Scheme
}

func NewRouter(dir Directory, scheme Scheme) (*Router, error) {
	if _, err := ParseScheme(string(scheme)); err != nil {
		return nil, err
	}
	return &Router{dir: dir, scheme: scheme}, nil
}

func (r *Router) Scheme() Scheme { return r.scheme }

func (r *Router) DoctorRoom(doctorID int64) ID {
	return ID(fmt.Sprintf("%s:%d", KindDoctor, doctorID))
}

// PatientRoom is keyed by the patient's account id, not the profile id.
func (r *Router) PatientRoom(userID int64) ID {
	return ID(fmt.Sprintf("%s:%d", KindPatient, userID))
}

// PatientRoomForProfile resolves a patient profile id to the owning account
// before computing the room.
func (r *Router) PatientRoomForProfile(ctx context.Context, patientID int64) (ID, error) {
	p, err := r.dir.GetPatient(ctx, patientID)
	if err != nil {
		return "", fmt.Errorf("resolve patient %d: %w", patientID, err)
	}
	return r.PatientRoom(p.UserID), nil
}

// DefaultRooms lists the rooms a freshly verified connection joins.
func (r *Router) DefaultRooms(id domain.Identity) []ID {
	switch id.Role {
	case domain.RoleDoctor:
		return []ID{r.DoctorRoom(id.ProfileID)}
	case domain.RolePatient:
		return []ID{r.PatientRoom(id.UserID)}
	}
	return nil
}

// ChatRoom computes the chat room of an appointment under the configured scheme.
func (r *Router) ChatRoom(appt *domain.Appointment) ID {
	if r.scheme == SchemePair {
		id, _ := Canonical(KindSession, appt.PatientID, appt.DoctorID)
		return id
	}
	id, _ := Canonical(KindChat, appt.ID)
	return id
}

// ChatRoomFor loads the appointment and returns its chat room.
func (r *Router) ChatRoomFor(ctx context.Context, appointmentID int64) (ID, *domain.Appointment, error) {
	appt, err := r.dir.GetAppointment(ctx, appointmentID)
	if err != nil {
		return "", nil, fmt.Errorf("resolve appointment %d: %w", appointmentID, err)
	}
	return r.ChatRoom(appt), appt, nil
}

// Permits reports whether id may join room through an explicit join_room.
// Role rooms admit their owner only. Chat rooms admit the participants of
// the keyed appointment. Session rooms are reachable through join_session only.
func (r *Router) Permits(ctx context.Context, id domain.Identity, room ID) (bool, error) {
	for _, own := range r.DefaultRooms(id) {
		if own == room {
			return true, nil
		}
	}
	if room.Kind() != KindChat || r.scheme != SchemeAppointment {
		return false, nil
	}
	_, rest, _ := strings.Cut(string(room), ":")
	appointmentID, err := strconv.ParseInt(rest, 10, 64)
	if err != nil {
		return false, nil
	}
	appt, err := r.dir.GetAppointment(ctx, appointmentID)
	if err != nil {
		return false, fmt.Errorf("resolve appointment %d: %w", appointmentID, err)
	}
	return appt.HasParticipant(id), nil
}
