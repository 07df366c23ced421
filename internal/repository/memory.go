package repository

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"telehealth_core/internal/domain"
)

// MemoryStore is a process-local store with the same semantics as PostgresStore.
// It backs the "memory" database driver and the tests.
type MemoryStore struct {
	mu           sync.Mutex
	users        map[int64]*domain.User
	doctors      map[int64]*domain.Doctor
	patients     map[int64]*domain.Patient
	appointments map[int64]*domain.Appointment
	messages     map[int64][]*domain.ChatMessage
	nextMsgID    int64
	now          func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		users:        make(map[int64]*domain.User),
		doctors:      make(map[int64]*domain.Doctor),
		patients:     make(map[int64]*domain.Patient),
		appointments: make(map[int64]*domain.Appointment),
		messages:     make(map[int64][]*domain.ChatMessage),
		now:          time.Now,
	}
}

func (s *MemoryStore) AddUser(u domain.User) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.users[u.ID] = &u
}

func (s *MemoryStore) AddDoctor(d domain.Doctor) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.doctors[d.ID] = &d
}

func (s *MemoryStore) AddPatient(p domain.Patient) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.patients[p.ID] = &p
}

func (s *MemoryStore) AddAppointment(a domain.Appointment) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.appointments[a.ID] = &a
}

func (s *MemoryStore) GetUser(_ context.Context, id int64) (*domain.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[id]
	if !ok {
		return nil, fmt.Errorf("user %d: %w", id, domain.ErrNotFound)
	}
	cp := *u
	return &cp, nil
}

func (s *MemoryStore) GetDoctor(_ context.Context, id int64) (*domain.Doctor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.doctors[id]
	if !ok {
		return nil, fmt.Errorf("doctor %d: %w", id, domain.ErrNotFound)
	}
	cp := *d
	return &cp, nil
}

func (s *MemoryStore) GetDoctorByUserID(_ context.Context, userID int64) (*domain.Doctor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, d := range s.doctors {
		if d.UserID == userID {
			cp := *d
			return &cp, nil
		}
	}
	return nil, fmt.Errorf("doctor %d: %w", userID, domain.ErrNotFound)
}

func (s *MemoryStore) GetPatient(_ context.Context, id int64) (*domain.Patient, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.patients[id]
	if !ok {
		return nil, fmt.Errorf("patient %d: %w", id, domain.ErrNotFound)
	}
	cp := *p
	return &cp, nil
}

func (s *MemoryStore) GetPatientByUserID(_ context.Context, userID int64) (*domain.Patient, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range s.patients {
		if p.UserID == userID {
			cp := *p
			return &cp, nil
		}
	}
	return nil, fmt.Errorf("patient %d: %w", userID, domain.ErrNotFound)
}

func (s *MemoryStore) GetAppointment(_ context.Context, id int64) (*domain.Appointment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.appointments[id]
	if !ok {
		return nil, fmt.Errorf("appointment %d: %w", id, domain.ErrNotFound)
	}
	return copyAppointment(a), nil
}

func (s *MemoryStore) UpdateAppointmentStatus(_ context.Context, id int64, from, to domain.AppointmentStatus, chatActive bool) (*domain.Appointment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.appointments[id]
	if !ok {
		return nil, fmt.Errorf("appointment %d: %w", id, domain.ErrNotFound)
	}
	if a.Status != from {
		return nil, fmt.Errorf("appointment %d: %w", id, domain.ErrInvalidState)
	}
	a.Status = to
	a.ChatActive = chatActive
	return copyAppointment(a), nil
}

func (s *MemoryStore) EndChat(_ context.Context, id int64, endedAt time.Time) (*domain.Appointment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.appointments[id]
	if !ok {
		return nil, fmt.Errorf("appointment %d: %w", id, domain.ErrNotFound)
	}
	if a.ChatState() != domain.ChatActive {
		return nil, fmt.Errorf("appointment %d: %w", id, domain.ErrChatNotActive)
	}
	a.ChatActive = false
	a.ChatEndedAt = &endedAt
	return copyAppointment(a), nil
}

func (s *MemoryStore) AppendChatMessage(_ context.Context, msg *domain.ChatMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.appointments[msg.AppointmentID]
	if !ok {
		return fmt.Errorf("appointment %d: %w", msg.AppointmentID, domain.ErrNotFound)
	}
	if a.ChatState() != domain.ChatActive {
		return fmt.Errorf("appointment %d: %w", msg.AppointmentID, domain.ErrChatNotActive)
	}
	s.nextMsgID++
	msg.ID = s.nextMsgID
	msg.SentAt = s.now()
	stored := *msg
	s.messages[msg.AppointmentID] = append(s.messages[msg.AppointmentID], &stored)
	return nil
}

func (s *MemoryStore) ListChatMessages(_ context.Context, appointmentID int64) ([]*domain.ChatMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored := s.messages[appointmentID]
	out := make([]*domain.ChatMessage, 0, len(stored))
	for _, m := range stored {
		cp := *m
		out = append(out, &cp)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].SentAt.Equal(out[j].SentAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].SentAt.Before(out[j].SentAt)
	})
	return out, nil
}

func copyAppointment(a *domain.Appointment) *domain.Appointment {
	cp := *a
	if a.ChatEndedAt != nil {
		t := *a.ChatEndedAt
		cp.ChatEndedAt = &t
	}
	return &cp
}
