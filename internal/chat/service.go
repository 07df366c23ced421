// Package chat implements the appointment chat lifecycle: doctor decisions,
// instant request notifications, chat join with history replay, messages and
// chat end. Every event is persisted before it is broadcast.
package chat

import (
	"context"
	"fmt"
	"strings"
	"time"

	"telehealth_core/internal/audit"
	"telehealth_core/internal/domain"
	"telehealth_core/internal/logging"
	"telehealth_core/internal/rooms"
)

// Store is the persistence collaborator for appointments and chat messages.
type Store interface {
	GetAppointment(ctx context.Context, id int64) (*domain.Appointment, error)
	GetPatient(ctx context.Context, id int64) (*domain.Patient, error)
	UpdateAppointmentStatus(ctx context.Context, id int64, from, to domain.AppointmentStatus, chatActive bool) (*domain.Appointment, error)
	EndChat(ctx context.Context, id int64, endedAt time.Time) (*domain.Appointment, error)
	AppendChatMessage(ctx context.Context, msg *domain.ChatMessage) error
	ListChatMessages(ctx context.Context, appointmentID int64) ([]*domain.ChatMessage, error)
}

// Dispatcher delivers events to rooms and connections.
type Dispatcher interface {
	Emit(room rooms.ID, eventType string, payload any) (int, error)
	SendTo(connID string, eventType string, payload any) bool
	JoinRoom(connID string, room rooms.ID) bool
	LeaveRoom(connID string, room rooms.ID) bool
}

const (
	ActionAccept = "accept"
	ActionReject = "reject"
)

type Service struct {
	store      Store
	router     *rooms.Router
	dispatcher Dispatcher
	locks      *roomLocks
	now        func() time.Time
}

func NewService(store Store, router *rooms.Router, dispatcher Dispatcher) *Service {
	return &Service{
		store:      store,
		router:     router,
		dispatcher: dispatcher,
		locks:      newRoomLocks(),
		now:        time.Now,
	}
}

// DecideAppointment applies the owning doctor's decision to a pending
// appointment. Accepting an instant appointment activates its chat. The
// patient's room receives appointment_updated once the change is committed.
func (s *Service) DecideAppointment(ctx context.Context, actor domain.Identity, appointmentID int64, action string) (*domain.Appointment, error) {
	var to domain.AppointmentStatus
	switch strings.ToLower(strings.TrimSpace(action)) {
	case ActionAccept:
		to = domain.StatusAccepted
	case ActionReject:
		to = domain.StatusRejected
	default:
		return nil, fmt.Errorf("%w: unknown action %q", domain.ErrBadRequest, action)
	}

	appt, err := s.store.GetAppointment(ctx, appointmentID)
	if err != nil {
		return nil, err
	}
	if actor.Role != domain.RoleDoctor || actor.ProfileID != appt.DoctorID {
		return nil, fmt.Errorf("%w: appointment %d belongs to another doctor", domain.ErrForbidden, appointmentID)
	}
	if appt.Status != domain.StatusPending {
		return nil, fmt.Errorf("%w: appointment %d is already %s", domain.ErrInvalidState, appointmentID, appt.Status)
	}

	chatActive := to == domain.StatusAccepted && appt.Type.Immediate()
	updated, err := s.store.UpdateAppointmentStatus(ctx, appointmentID, domain.StatusPending, to, chatActive)
	if err != nil {
		return nil, err
	}
	audit.LogWithTarget(ctx, audit.ActionAppointmentDecided, actor.UserID, fmt.Sprint(appointmentID), string(to))

	room, err := s.router.PatientRoomForProfile(ctx, updated.PatientID)
	if err != nil {
		s.logDeliveryFailure(ctx, err, appointmentID, domain.MsgTypeAppointmentUpdated)
		return updated, nil
	}
	s.emit(ctx, room, domain.MsgTypeAppointmentUpdated, domain.AppointmentUpdatedPayload{
		AppointmentID: updated.ID,
		Status:        updated.Status,
		ChatActive:    updated.ChatActive,
	})
	return updated, nil
}

// RequestInstantAppointment notifies the doctor's room about a pending instant
// appointment booked by the patient. It returns the number of connections
// reached; zero means the doctor is offline and nothing is queued.
func (s *Service) RequestInstantAppointment(ctx context.Context, actor domain.Identity, appointmentID int64) (int, error) {
	appt, err := s.store.GetAppointment(ctx, appointmentID)
	if err != nil {
		return 0, err
	}
	if actor.Role != domain.RolePatient || actor.ProfileID != appt.PatientID {
		return 0, fmt.Errorf("%w: appointment %d belongs to another patient", domain.ErrForbidden, appointmentID)
	}
	if appt.Status != domain.StatusPending || !appt.Type.Immediate() {
		return 0, fmt.Errorf("%w: appointment %d is not a pending instant request", domain.ErrInvalidState, appointmentID)
	}
	patient, err := s.store.GetPatient(ctx, appt.PatientID)
	if err != nil {
		return 0, err
	}

	payload := domain.AppointmentRequestPayload{
		Appointment: domain.AppointmentSnapshot{
			ID:          appt.ID,
			PatientName: patient.Name,
			Symptoms:    appt.Symptoms,
			Type:        appt.Type,
			StartTime:   appt.StartTime,
			EndTime:     appt.EndTime,
			Patient: domain.PatientSnapshot{
				ID:             patient.ID,
				Name:           patient.Name,
				Age:            patient.Age,
				Gender:         patient.Gender,
				MedicalHistory: patient.MedicalHistory,
			},
		},
	}
	n := s.emit(ctx, s.router.DoctorRoom(appt.DoctorID), domain.MsgTypeNewAppointmentRequest, payload)
	audit.LogWithTarget(ctx, audit.ActionInstantRequest, actor.UserID, fmt.Sprint(appointmentID), "instant request sent")
	return n, nil
}

// JoinChat adds the connection to the appointment's chat room and replays the
// stored history to that connection only.
func (s *Service) JoinChat(ctx context.Context, connID string, actor domain.Identity, appointmentID int64) (rooms.ID, error) {
	room, _, err := s.participantRoom(ctx, actor, appointmentID)
	if err != nil {
		return "", err
	}

	release := s.locks.lock(room)
	defer release()

	if !s.dispatcher.JoinRoom(connID, room) {
		return "", fmt.Errorf("%w: connection %s is not registered", domain.ErrNotFound, connID)
	}
	s.dispatcher.SendTo(connID, domain.MsgTypeRoomJoined, domain.RoomPayload{Room: room.String()})

	history, err := s.store.ListChatMessages(ctx, appointmentID)
	if err != nil {
		return room, fmt.Errorf("failed to load history for appointment %d: %w", appointmentID, err)
	}
	s.dispatcher.SendTo(connID, domain.MsgTypePreviousMessages, domain.PreviousMessagesPayload{
		AppointmentID: appointmentID,
		Messages:      history,
	})
	audit.LogWithTarget(ctx, audit.ActionJoinChat, actor.UserID, room.String(), "joined chat")
	return room, nil
}

// LeaveChat removes the connection from the appointment's chat room.
func (s *Service) LeaveChat(ctx context.Context, connID string, actor domain.Identity, appointmentID int64) (rooms.ID, error) {
	room, _, err := s.participantRoom(ctx, actor, appointmentID)
	if err != nil {
		return "", err
	}
	s.dispatcher.LeaveRoom(connID, room)
	return room, nil
}

// SendMessage stores a message from a participant of an active chat and
// broadcasts it to the chat room. Sender role and id come from actor.
func (s *Service) SendMessage(ctx context.Context, actor domain.Identity, appointmentID int64, text string) (*domain.ChatMessage, error) {
	if strings.TrimSpace(text) == "" {
		return nil, fmt.Errorf("%w: empty message", domain.ErrBadRequest)
	}
	room, appt, err := s.participantRoom(ctx, actor, appointmentID)
	if err != nil {
		return nil, err
	}
	if appt.ChatState() != domain.ChatActive {
		return nil, fmt.Errorf("appointment %d: %w", appointmentID, domain.ErrChatNotActive)
	}

	release := s.locks.lock(room)
	defer release()

	msg := &domain.ChatMessage{
		AppointmentID: appointmentID,
		SenderRole:    actor.Role,
		SenderID:      actor.UserID,
		Text:          text,
	}
	if err := s.store.AppendChatMessage(ctx, msg); err != nil {
		return nil, err
	}
	audit.LogWithTarget(ctx, audit.ActionSendMessage, actor.UserID, room.String(), "message sent")

	s.emit(ctx, room, domain.MsgTypeNewMessage, msg)
	return msg, nil
}

// EndChat closes an active chat. Later messages are rejected with ErrChatNotActive.
func (s *Service) EndChat(ctx context.Context, actor domain.Identity, appointmentID int64) (*domain.Appointment, error) {
	room, _, err := s.participantRoom(ctx, actor, appointmentID)
	if err != nil {
		return nil, err
	}

	release := s.locks.lock(room)
	defer release()

	ended, err := s.store.EndChat(ctx, appointmentID, s.now().UTC())
	if err != nil {
		return nil, err
	}
	audit.LogWithTarget(ctx, audit.ActionEndChat, actor.UserID, room.String(), "chat ended")

	s.emit(ctx, room, domain.MsgTypeChatEnded, domain.ChatEndedPayload{
		AppointmentID: appointmentID,
		EndedAt:       *ended.ChatEndedAt,
	})
	return ended, nil
}

func (s *Service) participantRoom(ctx context.Context, actor domain.Identity, appointmentID int64) (rooms.ID, *domain.Appointment, error) {
	room, appt, err := s.router.ChatRoomFor(ctx, appointmentID)
	if err != nil {
		return "", nil, err
	}
	if !appt.HasParticipant(actor) {
		return "", nil, fmt.Errorf("%w: not a participant of appointment %d", domain.ErrForbidden, appointmentID)
	}
	return room, appt, nil
}

// emit never fails the caller: the state change is already committed.
func (s *Service) emit(ctx context.Context, room rooms.ID, eventType string, payload any) int {
	n, err := s.dispatcher.Emit(room, eventType, payload)
	if err != nil {
		l := logging.Ctx(ctx)
		l.Warn().Err(err).
			Str(logging.FieldRoom, room.String()).
			Str(logging.FieldEventType, eventType).
			Msg("event not delivered")
	}
	return n
}

func (s *Service) logDeliveryFailure(ctx context.Context, err error, appointmentID int64, eventType string) {
	l := logging.Ctx(ctx)
	l.Warn().Err(err).
		Int64(logging.FieldAppointmentID, appointmentID).
		Str(logging.FieldEventType, eventType).
		Msg("could not resolve recipient room")
}
