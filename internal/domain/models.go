package domain

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

type Role string

const (
	RoleDoctor  Role = "doctor"
	RolePatient Role = "patient"
	RoleAdmin   Role = "admin"
)

// Identity is a verified connection owner. ProfileID is the doctor or patient
// profile row that belongs to the account UserID.
type Identity struct {
	UserID    int64 `json:"user_id"`
	Role      Role  `json:"role"`
	ProfileID int64 `json:"profile_id"`
}

type User struct {
	ID       int64  `json:"id"`
	Email    string `json:"email"`
	Role     Role   `json:"role"`
	IsActive bool   `json:"is_active"`
}

type Doctor struct {
	ID               int64  `json:"id"`
	UserID           int64  `json:"user_id"`
	Name             string `json:"name"`
	Specialization   string `json:"specialization"`
	IsApproved       bool   `json:"is_approved"`
	InstantAvailable bool   `json:"instant_available"`
}

type Patient struct {
	ID             int64  `json:"id"`
	UserID         int64  `json:"user_id"`
	Name           string `json:"name"`
	Age            int    `json:"age"`
	Gender         string `json:"gender,omitempty"`
	MedicalHistory string `json:"medical_history,omitempty"`
}

type AppointmentStatus string

const (
	StatusPending  AppointmentStatus = "pending"
	StatusAccepted AppointmentStatus = "accepted"
	StatusRejected AppointmentStatus = "rejected"
)

type AppointmentType string

const (
	AppointmentInstant   AppointmentType = "instant"
	AppointmentScheduled AppointmentType = "scheduled"
	AppointmentEmergency AppointmentType = "emergency"
)

// Immediate reports whether acceptance of this type opens a chat session.
func (t AppointmentType) Immediate() bool {
	return t == AppointmentInstant
}

type Appointment struct {
	ID          int64             `json:"id"`
	PatientID   int64             `json:"patient_id"`
	DoctorID    int64             `json:"doctor_id"`
	Type        AppointmentType   `json:"appointment_type"`
	Status      AppointmentStatus `json:"status"`
	Symptoms    string            `json:"symptoms,omitempty"`
	StartTime   time.Time         `json:"start_time"`
	EndTime     time.Time         `json:"end_time"`
	ChatActive  bool              `json:"chat_active"`
	ChatEndedAt *time.Time        `json:"chat_ended_at,omitempty"`
}

type ChatState string

const (
	ChatNone     ChatState = "no_chat"
	ChatActive   ChatState = "chat_active"
	ChatEnded    ChatState = "chat_ended"
	ChatRejected ChatState = "rejected"
)

// ChatState derives the chat lifecycle state from the persisted fields.
func (a *Appointment) ChatState() ChatState {
	switch {
	case a.Status == StatusRejected:
		return ChatRejected
	case a.ChatEndedAt != nil:
		return ChatEnded
	case a.ChatActive && a.Status == StatusAccepted:
		return ChatActive
	default:
		return ChatNone
	}
}

// HasParticipant reports whether the identity is this appointment's doctor or patient.
func (a *Appointment) HasParticipant(id Identity) bool {
	switch id.Role {
	case RoleDoctor:
		return id.ProfileID == a.DoctorID
	case RolePatient:
		return id.ProfileID == a.PatientID
	}
	return false
}

type ChatMessage struct {
	ID            int64     `json:"id"`
	AppointmentID int64     `json:"appointment_id"`
	SenderRole    Role      `json:"sender_type"`
	SenderID      int64     `json:"sender_id"`
	Text          string    `json:"message"`
	SentAt        time.Time `json:"sent_at"`
	IsRead        bool      `json:"is_read"`
}

type OutboxEvent struct {
	ID          uuid.UUID       `json:"id"`
	EventType   string          `json:"event_type"`
	Payload     json.RawMessage `json:"payload"`
	Status      string          `json:"status"`
	CreatedAt   time.Time       `json:"created_at"`
	ProcessedAt *time.Time      `json:"processed_at,omitempty"`
}

// Integration events written to the outbox.
const (
	EventTypeAppointmentDecided = "APPOINTMENT_DECIDED"
	EventTypeMessageCreated     = "MESSAGE_CREATED"
	EventTypeChatEnded          = "CHAT_ENDED"
)
