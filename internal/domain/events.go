package domain

import "time"

// Connection protocol events from client.
const (
	MsgTypeJoinRoom             = "join_room"
	MsgTypeLeaveRoom            = "leave_room"
	MsgTypeVerifyRoom           = "verify_room"
	MsgTypeVerifyRoomMembership = "verify_room_membership"
	MsgTypeJoinChat             = "join_chat"
	MsgTypeJoinSession          = "join_session"
	MsgTypeLeaveChat            = "leave_chat"
	MsgTypeSendMessage          = "send_message"
	MsgTypeEndChat              = "end_chat"
	MsgTypeAppointmentResponse  = "appointment_response"
	MsgTypeInstantRequest       = "instant_appointment_request"
	MsgTypePing                 = "ping"
)

// Connection protocol events to client.
const (
	MsgTypeConnected              = "connected"
	MsgTypeRoomJoined             = "room_joined"
	MsgTypeRoomLeft               = "room_left"
	MsgTypeRoomVerified           = "room_verified"
	MsgTypeRoomMembershipVerified = "room_membership_verified"
	MsgTypePreviousMessages       = "previous_messages"
	MsgTypeNewMessage             = "new_message"
	MsgTypeNewAppointmentRequest  = "new_appointment_request"
	MsgTypeAppointmentUpdated     = "appointment_updated"
	MsgTypeChatEnded              = "chat_ended"
	MsgTypeError                  = "error"
	MsgTypePong                   = "pong"
)

// Envelope is the wire frame for every event in both directions.
type Envelope[T any] struct {
	Type    string `json:"type"`
	Payload T      `json:"payload"`
}

// Client -> Server payloads

type RoomRequest struct {
	Room string `json:"room"`
}

type AppointmentRequest struct {
	AppointmentID int64 `json:"appointment_id"`
}

type SendMessageRequest struct {
	AppointmentID int64  `json:"appointment_id"`
	Message       string `json:"message"`
	SenderType    Role   `json:"sender_type,omitempty"`
	SenderID      int64  `json:"sender_id,omitempty"`
}

type AppointmentResponseRequest struct {
	AppointmentID int64  `json:"appointment_id"`
	Action        string `json:"action"`
}

// Server -> Client payloads

type ConnectedPayload struct {
	ConnectionID string   `json:"connection_id"`
	UserID       int64    `json:"user_id"`
	Role         Role     `json:"role"`
	Rooms        []string `json:"rooms"`
}

type RoomPayload struct {
	Room string `json:"room"`
}

type RoomVerifiedPayload struct {
	Room   string `json:"room"`
	Status string `json:"status"`
}

type RoomMembershipPayload struct {
	Room         string `json:"room"`
	IsMember     bool   `json:"is_member"`
	ConnectionID string `json:"socket_id"`
}

type PreviousMessagesPayload struct {
	AppointmentID int64          `json:"appointment_id"`
	Messages      []*ChatMessage `json:"messages"`
}

type AppointmentUpdatedPayload struct {
	AppointmentID int64             `json:"appointment_id"`
	Status        AppointmentStatus `json:"status"`
	ChatActive    bool              `json:"chat_active"`
}

type ChatEndedPayload struct {
	AppointmentID int64     `json:"appointment_id"`
	EndedAt       time.Time `json:"ended_at"`
}

type PatientSnapshot struct {
	ID             int64  `json:"id"`
	Name           string `json:"name"`
	Age            int    `json:"age"`
	Gender         string `json:"gender,omitempty"`
	MedicalHistory string `json:"medical_history,omitempty"`
}

type AppointmentSnapshot struct {
	ID          int64           `json:"id"`
	PatientName string          `json:"patient_name"`
	Symptoms    string          `json:"symptoms"`
	Type        AppointmentType `json:"appointment_type"`
	StartTime   time.Time       `json:"start_time"`
	EndTime     time.Time       `json:"end_time"`
	Patient     PatientSnapshot `json:"patient"`
}

type AppointmentRequestPayload struct {
	Appointment AppointmentSnapshot `json:"appointment"`
}

type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
