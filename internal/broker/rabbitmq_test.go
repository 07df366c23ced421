package broker

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"telehealth_core/internal/domain"
)

func TestRoutingKey(t *testing.T) {
	assert.Equal(t, "telehealth.message_created", RoutingKey(domain.EventTypeMessageCreated))
	assert.Equal(t, "telehealth.chat_ended", RoutingKey(domain.EventTypeChatEnded))
}

func TestNewMessage(t *testing.T) {
	id := uuid.MustParse("7c9e6679-7425-40de-944b-e07fc1f90ae7")
	event := &domain.OutboxEvent{
		ID:        id,
		EventType: domain.EventTypeAppointmentDecided,
		Payload:   json.RawMessage(`{"id":42,"status":"accepted"}`),
		CreatedAt: time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC),
	}

	body, err := json.Marshal(NewMessage(event))
	require.NoError(t, err)
	assert.JSONEq(t, `{
		"id": "7c9e6679-7425-40de-944b-e07fc1f90ae7",
		"event_type": "APPOINTMENT_DECIDED",
		"payload": {"id": 42, "status": "accepted"},
		"created_at": "2026-03-01T10:00:00.000Z"
	}`, string(body))
}
