package audit

import (
	"context"

	"github.com/rs/zerolog"

	"telehealth_core/internal/logging"
)

// Audit actions for the realtime core.
const (
	ActionConnect            = "realtime.connect"
	ActionConnectRejected    = "realtime.connect_rejected"
	ActionJoinRoom           = "realtime.join_room"
	ActionLeaveRoom          = "realtime.leave_room"
	ActionJoinChat           = "realtime.join_chat"
	ActionSendMessage        = "realtime.send_message"
	ActionEndChat            = "realtime.end_chat"
	ActionAppointmentDecided = "realtime.appointment_decided"
	ActionInstantRequest     = "realtime.instant_request"
	ActionDisconnect         = "realtime.disconnect"
)

const (
	FieldAction   = "action"
	FieldTargetID = "target_id"
	FieldDetail   = "detail"
)

// Log emits a structured audit entry through the context logger.
func Log(ctx context.Context, action string, userID int64, msg string) {
	entry(ctx, action, userID).Msg(msg)
}

// LogWithTarget emits an audit entry naming the room or appointment acted on.
func LogWithTarget(ctx context.Context, action string, userID int64, target string, msg string) {
	entry(ctx, action, userID).Str(FieldTargetID, target).Msg(msg)
}

// LogWithDetail emits an audit entry with a free-form detail, typically a rejection reason.
func LogWithDetail(ctx context.Context, action string, userID int64, detail string, msg string) {
	entry(ctx, action, userID).Str(FieldDetail, detail).Msg(msg)
}

func entry(ctx context.Context, action string, userID int64) *zerolog.Event {
	l := logging.Ctx(ctx)
	return l.Info().
		Str(logging.FieldLogType, logging.LogTypeAudit).
		Str(FieldAction, action).
		Int64(logging.FieldUserID, userID)
}
