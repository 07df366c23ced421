package logging

const (
	FieldRequestID = "request_id"
	FieldMethod    = "method"
	FieldPath      = "path"
	FieldStatus    = "status"
	FieldLatency   = "latency_ms"
	FieldClientIP  = "client_ip"

	FieldUserID        = "user_id"
	FieldRole          = "role"
	FieldConnectionID  = "connection_id"
	FieldRoom          = "room"
	FieldAppointmentID = "appointment_id"
	FieldEventType     = "event_type"
	FieldRecipients    = "recipients"

	FieldService   = "service"
	FieldNodeID    = "node_id"
	FieldComponent = "component"

	FieldLogType = "log_type"
	LogTypeAudit = "audit"
)

const headerRequestID = "X-Request-ID"
