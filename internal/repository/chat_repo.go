package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"telehealth_core/internal/domain"

	"github.com/google/uuid"
)

// PostgresStore reads accounts, profiles and appointments and owns the chat
// fields of appointments plus the chat_messages table. Every mutation commits
// together with its outbox row.
type PostgresStore struct {
	db         *sql.DB
	outboxRepo OutboxRepository
}

func NewPostgresStore(db *sql.DB, outboxRepo OutboxRepository) *PostgresStore {
	return &PostgresStore{
		db:         db,
		outboxRepo: outboxRepo,
	}
}

const appointmentCols = `id, patient_id, doctor_id, appointment_type, status, COALESCE(symptoms, ''),
	start_time, end_time, chat_active, chat_ended_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAppointment(row rowScanner) (*domain.Appointment, error) {
	var a domain.Appointment
	var endedAt sql.NullTime
	if err := row.Scan(&a.ID, &a.PatientID, &a.DoctorID, &a.Type, &a.Status, &a.Symptoms,
		&a.StartTime, &a.EndTime, &a.ChatActive, &endedAt); err != nil {
		return nil, err
	}
	if endedAt.Valid {
		t := endedAt.Time
		a.ChatEndedAt = &t
	}
	return &a, nil
}

func notFound(err error, what string, id int64) error {
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%s %d: %w", what, id, domain.ErrNotFound)
	}
	return fmt.Errorf("failed to load %s %d: %w", what, id, err)
}

func (s *PostgresStore) GetUser(ctx context.Context, id int64) (*domain.User, error) {
	var u domain.User
	err := s.db.QueryRowContext(ctx, `
		SELECT id, email, role, is_active FROM users WHERE id = $1
	`, id).Scan(&u.ID, &u.Email, &u.Role, &u.IsActive)
	if err != nil {
		return nil, notFound(err, "user", id)
	}
	return &u, nil
}

const doctorCols = `id, user_id, name, specialization, is_approved, instant_available`

func (s *PostgresStore) scanDoctor(row rowScanner, key int64) (*domain.Doctor, error) {
	var d domain.Doctor
	if err := row.Scan(&d.ID, &d.UserID, &d.Name, &d.Specialization, &d.IsApproved, &d.InstantAvailable); err != nil {
		return nil, notFound(err, "doctor", key)
	}
	return &d, nil
}

func (s *PostgresStore) GetDoctor(ctx context.Context, id int64) (*domain.Doctor, error) {
	return s.scanDoctor(s.db.QueryRowContext(ctx, `SELECT `+doctorCols+` FROM doctors WHERE id = $1`, id), id)
}

func (s *PostgresStore) GetDoctorByUserID(ctx context.Context, userID int64) (*domain.Doctor, error) {
	return s.scanDoctor(s.db.QueryRowContext(ctx, `SELECT `+doctorCols+` FROM doctors WHERE user_id = $1`, userID), userID)
}

const patientCols = `id, user_id, name, age, COALESCE(gender, ''), COALESCE(medical_history, '')`

func (s *PostgresStore) scanPatient(row rowScanner, key int64) (*domain.Patient, error) {
	var p domain.Patient
	if err := row.Scan(&p.ID, &p.UserID, &p.Name, &p.Age, &p.Gender, &p.MedicalHistory); err != nil {
		return nil, notFound(err, "patient", key)
	}
	return &p, nil
}

func (s *PostgresStore) GetPatient(ctx context.Context, id int64) (*domain.Patient, error) {
	return s.scanPatient(s.db.QueryRowContext(ctx, `SELECT `+patientCols+` FROM patients WHERE id = $1`, id), id)
}

func (s *PostgresStore) GetPatientByUserID(ctx context.Context, userID int64) (*domain.Patient, error) {
	return s.scanPatient(s.db.QueryRowContext(ctx, `SELECT `+patientCols+` FROM patients WHERE user_id = $1`, userID), userID)
}

func (s *PostgresStore) GetAppointment(ctx context.Context, id int64) (*domain.Appointment, error) {
	a, err := scanAppointment(s.db.QueryRowContext(ctx, `SELECT `+appointmentCols+` FROM appointments WHERE id = $1`, id))
	if err != nil {
		return nil, notFound(err, "appointment", id)
	}
	return a, nil
}

// UpdateAppointmentStatus moves an appointment from one status to another and
// sets the chat flag in the same statement. It fails with ErrInvalidState when
// the stored status is no longer from.
func (s *PostgresStore) UpdateAppointmentStatus(ctx context.Context, id int64, from, to domain.AppointmentStatus, chatActive bool) (*domain.Appointment, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	appt, err := scanAppointment(tx.QueryRowContext(ctx, `
		UPDATE appointments SET status = $3, chat_active = $4
		WHERE id = $1 AND status = $2
		RETURNING `+appointmentCols,
		id, from, to, chatActive))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, s.explainMiss(ctx, tx, id, domain.ErrInvalidState)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to update appointment %d: %w", id, err)
	}

	if err := s.saveEvent(ctx, tx, domain.EventTypeAppointmentDecided, appt); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit appointment %d: %w", id, err)
	}
	return appt, nil
}

// EndChat clears the chat flag and stamps the end time. Only an active chat can end.
func (s *PostgresStore) EndChat(ctx context.Context, id int64, endedAt time.Time) (*domain.Appointment, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	appt, err := scanAppointment(tx.QueryRowContext(ctx, `
		UPDATE appointments SET chat_active = FALSE, chat_ended_at = $2
		WHERE id = $1 AND chat_active AND status = 'accepted' AND chat_ended_at IS NULL
		RETURNING `+appointmentCols,
		id, endedAt))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, s.explainMiss(ctx, tx, id, domain.ErrChatNotActive)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to end chat %d: %w", id, err)
	}

	if err := s.saveEvent(ctx, tx, domain.EventTypeChatEnded, appt); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit chat end %d: %w", id, err)
	}
	return appt, nil
}

// AppendChatMessage inserts msg after locking its appointment and checking that
// the chat is active. ID and SentAt are assigned by the database.
func (s *PostgresStore) AppendChatMessage(ctx context.Context, msg *domain.ChatMessage) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var status domain.AppointmentStatus
	var active bool
	err = tx.QueryRowContext(ctx, `
		SELECT status, chat_active FROM appointments WHERE id = $1 FOR UPDATE
	`, msg.AppointmentID).Scan(&status, &active)
	if err != nil {
		return notFound(err, "appointment", msg.AppointmentID)
	}
	if !active || status != domain.StatusAccepted {
		return fmt.Errorf("appointment %d: %w", msg.AppointmentID, domain.ErrChatNotActive)
	}

	err = tx.QueryRowContext(ctx, `
		INSERT INTO chat_messages (appointment_id, sender_type, sender_id, message, sent_at, is_read)
		VALUES ($1, $2, $3, $4, NOW(), FALSE)
		RETURNING id, sent_at
	`, msg.AppointmentID, msg.SenderRole, msg.SenderID, msg.Text).Scan(&msg.ID, &msg.SentAt)
	if err != nil {
		return fmt.Errorf("failed to insert message: %w", err)
	}

	if err := s.saveEvent(ctx, tx, domain.EventTypeMessageCreated, msg); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *PostgresStore) ListChatMessages(ctx context.Context, appointmentID int64) ([]*domain.ChatMessage, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, appointment_id, sender_type, sender_id, message, sent_at, is_read
		FROM chat_messages
		WHERE appointment_id = $1
		ORDER BY sent_at ASC, id ASC
	`, appointmentID)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch messages: %w", err)
	}
	defer rows.Close()

	messages := []*domain.ChatMessage{}
	for rows.Next() {
		var m domain.ChatMessage
		if err := rows.Scan(&m.ID, &m.AppointmentID, &m.SenderRole, &m.SenderID, &m.Text, &m.SentAt, &m.IsRead); err != nil {
			return nil, err
		}
		messages = append(messages, &m)
	}
	return messages, rows.Err()
}

// explainMiss tells a missing appointment apart from one in the wrong state.
func (s *PostgresStore) explainMiss(ctx context.Context, tx *sql.Tx, id int64, stateErr error) error {
	var exists bool
	if err := tx.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM appointments WHERE id = $1)`, id).Scan(&exists); err != nil {
		return fmt.Errorf("failed to check appointment %d: %w", id, err)
	}
	if !exists {
		return fmt.Errorf("appointment %d: %w", id, domain.ErrNotFound)
	}
	return fmt.Errorf("appointment %d: %w", id, stateErr)
}

func (s *PostgresStore) saveEvent(ctx context.Context, tx *sql.Tx, eventType string, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal %s payload: %w", eventType, err)
	}
	event := &domain.OutboxEvent{
		ID:        uuid.New(),
		EventType: eventType,
		Payload:   payload,
		CreatedAt: time.Now(),
	}
	if err := s.outboxRepo.Save(ctx, tx, event); err != nil {
		return fmt.Errorf("failed to save outbox event: %w", err)
	}
	return nil
}
