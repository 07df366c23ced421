package rooms

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"telehealth_core/internal/domain"
)

type fakeDirectory struct {
	appointments map[int64]*domain.Appointment
	patients     map[int64]*domain.Patient
}

func (f *fakeDirectory) GetAppointment(_ context.Context, id int64) (*domain.Appointment, error) {
	a, ok := f.appointments[id]
	if !ok {
		return nil, fmt.Errorf("appointment %d: %w", id, domain.ErrNotFound)
	}
	return a, nil
}

func (f *fakeDirectory) GetPatient(_ context.Context, id int64) (*domain.Patient, error) {
	p, ok := f.patients[id]
	if !ok {
		return nil, fmt.Errorf("patient %d: %w", id, domain.ErrNotFound)
	}
	return p, nil
}

func newFakeDirectory() *fakeDirectory {
	return &fakeDirectory{
		appointments: map[int64]*domain.Appointment{
			42: {ID: 42, PatientID: 8, DoctorID: 3},
			43: {ID: 43, PatientID: 8, DoctorID: 3},
		},
		patients: map[int64]*domain.Patient{
			8: {ID: 8, UserID: 80},
		},
	}
}

func TestCanonical(t *testing.T) {
	id, err := Canonical(KindDoctor, 5)
	require.NoError(t, err)
	assert.Equal(t, ID("doctor:5"), id)

	a, err := Canonical(KindSession, 8, 3)
	require.NoError(t, err)
	b, err := Canonical(KindSession, 3, 8)
	require.NoError(t, err)
	assert.Equal(t, ID("session:3_8"), a)
	assert.Equal(t, a, b)

	_, err = Canonical(KindSession, 1)
	assert.Error(t, err)
	_, err = Canonical(KindChat)
	assert.Error(t, err)
	_, err = Canonical(Kind("lobby"), 1)
	assert.Error(t, err)
}

func TestParse(t *testing.T) {
	id, err := Parse("session:9_2")
	require.NoError(t, err)
	assert.Equal(t, ID("session:2_9"), id)
	assert.Equal(t, KindSession, id.Kind())

	id, err = Parse("chat:042")
	require.NoError(t, err)
	assert.Equal(t, ID("chat:42"), id)

	for _, bad := range []string{"", "doctor", "doctor:", "doctor:x", "lobby:1", "session:1", "session:a_b"} {
		_, err := Parse(bad)
		assert.Error(t, err, bad)
	}
}

func TestParseScheme(t *testing.T) {
	s, err := ParseScheme(" Pair ")
	require.NoError(t, err)
	assert.Equal(t, SchemePair, s)

	_, err = ParseScheme("both")
	assert.Error(t, err)

	_, err = NewRouter(newFakeDirectory(), Scheme("both"))
	assert.Error(t, err)
}

func TestRouter_DefaultRooms(t *testing.T) {
	r, err := NewRouter(newFakeDirectory(), SchemeAppointment)
	require.NoError(t, err)

	assert.Equal(t, []ID{"doctor:3"}, r.DefaultRooms(domain.Identity{UserID: 30, Role: domain.RoleDoctor, ProfileID: 3}))
	assert.Equal(t, []ID{"patient:80"}, r.DefaultRooms(domain.Identity{UserID: 80, Role: domain.RolePatient, ProfileID: 8}))
	assert.Empty(t, r.DefaultRooms(domain.Identity{UserID: 1, Role: domain.RoleAdmin}))
}

func TestRouter_PatientRoomForProfileUsesAccountID(t *testing.T) {
	r, err := NewRouter(newFakeDirectory(), SchemeAppointment)
	require.NoError(t, err)

	room, err := r.PatientRoomForProfile(context.Background(), 8)
	require.NoError(t, err)
	assert.Equal(t, ID("patient:80"), room)

	_, err = r.PatientRoomForProfile(context.Background(), 99)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestRouter_ChatRoomSchemes(t *testing.T) {
	ctx := context.Background()

	perAppointment, err := NewRouter(newFakeDirectory(), SchemeAppointment)
	require.NoError(t, err)
	r42, _, err := perAppointment.ChatRoomFor(ctx, 42)
	require.NoError(t, err)
	r43, _, err := perAppointment.ChatRoomFor(ctx, 43)
	require.NoError(t, err)
	assert.Equal(t, ID("chat:42"), r42)
	assert.NotEqual(t, r42, r43)

	pair, err := NewRouter(newFakeDirectory(), SchemePair)
	require.NoError(t, err)
	p42, appt, err := pair.ChatRoomFor(ctx, 42)
	require.NoError(t, err)
	p43, _, err := pair.ChatRoomFor(ctx, 43)
	require.NoError(t, err)
	assert.Equal(t, ID("session:3_8"), p42)
	assert.Equal(t, p42, p43)
	assert.Equal(t, int64(42), appt.ID)

	_, _, err = pair.ChatRoomFor(ctx, 1)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestRouter_Permits(t *testing.T) {
	ctx := context.Background()
	doctor := domain.Identity{UserID: 30, Role: domain.RoleDoctor, ProfileID: 3}
	patient := domain.Identity{UserID: 80, Role: domain.RolePatient, ProfileID: 8}
	stranger := domain.Identity{UserID: 90, Role: domain.RolePatient, ProfileID: 9}

	r, err := NewRouter(newFakeDirectory(), SchemeAppointment)
	require.NoError(t, err)

	cases := []struct {
		name string
		id   domain.Identity
		room ID
		want bool
	}{
		{"own doctor room", doctor, "doctor:3", true},
		{"foreign doctor room", patient, "doctor:3", false},
		{"own patient room", patient, "patient:80", true},
		{"foreign patient room", stranger, "patient:80", false},
		{"participant chat", patient, "chat:42", true},
		{"doctor chat", doctor, "chat:43", true},
		{"outsider chat", stranger, "chat:42", false},
		{"session room", patient, "session:3_8", false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ok, err := r.Permits(ctx, tc.id, tc.room)
			require.NoError(t, err)
			assert.Equal(t, tc.want, ok)
		})
	}

	_, err = r.Permits(ctx, patient, "chat:1")
	assert.ErrorIs(t, err, domain.ErrNotFound)

	pair, err := NewRouter(newFakeDirectory(), SchemePair)
	require.NoError(t, err)
	ok, err := pair.Permits(ctx, patient, "chat:42")
	require.NoError(t, err)
	assert.False(t, ok)
}
