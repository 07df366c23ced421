package auth

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"telehealth_core/internal/domain"
	"telehealth_core/internal/repository"
)

const testSecret = "test-secret"

func newDirectory() *repository.MemoryStore {
	s := repository.NewMemoryStore()
	s.AddUser(domain.User{ID: 50, Role: domain.RoleDoctor, IsActive: true})
	s.AddDoctor(domain.Doctor{ID: 5, UserID: 50, Name: "Dr. Five"})
	s.AddUser(domain.User{ID: 70, Role: domain.RolePatient, IsActive: true})
	s.AddPatient(domain.Patient{ID: 7, UserID: 70, Name: "Pat"})
	s.AddUser(domain.User{ID: 71, Role: domain.RolePatient, IsActive: false})
	s.AddPatient(domain.Patient{ID: 8, UserID: 71})
	s.AddUser(domain.User{ID: 72, Role: domain.RolePatient, IsActive: true})
	s.AddUser(domain.User{ID: 1, Role: domain.RoleAdmin, IsActive: true})
	return s
}

func TestJWTVerifier_Verify(t *testing.T) {
	ctx := context.Background()
	v := NewJWTVerifier(testSecret, "telehealth", newDirectory())
	issuer := NewTokenIssuer(testSecret, "telehealth", time.Hour)

	token, err := issuer.Issue(50, domain.RoleDoctor)
	require.NoError(t, err)
	id, err := v.Verify(ctx, token)
	require.NoError(t, err)
	assert.Equal(t, domain.Identity{UserID: 50, Role: domain.RoleDoctor, ProfileID: 5}, id)

	token, err = issuer.Issue(70, domain.RolePatient)
	require.NoError(t, err)
	id, err = v.Verify(ctx, token)
	require.NoError(t, err)
	assert.Equal(t, domain.Identity{UserID: 70, Role: domain.RolePatient, ProfileID: 7}, id)
}

func TestJWTVerifier_Rejects(t *testing.T) {
	ctx := context.Background()
	v := NewJWTVerifier(testSecret, "telehealth", newDirectory())
	good := NewTokenIssuer(testSecret, "telehealth", time.Hour)

	mustIssue := func(i *TokenIssuer, userID int64) string {
		tok, err := i.Issue(userID, domain.RolePatient)
		require.NoError(t, err)
		return tok
	}

	tests := []struct {
		name  string
		token string
	}{
		{"empty", ""},
		{"garbage", "not-a-jwt"},
		{"wrong secret", mustIssue(NewTokenIssuer("other", "telehealth", time.Hour), 70)},
		{"wrong issuer", mustIssue(NewTokenIssuer(testSecret, "elsewhere", time.Hour), 70)},
		{"expired", mustIssue(NewTokenIssuer(testSecret, "telehealth", -time.Minute), 70)},
		{"unknown account", mustIssue(good, 999)},
		{"inactive account", mustIssue(good, 71)},
		{"missing profile", mustIssue(good, 72)},
		{"admin", mustIssue(good, 1)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := v.Verify(ctx, tt.token)
			assert.ErrorIs(t, err, domain.ErrAuthRejected)
		})
	}
}

func TestJWTVerifier_ExpiredIsDistinct(t *testing.T) {
	v := NewJWTVerifier(testSecret, "", newDirectory())
	tok, err := NewTokenIssuer(testSecret, "", -time.Minute).Issue(70, domain.RolePatient)
	require.NoError(t, err)

	_, err = v.ParseToken(tok)
	assert.True(t, errors.Is(err, ErrExpiredToken))
}

func TestJWTVerifier_RejectsNonHMAC(t *testing.T) {
	v := NewJWTVerifier(testSecret, "", newDirectory())
	tok, err := jwt.NewWithClaims(jwt.SigningMethodNone, Claims{
		RegisteredClaims: jwt.RegisteredClaims{Subject: "70"},
	}).SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)

	_, err = v.Verify(context.Background(), tok)
	assert.ErrorIs(t, err, ErrInvalidToken)
}
