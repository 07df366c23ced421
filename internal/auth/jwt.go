// Package auth verifies connection credentials and resolves them to an identity.
package auth

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"telehealth_core/internal/domain"
)

var (
	ErrInvalidToken = fmt.Errorf("%w: invalid token", domain.ErrAuthRejected)
	ErrExpiredToken = fmt.Errorf("%w: token has expired", domain.ErrAuthRejected)
)

// Claims carries the account id in the subject and the account role.
type Claims struct {
	Role domain.Role `json:"role"`
	jwt.RegisteredClaims
}

// AccountDirectory loads the account and profile records behind a token.
type AccountDirectory interface {
	GetUser(ctx context.Context, id int64) (*domain.User, error)
	GetDoctorByUserID(ctx context.Context, userID int64) (*domain.Doctor, error)
	GetPatientByUserID(ctx context.Context, userID int64) (*domain.Patient, error)
}

type JWTVerifier struct {
	secret []byte
	issuer string
	dir    AccountDirectory
}

func NewJWTVerifier(secret, issuer string, dir AccountDirectory) *JWTVerifier {
	return &JWTVerifier{secret: []byte(secret), issuer: issuer, dir: dir}
}

// ParseToken validates signature and registered claims only.
func (v *JWTVerifier) ParseToken(tokenString string) (*Claims, error) {
	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()})}
	if v.issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.issuer))
	}

	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (any, error) {
		return v.secret, nil
	}, opts...)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrExpiredToken
		}
		return nil, ErrInvalidToken
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

// Verify resolves a token to an identity. The account must exist, be active
// and own a doctor or patient profile. Any failure wraps domain.ErrAuthRejected.
func (v *JWTVerifier) Verify(ctx context.Context, tokenString string) (domain.Identity, error) {
	if tokenString == "" {
		return domain.Identity{}, fmt.Errorf("%w: missing token", domain.ErrAuthRejected)
	}
	claims, err := v.ParseToken(tokenString)
	if err != nil {
		return domain.Identity{}, err
	}
	userID, err := strconv.ParseInt(claims.Subject, 10, 64)
	if err != nil {
		return domain.Identity{}, ErrInvalidToken
	}

	user, err := v.dir.GetUser(ctx, userID)
	if err != nil {
		return domain.Identity{}, rejectLookup("account", err)
	}
	if !user.IsActive {
		return domain.Identity{}, fmt.Errorf("%w: account %d is inactive", domain.ErrAuthRejected, userID)
	}

	id := domain.Identity{UserID: user.ID, Role: user.Role}
	switch user.Role {
	case domain.RoleDoctor:
		d, err := v.dir.GetDoctorByUserID(ctx, user.ID)
		if err != nil {
			return domain.Identity{}, rejectLookup("doctor profile", err)
		}
		id.ProfileID = d.ID
	case domain.RolePatient:
		p, err := v.dir.GetPatientByUserID(ctx, user.ID)
		if err != nil {
			return domain.Identity{}, rejectLookup("patient profile", err)
		}
		id.ProfileID = p.ID
	default:
		return domain.Identity{}, fmt.Errorf("%w: role %q has no realtime access", domain.ErrAuthRejected, user.Role)
	}
	return id, nil
}

func rejectLookup(what string, err error) error {
	if errors.Is(err, domain.ErrNotFound) {
		return fmt.Errorf("%w: %s not found", domain.ErrAuthRejected, what)
	}
	return fmt.Errorf("%w: %s lookup failed: %v", domain.ErrAuthRejected, what, err)
}

// TokenIssuer signs tokens accepted by JWTVerifier.
type TokenIssuer struct {
	secret []byte
	issuer string
	ttl    time.Duration
}

func NewTokenIssuer(secret, issuer string, ttl time.Duration) *TokenIssuer {
	return &TokenIssuer{secret: []byte(secret), issuer: issuer, ttl: ttl}
}

func (i *TokenIssuer) Issue(userID int64, role domain.Role) (string, error) {
	now := time.Now()
	claims := Claims{
		Role: role,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    i.issuer,
			Subject:   strconv.FormatInt(userID, 10),
			ExpiresAt: jwt.NewNumericDate(now.Add(i.ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(i.secret)
}
