// Package auth validates the bearer tokens issued by the account service. Players
// sign in elsewhere; this service only checks tokens.
package auth

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// Issuer is the iss claim of tokens accepted by this service.
const Issuer = "twotruths"

var (
	ErrInvalidToken = errors.New("invalid token")
)

// Role is the access level carried in a token.
type Role string

const (
	RolePlayer Role = "player"
	// RoleAdmin can read operational endpoints such as the upload queue.
	RoleAdmin Role = "admin"
)

func (r Role) known() bool { return r == RolePlayer || r == RoleAdmin }

// Claims holds the player identity carried by a token.
type Claims struct {
	UserID uuid.UUID `json:"user_id"`
	Role   Role      `json:"role"`
	jwt.RegisteredClaims
}

// JWTService validates tokens and issues short-lived service tokens.
type JWTService struct {
	secret      []byte
	expireHours int
	now         func() time.Time
}

// NewJWTService creates a JWT service.
func NewJWTService(secret string, expireHours int) *JWTService {
	return &JWTService{
		secret:      []byte(secret),
		expireHours: expireHours,
		now:         time.Now,
	}
}

// Generate creates a token for userID. Used by tooling and tests; players get theirs
// from the account service.
func (s *JWTService) Generate(userID uuid.UUID, role Role) (string, error) {
	now := s.now()
	claims := Claims{
		UserID: userID,
		Role:   role,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    Issuer,
			Subject:   userID.String(),
			ExpiresAt: jwt.NewNumericDate(now.Add(time.Duration(s.expireHours) * time.Hour)),
			IssuedAt:  jwt.NewNumericDate(now),
			ID:        uuid.New().String(),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(s.secret)
}

// Validate parses and validates a JWT, returning claims or ErrInvalidToken. A token
// without a role is a player token; an unknown role is rejected.
func (s *JWTService) Validate(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(t *jwt.Token) (interface{}, error) {
		return s.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(Issuer),
		jwt.WithLeeway(30*time.Second),
		jwt.WithTimeFunc(s.now),
	)
	if err != nil {
		return nil, ErrInvalidToken
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid || claims.UserID == uuid.Nil {
		return nil, ErrInvalidToken
	}
	if claims.Role == "" {
		claims.Role = RolePlayer
	}
	if !claims.Role.known() {
		return nil, ErrInvalidToken
	}
	return claims, nil
}
