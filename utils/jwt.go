package utils

import (
	"errors"
	"time"

	"thephotocrm/models"

	"github.com/golang-jwt/jwt/v5"
)

// Claims identify the operator and the tenant they act for.
type Claims struct {
	UserID       uint   `json:"user_id"`
	TenantID     uint   `json:"tenant_id"`
	TokenVersion int    `json:"token_version"`
	SessionID    string `json:"session_id,omitempty"`
	jwt.RegisteredClaims
}

// GenerateJWTToken signs an access token for user. Tokens are normally issued
// by the auth service; this is used by operator tooling and tests.
func GenerateJWTToken(user *models.User, secret string, ttl time.Duration) (string, error) {
	claims := &Claims{
		UserID:       user.ID,
		TenantID:     user.TenantID,
		TokenVersion: user.TokenVersion,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(secret))
}

func ParseJWTToken(tokenString, secret string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return []byte(secret), nil
	})
	if err != nil {
		return nil, err
	}

	if claims, ok := token.Claims.(*Claims); ok && token.Valid {
		if claims.TenantID == 0 {
			return nil, errors.New("token carries no tenant")
		}
		return claims, nil
	}

	return nil, errors.New("invalid token")
}
