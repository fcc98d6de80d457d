// Package auth issues and verifies the HS256 tokens that guard the admin
// endpoints.
package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/dmitrijs2005/mediaingest/internal/common"
	"github.com/golang-jwt/jwt/v5"
)

// AdminRole is the only role accepted by the admin endpoints.
const AdminRole = "admin"

// Claims embeds the registered claims and carries the role of the holder.
type Claims struct {
	jwt.RegisteredClaims
	Role string `json:"role"`
}

// GenerateToken signs an admin token for subject valid for validityDuration.
func GenerateToken(subject string, secretKey []byte, validityDuration time.Duration) (string, error) {
	now := time.Now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(validityDuration)),
		},
		Role: AdminRole,
	})

	return token.SignedString(secretKey)
}

// VerifyAdminToken checks signature, expiry and role and returns the subject.
// Every failure wraps common.ErrInvalidToken.
func VerifyAdminToken(tokenString string, secretKey []byte) (string, error) {
	claims := &Claims{}

	token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (any, error) {
		return secretKey, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithExpirationRequired())
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return "", fmt.Errorf("%w: token expired", common.ErrInvalidToken)
		}
		return "", fmt.Errorf("%w: %v", common.ErrInvalidToken, err)
	}

	if !token.Valid || claims.Role != AdminRole {
		return "", common.ErrInvalidToken
	}

	return claims.Subject, nil
}
