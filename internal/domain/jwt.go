package domain

import (
	"github.com/golang-jwt/jwt/v5"
)

// Claims represents the bearer token claims accepted by the attachment API
type Claims struct {
	UserID string   `json:"user_id"`
	Roles  []string `json:"roles"`
	jwt.RegisteredClaims
}
