package auth

import (
	"errors"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/mikepea/cloudsync/pkg/cloudsync/config"
)

var (
	ErrInvalidToken = errors.New("invalid token")
	ErrExpiredToken = errors.New("token has expired")
)

// Claims represents the JWT claims
type Claims struct {
	UserID     uint   `json:"user_id"`
	Email      string `json:"email"`
	SystemRole string `json:"system_role"`
	jwt.RegisteredClaims
}

var settings = struct {
	sync.RWMutex
	secret []byte
	ttl    time.Duration
}{
	secret: []byte(config.Default().Auth.JWTSecret),
	ttl:    config.Default().Auth.TokenTTL,
}

// Configure sets the signing secret and token lifetime
func Configure(cfg config.AuthConfig) {
	settings.Lock()
	defer settings.Unlock()
	if cfg.JWTSecret != "" {
		settings.secret = []byte(cfg.JWTSecret)
	}
	if cfg.TokenTTL > 0 {
		settings.ttl = cfg.TokenTTL
	}
}

func signingKey() ([]byte, time.Duration) {
	settings.RLock()
	defer settings.RUnlock()
	return settings.secret, settings.ttl
}

// GenerateToken creates a new JWT token for a user
func GenerateToken(userID uint, email string, systemRole string) (string, error) {
	secret, ttl := signingKey()
	now := time.Now()
	claims := &Claims{
		UserID:     userID,
		Email:      email,
		SystemRole: systemRole,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
			Issuer:    "cloudsync",
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(secret)
}

// ValidateToken validates a JWT token and returns the claims
func ValidateToken(tokenString string) (*Claims, error) {
	secret, _ := signingKey()
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, ErrInvalidToken
		}
		return secret, nil
	})

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
