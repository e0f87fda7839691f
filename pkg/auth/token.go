package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Principal is the verified identity behind a management API token.
type Principal struct {
	Subject string `json:"sub"`
	Role    string `json:"role"`
}

// ExtractToken extracts the JWT token from an Authorization header value.
// Supports "Bearer <token>" format.
func ExtractToken(authHeader string) (string, error) {
	if authHeader == "" {
		return "", errors.New("empty authorization header")
	}

	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return "", errors.New("invalid authorization header format")
	}

	token := strings.TrimSpace(parts[1])
	if token == "" {
		return "", errors.New("empty token")
	}

	return token, nil
}

// TokenAuth verifies HMAC-signed management tokens. The service never stores
// accounts; tokens are minted out-of-band with the shared secret.
type TokenAuth struct {
	SecretKey   []byte
	TokenExpiry time.Duration // Default: 24 hours
}

// NewTokenAuth creates a new token auth instance
func NewTokenAuth(secretKey string, expiry time.Duration) (*TokenAuth, error) {
	if secretKey == "" {
		return nil, errors.New("JWT secret key cannot be empty")
	}

	if expiry == 0 {
		expiry = 24 * time.Hour
	}

	return &TokenAuth{
		SecretKey:   []byte(secretKey),
		TokenExpiry: expiry,
	}, nil
}

// Claims represents the JWT token claims
type Claims struct {
	Subject string `json:"sub"`
	Role    string `json:"role"`
	jwt.RegisteredClaims
}

// GenerateToken mints a signed token for a subject. Used by the token CLI
// and by tests; the server itself only verifies.
func (a *TokenAuth) GenerateToken(subject, role string) (string, error) {
	claims := Claims{
		Subject: subject,
		Role:    role,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(a.TokenExpiry)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			NotBefore: jwt.NewNumericDate(time.Now()),
			Issuer:    "mongowatch",
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(a.SecretKey)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, nil
}

// VerifyToken verifies a token and returns the principal behind it.
func (a *TokenAuth) VerifyToken(tokenString string) (*Principal, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		// Verify signing method
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return a.SecretKey, nil
	})

	if err != nil {
		return nil, fmt.Errorf("failed to parse token: %w", err)
	}

	if claims, ok := token.Claims.(*Claims); ok && token.Valid {
		return &Principal{
			Subject: claims.Subject,
			Role:    claims.Role,
		}, nil
	}

	return nil, errors.New("invalid token")
}
