package server

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrInvalidToken = errors.New("invalid token")
	ErrExpiredToken = errors.New("token expired")
	ErrMissingToken = errors.New("missing token")
)

// Claims represents the JWT claims accepted on CONNECT and the task API
type Claims struct {
	Login string `json:"login,omitempty"`
	jwt.RegisteredClaims
}

// Authenticator validates HS256 bearer tokens. Without a secret every caller is
// anonymous and accepted.
type Authenticator struct {
	secret   []byte
	required bool
}

func NewAuthenticator(secret string, required bool) *Authenticator {
	return &Authenticator{secret: []byte(secret), required: required && secret != ""}
}

func (a *Authenticator) Enabled() bool {
	return a != nil && len(a.secret) > 0
}

// Mint signs a token for login, mainly for development and tests.
func (a *Authenticator) Mint(login string, ttl time.Duration) (string, error) {
	if !a.Enabled() {
		return "", errors.New("no signing secret configured")
	}
	now := time.Now()
	claims := Claims{
		Login: login,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   login,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(a.secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, nil
}

func (a *Authenticator) parse(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return a.secret, nil
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

// Authorize checks an Authorization header value. It returns the login, or ""
// for an accepted anonymous caller.
func (a *Authenticator) Authorize(header string) (string, error) {
	if !a.Enabled() {
		return "", nil
	}

	token, ok := strings.CutPrefix(strings.TrimSpace(header), "Bearer ")
	if !ok || token == "" {
		if a.required {
			return "", ErrMissingToken
		}
		return "", nil
	}

	claims, err := a.parse(token)
	if err != nil {
		return "", err
	}
	if claims.Login != "" {
		return claims.Login, nil
	}
	return claims.Subject, nil
}

// Middleware rejects HTTP requests that fail Authorize.
func (a *Authenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, err := a.Authorize(r.Header.Get("Authorization")); err != nil {
			http.Error(w, err.Error(), http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}
