package client

import (
	"context"
	"sync"
)

// TokenSource yields the current principal's bearer token. An empty token
// means the caller is anonymous.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// TokenFunc adapts a function to TokenSource.
type TokenFunc func(ctx context.Context) (string, error)

func (f TokenFunc) Token(ctx context.Context) (string, error) {
	return f(ctx)
}

// StaticToken always returns the same token.
type StaticToken string

func (s StaticToken) Token(context.Context) (string, error) {
	return string(s), nil
}

// SessionToken holds the token of the logged in session. It is swapped on
// login and logout and read on every CONNECT and publish.
type SessionToken struct {
	mu    sync.RWMutex
	token string
}

func (s *SessionToken) Set(token string) {
	s.mu.Lock()
	s.token = token
	s.mu.Unlock()
}

func (s *SessionToken) Clear() {
	s.Set("")
}

func (s *SessionToken) Token(context.Context) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.token, nil
}

func resolveToken(ctx context.Context, src TokenSource) (string, error) {
	if src == nil {
		return "", nil
	}
	return src.Token(ctx)
}

func bearer(token string) string {
	return "Bearer " + token
}
