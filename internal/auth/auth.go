// Package auth authenticates API callers. Keys are presented as
// "<key-id>.<secret>" bearer tokens; only the bcrypt hash of the secret is
// stored. A verified key binds the request to the owning user id, which is
// what the quota gate runs against.
package auth

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"
)

var (
	ErrUnauthorized  = errors.New("unauthorized")
	ErrKeyNotFound   = errors.New("api key not found")
	ErrKeyRevoked    = errors.New("api key revoked")
	ErrInvalidSecret = errors.New("invalid api key secret")
)

type APIKey struct {
	ID         string
	UserID     string
	SecretHash string
	Active     bool
	CreatedAt  time.Time
}

type KeyStore interface {
	GetKey(ctx context.Context, id string) (*APIKey, error)
}

type Authenticator struct {
	keys KeyStore
}

func NewAuthenticator(keys KeyStore) *Authenticator {
	return &Authenticator{keys: keys}
}

// Authenticate verifies a bearer token and returns the owning user id.
func (a *Authenticator) Authenticate(ctx context.Context, token string) (string, error) {
	keyID, secret, ok := strings.Cut(token, ".")
	if !ok || keyID == "" || secret == "" {
		return "", ErrUnauthorized
	}

	key, err := a.keys.GetKey(ctx, keyID)
	if err != nil {
		return "", ErrKeyNotFound
	}
	if !key.Active {
		return "", ErrKeyRevoked
	}

	if err := bcrypt.CompareHashAndPassword([]byte(key.SecretHash), []byte(secret)); err != nil {
		return "", ErrInvalidSecret
	}

	return key.UserID, nil
}

func HashSecret(secret string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

type contextKey string

const userIDContextKey contextKey = "auth_user_id"

func WithUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, userIDContextKey, userID)
}

func UserIDFromContext(ctx context.Context) (string, bool) {
	userID, ok := ctx.Value(userIDContextKey).(string)
	return userID, ok
}

// Middleware rejects requests without a valid bearer token and stamps the
// authenticated user id onto the request context.
type Middleware struct {
	auth *Authenticator
}

func NewMiddleware(auth *Authenticator) *Middleware {
	return &Middleware{auth: auth}
}

func (m *Middleware) RequireKey(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := ExtractBearerToken(r)
		if token == "" {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}

		userID, err := m.auth.Authenticate(r.Context(), token)
		if err != nil {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}

		next.ServeHTTP(w, r.WithContext(WithUserID(r.Context(), userID)))
	})
}

func ExtractBearerToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	if strings.HasPrefix(header, "Bearer ") {
		return strings.TrimPrefix(header, "Bearer ")
	}
	return ""
}

type PostgresKeyStore struct {
	db *sql.DB
}

func NewPostgresKeyStore(db *sql.DB) *PostgresKeyStore {
	return &PostgresKeyStore{db: db}
}

func (s *PostgresKeyStore) GetKey(ctx context.Context, id string) (*APIKey, error) {
	query := `
		SELECT id, user_id, secret_hash, active, created_at
		FROM api_keys
		WHERE id = $1
	`

	var key APIKey
	err := s.db.QueryRowContext(ctx, query, id).Scan(
		&key.ID,
		&key.UserID,
		&key.SecretHash,
		&key.Active,
		&key.CreatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrKeyNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query api key: %w", err)
	}

	return &key, nil
}

// MemoryKeyStore serves tests and keyless local development.
type MemoryKeyStore struct {
	keys map[string]*APIKey
}

func NewMemoryKeyStore() *MemoryKeyStore {
	return &MemoryKeyStore{keys: make(map[string]*APIKey)}
}

func (s *MemoryKeyStore) PutKey(key *APIKey) {
	s.keys[key.ID] = key
}

func (s *MemoryKeyStore) GetKey(ctx context.Context, id string) (*APIKey, error) {
	key, ok := s.keys[id]
	if !ok {
		return nil, ErrKeyNotFound
	}
	return key, nil
}
