package auth

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func newStoreWithKey(t *testing.T, id, userID, secret string, active bool) *MemoryKeyStore {
	t.Helper()
	hash, err := HashSecret(secret)
	if err != nil {
		t.Fatalf("hash secret: %v", err)
	}
	store := NewMemoryKeyStore()
	store.PutKey(&APIKey{
		ID:         id,
		UserID:     userID,
		SecretHash: hash,
		Active:     active,
		CreatedAt:  time.Now().UTC(),
	})
	return store
}

func TestAuthenticate(t *testing.T) {
	store := newStoreWithKey(t, "key1", "u1", "s3cret", true)
	auth := NewAuthenticator(store)

	tests := []struct {
		name    string
		token   string
		wantErr error
		wantUID string
	}{
		{name: "valid token", token: "key1.s3cret", wantUID: "u1"},
		{name: "wrong secret", token: "key1.wrong", wantErr: ErrInvalidSecret},
		{name: "unknown key id", token: "nope.s3cret", wantErr: ErrKeyNotFound},
		{name: "missing separator", token: "key1s3cret", wantErr: ErrUnauthorized},
		{name: "empty secret", token: "key1.", wantErr: ErrUnauthorized},
		{name: "empty token", token: "", wantErr: ErrUnauthorized},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			userID, err := auth.Authenticate(context.Background(), tt.token)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("error = %v, want %v", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if userID != tt.wantUID {
				t.Errorf("user id = %q, want %q", userID, tt.wantUID)
			}
		})
	}
}

func TestAuthenticate_RevokedKey(t *testing.T) {
	store := newStoreWithKey(t, "key1", "u1", "s3cret", false)
	auth := NewAuthenticator(store)

	_, err := auth.Authenticate(context.Background(), "key1.s3cret")
	if !errors.Is(err, ErrKeyRevoked) {
		t.Errorf("error = %v, want ErrKeyRevoked", err)
	}
}

func TestAuthenticate_SecretContainingDot(t *testing.T) {
	// Only the first dot splits; the secret may contain more.
	store := newStoreWithKey(t, "key1", "u1", "se.cr.et", true)
	auth := NewAuthenticator(store)

	userID, err := auth.Authenticate(context.Background(), "key1.se.cr.et")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if userID != "u1" {
		t.Errorf("user id = %q", userID)
	}
}

func TestRequireKey(t *testing.T) {
	store := newStoreWithKey(t, "key1", "u1", "s3cret", true)
	mw := NewMiddleware(NewAuthenticator(store))

	var gotUserID string
	var called bool
	handler := mw.RequireKey(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
		gotUserID, _ = UserIDFromContext(r.Context())
	}))

	t.Run("valid key reaches handler", func(t *testing.T) {
		called = false
		w := httptest.NewRecorder()
		r := httptest.NewRequest(http.MethodGet, "/", nil)
		r.Header.Set("Authorization", "Bearer key1.s3cret")
		handler.ServeHTTP(w, r)

		if !called {
			t.Fatal("handler not called")
		}
		if gotUserID != "u1" {
			t.Errorf("context user id = %q, want u1", gotUserID)
		}
	})

	t.Run("missing header is rejected", func(t *testing.T) {
		called = false
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))

		if w.Code != http.StatusUnauthorized {
			t.Errorf("status = %d, want 401", w.Code)
		}
		if called {
			t.Error("handler must not run without credentials")
		}
	})

	t.Run("bad secret is rejected", func(t *testing.T) {
		called = false
		w := httptest.NewRecorder()
		r := httptest.NewRequest(http.MethodGet, "/", nil)
		r.Header.Set("Authorization", "Bearer key1.wrong")
		handler.ServeHTTP(w, r)

		if w.Code != http.StatusUnauthorized {
			t.Errorf("status = %d, want 401", w.Code)
		}
		if called {
			t.Error("handler must not run with a bad secret")
		}
	})
}

func TestExtractBearerToken(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	if got := ExtractBearerToken(r); got != "" {
		t.Errorf("no header should yield empty token, got %q", got)
	}

	r.Header.Set("Authorization", "Basic dXNlcjpwYXNz")
	if got := ExtractBearerToken(r); got != "" {
		t.Errorf("non-bearer scheme should yield empty token, got %q", got)
	}

	r.Header.Set("Authorization", "Bearer key1.s3cret")
	if got := ExtractBearerToken(r); got != "key1.s3cret" {
		t.Errorf("token = %q", got)
	}
}

func TestUserIDFromContext_Absent(t *testing.T) {
	if _, ok := UserIDFromContext(context.Background()); ok {
		t.Error("bare context should carry no user id")
	}
}
