package auth

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	firebaseauth "firebase.google.com/go/v4/auth"
)

type stubVerifier struct {
	verifyFn func(ctx context.Context, idToken string) (*firebaseauth.Token, error)
}

func (s *stubVerifier) VerifyIDToken(ctx context.Context, idToken string) (*firebaseauth.Token, error) {
	return s.verifyFn(ctx, idToken)
}

func TestRequireFirebaseAuthStoresIdentity(t *testing.T) {
	verifier := &stubVerifier{
		verifyFn: func(_ context.Context, idToken string) (*firebaseauth.Token, error) {
			if idToken != "token-123" {
				t.Fatalf("unexpected token: %s", idToken)
			}
			return &firebaseauth.Token{
				UID: "user-1",
				Claims: map[string]interface{}{
					"email": "buyer@example.com",
					"roles": []interface{}{"user", "seller"},
				},
			}, nil
		},
	}

	var captured *Identity
	handler := NewAuthenticator(verifier).RequireFirebaseAuth()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		identity, ok := IdentityFromContext(r.Context())
		if !ok {
			t.Fatal("expected identity in context")
		}
		captured = identity
		w.WriteHeader(http.StatusNoContent)
	}))

	req := httptest.NewRequest(http.MethodGet, "/v1/me/orders", nil)
	req.Header.Set("Authorization", "Bearer token-123")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusNoContent {
		t.Fatalf("unexpected status: %d", rec.Code)
	}
	if captured.UID != "user-1" {
		t.Errorf("unexpected uid: %s", captured.UID)
	}
	if captured.Email != "buyer@example.com" {
		t.Errorf("unexpected email: %s", captured.Email)
	}
	if !captured.HasRole("seller") {
		t.Errorf("expected seller role, got %v", captured.Roles)
	}
}

func TestRequireFirebaseAuthMissingHeader(t *testing.T) {
	handler := NewAuthenticator(&stubVerifier{}).RequireFirebaseAuth()(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		t.Fatal("handler should not run")
	}))

	req := httptest.NewRequest(http.MethodGet, "/v1/me/orders", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("unexpected status: %d", rec.Code)
	}
}

func TestRequireFirebaseAuthInvalidToken(t *testing.T) {
	verifier := &stubVerifier{
		verifyFn: func(_ context.Context, _ string) (*firebaseauth.Token, error) {
			return nil, errors.New("verification failed")
		},
	}

	handler := NewAuthenticator(verifier).RequireFirebaseAuth()(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		t.Fatal("handler should not run")
	}))

	req := httptest.NewRequest(http.MethodGet, "/v1/me/orders", nil)
	req.Header.Set("Authorization", "Bearer bad-token")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("unexpected status: %d", rec.Code)
	}
}

func TestRequireFirebaseAuthRoleGate(t *testing.T) {
	verifier := &stubVerifier{
		verifyFn: func(_ context.Context, _ string) (*firebaseauth.Token, error) {
			return &firebaseauth.Token{
				UID:    "user-2",
				Claims: map[string]interface{}{"roles": "user"},
			}, nil
		},
	}

	handler := NewAuthenticator(verifier).RequireFirebaseAuth(RoleAdmin)(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		t.Fatal("handler should not run")
	}))

	req := httptest.NewRequest(http.MethodGet, "/v1/me/orders", nil)
	req.Header.Set("Authorization", "Bearer token")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("unexpected status: %d", rec.Code)
	}
}

func TestExtractBearerToken(t *testing.T) {
	cases := []struct {
		header string
		token  string
		ok     bool
	}{
		{"Bearer abc", "abc", true},
		{"bearer abc", "abc", true},
		{"Basic abc", "", false},
		{"Bearer ", "", false},
		{"", "", false},
	}
	for _, tc := range cases {
		token, ok := extractBearerToken(tc.header)
		if ok != tc.ok || token != tc.token {
			t.Errorf("extractBearerToken(%q) = (%q, %v), want (%q, %v)", tc.header, token, ok, tc.token, tc.ok)
		}
	}
}
