package authn

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestBcryptCheckerVerify(t *testing.T) {
	checker := NewBcryptChecker(bcryptTestCost)

	hash, err := checker.Hash("correct-horse-battery-staple")
	if err != nil {
		t.Fatalf("Hash: %v", err)
	}

	if err := checker.Verify(hash, "correct-horse-battery-staple"); err != nil {
		t.Errorf("Verify with correct password: %v", err)
	}

	if err := checker.Verify(hash, "wrong-password"); err == nil {
		t.Error("Verify with wrong password: expected error, got nil")
	}
}

const bcryptTestCost = 4 // cheapest valid cost, keeps the test fast

func TestTokenManagerGenerateVerify(t *testing.T) {
	tm := NewTokenManager("test-secret", time.Minute)

	token, err := tm.Generate("operator")
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}

	claims, err := tm.Verify(token)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if claims.Subject != "operator" {
		t.Errorf("Subject = %q, want %q", claims.Subject, "operator")
	}
}

func TestTokenManagerVerifyRejectsWrongSecret(t *testing.T) {
	tm := NewTokenManager("secret-a", time.Minute)
	other := NewTokenManager("secret-b", time.Minute)

	token, err := tm.Generate("operator")
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}

	if _, err := other.Verify(token); err == nil {
		t.Error("Verify with wrong secret: expected error, got nil")
	}
}

func TestTokenManagerVerifyRejectsExpired(t *testing.T) {
	tm := NewTokenManager("test-secret", -time.Minute)

	token, err := tm.Generate("operator")
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}

	if _, err := tm.Verify(token); err == nil {
		t.Error("Verify with expired token: expected error, got nil")
	}
}

func TestRequireAdminDisabledPassesThrough(t *testing.T) {
	tm := NewTokenManager("test-secret", time.Minute)
	called := false
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
		w.WriteHeader(http.StatusOK)
	})

	req := httptest.NewRequest(http.MethodGet, "/stats", nil)
	rec := httptest.NewRecorder()

	tm.RequireAdmin(false, next).ServeHTTP(rec, req)

	if !called {
		t.Error("expected next handler to be called when auth not required")
	}
	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusOK)
	}
}

func TestRequireAdminEnabledRejectsMissingToken(t *testing.T) {
	tm := NewTokenManager("test-secret", time.Minute)
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("next handler should not be called without a token")
	})

	req := httptest.NewRequest(http.MethodGet, "/stats", nil)
	rec := httptest.NewRecorder()

	tm.RequireAdmin(true, next).ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusUnauthorized)
	}
}

func TestRequireAdminEnabledAcceptsValidToken(t *testing.T) {
	tm := NewTokenManager("test-secret", time.Minute)
	called := false
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
		w.WriteHeader(http.StatusOK)
	})

	token, err := tm.Generate("operator")
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/stats", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()

	tm.RequireAdmin(true, next).ServeHTTP(rec, req)

	if !called {
		t.Error("expected next handler to be called with a valid token")
	}
	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusOK)
	}
}
