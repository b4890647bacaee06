package httpapi

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"tradeops.org/internal/auth"
)

func TestAuthnDisabledPassesThrough(t *testing.T) {
	h := Authn(okHandler(), false)
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/v1/info", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}
}

func TestAuthnProtectsInfo(t *testing.T) {
	t.Setenv("TRADEOPS_AUTH_SECRET", "test-secret")
	auth.ResetSecretForTests()
	t.Cleanup(auth.ResetSecretForTests)

	h := Authn(okHandler(), true)

	// Probes stay open.
	for _, p := range []string{"/healthz", "/readyz", "/metrics"} {
		rr := httptest.NewRecorder()
		h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, p, nil))
		if rr.Code != http.StatusOK {
			t.Fatalf("%s blocked: %d", p, rr.Code)
		}
	}

	// No token: denied.
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/v1/info", nil))
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("missing token: %d", rr.Code)
	}

	// Garbage token: denied.
	req := httptest.NewRequest(http.MethodGet, "/v1/info", nil)
	req.Header.Set(authHeader, "Bearer nonsense")
	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("garbage token: %d", rr.Code)
	}

	// Valid service token: admitted.
	token, err := auth.GenerateToken(auth.SystemIdentity, []string{"admin"}, time.Minute)
	if err != nil {
		t.Fatalf("GenerateToken: %v", err)
	}
	req = httptest.NewRequest(http.MethodGet, "/v1/info", nil)
	req.Header.Set(authHeader, "Bearer "+token)
	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("valid token rejected: %d", rr.Code)
	}
}

func TestExtractBearerToken(t *testing.T) {
	if _, err := extractBearerToken(""); err == nil {
		t.Fatal("empty header accepted")
	}
	if _, err := extractBearerToken("Basic abc"); err == nil {
		t.Fatal("wrong scheme accepted")
	}
	tok, err := extractBearerToken("Bearer  abc ")
	if err != nil || tok != "abc" {
		t.Fatalf("token = %q, err = %v", tok, err)
	}
}
