package runtime

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/labstack/echo/v4"
)

func TestEchoAuthMiddleware(t *testing.T) {
	secret := []byte("unit-test-secret")
	e := echo.New()
	h := EchoAuthMiddleware(secret)(func(c echo.Context) error {
		sub, _ := SubjectFromContext(c.Request().Context())
		return c.String(http.StatusOK, sub)
	})

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rec := httptest.NewRecorder()
	err := h(e.NewContext(req, rec))
	he, ok := err.(*echo.HTTPError)
	if !ok || he.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %v", err)
	}

	tok, err := SignJWT("facility-manager", secret, time.Minute)
	if err != nil {
		t.Fatalf("SignJWT: %v", err)
	}
	req = httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer "+tok)
	rec = httptest.NewRecorder()
	if err := h(e.NewContext(req, rec)); err != nil {
		t.Fatalf("valid token rejected: %v", err)
	}
	if rec.Body.String() != "facility-manager" {
		t.Fatalf("unexpected subject %q", rec.Body.String())
	}

	bad, _ := SignJWT("x", []byte("other"), time.Minute)
	req = httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer "+bad)
	if err := h(e.NewContext(req, httptest.NewRecorder())); err == nil {
		t.Fatal("expected token signed with another secret to fail")
	}
}

func TestParseJWTRejectsForeignOrExpiredTokens(t *testing.T) {
	secret := []byte("unit-test-secret")

	expired, _ := SignJWT("facility-manager", secret, -time.Minute)
	if _, err := ParseJWT(expired, secret); err == nil {
		t.Fatal("expired token accepted")
	}

	foreign := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Issuer:    "someone-else",
		Subject:   "facility-manager",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	})
	tok, _ := foreign.SignedString(secret)
	if _, err := ParseJWT(tok, secret); err == nil {
		t.Fatal("token from another issuer accepted")
	}

	if _, err := SignJWT("", secret, time.Hour); err == nil {
		t.Fatal("empty subject accepted")
	}
}
