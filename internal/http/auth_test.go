package httpapi

import (
	"errors"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/example/fleetxchange/internal/access"
)

func sign(t *testing.T, method jwt.SigningMethod, key any, claims jwt.Claims) string {
	t.Helper()
	tok, err := jwt.NewWithClaims(method, claims).SignedString(key)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	return tok
}

func TestIssueAndParse(t *testing.T) {
	a := NewAuthenticator("s3cret")
	tok, err := a.Issue(carrier, time.Minute)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	got, err := a.Parse(tok)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if got != carrier {
		t.Fatalf("expected %+v, got %+v", carrier, got)
	}
}

func TestParseLegacyClaims(t *testing.T) {
	a := NewAuthenticator("s3cret")
	tok := sign(t, jwt.SigningMethodHS256, []byte("s3cret"), jwt.MapClaims{
		"id":        "admin-7",
		"user_type": "admin",
		"exp":       time.Now().Add(time.Minute).Unix(),
	})
	got, err := a.Parse(tok)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if got.ID != "admin-7" || got.Role != access.RoleOperator {
		t.Fatalf("unexpected actor %+v", got)
	}
}

func TestParseRejects(t *testing.T) {
	a := NewAuthenticator("s3cret")
	future := time.Now().Add(time.Minute).Unix()
	cases := map[string]string{
		"wrong secret": sign(t, jwt.SigningMethodHS256, []byte("other"), jwt.MapClaims{"sub": "u1", "user_type": "CLIENT", "exp": future}),
		"expired":      sign(t, jwt.SigningMethodHS256, []byte("s3cret"), jwt.MapClaims{"sub": "u1", "user_type": "CLIENT", "exp": time.Now().Add(-time.Minute).Unix()}),
		"wrong alg":    sign(t, jwt.SigningMethodHS512, []byte("s3cret"), jwt.MapClaims{"sub": "u1", "user_type": "CLIENT", "exp": future}),
		"no account":   sign(t, jwt.SigningMethodHS256, []byte("s3cret"), jwt.MapClaims{"user_type": "CLIENT", "exp": future}),
		"unknown role": sign(t, jwt.SigningMethodHS256, []byte("s3cret"), jwt.MapClaims{"sub": "u1", "user_type": "DRIVER", "exp": future}),
		"garbage":      "a.b.c",
	}
	for name, tok := range cases {
		if _, err := a.Parse(tok); err == nil {
			t.Errorf("%s: expected an error", name)
		}
	}
}

func TestFromRequest(t *testing.T) {
	a := NewAuthenticator("s3cret")
	tok, err := a.Issue(client, time.Minute)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}

	r := httptest.NewRequest("GET", "/ws?token="+tok, nil)
	if _, err := a.FromRequest(r, false); !errors.Is(err, errNoToken) {
		t.Fatalf("query token must be ignored unless allowed, got %v", err)
	}
	if got, err := a.FromRequest(r, true); err != nil || got != client {
		t.Fatalf("query token: got %+v err=%v", got, err)
	}

	r = httptest.NewRequest("GET", "/", nil)
	r.Header.Set("Authorization", "Basic dXNlcjpwYXNz")
	if _, err := a.FromRequest(r, true); err == nil {
		t.Fatalf("expected non-bearer schemes to be rejected")
	}

	r.Header.Set("Authorization", "bearer "+tok)
	if got, err := a.FromRequest(r, false); err != nil || got != client {
		t.Fatalf("header token: got %+v err=%v", got, err)
	}
}
