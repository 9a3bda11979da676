package auth

import (
	"errors"
	"net/http/httptest"
	"testing"

	"github.com/danmuck/wabridge/internal/testutil/testlog"
)

func TestStaticTokenValidate(t *testing.T) {
	testlog.Start(t)

	tests := []struct {
		name    string
		stored  string
		input   string
		wantErr error
	}{
		{name: "empty token denied", stored: "", input: "abc", wantErr: ErrUnauthorized},
		{name: "mismatched token denied", stored: "abc", input: "xyz", wantErr: ErrUnauthorized},
		{name: "matching token accepted", stored: "abc", input: "abc", wantErr: nil},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			err := (StaticToken{Token: tc.stored}).Validate(tc.input)
			if !errors.Is(err, tc.wantErr) {
				t.Fatalf("expected err %v, got %v", tc.wantErr, err)
			}
		})
	}
}

func TestFuncValidator(t *testing.T) {
	testlog.Start(t)

	validator := FuncValidator(func(token string) error {
		if token != "ok" {
			return ErrUnauthorized
		}
		return nil
	})
	if err := validator.Validate("bad"); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected unauthorized for bad token, got %v", err)
	}
	if err := validator.Validate("ok"); err != nil {
		t.Fatalf("expected success for ok token, got %v", err)
	}
}

func TestTokenFromRequest(t *testing.T) {
	testlog.Start(t)

	req := httptest.NewRequest("GET", "/sessions", nil)
	req.Header.Set("Authorization", "bearer  k1 ")
	req.Header.Set(HeaderAPIKey, "k2")
	if got := TokenFromRequest(req); got != "k1" {
		t.Fatalf("bearer token=%q", got)
	}

	req.Header.Del("Authorization")
	if got := TokenFromRequest(req); got != "k2" {
		t.Fatalf("api key token=%q", got)
	}

	req.Header.Del(HeaderAPIKey)
	if got := TokenFromRequest(req); got != "" {
		t.Fatalf("missing token=%q", got)
	}
}
