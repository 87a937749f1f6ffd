package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestProviderSecret(t *testing.T) {
	tests := []struct {
		name   string
		header string
		value  string
		want   int
	}{
		{"canonical header", ProviderSecretHeader, "s3cret", http.StatusOK},
		{"telegram header", TelegramSecretHeader, "s3cret", http.StatusOK},
		{"wrong secret", ProviderSecretHeader, "nope", http.StatusUnauthorized},
		{"missing", "", "", http.StatusUnauthorized},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			handler := ProviderSecret("s3cret", nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusOK)
			}))
			req := httptest.NewRequest(http.MethodPost, "/api/v1/webhooks/payments", nil)
			if tt.header != "" {
				req.Header.Set(tt.header, tt.value)
			}
			resp := httptest.NewRecorder()
			handler.ServeHTTP(resp, req)
			if resp.Code != tt.want {
				t.Fatalf("expected %d got %d", tt.want, resp.Code)
			}
		})
	}
}

func TestProviderSecretRejectsWhenUnconfigured(t *testing.T) {
	handler := ProviderSecret("  ", nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("handler should not run")
	}))
	req := httptest.NewRequest(http.MethodPost, "/", nil)
	req.Header.Set(ProviderSecretHeader, "anything")
	resp := httptest.NewRecorder()
	handler.ServeHTTP(resp, req)
	if resp.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 got %d", resp.Code)
	}
}
