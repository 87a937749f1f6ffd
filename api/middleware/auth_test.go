package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	pkgAuth "github.com/angelmondragon/starsfund-backend/pkg/auth"
	"github.com/angelmondragon/starsfund-backend/pkg/config"
	"github.com/angelmondragon/starsfund-backend/pkg/outbox"
)

var operatorCfg = config.OperatorConfig{JWTSecret: "secret", JWTIssuer: "starsfund"}

func TestOperatorAuthRejectsMissingToken(t *testing.T) {
	handler := OperatorAuth(operatorCfg, nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("handler should not run")
	}))

	resp := httptest.NewRecorder()
	handler.ServeHTTP(resp, httptest.NewRequest(http.MethodPost, "/", nil))
	if resp.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 got %d", resp.Code)
	}
}

func TestOperatorAuthRejectsInvalidToken(t *testing.T) {
	handler := OperatorAuth(operatorCfg, nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("handler should not run")
	}))

	req := httptest.NewRequest(http.MethodPost, "/", nil)
	req.Header.Set("Authorization", "Bearer not-a-token")
	resp := httptest.NewRecorder()
	handler.ServeHTTP(resp, req)
	if resp.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 got %d", resp.Code)
	}
}

func TestOperatorAuthSeedsOperatorAndActor(t *testing.T) {
	token, err := pkgAuth.MintOperatorToken(operatorCfg, time.Now(), "ops@charity", time.Minute)
	if err != nil {
		t.Fatalf("mint token: %v", err)
	}

	var gotOperator string
	var gotActor *outbox.ActorRef
	handler := OperatorAuth(operatorCfg, nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotOperator = OperatorFromContext(r.Context())
		gotActor = outbox.ActorFrom(r.Context(), outbox.ActorRef{Kind: outbox.ActorKindEngine})
		w.WriteHeader(http.StatusNoContent)
	}))

	req := httptest.NewRequest(http.MethodPost, "/", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	resp := httptest.NewRecorder()
	handler.ServeHTTP(resp, req)

	if resp.Code != http.StatusNoContent {
		t.Fatalf("expected 204 got %d", resp.Code)
	}
	if gotOperator != "ops@charity" {
		t.Fatalf("unexpected operator %q", gotOperator)
	}
	if gotActor == nil || gotActor.Kind != outbox.ActorKindOperator || gotActor.Subject != "ops@charity" {
		t.Fatalf("unexpected actor %+v", gotActor)
	}
}
