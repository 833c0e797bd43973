package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	pkgAuth "github.com/angelmondragon/keystock-backend/pkg/auth"
	"github.com/angelmondragon/keystock-backend/pkg/config"
	"github.com/angelmondragon/keystock-backend/pkg/enums"
)

var testJWT = config.JWTConfig{Secret: "secret", Issuer: "keystock", ExpirationMinutes: 10}

func mint(t *testing.T, role enums.OperatorRole) string {
	t.Helper()
	token, err := pkgAuth.MintAccessToken(testJWT, time.Now(), pkgAuth.AccessTokenPayload{Subject: "ops@keystock.test", Role: role})
	if err != nil {
		t.Fatalf("mint: %v", err)
	}
	return token
}

func TestAuthSeedsOperatorContext(t *testing.T) {
	var gotOperator, gotRole string
	handler := Auth(testJWT, nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotOperator = OperatorFromContext(r.Context())
		gotRole = RoleFromContext(r.Context())
		w.WriteHeader(http.StatusNoContent)
	}))

	req := httptest.NewRequest(http.MethodGet, "/api/admin/v1/stock/prod-a", nil)
	req.Header.Set("Authorization", "Bearer "+mint(t, enums.OperatorRoleAdmin))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204 got %d", rec.Code)
	}
	if gotOperator != "ops@keystock.test" || gotRole != "admin" {
		t.Fatalf("unexpected context operator=%q role=%q", gotOperator, gotRole)
	}
}

func TestAuthRejectsMissingOrInvalidToken(t *testing.T) {
	handler := Auth(testJWT, nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("handler should not run")
	}))

	for _, header := range []string{"", "Bearer ", "Bearer not-a-jwt"} {
		req := httptest.NewRequest(http.MethodGet, "/api/admin/v1/stock/prod-a", nil)
		if header != "" {
			req.Header.Set("Authorization", header)
		}
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		if rec.Code != http.StatusUnauthorized {
			t.Fatalf("header %q: expected 401 got %d", header, rec.Code)
		}
	}
}

func TestRequireRoleForbidsOtherRoles(t *testing.T) {
	handler := Auth(testJWT, nil)(RequireRole(enums.OperatorRoleAdmin.String(), nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})))

	req := httptest.NewRequest(http.MethodPost, "/api/admin/v1/jobs/sweep", nil)
	req.Header.Set("Authorization", "Bearer "+mint(t, enums.OperatorRoleViewer))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 got %d", rec.Code)
	}
}
