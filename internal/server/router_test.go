package server

import (
	"context"
	"net/http"
	"testing"
	"time"

	"go.uber.org/zap"
)

func TestHealthOK(t *testing.T) {
	router := newUnitApp(t).Router()
	rec := performRequest(t, router, http.MethodGet, "/health", "", nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d body=%s", rec.Code, rec.Body.String())
	}

	body := decodeJSONMap(t, rec)
	if body["status"] != "ok" {
		t.Fatalf("expected status=ok, got %v", body["status"])
	}
	if body["service"] != "mira-api" {
		t.Fatalf("expected service=mira-api, got %v", body["service"])
	}
}

func TestProtectedEndpointRejectsBadTokens(t *testing.T) {
	router := newUnitApp(t).Router()
	wrongSecret := baseTestConfig
	wrongSecret.JWTSecret = "another-secret-0987654321"

	cases := []struct {
		name   string
		token  string
		detail string
	}{
		{name: "missing", token: "", detail: "Bearer token required"},
		{name: "malformed", token: "not-a-jwt", detail: "Invalid bearer token"},
		{name: "wrong secret", token: signTokenWithConfig(t, wrongSecret, testID(), nil), detail: "Invalid bearer token"},
		{name: "expired", token: signToken(t, testID(), map[string]any{"exp": time.Now().Add(-time.Hour).Unix()}), detail: "Invalid bearer token"},
		{name: "no subject", token: signToken(t, "", nil), detail: "Token subject missing"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := performRequest(t, router, http.MethodGet, "/api/v1/auth/me", tc.token, nil, nil)
			if rec.Code != http.StatusUnauthorized {
				t.Fatalf("expected 401, got %d body=%s", rec.Code, rec.Body.String())
			}
			if detail := responseDetail(t, rec); detail != tc.detail {
				t.Fatalf("expected %q, got %q", tc.detail, detail)
			}
		})
	}
}

func TestProtectedEndpointChecksAudienceAndIssuer(t *testing.T) {
	cfg := baseTestConfig
	cfg.JWTAudience = "mira-app"
	cfg.JWTIssuer = "mira-auth"
	router := New(cfg, nil, zap.NewNop()).Router()

	rec := performRequest(t, router, http.MethodGet, "/api/v1/auth/me",
		signTokenWithConfig(t, cfg, testID(), map[string]any{"aud": "someone-else"}), nil, nil)
	if detail := responseDetail(t, rec); rec.Code != http.StatusUnauthorized || detail != "Invalid token audience" {
		t.Fatalf("expected audience rejection, got %d %q", rec.Code, detail)
	}

	rec = performRequest(t, router, http.MethodGet, "/api/v1/auth/me",
		signTokenWithConfig(t, cfg, testID(), map[string]any{"iss": "elsewhere"}), nil, nil)
	if detail := responseDetail(t, rec); rec.Code != http.StatusUnauthorized || detail != "Invalid token issuer" {
		t.Fatalf("expected issuer rejection, got %d %q", rec.Code, detail)
	}

	rec = performRequest(t, router, http.MethodGet, "/api/v1/auth/me",
		signTokenWithConfig(t, cfg, testID(), map[string]any{"aud": []string{"other", "mira-app"}}), nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected audience list to be accepted, got %d body=%s", rec.Code, rec.Body.String())
	}
}

func TestAuthMeReturnsTokenIdentity(t *testing.T) {
	router := newUnitApp(t).Router()
	userID := testID()
	token := signToken(t, userID, map[string]any{"email": " star@example.com "})

	rec := performRequest(t, router, http.MethodGet, "/api/v1/auth/me", token, nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d body=%s", rec.Code, rec.Body.String())
	}
	body := decodeJSONMap(t, rec)
	if body["user_id"] != userID {
		t.Fatalf("expected user_id %s, got %v", userID, body["user_id"])
	}
	if body["email"] != "star@example.com" {
		t.Fatalf("expected trimmed email, got %v", body["email"])
	}

	rec = performRequest(t, router, http.MethodGet, "/api/v1/auth/me", signToken(t, userID, nil), nil, nil)
	if body := decodeJSONMap(t, rec); body["email"] != nil {
		t.Fatalf("expected null email without claim, got %v", body["email"])
	}
}

func TestSanitizeEndpoint(t *testing.T) {
	router := newUnitApp(t).Router()
	token := signToken(t, testID(), nil)

	rec := performRequest(t, router, http.MethodPost, "/api/v1/render/sanitize", token, map[string]any{
		"text": "<reasoning>hidden</reasoning>\n\n\n\n<answer>| A | B |\n|---|---| | x | y |</answer>",
	}, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d body=%s", rec.Code, rec.Body.String())
	}
	want := "| A | B |\n|---|---|\n| x | y |"
	if got := decodeJSONMap(t, rec)["text"]; got != want {
		t.Fatalf("expected %q, got %q", want, got)
	}

	rec = performRequest(t, router, http.MethodPost, "/api/v1/render/sanitize", token, []string{"not", "an", "object"}, nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for invalid payload, got %d", rec.Code)
	}
}

func TestDatabaseRoutesReportUnavailableWithoutPool(t *testing.T) {
	router := newUnitApp(t).Router()
	token := signToken(t, testID(), nil)

	for _, path := range []string{"/api/v1/profile", "/api/v1/conversations"} {
		rec := performRequest(t, router, http.MethodGet, path, token, nil, nil)
		if rec.Code != http.StatusServiceUnavailable {
			t.Fatalf("%s: expected 503, got %d body=%s", path, rec.Code, rec.Body.String())
		}
		if detail := responseDetail(t, rec); detail != "Database is not configured" {
			t.Fatalf("%s: unexpected detail %q", path, detail)
		}
	}
}

func TestCachedProfileRequiresDeviceHeader(t *testing.T) {
	router := newUnitApp(t).Router()
	rec := performRequest(t, router, http.MethodGet, "/api/v1/profile/cached", signToken(t, testID(), nil), nil, nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d body=%s", rec.Code, rec.Body.String())
	}
	if reason := decodeJSONMap(t, rec)["reason"]; reason != "missing" {
		t.Fatalf("expected reason missing, got %v", reason)
	}
}

func TestCachedProfileServesOnlyOwnerWithinWindow(t *testing.T) {
	app := newUnitApp(t)
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	app.now = func() time.Time { return now }
	router := app.Router()

	ownerID := testID()
	device := deviceHeaders("device-" + testID())
	profile := map[string]any{
		"user_id":     ownerID,
		"birth_date":  "1990-08-05",
		"zodiac_sign": "Leo",
	}
	if err := app.profiles.Save(context.Background(), device[deviceHeader], profile, ownerID, now); err != nil {
		t.Fatalf("seed cache: %v", err)
	}

	rec := performRequest(t, router, http.MethodGet, "/api/v1/profile/cached", signToken(t, ownerID, nil), nil, device)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d body=%s", rec.Code, rec.Body.String())
	}
	body := decodeJSONMap(t, rec)
	cached, _ := body["profile"].(map[string]any)
	if cached["zodiac_sign"] != "Leo" || body["cached"] != true {
		t.Fatalf("unexpected cached body: %v", body)
	}

	rec = performRequest(t, router, http.MethodGet, "/api/v1/profile/cached", signToken(t, testID(), nil), nil, device)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for another user, got %d", rec.Code)
	}
	if reason := decodeJSONMap(t, rec)["reason"]; reason != "owner_mismatch" {
		t.Fatalf("expected owner_mismatch, got %v", reason)
	}

	// The mismatch wiped the snapshot, so even the owner misses now.
	rec = performRequest(t, router, http.MethodGet, "/api/v1/profile/cached", signToken(t, ownerID, nil), nil, device)
	if reason := decodeJSONMap(t, rec)["reason"]; rec.Code != http.StatusNotFound || reason != "missing" {
		t.Fatalf("expected wiped snapshot, got %d %v", rec.Code, reason)
	}
}

func TestCachedProfileExpiresAfterWindow(t *testing.T) {
	app := newUnitApp(t)
	savedAt := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	router := app.Router()

	ownerID := testID()
	device := deviceHeaders("device-" + testID())
	profile := map[string]any{"birth_date": "1990-08-05"}
	if err := app.profiles.Save(context.Background(), device[deviceHeader], profile, ownerID, savedAt); err != nil {
		t.Fatalf("seed cache: %v", err)
	}

	app.now = func() time.Time { return savedAt.Add(5*time.Minute - time.Millisecond) }
	rec := performRequest(t, router, http.MethodGet, "/api/v1/profile/cached", signToken(t, ownerID, nil), nil, device)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected fresh snapshot, got %d body=%s", rec.Code, rec.Body.String())
	}

	app.now = func() time.Time { return savedAt.Add(5 * time.Minute) }
	rec = performRequest(t, router, http.MethodGet, "/api/v1/profile/cached", signToken(t, ownerID, nil), nil, device)
	if reason := decodeJSONMap(t, rec)["reason"]; rec.Code != http.StatusNotFound || reason != "stale" {
		t.Fatalf("expected stale snapshot, got %d %v", rec.Code, reason)
	}
}

func TestCachedProfileRejectsIncompleteSnapshot(t *testing.T) {
	app := newUnitApp(t)
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	app.now = func() time.Time { return now }
	router := app.Router()

	ownerID := testID()
	device := deviceHeaders("device-" + testID())
	if err := app.profiles.Save(context.Background(), device[deviceHeader], map[string]any{"zodiac_sign": "Leo"}, ownerID, now); err != nil {
		t.Fatalf("seed cache: %v", err)
	}

	rec := performRequest(t, router, http.MethodGet, "/api/v1/profile/cached", signToken(t, ownerID, nil), nil, device)
	if reason := decodeJSONMap(t, rec)["reason"]; rec.Code != http.StatusNotFound || reason != "incomplete" {
		t.Fatalf("expected incomplete snapshot, got %d %v", rec.Code, reason)
	}
}
