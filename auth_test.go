package main

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

// fakeUserinfo stands in for the Google userinfo endpoint. It accepts a
// single access token and returns a fixed identity for it.
func fakeUserinfo(t *testing.T, app *App, wantToken string, identity map[string]string) {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer "+wantToken {
			w.WriteHeader(401)
			return
		}
		writeJSON(w, 200, identity)
	}))
	t.Cleanup(srv.Close)
	app.cfg.GoogleUserinfoURL = srv.URL
}

func TestGoogleTokenFirstSignInIsInactive(t *testing.T) {
	app := newTestApp(t)
	fakeUserinfo(t, app, "good-token", map[string]string{
		"sub": "google-123", "email": "new@test.com", "name": "New User",
	})

	rec := doJSON(t, app, "POST", "/api/auth/google",
		map[string]string{"access_token": "good-token"}, "")
	if rec.Code != 403 {
		t.Fatalf("first sign-in returned %d, want 403", rec.Code)
	}
	if resp := decodeJSON(t, rec); resp["code"] != "ACCOUNT_INACTIVE" {
		t.Fatalf("expected ACCOUNT_INACTIVE, got %v", resp)
	}

	// The identity was still recorded, inactive, for the admin to activate.
	var active int
	if err := app.db.QueryRow(`SELECT active FROM users WHERE id = 'google-123'`).Scan(&active); err != nil {
		t.Fatalf("user row missing: %v", err)
	}
	if active != 0 {
		t.Fatal("first sign-in created an active user")
	}
}

func TestGoogleTokenActiveUserGetsSession(t *testing.T) {
	app := newTestApp(t)
	insertUser(t, app, "google-123", true)
	fakeUserinfo(t, app, "good-token", map[string]string{
		"sub": "google-123", "email": "known@test.com", "name": "Known User",
	})

	rec := doJSON(t, app, "POST", "/api/auth/google",
		map[string]string{"access_token": "good-token"}, "")
	if rec.Code != 200 {
		t.Fatalf("active sign-in returned %d: %s", rec.Code, rec.Body.String())
	}
	resp := decodeJSON(t, rec)
	token, _ := resp["token"].(string)
	if token == "" {
		t.Fatal("no session token issued")
	}

	// The issued token works on protected routes.
	if rec := doJSON(t, app, "GET", "/api/me", nil, token); rec.Code != 200 {
		t.Fatalf("session token rejected: %d", rec.Code)
	}
}

func TestGoogleTokenRejectsBadToken(t *testing.T) {
	app := newTestApp(t)
	fakeUserinfo(t, app, "good-token", map[string]string{"sub": "google-123"})

	rec := doJSON(t, app, "POST", "/api/auth/google",
		map[string]string{"access_token": "wrong-token"}, "")
	if rec.Code != 401 {
		t.Fatalf("bad token returned %d, want 401", rec.Code)
	}
}

func TestGoogleLoginUnconfigured(t *testing.T) {
	app := newTestApp(t)
	rec := doJSON(t, app, "GET", "/auth/google/login", nil, "")
	if rec.Code != 503 {
		t.Fatalf("unconfigured login returned %d, want 503", rec.Code)
	}
}

// --- admin ---

func adminToken(t *testing.T, app *App) string {
	t.Helper()
	rec := doJSON(t, app, "POST", "/api/admin/login",
		map[string]string{"username": "admin", "password": "letmein"}, "")
	if rec.Code != 200 {
		t.Fatalf("admin login returned %d: %s", rec.Code, rec.Body.String())
	}
	return decodeJSON(t, rec)["token"].(string)
}

func TestAdminLoginRejectsBadCredentials(t *testing.T) {
	app := newTestApp(t)
	for _, creds := range []map[string]string{
		{"username": "admin", "password": "nope"},
		{"username": "root", "password": "letmein"},
	} {
		rec := doJSON(t, app, "POST", "/api/admin/login", creds, "")
		if rec.Code != 401 {
			t.Fatalf("login %v returned %d, want 401", creds, rec.Code)
		}
	}
}

func TestAdminLoginDisabledWithoutPassword(t *testing.T) {
	app := newTestApp(t)
	app.cfg.AdminPass = ""
	rec := doJSON(t, app, "POST", "/api/admin/login",
		map[string]string{"username": "admin", "password": ""}, "")
	if rec.Code != 503 {
		t.Fatalf("unconfigured admin login returned %d, want 503", rec.Code)
	}
}

func TestUserTokenIsNotAdmin(t *testing.T) {
	app := newTestApp(t)
	token := insertUser(t, app, "u1", true)
	rec := doJSON(t, app, "GET", "/api/admin/users", nil, token)
	if rec.Code != 401 {
		t.Fatalf("user token on admin route returned %d, want 401", rec.Code)
	}
}

func TestAdminActivationFlow(t *testing.T) {
	app := newTestApp(t)
	userToken := insertUser(t, app, "sleeper", false)
	admin := adminToken(t, app)

	// Inactive user is blocked.
	if rec := doJSON(t, app, "GET", "/api/me", nil, userToken); rec.Code != 403 {
		t.Fatalf("inactive user returned %d, want 403", rec.Code)
	}

	rec := doJSON(t, app, "POST", "/api/admin/users/sleeper/activate", nil, admin)
	if rec.Code != 200 {
		t.Fatalf("activate returned %d: %s", rec.Code, rec.Body.String())
	}

	// Activation takes effect immediately, same token.
	if rec := doJSON(t, app, "GET", "/api/me", nil, userToken); rec.Code != 200 {
		t.Fatalf("activated user returned %d, want 200", rec.Code)
	}

	// And deactivation too.
	if rec := doJSON(t, app, "POST", "/api/admin/users/sleeper/deactivate", nil, admin); rec.Code != 200 {
		t.Fatalf("deactivate returned %d", rec.Code)
	}
	if rec := doJSON(t, app, "GET", "/api/me", nil, userToken); rec.Code != 403 {
		t.Fatalf("deactivated user returned %d, want 403", rec.Code)
	}
}

func TestAdminActivateUnknownUser(t *testing.T) {
	app := newTestApp(t)
	admin := adminToken(t, app)
	rec := doJSON(t, app, "POST", "/api/admin/users/ghost/activate", nil, admin)
	if rec.Code != 404 {
		t.Fatalf("activate unknown user returned %d, want 404", rec.Code)
	}
}

func TestAdminListUsers(t *testing.T) {
	app := newTestApp(t)
	insertUser(t, app, "u1", true)
	insertUser(t, app, "u2", false)
	seedChannel(t, app, "u1", "UCgo", "Go Channel")
	admin := adminToken(t, app)

	rec := doJSON(t, app, "GET", "/api/admin/users", nil, admin)
	if rec.Code != 200 {
		t.Fatalf("list users returned %d", rec.Code)
	}
	users := decodeJSON(t, rec)["users"].([]interface{})
	if len(users) != 2 {
		t.Fatalf("listed %d users, want 2", len(users))
	}
	for _, u := range users {
		entry := u.(map[string]interface{})
		if entry["id"] == "u1" {
			if entry["active"] != true || entry["channels"] != float64(1) {
				t.Fatalf("u1 entry: %v", entry)
			}
		}
	}
}
