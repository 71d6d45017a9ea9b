package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
)

type contextKey string

// userIDKey carries the authenticated user's provider-issued id through the
// request context. There is no global "current user" anywhere else.
const userIDKey contextKey = "user_id"

const stateCookie = "oauth_state"

// googleUser is the slice of the userinfo response this service cares about.
type googleUser struct {
	Sub     string `json:"sub"`
	Email   string `json:"email"`
	Name    string `json:"name"`
	Picture string `json:"picture"`
}

func (a *App) oauthConfig() *oauth2.Config {
	return &oauth2.Config{
		ClientID:     a.cfg.GoogleClientID,
		ClientSecret: a.cfg.GoogleClientSecret,
		RedirectURL:  a.cfg.GoogleRedirectURL,
		Scopes:       []string{"openid", "email", "profile"},
		Endpoint:     google.Endpoint,
	}
}

// handleGoogleLogin starts the authorization-code flow. The state nonce is
// stored in a short-lived cookie and checked on callback.
func (a *App) handleGoogleLogin(w http.ResponseWriter, r *http.Request) {
	if a.cfg.GoogleClientID == "" {
		writeJSON(w, 503, map[string]string{"error": "google sign-in is not configured"})
		return
	}
	state := uuid.New().String()
	http.SetCookie(w, &http.Cookie{
		Name:     stateCookie,
		Value:    state,
		Path:     "/",
		MaxAge:   600,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
	http.Redirect(w, r, a.oauthConfig().AuthCodeURL(state, oauth2.AccessTypeOnline), http.StatusFound)
}

// handleGoogleCallback completes the code flow: code → access token →
// userinfo → user row. First-time identities are stored inactive and the
// browser is sent back to the login surface; active users get a session
// token appended to the frontend redirect.
func (a *App) handleGoogleCallback(w http.ResponseWriter, r *http.Request) {
	cookie, err := r.Cookie(stateCookie)
	if err != nil || cookie.Value == "" || cookie.Value != r.URL.Query().Get("state") {
		writeJSON(w, 400, map[string]string{"error": "invalid oauth state"})
		return
	}
	code := r.URL.Query().Get("code")
	if code == "" {
		writeJSON(w, 400, map[string]string{"error": "missing authorization code"})
		return
	}

	token, err := a.oauthConfig().Exchange(r.Context(), code)
	if err != nil {
		writeJSON(w, 502, map[string]string{"error": "code exchange failed"})
		return
	}

	gu, err := a.fetchUserinfo(r.Context(), token.AccessToken)
	if err != nil {
		writeJSON(w, 502, map[string]string{"error": "failed to fetch user info"})
		return
	}

	active, err := a.upsertUser(r.Context(), gu)
	if err != nil {
		writeJSON(w, 500, map[string]string{"error": "failed to store user"})
		return
	}
	if !active {
		http.Redirect(w, r, a.cfg.FrontendURL+"/login?error=inactive", http.StatusFound)
		return
	}

	http.Redirect(w, r, a.cfg.FrontendURL+"/?token="+a.generateToken(gu.Sub), http.StatusFound)
}

// handleGoogleToken is the implicit-flow path: a client that already holds a
// Google access token (from the fragment redirect) posts it here for
// verification against the userinfo endpoint.
func (a *App) handleGoogleToken(w http.ResponseWriter, r *http.Request) {
	maxBody(r, defaultBodyLimit)

	var req struct {
		AccessToken string `json:"access_token"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.AccessToken == "" {
		writeJSON(w, 400, map[string]string{"error": "access_token is required"})
		return
	}

	gu, err := a.fetchUserinfo(r.Context(), req.AccessToken)
	if err != nil {
		writeJSON(w, 401, map[string]string{"error": "invalid access token"})
		return
	}

	active, err := a.upsertUser(r.Context(), gu)
	if err != nil {
		writeJSON(w, 500, map[string]string{"error": "failed to store user"})
		return
	}
	if !active {
		writeJSON(w, 403, map[string]string{
			"error": "account is not activated",
			"code":  "ACCOUNT_INACTIVE",
		})
		return
	}

	writeJSON(w, 200, map[string]interface{}{
		"token": a.generateToken(gu.Sub),
		"user": map[string]string{
			"id": gu.Sub, "email": gu.Email, "name": gu.Name, "picture": gu.Picture,
		},
	})
}

func (a *App) fetchUserinfo(ctx context.Context, accessToken string) (*googleUser, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.cfg.GoogleUserinfoURL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("userinfo request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("userinfo returned status %d", resp.StatusCode)
	}

	var gu googleUser
	if err := json.NewDecoder(resp.Body).Decode(&gu); err != nil {
		return nil, fmt.Errorf("decode userinfo: %w", err)
	}
	if gu.Sub == "" {
		return nil, fmt.Errorf("userinfo returned no subject")
	}
	return &gu, nil
}

// upsertUser ensures a user row exists for the identity and reports whether
// it is active. New identities are inserted inactive; activation happens
// out-of-band through the admin endpoints.
func (a *App) upsertUser(ctx context.Context, gu *googleUser) (bool, error) {
	var active int
	err := a.db.QueryRowContext(ctx, `SELECT active FROM users WHERE id = ?`, gu.Sub).Scan(&active)
	if err == nil {
		return active == 1, nil
	}

	_, err = a.db.ExecContext(ctx,
		`INSERT INTO users (id, email, name, picture, active) VALUES (?, ?, ?, ?, 0)`,
		gu.Sub, gu.Email, gu.Name, gu.Picture)
	if err != nil {
		// Concurrent first sign-in: the row already exists, re-read it.
		if isUniqueViolation(err) {
			if rerr := a.db.QueryRowContext(ctx, `SELECT active FROM users WHERE id = ?`, gu.Sub).Scan(&active); rerr == nil {
				return active == 1, nil
			}
		}
		return false, err
	}
	return false, nil
}

func (a *App) generateToken(userID string) string {
	claims := jwt.MapClaims{
		"sub": userID,
		"exp": time.Now().Add(7 * 24 * time.Hour).Unix(),
		"iat": time.Now().Unix(),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	s, _ := token.SignedString([]byte(a.cfg.JWTSecret))
	return s
}

// extractUserID parses the Bearer JWT and returns its subject, or "".
func (a *App) extractUserID(r *http.Request) string {
	authHeader := r.Header.Get("Authorization")
	if !strings.HasPrefix(authHeader, "Bearer ") {
		return ""
	}

	tokenStr := strings.TrimPrefix(authHeader, "Bearer ")
	token, err := jwt.Parse(tokenStr, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method")
		}
		return []byte(a.cfg.JWTSecret), nil
	})
	if err != nil || !token.Valid {
		return ""
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return ""
	}
	sub, _ := claims["sub"].(string)
	return sub
}

// authMiddleware requires a valid session JWT and puts the user id into the
// request context.
func (a *App) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		userID := a.extractUserID(r)
		if userID == "" {
			writeJSON(w, 401, map[string]string{"error": "unauthorized"})
			return
		}
		ctx := context.WithValue(r.Context(), userIDKey, userID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// requireActive gates every data-affecting route on the user's active flag.
// The flag is read per request so an admin deactivation takes effect
// immediately, not at token expiry.
func (a *App) requireActive(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		userID := r.Context().Value(userIDKey).(string)
		var active int
		err := a.db.QueryRowContext(r.Context(), `SELECT active FROM users WHERE id = ?`, userID).Scan(&active)
		if err != nil {
			writeJSON(w, 401, map[string]string{"error": "unknown user"})
			return
		}
		if active != 1 {
			writeJSON(w, 403, map[string]string{
				"error": "account is not activated",
				"code":  "ACCOUNT_INACTIVE",
			})
			return
		}
		next.ServeHTTP(w, r)
	})
}
