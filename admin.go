package main

import (
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"
)

// Accounts are created inactive and must be switched on by an operator;
// these endpoints are that switch.

func (a *App) handleAdminLogin(w http.ResponseWriter, r *http.Request) {
	maxBody(r, defaultBodyLimit)

	var req struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, 400, map[string]string{"error": "invalid request"})
		return
	}

	if a.cfg.AdminPass == "" {
		writeJSON(w, 503, map[string]string{"error": "admin access is not configured"})
		return
	}

	usernameOK := subtle.ConstantTimeCompare([]byte(req.Username), []byte(a.cfg.AdminUser)) == 1
	if !usernameOK || !a.checkAdminPassword(req.Password) {
		writeJSON(w, 401, map[string]string{"error": "invalid credentials"})
		return
	}

	claims := jwt.MapClaims{
		"sub":   "admin",
		"admin": true,
		"exp":   time.Now().Add(24 * time.Hour).Unix(),
		"iat":   time.Now().Unix(),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	tokenStr, err := token.SignedString([]byte(a.cfg.JWTSecret))
	if err != nil {
		writeJSON(w, 500, map[string]string{"error": "failed to generate token"})
		return
	}

	writeJSON(w, 200, map[string]string{"token": tokenStr})
}

// checkAdminPassword accepts either a bcrypt hash ($2…) or a literal value
// in ADMIN_PASSWORD. Hashed is the intended deployment shape; the literal
// path exists for local development and is compared in constant time.
func (a *App) checkAdminPassword(password string) bool {
	if strings.HasPrefix(a.cfg.AdminPass, "$2") {
		return bcrypt.CompareHashAndPassword([]byte(a.cfg.AdminPass), []byte(password)) == nil
	}
	return subtle.ConstantTimeCompare([]byte(password), []byte(a.cfg.AdminPass)) == 1
}

// isAdminToken validates the Bearer JWT and checks the admin:true claim
// explicitly. Intentionally separate from extractUserID so admin access is
// never granted by a user token whose sub happens to equal "admin".
func (a *App) isAdminToken(r *http.Request) bool {
	auth := r.Header.Get("Authorization")
	if !strings.HasPrefix(auth, "Bearer ") {
		return false
	}
	tokenStr := strings.TrimPrefix(auth, "Bearer ")
	token, err := jwt.Parse(tokenStr, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method")
		}
		return []byte(a.cfg.JWTSecret), nil
	})
	if err != nil || !token.Valid {
		return false
	}
	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return false
	}
	isAdmin, _ := claims["admin"].(bool)
	return isAdmin
}

func (a *App) adminAuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !a.isAdminToken(r) {
			writeJSON(w, 401, map[string]string{"error": "unauthorized"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (a *App) handleAdminListUsers(w http.ResponseWriter, r *http.Request) {
	rows, err := a.db.QueryContext(r.Context(), `
		SELECT u.id, u.email, u.name, u.active, u.created_at,
		       COALESCE((SELECT COUNT(*) FROM channels c WHERE c.user_id = u.id), 0),
		       COALESCE((SELECT COUNT(*) FROM videos v WHERE v.user_id = u.id), 0)
		FROM users u
		ORDER BY u.created_at DESC`)
	if err != nil {
		writeJSON(w, 500, map[string]string{"error": "query failed"})
		return
	}
	defer rows.Close()

	users := make([]map[string]interface{}, 0)
	for rows.Next() {
		var id, email, name, createdAt string
		var active, channels, videos int
		if err := rows.Scan(&id, &email, &name, &active, &createdAt, &channels, &videos); err != nil {
			continue
		}
		users = append(users, map[string]interface{}{
			"id": id, "email": email, "name": name,
			"active": active == 1, "created_at": createdAt,
			"channels": channels, "videos": videos,
		})
	}
	writeJSON(w, 200, map[string]interface{}{"users": users})
}

func (a *App) setUserActive(w http.ResponseWriter, r *http.Request, active int) {
	userID := chi.URLParam(r, "id")
	res, err := a.db.ExecContext(r.Context(), `UPDATE users SET active = ? WHERE id = ?`, active, userID)
	if err != nil {
		writeJSON(w, 500, map[string]string{"error": "update failed"})
		return
	}
	if n, _ := res.RowsAffected(); n == 0 {
		writeJSON(w, 404, map[string]string{"error": "user not found"})
		return
	}
	writeJSON(w, 200, map[string]interface{}{"id": userID, "active": active == 1})
}

func (a *App) handleAdminActivateUser(w http.ResponseWriter, r *http.Request) {
	a.setUserActive(w, r, 1)
}

func (a *App) handleAdminDeactivateUser(w http.ResponseWriter, r *http.Request) {
	a.setUserActive(w, r, 0)
}
