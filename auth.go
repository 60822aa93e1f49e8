package main

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"errors"
	"log"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
)

const sessionCookieName = "mafia_session"

var errNoSession = errors.New("no session")

type ctxKey int

const uidKey ctxKey = 0

func generateSessionToken() (string, error) {
	bytes := make([]byte, 16)
	if _, err := rand.Read(bytes); err != nil {
		return "", err
	}
	return hex.EncodeToString(bytes), nil
}

// createSession issues a new anonymous identity and its session token.
func createSession(ctx context.Context, db *sqlx.DB) (token, uid string, err error) {
	token, err = generateSessionToken()
	if err != nil {
		return "", "", err
	}
	uid = uuid.NewString()
	_, err = db.ExecContext(ctx, "INSERT INTO session (token, uid, created_at) VALUES (?, ?, ?)",
		token, uid, time.Now().UnixMilli())
	if err != nil {
		return "", "", err
	}
	return token, uid, nil
}

func setSessionCookie(w http.ResponseWriter, token string) {
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookieName,
		Value:    token,
		Path:     "/",
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
}

func getUIDFromSession(r *http.Request, db *sqlx.DB) (string, error) {
	cookie, err := r.Cookie(sessionCookieName)
	if err != nil {
		return "", errNoSession
	}

	var uid string
	err = db.GetContext(r.Context(), &uid, "SELECT uid FROM session WHERE token = ?", cookie.Value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", errNoSession
	}
	if err != nil {
		return "", err
	}
	return uid, nil
}

// uidFrom returns the identity put in the request context by requireSession.
func uidFrom(ctx context.Context) string {
	uid, _ := ctx.Value(uidKey).(string)
	return uid
}

// requireSession rejects requests without a valid session.
func (s *server) requireSession(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		uid, err := getUIDFromSession(r, s.db)
		if err != nil {
			if !errors.Is(err, errNoSession) {
				logError("requireSession: getUIDFromSession", err)
			}
			writeError(w, http.StatusUnauthorized, "Not signed in")
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), uidKey, uid)))
	})
}

// handleSession signs the caller in anonymously. A caller that already holds
// a valid session keeps its identity.
func (s *server) handleSession(w http.ResponseWriter, r *http.Request) {
	if uid, err := getUIDFromSession(r, s.db); err == nil {
		DebugLog("handleSession", "Existing session for %s", uid)
		writeJSON(w, http.StatusOK, map[string]string{"uid": uid})
		return
	}

	token, uid, err := createSession(r.Context(), s.db)
	if err != nil {
		logError("handleSession: createSession", err)
		writeError(w, http.StatusInternalServerError, "Something went wrong")
		return
	}

	log.Printf("New session created: uid=%s", uid)
	LogDBState("after session created")
	setSessionCookie(w, token)
	writeJSON(w, http.StatusCreated, map[string]string{"uid": uid})
}

func (s *server) handleLogout(w http.ResponseWriter, r *http.Request) {
	cookie, err := r.Cookie(sessionCookieName)
	if err == nil {
		if _, err := s.db.ExecContext(r.Context(), "DELETE FROM session WHERE token = ?", cookie.Value); err != nil {
			logError("handleLogout: delete session", err)
		}
	}

	DebugLog("handleLogout", "Session closed")
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookieName,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
	})
	w.WriteHeader(http.StatusNoContent)
}
