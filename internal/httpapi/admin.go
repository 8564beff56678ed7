package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"gatewave.org/internal/audit"
	"gatewave.org/internal/connection"
	"gatewave.org/internal/identity"
	"gatewave.org/internal/session"
)

const (
	authHeader = "Authorization"
	bearer     = "Bearer "
)

// withAdmin authenticates the bearer token and requires admin membership.
func (a *API) withAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if a.provider == nil {
			respondError(w, r, http.StatusServiceUnavailable, "admin API disabled")
			return
		}
		token, err := extractBearerToken(r.Header.Get(authHeader))
		if err != nil {
			respondError(w, r, http.StatusUnauthorized, err.Error())
			return
		}
		user, err := a.provider.Verify(r.Context(), token)
		if err != nil {
			switch {
			case errors.Is(err, identity.ErrInvalidCredential),
				errors.Is(err, identity.ErrCredentialExpired):
				respondError(w, r, http.StatusUnauthorized, "invalid token")
			default:
				respondError(w, r, http.StatusInternalServerError, "authentication error")
			}
			return
		}
		if !user.IsAdmin() {
			respondError(w, r, http.StatusForbidden, "admin access required")
			return
		}

		ctx := audit.WithActor(r.Context(), user.ID)
		ctx = audit.WithRequestID(ctx, RequestIDFromContext(ctx))
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func extractBearerToken(header string) (string, error) {
	header = strings.TrimSpace(header)
	if header == "" {
		return "", errors.New("missing bearer token")
	}
	if !strings.HasPrefix(strings.ToLower(header), strings.ToLower(bearer)) {
		return "", errors.New("invalid authorization scheme")
	}
	token := strings.TrimSpace(header[len(bearer):])
	if token == "" {
		return "", errors.New("missing bearer token")
	}
	return token, nil
}

// --- connections ---

func (a *API) ListConnections(w http.ResponseWriter, r *http.Request) {
	userID := strings.TrimSpace(r.URL.Query().Get("user_id"))
	if userID == "" {
		respondError(w, r, http.StatusBadRequest, "user_id is required")
		return
	}
	conns, err := a.registry.ForUser(r.Context(), userID)
	if err != nil {
		respondError(w, r, http.StatusInternalServerError, "lookup failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"connections": conns})
}

func (a *API) GetConnection(w http.ResponseWriter, r *http.Request) {
	conn, err := a.registry.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		connectionError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, conn)
}

func (a *API) SuspendConnection(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	ctx := audit.WithConnectionID(r.Context(), id)
	conn, err := a.registry.Suspend(ctx, id)
	if err != nil {
		connectionError(w, r, err)
		return
	}
	_ = audit.LogEvent(ctx, "connection.suspend", nil)
	writeJSON(w, http.StatusOK, conn)
}

func (a *API) UnsuspendConnection(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	ctx := audit.WithConnectionID(r.Context(), id)
	conn, err := a.registry.Unsuspend(ctx, id)
	if err != nil {
		connectionError(w, r, err)
		return
	}
	_ = audit.LogEvent(ctx, "connection.unsuspend", nil)
	writeJSON(w, http.StatusOK, conn)
}

func (a *API) RemoveConnection(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	ctx := audit.WithConnectionID(r.Context(), id)
	if err := a.registry.Remove(ctx, id); err != nil {
		respondError(w, r, http.StatusInternalServerError, "remove failed")
		return
	}
	a.hub.Detach(id)
	_ = audit.LogEvent(ctx, "connection.remove", nil)
	writeJSON(w, http.StatusOK, map[string]any{"status": "removed"})
}

func connectionError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, connection.ErrNotFound):
		respondError(w, r, http.StatusNotFound, "connection not found")
	case errors.Is(err, connection.ErrInvalidTransition):
		respondError(w, r, http.StatusConflict, err.Error())
	default:
		respondError(w, r, http.StatusInternalServerError, "operation failed")
	}
}

// --- sessions ---

func (a *API) GetSession(w http.ResponseWriter, r *http.Request) {
	s, err := a.sessions.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		sessionError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"session": s,
		"valid":   a.sessions.IsValid(s),
	})
}

func (a *API) DeactivateSession(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := a.sessions.Deactivate(r.Context(), id); err != nil {
		sessionError(w, r, err)
		return
	}
	_ = audit.LogEvent(r.Context(), "session.deactivate", map[string]any{"session_id": id})
	writeJSON(w, http.StatusOK, map[string]any{"status": "inactive"})
}

func (a *API) ExtendSession(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var body struct {
		DurationMinutes int `json:"duration_minutes"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		respondError(w, r, http.StatusBadRequest, "invalid body")
		return
	}
	s, err := a.sessions.Extend(r.Context(), id, time.Duration(body.DurationMinutes)*time.Minute)
	if err != nil {
		sessionError(w, r, err)
		return
	}
	_ = audit.LogEvent(r.Context(), "session.extend", map[string]any{
		"session_id":       id,
		"duration_minutes": body.DurationMinutes,
	})
	writeJSON(w, http.StatusOK, s)
}

func (a *API) SessionMessages(w http.ResponseWriter, r *http.Request) {
	msgs, err := a.router.ForSession(r.Context(), r.PathValue("id"))
	if err != nil {
		respondError(w, r, http.StatusInternalServerError, "lookup failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"messages": msgs})
}

func sessionError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, session.ErrNotFound):
		respondError(w, r, http.StatusNotFound, "session not found")
	case errors.Is(err, session.ErrInvalidInput):
		respondError(w, r, http.StatusBadRequest, err.Error())
	default:
		respondError(w, r, http.StatusInternalServerError, "operation failed")
	}
}

// --- sweep ---

func (a *API) Sweep(w http.ResponseWriter, r *http.Request) {
	connections, err := a.registry.SweepExpired(r.Context())
	if err != nil {
		respondError(w, r, http.StatusInternalServerError, "connection sweep failed")
		return
	}
	sessions, err := a.sessions.SweepExpired(r.Context())
	if err != nil {
		respondError(w, r, http.StatusInternalServerError, "session sweep failed")
		return
	}
	_ = audit.LogEvent(r.Context(), "sweep.run", map[string]any{
		"connections": connections,
		"sessions":    sessions,
	})
	writeJSON(w, http.StatusOK, map[string]any{
		"connections_removed":  connections,
		"sessions_deactivated": sessions,
	})
}
