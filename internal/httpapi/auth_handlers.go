package httpapi

import (
	"errors"
	"net/http"
	"time"

	"ptw.org/internal/audit"
	"ptw.org/internal/auth"
	"ptw.org/internal/obs"
)

type loginRequest struct {
	Username string `json:"usuario"`
	Password string `json:"password"`
}

type changeTemporaryPasswordRequest struct {
	Username    string `json:"usuario"`
	Password    string `json:"password"`
	NewPassword string `json:"newPassword"`
}

type changePasswordRequest struct {
	NewPassword string `json:"newPassword"`
}

type sessionResponse struct {
	Token     string     `json:"token"`
	ExpiresAt time.Time  `json:"expiresAt"`
	User      *auth.User `json:"user"`
}

type passwordChangeRequired struct {
	RequirePasswordChange bool   `json:"requirePasswordChange"`
	ChangeReason          string `json:"changeReason"`
}

func (a *API) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if !decodeOrReject(w, r, &req) {
		return
	}

	res, err := a.auth.Login(r.Context(), req.Username, req.Password)
	a.respondSession(w, r, "auth.login", req.Username, res, err)
}

func (a *API) handleChangeTemporaryPassword(w http.ResponseWriter, r *http.Request) {
	var req changeTemporaryPasswordRequest
	if !decodeOrReject(w, r, &req) {
		return
	}

	res, err := a.auth.ChangeTemporaryPassword(r.Context(), req.Username, req.Password, req.NewPassword)
	a.respondSession(w, r, "auth.change_temporary_password", req.Username, res, err)
}

func (a *API) handleChangePassword(w http.ResponseWriter, r *http.Request) {
	id, ok := identity(w, r)
	if !ok {
		return
	}
	var req changePasswordRequest
	if !decodeOrReject(w, r, &req) {
		return
	}

	err := a.auth.ChangePassword(r.Context(), id.Subject, req.NewPassword)
	a.recordAuth(r, "auth.change_password", id.Subject, id.Role, "", err)
	if err != nil {
		writeServiceError(w, r, a.log, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) respondSession(w http.ResponseWriter, r *http.Request, action, username string, res auth.LoginResult, err error) {
	var actorID, role string
	if res.User != nil {
		actorID, role = res.User.ID, res.User.Role
	}
	a.recordAuth(r, action, actorID, role, username, err)

	switch {
	case errors.Is(err, auth.ErrInvalidCredentials):
		obs.RecordLogin("invalid")
		writeInvalidCredentials(w)
	case err != nil:
		if errors.Is(err, auth.ErrWeakPassword) {
			obs.RecordLogin("weak_password")
		} else {
			obs.RecordLogin("error")
		}
		writeServiceError(w, r, a.log, err)
	case res.RequirePasswordChange:
		obs.RecordLogin("password_change")
		writeJSON(w, http.StatusOK, passwordChangeRequired{
			RequirePasswordChange: true,
			ChangeReason:          res.ChangeReason,
		})
	default:
		obs.RecordLogin("success")
		writeJSON(w, http.StatusOK, sessionResponse{
			Token:     res.Token,
			ExpiresAt: res.ExpiresAt.UTC(),
			User:      res.User,
		})
	}
}

func (a *API) recordAuth(r *http.Request, action, actorID, role, username string, err error) {
	outcome := audit.OutcomeSuccess
	switch {
	case errors.Is(err, auth.ErrInvalidCredentials):
		outcome = audit.OutcomeDenied
	case errors.Is(err, auth.ErrWeakPassword):
		outcome = audit.OutcomeInvalid
	case err != nil:
		outcome = audit.OutcomeError
	}
	ev := audit.Event{
		ActorID:      actorID,
		ActorRole:    role,
		Action:       action,
		ResourceType: "user",
		ResourceID:   actorID,
		Outcome:      outcome,
		Metadata:     map[string]string{"remote_ip": clientIP(r, a.trustProxy)},
	}
	if username != "" {
		ev.Metadata["usuario"] = username
	}
	a.audit.Record(r.Context(), ev)
}
