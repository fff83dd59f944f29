package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/rs/zerolog"

	"ptw.org/internal/auth"
	"ptw.org/internal/permit"
)

const (
	msgAuthRequired       = "authentication required"
	msgInvalidCredentials = "invalid credentials"
	msgForbidden          = "forbidden"
	msgInternal           = "internal error"
)

// invalidCredentialsBody is written verbatim for every failed login so the
// response does not depend on why the login failed.
var invalidCredentialsBody = []byte(`{"error":"` + msgInvalidCredentials + `"}` + "\n")

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}

func writeValidation(w http.ResponseWriter, fields map[string]string) {
	writeJSON(w, http.StatusBadRequest, map[string]any{
		"error":  "validation failed",
		"fields": fields,
	})
}

func writeInvalidCredentials(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(http.StatusUnauthorized)
	_, _ = w.Write(invalidCredentialsBody)
}

func writeUnauthorized(w http.ResponseWriter) {
	w.Header().Set("WWW-Authenticate", `Bearer realm="ptw"`)
	writeError(w, http.StatusUnauthorized, msgAuthRequired)
}

// writeServiceError maps domain errors onto status codes. Unknown errors are
// logged and reported as a generic 500.
func writeServiceError(w http.ResponseWriter, r *http.Request, log zerolog.Logger, err error) {
	var verr *permit.ValidationError
	var perr *auth.PolicyError
	switch {
	case errors.As(err, &verr):
		writeValidation(w, verr.Fields)
	case errors.As(err, &perr):
		writeValidation(w, map[string]string{"newPassword": strings.Join(perr.Violations, "; ")})
	case errors.Is(err, auth.ErrInvalidToken), errors.Is(err, auth.ErrTokenExpired):
		writeUnauthorized(w)
	case errors.Is(err, permit.ErrForbidden):
		writeError(w, http.StatusForbidden, msgForbidden)
	case errors.Is(err, permit.ErrNotFound), errors.Is(err, auth.ErrNotFound):
		writeError(w, http.StatusNotFound, "not found")
	case errors.Is(err, permit.ErrConflict):
		writeError(w, http.StatusConflict, "conflict")
	default:
		log.Error().Err(err).
			Str("request_id", RequestIDFromContext(r.Context())).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Msg("request failed")
		writeError(w, http.StatusInternalServerError, msgInternal)
	}
}

// decodeJSON reads exactly one JSON object from the body.
func decodeJSON(r *http.Request, dst any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return errors.New("request body is required")
		}
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			return errors.New("request body too large")
		}
		return errors.New("malformed JSON body")
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		return errors.New("unexpected data after JSON body")
	}
	return nil
}

// decodeOrReject decodes the body and writes a 400 on failure.
func decodeOrReject(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := decodeJSON(r, dst); err != nil {
		writeValidation(w, map[string]string{"body": err.Error()})
		return false
	}
	return true
}
