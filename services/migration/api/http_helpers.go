package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"aimigrate/services/migration"
)

func decodeJSON(r *http.Request, dest any) error {
	if r.Body == nil {
		return errors.New("request body required")
	}
	defer r.Body.Close()

	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(dest)
}

func respondJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	_ = json.NewEncoder(w).Encode(payload)
}

func respondError(w http.ResponseWriter, status int, err error) {
	if err == nil {
		err = errors.New("unknown error")
	}
	respondJSON(w, status, map[string]any{"error": err.Error()})
}

// statusFor maps pipeline error kinds onto HTTP statuses.
func statusFor(err error) int {
	switch migration.KindOf(err) {
	case migration.KindValidation, migration.KindParse:
		return http.StatusBadRequest
	case migration.KindNotFound:
		return http.StatusNotFound
	case migration.KindPermission:
		return http.StatusForbidden
	case migration.KindDuplicate:
		return http.StatusConflict
	case migration.KindExternal:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, 30*time.Second)
}
