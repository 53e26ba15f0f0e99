package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/edvin/wgfleet/internal/faults"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

// writeFault maps service-layer error types onto HTTP status codes.
func writeFault(w http.ResponseWriter, err error) {
	var (
		nf *faults.NotFound
		ve *faults.ValidationError
		cf *faults.Conflict
		ae *faults.AuthError
	)
	switch {
	case errors.As(err, &nf):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.As(err, &ve):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.As(err, &cf):
		writeError(w, http.StatusConflict, err.Error())
	case errors.As(err, &ae):
		writeError(w, http.StatusUnauthorized, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}
