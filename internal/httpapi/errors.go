package httpapi

import (
	"encoding/json"
	"net/http"

	"merchantcore/internal/apierr"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError renders err as the backend's stable {code, hint} body,
// coercing any error that isn't already an *apierr.Error into an
// InternalLogicError rather than leaking its raw message shape.
func writeError(w http.ResponseWriter, err error) {
	apiErr, ok := err.(*apierr.Error)
	if !ok {
		apiErr = apierr.InternalLogicError(err.Error())
	}
	writeJSON(w, apiErr.Status, apiErr)
}
