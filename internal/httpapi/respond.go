package httpapi

import (
	"encoding/json"
	"net/http"
)

// errMessageInternal is the generic message for 500 responses. Internal
// details go to the log, not the client.
const errMessageInternal = "internal server error"

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func jsonError(w http.ResponseWriter, message string, status int) {
	writeJSON(w, status, map[string]string{"error": message})
}
