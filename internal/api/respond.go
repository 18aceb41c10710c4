package api

import (
	"encoding/json"
	"log"
	"net/http"
)

// errorBody is the stable error envelope every failure response carries.
type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, map[string]errorBody{"error": {Code: code, Message: message}})
}

// sanitizedError logs the full internal error and returns a public-safe
// message. Use this whenever a 500-level error would otherwise include
// err.Error() in the response: database details and file paths must never
// reach API consumers.
func sanitizedError(status int, internalErr error, publicMsg string) string {
	if internalErr != nil {
		log.Printf("ERROR [%d]: %s: %v", status, publicMsg, internalErr)
	}
	return publicMsg
}

// respondSafeError logs the internal error and sends a sanitized JSON
// error response to the client.
func respondSafeError(w http.ResponseWriter, status int, code string, internalErr error, publicMsg string) {
	respondError(w, status, code, sanitizedError(status, internalErr, publicMsg))
}
