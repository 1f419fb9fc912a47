package http

import (
	"net/http"

	"github.com/goccy/go-json"
)

// Response helpers for consistent JSON responses

// ErrorResponse represents an error response
type ErrorResponse struct {
	Error   string            `json:"error"`
	Code    string            `json:"code,omitempty"`
	Details map[string]string `json:"details,omitempty"`
}

// ProtectedResponse is returned for password-protected links.
type ProtectedResponse struct {
	Error     string `json:"error"`
	Protected bool   `json:"protected"`
	VerifyURL string `json:"verifyUrl"`
}

// respondJSON sends a JSON response
func respondJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	body, err := json.Marshal(data)
	if err != nil {
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(statusCode)
	_, _ = w.Write(append(body, '\n'))
}

// respondError sends an error response
func respondError(w http.ResponseWriter, statusCode int, message, code string) {
	respondJSON(w, statusCode, ErrorResponse{
		Error: message,
		Code:  code,
	})
}
