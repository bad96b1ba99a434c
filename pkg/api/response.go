package api

import (
	"encoding/json"
	"net/http"
)

// ErrorResponse is the error envelope rendered by every data endpoint.
type ErrorResponse struct {
	Error    string `json:"error"`
	Message  string `json:"message,omitempty"`
	TaskID   string `json:"taskId,omitempty"`
	FilePath string `json:"filePath,omitempty"`
}

// writeJSON writes a JSON response with the given status code.
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		// Encoding failed after the header was sent; nothing left to do
		// but give up on the body.
		http.Error(w, `{"error":"failed to encode response"}`, http.StatusInternalServerError)
	}
}

// writeError renders the error envelope.
func writeError(w http.ResponseWriter, status int, resp ErrorResponse) {
	writeJSON(w, status, resp)
}
