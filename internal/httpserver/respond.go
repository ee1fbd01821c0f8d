package httpserver

import (
	"encoding/json"
	"log/slog"
	"net/http"
)

// Respond writes a JSON response with the given status code.
func Respond(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if data == nil {
		return
	}
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("encoding response", "error", err)
	}
}

// ErrorResponse is sqew's JSON error envelope (spec.md §7):
// {error, kind, detail}.
type ErrorResponse struct {
	Error  string `json:"error"`
	Kind   string `json:"kind"`
	Detail string `json:"detail"`
}

// RespondError writes a JSON error response in sqew's envelope shape.
func RespondError(w http.ResponseWriter, status int, kind, detail string) {
	Respond(w, status, ErrorResponse{
		Error:  "error",
		Kind:   kind,
		Detail: detail,
	})
}
