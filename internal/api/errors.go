// SPDX-License-Identifier: MIT

package api

import (
	"encoding/json"
	"net/http"

	"github.com/lumina-dl/lumina/internal/classify"
)

// writeJSON writes a JSON response with the given status code
func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// writeKind writes a classified error response.
func writeKind(w http.ResponseWriter, code int, kind classify.Kind, msg string) {
	writeJSON(w, code, map[string]string{
		"error_code":    kind.String(),
		"error_message": msg,
	})
}

// writeNotFound writes a 404 Not Found response
func writeNotFound(w http.ResponseWriter) {
	writeJSON(w, http.StatusNotFound, map[string]string{"error": "not found"})
}

// statusForKind maps a probe failure onto an HTTP status.
func statusForKind(kind classify.Kind) int {
	switch kind {
	case classify.KindInvalidInput, classify.KindInvalidURL, classify.KindUnsupportedURL:
		return http.StatusBadRequest
	case classify.KindTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusBadGateway
	}
}
