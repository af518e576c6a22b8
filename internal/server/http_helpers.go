package server

import (
	"encoding/json"
	"net/http"
)

type middlewareError struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

// writeMiddlewareError renders middleware rejections in the API error shape.
func writeMiddlewareError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(middlewareError{Error: message, Code: code})
}
