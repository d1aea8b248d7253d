package httpapi

import (
	"encoding/json"
	"net/http"
	"strings"
)

// ErrorEnvelope standardizes JSON error responses across the platform API.
// The SDK decodes failed responses into it; the test backend emits it.
type ErrorEnvelope struct {
	Message string            `json:"message"`
	Code    string            `json:"code"`
	Meta    map[string]string `json:"meta,omitempty"`
}

// DecodeError parses body as an ErrorEnvelope. It returns nil when the body
// is not an envelope (e.g. a proxy error page), letting callers fall back to
// the raw status line.
func DecodeError(body []byte) *ErrorEnvelope {
	var envelope ErrorEnvelope
	if err := json.Unmarshal(body, &envelope); err != nil {
		return nil
	}
	if strings.TrimSpace(envelope.Code) == "" {
		return nil
	}
	return &envelope
}

func WriteJSON(w http.ResponseWriter, status int, payload any) error {
	if w == nil {
		return nil
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload == nil {
		return nil
	}
	return json.NewEncoder(w).Encode(payload)
}

func WriteError(w http.ResponseWriter, status int, code, message string, meta map[string]string) error {
	return WriteJSON(w, status, &ErrorEnvelope{
		Code:    code,
		Message: message,
		Meta:    meta,
	})
}
