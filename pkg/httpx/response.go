// Package httpx holds the JSON response helpers of the gateway.
package httpx

import (
	"encoding/json"
	"net/http"
)

// RespondJSON writes a JSON response with the given status code and data. The
// status is already sent when an encoding error is returned.
func RespondJSON(w http.ResponseWriter, status int, data any) error {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	return json.NewEncoder(w).Encode(data)
}
