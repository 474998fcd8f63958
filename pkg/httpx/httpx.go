// Package httpx holds small HTTP response helpers used by the handler
// layer in homeserver/server, which is currently its only importer.
package httpx

import (
	"encoding/json"
	"net/http"
)

// errorBody is the JSON shape written by WriteError.
type errorBody struct {
	Error string `json:"error"`
}

// WriteError writes a short diagnostic JSON body with the given status code.
func WriteError(w http.ResponseWriter, code int, msg string) {
	b, _ := json.Marshal(errorBody{Error: msg})
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	w.Write(b)
}

// WriteJSON writes v as a JSON body with the given status code.
func WriteJSON(w http.ResponseWriter, code int, v interface{}) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_, err = w.Write(b)
	return err
}
