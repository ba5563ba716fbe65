// Package jsonutil renders the gateway's uniform JSON response envelope and
// maps classified failures onto it.
package jsonutil

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/bleepstore/filegateway/internal/audit"
	gwerr "github.com/bleepstore/filegateway/internal/errors"
)

// Envelope is the body of every gateway response.
type Envelope struct {
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

// Result is what a handler returns on success.
type Result struct {
	Message string
	Status  int
	Data    any
}

// OK returns a 200 Result.
func OK(message string, data any) *Result {
	return &Result{Message: message, Status: http.StatusOK, Data: data}
}

// Created returns a 201 Result.
func Created(message string, data any) *Result {
	return &Result{Message: message, Status: http.StatusCreated, Data: data}
}

// HandlerFunc is a handler whose outcome is rendered by a Formatter.
type HandlerFunc func(w http.ResponseWriter, r *http.Request) (*Result, error)

// Formatter converts HandlerFunc outcomes into envelopes. Backend and unknown
// failures are recorded through Audit before the 500 is written.
type Formatter struct {
	Audit *audit.Logger
}

// Wrap adapts h to an http.HandlerFunc.
func (f *Formatter) Wrap(h HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		res, err := h(w, r)
		if err != nil {
			e := gwerr.Classify(err)
			if f.Audit != nil && !gwerr.Is(e, gwerr.KindCaller) && !gwerr.Is(e, gwerr.KindNotFound) {
				f.Audit.RequestFailed(r.Context(), r.Method, r.URL.Path, e.HTTPStatus, err)
			}
			WriteError(w, e)
			return
		}
		if res == nil {
			res = OK("", nil)
		}
		WriteJSON(w, res.Status, Envelope{Message: res.Message, Data: res.Data})
	}
}

// WriteJSON marshals v as JSON and writes it with the given status code.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	body, err := json.Marshal(v)
	if err != nil {
		slog.Error("Encoding JSON response", "error", err)
		status = http.StatusInternalServerError
		body = []byte(`{"message":"Internal server error."}`)
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(append(body, '\n'))
}

// WriteMessage writes an envelope carrying only message.
func WriteMessage(w http.ResponseWriter, status int, message string) {
	WriteJSON(w, status, Envelope{Message: message})
}

// WriteError writes the envelope for a classified failure. Only the
// client-facing message is exposed.
func WriteError(w http.ResponseWriter, e *gwerr.Error) {
	WriteMessage(w, e.HTTPStatus, e.Message)
}
