package api

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/google/uuid"
)

// Problem is an RFC 7807 Problem Details body.
type Problem struct {
	Type      string `json:"type"`
	Title     string `json:"title"`
	Status    int    `json:"status"`
	Detail    string `json:"detail"`
	RequestID string `json:"request_id"`
}

func (p Problem) Error() string {
	return fmt.Sprintf("%s: %s", p.Title, p.Detail)
}

// Problem types.
const (
	ProblemTypeValidation = "https://deployguard.example.com/problems/validation-error"
	ProblemTypeAuth       = "https://deployguard.example.com/problems/authentication-error"
	ProblemTypePolicy     = "https://deployguard.example.com/problems/policy-violation"
	ProblemTypeNotFound   = "https://deployguard.example.com/problems/not-found"
	ProblemTypeConflict   = "https://deployguard.example.com/problems/conflict"
	ProblemTypeInternal   = "https://deployguard.example.com/problems/internal-error"
)

// ResponseWriter stamps request IDs and writes consistent JSON bodies.
type ResponseWriter struct {
	w         http.ResponseWriter
	requestID string
}

func NewResponseWriter(w http.ResponseWriter, r *http.Request) *ResponseWriter {
	requestID := r.Header.Get("X-Request-ID")
	if requestID == "" {
		requestID = uuid.New().String()
	}
	w.Header().Set("X-Request-ID", requestID)
	return &ResponseWriter{w: w, requestID: requestID}
}

func (rw *ResponseWriter) WriteJSON(status int, data interface{}) error {
	rw.w.Header().Set("Content-Type", "application/json")
	rw.w.WriteHeader(status)
	return json.NewEncoder(rw.w).Encode(data)
}

func (rw *ResponseWriter) WriteProblem(problemType, title string, status int, detail string) error {
	rw.w.Header().Set("Content-Type", "application/problem+json")
	rw.w.WriteHeader(status)
	return json.NewEncoder(rw.w).Encode(Problem{
		Type:      problemType,
		Title:     title,
		Status:    status,
		Detail:    detail,
		RequestID: rw.requestID,
	})
}
