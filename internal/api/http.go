// Package api exposes the operator surface: deployment lifecycle and
// delivery management, bearer-token protected.
package api

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/deployguard/deployguard/internal/canary"
	"github.com/deployguard/deployguard/internal/delivery"
	"github.com/deployguard/deployguard/internal/partners"
	"github.com/deployguard/deployguard/internal/telemetry"
)

// Server wires the ops handlers to the controller and delivery engine.
type Server struct {
	controller *canary.Controller
	engine     *delivery.Engine
	opsToken   string
}

func NewServer(controller *canary.Controller, engine *delivery.Engine, opsToken string) *Server {
	return &Server{controller: controller, engine: engine, opsToken: opsToken}
}

// Mount attaches the ops routes under /v1.
func (s *Server) Mount(r chi.Router) {
	r.Route("/v1", func(r chi.Router) {
		r.Use(s.requireOpsToken)

		r.Post("/deployments", s.handleStartDeployment)
		r.Get("/deployments", s.handleListDeployments)
		r.Get("/deployments/{id}", s.handleDeploymentStatus)
		r.Get("/deployments/{id}/metrics", s.handleDeploymentMetrics)
		r.Post("/deployments/{id}/rollback", s.handleRollback)
		r.Post("/deployments/{id}/resume", s.handleResume)
		r.Post("/deployments/{id}/confirm-rollback", s.handleConfirmRollback)

		r.Post("/deliveries", s.handleSubmitDelivery)
		r.Get("/deliveries/stats", s.handleDeliveryStats)
		r.Post("/deliveries/{id}/replay", s.handleReplay)
	})
}

// requireOpsToken enforces the bearer token when one is configured.
func (s *Server) requireOpsToken(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.opsToken != "" {
			auth := r.Header.Get("Authorization")
			token, ok := strings.CutPrefix(auth, "Bearer ")
			if !ok || subtle.ConstantTimeCompare([]byte(token), []byte(s.opsToken)) != 1 {
				NewResponseWriter(w, r).WriteProblem(ProblemTypeAuth,
					"Unauthorized", http.StatusUnauthorized, "missing or invalid ops token")
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

type startDeploymentRequest struct {
	Service string `json:"service"`
	Version string `json:"version"`
	Region  string `json:"region"`
}

func (s *Server) handleStartDeployment(w http.ResponseWriter, r *http.Request) {
	rw := NewResponseWriter(w, r)
	telemetry.OpsActionsTotal.WithLabelValues("deployment_start").Inc()

	var req startDeploymentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		rw.WriteProblem(ProblemTypeValidation, "Invalid Request", http.StatusBadRequest, err.Error())
		return
	}
	if req.Service == "" || req.Version == "" || req.Region == "" {
		rw.WriteProblem(ProblemTypeValidation, "Invalid Request", http.StatusBadRequest,
			"service, version, and region are required")
		return
	}

	d, err := s.controller.Start(r.Context(), req.Service, req.Version, req.Region)
	if err != nil {
		switch {
		case errors.Is(err, canary.ErrNotCanaryEnabled), errors.Is(err, canary.ErrRegionNotAllowed):
			rw.WriteProblem(ProblemTypePolicy, "Policy Violation", http.StatusForbidden, err.Error())
		default:
			rw.WriteProblem(ProblemTypeInternal, "Start Failed", http.StatusInternalServerError, err.Error())
		}
		return
	}
	rw.WriteJSON(http.StatusCreated, d)
}

func (s *Server) handleListDeployments(w http.ResponseWriter, r *http.Request) {
	NewResponseWriter(w, r).WriteJSON(http.StatusOK, map[string]interface{}{
		"deployments": s.controller.List(),
	})
}

func (s *Server) handleDeploymentStatus(w http.ResponseWriter, r *http.Request) {
	rw := NewResponseWriter(w, r)
	d, err := s.controller.Status(chi.URLParam(r, "id"))
	if err != nil {
		rw.WriteProblem(ProblemTypeNotFound, "Not Found", http.StatusNotFound, err.Error())
		return
	}
	rw.WriteJSON(http.StatusOK, d)
}

func (s *Server) handleDeploymentMetrics(w http.ResponseWriter, r *http.Request) {
	rw := NewResponseWriter(w, r)
	d, err := s.controller.Status(chi.URLParam(r, "id"))
	if err != nil {
		rw.WriteProblem(ProblemTypeNotFound, "Not Found", http.StatusNotFound, err.Error())
		return
	}
	rw.WriteJSON(http.StatusOK, map[string]interface{}{
		"deployment_id": d.ID,
		"metrics":       d.LastMetrics,
		"error_budget":  d.LastBudget,
	})
}

type rollbackRequest struct {
	Reason string `json:"reason"`
}

func (s *Server) handleRollback(w http.ResponseWriter, r *http.Request) {
	rw := NewResponseWriter(w, r)
	telemetry.OpsActionsTotal.WithLabelValues("deployment_rollback").Inc()

	var req rollbackRequest
	if r.Body != nil {
		body, _ := io.ReadAll(io.LimitReader(r.Body, 1<<16))
		if len(body) > 0 {
			json.Unmarshal(body, &req)
		}
	}
	if req.Reason == "" {
		req.Reason = "operator initiated"
	}

	err := s.controller.Rollback(r.Context(), chi.URLParam(r, "id"), req.Reason)
	s.writeLifecycleResult(rw, r, err)
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	rw := NewResponseWriter(w, r)
	telemetry.OpsActionsTotal.WithLabelValues("deployment_resume").Inc()
	err := s.controller.Resume(r.Context(), chi.URLParam(r, "id"))
	s.writeLifecycleResult(rw, r, err)
}

func (s *Server) handleConfirmRollback(w http.ResponseWriter, r *http.Request) {
	rw := NewResponseWriter(w, r)
	telemetry.OpsActionsTotal.WithLabelValues("deployment_confirm_rollback").Inc()
	err := s.controller.ConfirmRollback(r.Context(), chi.URLParam(r, "id"))
	s.writeLifecycleResult(rw, r, err)
}

func (s *Server) writeLifecycleResult(rw *ResponseWriter, r *http.Request, err error) {
	switch {
	case err == nil:
		d, serr := s.controller.Status(chi.URLParam(r, "id"))
		if serr != nil {
			rw.WriteProblem(ProblemTypeNotFound, "Not Found", http.StatusNotFound, serr.Error())
			return
		}
		rw.WriteJSON(http.StatusOK, d)
	case errors.Is(err, canary.ErrNotFound):
		rw.WriteProblem(ProblemTypeNotFound, "Not Found", http.StatusNotFound, err.Error())
	case errors.Is(err, canary.ErrTerminal), errors.Is(err, canary.ErrNotPaused):
		rw.WriteProblem(ProblemTypeConflict, "Conflict", http.StatusConflict, err.Error())
	default:
		rw.WriteProblem(ProblemTypeInternal, "Operation Failed", http.StatusInternalServerError, err.Error())
	}
}

type submitDeliveryRequest struct {
	Tenant  string          `json:"tenant"`
	Partner string          `json:"partner"`
	Kind    string          `json:"kind"`
	Payload json.RawMessage `json:"payload"`
}

func (s *Server) handleSubmitDelivery(w http.ResponseWriter, r *http.Request) {
	rw := NewResponseWriter(w, r)
	telemetry.OpsActionsTotal.WithLabelValues("delivery_submit").Inc()

	var req submitDeliveryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		rw.WriteProblem(ProblemTypeValidation, "Invalid Request", http.StatusBadRequest, err.Error())
		return
	}
	if req.Tenant == "" || req.Partner == "" || len(req.Payload) == 0 {
		rw.WriteProblem(ProblemTypeValidation, "Invalid Request", http.StatusBadRequest,
			"tenant, partner, and payload are required")
		return
	}

	job, err := s.engine.Submit(r.Context(), req.Tenant, req.Partner, req.Kind, req.Payload)
	if err != nil {
		if partners.IsPermanent(err) {
			rw.WriteProblem(ProblemTypeValidation, "Rejected", http.StatusBadRequest, err.Error())
			return
		}
		rw.WriteProblem(ProblemTypeInternal, "Submit Failed", http.StatusInternalServerError, err.Error())
		return
	}
	rw.WriteJSON(http.StatusAccepted, job)
}

func (s *Server) handleReplay(w http.ResponseWriter, r *http.Request) {
	rw := NewResponseWriter(w, r)
	telemetry.OpsActionsTotal.WithLabelValues("delivery_replay").Inc()

	force := r.URL.Query().Get("force") == "true"
	job, err := s.engine.Replay(r.Context(), chi.URLParam(r, "id"), force)
	if err != nil {
		if errors.Is(err, delivery.ErrJobNotFound) {
			rw.WriteProblem(ProblemTypeNotFound, "Not Found", http.StatusNotFound, err.Error())
			return
		}
		rw.WriteProblem(ProblemTypeInternal, "Replay Failed", http.StatusInternalServerError, err.Error())
		return
	}
	rw.WriteJSON(http.StatusOK, job)
}

func (s *Server) handleDeliveryStats(w http.ResponseWriter, r *http.Request) {
	rw := NewResponseWriter(w, r)
	stats, err := s.engine.Stats(r.Context())
	if err != nil {
		rw.WriteProblem(ProblemTypeInternal, "Stats Failed", http.StatusInternalServerError, err.Error())
		return
	}
	rw.WriteJSON(http.StatusOK, stats)
}
