package rest

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/hashicorp/go-hclog"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/policyflow/policyflow/internal/config"
	"github.com/policyflow/policyflow/internal/log"
	"github.com/policyflow/policyflow/internal/rest/middleware"
	"github.com/policyflow/policyflow/pkg/engine"
)

type Server struct {
	engine   *engine.Engine
	addr     string
	server   *http.Server
	validate *validator.Validate
	log      hclog.Logger
}

func NewServer(e *engine.Engine, conf config.Config) *Server {
	r := chi.NewRouter()
	s := Server{
		engine:   e,
		addr:     conf.Server.Addr,
		validate: validator.New(validator.WithRequiredStructEnabled()),
		log:      log.Named("rest"),
		server: &http.Server{
			ReadHeaderTimeout: 3 * time.Second,
			Handler:           r,
			Addr:              conf.Server.Addr,
		},
	}
	r.Use(middleware.Cors())
	r.Use(middleware.Opentelemetry())
	r.Route("/v1", func(r chi.Router) {
		r.Post("/process-definitions", s.deployProcessDefinition)
		r.Get("/process-definitions/{processId}", s.listProcessDefinitions)
		r.Post("/decision-tables", s.deployDecisionTable)

		r.Post("/process-instances", s.createProcessInstance)
		r.Get("/process-instances", s.listProcessInstances)
		r.Get("/process-instances/{key}", s.getProcessInstance)
		r.Post("/process-instances/{key}/terminate", s.terminateProcessInstance)
		r.Post("/process-instances/{key}/variables", s.setProcessInstanceVariables)
		r.Get("/process-instances/{key}/incidents", s.listInstanceIncidents)

		r.Post("/incidents/{key}/resolve", s.resolveIncident)

		r.Post("/jobs/activate", s.activateJobs)
		r.Post("/jobs/{key}/complete", s.completeJob)
		r.Post("/jobs/{key}/fail", s.failJob)

		r.Get("/tasks", s.listUserTasks)
	})
	// register system endpoints
	r.Route("/system", func(r chi.Router) {
		r.Get("/metrics", promhttp.Handler().ServeHTTP)
		r.Get("/status", func(w http.ResponseWriter, r *http.Request) {
			state, _ := json.MarshalIndent(map[string]string{
				"engine": e.Name(),
				"status": "UP",
			}, "", " ")
			w.Header().Add("Content-Type", "application/json")
			w.Write(state)
		})
	})
	return &s
}

// Handler exposes the router, used by the httptest based tests.
func (s *Server) Handler() http.Handler {
	return s.server.Handler
}

func (s *Server) Start() net.Listener {
	listener, err := net.Listen("tcp", s.addr)
	if err != nil {
		s.log.Error("failed to listen", "addr", s.addr, "error", err)
		return nil
	}
	s.log.Info("REST server listening", "addr", s.addr)
	go func() {
		if err := s.server.Serve(listener); err != nil && err != http.ErrServerClosed {
			s.log.Error("error starting server", "error", err)
		}
	}()
	return listener
}

func (s *Server) Stop(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := s.server.Shutdown(ctx); err != nil {
		s.log.Error("error stopping server", "error", err)
	}
}
