package rest

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/policyflow/policyflow/pkg/engine"
	"github.com/policyflow/policyflow/pkg/engine/runtime"
	"github.com/policyflow/policyflow/pkg/storage"
)

const (
	maxBodySize    = 1 << 20
	defaultMaxJobs = 10
)

type definitionSummary struct {
	ProcessId string `json:"processId"`
	Name      string `json:"name,omitempty"`
	Version   int32  `json:"version"`
	Key       int64  `json:"key"`
}

type tableSummary struct {
	DecisionId string `json:"decisionId"`
	Name       string `json:"name,omitempty"`
	Version    int32  `json:"version"`
	Key        int64  `json:"key"`
}

type createInstanceRequest struct {
	ProcessId string         `json:"processId" validate:"required"`
	Variables map[string]any `json:"variables"`
}

type setVariablesRequest struct {
	Variables map[string]any `json:"variables" validate:"required"`
}

type activateJobsRequest struct {
	Type    string `json:"type" validate:"required"`
	Worker  string `json:"worker"`
	MaxJobs int    `json:"maxJobs" validate:"gte=0,lte=100"`
}

type completeJobRequest struct {
	Variables map[string]any `json:"variables"`
}

type failJobRequest struct {
	Retries      int32  `json:"retries" validate:"gte=0"`
	ErrorMessage string `json:"errorMessage"`
}

type resolveIncidentRequest struct {
	Retries int32 `json:"retries" validate:"gte=0"`
}

func (s *Server) deployProcessDefinition(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodySize))
	if err != nil {
		writeError(w, http.StatusBadRequest, ApiError{Type: "BAD_REQUEST", Message: err.Error()})
		return
	}

	def, err := s.engine.DeployProcessDefinition(r.Context(), body)
	if err != nil {
		var engineErr *engine.EngineError
		if errors.As(err, &engineErr) {
			writeError(w, http.StatusBadRequest, ApiError{Type: "BAD_REQUEST", Message: err.Error()})
			return
		}
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, definitionSummary{
		ProcessId: def.ProcessId,
		Name:      def.Name,
		Version:   def.Version,
		Key:       def.Key,
	})
}

func (s *Server) listProcessDefinitions(w http.ResponseWriter, r *http.Request) {
	processId := chi.URLParam(r, "processId")
	defs, err := s.engine.ProcessDefinitionVersions(r.Context(), processId)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	summaries := make([]definitionSummary, 0, len(defs))
	for _, def := range defs {
		summaries = append(summaries, definitionSummary{
			ProcessId: def.ProcessId,
			Name:      def.Name,
			Version:   def.Version,
			Key:       def.Key,
		})
	}
	writeJSON(w, http.StatusOK, summaries)
}

func (s *Server) deployDecisionTable(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodySize))
	if err != nil {
		writeError(w, http.StatusBadRequest, ApiError{Type: "BAD_REQUEST", Message: err.Error()})
		return
	}

	table, err := s.engine.DeployDecisionTable(r.Context(), body)
	if err != nil {
		var engineErr *engine.EngineError
		if errors.As(err, &engineErr) {
			writeError(w, http.StatusBadRequest, ApiError{Type: "BAD_REQUEST", Message: err.Error()})
			return
		}
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, tableSummary{
		DecisionId: table.DecisionId,
		Name:       table.Name,
		Version:    table.Version,
		Key:        table.Key,
	})
}

func (s *Server) createProcessInstance(w http.ResponseWriter, r *http.Request) {
	var req createInstanceRequest
	if !s.decode(w, r, &req) {
		return
	}

	instance, err := s.engine.CreateInstanceById(r.Context(), req.ProcessId, req.Variables)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, instance)
}

func (s *Server) listProcessInstances(w http.ResponseWriter, r *http.Request) {
	filter := storage.InstanceFilter{
		State: runtime.InstanceState(r.URL.Query().Get("state")),
	}
	instances, err := s.engine.ListProcessInstances(r.Context(), filter)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	if instances == nil {
		instances = []runtime.ProcessInstance{}
	}
	writeJSON(w, http.StatusOK, instances)
}

func (s *Server) getProcessInstance(w http.ResponseWriter, r *http.Request) {
	key, ok := keyParam(w, r)
	if !ok {
		return
	}
	instance, err := s.engine.FindProcessInstance(r.Context(), key)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, instance)
}

func (s *Server) terminateProcessInstance(w http.ResponseWriter, r *http.Request) {
	key, ok := keyParam(w, r)
	if !ok {
		return
	}
	if err := s.engine.TerminateInstance(r.Context(), key); err != nil {
		writeEngineError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) setProcessInstanceVariables(w http.ResponseWriter, r *http.Request) {
	key, ok := keyParam(w, r)
	if !ok {
		return
	}
	var req setVariablesRequest
	if !s.decode(w, r, &req) {
		return
	}
	if err := s.engine.SetInstanceVariables(r.Context(), key, req.Variables); err != nil {
		writeEngineError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) listInstanceIncidents(w http.ResponseWriter, r *http.Request) {
	key, ok := keyParam(w, r)
	if !ok {
		return
	}
	incidents, err := s.engine.InstanceIncidents(r.Context(), key)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	if incidents == nil {
		incidents = []runtime.Incident{}
	}
	writeJSON(w, http.StatusOK, incidents)
}

func (s *Server) resolveIncident(w http.ResponseWriter, r *http.Request) {
	key, ok := keyParam(w, r)
	if !ok {
		return
	}
	var req resolveIncidentRequest
	if !s.decode(w, r, &req) {
		return
	}
	instance, err := s.engine.ResolveIncident(r.Context(), key, req.Retries)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, instance)
}

func (s *Server) activateJobs(w http.ResponseWriter, r *http.Request) {
	var req activateJobsRequest
	if !s.decode(w, r, &req) {
		return
	}
	if req.Worker == "" {
		req.Worker = fmt.Sprintf("worker-%s", uuid.NewString())
	}
	if req.MaxJobs == 0 {
		req.MaxJobs = defaultMaxJobs
	}

	jobs, err := s.engine.ActivateJobs(r.Context(), req.Type, req.Worker, req.MaxJobs)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	if jobs == nil {
		jobs = []runtime.Job{}
	}
	writeJSON(w, http.StatusOK, jobs)
}

func (s *Server) completeJob(w http.ResponseWriter, r *http.Request) {
	key, ok := keyParam(w, r)
	if !ok {
		return
	}
	var req completeJobRequest
	if !s.decode(w, r, &req) {
		return
	}
	instance, err := s.engine.CompleteJob(r.Context(), key, req.Variables)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, instance)
}

func (s *Server) failJob(w http.ResponseWriter, r *http.Request) {
	key, ok := keyParam(w, r)
	if !ok {
		return
	}
	var req failJobRequest
	if !s.decode(w, r, &req) {
		return
	}
	if err := s.engine.FailJob(r.Context(), key, req.Retries, req.ErrorMessage); err != nil {
		writeEngineError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) listUserTasks(w http.ResponseWriter, r *http.Request) {
	tasks, err := s.engine.UserTasks(r.Context(), r.URL.Query().Get("assignee"))
	if err != nil {
		writeEngineError(w, err)
		return
	}
	if tasks == nil {
		tasks = []runtime.Job{}
	}
	writeJSON(w, http.StatusOK, tasks)
}

// decode reads a JSON request body into dst and validates it. An empty
// body decodes to the zero value.
func (s *Server) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodySize)).Decode(dst); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, ApiError{Type: "BAD_REQUEST", Message: "invalid request body: " + err.Error()})
		return false
	}
	if err := s.validate.Struct(dst); err != nil {
		writeError(w, http.StatusBadRequest, ApiError{Type: "BAD_REQUEST", Message: err.Error()})
		return false
	}
	return true
}

func keyParam(w http.ResponseWriter, r *http.Request) (int64, bool) {
	key, err := strconv.ParseInt(chi.URLParam(r, "key"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, ApiError{Type: "BAD_REQUEST", Message: "invalid key: " + chi.URLParam(r, "key")})
		return 0, false
	}
	return key, true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
