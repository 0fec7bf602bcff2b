package rest

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/policyflow/policyflow/pkg/decision"
	"github.com/policyflow/policyflow/pkg/engine"
	"github.com/policyflow/policyflow/pkg/engine/model"
)

type ApiError struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

func writeError(w http.ResponseWriter, status int, apiErr ApiError) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(apiErr)
}

// writeEngineError maps the engine's typed errors onto HTTP statuses:
// missing resources are 404, lifecycle conflicts 409, rejected
// deployments 400, everything else 500.
func writeEngineError(w http.ResponseWriter, err error) {
	var (
		definitionNotFound *engine.DefinitionNotFoundError
		instanceNotFound   *engine.InstanceNotFoundError
		jobNotFound        *engine.JobNotFoundError
		incidentNotFound   *engine.IncidentNotFoundError
		jobNotActive       *engine.JobNotActiveError
		instanceNotActive  *engine.InstanceNotActiveError
		incidentResolved   *engine.IncidentResolvedError
		invalidDefinition  *model.ValidationError
		invalidTable       *decision.ValidationError
	)
	switch {
	case errors.As(err, &definitionNotFound),
		errors.As(err, &instanceNotFound),
		errors.As(err, &jobNotFound),
		errors.As(err, &incidentNotFound):
		writeError(w, http.StatusNotFound, ApiError{Type: "NOT_FOUND", Message: err.Error()})
	case errors.As(err, &jobNotActive),
		errors.As(err, &instanceNotActive),
		errors.As(err, &incidentResolved):
		writeError(w, http.StatusConflict, ApiError{Type: "CONFLICT", Message: err.Error()})
	case errors.As(err, &invalidDefinition),
		errors.As(err, &invalidTable):
		writeError(w, http.StatusBadRequest, ApiError{Type: "INVALID_RESOURCE", Message: err.Error()})
	default:
		writeError(w, http.StatusInternalServerError, ApiError{Type: "ERROR", Message: err.Error()})
	}
}
