package rest

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/fluxion-io/fluxion/logger"
	"github.com/fluxion-io/fluxion/metadata"
	"github.com/fluxion-io/fluxion/model"
	"github.com/fluxion-io/fluxion/persistence"
	"github.com/gorilla/mux"
	"go.uber.org/zap"
)

func (s *Server) HandlePublishWorkflow(w http.ResponseWriter, r *http.Request) {
	var def model.WorkflowDefinition
	if err := json.NewDecoder(r.Body).Decode(&def); err != nil {
		respondWithError(w, http.StatusBadRequest, "malformed workflow definition")
		return
	}
	defer r.Body.Close()
	published, err := s.workflows.Publish(&def)
	if err != nil {
		var invalid *metadata.InvalidDefinitionError
		if errors.As(err, &invalid) {
			respondWithJSON(w, http.StatusUnprocessableEntity, map[string]any{
				"error":      "workflow definition rejected",
				"violations": invalid.Violations,
			})
			return
		}
		logger.Error("error publishing workflow", zap.String("workflowId", def.Id), zap.Error(err))
		respondWithError(w, http.StatusInternalServerError, "error publishing workflow")
		return
	}
	respondWithJSON(w, http.StatusCreated, map[string]any{
		"workflowId": published.Id,
		"version":    published.Version,
	})
}

func (s *Server) HandleListWorkflows(w http.ResponseWriter, r *http.Request) {
	defs, err := s.workflows.ListActive()
	if err != nil {
		logger.Error("error listing workflows", zap.Error(err))
		respondWithError(w, http.StatusInternalServerError, "error listing workflows")
		return
	}
	respondWithJSON(w, http.StatusOK, defs)
}

func (s *Server) HandleGetWorkflow(w http.ResponseWriter, r *http.Request) {
	workflowId := mux.Vars(r)["id"]
	def, err := s.workflows.GetActive(workflowId)
	if err != nil {
		if errors.Is(err, persistence.ErrNotFound) {
			respondWithError(w, http.StatusNotFound, "workflow not found")
			return
		}
		logger.Error("error getting workflow", zap.String("workflowId", workflowId), zap.Error(err))
		respondWithError(w, http.StatusInternalServerError, "error getting workflow")
		return
	}
	respondWithJSON(w, http.StatusOK, def)
}

func (s *Server) HandleGetWorkflowVersion(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	workflowId := vars["id"]
	version, err := strconv.Atoi(vars["version"])
	if err != nil {
		respondWithError(w, http.StatusBadRequest, "version must be an integer")
		return
	}
	def, err := s.workflows.GetVersion(workflowId, version)
	if err != nil {
		if errors.Is(err, persistence.ErrNotFound) {
			respondWithError(w, http.StatusNotFound, "workflow version not found")
			return
		}
		logger.Error("error getting workflow version",
			zap.String("workflowId", workflowId), zap.Int("version", version), zap.Error(err))
		respondWithError(w, http.StatusInternalServerError, "error getting workflow version")
		return
	}
	respondWithJSON(w, http.StatusOK, def)
}

func (s *Server) HandleDeactivateWorkflow(w http.ResponseWriter, r *http.Request) {
	workflowId := mux.Vars(r)["id"]
	if err := s.workflows.Deactivate(workflowId); err != nil {
		if errors.Is(err, persistence.ErrNotFound) {
			respondWithError(w, http.StatusNotFound, "workflow not found")
			return
		}
		logger.Error("error deactivating workflow", zap.String("workflowId", workflowId), zap.Error(err))
		respondWithError(w, http.StatusInternalServerError, "error deactivating workflow")
		return
	}
	respondOKWithoutBody(w)
}
