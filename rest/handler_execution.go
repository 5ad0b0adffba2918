package rest

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/fluxion-io/fluxion/coordinator"
	"github.com/fluxion-io/fluxion/logger"
	"github.com/fluxion-io/fluxion/model"
	"github.com/fluxion-io/fluxion/persistence"
	"github.com/gorilla/mux"
	"go.uber.org/zap"
)

func (s *Server) HandleExecute(w http.ResponseWriter, r *http.Request) {
	var request model.ExecutionRequest
	if err := json.NewDecoder(r.Body).Decode(&request); err != nil {
		respondWithError(w, http.StatusBadRequest, "malformed execution request")
		return
	}
	defer r.Body.Close()
	execution, err := s.coordinator.Admit(request)
	if err != nil {
		var rejected *coordinator.RejectedError
		if errors.As(err, &rejected) {
			respondWithJSON(w, http.StatusTooManyRequests, map[string]any{
				"error":  "execution rejected",
				"reason": rejected.Reason,
			})
			return
		}
		if errors.Is(err, persistence.ErrNotFound) {
			respondWithError(w, http.StatusNotFound, "workflow not found")
			return
		}
		logger.Error("error admitting execution", zap.String("workflowId", request.WorkflowId), zap.Error(err))
		respondWithError(w, http.StatusInternalServerError, "error starting execution")
		return
	}
	respondWithJSON(w, http.StatusAccepted, map[string]any{"executionId": execution.Id})
}

func (s *Server) HandleGetExecution(w http.ResponseWriter, r *http.Request) {
	executionId := mux.Vars(r)["id"]
	execution, err := s.executions.Load(executionId)
	if err != nil {
		if errors.Is(err, persistence.ErrNotFound) {
			respondWithError(w, http.StatusNotFound, "execution not found")
			return
		}
		logger.Error("error getting execution", zap.String("executionId", executionId), zap.Error(err))
		respondWithError(w, http.StatusInternalServerError, "error getting execution")
		return
	}
	respondWithJSON(w, http.StatusOK, execution)
}

func (s *Server) HandleCancelExecution(w http.ResponseWriter, r *http.Request) {
	executionId := mux.Vars(r)["id"]
	if err := s.coordinator.Cancel(executionId); err != nil {
		if errors.Is(err, persistence.ErrNotFound) {
			respondWithError(w, http.StatusNotFound, "execution not found")
			return
		}
		logger.Error("error cancelling execution", zap.String("executionId", executionId), zap.Error(err))
		respondWithError(w, http.StatusInternalServerError, "error cancelling execution")
		return
	}
	respondOKWithoutBody(w)
}

// HandleInvokerCallback completes an action that reported PENDING. External
// systems post the final result here once the asynchronous work finishes.
func (s *Server) HandleInvokerCallback(w http.ResponseWriter, r *http.Request) {
	executionId := mux.Vars(r)["id"]
	var result model.InvokeResult
	if err := json.NewDecoder(r.Body).Decode(&result); err != nil {
		respondWithError(w, http.StatusBadRequest, "malformed invoke result")
		return
	}
	defer r.Body.Close()
	if err := s.executor.ResumeAsync(executionId, result); err != nil {
		if errors.Is(err, persistence.ErrNotFound) {
			respondWithError(w, http.StatusNotFound, "execution not found")
			return
		}
		respondWithError(w, http.StatusConflict, err.Error())
		return
	}
	respondOKWithoutBody(w)
}

// HandleStreamExecution emits status changes as server-sent events until the
// execution terminates or the client goes away. A subscriber that arrives
// after termination receives the terminal status immediately.
func (s *Server) HandleStreamExecution(w http.ResponseWriter, r *http.Request) {
	executionId := mux.Vars(r)["id"]
	flusher, ok := w.(http.Flusher)
	if !ok {
		respondWithError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}
	changes, cancel := s.publisher.Subscribe(executionId)
	defer cancel()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		select {
		case change, open := <-changes:
			if !open {
				return
			}
			payload, _ := json.Marshal(change)
			w.Write([]byte("data: "))
			w.Write(payload)
			w.Write([]byte("\n\n"))
			flusher.Flush()
		case <-r.Context().Done():
			return
		}
	}
}
