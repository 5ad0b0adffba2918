package rest

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/fluxion-io/fluxion/coordinator"
	"github.com/fluxion-io/fluxion/logger"
	"github.com/fluxion-io/fluxion/model"
	"go.uber.org/zap"
)

// HandleEvent accepts webhook and data-change events. Matching is the
// trigger manager's job; an event with no matching trigger is acknowledged
// and dropped.
func (s *Server) HandleEvent(w http.ResponseWriter, r *http.Request) {
	var event model.Event
	if err := json.NewDecoder(r.Body).Decode(&event); err != nil {
		respondWithError(w, http.StatusBadRequest, "malformed event")
		return
	}
	defer r.Body.Close()

	started := make([]string, 0)
	rejectedCount := 0
	for _, request := range s.triggers.RegisterEvent(event) {
		execution, err := s.coordinator.Admit(request)
		if err != nil {
			var rejected *coordinator.RejectedError
			if errors.As(err, &rejected) {
				rejectedCount++
				logger.Warn("triggered execution rejected",
					zap.String("workflowId", request.WorkflowId),
					zap.String("reason", string(rejected.Reason)))
				continue
			}
			logger.Error("error admitting triggered execution",
				zap.String("workflowId", request.WorkflowId), zap.Error(err))
			continue
		}
		started = append(started, execution.Id)
	}
	respondOK(w, map[string]any{
		"started":  started,
		"rejected": rejectedCount,
	})
}
