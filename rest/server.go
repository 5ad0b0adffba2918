package rest

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/fluxion-io/fluxion/coordinator"
	"github.com/fluxion-io/fluxion/executor"
	"github.com/fluxion-io/fluxion/logger"
	"github.com/fluxion-io/fluxion/metadata"
	"github.com/fluxion-io/fluxion/persistence"
	"github.com/fluxion-io/fluxion/stream"
	"github.com/fluxion-io/fluxion/trigger"
	"github.com/gorilla/mux"
	"go.uber.org/zap"
)

type Server struct {
	http.Server
	Port        int
	workflows   metadata.WorkflowManager
	coordinator *coordinator.Coordinator
	triggers    *trigger.Manager
	executions  persistence.ExecutionStore
	publisher   *stream.Publisher
	executor    *executor.Service
}

func NewServer(httpPort int, workflows metadata.WorkflowManager, coord *coordinator.Coordinator,
	triggers *trigger.Manager, executions persistence.ExecutionStore,
	publisher *stream.Publisher, executorService *executor.Service) (*Server, error) {

	s := &Server{
		Server: http.Server{
			Addr:        fmt.Sprintf(":%d", httpPort),
			IdleTimeout: 2 * time.Second,
		},
		Port:        httpPort,
		workflows:   workflows,
		coordinator: coord,
		triggers:    triggers,
		executions:  executions,
		publisher:   publisher,
		executor:    executorService,
	}

	router := mux.NewRouter()
	router.HandleFunc("/workflow", s.HandlePublishWorkflow).Methods(http.MethodPost)
	router.HandleFunc("/workflow", s.HandleListWorkflows).Methods(http.MethodGet)
	router.HandleFunc("/workflow/{id}", s.HandleGetWorkflow).Methods(http.MethodGet)
	router.HandleFunc("/workflow/{id}/version/{version}", s.HandleGetWorkflowVersion).Methods(http.MethodGet)
	router.HandleFunc("/workflow/{id}/deactivate", s.HandleDeactivateWorkflow).Methods(http.MethodPost)

	router.HandleFunc("/execution", s.HandleExecute).Methods(http.MethodPost)
	router.HandleFunc("/execution/{id}", s.HandleGetExecution).Methods(http.MethodGet)
	router.HandleFunc("/execution/{id}/cancel", s.HandleCancelExecution).Methods(http.MethodPost)
	router.HandleFunc("/execution/{id}/callback", s.HandleInvokerCallback).Methods(http.MethodPost)
	router.HandleFunc("/execution/{id}/stream", s.HandleStreamExecution).Methods(http.MethodGet)

	router.HandleFunc("/event", s.HandleEvent).Methods(http.MethodPost)

	router.Use(loggingMiddleware)
	s.Handler = router
	return s, nil
}

func (s *Server) Start() error {
	logger.Info("starting http server on", zap.Int("port", s.Port))
	if err := s.ListenAndServe(); err != nil {
		return err
	}
	return nil
}

func (s *Server) Stop() error {
	logger.Info("stopping http server")
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	err := s.Shutdown(ctx)
	if err != nil {
		logger.Error("error shutting down http server")
	}
	return nil
}

func loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		logger.Info(r.RequestURI)
		next.ServeHTTP(w, r)
	})
}

func respondWithJSON(w http.ResponseWriter, code int, payload interface{}) {
	response, _ := json.Marshal(payload)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	w.Write(response)
}

func respondOK(w http.ResponseWriter, message map[string]any) {
	respondWithJSON(w, http.StatusOK, message)
}

func respondOKWithoutBody(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(200)
}

func respondWithError(w http.ResponseWriter, code int, message string) {
	respondWithJSON(w, code, map[string]string{"error": message})
}
