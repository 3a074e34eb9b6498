package flow

import (
	"context"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/jackc/pgx/v5/pgxpool"

	"flowrunner/pkg/engine"
	"flowrunner/pkg/history"
)

// HistoryReader lists finished sessions of a flow.
type HistoryReader interface {
	List(ctx context.Context, flowID string, limit int) ([]history.Execution, error)
}

// SessionReader looks up the finished event of one session.
type SessionReader interface {
	Get(ctx context.Context, sessionID string) (*engine.FinishedEvent, error)
}

type Service struct {
	repo     Repository
	executor *engine.Executor
	history  HistoryReader
	sessions SessionReader
}

// NewService wires the Postgres repository. history and sessions are optional;
// their routes answer 404 when they are nil.
func NewService(pool *pgxpool.Pool, executor *engine.Executor, history HistoryReader, sessions SessionReader) *Service {
	return NewServiceWithDeps(NewRepository(pool), executor, history, sessions)
}

func NewServiceWithDeps(repo Repository, executor *engine.Executor, history HistoryReader, sessions SessionReader) *Service {
	return &Service{
		repo:     repo,
		executor: executor,
		history:  history,
		sessions: sessions,
	}
}

// jsonMiddleware sets the Content-Type header to application/json
func jsonMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		next.ServeHTTP(w, r)
	})
}

func (s *Service) LoadRoutes(parentRouter *mux.Router) {
	router := parentRouter.PathPrefix("/flows").Subrouter()
	router.StrictSlash(false)
	router.Use(jsonMiddleware)

	router.HandleFunc("/{id}", s.HandleGetFlow).Methods(http.MethodGet)
	router.HandleFunc("/{id}/validate", s.HandleValidateFlow).Methods(http.MethodGet)
	router.HandleFunc("/{id}/executions", s.HandleListExecutions).Methods(http.MethodGet)

	// Webhook style: any method may fire a trigger; it ends up in the payload.
	router.HandleFunc("/{id}/trigger/{nodeId}", s.HandleTrigger).Methods(
		http.MethodGet, http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete,
	)

	sessions := parentRouter.PathPrefix("/sessions").Subrouter()
	sessions.Use(jsonMiddleware)
	sessions.HandleFunc("/{id}", s.HandleGetSession).Methods(http.MethodGet)

	lambdas := parentRouter.PathPrefix("/lambdas").Subrouter()
	lambdas.Use(jsonMiddleware)
	lambdas.HandleFunc("", s.HandleListLambdas).Methods(http.MethodGet)
}
