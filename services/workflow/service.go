package workflow

import (
	"context"
	"fmt"
	"net/http"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"graphflow/services/compiler"
	"graphflow/services/config"
	"graphflow/services/executor"
	"graphflow/services/plan"
	"graphflow/services/runtime"
	"graphflow/services/storage"
	"graphflow/services/subgraph"
	"graphflow/services/validate"
)

type contextKey string

const requestIDKey contextKey = "requestID"

// Service is the orchestration facade: it wires the read-only pipeline
// stages (Builder, Expander, Validator, Compiler) and the stateful
// runtime.Runtime behind the same narrow HTTP surface the reference
// service exposed, replacing its single-node-type linear walk with the
// full plan -> subgraph -> validate -> compile -> run pipeline.
type Service struct {
	storage   storage.Storage
	execStore storage.ExecutionStore

	builder   *plan.Builder
	expander  *subgraph.Expander
	validator *validate.Validator
	compiler  *compiler.Compiler
	runtime   *runtime.Runtime

	errorPolicy plan.WorkflowErrorPolicy
}

// NewService wires a Service from its dependencies. registry must already
// be frozen (see executor.Registry.Freeze); pool is the shared worker pool
// every triggered execution schedules steps onto.
func NewService(
	store storage.Storage,
	execStore storage.ExecutionStore,
	registry *executor.Registry,
	pool *runtime.Pool,
	subgraphRegistry *subgraph.Registry,
	cfg config.Config,
) (*Service, error) {
	if store == nil {
		return nil, fmt.Errorf("service: store cannot be nil")
	}
	if execStore == nil {
		return nil, fmt.Errorf("service: execution store cannot be nil")
	}
	if registry == nil {
		return nil, fmt.Errorf("service: executor registry cannot be nil")
	}
	if pool == nil {
		return nil, fmt.Errorf("service: worker pool cannot be nil")
	}

	rt := runtime.New(registry, pool, execStore)
	expander := subgraph.NewExpander(subgraphRegistry).WithMaxExpansionDepth(cfg.Subgraph.MaxExpansionDepth)
	validator := validate.New(validate.Options{
		StrictJoins:         cfg.Validation.StrictJoins,
		StrictJoinUpstreams: cfg.Validation.StrictJoinUpstreams,
		RequireExplicitJoin: cfg.Validation.RequireExplicitJoin,
	})

	return &Service{
		storage:     store,
		execStore:   execStore,
		builder:     plan.NewBuilder(),
		expander:    expander,
		validator:   validator,
		compiler:    compiler.New(),
		runtime:     rt,
		errorPolicy: plan.WorkflowErrorPolicy(cfg.Error.Policy),
	}, nil
}

// requestIDMiddleware assigns a unique ID to each request for log correlation.
// If the client sends X-Request-ID, it's reused; otherwise a new UUID is generated.
func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-ID")
		if id == "" {
			id = uuid.New().String()
		}
		ctx := context.WithValue(r.Context(), requestIDKey, id)
		w.Header().Set("X-Request-ID", id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// jsonMiddleware sets the Content-Type header to application/json
func jsonMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		next.ServeHTTP(w, r)
	})
}

func (s *Service) LoadRoutes(parentRouter *mux.Router) {
	router := parentRouter.PathPrefix("/workflows").Subrouter()
	router.StrictSlash(false)
	router.Use(requestIDMiddleware)
	router.Use(jsonMiddleware)

	router.HandleFunc("/{id}", s.HandleGetWorkflow).Methods("GET")
	router.HandleFunc("/{id}/publish", s.HandlePublishWorkflow).Methods("POST")
	router.HandleFunc("/{id}/execute", s.HandleExecuteWorkflow).Methods("POST")
	router.HandleFunc("/{id}/executions/{executionId}", s.HandleGetExecution).Methods("GET")
}
