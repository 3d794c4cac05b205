// Package server exposes the local analysis database over a read-only
// HTTP API. Mutations happen through the CLI only; the API is for
// dashboards and scripted consumers.
package server

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"

	"flowlens/internal/domain"
	"flowlens/internal/store"
)

// Config for the HTTP API handler.
type Config struct {
	Store    *store.Store
	BasePath string
	Auth     AuthConfig
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"not_found"`
	Message string         `json:"message" example:"query not found"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the flowlens API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}

	router := chi.NewRouter()
	router.Use(newAuthMiddleware(basePath, cfg.Auth))
	hcfg := huma.DefaultConfig("Flowlens API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerHealth(group)
	registerQueries(group, cfg.Store)
	registerOperations(group, cfg.Store)

	return router, nil
}

func newAPIError(status int, code, message string, details map[string]any) huma.StatusError {
	if code == "" {
		code = defaultCodeForStatus(status)
	}
	return &apiError{
		status: status,
		Body: apiErrorBody{
			Code:    code,
			Message: message,
			Details: details,
		},
	}
}

func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	if errors.Is(err, store.ErrNotFound) {
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	}
	if errors.Is(err, store.ErrLockExhausted) {
		return newAPIError(http.StatusServiceUnavailable, "busy", "database is busy, try again", nil)
	}
	return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": err.Error()})
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusUnauthorized:
		return "unauthorized"
	case http.StatusServiceUnavailable:
		return "busy"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

func registerHealth(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body map[string]string `json:"body"`
	}, error) {
		return &struct {
			Body map[string]string `json:"body"`
		}{Body: map[string]string{"status": "ok"}}, nil
	})
}

func registerQueries(api huma.API, s *store.Store) {
	type queryPath struct {
		QueryID string `path:"query_id"`
	}

	huma.Register(api, huma.Operation{
		OperationID: "list-queries",
		Method:      http.MethodGet,
		Path:        "/queries",
		Summary:     "List tracked traffic queries",
	}, func(ctx context.Context, input *struct {
		Status string `query:"status"`
	}) (*struct {
		Body struct {
			Items []domain.Query `json:"items"`
		} `json:"body"`
	}, error) {
		items, err := s.ListQueries(ctx, input.Status)
		if err != nil {
			return nil, handleError(err)
		}
		resp := &struct {
			Body struct {
				Items []domain.Query `json:"items"`
			} `json:"body"`
		}{}
		resp.Body.Items = items
		return resp, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-query",
		Method:      http.MethodGet,
		Path:        "/queries/{query_id}",
		Summary:     "Get one tracked query",
	}, func(ctx context.Context, input *queryPath) (*struct {
		Body domain.Query `json:"body"`
	}, error) {
		q, err := s.GetQuery(ctx, input.QueryID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Query `json:"body"`
		}{Body: q}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-query-flows",
		Method:      http.MethodGet,
		Path:        "/queries/{query_id}/flows",
		Summary:     "List the stored flows of a query",
	}, func(ctx context.Context, input *queryPath) (*struct {
		Body struct {
			Items []domain.Flow `json:"items"`
		} `json:"body"`
	}, error) {
		if _, err := s.GetQuery(ctx, input.QueryID); err != nil {
			return nil, handleError(err)
		}
		items, err := s.ListFlows(ctx, input.QueryID)
		if err != nil {
			return nil, handleError(err)
		}
		resp := &struct {
			Body struct {
				Items []domain.Flow `json:"items"`
			} `json:"body"`
		}{}
		resp.Body.Items = items
		return resp, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "query-flow-stats",
		Method:      http.MethodGet,
		Path:        "/queries/{query_id}/stats",
		Summary:     "Aggregate flow statistics for a query",
	}, func(ctx context.Context, input *queryPath) (*struct {
		Body domain.FlowStats `json:"body"`
	}, error) {
		if _, err := s.GetQuery(ctx, input.QueryID); err != nil {
			return nil, handleError(err)
		}
		stats, err := s.FlowStats(ctx, input.QueryID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.FlowStats `json:"body"`
		}{Body: stats}, nil
	})
}

func registerOperations(api huma.API, s *store.Store) {
	huma.Register(api, huma.Operation{
		OperationID: "list-operations",
		Method:      http.MethodGet,
		Path:        "/operations",
		Summary:     "List the async operation ledger",
	}, func(ctx context.Context, input *struct {
		Kind   string `query:"kind"`
		Status string `query:"status"`
	}) (*struct {
		Body struct {
			Items []domain.Operation `json:"items"`
		} `json:"body"`
	}, error) {
		items, err := s.ListOperations(ctx, store.OperationFilter{Kind: input.Kind, Status: input.Status})
		if err != nil {
			return nil, handleError(err)
		}
		resp := &struct {
			Body struct {
				Items []domain.Operation `json:"items"`
			} `json:"body"`
		}{}
		resp.Body.Items = items
		return resp, nil
	})
}
