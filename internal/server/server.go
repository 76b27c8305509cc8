package server

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"

	"listkeeper/internal/domain"
	"listkeeper/internal/engine"
	"listkeeper/internal/repo"
	"listkeeper/internal/storage"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	BasePath string
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"not_found"`
	Message string         `json:"message" example:"candidate not found"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the operator API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	huma.DefaultArrayNullable = false
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity && strings.Contains(strings.ToLower(msg), "validation") {
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			details = map[string]any{"errors": errs}
		}
		return newAPIError(status, "", msg, details)
	}

	router := chi.NewRouter()
	hcfg := huma.DefaultConfig("Listkeeper API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerHealth(group)
	registerStatus(group, cfg.Engine)
	registerCandidates(group, cfg.Engine)
	registerActions(group, cfg.Engine)
	registerRuns(group, cfg.Engine)
	registerLogs(group, cfg.Engine)

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
	if errors.Is(err, repo.ErrNotFound) || errors.Is(err, storage.ErrNotFound) {
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	}
	if errors.Is(err, repo.ErrIllegalTransition) {
		return newAPIError(http.StatusConflict, "illegal_transition", err.Error(), nil)
	}
	msg := err.Error()
	lowered := strings.ToLower(msg)
	switch {
	case strings.Contains(lowered, "invalid") || strings.Contains(lowered, "missing") || strings.Contains(lowered, "required"):
		return newAPIError(http.StatusBadRequest, "bad_request", msg, nil)
	default:
		return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": msg})
	}
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "conflict"
	case http.StatusUnprocessableEntity:
		return "validation_failed"
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

func registerStatus(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "status",
		Method:      http.MethodGet,
		Path:        "/status",
		Summary:     "Review store status counts",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body StatusResponse `json:"body"`
	}, error) {
		st, err := e.Status(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body StatusResponse `json:"body"`
		}{Body: StatusResponse{Status: st}}, nil
	})
}

func registerCandidates(api huma.API, e engine.Engine) {
	type listInput struct {
		Type   string `query:"type"`
		Status string `query:"status"`
		RunID  string `query:"run_id"`
		Limit  int    `query:"limit"`
	}
	huma.Register(api, huma.Operation{
		OperationID: "list-candidates",
		Method:      http.MethodGet,
		Path:        "/candidates",
		Summary:     "List review candidates",
	}, func(ctx context.Context, input *listInput) (*struct {
		Body CandidateListResponse `json:"body"`
	}, error) {
		list, err := e.Repo.ListCandidates(ctx, repo.CandidateFilters{
			Type:   input.Type,
			Status: input.Status,
			RunID:  input.RunID,
			Limit:  input.Limit,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body CandidateListResponse `json:"body"`
		}{Body: CandidateListResponse{Candidates: list}}, nil
	})

	type candidatePath struct {
		ReviewID string `path:"review_id"`
	}
	huma.Register(api, huma.Operation{
		OperationID: "get-candidate",
		Method:      http.MethodGet,
		Path:        "/candidates/{review_id}",
		Summary:     "Get one review candidate",
	}, func(ctx context.Context, input *candidatePath) (*struct {
		Body domain.ReviewCandidate `json:"body"`
	}, error) {
		c, err := e.Repo.GetCandidate(ctx, input.ReviewID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.ReviewCandidate `json:"body"`
		}{Body: c}, nil
	})

	type reviewInput struct {
		ReviewID string `path:"review_id"`
		Body     ReviewRequest
	}
	huma.Register(api, huma.Operation{
		OperationID: "review-candidate",
		Method:      http.MethodPatch,
		Path:        "/candidates/{review_id}",
		Summary:     "Approve or disapprove a candidate",
	}, func(ctx context.Context, input *reviewInput) (*struct {
		Body domain.ReviewCandidate `json:"body"`
	}, error) {
		c, err := e.Review(ctx, input.ReviewID, input.Body.Approve, input.Body.Notes, input.Body.Actor)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.ReviewCandidate `json:"body"`
		}{Body: c}, nil
	})
}

func registerActions(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "preview-actions",
		Method:      http.MethodGet,
		Path:        "/actions/preview",
		Summary:     "Dry-run preview of actions for approved candidates",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body ActionPreviewResponse `json:"body"`
	}, error) {
		actions, err := e.PlanActions(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ActionPreviewResponse `json:"body"`
		}{Body: ActionPreviewResponse{Actions: actions}}, nil
	})

	type executeInput struct {
		Body ExecuteRequest
	}
	huma.Register(api, huma.Operation{
		OperationID: "execute-actions",
		Method:      http.MethodPost,
		Path:        "/actions/execute",
		Summary:     "Execute planned actions",
		Description: "Requires confirm=true to mutate the catalog. Without it the call reports what would be skipped.",
	}, func(ctx context.Context, input *executeInput) (*struct {
		Body domain.ExecSummary `json:"body"`
	}, error) {
		actions, err := e.PlanActions(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		res, err := e.Execute(ctx, actions, input.Body.Confirm, input.Body.Actor)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.ExecSummary `json:"body"`
		}{Body: res}, nil
	})
}

func registerRuns(api huma.API, e engine.Engine) {
	type runInput struct {
		Body RunRequest
	}
	huma.Register(api, huma.Operation{
		OperationID: "run-cleaning",
		Method:      http.MethodPost,
		Path:        "/runs",
		Summary:     "Run the cleaning pipeline",
	}, func(ctx context.Context, input *runInput) (*struct {
		Body domain.RunSummary `json:"body"`
	}, error) {
		sum, err := e.RunCleaning(ctx, engine.RunOptions{
			Scope: storage.Filter{
				UpdatedSince: input.Body.UpdatedSince,
				City:         input.Body.City,
				State:        input.Body.State,
				Source:       input.Body.Source,
				Limit:        input.Body.Limit,
			},
			AutoApply: input.Body.AutoApply,
			Actor:     input.Body.Actor,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.RunSummary `json:"body"`
		}{Body: sum}, nil
	})
}

func registerLogs(api huma.API, e engine.Engine) {
	type logsInput struct {
		RunID string `query:"run_id"`
		Limit int    `query:"limit"`
	}
	huma.Register(api, huma.Operation{
		OperationID: "list-logs",
		Method:      http.MethodGet,
		Path:        "/logs",
		Summary:     "List cleaning log entries",
	}, func(ctx context.Context, input *logsInput) (*struct {
		Body LogListResponse `json:"body"`
	}, error) {
		limit := input.Limit
		if limit <= 0 {
			limit = 50
		}
		logs, err := e.Repo.ListCleaningLogs(ctx, limit, input.RunID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body LogListResponse `json:"body"`
		}{Body: LogListResponse{Logs: logs}}, nil
	})
}
