package server

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"pidline/internal/bulk"
	"pidline/internal/config"
	"pidline/internal/domain"
	"pidline/internal/export"
	"pidline/internal/lifecycle"
	"pidline/internal/queue"
	"pidline/internal/repo"
)

// ActorHeader names the caller recorded in the action log.
const ActorHeader = "X-Pidline-Actor"

const defaultActor = "api"

// Config for the HTTP API handler.
type Config struct {
	Repo     repo.Repo
	Manager  *lifecycle.Manager
	Queue    *queue.Queue
	Worker   *queue.Worker
	Bulk     *bulk.Service
	BasePath string
	// Metrics, when set, is mounted at /metrics outside the base path.
	Metrics   http.Handler
	BatchSize int
	Log       *slog.Logger
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"precondition_failed"`
	Message string         `json:"message" example:"identifier already exists for record"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the pidline operator API.
func New(cfg Config) (http.Handler, error) {
	if cfg.Manager == nil || cfg.Queue == nil {
		return nil, errors.New("manager and queue are required")
	}
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v1"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	if cfg.Worker == nil {
		cfg.Worker = queue.NewWorker(cfg.Queue, cfg.Manager)
	}
	if cfg.Bulk == nil {
		cfg.Bulk = &bulk.Service{Repo: cfg.Repo, Updater: cfg.Manager, Queue: cfg.Queue, Configs: cfg.Manager.Configs, Log: cfg.Log}
	}
	if cfg.Log == nil {
		cfg.Log = slog.Default()
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = config.DefaultBatchSize
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
	router.Use(middleware.Recoverer)
	router.Use(requestLogger(cfg.Log))
	hcfg := huma.DefaultConfig("pidline API", "1.0.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = ""
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group)
	registerIdentifiers(group, cfg)
	registerJobs(group, cfg)
	registerBulk(group, cfg)
	registerExport(group, cfg)
	registerOpenAPI(router, api, basePath)
	if cfg.Metrics != nil {
		router.Handle("/metrics", cfg.Metrics)
	}
	return router, nil
}

func requestLogger(log *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)
			log.Debug("http request", "method", r.Method, "path", r.URL.Path, "status", ww.Status(), "duration", time.Since(start))
		})
	}
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
	msg := err.Error()
	switch {
	case errors.Is(err, repo.ErrNotFound):
		return newAPIError(http.StatusNotFound, "not_found", msg, nil)
	case errors.Is(err, repo.ErrConflict):
		return newAPIError(http.StatusConflict, "conflict", msg, nil)
	case errors.Is(err, queue.ErrNotQueueable), errors.Is(err, queue.ErrNotProcessing):
		return newAPIError(http.StatusBadRequest, "bad_request", msg, nil)
	case strings.Contains(strings.ToLower(msg), "invalid"):
		return newAPIError(http.StatusBadRequest, "bad_request", msg, nil)
	default:
		return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": msg})
	}
}

// resultError maps a failed lifecycle result onto the error envelope. The
// full result travels in details.
func resultError(res lifecycle.Result) huma.StatusError {
	details := map[string]any{"result": res}
	switch res.Kind {
	case lifecycle.KindPrecondition:
		return newAPIError(http.StatusConflict, "precondition_failed", res.Message, details)
	case lifecycle.KindConfig:
		return newAPIError(http.StatusUnprocessableEntity, "not_configured", res.Message, details)
	case lifecycle.KindBusy:
		return newAPIError(http.StatusConflict, "busy", res.Message, details)
	case lifecycle.KindTransport:
		return newAPIError(http.StatusBadGateway, "registration_unavailable", res.Message, details)
	case lifecycle.KindRejected:
		return newAPIError(http.StatusBadGateway, "registration_rejected", res.Message, details)
	case lifecycle.KindUnreconciled:
		return newAPIError(http.StatusInternalServerError, "unreconciled", res.Message, details)
	}
	return newAPIError(http.StatusInternalServerError, "internal_error", res.Message, details)
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

func registerDocs(r chi.Router, basePath string) {
	r.Get("/docs", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		io.WriteString(w, swaggerHTML(basePath))
	})
}

func registerOpenAPI(r chi.Router, api huma.API, basePath string) {
	var spec []byte
	specPath := path.Join(basePath, "openapi.json")
	r.Get(specPath, func(w http.ResponseWriter, r *http.Request) {
		if spec == nil {
			oas := api.OpenAPI()
			ensureDefaultErrorResponses(oas)
			b, err := oas.MarshalJSON()
			if err != nil {
				http.Error(w, err.Error(), http.StatusInternalServerError)
				return
			}
			spec = b
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(spec)
	})
}

func ensureDefaultErrorResponses(oas *huma.OpenAPI) {
	if oas == nil || oas.Paths == nil {
		return
	}
	for _, item := range oas.Paths {
		for _, op := range []*huma.Operation{
			item.Get, item.Put, item.Post, item.Delete, item.Options, item.Head, item.Patch, item.Trace,
		} {
			if op == nil {
				continue
			}
			if op.Responses == nil {
				op.Responses = map[string]*huma.Response{}
			}
			op.Responses["default"] = &huma.Response{
				Description: "Error",
				Content: map[string]*huma.MediaType{
					"application/json": {
						Schema: &huma.Schema{Ref: "#/components/schemas/ApiError"},
					},
				},
			}
		}
	}
}

func swaggerHTML(basePath string) string {
	specURL := path.Join("/", path.Join(basePath, "openapi.json"))
	return fmt.Sprintf(`<!doctype html>
<html lang="en">
  <head>
    <meta charset="utf-8"/>
    <meta name="viewport" content="width=device-width, initial-scale=1"/>
    <title>pidline API Docs</title>
    <link rel="stylesheet" href="https://unpkg.com/swagger-ui-dist@5/swagger-ui.css" />
  </head>
  <body>
    <div id="swagger-ui"></div>
    <script src="https://unpkg.com/swagger-ui-dist@5/swagger-ui-bundle.js" crossorigin></script>
    <script>
      window.onload = () => {
        SwaggerUIBundle({
          url: '%s',
          dom_id: '#swagger-ui'
        });
      };
    </script>
  </body>
</html>`, specURL)
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

// RecordPath binds the record id and caller of identifier operations. huma
// only binds embedded inputs whose type is exported.
type RecordPath struct {
	RecordID int64  `path:"record_id" minimum:"1"`
	Actor    string `header:"X-Pidline-Actor"`
}

func actorOf(in RecordPath) string {
	if strings.TrimSpace(in.Actor) == "" {
		return defaultActor
	}
	return in.Actor
}

type resultOutput struct {
	Body ResultResponse `json:"body"`
}

func respond(res lifecycle.Result, err error) (*resultOutput, error) {
	if err != nil {
		return nil, handleError(err)
	}
	if !res.OK {
		return nil, resultError(res)
	}
	return &resultOutput{Body: res}, nil
}

var lifecycleErrors = []int{
	http.StatusBadRequest,
	http.StatusNotFound,
	http.StatusConflict,
	http.StatusUnprocessableEntity,
	http.StatusBadGateway,
	http.StatusInternalServerError,
}

func registerIdentifiers(api huma.API, cfg Config) {
	m := cfg.Manager

	huma.Register(api, huma.Operation{
		OperationID: "mint-identifier",
		Method:      http.MethodPost,
		Path:        "/records/{record_id}/identifier",
		Summary:     "Mint an identifier for a record",
		Tags:        []string{"identifiers"},
		Errors:      lifecycleErrors,
	}, func(ctx context.Context, input *struct {
		RecordPath
		Body *MintRequest `json:"body,omitempty" required:"false"`
	}) (*resultOutput, error) {
		var target domain.IdentifierState
		if input.Body != nil {
			target = input.Body.State
		}
		if target != "" && !target.Mintable() {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid target state", map[string]any{"state": target})
		}
		return respond(m.Mint(ctx, input.RecordID, target, actorOf(input.RecordPath)))
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-identifier",
		Method:      http.MethodPut,
		Path:        "/records/{record_id}/identifier",
		Summary:     "Resubmit metadata for a record's identifier",
		Tags:        []string{"identifiers"},
		Errors:      lifecycleErrors,
	}, func(ctx context.Context, input *RecordPath) (*resultOutput, error) {
		return respond(m.Update(ctx, input.RecordID, actorOf(*input)))
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-identifier",
		Method:      http.MethodGet,
		Path:        "/records/{record_id}/identifier",
		Summary:     "Show a record's identifier",
		Tags:        []string{"identifiers"},
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *RecordPath) (*struct {
		Body domain.IdentifierRecord `json:"body"`
	}, error) {
		rec, err := cfg.Repo.GetIdentifierByRecord(ctx, nil, input.RecordID)
		if err != nil {
			return nil, handleError(fmt.Errorf("record %d: %w", input.RecordID, err))
		}
		return &struct {
			Body domain.IdentifierRecord `json:"body"`
		}{Body: rec}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "verify-identifier",
		Method:      http.MethodPost,
		Path:        "/records/{record_id}/identifier/verify",
		Summary:     "Check that a record's identifier resolves",
		Tags:        []string{"identifiers"},
		Errors:      lifecycleErrors,
	}, func(ctx context.Context, input *RecordPath) (*resultOutput, error) {
		return respond(m.Verify(ctx, input.RecordID, actorOf(*input)))
	})

	huma.Register(api, huma.Operation{
		OperationID: "deactivate-identifier",
		Method:      http.MethodPost,
		Path:        "/records/{record_id}/identifier/deactivate",
		Summary:     "Hide a record's identifier",
		Tags:        []string{"identifiers"},
		Errors:      lifecycleErrors,
	}, func(ctx context.Context, input *struct {
		RecordPath
		Body *DeactivateRequest `json:"body,omitempty" required:"false"`
	}) (*resultOutput, error) {
		var reason string
		if input.Body != nil {
			reason = input.Body.Reason
		}
		return respond(m.Deactivate(ctx, input.RecordID, reason, actorOf(input.RecordPath)))
	})

	huma.Register(api, huma.Operation{
		OperationID: "reactivate-identifier",
		Method:      http.MethodPost,
		Path:        "/records/{record_id}/identifier/reactivate",
		Summary:     "Make a hidden identifier findable again",
		Tags:        []string{"identifiers"},
		Errors:      lifecycleErrors,
	}, func(ctx context.Context, input *RecordPath) (*resultOutput, error) {
		return respond(m.Reactivate(ctx, input.RecordID, actorOf(*input)))
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-record-actions",
		Method:      http.MethodGet,
		Path:        "/records/{record_id}/identifier/actions",
		Summary:     "List action log entries for a record, newest first",
		Tags:        []string{"identifiers"},
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		RecordID int64  `path:"record_id" minimum:"1"`
		Action   string `query:"action"`
		Limit    int    `query:"limit" default:"50"`
		Cursor   string `query:"cursor"`
	}) (*struct {
		Body paginatedActions `json:"body"`
	}, error) {
		limit := normalizeLimit(input.Limit)
		var before int64
		if input.Cursor != "" {
			parsed, err := strconv.ParseInt(input.Cursor, 10, 64)
			if err != nil {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid cursor", map[string]any{"cursor": input.Cursor})
			}
			before = parsed
		}
		items, err := cfg.Repo.ListActions(ctx, repo.ActionFilters{
			RecordID: input.RecordID,
			Action:   domain.LogAction(input.Action),
			Before:   before,
			Limit:    limit + 1,
		})
		if err != nil {
			return nil, handleError(err)
		}
		resp := paginatedActions{}
		if len(items) > limit {
			resp.NextCursor = strconv.FormatInt(items[limit-1].ID, 10)
			items = items[:limit]
		}
		resp.Items = nonNilSlice(items)
		return &struct {
			Body paginatedActions `json:"body"`
		}{Body: resp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-identifiers",
		Method:      http.MethodGet,
		Path:        "/identifiers",
		Summary:     "List identifiers ordered by record id",
		Tags:        []string{"identifiers"},
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Group  string `query:"group"`
		State  string `query:"state" enum:"draft,registered,findable,deleted"`
		Limit  int    `query:"limit" default:"50"`
		Cursor string `query:"cursor"`
	}) (*struct {
		Body paginatedIdentifiers `json:"body"`
	}, error) {
		limit := normalizeLimit(input.Limit)
		var after int64
		if input.Cursor != "" {
			parsed, err := strconv.ParseInt(input.Cursor, 10, 64)
			if err != nil {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid cursor", map[string]any{"cursor": input.Cursor})
			}
			after = parsed
		}
		items, err := cfg.Repo.ListIdentifiers(ctx, repo.IdentifierFilters{
			GroupCode:     input.Group,
			State:         domain.IdentifierState(input.State),
			AfterRecordID: after,
			Limit:         limit + 1,
		})
		if err != nil {
			return nil, handleError(err)
		}
		resp := paginatedIdentifiers{}
		if len(items) > limit {
			items = items[:limit]
			resp.NextCursor = strconv.FormatInt(items[limit-1].RecordID, 10)
		}
		resp.Items = nonNilSlice(items)
		return &struct {
			Body paginatedIdentifiers `json:"body"`
		}{Body: resp}, nil
	})
}

func registerJobs(api huma.API, cfg Config) {
	q := cfg.Queue

	huma.Register(api, huma.Operation{
		OperationID: "enqueue-job",
		Method:      http.MethodPost,
		Path:        "/jobs",
		Summary:     "Queue a lifecycle action",
		Description: "Returns the existing pending job when one is already queued for the record and action.",
		Tags:        []string{"jobs"},
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Body EnqueueJobRequest `json:"body"`
	}) (*struct {
		Status int
		Body   EnqueueJobResponse `json:"body"`
	}, error) {
		req := queue.EnqueueRequest{
			RecordID:    input.Body.RecordID,
			Action:      input.Body.Action,
			Priority:    input.Body.Priority,
			MaxAttempts: input.Body.MaxAttempts,
		}
		if input.Body.ScheduledAt != "" {
			at, err := time.Parse(time.RFC3339Nano, input.Body.ScheduledAt)
			if err != nil {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid scheduled_at", map[string]any{"scheduled_at": input.Body.ScheduledAt})
			}
			req.ScheduledAt = at
		}
		job, created, err := q.Enqueue(ctx, req)
		if err != nil {
			return nil, handleError(err)
		}
		status := http.StatusOK
		if created {
			status = http.StatusCreated
		}
		return &struct {
			Status int
			Body   EnqueueJobResponse `json:"body"`
		}{Status: status, Body: EnqueueJobResponse{Job: job, Created: created}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-jobs",
		Method:      http.MethodGet,
		Path:        "/jobs",
		Summary:     "List jobs, newest first",
		Tags:        []string{"jobs"},
	}, func(ctx context.Context, input *struct {
		Status   string `query:"status" enum:"pending,processing,completed,failed"`
		Action   string `query:"action" enum:"mint,update,verify"`
		RecordID int64  `query:"record_id"`
		Limit    int    `query:"limit" default:"50"`
	}) (*struct {
		Body paginatedJobs `json:"body"`
	}, error) {
		items, err := q.List(ctx, repo.JobFilters{
			Status:   domain.JobStatus(input.Status),
			Action:   domain.Action(input.Action),
			RecordID: input.RecordID,
			Limit:    normalizeLimit(input.Limit),
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body paginatedJobs `json:"body"`
		}{Body: paginatedJobs{Items: nonNilSlice(items)}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "job-stats",
		Method:      http.MethodGet,
		Path:        "/jobs/stats",
		Summary:     "Count jobs by status",
		Tags:        []string{"jobs"},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body JobStatsResponse `json:"body"`
	}, error) {
		counts, err := q.Stats(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body JobStatsResponse `json:"body"`
		}{Body: JobStatsResponse{Counts: counts}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-job",
		Method:      http.MethodGet,
		Path:        "/jobs/{job_id}",
		Summary:     "Show a job",
		Tags:        []string{"jobs"},
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		JobID int64 `path:"job_id"`
	}) (*struct {
		Body domain.Job `json:"body"`
	}, error) {
		job, err := q.Get(ctx, input.JobID)
		if err != nil {
			return nil, handleError(fmt.Errorf("job %d: %w", input.JobID, err))
		}
		return &struct {
			Body domain.Job `json:"body"`
		}{Body: job}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "dispatch-jobs",
		Method:      http.MethodPost,
		Path:        "/jobs/dispatch",
		Summary:     "Process one batch of due jobs now",
		Tags:        []string{"jobs"},
	}, func(ctx context.Context, input *struct {
		Body *DispatchRequest `json:"body,omitempty" required:"false"`
	}) (*struct {
		Body DispatchResponse `json:"body"`
	}, error) {
		batch := cfg.BatchSize
		if input.Body != nil && input.Body.BatchSize > 0 {
			batch = input.Body.BatchSize
		}
		report, err := cfg.Worker.Tick(ctx, batch)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body DispatchResponse `json:"body"`
		}{Body: report}, nil
	})
}

func registerBulk(api huma.API, cfg Config) {
	svc := cfg.Bulk

	huma.Register(api, huma.Operation{
		OperationID: "bulk-resync",
		Method:      http.MethodPost,
		Path:        "/bulk/resync",
		Summary:     "Resubmit metadata for selected identifiers",
		Tags:        []string{"bulk"},
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Actor string             `header:"X-Pidline-Actor"`
		Body  *BulkFilterRequest `json:"body,omitempty" required:"false"`
	}) (*struct {
		Body bulk.Report `json:"body"`
	}, error) {
		actor := input.Actor
		if actor == "" {
			actor = defaultActor
		}
		report, err := svc.Resync(ctx, toFilter(input.Body), actor)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body bulk.Report `json:"body"`
		}{Body: report}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "bulk-enqueue",
		Method:      http.MethodPost,
		Path:        "/bulk/enqueue",
		Summary:     "Queue an action for selected identifiers",
		Tags:        []string{"bulk"},
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Body BulkEnqueueRequest `json:"body"`
	}) (*struct {
		Body BulkEnqueueResponse `json:"body"`
	}, error) {
		n, err := svc.Enqueue(ctx, toFilter(&input.Body.BulkFilterRequest), input.Body.Action, input.Body.Priority)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body BulkEnqueueResponse `json:"body"`
		}{Body: BulkEnqueueResponse{Enqueued: n}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "bulk-auto-mint",
		Method:      http.MethodPost,
		Path:        "/bulk/auto-mint",
		Summary:     "Queue mint jobs for records eligible for automatic minting",
		Tags:        []string{"bulk"},
	}, func(ctx context.Context, input *struct {
		Body *AutoMintRequest `json:"body,omitempty" required:"false"`
	}) (*struct {
		Body bulk.AutoMintReport `json:"body"`
	}, error) {
		var req AutoMintRequest
		if input.Body != nil {
			req = *input.Body
		}
		report, err := svc.AutoMint(ctx, req.Limit, req.Priority)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body bulk.AutoMintReport `json:"body"`
		}{Body: report}, nil
	})
}

func toFilter(in *BulkFilterRequest) bulk.Filter {
	if in == nil {
		return bulk.Filter{}
	}
	return bulk.Filter{Group: in.Group, State: in.State, Limit: in.Limit}
}

func registerExport(api huma.API, cfg Config) {
	huma.Register(api, huma.Operation{
		OperationID: "export-identifiers",
		Method:      http.MethodGet,
		Path:        "/identifiers/export",
		Summary:     "Export identifiers as JSON or CSV",
		Tags:        []string{"identifiers"},
	}, func(ctx context.Context, input *struct {
		Format string `query:"format" enum:"json,csv" default:"json"`
		Group  string `query:"group"`
		State  string `query:"state" enum:"draft,registered,findable,deleted"`
	}) (*struct {
		ContentType string `header:"Content-Type"`
		Body        []byte
	}, error) {
		items, err := cfg.Repo.ListIdentifiers(ctx, repo.IdentifierFilters{GroupCode: input.Group, State: domain.IdentifierState(input.State)})
		if err != nil {
			return nil, handleError(err)
		}
		var buf bytes.Buffer
		if err := export.Write(&buf, input.Format, items); err != nil {
			return nil, handleError(err)
		}
		return &struct {
			ContentType string `header:"Content-Type"`
			Body        []byte
		}{ContentType: export.ContentType(input.Format), Body: buf.Bytes()}, nil
	})
}

func normalizeLimit(in int) int {
	if in <= 0 {
		return 50
	}
	if in > 200 {
		return 200
	}
	return in
}
