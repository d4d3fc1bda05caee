package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"path"
	"strconv"
	"strings"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"

	"dossierline/internal/circuit"
	"dossierline/internal/domain"
	"dossierline/internal/engine"
	"dossierline/internal/repo"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	BasePath string
	Auth     AuthConfig
	Logger   *slog.Logger
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"predecessor_incomplete"`
	Message string         `json:"message" example:"previous step is not completed"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true" example:"{\"step_id\":\"s2\"}"`
}

type requestKey struct{}
type bodyBytesKey struct{}

// apiError models the required error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the dossierline API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	if cfg.Auth.Logger == nil {
		cfg.Auth.Logger = cfg.Logger
	}
	huma.DefaultArrayNullable = false
	// Override Huma errors to use the requested envelope.
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity && strings.Contains(strings.ToLower(msg), "validation") {
			// Schema/request validation errors should be 400 bad_request
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			details = map[string]any{"errors": errs}
		}
		return newAPIError(status, "", msg, details)
	}

	router := chi.NewRouter()
	router.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			bodyBytes, _ := io.ReadAll(r.Body)
			r.Body = io.NopCloser(bytes.NewBuffer(bodyBytes))
			ctx := context.WithValue(r.Context(), requestKey{}, r)
			ctx = context.WithValue(ctx, bodyBytesKey{}, bodyBytes)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	})
	router.Use(newAuthMiddleware(basePath, cfg.Auth, cfg.Engine.Repo))
	hcfg := huma.DefaultConfig("Dossierline API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = "" // custom Swagger UI below
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group)
	registerCircuits(group, cfg.Engine)
	registerCatalog(group, cfg.Engine)
	registerDossiers(group, cfg.Engine)
	registerDocuments(group, cfg.Engine)
	registerTransitions(group, cfg.Engine)
	registerExams(group, cfg.Engine)
	registerEvents(group, cfg.Engine)
	registerMe(group)
	registerDevAuth(group, cfg.Auth)
	registerOpenAPI(router, api, basePath)

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
	msg := err.Error()
	var te *engine.TransitionError
	switch {
	case errors.Is(err, engine.ErrStepForbidden):
		return newAPIError(http.StatusForbidden, "forbidden", msg, nil)
	case errors.Is(err, domain.ErrExamSessionExists):
		return newAPIError(http.StatusConflict, "exam_session_exists", msg, nil)
	case errors.Is(err, engine.ErrPredecessorIncomplete):
		return newAPIError(http.StatusConflict, "predecessor_incomplete", msg, nil)
	case errors.Is(err, engine.ErrMissingStatusRecord):
		return newAPIError(http.StatusConflict, "missing_status_record", msg, nil)
	case errors.Is(err, engine.ErrPiecesNotValidated):
		return newAPIError(http.StatusUnprocessableEntity, "pieces_not_validated", msg, nil)
	case errors.Is(err, engine.ErrExamSessionRequired):
		return newAPIError(http.StatusUnprocessableEntity, "exam_session_required", msg, nil)
	case errors.Is(err, engine.ErrExamNotPassed):
		return newAPIError(http.StatusUnprocessableEntity, "exam_not_passed", msg, nil)
	case errors.Is(err, engine.ErrCircuitInactive):
		return newAPIError(http.StatusUnprocessableEntity, "circuit_inactive", msg, nil)
	case errors.Is(err, engine.ErrInvalidExamDate), errors.Is(err, engine.ErrInvalidExamResult):
		return newAPIError(http.StatusBadRequest, "bad_request", msg, nil)
	case errors.As(err, &te):
		details := map[string]any{"operation": te.Op}
		if te.StepID != "" {
			details["step_id"] = te.StepID
		}
		return newAPIError(http.StatusBadGateway, "upstream_failed", msg, details)
	case errors.Is(err, repo.ErrNotFound):
		return newAPIError(http.StatusNotFound, "not_found", msg, nil)
	}
	lowered := strings.ToLower(msg)
	switch {
	case strings.Contains(lowered, "invalid") || strings.Contains(lowered, "required") || strings.Contains(lowered, "unknown"):
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
	case http.StatusForbidden:
		return "forbidden"
	case http.StatusBadGateway:
		return "upstream_failed"
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
			applyAuthSecurity(oas, basePath)
			spec, _ = json.Marshal(oas)
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

func applyAuthSecurity(oas *huma.OpenAPI, basePath string) {
	if oas == nil {
		return
	}
	if oas.Components == nil {
		oas.Components = &huma.Components{}
	}
	if oas.Components.SecuritySchemes == nil {
		oas.Components.SecuritySchemes = map[string]*huma.SecurityScheme{}
	}
	oas.Components.SecuritySchemes["bearerAuth"] = &huma.SecurityScheme{
		Type:         "http",
		Scheme:       "bearer",
		BearerFormat: "JWT",
	}
	oas.Components.SecuritySchemes["apiKeyAuth"] = &huma.SecurityScheme{
		Type: "apiKey",
		In:   "header",
		Name: "X-Api-Key",
	}
	security := []map[string][]string{
		{"bearerAuth": {}},
		{"apiKeyAuth": {}},
	}
	oas.Security = security
	open := map[string]bool{
		path.Join("/", basePath, "health"):         true,
		path.Join("/", basePath, "auth/dev/login"): true,
	}
	for route, item := range oas.Paths {
		for _, op := range []*huma.Operation{
			item.Get, item.Put, item.Post, item.Delete, item.Options, item.Head, item.Patch, item.Trace,
		} {
			if op == nil {
				continue
			}
			if open[route] {
				op.Security = []map[string][]string{}
				continue
			}
			op.Security = security
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
    <title>Dossierline API Docs</title>
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
    <p style="padding: 1rem; font-family: sans-serif; color: #444;">
      Authenticate with Authorization: Bearer &lt;token&gt; or X-Api-Key.
    </p>
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

func registerCircuits(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "import-circuit",
		Method:      http.MethodPut,
		Path:        "/circuits",
		Summary:     "Import or replace a circuit",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Body circuit.Definition `json:"body"`
	}) (*struct {
		Body domain.Circuit `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		if _, authErr := actorIDFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		if err := input.Body.Validate(); err != nil {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", err.Error(), nil)
		}
		if err := e.Repo.ImportCircuit(ctx, input.Body.Circuit()); err != nil {
			return nil, handleError(err)
		}
		c, err := e.Repo.GetCircuit(ctx, input.Body.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Circuit `json:"body"`
		}{Body: c}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-circuits",
		Method:      http.MethodGet,
		Path:        "/circuits",
		Summary:     "List circuits",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []domain.Circuit `json:"body"`
	}, error) {
		items, err := e.Repo.ListCircuits(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Circuit `json:"body"`
		}{Body: nonNilSlice(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-circuit",
		Method:      http.MethodGet,
		Path:        "/circuits/{key}",
		Summary:     "Get a circuit by id or request type",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		Key string `path:"key"`
	}) (*struct {
		Body domain.Circuit `json:"body"`
	}, error) {
		c, err := e.Repo.GetCircuit(ctx, input.Key)
		if errors.Is(err, repo.ErrNotFound) {
			c, err = e.Repo.GetCircuitByKey(ctx, input.Key)
		}
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Circuit `json:"body"`
		}{Body: c}, nil
	})
}

func registerCatalog(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-catalog",
		Method:      http.MethodGet,
		Path:        "/catalog",
		Summary:     "List piece justifications",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []domain.PieceJustification `json:"body"`
	}, error) {
		items, err := e.Repo.ListPieceJustifications(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.PieceJustification `json:"body"`
		}{Body: nonNilSlice(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "upsert-catalog-entry",
		Method:      http.MethodPut,
		Path:        "/catalog/{id}",
		Summary:     "Add or replace a piece justification",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		ID   string              `path:"id"`
		Body CatalogEntryRequest `json:"body"`
	}) (*struct {
		Body domain.PieceJustification `json:"body"`
	}, error) {
		if _, authErr := actorIDFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		if strings.TrimSpace(input.Body.DocumentTypeID) == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "document_type_id is required", nil)
		}
		pj := domain.PieceJustification{ID: input.ID, Label: input.Body.Label, DocumentTypeID: input.Body.DocumentTypeID}
		if err := e.Repo.UpsertPieceJustification(ctx, pj); err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.PieceJustification `json:"body"`
		}{Body: pj}, nil
	})
}

func registerDossiers(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-dossier",
		Method:        http.MethodPost,
		Path:          "/dossiers",
		Summary:       "Create dossier",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		Body CreateDossierRequest `json:"body"`
	}) (*struct {
		Body DossierResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		if strings.TrimSpace(input.Body.RequestType) == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "request_type is required", nil)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		d, err := e.CreateDossier(ctx, engine.DossierCreateOptions{
			ID:           stringOrEmpty(input.Body.ID),
			RequestType:  input.Body.RequestType,
			CandidateRef: stringOrEmpty(input.Body.CandidateRef),
			ActorID:      actorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body DossierResponse `json:"body"`
		}{Body: dossierResponse(d)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-dossiers",
		Method:      http.MethodGet,
		Path:        "/dossiers",
		Summary:     "List dossiers",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		RequestType string `query:"request_type"`
		Status      string `query:"status" enum:"not_started,in_progress,complete"`
		Limit       int    `query:"limit" default:"50"`
	}) (*struct {
		Body paginatedDossiers `json:"body"`
	}, error) {
		items, err := e.Repo.ListDossiers(ctx, repo.DossierFilters{
			RequestType: input.RequestType,
			Status:      input.Status,
			Limit:       normalizeLimit(input.Limit),
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body paginatedDossiers `json:"body"`
		}{Body: paginatedDossiers{Items: mapDossiers(items)}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-dossier",
		Method:      http.MethodGet,
		Path:        "/dossiers/{id}",
		Summary:     "Get dossier",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body DossierResponse `json:"body"`
	}, error) {
		d, err := e.Repo.GetDossier(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body DossierResponse `json:"body"`
		}{Body: dossierResponse(d)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-progress",
		Method:      http.MethodGet,
		Path:        "/dossiers/{id}/progress",
		Summary:     "Recompute and return step completion",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body domain.Progress `json:"body"`
	}, error) {
		p, err := e.Recompute(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Progress `json:"body"`
		}{Body: p}, nil
	})
}

func registerDocuments(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "register-document",
		Method:        http.MethodPost,
		Path:          "/dossiers/{id}/documents",
		Summary:       "Register an uploaded document",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
		},
	}, func(ctx context.Context, input *struct {
		ID   string                  `path:"id"`
		Body RegisterDocumentRequest `json:"body"`
	}) (*struct {
		Body domain.Document `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		if strings.TrimSpace(input.Body.Filename) == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "filename is required", nil)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		doc, err := e.RegisterDocument(ctx, engine.DocumentRegisterOptions{
			ID:                   stringOrEmpty(input.Body.ID),
			DossierID:            input.ID,
			StepID:               stringOrEmpty(input.Body.StepID),
			PieceID:              stringOrEmpty(input.Body.PieceID),
			PieceJustificationID: stringOrEmpty(input.Body.PieceJustificationID),
			DocumentTypeID:       stringOrEmpty(input.Body.DocumentTypeID),
			Filename:             input.Body.Filename,
			Simulated:            input.Body.Simulated,
			ActorID:              actorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Document `json:"body"`
		}{Body: doc}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-documents",
		Method:      http.MethodGet,
		Path:        "/dossiers/{id}/documents",
		Summary:     "List dossier documents",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body []domain.Document `json:"body"`
	}, error) {
		if _, err := e.Repo.GetDossier(ctx, input.ID); err != nil {
			return nil, handleError(err)
		}
		docs, err := e.Repo.ListDocumentsForDossier(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Document `json:"body"`
		}{Body: nonNilSlice(docs)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "validate-document",
		Method:      http.MethodPatch,
		Path:        "/documents/{id}/validation",
		Summary:     "Record the review decision of a document",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID   string                  `path:"id"`
		Body ValidateDocumentRequest `json:"body"`
	}) (*struct {
		Body domain.Document `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		doc, err := e.ValidateDocument(ctx, input.ID, input.Body.Validated, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Document `json:"body"`
		}{Body: doc}, nil
	})
}

func registerTransitions(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "advance-step",
		Method:      http.MethodPost,
		Path:        "/dossiers/{id}/advance",
		Summary:     "Complete a step and move the next one into progress",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusUnprocessableEntity,
			http.StatusBadGateway,
		},
	}, func(ctx context.Context, input *struct {
		ID   string         `path:"id"`
		Body AdvanceRequest `json:"body"`
	}) (*struct {
		Body AdvanceResponse `json:"body"`
	}, error) {
		if strings.TrimSpace(input.Body.StepID) == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "step_id is required", nil)
		}
		principal, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		res, err := e.Advance(ctx, engine.AdvanceOptions{
			DossierID: input.ID,
			StepID:    input.Body.StepID,
			ActorID:   principal.ActorID,
			Roles:     principal.Roles,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body AdvanceResponse `json:"body"`
		}{Body: advanceResponse(res)}, nil
	})
}

func registerExams(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "schedule-exam",
		Method:        http.MethodPost,
		Path:          "/dossiers/{id}/exam-session",
		Summary:       "Create the exam session of a dossier",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusBadGateway,
		},
	}, func(ctx context.Context, input *struct {
		ID   string              `path:"id"`
		Body ScheduleExamRequest `json:"body"`
	}) (*struct {
		Body domain.ExamSession `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		s, err := e.ScheduleExam(ctx, input.ID, input.Body.ExamDate, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.ExamSession `json:"body"`
		}{Body: s}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-exam",
		Method:      http.MethodGet,
		Path:        "/dossiers/{id}/exam",
		Summary:     "Exam session and aggregated results",
		Errors:      []int{http.StatusNotFound, http.StatusBadGateway},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body ExamStateResponse `json:"body"`
	}, error) {
		st, err := e.ExamStatus(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ExamStateResponse `json:"body"`
		}{Body: examStateResponse(st)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "record-exam-result",
		Method:      http.MethodPut,
		Path:        "/dossiers/{id}/exam/results",
		Summary:     "Record the outcome of one exam category",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusUnprocessableEntity,
			http.StatusBadGateway,
		},
	}, func(ctx context.Context, input *struct {
		ID   string                  `path:"id"`
		Body RecordExamResultRequest `json:"body"`
	}) (*struct {
		Body ExamStateResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		st, err := e.RecordExamResult(ctx, input.ID, input.Body.Category, input.Body.Outcome, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ExamStateResponse `json:"body"`
		}{Body: examStateResponse(st)}, nil
	})
}

func registerEvents(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "List recent events",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		DossierID  string `query:"dossier_id"`
		Type       string `query:"type"`
		EntityKind string `query:"entity_kind" enum:"dossier,document,step,exam_session"`
		EntityID   string `query:"entity_id"`
		Limit      int    `query:"limit" default:"50"`
		Cursor     string `query:"cursor"`
	}) (*struct {
		Body paginatedEvents `json:"body"`
	}, error) {
		limit := normalizeLimit(input.Limit)
		var cursorID int64
		if input.Cursor != "" {
			parsed, err := strconv.ParseInt(input.Cursor, 10, 64)
			if err != nil {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid cursor", map[string]any{"cursor": input.Cursor})
			}
			cursorID = parsed
		}
		items, err := e.Repo.LatestEventsFrom(ctx, limit+1, cursorID, input.DossierID, input.Type, input.EntityKind, input.EntityID)
		if err != nil {
			return nil, handleError(err)
		}
		resp := paginatedEvents{Items: []EventResponse{}}
		if len(items) > limit {
			resp.NextCursor = fmt.Sprintf("%d", items[limit].ID)
			items = items[:limit]
		}
		for _, evt := range items {
			resp.Items = append(resp.Items, eventResponse(evt))
		}
		return &struct {
			Body paginatedEvents `json:"body"`
		}{Body: resp}, nil
	})
}

func registerMe(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "me",
		Method:      http.MethodGet,
		Path:        "/me",
		Summary:     "Current principal",
		Errors: []int{
			http.StatusUnauthorized,
		},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body WhoAmIResponse `json:"body"`
	}, error) {
		principal, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		return &struct {
			Body WhoAmIResponse `json:"body"`
		}{Body: WhoAmIResponse{
			ActorID: principal.ActorID,
			Roles:   nonNilSlice(principal.Roles),
			Source:  principal.Source,
		}}, nil
	})
}

func registerDevAuth(api huma.API, authCfg AuthConfig) {
	huma.Register(api, huma.Operation{
		OperationID: "dev-login",
		Method:      http.MethodPost,
		Path:        "/auth/dev/login",
		Summary:     "DEV ONLY: mint a JWT for local testing",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Body DevLoginRequest `json:"body"`
	}) (*struct {
		Body DevLoginResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		actor := strings.TrimSpace(input.Body.ActorID)
		if actor == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "actor_id is required", nil)
		}
		token, err := signDevToken(authCfg.JWTSecret, actor, input.Body.Roles)
		if err != nil {
			return nil, newAPIError(http.StatusInternalServerError, "internal_error", err.Error(), nil)
		}
		return &struct {
			Body DevLoginResponse `json:"body"`
		}{Body: DevLoginResponse{Token: token}}, nil
	})
}

func bodyBytes(ctx context.Context) []byte {
	if buf, ok := ctx.Value(bodyBytesKey{}).([]byte); ok {
		return buf
	}
	req, ok := ctx.Value(requestKey{}).(*http.Request)
	if !ok || req == nil {
		return nil
	}
	data, _ := io.ReadAll(req.Body)
	return data
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
