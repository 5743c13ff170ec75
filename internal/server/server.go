package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"strconv"
	"strings"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"

	"reviewdesk/internal/engine"
	"reviewdesk/internal/engine/auth"
	"reviewdesk/internal/repo"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	BasePath string
	Auth     AuthConfig
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"illegal_transition"`
	Message string         `json:"message" example:"action publish not legal from status submitted"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

// apiError models the error envelope every endpoint returns.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the Reviewdesk API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v1"
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
			// Schema validation failures surface as 400 bad_request.
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			details = map[string]any{"errors": errs}
		}
		return newAPIError(status, "", msg, details)
	}

	router := chi.NewRouter()
	router.Use(newAuthMiddleware(basePath, cfg.Auth, cfg.Engine.Repo))
	hcfg := huma.DefaultConfig("Reviewdesk API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = ""
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group)
	registerStatus(group, cfg.Engine)
	registerDatasets(group, cfg.Engine)
	registerReview(group, cfg.Engine)
	registerVerification(group, cfg.Engine)
	registerEvents(group, cfg.Engine)
	registerRBAC(group, cfg.Engine)
	registerAPIKeys(group, cfg.Engine)
	registerMe(group, cfg.Engine)
	registerOpenAPI(router, api, basePath)

	startWebhookDispatcher(cfg.Engine)

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

// handleError maps the engine's error taxonomy onto the HTTP envelope.
func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	var fe auth.ForbiddenError
	if errors.As(err, &fe) {
		return newAPIError(http.StatusForbidden, "forbidden", err.Error(), map[string]any{"permission": fe.Permission})
	}
	var na engine.NotAssigneeError
	if errors.As(err, &na) {
		return newAPIError(http.StatusForbidden, "not_assignee", err.Error(), map[string]any{"dataset_id": na.DatasetID})
	}
	var no engine.NotOwnerError
	if errors.As(err, &no) {
		return newAPIError(http.StatusForbidden, "not_owner", err.Error(), map[string]any{"dataset_id": no.DatasetID})
	}
	var aa engine.AlreadyAssignedError
	if errors.As(err, &aa) {
		return newAPIError(http.StatusConflict, "already_assigned", err.Error(), map[string]any{"dataset_id": aa.DatasetID, "admin_id": aa.AdminID})
	}
	var it engine.IllegalTransitionError
	if errors.As(err, &it) {
		return newAPIError(http.StatusConflict, "illegal_transition", err.Error(), map[string]any{"action": it.Action, "from": it.From})
	}
	var ip engine.InvalidPayloadError
	if errors.As(err, &ip) {
		return newAPIError(http.StatusBadRequest, "invalid_payload", err.Error(), nil)
	}
	var nv engine.NotVerifiedError
	if errors.As(err, &nv) {
		return newAPIError(http.StatusUnprocessableEntity, "not_verified", err.Error(), map[string]any{"verification_status": nv.Status})
	}
	if errors.Is(err, repo.ErrNotFound) {
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	}
	return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": err.Error()})
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
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

// permSet converts the principal's claims into a permission set for the
// engine. An empty claim list leaves the set unresolved so the engine falls
// back to the RBAC tables.
func permSet(ctx context.Context) auth.Set {
	p, ok := principalFromContext(ctx)
	if !ok || len(p.Permissions) == 0 {
		return auth.Set{}
	}
	return auth.NewSet(p.Permissions)
}

func requirePermission(ctx context.Context, e engine.Engine, perm string) error {
	p, ok := principalFromContext(ctx)
	if !ok || p.ActorID == "" {
		return newAPIError(http.StatusUnauthorized, "unauthorized", "authentication required", nil)
	}
	if permSet(ctx).Has(perm) {
		return nil
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	granted, err := e.Auth.ActorHasPermission(ctx, tx, p.ActorID, perm)
	if err != nil {
		return err
	}
	if !granted {
		return auth.ForbiddenError{Permission: perm}
	}
	return nil
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
			spec, _ = json.Marshal(api.OpenAPI())
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(spec)
	})
}

func swaggerHTML(basePath string) string {
	specURL := path.Join("/", path.Join(basePath, "openapi.json"))
	return fmt.Sprintf(`<!doctype html>
<html lang="en">
  <head>
    <meta charset="utf-8"/>
    <meta name="viewport" content="width=device-width, initial-scale=1"/>
    <title>Reviewdesk API Docs</title>
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

func registerStatus(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "status",
		Method:      http.MethodGet,
		Path:        "/status",
		Summary:     "Marketplace review status",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body map[string]any `json:"body"`
	}, error) {
		if err := requirePermission(ctx, e, auth.PermDatasetsRead); err != nil {
			return nil, handleError(err)
		}
		counts, err := e.Repo.CountDatasetsByStatus(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		body := map[string]any{"dataset_counts": counts}
		if e.Config != nil {
			body["marketplace_id"] = e.Config.Marketplace.ID
		}
		return &struct {
			Body map[string]any `json:"body"`
		}{Body: body}, nil
	})
}

func registerDatasets(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "submit-dataset",
		Method:        http.MethodPost,
		Path:          "/datasets",
		Summary:       "Submit dataset proposal",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusConflict,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Body SubmitDatasetRequest `json:"body"`
	}) (*struct {
		Body DatasetResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		ownerID := input.Body.OwnerID
		if ownerID == "" {
			ownerID = actorID
		}
		d, err := e.SubmitDataset(ctx, engine.SubmitOptions{
			ID:          input.Body.ID,
			OwnerType:   input.Body.OwnerType,
			OwnerID:     ownerID,
			Title:       input.Body.Title,
			Description: input.Body.Description,
			Visibility:  input.Body.Visibility,
			UploadID:    input.Body.UploadID,
			ActorID:     actorID,
			Perms:       permSet(ctx),
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body DatasetResponse `json:"body"`
		}{Body: datasetResponse(d)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-datasets",
		Method:      http.MethodGet,
		Path:        "/datasets",
		Summary:     "List datasets",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		Status     string `query:"status"`
		OwnerType  string `query:"owner_type"`
		OwnerID    string `query:"owner_id"`
		Visibility string `query:"visibility"`
		Limit      int    `query:"limit" default:"50"`
		Cursor     string `query:"cursor"`
	}) (*struct {
		Body paginatedDatasets `json:"body"`
	}, error) {
		if err := requirePermission(ctx, e, auth.PermDatasetsRead); err != nil {
			return nil, handleError(err)
		}
		limit := normalizeLimit(input.Limit)
		cursorCreated, cursorID, err := parseCompositeCursor(input.Cursor)
		if err != nil {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid cursor", map[string]any{"cursor": input.Cursor})
		}
		items, err := e.Repo.ListDatasets(ctx, repo.DatasetFilters{
			Status:          input.Status,
			OwnerType:       input.OwnerType,
			OwnerID:         input.OwnerID,
			Visibility:      input.Visibility,
			Limit:           limit + 1,
			CursorCreatedAt: cursorCreated,
			CursorID:        cursorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		resp := paginatedDatasets{Items: []DatasetResponse{}}
		if len(items) > limit {
			resp.NextCursor = composeCursor(items[limit].CreatedAt, items[limit].ID)
			items = items[:limit]
		}
		resp.Items = mapDatasets(items)
		return &struct {
			Body paginatedDatasets `json:"body"`
		}{Body: resp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-dataset",
		Method:      http.MethodGet,
		Path:        "/datasets/{id}",
		Summary:     "Get dataset",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body DatasetDetailResponse `json:"body"`
	}, error) {
		if err := requirePermission(ctx, e, auth.PermDatasetsRead); err != nil {
			return nil, handleError(err)
		}
		d, err := e.Repo.GetDataset(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		detail := DatasetDetailResponse{Dataset: datasetResponse(d)}
		if a, err := e.Repo.ActiveAssignment(ctx, d.ID); err == nil {
			ar := assignmentResponse(a)
			detail.ActiveAssignment = &ar
		} else if !errors.Is(err, repo.ErrNotFound) {
			return nil, handleError(err)
		}
		if vr, err := e.Repo.GetVerification(ctx, d.ID); err == nil {
			v := verificationResponse(vr)
			detail.Verification = &v
		} else if !errors.Is(err, repo.ErrNotFound) {
			return nil, handleError(err)
		}
		return &struct {
			Body DatasetDetailResponse `json:"body"`
		}{Body: detail}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "withdraw-dataset",
		Method:      http.MethodPost,
		Path:        "/datasets/{id}/withdraw",
		Summary:     "Withdraw dataset proposal",
		Errors: []int{
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusConflict,
		},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body DatasetResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		d, err := e.WithdrawDataset(ctx, input.ID, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body DatasetResponse `json:"body"`
		}{Body: datasetResponse(d)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-dataset-assignments",
		Method:      http.MethodGet,
		Path:        "/datasets/{id}/assignments",
		Summary:     "List dataset assignments",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body []AssignmentResponse `json:"body"`
	}, error) {
		if err := requirePermission(ctx, e, auth.PermDatasetsRead); err != nil {
			return nil, handleError(err)
		}
		if _, err := e.Repo.GetDataset(ctx, input.ID); err != nil {
			return nil, handleError(err)
		}
		items, err := e.Repo.ListAssignments(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []AssignmentResponse `json:"body"`
		}{Body: mapAssignments(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-revision-requests",
		Method:      http.MethodGet,
		Path:        "/datasets/{id}/revision-requests",
		Summary:     "List revision requests",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body []RevisionRequestResponse `json:"body"`
	}, error) {
		if err := requirePermission(ctx, e, auth.PermDatasetsRead); err != nil {
			return nil, handleError(err)
		}
		if _, err := e.Repo.GetDataset(ctx, input.ID); err != nil {
			return nil, handleError(err)
		}
		items, err := e.Repo.ListRevisionRequests(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []RevisionRequestResponse `json:"body"`
		}{Body: mapRevisionRequests(items)}, nil
	})
}

func registerReview(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "pick-dataset",
		Method:      http.MethodPost,
		Path:        "/datasets/{id}/pick",
		Summary:     "Claim dataset for review",
		Errors: []int{
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusConflict,
		},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body AssignmentResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		a, err := e.Pick(ctx, input.ID, actorID, permSet(ctx))
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body AssignmentResponse `json:"body"`
		}{Body: assignmentResponse(a)}, nil
	})

	registerDecision(api, e, "approve-dataset", "approve", "Approve dataset", engine.ActionApprove)
	registerDecision(api, e, "reject-dataset", "reject", "Reject dataset", engine.ActionReject)
	registerDecision(api, e, "request-dataset-changes", "request-changes", "Request changes", engine.ActionRequestChanges)
	registerLifecycle(api, e, "publish-dataset", "publish", "Publish dataset", engine.ActionPublish)
	registerLifecycle(api, e, "unpublish-dataset", "unpublish", "Unpublish dataset", engine.ActionUnpublish)
	registerLifecycle(api, e, "archive-dataset", "archive", "Archive dataset", engine.ActionArchive)

	huma.Register(api, huma.Operation{
		OperationID: "reassign-dataset",
		Method:      http.MethodPost,
		Path:        "/datasets/{id}/reassign",
		Summary:     "Reassign active review",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusNotFound,
		},
	}, func(ctx context.Context, input *struct {
		ID   string          `path:"id"`
		Body ReassignRequest `json:"body"`
	}) (*struct {
		Body AssignmentResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		a, err := e.Reassign(ctx, input.ID, input.Body.AdminID, actorID, permSet(ctx))
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body AssignmentResponse `json:"body"`
		}{Body: assignmentResponse(a)}, nil
	})
}

// registerDecision wires an assignee-gated review decision endpoint.
func registerDecision(api huma.API, e engine.Engine, opID, slug, summary, action string) {
	huma.Register(api, huma.Operation{
		OperationID: opID,
		Method:      http.MethodPost,
		Path:        "/datasets/{id}/" + slug,
		Summary:     summary,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusConflict,
		},
	}, func(ctx context.Context, input *struct {
		ID   string          `path:"id"`
		Body DecisionRequest `json:"body"`
	}) (*struct {
		Body ReviewOutcomeResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		out, err := e.Dispatch(ctx, engine.ReviewAction{
			ActorID:             actorID,
			DatasetID:           input.ID,
			Kind:                action,
			Notes:               input.Body.Notes,
			DatasetNeedsChanges: input.Body.DatasetNeedsChanges,
			PricingNeedsChanges: input.Body.PricingNeedsChanges,
			Perms:               permSet(ctx),
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ReviewOutcomeResponse `json:"body"`
		}{Body: outcomeResponse(out)}, nil
	})
}

// registerLifecycle wires a publish-side lifecycle endpoint with no body.
func registerLifecycle(api huma.API, e engine.Engine, opID, slug, summary, action string) {
	huma.Register(api, huma.Operation{
		OperationID: opID,
		Method:      http.MethodPost,
		Path:        "/datasets/{id}/" + slug,
		Summary:     summary,
		Errors: []int{
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body ReviewOutcomeResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		out, err := e.Dispatch(ctx, engine.ReviewAction{
			ActorID:   actorID,
			DatasetID: input.ID,
			Kind:      action,
			Perms:     permSet(ctx),
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ReviewOutcomeResponse `json:"body"`
		}{Body: outcomeResponse(out)}, nil
	})
}

func registerVerification(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "get-verification",
		Method:      http.MethodGet,
		Path:        "/datasets/{id}/verification",
		Summary:     "Get verification record",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body VerificationResponse `json:"body"`
	}, error) {
		if err := requirePermission(ctx, e, auth.PermDatasetsRead); err != nil {
			return nil, handleError(err)
		}
		vr, err := e.Repo.GetVerification(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body VerificationResponse `json:"body"`
		}{Body: verificationResponse(vr)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "attach-upload",
		Method:      http.MethodPost,
		Path:        "/datasets/{id}/verification/upload",
		Summary:     "Attach upload",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusNotFound,
		},
	}, func(ctx context.Context, input *struct {
		ID   string              `path:"id"`
		Body AttachUploadRequest `json:"body"`
	}) (*struct {
		Body VerificationResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		vr, err := e.AttachUpload(ctx, input.ID, input.Body.UploadID, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body VerificationResponse `json:"body"`
		}{Body: verificationResponse(vr)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "verification-pass",
		Method:      http.MethodPost,
		Path:        "/datasets/{id}/verification/pass",
		Summary:     "Mark verification passed",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusNotFound,
		},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body VerificationResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		vr, err := e.MarkPassed(ctx, input.ID, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body VerificationResponse `json:"body"`
		}{Body: verificationResponse(vr)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "verification-fail",
		Method:      http.MethodPost,
		Path:        "/datasets/{id}/verification/fail",
		Summary:     "Mark verification failed",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusNotFound,
		},
	}, func(ctx context.Context, input *struct {
		ID   string            `path:"id"`
		Body FailVerifyRequest `json:"body"`
	}) (*struct {
		Body VerificationResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		vr, err := e.MarkFailed(ctx, input.ID, actorID, input.Body.Reason)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body VerificationResponse `json:"body"`
		}{Body: verificationResponse(vr)}, nil
	})
}

func registerEvents(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "List audit events",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		Type       string `query:"type"`
		EntityKind string `query:"entity_kind"`
		EntityID   string `query:"entity_id"`
		Limit      int    `query:"limit" default:"50"`
		Cursor     string `query:"cursor"`
	}) (*struct {
		Body paginatedEvents `json:"body"`
	}, error) {
		if err := requirePermission(ctx, e, auth.PermEventsRead); err != nil {
			return nil, handleError(err)
		}
		limit := normalizeLimit(input.Limit)
		var cursor int64
		if input.Cursor != "" {
			parsed, err := strconv.ParseInt(input.Cursor, 10, 64)
			if err != nil {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid cursor", map[string]any{"cursor": input.Cursor})
			}
			cursor = parsed
		}
		items, err := e.Repo.LatestEventsFrom(ctx, limit+1, cursor, input.Type, input.EntityKind, input.EntityID)
		if err != nil {
			return nil, handleError(err)
		}
		resp := paginatedEvents{Items: []EventResponse{}}
		if len(items) > limit {
			resp.NextCursor = strconv.FormatInt(items[limit].ID, 10)
			items = items[:limit]
		}
		resp.Items = mapEvents(items)
		return &struct {
			Body paginatedEvents `json:"body"`
		}{Body: resp}, nil
	})
}

func registerRBAC(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "grant-role",
		Method:      http.MethodPost,
		Path:        "/rbac/grants",
		Summary:     "Grant role to actor",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
		},
	}, func(ctx context.Context, input *struct {
		Body RoleGrantRequest `json:"body"`
	}) (*struct {
		Body map[string]string `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := e.GrantRole(ctx, input.Body.ActorID, input.Body.RoleID, actorID, permSet(ctx)); err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body map[string]string `json:"body"`
		}{Body: map[string]string{"actor_id": input.Body.ActorID, "role_id": input.Body.RoleID, "status": "granted"}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "revoke-role",
		Method:      http.MethodDelete,
		Path:        "/rbac/grants",
		Summary:     "Revoke role from actor",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
		},
	}, func(ctx context.Context, input *struct {
		ActorID string `query:"actor_id"`
		RoleID  string `query:"role_id"`
	}) (*struct {
		Body map[string]string `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := e.RevokeRole(ctx, input.ActorID, input.RoleID, actorID, permSet(ctx)); err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body map[string]string `json:"body"`
		}{Body: map[string]string{"actor_id": input.ActorID, "role_id": input.RoleID, "status": "revoked"}}, nil
	})
}

func registerAPIKeys(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-api-key",
		Method:        http.MethodPost,
		Path:          "/api-keys",
		Summary:       "Create API key",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
		},
	}, func(ctx context.Context, input *struct {
		Body CreateAPIKeyRequest `json:"body"`
	}) (*struct {
		Body APIKeyCreatedResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := requirePermission(ctx, e, auth.PermAPIKeysManage); err != nil {
			return nil, handleError(err)
		}
		created, secret, err := createAPIKey(ctx, e, input.Body, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body APIKeyCreatedResponse `json:"body"`
		}{Body: APIKeyCreatedResponse{
			ID:        created.ID,
			ActorID:   created.ActorID,
			Name:      created.Name,
			Key:       secret,
			CreatedAt: created.CreatedAt,
		}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-api-keys",
		Method:      http.MethodGet,
		Path:        "/api-keys",
		Summary:     "List API keys",
		Errors:      []int{http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		ActorID string `query:"actor_id"`
	}) (*struct {
		Body []APIKeyResponse `json:"body"`
	}, error) {
		if err := requirePermission(ctx, e, auth.PermAPIKeysManage); err != nil {
			return nil, handleError(err)
		}
		items, err := e.Repo.ListAPIKeys(ctx, input.ActorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []APIKeyResponse `json:"body"`
		}{Body: mapAPIKeys(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "delete-api-key",
		Method:      http.MethodDelete,
		Path:        "/api-keys/{id}",
		Summary:     "Delete API key",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct{}, error) {
		if err := requirePermission(ctx, e, auth.PermAPIKeysManage); err != nil {
			return nil, handleError(err)
		}
		if err := e.Repo.DeleteAPIKey(ctx, input.ID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})
}

func registerMe(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "me",
		Method:      http.MethodGet,
		Path:        "/me",
		Summary:     "Current actor profile",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body ActorProfileResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		profile, err := e.ActorProfile(ctx, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		resp := actorProfileResponse(profile)
		if p, ok := principalFromContext(ctx); ok {
			resp.Source = p.Source
			if len(p.Permissions) > 0 {
				resp.Permissions = p.Permissions
			}
			if len(p.Roles) > 0 {
				resp.Roles = p.Roles
			}
		}
		return &struct {
			Body ActorProfileResponse `json:"body"`
		}{Body: resp}, nil
	})
}
