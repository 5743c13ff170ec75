package server

import (
	"context"
	"encoding/base64"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"

	"reviewdesk/internal/domain"
	"reviewdesk/internal/engine"
	"reviewdesk/internal/repo"
)

type SubmitDatasetRequest struct {
	ID          string `json:"id,omitempty"`
	OwnerType   string `json:"owner_type" enum:"platform,supplier"`
	OwnerID     string `json:"owner_id,omitempty"`
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
	Visibility  string `json:"visibility,omitempty" enum:"public,private,unlisted"`
	UploadID    string `json:"upload_id,omitempty"`
}

type DecisionRequest struct {
	Notes               string `json:"notes,omitempty"`
	DatasetNeedsChanges bool   `json:"dataset_needs_changes,omitempty"`
	PricingNeedsChanges bool   `json:"pricing_needs_changes,omitempty"`
}

type ReassignRequest struct {
	AdminID string `json:"admin_id"`
}

type AttachUploadRequest struct {
	UploadID string `json:"upload_id"`
}

type FailVerifyRequest struct {
	Reason string `json:"reason"`
}

type RoleGrantRequest struct {
	ActorID string `json:"actor_id"`
	RoleID  string `json:"role_id"`
}

type CreateAPIKeyRequest struct {
	ActorID string `json:"actor_id,omitempty"`
	Name    string `json:"name,omitempty"`
}

type DatasetResponse struct {
	ID          string  `json:"id"`
	OwnerType   string  `json:"owner_type"`
	OwnerID     string  `json:"owner_id"`
	Title       string  `json:"title"`
	Description string  `json:"description,omitempty"`
	Status      string  `json:"status"`
	Visibility  string  `json:"visibility"`
	CreatedAt   string  `json:"created_at"`
	UpdatedAt   string  `json:"updated_at"`
	PublishedAt *string `json:"published_at,omitempty"`
}

type DatasetDetailResponse struct {
	Dataset          DatasetResponse       `json:"dataset"`
	ActiveAssignment *AssignmentResponse   `json:"active_assignment,omitempty"`
	Verification     *VerificationResponse `json:"verification,omitempty"`
}

type AssignmentResponse struct {
	ID         string  `json:"id"`
	DatasetID  string  `json:"dataset_id"`
	AdminID    string  `json:"admin_id"`
	Status     string  `json:"status"`
	AssignedAt string  `json:"assigned_at"`
	ClosedAt   *string `json:"closed_at,omitempty"`
}

type VerificationResponse struct {
	DatasetID     string  `json:"dataset_id"`
	Status        string  `json:"status"`
	CurrentUpload *string `json:"current_upload,omitempty"`
	FailReason    string  `json:"fail_reason,omitempty"`
	UpdatedAt     string  `json:"updated_at"`
}

type RevisionRequestResponse struct {
	ID                  string `json:"id"`
	DatasetID           string `json:"dataset_id"`
	RequestedBy         string `json:"requested_by"`
	Notes               string `json:"notes"`
	DatasetNeedsChanges bool   `json:"dataset_needs_changes"`
	PricingNeedsChanges bool   `json:"pricing_needs_changes"`
	CreatedAt           string `json:"created_at"`
}

type ReviewOutcomeResponse struct {
	DatasetID        string `json:"dataset_id"`
	Action           string `json:"action"`
	NewStatus        string `json:"new_status"`
	AssignmentID     string `json:"assignment_id,omitempty"`
	AssignmentStatus string `json:"assignment_status,omitempty"`
	Timestamp        string `json:"timestamp"`
}

type EventResponse struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts"`
	Type       string `json:"type"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

type APIKeyResponse struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	Name      string `json:"name,omitempty"`
	CreatedAt string `json:"created_at"`
}

type APIKeyCreatedResponse struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	Name      string `json:"name,omitempty"`
	Key       string `json:"key"`
	CreatedAt string `json:"created_at"`
}

type ActorProfileResponse struct {
	ActorID     string   `json:"actor_id"`
	Roles       []string `json:"roles"`
	Permissions []string `json:"permissions"`
	Source      string   `json:"source,omitempty"`
}

type paginatedDatasets struct {
	Items      []DatasetResponse `json:"items"`
	NextCursor string            `json:"next_cursor,omitempty"`
}

type paginatedEvents struct {
	Items      []EventResponse `json:"items"`
	NextCursor string          `json:"next_cursor,omitempty"`
}

func datasetResponse(d domain.Dataset) DatasetResponse {
	return DatasetResponse{
		ID:          d.ID,
		OwnerType:   d.OwnerType,
		OwnerID:     d.OwnerID,
		Title:       d.Title,
		Description: d.Description,
		Status:      d.Status,
		Visibility:  d.Visibility,
		CreatedAt:   d.CreatedAt,
		UpdatedAt:   d.UpdatedAt,
		PublishedAt: d.PublishedAt,
	}
}

func mapDatasets(items []domain.Dataset) []DatasetResponse {
	res := make([]DatasetResponse, 0, len(items))
	for _, d := range items {
		res = append(res, datasetResponse(d))
	}
	return res
}

func assignmentResponse(a domain.Assignment) AssignmentResponse {
	return AssignmentResponse{
		ID:         a.ID,
		DatasetID:  a.DatasetID,
		AdminID:    a.AdminID,
		Status:     a.Status,
		AssignedAt: a.AssignedAt,
		ClosedAt:   a.ClosedAt,
	}
}

func mapAssignments(items []domain.Assignment) []AssignmentResponse {
	res := make([]AssignmentResponse, 0, len(items))
	for _, a := range items {
		res = append(res, assignmentResponse(a))
	}
	return res
}

func verificationResponse(v domain.VerificationRecord) VerificationResponse {
	return VerificationResponse{
		DatasetID:     v.DatasetID,
		Status:        v.Status,
		CurrentUpload: v.CurrentUpload,
		FailReason:    v.FailReason,
		UpdatedAt:     v.UpdatedAt,
	}
}

func mapRevisionRequests(items []domain.RevisionRequest) []RevisionRequestResponse {
	res := make([]RevisionRequestResponse, 0, len(items))
	for _, rr := range items {
		res = append(res, RevisionRequestResponse{
			ID:                  rr.ID,
			DatasetID:           rr.DatasetID,
			RequestedBy:         rr.RequestedBy,
			Notes:               rr.Notes,
			DatasetNeedsChanges: rr.DatasetNeedsChanges,
			PricingNeedsChanges: rr.PricingNeedsChanges,
			CreatedAt:           rr.CreatedAt,
		})
	}
	return res
}

func outcomeResponse(out engine.ReviewOutcome) ReviewOutcomeResponse {
	return ReviewOutcomeResponse{
		DatasetID:        out.DatasetID,
		Action:           out.Action,
		NewStatus:        out.NewStatus,
		AssignmentID:     out.AssignmentID,
		AssignmentStatus: out.AssignmentStatus,
		Timestamp:        out.Timestamp,
	}
}

func mapEvents(items []domain.Event) []EventResponse {
	res := make([]EventResponse, 0, len(items))
	for _, e := range items {
		res = append(res, EventResponse{
			ID:         e.ID,
			TS:         e.TS,
			Type:       e.Type,
			EntityKind: e.EntityKind,
			EntityID:   e.EntityID,
			ActorID:    e.ActorID,
			Payload:    e.Payload,
		})
	}
	return res
}

func mapAPIKeys(items []domain.APIKey) []APIKeyResponse {
	res := make([]APIKeyResponse, 0, len(items))
	for _, k := range items {
		res = append(res, APIKeyResponse{
			ID:        k.ID,
			ActorID:   k.ActorID,
			Name:      k.Name,
			CreatedAt: k.CreatedAt,
		})
	}
	return res
}

func actorProfileResponse(p domain.ActorProfile) ActorProfileResponse {
	roles := p.Roles
	if roles == nil {
		roles = []string{}
	}
	perms := p.Permissions
	if perms == nil {
		perms = []string{}
	}
	return ActorProfileResponse{ActorID: p.ActorID, Roles: roles, Permissions: perms}
}

// createAPIKey generates a fresh secret, stores its hash and returns the
// plaintext once. The secret is never recoverable afterwards.
func createAPIKey(ctx context.Context, e engine.Engine, req CreateAPIKeyRequest, byActor string) (domain.APIKey, string, error) {
	actorID := req.ActorID
	if actorID == "" {
		actorID = byActor
	}
	return newAPIKey(ctx, e, actorID, req.Name)
}

// NewAPIKey issues a key for an actor outside the HTTP layer (CLI use).
func NewAPIKey(ctx context.Context, e engine.Engine, actorID, name string) (domain.APIKey, string, error) {
	return newAPIKey(ctx, e, actorID, name)
}

func newAPIKey(ctx context.Context, e engine.Engine, actorID, name string) (domain.APIKey, string, error) {
	secret := "rdk_" + strings.ReplaceAll(uuid.NewString()+uuid.NewString(), "-", "")
	key := domain.APIKey{
		ID:        uuid.NewString(),
		ActorID:   actorID,
		Name:      name,
		KeyHash:   repo.HashAPIKey(secret),
		CreatedAt: time.Now().UTC().Format(time.RFC3339),
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.APIKey{}, "", err
	}
	defer tx.Rollback()
	if err := e.Auth.EnsureActor(ctx, tx, actorID); err != nil {
		return domain.APIKey{}, "", err
	}
	if err := e.Repo.InsertAPIKey(ctx, tx, key); err != nil {
		return domain.APIKey{}, "", err
	}
	if err := tx.Commit(); err != nil {
		return domain.APIKey{}, "", err
	}
	return key, secret, nil
}

func normalizeLimit(limit int) int {
	if limit <= 0 {
		return 50
	}
	if limit > 200 {
		return 200
	}
	return limit
}

// composeCursor packs a created_at plus id pair into an opaque token.
func composeCursor(createdAt, id string) string {
	return base64.RawURLEncoding.EncodeToString([]byte(createdAt + "|" + id))
}

func parseCompositeCursor(cursor string) (string, string, error) {
	if cursor == "" {
		return "", "", nil
	}
	raw, err := base64.RawURLEncoding.DecodeString(cursor)
	if err != nil {
		return "", "", err
	}
	parts := strings.SplitN(string(raw), "|", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", errors.New("malformed cursor")
	}
	return parts[0], parts[1], nil
}
