package server_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"reviewdesk/internal/config"
	"reviewdesk/internal/db"
	"reviewdesk/internal/engine"
	"reviewdesk/internal/migrate"
	"reviewdesk/internal/server"
)

const testJWTSecret = "test-secret"

func newTestServer(t *testing.T) (*httptest.Server, engine.Engine) {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	eng := engine.New(conn, config.Default())
	eng.Now = func() time.Time { return time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC) }
	if err := eng.SeedRBAC(context.Background()); err != nil {
		t.Fatalf("seed rbac: %v", err)
	}
	handler, err := server.New(server.Config{
		Engine: eng,
		Auth: server.AuthConfig{
			JWTSecret:              testJWTSecret,
			AllowLegacyActorHeader: true,
			Logger:                 log.New(io.Discard, "", 0),
		},
	})
	if err != nil {
		t.Fatalf("server: %v", err)
	}
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return srv, eng
}

func grantRole(t *testing.T, eng engine.Engine, actorID, role string) {
	t.Helper()
	ctx := context.Background()
	tx, err := eng.DB.BeginTx(ctx, nil)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	defer tx.Rollback()
	if err := eng.Auth.EnsureActor(ctx, tx, actorID); err != nil {
		t.Fatalf("ensure actor: %v", err)
	}
	if err := eng.Repo.AssignRole(ctx, tx, actorID, role); err != nil {
		t.Fatalf("assign role: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}
}

func signToken(t *testing.T, subject string, perms []string) string {
	t.Helper()
	claims := jwt.MapClaims{
		"sub": subject,
		"exp": time.Now().Add(time.Hour).Unix(),
	}
	if perms != nil {
		claims["permissions"] = perms
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testJWTSecret))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return token
}

type authHeader struct {
	key, value string
}

func legacyActor(id string) authHeader { return authHeader{"X-Actor-Id", id} }
func bearer(token string) authHeader   { return authHeader{"Authorization", "Bearer " + token} }

func call(t *testing.T, srv *httptest.Server, method, path string, body any, hdr authHeader) (int, []byte) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req, err := http.NewRequest(method, srv.URL+path, &buf)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if hdr.key != "" {
		req.Header.Set(hdr.key, hdr.value)
	}
	resp, err := srv.Client().Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return resp.StatusCode, data
}

func errorCode(t *testing.T, body []byte) string {
	t.Helper()
	var envelope struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		t.Fatalf("decode error envelope %s: %v", body, err)
	}
	return envelope.Error.Code
}

func TestHealthNeedsNoAuth(t *testing.T) {
	srv, _ := newTestServer(t)
	status, _ := call(t, srv, http.MethodGet, "/v1/health", nil, authHeader{})
	if status != http.StatusOK {
		t.Fatalf("health status = %d, want 200", status)
	}
}

func TestUnauthenticatedRequestRejected(t *testing.T) {
	srv, _ := newTestServer(t)
	status, body := call(t, srv, http.MethodGet, "/v1/datasets", nil, authHeader{})
	if status != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", status)
	}
	if code := errorCode(t, body); code != "unauthorized" {
		t.Fatalf("code = %s, want unauthorized", code)
	}
}

func TestSubmitPickConflictFlow(t *testing.T) {
	srv, eng := newTestServer(t)
	grantRole(t, eng, "supplier-1", "supplier")
	grantRole(t, eng, "rev-1", "reviewer")
	grantRole(t, eng, "rev-2", "reviewer")

	status, body := call(t, srv, http.MethodPost, "/v1/datasets", map[string]any{
		"owner_type": "supplier",
		"title":      "EU retail prices",
	}, legacyActor("supplier-1"))
	if status != http.StatusCreated {
		t.Fatalf("submit status = %d: %s", status, body)
	}
	var d struct {
		ID     string `json:"id"`
		Status string `json:"status"`
	}
	if err := json.Unmarshal(body, &d); err != nil {
		t.Fatalf("decode dataset: %v", err)
	}
	if d.Status != "submitted" {
		t.Fatalf("dataset status = %s, want submitted", d.Status)
	}

	pickPath := fmt.Sprintf("/v1/datasets/%s/pick", d.ID)
	status, body = call(t, srv, http.MethodPost, pickPath, nil, legacyActor("rev-1"))
	if status != http.StatusOK {
		t.Fatalf("pick status = %d: %s", status, body)
	}

	status, body = call(t, srv, http.MethodPost, pickPath, nil, legacyActor("rev-2"))
	if status != http.StatusConflict {
		t.Fatalf("second pick status = %d: %s", status, body)
	}
	if code := errorCode(t, body); code != "already_assigned" {
		t.Fatalf("code = %s, want already_assigned", code)
	}
}

func TestForbiddenEnvelope(t *testing.T) {
	srv, eng := newTestServer(t)
	grantRole(t, eng, "supplier-1", "supplier")

	status, body := call(t, srv, http.MethodPost, "/v1/datasets", map[string]any{
		"owner_type": "supplier",
		"title":      "No role here",
	}, legacyActor("stranger"))
	if status != http.StatusForbidden {
		t.Fatalf("status = %d: %s", status, body)
	}
	if code := errorCode(t, body); code != "forbidden" {
		t.Fatalf("code = %s, want forbidden", code)
	}
}

func TestRejectWithoutNotesIsBadRequest(t *testing.T) {
	srv, eng := newTestServer(t)
	grantRole(t, eng, "supplier-1", "supplier")
	grantRole(t, eng, "rev-1", "reviewer")

	_, body := call(t, srv, http.MethodPost, "/v1/datasets", map[string]any{
		"owner_type": "supplier",
		"title":      "Needs notes",
	}, legacyActor("supplier-1"))
	var d struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(body, &d); err != nil {
		t.Fatal(err)
	}
	call(t, srv, http.MethodPost, fmt.Sprintf("/v1/datasets/%s/pick", d.ID), nil, legacyActor("rev-1"))

	status, body := call(t, srv, http.MethodPost, fmt.Sprintf("/v1/datasets/%s/reject", d.ID),
		map[string]any{}, legacyActor("rev-1"))
	if status != http.StatusBadRequest {
		t.Fatalf("status = %d: %s", status, body)
	}
	if code := errorCode(t, body); code != "invalid_payload" {
		t.Fatalf("code = %s, want invalid_payload", code)
	}
}

func TestPublishUnverifiedIsUnprocessable(t *testing.T) {
	srv, eng := newTestServer(t)
	grantRole(t, eng, "supplier-1", "supplier")
	grantRole(t, eng, "rev-1", "reviewer")
	grantRole(t, eng, "pub-1", "publisher")

	_, body := call(t, srv, http.MethodPost, "/v1/datasets", map[string]any{
		"owner_type": "supplier",
		"title":      "Unverified",
	}, legacyActor("supplier-1"))
	var d struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(body, &d); err != nil {
		t.Fatal(err)
	}
	call(t, srv, http.MethodPost, fmt.Sprintf("/v1/datasets/%s/pick", d.ID), nil, legacyActor("rev-1"))
	call(t, srv, http.MethodPost, fmt.Sprintf("/v1/datasets/%s/approve", d.ID), map[string]any{}, legacyActor("rev-1"))

	status, body := call(t, srv, http.MethodPost, fmt.Sprintf("/v1/datasets/%s/publish", d.ID), nil, legacyActor("pub-1"))
	if status != http.StatusUnprocessableEntity {
		t.Fatalf("status = %d: %s", status, body)
	}
	if code := errorCode(t, body); code != "not_verified" {
		t.Fatalf("code = %s, want not_verified", code)
	}
}

func TestJWTClaimPermissions(t *testing.T) {
	srv, _ := newTestServer(t)

	// Claim-carried permissions grant without any RBAC rows.
	token := signToken(t, "jwt-supplier", []string{"datasets:submit", "datasets:read"})
	status, body := call(t, srv, http.MethodPost, "/v1/datasets", map[string]any{
		"owner_type": "supplier",
		"title":      "Token submitted",
	}, bearer(token))
	if status != http.StatusCreated {
		t.Fatalf("submit status = %d: %s", status, body)
	}

	// Without claim permissions the RBAC tables decide, and jwt-nobody has no roles.
	denied := signToken(t, "jwt-nobody", nil)
	status, body = call(t, srv, http.MethodGet, "/v1/datasets", nil, bearer(denied))
	if status != http.StatusForbidden {
		t.Fatalf("status = %d: %s", status, body)
	}

	// Garbage tokens never reach the handlers.
	status, _ = call(t, srv, http.MethodGet, "/v1/datasets", nil, bearer("not-a-token"))
	if status != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", status)
	}
}

func TestGetDatasetDetail(t *testing.T) {
	srv, eng := newTestServer(t)
	grantRole(t, eng, "supplier-1", "supplier")
	grantRole(t, eng, "rev-1", "reviewer")

	_, body := call(t, srv, http.MethodPost, "/v1/datasets", map[string]any{
		"owner_type": "supplier",
		"title":      "With detail",
		"upload_id":  "upload-9",
	}, legacyActor("supplier-1"))
	var d struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(body, &d); err != nil {
		t.Fatal(err)
	}
	call(t, srv, http.MethodPost, fmt.Sprintf("/v1/datasets/%s/pick", d.ID), nil, legacyActor("rev-1"))

	status, body := call(t, srv, http.MethodGet, "/v1/datasets/"+d.ID, nil, legacyActor("rev-1"))
	if status != http.StatusOK {
		t.Fatalf("status = %d: %s", status, body)
	}
	var detail struct {
		Dataset struct {
			Status string `json:"status"`
		} `json:"dataset"`
		ActiveAssignment *struct {
			AdminID string `json:"admin_id"`
		} `json:"active_assignment"`
		Verification *struct {
			Status string `json:"status"`
		} `json:"verification"`
	}
	if err := json.Unmarshal(body, &detail); err != nil {
		t.Fatalf("decode detail: %v", err)
	}
	if detail.Dataset.Status != "under_review" {
		t.Fatalf("dataset status = %s", detail.Dataset.Status)
	}
	if detail.ActiveAssignment == nil || detail.ActiveAssignment.AdminID != "rev-1" {
		t.Fatalf("active assignment = %+v", detail.ActiveAssignment)
	}
	if detail.Verification == nil || detail.Verification.Status != "pending" {
		t.Fatalf("verification = %+v", detail.Verification)
	}
}
