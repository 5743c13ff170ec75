package engine_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"reviewdesk/internal/config"
	"reviewdesk/internal/db"
	"reviewdesk/internal/domain"
	"reviewdesk/internal/engine"
	"reviewdesk/internal/engine/auth"
	"reviewdesk/internal/migrate"
	"reviewdesk/internal/repo"
)

type testEnv struct {
	Engine engine.Engine
	Ctx    context.Context
}

func newTestEnv(t *testing.T) testEnv {
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
	ctx := context.Background()
	if err := eng.SeedRBAC(ctx); err != nil {
		t.Fatalf("seed rbac: %v", err)
	}
	return testEnv{Engine: eng, Ctx: ctx}
}

// bootstrapActor grants a role directly, bypassing rbac:manage.
func bootstrapActor(t *testing.T, env testEnv, actorID, role string) {
	t.Helper()
	tx, err := env.Engine.DB.BeginTx(env.Ctx, nil)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	defer tx.Rollback()
	if err := env.Engine.Auth.EnsureActor(env.Ctx, tx, actorID); err != nil {
		t.Fatalf("ensure actor: %v", err)
	}
	if err := env.Engine.Repo.AssignRole(env.Ctx, tx, actorID, role); err != nil {
		t.Fatalf("assign role: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}
}

func submitDataset(t *testing.T, env testEnv, owner string) domain.Dataset {
	t.Helper()
	d, err := env.Engine.SubmitDataset(env.Ctx, engine.SubmitOptions{
		OwnerType: domain.OwnerSupplier,
		OwnerID:   owner,
		Title:     "EU retail prices",
		ActorID:   owner,
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	return d
}

func dispatch(env testEnv, actorID, datasetID, kind string) (engine.ReviewOutcome, error) {
	return env.Engine.Dispatch(env.Ctx, engine.ReviewAction{
		ActorID:   actorID,
		DatasetID: datasetID,
		Kind:      kind,
	})
}

func TestSubmitAndPickFlow(t *testing.T) {
	env := newTestEnv(t)
	bootstrapActor(t, env, "supplier-1", "supplier")
	bootstrapActor(t, env, "rev-1", "reviewer")
	bootstrapActor(t, env, "rev-2", "reviewer")

	d := submitDataset(t, env, "supplier-1")
	if d.Status != domain.DatasetSubmitted {
		t.Fatalf("status = %s, want submitted", d.Status)
	}

	a, err := env.Engine.Pick(env.Ctx, d.ID, "rev-1", auth.Set{})
	if err != nil {
		t.Fatalf("pick: %v", err)
	}
	if a.Status != domain.AssignmentActive || a.AdminID != "rev-1" {
		t.Fatalf("assignment = %+v", a)
	}
	got, err := env.Engine.Repo.GetDataset(env.Ctx, d.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != domain.DatasetUnderReview {
		t.Fatalf("status = %s, want under_review", got.Status)
	}

	_, err = env.Engine.Pick(env.Ctx, d.ID, "rev-2", auth.Set{})
	var aa engine.AlreadyAssignedError
	if !errors.As(err, &aa) {
		t.Fatalf("second pick err = %v, want AlreadyAssignedError", err)
	}
	if aa.AdminID != "rev-1" {
		t.Fatalf("conflict holder = %s, want rev-1", aa.AdminID)
	}
}

func TestConcurrentPickExactlyOneWins(t *testing.T) {
	env := newTestEnv(t)
	bootstrapActor(t, env, "supplier-1", "supplier")
	reviewers := []string{"rev-a", "rev-b", "rev-c", "rev-d", "rev-e"}
	for _, r := range reviewers {
		bootstrapActor(t, env, r, "reviewer")
	}
	d := submitDataset(t, env, "supplier-1")

	var wg sync.WaitGroup
	results := make([]error, len(reviewers))
	for i, r := range reviewers {
		wg.Add(1)
		go func(i int, r string) {
			defer wg.Done()
			_, results[i] = env.Engine.Pick(env.Ctx, d.ID, r, auth.Set{})
		}(i, r)
	}
	wg.Wait()

	wins := 0
	for _, err := range results {
		if err == nil {
			wins++
			continue
		}
		var aa engine.AlreadyAssignedError
		if !errors.As(err, &aa) {
			t.Fatalf("loser err = %v, want AlreadyAssignedError", err)
		}
	}
	if wins != 1 {
		t.Fatalf("wins = %d, want exactly 1", wins)
	}
}

func TestDecisionRequiresAssignee(t *testing.T) {
	env := newTestEnv(t)
	bootstrapActor(t, env, "supplier-1", "supplier")
	bootstrapActor(t, env, "rev-1", "reviewer")
	bootstrapActor(t, env, "rev-2", "reviewer")
	d := submitDataset(t, env, "supplier-1")
	if _, err := env.Engine.Pick(env.Ctx, d.ID, "rev-1", auth.Set{}); err != nil {
		t.Fatal(err)
	}

	// rev-2 holds datasets:approve but is not the assignee.
	_, err := dispatch(env, "rev-2", d.ID, engine.ActionApprove)
	var na engine.NotAssigneeError
	if !errors.As(err, &na) {
		t.Fatalf("err = %v, want NotAssigneeError", err)
	}

	out, err := dispatch(env, "rev-1", d.ID, engine.ActionApprove)
	if err != nil {
		t.Fatalf("approve: %v", err)
	}
	if out.NewStatus != domain.DatasetVerified {
		t.Fatalf("new status = %s, want verified", out.NewStatus)
	}
	if out.AssignmentStatus != domain.AssignmentCompleted {
		t.Fatalf("assignment status = %s, want completed", out.AssignmentStatus)
	}
	if _, err := env.Engine.Repo.ActiveAssignment(env.Ctx, d.ID); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("active assignment after approve: err = %v, want not found", err)
	}
}

func TestRejectRequiresNotes(t *testing.T) {
	env := newTestEnv(t)
	bootstrapActor(t, env, "supplier-1", "supplier")
	bootstrapActor(t, env, "rev-1", "reviewer")
	d := submitDataset(t, env, "supplier-1")
	if _, err := env.Engine.Pick(env.Ctx, d.ID, "rev-1", auth.Set{}); err != nil {
		t.Fatal(err)
	}

	_, err := dispatch(env, "rev-1", d.ID, engine.ActionReject)
	var ip engine.InvalidPayloadError
	if !errors.As(err, &ip) {
		t.Fatalf("err = %v, want InvalidPayloadError", err)
	}
	got, _ := env.Engine.Repo.GetDataset(env.Ctx, d.ID)
	if got.Status != domain.DatasetUnderReview {
		t.Fatalf("failed reject mutated status to %s", got.Status)
	}

	out, err := env.Engine.Dispatch(env.Ctx, engine.ReviewAction{
		ActorID: "rev-1", DatasetID: d.ID, Kind: engine.ActionReject, Notes: "schema is wrong",
	})
	if err != nil {
		t.Fatalf("reject: %v", err)
	}
	if out.NewStatus != domain.DatasetRejected || out.AssignmentStatus != domain.AssignmentCompleted {
		t.Fatalf("outcome = %+v", out)
	}
}

func TestRequestChangesKeepsAssignment(t *testing.T) {
	env := newTestEnv(t)
	bootstrapActor(t, env, "supplier-1", "supplier")
	bootstrapActor(t, env, "rev-1", "reviewer")
	d := submitDataset(t, env, "supplier-1")
	if _, err := env.Engine.Pick(env.Ctx, d.ID, "rev-1", auth.Set{}); err != nil {
		t.Fatal(err)
	}

	// Notes alone are not enough, at least one flag is required.
	_, err := env.Engine.Dispatch(env.Ctx, engine.ReviewAction{
		ActorID: "rev-1", DatasetID: d.ID, Kind: engine.ActionRequestChanges, Notes: "fix it",
	})
	var ip engine.InvalidPayloadError
	if !errors.As(err, &ip) {
		t.Fatalf("err = %v, want InvalidPayloadError", err)
	}

	out, err := env.Engine.Dispatch(env.Ctx, engine.ReviewAction{
		ActorID: "rev-1", DatasetID: d.ID, Kind: engine.ActionRequestChanges,
		Notes: "column names unclear", DatasetNeedsChanges: true,
	})
	if err != nil {
		t.Fatalf("request changes: %v", err)
	}
	if out.NewStatus != domain.DatasetUnderReview {
		t.Fatalf("new status = %s, want under_review", out.NewStatus)
	}
	a, err := env.Engine.Repo.ActiveAssignment(env.Ctx, d.ID)
	if err != nil || a.AdminID != "rev-1" {
		t.Fatalf("assignment gone after request changes: %v %+v", err, a)
	}
	rrs, err := env.Engine.Repo.ListRevisionRequests(env.Ctx, d.ID)
	if err != nil || len(rrs) != 1 {
		t.Fatalf("revision requests = %d (%v), want 1", len(rrs), err)
	}
	if !rrs[0].DatasetNeedsChanges || rrs[0].PricingNeedsChanges {
		t.Fatalf("flags = %+v", rrs[0])
	}
}

func TestPublishRequiresPassedVerification(t *testing.T) {
	env := newTestEnv(t)
	bootstrapActor(t, env, "supplier-1", "supplier")
	bootstrapActor(t, env, "rev-1", "reviewer")
	bootstrapActor(t, env, "pub-1", "publisher")
	d := submitDataset(t, env, "supplier-1")
	if _, err := env.Engine.Pick(env.Ctx, d.ID, "rev-1", auth.Set{}); err != nil {
		t.Fatal(err)
	}
	if _, err := dispatch(env, "rev-1", d.ID, engine.ActionApprove); err != nil {
		t.Fatal(err)
	}

	// No verification record at all.
	_, err := dispatch(env, "pub-1", d.ID, engine.ActionPublish)
	var nv engine.NotVerifiedError
	if !errors.As(err, &nv) {
		t.Fatalf("err = %v, want NotVerifiedError", err)
	}

	if _, err := env.Engine.AttachUpload(env.Ctx, d.ID, "upload-1", "supplier-1"); err != nil {
		t.Fatal(err)
	}

	// Pending is not passed.
	if _, err := dispatch(env, "pub-1", d.ID, engine.ActionPublish); !errors.As(err, &nv) {
		t.Fatalf("err = %v, want NotVerifiedError while pending", err)
	}

	if _, err := env.Engine.MarkFailed(env.Ctx, d.ID, "checker", "bad encoding"); err != nil {
		t.Fatal(err)
	}
	if _, err := dispatch(env, "pub-1", d.ID, engine.ActionPublish); !errors.As(err, &nv) {
		t.Fatalf("err = %v, want NotVerifiedError after fail", err)
	}

	if _, err := env.Engine.MarkPassed(env.Ctx, d.ID, "checker"); err != nil {
		t.Fatal(err)
	}
	out, err := dispatch(env, "pub-1", d.ID, engine.ActionPublish)
	if err != nil {
		t.Fatalf("publish: %v", err)
	}
	if out.NewStatus != domain.DatasetPublished {
		t.Fatalf("new status = %s, want published", out.NewStatus)
	}
	got, _ := env.Engine.Repo.GetDataset(env.Ctx, d.ID)
	if got.PublishedAt == nil {
		t.Fatal("published_at not set")
	}

	out, err = dispatch(env, "pub-1", d.ID, engine.ActionUnpublish)
	if err != nil || out.NewStatus != domain.DatasetVerified {
		t.Fatalf("unpublish: %v %+v", err, out)
	}
	got, _ = env.Engine.Repo.GetDataset(env.Ctx, d.ID)
	if got.PublishedAt != nil {
		t.Fatal("published_at not cleared")
	}

	// A fresh upload resets verification, publish is gated again.
	if _, err := env.Engine.AttachUpload(env.Ctx, d.ID, "upload-2", "supplier-1"); err != nil {
		t.Fatal(err)
	}
	if _, err := dispatch(env, "pub-1", d.ID, engine.ActionPublish); !errors.As(err, &nv) {
		t.Fatalf("err = %v, want NotVerifiedError after new upload", err)
	}
}

func TestIllegalTransitionLeavesStateUnchanged(t *testing.T) {
	env := newTestEnv(t)
	bootstrapActor(t, env, "supplier-1", "supplier")
	bootstrapActor(t, env, "pub-1", "publisher")
	d := submitDataset(t, env, "supplier-1")

	_, err := dispatch(env, "pub-1", d.ID, engine.ActionPublish)
	var it engine.IllegalTransitionError
	if !errors.As(err, &it) {
		t.Fatalf("err = %v, want IllegalTransitionError", err)
	}
	if it.From != domain.DatasetSubmitted {
		t.Fatalf("from = %s, want submitted", it.From)
	}
	got, _ := env.Engine.Repo.GetDataset(env.Ctx, d.ID)
	if got.Status != domain.DatasetSubmitted || got.UpdatedAt != d.UpdatedAt {
		t.Fatalf("dataset mutated by failed publish: %+v", got)
	}
}

func TestPermissionDeniedWithoutRole(t *testing.T) {
	env := newTestEnv(t)
	bootstrapActor(t, env, "supplier-1", "supplier")
	d := submitDataset(t, env, "supplier-1")

	_, err := env.Engine.Pick(env.Ctx, d.ID, "stranger", auth.Set{})
	var fe auth.ForbiddenError
	if !errors.As(err, &fe) {
		t.Fatalf("err = %v, want ForbiddenError", err)
	}
	if fe.Permission != auth.PermDatasetsPick {
		t.Fatalf("permission = %s, want datasets:pick", fe.Permission)
	}

	// Permission check runs before existence: same error for a missing dataset.
	_, err = env.Engine.Pick(env.Ctx, "no-such-dataset", "stranger", auth.Set{})
	if !errors.As(err, &fe) {
		t.Fatalf("err = %v, want ForbiddenError before not-found", err)
	}
}

func TestWithdrawCancelsAssignment(t *testing.T) {
	env := newTestEnv(t)
	bootstrapActor(t, env, "supplier-1", "supplier")
	bootstrapActor(t, env, "rev-1", "reviewer")
	d := submitDataset(t, env, "supplier-1")
	if _, err := env.Engine.Pick(env.Ctx, d.ID, "rev-1", auth.Set{}); err != nil {
		t.Fatal(err)
	}

	_, err := env.Engine.WithdrawDataset(env.Ctx, d.ID, "rev-1")
	var no engine.NotOwnerError
	if !errors.As(err, &no) {
		t.Fatalf("err = %v, want NotOwnerError", err)
	}

	got, err := env.Engine.WithdrawDataset(env.Ctx, d.ID, "supplier-1")
	if err != nil {
		t.Fatalf("withdraw: %v", err)
	}
	if got.Status != domain.DatasetSubmitted {
		t.Fatalf("status = %s, want submitted", got.Status)
	}
	if _, err := env.Engine.Repo.ActiveAssignment(env.Ctx, d.ID); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("active assignment survived withdraw: %v", err)
	}
	list, err := env.Engine.Repo.ListAssignments(env.Ctx, d.ID)
	if err != nil || len(list) != 1 {
		t.Fatalf("assignments = %d (%v)", len(list), err)
	}
	if list[0].Status != domain.AssignmentCancelled {
		t.Fatalf("assignment status = %s, want cancelled", list[0].Status)
	}
}

func TestReassignMovesActiveAssignment(t *testing.T) {
	env := newTestEnv(t)
	bootstrapActor(t, env, "supplier-1", "supplier")
	bootstrapActor(t, env, "rev-1", "reviewer")
	bootstrapActor(t, env, "rev-2", "reviewer")
	bootstrapActor(t, env, "lead", "owner")
	d := submitDataset(t, env, "supplier-1")
	if _, err := env.Engine.Pick(env.Ctx, d.ID, "rev-1", auth.Set{}); err != nil {
		t.Fatal(err)
	}

	// Reviewers cannot reassign, it takes datasets:reassign.
	_, err := env.Engine.Reassign(env.Ctx, d.ID, "rev-2", "rev-1", auth.Set{})
	var fe auth.ForbiddenError
	if !errors.As(err, &fe) {
		t.Fatalf("err = %v, want ForbiddenError", err)
	}

	next, err := env.Engine.Reassign(env.Ctx, d.ID, "rev-2", "lead", auth.Set{})
	if err != nil {
		t.Fatalf("reassign: %v", err)
	}
	if next.AdminID != "rev-2" || next.Status != domain.AssignmentActive {
		t.Fatalf("new assignment = %+v", next)
	}
	list, _ := env.Engine.Repo.ListAssignments(env.Ctx, d.ID)
	if len(list) != 2 {
		t.Fatalf("assignments = %d, want 2", len(list))
	}
	var reassigned int
	for _, a := range list {
		if a.Status == domain.AssignmentReassigned {
			reassigned++
		}
	}
	if reassigned != 1 {
		t.Fatalf("reassigned rows = %d, want 1", reassigned)
	}

	// rev-1 lost the decision, rev-2 can now approve.
	_, err = dispatch(env, "rev-1", d.ID, engine.ActionApprove)
	var na engine.NotAssigneeError
	if !errors.As(err, &na) {
		t.Fatalf("err = %v, want NotAssigneeError", err)
	}
	if _, err := dispatch(env, "rev-2", d.ID, engine.ActionApprove); err != nil {
		t.Fatalf("approve by new assignee: %v", err)
	}
}

func TestArchiveFromPublishedOnly(t *testing.T) {
	env := newTestEnv(t)
	bootstrapActor(t, env, "supplier-1", "supplier")
	bootstrapActor(t, env, "rev-1", "reviewer")
	bootstrapActor(t, env, "pub-1", "publisher")
	d := submitDataset(t, env, "supplier-1")
	if _, err := env.Engine.Pick(env.Ctx, d.ID, "rev-1", auth.Set{}); err != nil {
		t.Fatal(err)
	}
	if _, err := dispatch(env, "rev-1", d.ID, engine.ActionApprove); err != nil {
		t.Fatal(err)
	}

	_, err := dispatch(env, "pub-1", d.ID, engine.ActionArchive)
	var it engine.IllegalTransitionError
	if !errors.As(err, &it) {
		t.Fatalf("archive from verified err = %v, want IllegalTransitionError", err)
	}

	if _, err := env.Engine.AttachUpload(env.Ctx, d.ID, "u1", "supplier-1"); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.MarkPassed(env.Ctx, d.ID, "checker"); err != nil {
		t.Fatal(err)
	}
	if _, err := dispatch(env, "pub-1", d.ID, engine.ActionPublish); err != nil {
		t.Fatal(err)
	}
	out, err := dispatch(env, "pub-1", d.ID, engine.ActionArchive)
	if err != nil || out.NewStatus != domain.DatasetArchived {
		t.Fatalf("archive: %v %+v", err, out)
	}
	// Archived is terminal.
	if _, err := dispatch(env, "pub-1", d.ID, engine.ActionUnpublish); !errors.As(err, &it) {
		t.Fatalf("unpublish from archived err = %v, want IllegalTransitionError", err)
	}
}

func TestSubmitWithUploadCreatesPendingVerification(t *testing.T) {
	env := newTestEnv(t)
	bootstrapActor(t, env, "supplier-1", "supplier")
	d, err := env.Engine.SubmitDataset(env.Ctx, engine.SubmitOptions{
		OwnerType: domain.OwnerSupplier,
		OwnerID:   "supplier-1",
		Title:     "Weather history",
		UploadID:  "upload-0",
		ActorID:   "supplier-1",
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	vr, err := env.Engine.Repo.GetVerification(env.Ctx, d.ID)
	if err != nil {
		t.Fatalf("verification: %v", err)
	}
	if vr.Status != domain.VerificationPending {
		t.Fatalf("status = %s, want pending", vr.Status)
	}
	if vr.CurrentUpload == nil || *vr.CurrentUpload != "upload-0" {
		t.Fatalf("current upload = %v", vr.CurrentUpload)
	}
}

func TestEventLogRecordsFlow(t *testing.T) {
	env := newTestEnv(t)
	bootstrapActor(t, env, "supplier-1", "supplier")
	bootstrapActor(t, env, "rev-1", "reviewer")
	d := submitDataset(t, env, "supplier-1")
	if _, err := env.Engine.Pick(env.Ctx, d.ID, "rev-1", auth.Set{}); err != nil {
		t.Fatal(err)
	}
	if _, err := dispatch(env, "rev-1", d.ID, engine.ActionApprove); err != nil {
		t.Fatal(err)
	}

	events, err := env.Engine.Repo.LatestEvents(env.Ctx, 10, "", "dataset", d.ID)
	if err != nil {
		t.Fatalf("events: %v", err)
	}
	types := map[string]bool{}
	for _, evt := range events {
		types[evt.Type] = true
	}
	for _, want := range []string{"dataset.submitted", "dataset.pick", "dataset.approve"} {
		if !types[want] {
			t.Fatalf("missing event %s in %v", want, types)
		}
	}
}
