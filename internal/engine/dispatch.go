package engine

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"reviewdesk/internal/domain"
	"reviewdesk/internal/engine/auth"
	"reviewdesk/internal/repo"
)

// ReviewAction is one actor's attempt at a lifecycle action on a dataset.
type ReviewAction struct {
	ActorID   string
	DatasetID string
	Kind      string

	// Decision payload, used by reject and request_changes.
	Notes               string
	DatasetNeedsChanges bool
	PricingNeedsChanges bool

	// Perms may be pre-resolved by the caller (the HTTP layer does this once
	// per request). Left unresolved, Dispatch loads it from the RBAC tables.
	Perms auth.Set
}

// ReviewOutcome describes a committed action.
type ReviewOutcome struct {
	DatasetID        string `json:"dataset_id"`
	Action           string `json:"action"`
	NewStatus        string `json:"new_status"`
	AssignmentID     string `json:"assignment_id,omitempty"`
	AssignmentStatus string `json:"assignment_status,omitempty"`
	Timestamp        string `json:"timestamp"`
}

// Dispatch runs one review action through the fixed check sequence:
// permission, assignee, payload, transition legality, verification, then a
// single transaction that mutates and records the audit event. Checks run in
// that order so a caller failing several at once always sees the same error,
// and nothing is written unless every check passes.
func (e Engine) Dispatch(ctx context.Context, act ReviewAction) (ReviewOutcome, error) {
	perm, ok := requiredPermission(act.Kind)
	if !ok {
		return ReviewOutcome{}, InvalidPayloadError{Reason: "unknown action " + act.Kind}
	}

	unlock := e.locks.lock(act.DatasetID)
	defer unlock()

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return ReviewOutcome{}, err
	}
	defer tx.Rollback()

	perms, err := e.permissionSetFor(ctx, tx, act.ActorID, act.Perms)
	if err != nil {
		return ReviewOutcome{}, err
	}
	if !perms.Has(perm) {
		return ReviewOutcome{}, auth.ForbiddenError{Permission: perm}
	}

	d, err := e.Repo.GetDatasetTx(ctx, tx, act.DatasetID)
	if err != nil {
		return ReviewOutcome{}, err
	}

	active, err := e.Repo.ActiveAssignmentTx(ctx, tx, act.DatasetID)
	hasActive := err == nil
	if err != nil && !errors.Is(err, repo.ErrNotFound) {
		return ReviewOutcome{}, err
	}

	if act.Kind == ActionPick {
		if hasActive {
			return ReviewOutcome{}, AlreadyAssignedError{DatasetID: d.ID, AdminID: active.AdminID}
		}
	} else if isDecision(act.Kind) {
		if !hasActive || active.AdminID != act.ActorID {
			return ReviewOutcome{}, NotAssigneeError{DatasetID: d.ID, ActorID: act.ActorID}
		}
	}

	if err := validatePayload(act); err != nil {
		return ReviewOutcome{}, err
	}

	next, err := transitionFor(act.Kind, d.Status)
	if err != nil {
		return ReviewOutcome{}, err
	}

	if act.Kind == ActionPublish {
		vr, err := e.Repo.GetVerificationTx(ctx, tx, d.ID)
		if errors.Is(err, repo.ErrNotFound) {
			return ReviewOutcome{}, NotVerifiedError{DatasetID: d.ID}
		}
		if err != nil {
			return ReviewOutcome{}, err
		}
		if vr.Status != domain.VerificationPassed || vr.CurrentUpload == nil {
			return ReviewOutcome{}, NotVerifiedError{DatasetID: d.ID, Status: vr.Status}
		}
	}

	now := e.now().UTC().Format(time.RFC3339)
	out := ReviewOutcome{DatasetID: d.ID, Action: act.Kind, NewStatus: next, Timestamp: now}
	payload := map[string]any{"from": d.Status, "to": next}

	switch act.Kind {
	case ActionPick:
		a := domain.Assignment{
			ID:         uuid.NewString(),
			DatasetID:  d.ID,
			AdminID:    act.ActorID,
			Status:     domain.AssignmentActive,
			AssignedAt: now,
		}
		if err := e.Repo.InsertAssignmentTx(ctx, tx, a); err != nil {
			return ReviewOutcome{}, err
		}
		out.AssignmentID = a.ID
		out.AssignmentStatus = a.Status
	case ActionApprove, ActionReject:
		if err := e.Repo.CloseAssignmentTx(ctx, tx, active.ID, domain.AssignmentCompleted, now); err != nil {
			return ReviewOutcome{}, err
		}
		out.AssignmentID = active.ID
		out.AssignmentStatus = domain.AssignmentCompleted
		if act.Notes != "" {
			payload["notes"] = act.Notes
		}
	case ActionRequestChanges:
		rr := domain.RevisionRequest{
			ID:                  uuid.NewString(),
			DatasetID:           d.ID,
			RequestedBy:         act.ActorID,
			Notes:               act.Notes,
			DatasetNeedsChanges: act.DatasetNeedsChanges,
			PricingNeedsChanges: act.PricingNeedsChanges,
			CreatedAt:           now,
		}
		if err := e.Repo.InsertRevisionRequestTx(ctx, tx, rr); err != nil {
			return ReviewOutcome{}, err
		}
		out.AssignmentID = active.ID
		out.AssignmentStatus = active.Status
		payload["notes"] = act.Notes
		payload["dataset_needs_changes"] = act.DatasetNeedsChanges
		payload["pricing_needs_changes"] = act.PricingNeedsChanges
	case ActionPublish:
		d.PublishedAt = &now
	case ActionUnpublish:
		d.PublishedAt = nil
	}

	d.Status = next
	d.UpdatedAt = now
	if err := e.Repo.UpdateDatasetTx(ctx, tx, d); err != nil {
		return ReviewOutcome{}, err
	}
	if err := e.Events.Append(ctx, tx, "dataset."+act.Kind, "dataset", d.ID, act.ActorID, payload); err != nil {
		return ReviewOutcome{}, err
	}
	if err := tx.Commit(); err != nil {
		return ReviewOutcome{}, err
	}
	return out, nil
}

func validatePayload(act ReviewAction) error {
	switch act.Kind {
	case ActionReject:
		if act.Notes == "" {
			return InvalidPayloadError{Reason: "reject requires notes"}
		}
	case ActionRequestChanges:
		if act.Notes == "" {
			return InvalidPayloadError{Reason: "request_changes requires notes"}
		}
		if !act.DatasetNeedsChanges && !act.PricingNeedsChanges {
			return InvalidPayloadError{Reason: "request_changes requires at least one change flag"}
		}
	}
	return nil
}

// Pick claims a dataset for exclusive review by the actor. Exactly one of any
// set of concurrent picks succeeds; the rest see AlreadyAssignedError.
func (e Engine) Pick(ctx context.Context, datasetID, actorID string, perms auth.Set) (domain.Assignment, error) {
	out, err := e.Dispatch(ctx, ReviewAction{ActorID: actorID, DatasetID: datasetID, Kind: ActionPick, Perms: perms})
	if err != nil {
		return domain.Assignment{}, err
	}
	return domain.Assignment{
		ID:         out.AssignmentID,
		DatasetID:  out.DatasetID,
		AdminID:    actorID,
		Status:     out.AssignmentStatus,
		AssignedAt: out.Timestamp,
	}, nil
}

// Reassign moves the active assignment of a dataset to another reviewer. The
// old row is closed as reassigned and a fresh active row is created, so the
// at-most-one-active invariant holds throughout.
func (e Engine) Reassign(ctx context.Context, datasetID, newAdminID, actorID string, perms auth.Set) (domain.Assignment, error) {
	if newAdminID == "" {
		return domain.Assignment{}, InvalidPayloadError{Reason: "new admin_id required"}
	}
	unlock := e.locks.lock(datasetID)
	defer unlock()

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Assignment{}, err
	}
	defer tx.Rollback()

	resolved, err := e.permissionSetFor(ctx, tx, actorID, perms)
	if err != nil {
		return domain.Assignment{}, err
	}
	if !resolved.Has(auth.PermDatasetsReassign) {
		return domain.Assignment{}, auth.ForbiddenError{Permission: auth.PermDatasetsReassign}
	}

	if _, err := e.Repo.GetDatasetTx(ctx, tx, datasetID); err != nil {
		return domain.Assignment{}, err
	}
	active, err := e.Repo.ActiveAssignmentTx(ctx, tx, datasetID)
	if err != nil {
		return domain.Assignment{}, err
	}
	now := e.now().UTC().Format(time.RFC3339)
	if err := e.Repo.CloseAssignmentTx(ctx, tx, active.ID, domain.AssignmentReassigned, now); err != nil {
		return domain.Assignment{}, err
	}
	if err := e.Auth.EnsureActor(ctx, tx, newAdminID); err != nil {
		return domain.Assignment{}, err
	}
	next := domain.Assignment{
		ID:         uuid.NewString(),
		DatasetID:  datasetID,
		AdminID:    newAdminID,
		Status:     domain.AssignmentActive,
		AssignedAt: now,
	}
	if err := e.Repo.InsertAssignmentTx(ctx, tx, next); err != nil {
		return domain.Assignment{}, err
	}
	if err := e.Events.Append(ctx, tx, "assignment.reassigned", "dataset", datasetID, actorID, map[string]any{
		"from_admin": active.AdminID,
		"to_admin":   newAdminID,
	}); err != nil {
		return domain.Assignment{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Assignment{}, err
	}
	return next, nil
}
