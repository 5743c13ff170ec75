package engine

import (
	"context"
	"errors"
	"time"

	"reviewdesk/internal/domain"
	"reviewdesk/internal/events"
	"reviewdesk/internal/repo"
)

// AttachUpload swaps in a new upload for the dataset and resets verification
// to pending. The previous result, pass or fail, no longer describes the
// current upload so it never carries over.
func (e Engine) AttachUpload(ctx context.Context, datasetID, uploadID, actorID string) (domain.VerificationRecord, error) {
	if uploadID == "" {
		return domain.VerificationRecord{}, InvalidPayloadError{Reason: "upload_id required"}
	}
	return e.mutateVerification(ctx, datasetID, actorID, "verification.upload_attached", func(vr *domain.VerificationRecord) {
		vr.Status = domain.VerificationPending
		vr.CurrentUpload = &uploadID
		vr.FailReason = ""
	})
}

// MarkPassed records a successful verification of the current upload.
func (e Engine) MarkPassed(ctx context.Context, datasetID, actorID string) (domain.VerificationRecord, error) {
	return e.mutateVerification(ctx, datasetID, actorID, "verification.passed", func(vr *domain.VerificationRecord) {
		vr.Status = domain.VerificationPassed
		vr.FailReason = ""
	})
}

// MarkFailed records a failed verification with the checker's reason.
func (e Engine) MarkFailed(ctx context.Context, datasetID, actorID, reason string) (domain.VerificationRecord, error) {
	if reason == "" {
		return domain.VerificationRecord{}, InvalidPayloadError{Reason: "fail reason required"}
	}
	return e.mutateVerification(ctx, datasetID, actorID, "verification.failed", func(vr *domain.VerificationRecord) {
		vr.Status = domain.VerificationFailed
		vr.FailReason = reason
	})
}

func (e Engine) mutateVerification(ctx context.Context, datasetID, actorID, evtType string, mutate func(*domain.VerificationRecord)) (domain.VerificationRecord, error) {
	unlock := e.locks.lock(datasetID)
	defer unlock()

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.VerificationRecord{}, err
	}
	defer tx.Rollback()

	if _, err := e.Repo.GetDatasetTx(ctx, tx, datasetID); err != nil {
		return domain.VerificationRecord{}, err
	}
	vr, err := e.Repo.GetVerificationTx(ctx, tx, datasetID)
	if errors.Is(err, repo.ErrNotFound) {
		vr = domain.VerificationRecord{DatasetID: datasetID, Status: domain.VerificationPending}
	} else if err != nil {
		return domain.VerificationRecord{}, err
	}
	if evtType != "verification.upload_attached" && vr.CurrentUpload == nil {
		return domain.VerificationRecord{}, InvalidPayloadError{Reason: "no upload attached"}
	}
	mutate(&vr)
	vr.UpdatedAt = e.now().UTC().Format(time.RFC3339)
	if err := e.Repo.UpsertVerificationTx(ctx, tx, vr); err != nil {
		return domain.VerificationRecord{}, err
	}
	payload := events.EventPayload{"status": vr.Status}
	if vr.CurrentUpload != nil {
		payload["upload_id"] = *vr.CurrentUpload
	}
	if vr.FailReason != "" {
		payload["reason"] = vr.FailReason
	}
	if err := e.Events.Append(ctx, tx, evtType, "dataset", datasetID, actorID, payload); err != nil {
		return domain.VerificationRecord{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.VerificationRecord{}, err
	}
	return vr, nil
}
