package repo

import (
	"context"
	"database/sql"

	"reviewdesk/internal/domain"
)

const verificationColumns = `dataset_id,status,current_upload,fail_reason,updated_at`

func scanVerification(scan func(dest ...any) error) (domain.VerificationRecord, error) {
	var v domain.VerificationRecord
	var upload, reason sql.NullString
	err := scan(&v.DatasetID, &v.Status, &upload, &reason, &v.UpdatedAt)
	if err == sql.ErrNoRows {
		return v, ErrNotFound
	}
	if err != nil {
		return v, err
	}
	if upload.Valid {
		v.CurrentUpload = &upload.String
	}
	if reason.Valid {
		v.FailReason = reason.String
	}
	return v, nil
}

func (r Repo) UpsertVerificationTx(ctx context.Context, tx *sql.Tx, v domain.VerificationRecord) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO verification_records(`+verificationColumns+`) VALUES (?,?,?,?,?)
ON CONFLICT(dataset_id) DO UPDATE SET status=excluded.status, current_upload=excluded.current_upload, fail_reason=excluded.fail_reason, updated_at=excluded.updated_at`,
		v.DatasetID, v.Status, nullableStringPtr(v.CurrentUpload), nullable(v.FailReason), v.UpdatedAt)
	return err
}

func (r Repo) GetVerification(ctx context.Context, datasetID string) (domain.VerificationRecord, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+verificationColumns+` FROM verification_records WHERE dataset_id=?`, datasetID)
	return scanVerification(row.Scan)
}

func (r Repo) GetVerificationTx(ctx context.Context, tx *sql.Tx, datasetID string) (domain.VerificationRecord, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+verificationColumns+` FROM verification_records WHERE dataset_id=?`, datasetID)
	return scanVerification(row.Scan)
}

func (r Repo) InsertRevisionRequestTx(ctx context.Context, tx *sql.Tx, rr domain.RevisionRequest) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO revision_requests(id,dataset_id,requested_by,notes,dataset_needs_changes,pricing_needs_changes,created_at) VALUES (?,?,?,?,?,?,?)`,
		rr.ID, rr.DatasetID, rr.RequestedBy, rr.Notes, boolInt(rr.DatasetNeedsChanges), boolInt(rr.PricingNeedsChanges), rr.CreatedAt)
	return err
}

func (r Repo) ListRevisionRequests(ctx context.Context, datasetID string) ([]domain.RevisionRequest, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,dataset_id,requested_by,notes,dataset_needs_changes,pricing_needs_changes,created_at FROM revision_requests WHERE dataset_id=? ORDER BY created_at DESC, id DESC`, datasetID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.RevisionRequest
	for rows.Next() {
		var rr domain.RevisionRequest
		var ds, pr int
		if err := rows.Scan(&rr.ID, &rr.DatasetID, &rr.RequestedBy, &rr.Notes, &ds, &pr, &rr.CreatedAt); err != nil {
			return nil, err
		}
		rr.DatasetNeedsChanges = ds != 0
		rr.PricingNeedsChanges = pr != 0
		res = append(res, rr)
	}
	return res, rows.Err()
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
