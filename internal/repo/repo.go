package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"reviewdesk/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

const datasetColumns = `id,owner_type,owner_id,title,description,status,visibility,created_at,updated_at,published_at`

func scanDataset(scan func(dest ...any) error) (domain.Dataset, error) {
	var d domain.Dataset
	var description, publishedAt sql.NullString
	err := scan(&d.ID, &d.OwnerType, &d.OwnerID, &d.Title, &description, &d.Status, &d.Visibility, &d.CreatedAt, &d.UpdatedAt, &publishedAt)
	if err == sql.ErrNoRows {
		return d, ErrNotFound
	}
	if err != nil {
		return d, err
	}
	if description.Valid {
		d.Description = description.String
	}
	if publishedAt.Valid {
		d.PublishedAt = &publishedAt.String
	}
	return d, nil
}

func (r Repo) InsertDatasetTx(ctx context.Context, tx *sql.Tx, d domain.Dataset) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO datasets(`+datasetColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?)`,
		d.ID, d.OwnerType, d.OwnerID, d.Title, nullable(d.Description), d.Status, d.Visibility,
		d.CreatedAt, d.UpdatedAt, nullableStringPtr(d.PublishedAt))
	return err
}

func (r Repo) UpdateDatasetTx(ctx context.Context, tx *sql.Tx, d domain.Dataset) error {
	res, err := tx.ExecContext(ctx, `UPDATE datasets SET owner_type=?, owner_id=?, title=?, description=?, status=?, visibility=?, updated_at=?, published_at=? WHERE id=?`,
		d.OwnerType, d.OwnerID, d.Title, nullable(d.Description), d.Status, d.Visibility,
		d.UpdatedAt, nullableStringPtr(d.PublishedAt), d.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) GetDataset(ctx context.Context, id string) (domain.Dataset, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+datasetColumns+` FROM datasets WHERE id=?`, id)
	return scanDataset(row.Scan)
}

func (r Repo) GetDatasetTx(ctx context.Context, tx *sql.Tx, id string) (domain.Dataset, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+datasetColumns+` FROM datasets WHERE id=?`, id)
	return scanDataset(row.Scan)
}

type DatasetFilters struct {
	Status          string
	OwnerType       string
	OwnerID         string
	Visibility      string
	Limit           int
	CursorCreatedAt string
	CursorID        string
}

func (r Repo) ListDatasets(ctx context.Context, f DatasetFilters) ([]domain.Dataset, error) {
	var clauses []string
	var args []any
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	if f.OwnerType != "" {
		clauses = append(clauses, "owner_type=?")
		args = append(args, f.OwnerType)
	}
	if f.OwnerID != "" {
		clauses = append(clauses, "owner_id=?")
		args = append(args, f.OwnerID)
	}
	if f.Visibility != "" {
		clauses = append(clauses, "visibility=?")
		args = append(args, f.Visibility)
	}
	if f.CursorCreatedAt != "" && f.CursorID != "" {
		clauses = append(clauses, "(created_at < ? OR (created_at = ? AND id < ?))")
		args = append(args, f.CursorCreatedAt, f.CursorCreatedAt, f.CursorID)
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	query := `SELECT ` + datasetColumns + ` FROM datasets ` + where + ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Dataset
	for rows.Next() {
		d, err := scanDataset(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, d)
	}
	return res, rows.Err()
}

func (r Repo) CountDatasetsByStatus(ctx context.Context) (map[string]int, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT status, count(*) FROM datasets GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := map[string]int{}
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		res[status] = count
	}
	return res, rows.Err()
}

const assignmentColumns = `id,dataset_id,admin_id,status,assigned_at,closed_at`

func scanAssignment(scan func(dest ...any) error) (domain.Assignment, error) {
	var a domain.Assignment
	var closedAt sql.NullString
	err := scan(&a.ID, &a.DatasetID, &a.AdminID, &a.Status, &a.AssignedAt, &closedAt)
	if err == sql.ErrNoRows {
		return a, ErrNotFound
	}
	if err != nil {
		return a, err
	}
	if closedAt.Valid {
		a.ClosedAt = &closedAt.String
	}
	return a, nil
}

func (r Repo) InsertAssignmentTx(ctx context.Context, tx *sql.Tx, a domain.Assignment) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO assignments(`+assignmentColumns+`) VALUES (?,?,?,?,?,?)`,
		a.ID, a.DatasetID, a.AdminID, a.Status, a.AssignedAt, nullableStringPtr(a.ClosedAt))
	return err
}

// CloseAssignmentTx moves an active assignment to a terminal status. It only
// matches active rows so a completed assignment can never be reopened or
// re-closed differently.
func (r Repo) CloseAssignmentTx(ctx context.Context, tx *sql.Tx, id, status, closedAt string) error {
	res, err := tx.ExecContext(ctx, `UPDATE assignments SET status=?, closed_at=? WHERE id=? AND status=?`,
		status, closedAt, id, domain.AssignmentActive)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) ActiveAssignment(ctx context.Context, datasetID string) (domain.Assignment, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+assignmentColumns+` FROM assignments WHERE dataset_id=? AND status=?`,
		datasetID, domain.AssignmentActive)
	return scanAssignment(row.Scan)
}

func (r Repo) ActiveAssignmentTx(ctx context.Context, tx *sql.Tx, datasetID string) (domain.Assignment, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+assignmentColumns+` FROM assignments WHERE dataset_id=? AND status=?`,
		datasetID, domain.AssignmentActive)
	return scanAssignment(row.Scan)
}

func (r Repo) GetAssignment(ctx context.Context, id string) (domain.Assignment, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+assignmentColumns+` FROM assignments WHERE id=?`, id)
	return scanAssignment(row.Scan)
}

func (r Repo) ListAssignments(ctx context.Context, datasetID string) ([]domain.Assignment, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+assignmentColumns+` FROM assignments WHERE dataset_id=? ORDER BY assigned_at DESC, id DESC`, datasetID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Assignment
	for rows.Next() {
		a, err := scanAssignment(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, a)
	}
	return res, rows.Err()
}

func (r Repo) LatestEvents(ctx context.Context, limit int, evtType, entityKind, entityID string) ([]domain.Event, error) {
	return r.LatestEventsFrom(ctx, limit, 0, evtType, entityKind, entityID)
}

func (r Repo) LatestEventsFrom(ctx context.Context, limit int, cursor int64, evtType, entityKind, entityID string) ([]domain.Event, error) {
	clauses := []string{"1=1"}
	var args []any
	if evtType != "" {
		clauses = append(clauses, "type=?")
		args = append(args, evtType)
	}
	if entityKind != "" {
		clauses = append(clauses, "entity_kind=?")
		args = append(args, entityKind)
	}
	if entityID != "" {
		clauses = append(clauses, "entity_id=?")
		args = append(args, entityID)
	}
	if cursor > 0 {
		clauses = append(clauses, "id<?")
		args = append(args, cursor)
	}
	where := "WHERE " + strings.Join(clauses, " AND ")
	query := fmt.Sprintf(`SELECT id,ts,type,entity_kind,entity_id,actor_id,payload_json FROM events %s ORDER BY id DESC LIMIT ?`, where)
	args = append(args, limit)
	return r.queryEvents(ctx, query, args...)
}

// EventsAfter returns events with IDs greater than the cursor in ascending order.
func (r Repo) EventsAfter(ctx context.Context, limit int, cursor int64) ([]domain.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `SELECT id,ts,type,entity_kind,entity_id,actor_id,payload_json FROM events WHERE id>? ORDER BY id ASC LIMIT ?`
	return r.queryEvents(ctx, query, cursor, limit)
}

// LatestEventID returns the most recent event ID.
func (r Repo) LatestEventID(ctx context.Context) (int64, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT COALESCE(MAX(id),0) FROM events`)
	var id int64
	if err := row.Scan(&id); err != nil {
		return 0, err
	}
	return id, nil
}

func (r Repo) queryEvents(ctx context.Context, query string, args ...any) ([]domain.Event, error) {
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		var entityID, payload sql.NullString
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &e.EntityKind, &entityID, &e.ActorID, &payload); err != nil {
			return nil, err
		}
		if entityID.Valid {
			e.EntityID = entityID.String
		}
		if payload.Valid {
			e.Payload = payload.String
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableStringPtr(v *string) any {
	if v == nil {
		return nil
	}
	if *v == "" {
		return nil
	}
	return *v
}
