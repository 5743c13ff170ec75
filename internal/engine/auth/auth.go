package auth

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Permission keys consumed by the review workflow. Closed set; anything else
// fails closed.
const (
	PermDatasetsSubmit         = "datasets:submit"
	PermDatasetsRead           = "datasets:read"
	PermDatasetsPick           = "datasets:pick"
	PermDatasetsApprove        = "datasets:approve"
	PermDatasetsReject         = "datasets:reject"
	PermDatasetsRequestChanges = "datasets:request_changes"
	PermDatasetsPublish        = "datasets:publish"
	PermDatasetsUnpublish      = "datasets:unpublish"
	PermDatasetsReassign       = "datasets:reassign"
	PermDatasetsArchive        = "datasets:archive"
	PermRBACManage             = "rbac:manage"
	PermEventsRead             = "events:read"
	PermAPIKeysManage          = "apikeys:manage"
)

// ForbiddenError indicates missing permission.
type ForbiddenError struct {
	Permission string
}

func (e ForbiddenError) Error() string {
	return fmt.Sprintf("permission %s required", e.Permission)
}

// Set is an actor's resolved permission set. The zero value is unresolved:
// Has always answers false, and Resolved distinguishes "denied" from
// "not loaded yet" so callers can deny-and-wait instead of deny-for-good.
type Set struct {
	perms    map[string]struct{}
	resolved bool
}

// NewSet builds a resolved set from permission keys.
func NewSet(perms []string) Set {
	m := make(map[string]struct{}, len(perms))
	for _, p := range perms {
		if p == "" {
			continue
		}
		m[p] = struct{}{}
	}
	return Set{perms: m, resolved: true}
}

// Has answers whether the set grants perm. Unknown keys and unresolved sets
// answer false.
func (s Set) Has(perm string) bool {
	if !s.resolved {
		return false
	}
	_, ok := s.perms[perm]
	return ok
}

// Resolved reports whether the set was actually loaded.
func (s Set) Resolved() bool {
	return s.resolved
}

// Keys returns the granted permission keys.
func (s Set) Keys() []string {
	out := make([]string, 0, len(s.perms))
	for p := range s.perms {
		out = append(out, p)
	}
	return out
}

// Service resolves permission sets from the RBAC tables. Role to permission
// mapping is administered elsewhere; this only reads the result.
type Service struct {
	DB *sql.DB
}

func (s Service) EnsureActor(ctx context.Context, tx *sql.Tx, actorID string) error {
	if actorID == "" {
		return errors.New("actor_id required")
	}
	now := time.Now().UTC().Format(time.RFC3339)
	_, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO actors(id, created_at) VALUES (?,?)`, actorID, now)
	return err
}

func (s Service) ActorHasPermission(ctx context.Context, tx *sql.Tx, actorID, perm string) (bool, error) {
	row := tx.QueryRowContext(ctx, `
SELECT 1 FROM actor_roles ar
JOIN role_permissions rp ON rp.role_id=ar.role_id
WHERE ar.actor_id=? AND rp.permission_id=? LIMIT 1`,
		actorID, perm)
	var n int
	err := row.Scan(&n)
	if err == sql.ErrNoRows {
		return false, nil
	}
	return err == nil, err
}

func (s Service) ActorRoles(ctx context.Context, tx *sql.Tx, actorID string) ([]string, error) {
	rows, err := tx.QueryContext(ctx, `SELECT role_id FROM actor_roles WHERE actor_id=?`, actorID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var roles []string
	for rows.Next() {
		var r string
		if err := rows.Scan(&r); err != nil {
			return nil, err
		}
		roles = append(roles, r)
	}
	return roles, rows.Err()
}

// ActorPermissions resolves the full permission set for an actor.
func (s Service) ActorPermissions(ctx context.Context, tx *sql.Tx, actorID string) (Set, error) {
	rows, err := tx.QueryContext(ctx, `
SELECT DISTINCT rp.permission_id
FROM actor_roles ar
JOIN role_permissions rp ON rp.role_id=ar.role_id
WHERE ar.actor_id=?`, actorID)
	if err != nil {
		return Set{}, err
	}
	defer rows.Close()
	var perms []string
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return Set{}, err
		}
		perms = append(perms, p)
	}
	if err := rows.Err(); err != nil {
		return Set{}, err
	}
	return NewSet(perms), nil
}
