package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"reviewdesk/internal/config"
	"reviewdesk/internal/domain"
	"reviewdesk/internal/engine/auth"
	"reviewdesk/internal/events"
	"reviewdesk/internal/repo"
)

// Engine owns every mutation of datasets, assignments and verification
// records. Presentation code never touches those rows directly.
type Engine struct {
	DB     *sql.DB
	Repo   repo.Repo
	Auth   auth.Service
	Events events.Writer
	Config *config.Config
	Now    func() time.Time
	locks  *datasetLocks
}

func New(db *sql.DB, cfg *config.Config) Engine {
	return Engine{
		DB:     db,
		Repo:   repo.Repo{DB: db},
		Auth:   auth.Service{DB: db},
		Events: events.Writer{DB: db},
		Config: cfg,
		Now:    time.Now,
		locks:  newDatasetLocks(),
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

// datasetLocks serializes read-then-write sequences per dataset. Operations
// on different datasets proceed in parallel; there is no global lock.
type datasetLocks struct {
	mu sync.Mutex
	m  map[string]*sync.Mutex
}

func newDatasetLocks() *datasetLocks {
	return &datasetLocks{m: map[string]*sync.Mutex{}}
}

func (l *datasetLocks) lock(datasetID string) func() {
	l.mu.Lock()
	dl, ok := l.m[datasetID]
	if !ok {
		dl = &sync.Mutex{}
		l.m[datasetID] = dl
	}
	l.mu.Unlock()
	dl.Lock()
	return dl.Unlock
}

// permissionSetFor returns the action's pre-resolved set when present,
// otherwise resolves from the RBAC tables. An unresolved set never grants.
func (e Engine) permissionSetFor(ctx context.Context, tx *sql.Tx, actorID string, preset auth.Set) (auth.Set, error) {
	if preset.Resolved() {
		return preset, nil
	}
	return e.Auth.ActorPermissions(ctx, tx, actorID)
}

// SubmitOptions are parameters for submitting a dataset proposal.
type SubmitOptions struct {
	ID          string
	OwnerType   string
	OwnerID     string
	Title       string
	Description string
	Visibility  string
	UploadID    string
	ActorID     string
	Perms       auth.Set
}

// SubmitDataset creates a proposal in status submitted. When an upload is
// supplied a pending verification record is created alongside it.
func (e Engine) SubmitDataset(ctx context.Context, opts SubmitOptions) (domain.Dataset, error) {
	if opts.Title == "" {
		return domain.Dataset{}, InvalidPayloadError{Reason: "title is required"}
	}
	if opts.OwnerID == "" {
		return domain.Dataset{}, InvalidPayloadError{Reason: "owner_id is required"}
	}
	switch opts.OwnerType {
	case domain.OwnerPlatform, domain.OwnerSupplier:
	default:
		return domain.Dataset{}, InvalidPayloadError{Reason: "owner_type must be platform or supplier"}
	}
	switch opts.Visibility {
	case "":
		opts.Visibility = e.defaultVisibility()
	case domain.VisibilityPublic, domain.VisibilityPrivate, domain.VisibilityUnlisted:
	default:
		return domain.Dataset{}, InvalidPayloadError{Reason: "visibility must be public, private or unlisted"}
	}
	now := e.now().UTC().Format(time.RFC3339)
	id := opts.ID
	if id == "" {
		id = uuid.NewSHA1(uuid.NameSpaceOID, []byte(opts.OwnerID+"|"+opts.Title+"|"+now)).String()
	}
	d := domain.Dataset{
		ID:          id,
		OwnerType:   opts.OwnerType,
		OwnerID:     opts.OwnerID,
		Title:       opts.Title,
		Description: opts.Description,
		Status:      domain.DatasetSubmitted,
		Visibility:  opts.Visibility,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Dataset{}, err
	}
	defer tx.Rollback()

	perms, err := e.permissionSetFor(ctx, tx, opts.ActorID, opts.Perms)
	if err != nil {
		return domain.Dataset{}, err
	}
	if !perms.Has(auth.PermDatasetsSubmit) {
		return domain.Dataset{}, auth.ForbiddenError{Permission: auth.PermDatasetsSubmit}
	}
	if err := e.Auth.EnsureActor(ctx, tx, opts.ActorID); err != nil {
		return domain.Dataset{}, err
	}
	if err := e.Repo.InsertDatasetTx(ctx, tx, d); err != nil {
		return domain.Dataset{}, fmt.Errorf("insert dataset: %w", err)
	}
	if opts.UploadID != "" {
		vr := domain.VerificationRecord{
			DatasetID:     d.ID,
			Status:        domain.VerificationPending,
			CurrentUpload: &opts.UploadID,
			UpdatedAt:     now,
		}
		if err := e.Repo.UpsertVerificationTx(ctx, tx, vr); err != nil {
			return domain.Dataset{}, fmt.Errorf("insert verification record: %w", err)
		}
	}
	if err := e.Events.Append(ctx, tx, "dataset.submitted", "dataset", d.ID, opts.ActorID, events.EventPayload{
		"owner_type": d.OwnerType,
		"owner_id":   d.OwnerID,
		"title":      d.Title,
	}); err != nil {
		return domain.Dataset{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Dataset{}, err
	}
	return d, nil
}

// WithdrawDataset pulls a proposal out of review before a terminal decision.
// The active assignment, if any, is cancelled and the dataset returns to
// submitted. Only the owner may withdraw.
func (e Engine) WithdrawDataset(ctx context.Context, datasetID, actorID string) (domain.Dataset, error) {
	unlock := e.locks.lock(datasetID)
	defer unlock()

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Dataset{}, err
	}
	defer tx.Rollback()

	d, err := e.Repo.GetDatasetTx(ctx, tx, datasetID)
	if err != nil {
		return domain.Dataset{}, err
	}
	if d.OwnerID != actorID {
		return domain.Dataset{}, NotOwnerError{DatasetID: datasetID, ActorID: actorID}
	}
	if d.Status != domain.DatasetSubmitted && d.Status != domain.DatasetUnderReview {
		return domain.Dataset{}, IllegalTransitionError{Action: "withdraw", From: d.Status}
	}
	now := e.now().UTC().Format(time.RFC3339)
	assignmentStatus := ""
	if a, err := e.Repo.ActiveAssignmentTx(ctx, tx, datasetID); err == nil {
		if err := e.Repo.CloseAssignmentTx(ctx, tx, a.ID, domain.AssignmentCancelled, now); err != nil {
			return domain.Dataset{}, err
		}
		assignmentStatus = domain.AssignmentCancelled
	} else if !errors.Is(err, repo.ErrNotFound) {
		return domain.Dataset{}, err
	}
	d.Status = domain.DatasetSubmitted
	d.UpdatedAt = now
	if err := e.Repo.UpdateDatasetTx(ctx, tx, d); err != nil {
		return domain.Dataset{}, err
	}
	if err := e.Events.Append(ctx, tx, "dataset.withdrawn", "dataset", d.ID, actorID, events.EventPayload{
		"assignment_status": assignmentStatus,
	}); err != nil {
		return domain.Dataset{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Dataset{}, err
	}
	return d, nil
}

// SeedRBAC loads the configured role catalog into the RBAC tables.
func (e Engine) SeedRBAC(ctx context.Context) error {
	if e.Config == nil || len(e.Config.RBAC.Roles) == 0 {
		return nil
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	for roleID, role := range e.Config.RBAC.Roles {
		if err := e.Repo.InsertRole(ctx, tx, roleID, role.Description); err != nil {
			return err
		}
		for _, perm := range role.Permissions {
			if err := e.Repo.InsertPermission(ctx, tx, perm, ""); err != nil {
				return err
			}
			if err := e.Repo.AddRolePermission(ctx, tx, roleID, perm); err != nil {
				return err
			}
		}
	}
	return tx.Commit()
}

// GrantRole assigns a role to an actor. Requires rbac:manage.
func (e Engine) GrantRole(ctx context.Context, targetActor, roleID, byActor string, perms auth.Set) error {
	return e.mutateRole(ctx, targetActor, roleID, byActor, perms, true)
}

// RevokeRole removes a role from an actor. Requires rbac:manage.
func (e Engine) RevokeRole(ctx context.Context, targetActor, roleID, byActor string, perms auth.Set) error {
	return e.mutateRole(ctx, targetActor, roleID, byActor, perms, false)
}

func (e Engine) mutateRole(ctx context.Context, targetActor, roleID, byActor string, perms auth.Set, grant bool) error {
	if targetActor == "" || roleID == "" {
		return InvalidPayloadError{Reason: "actor and role required"}
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	resolved, err := e.permissionSetFor(ctx, tx, byActor, perms)
	if err != nil {
		return err
	}
	if !resolved.Has(auth.PermRBACManage) {
		return auth.ForbiddenError{Permission: auth.PermRBACManage}
	}
	evtType := "rbac.role_granted"
	if grant {
		if err := e.Auth.EnsureActor(ctx, tx, targetActor); err != nil {
			return err
		}
		if err := e.Repo.AssignRole(ctx, tx, targetActor, roleID); err != nil {
			return err
		}
	} else {
		evtType = "rbac.role_revoked"
		if err := e.Repo.RevokeRole(ctx, tx, targetActor, roleID); err != nil {
			return err
		}
	}
	if err := e.Events.Append(ctx, tx, evtType, "actor", targetActor, byActor, events.EventPayload{"role": roleID}); err != nil {
		return err
	}
	return tx.Commit()
}

// ActorProfile resolves the roles and permission set of an actor.
func (e Engine) ActorProfile(ctx context.Context, actorID string) (domain.ActorProfile, error) {
	tx, err := e.DB.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return domain.ActorProfile{}, err
	}
	defer tx.Rollback()
	roles, err := e.Auth.ActorRoles(ctx, tx, actorID)
	if err != nil {
		return domain.ActorProfile{}, err
	}
	perms, err := e.Auth.ActorPermissions(ctx, tx, actorID)
	if err != nil {
		return domain.ActorProfile{}, err
	}
	return domain.ActorProfile{
		ActorID:     actorID,
		Roles:       roles,
		Permissions: perms.Keys(),
	}, nil
}

func (e Engine) defaultVisibility() string {
	if e.Config != nil && e.Config.Review.DefaultVisibility != "" {
		return e.Config.Review.DefaultVisibility
	}
	return domain.VisibilityPrivate
}
