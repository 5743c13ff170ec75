package domain

// Dataset lifecycle statuses. Transitions happen only through the engine.
const (
	DatasetSubmitted   = "submitted"
	DatasetUnderReview = "under_review"
	DatasetVerified    = "verified"
	DatasetRejected    = "rejected"
	DatasetPublished   = "published"
	DatasetArchived    = "archived"
)

// Owner types.
const (
	OwnerPlatform = "platform"
	OwnerSupplier = "supplier"
)

// Visibility values. Independent of lifecycle status; never gates review.
const (
	VisibilityPublic   = "public"
	VisibilityPrivate  = "private"
	VisibilityUnlisted = "unlisted"
)

// Verification statuses for the current upload cycle.
const (
	VerificationPending = "pending"
	VerificationPassed  = "passed"
	VerificationFailed  = "failed"
)

// Assignment statuses.
const (
	AssignmentActive     = "active"
	AssignmentCompleted  = "completed"
	AssignmentReassigned = "reassigned"
	AssignmentCancelled  = "cancelled"
)

type Dataset struct {
	ID          string  `json:"id"`
	OwnerType   string  `json:"owner_type" enum:"platform,supplier"`
	OwnerID     string  `json:"owner_id"`
	Title       string  `json:"title"`
	Description string  `json:"description,omitempty"`
	Status      string  `json:"status" enum:"submitted,under_review,verified,rejected,published,archived"`
	Visibility  string  `json:"visibility" enum:"public,private,unlisted"`
	CreatedAt   string  `json:"created_at" format:"date-time"`
	UpdatedAt   string  `json:"updated_at" format:"date-time"`
	PublishedAt *string `json:"published_at,omitempty" format:"date-time"`
}

// Assignment binds one reviewer to one dataset. At most one active row per
// dataset exists at any time.
type Assignment struct {
	ID         string  `json:"id"`
	DatasetID  string  `json:"dataset_id"`
	AdminID    string  `json:"admin_id"`
	Status     string  `json:"status" enum:"active,completed,reassigned,cancelled"`
	AssignedAt string  `json:"assigned_at" format:"date-time"`
	ClosedAt   *string `json:"closed_at,omitempty" format:"date-time"`
}

// VerificationRecord tracks the content check for the current upload cycle.
// One record per dataset; attaching an upload resets it to pending.
type VerificationRecord struct {
	DatasetID     string  `json:"dataset_id"`
	Status        string  `json:"status" enum:"pending,passed,failed"`
	CurrentUpload *string `json:"current_upload,omitempty"`
	FailReason    string  `json:"fail_reason,omitempty"`
	UpdatedAt     string  `json:"updated_at" format:"date-time"`
}

// RevisionRequest holds the auxiliary fields a request-changes decision writes.
// The dataset status itself is untouched by request-changes.
type RevisionRequest struct {
	ID                  string `json:"id"`
	DatasetID           string `json:"dataset_id"`
	RequestedBy         string `json:"requested_by"`
	Notes               string `json:"notes"`
	DatasetNeedsChanges bool   `json:"dataset_needs_changes"`
	PricingNeedsChanges bool   `json:"pricing_needs_changes"`
	CreatedAt           string `json:"created_at" format:"date-time"`
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

type APIKey struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

// ActorProfile is the resolved view of an admin: roles plus the permission set
// derived from them. The engine consumes this; it never computes the mapping.
type ActorProfile struct {
	ActorID     string   `json:"actor_id"`
	Roles       []string `json:"roles"`
	Permissions []string `json:"permissions"`
}
