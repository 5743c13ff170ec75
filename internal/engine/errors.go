package engine

import "fmt"

// The review error taxonomy. All of these are expected, recoverable-by-caller
// conditions; only storage failures propagate untyped.

// NotAssigneeError indicates the actor holds the class permission but is not
// the dataset's current reviewer.
type NotAssigneeError struct {
	DatasetID string
	ActorID   string
}

func (e NotAssigneeError) Error() string {
	return fmt.Sprintf("dataset %s is not assigned to %s", e.DatasetID, e.ActorID)
}

// AlreadyAssignedError indicates a pick lost the race: an active assignment
// already exists.
type AlreadyAssignedError struct {
	DatasetID string
	AdminID   string
}

func (e AlreadyAssignedError) Error() string {
	return fmt.Sprintf("dataset %s already assigned to %s", e.DatasetID, e.AdminID)
}

// InvalidPayloadError indicates missing required notes or flags.
type InvalidPayloadError struct {
	Reason string
}

func (e InvalidPayloadError) Error() string {
	return e.Reason
}

// IllegalTransitionError indicates the action does not apply to the dataset's
// current status.
type IllegalTransitionError struct {
	Action string
	From   string
}

func (e IllegalTransitionError) Error() string {
	return fmt.Sprintf("action %s not legal from status %s", e.Action, e.From)
}

// NotVerifiedError indicates a publish attempt before verification passed.
type NotVerifiedError struct {
	DatasetID string
	Status    string
}

func (e NotVerifiedError) Error() string {
	if e.Status == "" {
		return fmt.Sprintf("dataset %s has no verification record", e.DatasetID)
	}
	return fmt.Sprintf("dataset %s verification is %s, not passed", e.DatasetID, e.Status)
}

// NotOwnerError indicates an owner-gated operation attempted by a non-owner.
type NotOwnerError struct {
	DatasetID string
	ActorID   string
}

func (e NotOwnerError) Error() string {
	return fmt.Sprintf("actor %s does not own dataset %s", e.ActorID, e.DatasetID)
}
