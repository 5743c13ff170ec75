package engine

import (
	"reviewdesk/internal/domain"
	"reviewdesk/internal/engine/auth"
)

// Review action kinds.
const (
	ActionPick           = "pick"
	ActionApprove        = "approve"
	ActionReject         = "reject"
	ActionRequestChanges = "request_changes"
	ActionPublish        = "publish"
	ActionUnpublish      = "unpublish"
	ActionArchive        = "archive"
)

type transition struct {
	From string
	To   string
}

// reviewTransitions is the single source of truth for legal lifecycle moves.
// Anything not listed here fails with IllegalTransitionError and mutates
// nothing. Request-changes is deliberately a self-transition so it passes
// through the same legality check as every other action.
var reviewTransitions = map[string][]transition{
	ActionPick: {
		{From: domain.DatasetSubmitted, To: domain.DatasetUnderReview},
		{From: domain.DatasetUnderReview, To: domain.DatasetUnderReview},
	},
	ActionApprove: {
		{From: domain.DatasetUnderReview, To: domain.DatasetVerified},
	},
	ActionReject: {
		{From: domain.DatasetUnderReview, To: domain.DatasetRejected},
	},
	ActionRequestChanges: {
		{From: domain.DatasetUnderReview, To: domain.DatasetUnderReview},
	},
	ActionPublish: {
		{From: domain.DatasetVerified, To: domain.DatasetPublished},
	},
	ActionUnpublish: {
		{From: domain.DatasetPublished, To: domain.DatasetVerified},
	},
	ActionArchive: {
		{From: domain.DatasetPublished, To: domain.DatasetArchived},
	},
}

// actionPermissions maps each action kind to the permission it requires.
var actionPermissions = map[string]string{
	ActionPick:           auth.PermDatasetsPick,
	ActionApprove:        auth.PermDatasetsApprove,
	ActionReject:         auth.PermDatasetsReject,
	ActionRequestChanges: auth.PermDatasetsRequestChanges,
	ActionPublish:        auth.PermDatasetsPublish,
	ActionUnpublish:      auth.PermDatasetsUnpublish,
	ActionArchive:        auth.PermDatasetsArchive,
}

// transitionFor answers the target status for an action from the given status.
func transitionFor(action, from string) (string, error) {
	for _, t := range reviewTransitions[action] {
		if t.From == from {
			return t.To, nil
		}
	}
	return "", IllegalTransitionError{Action: action, From: from}
}

// requiredPermission answers the permission key gating an action kind.
func requiredPermission(action string) (string, bool) {
	p, ok := actionPermissions[action]
	return p, ok
}

// isDecision reports whether an action requires the actor to hold the
// dataset's active assignment.
func isDecision(action string) bool {
	switch action {
	case ActionApprove, ActionReject, ActionRequestChanges:
		return true
	}
	return false
}
