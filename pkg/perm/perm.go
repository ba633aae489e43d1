// Package perm holds the authorization policies gating every mutation.
// Policies are pure decision functions: they never touch storage and never
// reveal whether the target resource exists.
package perm

import "titledb/pkg/domain"

// Action classifies the requested operation. Read covers list/retrieve,
// Create covers inserting a new resource, Modify covers update and delete
// of an existing one.
type Action int

const (
	ActionRead Action = iota
	ActionCreate
	ActionModify
)

// Policy decides whether actor may perform action. actor is nil for
// anonymous requests. ownerID is the owning user's ID when the action
// targets an existing owned resource, empty otherwise.
type Policy interface {
	Allow(actor *domain.User, action Action, ownerID string) bool
}

// AdminOnly permits authenticated admins and superusers, nothing else.
type AdminOnly struct{}

func (AdminOnly) Allow(actor *domain.User, _ Action, _ string) bool {
	return actor != nil && actor.IsAdmin()
}

// AdminOrReadOnly permits reads for everyone and writes for admins.
type AdminOrReadOnly struct{}

func (AdminOrReadOnly) Allow(actor *domain.User, action Action, _ string) bool {
	if action == ActionRead {
		return true
	}
	return actor != nil && actor.IsAdmin()
}

// AuthorModeratorAdminOrReadOnly permits reads for everyone, creation for
// any authenticated actor, and modification only for the resource author,
// moderators and admins.
type AuthorModeratorAdminOrReadOnly struct{}

func (AuthorModeratorAdminOrReadOnly) Allow(actor *domain.User, action Action, ownerID string) bool {
	switch action {
	case ActionRead:
		return true
	case ActionCreate:
		return actor != nil
	default:
		if actor == nil {
			return false
		}
		return actor.ID == ownerID || actor.IsModerator() || actor.IsAdmin()
	}
}
