package perm

import (
	"testing"

	"titledb/pkg/domain"
)

func TestAdminOnly(t *testing.T) {
	policy := AdminOnly{}
	admin := &domain.User{ID: "a", Role: domain.RoleAdmin}
	super := &domain.User{ID: "s", Role: domain.RoleUser, Superuser: true}
	moderator := &domain.User{ID: "m", Role: domain.RoleModerator}
	user := &domain.User{ID: "u", Role: domain.RoleUser}

	cases := []struct {
		name  string
		actor *domain.User
		want  bool
	}{
		{"anonymous", nil, false},
		{"user", user, false},
		{"moderator", moderator, false},
		{"admin", admin, true},
		{"superuser", super, true},
	}
	for _, tc := range cases {
		for _, action := range []Action{ActionRead, ActionCreate, ActionModify} {
			if got := policy.Allow(tc.actor, action, ""); got != tc.want {
				t.Errorf("%s action=%d: got %v, want %v", tc.name, action, got, tc.want)
			}
		}
	}
}

func TestAdminOrReadOnly(t *testing.T) {
	policy := AdminOrReadOnly{}
	admin := &domain.User{ID: "a", Role: domain.RoleAdmin}
	user := &domain.User{ID: "u", Role: domain.RoleUser}

	if !policy.Allow(nil, ActionRead, "") {
		t.Error("anonymous read should be allowed")
	}
	if policy.Allow(nil, ActionCreate, "") {
		t.Error("anonymous create should be denied")
	}
	if policy.Allow(user, ActionCreate, "") {
		t.Error("plain user create should be denied")
	}
	if policy.Allow(user, ActionModify, "") {
		t.Error("plain user modify should be denied")
	}
	if !policy.Allow(admin, ActionCreate, "") {
		t.Error("admin create should be allowed")
	}
	if !policy.Allow(admin, ActionModify, "") {
		t.Error("admin modify should be allowed")
	}
}

func TestAuthorModeratorAdminOrReadOnly(t *testing.T) {
	policy := AuthorModeratorAdminOrReadOnly{}
	author := &domain.User{ID: "author", Role: domain.RoleUser}
	other := &domain.User{ID: "other", Role: domain.RoleUser}
	moderator := &domain.User{ID: "mod", Role: domain.RoleModerator}
	admin := &domain.User{ID: "adm", Role: domain.RoleAdmin}

	if !policy.Allow(nil, ActionRead, "author") {
		t.Error("anonymous read should be allowed")
	}
	if policy.Allow(nil, ActionCreate, "") {
		t.Error("anonymous create should be denied")
	}
	if !policy.Allow(other, ActionCreate, "") {
		t.Error("authenticated create should be allowed")
	}
	if !policy.Allow(author, ActionModify, "author") {
		t.Error("author modify should be allowed")
	}
	// An authenticated non-owner without elevated role is denied even
	// though reads on the same object are open.
	if policy.Allow(other, ActionModify, "author") {
		t.Error("non-owner modify should be denied")
	}
	if !policy.Allow(moderator, ActionModify, "author") {
		t.Error("moderator modify should be allowed")
	}
	if !policy.Allow(admin, ActionModify, "author") {
		t.Error("admin modify should be allowed")
	}
}
