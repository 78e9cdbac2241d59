// Package group models Groups and GroupMembers: the durable membership
// records the Authorization Oracle and Room Manager read to decide who may
// join a room, send a message, or manage membership.
package group

import (
	"context"
	"errors"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
)

// Role is a GroupMember's privilege level within a group.
type Role string

const (
	RoleOwner  Role = "OWNER"
	RoleAdmin  Role = "ADMIN"
	RoleMember Role = "MEMBER"
)

// Sentinel errors for the group package.
var (
	ErrNotFound          = errors.New("group not found")
	ErrMemberNotFound    = errors.New("membership not found")
	ErrAlreadyMember     = errors.New("user is already a member of this group")
	ErrNameLength        = errors.New("group name must be between 1 and 100 characters")
	ErrDescriptionLength = errors.New("group description must be at most 1000 characters")
	ErrSoleOwner         = errors.New("the sole owner cannot be removed; transfer ownership first")
	ErrRoleNotPermitted  = errors.New("role does not permit this operation")
)

// Group is a chat room's durable record.
type Group struct {
	ID          uuid.UUID
	Name        string
	Description *string
	IsPrivate   bool
	CreatorID   uuid.UUID
	CreatedAt   time.Time
}

// Member is a GroupMember row joined with the member's user fields, the shape the Authorization Oracle and REST
// membership endpoints return.
type Member struct {
	UserID    uuid.UUID
	GroupID   uuid.UUID
	Role      Role
	JoinedAt  time.Time
	UserName  string
	UserImage *string
}

// CreateParams groups the inputs for creating a group; the creator becomes its first member with role OWNER.
type CreateParams struct {
	Name        string
	Description *string
	IsPrivate   bool
	CreatorID   uuid.UUID
}

// ValidateName checks that a group name is between 1 and 100 Unicode characters after trimming.
func ValidateName(name string) (string, error) {
	trimmed := strings.TrimSpace(name)
	if n := utf8.RuneCountInString(trimmed); n < 1 || n > 100 {
		return "", ErrNameLength
	}
	return trimmed, nil
}

// ValidateDescription checks that an optional description is at most 1000 Unicode characters.
func ValidateDescription(description *string) error {
	if description == nil {
		return nil
	}
	if utf8.RuneCountInString(*description) > 1000 {
		return ErrDescriptionLength
	}
	return nil
}

// CanRemove reports whether actor (holding actorRole) may remove a member holding targetRole, per the §4.5 role
// matrix. Self-removal is always permitted except for the sole owner, who must transfer ownership first.
func CanRemove(actorRole, targetRole Role, isSelf bool) bool {
	if isSelf {
		return targetRole != RoleOwner
	}
	switch targetRole {
	case RoleOwner:
		return false
	case RoleAdmin:
		return actorRole == RoleOwner
	case RoleMember:
		return actorRole == RoleOwner || actorRole == RoleAdmin
	default:
		return false
	}
}

// CanAdd reports whether actorRole may add a new member to the group.
func CanAdd(actorRole Role) bool {
	return actorRole == RoleOwner || actorRole == RoleAdmin
}

// CanPromote reports whether actorRole may promote a member from fromRole to toRole.
func CanPromote(actorRole, fromRole, toRole Role) bool {
	switch {
	case fromRole == RoleMember && toRole == RoleAdmin:
		return actorRole == RoleOwner || actorRole == RoleAdmin
	case fromRole == RoleAdmin && toRole == RoleOwner:
		// Ownership transfer: only the current owner may perform it.
		return actorRole == RoleOwner
	default:
		return false
	}
}

// Repository defines the data-access contract for groups and their memberships, matching the repository contract
// named by the external interfaces: getMembership, listMembersByGroup, addMember, removeMember, updateMemberRole.
type Repository interface {
	Create(ctx context.Context, params CreateParams) (*Group, error)
	GetByID(ctx context.Context, id uuid.UUID) (*Group, error)
	Update(ctx context.Context, id uuid.UUID, name string, description *string, isPrivate *bool) (*Group, error)
	Delete(ctx context.Context, id uuid.UUID) error

	GetMembership(ctx context.Context, userID, groupID uuid.UUID) (*Member, error)
	ListMembersByGroup(ctx context.Context, groupID uuid.UUID) ([]Member, error)
	AddMember(ctx context.Context, userID, groupID uuid.UUID, role Role) error
	RemoveMember(ctx context.Context, userID, groupID uuid.UUID) error
	UpdateMemberRole(ctx context.Context, userID, groupID uuid.UUID, role Role) error
}
