package authz

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/decidr/chat-core/internal/group"
)

// ErrNotFound and ErrForbidden are the two failure modes of assertGroupAccess: the group does not exist, or the user
// is neither its creator nor a member.
var (
	ErrNotFound  = errors.New("group not found")
	ErrForbidden = errors.New("user does not have access to this group")
)

// Oracle answers membership and access-control questions against the durable store. The Room Manager, Message
// Pipeline, and REST handlers all consult it rather than querying the repository directly.
type Oracle struct {
	groups group.Repository
}

// NewOracle constructs an Oracle backed by the given group repository.
func NewOracle(groups group.Repository) *Oracle {
	return &Oracle{groups: groups}
}

// GetMembership reads the GroupMember row for userID in groupID joined with the member's user fields. Returns nil,
// nil (not an error) when the user is not a member, matching the "{role, user:{...}} | null" contract.
func (o *Oracle) GetMembership(ctx context.Context, userID, groupID uuid.UUID) (*group.Member, error) {
	m, err := o.groups.GetMembership(ctx, userID, groupID)
	if err != nil {
		if errors.Is(err, group.ErrMemberNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("get membership: %w", err)
	}
	return m, nil
}

// IsMember is a convenience wrapper over GetMembership.
func (o *Oracle) IsMember(ctx context.Context, userID, groupID uuid.UUID) (bool, error) {
	m, err := o.GetMembership(ctx, userID, groupID)
	if err != nil {
		return false, err
	}
	return m != nil, nil
}

// AssertGroupAccess returns the group and the caller's membership, or ErrNotFound if the group does not exist, or
// ErrForbidden if the user is neither the creator nor a member. Used by the Message Pipeline before any write or
// history read.
func (o *Oracle) AssertGroupAccess(ctx context.Context, userID, groupID uuid.UUID) (*group.Group, *group.Member, error) {
	g, err := o.groups.GetByID(ctx, groupID)
	if err != nil {
		if errors.Is(err, group.ErrNotFound) {
			return nil, nil, ErrNotFound
		}
		return nil, nil, fmt.Errorf("get group: %w", err)
	}

	if g.CreatorID == userID {
		m, err := o.GetMembership(ctx, userID, groupID)
		if err != nil {
			return nil, nil, err
		}
		return g, m, nil
	}

	m, err := o.GetMembership(ctx, userID, groupID)
	if err != nil {
		return nil, nil, err
	}
	if m == nil {
		return nil, nil, ErrForbidden
	}
	return g, m, nil
}
