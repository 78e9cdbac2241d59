package api

import (
	"errors"

	"github.com/gofiber/fiber/v3"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/decidr/chat-core/internal/apierrors"
	"github.com/decidr/chat-core/internal/authz"
	"github.com/decidr/chat-core/internal/group"
	"github.com/decidr/chat-core/internal/httputil"
)

// MemberHandler serves GET/POST/DELETE /:groupId/members, enforcing the role-privilege matrix (§4.5) on every
// membership mutation.
type MemberHandler struct {
	groups group.Repository
	oracle *authz.Oracle
	log    zerolog.Logger
}

// NewMemberHandler creates a new member handler.
func NewMemberHandler(groups group.Repository, oracle *authz.Oracle, logger zerolog.Logger) *MemberHandler {
	return &MemberHandler{groups: groups, oracle: oracle, log: logger.With().Str("handler", "member").Logger()}
}

type memberPayload struct {
	UserID   uuid.UUID  `json:"userId"`
	GroupID  uuid.UUID  `json:"groupId"`
	Role     group.Role `json:"role"`
	UserName string     `json:"userName"`
}

func toMemberPayload(m *group.Member) memberPayload {
	return memberPayload{UserID: m.UserID, GroupID: m.GroupID, Role: m.Role, UserName: m.UserName}
}

type addMemberRequest struct {
	UserID uuid.UUID `json:"userId"`
}

// List handles GET /:groupId/members.
func (h *MemberHandler) List(c fiber.Ctx) error {
	userID, ok := c.Locals("userID").(uuid.UUID)
	if !ok {
		return httputil.Fail(c, fiber.StatusUnauthorized, apierrors.Unauthorized, "missing user identity")
	}

	groupID, err := uuid.Parse(c.Params("groupId"))
	if err != nil {
		return httputil.Fail(c, fiber.StatusBadRequest, apierrors.ValidationError, "invalid group id")
	}

	if _, _, err := h.oracle.AssertGroupAccess(c, userID, groupID); err != nil {
		return h.mapError(c, err)
	}

	members, err := h.groups.ListMembersByGroup(c, groupID)
	if err != nil {
		h.log.Error().Err(err).Msg("list members failed")
		return httputil.Fail(c, fiber.StatusInternalServerError, apierrors.InternalError, "an internal error occurred")
	}

	payloads := make([]memberPayload, len(members))
	for i := range members {
		payloads[i] = toMemberPayload(&members[i])
	}
	return httputil.Success(c, payloads)
}

// Add handles POST /:groupId/members. The actor must hold a role that CanAdd permits; new members join as MEMBER.
func (h *MemberHandler) Add(c fiber.Ctx) error {
	userID, ok := c.Locals("userID").(uuid.UUID)
	if !ok {
		return httputil.Fail(c, fiber.StatusUnauthorized, apierrors.Unauthorized, "missing user identity")
	}

	groupID, err := uuid.Parse(c.Params("groupId"))
	if err != nil {
		return httputil.Fail(c, fiber.StatusBadRequest, apierrors.ValidationError, "invalid group id")
	}

	_, actor, err := h.oracle.AssertGroupAccess(c, userID, groupID)
	if err != nil {
		return h.mapError(c, err)
	}
	if actor == nil || !group.CanAdd(actor.Role) {
		return httputil.Fail(c, fiber.StatusForbidden, apierrors.Forbidden, "role does not permit adding members")
	}

	var body addMemberRequest
	if err := c.Bind().Body(&body); err != nil {
		return httputil.Fail(c, fiber.StatusBadRequest, apierrors.ValidationError, "invalid request body")
	}

	if err := h.groups.AddMember(c, body.UserID, groupID, group.RoleMember); err != nil {
		if errors.Is(err, group.ErrAlreadyMember) {
			return httputil.Fail(c, fiber.StatusConflict, apierrors.Conflict, err.Error())
		}
		h.log.Error().Err(err).Msg("add member failed")
		return httputil.Fail(c, fiber.StatusInternalServerError, apierrors.InternalError, "an internal error occurred")
	}
	return c.SendStatus(fiber.StatusCreated)
}

// Remove handles DELETE /:groupId/members/:userId, applying the §4.5 CanRemove matrix: a member may always remove
// themselves (unless they are the sole owner), otherwise the actor's role must outrank the target's.
func (h *MemberHandler) Remove(c fiber.Ctx) error {
	userID, ok := c.Locals("userID").(uuid.UUID)
	if !ok {
		return httputil.Fail(c, fiber.StatusUnauthorized, apierrors.Unauthorized, "missing user identity")
	}

	groupID, err := uuid.Parse(c.Params("groupId"))
	if err != nil {
		return httputil.Fail(c, fiber.StatusBadRequest, apierrors.ValidationError, "invalid group id")
	}
	targetID, err := uuid.Parse(c.Params("userId"))
	if err != nil {
		return httputil.Fail(c, fiber.StatusBadRequest, apierrors.ValidationError, "invalid user id")
	}

	_, actor, err := h.oracle.AssertGroupAccess(c, userID, groupID)
	if err != nil {
		return h.mapError(c, err)
	}

	target, err := h.groups.GetMembership(c, targetID, groupID)
	if err != nil {
		if errors.Is(err, group.ErrMemberNotFound) {
			return httputil.Fail(c, fiber.StatusNotFound, apierrors.NotFound, "membership not found")
		}
		h.log.Error().Err(err).Msg("get target membership failed")
		return httputil.Fail(c, fiber.StatusInternalServerError, apierrors.InternalError, "an internal error occurred")
	}

	actorRole := group.RoleMember
	if actor != nil {
		actorRole = actor.Role
	}
	if !group.CanRemove(actorRole, target.Role, userID == targetID) {
		return httputil.Fail(c, fiber.StatusForbidden, apierrors.Forbidden, "role does not permit removing this member")
	}

	if err := h.groups.RemoveMember(c, targetID, groupID); err != nil {
		if errors.Is(err, group.ErrMemberNotFound) {
			return httputil.Fail(c, fiber.StatusNotFound, apierrors.NotFound, err.Error())
		}
		h.log.Error().Err(err).Msg("remove member failed")
		return httputil.Fail(c, fiber.StatusInternalServerError, apierrors.InternalError, "an internal error occurred")
	}
	return c.SendStatus(fiber.StatusNoContent)
}

func (h *MemberHandler) mapError(c fiber.Ctx, err error) error {
	switch {
	case errors.Is(err, authz.ErrNotFound):
		return httputil.Fail(c, fiber.StatusNotFound, apierrors.NotFound, err.Error())
	case errors.Is(err, authz.ErrForbidden):
		return httputil.Fail(c, fiber.StatusForbidden, apierrors.Forbidden, err.Error())
	default:
		h.log.Error().Err(err).Msg("unhandled member error")
		return httputil.Fail(c, fiber.StatusInternalServerError, apierrors.InternalError, "an internal error occurred")
	}
}
