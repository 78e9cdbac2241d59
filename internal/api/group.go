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

// GroupHandler serves group CRUD, a thin veneer over group.Repository and the Authorization Oracle's access checks.
type GroupHandler struct {
	groups group.Repository
	oracle *authz.Oracle
	log    zerolog.Logger
}

// NewGroupHandler creates a new group handler.
func NewGroupHandler(groups group.Repository, oracle *authz.Oracle, logger zerolog.Logger) *GroupHandler {
	return &GroupHandler{groups: groups, oracle: oracle, log: logger.With().Str("handler", "group").Logger()}
}

type createGroupRequest struct {
	Name        string  `json:"name"`
	Description *string `json:"description,omitempty"`
	IsPrivate   bool    `json:"isPrivate"`
}

type updateGroupRequest struct {
	Name        string  `json:"name"`
	Description *string `json:"description,omitempty"`
	IsPrivate   *bool   `json:"isPrivate,omitempty"`
}

type groupPayload struct {
	ID          uuid.UUID `json:"id"`
	Name        string    `json:"name"`
	Description *string   `json:"description,omitempty"`
	IsPrivate   bool      `json:"isPrivate"`
	CreatorID   uuid.UUID `json:"creatorId"`
}

func toGroupPayload(g *group.Group) groupPayload {
	return groupPayload{ID: g.ID, Name: g.Name, Description: g.Description, IsPrivate: g.IsPrivate, CreatorID: g.CreatorID}
}

// Create handles POST /groups.
func (h *GroupHandler) Create(c fiber.Ctx) error {
	userID, ok := c.Locals("userID").(uuid.UUID)
	if !ok {
		return httputil.Fail(c, fiber.StatusUnauthorized, apierrors.Unauthorized, "missing user identity")
	}

	var body createGroupRequest
	if err := c.Bind().Body(&body); err != nil {
		return httputil.Fail(c, fiber.StatusBadRequest, apierrors.ValidationError, "invalid request body")
	}

	name, err := group.ValidateName(body.Name)
	if err != nil {
		return httputil.Fail(c, fiber.StatusBadRequest, apierrors.ValidationError, err.Error())
	}
	if err := group.ValidateDescription(body.Description); err != nil {
		return httputil.Fail(c, fiber.StatusBadRequest, apierrors.ValidationError, err.Error())
	}

	g, err := h.groups.Create(c, group.CreateParams{Name: name, Description: body.Description, IsPrivate: body.IsPrivate, CreatorID: userID})
	if err != nil {
		h.log.Error().Err(err).Msg("create group failed")
		return httputil.Fail(c, fiber.StatusInternalServerError, apierrors.InternalError, "an internal error occurred")
	}
	return httputil.SuccessStatus(c, fiber.StatusCreated, toGroupPayload(g))
}

// Get handles GET /groups/:id. The caller must have access (member or creator).
func (h *GroupHandler) Get(c fiber.Ctx) error {
	userID, ok := c.Locals("userID").(uuid.UUID)
	if !ok {
		return httputil.Fail(c, fiber.StatusUnauthorized, apierrors.Unauthorized, "missing user identity")
	}

	id, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return httputil.Fail(c, fiber.StatusBadRequest, apierrors.ValidationError, "invalid group id")
	}

	g, _, err := h.oracle.AssertGroupAccess(c, userID, id)
	if err != nil {
		return h.mapError(c, err)
	}
	return httputil.Success(c, toGroupPayload(g))
}

// Update handles PUT /groups/:id. Only OWNER or ADMIN members may update a group.
func (h *GroupHandler) Update(c fiber.Ctx) error {
	userID, ok := c.Locals("userID").(uuid.UUID)
	if !ok {
		return httputil.Fail(c, fiber.StatusUnauthorized, apierrors.Unauthorized, "missing user identity")
	}

	id, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return httputil.Fail(c, fiber.StatusBadRequest, apierrors.ValidationError, "invalid group id")
	}

	_, member, err := h.oracle.AssertGroupAccess(c, userID, id)
	if err != nil {
		return h.mapError(c, err)
	}
	if member == nil || (member.Role != group.RoleOwner && member.Role != group.RoleAdmin) {
		return httputil.Fail(c, fiber.StatusForbidden, apierrors.Forbidden, "only the owner or an admin may update this group")
	}

	var body updateGroupRequest
	if err := c.Bind().Body(&body); err != nil {
		return httputil.Fail(c, fiber.StatusBadRequest, apierrors.ValidationError, "invalid request body")
	}

	name, err := group.ValidateName(body.Name)
	if err != nil {
		return httputil.Fail(c, fiber.StatusBadRequest, apierrors.ValidationError, err.Error())
	}
	if err := group.ValidateDescription(body.Description); err != nil {
		return httputil.Fail(c, fiber.StatusBadRequest, apierrors.ValidationError, err.Error())
	}

	updated, err := h.groups.Update(c, id, name, body.Description, body.IsPrivate)
	if err != nil {
		return h.mapError(c, err)
	}
	return httputil.Success(c, toGroupPayload(updated))
}

// Delete handles DELETE /groups/:id. Only the owner may delete a group.
func (h *GroupHandler) Delete(c fiber.Ctx) error {
	userID, ok := c.Locals("userID").(uuid.UUID)
	if !ok {
		return httputil.Fail(c, fiber.StatusUnauthorized, apierrors.Unauthorized, "missing user identity")
	}

	id, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return httputil.Fail(c, fiber.StatusBadRequest, apierrors.ValidationError, "invalid group id")
	}

	_, member, err := h.oracle.AssertGroupAccess(c, userID, id)
	if err != nil {
		return h.mapError(c, err)
	}
	if member == nil || member.Role != group.RoleOwner {
		return httputil.Fail(c, fiber.StatusForbidden, apierrors.Forbidden, "only the owner may delete this group")
	}

	if err := h.groups.Delete(c, id); err != nil {
		return h.mapError(c, err)
	}
	return c.SendStatus(fiber.StatusNoContent)
}

func (h *GroupHandler) mapError(c fiber.Ctx, err error) error {
	switch {
	case errors.Is(err, authz.ErrNotFound), errors.Is(err, group.ErrNotFound):
		return httputil.Fail(c, fiber.StatusNotFound, apierrors.NotFound, err.Error())
	case errors.Is(err, authz.ErrForbidden):
		return httputil.Fail(c, fiber.StatusForbidden, apierrors.Forbidden, err.Error())
	default:
		h.log.Error().Err(err).Msg("unhandled group error")
		return httputil.Fail(c, fiber.StatusInternalServerError, apierrors.InternalError, "an internal error occurred")
	}
}
