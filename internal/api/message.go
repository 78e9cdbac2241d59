package api

import (
	"errors"
	"strconv"

	"github.com/gofiber/fiber/v3"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/decidr/chat-core/internal/apierrors"
	"github.com/decidr/chat-core/internal/authz"
	"github.com/decidr/chat-core/internal/httputil"
	"github.com/decidr/chat-core/internal/message"
	"github.com/decidr/chat-core/internal/room"
)

// MessageHandler serves the REST veneer over the Message Pipeline: the same validation, authorization, and
// persistence path the WebSocket gateway uses, exposed as a thin HTTP surface for callers that don't hold a live
// socket connection.
type MessageHandler struct {
	messages *message.Pipeline
	log      zerolog.Logger
}

// NewMessageHandler creates a new message handler.
func NewMessageHandler(messages *message.Pipeline, logger zerolog.Logger) *MessageHandler {
	return &MessageHandler{messages: messages, log: logger.With().Str("handler", "message").Logger()}
}

type createMessageRequest struct {
	GroupID   uuid.UUID  `json:"groupId"`
	Content   string     `json:"content"`
	Type      string     `json:"type"`
	ReplyToID *uuid.UUID `json:"replyToId,omitempty"`
}

type updateMessageRequest struct {
	Content string `json:"content"`
}

// Create handles POST /messages. It is the REST equivalent of the send_message event, but does not require the
// caller to be joined to any room: passing a nil session to the pipeline skips that check.
func (h *MessageHandler) Create(c fiber.Ctx) error {
	userID, ok := c.Locals("userID").(uuid.UUID)
	if !ok {
		return httputil.Fail(c, fiber.StatusUnauthorized, apierrors.Unauthorized, "missing user identity")
	}

	var body createMessageRequest
	if err := c.Bind().Body(&body); err != nil {
		return httputil.Fail(c, fiber.StatusBadRequest, apierrors.ValidationError, "invalid request body")
	}

	msgType := message.TypeText
	if body.Type != "" {
		msgType = message.Type(body.Type)
	}

	msg, err := h.messages.Send(c, nil, message.SendParams{
		GroupID:   body.GroupID,
		SenderID:  userID,
		Content:   body.Content,
		Type:      msgType,
		ReplyToID: body.ReplyToID,
	})
	if err != nil {
		return h.mapError(c, err)
	}

	return httputil.SuccessStatus(c, fiber.StatusCreated, message.ToPayload(msg))
}

// History handles GET /:groupId/messages?limit&cursor.
func (h *MessageHandler) History(c fiber.Ctx) error {
	userID, ok := c.Locals("userID").(uuid.UUID)
	if !ok {
		return httputil.Fail(c, fiber.StatusUnauthorized, apierrors.Unauthorized, "missing user identity")
	}

	groupID, err := uuid.Parse(c.Params("groupId"))
	if err != nil {
		return httputil.Fail(c, fiber.StatusBadRequest, apierrors.ValidationError, "invalid group id")
	}

	var cursor *uuid.UUID
	if raw := c.Query("cursor"); raw != "" {
		id, err := uuid.Parse(raw)
		if err != nil {
			return httputil.Fail(c, fiber.StatusBadRequest, apierrors.ValidationError, "invalid cursor")
		}
		cursor = &id
	}

	limit, _ := strconv.Atoi(c.Query("limit"))

	page, err := h.messages.History(c, userID, groupID, cursor, limit)
	if err != nil {
		return h.mapError(c, err)
	}

	payloads := make([]message.MessagePayload, len(page.Messages))
	for i := range page.Messages {
		payloads[i] = message.ToPayload(&page.Messages[i])
	}
	return httputil.Success(c, fiber.Map{
		"messages":    payloads,
		"hasNextPage": page.HasNextPage,
		"nextCursor":  page.NextCursor,
	})
}

// Get handles GET /messages/:id.
func (h *MessageHandler) Get(c fiber.Ctx) error {
	id, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return httputil.Fail(c, fiber.StatusBadRequest, apierrors.ValidationError, "invalid message id")
	}

	msg, err := h.messages.Get(c, id)
	if err != nil {
		return h.mapError(c, err)
	}
	return httputil.Success(c, message.ToPayload(msg))
}

// Update handles PUT /messages/:id. Only the sender may edit.
func (h *MessageHandler) Update(c fiber.Ctx) error {
	userID, ok := c.Locals("userID").(uuid.UUID)
	if !ok {
		return httputil.Fail(c, fiber.StatusUnauthorized, apierrors.Unauthorized, "missing user identity")
	}

	id, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return httputil.Fail(c, fiber.StatusBadRequest, apierrors.ValidationError, "invalid message id")
	}

	var body updateMessageRequest
	if err := c.Bind().Body(&body); err != nil {
		return httputil.Fail(c, fiber.StatusBadRequest, apierrors.ValidationError, "invalid request body")
	}

	msg, err := h.messages.Update(c, userID, id, body.Content)
	if err != nil {
		return h.mapError(c, err)
	}
	return httputil.Success(c, message.ToPayload(msg))
}

// Delete handles DELETE /messages/:id. The sender, the group owner, or any group admin may delete.
func (h *MessageHandler) Delete(c fiber.Ctx) error {
	userID, ok := c.Locals("userID").(uuid.UUID)
	if !ok {
		return httputil.Fail(c, fiber.StatusUnauthorized, apierrors.Unauthorized, "missing user identity")
	}

	id, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return httputil.Fail(c, fiber.StatusBadRequest, apierrors.ValidationError, "invalid message id")
	}

	if err := h.messages.Delete(c, userID, id); err != nil {
		return h.mapError(c, err)
	}
	return c.SendStatus(fiber.StatusNoContent)
}

// mapError converts a Message Pipeline or Authorization Oracle error into the fixed REST error taxonomy, mirroring
// the gateway dispatch loop's codeFor mapping but surfaced as HTTP status codes and apierrors.Code instead of
// wsevent error codes.
func (h *MessageHandler) mapError(c fiber.Ctx, err error) error {
	switch {
	case errors.Is(err, authz.ErrNotFound), errors.Is(err, message.ErrNotFound):
		return httputil.Fail(c, fiber.StatusNotFound, apierrors.NotFound, err.Error())
	case errors.Is(err, authz.ErrForbidden), errors.Is(err, room.ErrNotJoined),
		errors.Is(err, message.ErrNotAuthor), errors.Is(err, message.ErrNotAllowedToDel):
		return httputil.Fail(c, fiber.StatusForbidden, apierrors.Forbidden, err.Error())
	case errors.Is(err, message.ErrContentTooLong), errors.Is(err, message.ErrEmptyContent),
		errors.Is(err, message.ErrReplyWrongGroup), errors.Is(err, message.ErrReplyNotFound):
		return httputil.Fail(c, fiber.StatusBadRequest, apierrors.ValidationError, err.Error())
	default:
		h.log.Error().Err(err).Msg("unhandled message pipeline error")
		return httputil.Fail(c, fiber.StatusInternalServerError, apierrors.InternalError, "an internal error occurred")
	}
}
