package message

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/microcosm-cc/bluemonday"
	"github.com/rs/zerolog"

	"github.com/decidr/chat-core/internal/authz"
	"github.com/decidr/chat-core/internal/group"
	"github.com/decidr/chat-core/internal/room"
	"github.com/decidr/chat-core/internal/wsevent"
)

// Pipeline is the Message Pipeline: it validates, authorizes, persists, hydrates, and fans out messages, and serves
// paginated history reads. It is the sole writer of Messages.
type Pipeline struct {
	repo     Repository
	oracle   *authz.Oracle
	rooms    *room.Manager
	groups   group.Repository
	sanitize *bluemonday.Policy

	maxContentLength int
	defaultPageSize  int
	maxPageSize      int

	log zerolog.Logger
}

// NewPipeline constructs a Message Pipeline. maxContentLength, defaultPageSize, and maxPageSize come from config.
func NewPipeline(
	repo Repository,
	oracle *authz.Oracle,
	rooms *room.Manager,
	groups group.Repository,
	maxContentLength, defaultPageSize, maxPageSize int,
	logger zerolog.Logger,
) *Pipeline {
	return &Pipeline{
		repo:             repo,
		oracle:           oracle,
		rooms:            rooms,
		groups:           groups,
		sanitize:         bluemonday.StrictPolicy(),
		maxContentLength: maxContentLength,
		defaultPageSize:  defaultPageSize,
		maxPageSize:      maxPageSize,
		log:              logger.With().Str("component", "message_pipeline").Logger(),
	}
}

// SendParams groups the inputs of a send_message / POST /messages call.
type SendParams struct {
	GroupID   uuid.UUID
	SenderID  uuid.UUID
	Content   string
	Type      Type
	ReplyToID *uuid.UUID
}

// Send validates, authorizes, persists, and broadcasts a message. sess is the originating session for socket sends;
// pass nil for the REST veneer, which does not require the caller to be joined to any room and never excludes a
// session from the broadcast.
func (p *Pipeline) Send(ctx context.Context, sess room.Session, params SendParams) (*Message, error) {
	if params.Type == "" {
		params.Type = TypeText
	}

	clean := p.sanitize.Sanitize(params.Content)
	content, err := ValidateContent(clean, p.maxContentLength)
	if err != nil {
		return nil, err
	}

	if _, _, err := p.oracle.AssertGroupAccess(ctx, params.SenderID, params.GroupID); err != nil {
		return nil, err
	}

	if sess != nil && !p.rooms.IsJoined(params.GroupID, sess.ID()) {
		return nil, room.ErrNotJoined
	}

	if params.ReplyToID != nil {
		parent, err := p.repo.GetByID(ctx, *params.ReplyToID)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				return nil, ErrReplyNotFound
			}
			return nil, fmt.Errorf("fetch reply target: %w", err)
		}
		if parent.GroupID != params.GroupID {
			return nil, ErrReplyWrongGroup
		}
	}

	id, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("generate message id: %w", err)
	}

	msg, err := p.repo.Create(ctx, CreateParams{
		ID:        id,
		GroupID:   params.GroupID,
		SenderID:  params.SenderID,
		Type:      params.Type,
		Content:   content,
		ReplyToID: params.ReplyToID,
	})
	if err != nil {
		return nil, fmt.Errorf("persist message: %w", err)
	}

	p.rooms.Broadcast(params.GroupID, wsevent.MessageReceived, ToPayload(msg), uuid.Nil)

	if sess != nil {
		if err := p.rooms.StopTyping(ctx, sess, params.GroupID); err != nil {
			p.log.Debug().Err(err).Msg("opportunistic typing clear after send failed")
		}
	}

	return msg, nil
}

// History returns a page of a group's messages in chronological (oldest-first) order, authorizing the caller as
// either a member or the group's creator first.
func (p *Pipeline) History(ctx context.Context, userID, groupID uuid.UUID, cursor *uuid.UUID, limit int) (*Page, error) {
	if _, _, err := p.oracle.AssertGroupAccess(ctx, userID, groupID); err != nil {
		return nil, err
	}

	n := ClampLimit(limit, p.defaultPageSize, p.maxPageSize)

	rows, err := p.repo.ListPage(ctx, groupID, cursor, n+1)
	if err != nil {
		return nil, fmt.Errorf("list message page: %w", err)
	}

	hasNextPage := len(rows) > n
	if hasNextPage {
		rows = rows[:n]
	}

	var nextCursor *uuid.UUID
	if hasNextPage && len(rows) > 0 {
		oldest := rows[len(rows)-1].ID
		nextCursor = &oldest
	}

	// rows arrive newest-first; reverse in place to present chronological order to the client.
	for i, j := 0, len(rows)-1; i < j; i, j = i+1, j-1 {
		rows[i], rows[j] = rows[j], rows[i]
	}

	return &Page{Messages: rows, HasNextPage: hasNextPage, NextCursor: nextCursor}, nil
}

// Update edits a message's content. Only the sender may edit.
func (p *Pipeline) Update(ctx context.Context, userID, messageID uuid.UUID, content string) (*Message, error) {
	existing, err := p.repo.GetByID(ctx, messageID)
	if err != nil {
		return nil, err
	}
	if existing.SenderID != userID {
		return nil, ErrNotAuthor
	}

	clean := p.sanitize.Sanitize(content)
	validated, err := ValidateContent(clean, p.maxContentLength)
	if err != nil {
		return nil, err
	}

	return p.repo.UpdateContent(ctx, messageID, validated)
}

// Delete removes a message. The sender, the group's owner, or any admin of the group may delete.
func (p *Pipeline) Delete(ctx context.Context, userID, messageID uuid.UUID) error {
	existing, err := p.repo.GetByID(ctx, messageID)
	if err != nil {
		return err
	}
	if existing.SenderID == userID {
		return p.repo.DeleteCascade(ctx, messageID)
	}

	membership, err := p.groups.GetMembership(ctx, userID, existing.GroupID)
	if err != nil {
		if errors.Is(err, group.ErrMemberNotFound) {
			return ErrNotAllowedToDel
		}
		return fmt.Errorf("check deleter membership: %w", err)
	}
	if membership.Role != group.RoleOwner && membership.Role != group.RoleAdmin {
		return ErrNotAllowedToDel
	}

	return p.repo.DeleteCascade(ctx, messageID)
}

// Get hydrates a single message by id, for the GET /messages/:id veneer.
func (p *Pipeline) Get(ctx context.Context, id uuid.UUID) (*Message, error) {
	return p.repo.GetByID(ctx, id)
}

// MessagePayload is the wire shape of a message_received event and of each entry in a group_messages page.
type MessagePayload struct {
	ID        uuid.UUID            `json:"id"`
	Content   string               `json:"content"`
	Type      Type                 `json:"type"`
	SenderID  uuid.UUID            `json:"senderId"`
	GroupID   uuid.UUID            `json:"groupId"`
	ReplyToID *uuid.UUID           `json:"replyToId,omitempty"`
	CreatedAt string               `json:"createdAt"`
	User      MessageUserPayload   `json:"user"`
	ReplyTo   *MessageReplyPayload `json:"replyTo,omitempty"`
}

// MessageUserPayload is the sender snippet embedded in MessagePayload.
type MessageUserPayload struct {
	ID    uuid.UUID `json:"id"`
	Name  string    `json:"name"`
	Email string    `json:"email"`
	Image *string   `json:"image,omitempty"`
}

// MessageReplyPayload is the reply-parent snippet embedded in MessagePayload.
type MessageReplyPayload struct {
	ID      uuid.UUID               `json:"id"`
	Content string                  `json:"content"`
	User    MessageReplyUserPayload `json:"user"`
}

// MessageReplyUserPayload is the minimal user snippet inside a MessageReplyPayload.
type MessageReplyUserPayload struct {
	ID   uuid.UUID `json:"id"`
	Name string    `json:"name"`
}

// ToPayload converts a hydrated Message into its wire shape, for both the message_received broadcast and each entry
// of a group_messages page.
func ToPayload(msg *Message) MessagePayload {
	payload := MessagePayload{
		ID:        msg.ID,
		Content:   msg.Content,
		Type:      msg.Type,
		SenderID:  msg.SenderID,
		GroupID:   msg.GroupID,
		ReplyToID: msg.ReplyToID,
		CreatedAt: msg.CreatedAt.UTC().Format("2006-01-02T15:04:05.000Z07:00"),
		User: MessageUserPayload{
			ID:    msg.Sender.ID,
			Name:  msg.Sender.Name,
			Email: msg.Sender.Email,
			Image: msg.Sender.Image,
		},
	}
	if msg.ReplyTo != nil {
		payload.ReplyTo = &MessageReplyPayload{
			ID:      msg.ReplyTo.ID,
			Content: msg.ReplyTo.Content,
			User: MessageReplyUserPayload{
				ID:   msg.ReplyTo.User.ID,
				Name: msg.ReplyTo.User.Name,
			},
		}
	}
	return payload
}
