package message

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
)

const selectColumns = `
	m.id, m.group_id, m.sender_id, m.type, m.content, m.reply_to_id, m.created_at, m.updated_at, m.deleted_at,
	u.name, u.email, u.image,
	reply.id, reply.content, reply_user.id, reply_user.name`

const baseJoin = `
	FROM messages m
	JOIN users u ON u.id = m.sender_id
	LEFT JOIN messages reply ON reply.id = m.reply_to_id
	LEFT JOIN users reply_user ON reply_user.id = reply.sender_id`

// PGRepository implements Repository using PostgreSQL.
type PGRepository struct {
	db  *pgxpool.Pool
	log zerolog.Logger
}

// NewPGRepository creates a new PostgreSQL-backed message repository.
func NewPGRepository(db *pgxpool.Pool, logger zerolog.Logger) *PGRepository {
	return &PGRepository{db: db, log: logger}
}

// Create inserts a message with the caller-supplied id (a UUIDv7) and returns it hydrated. When ReplyToID is set,
// the caller is expected to have already verified the reply target's existence and group; this method still relies
// on the foreign key to reject a dangling reference defensively.
func (r *PGRepository) Create(ctx context.Context, params CreateParams) (*Message, error) {
	_, err := r.db.Exec(ctx,
		`INSERT INTO messages (id, group_id, sender_id, type, content, reply_to_id)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		params.ID, params.GroupID, params.SenderID, params.Type, params.Content, params.ReplyToID,
	)
	if err != nil {
		return nil, fmt.Errorf("insert message: %w", err)
	}
	return r.GetByID(ctx, params.ID)
}

// GetByID returns a single message by id, hydrated with its sender, reply-parent snippet, and attachments. Returns
// ErrNotFound for a missing or soft-deleted message.
func (r *PGRepository) GetByID(ctx context.Context, id uuid.UUID) (*Message, error) {
	row := r.db.QueryRow(ctx,
		"SELECT "+selectColumns+" "+baseJoin+" WHERE m.id = $1 AND m.deleted_at IS NULL", id,
	)
	msg, err := scanMessage(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("query message by id: %w", err)
	}

	attachments, err := r.attachmentsFor(ctx, msg.ID)
	if err != nil {
		return nil, err
	}
	msg.Attachments = attachments
	return msg, nil
}

// ListPage returns up to limit hydrated messages for groupID, strictly older than cursor when non-nil, newest
// first. The strict-less-than comparison on the monotonic UUIDv7 id is equivalent to ordering by created_at.
func (r *PGRepository) ListPage(ctx context.Context, groupID uuid.UUID, cursor *uuid.UUID, limit int) ([]Message, error) {
	var rows pgx.Rows
	var err error

	if cursor != nil {
		rows, err = r.db.Query(ctx,
			"SELECT "+selectColumns+" "+baseJoin+`
			 WHERE m.group_id = $1 AND m.deleted_at IS NULL AND m.id < $2
			 ORDER BY m.id DESC
			 LIMIT $3`,
			groupID, *cursor, limit,
		)
	} else {
		rows, err = r.db.Query(ctx,
			"SELECT "+selectColumns+" "+baseJoin+`
			 WHERE m.group_id = $1 AND m.deleted_at IS NULL
			 ORDER BY m.id DESC
			 LIMIT $2`,
			groupID, limit,
		)
	}
	if err != nil {
		return nil, fmt.Errorf("query message page: %w", err)
	}
	defer rows.Close()

	var messages []Message
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		messages = append(messages, *msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate message page: %w", err)
	}

	if len(messages) == 0 {
		return messages, nil
	}

	ids := make([]uuid.UUID, len(messages))
	for i := range messages {
		ids[i] = messages[i].ID
	}
	attachmentsByMessage, err := r.attachmentsForMany(ctx, ids)
	if err != nil {
		return nil, err
	}
	for i := range messages {
		messages[i].Attachments = attachmentsByMessage[messages[i].ID]
	}
	return messages, nil
}

// UpdateContent sets new content on a message and advances updatedAt. Returns ErrNotFound if the message does not
// exist or has been deleted.
func (r *PGRepository) UpdateContent(ctx context.Context, id uuid.UUID, content string) (*Message, error) {
	tag, err := r.db.Exec(ctx,
		`UPDATE messages SET content = $1, updated_at = now() WHERE id = $2 AND deleted_at IS NULL`,
		content, id,
	)
	if err != nil {
		return nil, fmt.Errorf("update message content: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return nil, ErrNotFound
	}
	return r.GetByID(ctx, id)
}

// DeleteCascade soft-deletes a message and then hard-deletes its attachment rows itself; the message row is retained with deleted_at set so replies to it keep a stable (if now-hidden) parent.
func (r *PGRepository) DeleteCascade(ctx context.Context, id uuid.UUID) error {
	tag, err := r.db.Exec(ctx,
		`UPDATE messages SET deleted_at = now() WHERE id = $1 AND deleted_at IS NULL`, id,
	)
	if err != nil {
		return fmt.Errorf("delete message: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	if _, err := r.db.Exec(ctx, `DELETE FROM attachments WHERE message_id = $1`, id); err != nil {
		return fmt.Errorf("delete attachments: %w", err)
	}
	return nil
}

func (r *PGRepository) attachmentsFor(ctx context.Context, messageID uuid.UUID) ([]Attachment, error) {
	byMessage, err := r.attachmentsForMany(ctx, []uuid.UUID{messageID})
	if err != nil {
		return nil, err
	}
	return byMessage[messageID], nil
}

func (r *PGRepository) attachmentsForMany(ctx context.Context, messageIDs []uuid.UUID) (map[uuid.UUID][]Attachment, error) {
	rows, err := r.db.Query(ctx,
		`SELECT id, message_id, url, mime_type, size FROM attachments WHERE message_id = ANY($1)`,
		messageIDs,
	)
	if err != nil {
		return nil, fmt.Errorf("query attachments: %w", err)
	}
	defer rows.Close()

	byMessage := make(map[uuid.UUID][]Attachment)
	for rows.Next() {
		var a Attachment
		if err := rows.Scan(&a.ID, &a.MessageID, &a.URL, &a.MimeType, &a.Size); err != nil {
			return nil, fmt.Errorf("scan attachment: %w", err)
		}
		byMessage[a.MessageID] = append(byMessage[a.MessageID], a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate attachments: %w", err)
	}
	return byMessage, nil
}

// scanMessage scans a single row into a hydrated Message, including the optional reply-parent snippet. Attachments
// are populated separately by the caller.
func scanMessage(row pgx.Row) (*Message, error) {
	var msg Message
	var replyID *uuid.UUID
	var replyContent *string
	var replyUserID *uuid.UUID
	var replyUserName *string

	err := row.Scan(
		&msg.ID, &msg.GroupID, &msg.SenderID, &msg.Type, &msg.Content, &msg.ReplyToID, &msg.CreatedAt, &msg.UpdatedAt, &msg.DeletedAt,
		&msg.Sender.Name, &msg.Sender.Email, &msg.Sender.Image,
		&replyID, &replyContent, &replyUserID, &replyUserName,
	)
	if err != nil {
		return nil, err
	}
	msg.Sender.ID = msg.SenderID

	if replyID != nil {
		msg.ReplyTo = &ReplySnippet{
			ID:      *replyID,
			Content: derefString(replyContent),
			User: ReplyUser{
				ID:   derefUUID(replyUserID),
				Name: derefString(replyUserName),
			},
		}
	}
	return &msg, nil
}

func derefString(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func derefUUID(id *uuid.UUID) uuid.UUID {
	if id == nil {
		return uuid.Nil
	}
	return *id
}
