// Package message implements the Message Pipeline: validation, persistence,
// hydration, and room fan-out for chat messages, plus the cursor-paginated
// history read.
package message

import (
	"context"
	"errors"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
)

// Type is a Message's content kind. SYSTEM messages are synthesized for fan-out only and are never persisted: their
// senderId would have to be "system", which has no corresponding User row.
type Type string

const (
	TypeText   Type = "TEXT"
	TypeImage  Type = "IMAGE"
	TypeFile   Type = "FILE"
	TypeSystem Type = "SYSTEM"
)

// Sentinel errors for the message package.
var (
	ErrNotFound        = errors.New("message not found")
	ErrContentTooLong  = errors.New("message content exceeds the maximum length")
	ErrEmptyContent    = errors.New("message content must not be empty")
	ErrReplyNotFound   = errors.New("reply target message not found")
	ErrReplyWrongGroup = errors.New("reply target belongs to a different group")
	ErrNotAuthor       = errors.New("only the sender may edit this message")
	ErrNotAllowedToDel = errors.New("only the sender, the group owner, or a group admin may delete this message")
)

// Pagination defaults; the Message Pipeline is normally configured with the operator-tunable values from config, but
// these back ClampLimit when a caller doesn't have a config value handy (e.g. a unit test).
const (
	DefaultLimit = 50
	MaxLimit     = 100
)

// Sender is the hydrated sender identity carried on every delivered message.
type Sender struct {
	ID    uuid.UUID
	Name  string
	Email string
	Image *string
}

// ReplyUser is the minimal user snippet carried inside a ReplySnippet.
type ReplyUser struct {
	ID   uuid.UUID
	Name string
}

// ReplySnippet is the hydrated reply-parent preview attached to a reply message.
type ReplySnippet struct {
	ID      uuid.UUID
	Content string
	User    ReplyUser
}

// Attachment is a file or media reference attached to a message; cascade-deleted with its Message.
type Attachment struct {
	ID        uuid.UUID
	MessageID uuid.UUID
	URL       string
	MimeType  *string
	Size      *int64
}

// Message is a persisted chat message in hydrated form: the raw row plus the joined sender, the reply-parent
// snippet (when applicable), and the attachment list, exactly as delivered over the wire.
type Message struct {
	ID        uuid.UUID
	GroupID   uuid.UUID
	SenderID  uuid.UUID
	Type      Type
	Content   string
	ReplyToID *uuid.UUID
	CreatedAt time.Time
	UpdatedAt time.Time
	DeletedAt *time.Time

	Sender      Sender
	ReplyTo     *ReplySnippet
	Attachments []Attachment
}

// CreateParams groups the inputs for persisting a new message. ID is generated by the caller (a UUIDv7, so that
// message ids stay monotonic with insertion order and sortable as a pagination cursor) rather than left to the
// store's default.
type CreateParams struct {
	ID        uuid.UUID
	GroupID   uuid.UUID
	SenderID  uuid.UUID
	Type      Type
	Content   string
	ReplyToID *uuid.UUID
}

// Page is one page of a history read: the messages in chronological (oldest-first) order, whether another page
// follows, and the cursor to request it.
type Page struct {
	Messages    []Message
	HasNextPage bool
	NextCursor  *uuid.UUID
}

// ValidateContent checks that content is non-empty after trimming and does not exceed maxLength runes. The caller is
// expected to have already run content through a sanitizer; this only enforces the length/emptiness contract.
func ValidateContent(content string, maxLength int) (string, error) {
	trimmed := strings.TrimSpace(content)
	if trimmed == "" {
		return "", ErrEmptyContent
	}
	if utf8.RuneCountInString(trimmed) > maxLength {
		return "", ErrContentTooLong
	}
	return trimmed, nil
}

// ClampLimit constrains a requested page size to [1, maxSize], defaulting to defaultSize when the input is zero or
// negative.
func ClampLimit(limit, defaultSize, maxSize int) int {
	if limit <= 0 {
		return defaultSize
	}
	if limit > maxSize {
		return maxSize
	}
	return limit
}

// Repository defines the data-access contract for messages: create, hydrate-by-id, the N+1 cursor page fetch, edit,
// and cascade delete. The Message Pipeline is the sole writer; REST handlers read through the same interface.
type Repository interface {
	Create(ctx context.Context, params CreateParams) (*Message, error)
	GetByID(ctx context.Context, id uuid.UUID) (*Message, error)
	// ListPage returns up to limit hydrated messages for groupID, strictly older than cursor (when non-nil),
	// newest first. The caller asks for one more than its page size; the extra row (if present) signals hasNextPage
	// and is trimmed before returning.
	ListPage(ctx context.Context, groupID uuid.UUID, cursor *uuid.UUID, limit int) ([]Message, error)
	UpdateContent(ctx context.Context, id uuid.UUID, content string) (*Message, error)
	DeleteCascade(ctx context.Context, id uuid.UUID) error
}
