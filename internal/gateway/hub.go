// Package gateway implements the Connection Gateway: WebSocket handshake and
// authentication, per-connection read/write pumps, and the dispatch table
// that turns decoded wire events into Room Manager and Message Pipeline
// calls. One Hub serves the whole process; there is no cross-instance fan-out
// since the Presence Cache and Postgres are the only state shared across
// instances in this deployment shape.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/fasthttp/websocket"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/decidr/chat-core/internal/authz"
	"github.com/decidr/chat-core/internal/message"
	"github.com/decidr/chat-core/internal/presence"
	"github.com/decidr/chat-core/internal/ratelimit"
	"github.com/decidr/chat-core/internal/room"
	"github.com/decidr/chat-core/internal/user"
	"github.com/decidr/chat-core/internal/wsevent"
)

const handshakeTimeout = 10 * time.Second

// Hub owns every live connection for this process. It authenticates new connections at the HTTP-upgrade boundary,
// tracks sessions for shutdown, and dispatches decoded events to the Room Manager and Message Pipeline.
type Hub struct {
	mu      sync.RWMutex
	clients map[uuid.UUID]*Client

	tokens   *authz.TokenVerifier
	users    user.Repository
	oracle   *authz.Oracle
	rooms    *room.Manager
	messages *message.Pipeline
	presence *presence.Store
	limiter  *ratelimit.Limiter

	sendQueueSize int
	log           zerolog.Logger
}

// NewHub constructs a Hub. sendQueueSize bounds each client's outbound buffer (config's ClientSendQueueSize).
func NewHub(
	tokens *authz.TokenVerifier,
	users user.Repository,
	oracle *authz.Oracle,
	rooms *room.Manager,
	messages *message.Pipeline,
	presenceStore *presence.Store,
	limiter *ratelimit.Limiter,
	sendQueueSize int,
	logger zerolog.Logger,
) *Hub {
	return &Hub{
		clients:       make(map[uuid.UUID]*Client),
		tokens:        tokens,
		users:         users,
		oracle:        oracle,
		rooms:         rooms,
		messages:      messages,
		presence:      presenceStore,
		limiter:       limiter,
		sendQueueSize: sendQueueSize,
		log:           logger.With().Str("component", "gateway_hub").Logger(),
	}
}

// ServeWebSocket authenticates token against the Authorization Oracle and, on success, registers a Client and runs
// its read/write pumps until the connection terminates. token is extracted by the caller from either the
// Authorization header or a query parameter before the HTTP upgrade completes; authentication happens here, at
// connect time, rather than via a first-frame handshake message.
func (h *Hub) ServeWebSocket(conn *websocket.Conn, token string) {
	ctx, cancel := context.WithTimeout(context.Background(), handshakeTimeout)
	defer cancel()

	identity, err := h.tokens.VerifyToken(token)
	if err != nil {
		h.log.Debug().Err(err).Msg("handshake token verification failed")
		closeConnWithCode(conn, CloseAuthFailed, "invalid or expired token")
		return
	}

	u, err := h.users.GetByID(ctx, identity.UserID)
	if err != nil {
		h.log.Warn().Err(err).Stringer("user_id", identity.UserID).Msg("failed to hydrate user for handshake")
		closeConnWithCode(conn, CloseAuthFailed, "account not found")
		return
	}

	client := &Client{
		hub:           h,
		conn:          conn,
		id:            uuid.New(),
		userID:        identity.UserID,
		userName:      u.Name,
		email:         identity.Email,
		emailVerified: identity.EmailVerified,
		send:          make(chan []byte, h.sendQueueSize),
		done:          make(chan struct{}),
	}
	client.log = h.log.With().Stringer("session_id", client.id).Stringer("user_id", client.userID).Logger()

	h.register(client)
	if err := h.presence.AddSocket(ctx, client.userID, client.id); err != nil {
		h.log.Warn().Err(err).Stringer("user_id", client.userID).Msg("failed to register socket in presence cache")
	}

	go client.writePump()
	client.readPump()
}

// closeConnWithCode closes a not-yet-registered connection during the handshake, before a Client exists to own it.
func closeConnWithCode(conn *websocket.Conn, code int, reason string) {
	msg := websocket.FormatCloseMessage(code, reason)
	_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
	_ = conn.Close()
}

func (h *Hub) register(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clients[c.id] = c
}

// unregister removes c from the client registry and runs the disconnect sweep: leaving every room the session was
// joined to, clearing its typing indicators, and removing it from the Presence Cache. It is safe to call more than
// once for the same client; the second call is a no-op.
func (h *Hub) unregister(c *Client) {
	h.mu.Lock()
	if _, ok := h.clients[c.id]; !ok {
		h.mu.Unlock()
		return
	}
	delete(h.clients, c.id)
	h.mu.Unlock()

	c.closeSend()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	h.rooms.DisconnectSweep(ctx, c)
}

// ClientCount returns the number of currently registered connections, for health/metrics reporting.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Shutdown closes every live connection so the process can exit without leaving sockets dangling. It does not wait
// for the corresponding readPump goroutines to finish; callers invoke Shutdown before tearing down the listener and
// let the pumps unwind naturally as conn.Close unblocks their reads.
func (h *Hub) Shutdown() {
	h.mu.RLock()
	clients := make([]*Client, 0, len(h.clients))
	for _, c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.RUnlock()

	for _, c := range clients {
		closeConnWithCode(c.conn, websocket.CloseNormalClosure, "server shutting down")
	}
}

// handleEvent decodes a single inbound frame and dispatches it. It returns true when the frame is not well-formed
// JSON at the envelope level, signalling the caller to close the session with a protocol-error close code; every
// other failure is reported to the session as a non-closing error event, per the propagation policy under which only
// an authentication failure at the handshake closes the session.
func (h *Hub) handleEvent(ctx context.Context, sess room.Session, raw []byte) (malformed bool) {
	var env wsevent.Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return true
	}

	switch env.Type {
	case wsevent.JoinGroup:
		h.handleJoinGroup(ctx, sess, env.Data)
	case wsevent.LeaveGroup:
		h.handleLeaveGroup(ctx, sess, env.Data)
	case wsevent.SendMessage:
		h.handleSendMessage(ctx, sess, env.Data)
	case wsevent.TypingStart:
		h.handleTypingStart(ctx, sess, env.Data)
	case wsevent.TypingStop:
		h.handleTypingStop(ctx, sess, env.Data)
	case wsevent.GetGroupMessages:
		h.handleGetGroupMessages(ctx, sess, env.Data)
	case wsevent.GetRoomInfo:
		h.handleGetRoomInfo(ctx, sess, env.Data)
	default:
		// Unknown event types are ignored silently; the wire contract does not reject or close on them.
	}
	return false
}

type groupIDPayload struct {
	GroupID uuid.UUID `json:"groupId"`
}

type sendMessagePayload struct {
	GroupID   uuid.UUID    `json:"groupId"`
	Content   string       `json:"content"`
	Type      message.Type `json:"type"`
	ReplyToID *uuid.UUID   `json:"replyToId,omitempty"`
}

type getGroupMessagesPayload struct {
	GroupID uuid.UUID  `json:"groupId"`
	Cursor  *uuid.UUID `json:"cursor,omitempty"`
	Limit   int        `json:"limit"`
}

type groupMessagesPayload struct {
	GroupID     uuid.UUID                `json:"groupId"`
	Messages    []message.MessagePayload `json:"messages"`
	HasNextPage bool                     `json:"hasNextPage"`
	NextCursor  *uuid.UUID               `json:"nextCursor,omitempty"`
}

func (h *Hub) handleJoinGroup(ctx context.Context, sess room.Session, raw json.RawMessage) {
	var p groupIDPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		h.sendError(sess, wsevent.CodeValidationError, "invalid join_group payload")
		return
	}

	if err := h.limiter.Allow(ctx, sess.UserID(), ratelimit.KindJoin); err != nil {
		h.sendError(sess, wsevent.CodeForbidden, "rate limit exceeded")
		return
	}

	if err := h.rooms.JoinGroup(ctx, sess, p.GroupID); err != nil {
		h.reportError(sess, err)
	}
}

func (h *Hub) handleLeaveGroup(ctx context.Context, sess room.Session, raw json.RawMessage) {
	var p groupIDPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		h.sendError(sess, wsevent.CodeValidationError, "invalid leave_group payload")
		return
	}
	h.rooms.LeaveGroup(ctx, sess, p.GroupID)
}

func (h *Hub) handleSendMessage(ctx context.Context, sess room.Session, raw json.RawMessage) {
	var p sendMessagePayload
	if err := json.Unmarshal(raw, &p); err != nil {
		h.sendError(sess, wsevent.CodeValidationError, "invalid send_message payload")
		return
	}

	if err := h.limiter.Allow(ctx, sess.UserID(), ratelimit.KindSend); err != nil {
		h.sendError(sess, wsevent.CodeForbidden, "rate limit exceeded")
		return
	}

	_, err := h.messages.Send(ctx, sess, message.SendParams{
		GroupID:   p.GroupID,
		SenderID:  sess.UserID(),
		Content:   p.Content,
		Type:      p.Type,
		ReplyToID: p.ReplyToID,
	})
	if err != nil {
		h.reportError(sess, err)
	}
}

func (h *Hub) handleTypingStart(ctx context.Context, sess room.Session, raw json.RawMessage) {
	var p groupIDPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		h.sendError(sess, wsevent.CodeValidationError, "invalid typing_start payload")
		return
	}

	if err := h.limiter.Allow(ctx, sess.UserID(), ratelimit.KindTyping); err != nil {
		h.sendError(sess, wsevent.CodeForbidden, "rate limit exceeded")
		return
	}

	if err := h.rooms.StartTyping(ctx, sess, p.GroupID); err != nil {
		h.reportError(sess, err)
	}
}

func (h *Hub) handleTypingStop(ctx context.Context, sess room.Session, raw json.RawMessage) {
	var p groupIDPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		h.sendError(sess, wsevent.CodeValidationError, "invalid typing_stop payload")
		return
	}
	if err := h.rooms.StopTyping(ctx, sess, p.GroupID); err != nil {
		h.reportError(sess, err)
	}
}

func (h *Hub) handleGetGroupMessages(ctx context.Context, sess room.Session, raw json.RawMessage) {
	var p getGroupMessagesPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		h.sendError(sess, wsevent.CodeValidationError, "invalid get_group_messages payload")
		return
	}

	page, err := h.messages.History(ctx, sess.UserID(), p.GroupID, p.Cursor, p.Limit)
	if err != nil {
		h.reportError(sess, err)
		return
	}

	payloads := make([]message.MessagePayload, len(page.Messages))
	for i := range page.Messages {
		payloads[i] = message.ToPayload(&page.Messages[i])
	}
	sess.Send(wsevent.GroupMessages, groupMessagesPayload{
		GroupID:     p.GroupID,
		Messages:    payloads,
		HasNextPage: page.HasNextPage,
		NextCursor:  page.NextCursor,
	})
}

func (h *Hub) handleGetRoomInfo(ctx context.Context, sess room.Session, raw json.RawMessage) {
	var p groupIDPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		h.sendError(sess, wsevent.CodeValidationError, "invalid get_room_info payload")
		return
	}

	if _, _, err := h.oracle.AssertGroupAccess(ctx, sess.UserID(), p.GroupID); err != nil {
		h.reportError(sess, err)
		return
	}

	sess.Send(wsevent.RoomMembersUpdate, h.rooms.RoomInfo(ctx, p.GroupID))
}

func (h *Hub) sendError(sess room.Session, code wsevent.ErrorCode, msg string) {
	sess.Send(wsevent.Error, wsevent.ErrorPayload{Code: code, Message: msg})
}

// reportError maps err to the fixed error taxonomy and sends it as a non-closing error event. An unrecognized error
// is logged with its full detail server-side but reported to the client only as a generic INTERNAL_ERROR, so
// unexpected failures never leak internals over the wire.
func (h *Hub) reportError(sess room.Session, err error) {
	code := codeFor(err)
	if code == wsevent.CodeInternalError {
		h.log.Error().Err(err).Stringer("user_id", sess.UserID()).Msg("unexpected error handling event")
		h.sendError(sess, code, "an internal error occurred")
		return
	}
	h.sendError(sess, code, err.Error())
}

// codeFor maps a domain sentinel error to the fixed error-event taxonomy. Unrecognized errors are reported as
// INTERNAL_ERROR without leaking the underlying message to the client.
func codeFor(err error) wsevent.ErrorCode {
	switch {
	case errors.Is(err, message.ErrNotFound):
		return wsevent.CodeNotFound
	case errors.Is(err, authz.ErrNotFound), errors.Is(err, authz.ErrForbidden), errors.Is(err, room.ErrNotJoined),
		errors.Is(err, message.ErrNotAuthor), errors.Is(err, message.ErrNotAllowedToDel):
		return wsevent.CodeForbidden
	case errors.Is(err, message.ErrContentTooLong), errors.Is(err, message.ErrEmptyContent),
		errors.Is(err, message.ErrReplyWrongGroup), errors.Is(err, message.ErrReplyNotFound):
		return wsevent.CodeValidationError
	default:
		return wsevent.CodeInternalError
	}
}
