// Package room implements the Room Manager: the in-process registry of live
// session handles per group, and the edge-triggered presence notifications
// derived from it. It is the one piece of shared mutable state on the hot
// path; every join, leave, typing transition, and broadcast passes through
// here.
package room

import (
	"context"
	"errors"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/decidr/chat-core/internal/authz"
	"github.com/decidr/chat-core/internal/presence"
	"github.com/decidr/chat-core/internal/wsevent"
)

// ErrNotJoined is returned when an operation that requires an active join (typing, in particular) is attempted by a
// session that has not joined the room. This is a stricter check than group membership.
var ErrNotJoined = errors.New("session has not joined this room")

// Session is the Room Manager's view of a live connection: enough to address it for fan-out and to attribute its
// events. The gateway's Client implements this.
type Session interface {
	ID() uuid.UUID
	UserID() uuid.UUID
	UserName() string
	// Send enqueues an event for delivery to this session. It never blocks and never returns an error; a send that
	// cannot be delivered (full queue, closed connection) is the transport's problem, not the Room Manager's, and
	// surfaces as a disconnect that triggers DisconnectSweep.
	Send(eventType wsevent.Type, payload any)
}

type roomState struct {
	mu       sync.Mutex
	sessions map[uuid.UUID]Session // sessionID -> Session
}

// Manager maintains the live-session registry per group and coordinates with the Presence Cache to derive
// first-join/last-leave edges. One Manager serves the whole process; rooms are created lazily and pruned once empty.
type Manager struct {
	mu    sync.RWMutex
	rooms map[uuid.UUID]*roomState

	presence *presence.Store
	oracle   *authz.Oracle
	log      zerolog.Logger
}

// NewManager constructs a Room Manager backed by the given Presence Cache and Authorization Oracle.
func NewManager(presenceStore *presence.Store, oracle *authz.Oracle, logger zerolog.Logger) *Manager {
	return &Manager{
		rooms:    make(map[uuid.UUID]*roomState),
		presence: presenceStore,
		oracle:   oracle,
		log:      logger.With().Str("component", "room_manager").Logger(),
	}
}

func (m *Manager) getRoom(groupID uuid.UUID) *roomState {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.rooms[groupID]
}

func (m *Manager) getOrCreateRoom(groupID uuid.UUID) *roomState {
	m.mu.RLock()
	r, ok := m.rooms[groupID]
	m.mu.RUnlock()
	if ok {
		return r
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if r, ok := m.rooms[groupID]; ok {
		return r
	}
	r = &roomState{sessions: make(map[uuid.UUID]Session)}
	m.rooms[groupID] = r
	return r
}

// pruneIfEmpty removes a room's entry once it holds no sessions, so the registry does not grow unboundedly over the
// life of a long-running process.
func (m *Manager) pruneIfEmpty(groupID uuid.UUID, r *roomState) {
	r.mu.Lock()
	empty := len(r.sessions) == 0
	r.mu.Unlock()
	if !empty {
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if current, ok := m.rooms[groupID]; ok && current == r {
		current.mu.Lock()
		stillEmpty := len(current.sessions) == 0
		current.mu.Unlock()
		if stillEmpty {
			delete(m.rooms, groupID)
		}
	}
}

// JoinGroup authorizes U's membership in groupID, registers S in the in-process registry, updates the Presence
// Cache, and broadcasts user_joined_group when this is U's first live session in the room. It always replies
// joined_group_success to S.
func (m *Manager) JoinGroup(ctx context.Context, sess Session, groupID uuid.UUID) error {
	if _, _, err := m.oracle.AssertGroupAccess(ctx, sess.UserID(), groupID); err != nil {
		return err
	}

	r := m.getOrCreateRoom(groupID)
	r.mu.Lock()
	alreadyPresent := r.sessions[sess.ID()] != nil
	priorUserSessions := countUserSessions(r, sess.UserID(), sess.ID())
	r.sessions[sess.ID()] = sess
	memberCount := len(r.sessions)
	r.mu.Unlock()

	if alreadyPresent {
		sess.Send(wsevent.JoinedGroupSuccess, JoinedGroupSuccessPayload{GroupID: groupID, MemberCount: memberCount})
		return nil
	}

	firstJoin, err := m.presence.JoinRoom(ctx, sess.UserID(), groupID, sess.ID())
	if err != nil {
		m.log.Warn().Err(err).Stringer("user_id", sess.UserID()).Stringer("group_id", groupID).
			Msg("presence cache unavailable during join, falling back to in-process refcount")
		firstJoin = priorUserSessions == 0
	}

	if firstJoin {
		r.mu.Lock()
		m.broadcastLocked(r, groupID, wsevent.UserJoinedGroup, UserJoinedGroupPayload{
			UserID:      sess.UserID(),
			UserName:    sess.UserName(),
			GroupID:     groupID,
			MemberCount: memberCount,
		}, sess.ID())
		r.mu.Unlock()
	}

	sess.Send(wsevent.JoinedGroupSuccess, JoinedGroupSuccessPayload{GroupID: groupID, MemberCount: memberCount})
	return nil
}

// LeaveGroup removes S from the in-process registry and the Presence Cache, broadcasting user_left_group when this
// was U's last live session in the room. It is idempotent: a session already absent from the registry produces no
// broadcast, only the acknowledgement.
func (m *Manager) LeaveGroup(ctx context.Context, sess Session, groupID uuid.UUID) {
	r := m.getRoom(groupID)
	if r == nil {
		sess.Send(wsevent.LeftGroupSuccess, LeftGroupSuccessPayload{GroupID: groupID, MemberCount: 0})
		return
	}

	r.mu.Lock()
	_, hadSession := r.sessions[sess.ID()]
	delete(r.sessions, sess.ID())
	memberCount := len(r.sessions)
	r.mu.Unlock()

	defer m.pruneIfEmpty(groupID, r)

	if !hadSession {
		sess.Send(wsevent.LeftGroupSuccess, LeftGroupSuccessPayload{GroupID: groupID, MemberCount: memberCount})
		return
	}

	lastLeave, err := m.presence.LeaveRoom(ctx, sess.UserID(), groupID, sess.ID())
	if err != nil {
		m.log.Warn().Err(err).Stringer("user_id", sess.UserID()).Stringer("group_id", groupID).
			Msg("presence cache unavailable during leave, falling back to in-process refcount")
		r.mu.Lock()
		lastLeave = countUserSessions(r, sess.UserID(), uuid.Nil) == 0
		r.mu.Unlock()
	}

	if lastLeave {
		r.mu.Lock()
		m.broadcastLocked(r, groupID, wsevent.UserLeftGroup, UserLeftGroupPayload{
			UserID:      sess.UserID(),
			UserName:    sess.UserName(),
			GroupID:     groupID,
			MemberCount: memberCount,
		}, sess.ID())
		r.mu.Unlock()
	}

	sess.Send(wsevent.LeftGroupSuccess, LeftGroupSuccessPayload{GroupID: groupID, MemberCount: memberCount})
}

// IsJoined reports whether sessionID is currently registered in groupID's in-process room. The Message Pipeline and
// typing handlers use this for the "joined, not merely a member" check.
func (m *Manager) IsJoined(groupID, sessionID uuid.UUID) bool {
	r := m.getRoom(groupID)
	if r == nil {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sessions[sessionID] != nil
}

// StartTyping authorizes membership, requires S to be joined, and records + (re-)broadcasts a typing indicator.
func (m *Manager) StartTyping(ctx context.Context, sess Session, groupID uuid.UUID) error {
	if _, _, err := m.oracle.AssertGroupAccess(ctx, sess.UserID(), groupID); err != nil {
		return err
	}
	if !m.IsJoined(groupID, sess.ID()) {
		return ErrNotJoined
	}

	if err := m.presence.StartTyping(ctx, groupID, sess.UserID()); err != nil {
		m.log.Warn().Err(err).Stringer("user_id", sess.UserID()).Stringer("group_id", groupID).
			Msg("presence cache unavailable, typing indicator not recorded")
	}

	m.Broadcast(groupID, wsevent.UserTyping, UserTypingPayload{
		UserID:   sess.UserID(),
		UserName: sess.UserName(),
		GroupID:  groupID,
	}, sess.ID())
	return nil
}

// StopTyping authorizes membership and clears the typing indicator, broadcasting user_stopped_typing only when an
// indicator actually existed.
func (m *Manager) StopTyping(ctx context.Context, sess Session, groupID uuid.UUID) error {
	if _, _, err := m.oracle.AssertGroupAccess(ctx, sess.UserID(), groupID); err != nil {
		return err
	}

	existed, err := m.presence.StopTyping(ctx, groupID, sess.UserID())
	if err != nil {
		m.log.Warn().Err(err).Stringer("user_id", sess.UserID()).Stringer("group_id", groupID).
			Msg("presence cache unavailable, typing indicator not cleared")
		return nil
	}
	if existed {
		m.Broadcast(groupID, wsevent.UserStoppedTyping, UserStoppedTypingPayload{
			UserID:  sess.UserID(),
			GroupID: groupID,
		}, sess.ID())
	}
	return nil
}

// RoomInfo reports the users the Presence Cache considers present in groupID. The caller is responsible for
// authorizing the request before calling this; unlike Join/Leave/Typing it performs no access check of its own,
// matching get_room_info's minimal algorithm in the wire contract.
func (m *Manager) RoomInfo(ctx context.Context, groupID uuid.UUID) RoomMembersUpdatePayload {
	onlineUserIDs, err := m.presence.RoomUsers(ctx, groupID)
	if err != nil {
		m.log.Warn().Err(err).Stringer("group_id", groupID).Msg("presence cache unavailable, reporting no online members")
		onlineUserIDs = nil
	}
	return RoomMembersUpdatePayload{
		GroupID:       groupID,
		OnlineMembers: onlineUserIDs,
		MemberCount:   len(onlineUserIDs),
	}
}

// Broadcast writes event to every live session in groupID's room except excludeSessionID (pass uuid.Nil to exclude
// none). A send failure on one session never aborts delivery to the others.
func (m *Manager) Broadcast(groupID uuid.UUID, eventType wsevent.Type, payload any, excludeSessionID uuid.UUID) {
	r := m.getRoom(groupID)
	if r == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	m.broadcastLocked(r, groupID, eventType, payload, excludeSessionID)
}

// broadcastLocked is Broadcast's body for callers that already hold r.mu (Join/Leave re-take r.mu around it after the
// presence-cache update that follows their registry change).
func (m *Manager) broadcastLocked(r *roomState, _ uuid.UUID, eventType wsevent.Type, payload any, excludeSessionID uuid.UUID) {
	for id, s := range r.sessions {
		if excludeSessionID != uuid.Nil && id == excludeSessionID {
			continue
		}
		s.Send(eventType, payload)
	}
}

// DisconnectSweep performs the Gateway's cleanup for a terminating session: it leaves every room the user's presence
// record says they are present in (plus any room the in-process registry still has this session in, covering the
// case where presence writes were skipped due to an earlier outage), clears any typing indicators left by the user,
// and removes the session from user:{userId}:sockets. It is idempotent for repeated invocation with the same
// session id, since LeaveGroup is idempotent and ClearTypingForUser is naturally so (deleting an absent key is a
// no-op).
func (m *Manager) DisconnectSweep(ctx context.Context, sess Session) {
	userID := sess.UserID()

	groupIDs, err := m.presence.UserRooms(ctx, userID)
	if err != nil {
		m.log.Warn().Err(err).Stringer("user_id", userID).Msg("presence cache unavailable during disconnect sweep")
	}
	groupIDs = append(groupIDs, m.roomsContaining(sess.ID())...)
	groupIDs = dedupeUUIDs(groupIDs)

	for _, groupID := range groupIDs {
		m.LeaveGroup(ctx, sess, groupID)
	}

	clearedGroups, err := m.presence.ClearTypingForUser(ctx, userID)
	if err != nil {
		m.log.Warn().Err(err).Stringer("user_id", userID).Msg("failed to clear typing indicators during disconnect sweep")
	}
	for _, groupID := range clearedGroups {
		m.Broadcast(groupID, wsevent.UserStoppedTyping, UserStoppedTypingPayload{UserID: userID, GroupID: groupID}, sess.ID())
	}

	if err := m.presence.RemoveSocket(ctx, userID, sess.ID()); err != nil {
		m.log.Warn().Err(err).Stringer("user_id", userID).Msg("failed to remove socket during disconnect sweep")
	}
}

func (m *Manager) roomsContaining(sessionID uuid.UUID) []uuid.UUID {
	m.mu.RLock()
	snapshot := make(map[uuid.UUID]*roomState, len(m.rooms))
	for groupID, r := range m.rooms {
		snapshot[groupID] = r
	}
	m.mu.RUnlock()

	var found []uuid.UUID
	for groupID, r := range snapshot {
		r.mu.Lock()
		_, ok := r.sessions[sessionID]
		r.mu.Unlock()
		if ok {
			found = append(found, groupID)
		}
	}
	return found
}

// countUserSessions counts sessions belonging to userID currently registered in r, excluding excludeSessionID. The
// caller must hold r.mu.
func countUserSessions(r *roomState, userID, excludeSessionID uuid.UUID) int {
	n := 0
	for id, s := range r.sessions {
		if id == excludeSessionID {
			continue
		}
		if s.UserID() == userID {
			n++
		}
	}
	return n
}

func dedupeUUIDs(ids []uuid.UUID) []uuid.UUID {
	if len(ids) < 2 {
		return ids
	}
	seen := make(map[uuid.UUID]struct{}, len(ids))
	out := ids[:0]
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

// RoomCount returns the number of rooms with at least one live session. Used by health/metrics endpoints.
func (m *Manager) RoomCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.rooms)
}
