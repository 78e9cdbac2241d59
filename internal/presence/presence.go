// Package presence wraps Valkey as the shared, ephemeral-state store that
// outlives any single connection: sockets-per-user, users-per-room,
// sockets-per-user-per-room, and typing indicators. The Room Manager
// consults it for every join, leave, and typing transition; the Gateway
// consults it on connect and during the disconnect sweep. No other
// component writes these keys.
package presence

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// joinRoomScript atomically records session S's entry into group G for user U and reports the cardinality of
// user:{U}:sockets:{G} immediately before the SADD, so the caller can derive the first-join edge without a
// per-(user,group) lock.
var joinRoomScript = redis.NewScript(`
local sockets_key = KEYS[1]
local room_users_key = KEYS[2]
local user_rooms_key = KEYS[3]
local session_id = ARGV[1]
local user_id = ARGV[2]
local group_id = ARGV[3]
local sockets_ttl = tonumber(ARGV[4])
local room_users_ttl = tonumber(ARGV[5])
local user_rooms_ttl = tonumber(ARGV[6])

local before = redis.call('SCARD', sockets_key)
redis.call('SADD', sockets_key, session_id)
redis.call('EXPIRE', sockets_key, sockets_ttl)
redis.call('SADD', room_users_key, user_id)
redis.call('EXPIRE', room_users_key, room_users_ttl)
redis.call('SADD', user_rooms_key, group_id)
redis.call('EXPIRE', user_rooms_key, user_rooms_ttl)
return before
`)

// leaveRoomScript is the symmetric counterpart: it removes S from user:{U}:sockets:{G} and, if that set becomes
// empty, also removes U from room:{G}:users and G from user:{U}:rooms in the same atomic step. It returns the
// post-removal cardinality so the caller can derive the last-leave edge.
var leaveRoomScript = redis.NewScript(`
local sockets_key = KEYS[1]
local room_users_key = KEYS[2]
local user_rooms_key = KEYS[3]
local session_id = ARGV[1]
local user_id = ARGV[2]
local group_id = ARGV[3]

redis.call('SREM', sockets_key, session_id)
local remaining = redis.call('SCARD', sockets_key)
if remaining == 0 then
	redis.call('SREM', room_users_key, user_id)
	redis.call('SREM', user_rooms_key, group_id)
end
return remaining
`)

// Store reads and writes the ephemeral presence, room-membership, and typing keys in Valkey.
type Store struct {
	rdb            *redis.Client
	userSocketsTTL time.Duration
	roomUsersTTL   time.Duration
	userRoomsTTL   time.Duration
	roomSocketsTTL time.Duration
	typingTTL      time.Duration
}

// NewStore creates a Store backed by the given Valkey client. userSocketsTTL governs user:{userId}:sockets;
// roomUsersTTL governs room:{groupId}:users; userRoomsTTL governs user:{userId}:rooms; roomSocketsTTL governs
// user:{userId}:sockets:{groupId}; typingTTL governs typing:{groupId}:{userId}.
func NewStore(rdb *redis.Client, userSocketsTTL, roomUsersTTL, userRoomsTTL, roomSocketsTTL, typingTTL time.Duration) *Store {
	return &Store{
		rdb:            rdb,
		userSocketsTTL: userSocketsTTL,
		roomUsersTTL:   roomUsersTTL,
		userRoomsTTL:   userRoomsTTL,
		roomSocketsTTL: roomSocketsTTL,
		typingTTL:      typingTTL,
	}
}

// AddSocket registers session sessionID under user:{userId}:sockets, refreshing its sliding TTL. Called by the
// Gateway once per connection, at handshake success.
func (s *Store) AddSocket(ctx context.Context, userID, sessionID uuid.UUID) error {
	key := userSocketsKey(userID)
	pipe := s.rdb.Pipeline()
	pipe.SAdd(ctx, key, sessionID.String())
	pipe.Expire(ctx, key, s.userSocketsTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("add socket for user %s: %w", userID, err)
	}
	return nil
}

// RemoveSocket removes sessionID from user:{userId}:sockets. Called by the Gateway's disconnect sweep.
func (s *Store) RemoveSocket(ctx context.Context, userID, sessionID uuid.UUID) error {
	if err := s.rdb.SRem(ctx, userSocketsKey(userID), sessionID.String()).Err(); err != nil {
		return fmt.Errorf("remove socket for user %s: %w", userID, err)
	}
	return nil
}

// UserSockets returns every session id currently registered for userID, across all rooms.
func (s *Store) UserSockets(ctx context.Context, userID uuid.UUID) ([]string, error) {
	ids, err := s.rdb.SMembers(ctx, userSocketsKey(userID)).Result()
	if err != nil {
		return nil, fmt.Errorf("list sockets for user %s: %w", userID, err)
	}
	return ids, nil
}

// UserRooms returns every groupId userID is currently present in, per user:{userId}:rooms. The Gateway's disconnect
// sweep uses this to enumerate rooms to leave.
func (s *Store) UserRooms(ctx context.Context, userID uuid.UUID) ([]uuid.UUID, error) {
	raw, err := s.rdb.SMembers(ctx, userRoomsKey(userID)).Result()
	if err != nil {
		return nil, fmt.Errorf("list rooms for user %s: %w", userID, err)
	}
	return parseUUIDs(raw)
}

// RoomUsers returns every userId currently present in groupID, per room:{groupId}:users.
func (s *Store) RoomUsers(ctx context.Context, groupID uuid.UUID) ([]uuid.UUID, error) {
	raw, err := s.rdb.SMembers(ctx, roomUsersKey(groupID)).Result()
	if err != nil {
		return nil, fmt.Errorf("list users in room %s: %w", groupID, err)
	}
	return parseUUIDs(raw)
}

// RoomUserCount returns the number of distinct users present in groupID.
func (s *Store) RoomUserCount(ctx context.Context, groupID uuid.UUID) (int64, error) {
	n, err := s.rdb.SCard(ctx, roomUsersKey(groupID)).Result()
	if err != nil {
		return 0, fmt.Errorf("count users in room %s: %w", groupID, err)
	}
	return n, nil
}

// JoinRoom records session S's entry into group G for user U and reports whether this is the user's first-join:
// true when user:{U}:sockets:{G} was empty immediately before this call. The Room Manager broadcasts
// user_joined_group only when firstJoin is true.
func (s *Store) JoinRoom(ctx context.Context, userID, groupID, sessionID uuid.UUID) (firstJoin bool, err error) {
	keys := []string{userRoomSocketsKey(userID, groupID), roomUsersKey(groupID), userRoomsKey(userID)}
	before, err := joinRoomScript.Run(ctx, s.rdb, keys,
		sessionID.String(), userID.String(), groupID.String(),
		int64(s.roomSocketsTTL.Seconds()), int64(s.roomUsersTTL.Seconds()), int64(s.userRoomsTTL.Seconds()),
	).Int64()
	if err != nil {
		return false, fmt.Errorf("join room %s for user %s: %w", groupID, userID, err)
	}
	return before == 0, nil
}

// LeaveRoom removes session S from group G for user U and reports whether this was the user's last-leave: true when
// user:{U}:sockets:{G} is empty after this call. The Room Manager broadcasts user_left_group only when lastLeave is
// true.
func (s *Store) LeaveRoom(ctx context.Context, userID, groupID, sessionID uuid.UUID) (lastLeave bool, err error) {
	keys := []string{userRoomSocketsKey(userID, groupID), roomUsersKey(groupID), userRoomsKey(userID)}
	remaining, err := leaveRoomScript.Run(ctx, s.rdb, keys,
		sessionID.String(), userID.String(), groupID.String(),
	).Int64()
	if err != nil {
		return false, fmt.Errorf("leave room %s for user %s: %w", groupID, userID, err)
	}
	return remaining == 0, nil
}

// RoomSocketCount returns the number of sessions userID currently holds in groupID, the refcount the first-join/
// last-leave edge decisions are built on.
func (s *Store) RoomSocketCount(ctx context.Context, userID, groupID uuid.UUID) (int64, error) {
	n, err := s.rdb.SCard(ctx, userRoomSocketsKey(userID, groupID)).Result()
	if err != nil {
		return 0, fmt.Errorf("count sockets for user %s in room %s: %w", userID, groupID, err)
	}
	return n, nil
}

// StartTyping records that userID is typing in groupID, with a 10-second absolute TTL. Unlike a dedup key, this is
// unconditionally (re-)written: repeated starts within the window refresh the TTL and the caller re-broadcasts, per
// the typing sub-protocol's "clients coalesce" contract.
func (s *Store) StartTyping(ctx context.Context, groupID, userID uuid.UUID) error {
	if err := s.rdb.Set(ctx, typingKey(groupID, userID), "1", s.typingTTL).Err(); err != nil {
		return fmt.Errorf("start typing for user %s in room %s: %w", userID, groupID, err)
	}
	return nil
}

// StopTyping deletes the typing indicator for userID in groupID. It reports whether the key existed so the caller
// can skip broadcasting user_stopped_typing when there was nothing to clear.
func (s *Store) StopTyping(ctx context.Context, groupID, userID uuid.UUID) (existed bool, err error) {
	n, err := s.rdb.Del(ctx, typingKey(groupID, userID)).Result()
	if err != nil {
		return false, fmt.Errorf("stop typing for user %s in room %s: %w", userID, groupID, err)
	}
	return n > 0, nil
}

// ClearTypingForUser scans for every typing:*:{userID} key and deletes them, returning the groupIds that had an
// active indicator. Used by the Gateway's disconnect sweep to avoid leaving ghost typing indicators behind; the
// caller emits user_stopped_typing to each returned room.
func (s *Store) ClearTypingForUser(ctx context.Context, userID uuid.UUID) ([]uuid.UUID, error) {
	pattern := "typing:*:" + userID.String()
	keys, err := s.rdb.Keys(ctx, pattern).Result()
	if err != nil {
		return nil, fmt.Errorf("scan typing keys for user %s: %w", userID, err)
	}
	if len(keys) == 0 {
		return nil, nil
	}

	groupIDs := make([]uuid.UUID, 0, len(keys))
	for _, key := range keys {
		parts := strings.Split(key, ":")
		if len(parts) != 3 {
			continue
		}
		id, err := uuid.Parse(parts[1])
		if err != nil {
			continue
		}
		groupIDs = append(groupIDs, id)
	}

	if err := s.rdb.Del(ctx, keys...).Err(); err != nil {
		return nil, fmt.Errorf("clear typing keys for user %s: %w", userID, err)
	}
	return groupIDs, nil
}

func userSocketsKey(userID uuid.UUID) string {
	return "user:" + userID.String() + ":sockets"
}

func userRoomsKey(userID uuid.UUID) string {
	return "user:" + userID.String() + ":rooms"
}

func roomUsersKey(groupID uuid.UUID) string {
	return "room:" + groupID.String() + ":users"
}

func userRoomSocketsKey(userID, groupID uuid.UUID) string {
	return "user:" + userID.String() + ":sockets:" + groupID.String()
}

func typingKey(groupID, userID uuid.UUID) string {
	return "typing:" + groupID.String() + ":" + userID.String()
}

func parseUUIDs(raw []string) ([]uuid.UUID, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	ids := make([]uuid.UUID, 0, len(raw))
	for _, s := range raw {
		id, err := uuid.Parse(s)
		if err != nil {
			return nil, fmt.Errorf("parse uuid %q: %w", s, err)
		}
		ids = append(ids, id)
	}
	return ids, nil
}
