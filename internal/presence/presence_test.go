package presence

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

func newTestStore(t *testing.T) (*miniredis.Miniredis, *Store) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return mr, NewStore(rdb, time.Hour, 24*time.Hour, 24*time.Hour, time.Hour, 10*time.Second)
}

func TestAddSocketAndUserSockets(t *testing.T) {
	t.Parallel()
	_, store := newTestStore(t)
	ctx := context.Background()
	userID, sessionID := uuid.New(), uuid.New()

	if err := store.AddSocket(ctx, userID, sessionID); err != nil {
		t.Fatalf("AddSocket() error = %v", err)
	}

	sockets, err := store.UserSockets(ctx, userID)
	if err != nil {
		t.Fatalf("UserSockets() error = %v", err)
	}
	if len(sockets) != 1 || sockets[0] != sessionID.String() {
		t.Errorf("UserSockets() = %v, want [%s]", sockets, sessionID)
	}
}

func TestRemoveSocket(t *testing.T) {
	t.Parallel()
	_, store := newTestStore(t)
	ctx := context.Background()
	userID, sessionID := uuid.New(), uuid.New()

	if err := store.AddSocket(ctx, userID, sessionID); err != nil {
		t.Fatalf("AddSocket() error = %v", err)
	}
	if err := store.RemoveSocket(ctx, userID, sessionID); err != nil {
		t.Fatalf("RemoveSocket() error = %v", err)
	}

	sockets, err := store.UserSockets(ctx, userID)
	if err != nil {
		t.Fatalf("UserSockets() error = %v", err)
	}
	if len(sockets) != 0 {
		t.Errorf("UserSockets() = %v, want empty", sockets)
	}
}

func TestJoinRoomFirstJoinEdge(t *testing.T) {
	t.Parallel()
	_, store := newTestStore(t)
	ctx := context.Background()
	userID, groupID := uuid.New(), uuid.New()
	sessionA, sessionB := uuid.New(), uuid.New()

	firstJoin, err := store.JoinRoom(ctx, userID, groupID, sessionA)
	if err != nil {
		t.Fatalf("JoinRoom() error = %v", err)
	}
	if !firstJoin {
		t.Error("JoinRoom() first session: firstJoin = false, want true")
	}

	firstJoin, err = store.JoinRoom(ctx, userID, groupID, sessionB)
	if err != nil {
		t.Fatalf("JoinRoom() error = %v", err)
	}
	if firstJoin {
		t.Error("JoinRoom() second session for same user: firstJoin = true, want false")
	}

	users, err := store.RoomUsers(ctx, groupID)
	if err != nil {
		t.Fatalf("RoomUsers() error = %v", err)
	}
	if len(users) != 1 || users[0] != userID {
		t.Errorf("RoomUsers() = %v, want [%s]", users, userID)
	}

	rooms, err := store.UserRooms(ctx, userID)
	if err != nil {
		t.Fatalf("UserRooms() error = %v", err)
	}
	if len(rooms) != 1 || rooms[0] != groupID {
		t.Errorf("UserRooms() = %v, want [%s]", rooms, groupID)
	}

	count, err := store.RoomSocketCount(ctx, userID, groupID)
	if err != nil {
		t.Fatalf("RoomSocketCount() error = %v", err)
	}
	if count != 2 {
		t.Errorf("RoomSocketCount() = %d, want 2", count)
	}
}

func TestLeaveRoomLastLeaveEdge(t *testing.T) {
	t.Parallel()
	_, store := newTestStore(t)
	ctx := context.Background()
	userID, groupID := uuid.New(), uuid.New()
	sessionA, sessionB := uuid.New(), uuid.New()

	if _, err := store.JoinRoom(ctx, userID, groupID, sessionA); err != nil {
		t.Fatalf("JoinRoom() error = %v", err)
	}
	if _, err := store.JoinRoom(ctx, userID, groupID, sessionB); err != nil {
		t.Fatalf("JoinRoom() error = %v", err)
	}

	lastLeave, err := store.LeaveRoom(ctx, userID, groupID, sessionA)
	if err != nil {
		t.Fatalf("LeaveRoom() error = %v", err)
	}
	if lastLeave {
		t.Error("LeaveRoom() with a remaining session: lastLeave = true, want false")
	}

	lastLeave, err = store.LeaveRoom(ctx, userID, groupID, sessionB)
	if err != nil {
		t.Fatalf("LeaveRoom() error = %v", err)
	}
	if !lastLeave {
		t.Error("LeaveRoom() removing the final session: lastLeave = false, want true")
	}

	users, err := store.RoomUsers(ctx, groupID)
	if err != nil {
		t.Fatalf("RoomUsers() error = %v", err)
	}
	if len(users) != 0 {
		t.Errorf("RoomUsers() = %v, want empty after last leave", users)
	}

	rooms, err := store.UserRooms(ctx, userID)
	if err != nil {
		t.Fatalf("UserRooms() error = %v", err)
	}
	if len(rooms) != 0 {
		t.Errorf("UserRooms() = %v, want empty after last leave", rooms)
	}
}

func TestJoinRoomDifferentUsersBothFirstJoin(t *testing.T) {
	t.Parallel()
	_, store := newTestStore(t)
	ctx := context.Background()
	groupID := uuid.New()
	userA, userB := uuid.New(), uuid.New()

	firstJoin, err := store.JoinRoom(ctx, userA, groupID, uuid.New())
	if err != nil {
		t.Fatalf("JoinRoom() error = %v", err)
	}
	if !firstJoin {
		t.Error("JoinRoom() userA: firstJoin = false, want true")
	}

	firstJoin, err = store.JoinRoom(ctx, userB, groupID, uuid.New())
	if err != nil {
		t.Fatalf("JoinRoom() error = %v", err)
	}
	if !firstJoin {
		t.Error("JoinRoom() userB: firstJoin = false, want true (independent per-user refcount)")
	}

	count, err := store.RoomUserCount(ctx, groupID)
	if err != nil {
		t.Fatalf("RoomUserCount() error = %v", err)
	}
	if count != 2 {
		t.Errorf("RoomUserCount() = %d, want 2", count)
	}
}

func TestStartTypingRebroadcastsOnRefresh(t *testing.T) {
	t.Parallel()
	mr, store := newTestStore(t)
	ctx := context.Background()
	groupID, userID := uuid.New(), uuid.New()

	if err := store.StartTyping(ctx, groupID, userID); err != nil {
		t.Fatalf("StartTyping() error = %v", err)
	}

	mr.FastForward(5 * time.Second)

	// A second start within the window is unconditional (not deduplicated): it still succeeds and the TTL resets.
	if err := store.StartTyping(ctx, groupID, userID); err != nil {
		t.Fatalf("StartTyping() second call error = %v", err)
	}

	mr.FastForward(7 * time.Second)

	existed, err := store.StopTyping(ctx, groupID, userID)
	if err != nil {
		t.Fatalf("StopTyping() error = %v", err)
	}
	if !existed {
		t.Error("StopTyping() = false, want true: TTL should have been refreshed by the second StartTyping")
	}
}

func TestStopTypingWhenAbsent(t *testing.T) {
	t.Parallel()
	_, store := newTestStore(t)
	ctx := context.Background()

	existed, err := store.StopTyping(ctx, uuid.New(), uuid.New())
	if err != nil {
		t.Fatalf("StopTyping() error = %v", err)
	}
	if existed {
		t.Error("StopTyping() = true, want false for a key that was never set")
	}
}

func TestStartTypingExpires(t *testing.T) {
	t.Parallel()
	mr, store := newTestStore(t)
	ctx := context.Background()
	groupID, userID := uuid.New(), uuid.New()

	if err := store.StartTyping(ctx, groupID, userID); err != nil {
		t.Fatalf("StartTyping() error = %v", err)
	}

	mr.FastForward(11 * time.Second)

	existed, err := store.StopTyping(ctx, groupID, userID)
	if err != nil {
		t.Fatalf("StopTyping() error = %v", err)
	}
	if existed {
		t.Error("StopTyping() = true, want false after the 10s TTL elapsed")
	}
}

func TestClearTypingForUser(t *testing.T) {
	t.Parallel()
	_, store := newTestStore(t)
	ctx := context.Background()
	userID := uuid.New()
	groupA, groupB := uuid.New(), uuid.New()
	otherUser := uuid.New()

	if err := store.StartTyping(ctx, groupA, userID); err != nil {
		t.Fatalf("StartTyping() error = %v", err)
	}
	if err := store.StartTyping(ctx, groupB, userID); err != nil {
		t.Fatalf("StartTyping() error = %v", err)
	}
	if err := store.StartTyping(ctx, groupA, otherUser); err != nil {
		t.Fatalf("StartTyping() error = %v", err)
	}

	cleared, err := store.ClearTypingForUser(ctx, userID)
	if err != nil {
		t.Fatalf("ClearTypingForUser() error = %v", err)
	}
	if len(cleared) != 2 {
		t.Fatalf("ClearTypingForUser() returned %d groups, want 2", len(cleared))
	}

	existed, err := store.StopTyping(ctx, groupA, otherUser)
	if err != nil {
		t.Fatalf("StopTyping() error = %v", err)
	}
	if !existed {
		t.Error("ClearTypingForUser() should not have touched otherUser's typing indicator")
	}
}

func TestClearTypingForUserNoneActive(t *testing.T) {
	t.Parallel()
	_, store := newTestStore(t)

	cleared, err := store.ClearTypingForUser(context.Background(), uuid.New())
	if err != nil {
		t.Fatalf("ClearTypingForUser() error = %v", err)
	}
	if cleared != nil {
		t.Errorf("ClearTypingForUser() = %v, want nil", cleared)
	}
}
