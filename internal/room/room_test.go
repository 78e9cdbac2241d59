package room

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/decidr/chat-core/internal/authz"
	"github.com/decidr/chat-core/internal/group"
	"github.com/decidr/chat-core/internal/presence"
	"github.com/decidr/chat-core/internal/wsevent"
)

// fakeGroupRepo is a minimal in-memory group.Repository: every user it's told about is a member of every group.
type fakeGroupRepo struct {
	mu      sync.Mutex
	groups  map[uuid.UUID]*group.Group
	members map[[2]uuid.UUID]*group.Member
}

func newFakeGroupRepo() *fakeGroupRepo {
	return &fakeGroupRepo{groups: make(map[uuid.UUID]*group.Group), members: make(map[[2]uuid.UUID]*group.Member)}
}

func (f *fakeGroupRepo) addGroup(id uuid.UUID) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.groups[id] = &group.Group{ID: id, CreatorID: uuid.New()}
}

func (f *fakeGroupRepo) addMember(userID, groupID uuid.UUID) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.members[[2]uuid.UUID{userID, groupID}] = &group.Member{UserID: userID, GroupID: groupID, Role: group.RoleMember}
}

func (f *fakeGroupRepo) Create(context.Context, group.CreateParams) (*group.Group, error) { return nil, nil }
func (f *fakeGroupRepo) GetByID(_ context.Context, id uuid.UUID) (*group.Group, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	g, ok := f.groups[id]
	if !ok {
		return nil, group.ErrNotFound
	}
	return g, nil
}
func (f *fakeGroupRepo) Update(context.Context, uuid.UUID, string, *string, *bool) (*group.Group, error) {
	return nil, nil
}
func (f *fakeGroupRepo) Delete(context.Context, uuid.UUID) error { return nil }
func (f *fakeGroupRepo) GetMembership(_ context.Context, userID, groupID uuid.UUID) (*group.Member, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	m, ok := f.members[[2]uuid.UUID{userID, groupID}]
	if !ok {
		return nil, group.ErrMemberNotFound
	}
	return m, nil
}
func (f *fakeGroupRepo) ListMembersByGroup(context.Context, uuid.UUID) ([]group.Member, error) { return nil, nil }
func (f *fakeGroupRepo) AddMember(context.Context, uuid.UUID, uuid.UUID, group.Role) error     { return nil }
func (f *fakeGroupRepo) RemoveMember(context.Context, uuid.UUID, uuid.UUID) error               { return nil }
func (f *fakeGroupRepo) UpdateMemberRole(context.Context, uuid.UUID, uuid.UUID, group.Role) error {
	return nil
}

type receivedEvent struct {
	Type    wsevent.Type
	Payload any
}

type fakeSession struct {
	id       uuid.UUID
	userID   uuid.UUID
	userName string

	mu       sync.Mutex
	received []receivedEvent
}

func newFakeSession(userID uuid.UUID, userName string) *fakeSession {
	return &fakeSession{id: uuid.New(), userID: userID, userName: userName}
}

func (s *fakeSession) ID() uuid.UUID       { return s.id }
func (s *fakeSession) UserID() uuid.UUID   { return s.userID }
func (s *fakeSession) UserName() string    { return s.userName }
func (s *fakeSession) Send(t wsevent.Type, payload any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.received = append(s.received, receivedEvent{Type: t, Payload: payload})
}

func (s *fakeSession) events() []receivedEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]receivedEvent, len(s.received))
	copy(out, s.received)
	return out
}

func (s *fakeSession) countOf(t wsevent.Type) int {
	n := 0
	for _, e := range s.events() {
		if e.Type == t {
			n++
		}
	}
	return n
}

func newTestManager(t *testing.T) (*Manager, *fakeGroupRepo) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	store := presence.NewStore(rdb, time.Hour, 24*time.Hour, 24*time.Hour, time.Hour, 10*time.Second)
	repo := newFakeGroupRepo()
	oracle := authz.NewOracle(repo)
	return NewManager(store, oracle, zerolog.Nop()), repo
}

func TestJoinGroup_FirstJoinBroadcastsOnlyOnce(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	m, repo := newTestManager(t)

	groupID := uuid.New()
	repo.addGroup(groupID)

	alice := newFakeSession(uuid.New(), "Alice Johnson")
	bob := newFakeSession(uuid.New(), "Bob")
	repo.addMember(alice.userID, groupID)
	repo.addMember(bob.userID, groupID)

	if err := m.JoinGroup(ctx, bob, groupID); err != nil {
		t.Fatalf("bob JoinGroup() error = %v", err)
	}

	aliceSession1 := newFakeSession(alice.userID, alice.userName)
	if err := m.JoinGroup(ctx, aliceSession1, groupID); err != nil {
		t.Fatalf("alice JoinGroup() error = %v", err)
	}
	if bob.countOf(wsevent.UserJoinedGroup) != 1 {
		t.Errorf("bob received %d user_joined_group events, want 1", bob.countOf(wsevent.UserJoinedGroup))
	}
	if aliceSession1.countOf(wsevent.JoinedGroupSuccess) != 1 {
		t.Errorf("alice session1 did not receive joined_group_success")
	}

	aliceSession2 := newFakeSession(alice.userID, alice.userName)
	if err := m.JoinGroup(ctx, aliceSession2, groupID); err != nil {
		t.Fatalf("alice session2 JoinGroup() error = %v", err)
	}
	if bob.countOf(wsevent.UserJoinedGroup) != 1 {
		t.Errorf("bob received %d user_joined_group events after second alice session, want still 1", bob.countOf(wsevent.UserJoinedGroup))
	}

	// Alice's own sessions never see a user_joined_group naming themselves.
	if aliceSession1.countOf(wsevent.UserJoinedGroup) != 0 {
		t.Error("alice session1 should never receive user_joined_group for itself")
	}
}

func TestLeaveGroup_LastLeaveBroadcastsOnlyOnce(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	m, repo := newTestManager(t)

	groupID := uuid.New()
	repo.addGroup(groupID)

	aliceUserID := uuid.New()
	bobUserID := uuid.New()
	repo.addMember(aliceUserID, groupID)
	repo.addMember(bobUserID, groupID)

	bob := newFakeSession(bobUserID, "Bob")
	aliceS1 := newFakeSession(aliceUserID, "Alice")
	aliceS2 := newFakeSession(aliceUserID, "Alice")

	mustJoin := func(s *fakeSession) {
		t.Helper()
		if err := m.JoinGroup(ctx, s, groupID); err != nil {
			t.Fatalf("JoinGroup() error = %v", err)
		}
	}
	mustJoin(bob)
	mustJoin(aliceS1)
	mustJoin(aliceS2)

	m.LeaveGroup(ctx, aliceS1, groupID)
	if bob.countOf(wsevent.UserLeftGroup) != 0 {
		t.Error("bob should not see user_left_group while alice still has a live session")
	}

	m.LeaveGroup(ctx, aliceS2, groupID)
	if bob.countOf(wsevent.UserLeftGroup) != 1 {
		t.Errorf("bob received %d user_left_group events, want 1", bob.countOf(wsevent.UserLeftGroup))
	}

	// Repeating the leave for a session that already left must not double-notify.
	m.LeaveGroup(ctx, aliceS2, groupID)
	if bob.countOf(wsevent.UserLeftGroup) != 1 {
		t.Errorf("repeated LeaveGroup produced %d user_left_group events, want still 1", bob.countOf(wsevent.UserLeftGroup))
	}
	if aliceS2.countOf(wsevent.LeftGroupSuccess) != 2 {
		t.Errorf("aliceS2 should still get an ack on the repeated leave, got %d", aliceS2.countOf(wsevent.LeftGroupSuccess))
	}
}

func TestJoinGroup_ForbiddenWhenNotMember(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	m, repo := newTestManager(t)

	groupID := uuid.New()
	repo.addGroup(groupID)

	carol := newFakeSession(uuid.New(), "Carol")
	err := m.JoinGroup(ctx, carol, groupID)
	if err == nil {
		t.Fatal("JoinGroup() for a non-member should return an error")
	}
}

func TestStartTyping_RequiresJoin(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	m, repo := newTestManager(t)

	groupID := uuid.New()
	repo.addGroup(groupID)

	alice := newFakeSession(uuid.New(), "Alice")
	repo.addMember(alice.userID, groupID)

	if err := m.StartTyping(ctx, alice, groupID); err != ErrNotJoined {
		t.Fatalf("StartTyping() before join error = %v, want ErrNotJoined", err)
	}

	if err := m.JoinGroup(ctx, alice, groupID); err != nil {
		t.Fatalf("JoinGroup() error = %v", err)
	}
	if err := m.StartTyping(ctx, alice, groupID); err != nil {
		t.Fatalf("StartTyping() after join error = %v", err)
	}
}

func TestTypingBroadcastExcludesSender(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	m, repo := newTestManager(t)

	groupID := uuid.New()
	repo.addGroup(groupID)

	alice := newFakeSession(uuid.New(), "Alice")
	bob := newFakeSession(uuid.New(), "Bob")
	repo.addMember(alice.userID, groupID)
	repo.addMember(bob.userID, groupID)

	if err := m.JoinGroup(ctx, alice, groupID); err != nil {
		t.Fatalf("JoinGroup() error = %v", err)
	}
	if err := m.JoinGroup(ctx, bob, groupID); err != nil {
		t.Fatalf("JoinGroup() error = %v", err)
	}

	if err := m.StartTyping(ctx, alice, groupID); err != nil {
		t.Fatalf("StartTyping() error = %v", err)
	}

	if alice.countOf(wsevent.UserTyping) != 0 {
		t.Error("sender should not receive its own user_typing broadcast")
	}
	if bob.countOf(wsevent.UserTyping) != 1 {
		t.Errorf("bob received %d user_typing events, want 1", bob.countOf(wsevent.UserTyping))
	}
}

func TestDisconnectSweepLeavesAllRoomsAndClearsTyping(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	m, repo := newTestManager(t)

	groupA, groupB := uuid.New(), uuid.New()
	repo.addGroup(groupA)
	repo.addGroup(groupB)

	alice := newFakeSession(uuid.New(), "Alice")
	bob := newFakeSession(uuid.New(), "Bob")
	repo.addMember(alice.userID, groupA)
	repo.addMember(alice.userID, groupB)
	repo.addMember(bob.userID, groupA)
	repo.addMember(bob.userID, groupB)

	for _, g := range []uuid.UUID{groupA, groupB} {
		if err := m.JoinGroup(ctx, alice, g); err != nil {
			t.Fatalf("JoinGroup() error = %v", err)
		}
		if err := m.JoinGroup(ctx, bob, g); err != nil {
			t.Fatalf("JoinGroup() error = %v", err)
		}
	}
	if err := m.StartTyping(ctx, alice, groupA); err != nil {
		t.Fatalf("StartTyping() error = %v", err)
	}

	m.DisconnectSweep(ctx, alice)

	if bob.countOf(wsevent.UserLeftGroup) != 2 {
		t.Errorf("bob received %d user_left_group events, want 2 (one per room)", bob.countOf(wsevent.UserLeftGroup))
	}
	if bob.countOf(wsevent.UserStoppedTyping) != 1 {
		t.Errorf("bob received %d user_stopped_typing events, want 1", bob.countOf(wsevent.UserStoppedTyping))
	}
	if m.IsJoined(groupA, alice.ID()) || m.IsJoined(groupB, alice.ID()) {
		t.Error("alice's session should no longer be registered in either room after disconnect sweep")
	}

	// Idempotent: sweeping again must not double-notify.
	m.DisconnectSweep(ctx, alice)
	if bob.countOf(wsevent.UserLeftGroup) != 2 {
		t.Errorf("repeated DisconnectSweep produced %d user_left_group events, want still 2", bob.countOf(wsevent.UserLeftGroup))
	}
}
