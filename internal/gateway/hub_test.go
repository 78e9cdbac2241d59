package gateway

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
	"github.com/decidr/chat-core/internal/message"
	"github.com/decidr/chat-core/internal/presence"
	"github.com/decidr/chat-core/internal/ratelimit"
	"github.com/decidr/chat-core/internal/room"
	"github.com/decidr/chat-core/internal/user"
	"github.com/decidr/chat-core/internal/wsevent"
)

// fakeGroupRepo is a minimal in-memory group.Repository, mirroring the pattern already used by the room and message
// packages' own test suites.
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
func (f *fakeGroupRepo) RemoveMember(context.Context, uuid.UUID, uuid.UUID) error              { return nil }
func (f *fakeGroupRepo) UpdateMemberRole(context.Context, uuid.UUID, uuid.UUID, group.Role) error {
	return nil
}

// fakeMessageRepo is a minimal in-memory message.Repository.
type fakeMessageRepo struct {
	mu       sync.Mutex
	byID     map[uuid.UUID]*message.Message
	inserted []uuid.UUID
}

func newFakeMessageRepo() *fakeMessageRepo {
	return &fakeMessageRepo{byID: make(map[uuid.UUID]*message.Message)}
}

func (r *fakeMessageRepo) Create(_ context.Context, p message.CreateParams) (*message.Message, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	msg := &message.Message{
		ID: p.ID, GroupID: p.GroupID, SenderID: p.SenderID, Type: p.Type, Content: p.Content,
		ReplyToID: p.ReplyToID, CreatedAt: time.Now(), UpdatedAt: time.Now(),
		Sender: message.Sender{ID: p.SenderID, Name: "Sender", Email: "sender@example.com"},
	}
	r.byID[p.ID] = msg
	r.inserted = append(r.inserted, p.ID)
	return msg, nil
}

func (r *fakeMessageRepo) GetByID(_ context.Context, id uuid.UUID) (*message.Message, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	msg, ok := r.byID[id]
	if !ok || msg.DeletedAt != nil {
		return nil, message.ErrNotFound
	}
	return msg, nil
}

func (r *fakeMessageRepo) ListPage(_ context.Context, groupID uuid.UUID, cursor *uuid.UUID, limit int) ([]message.Message, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []message.Message
	for i := len(r.inserted) - 1; i >= 0 && len(out) < limit; i-- {
		msg := r.byID[r.inserted[i]]
		if msg.GroupID != groupID || msg.DeletedAt != nil {
			continue
		}
		if cursor != nil && msg.ID.String() >= cursor.String() {
			continue
		}
		out = append(out, *msg)
	}
	return out, nil
}

func (r *fakeMessageRepo) UpdateContent(_ context.Context, id uuid.UUID, content string) (*message.Message, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	msg, ok := r.byID[id]
	if !ok {
		return nil, message.ErrNotFound
	}
	msg.Content = content
	return msg, nil
}

func (r *fakeMessageRepo) DeleteCascade(_ context.Context, id uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	msg, ok := r.byID[id]
	if !ok {
		return message.ErrNotFound
	}
	now := time.Now()
	msg.DeletedAt = &now
	return nil
}

// fakeUserRepo implements user.Repository; handleEvent never consults it, so an empty stub suffices.
type fakeUserRepo struct{}

func (fakeUserRepo) GetByID(context.Context, uuid.UUID) (*user.User, error) { return nil, user.ErrNotFound }
func (fakeUserRepo) ExistsByID(context.Context, uuid.UUID) (bool, error)    { return false, nil }

type receivedEvent struct {
	Type    wsevent.Type
	Payload any
}

// fakeSession implements room.Session for dispatch tests, without a real WebSocket connection.
type fakeSession struct {
	id       uuid.UUID
	userID   uuid.UUID
	userName string

	mu       sync.Mutex
	received []receivedEvent
}

func newFakeSession(userID uuid.UUID) *fakeSession {
	return &fakeSession{id: uuid.New(), userID: userID, userName: "Tester"}
}

func (s *fakeSession) ID() uuid.UUID     { return s.id }
func (s *fakeSession) UserID() uuid.UUID { return s.userID }
func (s *fakeSession) UserName() string  { return s.userName }
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

func (s *fakeSession) last() *receivedEvent {
	evts := s.events()
	if len(evts) == 0 {
		return nil
	}
	return &evts[len(evts)-1]
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

func newTestHub(t *testing.T, joinPerMinute, sendPerMinute, typingPerMinute int) (*Hub, *fakeGroupRepo) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	groups := newFakeGroupRepo()
	oracle := authz.NewOracle(groups)
	presenceStore := presence.NewStore(rdb, time.Hour, 24*time.Hour, 24*time.Hour, time.Hour, 10*time.Second)
	rooms := room.NewManager(presenceStore, oracle, zerolog.Nop())
	pipeline := message.NewPipeline(newFakeMessageRepo(), oracle, rooms, groups, 2000, 50, 100, zerolog.Nop())
	limiter, err := ratelimit.New(rdb, joinPerMinute, sendPerMinute, typingPerMinute)
	if err != nil {
		t.Fatalf("ratelimit.New() error = %v", err)
	}

	hub := NewHub(nil, fakeUserRepo{}, oracle, rooms, pipeline, presenceStore, limiter, 16, zerolog.Nop())
	return hub, groups
}

func envelope(t *testing.T, eventType wsevent.Type, data any) []byte {
	t.Helper()
	raw, err := wsevent.Encode(eventType, data)
	if err != nil {
		t.Fatalf("wsevent.Encode() error = %v", err)
	}
	return raw
}

func TestHandleEvent_MalformedJSONSignalsClose(t *testing.T) {
	t.Parallel()
	hub, _ := newTestHub(t, 60, 60, 60)
	sess := newFakeSession(uuid.New())

	if malformed := hub.handleEvent(context.Background(), sess, []byte("not json")); !malformed {
		t.Fatal("handleEvent() malformed = false, want true")
	}
}

func TestHandleEvent_UnknownTypeIgnoredSilently(t *testing.T) {
	t.Parallel()
	hub, _ := newTestHub(t, 60, 60, 60)
	sess := newFakeSession(uuid.New())

	raw := envelope(t, wsevent.Type("something_else"), map[string]string{})
	if malformed := hub.handleEvent(context.Background(), sess, raw); malformed {
		t.Fatal("handleEvent() malformed = true, want false")
	}
	if len(sess.events()) != 0 {
		t.Fatalf("events = %v, want none", sess.events())
	}
}

func TestHandleEvent_JoinGroupForbiddenEmitsNonClosingError(t *testing.T) {
	t.Parallel()
	hub, groups := newTestHub(t, 60, 60, 60)
	groupID := uuid.New()
	groups.addGroup(groupID)

	sess := newFakeSession(uuid.New())
	raw := envelope(t, wsevent.JoinGroup, map[string]uuid.UUID{"groupId": groupID})

	if malformed := hub.handleEvent(context.Background(), sess, raw); malformed {
		t.Fatal("handleEvent() malformed = true, want false")
	}

	last := sess.last()
	if last == nil || last.Type != wsevent.Error {
		t.Fatalf("last event = %+v, want an error event", last)
	}
	payload, ok := last.Payload.(wsevent.ErrorPayload)
	if !ok || payload.Code != wsevent.CodeForbidden {
		t.Errorf("error payload = %+v, want FORBIDDEN", last.Payload)
	}
}

func TestHandleEvent_JoinThenSendBroadcastsToSender(t *testing.T) {
	t.Parallel()
	hub, groups := newTestHub(t, 60, 60, 60)
	groupID := uuid.New()
	groups.addGroup(groupID)

	userID := uuid.New()
	groups.addMember(userID, groupID)
	sess := newFakeSession(userID)

	joinRaw := envelope(t, wsevent.JoinGroup, map[string]uuid.UUID{"groupId": groupID})
	hub.handleEvent(context.Background(), sess, joinRaw)
	if sess.countOf(wsevent.JoinedGroupSuccess) != 1 {
		t.Fatalf("expected one joined_group_success, got events %v", sess.events())
	}

	sendRaw := envelope(t, wsevent.SendMessage, map[string]any{"groupId": groupID, "content": "hello"})
	hub.handleEvent(context.Background(), sess, sendRaw)

	if sess.countOf(wsevent.MessageReceived) != 1 {
		t.Fatalf("expected one message_received, got events %v", sess.events())
	}
}

func TestHandleEvent_SendWithoutJoinIsForbidden(t *testing.T) {
	t.Parallel()
	hub, groups := newTestHub(t, 60, 60, 60)
	groupID := uuid.New()
	groups.addGroup(groupID)

	userID := uuid.New()
	groups.addMember(userID, groupID)
	sess := newFakeSession(userID)

	sendRaw := envelope(t, wsevent.SendMessage, map[string]any{"groupId": groupID, "content": "hello"})
	hub.handleEvent(context.Background(), sess, sendRaw)

	last := sess.last()
	if last == nil || last.Type != wsevent.Error {
		t.Fatalf("last event = %+v, want an error event", last)
	}
	payload, ok := last.Payload.(wsevent.ErrorPayload)
	if !ok || payload.Code != wsevent.CodeForbidden {
		t.Errorf("error payload = %+v, want FORBIDDEN", last.Payload)
	}
}

func TestHandleEvent_TypingStartAndStopRoundtrip(t *testing.T) {
	t.Parallel()
	hub, groups := newTestHub(t, 60, 60, 60)
	groupID := uuid.New()
	groups.addGroup(groupID)

	alice := newFakeSession(uuid.New())
	bob := newFakeSession(uuid.New())
	groups.addMember(alice.userID, groupID)
	groups.addMember(bob.userID, groupID)

	joinRaw := envelope(t, wsevent.JoinGroup, map[string]uuid.UUID{"groupId": groupID})
	hub.handleEvent(context.Background(), alice, joinRaw)
	hub.handleEvent(context.Background(), bob, joinRaw)

	startRaw := envelope(t, wsevent.TypingStart, map[string]uuid.UUID{"groupId": groupID})
	hub.handleEvent(context.Background(), alice, startRaw)
	if bob.countOf(wsevent.UserTyping) != 1 {
		t.Errorf("bob received %d user_typing events, want 1", bob.countOf(wsevent.UserTyping))
	}
	if alice.countOf(wsevent.UserTyping) != 0 {
		t.Error("sender should never see its own user_typing broadcast")
	}

	stopRaw := envelope(t, wsevent.TypingStop, map[string]uuid.UUID{"groupId": groupID})
	hub.handleEvent(context.Background(), alice, stopRaw)
	if bob.countOf(wsevent.UserStoppedTyping) != 1 {
		t.Errorf("bob received %d user_stopped_typing events, want 1", bob.countOf(wsevent.UserStoppedTyping))
	}
}

func TestHandleEvent_GetGroupMessagesReturnsPage(t *testing.T) {
	t.Parallel()
	hub, groups := newTestHub(t, 60, 60, 60)
	groupID := uuid.New()
	groups.addGroup(groupID)

	userID := uuid.New()
	groups.addMember(userID, groupID)
	sess := newFakeSession(userID)

	joinRaw := envelope(t, wsevent.JoinGroup, map[string]uuid.UUID{"groupId": groupID})
	hub.handleEvent(context.Background(), sess, joinRaw)

	for i := 0; i < 3; i++ {
		sendRaw := envelope(t, wsevent.SendMessage, map[string]any{"groupId": groupID, "content": "hi"})
		hub.handleEvent(context.Background(), sess, sendRaw)
	}

	historyRaw := envelope(t, wsevent.GetGroupMessages, map[string]any{"groupId": groupID, "limit": 10})
	hub.handleEvent(context.Background(), sess, historyRaw)

	last := sess.last()
	if last == nil || last.Type != wsevent.GroupMessages {
		t.Fatalf("last event = %+v, want group_messages", last)
	}
	payload, ok := last.Payload.(groupMessagesPayload)
	if !ok {
		t.Fatalf("payload type = %T, want groupMessagesPayload", last.Payload)
	}
	if len(payload.Messages) != 3 {
		t.Errorf("Messages length = %d, want 3", len(payload.Messages))
	}
	if payload.HasNextPage {
		t.Error("HasNextPage = true, want false")
	}
}

func TestHandleEvent_GetRoomInfoRequiresMembership(t *testing.T) {
	t.Parallel()
	hub, groups := newTestHub(t, 60, 60, 60)
	groupID := uuid.New()
	groups.addGroup(groupID)

	sess := newFakeSession(uuid.New())
	raw := envelope(t, wsevent.GetRoomInfo, map[string]uuid.UUID{"groupId": groupID})
	hub.handleEvent(context.Background(), sess, raw)

	last := sess.last()
	if last == nil || last.Type != wsevent.Error {
		t.Fatalf("last event = %+v, want an error event", last)
	}
}

func TestHandleEvent_RateLimitExceededEmitsNonClosingError(t *testing.T) {
	t.Parallel()
	hub, groups := newTestHub(t, 1, 60, 60)

	groupID := uuid.New()
	groups.addGroup(groupID)
	userID := uuid.New()
	groups.addMember(userID, groupID)

	raw := envelope(t, wsevent.JoinGroup, map[string]uuid.UUID{"groupId": groupID})

	first := newFakeSession(userID)
	hub.handleEvent(context.Background(), first, raw)
	if first.countOf(wsevent.JoinedGroupSuccess) != 1 {
		t.Fatalf("first join should succeed, got events %v", first.events())
	}

	second := newFakeSession(userID)
	hub.handleEvent(context.Background(), second, raw)

	last := second.last()
	if last == nil || last.Type != wsevent.Error {
		t.Fatalf("last event = %+v, want a rate-limit error event", last)
	}
	payload, ok := last.Payload.(wsevent.ErrorPayload)
	if !ok || payload.Code != wsevent.CodeForbidden {
		t.Errorf("error payload = %+v, want FORBIDDEN", last.Payload)
	}
}

func TestHandleEvent_LeaveGroupIsIdempotent(t *testing.T) {
	t.Parallel()
	hub, groups := newTestHub(t, 60, 60, 60)
	groupID := uuid.New()
	groups.addGroup(groupID)

	sess := newFakeSession(uuid.New())
	groups.addMember(sess.userID, groupID)

	joinRaw := envelope(t, wsevent.JoinGroup, map[string]uuid.UUID{"groupId": groupID})
	hub.handleEvent(context.Background(), sess, joinRaw)

	leaveRaw := envelope(t, wsevent.LeaveGroup, map[string]uuid.UUID{"groupId": groupID})
	hub.handleEvent(context.Background(), sess, leaveRaw)
	hub.handleEvent(context.Background(), sess, leaveRaw)

	if sess.countOf(wsevent.LeftGroupSuccess) != 2 {
		t.Errorf("expected two leave acks, got events %v", sess.events())
	}
}
