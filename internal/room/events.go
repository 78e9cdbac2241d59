package room

import "github.com/google/uuid"

// UserJoinedGroupPayload is the data field of a user_joined_group broadcast.
type UserJoinedGroupPayload struct {
	UserID      uuid.UUID `json:"userId"`
	UserName    string    `json:"userName"`
	GroupID     uuid.UUID `json:"groupId"`
	MemberCount int       `json:"memberCount"`
}

// UserLeftGroupPayload is the data field of a user_left_group broadcast.
type UserLeftGroupPayload struct {
	UserID      uuid.UUID `json:"userId"`
	UserName    string    `json:"userName"`
	GroupID     uuid.UUID `json:"groupId"`
	MemberCount int       `json:"memberCount"`
}

// JoinedGroupSuccessPayload is the data field of the joined_group_success reply.
type JoinedGroupSuccessPayload struct {
	GroupID     uuid.UUID `json:"groupId"`
	MemberCount int       `json:"memberCount"`
}

// LeftGroupSuccessPayload is the data field of the left_group_success reply.
type LeftGroupSuccessPayload struct {
	GroupID     uuid.UUID `json:"groupId"`
	MemberCount int       `json:"memberCount"`
}

// UserTypingPayload is the data field of a user_typing broadcast.
type UserTypingPayload struct {
	UserID   uuid.UUID `json:"userId"`
	UserName string    `json:"userName"`
	GroupID  uuid.UUID `json:"groupId"`
}

// UserStoppedTypingPayload is the data field of a user_stopped_typing broadcast.
type UserStoppedTypingPayload struct {
	UserID  uuid.UUID `json:"userId"`
	GroupID uuid.UUID `json:"groupId"`
}

// RoomMembersUpdatePayload is the data field of the room_members_update reply to get_room_info.
type RoomMembersUpdatePayload struct {
	GroupID       uuid.UUID   `json:"groupId"`
	OnlineMembers []uuid.UUID `json:"onlineMembers"`
	MemberCount   int         `json:"memberCount"`
}
