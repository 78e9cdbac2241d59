// Package wsevent names the JSON event envelope exchanged over the gateway's WebSocket connections and the inbound/
// outbound event type discriminators. It has no dependencies on the room, message, or presence packages so that all
// of them, and the gateway that wires them together, can import it without a cycle.
package wsevent

import "encoding/json"

// Type is an event type discriminator, carried on the wire as the envelope's "type" field.
type Type string

const (
	// Inbound, client -> server.
	JoinGroup        Type = "join_group"
	LeaveGroup       Type = "leave_group"
	SendMessage      Type = "send_message"
	TypingStart      Type = "typing_start"
	TypingStop       Type = "typing_stop"
	GetGroupMessages Type = "get_group_messages"
	GetRoomInfo      Type = "get_room_info"

	// Outbound, server -> client.
	MessageReceived    Type = "message_received"
	UserTyping         Type = "user_typing"
	UserStoppedTyping  Type = "user_stopped_typing"
	GroupMessages      Type = "group_messages"
	UserJoinedGroup    Type = "user_joined_group"
	UserLeftGroup      Type = "user_left_group"
	JoinedGroupSuccess Type = "joined_group_success"
	LeftGroupSuccess   Type = "left_group_success"
	RoomMembersUpdate  Type = "room_members_update"
	Error              Type = "error"
)

// Envelope is the wire shape of every event: a type discriminator plus a payload decoded a second time against the
// concrete struct registered for that type. Malformed JSON at this layer closes the session with a protocol error;
// an unrecognized Type is ignored rather than rejected.
type Envelope struct {
	Type Type            `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// ErrorCode is one of the error taxonomy's fixed values, carried in an Error event's payload.
type ErrorCode string

const (
	CodeValidationError ErrorCode = "VALIDATION_ERROR"
	CodeUnauthorized    ErrorCode = "UNAUTHORIZED"
	CodeForbidden       ErrorCode = "FORBIDDEN"
	CodeNotFound        ErrorCode = "NOT_FOUND"
	CodeConflict        ErrorCode = "CONFLICT"
	CodeInternalError   ErrorCode = "INTERNAL_ERROR"
)

// ErrorPayload is the data field of an Error event.
type ErrorPayload struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
}

// Encode marshals an event type and payload into a ready-to-send envelope, or a JSON-encoding error if the payload
// does not marshal (a programmer error, since every payload type here is a plain struct of marshalable fields).
func Encode(t Type, payload any) ([]byte, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Envelope{Type: t, Data: data})
}
