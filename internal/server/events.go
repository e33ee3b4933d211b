package server

import (
	"time"

	"github.com/huddlechat/huddle/internal/types"
)

type BaseEvent struct {
	Id        int       `json:"id,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// ClientEvent is the tagged union of everything a connection may send.
// Exactly one payload pointer is set per event.
type ClientEvent struct {
	BaseEvent
	JoinRoom    *JoinRoom    `json:"join_room,omitempty"`
	LeaveRoom   *LeaveRoom   `json:"leave_room,omitempty"`
	SendMessage *SendMessage `json:"send_message,omitempty"`
	TypingStart *Typing      `json:"typing_start,omitempty"`
	TypingStop  *Typing      `json:"typing_stop,omitempty"`
	Heartbeat   *Heartbeat   `json:"heartbeat,omitempty"`
	UserId      int          `json:"-"`
	client      *Client      `json:"-"`
	// detach marks a server-originated leave caused by a dropped
	// connection. Membership is untouched and no reply is sent.
	detach bool `json:"-"`
}

type JoinRoom struct {
	RoomId   int    `json:"room_id"`
	Password string `json:"password,omitempty"`
}

type LeaveRoom struct {
	RoomId int `json:"room_id"`
}

type SendMessage struct {
	RoomId     int               `json:"room_id"`
	Kind       string            `json:"kind,omitempty"`
	Content    string            `json:"content"`
	Attachment *types.Attachment `json:"attachment,omitempty"`
}

type Typing struct {
	RoomId int `json:"room_id"`
}

type Heartbeat struct{}

// ServerEvent is the tagged union of everything the server pushes to a
// connection.
type ServerEvent struct {
	BaseEvent
	RoomJoined       *RoomJoined       `json:"room_joined,omitempty"`
	UserJoined       *UserJoined       `json:"user_joined,omitempty"`
	UserLeft         *UserLeft         `json:"user_left,omitempty"`
	NewMessage       *types.Message    `json:"new_message,omitempty"`
	MessageEdited    *types.Message    `json:"message_edited,omitempty"`
	MessageDeleted   *MessageDeleted   `json:"message_deleted,omitempty"`
	TypingUpdate     *TypingUpdate     `json:"typing_update,omitempty"`
	UserStatusUpdate *UserStatusUpdate `json:"user_status_update,omitempty"`
	RoomDeleted      *RoomDeleted      `json:"room_deleted,omitempty"`
	Pong             *Pong             `json:"pong,omitempty"`
	Error            *ErrorEvent       `json:"error,omitempty"`
	SkipClient       *Client           `json:"-"`
}

type RoomJoined struct {
	Room        types.Room   `json:"room"`
	OnlineUsers []types.User `json:"online_users"`
}

type UserJoined struct {
	RoomId int        `json:"room_id"`
	User   types.User `json:"user"`
}

type UserLeft struct {
	RoomId int `json:"room_id"`
	UserId int `json:"user_id"`
}

type MessageDeleted struct {
	RoomId    int `json:"room_id"`
	MessageId int `json:"message_id"`
}

type TypingUpdate struct {
	RoomId  int   `json:"room_id"`
	UserIds []int `json:"user_ids"`
}

type UserStatusUpdate struct {
	UserId int  `json:"user_id"`
	Online bool `json:"online"`
}

type RoomDeleted struct {
	RoomId int `json:"room_id"`
}

type Pong struct{}

type ErrorEvent struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ErrEvent wraps a service error into an error event carrying the stable
// wire code for the failure.
func ErrEvent(id int, err error) *ServerEvent {
	return &ServerEvent{
		BaseEvent: BaseEvent{
			Id:        id,
			Timestamp: Now(),
		},
		Error: &ErrorEvent{
			Code:    types.ErrorCode(err),
			Message: err.Error(),
		},
	}
}

func ErrInvalidEvent(id int) *ServerEvent {
	ev := &ServerEvent{
		BaseEvent: BaseEvent{
			Timestamp: Now(),
		},
		Error: &ErrorEvent{
			Code:    "invalid_event",
			Message: "invalid event format",
		},
	}

	if id > 0 {
		ev.Id = id
	}
	return ev
}

func ErrRoomNotJoined(id int) *ServerEvent {
	return &ServerEvent{
		BaseEvent: BaseEvent{
			Id:        id,
			Timestamp: Now(),
		},
		Error: &ErrorEvent{
			Code:    "not_a_member",
			Message: "room not joined on this connection",
		},
	}
}

func ErrServiceUnavailable(id int) *ServerEvent {
	return &ServerEvent{
		BaseEvent: BaseEvent{
			Id:        id,
			Timestamp: Now(),
		},
		Error: &ErrorEvent{
			Code:    "unavailable",
			Message: "service unavailable",
		},
	}
}

func Now() time.Time {
	return time.Now().UTC().Round(time.Millisecond)
}
