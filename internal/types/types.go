package types

import (
	"time"
)

// RoomKind distinguishes user-created group rooms from lazily created
// 1:1 private conversations.
type RoomKind string

const (
	RoomKindGroup       RoomKind = "group"
	RoomKindPrivatePair RoomKind = "private_pair"
)

// MessageKind is the set of message payload types a room can carry.
type MessageKind string

const (
	MessageKindText   MessageKind = "text"
	MessageKindImage  MessageKind = "image"
	MessageKindFile   MessageKind = "file"
	MessageKindSystem MessageKind = "system"
)

type User struct {
	Id           int       `json:"id"`
	Username     string    `json:"username"`
	EmailAddress string    `json:"email_address,omitempty"`
	Password     string    `json:"-"`
	IsOnline     bool      `json:"is_online"`
	LastSeen     time.Time `json:"last_seen,omitempty"`
	CreatedAt    time.Time `json:"created_at,omitempty"`
	UpdatedAt    time.Time `json:"updated_at,omitempty"`
}

type Room struct {
	Id            int       `json:"id"`
	ExternalId    string    `json:"external_id"`
	Name          string    `json:"name"`
	Description   string    `json:"description,omitempty"`
	Kind          RoomKind  `json:"kind"`
	IsPrivate     bool      `json:"is_private"`
	CreatorId     int       `json:"creator_id"`
	Members       []User    `json:"members,omitempty"`
	OnlineMembers []User    `json:"online_members,omitempty"`
	MemberCount   int       `json:"member_count,omitempty"`
	CreatedAt     time.Time `json:"created_at,omitempty"`
	UpdatedAt     time.Time `json:"updated_at,omitempty"`
}

type Membership struct {
	UserId   int       `json:"user_id"`
	RoomId   int       `json:"room_id"`
	IsAdmin  bool      `json:"is_admin"`
	JoinedAt time.Time `json:"joined_at"`
}

type Message struct {
	Id        int         `json:"id"`
	RoomId    int         `json:"room_id"`
	AuthorId  int         `json:"author_id"`
	Content   string      `json:"content"`
	Kind      MessageKind `json:"kind"`
	Encrypted bool        `json:"encrypted,omitempty"`
	CreatedAt time.Time   `json:"created_at"`
	EditedAt  *time.Time  `json:"edited_at,omitempty"`
}

// Attachment describes the payload of an image or file message. It is
// serialized into the message content column.
type Attachment struct {
	Url         string `json:"url"`
	Name        string `json:"name"`
	Size        int64  `json:"size"`
	Description string `json:"description,omitempty"`
}

// MessagePage is the pagination contract for history reads: messages are
// oldest-first within the page even though pages walk backwards in time.
type MessagePage struct {
	Messages []Message `json:"messages"`
	Total    int       `json:"total"`
	Page     int       `json:"page"`
	PerPage  int       `json:"per_page"`
	HasNext  bool      `json:"has_next"`
	HasPrev  bool      `json:"has_prev"`
}
