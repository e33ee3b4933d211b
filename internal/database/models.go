package database

import (
	"database/sql"
	"time"
)

type User struct {
	Id           int
	Username     string
	EmailAddress string
	PasswordHash string
	IsOnline     bool
	LastSeen     sql.NullTime
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

type Room struct {
	Id           int
	ExternalId   string
	Name         string
	Description  string
	Kind         string
	IsPrivate    bool
	PasswordHash sql.NullString
	CreatorId    int
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

type Membership struct {
	Id       int
	UserId   int
	RoomId   int
	IsAdmin  bool
	JoinedAt time.Time
}

type Message struct {
	Id        int
	RoomId    int
	AuthorId  int
	Content   string
	Kind      string
	Encrypted bool
	Deleted   bool
	CreatedAt time.Time
	EditedAt  sql.NullTime
}

type CreateAccountParams struct {
	Username     string
	EmailAddress string
	PasswordHash string
}

type UpdateAccountParams struct {
	UserId       int
	Username     string
	PasswordHash string
}

type CreateRoomParams struct {
	Name         string
	Description  string
	ExternalId   string
	Kind         string
	IsPrivate    bool
	PasswordHash string
	CreatorId    int
}

type CreateMessageParams struct {
	RoomId    int
	AuthorId  int
	Content   string
	Kind      string
	Encrypted bool
	CreatedAt time.Time
}
