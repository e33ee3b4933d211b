package database

import "time"

type ChatRepository interface {
	Ping() error

	CreateAccount(params CreateAccountParams) (User, error)
	UpdateAccount(params UpdateAccountParams) (User, error)
	GetAccountById(id int) (User, error)
	GetAccountByEmail(email string) (User, error)
	SetAccountOnline(id int, online bool, lastSeen time.Time) error
	ListOnlineAccounts() ([]User, error)

	CreateRoom(params CreateRoomParams) (Room, error)
	GetRoomById(id int) (Room, error)
	GetRoomByExternalId(externalId string) (Room, error)
	ListRoomsForUser(userId int) ([]Room, error)
	ListPublicRooms() ([]Room, error)
	DeleteRoom(id int) error

	CreateMembership(userId, roomId int, isAdmin bool) (Membership, error)
	GetMembership(userId, roomId int) (Membership, error)
	DeleteMembership(userId, roomId int) error
	ListMembers(roomId int) ([]User, error)

	GetPrivateRoom(userA, userB int) (Room, error)
	GetPrivateChatUsers(roomId int) (int, int, error)
	CreatePrivateRoom(userA, userB int, externalId string) (Room, error)

	CreateMessage(params CreateMessageParams) (Message, error)
	GetMessageById(id int) (Message, error)
	UpdateMessageContent(id int, content string, editedAt time.Time) (Message, error)
	SoftDeleteMessage(id int) error
	ListMessages(roomId, limit, offset int) ([]Message, int, error)
}
