package database

import (
	"time"

	"github.com/stretchr/testify/mock"
)

type MockChatRepository struct {
	mock.Mock
}

func (m *MockChatRepository) Ping() error {
	args := m.Called()
	return args.Error(0)
}
func (m *MockChatRepository) CreateAccount(params CreateAccountParams) (User, error) {
	args := m.Called(params)
	return args.Get(0).(User), args.Error(1)
}
func (m *MockChatRepository) UpdateAccount(params UpdateAccountParams) (User, error) {
	args := m.Called(params)
	return args.Get(0).(User), args.Error(1)
}
func (m *MockChatRepository) GetAccountById(id int) (User, error) {
	args := m.Called(id)
	return args.Get(0).(User), args.Error(1)
}
func (m *MockChatRepository) GetAccountByEmail(email string) (User, error) {
	args := m.Called(email)
	return args.Get(0).(User), args.Error(1)
}
func (m *MockChatRepository) SetAccountOnline(id int, online bool, lastSeen time.Time) error {
	args := m.Called(id, online, lastSeen)
	return args.Error(0)
}
func (m *MockChatRepository) ListOnlineAccounts() ([]User, error) {
	args := m.Called()
	return args.Get(0).([]User), args.Error(1)
}
func (m *MockChatRepository) CreateRoom(params CreateRoomParams) (Room, error) {
	args := m.Called(params)
	return args.Get(0).(Room), args.Error(1)
}
func (m *MockChatRepository) GetRoomById(id int) (Room, error) {
	args := m.Called(id)
	return args.Get(0).(Room), args.Error(1)
}
func (m *MockChatRepository) GetRoomByExternalId(externalId string) (Room, error) {
	args := m.Called(externalId)
	return args.Get(0).(Room), args.Error(1)
}
func (m *MockChatRepository) ListRoomsForUser(userId int) ([]Room, error) {
	args := m.Called(userId)
	return args.Get(0).([]Room), args.Error(1)
}
func (m *MockChatRepository) ListPublicRooms() ([]Room, error) {
	args := m.Called()
	return args.Get(0).([]Room), args.Error(1)
}
func (m *MockChatRepository) DeleteRoom(id int) error {
	args := m.Called(id)
	return args.Error(0)
}
func (m *MockChatRepository) CreateMembership(userId, roomId int, isAdmin bool) (Membership, error) {
	args := m.Called(userId, roomId, isAdmin)
	return args.Get(0).(Membership), args.Error(1)
}
func (m *MockChatRepository) GetMembership(userId, roomId int) (Membership, error) {
	args := m.Called(userId, roomId)
	return args.Get(0).(Membership), args.Error(1)
}
func (m *MockChatRepository) DeleteMembership(userId, roomId int) error {
	args := m.Called(userId, roomId)
	return args.Error(0)
}
func (m *MockChatRepository) ListMembers(roomId int) ([]User, error) {
	args := m.Called(roomId)
	return args.Get(0).([]User), args.Error(1)
}
func (m *MockChatRepository) GetPrivateRoom(userA, userB int) (Room, error) {
	args := m.Called(userA, userB)
	return args.Get(0).(Room), args.Error(1)
}
func (m *MockChatRepository) GetPrivateChatUsers(roomId int) (int, int, error) {
	args := m.Called(roomId)
	return args.Int(0), args.Int(1), args.Error(2)
}
func (m *MockChatRepository) CreatePrivateRoom(userA, userB int, externalId string) (Room, error) {
	args := m.Called(userA, userB, externalId)
	return args.Get(0).(Room), args.Error(1)
}
func (m *MockChatRepository) CreateMessage(params CreateMessageParams) (Message, error) {
	args := m.Called(params)
	return args.Get(0).(Message), args.Error(1)
}
func (m *MockChatRepository) GetMessageById(id int) (Message, error) {
	args := m.Called(id)
	return args.Get(0).(Message), args.Error(1)
}
func (m *MockChatRepository) UpdateMessageContent(id int, content string, editedAt time.Time) (Message, error) {
	args := m.Called(id, content, editedAt)
	return args.Get(0).(Message), args.Error(1)
}
func (m *MockChatRepository) SoftDeleteMessage(id int) error {
	args := m.Called(id)
	return args.Error(0)
}
func (m *MockChatRepository) ListMessages(roomId, limit, offset int) ([]Message, int, error) {
	args := m.Called(roomId, limit, offset)
	return args.Get(0).([]Message), args.Int(1), args.Error(2)
}
