// Package presence tracks ephemeral, process-local state: which connections
// belong to which user, which rooms each connection subscribes to, and which
// users are currently typing per room. Nothing here is persisted.
package presence

import (
	"sort"
	"sync"
)

type connEntry struct {
	userId int
	rooms  map[int]struct{}
}

// Departure describes the cleanup performed when a connection goes away.
type Departure struct {
	UserId int
	// Rooms the user is no longer present in (no remaining connection).
	Rooms []int
	// ConnRooms is every room this connection was subscribed to, whether or
	// not the user keeps another connection there.
	ConnRooms []int
	// Rooms where the user's typing entry was cleared by the disconnect.
	TypingCleared []int
	// LastConn is true when this was the user's final live connection.
	LastConn bool
}

// Tracker is the process-wide presence component. All state is guarded by a
// single mutex; every operation on the same room is serialized, so concurrent
// typing_start/stop and join/leave never lose updates.
type Tracker struct {
	mu        sync.Mutex
	conns     map[string]*connEntry
	userConns map[int]map[string]struct{}
	roomConns map[int]map[string]struct{}
	typing    map[int]map[int]struct{}
}

func NewTracker() *Tracker {
	return &Tracker{
		conns:     make(map[string]*connEntry),
		userConns: make(map[int]map[string]struct{}),
		roomConns: make(map[int]map[string]struct{}),
		typing:    make(map[int]map[int]struct{}),
	}
}

// Connect registers a live connection for a user. It reports whether this is
// the user's first live connection, in which case the caller broadcasts a
// global "user online" notice.
func (t *Tracker) Connect(connId string, userId int) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.conns[connId]; ok {
		return false
	}

	t.conns[connId] = &connEntry{userId: userId, rooms: make(map[int]struct{})}
	if t.userConns[userId] == nil {
		t.userConns[userId] = make(map[string]struct{})
	}
	t.userConns[userId][connId] = struct{}{}

	return len(t.userConns[userId]) == 1
}

// Disconnect tears down a connection and reports what cleanup happened. It is
// idempotent: a second call for the same connection returns ok == false.
func (t *Tracker) Disconnect(connId string) (Departure, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	entry, ok := t.conns[connId]
	if !ok {
		return Departure{}, false
	}

	delete(t.conns, connId)

	userId := entry.userId
	if conns, ok := t.userConns[userId]; ok {
		delete(conns, connId)
		if len(conns) == 0 {
			delete(t.userConns, userId)
		}
	}

	dep := Departure{UserId: userId, LastConn: t.userConns[userId] == nil}

	for roomId := range entry.rooms {
		dep.ConnRooms = append(dep.ConnRooms, roomId)

		if conns, ok := t.roomConns[roomId]; ok {
			delete(conns, connId)
			if len(conns) == 0 {
				delete(t.roomConns, roomId)
			}
		}

		if !t.userInRoomLocked(userId, roomId) {
			dep.Rooms = append(dep.Rooms, roomId)
			if t.clearTypingLocked(roomId, userId) {
				dep.TypingCleared = append(dep.TypingCleared, roomId)
			}
		}
	}

	sort.Ints(dep.Rooms)
	sort.Ints(dep.ConnRooms)
	sort.Ints(dep.TypingCleared)
	return dep, true
}

// JoinRoom subscribes a connection to a room. It reports whether the user had
// no other connection in the room, in which case the caller broadcasts a
// "user joined" notice.
func (t *Tracker) JoinRoom(connId string, roomId int) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	entry, ok := t.conns[connId]
	if !ok {
		return false
	}

	first := !t.userInRoomLocked(entry.userId, roomId)
	entry.rooms[roomId] = struct{}{}
	if t.roomConns[roomId] == nil {
		t.roomConns[roomId] = make(map[string]struct{})
	}
	t.roomConns[roomId][connId] = struct{}{}

	return first
}

// LeaveRoom unsubscribes a connection from a room. It reports whether the
// user has no remaining connection in the room. Typing state for the user is
// cleared along with their last connection.
func (t *Tracker) LeaveRoom(connId string, roomId int) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	entry, ok := t.conns[connId]
	if !ok {
		return false
	}

	delete(entry.rooms, roomId)
	if conns, ok := t.roomConns[roomId]; ok {
		delete(conns, connId)
		if len(conns) == 0 {
			delete(t.roomConns, roomId)
		}
	}

	last := !t.userInRoomLocked(entry.userId, roomId)
	if last {
		t.clearTypingLocked(roomId, entry.userId)
	}

	return last
}

// MarkTyping records that a user is composing a message in a room.
// Re-marking an already typing user is a no-op.
func (t *Tracker) MarkTyping(roomId, userId int) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.typing[roomId] == nil {
		t.typing[roomId] = make(map[int]struct{})
	}
	t.typing[roomId][userId] = struct{}{}
}

// ClearTyping removes a user's typing entry. Clearing an absent entry is a
// no-op, not an error.
func (t *Tracker) ClearTyping(roomId, userId int) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.clearTypingLocked(roomId, userId)
}

// TypingUsers returns the users currently typing in a room, excluding the
// requester so a client never sees itself in its own typing list.
func (t *Tracker) TypingUsers(roomId, excludeUserId int) []int {
	t.mu.Lock()
	defer t.mu.Unlock()

	users := make([]int, 0, len(t.typing[roomId]))
	for userId := range t.typing[roomId] {
		if userId == excludeUserId {
			continue
		}
		users = append(users, userId)
	}

	sort.Ints(users)
	return users
}

// IsOnline reports whether the user has at least one live connection.
func (t *Tracker) IsOnline(userId int) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	return len(t.userConns[userId]) > 0
}

// OnlineUsers returns every user with at least one live connection.
func (t *Tracker) OnlineUsers() []int {
	t.mu.Lock()
	defer t.mu.Unlock()

	users := make([]int, 0, len(t.userConns))
	for userId := range t.userConns {
		users = append(users, userId)
	}

	sort.Ints(users)
	return users
}

// RoomUsers returns the users with at least one connection subscribed to the
// room.
func (t *Tracker) RoomUsers(roomId int) []int {
	t.mu.Lock()
	defer t.mu.Unlock()

	seen := make(map[int]struct{})
	for connId := range t.roomConns[roomId] {
		if entry, ok := t.conns[connId]; ok {
			seen[entry.userId] = struct{}{}
		}
	}

	users := make([]int, 0, len(seen))
	for userId := range seen {
		users = append(users, userId)
	}

	sort.Ints(users)
	return users
}

func (t *Tracker) userInRoomLocked(userId, roomId int) bool {
	for connId := range t.roomConns[roomId] {
		if entry, ok := t.conns[connId]; ok && entry.userId == userId {
			return true
		}
	}
	return false
}

func (t *Tracker) clearTypingLocked(roomId, userId int) bool {
	users, ok := t.typing[roomId]
	if !ok {
		return false
	}

	if _, ok := users[userId]; !ok {
		return false
	}

	delete(users, userId)
	if len(users) == 0 {
		delete(t.typing, roomId)
	}
	return true
}
