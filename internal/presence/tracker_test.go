package presence

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestConnectDisconnect(t *testing.T) {
	tr := NewTracker()

	first := tr.Connect("conn-1", 1)
	assert.True(t, first, "expected first connection to be reported as first")
	assert.True(t, tr.IsOnline(1), "expected user to be online after connect")

	second := tr.Connect("conn-2", 1)
	assert.False(t, second, "expected second connection not to be reported as first")

	dep, ok := tr.Disconnect("conn-1")
	assert.True(t, ok, "expected disconnect of live connection to succeed")
	assert.False(t, dep.LastConn, "expected user to remain online with a second connection")
	assert.True(t, tr.IsOnline(1), "expected user to still be online")

	dep, ok = tr.Disconnect("conn-2")
	assert.True(t, ok)
	assert.True(t, dep.LastConn, "expected final disconnect to be the last connection")
	assert.False(t, tr.IsOnline(1), "expected user to be offline after last disconnect")
}

func TestDisconnectIdempotent(t *testing.T) {
	tr := NewTracker()
	tr.Connect("conn-1", 1)

	_, ok := tr.Disconnect("conn-1")
	assert.True(t, ok)

	_, ok = tr.Disconnect("conn-1")
	assert.False(t, ok, "expected repeated disconnect to be a no-op")

	_, ok = tr.Disconnect("never-connected")
	assert.False(t, ok, "expected disconnect of unknown connection to be a no-op")
}

func TestJoinLeaveRoom(t *testing.T) {
	tr := NewTracker()
	tr.Connect("conn-1", 1)
	tr.Connect("conn-2", 1)

	first := tr.JoinRoom("conn-1", 10)
	assert.True(t, first, "expected first connection in room to be reported")
	assert.Equal(t, []int{1}, tr.RoomUsers(10), "expected user to be present in room")

	first = tr.JoinRoom("conn-2", 10)
	assert.False(t, first, "expected second connection of same user not to be first")

	last := tr.LeaveRoom("conn-1", 10)
	assert.False(t, last, "expected user to remain in room via second connection")

	last = tr.LeaveRoom("conn-2", 10)
	assert.True(t, last, "expected user to have left room after last connection left")
	assert.Empty(t, tr.RoomUsers(10), "expected room to be empty")
}

func TestDisconnectCleansRooms(t *testing.T) {
	tr := NewTracker()
	tr.Connect("conn-1", 1)
	tr.JoinRoom("conn-1", 10)
	tr.JoinRoom("conn-1", 20)
	tr.MarkTyping(10, 1)

	dep, ok := tr.Disconnect("conn-1")
	assert.True(t, ok)
	assert.Equal(t, []int{10, 20}, dep.Rooms, "expected departure from every subscribed room")
	assert.Equal(t, []int{10, 20}, dep.ConnRooms, "expected every subscription of the connection reported")
	assert.Equal(t, []int{10}, dep.TypingCleared, "expected typing entry to be cleared on disconnect")
	assert.Empty(t, tr.TypingUsers(10, 0), "expected no typing users after disconnect")
	assert.Empty(t, tr.RoomUsers(10))
	assert.Empty(t, tr.RoomUsers(20))
}

func TestDisconnectWithRemainingConnection(t *testing.T) {
	tr := NewTracker()
	tr.Connect("conn-1", 1)
	tr.Connect("conn-2", 1)
	tr.JoinRoom("conn-1", 10)
	tr.JoinRoom("conn-2", 10)

	dep, ok := tr.Disconnect("conn-1")
	assert.True(t, ok)
	assert.Equal(t, []int{10}, dep.ConnRooms, "expected the dropped connection's subscriptions reported")
	assert.Empty(t, dep.Rooms, "expected the user to stay present via the second connection")
	assert.False(t, dep.LastConn)
	assert.Equal(t, []int{1}, tr.RoomUsers(10), "expected the user still in the room")
}

func TestTyping(t *testing.T) {
	tr := NewTracker()

	tr.MarkTyping(10, 1)
	tr.MarkTyping(10, 1) // idempotent
	tr.MarkTyping(10, 2)

	assert.Equal(t, []int{2}, tr.TypingUsers(10, 1), "expected requester to be excluded from typing list")
	assert.Equal(t, []int{1, 2}, tr.TypingUsers(10, 0), "expected both users typing")

	tr.ClearTyping(10, 1)
	assert.Equal(t, []int{2}, tr.TypingUsers(10, 0))

	// clearing an absent entry is a no-op
	tr.ClearTyping(10, 99)
	tr.ClearTyping(42, 1)
	assert.Equal(t, []int{2}, tr.TypingUsers(10, 0))
}

func TestLeaveRoomClearsTyping(t *testing.T) {
	tr := NewTracker()
	tr.Connect("conn-1", 1)
	tr.JoinRoom("conn-1", 10)
	tr.MarkTyping(10, 1)

	tr.LeaveRoom("conn-1", 10)
	assert.Empty(t, tr.TypingUsers(10, 0), "expected typing entry cleared when user leaves room")
}

func TestOnlineUsers(t *testing.T) {
	tr := NewTracker()
	tr.Connect("conn-1", 3)
	tr.Connect("conn-2", 1)
	tr.Connect("conn-3", 1)

	assert.Equal(t, []int{1, 3}, tr.OnlineUsers(), "expected sorted distinct online users")
}

func TestConcurrentTyping(t *testing.T) {
	tr := NewTracker()

	var wg sync.WaitGroup
	for i := range 50 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			tr.MarkTyping(10, i)
			tr.ClearTyping(10, i)
		}()
	}
	wg.Wait()

	assert.Empty(t, tr.TypingUsers(10, 0), "expected no typing users after all cleared")
}

func TestConcurrentJoinLeave(t *testing.T) {
	tr := NewTracker()

	var wg sync.WaitGroup
	for i := range 50 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			connId := fmt.Sprintf("conn-%d", i)
			tr.Connect(connId, i)
			tr.JoinRoom(connId, 10)
		}()
	}
	wg.Wait()

	assert.Len(t, tr.RoomUsers(10), 50, "expected every user present in room")
	assert.Len(t, tr.OnlineUsers(), 50, "expected every user online")
}
