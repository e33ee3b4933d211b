package server

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"

	"github.com/huddlechat/huddle/internal/database"
	"github.com/huddlechat/huddle/internal/membership"
	"github.com/huddlechat/huddle/internal/messages"
	"github.com/huddlechat/huddle/internal/presence"
	"github.com/huddlechat/huddle/internal/stats"
	"github.com/huddlechat/huddle/internal/testutil"
	"github.com/huddlechat/huddle/internal/types"
)

// newTestChatServer creates a ChatServer wired to mocks for testing.
func newTestChatServer(t *testing.T, db database.ChatRepository, su *stats.MockStatsUpdater) *ChatServer {
	t.Helper()

	su.On("RegisterMetric", mock.Anything).Return(nil).Times(4)

	logger := testutil.TestLogger(t)
	tracker := presence.NewTracker()
	ms, err := membership.NewService(logger, db, tracker)
	if err != nil {
		t.Fatalf("failed to create membership service: %v", err)
	}

	cs, err := NewChatServer(logger, db, ms, messages.NewStore(logger, db), tracker, su)
	if err != nil {
		t.Fatalf("failed to create test ChatServer: %v", err)
	}
	return cs
}

func TestNewChatServer(t *testing.T) {
	db := &database.MockChatRepository{}
	defer db.AssertExpectations(t)

	su := &stats.MockStatsUpdater{}
	defer su.AssertExpectations(t)

	cs := newTestChatServer(t, db, su)
	assert.NotNil(t, cs.joinChan, "expected joinChan to be initialized")
	assert.NotNil(t, cs.registerChan, "expected registerChan to be initialized")
	assert.NotNil(t, cs.appendChan, "expected appendChan to be initialized")
	assert.NotNil(t, cs.unloadRoomChan, "expected unloadRoomChan to be initialized")
	assert.NotNil(t, cs.stop, "expected stop channel to be initialized")
	assert.NotNil(t, cs.clients, "expected clients map to be initialized")
	assert.NotNil(t, cs.rooms, "expected rooms map to be initialized")
}

func TestChatServerShutdown(t *testing.T) {
	t.Run("successful shutdown", func(t *testing.T) {
		cs := newTestChatServer(t, &database.MockChatRepository{}, &stats.MockStatsUpdater{})

		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()

		go func() {
			select {
			case req := <-cs.stop:
				assert.NotNil(t, req.done, "expected done channel in stop request")
				close(req.done)
			case <-time.After(100 * time.Millisecond):
				t.Error("expected signal on stop chan")
			}
		}()

		err := cs.Shutdown(ctx)
		assert.NoError(t, err, "expected successful shutdown without error")
	})

	t.Run("fails with context deadline exceeded", func(t *testing.T) {
		cs := newTestChatServer(t, &database.MockChatRepository{}, &stats.MockStatsUpdater{})

		ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		defer cancel()

		// nothing drains cs.stop, so Shutdown must give up
		err := cs.Shutdown(ctx)
		assert.ErrorIs(t, err, context.DeadlineExceeded)
	})
}

func TestRegisterClient(t *testing.T) {
	t.Run("first connection marks user online", func(t *testing.T) {
		db := &database.MockChatRepository{}
		defer db.AssertExpectations(t)
		su := &stats.MockStatsUpdater{}
		defer su.AssertExpectations(t)

		cs := newTestChatServer(t, db, su)

		su.On("Incr", stats.NumActiveClients).Return()
		su.On("Incr", stats.NumOnlineUsers).Return()
		db.On("SetAccountOnline", 1, true, mock.AnythingOfType("time.Time")).Return(nil)

		observer := &Client{
			connId: "observer-conn",
			user:   types.User{Id: 9, Username: "observer"},
			send:   make(chan *ServerEvent, 1),
			log:    testutil.TestLogger(t),
		}
		cs.clients[observer] = struct{}{}

		c := &Client{
			connId: "conn-1",
			user:   types.User{Id: 1, Username: "alice"},
			send:   make(chan *ServerEvent, 1),
			log:    testutil.TestLogger(t),
		}
		cs.registerClient(c)

		assert.Contains(t, cs.clients, c, "expected client to be tracked")
		select {
		case ev := <-observer.send:
			assert.NotNil(t, ev.UserStatusUpdate, "expected a status update event")
			assert.Equal(t, 1, ev.UserStatusUpdate.UserId)
			assert.True(t, ev.UserStatusUpdate.Online)
		default:
			t.Error("expected observer to be notified that the user came online")
		}
	})

	t.Run("second connection is silent", func(t *testing.T) {
		db := &database.MockChatRepository{}
		defer db.AssertExpectations(t)
		su := &stats.MockStatsUpdater{}
		defer su.AssertExpectations(t)

		cs := newTestChatServer(t, db, su)

		su.On("Incr", stats.NumActiveClients).Return().Times(2)
		su.On("Incr", stats.NumOnlineUsers).Return().Once()
		db.On("SetAccountOnline", 1, true, mock.AnythingOfType("time.Time")).Return(nil).Once()

		observer := &Client{
			connId: "observer-conn",
			user:   types.User{Id: 9, Username: "observer"},
			send:   make(chan *ServerEvent, 2),
			log:    testutil.TestLogger(t),
		}
		cs.clients[observer] = struct{}{}

		for _, connId := range []string{"conn-1", "conn-2"} {
			c := &Client{
				connId: connId,
				user:   types.User{Id: 1, Username: "alice"},
				send:   make(chan *ServerEvent, 1),
				log:    testutil.TestLogger(t),
			}
			cs.registerClient(c)
		}

		assert.Len(t, observer.send, 1, "expected exactly one online notice for two connections")
	})
}

func TestDeRegisterClient(t *testing.T) {
	t.Run("last connection marks user offline", func(t *testing.T) {
		db := &database.MockChatRepository{}
		defer db.AssertExpectations(t)
		su := &stats.MockStatsUpdater{}
		defer su.AssertExpectations(t)

		cs := newTestChatServer(t, db, su)

		su.On("Incr", stats.NumActiveClients).Return()
		su.On("Incr", stats.NumOnlineUsers).Return()
		su.On("Decr", stats.NumActiveClients).Return()
		su.On("Decr", stats.NumOnlineUsers).Return()
		db.On("SetAccountOnline", 1, true, mock.AnythingOfType("time.Time")).Return(nil)
		db.On("SetAccountOnline", 1, false, mock.AnythingOfType("time.Time")).Return(nil)

		observer := &Client{
			connId: "observer-conn",
			user:   types.User{Id: 9, Username: "observer"},
			send:   make(chan *ServerEvent, 4),
			log:    testutil.TestLogger(t),
		}
		cs.clients[observer] = struct{}{}

		c := &Client{
			connId: "conn-1",
			user:   types.User{Id: 1, Username: "alice"},
			send:   make(chan *ServerEvent, 1),
			log:    testutil.TestLogger(t),
		}
		cs.registerClient(c)
		cs.deRegisterClient(c)

		assert.NotContains(t, cs.clients, c, "expected client to be removed")

		var sawOffline bool
		for len(observer.send) > 0 {
			ev := <-observer.send
			if ev.UserStatusUpdate != nil && !ev.UserStatusUpdate.Online {
				sawOffline = true
			}
		}
		assert.True(t, sawOffline, "expected an offline status update")
	})

	t.Run("unknown client is a no-op", func(t *testing.T) {
		db := &database.MockChatRepository{}
		defer db.AssertExpectations(t)
		su := &stats.MockStatsUpdater{}
		defer su.AssertExpectations(t)

		cs := newTestChatServer(t, db, su)

		c := &Client{
			connId: "ghost",
			user:   types.User{Id: 1},
			send:   make(chan *ServerEvent, 1),
			log:    testutil.TestLogger(t),
		}
		cs.deRegisterClient(c)
	})

	t.Run("detaches dropped connection from joined rooms", func(t *testing.T) {
		db := &database.MockChatRepository{}
		defer db.AssertExpectations(t)
		su := &stats.MockStatsUpdater{}
		defer su.AssertExpectations(t)

		cs := newTestChatServer(t, db, su)

		su.On("Incr", mock.Anything).Return()
		su.On("Decr", mock.Anything).Return()
		db.On("SetAccountOnline", 1, true, mock.AnythingOfType("time.Time")).Return(nil)
		db.On("SetAccountOnline", 1, false, mock.AnythingOfType("time.Time")).Return(nil)

		room := &Room{
			id:        10,
			leaveChan: make(chan *ClientEvent, 1),
		}
		cs.rooms[10] = room

		c := &Client{
			connId: "conn-1",
			user:   types.User{Id: 1, Username: "alice"},
			send:   make(chan *ServerEvent, 1),
			log:    testutil.TestLogger(t),
		}
		cs.registerClient(c)
		cs.presence.JoinRoom(c.connId, 10)

		cs.deRegisterClient(c)

		select {
		case ev := <-room.leaveChan:
			assert.True(t, ev.detach, "expected a detach leave, not a membership leave")
			assert.Equal(t, 1, ev.UserId)
		default:
			t.Error("expected room actor to receive a detach leave")
		}
	})

	t.Run("detaches a duplicate connection while the user stays", func(t *testing.T) {
		db := &database.MockChatRepository{}
		defer db.AssertExpectations(t)
		su := &stats.MockStatsUpdater{}
		defer su.AssertExpectations(t)

		cs := newTestChatServer(t, db, su)

		su.On("Incr", mock.Anything).Return()
		su.On("Decr", stats.NumActiveClients).Return()
		db.On("SetAccountOnline", 1, true, mock.AnythingOfType("time.Time")).Return(nil).Once()

		room := &Room{
			id:        10,
			leaveChan: make(chan *ClientEvent, 1),
		}
		cs.rooms[10] = room

		c1 := &Client{
			connId: "conn-1",
			user:   types.User{Id: 1, Username: "alice"},
			send:   make(chan *ServerEvent, 1),
			log:    testutil.TestLogger(t),
		}
		c2 := &Client{
			connId: "conn-2",
			user:   types.User{Id: 1, Username: "alice"},
			send:   make(chan *ServerEvent, 1),
			log:    testutil.TestLogger(t),
		}
		cs.registerClient(c1)
		cs.registerClient(c2)
		cs.presence.JoinRoom(c1.connId, 10)
		cs.presence.JoinRoom(c2.connId, 10)

		cs.deRegisterClient(c1)

		// the room must still drop the dead client even though the user
		// remains present through conn-2
		select {
		case ev := <-room.leaveChan:
			assert.True(t, ev.detach)
			assert.Same(t, c1, ev.client, "expected the dropped connection's client in the detach")
		default:
			t.Error("expected a detach leave for the dead connection")
		}

		assert.Equal(t, []int{1}, cs.presence.RoomUsers(10), "expected the user still in the room")
		db.AssertNotCalled(t, "SetAccountOnline", 1, false, mock.AnythingOfType("time.Time"))
	})
}

func TestNotifyRoom(t *testing.T) {
	cs := newTestChatServer(t, &database.MockChatRepository{}, &stats.MockStatsUpdater{})

	cs.NotifyRoom(10, &ServerEvent{
		MessageDeleted: &MessageDeleted{RoomId: 10, MessageId: 5},
	})

	select {
	case n := <-cs.notifyRoomChan:
		assert.Equal(t, 10, n.roomId)
		assert.NotNil(t, n.event.MessageDeleted)
	default:
		t.Error("expected a queued room notification")
	}
}

func Test_handleRoomRequest(t *testing.T) {
	t.Run("send to a loaded room goes to its message channel", func(t *testing.T) {
		db := &database.MockChatRepository{}
		defer db.AssertExpectations(t)
		su := &stats.MockStatsUpdater{}
		defer su.AssertExpectations(t)

		cs := newTestChatServer(t, db, su)
		room := newTestRoom(t, cs)

		c := newTestClient(t, "conn-1", types.User{Id: 1, Username: "alice"})
		ev := &ClientEvent{
			BaseEvent:   BaseEvent{Id: 4, Timestamp: Now()},
			SendMessage: &SendMessage{RoomId: 10, Content: "hi"},
			UserId:      1,
			client:      c,
		}
		cs.handleRoomRequest(ev)

		select {
		case got := <-room.clientMsgChan:
			assert.Same(t, ev, got, "expected the send routed to the room actor")
		default:
			t.Error("expected the event on the room's message channel")
		}
	})

	t.Run("join goes to the join channel", func(t *testing.T) {
		db := &database.MockChatRepository{}
		defer db.AssertExpectations(t)
		su := &stats.MockStatsUpdater{}
		defer su.AssertExpectations(t)

		cs := newTestChatServer(t, db, su)
		room := newTestRoom(t, cs)

		c := newTestClient(t, "conn-1", types.User{Id: 1, Username: "alice"})
		ev := &ClientEvent{
			BaseEvent: BaseEvent{Id: 5, Timestamp: Now()},
			JoinRoom:  &JoinRoom{RoomId: 10},
			UserId:    1,
			client:    c,
		}
		cs.handleRoomRequest(ev)

		select {
		case got := <-room.joinChan:
			assert.Same(t, ev, got)
		default:
			t.Error("expected the event on the room's join channel")
		}
	})

	t.Run("unknown room reports the lookup failure", func(t *testing.T) {
		db := &database.MockChatRepository{}
		defer db.AssertExpectations(t)
		su := &stats.MockStatsUpdater{}
		defer su.AssertExpectations(t)

		cs := newTestChatServer(t, db, su)

		db.On("GetRoomById", 99).Return(database.Room{}, sql.ErrNoRows)

		c := newTestClient(t, "conn-1", types.User{Id: 1, Username: "alice"})
		cs.handleRoomRequest(&ClientEvent{
			BaseEvent:   BaseEvent{Id: 6, Timestamp: Now()},
			SendMessage: &SendMessage{RoomId: 99, Content: "hi"},
			UserId:      1,
			client:      c,
		})

		evs := drain(c)
		if assert.NotEmpty(t, evs, "expected an error event") {
			assert.Equal(t, "not_found", evs[0].Error.Code)
		}
		assert.NotContains(t, cs.rooms, 99, "expected no actor for a missing room")
	})
}

func TestAppendMessage(t *testing.T) {
	t.Run("live room actor broadcasts before replying", func(t *testing.T) {
		db := &database.MockChatRepository{}
		defer db.AssertExpectations(t)
		su := &stats.MockStatsUpdater{}
		defer su.AssertExpectations(t)

		cs := newTestChatServer(t, db, su)
		room := newTestRoom(t, cs)

		su.On("Incr", stats.NumMessagesSent).Return()
		db.On("GetMembership", 1, 10).
			Return(database.Membership{Id: 5, UserId: 1, RoomId: 10}, nil)
		db.On("GetRoomById", 10).Return(database.Room{Id: 10, Kind: "group"}, nil)
		db.On("CreateMessage", mock.Anything).
			Return(database.Message{Id: 30, RoomId: 10, AuthorId: 1, Content: "posted", Kind: "text", CreatedAt: time.Now()}, nil)

		subscriber := newTestClient(t, "conn-2", types.User{Id: 2, Username: "bob"})
		room.addClient(subscriber)

		go cs.Run()
		go room.start()
		t.Cleanup(func() {
			ctx, cancel := context.WithTimeout(context.Background(), time.Second)
			defer cancel()
			cs.Shutdown(ctx)
		})

		msg, err := cs.AppendMessage(10, 1, types.MessageKindText, "posted", nil)
		assert.NoError(t, err)
		assert.Equal(t, 30, msg.Id)

		// handleRestAppend broadcasts before it replies, so the event is
		// already queued once AppendMessage returns
		var sawMessage bool
		for _, ev := range drain(subscriber) {
			if ev.NewMessage != nil {
				sawMessage = true
				assert.Equal(t, "posted", ev.NewMessage.Content)
			}
		}
		assert.True(t, sawMessage, "expected the subscriber to receive the posted message")
	})

	t.Run("unloaded room appends directly", func(t *testing.T) {
		db := &database.MockChatRepository{}
		defer db.AssertExpectations(t)
		su := &stats.MockStatsUpdater{}
		defer su.AssertExpectations(t)

		cs := newTestChatServer(t, db, su)

		su.On("Incr", stats.NumMessagesSent).Return()
		db.On("GetMembership", 1, 10).
			Return(database.Membership{Id: 5, UserId: 1, RoomId: 10}, nil)
		db.On("GetRoomById", 10).Return(database.Room{Id: 10, Kind: "group"}, nil)
		db.On("CreateMessage", mock.Anything).
			Return(database.Message{Id: 31, RoomId: 10, AuthorId: 1, Content: "posted", Kind: "text", CreatedAt: time.Now()}, nil)

		go cs.Run()
		t.Cleanup(func() {
			ctx, cancel := context.WithTimeout(context.Background(), time.Second)
			defer cancel()
			cs.Shutdown(ctx)
		})

		msg, err := cs.AppendMessage(10, 1, types.MessageKindText, "posted", nil)
		assert.NoError(t, err)
		assert.Equal(t, 31, msg.Id, "expected the append to succeed without a loaded room")
	})
}
