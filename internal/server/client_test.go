package server

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/huddlechat/huddle/internal/testutil"
	"github.com/huddlechat/huddle/internal/types"
)

func Test_queueEvent(t *testing.T) {
	t.Run("successful queue", func(t *testing.T) {
		c := &Client{
			send: make(chan *ServerEvent, 1),
			log:  testutil.TestLogger(t),
		}

		res := c.queueEvent(&ServerEvent{})
		assert.True(t, res, "expected queueEvent to return true when channel is not full")

		select {
		case ev := <-c.send:
			assert.NotNil(t, ev, "expected an event to be queued")
		default:
			t.Error("expected an event to be queued, but none was")
		}
	})
	t.Run("channel full", func(t *testing.T) {
		c := &Client{
			send: make(chan *ServerEvent, 1),
			log:  testutil.TestLogger(t),
		}

		c.send <- &ServerEvent{}
		res := c.queueEvent(&ServerEvent{})
		assert.False(t, res, "expected queueEvent to return false when channel is full")
	})
}

func Test_routeToRoom(t *testing.T) {
	t.Run("unknown room yields error event", func(t *testing.T) {
		c := &Client{
			send:  make(chan *ServerEvent, 1),
			rooms: make(map[int]*Room),
			log:   testutil.TestLogger(t),
		}

		ev := &ClientEvent{
			BaseEvent:   BaseEvent{Id: 1},
			TypingStart: &Typing{RoomId: 99},
			client:      c,
		}
		c.routeToRoom(99, ev, func(r *Room) chan *ClientEvent { return r.clientMsgChan })

		select {
		case out := <-c.send:
			assert.NotNil(t, out.Error, "expected an error event")
			assert.Equal(t, "not_a_member", out.Error.Code)
		default:
			t.Error("expected an error event for unjoined room")
		}
	})

	t.Run("full room channel yields unavailable", func(t *testing.T) {
		room := &Room{
			id:            10,
			clientMsgChan: make(chan *ClientEvent, 1),
		}
		room.clientMsgChan <- &ClientEvent{}

		c := &Client{
			send:  make(chan *ServerEvent, 1),
			rooms: map[int]*Room{10: room},
			log:   testutil.TestLogger(t),
		}

		ev := &ClientEvent{
			BaseEvent:   BaseEvent{Id: 2},
			SendMessage: &SendMessage{RoomId: 10, Content: "hi"},
			client:      c,
		}
		c.routeToRoom(10, ev, func(r *Room) chan *ClientEvent { return r.clientMsgChan })

		select {
		case out := <-c.send:
			assert.Equal(t, "unavailable", out.Error.Code)
		default:
			t.Error("expected an unavailable error event")
		}
	})

	t.Run("routes to the selected channel", func(t *testing.T) {
		room := &Room{
			id:        10,
			leaveChan: make(chan *ClientEvent, 1),
		}

		c := &Client{
			send:  make(chan *ServerEvent, 1),
			rooms: map[int]*Room{10: room},
			log:   testutil.TestLogger(t),
		}

		ev := &ClientEvent{
			BaseEvent: BaseEvent{Id: 3},
			LeaveRoom: &LeaveRoom{RoomId: 10},
			client:    c,
		}
		c.routeToRoom(10, ev, func(r *Room) chan *ClientEvent { return r.leaveChan })

		select {
		case routed := <-room.leaveChan:
			assert.Equal(t, ev, routed, "expected event routed to leaveChan")
		default:
			t.Error("expected the event on the room's leave channel")
		}
	})
}

func Test_forwardToServer(t *testing.T) {
	// a send_message for a room this connection never joined is not
	// rejected locally; the server decides whether the user may write
	cs := &ChatServer{joinChan: make(chan *ClientEvent, 1)}
	c := &Client{
		chatServer: cs,
		send:       make(chan *ServerEvent, 1),
		rooms:      make(map[int]*Room),
		log:        testutil.TestLogger(t),
	}

	ev := &ClientEvent{
		BaseEvent:   BaseEvent{Id: 4},
		SendMessage: &SendMessage{RoomId: 99, Content: "hi"},
		client:      c,
	}
	c.forwardToServer(ev)

	select {
	case got := <-cs.joinChan:
		assert.Same(t, ev, got, "expected the event handed to the run loop")
	default:
		t.Error("expected the event on the server's channel")
	}
	assert.Empty(t, c.send, "expected no local rejection")
}

func Test_eventSerialization(t *testing.T) {
	ts := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	ev := &ServerEvent{
		BaseEvent: BaseEvent{Id: 1, Timestamp: ts},
		NewMessage: &types.Message{
			Id:        5,
			RoomId:    10,
			AuthorId:  1,
			Content:   "hello",
			Kind:      types.MessageKindText,
			CreatedAt: ts,
		},
	}

	raw, err := json.Marshal(ev)
	assert.NoError(t, err)

	var decoded map[string]any
	assert.NoError(t, json.Unmarshal(raw, &decoded))
	assert.Contains(t, decoded, "new_message", "expected the set payload to be present")
	assert.NotContains(t, decoded, "error", "expected unset payloads omitted")
	assert.NotContains(t, decoded, "typing_update", "expected unset payloads omitted")
}

func Test_clientEventParsing(t *testing.T) {
	raw := []byte(`{"id":4,"send_message":{"room_id":10,"content":"hi there"}}`)

	var ev ClientEvent
	assert.NoError(t, json.Unmarshal(raw, &ev))
	assert.Equal(t, 4, ev.Id)
	if assert.NotNil(t, ev.SendMessage) {
		assert.Equal(t, 10, ev.SendMessage.RoomId)
		assert.Equal(t, "hi there", ev.SendMessage.Content)
	}
	assert.Nil(t, ev.JoinRoom)
	assert.Nil(t, ev.TypingStart)
}
