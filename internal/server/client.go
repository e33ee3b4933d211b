package server

import (
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/huddlechat/huddle/internal/types"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingInterval   = (pongWait * 9) / 10
	maxMessageSize = 4096
)

// Client is one websocket connection. A user may hold several clients at
// once; presence is aggregated per user by the tracker.
type Client struct {
	connId     string
	conn       *websocket.Conn
	chatServer *ChatServer
	log        *log.Logger
	user       types.User
	send       chan *ServerEvent
	rooms      map[int]*Room
	roomsLock  sync.RWMutex
	stop       chan struct{}
	stopOnce   sync.Once
}

func NewClient(user types.User, conn *websocket.Conn, cs *ChatServer, l *log.Logger) *Client {
	return &Client{
		connId:     uuid.NewString(),
		conn:       conn,
		chatServer: cs,
		log:        l,
		user:       user,
		send:       make(chan *ServerEvent, 256),
		rooms:      make(map[int]*Room),
		stop:       make(chan struct{}),
	}
}

func (c *Client) Write() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
		c.log.Printf("write exiting for conn %s", c.connId)
	}()

	for {
		select {
		case ev, ok := <-c.send:
			if !ok {
				return
			}

			bytes, err := json.Marshal(ev)
			if err != nil {
				c.log.Println("failed to serialize event:", err)
				continue
			}

			if !c.sendMessage(websocket.TextMessage, bytes) {
				return
			}
		case <-c.stop:
			return
		case <-ticker.C:
			if !c.sendMessage(websocket.PingMessage, nil) {
				return
			}
		}
	}
}

func (c *Client) Read() {
	defer func() {
		c.conn.Close()
		c.cleanup()
		c.log.Printf("read exiting for conn %s", c.connId)
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(appData string) error { c.conn.SetReadDeadline(time.Now().Add(pongWait)); return nil })
	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure,
				websocket.CloseNormalClosure) {
				c.log.Printf("ws: read: %v", err)
			}
			break
		}

		var ev ClientEvent
		if err := json.Unmarshal(raw, &ev); err != nil {
			c.log.Println("error parsing event:", err)
			c.queueEvent(ErrInvalidEvent(-1))
			continue
		}

		ev.client = c
		ev.UserId = c.user.Id
		ev.Timestamp = Now()

		switch {
		case ev.Heartbeat != nil:
			// an application-level heartbeat counts as liveness, same as
			// a pong frame
			c.conn.SetReadDeadline(time.Now().Add(pongWait))
			c.queueEvent(&ServerEvent{
				BaseEvent: BaseEvent{Id: ev.Id, Timestamp: Now()},
				Pong:      &Pong{},
			})
		case ev.JoinRoom != nil:
			c.forwardToServer(&ev)
		case ev.LeaveRoom != nil:
			c.routeToRoom(ev.LeaveRoom.RoomId, &ev, func(r *Room) chan *ClientEvent { return r.leaveChan })
		case ev.SendMessage != nil:
			// a send to a room this connection has not subscribed to goes
			// through the server, which loads the room and joins public
			// rooms implicitly
			if c.getRoom(ev.SendMessage.RoomId) != nil {
				c.routeToRoom(ev.SendMessage.RoomId, &ev, func(r *Room) chan *ClientEvent { return r.clientMsgChan })
			} else {
				c.forwardToServer(&ev)
			}
		case ev.TypingStart != nil:
			c.routeToRoom(ev.TypingStart.RoomId, &ev, func(r *Room) chan *ClientEvent { return r.clientMsgChan })
		case ev.TypingStop != nil:
			c.routeToRoom(ev.TypingStop.RoomId, &ev, func(r *Room) chan *ClientEvent { return r.clientMsgChan })
		default:
			c.queueEvent(ErrInvalidEvent(ev.Id))
		}
	}
}

func (c *Client) queueEvent(ev *ServerEvent) bool {
	select {
	case c.send <- ev:
	default:
		c.log.Printf("send buffer full for conn %s, dropping event", c.connId)
		return false
	}

	return true
}

func (c *Client) sendMessage(msgType int, msg []byte) bool {
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))

	if err := c.conn.WriteMessage(msgType, msg); err != nil {
		if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure,
			websocket.CloseNormalClosure) {
			c.log.Printf("write message: %s", err)
		}
		return false
	}

	return true
}

func (c *Client) stopClient() {
	c.stopOnce.Do(func() { close(c.stop) })
}

func (c *Client) cleanup() {
	c.chatServer.deRegisterChan <- c
	c.stopClient()
}

// forwardToServer hands the event to the run loop, which loads the room
// actor on demand and routes the event to it.
func (c *Client) forwardToServer(ev *ClientEvent) {
	select {
	case c.chatServer.joinChan <- ev:
	default:
		c.log.Printf("joinChan full")
		c.queueEvent(ErrServiceUnavailable(ev.Id))
	}
}

// routeToRoom forwards an event to the room's actor goroutine, picking the
// channel with sel. Events for rooms this connection never joined are
// rejected without touching the room.
func (c *Client) routeToRoom(roomId int, ev *ClientEvent, sel func(*Room) chan *ClientEvent) {
	r := c.getRoom(roomId)
	if r == nil {
		c.queueEvent(ErrRoomNotJoined(ev.Id))
		return
	}

	select {
	case sel(r) <- ev:
	default:
		c.log.Printf("event channel full for room %d", r.id)
		c.queueEvent(ErrServiceUnavailable(ev.Id))
	}
}

func (c *Client) addRoom(r *Room) {
	c.roomsLock.Lock()
	defer c.roomsLock.Unlock()

	c.rooms[r.id] = r
}

func (c *Client) delRoom(id int) {
	c.roomsLock.Lock()
	defer c.roomsLock.Unlock()

	delete(c.rooms, id)
}

func (c *Client) getRoom(id int) *Room {
	c.roomsLock.RLock()
	defer c.roomsLock.RUnlock()

	return c.rooms[id]
}
