package server

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/huddlechat/huddle/internal/database"
	"github.com/huddlechat/huddle/internal/membership"
	"github.com/huddlechat/huddle/internal/messages"
	"github.com/huddlechat/huddle/internal/presence"
	"github.com/huddlechat/huddle/internal/stats"
	"github.com/huddlechat/huddle/internal/types"
)

// appendWait bounds how long an HTTP append waits on the room actor.
const appendWait = 5 * time.Second

type stopReq struct {
	done chan struct{}
}

type roomNotification struct {
	roomId int
	event  *ServerEvent
}

type appendReq struct {
	roomId     int
	userId     int
	kind       types.MessageKind
	content    string
	attachment *types.Attachment
	reply      chan appendResult
}

type appendResult struct {
	msg types.Message
	err error
	// detached means the room actor could not take the append; the caller
	// persists directly.
	detached bool
}

// ChatServer owns the live side of the chat: connected clients, loaded room
// actors, presence bookkeeping and the fan-out of server events. Durable
// state lives behind the membership service and message store.
type ChatServer struct {
	log            *log.Logger
	db             database.ChatRepository
	membership     *membership.Service
	store          *messages.Store
	presence       *presence.Tracker
	stats          stats.StatsProvider
	clients        map[*Client]struct{}
	clientsLock    sync.Mutex
	joinChan       chan *ClientEvent
	registerChan   chan *Client
	deRegisterChan chan *Client
	notifyRoomChan chan *roomNotification
	appendChan     chan *appendReq
	unloadRoomChan chan int
	rmRoomChan     chan int
	rooms          map[int]*Room
	stop           chan stopReq
}

func NewChatServer(logger *log.Logger, db database.ChatRepository, ms *membership.Service,
	store *messages.Store, tracker *presence.Tracker, sp stats.StatsProvider) (*ChatServer, error) {

	cs := &ChatServer{
		log:            logger,
		db:             db,
		membership:     ms,
		store:          store,
		presence:       tracker,
		stats:          sp,
		clients:        make(map[*Client]struct{}),
		joinChan:       make(chan *ClientEvent),
		registerChan:   make(chan *Client),
		deRegisterChan: make(chan *Client, 256),
		notifyRoomChan: make(chan *roomNotification, 256),
		appendChan:     make(chan *appendReq, 64),
		unloadRoomChan: make(chan int),
		rmRoomChan:     make(chan int, 16),
		rooms:          make(map[int]*Room),
		stop:           make(chan stopReq),
	}

	for _, name := range []string{
		stats.NumActiveClients,
		stats.NumActiveRooms,
		stats.NumMessagesSent,
		stats.NumOnlineUsers,
	} {
		cs.stats.RegisterMetric(name)
	}

	return cs, nil
}

func (cs *ChatServer) Run() {
	for {
		select {
		case ev := <-cs.joinChan:
			cs.handleRoomRequest(ev)
		case client := <-cs.registerChan:
			cs.registerClient(client)
		case client := <-cs.deRegisterChan:
			cs.deRegisterClient(client)
		case n := <-cs.notifyRoomChan:
			if room, ok := cs.rooms[n.roomId]; ok {
				select {
				case room.notifyChan <- n.event:
				default:
					cs.log.Printf("notify channel full on room %d", n.roomId)
				}
			}
		case req := <-cs.appendChan:
			if room, ok := cs.rooms[req.roomId]; ok {
				select {
				case room.appendChan <- req:
				default:
					cs.log.Printf("append channel full on room %d", req.roomId)
					req.reply <- appendResult{detached: true}
				}
			} else {
				req.reply <- appendResult{detached: true}
			}
		case roomId := <-cs.unloadRoomChan:
			cs.unloadRoom(roomId, false)
		case roomId := <-cs.rmRoomChan:
			cs.unloadRoom(roomId, true)
		case req := <-cs.stop:
			cs.log.Println("shutting down rooms")
			for _, r := range cs.rooms {
				done := make(chan bool)
				r.exit <- exitReq{done: done}
				<-done
			}

			cs.clientsLock.Lock()
			for c := range cs.clients {
				c.stopClient()
			}
			cs.clientsLock.Unlock()

			close(req.done)
			return
		}
	}
}

// handleRoomRequest loads the room actor on demand and routes the event to
// it. Joins go to the join channel; a send_message from a connection that has
// not subscribed yet goes to the room's message channel, where the room
// subscribes the sender as part of handling it.
func (cs *ChatServer) handleRoomRequest(ev *ClientEvent) {
	var roomId int
	switch {
	case ev.JoinRoom != nil:
		roomId = ev.JoinRoom.RoomId
	case ev.SendMessage != nil:
		roomId = ev.SendMessage.RoomId
	default:
		ev.client.queueEvent(ErrInvalidEvent(ev.Id))
		return
	}

	room, loaded := cs.rooms[roomId]
	if !loaded {
		dbRoom, err := cs.membership.GetRoom(roomId)
		if err != nil {
			ev.client.queueEvent(ErrEvent(ev.Id, err))
			return
		}

		room = &Room{
			id:            dbRoom.Id,
			externalId:    dbRoom.ExternalId,
			name:          dbRoom.Name,
			kind:          dbRoom.Kind,
			cs:            cs,
			joinChan:      make(chan *ClientEvent, 256),
			leaveChan:     make(chan *ClientEvent, 256),
			clientMsgChan: make(chan *ClientEvent, 256),
			notifyChan:    make(chan *ServerEvent, 256),
			appendChan:    make(chan *appendReq, 64),
			clients:       make(map[*Client]struct{}),
			userMap:       make(map[int]map[*Client]struct{}),
			log:           cs.log,
			exit:          make(chan exitReq),
		}

		cs.rooms[room.id] = room
		cs.stats.Incr(stats.NumActiveRooms)
	}

	target := room.joinChan
	if ev.SendMessage != nil {
		target = room.clientMsgChan
	}

	select {
	case target <- ev:
	default:
		cs.log.Printf("room %d is saturated, rejecting event", room.id)
		ev.client.queueEvent(ErrServiceUnavailable(ev.Id))
	}

	if !loaded {
		go room.start()
	}
}

func (cs *ChatServer) registerClient(c *Client) {
	cs.log.Printf("adding connection %s for %q", c.connId, c.user.Username)

	cs.clientsLock.Lock()
	cs.clients[c] = struct{}{}
	cs.clientsLock.Unlock()

	cs.stats.Incr(stats.NumActiveClients)

	if cs.presence.Connect(c.connId, c.user.Id) {
		// first live connection for this user
		cs.stats.Incr(stats.NumOnlineUsers)
		if err := cs.db.SetAccountOnline(c.user.Id, true, time.Now().UTC()); err != nil {
			cs.log.Printf("mark user %d online: %v", c.user.Id, err)
		}
		cs.broadcastAll(&ServerEvent{
			BaseEvent: BaseEvent{
				Timestamp: Now(),
			},
			UserStatusUpdate: &UserStatusUpdate{
				UserId: c.user.Id,
				Online: true,
			},
			SkipClient: c,
		})
	}
}

func (cs *ChatServer) deRegisterClient(c *Client) {
	cs.log.Printf("removing connection %s for %q", c.connId, c.user.Username)

	cs.clientsLock.Lock()
	_, known := cs.clients[c]
	delete(cs.clients, c)
	cs.clientsLock.Unlock()

	if !known {
		return
	}

	cs.stats.Decr(stats.NumActiveClients)

	dep, ok := cs.presence.Disconnect(c.connId)
	if !ok {
		return
	}

	// detach the connection from every room it subscribed to; the room actor
	// drops the dead client and broadcasts user_left only once the user has
	// no connection left there
	for _, roomId := range dep.ConnRooms {
		if room, ok := cs.rooms[roomId]; ok {
			select {
			case room.leaveChan <- &ClientEvent{
				BaseEvent: BaseEvent{Timestamp: Now()},
				LeaveRoom: &LeaveRoom{RoomId: roomId},
				UserId:    c.user.Id,
				client:    c,
				detach:    true,
			}:
			default:
				cs.log.Printf("leave channel full on room %d", roomId)
			}
		}
	}

	if dep.LastConn {
		cs.stats.Decr(stats.NumOnlineUsers)
		if err := cs.db.SetAccountOnline(c.user.Id, false, time.Now().UTC()); err != nil {
			cs.log.Printf("mark user %d offline: %v", c.user.Id, err)
		}
		cs.broadcastAll(&ServerEvent{
			BaseEvent: BaseEvent{
				Timestamp: Now(),
			},
			UserStatusUpdate: &UserStatusUpdate{
				UserId: c.user.Id,
				Online: false,
			},
		})
	}
}

func (cs *ChatServer) unloadRoom(roomId int, deleted bool) {
	r, ok := cs.rooms[roomId]
	if !ok {
		return
	}

	cs.log.Printf("unloading room %q", r.externalId)
	delete(cs.rooms, roomId)
	cs.stats.Decr(stats.NumActiveRooms)

	done := make(chan bool)
	r.exit <- exitReq{deleted: deleted, done: done}
	<-done
}

// RegisterClient hands a freshly upgraded connection to the run loop.
func (cs *ChatServer) RegisterClient(c *Client) {
	cs.registerChan <- c
}

// UnloadRoom tears down the actor for a deleted room and notifies its
// connected clients. Rooms that are not loaded are ignored by the run loop.
func (cs *ChatServer) UnloadRoom(roomId int) {
	select {
	case cs.rmRoomChan <- roomId:
	default:
		cs.log.Printf("room removal queue full, dropping unload for room %d", roomId)
	}
}

// NotifyRoom delivers a server event to the room's connected clients. Used
// by the REST layer to fan out changes made over HTTP, such as edits and
// deletes. A room with no live clients is silently skipped.
func (cs *ChatServer) NotifyRoom(roomId int, ev *ServerEvent) {
	select {
	case cs.notifyRoomChan <- &roomNotification{roomId: roomId, event: ev}:
	default:
		cs.log.Printf("notify queue full, dropping event for room %d", roomId)
	}
}

// AppendMessage persists a message on behalf of the HTTP layer. When the
// room's actor is live the append runs on its goroutine, so HTTP and
// websocket messages reach clients in the order they were persisted. With no
// actor to order against, the store is written directly and any late-loading
// room is notified.
func (cs *ChatServer) AppendMessage(roomId, userId int, kind types.MessageKind, content string, attachment *types.Attachment) (types.Message, error) {
	req := &appendReq{
		roomId:     roomId,
		userId:     userId,
		kind:       kind,
		content:    content,
		attachment: attachment,
		reply:      make(chan appendResult, 1),
	}

	select {
	case cs.appendChan <- req:
	default:
		return cs.appendDirect(req)
	}

	select {
	case res := <-req.reply:
		if res.detached {
			return cs.appendDirect(req)
		}
		return res.msg, res.err
	case <-time.After(appendWait):
		return types.Message{}, fmt.Errorf("append to room %d timed out: %w", roomId, types.ErrTimeout)
	}
}

func (cs *ChatServer) appendDirect(req *appendReq) (types.Message, error) {
	msg, err := cs.store.Append(req.roomId, req.userId, req.kind, req.content, req.attachment)
	if err != nil {
		return types.Message{}, err
	}

	cs.stats.Incr(stats.NumMessagesSent)
	cs.NotifyRoom(req.roomId, &ServerEvent{
		BaseEvent:  BaseEvent{Timestamp: msg.CreatedAt},
		NewMessage: &msg,
	})
	return msg, nil
}

func (cs *ChatServer) broadcastAll(ev *ServerEvent) {
	cs.clientsLock.Lock()
	defer cs.clientsLock.Unlock()

	for client := range cs.clients {
		if client == ev.SkipClient {
			continue
		}
		client.queueEvent(ev)
	}
}

func (cs *ChatServer) Shutdown(ctx context.Context) error {
	cs.log.Println("received shutdown signal")

	req := stopReq{done: make(chan struct{})}
	select {
	case cs.stop <- req:
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case <-req.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
