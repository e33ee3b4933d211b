package server

import (
	"log"
	"sync"
	"time"

	"github.com/huddlechat/huddle/internal/stats"
	"github.com/huddlechat/huddle/internal/types"
)

const idleRoomTimeout = time.Second * 30

type exitReq struct {
	deleted bool
	done    chan bool
}

// Room is the actor for one loaded chat room. All joins, leaves, published
// messages and typing changes for the room pass through a single goroutine,
// so every client observes them in the same order.
type Room struct {
	id            int
	externalId    string
	name          string
	kind          types.RoomKind
	cs            *ChatServer
	joinChan      chan *ClientEvent
	leaveChan     chan *ClientEvent
	clientMsgChan chan *ClientEvent
	notifyChan    chan *ServerEvent
	appendChan    chan *appendReq
	clients       map[*Client]struct{}
	userMap       map[int]map[*Client]struct{}
	clientLock    sync.RWMutex
	log           *log.Logger
	// killTimer unloads the room once the last connection is gone
	killTimer *time.Timer
	// exit signals the room to shut down
	exit chan exitReq
}

func (r *Room) start() {
	r.log.Printf("starting room %q", r.externalId)
	r.killTimer = time.NewTimer(idleRoomTimeout)
	r.killTimer.Stop()

	for {
		select {
		case join := <-r.joinChan:
			r.handleJoin(join)
		case leaveEv := <-r.leaveChan:
			r.handleLeave(leaveEv)
		case ev := <-r.clientMsgChan:
			switch {
			case ev.SendMessage != nil:
				r.saveAndBroadcast(ev)
			case ev.TypingStart != nil:
				r.cs.presence.MarkTyping(r.id, ev.UserId)
				r.broadcastTyping()
			case ev.TypingStop != nil:
				r.cs.presence.ClearTyping(r.id, ev.UserId)
				r.broadcastTyping()
			}
		case req := <-r.appendChan:
			r.handleRestAppend(req)
		case ev := <-r.notifyChan:
			r.broadcast(ev)
		case <-r.killTimer.C:
			r.handleRoomTimeout()
		case e := <-r.exit:
			r.handleRoomExit(e)
			return
		}
	}
}

func (r *Room) handleJoin(join *ClientEvent) {
	// stop the kill timer since we have a new client
	r.killTimer.Stop()

	c := join.client
	if _, err := r.cs.membership.Join(r.id, c.user.Id, join.JoinRoom.Password); err != nil {
		if len(r.clients) == 0 {
			r.killTimer.Reset(idleRoomTimeout)
		}
		r.log.Printf("join room %q: %v", r.externalId, err)
		c.queueEvent(ErrEvent(join.Id, err))
		return
	}

	firstConn := r.cs.presence.JoinRoom(c.connId, r.id)
	r.addClient(c)

	room, err := r.cs.membership.GetRoom(r.id)
	if err != nil {
		r.log.Printf("lookup room %q: %v", r.externalId, err)
		// roll back the subscription so the client is not half-joined
		r.cs.presence.LeaveRoom(c.connId, r.id)
		r.removeClient(c)
		c.queueEvent(ErrEvent(join.Id, err))
		return
	}

	members, err := r.cs.membership.Members(r.id)
	if err != nil {
		r.log.Printf("list members of %q: %v", r.externalId, err)
	}
	room.Members = members
	room.MemberCount = len(members)

	var online []types.User
	for _, m := range members {
		if r.cs.presence.IsOnline(m.Id) {
			m.IsOnline = true
			online = append(online, m)
		}
	}

	c.queueEvent(&ServerEvent{
		BaseEvent: BaseEvent{
			Id:        join.Id,
			Timestamp: Now(),
		},
		RoomJoined: &RoomJoined{
			Room:        room,
			OnlineUsers: online,
		},
	})

	if firstConn {
		// first connection for this user in the room
		r.broadcast(&ServerEvent{
			BaseEvent: BaseEvent{
				Timestamp: Now(),
			},
			UserJoined: &UserJoined{
				RoomId: r.id,
				User: types.User{
					Id:       c.user.Id,
					Username: c.user.Username,
					IsOnline: true,
				},
			},
			SkipClient: c,
		})
	}
}

func (r *Room) handleLeave(leaveEv *ClientEvent) {
	if leaveEv.detach {
		// connection dropped; membership stays intact. Other connections of
		// the same user may still be here, in which case nobody left.
		r.removeClient(leaveEv.client)
		if len(r.clientsForUser(leaveEv.UserId)) > 0 {
			return
		}
		r.broadcast(&ServerEvent{
			BaseEvent: BaseEvent{
				Timestamp: Now(),
			},
			UserLeft: &UserLeft{
				RoomId: r.id,
				UserId: leaveEv.UserId,
			},
		})
		r.broadcastTyping()
		return
	}

	client := leaveEv.client
	if err := r.cs.membership.Leave(r.id, leaveEv.UserId); err != nil {
		r.log.Printf("leave room %q: %v", r.externalId, err)
		client.queueEvent(ErrEvent(leaveEv.Id, err))
		return
	}

	left := &ServerEvent{
		BaseEvent: BaseEvent{
			Id:        leaveEv.Id,
			Timestamp: Now(),
		},
		UserLeft: &UserLeft{
			RoomId: r.id,
			UserId: leaveEv.UserId,
		},
	}

	// detach every connection this user has in the room
	for _, c := range r.clientsForUser(leaveEv.UserId) {
		r.cs.presence.LeaveRoom(c.connId, r.id)
		r.removeClient(c)
		c.queueEvent(left)
	}

	r.broadcast(left)
	r.broadcastTyping()
}

func (r *Room) handleRoomTimeout() {
	r.log.Printf("room %q timed out", r.externalId)
	r.cs.unloadRoomChan <- r.id
}

func (r *Room) handleRoomExit(e exitReq) {
	r.log.Printf("room %q is exiting", r.externalId)
	if e.deleted {
		r.broadcast(&ServerEvent{
			BaseEvent: BaseEvent{
				Timestamp: Now(),
			},
			RoomDeleted: &RoomDeleted{RoomId: r.id},
		})
	}

	r.clientLock.Lock()
	for c := range r.clients {
		r.cs.presence.LeaveRoom(c.connId, r.id)
		c.delRoom(r.id)
	}
	r.clientLock.Unlock()

	if e.done != nil {
		e.done <- true
	}
}

func (r *Room) saveAndBroadcast(ev *ClientEvent) {
	send := ev.SendMessage

	kind := types.MessageKind(send.Kind)
	if kind == "" {
		kind = types.MessageKindText
	}

	msg, err := r.cs.store.Append(r.id, ev.UserId, kind, send.Content, send.Attachment)
	if err != nil {
		r.log.Printf("append message in room %q: %v", r.externalId, err)
		ev.client.queueEvent(ErrEvent(ev.Id, err))
		if len(r.clients) == 0 {
			r.killTimer.Reset(idleRoomTimeout)
		}
		return
	}

	// a first write to a public room joins it; subscribe the connection so
	// it receives the broadcast below and everything after
	if c := ev.client; c != nil && !r.hasClient(c) {
		r.killTimer.Stop()
		firstConn := r.cs.presence.JoinRoom(c.connId, r.id)
		r.addClient(c)
		if firstConn {
			r.broadcast(&ServerEvent{
				BaseEvent: BaseEvent{
					Timestamp: Now(),
				},
				UserJoined: &UserJoined{
					RoomId: r.id,
					User: types.User{
						Id:       c.user.Id,
						Username: c.user.Username,
						IsOnline: true,
					},
				},
				SkipClient: c,
			})
		}
	}

	r.cs.stats.Incr(stats.NumMessagesSent)

	// sending implicitly ends the author's typing state
	r.cs.presence.ClearTyping(r.id, ev.UserId)

	r.broadcast(&ServerEvent{
		BaseEvent: BaseEvent{
			Id:        ev.Id,
			Timestamp: msg.CreatedAt,
		},
		NewMessage: &msg,
	})
	r.broadcastTyping()
}

// handleRestAppend persists a message submitted over HTTP on the room's
// goroutine, so the broadcast order matches the persisted order for every
// live client.
func (r *Room) handleRestAppend(req *appendReq) {
	msg, err := r.cs.store.Append(r.id, req.userId, req.kind, req.content, req.attachment)
	if err != nil {
		req.reply <- appendResult{err: err}
		return
	}

	r.cs.stats.Incr(stats.NumMessagesSent)
	r.cs.presence.ClearTyping(r.id, req.userId)

	r.broadcast(&ServerEvent{
		BaseEvent: BaseEvent{
			Timestamp: msg.CreatedAt,
		},
		NewMessage: &msg,
	})
	r.broadcastTyping()

	req.reply <- appendResult{msg: msg}
}

func (r *Room) hasClient(c *Client) bool {
	r.clientLock.RLock()
	defer r.clientLock.RUnlock()

	_, ok := r.clients[c]
	return ok
}

func (r *Room) addClient(c *Client) {
	r.clientLock.Lock()
	defer r.clientLock.Unlock()

	r.clients[c] = struct{}{}
	if r.userMap[c.user.Id] == nil {
		r.userMap[c.user.Id] = make(map[*Client]struct{})
	}
	r.userMap[c.user.Id][c] = struct{}{}

	c.addRoom(r)
}

func (r *Room) removeClient(c *Client) {
	r.clientLock.Lock()
	defer r.clientLock.Unlock()

	if _, ok := r.clients[c]; !ok {
		return
	}

	delete(r.clients, c)
	c.delRoom(r.id)

	if userClients, ok := r.userMap[c.user.Id]; ok {
		delete(userClients, c)
		if len(userClients) == 0 {
			delete(r.userMap, c.user.Id)
		}
	}

	if len(r.clients) == 0 {
		r.log.Printf("no clients in %q, starting kill timer", r.externalId)
		r.killTimer.Reset(idleRoomTimeout)
	}
}

func (r *Room) clientsForUser(userId int) []*Client {
	r.clientLock.RLock()
	defer r.clientLock.RUnlock()

	var clients []*Client
	for c := range r.userMap[userId] {
		clients = append(clients, c)
	}
	return clients
}

// broadcastTyping sends each connection its own view of who is typing,
// never including the recipient themself.
func (r *Room) broadcastTyping() {
	r.clientLock.RLock()
	defer r.clientLock.RUnlock()

	for c := range r.clients {
		c.queueEvent(&ServerEvent{
			BaseEvent: BaseEvent{
				Timestamp: Now(),
			},
			TypingUpdate: &TypingUpdate{
				RoomId:  r.id,
				UserIds: r.cs.presence.TypingUsers(r.id, c.user.Id),
			},
		})
	}
}

func (r *Room) broadcast(ev *ServerEvent) {
	r.clientLock.RLock()
	defer r.clientLock.RUnlock()

	for client := range r.clients {
		if client == ev.SkipClient {
			continue
		}

		client.queueEvent(ev)
	}
}
