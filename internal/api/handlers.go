package api

import (
	"database/sql"
	"encoding/json"
	"errors"
	"net/http"
	"slices"
	"strconv"
	"time"

	"github.com/gorilla/websocket"

	"github.com/huddlechat/huddle/internal/database"
	"github.com/huddlechat/huddle/internal/server"
	"github.com/huddlechat/huddle/internal/types"
)

type LoginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type RegisterRequest struct {
	Email    string `json:"email"`
	Username string `json:"username"`
	Password string `json:"password"`
}

type UpdateAccountRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type CreateRoomRequest struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	Private     bool   `json:"private"`
	Password    string `json:"password,omitempty"`
}

type JoinRoomRequest struct {
	Password string `json:"password,omitempty"`
}

type PostMessageRequest struct {
	Kind       string            `json:"kind,omitempty"`
	Content    string            `json:"content"`
	Attachment *types.Attachment `json:"attachment,omitempty"`
}

type EditMessageRequest struct {
	Content string `json:"content"`
}

type PrivateChatRequest struct {
	UserId int `json:"user_id"`
}

type RoomListResponse struct {
	Joined []types.Room `json:"joined"`
	Public []types.Room `json:"public"`
}

func (s *HuddleApp) writeJson(w http.ResponseWriter, statusCode int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if v == nil {
		return
	}

	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Printf("json encode: %v", err)
	}
}

func (s *HuddleApp) writeError(w http.ResponseWriter, errResp *ApiError) {
	s.writeJson(w, errResp.StatusCode, errResp)
}

func pathId(r *http.Request) (int, error) {
	return strconv.Atoi(r.PathValue("id"))
}

func (s *HuddleApp) healthCheck(w http.ResponseWriter, _ *http.Request) {
	if err := s.db.Ping(); err != nil {
		s.log.Println("health check:", err)
		w.WriteHeader(http.StatusInternalServerError)
		return
	}

	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}

func (s *HuddleApp) createAccount(w http.ResponseWriter, r *http.Request) {
	var req RegisterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, NewBadRequestError())
		return
	}

	if req.Username == "" || req.Email == "" || req.Password == "" {
		s.writeError(w, NewBadRequestError())
		return
	}

	pwdHash, err := hashPassword(req.Password)
	if err != nil {
		s.writeError(w, NewInternalServerError(err))
		return
	}

	newUser, err := s.db.CreateAccount(database.CreateAccountParams{
		Username:     req.Username,
		EmailAddress: req.Email,
		PasswordHash: pwdHash,
	})
	if err != nil {
		if database.IsUniqueViolation(err) {
			s.writeError(w, NewConflictError())
			return
		}
		s.writeError(w, NewInternalServerError(err))
		return
	}

	s.writeJson(w, http.StatusCreated, types.User{
		Id:           newUser.Id,
		Username:     newUser.Username,
		EmailAddress: newUser.EmailAddress,
		CreatedAt:    newUser.CreatedAt,
		UpdatedAt:    newUser.UpdatedAt,
	})
}

func (s *HuddleApp) account(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		userId, ok := UserId(r.Context())
		if !ok {
			s.writeError(w, NewUnauthorizedError())
			return
		}

		user, err := s.db.GetAccountById(userId)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				s.writeError(w, NewNotFoundError())
			} else {
				s.writeError(w, NewInternalServerError(err))
			}
			return
		}

		s.writeJson(w, http.StatusOK, toApiUser(user))
	case http.MethodPut:
		userId, ok := UserId(r.Context())
		if !ok {
			s.writeError(w, NewUnauthorizedError())
			return
		}

		curUser, err := s.db.GetAccountById(userId)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				s.writeError(w, NewNotFoundError())
			} else {
				s.writeError(w, NewInternalServerError(err))
			}
			return
		}

		var req UpdateAccountRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			s.writeError(w, NewBadRequestError())
			return
		}

		if req.Username == "" || req.Password == "" {
			s.writeError(w, NewBadRequestError())
			return
		}

		pwdHash, err := hashPassword(req.Password)
		if err != nil {
			s.writeError(w, NewInternalServerError(err))
			return
		}

		dbUser, err := s.db.UpdateAccount(database.UpdateAccountParams{
			UserId:       curUser.Id,
			Username:     req.Username,
			PasswordHash: pwdHash,
		})
		if err != nil {
			s.writeError(w, NewInternalServerError(err))
			return
		}

		s.writeJson(w, http.StatusOK, toApiUser(dbUser))
	default:
		s.writeError(w, NewMethodNotAllowedError())
	}
}

func (s *HuddleApp) session(w http.ResponseWriter, r *http.Request) {
	userId, ok := UserId(r.Context())
	if !ok {
		s.writeError(w, NewUnauthorizedError())
		return
	}

	user, err := s.db.GetAccountById(userId)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			s.writeError(w, NewNotFoundError())
		} else {
			s.writeError(w, NewInternalServerError(err))
		}
		return
	}

	s.writeJson(w, http.StatusOK, toApiUser(user))
}

func (s *HuddleApp) login(w http.ResponseWriter, r *http.Request) {
	var lr LoginRequest
	if err := json.NewDecoder(r.Body).Decode(&lr); err != nil {
		s.writeError(w, NewBadRequestError())
		return
	}

	if lr.Email == "" || lr.Password == "" {
		s.writeError(w, NewBadRequestError())
		return
	}

	dbUser, err := s.db.GetAccountByEmail(lr.Email)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			s.writeError(w, NewNotFoundError())
		} else {
			s.writeError(w, NewInternalServerError(err))
		}
		return
	}

	if !verifyPassword(dbUser.PasswordHash, lr.Password) {
		s.writeError(w, NewUnauthorizedError())
		return
	}

	token, err := s.createJwtForSession(dbUser.Id, defaultJwtExpiration)
	if err != nil {
		s.writeError(w, NewInternalServerError(err))
		return
	}

	http.SetCookie(w, createJwtCookie(token, defaultJwtExpiration))

	s.writeJson(w, http.StatusOK, toApiUser(dbUser))
}

func (s *HuddleApp) logout(w http.ResponseWriter, _ *http.Request) {
	// instruct browser to delete cookie by overwriting it with an expired token
	http.SetCookie(w, createJwtCookie("", time.Duration(time.Unix(0, 0).Unix())))
	w.WriteHeader(http.StatusNoContent)
}

func (s *HuddleApp) listRooms(w http.ResponseWriter, r *http.Request) {
	userId, ok := UserId(r.Context())
	if !ok {
		s.writeError(w, NewUnauthorizedError())
		return
	}

	joinedRows, err := s.db.ListRoomsForUser(userId)
	if err != nil {
		s.writeError(w, NewInternalServerError(err))
		return
	}

	publicRows, err := s.db.ListPublicRooms()
	if err != nil {
		s.writeError(w, NewInternalServerError(err))
		return
	}

	resp := RoomListResponse{
		Joined: toApiRooms(joinedRows),
	}

	// public rooms the user already joined are only listed once
	joinedIds := make(map[int]struct{}, len(joinedRows))
	for _, room := range joinedRows {
		joinedIds[room.Id] = struct{}{}
	}
	for _, room := range publicRows {
		if _, ok := joinedIds[room.Id]; !ok {
			resp.Public = append(resp.Public, toApiRoom(room))
		}
	}

	s.writeJson(w, http.StatusOK, resp)
}

func (s *HuddleApp) createRoom(w http.ResponseWriter, r *http.Request) {
	userId, ok := UserId(r.Context())
	if !ok {
		s.writeError(w, NewUnauthorizedError())
		return
	}

	var req CreateRoomRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, NewBadRequestError())
		return
	}

	room, err := s.membership.CreateRoom(req.Name, req.Description, userId, req.Private, req.Password)
	if err != nil {
		s.writeError(w, NewServiceError(err))
		return
	}

	s.writeJson(w, http.StatusCreated, room)
}

func (s *HuddleApp) deleteRoom(w http.ResponseWriter, r *http.Request) {
	userId, ok := UserId(r.Context())
	if !ok {
		s.writeError(w, NewUnauthorizedError())
		return
	}

	roomId, err := pathId(r)
	if err != nil {
		s.writeError(w, NewBadRequestError())
		return
	}

	room, err := s.membership.GetRoom(roomId)
	if err != nil {
		s.writeError(w, NewServiceError(err))
		return
	}

	if room.CreatorId != userId && !s.membership.IsAdmin(roomId, userId) {
		s.writeError(w, NewForbiddenError())
		return
	}

	if err := s.db.DeleteRoom(roomId); err != nil {
		s.log.Println("delete room:", err)
		s.writeError(w, NewInternalServerError(err))
		return
	}

	s.cs.UnloadRoom(roomId)
	s.writeJson(w, http.StatusNoContent, nil)
}

func (s *HuddleApp) joinRoom(w http.ResponseWriter, r *http.Request) {
	userId, ok := UserId(r.Context())
	if !ok {
		s.writeError(w, NewUnauthorizedError())
		return
	}

	roomId, err := pathId(r)
	if err != nil {
		s.writeError(w, NewBadRequestError())
		return
	}

	var req JoinRoomRequest
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			s.writeError(w, NewBadRequestError())
			return
		}
	}

	m, err := s.membership.Join(roomId, userId, req.Password)
	if err != nil {
		s.writeError(w, NewServiceError(err))
		return
	}

	// let connected clients see the new member, same as a websocket join
	if user, err := s.db.GetAccountById(userId); err == nil {
		apiUser := toApiUser(user)
		apiUser.IsOnline = true
		s.cs.NotifyRoom(roomId, &server.ServerEvent{
			BaseEvent:  server.BaseEvent{Timestamp: server.Now()},
			UserJoined: &server.UserJoined{RoomId: roomId, User: apiUser},
		})
	}

	s.writeJson(w, http.StatusOK, m)
}

func (s *HuddleApp) leaveRoom(w http.ResponseWriter, r *http.Request) {
	userId, ok := UserId(r.Context())
	if !ok {
		s.writeError(w, NewUnauthorizedError())
		return
	}

	roomId, err := pathId(r)
	if err != nil {
		s.writeError(w, NewBadRequestError())
		return
	}

	if err := s.membership.Leave(roomId, userId); err != nil {
		s.writeError(w, NewServiceError(err))
		return
	}

	s.cs.NotifyRoom(roomId, &server.ServerEvent{
		BaseEvent: server.BaseEvent{Timestamp: server.Now()},
		UserLeft:  &server.UserLeft{RoomId: roomId, UserId: userId},
	})
	s.writeJson(w, http.StatusNoContent, nil)
}

func (s *HuddleApp) roomMembers(w http.ResponseWriter, r *http.Request) {
	userId, ok := UserId(r.Context())
	if !ok {
		s.writeError(w, NewUnauthorizedError())
		return
	}

	roomId, err := pathId(r)
	if err != nil {
		s.writeError(w, NewBadRequestError())
		return
	}

	if !s.membership.IsMember(roomId, userId) {
		s.writeError(w, NewForbiddenError())
		return
	}

	members, err := s.membership.Members(roomId)
	if err != nil {
		s.writeError(w, NewServiceError(err))
		return
	}

	s.writeJson(w, http.StatusOK, members)
}

func (s *HuddleApp) getMessages(w http.ResponseWriter, r *http.Request) {
	userId, ok := UserId(r.Context())
	if !ok {
		s.writeError(w, NewUnauthorizedError())
		return
	}

	roomId, err := pathId(r)
	if err != nil {
		s.writeError(w, NewBadRequestError())
		return
	}

	var page, perPage int
	if v := r.URL.Query().Get("page"); v != "" {
		if page, err = strconv.Atoi(v); err != nil {
			s.writeError(w, NewBadRequestError())
			return
		}
	}
	if v := r.URL.Query().Get("per_page"); v != "" {
		if perPage, err = strconv.Atoi(v); err != nil {
			s.writeError(w, NewBadRequestError())
			return
		}
	}

	result, err := s.store.Page(roomId, userId, page, perPage)
	if err != nil {
		s.writeError(w, NewServiceError(err))
		return
	}

	s.writeJson(w, http.StatusOK, result)
}

func (s *HuddleApp) postMessage(w http.ResponseWriter, r *http.Request) {
	userId, ok := UserId(r.Context())
	if !ok {
		s.writeError(w, NewUnauthorizedError())
		return
	}

	roomId, err := pathId(r)
	if err != nil {
		s.writeError(w, NewBadRequestError())
		return
	}

	var req PostMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, NewBadRequestError())
		return
	}

	kind := types.MessageKind(req.Kind)
	if kind == "" {
		kind = types.MessageKindText
	}

	// the chat server serializes the append with websocket traffic for the
	// room, so all clients observe messages in persisted order
	msg, err := s.cs.AppendMessage(roomId, userId, kind, req.Content, req.Attachment)
	if err != nil {
		s.writeError(w, NewServiceError(err))
		return
	}

	s.writeJson(w, http.StatusCreated, msg)
}

func (s *HuddleApp) editMessage(w http.ResponseWriter, r *http.Request) {
	userId, ok := UserId(r.Context())
	if !ok {
		s.writeError(w, NewUnauthorizedError())
		return
	}

	messageId, err := pathId(r)
	if err != nil {
		s.writeError(w, NewBadRequestError())
		return
	}

	var req EditMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, NewBadRequestError())
		return
	}

	msg, err := s.store.Edit(messageId, userId, req.Content)
	if err != nil {
		s.writeError(w, NewServiceError(err))
		return
	}

	s.cs.NotifyRoom(msg.RoomId, &server.ServerEvent{
		BaseEvent:     server.BaseEvent{Timestamp: server.Now()},
		MessageEdited: &msg,
	})
	s.writeJson(w, http.StatusOK, msg)
}

func (s *HuddleApp) deleteMessage(w http.ResponseWriter, r *http.Request) {
	userId, ok := UserId(r.Context())
	if !ok {
		s.writeError(w, NewUnauthorizedError())
		return
	}

	messageId, err := pathId(r)
	if err != nil {
		s.writeError(w, NewBadRequestError())
		return
	}

	msg, err := s.db.GetMessageById(messageId)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			s.writeError(w, NewNotFoundError())
		} else {
			s.writeError(w, NewInternalServerError(err))
		}
		return
	}

	if err := s.store.Delete(messageId, userId); err != nil {
		s.writeError(w, NewServiceError(err))
		return
	}

	s.cs.NotifyRoom(msg.RoomId, &server.ServerEvent{
		BaseEvent:      server.BaseEvent{Timestamp: server.Now()},
		MessageDeleted: &server.MessageDeleted{RoomId: msg.RoomId, MessageId: messageId},
	})
	s.writeJson(w, http.StatusNoContent, nil)
}

func (s *HuddleApp) createPrivateChat(w http.ResponseWriter, r *http.Request) {
	userId, ok := UserId(r.Context())
	if !ok {
		s.writeError(w, NewUnauthorizedError())
		return
	}

	var req PrivateChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, NewBadRequestError())
		return
	}

	if req.UserId <= 0 {
		s.writeError(w, NewBadRequestError())
		return
	}

	if _, err := s.db.GetAccountById(req.UserId); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			s.writeError(w, NewNotFoundError())
		} else {
			s.writeError(w, NewInternalServerError(err))
		}
		return
	}

	room, err := s.membership.GetOrCreatePrivateRoom(userId, req.UserId)
	if err != nil {
		s.writeError(w, NewServiceError(err))
		return
	}

	s.writeJson(w, http.StatusOK, room)
}

func (s *HuddleApp) onlineUsers(w http.ResponseWriter, r *http.Request) {
	if _, ok := UserId(r.Context()); !ok {
		s.writeError(w, NewUnauthorizedError())
		return
	}

	users, err := s.db.ListOnlineAccounts()
	if err != nil {
		s.writeError(w, NewInternalServerError(err))
		return
	}

	resp := make([]types.User, len(users))
	for i, u := range users {
		resp[i] = toApiUser(u)
		resp[i].IsOnline = true
	}

	s.writeJson(w, http.StatusOK, resp)
}

func (s *HuddleApp) serveWs(w http.ResponseWriter, r *http.Request) {
	id, ok := UserId(r.Context())
	if !ok {
		s.writeError(w, NewUnauthorizedError())
		return
	}

	user, err := s.db.GetAccountById(id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			s.writeError(w, NewNotFoundError())
		} else {
			s.writeError(w, NewInternalServerError(err))
		}
		return
	}

	upgrader := websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			if origin == "" {
				return true
			}

			return slices.Contains(s.allowedOrigins, origin)
		},
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Println("error upgrading connection:", err)
		return
	}

	client := server.NewClient(types.User{
		Id:           user.Id,
		Username:     user.Username,
		EmailAddress: user.EmailAddress,
		CreatedAt:    user.CreatedAt,
		UpdatedAt:    user.UpdatedAt,
	}, conn, s.cs, s.log)

	s.cs.RegisterClient(client)
	go client.Write()
	go client.Read()
}

func toApiUser(u database.User) types.User {
	user := types.User{
		Id:           u.Id,
		Username:     u.Username,
		EmailAddress: u.EmailAddress,
		IsOnline:     u.IsOnline,
		CreatedAt:    u.CreatedAt,
		UpdatedAt:    u.UpdatedAt,
	}
	if u.LastSeen.Valid {
		user.LastSeen = u.LastSeen.Time
	}
	return user
}

func toApiRoom(r database.Room) types.Room {
	return types.Room{
		Id:          r.Id,
		ExternalId:  r.ExternalId,
		Name:        r.Name,
		Description: r.Description,
		Kind:        types.RoomKind(r.Kind),
		IsPrivate:   r.IsPrivate,
		CreatorId:   r.CreatorId,
		CreatedAt:   r.CreatedAt,
		UpdatedAt:   r.UpdatedAt,
	}
}

func toApiRooms(rows []database.Room) []types.Room {
	rooms := make([]types.Room, len(rows))
	for i, r := range rows {
		rooms[i] = toApiRoom(r)
	}
	return rooms
}
