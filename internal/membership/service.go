// Package membership is the authoritative record of which users belong to
// which rooms. It owns room creation, private-pair room resolution and the
// password gate on private group rooms.
package membership

import (
	"database/sql"
	"errors"
	"fmt"
	"log"
	"math/rand"

	"github.com/teris-io/shortid"
	"golang.org/x/crypto/bcrypt"

	"github.com/huddlechat/huddle/internal/database"
	"github.com/huddlechat/huddle/internal/presence"
	"github.com/huddlechat/huddle/internal/types"
)

const (
	minRoomNameLen = 2
	maxRoomNameLen = 50
)

type Service struct {
	log      *log.Logger
	db       database.ChatRepository
	presence *presence.Tracker
	sid      *shortid.Shortid
}

func NewService(logger *log.Logger, db database.ChatRepository, tracker *presence.Tracker) (*Service, error) {
	sid, err := shortid.New(1, shortid.DefaultABC, rand.Uint64())
	if err != nil {
		return nil, fmt.Errorf("shortid: %w", err)
	}

	return &Service{
		log:      logger,
		db:       db,
		presence: tracker,
		sid:      sid,
	}, nil
}

// CreateRoom creates a group room. The creator becomes an admin member.
// A duplicate group-room name yields types.ErrConflict.
func (s *Service) CreateRoom(name, description string, creatorId int, private bool, password string) (types.Room, error) {
	if len(name) < minRoomNameLen {
		return types.Room{}, fmt.Errorf("room name must be at least %d characters: %w", minRoomNameLen, types.ErrEmpty)
	}
	if len(name) > maxRoomNameLen {
		return types.Room{}, fmt.Errorf("room name must be at most %d characters: %w", maxRoomNameLen, types.ErrTooLong)
	}

	if private && password == "" {
		return types.Room{}, fmt.Errorf("private room requires a password: %w", types.ErrEmpty)
	}

	var passwordHash string
	if private {
		hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
		if err != nil {
			return types.Room{}, fmt.Errorf("hash password: %w", err)
		}
		passwordHash = string(hash)
	}

	externalId, err := s.sid.Generate()
	if err != nil {
		return types.Room{}, fmt.Errorf("generate external id: %w", err)
	}

	room, err := s.db.CreateRoom(database.CreateRoomParams{
		Name:         name,
		Description:  description,
		ExternalId:   externalId,
		Kind:         string(types.RoomKindGroup),
		IsPrivate:    private,
		PasswordHash: passwordHash,
		CreatorId:    creatorId,
	})
	if err != nil {
		if database.IsUniqueViolation(err) {
			return types.Room{}, fmt.Errorf("room name %q taken: %w", name, types.ErrConflict)
		}
		return types.Room{}, fmt.Errorf("create room: %w", err)
	}

	s.log.Printf("user %d created room %q (%s)", creatorId, name, room.ExternalId)
	return toRoom(room), nil
}

// GetOrCreatePrivateRoom resolves the room for an unordered user pair,
// creating it on first use. Safe to call from either party in either
// argument order; a creation race resolves to the winner's room.
func (s *Service) GetOrCreatePrivateRoom(userA, userB int) (types.Room, error) {
	if userA == userB {
		return types.Room{}, fmt.Errorf("cannot start a private chat with yourself: %w", types.ErrForbidden)
	}

	room, err := s.db.GetPrivateRoom(userA, userB)
	if err == nil {
		return toRoom(room), nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return types.Room{}, fmt.Errorf("lookup private room: %w", err)
	}

	externalId, err := s.sid.Generate()
	if err != nil {
		return types.Room{}, fmt.Errorf("generate external id: %w", err)
	}

	room, err = s.db.CreatePrivateRoom(userA, userB, externalId)
	if err != nil {
		if database.IsUniqueViolation(err) {
			// another connection created the pair first
			room, err = s.db.GetPrivateRoom(userA, userB)
			if err != nil {
				return types.Room{}, fmt.Errorf("lookup private room after race: %w", err)
			}
			return toRoom(room), nil
		}
		return types.Room{}, fmt.Errorf("create private room: %w", err)
	}

	s.log.Printf("created private room %s for users %d and %d", room.ExternalId, userA, userB)
	return toRoom(room), nil
}

// Join adds a user to a room. Re-joining is a no-op success; the same holds
// for a duplicate-key race between two concurrent joins. Private group rooms
// require the password unless a membership already exists. Private-pair
// rooms admit only their two fixed participants.
func (s *Service) Join(roomId, userId int, password string) (types.Membership, error) {
	if m, err := s.db.GetMembership(userId, roomId); err == nil {
		return toMembership(m), nil
	} else if !errors.Is(err, sql.ErrNoRows) {
		return types.Membership{}, fmt.Errorf("lookup membership: %w", err)
	}

	room, err := s.GetRoom(roomId)
	if err != nil {
		return types.Membership{}, err
	}

	if room.Kind == types.RoomKindPrivatePair {
		// pair memberships are created with the room and never added to
		return types.Membership{}, fmt.Errorf("room %d is a private conversation: %w", roomId, types.ErrForbidden)
	}

	if room.IsPrivate {
		dbRoom, err := s.db.GetRoomById(roomId)
		if err != nil {
			return types.Membership{}, fmt.Errorf("lookup room: %w", err)
		}
		if !dbRoom.PasswordHash.Valid ||
			bcrypt.CompareHashAndPassword([]byte(dbRoom.PasswordHash.String), []byte(password)) != nil {
			return types.Membership{}, fmt.Errorf("wrong password for room %d: %w", roomId, types.ErrForbidden)
		}
	}

	m, err := s.db.CreateMembership(userId, roomId, false)
	if err != nil {
		if database.IsUniqueViolation(err) {
			// concurrent join won the race; already a member is success
			existing, err := s.db.GetMembership(userId, roomId)
			if err != nil {
				return types.Membership{}, fmt.Errorf("lookup membership after race: %w", err)
			}
			return toMembership(existing), nil
		}
		return types.Membership{}, fmt.Errorf("create membership: %w", err)
	}

	s.log.Printf("user %d joined room %d", userId, roomId)
	return toMembership(m), nil
}

// Leave removes a user's membership. Historical messages authored by the
// user are untouched. Private-pair rooms cannot be left; their memberships
// live and die with the room.
func (s *Service) Leave(roomId, userId int) error {
	room, err := s.GetRoom(roomId)
	if err != nil {
		return err
	}
	if room.Kind == types.RoomKindPrivatePair {
		return fmt.Errorf("room %d is a private conversation: %w", roomId, types.ErrForbidden)
	}

	err = s.db.DeleteMembership(userId, roomId)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("user %d has no membership in room %d: %w", userId, roomId, types.ErrNotAMember)
	}
	if err != nil {
		return fmt.Errorf("delete membership: %w", err)
	}

	s.log.Printf("user %d left room %d", userId, roomId)
	return nil
}

func (s *Service) IsMember(roomId, userId int) bool {
	_, err := s.db.GetMembership(userId, roomId)
	return err == nil
}

// IsAdmin reports whether the user holds an admin membership in the room.
func (s *Service) IsAdmin(roomId, userId int) bool {
	m, err := s.db.GetMembership(userId, roomId)
	return err == nil && m.IsAdmin
}

func (s *Service) GetRoom(roomId int) (types.Room, error) {
	room, err := s.db.GetRoomById(roomId)
	if errors.Is(err, sql.ErrNoRows) {
		return types.Room{}, fmt.Errorf("room %d: %w", roomId, types.ErrNotFound)
	}
	if err != nil {
		return types.Room{}, fmt.Errorf("lookup room: %w", err)
	}

	return toRoom(room), nil
}

func (s *Service) Members(roomId int) ([]types.User, error) {
	members, err := s.db.ListMembers(roomId)
	if err != nil {
		return nil, fmt.Errorf("list members: %w", err)
	}

	users := make([]types.User, len(members))
	for i, m := range members {
		users[i] = toUser(m)
	}

	return users, nil
}

// OnlineMembers intersects the durable membership set with the presence
// tracker's live user set.
func (s *Service) OnlineMembers(roomId int) ([]types.User, error) {
	members, err := s.db.ListMembers(roomId)
	if err != nil {
		return nil, fmt.Errorf("list members: %w", err)
	}

	var users []types.User
	for _, m := range members {
		if s.presence.IsOnline(m.Id) {
			u := toUser(m)
			u.IsOnline = true
			users = append(users, u)
		}
	}

	return users, nil
}

func toRoom(r database.Room) types.Room {
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

func toMembership(m database.Membership) types.Membership {
	return types.Membership{
		UserId:   m.UserId,
		RoomId:   m.RoomId,
		IsAdmin:  m.IsAdmin,
		JoinedAt: m.JoinedAt,
	}
}

func toUser(u database.User) types.User {
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
