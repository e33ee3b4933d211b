// Package messages owns the durable message log: validation, storage,
// pagination and the encryption boundary for private 1:1 conversations.
package messages

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/huddlechat/huddle/internal/database"
	"github.com/huddlechat/huddle/internal/privacy"
	"github.com/huddlechat/huddle/internal/types"
)

const (
	maxTextLen = 1000

	defaultPerPage = 50
	maxPerPage     = 100
)

type Store struct {
	log     *log.Logger
	db      database.ChatRepository
	keyring *privacy.Keyring
}

func NewStore(logger *log.Logger, db database.ChatRepository) *Store {
	return &Store{
		log:     logger,
		db:      db,
		keyring: privacy.NewKeyring(),
	}
}

// Append validates and stores a new message. Content of text messages is
// trimmed and limited to maxTextLen characters. Writing to a public group
// room joins it implicitly; private rooms require an existing membership.
// In private 1:1 rooms the content is sealed before it reaches the database;
// group room content is stored as written.
func (s *Store) Append(roomId, authorId int, kind types.MessageKind, text string, attachment *types.Attachment) (types.Message, error) {
	if err := s.ensureMember(roomId, authorId); err != nil {
		return types.Message{}, err
	}

	room, err := s.db.GetRoomById(roomId)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return types.Message{}, fmt.Errorf("room %d: %w", roomId, types.ErrNotFound)
		}
		return types.Message{}, fmt.Errorf("lookup room: %w", err)
	}

	content, err := s.renderContent(kind, text, attachment)
	if err != nil {
		return types.Message{}, err
	}

	encrypted := false
	if room.Kind == string(types.RoomKindPrivatePair) {
		key, err := s.pairKey(roomId)
		if err != nil {
			return types.Message{}, err
		}
		content, err = privacy.Seal(content, key)
		if err != nil {
			return types.Message{}, fmt.Errorf("seal message: %w", err)
		}
		encrypted = true
	}

	msg, err := s.db.CreateMessage(database.CreateMessageParams{
		RoomId:    roomId,
		AuthorId:  authorId,
		Content:   content,
		Kind:      string(kind),
		Encrypted: encrypted,
		CreatedAt: time.Now().UTC(),
	})
	if err != nil {
		return types.Message{}, fmt.Errorf("create message: %w", err)
	}

	out := s.toMessage(msg)
	if encrypted {
		// return the plaintext the author just sent, not the sealed row
		out.Content, _ = s.openContent(msg)
	}
	return out, nil
}

// Edit replaces the text of an existing message. Only the author may edit,
// and a deleted message is gone for editing purposes. Encrypted messages are
// re-sealed with the same pair key.
func (s *Store) Edit(messageId, userId int, text string) (types.Message, error) {
	msg, err := s.getMessage(messageId)
	if err != nil {
		return types.Message{}, err
	}

	if msg.AuthorId != userId {
		return types.Message{}, fmt.Errorf("user %d is not the author of message %d: %w", userId, messageId, types.ErrForbidden)
	}
	if msg.Deleted {
		return types.Message{}, fmt.Errorf("message %d is deleted: %w", messageId, types.ErrGone)
	}
	if types.MessageKind(msg.Kind) != types.MessageKindText {
		return types.Message{}, fmt.Errorf("only text messages can be edited: %w", types.ErrForbidden)
	}

	content, err := validateText(text)
	if err != nil {
		return types.Message{}, err
	}

	if msg.Encrypted {
		key, err := s.pairKey(msg.RoomId)
		if err != nil {
			return types.Message{}, err
		}
		content, err = privacy.Seal(content, key)
		if err != nil {
			return types.Message{}, fmt.Errorf("seal message: %w", err)
		}
	}

	updated, err := s.db.UpdateMessageContent(messageId, content, time.Now().UTC())
	if err != nil {
		return types.Message{}, fmt.Errorf("update message: %w", err)
	}

	out := s.toMessage(updated)
	if updated.Encrypted {
		out.Content, _ = s.openContent(updated)
	}
	return out, nil
}

// Delete soft-deletes a message. Allowed for the author, the room creator
// and admin members; the row stays in place so ordering and pagination are
// unaffected.
func (s *Store) Delete(messageId, userId int) error {
	msg, err := s.getMessage(messageId)
	if err != nil {
		return err
	}
	if msg.Deleted {
		return fmt.Errorf("message %d is already deleted: %w", messageId, types.ErrGone)
	}

	if msg.AuthorId != userId && !s.canModerate(msg.RoomId, userId) {
		return fmt.Errorf("user %d may not delete message %d: %w", userId, messageId, types.ErrForbidden)
	}

	if err := s.db.SoftDeleteMessage(messageId); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("message %d: %w", messageId, types.ErrGone)
		}
		return fmt.Errorf("delete message: %w", err)
	}

	s.log.Printf("user %d deleted message %d", userId, messageId)
	return nil
}

// Page reads a page of room history. Pages walk backwards in time (page 1 is
// the newest) but each page is returned oldest-first, ready for display.
// Deleted messages are excluded. Encrypted rows that fail to open render the
// redacted placeholder rather than failing the read.
func (s *Store) Page(roomId, userId, page, perPage int) (types.MessagePage, error) {
	if err := s.ensureMember(roomId, userId); err != nil {
		return types.MessagePage{}, err
	}

	if page < 1 {
		page = 1
	}
	if perPage < 1 {
		perPage = defaultPerPage
	}
	if perPage > maxPerPage {
		perPage = maxPerPage
	}

	rows, total, err := s.db.ListMessages(roomId, perPage, (page-1)*perPage)
	if err != nil {
		return types.MessagePage{}, fmt.Errorf("list messages: %w", err)
	}

	// rows arrive newest-first; reverse into display order
	msgs := make([]types.Message, len(rows))
	for i, row := range rows {
		m := s.toMessage(row)
		if row.Encrypted {
			plaintext, err := s.openContent(row)
			if err != nil {
				s.log.Printf("message %d in room %d failed to decrypt", row.Id, roomId)
				plaintext = privacy.RedactedPlaceholder
			}
			m.Content = plaintext
		}
		msgs[len(rows)-1-i] = m
	}

	return types.MessagePage{
		Messages: msgs,
		Total:    total,
		Page:     page,
		PerPage:  perPage,
		HasNext:  page*perPage < total,
		HasPrev:  page > 1,
	}, nil
}

// ensureMember resolves the user's membership in the room, joining public
// group rooms implicitly on first touch. Private rooms and 1:1 conversations
// stay members-only.
func (s *Store) ensureMember(roomId, userId int) error {
	_, err := s.db.GetMembership(userId, roomId)
	if err == nil {
		return nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("lookup membership: %w", err)
	}

	room, err := s.db.GetRoomById(roomId)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("room %d: %w", roomId, types.ErrNotFound)
		}
		return fmt.Errorf("lookup room: %w", err)
	}
	if room.IsPrivate || room.Kind != string(types.RoomKindGroup) {
		return fmt.Errorf("user %d is not a member of room %d: %w", userId, roomId, types.ErrNotAMember)
	}

	if _, err := s.db.CreateMembership(userId, roomId, false); err != nil {
		// a concurrent join already created the row
		if database.IsUniqueViolation(err) {
			return nil
		}
		return fmt.Errorf("join room %d: %w", roomId, err)
	}

	s.log.Printf("user %d joined room %d on first write", userId, roomId)
	return nil
}

func (s *Store) getMessage(messageId int) (database.Message, error) {
	msg, err := s.db.GetMessageById(messageId)
	if errors.Is(err, sql.ErrNoRows) {
		return database.Message{}, fmt.Errorf("message %d: %w", messageId, types.ErrNotFound)
	}
	if err != nil {
		return database.Message{}, fmt.Errorf("lookup message: %w", err)
	}
	return msg, nil
}

// canModerate reports whether the user is the room creator or holds an
// admin membership.
func (s *Store) canModerate(roomId, userId int) bool {
	room, err := s.db.GetRoomById(roomId)
	if err == nil && room.CreatorId == userId {
		return true
	}

	m, err := s.db.GetMembership(userId, roomId)
	return err == nil && m.IsAdmin
}

// pairKey resolves the symmetric key for a private 1:1 room. The pair comes
// from the durable private_chats index, not from membership rows, so the key
// is stable for the life of the room.
func (s *Store) pairKey(roomId int) ([]byte, error) {
	userA, userB, err := s.db.GetPrivateChatUsers(roomId)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("room %d has no pair record: %w", roomId, types.ErrInternal)
		}
		return nil, fmt.Errorf("lookup pair: %w", err)
	}

	return s.keyring.Key(userA, userB, roomId), nil
}

func (s *Store) openContent(msg database.Message) (string, error) {
	key, err := s.pairKey(msg.RoomId)
	if err != nil {
		return "", err
	}
	return privacy.Open(msg.Content, key)
}

func (s *Store) renderContent(kind types.MessageKind, text string, attachment *types.Attachment) (string, error) {
	switch kind {
	case types.MessageKindText, types.MessageKindSystem:
		return validateText(text)
	case types.MessageKindImage, types.MessageKindFile:
		if attachment == nil || attachment.Url == "" {
			return "", fmt.Errorf("%s message requires an attachment url: %w", kind, types.ErrEmpty)
		}
		raw, err := json.Marshal(attachment)
		if err != nil {
			return "", fmt.Errorf("encode attachment: %w", err)
		}
		return string(raw), nil
	default:
		return "", fmt.Errorf("unknown message kind %q: %w", kind, types.ErrForbidden)
	}
}

func validateText(text string) (string, error) {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return "", fmt.Errorf("message text is empty: %w", types.ErrEmpty)
	}
	if len([]rune(trimmed)) > maxTextLen {
		return "", fmt.Errorf("message text exceeds %d characters: %w", maxTextLen, types.ErrTooLong)
	}
	return trimmed, nil
}

func (s *Store) toMessage(m database.Message) types.Message {
	msg := types.Message{
		Id:        m.Id,
		RoomId:    m.RoomId,
		AuthorId:  m.AuthorId,
		Content:   m.Content,
		Kind:      types.MessageKind(m.Kind),
		Encrypted: m.Encrypted,
		CreatedAt: m.CreatedAt,
	}
	if m.EditedAt.Valid {
		t := m.EditedAt.Time
		msg.EditedAt = &t
	}
	return msg
}
