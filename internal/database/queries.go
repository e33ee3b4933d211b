package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/huddlechat/huddle/internal/types"
)

// queryTimeout bounds every statement so a stalled database fails the
// request fast instead of hanging the caller.
const queryTimeout = 5 * time.Second

const (
	accountColumns = "id, username, email, password_hash, is_online, last_seen, created_at, updated_at"
	roomColumns    = "id, external_id, name, description, kind, is_private, password_hash, creator_id, created_at, updated_at"
	messageColumns = "id, room_id, author_id, content, kind, is_encrypted, is_deleted, created_at, edited_at"
)

func queryContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), queryTimeout)
}

// boundErr translates a blown statement deadline into the service timeout
// sentinel. Every other error, sql.ErrNoRows included, passes through
// untouched.
func boundErr(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("query deadline exceeded: %w", types.ErrTimeout)
	}
	return err
}

func scanAccount(row interface{ Scan(...any) error }) (User, error) {
	var u User
	err := row.Scan(
		&u.Id,
		&u.Username,
		&u.EmailAddress,
		&u.PasswordHash,
		&u.IsOnline,
		&u.LastSeen,
		&u.CreatedAt,
		&u.UpdatedAt,
	)
	return u, boundErr(err)
}

func scanRoom(row interface{ Scan(...any) error }) (Room, error) {
	var r Room
	err := row.Scan(
		&r.Id,
		&r.ExternalId,
		&r.Name,
		&r.Description,
		&r.Kind,
		&r.IsPrivate,
		&r.PasswordHash,
		&r.CreatorId,
		&r.CreatedAt,
		&r.UpdatedAt,
	)
	return r, boundErr(err)
}

func scanMessage(row interface{ Scan(...any) error }) (Message, error) {
	var m Message
	err := row.Scan(
		&m.Id,
		&m.RoomId,
		&m.AuthorId,
		&m.Content,
		&m.Kind,
		&m.Encrypted,
		&m.Deleted,
		&m.CreatedAt,
		&m.EditedAt,
	)
	return m, boundErr(err)
}

func (db *PgChatRepository) CreateAccount(params CreateAccountParams) (User, error) {
	ctx, cancel := queryContext()
	defer cancel()

	row := db.conn.QueryRowContext(ctx,
		"INSERT INTO accounts (username, email, password_hash, created_at, updated_at) "+
			"VALUES ($1, $2, $3, $4, $4) RETURNING "+accountColumns,
		params.Username,
		params.EmailAddress,
		params.PasswordHash,
		time.Now().UTC(),
	)

	return scanAccount(row)
}

func (db *PgChatRepository) UpdateAccount(params UpdateAccountParams) (User, error) {
	ctx, cancel := queryContext()
	defer cancel()

	row := db.conn.QueryRowContext(ctx,
		"UPDATE accounts SET username = $2, password_hash = $3, updated_at = $4 "+
			"WHERE id = $1 RETURNING "+accountColumns,
		params.UserId,
		params.Username,
		params.PasswordHash,
		time.Now().UTC(),
	)

	return scanAccount(row)
}

func (db *PgChatRepository) GetAccountById(id int) (User, error) {
	ctx, cancel := queryContext()
	defer cancel()

	row := db.conn.QueryRowContext(ctx,
		"SELECT "+accountColumns+" FROM accounts WHERE id = $1 LIMIT 1",
		id,
	)

	return scanAccount(row)
}

func (db *PgChatRepository) GetAccountByEmail(email string) (User, error) {
	ctx, cancel := queryContext()
	defer cancel()

	row := db.conn.QueryRowContext(ctx,
		"SELECT "+accountColumns+" FROM accounts WHERE email = $1 LIMIT 1",
		email,
	)

	return scanAccount(row)
}

func (db *PgChatRepository) SetAccountOnline(id int, online bool, lastSeen time.Time) error {
	ctx, cancel := queryContext()
	defer cancel()

	_, err := db.conn.ExecContext(ctx,
		"UPDATE accounts SET is_online = $2, last_seen = $3, updated_at = $3 WHERE id = $1",
		id,
		online,
		lastSeen,
	)

	return boundErr(err)
}

func (db *PgChatRepository) ListOnlineAccounts() ([]User, error) {
	ctx, cancel := queryContext()
	defer cancel()

	rows, err := db.conn.QueryContext(ctx,
		"SELECT "+accountColumns+" FROM accounts WHERE is_online = TRUE ORDER BY username",
	)
	if err != nil {
		return nil, boundErr(err)
	}
	defer rows.Close()

	var users []User
	for rows.Next() {
		u, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		users = append(users, u)
	}

	return users, boundErr(rows.Err())
}

func (db *PgChatRepository) CreateRoom(params CreateRoomParams) (Room, error) {
	ctx, cancel := queryContext()
	defer cancel()

	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return Room{}, boundErr(err)
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	var passwordHash sql.NullString
	if params.PasswordHash != "" {
		passwordHash = sql.NullString{String: params.PasswordHash, Valid: true}
	}

	row := tx.QueryRowContext(ctx,
		"INSERT INTO rooms (external_id, name, description, kind, is_private, password_hash, creator_id, created_at, updated_at) "+
			"VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $8) RETURNING "+roomColumns,
		params.ExternalId,
		params.Name,
		params.Description,
		params.Kind,
		params.IsPrivate,
		passwordHash,
		params.CreatorId,
		time.Now().UTC(),
	)

	var room Room
	room, err = scanRoom(row)
	if err != nil {
		return Room{}, err
	}

	// the creator joins their own room as admin
	_, err = tx.ExecContext(ctx,
		"INSERT INTO memberships (user_id, room_id, is_admin, joined_at) VALUES ($1, $2, TRUE, $3)",
		params.CreatorId,
		room.Id,
		time.Now().UTC(),
	)
	if err != nil {
		return Room{}, boundErr(err)
	}

	if err = tx.Commit(); err != nil {
		return Room{}, boundErr(err)
	}

	return room, nil
}

func (db *PgChatRepository) GetRoomById(id int) (Room, error) {
	ctx, cancel := queryContext()
	defer cancel()

	row := db.conn.QueryRowContext(ctx,
		"SELECT "+roomColumns+" FROM rooms WHERE id = $1 LIMIT 1",
		id,
	)

	return scanRoom(row)
}

func (db *PgChatRepository) GetRoomByExternalId(externalId string) (Room, error) {
	ctx, cancel := queryContext()
	defer cancel()

	row := db.conn.QueryRowContext(ctx,
		"SELECT "+roomColumns+" FROM rooms WHERE external_id = $1 LIMIT 1",
		externalId,
	)

	return scanRoom(row)
}

func (db *PgChatRepository) ListRoomsForUser(userId int) ([]Room, error) {
	ctx, cancel := queryContext()
	defer cancel()

	rows, err := db.conn.QueryContext(ctx,
		"SELECT r.id, r.external_id, r.name, r.description, r.kind, r.is_private, r.password_hash, r.creator_id, r.created_at, r.updated_at "+
			"FROM rooms r JOIN memberships m ON r.id = m.room_id WHERE m.user_id = $1 ORDER BY r.name",
		userId,
	)
	if err != nil {
		return nil, boundErr(err)
	}
	defer rows.Close()

	var rooms []Room
	for rows.Next() {
		r, err := scanRoom(rows)
		if err != nil {
			return nil, err
		}
		rooms = append(rooms, r)
	}

	return rooms, boundErr(rows.Err())
}

func (db *PgChatRepository) ListPublicRooms() ([]Room, error) {
	ctx, cancel := queryContext()
	defer cancel()

	rows, err := db.conn.QueryContext(ctx,
		"SELECT "+roomColumns+" FROM rooms WHERE is_private = FALSE AND kind = 'group' ORDER BY name",
	)
	if err != nil {
		return nil, boundErr(err)
	}
	defer rows.Close()

	var rooms []Room
	for rows.Next() {
		r, err := scanRoom(rows)
		if err != nil {
			return nil, err
		}
		rooms = append(rooms, r)
	}

	return rooms, boundErr(rows.Err())
}

func (db *PgChatRepository) DeleteRoom(id int) error {
	ctx, cancel := queryContext()
	defer cancel()

	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return boundErr(err)
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	_, err = tx.ExecContext(ctx, "DELETE FROM memberships WHERE room_id = $1", id)
	if err != nil {
		return boundErr(err)
	}

	_, err = tx.ExecContext(ctx, "DELETE FROM private_chats WHERE room_id = $1", id)
	if err != nil {
		return boundErr(err)
	}

	_, err = tx.ExecContext(ctx, "DELETE FROM messages WHERE room_id = $1", id)
	if err != nil {
		return boundErr(err)
	}

	_, err = tx.ExecContext(ctx, "DELETE FROM rooms WHERE id = $1", id)
	if err != nil {
		return boundErr(err)
	}

	err = tx.Commit()
	return boundErr(err)
}

func (db *PgChatRepository) CreateMembership(userId, roomId int, isAdmin bool) (Membership, error) {
	ctx, cancel := queryContext()
	defer cancel()

	row := db.conn.QueryRowContext(ctx,
		"INSERT INTO memberships (user_id, room_id, is_admin, joined_at) "+
			"VALUES ($1, $2, $3, $4) RETURNING id, user_id, room_id, is_admin, joined_at",
		userId,
		roomId,
		isAdmin,
		time.Now().UTC(),
	)

	var m Membership
	err := row.Scan(&m.Id, &m.UserId, &m.RoomId, &m.IsAdmin, &m.JoinedAt)
	return m, boundErr(err)
}

func (db *PgChatRepository) GetMembership(userId, roomId int) (Membership, error) {
	ctx, cancel := queryContext()
	defer cancel()

	row := db.conn.QueryRowContext(ctx,
		"SELECT id, user_id, room_id, is_admin, joined_at FROM memberships "+
			"WHERE user_id = $1 AND room_id = $2 LIMIT 1",
		userId,
		roomId,
	)

	var m Membership
	err := row.Scan(&m.Id, &m.UserId, &m.RoomId, &m.IsAdmin, &m.JoinedAt)
	return m, boundErr(err)
}

func (db *PgChatRepository) DeleteMembership(userId, roomId int) error {
	ctx, cancel := queryContext()
	defer cancel()

	res, err := db.conn.ExecContext(ctx,
		"DELETE FROM memberships WHERE user_id = $1 AND room_id = $2",
		userId,
		roomId,
	)
	if err != nil {
		return boundErr(err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return boundErr(err)
	}
	if n == 0 {
		return sql.ErrNoRows
	}

	return nil
}

func (db *PgChatRepository) ListMembers(roomId int) ([]User, error) {
	ctx, cancel := queryContext()
	defer cancel()

	rows, err := db.conn.QueryContext(ctx,
		"SELECT a.id, a.username, a.email, a.password_hash, a.is_online, a.last_seen, a.created_at, a.updated_at "+
			"FROM memberships m JOIN accounts a ON m.user_id = a.id WHERE m.room_id = $1 ORDER BY a.username",
		roomId,
	)
	if err != nil {
		return nil, boundErr(err)
	}
	defer rows.Close()

	var users []User
	for rows.Next() {
		u, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		users = append(users, u)
	}

	return users, boundErr(rows.Err())
}

// GetPrivateRoom looks up the room for an unordered user pair. The pair is
// stored normalized (user_a < user_b), so lookups normalize the same way.
func (db *PgChatRepository) GetPrivateRoom(userA, userB int) (Room, error) {
	if userA > userB {
		userA, userB = userB, userA
	}

	ctx, cancel := queryContext()
	defer cancel()

	row := db.conn.QueryRowContext(ctx,
		"SELECT r.id, r.external_id, r.name, r.description, r.kind, r.is_private, r.password_hash, r.creator_id, r.created_at, r.updated_at "+
			"FROM private_chats p JOIN rooms r ON p.room_id = r.id WHERE p.user_a = $1 AND p.user_b = $2 LIMIT 1",
		userA,
		userB,
	)

	return scanRoom(row)
}

// GetPrivateChatUsers returns the fixed pair behind a private 1:1 room from
// the private_chats index. The pair outlives membership rows, so callers can
// rely on it for the life of the room.
func (db *PgChatRepository) GetPrivateChatUsers(roomId int) (int, int, error) {
	ctx, cancel := queryContext()
	defer cancel()

	row := db.conn.QueryRowContext(ctx,
		"SELECT user_a, user_b FROM private_chats WHERE room_id = $1 LIMIT 1",
		roomId,
	)

	var userA, userB int
	err := row.Scan(&userA, &userB)
	return userA, userB, boundErr(err)
}

// CreatePrivateRoom creates the pair room, its index row and both
// memberships in one transaction. The unique (user_a, user_b) index makes
// racing creations fail with a duplicate key; callers fall back to
// GetPrivateRoom.
func (db *PgChatRepository) CreatePrivateRoom(userA, userB int, externalId string) (Room, error) {
	if userA > userB {
		userA, userB = userB, userA
	}

	ctx, cancel := queryContext()
	defer cancel()

	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return Room{}, boundErr(err)
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	now := time.Now().UTC()
	row := tx.QueryRowContext(ctx,
		"INSERT INTO rooms (external_id, name, description, kind, is_private, creator_id, created_at, updated_at) "+
			"VALUES ($1, $2, '', 'private_pair', TRUE, $3, $4, $4) RETURNING "+roomColumns,
		externalId,
		fmt.Sprintf("private-%d-%d", userA, userB),
		userA,
		now,
	)

	var room Room
	room, err = scanRoom(row)
	if err != nil {
		return Room{}, err
	}

	_, err = tx.ExecContext(ctx,
		"INSERT INTO private_chats (user_a, user_b, room_id, created_at) VALUES ($1, $2, $3, $4)",
		userA,
		userB,
		room.Id,
		now,
	)
	if err != nil {
		return Room{}, boundErr(err)
	}

	for _, userId := range []int{userA, userB} {
		_, err = tx.ExecContext(ctx,
			"INSERT INTO memberships (user_id, room_id, is_admin, joined_at) VALUES ($1, $2, FALSE, $3)",
			userId,
			room.Id,
			now,
		)
		if err != nil {
			return Room{}, boundErr(err)
		}
	}

	if err = tx.Commit(); err != nil {
		return Room{}, boundErr(err)
	}

	return room, nil
}

func (db *PgChatRepository) CreateMessage(params CreateMessageParams) (Message, error) {
	ctx, cancel := queryContext()
	defer cancel()

	row := db.conn.QueryRowContext(ctx,
		"INSERT INTO messages (room_id, author_id, content, kind, is_encrypted, created_at) "+
			"VALUES ($1, $2, $3, $4, $5, $6) RETURNING "+messageColumns,
		params.RoomId,
		params.AuthorId,
		params.Content,
		params.Kind,
		params.Encrypted,
		params.CreatedAt,
	)

	return scanMessage(row)
}

func (db *PgChatRepository) GetMessageById(id int) (Message, error) {
	ctx, cancel := queryContext()
	defer cancel()

	row := db.conn.QueryRowContext(ctx,
		"SELECT "+messageColumns+" FROM messages WHERE id = $1 LIMIT 1",
		id,
	)

	return scanMessage(row)
}

func (db *PgChatRepository) UpdateMessageContent(id int, content string, editedAt time.Time) (Message, error) {
	ctx, cancel := queryContext()
	defer cancel()

	row := db.conn.QueryRowContext(ctx,
		"UPDATE messages SET content = $2, edited_at = $3 WHERE id = $1 RETURNING "+messageColumns,
		id,
		content,
		editedAt,
	)

	return scanMessage(row)
}

func (db *PgChatRepository) SoftDeleteMessage(id int) error {
	ctx, cancel := queryContext()
	defer cancel()

	res, err := db.conn.ExecContext(ctx,
		"UPDATE messages SET is_deleted = TRUE WHERE id = $1",
		id,
	)
	if err != nil {
		return boundErr(err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return boundErr(err)
	}
	if n == 0 {
		return sql.ErrNoRows
	}

	return nil
}

// ListMessages returns one page of non-deleted messages for a room ordered
// newest first, plus the total count of non-deleted messages. Display order
// within the page is the caller's concern.
func (db *PgChatRepository) ListMessages(roomId, limit, offset int) ([]Message, int, error) {
	ctx, cancel := queryContext()
	defer cancel()

	var total int
	err := db.conn.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM messages WHERE room_id = $1 AND is_deleted = FALSE",
		roomId,
	).Scan(&total)
	if err != nil {
		return nil, 0, boundErr(err)
	}

	rows, err := db.conn.QueryContext(ctx,
		"SELECT "+messageColumns+" FROM messages "+
			"WHERE room_id = $1 AND is_deleted = FALSE "+
			"ORDER BY created_at DESC, id DESC LIMIT $2 OFFSET $3",
		roomId,
		limit,
		offset,
	)
	if err != nil {
		return nil, 0, boundErr(err)
	}
	defer rows.Close()

	messages := make([]Message, 0, limit)
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, 0, err
		}
		messages = append(messages, m)
	}

	return messages, total, boundErr(rows.Err())
}
