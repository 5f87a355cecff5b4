package database

import (
	"context"
	"errors"
	"fmt"

	"synctext/internal/models"
	"synctext/pkg/logger"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	pgUniqueViolation     = "23505"
	pgForeignKeyViolation = "23503"
)

type PostgresDB struct {
	pool *pgxpool.Pool
}

func NewPostgresDB(ctx context.Context, databaseURL string) (*PostgresDB, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	// Test connection
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	logger.Info("Connected to database successfully")
	return &PostgresDB{pool: pool}, nil
}

func (db *PostgresDB) Close() error {
	db.pool.Close()
	return nil
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS users (
		username      TEXT PRIMARY KEY,
		password_hash TEXT NOT NULL,
		created_at    TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE TABLE IF NOT EXISTS user_rooms (
		username TEXT NOT NULL REFERENCES users(username) ON DELETE CASCADE,
		room     TEXT NOT NULL,
		seq      BIGSERIAL,
		PRIMARY KEY (username, room)
	)`,
	`CREATE TABLE IF NOT EXISTS rooms (
		name       TEXT PRIMARY KEY,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE TABLE IF NOT EXISTS room_members (
		room     TEXT NOT NULL REFERENCES rooms(name) ON DELETE CASCADE,
		username TEXT NOT NULL,
		seq      BIGSERIAL,
		PRIMARY KEY (room, username)
	)`,
	`CREATE TABLE IF NOT EXISTS messages (
		id         BIGSERIAL PRIMARY KEY,
		room       TEXT NOT NULL,
		author     TEXT NOT NULL,
		body       TEXT NOT NULL,
		sent_at    TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE INDEX IF NOT EXISTS messages_room_id_idx ON messages (room, id)`,
}

func (db *PostgresDB) Migrate(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := db.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("failed to migrate: %w", err)
		}
	}
	return nil
}

// Identity Store Implementation
func (db *PostgresDB) CreateUser(ctx context.Context, username, passwordHash string) (*models.User, error) {
	query := `
		INSERT INTO users (username, password_hash, created_at)
		VALUES ($1, $2, NOW())
		RETURNING username, created_at`

	user := &models.User{PasswordHash: passwordHash, JoinedRooms: []string{}}
	err := db.pool.QueryRow(ctx, query, username, passwordHash).Scan(&user.Username, &user.CreatedAt)
	if err != nil {
		if pgErrorCode(err) == pgUniqueViolation {
			return nil, ErrUsernameTaken
		}
		return nil, fmt.Errorf("failed to create user: %w", err)
	}

	return user, nil
}

func (db *PostgresDB) FindByUsername(ctx context.Context, username string) (*models.User, error) {
	query := `
		SELECT u.username, u.password_hash, u.created_at,
		       COALESCE(array_agg(r.room ORDER BY r.seq) FILTER (WHERE r.room IS NOT NULL), '{}')
		FROM users u
		LEFT JOIN user_rooms r ON r.username = u.username
		WHERE u.username = $1
		GROUP BY u.username`

	user := &models.User{}
	err := db.pool.QueryRow(ctx, query, username).Scan(
		&user.Username, &user.PasswordHash, &user.CreatedAt, &user.JoinedRooms,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to find user: %w", err)
	}

	return user, nil
}

// Room Store Implementation
func (db *PostgresDB) EnsureRoom(ctx context.Context, name string) (*models.Room, error) {
	return ensureRoom(ctx, db.pool, name)
}

func (db *PostgresDB) RoomMembers(ctx context.Context, room string) ([]string, error) {
	return roomMembers(ctx, db.pool, room)
}

// Membership Implementation
func (db *PostgresDB) JoinRoom(ctx context.Context, username, room string) ([]string, error) {
	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin join: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := ensureRoom(ctx, tx, room); err != nil {
		return nil, err
	}

	addMember := `
		INSERT INTO room_members (room, username) VALUES ($1, $2)
		ON CONFLICT (room, username) DO NOTHING`
	if _, err := tx.Exec(ctx, addMember, room, username); err != nil {
		return nil, fmt.Errorf("failed to add member: %w", err)
	}

	// An unknown user fails here and rolls back the member row.
	addJoined := `
		INSERT INTO user_rooms (username, room) VALUES ($1, $2)
		ON CONFLICT (username, room) DO NOTHING`
	if _, err := tx.Exec(ctx, addJoined, username, room); err != nil {
		if pgErrorCode(err) == pgForeignKeyViolation {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to add joined room: %w", err)
	}

	members, err := roomMembers(ctx, tx, room)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit join: %w", err)
	}
	return members, nil
}

func (db *PostgresDB) LeaveRoom(ctx context.Context, username, room string) ([]string, bool, error) {
	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("failed to begin leave: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `DELETE FROM user_rooms WHERE username = $1 AND room = $2`, username, room); err != nil {
		return nil, false, fmt.Errorf("failed to remove joined room: %w", err)
	}
	if _, err := tx.Exec(ctx, `DELETE FROM room_members WHERE room = $1 AND username = $2`, room, username); err != nil {
		return nil, false, fmt.Errorf("failed to remove member: %w", err)
	}

	exists := true
	members, err := roomMembers(ctx, tx, room)
	if errors.Is(err, ErrNotFound) {
		members, exists = []string{}, false
	} else if err != nil {
		return nil, false, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, false, fmt.Errorf("failed to commit leave: %w", err)
	}
	return members, exists, nil
}

// querier is satisfied by the pool and by a transaction.
type querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func ensureRoom(ctx context.Context, q querier, name string) (*models.Room, error) {
	query := `
		INSERT INTO rooms (name, created_at) VALUES ($1, NOW())
		ON CONFLICT (name) DO UPDATE SET name = EXCLUDED.name
		RETURNING name, created_at`

	room := &models.Room{}
	if err := q.QueryRow(ctx, query, name).Scan(&room.Name, &room.CreatedAt); err != nil {
		return nil, fmt.Errorf("failed to ensure room: %w", err)
	}
	return room, nil
}

func roomMembers(ctx context.Context, q querier, room string) ([]string, error) {
	query := `
		SELECT r.name, m.username
		FROM rooms r
		LEFT JOIN room_members m ON m.room = r.name
		WHERE r.name = $1
		ORDER BY m.seq`

	rows, err := q.Query(ctx, query, room)
	if err != nil {
		return nil, fmt.Errorf("failed to load members: %w", err)
	}
	defer rows.Close()

	found := false
	members := []string{}
	for rows.Next() {
		var name string
		var username *string
		if err := rows.Scan(&name, &username); err != nil {
			return nil, err
		}
		found = true
		if username != nil {
			members = append(members, *username)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if !found {
		return nil, ErrNotFound
	}

	return members, nil
}

// Message Log Implementation
func (db *PostgresDB) AppendMessage(ctx context.Context, msg models.Message) (*models.Message, error) {
	query := `
		INSERT INTO messages (room, author, body, sent_at, created_at)
		VALUES ($1, $2, $3, $4, NOW())
		RETURNING id, created_at`

	if err := db.pool.QueryRow(ctx, query, msg.Room, msg.Author, msg.Body, msg.Timestamp).Scan(&msg.ID, &msg.CreatedAt); err != nil {
		return nil, fmt.Errorf("failed to save message: %w", err)
	}
	return &msg, nil
}

func (db *PostgresDB) FetchMessages(ctx context.Context, room string) ([]models.Message, error) {
	query := `
		SELECT id, room, author, body, sent_at, created_at
		FROM messages
		WHERE room = $1
		ORDER BY id`

	rows, err := db.pool.Query(ctx, query, room)
	if err != nil {
		return nil, fmt.Errorf("failed to load messages: %w", err)
	}
	defer rows.Close()

	messages := []models.Message{}
	for rows.Next() {
		var msg models.Message
		if err := rows.Scan(&msg.ID, &msg.Room, &msg.Author, &msg.Body, &msg.Timestamp, &msg.CreatedAt); err != nil {
			return nil, err
		}
		messages = append(messages, msg)
	}

	return messages, rows.Err()
}

func pgErrorCode(err error) string {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code
	}
	return ""
}
