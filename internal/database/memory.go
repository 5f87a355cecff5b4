package database

import (
	"context"
	"sync"
	"time"

	"synctext/internal/models"
)

type memoryUser struct {
	passwordHash string
	rooms        []string
	createdAt    time.Time
}

type memoryRoom struct {
	members   []string
	createdAt time.Time
}

// MemoryDB is a process-local Database used for development (STORE=memory) and tests.
type MemoryDB struct {
	mu       sync.RWMutex
	users    map[string]*memoryUser
	rooms    map[string]*memoryRoom
	messages map[string][]models.Message
	nextID   int64
}

func NewMemoryDB() *MemoryDB {
	return &MemoryDB{
		users:    make(map[string]*memoryUser),
		rooms:    make(map[string]*memoryRoom),
		messages: make(map[string][]models.Message),
	}
}

func (db *MemoryDB) Migrate(context.Context) error { return nil }

func (db *MemoryDB) Close() error { return nil }

func (db *MemoryDB) CreateUser(_ context.Context, username, passwordHash string) (*models.User, error) {
	db.mu.Lock()
	defer db.mu.Unlock()

	if _, ok := db.users[username]; ok {
		return nil, ErrUsernameTaken
	}
	u := &memoryUser{passwordHash: passwordHash, createdAt: time.Now()}
	db.users[username] = u
	return u.toModel(username), nil
}

func (db *MemoryDB) FindByUsername(_ context.Context, username string) (*models.User, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()

	u, ok := db.users[username]
	if !ok {
		return nil, ErrNotFound
	}
	return u.toModel(username), nil
}

func (db *MemoryDB) EnsureRoom(_ context.Context, name string) (*models.Room, error) {
	db.mu.Lock()
	defer db.mu.Unlock()

	r := db.ensureRoomLocked(name)
	return &models.Room{Name: name, CreatedAt: r.createdAt}, nil
}

func (db *MemoryDB) ensureRoomLocked(name string) *memoryRoom {
	r, ok := db.rooms[name]
	if !ok {
		r = &memoryRoom{createdAt: time.Now()}
		db.rooms[name] = r
	}
	return r
}

func (db *MemoryDB) JoinRoom(_ context.Context, username, room string) ([]string, error) {
	db.mu.Lock()
	defer db.mu.Unlock()

	u, ok := db.users[username]
	if !ok {
		return nil, ErrNotFound
	}
	r := db.ensureRoomLocked(room)
	r.members = addUnique(r.members, username)
	u.rooms = addUnique(u.rooms, room)
	return clone(r.members), nil
}

func (db *MemoryDB) LeaveRoom(_ context.Context, username, room string) ([]string, bool, error) {
	db.mu.Lock()
	defer db.mu.Unlock()

	if u, ok := db.users[username]; ok {
		u.rooms = remove(u.rooms, room)
	}
	r, ok := db.rooms[room]
	if !ok {
		return []string{}, false, nil
	}
	r.members = remove(r.members, username)
	return clone(r.members), true, nil
}

func (db *MemoryDB) RoomMembers(_ context.Context, room string) ([]string, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()

	r, ok := db.rooms[room]
	if !ok {
		return nil, ErrNotFound
	}
	return clone(r.members), nil
}

func (db *MemoryDB) AppendMessage(_ context.Context, msg models.Message) (*models.Message, error) {
	db.mu.Lock()
	defer db.mu.Unlock()

	db.nextID++
	msg.ID = db.nextID
	msg.CreatedAt = time.Now()
	db.messages[msg.Room] = append(db.messages[msg.Room], msg)
	return &msg, nil
}

func (db *MemoryDB) FetchMessages(_ context.Context, room string) ([]models.Message, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()

	msgs := db.messages[room]
	out := make([]models.Message, len(msgs))
	copy(out, msgs)
	return out, nil
}

func (u *memoryUser) toModel(username string) *models.User {
	return &models.User{
		Username:     username,
		PasswordHash: u.passwordHash,
		JoinedRooms:  clone(u.rooms),
		CreatedAt:    u.createdAt,
	}
}

func addUnique(list []string, v string) []string {
	for _, x := range list {
		if x == v {
			return list
		}
	}
	return append(list, v)
}

func remove(list []string, v string) []string {
	out := list[:0]
	for _, x := range list {
		if x != v {
			out = append(out, x)
		}
	}
	return out
}

func clone(list []string) []string {
	out := make([]string, len(list))
	copy(out, list)
	return out
}
