// Package presence tracks live sessions and the set of online identities.
package presence

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"synctext/internal/database"
	"synctext/internal/models"
	"synctext/pkg/logger"
)

// ErrAlreadyBound is returned when a connection that already logged in (or
// logged out) tries to bind an identity again.
var ErrAlreadyBound = errors.New("connection already bound to an identity")

// Notifier delivers an event to every connected session.
type Notifier interface {
	Broadcast(ev models.Event)
}

type IdentityReader interface {
	FindByUsername(ctx context.Context, username string) (*models.User, error)
}

// Session is the directory's record of one live connection. Identity is
// empty until login and is set at most once.
type Session struct {
	ID          string
	Identity    string
	ConnectedAt time.Time
	loggedOut   bool
}

func (s *Session) bound() bool {
	return s.Identity != "" || s.loggedOut
}

// Directory is the sole owner of the Online Set.
type Directory struct {
	mu         sync.Mutex
	sessions   map[string]*Session
	online     map[string]int // identity -> live bound sessions
	identities IdentityReader
	notifier   Notifier
}

func NewDirectory(identities IdentityReader, notifier Notifier) *Directory {
	return &Directory{
		sessions:   make(map[string]*Session),
		online:     make(map[string]int),
		identities: identities,
		notifier:   notifier,
	}
}

// Open records a new, unbound connection.
func (d *Directory) Open(connID string) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, ok := d.sessions[connID]; ok {
		return
	}
	d.sessions[connID] = &Session{ID: connID, ConnectedAt: time.Now()}
}

// Close unbinds and forgets the connection.
func (d *Directory) Close(connID string) {
	d.mu.Lock()
	defer d.mu.Unlock()

	sess, ok := d.sessions[connID]
	if !ok {
		return
	}
	d.unbindLocked(connID)
	delete(d.sessions, connID)
	logger.Debug("Session %s closed after %s", connID, time.Since(sess.ConnectedAt).Round(time.Millisecond))
}

// Register binds identity to the connection, broadcasts the Online Set and
// returns the identity's joined rooms. ok is false when the connection is
// unknown; nothing happens then. A store failure aborts the login with
// nothing bound.
func (d *Directory) Register(ctx context.Context, connID, identity string) (rooms []string, ok bool, err error) {
	d.mu.Lock()
	sess, found := d.sessions[connID]
	if !found {
		d.mu.Unlock()
		return nil, false, nil
	}
	if sess.bound() {
		d.mu.Unlock()
		return nil, false, ErrAlreadyBound
	}
	d.mu.Unlock()

	rooms = []string{}
	user, err := d.identities.FindByUsername(ctx, identity)
	switch {
	case errors.Is(err, database.ErrNotFound):
	case err != nil:
		return nil, false, fmt.Errorf("load rooms for %s: %w", identity, err)
	case user.JoinedRooms != nil:
		rooms = user.JoinedRooms
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	// The connection may have closed or bound while the store was read.
	sess, found = d.sessions[connID]
	if !found {
		return nil, false, nil
	}
	if sess.bound() {
		return nil, false, ErrAlreadyBound
	}

	sess.Identity = identity
	d.online[identity]++
	logger.Info("%s came online (connection %s, %d sessions)", identity, connID, d.online[identity])

	// Broadcast under the lock so successive presence snapshots reach every
	// client in mutation order.
	d.notifier.Broadcast(models.PresenceEvent(d.onlineLocked()))
	return rooms, true, nil
}

// Unregister drops the connection's binding (explicit logout). The session
// stays open but cannot log in again. Repeated calls are no-ops.
func (d *Directory) Unregister(connID string) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.unbindLocked(connID)
}

func (d *Directory) unbindLocked(connID string) {
	sess, ok := d.sessions[connID]
	if !ok || sess.Identity == "" {
		return
	}
	identity := sess.Identity
	sess.Identity = ""
	sess.loggedOut = true

	d.online[identity]--
	if d.online[identity] > 0 {
		logger.Debug("%s closed connection %s, %d sessions remain", identity, connID, d.online[identity])
		return
	}
	delete(d.online, identity)
	logger.Info("%s went offline", identity)
	d.notifier.Broadcast(models.PresenceEvent(d.onlineLocked()))
}

// Identity returns the identity bound to the connection, if any.
func (d *Directory) Identity(connID string) (string, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	sess, ok := d.sessions[connID]
	if !ok || sess.Identity == "" {
		return "", false
	}
	return sess.Identity, true
}

// Online returns the Online Set sorted by username.
func (d *Directory) Online() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.onlineLocked()
}

func (d *Directory) onlineLocked() []string {
	users := make([]string, 0, len(d.online))
	for u := range d.online {
		users = append(users, u)
	}
	sort.Strings(users)
	return users
}
