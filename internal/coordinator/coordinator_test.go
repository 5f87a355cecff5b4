package coordinator

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"testing"
	"time"

	"synctext/internal/database"
	"synctext/internal/models"
	"synctext/internal/rooms"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeRouter mirrors Hub semantics and records what each connection received.
type fakeRouter struct {
	mu       sync.Mutex
	channels map[string]map[string]bool
	inbox    map[string][]models.Event
}

func newFakeRouter() *fakeRouter {
	return &fakeRouter{
		channels: make(map[string]map[string]bool),
		inbox:    make(map[string][]models.Event),
	}
}

func (r *fakeRouter) Subscribe(connID, room string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.channels[room] == nil {
		r.channels[room] = make(map[string]bool)
	}
	if r.channels[room][connID] {
		return false
	}
	r.channels[room][connID] = true
	return true
}

func (r *fakeRouter) Unsubscribe(connID, room string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.channels[room], connID)
}

func (r *fakeRouter) SendTo(connID string, ev models.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.inbox[connID] = append(r.inbox[connID], ev)
}

func (r *fakeRouter) BroadcastRoom(room string, ev models.Event, except string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for connID := range r.channels[room] {
		if connID != except {
			r.inbox[connID] = append(r.inbox[connID], ev)
		}
	}
}

func (r *fakeRouter) subscribed(connID, room string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.channels[room][connID]
}

// take returns and clears the events delivered to connID.
func (r *fakeRouter) take(connID string) []models.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	evs := r.inbox[connID]
	delete(r.inbox, connID)
	return evs
}

func eventTypes(evs []models.Event) []models.EventType {
	out := make([]models.EventType, 0, len(evs))
	for _, ev := range evs {
		out = append(out, ev.Type)
	}
	return out
}

// flakyDB fails selected operations on demand.
type flakyDB struct {
	*database.MemoryDB
	mu        sync.Mutex
	failJoin  error
	failLeave error
	failFetch error
}

func (f *flakyDB) get(p *error) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return *p
}

func (f *flakyDB) JoinRoom(ctx context.Context, username, room string) ([]string, error) {
	if err := f.get(&f.failJoin); err != nil {
		return nil, err
	}
	return f.MemoryDB.JoinRoom(ctx, username, room)
}

func (f *flakyDB) LeaveRoom(ctx context.Context, username, room string) ([]string, bool, error) {
	if err := f.get(&f.failLeave); err != nil {
		return nil, false, err
	}
	return f.MemoryDB.LeaveRoom(ctx, username, room)
}

func (f *flakyDB) FetchMessages(ctx context.Context, room string) ([]models.Message, error) {
	if err := f.get(&f.failFetch); err != nil {
		return nil, err
	}
	return f.MemoryDB.FetchMessages(ctx, room)
}

type fixture struct {
	db       *flakyDB
	registry *rooms.Registry
	router   *fakeRouter
	coord    *Coordinator
}

func newFixture(t *testing.T, users ...string) *fixture {
	t.Helper()
	db := &flakyDB{MemoryDB: database.NewMemoryDB()}
	for _, u := range users {
		_, err := db.CreateUser(context.Background(), u, "hash")
		require.NoError(t, err)
	}
	registry := rooms.NewRegistry(db)
	router := newFakeRouter()
	return &fixture{
		db:       db,
		registry: registry,
		router:   router,
		coord:    New(db, registry, db, router),
	}
}

func (f *fixture) joinedRooms(t *testing.T, user string) []string {
	t.Helper()
	u, err := f.db.FindByUsername(context.Background(), user)
	require.NoError(t, err)
	return u.JoinedRooms
}

func (f *fixture) members(t *testing.T, room string) []string {
	t.Helper()
	m, err := f.registry.Members(context.Background(), room)
	require.NoError(t, err)
	return m
}

// assertConsistent checks r ∈ u.joinedRooms ⇔ u ∈ r.members for every pair.
func (f *fixture) assertConsistent(t *testing.T, users, roomNames []string) {
	t.Helper()
	for _, u := range users {
		joined := f.joinedRooms(t, u)
		for _, r := range roomNames {
			assert.Equal(t, contains(joined, r), contains(f.members(t, r), u),
				"%s joinedRooms=%v, %s members=%v", u, joined, r, f.members(t, r))
		}
	}
}

func contains(list []string, v string) bool {
	for _, x := range list {
		if x == v {
			return true
		}
	}
	return false
}

func TestJoin_AliceAndBobScenario(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, "alice", "bob")

	require.NoError(t, f.coord.Join(ctx, "c-alice", "alice", "general"))

	assert.Equal(t, []string{"alice"}, f.members(t, "general"))
	assert.Equal(t, []string{"general"}, f.joinedRooms(t, "alice"))

	evs := f.router.take("c-alice")
	require.Equal(t, []models.EventType{models.EventMyRooms, models.EventRoomMembers, models.EventHistory}, eventTypes(evs))
	assert.Equal(t, []string{"general"}, evs[0].Data)
	assert.Equal(t, models.RoomMembers{Room: "general", Members: []string{"alice"}}, evs[1].Data)
	assert.Equal(t, []models.Message{}, evs[2].Data)

	require.NoError(t, f.coord.Join(ctx, "c-bob", "bob", "general"))

	assert.Equal(t, []string{"alice", "bob"}, f.members(t, "general"))

	aliceEvs := f.router.take("c-alice")
	require.Len(t, aliceEvs, 1)
	assert.Equal(t, models.RoomMembers{Room: "general", Members: []string{"alice", "bob"}}, aliceEvs[0].Data)

	bobEvs := f.router.take("c-bob")
	assert.Equal(t, []models.EventType{models.EventMyRooms, models.EventRoomMembers, models.EventHistory}, eventTypes(bobEvs))
	assert.Equal(t, models.RoomMembers{Room: "general", Members: []string{"alice", "bob"}}, bobEvs[1].Data)
}

func TestJoin_IsIdempotent(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, "alice")

	require.NoError(t, f.coord.Join(ctx, "c1", "alice", "general"))
	require.NoError(t, f.coord.Join(ctx, "c1", "alice", "general"))

	assert.Equal(t, []string{"alice"}, f.members(t, "general"))
	assert.Equal(t, []string{"general"}, f.joinedRooms(t, "alice"))
	assert.True(t, f.router.subscribed("c1", "general"))
}

func TestJoin_DeliversHistoryOldestFirst(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, "alice")
	for _, body := range []string{"one", "two"} {
		_, err := f.db.AppendMessage(ctx, models.Message{Room: "general", Author: "bob", Body: body})
		require.NoError(t, err)
	}

	require.NoError(t, f.coord.Join(ctx, "c1", "alice", "general"))

	evs := f.router.take("c1")
	require.Len(t, evs, 3)
	history := evs[2].Data.([]models.Message)
	require.Len(t, history, 2)
	assert.Equal(t, "one", history[0].Body)
	assert.Equal(t, "two", history[1].Body)
}

func TestJoin_UnknownIdentity(t *testing.T) {
	f := newFixture(t)

	err := f.coord.Join(context.Background(), "c1", "ghost", "general")
	assert.ErrorIs(t, err, ErrUnknownIdentity)
	assert.False(t, f.router.subscribed("c1", "general"))
	assert.Empty(t, f.router.take("c1"))
	assert.Empty(t, f.members(t, "general"))
}

func TestJoin_StoreFailureWritesNothing(t *testing.T) {
	f := newFixture(t, "alice")
	boom := errors.New("connection reset")
	f.db.failJoin = boom

	err := f.coord.Join(context.Background(), "c1", "alice", "general")
	assert.ErrorIs(t, err, boom)

	assert.Empty(t, f.joinedRooms(t, "alice"))
	assert.Empty(t, f.members(t, "general"))
	assert.False(t, f.router.subscribed("c1", "general"))
	assert.Empty(t, f.router.take("c1"), "failed join delivers nothing")
}

func TestJoin_FailedRetryKeepsExistingMembership(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, "alice")
	require.NoError(t, f.coord.Join(ctx, "c1", "alice", "general"))
	f.router.take("c1")

	f.db.failJoin = errors.New("connection reset")
	assert.Error(t, f.coord.Join(ctx, "c1", "alice", "general"))

	assert.Equal(t, []string{"general"}, f.joinedRooms(t, "alice"))
	assert.True(t, f.router.subscribed("c1", "general"), "existing subscription survives a failed retry")
	f.assertConsistent(t, []string{"alice"}, []string{"general"})
}

func TestJoin_HistoryFailureStillCommits(t *testing.T) {
	f := newFixture(t, "alice")
	f.db.failFetch = errors.New("read timeout")

	require.NoError(t, f.coord.Join(context.Background(), "c1", "alice", "general"))

	assert.Equal(t, []models.EventType{models.EventMyRooms, models.EventRoomMembers}, eventTypes(f.router.take("c1")))
	f.assertConsistent(t, []string{"alice"}, []string{"general"})
}

func TestLeave(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, "alice", "bob")
	require.NoError(t, f.coord.Join(ctx, "c-alice", "alice", "general"))
	require.NoError(t, f.coord.Join(ctx, "c-bob", "bob", "general"))
	f.router.take("c-alice")
	f.router.take("c-bob")

	require.NoError(t, f.coord.Leave(ctx, "c-alice", "alice", "general"))

	assert.Empty(t, f.joinedRooms(t, "alice"))
	assert.Equal(t, []string{"bob"}, f.members(t, "general"))
	assert.False(t, f.router.subscribed("c-alice", "general"))

	aliceEvs := f.router.take("c-alice")
	require.Equal(t, []models.EventType{models.EventMyRooms}, eventTypes(aliceEvs))
	assert.Equal(t, []string{}, aliceEvs[0].Data)

	bobEvs := f.router.take("c-bob")
	require.Len(t, bobEvs, 1)
	assert.Equal(t, models.RoomMembers{Room: "general", Members: []string{"bob"}}, bobEvs[0].Data)
}

func TestLeave_RoomRetainedWhenEmpty(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, "alice")
	require.NoError(t, f.coord.Join(ctx, "c1", "alice", "general"))
	require.NoError(t, f.coord.Leave(ctx, "c1", "alice", "general"))

	members, err := f.db.RoomMembers(ctx, "general")
	require.NoError(t, err)
	assert.Empty(t, members)
}

func TestLeave_DeletedIdentityGetsEmptyList(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, "alice")
	require.NoError(t, f.coord.Join(ctx, "c-alice", "alice", "general"))
	f.router.take("c-alice")
	f.router.Subscribe("c1", "general")

	require.NoError(t, f.coord.Leave(ctx, "c1", "ghost", "general"))

	evs := f.router.take("c1")
	require.Equal(t, []models.EventType{models.EventMyRooms}, eventTypes(evs))
	assert.Equal(t, []string{}, evs[0].Data)
	assert.Equal(t, []string{"alice"}, f.members(t, "general"))
}

func TestLeave_UnknownRoomSkipsRosterBroadcast(t *testing.T) {
	f := newFixture(t, "alice")
	f.router.Subscribe("c2", "nowhere")

	require.NoError(t, f.coord.Leave(context.Background(), "c1", "alice", "nowhere"))

	assert.Equal(t, []models.EventType{models.EventMyRooms}, eventTypes(f.router.take("c1")))
	assert.Empty(t, f.router.take("c2"))
}

func TestLeave_StoreFailureKeepsMembership(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, "alice")
	require.NoError(t, f.coord.Join(ctx, "c1", "alice", "general"))
	f.router.take("c1")

	boom := errors.New("connection reset")
	f.db.failLeave = boom

	assert.ErrorIs(t, f.coord.Leave(ctx, "c1", "alice", "general"), boom)
	assert.Equal(t, []string{"general"}, f.joinedRooms(t, "alice"))
	assert.Equal(t, []string{"alice"}, f.members(t, "general"))
	assert.True(t, f.router.subscribed("c1", "general"))
	assert.Empty(t, f.router.take("c1"))
}

// gatedRouter holds the first roster broadcast until a second one is sent
// or the wait runs out.
type gatedRouter struct {
	*fakeRouter
	mu      sync.Mutex
	rosters int
	holding chan struct{}
	second  chan struct{}
}

func newGatedRouter() *gatedRouter {
	return &gatedRouter{
		fakeRouter: newFakeRouter(),
		holding:    make(chan struct{}),
		second:     make(chan struct{}),
	}
}

func (r *gatedRouter) BroadcastRoom(room string, ev models.Event, except string) {
	if ev.Type == models.EventRoomMembers {
		r.mu.Lock()
		r.rosters++
		n := r.rosters
		r.mu.Unlock()

		switch n {
		case 1:
			close(r.holding)
			select {
			case <-r.second:
			case <-time.After(100 * time.Millisecond):
			}
		case 2:
			close(r.second)
		}
	}
	r.fakeRouter.BroadcastRoom(room, ev, except)
}

func TestJoin_RostersArriveInMembershipOrder(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, "alice", "bob")
	router := newGatedRouter()
	coord := New(f.db, f.registry, f.db, router)
	router.Subscribe("watcher", "general")

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		assert.NoError(t, coord.Join(ctx, "c-alice", "alice", "general"))
	}()
	<-router.holding
	go func() {
		defer wg.Done()
		assert.NoError(t, coord.Join(ctx, "c-bob", "bob", "general"))
	}()
	wg.Wait()

	evs := router.take("watcher")
	require.Equal(t, []models.EventType{models.EventRoomMembers, models.EventRoomMembers}, eventTypes(evs))
	assert.Equal(t, []string{"alice"}, evs[0].Data.(models.RoomMembers).Members)
	assert.Equal(t, []string{"alice", "bob"}, evs[1].Data.(models.RoomMembers).Members)
	assert.Equal(t, f.members(t, "general"), evs[1].Data.(models.RoomMembers).Members)
	assert.Equal(t, 0, coord.roomLocks.size())
}

func TestConcurrentJoinJoinThenLeave(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, "alice")

	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			assert.NoError(t, f.coord.Join(ctx, fmt.Sprintf("c%d", i), "alice", "general"))
		}(i)
	}
	wg.Wait()

	require.NoError(t, f.coord.Leave(ctx, "c0", "alice", "general"))

	assert.NotContains(t, f.members(t, "general"), "alice")
	assert.NotContains(t, f.joinedRooms(t, "alice"), "general")
	assert.Equal(t, 0, f.coord.locks.size())
}

func TestConcurrentMembershipKeepsInvariant(t *testing.T) {
	ctx := context.Background()
	users := []string{"alice", "bob", "carol"}
	roomNames := []string{"general", "random"}
	f := newFixture(t, users...)

	var wg sync.WaitGroup
	for w := 0; w < 12; w++ {
		wg.Add(1)
		go func(seed int64) {
			defer wg.Done()
			rng := rand.New(rand.NewSource(seed))
			for i := 0; i < 50; i++ {
				u := users[rng.Intn(len(users))]
				r := roomNames[rng.Intn(len(roomNames))]
				conn := fmt.Sprintf("%s-%d", u, seed)
				if rng.Intn(2) == 0 {
					assert.NoError(t, f.coord.Join(ctx, conn, u, r))
				} else {
					assert.NoError(t, f.coord.Leave(ctx, conn, u, r))
				}
			}
		}(int64(w))
	}
	wg.Wait()

	f.assertConsistent(t, users, roomNames)
	assert.Equal(t, 0, f.coord.locks.size())
	assert.Equal(t, 0, f.coord.roomLocks.size())
}

func TestJoin_CancelledWhileWaiting(t *testing.T) {
	f := newFixture(t, "alice")

	release, err := f.coord.locks.Lock(context.Background(), lockKey("alice", "general"))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err = f.coord.Join(ctx, "c1", "alice", "general")
	assert.ErrorIs(t, err, context.Canceled)
	assert.False(t, f.router.subscribed("c1", "general"))

	release()
	assert.Equal(t, 0, f.coord.locks.size())
}
