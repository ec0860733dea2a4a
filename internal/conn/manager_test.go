package conn_test

import (
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chatline/internal/chattest"
	"chatline/internal/conn"
	"chatline/internal/types"
)

const (
	reconnectDelay = 50 * time.Millisecond
	waitFor        = 3 * time.Second
	tick           = 10 * time.Millisecond
)

type fakeSessions struct {
	mu   sync.Mutex
	sess types.Session
	ok   bool
}

func (f *fakeSessions) Active() (types.Session, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sess, f.ok
}

func (f *fakeSessions) clear() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sess, f.ok = types.Session{}, false
}

func newFixture(t *testing.T) (*chattest.Server, *conn.Manager, *fakeSessions, chan types.Message) {
	return newFixtureDelay(t, reconnectDelay)
}

func newFixtureDelay(t *testing.T, delay time.Duration) (*chattest.Server, *conn.Manager, *fakeSessions, chan types.Message) {
	t.Helper()

	backend := chattest.NewServer()
	t.Cleanup(backend.Close)

	token, err := backend.MintToken("alice", 1, time.Hour)
	require.NoError(t, err)
	sessions := &fakeSessions{
		sess: types.Session{Token: token, UserID: 1, Username: "alice"},
		ok:   true,
	}

	manager := conn.NewManager(backend.URL(), sessions, delay)
	t.Cleanup(manager.Shutdown)

	received := make(chan types.Message, 32)
	manager.OnMessage(func(msg types.Message) { received <- msg })

	return backend, manager, sessions, received
}

func waitOpen(t *testing.T, backend *chattest.Server, manager *conn.Manager, room string) {
	t.Helper()
	require.Eventually(t, func() bool {
		return manager.State() == conn.Open && backend.ClientCount(room) == 1
	}, waitFor, tick, "connection never opened for room %s", room)
}

func TestConnectOpensChannel(t *testing.T) {
	t.Parallel()

	backend, manager, _, received := newFixture(t)
	manager.Connect("general")
	waitOpen(t, backend, manager, "general")

	sent := backend.Broadcast("general", types.Message{User: "bob", Text: "hello"})
	select {
	case got := <-received:
		assert.Equal(t, sent.ID, got.ID)
		assert.Equal(t, "hello", got.Text)
	case <-time.After(waitFor):
		t.Fatal("broadcast message never delivered")
	}
}

func TestConnectWithoutSession(t *testing.T) {
	t.Parallel()

	backend, manager, sessions, _ := newFixture(t)
	sessions.clear()

	manager.Connect("general")

	time.Sleep(5 * reconnectDelay)
	assert.Equal(t, conn.Idle, manager.State())
	assert.Zero(t, backend.ClientCount("general"))
}

func TestSendRequiresOpenChannel(t *testing.T) {
	t.Parallel()

	_, manager, _, _ := newFixture(t)
	err := manager.Send(types.Message{User: "alice", Text: "dropped"})
	assert.ErrorIs(t, err, conn.ErrNotOpen)
}

func TestSendEchoesThroughRoom(t *testing.T) {
	t.Parallel()

	backend, manager, _, received := newFixture(t)
	manager.Connect("general")
	waitOpen(t, backend, manager, "general")

	require.NoError(t, manager.Send(types.Message{User: "alice", Text: "hi all", Room: "general"}))

	select {
	case got := <-received:
		assert.Equal(t, "hi all", got.Text)
		assert.Equal(t, "alice", got.User)
		assert.NotEmpty(t, got.ID)
		assert.NotEmpty(t, got.Timestamp)
	case <-time.After(waitFor):
		t.Fatal("sent message never echoed back")
	}
}

func TestAbnormalCloseReconnects(t *testing.T) {
	t.Parallel()

	backend, manager, _, received := newFixture(t)
	manager.Connect("general")
	waitOpen(t, backend, manager, "general")

	backend.CloseRoom("general", websocket.CloseAbnormalClosure)
	waitOpen(t, backend, manager, "general")

	// exactly one connection after recovery, and it still delivers
	assert.Equal(t, 1, backend.ClientCount("general"))
	backend.Broadcast("general", types.Message{User: "bob", Text: "after recovery"})
	select {
	case got := <-received:
		assert.Equal(t, "after recovery", got.Text)
	case <-time.After(waitFor):
		t.Fatal("no delivery after reconnect")
	}
}

func TestNormalCloseDoesNotReconnect(t *testing.T) {
	t.Parallel()

	backend, manager, _, _ := newFixture(t)
	manager.Connect("general")
	waitOpen(t, backend, manager, "general")

	backend.CloseRoom("general", websocket.CloseNormalClosure)

	require.Eventually(t, func() bool {
		return manager.State() == conn.Idle
	}, waitFor, tick)

	time.Sleep(5 * reconnectDelay)
	assert.Equal(t, conn.Idle, manager.State())
	assert.Zero(t, backend.ClientCount("general"))
}

func TestShutdownCancelsPendingReconnect(t *testing.T) {
	t.Parallel()

	// long delay keeps the manager observably in Reconnecting
	backend, manager, _, _ := newFixtureDelay(t, 10*time.Second)
	manager.Connect("general")
	waitOpen(t, backend, manager, "general")

	backend.CloseRoom("general", websocket.CloseAbnormalClosure)
	require.Eventually(t, func() bool {
		return manager.State() == conn.Reconnecting
	}, waitFor, tick)

	manager.Shutdown()
	assert.Equal(t, conn.Closed, manager.State())

	time.Sleep(250 * time.Millisecond)
	assert.Equal(t, conn.Closed, manager.State())
	assert.Zero(t, backend.ClientCount("general"))
}

func TestLogoutSuppressesReconnect(t *testing.T) {
	t.Parallel()

	backend, manager, sessions, _ := newFixture(t)
	manager.Connect("general")
	waitOpen(t, backend, manager, "general")

	sessions.clear()
	backend.CloseRoom("general", websocket.CloseAbnormalClosure)

	require.Eventually(t, func() bool {
		return manager.State() == conn.Idle
	}, waitFor, tick)

	time.Sleep(5 * reconnectDelay)
	assert.Zero(t, backend.ClientCount("general"))
}

func TestSwitchRoomRetargets(t *testing.T) {
	t.Parallel()

	backend, manager, _, received := newFixture(t)
	manager.Connect("general")
	waitOpen(t, backend, manager, "general")

	manager.SwitchRoom("tech")
	waitOpen(t, backend, manager, "tech")
	assert.Equal(t, "tech", manager.Room())

	require.Eventually(t, func() bool {
		return backend.ClientCount("general") == 0
	}, waitFor, tick, "old room connection not torn down")

	// traffic in the old room must not reach us anymore
	backend.Broadcast("general", types.Message{User: "bob", Text: "stale room"})
	backend.Broadcast("tech", types.Message{User: "bob", Text: "new room"})

	select {
	case got := <-received:
		assert.Equal(t, "new room", got.Text)
	case <-time.After(waitFor):
		t.Fatal("no delivery in the new room")
	}
	select {
	case got := <-received:
		t.Fatalf("unexpected extra delivery: %q", got.Text)
	case <-time.After(5 * reconnectDelay):
	}
}

func TestSwitchRoomSameRoomIsNoop(t *testing.T) {
	t.Parallel()

	backend, manager, _, _ := newFixture(t)
	manager.Connect("general")
	waitOpen(t, backend, manager, "general")

	manager.SwitchRoom("general")

	time.Sleep(5 * reconnectDelay)
	assert.Equal(t, conn.Open, manager.State())
	assert.Equal(t, 1, backend.ClientCount("general"))
}

func TestMalformedFrameIsSkipped(t *testing.T) {
	t.Parallel()

	backend, manager, _, received := newFixture(t)
	manager.Connect("general")
	waitOpen(t, backend, manager, "general")

	backend.BroadcastRaw("general", []byte("{not json"))
	backend.Broadcast("general", types.Message{User: "bob", Text: "still alive"})

	select {
	case got := <-received:
		assert.Equal(t, "still alive", got.Text)
	case <-time.After(waitFor):
		t.Fatal("channel did not survive malformed frame")
	}
	assert.Equal(t, conn.Open, manager.State())
}

func TestDisconnectAllowsReconnect(t *testing.T) {
	t.Parallel()

	backend, manager, _, _ := newFixture(t)
	manager.Connect("general")
	waitOpen(t, backend, manager, "general")

	manager.Disconnect()
	require.Eventually(t, func() bool {
		return manager.State() == conn.Idle && backend.ClientCount("general") == 0
	}, waitFor, tick)

	manager.Connect("general")
	waitOpen(t, backend, manager, "general")
}
