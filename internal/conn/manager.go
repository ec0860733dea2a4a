// Package conn owns the live channel to the chat backend: one websocket per
// session, scoped to one room, with automatic recovery from unexpected drops
// and none from intentional closes.
//
// Every dial attempt is tagged with a generation taken under the manager
// lock. Close and open callbacks carry their generation and are discarded
// when a newer attempt has superseded them, so a slow close can never reopen
// a channel for the wrong room.
package conn

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"chatline/internal/types"
)

// State is the connection lifecycle position. Exactly one holds at any time.
type State int32

const (
	Idle State = iota
	Connecting
	Open
	Closing
	Reconnecting
	Closed
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Connecting:
		return "connecting"
	case Open:
		return "open"
	case Closing:
		return "closing"
	case Reconnecting:
		return "reconnecting"
	case Closed:
		return "closed"
	default:
		return "unknown"
	}
}

// ErrNotOpen rejects a send on a channel that is not open. Nothing is queued;
// the caller suppresses the action instead.
var ErrNotOpen = errors.New("connection is not open")

// SessionSource yields the active session. A missing session suppresses both
// connecting and reconnecting.
type SessionSource interface {
	Active() (types.Session, bool)
}

type Manager struct {
	mu        sync.Mutex
	state     State
	gen       uint64
	room      string
	conn      *websocket.Conn
	reconnect *time.Timer
	onMessage func(types.Message)

	writeMu sync.Mutex

	baseURL  string
	sessions SessionSource
	delay    time.Duration
	dialer   *websocket.Dialer
}

// NewManager builds a manager for the backend at baseURL (http or https; the
// scheme is translated for the websocket endpoint). delay is the fixed wait
// before a reconnection attempt.
func NewManager(baseURL string, sessions SessionSource, delay time.Duration) *Manager {
	return &Manager{
		baseURL:  strings.TrimRight(baseURL, "/"),
		sessions: sessions,
		delay:    delay,
		dialer: &websocket.Dialer{
			HandshakeTimeout: 5 * time.Second,
		},
	}
}

// OnMessage registers the inbound delivery callback. Frames are delivered in
// transport order within one generation. Set before the first Connect.
func (m *Manager) OnMessage(fn func(types.Message)) {
	m.mu.Lock()
	m.onMessage = fn
	m.mu.Unlock()
}

func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Room returns the currently targeted room.
func (m *Manager) Room() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.room
}

// Connect opens a channel for the room. Without an active session it is a
// logged no-op.
func (m *Manager) Connect(room string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.sessions.Active(); !ok {
		log.Warn().Msg("[conn] connect ignored: no active session")
		return
	}
	if m.conn != nil && m.room == room && (m.state == Open || m.state == Connecting) {
		return
	}

	m.cancelReconnectLocked()
	if m.conn != nil {
		old := m.conn
		m.conn = nil
		go closeQuietly(old, websocket.CloseNormalClosure)
	}
	m.room = room
	m.startDialLocked()
}

// SwitchRoom retargets the channel. Same room is a no-op. Otherwise the old
// channel is closed with the normal-closure code and a new dial starts for
// the new room; generation checks discard anything the old channel still
// reports.
func (m *Manager) SwitchRoom(room string) {
	m.mu.Lock()
	if room == m.room {
		m.mu.Unlock()
		return
	}
	if _, ok := m.sessions.Active(); !ok {
		m.mu.Unlock()
		log.Warn().Msg("[conn] room switch ignored: no active session")
		return
	}

	m.cancelReconnectLocked()
	m.gen++
	gen := m.gen
	old := m.conn
	m.conn = nil
	m.room = room
	if old != nil {
		m.state = Closing
	}
	m.mu.Unlock()

	if old != nil {
		closeQuietly(old, websocket.CloseNormalClosure)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.gen != gen {
		// superseded while the old channel was closing
		return
	}
	m.startDialLocked()
}

// Disconnect closes the channel intentionally. The manager returns to Idle
// and a later Connect may reopen it.
func (m *Manager) Disconnect() {
	m.shutdown(Idle)
}

// Shutdown closes the channel and disables reconnection until a fresh
// Connect. Used on logout.
func (m *Manager) Shutdown() {
	m.shutdown(Closed)
}

func (m *Manager) shutdown(final State) {
	m.mu.Lock()
	m.cancelReconnectLocked()
	m.gen++
	old := m.conn
	m.conn = nil
	if old != nil {
		m.state = Closing
	}
	m.mu.Unlock()

	if old != nil {
		closeQuietly(old, websocket.CloseNormalClosure)
	}

	m.mu.Lock()
	m.state = final
	m.mu.Unlock()
	log.Info().Msgf("[conn] disconnected (%s)", final)
}

// Send writes one outbound frame. Accepted only while Open; there is no
// queueing in any other state.
func (m *Manager) Send(msg types.Message) error {
	m.mu.Lock()
	if m.state != Open || m.conn == nil {
		m.mu.Unlock()
		return ErrNotOpen
	}
	c := m.conn
	m.mu.Unlock()

	m.writeMu.Lock()
	defer m.writeMu.Unlock()
	_ = c.SetWriteDeadline(time.Now().Add(5 * time.Second))
	if err := c.WriteJSON(msg); err != nil {
		return fmt.Errorf("send message: %w", err)
	}
	return nil
}

func (m *Manager) startDialLocked() {
	m.gen++
	m.state = Connecting
	go m.dial(m.gen, m.room)
}

func (m *Manager) dial(gen uint64, room string) {
	sess, ok := m.sessions.Active()
	if !ok {
		m.handleClose(gen, websocket.CloseNormalClosure)
		return
	}

	endpoint := fmt.Sprintf("%s/ws?token=%s&room=%s",
		wsBase(m.baseURL), url.QueryEscape(sess.Token), url.QueryEscape(room))

	c, resp, err := m.dialer.Dial(endpoint, nil)
	if resp != nil && resp.Body != nil && err != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		// handshake failures follow the unexpected-close path
		log.Warn().Err(err).Msgf("[conn] handshake failed for room %s", room)
		m.handleClose(gen, websocket.CloseAbnormalClosure)
		return
	}

	m.mu.Lock()
	if gen != m.gen || m.state != Connecting {
		m.mu.Unlock()
		log.Debug().Uint64("gen", gen).Msg("[conn] discarding superseded connection")
		_ = c.Close()
		return
	}
	m.conn = c
	m.state = Open
	m.cancelReconnectLocked()
	m.mu.Unlock()

	log.Info().Msgf("[conn] connected to room %s", room)
	go m.readPump(gen, c)
}

func (m *Manager) readPump(gen uint64, c *websocket.Conn) {
	for {
		_, data, err := c.ReadMessage()
		if err != nil {
			code := websocket.CloseAbnormalClosure
			var closeErr *websocket.CloseError
			if errors.As(err, &closeErr) {
				code = closeErr.Code
			}
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Warn().Err(err).Msg("[conn] unexpected close")
			}
			m.handleClose(gen, code)
			return
		}

		var msg types.Message
		if err := json.Unmarshal(data, &msg); err != nil {
			log.Warn().Err(err).Msg("[conn] dropping malformed frame")
			continue
		}

		m.mu.Lock()
		stale := gen != m.gen
		fn := m.onMessage
		m.mu.Unlock()
		if stale {
			return
		}
		if fn != nil {
			fn(msg)
		}
	}
}

// handleClose is the single transition point out of Connecting/Open when the
// channel drops. Normal closure or a missing session lands in Idle; anything
// else schedules exactly one reconnection attempt.
func (m *Manager) handleClose(gen uint64, code int) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if gen != m.gen {
		log.Debug().Uint64("gen", gen).Msg("[conn] ignoring stale close")
		return
	}

	if m.conn != nil {
		_ = m.conn.Close()
		m.conn = nil
	}
	if m.state == Closed {
		return
	}

	_, active := m.sessions.Active()
	if code == websocket.CloseNormalClosure || !active {
		m.state = Idle
		return
	}

	m.state = Reconnecting
	log.Info().Msgf("[conn] will reconnect to room %s in %s (close code %d)", m.room, m.delay, code)
	m.reconnect = time.AfterFunc(m.delay, func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		if m.gen != gen || m.state != Reconnecting {
			return
		}
		m.reconnect = nil
		log.Info().Msgf("[conn] attempting to reconnect to room %s", m.room)
		m.startDialLocked()
	})
}

func (m *Manager) cancelReconnectLocked() {
	if m.reconnect != nil {
		m.reconnect.Stop()
		m.reconnect = nil
	}
}

func closeQuietly(c *websocket.Conn, code int) {
	deadline := time.Now().Add(time.Second)
	_ = c.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, ""), deadline)
	_ = c.Close()
}

func wsBase(baseURL string) string {
	switch {
	case strings.HasPrefix(baseURL, "https://"):
		return "wss://" + strings.TrimPrefix(baseURL, "https://")
	case strings.HasPrefix(baseURL, "http://"):
		return "ws://" + strings.TrimPrefix(baseURL, "http://")
	default:
		return baseURL
	}
}
