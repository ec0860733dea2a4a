// Package timeline merges backlog and live messages into the ordered,
// de-duplicated sequence rendered for the active room.
//
// Between Reset and ApplyBacklog the timeline is in a buffering window: live
// messages that race ahead of the backlog fetch are held back and flushed in
// arrival order once the backlog lands, so backlog always renders before
// live for the same room.
//
// Reset tags the window with an epoch and scopes the timeline to one room.
// A backlog carrying a stale epoch is rejected without closing the window,
// and live messages from any other room are dropped, so a slow fetch or a
// late frame from a superseded room can never leak into the current one.
//
// Append callbacks fire in append order; a dispatch lock holds concurrent
// appends back until in-flight callbacks return. Callbacks must not call
// back into the timeline.
package timeline

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"chatline/internal/types"
)

// Entry is one render-ready message.
type Entry struct {
	Message types.Message
	// Own marks a message sent by the active session's user. Presentation
	// only; it never affects ordering.
	Own    bool
	Avatar string
}

type Timeline struct {
	// dispatchMu serializes the append-and-notify pair so that callback
	// order always equals append order.
	dispatchMu sync.Mutex

	mu        sync.Mutex
	owner     string
	room      string
	epoch     uint64
	entries   []Entry
	seen      map[string]struct{}
	buffering bool
	pending   []types.Message
	onAppend  func(Entry)
}

func New() *Timeline {
	return &Timeline{seen: make(map[string]struct{})}
}

// SetOwner sets the username that marks entries as own.
func (t *Timeline) SetOwner(username string) {
	t.mu.Lock()
	t.owner = username
	t.mu.Unlock()
}

// OnAppend registers a callback invoked once per appended entry, in render
// order.
func (t *Timeline) OnAppend(fn func(Entry)) {
	t.mu.Lock()
	t.onAppend = fn
	t.mu.Unlock()
}

// Reset clears all state, scopes the timeline to room and arms the buffering
// window for the next backlog. It returns the epoch the matching ApplyBacklog
// must present. Called at the start of every room switch.
func (t *Timeline) Reset(room string) uint64 {
	t.dispatchMu.Lock()
	defer t.dispatchMu.Unlock()
	t.mu.Lock()
	defer t.mu.Unlock()

	t.entries = nil
	t.seen = make(map[string]struct{})
	t.pending = nil
	t.buffering = true
	t.room = room
	t.epoch++
	return t.epoch
}

// ApplyBacklog appends an ordered batch, then flushes any live messages that
// arrived during the buffering window, in arrival order. A stale epoch means
// a newer Reset owns the timeline: the batch is dropped and the window stays
// armed for the owner. Valid only once per Reset; a second call with the
// current epoch is dropped with a diagnostic.
func (t *Timeline) ApplyBacklog(epoch uint64, messages []types.Message) {
	t.dispatchMu.Lock()
	defer t.dispatchMu.Unlock()

	t.mu.Lock()
	if epoch != t.epoch {
		t.mu.Unlock()
		log.Debug().Uint64("epoch", epoch).Msg("[timeline] dropping superseded backlog")
		return
	}
	if !t.buffering {
		t.mu.Unlock()
		log.Warn().Msg("[timeline] backlog ignored outside a reset window")
		return
	}
	t.buffering = false

	var appended []Entry
	for _, msg := range messages {
		if t.wrongRoomLocked(msg) {
			continue
		}
		if entry, ok := t.appendLocked(msg); ok {
			appended = append(appended, entry)
		}
	}
	for _, msg := range t.pending {
		if entry, ok := t.appendLocked(msg); ok {
			appended = append(appended, entry)
		}
	}
	t.pending = nil
	fn := t.onAppend
	t.mu.Unlock()

	if fn != nil {
		for _, entry := range appended {
			fn(entry)
		}
	}
}

// ApplyLive appends a single message, or buffers it while a backlog is
// outstanding. Messages from a room other than the current one and duplicate
// deliveries are rejected silently.
func (t *Timeline) ApplyLive(msg types.Message) {
	t.dispatchMu.Lock()
	defer t.dispatchMu.Unlock()

	t.mu.Lock()
	if t.wrongRoomLocked(msg) {
		t.mu.Unlock()
		log.Debug().Msgf("[timeline] dropping frame for inactive room %s", msg.Room)
		return
	}
	if t.buffering {
		t.pending = append(t.pending, msg)
		t.mu.Unlock()
		return
	}
	entry, ok := t.appendLocked(msg)
	fn := t.onAppend
	t.mu.Unlock()

	if ok && fn != nil {
		fn(entry)
	}
}

// Entries returns a snapshot of the rendered sequence.
func (t *Timeline) Entries() []Entry {
	t.mu.Lock()
	defer t.mu.Unlock()
	snapshot := make([]Entry, len(t.entries))
	copy(snapshot, t.entries)
	return snapshot
}

func (t *Timeline) wrongRoomLocked(msg types.Message) bool {
	return t.room != "" && msg.Room != "" && msg.Room != t.room
}

func (t *Timeline) appendLocked(msg types.Message) (Entry, bool) {
	key := dedupKey(msg)
	if _, dup := t.seen[key]; dup {
		return Entry{}, false
	}
	t.seen[key] = struct{}{}

	entry := Entry{
		Message: msg,
		Own:     t.owner != "" && msg.User == t.owner,
		Avatar:  avatarInitial(msg.User),
	}
	t.entries = append(t.entries, entry)
	return entry, true
}

// dedupKey identifies a message by id when present, else by the
// user+text+timestamp tuple.
func dedupKey(msg types.Message) string {
	if msg.ID != "" {
		return "id\x00" + msg.ID
	}
	return msg.User + "\x00" + msg.Text + "\x00" + msg.Timestamp
}

func avatarInitial(user string) string {
	if user == "" {
		return ""
	}
	return strings.ToUpper(string([]rune(user)[0]))
}

// FormatTimestamp renders a message timestamp relative to now: under a
// minute "just now", under an hour whole minutes, under a day whole hours,
// otherwise a clock time. Pure; unparseable input yields "".
func FormatTimestamp(timestamp string, now time.Time) string {
	if timestamp == "" {
		return ""
	}
	parsed, err := time.Parse(time.RFC3339, timestamp)
	if err != nil {
		return ""
	}

	diff := now.Sub(parsed)
	switch {
	case diff < time.Minute:
		return "just now"
	case diff < time.Hour:
		return fmt.Sprintf("%dm ago", int(diff.Minutes()))
	case diff < 24*time.Hour:
		return fmt.Sprintf("%dh ago", int(diff.Hours()))
	default:
		return parsed.Local().Format("3:04 PM")
	}
}
