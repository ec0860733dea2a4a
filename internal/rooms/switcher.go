// Package rooms holds the room catalog and orchestrates room changes across
// the connection, the backlog loader and the timeline as one transition.
package rooms

import (
	"context"
	"sync"

	"github.com/rs/zerolog/log"

	"chatline/internal/types"
)

type Connection interface {
	SwitchRoom(room string)
}

type Loader interface {
	Load(ctx context.Context, room string, limit int) ([]types.Message, error)
}

type Timeline interface {
	Reset(room string) uint64
	ApplyBacklog(epoch uint64, messages []types.Message)
}

// Switcher owns the active-room state. Exactly one room is active at a time;
// the timeline never shows messages from any other.
type Switcher struct {
	mu      sync.Mutex
	active  string
	conn    Connection
	history Loader
	tl      Timeline
	limit   int
}

func NewSwitcher(conn Connection, history Loader, tl Timeline, limit int) *Switcher {
	return &Switcher{
		conn:    conn,
		history: history,
		tl:      tl,
		limit:   limit,
	}
}

// Active returns the currently active room id.
func (s *Switcher) Active() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

// SwitchTo makes room active: reset the timeline, retarget the connection and
// fetch the backlog in parallel. The backlog applies as soon as it returns,
// regardless of connection readiness; live messages that beat it are buffered
// by the timeline and flushed afterwards. The active room, timeline epoch and
// connection target change under one lock hold, and the backlog carries its
// epoch, so a fetch outlived by a newer switch is rejected by the timeline.
// Switching to the already-active room is a no-op with no network activity.
func (s *Switcher) SwitchTo(ctx context.Context, room string) {
	s.mu.Lock()
	if room == s.active {
		s.mu.Unlock()
		return
	}
	s.active = room
	log.Info().Msgf("[rooms] switching to room %s", room)
	epoch := s.tl.Reset(room)
	s.conn.SwitchRoom(room)
	s.mu.Unlock()

	go func() {
		messages, err := s.history.Load(ctx, room, s.limit)
		if err != nil {
			log.Warn().Err(err).Msgf("[rooms] backlog load failed for room %s, continuing with live only", room)
			messages = nil
		}
		s.tl.ApplyBacklog(epoch, messages)
	}()
}
