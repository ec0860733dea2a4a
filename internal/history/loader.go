// Package history fetches the bounded message backlog for a room.
package history

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/rs/zerolog/log"

	"chatline/internal/types"
)

// SessionSource yields the active session whose token authenticates the read.
type SessionSource interface {
	Active() (types.Session, bool)
}

type Loader struct {
	baseURL    string
	httpClient *http.Client
	sessions   SessionSource
}

func NewLoader(baseURL string, sessions SessionSource) *Loader {
	return &Loader{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: 5 * time.Second,
		},
		sessions: sessions,
	}
}

// Load returns up to limit messages for the room, oldest to newest, ready to
// prefix onto the live stream. Failures are not retried here; the caller
// treats them as an empty backlog.
func (l *Loader) Load(ctx context.Context, room string, limit int) ([]types.Message, error) {
	sess, ok := l.sessions.Active()
	if !ok {
		return nil, errors.New("no active session")
	}

	endpoint := fmt.Sprintf("%s/api/messages?room=%s&limit=%s",
		l.baseURL, url.QueryEscape(room), strconv.Itoa(limit))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("build history request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+sess.Token)

	resp, err := l.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch history for room %s: %w", room, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("history for room %s: status %d", room, resp.StatusCode)
	}

	var messages []types.Message
	if err := json.NewDecoder(resp.Body).Decode(&messages); err != nil {
		return nil, fmt.Errorf("decode history for room %s: %w", room, err)
	}

	log.Debug().Msgf("[history] loaded %d messages for room %s", len(messages), room)
	return messages, nil
}
