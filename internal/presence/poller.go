// Package presence polls per-room occupancy counts on a fixed interval.
package presence

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

type Poller struct {
	mu         sync.Mutex
	baseURL    string
	httpClient *http.Client
	rooms      []string
	onCounts   func(map[string]int)
	stop       chan struct{}
}

// NewPoller reports counts for the given rooms to onCounts after every
// fetch. Rooms missing from the response are reported as zero.
func NewPoller(baseURL string, roomIDs []string, onCounts func(map[string]int)) *Poller {
	return &Poller{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: 5 * time.Second,
		},
		rooms:    roomIDs,
		onCounts: onCounts,
	}
}

// Start begins polling. Restarting cancels the previous run first, so at
// most one poll loop exists per Poller.
func (p *Poller) Start(interval time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.stopLocked()
	stop := make(chan struct{})
	p.stop = stop
	go p.run(interval, stop)
}

// Stop cancels the poll loop. Safe to call repeatedly and while stopped.
func (p *Poller) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stopLocked()
}

func (p *Poller) stopLocked() {
	if p.stop != nil {
		close(p.stop)
		p.stop = nil
	}
}

func (p *Poller) run(interval time.Duration, stop chan struct{}) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	p.pollOnce()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			p.pollOnce()
		}
	}
}

func (p *Poller) pollOnce() {
	resp, err := p.httpClient.Get(p.baseURL + "/api/room-stats")
	if err != nil {
		log.Warn().Err(err).Msg("[presence] room stats fetch failed")
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		log.Warn().Msgf("[presence] room stats fetch failed: status %d", resp.StatusCode)
		return
	}

	var counts map[string]int
	if err := json.NewDecoder(resp.Body).Decode(&counts); err != nil {
		log.Warn().Err(err).Msg("[presence] room stats decode failed")
		return
	}

	report := make(map[string]int, len(p.rooms))
	for _, room := range p.rooms {
		report[room] = counts[room]
	}
	if p.onCounts != nil {
		p.onCounts(report)
	}
}
