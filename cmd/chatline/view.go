package main

import (
	"fmt"
	"sync"
	"time"

	"github.com/charmbracelet/lipgloss"

	"chatline/internal/rooms"
	"chatline/internal/timeline"
)

var (
	bannerStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("63"))
	roomStyle   = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("212"))
	ownStyle    = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("39"))
	userStyle   = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("252"))
	avatarStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("0")).Background(lipgloss.Color("105")).Padding(0, 1)
	timeStyle   = lipgloss.NewStyle().Faint(true)
	mutedStyle  = lipgloss.NewStyle().Faint(true).Italic(true)
)

func printBanner(username, room string) {
	fmt.Println(bannerStyle.Render("chatline") + mutedStyle.Render(" signed in as "+username))
	printRoomHeader(room)
	printMuted("commands: /join <room>, /rooms, /logout, /quit")
}

func printRoomHeader(room string) {
	info := rooms.Lookup(room)
	header := roomStyle.Render(info.Name)
	if info.Description != "" {
		header += "  " + mutedStyle.Render(info.Description)
	}
	fmt.Println(header)
}

func printEntry(e timeline.Entry) {
	name := userStyle.Render(e.Message.User)
	if e.Own {
		name = ownStyle.Render(e.Message.User)
	}
	when := timeline.FormatTimestamp(e.Message.Timestamp, time.Now())
	line := avatarStyle.Render(e.Avatar) + " " + name
	if when != "" {
		line += " " + timeStyle.Render(when)
	}
	fmt.Printf("%s  %s\n", line, e.Message.Text)
}

func printMuted(text string) {
	fmt.Println(mutedStyle.Render(text))
}

func printRooms(counts map[string]int) {
	for _, id := range rooms.Known() {
		info := rooms.Lookup(id)
		line := fmt.Sprintf("%s  %s", roomStyle.Render(info.Name), mutedStyle.Render(info.Description))
		fmt.Printf("%s  %d online\n", line, counts[id])
	}
}

// countsView caches the latest presence counts for the /rooms command.
type countsView struct {
	mu     sync.Mutex
	counts map[string]int
}

func newCountsView() *countsView {
	return &countsView{counts: make(map[string]int)}
}

func (v *countsView) update(counts map[string]int) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.counts = counts
}

func (v *countsView) snapshot() map[string]int {
	v.mu.Lock()
	defer v.mu.Unlock()
	out := make(map[string]int, len(v.counts))
	for k, n := range v.counts {
		out[k] = n
	}
	return out
}
