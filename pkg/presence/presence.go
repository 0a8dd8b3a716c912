// Package presence tracks which clients are present in each channel and
// announces joins and leaves over the topic fabric.
package presence

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/sockethub/sockethub/pkg/identity"
)

// TopicSuffix is appended to a channel id to form its presence topic.
const TopicSuffix = ":presence"

// Publisher sends presence announcements over the topic fabric.
type Publisher func(topic string, data []byte) error

// Info describes one present client.
type Info struct {
	ID       string         `json:"id"`
	Name     string         `json:"name"`
	Channel  string         `json:"channel"`
	JoinedAt time.Time      `json:"joined_at"`
	Metas    map[string]any `json:"metas,omitempty"`
}

type announcement struct {
	Type string `json:"type"`
	Info Info   `json:"info"`
}

// Tracker tracks presence for one channel.
type Tracker struct {
	channel string
	entries map[string]*Info
	publish Publisher
	onJoin  []func(Info)
	onLeave []func(Info)
	mu      sync.RWMutex
}

// NewTracker creates a presence tracker for a channel. A nil publisher
// keeps tracking local.
func NewTracker(channel string, publish Publisher) *Tracker {
	return &Tracker{
		channel: channel,
		entries: make(map[string]*Info),
		publish: publish,
	}
}

// Track marks a client present.
func (t *Tracker) Track(who identity.Identity, metas map[string]any) {
	info := Info{
		ID:       who.ID,
		Name:     who.Name,
		Channel:  t.channel,
		JoinedAt: time.Now(),
		Metas:    metas,
	}

	t.mu.Lock()
	t.entries[who.ID] = &info
	handlers := append([]func(Info){}, t.onJoin...)
	t.mu.Unlock()

	for _, h := range handlers {
		h(info)
	}
	t.announce("join", info)
}

// Untrack marks a client absent. Untracking an absent client is a no-op.
func (t *Tracker) Untrack(id string) {
	t.mu.Lock()
	info, ok := t.entries[id]
	if ok {
		delete(t.entries, id)
	}
	handlers := append([]func(Info){}, t.onLeave...)
	t.mu.Unlock()

	if !ok {
		return
	}
	for _, h := range handlers {
		h(*info)
	}
	t.announce("leave", *info)
}

func (t *Tracker) announce(kind string, info Info) {
	if t.publish == nil {
		return
	}
	data, err := json.Marshal(announcement{Type: kind, Info: info})
	if err != nil {
		return
	}
	t.publish(t.channel+TopicSuffix, data)
}

// Get retrieves presence info for a client.
func (t *Tracker) Get(id string) (Info, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	info, ok := t.entries[id]
	if !ok {
		return Info{}, false
	}
	return *info, true
}

// List returns all present clients.
func (t *Tracker) List() []Info {
	t.mu.RLock()
	defer t.mu.RUnlock()

	result := make([]Info, 0, len(t.entries))
	for _, info := range t.entries {
		result = append(result, *info)
	}
	return result
}

// Count returns the number of present clients.
func (t *Tracker) Count() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.entries)
}

// OnJoin registers a handler for joins.
func (t *Tracker) OnJoin(handler func(Info)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onJoin = append(t.onJoin, handler)
}

// OnLeave registers a handler for leaves.
func (t *Tracker) OnLeave(handler func(Info)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onLeave = append(t.onLeave, handler)
}

// Diff represents changes between two presence snapshots.
type Diff struct {
	Joins  []Info `json:"joins"`
	Leaves []Info `json:"leaves"`
}

// IsEmpty returns true if there are no changes.
func (d Diff) IsEmpty() bool {
	return len(d.Joins) == 0 && len(d.Leaves) == 0
}

// Diff compares the current state against a previous snapshot.
func (t *Tracker) Diff(previous []Info) Diff {
	current := t.List()

	prev := make(map[string]bool, len(previous))
	for _, info := range previous {
		prev[info.ID] = true
	}
	curr := make(map[string]bool, len(current))
	for _, info := range current {
		curr[info.ID] = true
	}

	diff := Diff{Joins: []Info{}, Leaves: []Info{}}
	for _, info := range current {
		if !prev[info.ID] {
			diff.Joins = append(diff.Joins, info)
		}
	}
	for _, info := range previous {
		if !curr[info.ID] {
			diff.Leaves = append(diff.Leaves, info)
		}
	}
	return diff
}

// Manager maintains one tracker per channel.
type Manager struct {
	trackers map[string]*Tracker
	publish  Publisher
	mu       sync.RWMutex
}

// NewManager creates a presence manager.
func NewManager(publish Publisher) *Manager {
	return &Manager{
		trackers: make(map[string]*Tracker),
		publish:  publish,
	}
}

// GetOrCreate returns the tracker for a channel, creating it if needed.
func (m *Manager) GetOrCreate(channel string) *Tracker {
	m.mu.RLock()
	t, ok := m.trackers[channel]
	m.mu.RUnlock()
	if ok {
		return t
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if t, ok = m.trackers[channel]; ok {
		return t
	}
	t = NewTracker(channel, m.publish)
	m.trackers[channel] = t
	return t
}

// Remove drops a channel's tracker.
func (m *Manager) Remove(channel string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.trackers, channel)
}

// Channels returns all tracked channels.
func (m *Manager) Channels() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	channels := make([]string, 0, len(m.trackers))
	for ch := range m.trackers {
		channels = append(channels, ch)
	}
	return channels
}
