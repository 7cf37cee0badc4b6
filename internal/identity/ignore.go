package identity

import (
	"sync"
	"time"

	"github.com/dalnet/ircbot/internal/text"
)

// Ignore is one ignore-list entry. An empty Channel applies everywhere; a
// zero Expires never expires.
type Ignore struct {
	Pattern string    `json:"pattern"`
	Channel string    `json:"channel,omitempty"`
	Expires time.Time `json:"expires,omitempty"`
	Reason  string    `json:"reason,omitempty"`
}

// Expired reports whether the entry has lapsed at now.
func (ig Ignore) Expired(now time.Time) bool {
	return !ig.Expires.IsZero() && !now.Before(ig.Expires)
}

// IgnoreList holds global and per-channel ignores.
type IgnoreList struct {
	mu      sync.RWMutex
	entries []Ignore
}

// NewIgnoreList returns an empty list.
func NewIgnoreList() *IgnoreList {
	return &IgnoreList{}
}

// Add inserts an entry, replacing one with the same pattern and channel.
func (l *IgnoreList) Add(ig Ignore) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i, e := range l.entries {
		if e.Pattern == ig.Pattern && e.Channel == ig.Channel {
			l.entries[i] = ig
			return
		}
	}
	l.entries = append(l.entries, ig)
}

// Remove deletes the entry with the given pattern and channel.
func (l *IgnoreList) Remove(pattern, channel string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i, e := range l.entries {
		if e.Pattern == pattern && e.Channel == channel {
			l.entries = append(l.entries[:i], l.entries[i+1:]...)
			return true
		}
	}
	return false
}

// List returns the entries still live at now.
func (l *IgnoreList) List(now time.Time) []Ignore {
	l.mu.RLock()
	defer l.mu.RUnlock()
	var out []Ignore
	for _, e := range l.entries {
		if !e.Expired(now) {
			out = append(out, e)
		}
	}
	return out
}

// Prune drops expired entries and returns how many were removed.
func (l *IgnoreList) Prune(now time.Time) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	kept := l.entries[:0]
	for _, e := range l.entries {
		if !e.Expired(now) {
			kept = append(kept, e)
		}
	}
	n := len(l.entries) - len(kept)
	l.entries = kept
	return n
}

// Matches reports whether hostmask is ignored in channel at now. Pass an
// empty channel for private messages; only global entries then apply.
func (l *IgnoreList) Matches(hostmask, channel string, cm text.Casemapping, now time.Time) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	for _, e := range l.entries {
		if e.Expired(now) {
			continue
		}
		if e.Channel != "" && (channel == "" || !cm.Equal(e.Channel, channel)) {
			continue
		}
		if Match(e.Pattern, hostmask, cm) {
			return true
		}
	}
	return false
}
