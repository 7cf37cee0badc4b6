package state

import (
	"sort"
	"strconv"
	"strings"
	"time"
)

// Member is one nick's presence in a channel.
type Member struct {
	Nick  string
	Modes string // status modes, highest rank first
}

// HasMode reports whether the member holds a status mode.
func (m Member) HasMode(mode byte) bool {
	return strings.IndexByte(m.Modes, mode) != -1
}

// Channel is the tracked state of a channel we are in. Members is keyed by
// folded nick.
type Channel struct {
	Name    string
	Members map[string]*Member
	// Modes holds set flag and parameter modes; flags map to "".
	Modes map[byte]string
	// Lists holds list modes (bans, exceptions, invite exceptions).
	Lists       map[byte][]string
	Topic       string
	TopicSetter string
	TopicTime   time.Time
	Created     time.Time

	names map[string]*Member // 353 accumulation, committed on 366
}

func newChannel(name string) *Channel {
	return &Channel{
		Name:    name,
		Members: make(map[string]*Member),
		Modes:   make(map[byte]string),
		Lists:   make(map[byte][]string),
	}
}

// Limit returns the +l value, or 0 when unset.
func (c *Channel) Limit() int {
	n, _ := strconv.Atoi(c.Modes['l'])
	return n
}

// Key returns the +k value, or "" when unset.
func (c *Channel) Key() string {
	return c.Modes['k']
}

// Nicks lists member nicks in sorted order.
func (c *Channel) Nicks() []string {
	nicks := make([]string, 0, len(c.Members))
	for _, m := range c.Members {
		nicks = append(nicks, m.Nick)
	}
	sort.Strings(nicks)
	return nicks
}

func (c *Channel) clone() Channel {
	out := *c
	out.names = nil
	out.Members = make(map[string]*Member, len(c.Members))
	for k, m := range c.Members {
		mm := *m
		out.Members[k] = &mm
	}
	out.Modes = make(map[byte]string, len(c.Modes))
	for k, v := range c.Modes {
		out.Modes[k] = v
	}
	out.Lists = make(map[byte][]string, len(c.Lists))
	for k, v := range c.Lists {
		out.Lists[k] = append([]string(nil), v...)
	}
	return out
}

// addStatus inserts a status mode keeping rank order.
func addStatus(current string, mode byte, rank string) string {
	if strings.IndexByte(current, mode) != -1 {
		return current
	}
	var b strings.Builder
	for i := 0; i < len(rank); i++ {
		if rank[i] == mode || strings.IndexByte(current, rank[i]) != -1 {
			b.WriteByte(rank[i])
		}
	}
	return b.String()
}

func removeStatus(current string, mode byte) string {
	return strings.Replace(current, string(mode), "", 1)
}

func removeString(list []string, s string) []string {
	for i, v := range list {
		if v == s {
			return append(list[:i:i], list[i+1:]...)
		}
	}
	return list
}
