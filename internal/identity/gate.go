// Package identity recognises who sent a message: hostmask globs, bot user
// accounts with capabilities, and ignore lists.
package identity

import (
	"time"

	"github.com/dalnet/ircbot/internal/text"
	"github.com/dalnet/ircbot/internal/wire"
)

// Message flags set by the gate.
const (
	FlagIgnored    = "ignored"
	FlagIdentified = "identified"
)

// Gate marks inbound messages; it never drops them.
type Gate struct {
	Ignores *IgnoreList
	Users   *Users
	Now     func() time.Time
}

// NewGate returns a gate over the given lists.
func NewGate(ignores *IgnoreList, users *Users, now func() time.Time) *Gate {
	if ignores == nil {
		ignores = NewIgnoreList()
	}
	if users == nil {
		users = NewUsers()
	}
	if now == nil {
		now = time.Now
	}
	return &Gate{Ignores: ignores, Users: users, Now: now}
}

// Mark sets FlagIdentified when the sender matches a registered user and
// FlagIgnored when the sender matches a live ignore for the message's
// target channel. Owners are never marked ignored. Server-origin messages
// are left alone.
func (g *Gate) Mark(msg *wire.Message, cm text.Casemapping, chantypes string) {
	h := msg.Hostmask()
	if h.IsZero() || h.IsServer() {
		return
	}
	hostmask := h.String()

	u, identified := g.Users.ByHostmask(hostmask, cm)
	if identified {
		msg.SetFlag(FlagIdentified)
		if u.Has(Owner, "") {
			return
		}
	}

	var channel string
	if target := msg.Param(0); text.IsChannel(target, chantypes) {
		channel = target
	}
	if g.Ignores.Matches(hostmask, channel, cm, g.Now()) {
		msg.SetFlag(FlagIgnored)
	}
}

// Identify returns the registered user matching the message's sender.
func (g *Gate) Identify(msg wire.Message, cm text.Casemapping) (User, bool) {
	h := msg.Hostmask()
	if h.IsZero() {
		return User{}, false
	}
	return g.Users.ByHostmask(h.String(), cm)
}
