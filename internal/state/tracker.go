// Package state tracks what one connection knows about itself, its channels
// and the users sharing them. The tracker is updated from every received
// message before handlers see it.
package state

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/dalnet/ircbot/internal/text"
	"github.com/dalnet/ircbot/internal/wire"
)

// User is what we know about another client sharing a channel with us.
type User struct {
	Nick     string
	User     string
	Host     string
	Account  string
	RealName string
	Away     bool
	AwayMsg  string
}

// Tracker is the per-connection view of self, channels and users.
type Tracker struct {
	mu sync.RWMutex

	nick       string
	user       string
	host       string
	realName   string
	account    string
	userModes  string
	registered bool

	isupport *ISupport
	channels map[string]*Channel // keyed by folded name
	users    map[string]*User    // keyed by folded nick
}

// New returns a tracker for a session that will register as nick.
func New(nick, user, realName string) *Tracker {
	return &Tracker{
		nick:     nick,
		user:     user,
		realName: realName,
		isupport: NewISupport(),
		channels: make(map[string]*Channel),
		users:    make(map[string]*User),
	}
}

// Nick returns our current nick.
func (t *Tracker) Nick() string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.nick
}

// SetNick records a nick we asked for before the server confirmed anything.
func (t *Tracker) SetNick(nick string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.nick = nick
}

// Registered reports whether 001 has been received.
func (t *Tracker) Registered() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.registered
}

// Account returns the services account we are logged in to.
func (t *Tracker) Account() string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.account
}

// Host returns our host as last reported by the server.
func (t *Tracker) Host() string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.host
}

// UserModes returns our user modes.
func (t *Tracker) UserModes() string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.userModes
}

// ISupport returns a copy of the server parameters.
func (t *Tracker) ISupport() ISupport {
	t.mu.RLock()
	defer t.mu.RUnlock()
	is := *t.isupport
	is.raw = make(map[string]string, len(t.isupport.raw))
	for k, v := range t.isupport.raw {
		is.raw[k] = v
	}
	return is
}

// Casemapping returns the connection's casemapping.
func (t *Tracker) Casemapping() text.Casemapping {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.isupport.Casemapping
}

// Fold folds a nick or channel name under the connection's casemapping.
func (t *Tracker) Fold(name string) string {
	return t.Casemapping().Fold(name)
}

// IsMe reports whether nick is ours.
func (t *Tracker) IsMe(nick string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.isMe(nick)
}

func (t *Tracker) isMe(nick string) bool {
	return t.isupport.Casemapping.Equal(nick, t.nick)
}

func (t *Tracker) fold(name string) string {
	return t.isupport.Casemapping.Fold(name)
}

// IsChannel reports whether target is a channel name on this connection.
func (t *Tracker) IsChannel(target string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.isupport.IsChannel(target)
}

// Channel returns a snapshot of a tracked channel.
func (t *Tracker) Channel(name string) (Channel, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	ch, ok := t.channels[t.fold(name)]
	if !ok {
		return Channel{}, false
	}
	return ch.clone(), true
}

// Channels lists the names of the channels we are in, sorted.
func (t *Tracker) Channels() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	names := make([]string, 0, len(t.channels))
	for _, ch := range t.channels {
		names = append(names, ch.Name)
	}
	sort.Strings(names)
	return names
}

// User returns a snapshot of a tracked user.
func (t *Tracker) User(nick string) (User, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	u, ok := t.users[t.fold(nick)]
	if !ok {
		return User{}, false
	}
	return *u, true
}

// CommonChannels lists the channels we share with nick.
func (t *Tracker) CommonChannels(nick string) []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	key := t.fold(nick)
	var names []string
	for _, ch := range t.channels {
		if _, ok := ch.Members[key]; ok {
			names = append(names, ch.Name)
		}
	}
	sort.Strings(names)
	return names
}

// Apply updates state from a received message. Unrecognised commands are
// ignored.
func (t *Tracker) Apply(msg wire.Message) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if account, ok := msg.Tags["account"]; ok && msg.Source != "" {
		if u, ok := t.users[t.fold(msg.Nick())]; ok {
			u.Account = account
		}
	}

	switch msg.Command {
	case "001":
		if len(msg.Params) > 0 {
			t.nick = msg.Params[0]
		}
		t.registered = true
	case "005":
		t.applyISupport(msg)
	case "JOIN":
		t.applyJoin(msg)
	case "PART":
		if len(msg.Params) > 0 {
			for _, name := range strings.Split(msg.Params[0], ",") {
				t.removeMember(name, msg.Nick())
			}
		}
	case "KICK":
		if len(msg.Params) > 1 {
			t.removeMember(msg.Params[0], msg.Params[1])
		}
	case "QUIT":
		t.applyQuit(msg.Nick())
	case "NICK":
		if len(msg.Params) > 0 {
			t.applyNick(msg.Nick(), msg.Params[0])
		}
	case "MODE":
		t.applyMode(msg)
	case "TOPIC":
		if ch := t.channelFor(msg.Param(0)); ch != nil && len(msg.Params) > 1 {
			ch.Topic = msg.Params[1]
			ch.TopicSetter = msg.Source
			ch.TopicTime = msg.ServerTime()
		}
	case "331":
		if ch := t.channelFor(msg.Param(1)); ch != nil {
			ch.Topic = ""
		}
	case "332":
		if ch := t.channelFor(msg.Param(1)); ch != nil && len(msg.Params) > 2 {
			ch.Topic = msg.Params[2]
		}
	case "333":
		if ch := t.channelFor(msg.Param(1)); ch != nil && len(msg.Params) > 3 {
			ch.TopicSetter = msg.Params[2]
			ch.TopicTime = parseUnix(msg.Params[3])
		}
	case "329":
		if ch := t.channelFor(msg.Param(1)); ch != nil && len(msg.Params) > 2 {
			ch.Created = parseUnix(msg.Params[2])
		}
	case "324":
		t.applyChannelModeIs(msg)
	case "353":
		t.applyNames(msg)
	case "366":
		t.commitNames(msg.Param(1))
	case "352":
		t.applyWho(msg)
	case "AWAY":
		if u, ok := t.users[t.fold(msg.Nick())]; ok {
			u.Away = len(msg.Params) > 0
			u.AwayMsg = msg.Param(0)
		}
	case "CHGHOST":
		if len(msg.Params) > 1 {
			if u, ok := t.users[t.fold(msg.Nick())]; ok {
				u.User, u.Host = msg.Params[0], msg.Params[1]
			}
			if t.isMe(msg.Nick()) {
				t.user, t.host = msg.Params[0], msg.Params[1]
			}
		}
	case "ACCOUNT":
		if u, ok := t.users[t.fold(msg.Nick())]; ok {
			u.Account = normalizeAccount(msg.Param(0))
		}
	case "396":
		// RPL_VISIBLEHOST
		if len(msg.Params) > 1 {
			t.host = msg.Params[1]
		}
	case "900":
		// RPL_LOGGEDIN <nick> <nick!user@host> <account> :text
		if len(msg.Params) > 2 {
			t.account = msg.Params[2]
			if h := text.ParseHostmask(msg.Params[1]); h.Host != "" {
				t.host = h.Host
			}
		}
	case "901":
		t.account = ""
	}
}

func parseUnix(s string) time.Time {
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return time.Time{}
	}
	return time.Unix(n, 0)
}

func normalizeAccount(account string) string {
	if account == "*" {
		return ""
	}
	return account
}

func (t *Tracker) channelFor(name string) *Channel {
	if name == "" {
		return nil
	}
	return t.channels[t.fold(name)]
}

func (t *Tracker) applyISupport(msg wire.Message) {
	if len(msg.Params) < 2 {
		return
	}
	tokens := msg.Params[1:]
	// the last param is the "are supported by this server" text
	if len(tokens) > 1 {
		tokens = tokens[:len(tokens)-1]
	}
	before := t.isupport.Casemapping
	t.isupport.Apply(tokens)
	if t.isupport.Casemapping != before {
		t.rekey()
	}
}

// rekey rebuilds every folded map after a casemapping change. Servers send
// CASEMAPPING before we join anything, so this is normally a no-op.
func (t *Tracker) rekey() {
	channels := make(map[string]*Channel, len(t.channels))
	for _, ch := range t.channels {
		members := make(map[string]*Member, len(ch.Members))
		for _, m := range ch.Members {
			members[t.fold(m.Nick)] = m
		}
		ch.Members = members
		channels[t.fold(ch.Name)] = ch
	}
	t.channels = channels

	users := make(map[string]*User, len(t.users))
	for _, u := range t.users {
		users[t.fold(u.Nick)] = u
	}
	t.users = users
}

func (t *Tracker) touchUser(h text.Hostmask) *User {
	key := t.fold(h.Nick)
	u, ok := t.users[key]
	if !ok {
		u = &User{Nick: h.Nick}
		t.users[key] = u
	}
	if h.User != "" {
		u.User = h.User
	}
	if h.Host != "" {
		u.Host = h.Host
	}
	return u
}

// dropUserIfGone forgets a user who shares no channel with us.
func (t *Tracker) dropUserIfGone(key string) {
	for _, ch := range t.channels {
		if _, ok := ch.Members[key]; ok {
			return
		}
	}
	delete(t.users, key)
}

func (t *Tracker) applyJoin(msg wire.Message) {
	if len(msg.Params) == 0 {
		return
	}
	h := msg.Hostmask()
	for _, name := range strings.Split(msg.Params[0], ",") {
		if name == "" {
			continue
		}
		key := t.fold(name)
		ch, ok := t.channels[key]
		if t.isMe(h.Nick) {
			if !ok {
				ch = newChannel(name)
				t.channels[key] = ch
			}
			if h.Host != "" {
				t.host = h.Host
			}
		} else if !ok {
			continue
		}
		u := t.touchUser(h)
		// extended-join: JOIN #chan account :realname
		if len(msg.Params) >= 3 {
			u.Account = normalizeAccount(msg.Params[1])
			u.RealName = msg.Params[2]
		}
		ch.Members[t.fold(h.Nick)] = &Member{Nick: h.Nick}
	}
}

func (t *Tracker) removeMember(channel, nick string) {
	key := t.fold(channel)
	ch, ok := t.channels[key]
	if !ok || nick == "" {
		return
	}
	if t.isMe(nick) {
		delete(t.channels, key)
		for member := range ch.Members {
			t.dropUserIfGone(member)
		}
		return
	}
	nickKey := t.fold(nick)
	delete(ch.Members, nickKey)
	t.dropUserIfGone(nickKey)
}

func (t *Tracker) applyQuit(nick string) {
	if nick == "" || t.isMe(nick) {
		return
	}
	key := t.fold(nick)
	for _, ch := range t.channels {
		delete(ch.Members, key)
	}
	delete(t.users, key)
}

func (t *Tracker) applyNick(oldNick, newNick string) {
	oldKey, newKey := t.fold(oldNick), t.fold(newNick)
	if t.isMe(oldNick) {
		t.nick = newNick
	}
	for _, ch := range t.channels {
		if m, ok := ch.Members[oldKey]; ok {
			delete(ch.Members, oldKey)
			m.Nick = newNick
			ch.Members[newKey] = m
		}
	}
	if u, ok := t.users[oldKey]; ok {
		delete(t.users, oldKey)
		u.Nick = newNick
		t.users[newKey] = u
	}
}

func (t *Tracker) applyMode(msg wire.Message) {
	if len(msg.Params) < 2 {
		return
	}
	target := msg.Params[0]
	if !t.isupport.IsChannel(target) {
		if t.isMe(target) {
			for _, c := range ParseUserModes(msg.Params[1]) {
				if c.Add {
					if strings.IndexByte(t.userModes, c.Mode) == -1 {
						t.userModes += string(c.Mode)
					}
				} else {
					t.userModes = removeStatus(t.userModes, c.Mode)
				}
			}
		}
		return
	}
	ch := t.channelFor(target)
	if ch == nil {
		return
	}
	t.applyChannelModes(ch, ParseModeChanges(t.isupport, msg.Params[1], msg.Params[2:]))
}

func (t *Tracker) applyChannelModes(ch *Channel, changes []ModeChange) {
	for _, c := range changes {
		switch t.isupport.kind(c.Mode) {
		case kindPrefix:
			m, ok := ch.Members[t.fold(c.Arg)]
			if !ok {
				continue
			}
			if c.Add {
				m.Modes = addStatus(m.Modes, c.Mode, t.isupport.PrefixModes)
			} else {
				m.Modes = removeStatus(m.Modes, c.Mode)
			}
		case kindList:
			if c.Arg == "" {
				continue
			}
			if c.Add {
				ch.Lists[c.Mode] = append(removeString(ch.Lists[c.Mode], c.Arg), c.Arg)
			} else {
				ch.Lists[c.Mode] = removeString(ch.Lists[c.Mode], c.Arg)
			}
		default:
			if c.Add {
				ch.Modes[c.Mode] = c.Arg
			} else {
				delete(ch.Modes, c.Mode)
			}
		}
	}
}

func (t *Tracker) applyChannelModeIs(msg wire.Message) {
	// 324 <me> <channel> <modes> [args...]
	if len(msg.Params) < 3 {
		return
	}
	ch := t.channelFor(msg.Params[1])
	if ch == nil {
		return
	}
	ch.Modes = make(map[byte]string)
	t.applyChannelModes(ch, ParseModeChanges(t.isupport, msg.Params[2], msg.Params[3:]))
}

func (t *Tracker) applyNames(msg wire.Message) {
	// 353 <me> <symbol> <channel> :<names>
	if len(msg.Params) < 4 {
		return
	}
	ch := t.channelFor(msg.Params[2])
	if ch == nil {
		return
	}
	if ch.names == nil {
		ch.names = make(map[string]*Member)
	}
	for _, entry := range strings.Fields(msg.Params[3]) {
		var modes string
		for len(entry) > 0 {
			mode, ok := t.isupport.ModeForSymbol(entry[0])
			if !ok {
				break
			}
			modes = addStatus(modes, mode, t.isupport.PrefixModes)
			entry = entry[1:]
		}
		if entry == "" {
			continue
		}
		// userhost-in-names
		h := text.ParseHostmask(entry)
		t.touchUser(h)
		ch.names[t.fold(h.Nick)] = &Member{Nick: h.Nick, Modes: modes}
	}
}

func (t *Tracker) commitNames(name string) {
	ch := t.channelFor(name)
	if ch == nil || ch.names == nil {
		return
	}
	previous := ch.Members
	ch.Members = ch.names
	ch.names = nil
	selfKey := t.fold(t.nick)
	if _, ok := ch.Members[selfKey]; !ok {
		if self, ok := previous[selfKey]; ok {
			ch.Members[selfKey] = self
		} else {
			ch.Members[selfKey] = &Member{Nick: t.nick}
		}
		t.touchUser(text.Hostmask{Nick: t.nick})
	}
	for key := range previous {
		if _, ok := ch.Members[key]; !ok {
			t.dropUserIfGone(key)
		}
	}
}

func (t *Tracker) applyWho(msg wire.Message) {
	// 352 <me> <channel> <user> <host> <server> <nick> <flags> :<hops> <realname>
	if len(msg.Params) < 8 {
		return
	}
	nick := msg.Params[5]
	if t.isMe(nick) {
		t.user, t.host = msg.Params[2], msg.Params[3]
		return
	}
	u, ok := t.users[t.fold(nick)]
	if !ok {
		return
	}
	u.User, u.Host = msg.Params[2], msg.Params[3]
	u.Away = strings.HasPrefix(msg.Params[6], "G")
	if _, realName, ok := strings.Cut(msg.Params[7], " "); ok {
		u.RealName = realName
	}
}

// Check verifies the tracker's structural invariants: we are a member of
// every tracked channel, and every member has a user record.
func (t *Tracker) Check() error {
	t.mu.RLock()
	defer t.mu.RUnlock()
	selfKey := t.fold(t.nick)
	for key, ch := range t.channels {
		if key != t.fold(ch.Name) {
			return fmt.Errorf("channel %s stored under %q", ch.Name, key)
		}
		if _, ok := ch.Members[selfKey]; !ok {
			return fmt.Errorf("channel %s does not contain us", ch.Name)
		}
		for mkey, m := range ch.Members {
			if mkey != t.fold(m.Nick) {
				return fmt.Errorf("member %s of %s stored under %q", m.Nick, ch.Name, mkey)
			}
			if _, ok := t.users[mkey]; !ok {
				return fmt.Errorf("member %s of %s has no user record", m.Nick, ch.Name)
			}
		}
	}
	for key, u := range t.users {
		if key == selfKey {
			continue
		}
		found := false
		for _, ch := range t.channels {
			if _, ok := ch.Members[key]; ok {
				found = true
				break
			}
		}
		if !found {
			return fmt.Errorf("user %s shares no channel with us", u.Nick)
		}
	}
	return nil
}
