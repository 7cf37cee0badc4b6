package irc

import (
	"fmt"
	"strings"
	"time"

	"github.com/dalnet/ircbot/internal/identity"
	"github.com/dalnet/ircbot/internal/schedule"
	"github.com/dalnet/ircbot/internal/state"
	"github.com/dalnet/ircbot/internal/wire"
)

// clientInfo lists the CTCP queries we answer.
const clientInfo = "ACTION CLIENTINFO PING TIME VERSION"

func (r *Runtime) registerBuiltins() {
	// Connected (end of MOTD)
	r.dispatch.HandleFunc("376", r.onConnect)
	r.dispatch.HandleFunc("422", r.onConnect) // MOTD missing is also "connected"

	r.dispatch.HandleFunc("PRIVMSG", r.onCTCP)
	r.dispatch.HandleFunc("PRIVMSG", r.onIdentify)
	r.dispatch.HandleFunc("KICK", r.onKick)
}

// versionReply is the CTCP VERSION answer.
func (r *Runtime) versionReply() string {
	if r.cfg.CTCP.Version != "" {
		return r.cfg.CTCP.Version
	}
	return fmt.Sprintf("ircbot %s (built %s, commit %s)", Version, BuildDate, GitCommit)
}

// splitChannel splits a configured "#channel key" entry.
func splitChannel(entry string) (name, key string) {
	fields := strings.Fields(entry)
	switch len(fields) {
	case 0:
		return "", ""
	case 1:
		return fields[0], ""
	}
	return fields[0], fields[1]
}

func joinMessage(name, key string) wire.Message {
	if key == "" {
		return wire.NewMessage("JOIN", name)
	}
	return wire.NewMessage("JOIN", name, key)
}

func (r *Runtime) onConnect(conn wire.ConnID, msg wire.Message) error {
	c, ok := r.Conn(conn)
	if !ok {
		return nil
	}
	n := r.networks[c.Network]
	var joined []string
	for _, entry := range n.Channels {
		name, key := splitChannel(entry)
		if name == "" {
			continue
		}
		if err := r.dispatch.Reply(conn, joinMessage(name, key)); err != nil {
			return err
		}
		joined = append(joined, name)
	}
	if len(joined) > 0 {
		r.log.Info("autojoin", c.Network, "Joining", strings.Join(joined, ","))
	}
	return nil
}

func (r *Runtime) onCTCP(conn wire.ConnID, msg wire.Message) error {
	if msg.Flag(identity.FlagIgnored) {
		return nil
	}
	ctcp, ok := wire.ParseCTCP(msg)
	if !ok || ctcp.IsAction() {
		return nil
	}
	nick := msg.Nick()
	if nick == "" {
		return nil
	}

	var reply string
	switch ctcp.Command {
	case "VERSION":
		reply = r.versionReply()
	case "PING":
		reply = ctcp.Args
	case "TIME":
		reply = r.clock.Now().Format(time.RFC1123Z)
	case "CLIENTINFO":
		reply = clientInfo
	default:
		return nil
	}
	return r.dispatch.Reply(conn, wire.CTCPReply(nick, ctcp.Command, reply))
}

// onKick schedules a rejoin when we were the one kicked. The rejoin is
// tied to the connection and dropped if it closes first.
func (r *Runtime) onKick(conn wire.ConnID, msg wire.Message) error {
	c, ok := r.Conn(conn)
	if !ok || !c.Tracker.IsMe(msg.Param(1)) {
		return nil
	}
	delay := r.cfg.RejoinDelay.Std()
	channel := msg.Param(0)
	r.log.Info("kick", c.Network, "Kicked from", channel, "by", msg.Nick(), msg.Param(2))
	if delay < 0 {
		return nil
	}
	key := r.channelKey(c.Network, channel, c.Tracker)
	r.After(conn, delay, func() error {
		return r.dispatch.Reply(conn, joinMessage(channel, key))
	})
	return nil
}

// channelKey finds the configured key for channel, if any.
func (r *Runtime) channelKey(networkName, channel string, tr *state.Tracker) string {
	want := tr.Fold(channel)
	for _, entry := range r.networks[networkName].Channels {
		name, key := splitChannel(entry)
		if tr.Fold(name) == want {
			return key
		}
	}
	return ""
}

// onIdentify handles a private "IDENTIFY <user> <password>". A correct
// password adds *!user@host of the sender to the account. The bcrypt check
// runs off the loop.
func (r *Runtime) onIdentify(conn wire.ConnID, msg wire.Message) error {
	c, ok := r.Conn(conn)
	if !ok || msg.Flag(identity.FlagIgnored) || !c.Tracker.IsMe(msg.Param(0)) {
		return nil
	}
	fields := strings.Fields(msg.Last())
	if len(fields) != 3 || !strings.EqualFold(fields[0], "IDENTIFY") {
		return nil
	}
	h := msg.Hostmask()
	if h.Nick == "" || h.User == "" || h.Host == "" {
		return nil
	}
	name, password := fields[1], fields[2]

	r.Offload(func() schedule.Func {
		err := r.gate.Users.CheckPassword(name, password)
		return func() error {
			if err != nil {
				r.log.Warning("identity", c.Network, h.String(), "failed to identify as", name)
				return r.dispatch.Reply(conn, wire.NewMessage("NOTICE", h.Nick, "Identification failed."))
			}
			u, err := r.gate.Users.AddHostmask(name, "*!"+h.User+"@"+h.Host)
			if err != nil {
				return err
			}
			if err := r.store.PutUser(u); err != nil {
				return err
			}
			r.log.Info("identity", c.Network, h.String(), "identified as", u.Name)
			return r.dispatch.Reply(conn, wire.NewMessage("NOTICE", h.Nick, "You are now identified as "+u.Name+"."))
		}
	})
	return nil
}
