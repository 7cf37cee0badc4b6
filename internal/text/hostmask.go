package text

import (
	"strings"

	"github.com/ergochat/irc-go/ircmsg"
)

// Hostmask is a parsed nick!user@host. Server-origin prefixes carry only a
// Nick (the server name) and leave User and Host empty.
type Hostmask struct {
	Nick string
	User string
	Host string
}

// ParseHostmask splits a message prefix. An empty prefix yields the zero
// Hostmask.
func ParseHostmask(prefix string) Hostmask {
	nuh, err := ircmsg.ParseNUH(prefix)
	if err != nil {
		return Hostmask{}
	}
	return Hostmask{Nick: nuh.Name, User: nuh.User, Host: nuh.Host}
}

// String formats the hostmask, omitting absent parts.
func (h Hostmask) String() string {
	nuh := ircmsg.NUH{Name: h.Nick, User: h.User, Host: h.Host}
	return nuh.Canonical()
}

// IsZero reports whether no part is set.
func (h Hostmask) IsZero() bool {
	return h.Nick == "" && h.User == "" && h.Host == ""
}

// IsServer reports whether the prefix looks like a server name rather than
// a user: no user or host part and a dot in the name.
func (h Hostmask) IsServer() bool {
	return h.User == "" && h.Host == "" && strings.Contains(h.Nick, ".")
}

// Folded returns the hostmask with the nick folded under cm, for matching.
func (h Hostmask) Folded(cm Casemapping) string {
	h.Nick = cm.Fold(h.Nick)
	return h.String()
}
