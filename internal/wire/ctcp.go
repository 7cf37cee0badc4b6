package wire

import "strings"

const ctcpDelim = "\x01"

// CTCP is a client-to-client request or reply carried in a PRIVMSG or NOTICE.
type CTCP struct {
	Command string
	Args    string
}

// IsCTCP reports whether msg is a PRIVMSG or NOTICE whose text is wrapped in
// \x01.
func IsCTCP(msg Message) bool {
	if msg.Command != "PRIVMSG" && msg.Command != "NOTICE" || len(msg.Params) < 2 {
		return false
	}
	return strings.HasPrefix(msg.Last(), ctcpDelim)
}

// ParseCTCP extracts the CTCP payload. A missing closing \x01 is tolerated.
func ParseCTCP(msg Message) (CTCP, bool) {
	if !IsCTCP(msg) {
		return CTCP{}, false
	}
	body := strings.TrimPrefix(msg.Last(), ctcpDelim)
	body = strings.TrimSuffix(body, ctcpDelim)
	cmd, args, _ := strings.Cut(body, " ")
	if cmd == "" {
		return CTCP{}, false
	}
	return CTCP{Command: strings.ToUpper(cmd), Args: args}, true
}

// String frames the payload.
func (c CTCP) String() string {
	if c.Args == "" {
		return ctcpDelim + c.Command + ctcpDelim
	}
	return ctcpDelim + c.Command + " " + c.Args + ctcpDelim
}

// IsAction reports whether this is a /me.
func (c CTCP) IsAction() bool {
	return c.Command == "ACTION"
}

// CTCPRequest builds a PRIVMSG carrying a CTCP request.
func CTCPRequest(target, command, args string) Message {
	return NewMessage("PRIVMSG", target, CTCP{Command: command, Args: args}.String())
}

// CTCPReply builds a NOTICE carrying a CTCP reply.
func CTCPReply(target, command, args string) Message {
	return NewMessage("NOTICE", target, CTCP{Command: command, Args: args}.String())
}
