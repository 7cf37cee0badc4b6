// Package wire implements the IRC line protocol: parsing received lines into
// Messages, encoding Messages for the socket, message-tag escaping, CTCP
// framing and formatting-code removal.
package wire

import (
	"strings"
	"time"

	"github.com/dalnet/ircbot/internal/text"
)

// ConnID identifies one connection (one session) for the life of the process.
// Handlers hold a ConnID and resolve it through the runtime.
type ConnID uint64

// Message is one IRC message. Tags, Source, Command and Params are the wire
// content; Time, Conn and the flags are receive-side metadata and are not
// part of equality or encoding.
type Message struct {
	Tags    map[string]string
	Source  string
	Command string
	Params  []string

	// Time is when the line was read from the socket.
	Time time.Time
	// Conn is the connection the message arrived on.
	Conn ConnID

	flags         map[string]bool
	forceTrailing bool
}

// NewMessage builds an outbound message.
func NewMessage(command string, params ...string) Message {
	return Message{Command: command, Params: params}
}

// Param returns the i'th parameter, or "" if there is none.
func (m Message) Param(i int) string {
	if i < 0 || i >= len(m.Params) {
		return ""
	}
	return m.Params[i]
}

// Last returns the final parameter, which is the trailing one when present.
func (m Message) Last() string {
	if len(m.Params) == 0 {
		return ""
	}
	return m.Params[len(m.Params)-1]
}

// Tag returns a tag value. A tag sent without a value is present with "".
func (m Message) Tag(key string) (value string, ok bool) {
	value, ok = m.Tags[key]
	return
}

// SetTag sets a tag on the message.
func (m *Message) SetTag(key, value string) {
	if m.Tags == nil {
		m.Tags = make(map[string]string)
	}
	m.Tags[key] = value
}

// WithTag returns a copy of m with the tag set.
func (m Message) WithTag(key, value string) Message {
	c := m.Clone()
	c.SetTag(key, value)
	return c
}

// ForceTrailing makes the encoder emit the last parameter in trailing form
// even when it would not need it.
func (m *Message) ForceTrailing() {
	m.forceTrailing = true
}

// SetFlag marks the message with a pipeline flag such as "ignored".
func (m *Message) SetFlag(name string) {
	if m.flags == nil {
		m.flags = make(map[string]bool)
	}
	m.flags[name] = true
}

// Flag reports whether a pipeline flag was set.
func (m Message) Flag(name string) bool {
	return m.flags[name]
}

// Hostmask parses the message source.
func (m Message) Hostmask() text.Hostmask {
	return text.ParseHostmask(m.Source)
}

// Nick returns the nick (or server name) part of the source.
func (m Message) Nick() string {
	return m.Hostmask().Nick
}

// ServerTime returns the server-time tag, falling back to the receive time.
func (m Message) ServerTime() time.Time {
	if v, ok := m.Tags["time"]; ok {
		if t, err := time.Parse(time.RFC3339Nano, v); err == nil {
			return t
		}
	}
	return m.Time
}

// Clone returns a deep copy, so filters can rewrite without aliasing.
func (m Message) Clone() Message {
	c := m
	if m.Tags != nil {
		c.Tags = make(map[string]string, len(m.Tags))
		for k, v := range m.Tags {
			c.Tags[k] = v
		}
	}
	if m.Params != nil {
		c.Params = append([]string(nil), m.Params...)
	}
	if m.flags != nil {
		c.flags = make(map[string]bool, len(m.flags))
		for k, v := range m.flags {
			c.flags[k] = v
		}
	}
	return c
}

// Equal compares wire content: tags, source, command and params. A nil tag
// map equals an empty one.
func (m Message) Equal(o Message) bool {
	if m.Source != o.Source || m.Command != o.Command || len(m.Params) != len(o.Params) || len(m.Tags) != len(o.Tags) {
		return false
	}
	for i := range m.Params {
		if m.Params[i] != o.Params[i] {
			return false
		}
	}
	for k, v := range m.Tags {
		if ov, ok := o.Tags[k]; !ok || ov != v {
			return false
		}
	}
	return true
}

// String renders the message for logs. Unlike Encode it never fails.
func (m Message) String() string {
	line, err := encode(m, 0, 0)
	if err != nil {
		var b strings.Builder
		if m.Source != "" {
			b.WriteString(":" + m.Source + " ")
		}
		b.WriteString(m.Command)
		for _, p := range m.Params {
			b.WriteString(" " + p)
		}
		return b.String()
	}
	return strings.TrimSuffix(string(line), "\r\n")
}
