package dispatch

import (
	"github.com/dalnet/ircbot/internal/wire"
)

type resultKind int

const (
	passed resultKind = iota
	dropped
	failed
)

// Result is what a filter decides about one message.
type Result struct {
	kind resultKind
	msg  wire.Message
	err  error
}

// Pass continues the pipeline with msg, which may be rewritten.
func Pass(msg wire.Message) Result {
	return Result{kind: passed, msg: msg}
}

// Drop discards the message silently.
func Drop() Result {
	return Result{kind: dropped}
}

// Fail discards the message and reports err.
func Fail(err error) Result {
	return Result{kind: failed, err: err}
}

// Message returns the message carried by a Pass result.
func (r Result) Message() (wire.Message, bool) {
	return r.msg, r.kind == passed
}

// Err returns the error of a Fail result.
func (r Result) Err() error {
	return r.err
}

// Dropped reports whether the message was discarded, with or without error.
func (r Result) Dropped() bool {
	return r.kind != passed
}

// Filter rewrites or discards messages. Filters must not touch connection
// state.
type Filter interface {
	Filter(conn wire.ConnID, msg wire.Message) Result
}

// FilterFunc adapts a function to Filter.
type FilterFunc func(conn wire.ConnID, msg wire.Message) Result

func (f FilterFunc) Filter(conn wire.ConnID, msg wire.Message) Result {
	return f(conn, msg)
}

// runFilters applies filters in order, stopping at the first drop or failure.
func runFilters(filters []Filter, conn wire.ConnID, msg wire.Message) Result {
	for _, f := range filters {
		r := f.Filter(conn, msg)
		if r.kind != passed {
			return r
		}
		msg = r.msg
	}
	return Pass(msg)
}

// StripFormattingFilter removes colours and formatting codes from outgoing
// PRIVMSG and NOTICE text. CTCP framing is kept.
var StripFormattingFilter = FilterFunc(func(conn wire.ConnID, msg wire.Message) Result {
	if (msg.Command != "PRIVMSG" && msg.Command != "NOTICE") || len(msg.Params) < 2 {
		return Pass(msg)
	}
	out := msg.Clone()
	last := len(out.Params) - 1
	if ctcp, ok := wire.ParseCTCP(msg); ok {
		ctcp.Args = wire.StripFormatting(ctcp.Args)
		out.Params[last] = ctcp.String()
	} else {
		out.Params[last] = wire.StripFormatting(out.Params[last])
	}
	return Pass(out)
})

