package dispatch

import (
	"bytes"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dalnet/ircbot/internal/logger"
	"github.com/dalnet/ircbot/internal/queue"
	"github.com/dalnet/ircbot/internal/wire"
)

type sent struct {
	conn   wire.ConnID
	msg    wire.Message
	class  queue.Class
	target string
}

type recorder struct {
	sent []sent
}

func (r *recorder) Enqueue(conn wire.ConnID, msg wire.Message, class queue.Class, target string) error {
	r.sent = append(r.sent, sent{conn, msg, class, target})
	return nil
}

func parse(t *testing.T, line string) wire.Message {
	t.Helper()
	msg, err := wire.Parse(line)
	require.NoError(t, err)
	return msg
}

func TestDispatchByCommand(t *testing.T) {
	d := New(nil, nil)
	var got []string
	d.HandleFunc("privmsg", func(conn wire.ConnID, msg wire.Message) error {
		got = append(got, "privmsg:"+msg.Last())
		return nil
	})
	d.HandleFunc("001", func(conn wire.ConnID, msg wire.Message) error {
		got = append(got, "welcome")
		return nil
	})
	d.HandleFunc(Wildcard, func(conn wire.ConnID, msg wire.Message) error {
		got = append(got, "any:"+msg.Command)
		return nil
	})

	assert.True(t, d.Dispatch(1, parse(t, ":n!u@h PRIVMSG #c :hi")))
	assert.True(t, d.Dispatch(1, parse(t, ":srv 001 bot :welcome")))
	assert.True(t, d.Dispatch(1, parse(t, ":srv 002 bot :host")))
	assert.Equal(t, []string{"privmsg:hi", "any:PRIVMSG", "welcome", "any:001", "any:002"}, got)
}

func TestInFilterRewritesAndDrops(t *testing.T) {
	d := New(nil, nil)
	d.AddInFilter(FilterFunc(func(conn wire.ConnID, msg wire.Message) Result {
		if msg.Nick() == "spammer" {
			return Drop()
		}
		out := msg.Clone()
		out.Params[len(out.Params)-1] = strings.ToUpper(out.Last())
		return Pass(out)
	}))
	var got []string
	d.HandleFunc("PRIVMSG", func(conn wire.ConnID, msg wire.Message) error {
		got = append(got, msg.Last())
		return nil
	})

	assert.False(t, d.Dispatch(1, parse(t, ":spammer!u@h PRIVMSG #c :buy")))
	assert.True(t, d.Dispatch(1, parse(t, ":n!u@h PRIVMSG #c :hi")))
	assert.Equal(t, []string{"HI"}, got)
}

func TestInFilterFailureIsLogged(t *testing.T) {
	var buf bytes.Buffer
	d := New(nil, logger.NewWriterManager(&buf, logger.LogDebug))
	d.AddInFilter(FilterFunc(func(conn wire.ConnID, msg wire.Message) Result {
		return Fail(errors.New("bad input"))
	}))
	called := false
	d.HandleFunc(Wildcard, func(conn wire.ConnID, msg wire.Message) error {
		called = true
		return nil
	})
	assert.False(t, d.Dispatch(1, parse(t, "PING :x")))
	assert.False(t, called)
	assert.Contains(t, buf.String(), "bad input")
}

func TestHandlerPanicIsContained(t *testing.T) {
	var buf bytes.Buffer
	d := New(nil, logger.NewWriterManager(&buf, logger.LogDebug))
	second := false
	d.HandleFunc("PRIVMSG", func(conn wire.ConnID, msg wire.Message) error {
		panic("boom")
	})
	d.HandleFunc("PRIVMSG", func(conn wire.ConnID, msg wire.Message) error {
		second = true
		return errors.New("handler error")
	})
	assert.NotPanics(t, func() {
		d.Dispatch(1, parse(t, ":n!u@h PRIVMSG #c :hi"))
	})
	assert.True(t, second)
	assert.Contains(t, buf.String(), "boom")
	assert.Contains(t, buf.String(), "handler error")
}

func TestSendRunsOutFilters(t *testing.T) {
	rec := &recorder{}
	d := New(rec, nil)
	d.AddOutFilter(StripFormattingFilter)
	d.AddOutFilter(FilterFunc(func(conn wire.ConnID, msg wire.Message) Result {
		if msg.Param(0) == "#quiet" {
			return Drop()
		}
		return Pass(msg)
	}))

	require.NoError(t, d.Send(7, wire.NewMessage("PRIVMSG", "#c", "\x02bold\x02 \x0304,02red\x03"), queue.Privmsg, "#c"))
	require.NoError(t, d.Send(7, wire.NewMessage("PRIVMSG", "#quiet", "hi"), queue.Privmsg, "#quiet"))
	require.NoError(t, d.Reply(7, wire.CTCPReply("nick", "VERSION", "\x02bot\x02 1.0")))

	require.Len(t, rec.sent, 2)
	assert.Equal(t, wire.ConnID(7), rec.sent[0].conn)
	assert.Equal(t, "bold red", rec.sent[0].msg.Last())
	assert.Equal(t, queue.Privmsg, rec.sent[0].class)
	assert.Equal(t, "#c", rec.sent[0].target)

	assert.Equal(t, "\x01VERSION bot 1.0\x01", rec.sent[1].msg.Last())
	assert.Equal(t, queue.Notice, rec.sent[1].class)
	assert.Equal(t, "nick", rec.sent[1].target)
}

func TestSendFailure(t *testing.T) {
	d := New(&recorder{}, nil)
	d.AddOutFilter(FilterFunc(func(conn wire.ConnID, msg wire.Message) Result {
		return Fail(errors.New("refused"))
	}))
	err := d.Send(1, wire.NewMessage("PRIVMSG", "#c", "hi"), queue.Privmsg, "#c")
	assert.ErrorContains(t, err, "refused")

	assert.ErrorIs(t, New(nil, nil).Send(1, wire.NewMessage("PRIVMSG", "#c", "hi"), queue.Privmsg, "#c"), ErrNoSender)
}

func TestStripFormattingLeavesOtherCommands(t *testing.T) {
	msg := wire.NewMessage("TOPIC", "#c", "\x02x")
	got, ok := StripFormattingFilter.Filter(1, msg).Message()
	require.True(t, ok)
	assert.Equal(t, "\x02x", got.Last())
}
