package queue

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dalnet/ircbot/internal/wire"
)

func privmsg(target, text string) wire.Message {
	return wire.NewMessage("PRIVMSG", target, text)
}

func TestFairnessAcrossTargets(t *testing.T) {
	q := New(nil)
	q.Enqueue(privmsg("#a", "1"), Privmsg, "#a")
	q.Enqueue(privmsg("#a", "2"), Privmsg, "#a")
	q.Enqueue(privmsg("#b", "3"), Privmsg, "#b")
	q.Enqueue(privmsg("#a", "4"), Privmsg, "#a")

	var got []string
	for {
		e, ok := q.Dequeue()
		if !ok {
			break
		}
		got = append(got, e.Target+":"+e.Msg.Last())
	}
	assert.Equal(t, []string{"#a:1", "#b:3", "#a:2", "#a:4"}, got)
}

func TestClassOrdering(t *testing.T) {
	classes := []Class{Default, Privmsg, Notice, Kick, ModeChange, Immediate}
	for _, hi := range classes {
		for _, lo := range classes {
			if hi >= lo {
				continue
			}
			q := New(nil)
			q.Enqueue(privmsg("x", "lo"), lo, "x")
			q.Enqueue(privmsg("y", "hi"), hi, "y")
			e, ok := q.Dequeue()
			require.True(t, ok)
			assert.Equal(t, "hi", e.Msg.Last(), "%s before %s", hi, lo)
		}
	}
}

func TestResetKeepsImmediate(t *testing.T) {
	q := New(nil)
	q.Enqueue(privmsg("#a", "x"), Privmsg, "#a")
	q.Enqueue(wire.NewMessage("QUIT", "bye"), Immediate, "")
	q.Enqueue(wire.NewMessage("MODE", "#a", "+o", "n"), ModeChange, "#a")

	assert.Equal(t, 2, q.Reset())
	assert.Equal(t, 1, q.Len())

	drained := q.DrainImmediate()
	require.Len(t, drained, 1)
	assert.Equal(t, "QUIT", drained[0].Msg.Command)
	assert.Equal(t, 0, q.Len())
}

func TestClassFor(t *testing.T) {
	cases := []struct {
		msg         wire.Message
		registering bool
		want        Class
	}{
		{wire.NewMessage("PONG", "x"), false, Immediate},
		{wire.NewMessage("CAP", "END"), true, Immediate},
		{wire.NewMessage("NICK", "a"), true, Immediate},
		{wire.NewMessage("NICK", "a"), false, Default},
		{wire.NewMessage("MODE", "#c", "+o", "a"), false, ModeChange},
		{wire.NewMessage("KICK", "#c", "a"), false, Kick},
		{wire.NewMessage("NOTICE", "a", "hi"), false, Notice},
		{wire.CTCPRequest("#c", "ACTION", "waves"), false, Privmsg},
		{wire.NewMessage("JOIN", "#c"), false, Default},
	}
	for _, c := range cases {
		assert.Equal(t, c.want, ClassFor(c.msg, c.registering), c.msg.String())
	}
}

func TestNextThrottles(t *testing.T) {
	now := time.Unix(1000, 0)
	th := NewThrottle(2, 1)
	q := New(func() time.Time { return now })

	q.Enqueue(privmsg("#a", "1"), Privmsg, "#a")
	q.Enqueue(privmsg("#a", "2"), Privmsg, "#a")

	e, wait, ok := q.Next(now, th)
	require.True(t, ok)
	assert.Equal(t, time.Duration(0), wait)
	assert.Equal(t, "1", e.Msg.Last())

	_, wait, ok = q.Next(now, th)
	assert.False(t, ok)
	assert.Equal(t, 500*time.Millisecond, wait)

	// immediate traffic is never held back
	q.Enqueue(wire.NewMessage("PONG", "t"), Immediate, "")
	e, _, ok = q.Next(now, th)
	require.True(t, ok)
	assert.Equal(t, "PONG", e.Msg.Command)

	e, _, ok = q.Next(now.Add(500*time.Millisecond), th)
	require.True(t, ok)
	assert.Equal(t, "2", e.Msg.Last())

	_, wait, ok = q.Next(now.Add(time.Second), th)
	assert.False(t, ok)
	assert.Equal(t, time.Duration(0), wait)
}

func TestReadySignal(t *testing.T) {
	q := New(nil)
	q.Enqueue(privmsg("#a", "1"), Privmsg, "#a")
	q.Enqueue(privmsg("#a", "2"), Privmsg, "#a")
	select {
	case <-q.Ready():
	default:
		t.Fatal("expected ready signal")
	}
}
