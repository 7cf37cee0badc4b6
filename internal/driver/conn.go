package driver

import (
	"context"
	"errors"
	"io"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dalnet/ircbot/internal/logger"
	"github.com/dalnet/ircbot/internal/network"
	"github.com/dalnet/ircbot/internal/queue"
	"github.com/dalnet/ircbot/internal/schedule"
	"github.com/dalnet/ircbot/internal/session"
	"github.com/dalnet/ircbot/internal/state"
	"github.com/dalnet/ircbot/internal/wire"
)

var (
	ErrClosed      = errors.New("connection closed")
	ErrProtocol    = errors.New("too many protocol errors")
	ErrQuitTimeout = errors.New("server did not close after QUIT")
)

var lastConnID atomic.Uint64

func nextConnID() wire.ConnID {
	return wire.ConnID(lastConnID.Add(1))
}

// Conn is one live connection: its transport, session, state and queue.
// Only the driver goroutine reads and writes the transport; other
// goroutines interact through Send and Quit.
type Conn struct {
	ID      wire.ConnID
	Network string
	Attempt network.Attempt
	Session *session.Session
	Tracker *state.Tracker
	Queue   *queue.Queue

	transport Transport
	throttle  *queue.Throttle
	clock     schedule.Clock
	log       *logger.Manager
	grace     time.Duration

	quit      chan string
	done      chan struct{}
	closeOnce sync.Once

	// set from the session's STS callback, on the driver goroutine
	upgrade bool
}

// Send queues msg for this connection.
func (c *Conn) Send(msg wire.Message, class queue.Class, target string) error {
	select {
	case <-c.done:
		return ErrClosed
	default:
	}
	c.Queue.Enqueue(msg, class, target)
	return nil
}

// Quit asks the connection to send QUIT and close.
func (c *Conn) Quit(reason string) {
	select {
	case c.quit <- reason:
	default:
	}
}

// Done is closed once the connection is torn down.
func (c *Conn) Done() <-chan struct{} {
	return c.done
}

// Registered reports whether the server has welcomed us.
func (c *Conn) Registered() bool {
	return c.Tracker.Registered()
}

// outcome summarises how a connection ended.
type outcome struct {
	err        error
	registered bool
	// clean means the session ended by QUIT, ERROR or EOF rather than an
	// I/O failure or timeout
	clean   bool
	upgrade bool
}

type readResult struct {
	line []byte
	err  error
}

func (c *Conn) readLoop(lines chan<- readResult) {
	for {
		line, err := c.transport.ReadLine()
		select {
		case lines <- readResult{line: line, err: err}:
		case <-c.done:
			return
		}
		if err != nil {
			return
		}
	}
}

func (c *Conn) close() {
	c.closeOnce.Do(func() {
		close(c.done)
		c.transport.Close()
	})
}

func (c *Conn) codec() wire.Codec {
	lineLen := c.Tracker.ISupport().LineLen
	if lineLen < wire.DefaultLineLen {
		lineLen = wire.DefaultLineLen
	}
	return wire.Codec{LineLen: lineLen, TagLen: wire.DefaultTagLen}
}

// flush writes whatever the throttle allows and returns how long until the
// next queued entry may go.
func (c *Conn) flush() (time.Duration, error) {
	codec := c.codec()
	for {
		e, wait, ok := c.Queue.Next(c.clock.Now(), c.throttle)
		if !ok {
			return wait, nil
		}
		line, err := codec.Encode(e.Msg)
		if err != nil {
			c.log.Warning("queue", "Dropping unencodable message:", err.Error(), e.Msg.String())
			continue
		}
		if c.log.IsLoggingRawIO() {
			c.log.Debug("rawio", c.Network, "->", e.Msg.String())
		}
		if err := c.transport.WriteLine(line); err != nil {
			return 0, err
		}
	}
}

// serve runs the connection until it ends. events receives every parsed
// message after the session has processed it.
func (c *Conn) serve(ctx context.Context, events Events) (out outcome) {
	defer func() {
		out.registered = c.Tracker.Registered()
		dropped := c.Queue.Reset()
		if dropped > 0 {
			c.log.Debug("queue", c.Network, "discarded", strconv.Itoa(dropped), "queued messages")
		}
		c.Queue.DrainImmediate()
		c.close()
	}()

	lines := make(chan readResult, 16)
	go c.readLoop(lines)

	c.Session.Start(c.Attempt.TLS)
	if events != nil {
		events.Connected(c)
	}

	timer := time.NewTimer(time.Hour)
	defer timer.Stop()

	ctxDone := ctx.Done()
	var quitting bool
	var quitDeadline time.Time
	beginQuit := func(reason string) {
		if quitting {
			return
		}
		quitting = true
		quitDeadline = c.clock.Now().Add(c.grace)
		c.Session.Quit(reason)
	}

	for {
		wait, err := c.flush()
		if err != nil {
			return outcome{err: err, clean: quitting, upgrade: c.upgrade}
		}

		now := c.clock.Now()
		next := c.Session.NextDeadline().Sub(now)
		if quitting {
			next = quitDeadline.Sub(now)
		}
		if wait > 0 && wait < next {
			next = wait
		}
		if next < 0 {
			next = 0
		}
		resetTimer(timer, next)

		select {
		case <-ctxDone:
			ctxDone = nil
			beginQuit("")
		case reason := <-c.quit:
			beginQuit(reason)
		case <-c.Queue.Ready():
		case r := <-lines:
			if r.err != nil {
				if errors.Is(r.err, io.EOF) {
					return outcome{err: r.err, clean: true, upgrade: c.upgrade}
				}
				return outcome{err: r.err, clean: quitting, upgrade: c.upgrade}
			}
			if err := c.receive(r.line, events); err != nil {
				clean := errors.Is(err, session.ErrServerClosed)
				return outcome{err: err, clean: clean, upgrade: c.upgrade}
			}
			if c.upgrade && !quitting {
				beginQuit("Reconnecting with TLS")
			}
		case <-timer.C:
			now := c.clock.Now()
			if quitting {
				if !now.Before(quitDeadline) {
					return outcome{err: ErrQuitTimeout, clean: true, upgrade: c.upgrade}
				}
				continue
			}
			if err := c.Session.Tick(now); err != nil {
				return outcome{err: err}
			}
		}
	}
}

// receive parses and handles one inbound line.
func (c *Conn) receive(line []byte, events Events) error {
	now := c.clock.Now()
	c.Session.Received(now)

	codec := c.codec()
	codec.TagLen = wire.MaxServerTagLen
	msg, err := codec.Parse(string(line))
	if err != nil {
		c.log.Warning("session", c.Network, "Protocol error:", err.Error(), strconv.Quote(string(line)))
		if c.Session.ProtocolError(now) {
			return ErrProtocol
		}
		return nil
	}
	if c.log.IsLoggingRawIO() {
		c.log.Debug("rawio", c.Network, "<-", string(line))
	}
	msg.Time = now
	msg.Conn = c.ID

	herr := c.Session.Handle(msg)
	if events != nil {
		events.Message(c, msg)
	}
	return herr
}

func resetTimer(t *time.Timer, d time.Duration) {
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
	t.Reset(d)
}
