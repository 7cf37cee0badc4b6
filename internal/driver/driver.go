// Package driver owns the transport side of a network: it picks the next
// server, applies STS, dials, runs the connection and reconnects with
// backoff.
package driver

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dalnet/ircbot/internal/logger"
	"github.com/dalnet/ircbot/internal/network"
	"github.com/dalnet/ircbot/internal/queue"
	"github.com/dalnet/ircbot/internal/schedule"
	"github.com/dalnet/ircbot/internal/session"
	"github.com/dalnet/ircbot/internal/state"
	"github.com/dalnet/ircbot/internal/wire"
)

const DefaultShutdownGrace = 3 * time.Second

// Events receives connection lifecycle notifications. All calls for one
// connection come from its driver goroutine, in order.
type Events interface {
	Connected(c *Conn)
	Message(c *Conn, msg wire.Message)
	Disconnected(c *Conn, err error)
}

// Options configures a driver.
type Options struct {
	Session session.Config
	Dial    DialFunc

	ThrottleRate  float64
	ThrottleBurst int

	InitialDelay  time.Duration
	MaxDelay      time.Duration
	ShutdownGrace time.Duration

	// OnChange is called after the network record was modified, so it can
	// be persisted.
	OnChange func(rec *network.Record)
}

// Driver reconnects one network until its context is cancelled.
type Driver struct {
	record  *network.Record
	opts    Options
	events  Events
	clock   schedule.Clock
	log     *logger.Manager
	backoff *Backoff
	sleep   func(ctx context.Context, d time.Duration) bool
}

// New returns a driver for record.
func New(record *network.Record, opts Options, events Events, clock schedule.Clock, log *logger.Manager) *Driver {
	if clock == nil {
		clock = schedule.Real
	}
	if log == nil {
		log = logger.Discard()
	}
	if opts.Dial == nil {
		opts.Dial = (&Dialer{TLS: TLSConfig{Verify: true}}).Dial
	}
	if opts.ShutdownGrace <= 0 {
		opts.ShutdownGrace = DefaultShutdownGrace
	}
	return &Driver{
		record:  record,
		opts:    opts,
		events:  events,
		clock:   clock,
		log:     log,
		backoff: NewBackoff(opts.InitialDelay, opts.MaxDelay),
		sleep:   sleepContext,
	}
}

// Record returns the network record the driver works from.
func (d *Driver) Record() *network.Record {
	return d.record
}

func sleepContext(ctx context.Context, delay time.Duration) bool {
	t := time.NewTimer(delay)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

// Run connects and reconnects until ctx is cancelled. Cancelling ctx quits
// the live connection gracefully.
func (d *Driver) Run(ctx context.Context) error {
	name := d.record.Name()
	for ctx.Err() == nil {
		attempt := d.record.Next(d.clock.Now())
		if attempt.Upgraded {
			d.log.Info("sts", name, fmt.Sprintf("Using STS policy for %s: port %d with TLS", attempt.Server.Host, attempt.Port))
		}
		d.log.Info("connect", name, "Connecting to", describe(attempt))

		transport, attempt, err := d.open(ctx, attempt)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if errors.Is(err, network.ErrSTSViolation) {
				d.log.Error("sts", name, err.Error())
			} else {
				d.log.Warning("connect", name, "Connection failed:", err.Error())
			}
			d.record.Advance()
			d.changed()
			if !d.sleep(ctx, d.backoff.Next()) {
				return nil
			}
			continue
		}

		out := d.serve(ctx, attempt, transport)
		host := attempt.Server.Host
		now := d.clock.Now()
		d.record.RecordDisconnect(host, now)
		if out.clean && attempt.TLS && d.record.Commit(host, now) {
			d.log.Info("sts", name, "STS policy for", host, "committed")
		}
		d.changed()

		if ctx.Err() != nil {
			return nil
		}
		if out.upgrade {
			continue
		}
		if out.registered {
			d.backoff.Reset()
		} else {
			d.record.Advance()
		}
		if !d.sleep(ctx, d.backoff.Next()) {
			return nil
		}
	}
	return nil
}

// open dials attempt. An STS-upgraded attempt that fails falls back to
// plaintext on the configured port unless the policy is committed.
func (d *Driver) open(ctx context.Context, a network.Attempt) (Transport, network.Attempt, error) {
	t, err := d.opts.Dial(ctx, a)
	if err == nil || !a.Upgraded {
		return t, a, err
	}
	fallback, ferr := d.record.Fallback(a, d.clock.Now())
	if ferr != nil {
		return nil, a, fmt.Errorf("%w (after: %v)", ferr, err)
	}
	d.log.Warning("sts", d.record.Name(), "Secure connection failed, policy not committed; falling back to plaintext:", err.Error())
	t, err = d.opts.Dial(ctx, fallback)
	return t, fallback, err
}

func (d *Driver) serve(ctx context.Context, a network.Attempt, t Transport) outcome {
	cfg := d.opts.Session
	if a.Server.Password != "" {
		cfg.Password = a.Server.Password
	}
	q := queue.New(d.clock.Now)
	tr := state.New(cfg.Nick, cfg.User, cfg.RealName)
	c := &Conn{
		ID:        nextConnID(),
		Network:   d.record.Name(),
		Attempt:   a,
		Session:   session.New(cfg, q, tr, d.clock, d.log),
		Tracker:   tr,
		Queue:     q,
		transport: t,
		throttle:  queue.NewThrottle(d.opts.ThrottleRate, d.opts.ThrottleBurst),
		clock:     d.clock,
		log:       d.log,
		grace:     d.opts.ShutdownGrace,
		quit:      make(chan string, 1),
		done:      make(chan struct{}),
	}
	c.Session.OnSTS = func(value string, secure bool) {
		d.applySTS(c, value, secure)
	}

	d.log.Info("connect", c.Network, "Connected to", describe(a))
	out := c.serve(ctx, d.events)
	if out.err != nil {
		d.log.Info("connect", c.Network, "Disconnected:", out.err.Error())
	}
	if d.events != nil {
		d.events.Disconnected(c, out.err)
	}
	return out
}

func (d *Driver) applySTS(c *Conn, value string, secure bool) {
	if c.Attempt.Server.WebSocket != "" {
		return
	}
	advert, err := network.ParseAdvert(value)
	if err != nil {
		d.log.Warning("sts", c.Network, err.Error())
		return
	}
	host := c.Attempt.Server.Host
	if !secure && advert.Port == 0 {
		return
	}
	if !secure && c.Attempt.Fallback {
		// TLS already failed for this host; retry it after backoff.
		d.log.Info("sts", c.Network, fmt.Sprintf("Ignoring STS upgrade from %s on plaintext fallback", host))
		return
	}
	if d.record.ApplyAdvert(host, c.Attempt.Port, secure, advert, d.clock.Now()) && !secure {
		d.log.Info("sts", c.Network, fmt.Sprintf("%s requires TLS on port %d, reconnecting", host, advert.Port))
		c.upgrade = true
	}
	d.changed()
}

func (d *Driver) changed() {
	if d.opts.OnChange != nil {
		d.opts.OnChange(d.record)
	}
}

func describe(a network.Attempt) string {
	if a.Server.WebSocket != "" {
		return a.Server.WebSocket
	}
	scheme := "irc"
	if a.TLS {
		scheme = "ircs"
	}
	return fmt.Sprintf("%s://%s:%d", scheme, a.Server.Host, a.Port)
}
