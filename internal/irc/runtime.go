// Package irc runs the bot: one driver per configured network, a shared
// scheduler and dispatcher, and the builtin handlers every bot needs.
package irc

import (
	"context"
	"errors"
	"fmt"
	"os"
	"runtime/debug"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/dalnet/ircbot/internal/config"
	"github.com/dalnet/ircbot/internal/dispatch"
	"github.com/dalnet/ircbot/internal/driver"
	"github.com/dalnet/ircbot/internal/identity"
	"github.com/dalnet/ircbot/internal/logger"
	"github.com/dalnet/ircbot/internal/network"
	"github.com/dalnet/ircbot/internal/queue"
	"github.com/dalnet/ircbot/internal/schedule"
	"github.com/dalnet/ircbot/internal/session"
	"github.com/dalnet/ircbot/internal/storage"
	"github.com/dalnet/ircbot/internal/wire"
)

// Version information (set at build time or here)
var (
	Version   = "1.0.0"
	BuildDate = "unknown"
	GitCommit = "unknown"
)

// IdentityFile is the identity store inside the data directory.
const IdentityFile = "identity.db"

const (
	stateSaveInterval   = 5 * time.Minute
	ignorePruneInterval = time.Minute
)

// ErrUnknownConn is returned when sending on a connection that is gone.
var ErrUnknownConn = errors.New("no such connection")

// Option customises a Runtime.
type Option func(*Runtime)

// WithClock replaces the wall clock.
func WithClock(clock schedule.Clock) Option {
	return func(r *Runtime) { r.clock = clock }
}

// WithDial replaces the dialer of every network.
func WithDial(dial driver.DialFunc) Option {
	return func(r *Runtime) { r.dial = dial }
}

// Runtime ties the networks, the scheduler and the dispatcher together.
type Runtime struct {
	cfg   *config.Config
	log   *logger.Manager
	clock schedule.Clock
	dial  driver.DialFunc

	sched    *schedule.Scheduler
	dispatch *dispatch.Dispatcher
	registry *network.Registry
	gate     *identity.Gate
	store    *identity.Store
	lock     *storage.DirLock

	networks map[string]config.Network
	drivers  []*driver.Driver

	mu    sync.RWMutex
	conns map[wire.ConnID]*driver.Conn

	workers chan struct{}
	offload sync.WaitGroup

	closeOnce sync.Once
}

// New builds a runtime from cfg. It takes the data directory lock and opens
// the persisted state; Run releases them, as does Close.
func New(cfg *config.Config, log *logger.Manager, opts ...Option) (*Runtime, error) {
	if log == nil {
		log = logger.Discard()
	}
	workers := cfg.Workers
	if workers <= 0 {
		workers = config.DefaultWorkers
	}
	r := &Runtime{
		cfg:      cfg,
		log:      log,
		clock:    schedule.Real,
		networks: make(map[string]config.Network),
		conns:    make(map[wire.ConnID]*driver.Conn),
		workers:  make(chan struct{}, workers),
	}
	for _, opt := range opts {
		opt(r)
	}

	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return nil, fmt.Errorf("creating data directory: %w", err)
	}
	lock, err := storage.LockDir(cfg.DataDir)
	if err != nil {
		return nil, err
	}
	r.lock = lock

	if err := r.init(); err != nil {
		r.Close()
		return nil, err
	}
	return r, nil
}

func (r *Runtime) init() error {
	r.sched = schedule.New(r.clock, r.log)
	r.dispatch = dispatch.New(r, r.log)
	if r.cfg.StripFormatting {
		r.dispatch.AddOutFilter(dispatch.StripFormattingFilter)
	}

	if err := r.openIdentity(); err != nil {
		return err
	}

	r.registry = network.NewRegistry(r.cfg.DataDir)
	for _, n := range r.cfg.Networks {
		rec := network.NewRecord(n.Name, servers(n))
		if err := r.registry.Add(rec, r.clock.Now()); err != nil {
			return fmt.Errorf("loading network %s: %w", n.Name, err)
		}
		r.networks[n.Name] = n
		r.drivers = append(r.drivers, driver.New(rec, r.driverOptions(n), r, r.clock, r.log))
	}

	states, err := schedule.LoadState(r.cfg.DataDir)
	if err != nil {
		r.log.Warning("scheduler", "Could not load scheduler state:", err.Error())
	}
	r.sched.Restore(states)

	r.registerBuiltins()
	return r.registerRepeaters()
}

func (r *Runtime) openIdentity() error {
	store, err := identity.OpenStore(storage.Path(r.cfg.DataDir, IdentityFile), r.clock.Now)
	if err != nil {
		return err
	}
	r.store = store

	ignores, err := store.Ignores()
	if err != nil {
		return err
	}
	users, err := store.Users()
	if err != nil {
		return err
	}
	for _, cu := range r.cfg.Users {
		u := identity.User{Name: cu.Name, Hostmasks: cu.Hostmasks, Capabilities: cu.Capabilities}
		if existing, ok := users.Get(cu.Name); ok {
			u.PasswordHash = existing.PasswordHash
		}
		users.Put(u)
		if cu.Password != "" && users.CheckPassword(cu.Name, cu.Password) != nil {
			if err := users.SetPassword(cu.Name, cu.Password); err != nil {
				return err
			}
			u, _ = users.Get(cu.Name)
		}
		if err := store.PutUser(u); err != nil {
			return err
		}
	}
	r.gate = identity.NewGate(ignores, users, r.clock.Now)
	return nil
}

func servers(n config.Network) []network.Server {
	out := make([]network.Server, 0, len(n.Servers))
	for _, s := range n.Servers {
		out = append(out, network.Server{
			Host:      s.Host,
			Port:      s.Port,
			Password:  s.Password,
			Secure:    s.Secure,
			WebSocket: s.WebSocket,
		})
	}
	return out
}

func (r *Runtime) driverOptions(n config.Network) driver.Options {
	cfg := r.cfg
	dial := r.dial
	if dial == nil {
		dialer := &driver.Dialer{
			TLS: driver.TLSConfig{
				Verify:   cfg.TLS.VerifyPeer(),
				CABundle: cfg.TLS.CABundle,
				CertFile: cfg.TLS.Cert,
				KeyFile:  cfg.TLS.Key,
			},
			Proxy: n.Proxy,
		}
		dial = dialer.Dial
	}
	return driver.Options{
		Session: session.Config{
			Nick:           cfg.NetworkNick(n),
			AlternateNicks: cfg.AlternateNicks,
			User:           cfg.User,
			RealName:       cfg.RealName,
			Password:       cfg.ServerPassword,
			Caps:           cfg.Capabilities,
			SASL: session.SASLConfig{
				Mechanisms: cfg.SASL.Mechanisms,
				Username:   cfg.SASL.Username,
				Password:   cfg.SASL.Password,
				ClientCert: cfg.TLS.Cert != "",
				Required:   cfg.SASL.Required,
			},
			PingInterval:        cfg.Ping.Interval.Std(),
			PingTimeout:         cfg.Ping.Timeout.Std(),
			RegistrationTimeout: cfg.Registration.Timeout.Std(),
			QuitMessage:         cfg.Quit.Message,
		},
		Dial:          dial,
		ThrottleRate:  cfg.Throttle.TokensPerSecond,
		ThrottleBurst: cfg.Throttle.Burst,
		InitialDelay:  cfg.Reconnect.InitialDelay.Std(),
		MaxDelay:      cfg.Reconnect.MaxDelay.Std(),
		ShutdownGrace: cfg.Shutdown.Grace.Std(),
		OnChange:      r.saveNetwork,
	}
}

func (r *Runtime) registerRepeaters() error {
	if _, err := r.sched.AddNamedRepeater("ignore-prune", ignorePruneInterval, func() error {
		if n := r.gate.Ignores.Prune(r.clock.Now()); n > 0 {
			r.log.Debug("identity", "Pruned", strconv.Itoa(n), "expired ignores")
		}
		return nil
	}); err != nil {
		return err
	}
	_, err := r.sched.AddNamedRepeater("state-save", stateSaveInterval, r.saveState)
	return err
}

// Run connects every network and blocks until ctx is cancelled, then quits
// all connections, waits up to the shutdown grace for them to close and
// saves state.
func (r *Runtime) Run(ctx context.Context) error {
	defer r.Close()

	loopCtx, stopLoop := context.WithCancel(context.Background())
	loopDone := make(chan struct{})
	go func() {
		defer close(loopDone)
		r.sched.Run(loopCtx)
	}()

	var wg sync.WaitGroup
	for _, d := range r.drivers {
		wg.Add(1)
		go func(d *driver.Driver) {
			defer wg.Done()
			d.Run(ctx)
		}(d)
	}

	<-ctx.Done()
	r.log.Info("server", "Shutting down")

	drained := make(chan struct{})
	go func() {
		wg.Wait()
		close(drained)
	}()
	select {
	case <-drained:
	case <-time.After(r.cfg.Shutdown.Grace.Std() + time.Second):
		r.log.Warning("server", "Connections did not close within the shutdown grace period")
	}

	stopLoop()
	<-loopDone
	return r.saveState()
}

// Close releases the identity store and the data directory lock.
func (r *Runtime) Close() {
	r.closeOnce.Do(func() {
		if r.store != nil {
			if err := r.store.Close(); err != nil {
				r.log.Warning("identity", "Closing identity store:", err.Error())
			}
		}
		if r.lock != nil {
			r.lock.Unlock()
		}
	})
}

func (r *Runtime) saveNetwork(rec *network.Record) {
	if err := r.registry.Save(rec.Name()); err != nil {
		r.log.Warning("storage", rec.Name(), "Could not save network state:", err.Error())
	}
}

func (r *Runtime) saveState() error {
	var firstErr error
	if err := r.registry.SaveAll(); err != nil {
		r.log.Warning("storage", "Could not save network state:", err.Error())
		firstErr = err
	}
	if err := r.sched.SaveState(r.cfg.DataDir); err != nil {
		r.log.Warning("storage", "Could not save scheduler state:", err.Error())
		if firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Connected implements driver.Events.
func (r *Runtime) Connected(c *driver.Conn) {
	r.mu.Lock()
	r.conns[c.ID] = c
	r.mu.Unlock()
}

// Message implements driver.Events. The identity gate marks the message
// before handlers see it.
func (r *Runtime) Message(c *driver.Conn, msg wire.Message) {
	r.gate.Mark(&msg, c.Tracker.Casemapping(), c.Tracker.ISupport().ChanTypes)
	r.dispatch.Dispatch(c.ID, msg)
}

// Disconnected implements driver.Events. Events scheduled for the
// connection are cancelled.
func (r *Runtime) Disconnected(c *driver.Conn, err error) {
	r.mu.Lock()
	delete(r.conns, c.ID)
	r.mu.Unlock()
	if n := r.sched.RemoveTagged(connTag(c.ID)); n > 0 {
		r.log.Debug("scheduler", c.Network, "Cancelled", strconv.Itoa(n), "events of closed connection")
	}
}

// Enqueue implements dispatch.Sender.
func (r *Runtime) Enqueue(conn wire.ConnID, msg wire.Message, class queue.Class, target string) error {
	c, ok := r.Conn(conn)
	if !ok {
		return ErrUnknownConn
	}
	return c.Send(msg, class, target)
}

// Conn resolves a connection id.
func (r *Runtime) Conn(id wire.ConnID) (*driver.Conn, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.conns[id]
	return c, ok
}

// Conns lists the live connections in creation order.
func (r *Runtime) Conns() []*driver.Conn {
	r.mu.RLock()
	out := make([]*driver.Conn, 0, len(r.conns))
	for _, c := range r.conns {
		out = append(out, c)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Dispatcher returns the dispatcher handlers register with.
func (r *Runtime) Dispatcher() *dispatch.Dispatcher {
	return r.dispatch
}

// Scheduler returns the runtime's scheduler.
func (r *Runtime) Scheduler() *schedule.Scheduler {
	return r.sched
}

// Gate returns the identity gate.
func (r *Runtime) Gate() *identity.Gate {
	return r.gate
}

// Registry returns the network registry.
func (r *Runtime) Registry() *network.Registry {
	return r.registry
}

func connTag(id wire.ConnID) string {
	return "conn:" + strconv.FormatUint(uint64(id), 10)
}

// Do runs fn on the runtime loop.
func (r *Runtime) Do(fn schedule.Func) schedule.ID {
	return r.sched.AddEvent(r.clock.Now(), fn)
}

// After runs fn on the runtime loop after delay, unless the connection
// closes first.
func (r *Runtime) After(conn wire.ConnID, delay time.Duration, fn schedule.Func) schedule.ID {
	return r.sched.AddEvent(r.clock.Now().Add(delay), fn, schedule.WithTag(connTag(conn)))
}

// Offload runs work on a worker goroutine, at most cfg.Workers at a time.
// The reply work returns, if any, runs on the runtime loop.
func (r *Runtime) Offload(work func() schedule.Func) {
	r.offload.Add(1)
	go func() {
		defer r.offload.Done()
		r.workers <- struct{}{}
		reply := r.work(work)
		<-r.workers
		if reply != nil {
			r.Do(reply)
		}
	}()
}

func (r *Runtime) work(work func() schedule.Func) (reply schedule.Func) {
	defer func() {
		if p := recover(); p != nil {
			r.log.Error("worker", fmt.Sprintf("Panic in offloaded work: %v", p), string(debug.Stack()))
			reply = nil
		}
	}()
	return work()
}

// Ignore adds and persists an ignore.
func (r *Runtime) Ignore(ig identity.Ignore) error {
	r.gate.Ignores.Add(ig)
	return r.store.PutIgnore(ig)
}

// Unignore removes an ignore, reporting whether it existed.
func (r *Runtime) Unignore(pattern, channel string) (bool, error) {
	removed := r.gate.Ignores.Remove(pattern, channel)
	return removed, r.store.DeleteIgnore(pattern, channel)
}
