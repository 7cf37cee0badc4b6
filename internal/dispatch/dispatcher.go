// Package dispatch hands parsed messages to registered handlers and carries
// their replies back to the connection's outbound queue.
package dispatch

import (
	"errors"
	"fmt"
	"runtime/debug"
	"strings"
	"sync"

	"github.com/dalnet/ircbot/internal/logger"
	"github.com/dalnet/ircbot/internal/queue"
	"github.com/dalnet/ircbot/internal/wire"
)

// Wildcard registers a handler for every command.
const Wildcard = "*"

var ErrNoSender = errors.New("no sender attached")

// Handler receives inbound messages for one connection.
type Handler interface {
	OnMessage(conn wire.ConnID, msg wire.Message) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(conn wire.ConnID, msg wire.Message) error

func (f HandlerFunc) OnMessage(conn wire.ConnID, msg wire.Message) error {
	return f(conn, msg)
}

// Sender delivers filtered outbound messages to a connection's queue.
type Sender interface {
	Enqueue(conn wire.ConnID, msg wire.Message, class queue.Class, target string) error
}

// Dispatcher routes messages by command. It is safe for concurrent use;
// handlers for one connection are called in arrival order by that
// connection's goroutine.
type Dispatcher struct {
	mu       sync.RWMutex
	handlers map[string][]Handler
	in       []Filter
	out      []Filter
	sender   Sender
	log      *logger.Manager
}

// New returns an empty dispatcher.
func New(sender Sender, log *logger.Manager) *Dispatcher {
	if log == nil {
		log = logger.Discard()
	}
	return &Dispatcher{
		handlers: make(map[string][]Handler),
		sender:   sender,
		log:      log,
	}
}

// SetSender replaces the outbound sender.
func (d *Dispatcher) SetSender(sender Sender) {
	d.mu.Lock()
	d.sender = sender
	d.mu.Unlock()
}

// Handle registers h for command. Numerics are matched exactly, keywords
// case-insensitively.
func (d *Dispatcher) Handle(command string, h Handler) {
	command = strings.ToUpper(command)
	d.mu.Lock()
	d.handlers[command] = append(d.handlers[command], h)
	d.mu.Unlock()
}

// HandleFunc registers f for command.
func (d *Dispatcher) HandleFunc(command string, f func(conn wire.ConnID, msg wire.Message) error) {
	d.Handle(command, HandlerFunc(f))
}

// AddInFilter appends to the inbound pipeline.
func (d *Dispatcher) AddInFilter(f Filter) {
	d.mu.Lock()
	d.in = append(d.in, f)
	d.mu.Unlock()
}

// AddOutFilter appends to the outbound pipeline.
func (d *Dispatcher) AddOutFilter(f Filter) {
	d.mu.Lock()
	d.out = append(d.out, f)
	d.mu.Unlock()
}

// Dispatch runs the inbound filters and then every handler registered for
// the message's command, followed by wildcard handlers. It reports whether
// the message reached the handlers.
func (d *Dispatcher) Dispatch(conn wire.ConnID, msg wire.Message) bool {
	d.mu.RLock()
	filters := d.in
	handlers := append(append([]Handler(nil), d.handlers[msg.Command]...), d.handlers[Wildcard]...)
	d.mu.RUnlock()

	r := runFilters(filters, conn, msg)
	if err := r.Err(); err != nil {
		d.log.Warning("dispatch", "Inbound filter failed:", err.Error(), msg.String())
		return false
	}
	msg, ok := r.Message()
	if !ok {
		return false
	}

	for _, h := range handlers {
		d.call(h, conn, msg)
	}
	return true
}

// call runs one handler, recovering from panics.
func (d *Dispatcher) call(h Handler, conn wire.ConnID, msg wire.Message) {
	defer func() {
		if r := recover(); r != nil {
			d.log.Error("dispatch", fmt.Sprintf("Handler panic on %s: %v\n%s", msg.Command, r, debug.Stack()))
		}
	}()
	if err := h.OnMessage(conn, msg); err != nil {
		d.log.Warning("dispatch", "Handler for", msg.Command, "failed:", err.Error())
	}
}

// Send runs the outbound filters and hands the result to the sender. A
// dropped message is not an error.
func (d *Dispatcher) Send(conn wire.ConnID, msg wire.Message, class queue.Class, target string) error {
	d.mu.RLock()
	filters := d.out
	sender := d.sender
	d.mu.RUnlock()

	r := runFilters(filters, conn, msg)
	if err := r.Err(); err != nil {
		return fmt.Errorf("outbound filter: %w", err)
	}
	msg, ok := r.Message()
	if !ok {
		return nil
	}
	if sender == nil {
		return ErrNoSender
	}
	return sender.Enqueue(conn, msg, class, target)
}

// Reply sends msg with its default class, using the first parameter as the
// fairness target.
func (d *Dispatcher) Reply(conn wire.ConnID, msg wire.Message) error {
	return d.Send(conn, msg, queue.ClassFor(msg, false), msg.Param(0))
}
