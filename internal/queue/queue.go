// Package queue holds outbound messages until the connection may send them.
// Messages leave in strict priority-class order; within a class the queue
// rotates over targets so one busy channel cannot starve the others.
package queue

import (
	"sync"
	"time"

	"github.com/dalnet/ircbot/internal/wire"
)

// Class is an outbound priority class. Lower values leave first.
type Class int

const (
	Immediate Class = iota
	ModeChange
	Kick
	Notice
	Privmsg
	Default

	numClasses
)

var classNames = [...]string{"immediate", "mode-change", "kick", "notice", "privmsg", "default"}

func (c Class) String() string {
	if c < 0 || c >= numClasses {
		return "unknown"
	}
	return classNames[c]
}

// ClassFor picks the default class for msg. NICK is immediate only while
// registering; CTCP ACTION travels as an ordinary PRIVMSG.
func ClassFor(msg wire.Message, registering bool) Class {
	switch msg.Command {
	case "PONG", "QUIT", "CAP", "PASS", "AUTHENTICATE", "USER":
		return Immediate
	case "NICK":
		if registering {
			return Immediate
		}
		return Default
	case "MODE":
		return ModeChange
	case "KICK":
		return Kick
	case "NOTICE":
		return Notice
	case "PRIVMSG", "TAGMSG":
		return Privmsg
	default:
		return Default
	}
}

// Entry is one queued message.
type Entry struct {
	Msg      wire.Message
	Class    Class
	Target   string
	Enqueued time.Time
}

// targetRing is one class: per-target FIFOs visited round robin.
type targetRing struct {
	order    []string
	byTarget map[string][]Entry
	size     int
}

func (r *targetRing) push(e Entry) {
	if r.byTarget == nil {
		r.byTarget = make(map[string][]Entry)
	}
	if _, ok := r.byTarget[e.Target]; !ok {
		r.order = append(r.order, e.Target)
	}
	r.byTarget[e.Target] = append(r.byTarget[e.Target], e)
	r.size++
}

func (r *targetRing) pop() (Entry, bool) {
	if r.size == 0 {
		return Entry{}, false
	}
	target := r.order[0]
	r.order = r.order[1:]
	entries := r.byTarget[target]
	e := entries[0]
	if len(entries) == 1 {
		delete(r.byTarget, target)
	} else {
		r.byTarget[target] = entries[1:]
		r.order = append(r.order, target)
	}
	r.size--
	return e, true
}

func (r *targetRing) reset() {
	r.order = nil
	r.byTarget = nil
	r.size = 0
}

// Queue is safe for concurrent use: handlers enqueue from any goroutine
// while the connection goroutine dequeues.
type Queue struct {
	mu      sync.Mutex
	classes [numClasses]targetRing
	ready   chan struct{}
	now     func() time.Time
}

// New returns an empty queue stamping entries with now.
func New(now func() time.Time) *Queue {
	if now == nil {
		now = time.Now
	}
	return &Queue{
		ready: make(chan struct{}, 1),
		now:   now,
	}
}

// Ready is signalled after every enqueue.
func (q *Queue) Ready() <-chan struct{} {
	return q.ready
}

// Enqueue adds msg under class, with target as the fairness key.
func (q *Queue) Enqueue(msg wire.Message, class Class, target string) {
	if class < 0 || class >= numClasses {
		class = Default
	}
	q.mu.Lock()
	q.classes[class].push(Entry{Msg: msg, Class: class, Target: target, Enqueued: q.now()})
	q.mu.Unlock()

	select {
	case q.ready <- struct{}{}:
	default:
	}
}

// Dequeue removes the next entry, ignoring throttling.
func (q *Queue) Dequeue() (Entry, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.dequeue()
}

func (q *Queue) dequeue() (Entry, bool) {
	for c := range q.classes {
		if e, ok := q.classes[c].pop(); ok {
			return e, true
		}
	}
	return Entry{}, false
}

func (q *Queue) headClass() (Class, bool) {
	for c := range q.classes {
		if q.classes[c].size > 0 {
			return Class(c), true
		}
	}
	return 0, false
}

// Next returns the next entry the throttle allows at now. Immediate
// entries bypass the throttle. When the head entry must wait, Next returns
// false and how long to wait; with nothing queued the wait is zero.
func (q *Queue) Next(now time.Time, th *Throttle) (Entry, time.Duration, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	class, ok := q.headClass()
	if !ok {
		return Entry{}, 0, false
	}
	if class != Immediate && th != nil {
		if wait := th.Take(now); wait > 0 {
			return Entry{}, wait, false
		}
	}
	e, ok := q.dequeue()
	return e, 0, ok
}

// DrainImmediate removes and returns every immediate entry in order.
func (q *Queue) DrainImmediate() []Entry {
	q.mu.Lock()
	defer q.mu.Unlock()
	var out []Entry
	for {
		e, ok := q.classes[Immediate].pop()
		if !ok {
			return out
		}
		out = append(out, e)
	}
}

// Reset discards everything but the immediate class and returns how many
// entries were dropped.
func (q *Queue) Reset() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	dropped := 0
	for c := Immediate + 1; c < numClasses; c++ {
		dropped += q.classes[c].size
		q.classes[c].reset()
	}
	return dropped
}

// Len returns the number of queued entries.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := 0
	for c := range q.classes {
		n += q.classes[c].size
	}
	return n
}
