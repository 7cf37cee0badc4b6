// Package schedule runs deferred and periodic callbacks on a single loop.
package schedule

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sort"
	"sync"
	"time"

	"github.com/dalnet/ircbot/internal/logger"
)

// maxFailures is how many consecutive failures cancel a periodic event.
const maxFailures = 3

var (
	// ErrDuplicateName is returned when a named repeater already exists.
	ErrDuplicateName = errors.New("a repeater with that name already exists")
	// ErrBadPeriod is returned for a non-positive period.
	ErrBadPeriod = errors.New("period must be positive")
)

// ID identifies a scheduled event.
type ID uint64

// Func is a scheduled callback. A returned error counts as a failure.
type Func func() error

// Option configures an event.
type Option func(*event)

// WithTag labels an event so RemoveTagged can cancel it, for example all
// events belonging to one connection.
func WithTag(tag string) Option {
	return func(e *event) { e.tag = tag }
}

// WithName labels an event for logs without making it a named repeater.
func WithName(name string) Option {
	return func(e *event) { e.label = name }
}

type event struct {
	id       ID
	name     string // set for named repeaters only
	label    string
	tag      string
	at       time.Time
	period   time.Duration
	fn       Func
	failures int
}

func (e *event) String() string {
	switch {
	case e.name != "":
		return e.name
	case e.label != "":
		return fmt.Sprintf("%s#%d", e.label, e.id)
	default:
		return fmt.Sprintf("event#%d", e.id)
	}
}

// Scheduler holds pending events. Add and Remove may be called from any
// goroutine, including from inside callbacks; callbacks run on whichever
// goroutine calls Tick.
type Scheduler struct {
	mu       sync.Mutex
	clock    Clock
	log      *logger.Manager
	events   map[ID]*event
	names    map[string]ID
	lastID   ID
	restored map[string]time.Time
	wake     chan struct{}
}

// New returns an empty scheduler.
func New(clock Clock, log *logger.Manager) *Scheduler {
	if clock == nil {
		clock = Real
	}
	if log == nil {
		log = logger.Discard()
	}
	return &Scheduler{
		clock:    clock,
		log:      log,
		events:   make(map[ID]*event),
		names:    make(map[string]ID),
		restored: make(map[string]time.Time),
		wake:     make(chan struct{}, 1),
	}
}

// Clock returns the scheduler's time source.
func (s *Scheduler) Clock() Clock {
	return s.clock
}

func (s *Scheduler) add(e *event, opts []Option) ID {
	for _, opt := range opts {
		opt(e)
	}
	s.lastID++
	e.id = s.lastID
	s.events[e.id] = e
	if e.name != "" {
		s.names[e.name] = e.id
	}
	select {
	case s.wake <- struct{}{}:
	default:
	}
	return e.id
}

// AddEvent schedules fn to run once at the first tick at or after at.
func (s *Scheduler) AddEvent(at time.Time, fn Func, opts ...Option) ID {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.add(&event{at: at, fn: fn}, opts)
}

// AddPeriodic schedules fn every period, first one period from now.
func (s *Scheduler) AddPeriodic(period time.Duration, fn Func, opts ...Option) (ID, error) {
	if period <= 0 {
		return 0, ErrBadPeriod
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.add(&event{at: s.clock.Now().Add(period), period: period, fn: fn}, opts), nil
}

// AddNamedRepeater is AddPeriodic with a unique name. If state restored
// with Restore holds a next-fire time for the name, that time is used for
// the first fire.
func (s *Scheduler) AddNamedRepeater(name string, period time.Duration, fn Func, opts ...Option) (ID, error) {
	if period <= 0 {
		return 0, ErrBadPeriod
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.names[name]; ok {
		return 0, fmt.Errorf("%w: %s", ErrDuplicateName, name)
	}
	at := s.clock.Now().Add(period)
	if next, ok := s.restored[name]; ok {
		at = next
		delete(s.restored, name)
	}
	return s.add(&event{name: name, at: at, period: period, fn: fn}, opts), nil
}

func (s *Scheduler) remove(id ID) bool {
	e, ok := s.events[id]
	if !ok {
		return false
	}
	delete(s.events, id)
	if e.name != "" {
		delete(s.names, e.name)
	}
	return true
}

// Remove cancels an event by id.
func (s *Scheduler) Remove(id ID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.remove(id)
}

// RemoveNamed cancels a named repeater. Removing an unknown name is not an
// error.
func (s *Scheduler) RemoveNamed(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.names[name]
	if !ok {
		return false
	}
	return s.remove(id)
}

// RemoveTagged cancels every event with the tag and returns the count.
func (s *Scheduler) RemoveTagged(tag string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for id, e := range s.events {
		if e.tag == tag && s.remove(id) {
			n++
		}
	}
	return n
}

// Len returns the number of pending events.
func (s *Scheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.events)
}

// Next returns the earliest fire time.
func (s *Scheduler) Next() (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var next time.Time
	found := false
	for _, e := range s.events {
		if !found || e.at.Before(next) {
			next, found = e.at, true
		}
	}
	return next, found
}

// Tick fires every event due at now, earliest first, and returns how many
// ran. Events added or removed by callbacks take effect on the next tick.
func (s *Scheduler) Tick(now time.Time) int {
	s.mu.Lock()
	var due []*event
	for _, e := range s.events {
		if !e.at.After(now) {
			due = append(due, e)
		}
	}
	s.mu.Unlock()

	sort.Slice(due, func(i, j int) bool {
		if due[i].at.Equal(due[j].at) {
			return due[i].id < due[j].id
		}
		return due[i].at.Before(due[j].at)
	})

	for _, e := range due {
		err := s.call(e)

		s.mu.Lock()
		if s.events[e.id] == e {
			if e.period == 0 {
				s.remove(e.id)
			} else {
				e.at = now.Add(e.period)
				if err != nil {
					e.failures++
					if e.failures >= maxFailures {
						s.remove(e.id)
						s.log.Error("scheduler", "cancelling periodic event after repeated failures", e.String())
					}
				} else {
					e.failures = 0
				}
			}
		}
		s.mu.Unlock()
	}
	return len(due)
}

func (s *Scheduler) call(e *event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
			s.log.Error("scheduler", "callback panicked", e.String(), err.Error(), string(debug.Stack()))
		}
	}()
	err = e.fn()
	if err != nil {
		s.log.Warning("scheduler", "callback failed", e.String(), err.Error())
	}
	return err
}

// Wake is signalled whenever an event is added.
func (s *Scheduler) Wake() <-chan struct{} {
	return s.wake
}

// Run ticks until ctx is done, sleeping until the next event or until an
// event is added.
func (s *Scheduler) Run(ctx context.Context) error {
	for {
		s.Tick(s.clock.Now())

		var timer *time.Timer
		var fire <-chan time.Time
		if next, ok := s.Next(); ok {
			d := next.Sub(s.clock.Now())
			if d < 0 {
				d = 0
			}
			timer = time.NewTimer(d)
			fire = timer.C
		}

		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return ctx.Err()
		case <-s.wake:
		case <-fire:
		}
		if timer != nil {
			timer.Stop()
		}
	}
}
