// Package network keeps the per-network facts that outlive a connection:
// the server list and its cursor, when each host last disconnected us, and
// the STS policy cache.
package network

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

// Server is one configured server of a network.
type Server struct {
	Host      string
	Port      int
	Password  string
	Secure    bool
	WebSocket string // ws:// or wss:// URL; Host and Port are ignored when set
}

// Addr returns host:port.
func (s Server) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// Attempt describes how to make the next connection.
type Attempt struct {
	Server Server
	Port   int
	TLS    bool
	// Upgraded is set when an STS policy replaced the configured port.
	Upgraded bool
	// Fallback is set on the plaintext retry after an upgraded attempt
	// failed. Upgrade adverts are not honoured on it.
	Fallback bool
	Policy   Policy
}

// Record is the state of one network. It is safe for concurrent use.
type Record struct {
	mu               sync.Mutex
	name             string
	servers          []Server
	cursor           int
	lastDisconnected map[string]time.Time
	policies         map[string]*Policy
}

// NewRecord returns a record for the configured servers.
func NewRecord(name string, servers []Server) *Record {
	return &Record{
		name:             name,
		servers:          append([]Server(nil), servers...),
		lastDisconnected: make(map[string]time.Time),
		policies:         make(map[string]*Policy),
	}
}

// Name returns the network name.
func (r *Record) Name() string {
	return r.name
}

// Servers returns the configured servers.
func (r *Record) Servers() []Server {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Server(nil), r.servers...)
}

// Current returns the server under the cursor.
func (r *Record) Current() Server {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.servers[r.cursor]
}

// Cursor returns the index of the current server.
func (r *Record) Cursor() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cursor
}

// Advance moves the cursor to the next server, wrapping around.
func (r *Record) Advance() Server {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cursor = (r.cursor + 1) % len(r.servers)
	return r.servers[r.cursor]
}

func normalizeHost(host string) string {
	return strings.ToLower(strings.TrimSuffix(host, "."))
}

// Policy returns the active policy for host, dropping it if expired.
func (r *Record) Policy(host string, now time.Time) (Policy, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.policy(host, now)
}

func (r *Record) policy(host string, now time.Time) (Policy, bool) {
	key := normalizeHost(host)
	p, ok := r.policies[key]
	if !ok {
		return Policy{}, false
	}
	if !p.Active(now) {
		delete(r.policies, key)
		return Policy{}, false
	}
	return *p, true
}

// Policies returns every cached policy, sorted by host.
func (r *Record) Policies() []Policy {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sortedPolicies()
}

func sortPolicies(ps []Policy) {
	sort.Slice(ps, func(i, j int) bool { return ps[i].Host < ps[j].Host })
}

// Next returns how to connect to the current server at now: an active STS
// policy substitutes its secure port and requires TLS.
func (r *Record) Next(now time.Time) Attempt {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := r.servers[r.cursor]
	a := Attempt{Server: s, Port: s.Port, TLS: s.Secure}
	if s.WebSocket != "" {
		return a
	}
	if p, ok := r.policy(s.Host, now); ok {
		a.Policy = p
		if !s.Secure || s.Port != p.SecurePort {
			a.Port = p.SecurePort
			a.TLS = true
			a.Upgraded = true
		}
	}
	return a
}

// Fallback returns the plaintext attempt to make after a TLS failure on an
// STS-upgraded attempt. Only an uncommitted policy allows it.
func (r *Record) Fallback(a Attempt, now time.Time) (Attempt, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if p, ok := r.policy(a.Server.Host, now); ok && p.Committed {
		return Attempt{}, fmt.Errorf("%w: %s until %s", ErrSTSViolation, p.Host, p.Expires.Format(time.RFC3339))
	}
	return Attempt{Server: a.Server, Port: a.Server.Port, Fallback: true}, nil
}

// ApplyAdvert records an sts capability advertised by host. Over TLS the
// advert sets, refreshes or (with duration=0) revokes the policy, keyed to
// the port we are connected on. In plaintext only an upgrade port is
// honoured; it creates an uncommitted policy so the next attempt uses TLS.
// It reports whether the caller should reconnect securely now.
func (r *Record) ApplyAdvert(host string, port int, secure bool, a Advert, now time.Time) (upgrade bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := normalizeHost(host)

	if secure {
		if !a.HasDuration {
			return false
		}
		if a.Duration == 0 {
			delete(r.policies, key)
			return false
		}
		p, ok := r.policies[key]
		if !ok {
			p = &Policy{Host: key}
			r.policies[key] = p
		}
		p.SecurePort = port
		p.Expires = now.Add(a.Duration)
		p.Preload = a.Preload
		return false
	}

	if a.Port == 0 {
		return false
	}
	if p, ok := r.policy(key, now); ok && p.Committed {
		return true
	}
	window := a.Duration
	if window <= 0 {
		window = UpgradeWindow
	}
	r.policies[key] = &Policy{
		Host:       key,
		SecurePort: a.Port,
		Expires:    now.Add(window),
		Preload:    a.Preload,
	}
	return true
}

// Commit marks the policy for host committed. Call it after a clean
// disconnect from a TLS session that ran under the policy.
func (r *Record) Commit(host string, now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := normalizeHost(host)
	if _, ok := r.policy(key, now); !ok {
		return false
	}
	r.policies[key].Committed = true
	return true
}

// RecordDisconnect notes when host last disconnected us.
func (r *Record) RecordDisconnect(host string, at time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lastDisconnected[normalizeHost(host)] = at
}

// LastDisconnected returns when host last disconnected us.
func (r *Record) LastDisconnected(host string) (time.Time, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.lastDisconnected[normalizeHost(host)]
	return t, ok
}
