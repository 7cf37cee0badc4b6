package driver

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dalnet/ircbot/internal/network"
	"github.com/dalnet/ircbot/internal/session"
	"github.com/dalnet/ircbot/internal/wire"
)

type fakeServer struct {
	conn  net.Conn
	lines chan string
}

func newFakeServer(conn net.Conn) *fakeServer {
	s := &fakeServer{conn: conn, lines: make(chan string, 64)}
	go func() {
		defer close(s.lines)
		scanner := bufio.NewScanner(conn)
		for scanner.Scan() {
			s.lines <- strings.TrimSuffix(scanner.Text(), "\r")
		}
	}()
	return s
}

func (s *fakeServer) send(line string) {
	fmt.Fprintf(s.conn, "%s\r\n", line)
}

// expect waits for a line starting with prefix, skipping others.
func (s *fakeServer) expect(t *testing.T, prefix string) string {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case line, ok := <-s.lines:
			if !ok {
				t.Fatalf("connection closed while waiting for %q", prefix)
			}
			if strings.HasPrefix(line, prefix) {
				return line
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %q", prefix)
		}
	}
}

type recorder struct {
	mu           sync.Mutex
	commands     []string
	disconnected chan error
}

func newRecorder() *recorder {
	return &recorder{disconnected: make(chan error, 8)}
}

func (r *recorder) Connected(c *Conn) {}

func (r *recorder) Message(c *Conn, msg wire.Message) {
	r.mu.Lock()
	r.commands = append(r.commands, msg.Command)
	r.mu.Unlock()
}

func (r *recorder) Disconnected(c *Conn, err error) {
	r.disconnected <- err
}

// pipeDialer hands out in-memory connections and records every attempt.
type pipeDialer struct {
	mu       sync.Mutex
	attempts []network.Attempt
	servers  chan *fakeServer
	fail     func(a network.Attempt) error
}

func newPipeDialer() *pipeDialer {
	return &pipeDialer{servers: make(chan *fakeServer, 4)}
}

func (p *pipeDialer) Dial(ctx context.Context, a network.Attempt) (Transport, error) {
	p.mu.Lock()
	p.attempts = append(p.attempts, a)
	p.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if p.fail != nil {
		if err := p.fail(a); err != nil {
			return nil, err
		}
	}
	client, server := net.Pipe()
	p.servers <- newFakeServer(server)
	return NewStreamTransport(client), nil
}

func (p *pipeDialer) Attempts() []network.Attempt {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]network.Attempt(nil), p.attempts...)
}

func (p *pipeDialer) next(t *testing.T) *fakeServer {
	t.Helper()
	select {
	case s := <-p.servers:
		return s
	case <-time.After(2 * time.Second):
		t.Fatal("no connection was made")
		return nil
	}
}

func testRecord() *network.Record {
	return network.NewRecord("test", []network.Server{{Host: "irc.example.net", Port: 6667}})
}

func TestRegisterAndQuitOnCancel(t *testing.T) {
	dialer := newPipeDialer()
	events := newRecorder()
	d := New(testRecord(), Options{
		Session: session.Config{Nick: "bot", QuitMessage: "shutting down"},
		Dial:    dialer.Dial,
	}, events, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error)
	go func() { done <- d.Run(ctx) }()

	srv := dialer.next(t)
	assert.Equal(t, "CAP LS 302", srv.expect(t, "CAP"))
	assert.Equal(t, "NICK bot", srv.expect(t, "NICK"))
	assert.Equal(t, "USER bot 0 * :bot", srv.expect(t, "USER"))
	srv.send("CAP * LS :multi-prefix")
	assert.Equal(t, "CAP REQ :multi-prefix", srv.expect(t, "CAP"))
	srv.send("CAP * ACK :multi-prefix")
	assert.Equal(t, "CAP END", srv.expect(t, "CAP"))
	srv.send(":srv 001 bot :welcome")
	srv.send("PING :abc")
	assert.Equal(t, "PONG abc", srv.expect(t, "PONG"))

	cancel()
	assert.Equal(t, "QUIT :shutting down", srv.expect(t, "QUIT"))
	srv.conn.Close()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("driver did not stop")
	}
	<-events.disconnected
	events.mu.Lock()
	assert.Contains(t, events.commands, "001")
	events.mu.Unlock()

	_, ok := d.Record().LastDisconnected("irc.example.net")
	assert.True(t, ok)
}

func TestSTSUpgradeAndFallback(t *testing.T) {
	dialer := newPipeDialer()
	rec := testRecord()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	dialer.fail = func(a network.Attempt) error {
		if a.TLS {
			cancel()
			return errors.New("handshake failed")
		}
		return nil
	}
	d := New(rec, Options{Session: session.Config{Nick: "bot"}, Dial: dialer.Dial}, newRecorder(), nil, nil)

	done := make(chan error)
	go func() { done <- d.Run(ctx) }()

	srv := dialer.next(t)
	srv.expect(t, "USER")
	srv.send("CAP * LS :sts=port=6697,duration=3600")
	assert.Equal(t, "QUIT :Reconnecting with TLS", srv.expect(t, "QUIT"))
	srv.conn.Close()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("driver did not stop")
	}

	attempts := dialer.Attempts()
	require.Len(t, attempts, 3)
	assert.Equal(t, 6667, attempts[0].Port)
	assert.False(t, attempts[0].TLS)

	assert.Equal(t, 6697, attempts[1].Port)
	assert.True(t, attempts[1].TLS)
	assert.True(t, attempts[1].Upgraded)

	// uncommitted: fall back to plaintext on the configured port
	assert.Equal(t, 6667, attempts[2].Port)
	assert.False(t, attempts[2].TLS)

	p, ok := rec.Policy("irc.example.net", time.Now())
	require.True(t, ok)
	assert.Equal(t, 6697, p.SecurePort)
	assert.False(t, p.Committed)
}

func TestFallbackIgnoresUpgradeAdvert(t *testing.T) {
	dialer := newPipeDialer()
	dialer.fail = func(a network.Attempt) error {
		if a.TLS {
			return errors.New("handshake failed")
		}
		return nil
	}
	d := New(testRecord(), Options{Session: session.Config{Nick: "bot"}, Dial: dialer.Dial}, newRecorder(), nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sleeps := 0
	d.sleep = func(ctx context.Context, delay time.Duration) bool {
		sleeps++
		cancel()
		return false
	}
	done := make(chan error)
	go func() { done <- d.Run(ctx) }()

	srv := dialer.next(t)
	srv.expect(t, "USER")
	srv.send("CAP * LS :sts=port=6697,duration=3600")
	assert.Equal(t, "QUIT :Reconnecting with TLS", srv.expect(t, "QUIT"))
	srv.conn.Close()

	// TLS fails, so this is the plaintext fallback advertising the same upgrade
	srv = dialer.next(t)
	srv.expect(t, "USER")
	srv.send("CAP * LS :sts=port=6697,duration=3600")
	srv.send("PING :sync")
	for line := range srv.lines {
		require.False(t, strings.HasPrefix(line, "QUIT"), "fallback session quit for an upgrade: %q", line)
		if line == "PONG sync" {
			break
		}
	}
	srv.conn.Close()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("driver did not stop")
	}

	attempts := dialer.Attempts()
	require.Len(t, attempts, 3)
	assert.True(t, attempts[1].TLS)
	assert.False(t, attempts[2].TLS)
	assert.True(t, attempts[2].Fallback)
	assert.Equal(t, 1, sleeps, "the fallback session is followed by backoff")
}

func TestCommittedPolicyNeverPlaintext(t *testing.T) {
	rec := testRecord()
	now := time.Now()
	rec.ApplyAdvert("irc.example.net", 6697, true, network.Advert{Duration: time.Hour, HasDuration: true}, now)
	require.True(t, rec.Commit("irc.example.net", now))

	dialer := newPipeDialer()
	dialer.fail = func(a network.Attempt) error {
		return errors.New("handshake failed")
	}
	d := New(rec, Options{Session: session.Config{Nick: "bot"}, Dial: dialer.Dial}, newRecorder(), nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sleeps := 0
	d.sleep = func(ctx context.Context, delay time.Duration) bool {
		sleeps++
		if sleeps == 3 {
			cancel()
			return false
		}
		return true
	}
	require.NoError(t, d.Run(ctx))

	attempts := dialer.Attempts()
	require.Len(t, attempts, 3)
	for _, a := range attempts {
		assert.True(t, a.TLS)
		assert.Equal(t, 6697, a.Port)
	}
	_, ok := rec.Policy("irc.example.net", time.Now())
	assert.True(t, ok, "policy is kept after a violation")
}

func TestPingTimeoutReconnects(t *testing.T) {
	dialer := newPipeDialer()
	events := newRecorder()
	d := New(testRecord(), Options{
		Session: session.Config{Nick: "bot", PingInterval: 50 * time.Millisecond, PingTimeout: 50 * time.Millisecond},
		Dial:    dialer.Dial,
	}, events, nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	d.sleep = func(ctx context.Context, delay time.Duration) bool {
		cancel()
		return false
	}

	done := make(chan error)
	go func() { done <- d.Run(ctx) }()

	srv := dialer.next(t)
	srv.expect(t, "USER")
	srv.send(":srv 001 bot :welcome")
	ping := srv.expect(t, "PING :")
	assert.NotEqual(t, "PING :", ping)

	select {
	case err := <-events.disconnected:
		assert.ErrorIs(t, err, session.ErrPingTimeout)
	case <-time.After(2 * time.Second):
		t.Fatal("ping timeout not detected")
	}
	<-done
}

func TestBackoffNonDecreasingThenReset(t *testing.T) {
	b := NewBackoff(10*time.Second, 10*time.Minute)
	var last time.Duration
	for i := 0; i < 50; i++ {
		d := b.Next()
		assert.GreaterOrEqual(t, d, last)
		assert.LessOrEqual(t, d, 11*time.Minute)
		last = d
	}
	assert.GreaterOrEqual(t, last, 9*time.Minute)

	b.Reset()
	d := b.Next()
	assert.GreaterOrEqual(t, d, 9*time.Second)
	assert.LessOrEqual(t, d, 11*time.Second)
}

func TestBackoffDoubling(t *testing.T) {
	b := NewBackoff(10*time.Second, 10*time.Minute)
	first := b.Next()
	second := b.Next()
	third := b.Next()
	assert.InDelta(t, float64(10*time.Second), float64(first), float64(time.Second))
	assert.InDelta(t, float64(20*time.Second), float64(second), float64(2*time.Second))
	assert.InDelta(t, float64(40*time.Second), float64(third), float64(4*time.Second))
}
