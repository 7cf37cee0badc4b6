// Package session drives one IRC connection from transport open to
// registration and keeps it alive afterwards: capability negotiation, SASL,
// nick collisions, PING liveness and quitting.
package session

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/emersion/go-sasl"
	"github.com/ergochat/irc-go/ircutils"

	"github.com/dalnet/ircbot/internal/logger"
	"github.com/dalnet/ircbot/internal/queue"
	"github.com/dalnet/ircbot/internal/schedule"
	"github.com/dalnet/ircbot/internal/state"
	"github.com/dalnet/ircbot/internal/wire"
)

var (
	ErrServerClosed        = errors.New("server closed the connection")
	ErrPingTimeout         = errors.New("ping timeout")
	ErrRegistrationTimeout = errors.New("registration timed out")
	ErrSASLFailed          = errors.New("SASL authentication failed")
	ErrNickUnavailable     = errors.New("no usable nickname")
)

// State is a step of the session lifecycle.
type State int

const (
	Connecting State = iota
	TLSHandshake
	CapNegotiating
	SASL
	Registering
	Ready
	Terminating
)

var stateNames = [...]string{"connecting", "tls-handshake", "cap-negotiating", "sasl", "registering", "ready", "terminating"}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "unknown"
	}
	return stateNames[s]
}

const (
	DefaultPingInterval        = 90 * time.Second
	DefaultPingTimeout         = 30 * time.Second
	DefaultRegistrationTimeout = 60 * time.Second

	// protocol errors tolerated within protocolErrorWindow
	maxProtocolErrors   = 3
	protocolErrorWindow = time.Minute

	// give up on suffixed nicks after this many attempts
	maxNickSuffix = 100

	saslMaxLength = 8192
)

// DefaultCaps are requested whenever the server offers them.
var DefaultCaps = []string{
	"sasl", "message-tags", "server-time", "account-tag", "extended-join",
	"multi-prefix", "away-notify", "cap-notify", "chghost", "batch",
	"account-notify", "userhost-in-names", "invite-notify",
}

// Config is the immutable per-session snapshot of registration settings.
type Config struct {
	Nick           string
	AlternateNicks []string
	User           string
	RealName       string
	Password       string
	Caps           []string
	SASL           SASLConfig

	PingInterval        time.Duration
	PingTimeout         time.Duration
	RegistrationTimeout time.Duration
	QuitMessage         string
}

// Session is the state machine of one connection.
type Session struct {
	mu sync.Mutex

	cfg     Config
	queue   *queue.Queue
	tracker *state.Tracker
	clock   schedule.Clock
	log     *logger.Manager

	state   State
	secure  bool
	started time.Time

	offered  map[string]string
	order    []string // offered names in advertised order
	acked    map[string]bool
	lsDone   bool
	capEnded bool

	mechs      []string
	mechIdx    int
	mechanism  string
	saslClient sasl.Client
	saslBuf    *ircutils.SASLBuffer
	saslStart  bool
	saslFailed error

	nickIdx    int
	nickSuffix int

	lastRecv  time.Time
	pingToken string
	pingSent  time.Time

	protoErrors []time.Time

	// OnSTS is called with the raw value of an advertised sts capability.
	OnSTS func(value string, secure bool)
}

// New returns a session in the Connecting state.
func New(cfg Config, q *queue.Queue, tr *state.Tracker, clock schedule.Clock, log *logger.Manager) *Session {
	if clock == nil {
		clock = schedule.Real
	}
	if log == nil {
		log = logger.Discard()
	}
	if cfg.User == "" {
		cfg.User = cfg.Nick
	}
	if cfg.RealName == "" {
		cfg.RealName = cfg.Nick
	}
	if cfg.Caps == nil {
		cfg.Caps = DefaultCaps
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = DefaultPingInterval
	}
	if cfg.PingTimeout <= 0 {
		cfg.PingTimeout = DefaultPingTimeout
	}
	if cfg.RegistrationTimeout <= 0 {
		cfg.RegistrationTimeout = DefaultRegistrationTimeout
	}
	return &Session{
		cfg:     cfg,
		queue:   q,
		tracker: tr,
		clock:   clock,
		log:     log,
		offered: make(map[string]string),
		acked:   make(map[string]bool),
		saslBuf: ircutils.NewSASLBuffer(saslMaxLength),
	}
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Handshaking marks the transport as performing a TLS handshake.
func (s *Session) Handshaking() {
	s.mu.Lock()
	s.state = TLSHandshake
	s.mu.Unlock()
}

// Registering reports whether the session has not yet seen 001.
func (s *Session) Registering() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state < Ready
}

// HasCap reports whether name was acknowledged and not since deleted.
func (s *Session) HasCap(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.acked[name]
}

// Caps returns the negotiated capabilities.
func (s *Session) Caps() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	caps := make([]string, 0, len(s.acked))
	for _, name := range s.cfg.Caps {
		if s.acked[name] {
			caps = append(caps, name)
		}
	}
	return caps
}

// Offered returns the capabilities the server advertised and their values.
func (s *Session) Offered() map[string]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]string, len(s.offered))
	for k, v := range s.offered {
		out[k] = v
	}
	return out
}

// Mechanism returns the SASL mechanism in use or that succeeded.
func (s *Session) Mechanism() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mechanism
}

// Start queues the opening burst once the transport is up.
func (s *Session) Start(secure bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock.Now()
	s.secure = secure
	s.started = now
	s.lastRecv = now
	s.state = CapNegotiating

	s.send(wire.NewMessage("CAP", "LS", "302"))
	if s.cfg.Password != "" {
		s.send(wire.NewMessage("PASS", s.cfg.Password))
	}
	s.send(wire.NewMessage("NICK", s.cfg.Nick))
	user := wire.NewMessage("USER", s.cfg.User, "0", "*", s.cfg.RealName)
	user.ForceTrailing()
	s.send(user)
}

// send queues msg with its default class. Callers hold s.mu.
func (s *Session) send(msg wire.Message) {
	class := queue.ClassFor(msg, s.state < Ready)
	target := ""
	switch msg.Command {
	case "PRIVMSG", "NOTICE", "TAGMSG", "MODE", "KICK":
		target = msg.Param(0)
	}
	s.queue.Enqueue(msg, class, target)
}

// Received records inbound traffic for liveness.
func (s *Session) Received(now time.Time) {
	s.mu.Lock()
	s.lastRecv = now
	s.mu.Unlock()
}

// Handle applies msg to the tracker and advances the state machine. A
// non-nil error means the session is over.
func (s *Session) Handle(msg wire.Message) error {
	if s.tracker != nil {
		s.tracker.Apply(msg)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	switch msg.Command {
	case "PING":
		pong := wire.NewMessage("PONG", msg.Params...)
		s.queue.Enqueue(pong, queue.Immediate, "")
	case "PONG":
		if s.pingToken != "" && msg.Last() == s.pingToken {
			s.pingToken = ""
		}
	case "ERROR":
		s.state = Terminating
		if reason := msg.Last(); reason != "" {
			return fmt.Errorf("%w: %s", ErrServerClosed, reason)
		}
		return ErrServerClosed
	case "CAP":
		return s.handleCap(msg)
	case "AUTHENTICATE":
		s.handleAuthenticate(msg)
	case "001":
		if s.state < Ready {
			if !s.capEnded {
				// servers without CAP support register straight away
				s.capEnded = true
			}
			s.state = Ready
			s.log.Info("session", "Registered as", msg.Param(0))
		}
	case "432", "433", "436", "437":
		return s.handleNickError(msg)
	case "900":
		s.log.Info("session", "Logged in as", msg.Param(2))
	case "903":
		s.log.Info("session", "SASL authentication succeeded", s.mechanism)
		s.finishSASL(nil)
	case "902", "904", "905":
		s.log.Warning("session", "SASL", s.mechanism, "failed:", msg.Last())
		return s.nextMechanism()
	case "906", "907":
		s.finishSASL(nil)
	case "908":
		s.filterMechanisms(strings.Split(msg.Param(1), ","))
	case "410":
		// ERR_INVALIDCAPCMD
		if s.state == CapNegotiating {
			s.endCap()
		}
	}
	return nil
}

func (s *Session) handleCap(msg wire.Message) error {
	if len(msg.Params) < 2 {
		return nil
	}
	sub := strings.ToUpper(msg.Params[1])
	args := msg.Params[2:]
	more := false
	if len(args) > 1 && args[0] == "*" {
		more = true
		args = args[1:]
	}
	var list string
	if len(args) > 0 {
		list = args[len(args)-1]
	}

	switch sub {
	case "LS", "NEW":
		var added []string
		for _, c := range parseCapList(list) {
			if _, seen := s.offered[c.name]; !seen {
				s.order = append(s.order, c.name)
			}
			s.offered[c.name] = c.value
			added = append(added, c.name)
			if c.name == "sts" && s.OnSTS != nil {
				s.OnSTS(c.value, s.secure)
			}
		}
		if sub == "NEW" {
			s.request(added)
			return nil
		}
		if more || s.lsDone {
			return nil
		}
		s.lsDone = true
		s.request(s.order)
	case "DEL":
		for _, c := range parseCapList(list) {
			delete(s.offered, c.name)
			delete(s.acked, c.name)
			s.order = removeName(s.order, c.name)
		}
	case "ACK":
		for _, name := range strings.Fields(list) {
			if strings.HasPrefix(name, "-") {
				delete(s.acked, name[1:])
				continue
			}
			s.acked[name] = true
		}
		if more || s.state != CapNegotiating {
			return nil
		}
		if s.acked["sasl"] && s.cfg.SASL.enabled() {
			return s.beginSASL()
		}
		s.endCap()
	case "NAK":
		s.log.Debug("session", "CAP NAK", list)
		if s.state == CapNegotiating {
			s.endCap()
		}
	}
	return nil
}

// request asks for the desired subset of names, or ends negotiation when
// there is nothing to ask for during registration.
func (s *Session) request(names []string) {
	var want []string
	for _, name := range names {
		if s.acked[name] {
			continue
		}
		for _, desired := range s.cfg.Caps {
			if name == desired {
				want = append(want, name)
				break
			}
		}
	}
	if len(want) == 0 {
		if s.state == CapNegotiating {
			s.endCap()
		}
		return
	}
	req := wire.NewMessage("CAP", "REQ", strings.Join(want, " "))
	req.ForceTrailing()
	s.send(req)
}

func (s *Session) endCap() {
	if s.capEnded {
		return
	}
	s.capEnded = true
	s.state = Registering
	s.send(wire.NewMessage("CAP", "END"))
}

type capToken struct {
	name  string
	value string
}

// parseCapList splits "a b=c d" into name and value pairs in order.
func parseCapList(list string) []capToken {
	fields := strings.Fields(list)
	caps := make([]capToken, 0, len(fields))
	for _, token := range fields {
		name, value, _ := strings.Cut(token, "=")
		caps = append(caps, capToken{name: name, value: value})
	}
	return caps
}

func removeName(names []string, name string) []string {
	for i, n := range names {
		if n == name {
			return append(names[:i], names[i+1:]...)
		}
	}
	return names
}

func (s *Session) beginSASL() error {
	s.mechs = s.mechs[:0]
	offered := s.offered["sasl"]
	for _, mech := range s.cfg.SASL.mechanisms() {
		mech = strings.ToUpper(mech)
		if mech == MechExternal && !s.secure {
			continue
		}
		if mech != MechExternal && s.cfg.SASL.Username == "" {
			continue
		}
		if offered != "" && !hasMechanism(strings.Split(offered, ","), mech) {
			continue
		}
		s.mechs = append(s.mechs, mech)
	}
	s.mechIdx = -1
	s.state = SASL
	return s.nextMechanism()
}

// filterMechanisms drops untried mechanisms the server does not support.
func (s *Session) filterMechanisms(available []string) {
	if s.mechIdx < 0 || s.mechIdx >= len(s.mechs) {
		return
	}
	kept := s.mechs[:s.mechIdx+1]
	for _, mech := range s.mechs[s.mechIdx+1:] {
		if hasMechanism(available, mech) {
			kept = append(kept, mech)
		}
	}
	s.mechs = kept
}

func (s *Session) nextMechanism() error {
	if s.state != SASL {
		return nil
	}
	s.saslClient = nil
	s.saslStart = false
	s.saslBuf.Clear()
	for s.mechIdx+1 < len(s.mechs) {
		s.mechIdx++
		mech := s.mechs[s.mechIdx]
		client, err := newSASLClient(mech, s.cfg.SASL)
		if err != nil {
			s.log.Warning("session", "SASL", mech, "unavailable:", err.Error())
			continue
		}
		s.mechanism = mech
		s.saslClient = client
		s.send(wire.NewMessage("AUTHENTICATE", mech))
		return nil
	}
	s.mechanism = ""
	if s.cfg.SASL.Required {
		s.state = Terminating
		s.send(wire.NewMessage("QUIT", "SASL authentication failed"))
		return ErrSASLFailed
	}
	s.finishSASL(ErrSASLFailed)
	return nil
}

func (s *Session) finishSASL(err error) {
	s.saslClient = nil
	s.saslBuf.Clear()
	s.saslFailed = err
	if s.state == SASL {
		s.state = CapNegotiating
		s.endCap()
	}
}

func (s *Session) handleAuthenticate(msg wire.Message) {
	if s.saslClient == nil || len(msg.Params) == 0 {
		return
	}
	done, challenge, err := s.saslBuf.Add(msg.Params[0])
	if err != nil {
		s.log.Warning("session", "SASL challenge rejected:", err.Error())
		s.send(wire.NewMessage("AUTHENTICATE", "*"))
		return
	}
	if !done {
		return
	}

	var resp []byte
	if !s.saslStart {
		s.saslStart = true
		_, resp, err = s.saslClient.Start()
	} else {
		resp, err = s.saslClient.Next(challenge)
	}
	if err != nil {
		s.log.Warning("session", "SASL", s.mechanism, "error:", err.Error())
		s.send(wire.NewMessage("AUTHENTICATE", "*"))
		return
	}
	for _, chunk := range ircutils.EncodeSASLResponse(resp) {
		s.send(wire.NewMessage("AUTHENTICATE", chunk))
	}
}

// nickCandidates is the configured nick followed by its alternates.
func (s *Session) nickCandidates() []string {
	return append([]string{s.cfg.Nick}, s.cfg.AlternateNicks...)
}

func (s *Session) handleNickError(msg wire.Message) error {
	if s.state >= Ready {
		s.log.Info("session", "Nick change refused:", msg.Last())
		return nil
	}
	if msg.Command == "437" && s.tracker != nil && s.tracker.IsChannel(msg.Param(1)) {
		return nil
	}

	candidates := s.nickCandidates()
	var next string
	if s.nickIdx+1 < len(candidates) {
		s.nickIdx++
		next = candidates[s.nickIdx]
	} else {
		if s.nickSuffix >= maxNickSuffix {
			return ErrNickUnavailable
		}
		base := candidates[len(candidates)-1]
		suffix := "_"
		if s.nickSuffix > 0 {
			suffix = "_" + strconv.Itoa(s.nickSuffix)
		}
		s.nickSuffix++
		if s.tracker != nil {
			if max := s.tracker.ISupport().NickLen; max > 0 && len(base)+len(suffix) > max && max > len(suffix) {
				base = base[:max-len(suffix)]
			}
		}
		next = base + suffix
	}
	s.log.Info("session", "Nick", msg.Param(1), "unavailable, trying", next)
	if s.tracker != nil {
		s.tracker.SetNick(next)
	}
	s.send(wire.NewMessage("NICK", next))
	return nil
}

// Tick checks liveness and the registration deadline.
func (s *Session) Tick(now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == Terminating || s.started.IsZero() {
		return nil
	}
	if s.state < Ready && now.Sub(s.started) >= s.cfg.RegistrationTimeout {
		return ErrRegistrationTimeout
	}
	if s.pingToken != "" {
		if now.Sub(s.pingSent) >= s.cfg.PingTimeout {
			return ErrPingTimeout
		}
		return nil
	}
	if now.Sub(s.lastRecv) >= s.cfg.PingInterval {
		s.pingToken = newToken()
		s.pingSent = now
		ping := wire.NewMessage("PING", s.pingToken)
		ping.ForceTrailing()
		s.queue.Enqueue(ping, queue.Immediate, "")
	}
	return nil
}

// PendingPing returns the outstanding liveness token, if any.
func (s *Session) PendingPing() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pingToken
}

// NextDeadline returns when Tick next has work to do.
func (s *Session) NextDeadline() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	var next time.Time
	if s.pingToken != "" {
		next = s.pingSent.Add(s.cfg.PingTimeout)
	} else {
		next = s.lastRecv.Add(s.cfg.PingInterval)
	}
	if s.state < Ready {
		if reg := s.started.Add(s.cfg.RegistrationTimeout); reg.Before(next) {
			next = reg
		}
	}
	return next
}

// Quit queues a QUIT, discards pending non-immediate traffic and moves the
// session to Terminating.
func (s *Session) Quit(reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if reason == "" {
		reason = s.cfg.QuitMessage
	}
	s.queue.Reset()
	quit := wire.NewMessage("QUIT", reason)
	quit.ForceTrailing()
	s.queue.Enqueue(quit, queue.Immediate, "")
	s.state = Terminating
}

// ProtocolError records a malformed inbound line and reports whether the
// session has now seen too many of them.
func (s *Session) ProtocolError(now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	cutoff := now.Add(-protocolErrorWindow)
	kept := s.protoErrors[:0]
	for _, t := range s.protoErrors {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	s.protoErrors = append(kept, now)
	return len(s.protoErrors) >= maxProtocolErrors
}

func newToken() string {
	buf := make([]byte, 8)
	if _, err := rand.Read(buf); err != nil {
		return strconv.FormatInt(time.Now().UnixNano(), 36)
	}
	return hex.EncodeToString(buf)
}
