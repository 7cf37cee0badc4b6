package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/dalnet/ircbot/internal/logger"
)

// Error is a configuration problem found while loading or validating.
type Error struct {
	Field   string
	Message string
}

func (e *Error) Error() string {
	if e.Field == "" {
		return "config: " + e.Message
	}
	return fmt.Sprintf("config: %s: %s", e.Field, e.Message)
}

func fieldError(field, format string, args ...interface{}) *Error {
	return &Error{Field: field, Message: fmt.Sprintf(format, args...)}
}

// Duration accepts Go duration strings ("90s", "10m") or a bare number of
// seconds.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	s := strings.TrimSpace(value.Value)
	if secs, err := strconv.ParseFloat(s, 64); err == nil {
		*d = Duration(secs * float64(time.Second))
		return nil
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("line %d: invalid duration %q", value.Line, value.Value)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// Server is one entry of a network's server list.
type Server struct {
	Host      string `yaml:"host"`
	Port      int    `yaml:"port"`
	Password  string `yaml:"password"`
	Secure    bool   `yaml:"secure"`
	WebSocket string `yaml:"websocket"`
}

// Network is one IRC network to stay connected to.
type Network struct {
	Name     string   `yaml:"name"`
	Servers  []Server `yaml:"servers"`
	Channels []string `yaml:"channels"`
	Proxy    string   `yaml:"proxy"`
	// Nick overrides the global nick on this network.
	Nick string `yaml:"nick"`
}

type SASLConfig struct {
	Mechanisms []string `yaml:"mechanism"`
	Username   string   `yaml:"username"`
	Password   string   `yaml:"password"`
	Required   bool     `yaml:"required"`
}

type TLSConfig struct {
	Verify   *bool  `yaml:"verify"`
	CABundle string `yaml:"ca-bundle"`
	Cert     string `yaml:"cert"`
	Key      string `yaml:"key"`
}

// VerifyPeer reports whether server certificates are checked. It defaults
// to true.
func (t TLSConfig) VerifyPeer() bool {
	return t.Verify == nil || *t.Verify
}

type ThrottleConfig struct {
	TokensPerSecond float64 `yaml:"tokens-per-second"`
	Burst           int     `yaml:"burst"`
}

type ReconnectConfig struct {
	InitialDelay Duration `yaml:"initial-delay"`
	MaxDelay     Duration `yaml:"max-delay"`
}

type QuitConfig struct {
	Message string `yaml:"message"`
}

type TimeoutConfig struct {
	Timeout Duration `yaml:"timeout"`
}

type PingConfig struct {
	Interval Duration `yaml:"interval"`
	Timeout  Duration `yaml:"timeout"`
}

type ShutdownConfig struct {
	Grace Duration `yaml:"grace"`
}

type CTCPConfig struct {
	Version string `yaml:"version"`
}

// User seeds the bot's user registry.
type User struct {
	Name         string   `yaml:"name"`
	Hostmasks    []string `yaml:"hostmasks"`
	Capabilities []string `yaml:"capabilities"`
	// Password enables IDENTIFY for this user. Only its hash is stored.
	Password string `yaml:"password"`
}

// Config holds all bot configuration
type Config struct {
	Nick           string   `yaml:"nick"`
	AlternateNicks []string `yaml:"alternate-nicks"`
	User           string   `yaml:"user"`
	RealName       string   `yaml:"real-name"`
	ServerPassword string   `yaml:"server-password"`
	Capabilities   []string `yaml:"capabilities"`

	SASL         SASLConfig      `yaml:"sasl"`
	TLS          TLSConfig       `yaml:"tls"`
	Throttle     ThrottleConfig  `yaml:"throttle"`
	Reconnect    ReconnectConfig `yaml:"reconnect"`
	Quit         QuitConfig      `yaml:"quit"`
	Registration TimeoutConfig   `yaml:"registration"`
	Ping         PingConfig      `yaml:"ping"`
	Shutdown     ShutdownConfig  `yaml:"shutdown"`
	CTCP         CTCPConfig      `yaml:"ctcp"`

	Networks []Network       `yaml:"networks"`
	Logging  []logger.Config `yaml:"logging"`
	DataDir  string          `yaml:"data-dir"`
	Workers  int             `yaml:"workers"`
	// RejoinDelay is how long to wait before rejoining after a kick; a
	// negative value disables rejoining.
	RejoinDelay Duration `yaml:"rejoin-delay"`

	// StripFormatting removes colour and formatting codes from outgoing
	// messages.
	StripFormatting bool   `yaml:"strip-formatting"`
	Users           []User `yaml:"users"`
}

// Defaults
const (
	DefaultDataDir             = "./data"
	DefaultQuitMessage         = "Shutting down"
	DefaultWorkers             = 4
	DefaultThrottleRate        = 2.0
	DefaultThrottleBurst       = 4
	DefaultInitialDelay        = 10 * time.Second
	DefaultMaxDelay            = 10 * time.Minute
	DefaultRegistrationTimeout = 60 * time.Second
	DefaultPingInterval        = 90 * time.Second
	DefaultPingTimeout         = 30 * time.Second
	DefaultShutdownGrace       = 3 * time.Second
	DefaultRejoinDelay         = 5 * time.Second
)

// Load reads and parses a YAML configuration file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &Error{Message: fmt.Sprintf("failed to read config file: %v", err)}
	}
	return Parse(data)
}

// Parse decodes YAML, applies defaults and validates the result.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, &Error{Message: fmt.Sprintf("failed to parse config file: %v", err)}
	}
	cfg.setDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) setDefaults() {
	if c.User == "" {
		c.User = c.Nick
	}
	if c.RealName == "" {
		c.RealName = c.Nick
	}
	if c.DataDir == "" {
		c.DataDir = DefaultDataDir
	}
	if c.Quit.Message == "" {
		c.Quit.Message = DefaultQuitMessage
	}
	if c.Workers <= 0 {
		c.Workers = DefaultWorkers
	}
	if c.Throttle.TokensPerSecond == 0 {
		c.Throttle.TokensPerSecond = DefaultThrottleRate
	}
	if c.Throttle.Burst == 0 {
		c.Throttle.Burst = DefaultThrottleBurst
	}
	if c.Reconnect.InitialDelay == 0 {
		c.Reconnect.InitialDelay = Duration(DefaultInitialDelay)
	}
	if c.Reconnect.MaxDelay == 0 {
		c.Reconnect.MaxDelay = Duration(DefaultMaxDelay)
	}
	if c.Registration.Timeout == 0 {
		c.Registration.Timeout = Duration(DefaultRegistrationTimeout)
	}
	if c.Ping.Interval == 0 {
		c.Ping.Interval = Duration(DefaultPingInterval)
	}
	if c.Ping.Timeout == 0 {
		c.Ping.Timeout = Duration(DefaultPingTimeout)
	}
	if c.Shutdown.Grace == 0 {
		c.Shutdown.Grace = Duration(DefaultShutdownGrace)
	}
	if c.RejoinDelay == 0 {
		c.RejoinDelay = Duration(DefaultRejoinDelay)
	}
	if len(c.Logging) == 0 {
		c.Logging = logger.DefaultConfig()
	}
	for i := range c.SASL.Mechanisms {
		c.SASL.Mechanisms[i] = strings.ToUpper(c.SASL.Mechanisms[i])
	}
	for i := range c.Networks {
		for j := range c.Networks[i].Servers {
			s := &c.Networks[i].Servers[j]
			if s.Port == 0 && s.WebSocket == "" {
				if s.Secure {
					s.Port = 6697
				} else {
					s.Port = 6667
				}
			}
		}
	}
}

var knownMechanisms = map[string]bool{"EXTERNAL": true, "SCRAM-SHA-256": true, "PLAIN": true}

// Validate reports the first problem found.
func (c *Config) Validate() error {
	if c.Nick == "" {
		return fieldError("nick", "is required")
	}
	if strings.ContainsAny(c.Nick, " ,*?!@") {
		return fieldError("nick", "%q contains invalid characters", c.Nick)
	}
	for _, mech := range c.SASL.Mechanisms {
		if !knownMechanisms[mech] {
			return fieldError("sasl.mechanism", "unsupported mechanism %q", mech)
		}
		if mech != "EXTERNAL" && c.SASL.Username == "" {
			return fieldError("sasl.username", "is required for %s", mech)
		}
		if mech == "EXTERNAL" && c.TLS.Cert == "" {
			return fieldError("tls.cert", "a client certificate is required for EXTERNAL")
		}
	}
	if c.SASL.Required && len(c.SASL.Mechanisms) == 0 && c.SASL.Username == "" && c.TLS.Cert == "" {
		return fieldError("sasl.required", "no mechanism or credentials configured")
	}
	if (c.TLS.Cert == "") != (c.TLS.Key == "") {
		return fieldError("tls", "cert and key must be set together")
	}
	if c.Throttle.TokensPerSecond < 0 || c.Throttle.Burst < 0 {
		return fieldError("throttle", "must not be negative")
	}
	if c.Reconnect.InitialDelay < 0 || c.Reconnect.MaxDelay < c.Reconnect.InitialDelay {
		return fieldError("reconnect", "max-delay must be at least initial-delay")
	}
	if c.Ping.Interval <= 0 || c.Ping.Timeout <= 0 {
		return fieldError("ping", "interval and timeout must be positive")
	}
	if c.Registration.Timeout <= 0 {
		return fieldError("registration.timeout", "must be positive")
	}
	if len(c.Networks) == 0 {
		return fieldError("networks", "at least one network is required")
	}
	seen := make(map[string]bool)
	for i, n := range c.Networks {
		field := fmt.Sprintf("networks[%d]", i)
		if n.Name == "" {
			return fieldError(field+".name", "is required")
		}
		if strings.ContainsAny(n.Name, "/\\ ") {
			return fieldError(field+".name", "%q must not contain slashes or spaces", n.Name)
		}
		if seen[n.Name] {
			return fieldError(field+".name", "duplicate network %q", n.Name)
		}
		seen[n.Name] = true
		if len(n.Servers) == 0 {
			return fieldError(field+".servers", "at least one server is required")
		}
		for j, s := range n.Servers {
			sfield := fmt.Sprintf("%s.servers[%d]", field, j)
			if s.WebSocket != "" {
				u, err := url.Parse(s.WebSocket)
				if err != nil || (u.Scheme != "ws" && u.Scheme != "wss") {
					return fieldError(sfield+".websocket", "%q is not a ws:// or wss:// URL", s.WebSocket)
				}
				continue
			}
			if s.Host == "" {
				return fieldError(sfield+".host", "is required")
			}
			if s.Port <= 0 || s.Port > 65535 {
				return fieldError(sfield+".port", "%d is out of range", s.Port)
			}
		}
		if n.Proxy != "" {
			u, err := url.Parse(n.Proxy)
			if err != nil || (u.Scheme != "socks5" && u.Scheme != "socks5h") {
				return fieldError(field+".proxy", "%q is not a socks5:// URL", n.Proxy)
			}
		}
	}
	for i, u := range c.Users {
		if u.Name == "" {
			return fieldError(fmt.Sprintf("users[%d].name", i), "is required")
		}
		if len(u.Hostmasks) == 0 && u.Password == "" {
			return fieldError(fmt.Sprintf("users[%d].hostmasks", i), "a hostmask or a password is required")
		}
	}
	for _, l := range c.Logging {
		if _, ok := logger.LogLevelNames[strings.ToLower(l.Level)]; !ok {
			return fieldError("logging", "unknown level %q", l.Level)
		}
	}
	return nil
}

// NetworkNick returns the nick to use on n.
func (c *Config) NetworkNick(n Network) string {
	if n.Nick != "" {
		return n.Nick
	}
	return c.Nick
}
