package network

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

var (
	// ErrSTSViolation is returned when a connection attempt would fall back
	// to plaintext on a host under a committed STS policy.
	ErrSTSViolation = errors.New("refusing plaintext connection: host has a committed STS policy")
	// ErrBadPolicy is returned for an unparseable sts capability value.
	ErrBadPolicy = errors.New("malformed STS policy")
)

// UpgradeWindow is how long a port-only advert received in plaintext is
// honoured when it carries no duration.
const UpgradeWindow = time.Hour

// maxDurationSecs is the longest policy time.Duration can hold.
const maxDurationSecs = int64(math.MaxInt64 / time.Second)

// Advert is a parsed sts capability value, e.g. "duration=3600,port=6697".
type Advert struct {
	Duration    time.Duration
	HasDuration bool
	Port        int
	Preload     bool
}

// ParseAdvert parses the sts capability value. IRCv3 separates keys with
// commas; semicolons are accepted too.
func ParseAdvert(value string) (Advert, error) {
	var a Advert
	tokens := strings.FieldsFunc(value, func(r rune) bool { return r == ',' || r == ';' })
	for _, token := range tokens {
		key, val, _ := strings.Cut(strings.TrimSpace(token), "=")
		switch strings.ToLower(key) {
		case "duration":
			secs, err := strconv.ParseInt(val, 10, 64)
			if errors.Is(err, strconv.ErrRange) && secs > 0 {
				err = nil
			}
			if err != nil || secs < 0 {
				return Advert{}, fmt.Errorf("%w: duration %q", ErrBadPolicy, val)
			}
			if secs > maxDurationSecs {
				secs = maxDurationSecs
			}
			a.Duration = time.Duration(secs) * time.Second
			a.HasDuration = true
		case "port":
			port, err := strconv.Atoi(val)
			if err != nil || port <= 0 || port > 65535 {
				return Advert{}, fmt.Errorf("%w: port %q", ErrBadPolicy, val)
			}
			a.Port = port
		case "preload":
			a.Preload = true
		}
	}
	return a, nil
}

// Policy is a cached STS policy for one host.
type Policy struct {
	Host       string
	SecurePort int
	Expires    time.Time
	// Committed is set once a secure session under the policy ended with a
	// clean disconnect; from then on plaintext is refused.
	Committed bool
	Preload   bool
}

// Active reports whether the policy has not expired at now.
func (p Policy) Active(now time.Time) bool {
	return now.Before(p.Expires)
}
