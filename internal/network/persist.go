package network

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/horgh/config"
	"github.com/pkg/errors"

	"github.com/dalnet/ircbot/internal/storage"
)

// FilePath returns networks/<name>.conf under dataDir.
func FilePath(dataDir, name string) string {
	return storage.Path(dataDir, "networks", name+".conf")
}

// Save writes the record as flat "key = value" lines: the cursor, one
// server.<i>.* group per server and one sts.<i>.* group per policy.
func (r *Record) Save(dataDir string) error {
	r.mu.Lock()
	lines := []string{
		"# network " + r.name,
		fmt.Sprintf("cursor = %d", r.cursor),
	}
	for i, s := range r.servers {
		prefix := fmt.Sprintf("server.%d.", i)
		lines = append(lines,
			prefix+"host = "+s.Host,
			prefix+"port = "+strconv.Itoa(s.Port),
			prefix+"secure = "+strconv.FormatBool(s.Secure),
		)
		if t, ok := r.lastDisconnected[normalizeHost(s.Host)]; ok {
			lines = append(lines, prefix+"last-disconnected-at = "+strconv.FormatInt(t.Unix(), 10))
		}
	}
	i := 0
	for _, p := range r.sortedPolicies() {
		prefix := fmt.Sprintf("sts.%d.", i)
		lines = append(lines,
			prefix+"host = "+p.Host,
			prefix+"secure-port = "+strconv.Itoa(p.SecurePort),
			prefix+"expires-at = "+strconv.FormatInt(p.Expires.Unix(), 10),
			prefix+"committed = "+strconv.FormatBool(p.Committed),
			prefix+"preload = "+strconv.FormatBool(p.Preload),
		)
		i++
	}
	r.mu.Unlock()

	return storage.WriteLines(FilePath(dataDir, r.name), lines)
}

func (r *Record) sortedPolicies() []Policy {
	out := make([]Policy, 0, len(r.policies))
	for _, p := range r.policies {
		out = append(out, *p)
	}
	sortPolicies(out)
	return out
}

// Load merges persisted state into the record: the cursor if it still
// names a configured server, disconnection times for configured hosts, and
// every STS policy not yet expired at now. A missing file is not an error.
func (r *Record) Load(dataDir string, now time.Time) error {
	values, err := config.ReadStringMap(FilePath(dataDir, r.name))
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return errors.Wrapf(err, "loading network %s", r.name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if cursor, err := strconv.Atoi(values["cursor"]); err == nil && cursor >= 0 && cursor < len(r.servers) {
		r.cursor = cursor
	}

	for i := 0; ; i++ {
		prefix := fmt.Sprintf("server.%d.", i)
		host, ok := values[prefix+"host"]
		if !ok {
			break
		}
		if ts, err := strconv.ParseInt(values[prefix+"last-disconnected-at"], 10, 64); err == nil {
			r.lastDisconnected[normalizeHost(host)] = time.Unix(ts, 0)
		}
	}

	for i := 0; ; i++ {
		prefix := fmt.Sprintf("sts.%d.", i)
		host, ok := values[prefix+"host"]
		if !ok {
			break
		}
		port, err := strconv.Atoi(values[prefix+"secure-port"])
		if err != nil {
			continue
		}
		expires, err := strconv.ParseInt(values[prefix+"expires-at"], 10, 64)
		if err != nil {
			continue
		}
		p := &Policy{
			Host:       normalizeHost(host),
			SecurePort: port,
			Expires:    time.Unix(expires, 0),
		}
		p.Committed, _ = strconv.ParseBool(values[prefix+"committed"])
		p.Preload, _ = strconv.ParseBool(values[prefix+"preload"])
		if p.Active(now) {
			r.policies[p.Host] = p
		}
	}
	return nil
}
