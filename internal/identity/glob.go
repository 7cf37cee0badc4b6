package identity

import (
	"fmt"
	"regexp"
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/dalnet/ircbot/internal/text"
)

// After QuoteMeta every wildcard is escaped; turn those back into regexp.
var globWildcards = strings.NewReplacer(`\*`, `.*`, `\?`, `.`)

// CompileGlob turns an IRC glob (* and ?) into an anchored regexp.
func CompileGlob(glob string) (*regexp.Regexp, error) {
	if !utf8.ValidString(glob) {
		return nil, fmt.Errorf("glob %q is not valid UTF-8", glob)
	}
	return regexp.Compile("^" + globWildcards.Replace(regexp.QuoteMeta(glob)) + "$")
}

var globCache sync.Map // canonical pattern -> *regexp.Regexp

// canonical folds a hostmask or pattern for comparison: the nick part
// under cm, user and host as ASCII lowercase. Missing parts of a pattern
// become "*", so "nick" means "nick!*@*".
func canonical(mask string, cm text.Casemapping, pattern bool) string {
	h := text.ParseHostmask(mask)
	if pattern {
		if h.Nick == "" {
			h.Nick = "*"
		}
		if h.User == "" {
			h.User = "*"
		}
		if h.Host == "" {
			h.Host = "*"
		}
	}
	return cm.Fold(h.Nick) + "!" + strings.ToLower(h.User) + "@" + strings.ToLower(h.Host)
}

// Match reports whether hostmask matches the glob pattern, case-insensitively
// on the nick under cm. An invalid pattern matches nothing.
func Match(pattern, hostmask string, cm text.Casemapping) bool {
	p := canonical(pattern, cm, true)
	var re *regexp.Regexp
	if cached, ok := globCache.Load(p); ok {
		re = cached.(*regexp.Regexp)
	} else {
		compiled, err := CompileGlob(p)
		if err != nil {
			return false
		}
		globCache.Store(p, compiled)
		re = compiled
	}
	return re.MatchString(canonical(hostmask, cm, false))
}
