package state

import (
	"strconv"
	"strings"

	"github.com/dalnet/ircbot/internal/text"
)

const (
	defaultPrefix    = "(ov)@+"
	defaultChanModes = "beI,k,l,imnpst"
)

// ISupport holds the RPL_ISUPPORT (005) parameters of one connection, with
// the keys the tracker relies on pre-parsed.
type ISupport struct {
	raw map[string]string

	Casemapping   text.Casemapping
	ChanTypes     string
	PrefixModes   string // mode letters, highest rank first: "ov"
	PrefixSymbols string // matching status characters: "@+"
	ChanModes     [4]string
	Network       string
	StatusMsg     string
	LineLen       int
	NickLen       int
}

// NewISupport returns the values assumed before the server sends 005.
func NewISupport() *ISupport {
	is := &ISupport{raw: make(map[string]string)}
	is.reset("CASEMAPPING")
	is.reset("CHANTYPES")
	is.reset("PREFIX")
	is.reset("CHANMODES")
	is.reset("LINELEN")
	return is
}

// Apply parses the tokens of one 005 line: KEY, KEY=VALUE or -KEY.
func (is *ISupport) Apply(tokens []string) {
	for _, token := range tokens {
		if token == "" {
			continue
		}
		if strings.HasPrefix(token, "-") {
			key := strings.ToUpper(token[1:])
			delete(is.raw, key)
			is.reset(key)
			continue
		}
		key, value, _ := strings.Cut(token, "=")
		key = strings.ToUpper(key)
		is.raw[key] = value
		is.set(key, value)
	}
}

// Get returns a raw parameter value.
func (is *ISupport) Get(key string) (string, bool) {
	v, ok := is.raw[strings.ToUpper(key)]
	return v, ok
}

func (is *ISupport) set(key, value string) {
	switch key {
	case "CASEMAPPING":
		is.Casemapping, _ = text.ParseCasemapping(value)
	case "CHANTYPES":
		is.ChanTypes = value
	case "PREFIX":
		is.PrefixModes, is.PrefixSymbols = parsePrefix(value)
	case "CHANMODES":
		is.ChanModes = [4]string{}
		for i, group := range strings.SplitN(value, ",", 5) {
			if i == 4 {
				break
			}
			is.ChanModes[i] = group
		}
	case "NETWORK":
		is.Network = value
	case "STATUSMSG":
		is.StatusMsg = value
	case "LINELEN":
		if n, err := strconv.Atoi(value); err == nil && n >= 512 {
			is.LineLen = n
		}
	case "NICKLEN":
		is.NickLen, _ = strconv.Atoi(value)
	}
}

func (is *ISupport) reset(key string) {
	switch key {
	case "CASEMAPPING":
		is.Casemapping = text.RFC1459
	case "CHANTYPES":
		is.ChanTypes = text.DefaultChanTypes
	case "PREFIX":
		is.PrefixModes, is.PrefixSymbols = parsePrefix(defaultPrefix)
	case "CHANMODES":
		is.set("CHANMODES", defaultChanModes)
	case "NETWORK":
		is.Network = ""
	case "STATUSMSG":
		is.StatusMsg = ""
	case "LINELEN":
		is.LineLen = 512
	case "NICKLEN":
		is.NickLen = 0
	}
}

func parsePrefix(value string) (modes, symbols string) {
	if !strings.HasPrefix(value, "(") {
		return "", ""
	}
	end := strings.IndexByte(value, ')')
	if end == -1 {
		return "", ""
	}
	modes, symbols = value[1:end], value[end+1:]
	if len(modes) != len(symbols) {
		return "", ""
	}
	return modes, symbols
}

// IsChannel reports whether name is a channel under CHANTYPES.
func (is *ISupport) IsChannel(name string) bool {
	return text.IsChannel(name, is.ChanTypes)
}

// ModeForSymbol maps a status character like '@' to its mode letter.
func (is *ISupport) ModeForSymbol(sym byte) (byte, bool) {
	i := strings.IndexByte(is.PrefixSymbols, sym)
	if i == -1 {
		return 0, false
	}
	return is.PrefixModes[i], true
}

// SymbolForMode maps a mode letter like 'o' to its status character.
func (is *ISupport) SymbolForMode(mode byte) (byte, bool) {
	i := strings.IndexByte(is.PrefixModes, mode)
	if i == -1 {
		return 0, false
	}
	return is.PrefixSymbols[i], true
}

// modeKind classifies a channel mode letter.
type modeKind int

const (
	kindFlag   modeKind = iota // CHANMODES D and unknown letters
	kindList                   // CHANMODES A
	kindAlways                 // CHANMODES B
	kindOnSet                  // CHANMODES C
	kindPrefix                 // PREFIX
)

func (is *ISupport) kind(mode byte) modeKind {
	switch {
	case strings.IndexByte(is.PrefixModes, mode) != -1:
		return kindPrefix
	case strings.IndexByte(is.ChanModes[0], mode) != -1:
		return kindList
	case strings.IndexByte(is.ChanModes[1], mode) != -1:
		return kindAlways
	case strings.IndexByte(is.ChanModes[2], mode) != -1:
		return kindOnSet
	default:
		return kindFlag
	}
}

// takesArg reports the arity of a mode letter in the given direction.
func (is *ISupport) takesArg(mode byte, adding bool) bool {
	switch is.kind(mode) {
	case kindPrefix, kindList, kindAlways:
		return true
	case kindOnSet:
		return adding
	default:
		return false
	}
}
