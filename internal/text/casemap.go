package text

import (
	"errors"
	"strings"

	"golang.org/x/text/secure/precis"
)

// Casemapping is the nickname folding rule a server announces in ISUPPORT.
type Casemapping int

const (
	// RFC1459 folds A-Z plus []\~ onto a-z plus {}|^. It is the default
	// when the server does not say otherwise.
	RFC1459 Casemapping = iota
	// StrictRFC1459 is RFC1459 without the ~ to ^ rule.
	StrictRFC1459
	// ASCII folds only A-Z.
	ASCII
	// RFC8265 folds with the PRECIS UsernameCaseMapped profile.
	RFC8265
)

// precisPasses bounds how often a name is re-folded before we give up.
const precisPasses = 4

var errUnstableFold = errors.New("casefolding did not converge")

var casemappingNames = map[string]Casemapping{
	"rfc1459":        RFC1459,
	"strict-rfc1459": StrictRFC1459,
	"ascii":          ASCII,
	"rfc8265":        RFC8265,
	"precis":         RFC8265,
}

// ParseCasemapping returns the casemapping for an ISUPPORT CASEMAPPING
// value. Unknown names yield RFC1459 and false.
func ParseCasemapping(name string) (Casemapping, bool) {
	cm, ok := casemappingNames[strings.ToLower(name)]
	if !ok {
		return RFC1459, false
	}
	return cm, true
}

func (cm Casemapping) String() string {
	switch cm {
	case StrictRFC1459:
		return "strict-rfc1459"
	case ASCII:
		return "ascii"
	case RFC8265:
		return "rfc8265"
	default:
		return "rfc1459"
	}
}

// Fold returns the canonical form of name under cm. Two names refer to the
// same nick or channel iff their folded forms are equal.
func (cm Casemapping) Fold(name string) string {
	switch cm {
	case RFC8265:
		folded, err := foldPrecis(name)
		if err != nil {
			// names the profile rejects still need a stable key
			return foldBytes(name, ASCII)
		}
		return folded
	default:
		return foldBytes(name, cm)
	}
}

// Equal reports whether a and b fold to the same name.
func (cm Casemapping) Equal(a, b string) bool {
	return cm.Fold(a) == cm.Fold(b)
}

func foldBytes(name string, cm Casemapping) string {
	var b strings.Builder
	b.Grow(len(name))
	for i := 0; i < len(name); i++ {
		c := name[i]
		switch {
		case 'A' <= c && c <= 'Z':
			c += 'a' - 'A'
		case cm == ASCII:
		case c == '[':
			c = '{'
		case c == ']':
			c = '}'
		case c == '\\':
			c = '|'
		case c == '~' && cm == RFC1459:
			c = '^'
		}
		b.WriteByte(c)
	}
	return b.String()
}

// foldPrecis applies UsernameCaseMapped until the key stops changing. One
// pass is not always a fixed point.
func foldPrecis(name string) (string, error) {
	for i := 0; i < precisPasses; i++ {
		key, err := precis.UsernameCaseMapped.CompareKey(name)
		if err != nil {
			return "", err
		}
		if key == name {
			return key, nil
		}
		name = key
	}
	return "", errUnstableFold
}
