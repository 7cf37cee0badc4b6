package wire

import (
	"bytes"
	"errors"
	"fmt"
	"strings"

	"github.com/ergochat/irc-go/ircmsg"
)

const (
	// DefaultLineLen is the IRC body limit including the CRLF terminator.
	DefaultLineLen = 512
	// DefaultTagLen is the limit on the tag section of a client-sent line,
	// including the leading '@' and the trailing space.
	DefaultTagLen = 4096
	// MaxServerTagLen is the limit on the tag section of a received line.
	MaxServerTagLen = 8191
)

var (
	// ErrMalformedLine is returned for a line with no command.
	ErrMalformedLine = errors.New("malformed line")
	// ErrOversizeLine is returned when the body or the tag section exceeds
	// its limit.
	ErrOversizeLine = errors.New("line too long")
	// ErrInvalidParam is returned when a parameter other than the last is
	// empty, contains a space or starts with ':', or any parameter contains
	// CR, LF or NUL.
	ErrInvalidParam = errors.New("invalid parameter")
)

// Codec holds the length limits for one connection. The zero value is not
// useful; start from DefaultCodec.
type Codec struct {
	LineLen int
	TagLen  int
}

// DefaultCodec applies the RFC 1459 and IRCv3 limits.
var DefaultCodec = Codec{LineLen: DefaultLineLen, TagLen: DefaultTagLen}

// Parse decodes a line with the default limits.
func Parse(line string) (Message, error) {
	return DefaultCodec.Parse(line)
}

// Encode serialises a message with the default limits.
func Encode(m Message) ([]byte, error) {
	return DefaultCodec.Encode(m)
}

// Parse decodes one received line. The terminator may be CRLF or a bare LF
// and is optional; NUL bytes are dropped.
func (c Codec) Parse(line string) (Message, error) {
	line = strings.TrimSuffix(line, "\n")
	line = strings.TrimSuffix(line, "\r")
	if strings.IndexByte(line, 0) != -1 {
		line = strings.ReplaceAll(line, "\x00", "")
	}

	im, err := ircmsg.ParseLineStrict(line, false, c.LineLen)
	if err != nil {
		return Message{}, parseError(err, c.LineLen)
	}

	m := Message{
		Source:  im.Source,
		Command: im.Command,
		Params:  im.Params,
	}
	if tags := im.AllTags(); len(tags) != 0 {
		m.Tags = tags
	}
	if n := len(m.Params); n > 0 && strings.HasSuffix(line, " :"+m.Params[n-1]) {
		m.forceTrailing = true
	}
	return m, nil
}

func parseError(err error, lineLen int) error {
	switch {
	case errors.Is(err, ircmsg.ErrorBodyTooLong):
		return fmt.Errorf("%w: body exceeds %d bytes", ErrOversizeLine, lineLen)
	case errors.Is(err, ircmsg.ErrorTagsTooLong):
		return fmt.Errorf("%w: tag section exceeds %d bytes", ErrOversizeLine, MaxServerTagLen)
	}
	return fmt.Errorf("%w: %v", ErrMalformedLine, err)
}

// Encode serialises m as a CRLF-terminated line, enforcing the codec's
// limits.
func (c Codec) Encode(m Message) ([]byte, error) {
	return encode(m, c.LineLen, c.TagLen)
}

func encode(m Message, lineLen, tagLen int) ([]byte, error) {
	if m.Command == "" || strings.ContainsAny(m.Command, " \r\n\x00") {
		return nil, fmt.Errorf("%w: bad command %q", ErrMalformedLine, m.Command)
	}

	im := ircmsg.MakeMessage(m.Tags, m.Source, m.Command, m.Params...)
	if m.forceTrailing {
		im.ForceTrailing()
	}
	line, err := im.LineBytesStrict(true, 0)
	if err != nil {
		return nil, encodeError(err)
	}

	tagBytes := 0
	if len(line) > 0 && line[0] == '@' {
		tagBytes = bytes.IndexByte(line, ' ') + 1
	}
	if tagLen > 0 && tagBytes > tagLen {
		return nil, fmt.Errorf("%w: tag section is %d bytes", ErrOversizeLine, tagBytes)
	}
	if body := len(line) - tagBytes; lineLen > 0 && body > lineLen {
		return nil, fmt.Errorf("%w: body is %d bytes", ErrOversizeLine, body)
	}
	return line, nil
}

func encodeError(err error) error {
	switch {
	case errors.Is(err, ircmsg.ErrorTagsTooLong):
		return fmt.Errorf("%w: tag section exceeds %d bytes", ErrOversizeLine, DefaultTagLen)
	case errors.Is(err, ircmsg.ErrorBadParam), errors.Is(err, ircmsg.ErrorLineContainsBadChar):
		return fmt.Errorf("%w: %v", ErrInvalidParam, err)
	}
	return fmt.Errorf("%w: %v", ErrMalformedLine, err)
}
