package wire

import "github.com/ergochat/irc-go/ircfmt"

// StripFormatting removes mIRC colour codes (\x03 with up to two foreground
// and two background digits) and the bold, reset, reverse, italic and
// underline control codes.
func StripFormatting(s string) string {
	return ircfmt.Strip(s)
}
