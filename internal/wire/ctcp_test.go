package wire

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCTCP(t *testing.T) {
	m, err := Parse(":n!u@h PRIVMSG bot :\x01VERSION\x01")
	require.NoError(t, err)
	assert.True(t, IsCTCP(m))
	c, ok := ParseCTCP(m)
	require.True(t, ok)
	assert.Equal(t, CTCP{Command: "VERSION"}, c)

	m, err = Parse(":n!u@h PRIVMSG #c :\x01action waves hello")
	require.NoError(t, err)
	c, ok = ParseCTCP(m)
	require.True(t, ok)
	assert.True(t, c.IsAction())
	assert.Equal(t, "waves hello", c.Args)

	m, err = Parse(":n!u@h PRIVMSG #c :plain")
	require.NoError(t, err)
	assert.False(t, IsCTCP(m))

	m, err = Parse(":n!u@h JOIN :\x01odd")
	require.NoError(t, err)
	assert.False(t, IsCTCP(m))

	reply := CTCPReply("n", "PING", "123")
	assert.Equal(t, "NOTICE n :\x01PING 123\x01", reply.String())
	assert.Equal(t, "PRIVMSG n :\x01TIME\x01", CTCPRequest("n", "TIME", "").String())
}

func TestStripFormatting(t *testing.T) {
	cases := map[string]string{
		"\x02bold\x02 text":          "bold text",
		"\x0304red\x03 plain":         "red plain",
		"\x034,12both\x0f done":       "both done",
		"\x1ditalic\x1f\x16rev":       "italicrev",
		"\x0312,text":                 ",text",
		"no codes at all":             "no codes at all",
	}
	for in, want := range cases {
		assert.Equal(t, want, StripFormatting(in), "%q", in)
	}
}
