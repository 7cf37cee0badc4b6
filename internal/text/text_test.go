package text

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFold(t *testing.T) {
	cases := []struct {
		cm   Casemapping
		in   string
		want string
	}{
		{RFC1459, "Nick[]\\~", "nick{}|^"},
		{StrictRFC1459, "Nick[]\\~", "nick{}|~"},
		{ASCII, "Nick[]\\~", "nick[]\\~"},
		{RFC8265, "Ñick", "ñick"},
	}
	for _, c := range cases {
		assert.Equal(t, c.want, c.cm.Fold(c.in), "%s %q", c.cm, c.in)
	}
	assert.True(t, RFC1459.Equal("Bot[away]", "bot{AWAY}"))
	assert.False(t, ASCII.Equal("Bot[away]", "bot{AWAY}"))
}

func TestFoldPrecis(t *testing.T) {
	folded, err := foldPrecis("ÅNGSTRÖM")
	assert.NoError(t, err)
	assert.Equal(t, "ångström", folded)

	_, err = foldPrecis("has space")
	assert.Error(t, err)
	assert.Equal(t, "has space", RFC8265.Fold("Has Space"), "rejected names fold as ascii")
}

func TestParseCasemapping(t *testing.T) {
	cm, ok := ParseCasemapping("ASCII")
	assert.True(t, ok)
	assert.Equal(t, ASCII, cm)

	cm, ok = ParseCasemapping("something-else")
	assert.False(t, ok)
	assert.Equal(t, RFC1459, cm)
}

func TestHostmask(t *testing.T) {
	h := ParseHostmask("nick!user@host.example")
	assert.Equal(t, Hostmask{Nick: "nick", User: "user", Host: "host.example"}, h)
	assert.Equal(t, "nick!user@host.example", h.String())
	assert.False(t, h.IsServer())

	srv := ParseHostmask("irc.example.net")
	assert.Equal(t, "irc.example.net", srv.Nick)
	assert.True(t, srv.IsServer())

	assert.True(t, ParseHostmask("").IsZero())
	assert.Equal(t, "nick{}!u@h", ParseHostmask("NICK[]!u@h").Folded(RFC1459))
}

func TestIsChannel(t *testing.T) {
	assert.True(t, IsChannel("#go", DefaultChanTypes))
	assert.True(t, IsChannel("&local", DefaultChanTypes))
	assert.False(t, IsChannel("nick", DefaultChanTypes))
	assert.False(t, IsChannel("", DefaultChanTypes))
	assert.False(t, IsChannel("&local", "#"))

	p, rest := SplitStatusTarget("@+#chan", "@+")
	assert.Equal(t, "@+", p)
	assert.Equal(t, "#chan", rest)
}
