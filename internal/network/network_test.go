package network

import (
	"os"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var epoch = time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)

func testRecord() *Record {
	return NewRecord("example", []Server{
		{Host: "irc.example.net", Port: 6667},
		{Host: "irc2.example.net", Port: 6697, Secure: true},
	})
}

func TestParseAdvert(t *testing.T) {
	a, err := ParseAdvert("duration=3600,port=6697,preload")
	require.NoError(t, err)
	assert.Equal(t, Advert{Duration: time.Hour, HasDuration: true, Port: 6697, Preload: true}, a)

	a, err = ParseAdvert("duration=0;port=6697")
	require.NoError(t, err)
	assert.True(t, a.HasDuration)
	assert.Equal(t, time.Duration(0), a.Duration)

	_, err = ParseAdvert("duration=soon")
	assert.ErrorIs(t, err, ErrBadPolicy)
	_, err = ParseAdvert("port=70000")
	assert.ErrorIs(t, err, ErrBadPolicy)
}

func TestParseAdvertHugeDuration(t *testing.T) {
	for _, v := range []string{"9223372036854775807", "99999999999999999999", "9223372037"} {
		a, err := ParseAdvert("duration=" + v)
		require.NoError(t, err, v)
		assert.Equal(t, time.Duration(maxDurationSecs)*time.Second, a.Duration, v)
		assert.Positive(t, a.Duration, v)
	}

	_, err := ParseAdvert("duration=-99999999999999999999")
	assert.ErrorIs(t, err, ErrBadPolicy)
}

func TestCursor(t *testing.T) {
	r := testRecord()
	assert.Equal(t, "irc.example.net", r.Current().Host)
	assert.Equal(t, "irc2.example.net", r.Advance().Host)
	assert.Equal(t, "irc.example.net", r.Advance().Host)
}

func TestPlaintextAdvertUpgradesNextAttempt(t *testing.T) {
	r := testRecord()
	a, _ := ParseAdvert("duration=3600,port=6697")

	assert.True(t, r.ApplyAdvert("irc.example.net", 6667, false, a, epoch))

	att := r.Next(epoch.Add(time.Minute))
	assert.True(t, att.TLS)
	assert.True(t, att.Upgraded)
	assert.Equal(t, 6697, att.Port)

	// uncommitted: a TLS failure may fall back to the configured port
	fb, err := r.Fallback(att, epoch.Add(time.Minute))
	require.NoError(t, err)
	assert.False(t, fb.TLS)
	assert.Equal(t, 6667, fb.Port)
}

func TestPolicySharedAcrossPortsOfHost(t *testing.T) {
	r := NewRecord("example", []Server{
		{Host: "irc.example.net", Port: 6667},
		{Host: "IRC.example.net.", Port: 7000},
	})
	a, _ := ParseAdvert("duration=3600,port=6697")
	require.True(t, r.ApplyAdvert("irc.example.net", 6667, false, a, epoch))

	first := r.Next(epoch)
	r.Advance()
	second := r.Next(epoch)
	for _, att := range []Attempt{first, second} {
		assert.True(t, att.TLS)
		assert.True(t, att.Upgraded)
		assert.Equal(t, 6697, att.Port)
	}
	assert.Equal(t, 7000, second.Server.Port)
	assert.Len(t, r.Policies(), 1)
}

func TestCommittedPolicyRefusesPlaintext(t *testing.T) {
	r := testRecord()
	a, _ := ParseAdvert("duration=3600")
	r.ApplyAdvert("irc.example.net", 6697, true, a, epoch)
	assert.True(t, r.Commit("IRC.example.net.", epoch.Add(time.Second)))

	att := r.Next(epoch.Add(time.Minute))
	require.True(t, att.TLS)
	_, err := r.Fallback(att, epoch.Add(time.Minute))
	assert.ErrorIs(t, err, ErrSTSViolation)

	// once expired the configured plaintext port is used again
	att = r.Next(epoch.Add(2 * time.Hour))
	assert.False(t, att.TLS)
	assert.Equal(t, 6667, att.Port)
	_, ok := r.Policy("irc.example.net", epoch.Add(2*time.Hour))
	assert.False(t, ok)
}

func TestPolicyExpiry(t *testing.T) {
	for _, d := range []time.Duration{time.Second, time.Minute, 24 * time.Hour} {
		r := testRecord()
		r.ApplyAdvert("irc.example.net", 6697, true, Advert{Duration: d, HasDuration: true}, epoch)

		p, ok := r.Policy("irc.example.net", epoch.Add(d-time.Nanosecond))
		require.True(t, ok, d)
		assert.Equal(t, 6697, p.SecurePort)

		_, ok = r.Policy("irc.example.net", epoch.Add(d))
		assert.False(t, ok, d)
	}
}

func TestRevokeOverTLS(t *testing.T) {
	r := testRecord()
	r.ApplyAdvert("irc.example.net", 6697, true, Advert{Duration: time.Hour, HasDuration: true}, epoch)
	r.ApplyAdvert("irc.example.net", 6697, true, Advert{Duration: 0, HasDuration: true}, epoch)
	_, ok := r.Policy("irc.example.net", epoch)
	assert.False(t, ok)

	// revocation in plaintext is ignored
	r.ApplyAdvert("irc.example.net", 6697, true, Advert{Duration: time.Hour, HasDuration: true}, epoch)
	r.ApplyAdvert("irc.example.net", 6667, false, Advert{Duration: 0, HasDuration: true}, epoch)
	_, ok = r.Policy("irc.example.net", epoch)
	assert.True(t, ok)
}

func TestCommitWithoutPolicy(t *testing.T) {
	r := testRecord()
	assert.False(t, r.Commit("irc.example.net", epoch))
}

func TestSaveLoad(t *testing.T) {
	dir := t.TempDir()
	r := testRecord()
	r.Advance()
	r.RecordDisconnect("irc.example.net", epoch)
	r.ApplyAdvert("irc.example.net", 6697, true, Advert{Duration: time.Hour, HasDuration: true, Preload: true}, epoch)
	r.Commit("irc.example.net", epoch)
	r.ApplyAdvert("old.example.net", 6697, true, Advert{Duration: time.Minute, HasDuration: true}, epoch)
	require.NoError(t, r.Save(dir))

	data, err := os.ReadFile(FilePath(dir, "example"))
	require.NoError(t, err)
	assert.Contains(t, string(data), "server.0.last-disconnected-at = ")
	assert.Contains(t, string(data), "sts.0.secure-port = 6697")

	loaded := testRecord()
	require.NoError(t, loaded.Load(dir, epoch.Add(10*time.Minute)))
	assert.Equal(t, 1, loaded.Cursor())
	when, ok := loaded.LastDisconnected("irc.example.net")
	require.True(t, ok)
	assert.Equal(t, epoch.Unix(), when.Unix())

	policies := loaded.Policies()
	require.Len(t, policies, 1)
	assert.Equal(t, "irc.example.net", policies[0].Host)
	assert.True(t, policies[0].Committed)
	assert.True(t, policies[0].Preload)
}

func TestLoadMissingFile(t *testing.T) {
	r := testRecord()
	assert.NoError(t, r.Load(t.TempDir(), epoch))
}

func TestRegistry(t *testing.T) {
	dir := t.TempDir()
	reg := NewRegistry(dir)
	require.NoError(t, reg.Add(testRecord(), epoch))

	rec, ok := reg.Get("example")
	require.True(t, ok)
	rec.Advance()
	require.NoError(t, reg.SaveAll())

	data, err := os.ReadFile(FilePath(dir, "example"))
	require.NoError(t, err)
	assert.True(t, strings.Contains(string(data), "cursor = 1"))
	assert.Equal(t, []string{"example"}, reg.Names())
}
