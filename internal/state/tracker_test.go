package state

import (
	"fmt"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dalnet/ircbot/internal/text"
	"github.com/dalnet/ircbot/internal/wire"
)

func apply(t *testing.T, tr *Tracker, lines ...string) {
	t.Helper()
	for _, line := range lines {
		msg, err := wire.Parse(line)
		require.NoError(t, err, line)
		tr.Apply(msg)
	}
}

func TestRegistrationAndISupport(t *testing.T) {
	tr := New("bot", "bot", "Bot")
	assert.False(t, tr.Registered())

	apply(t, tr,
		":srv 001 bot_ :welcome",
		":srv 005 bot_ CASEMAPPING=ascii CHANTYPES=# PREFIX=(qov)~@+ CHANMODES=beI,k,l,imnt NETWORK=Example STATUSMSG=@+ LINELEN=1024 :are supported",
	)
	assert.True(t, tr.Registered())
	assert.Equal(t, "bot_", tr.Nick())

	is := tr.ISupport()
	assert.Equal(t, text.ASCII, is.Casemapping)
	assert.Equal(t, "#", is.ChanTypes)
	assert.Equal(t, "qov", is.PrefixModes)
	assert.Equal(t, "~@+", is.PrefixSymbols)
	assert.Equal(t, "Example", is.Network)
	assert.Equal(t, "@+", is.StatusMsg)
	assert.Equal(t, 1024, is.LineLen)
	v, ok := is.Get("network")
	assert.True(t, ok)
	assert.Equal(t, "Example", v)

	apply(t, tr, ":srv 005 bot_ -NETWORK -CHANTYPES :are supported")
	is = tr.ISupport()
	assert.Equal(t, "", is.Network)
	assert.Equal(t, text.DefaultChanTypes, is.ChanTypes)
}

func TestJoinPartKickQuitNick(t *testing.T) {
	tr := New("bot", "bot", "Bot")
	apply(t, tr,
		":srv 001 bot :welcome",
		":bot!b@host JOIN #Go",
		":alice!a@h1 JOIN #go",
		":bob!b@h2 JOIN #GO",
	)
	ch, ok := tr.Channel("#go")
	require.True(t, ok)
	assert.Equal(t, "#Go", ch.Name)
	assert.Equal(t, []string{"alice", "bob", "bot"}, ch.Nicks())
	assert.Equal(t, "host", tr.Host())

	apply(t, tr, ":alice!a@h1 NICK Alicia")
	ch, _ = tr.Channel("#go")
	assert.Equal(t, []string{"Alicia", "bob", "bot"}, ch.Nicks())
	u, ok := tr.User("alicia")
	require.True(t, ok)
	assert.Equal(t, "h1", u.Host)

	apply(t, tr, ":bob!b@h2 PART #go :bye")
	_, ok = tr.User("bob")
	assert.False(t, ok)

	apply(t, tr, ":Alicia!a@h1 QUIT :gone")
	ch, _ = tr.Channel("#go")
	assert.Equal(t, []string{"bot"}, ch.Nicks())

	apply(t, tr, ":op!o@h KICK #go bot :out")
	_, ok = tr.Channel("#go")
	assert.False(t, ok)
	assert.Empty(t, tr.Channels())
	require.NoError(t, tr.Check())

	apply(t, tr, ":bot!b@host NICK newbot")
	assert.Equal(t, "newbot", tr.Nick())
}

func TestJoinUntrackedChannelIgnored(t *testing.T) {
	tr := New("bot", "bot", "Bot")
	apply(t, tr, ":alice!a@h JOIN #elsewhere")
	_, ok := tr.Channel("#elsewhere")
	assert.False(t, ok)
	_, ok = tr.User("alice")
	assert.False(t, ok)
}

func TestExtendedJoinAndAccount(t *testing.T) {
	tr := New("bot", "bot", "Bot")
	apply(t, tr,
		":bot!b@h JOIN #c * :Bot",
		":alice!a@h JOIN #c alice_acct :Alice A",
	)
	u, ok := tr.User("alice")
	require.True(t, ok)
	assert.Equal(t, "alice_acct", u.Account)
	assert.Equal(t, "Alice A", u.RealName)

	apply(t, tr, ":alice!a@h ACCOUNT *", ":alice!a@h AWAY :lunch", ":alice!a@h CHGHOST al new.host")
	u, _ = tr.User("alice")
	assert.Equal(t, "", u.Account)
	assert.True(t, u.Away)
	assert.Equal(t, "lunch", u.AwayMsg)
	assert.Equal(t, "al", u.User)
	assert.Equal(t, "new.host", u.Host)

	apply(t, tr, "@account=alice2 :alice!al@new.host PRIVMSG #c :hi")
	u, _ = tr.User("alice")
	assert.Equal(t, "alice2", u.Account)
}

func TestNamesAndModes(t *testing.T) {
	tr := New("bot", "bot", "Bot")
	apply(t, tr,
		":srv 005 bot PREFIX=(ohv)@%+ CHANMODES=beI,k,l,imnpst :are supported",
		":bot!b@h JOIN #c",
		":srv 353 bot = #c :@bot %+alice carol!c@carol.host",
		":srv 366 bot #c :End of /NAMES list.",
	)
	ch, ok := tr.Channel("#c")
	require.True(t, ok)
	assert.Equal(t, []string{"alice", "bot", "carol"}, ch.Nicks())
	assert.Equal(t, "o", ch.Members["bot"].Modes)
	assert.Equal(t, "hv", ch.Members["alice"].Modes)
	u, _ := tr.User("carol")
	assert.Equal(t, "carol.host", u.Host)

	apply(t, tr, ":bot!b@h MODE #c +o-h+lk-v+b alice alice 10 secret alice *!*@bad")
	ch, _ = tr.Channel("#c")
	assert.Equal(t, "o", ch.Members["alice"].Modes)
	assert.Equal(t, 10, ch.Limit())
	assert.Equal(t, "secret", ch.Key())
	assert.Equal(t, []string{"*!*@bad"}, ch.Lists['b'])

	apply(t, tr, ":bot!b@h MODE #c -l+m-k-b secret *!*@bad")
	ch, _ = tr.Channel("#c")
	assert.Equal(t, 0, ch.Limit())
	assert.Equal(t, "", ch.Key())
	_, moderated := ch.Modes['m']
	assert.True(t, moderated)
	assert.Empty(t, ch.Lists['b'])

	apply(t, tr, ":srv 324 bot #c +nt")
	ch, _ = tr.Channel("#c")
	_, moderated = ch.Modes['m']
	assert.False(t, moderated)
	_, topicLock := ch.Modes['t']
	assert.True(t, topicLock)

	apply(t, tr, ":srv MODE bot +iw", ":srv MODE bot -w")
	assert.Equal(t, "i", tr.UserModes())
	require.NoError(t, tr.Check())
}

func TestNamesReplacesStaleMembers(t *testing.T) {
	tr := New("bot", "bot", "Bot")
	apply(t, tr,
		":bot!b@h JOIN #c",
		":ghost!g@h JOIN #c",
		":srv 353 bot = #c :bot alice",
		":srv 366 bot #c :End",
	)
	ch, _ := tr.Channel("#c")
	assert.Equal(t, []string{"alice", "bot"}, ch.Nicks())
	_, ok := tr.User("ghost")
	assert.False(t, ok)
	require.NoError(t, tr.Check())
}

func TestTopic(t *testing.T) {
	tr := New("bot", "bot", "Bot")
	apply(t, tr,
		":bot!b@h JOIN #c",
		":srv 332 bot #c :old topic",
		":srv 333 bot #c setter!s@h 1700000000",
		":srv 329 bot #c 1600000000",
	)
	ch, _ := tr.Channel("#c")
	assert.Equal(t, "old topic", ch.Topic)
	assert.Equal(t, "setter!s@h", ch.TopicSetter)
	assert.Equal(t, int64(1700000000), ch.TopicTime.Unix())
	assert.Equal(t, int64(1600000000), ch.Created.Unix())

	apply(t, tr, "@time=2024-01-02T03:04:05.000Z :alice!a@h TOPIC #c :new topic")
	ch, _ = tr.Channel("#c")
	assert.Equal(t, "new topic", ch.Topic)
	assert.Equal(t, "alice!a@h", ch.TopicSetter)
	assert.Equal(t, 2024, ch.TopicTime.Year())
}

func TestParseModeChanges(t *testing.T) {
	is := NewISupport()
	changes := ParseModeChanges(is, "+ov-l+k", []string{"a", "b", "key"})
	assert.Equal(t, []ModeChange{
		{Add: true, Mode: 'o', Arg: "a"},
		{Add: true, Mode: 'v', Arg: "b"},
		{Add: false, Mode: 'l'},
		{Add: true, Mode: 'k', Arg: "key"},
	}, changes)

	changes = ParseModeChanges(is, "+b", nil)
	assert.Equal(t, []ModeChange{{Add: true, Mode: 'b'}}, changes)
}

// Random JOIN/PART/KICK/QUIT/NICK sequences must leave us in every tracked
// channel and never leave a member without a live membership.
func TestMembershipInvariant(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	channels := []string{"#a", "#b", "#c"}

	for round := 0; round < 50; round++ {
		pool := []string{"alice", "bob", "carol", "dave", "erin", "frank"}
		tr := New("bot", "bot", "Bot")
		for step := 0; step < 200; step++ {
			nick := tr.Nick()
			if rng.Intn(3) != 0 {
				nick = pool[rng.Intn(len(pool))]
			}
			channel := channels[rng.Intn(len(channels))]
			var line string
			switch rng.Intn(5) {
			case 0:
				line = fmt.Sprintf(":%s!u@h JOIN %s", nick, channel)
			case 1:
				line = fmt.Sprintf(":%s!u@h PART %s", nick, channel)
			case 2:
				line = fmt.Sprintf(":op!u@h KICK %s %s :x", channel, nick)
			case 3:
				line = fmt.Sprintf(":%s!u@h QUIT :x", nick)
			case 4:
				// only rename to a nick nobody we know holds
				to := fmt.Sprintf("n%d", step)
				line = fmt.Sprintf(":%s!u@h NICK %s", nick, to)
				if !tr.IsMe(nick) {
					pool[rng.Intn(len(pool))] = to
				}
			}
			apply(t, tr, line)
			require.NoError(t, tr.Check(), "round %d step %d after %q", round, step, line)
		}
	}
}
