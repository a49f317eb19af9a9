package slacknotify

import (
	"testing"

	"github.com/slack-go/slack"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakePoster struct {
	channels []string
	count    int
}

func (f *fakePoster) PostMessage(channelID string, options ...slack.MsgOption) (string, string, error) {
	f.channels = append(f.channels, channelID)
	f.count++
	return channelID, "ts", nil
}

func TestNotifierPostsToChannel(t *testing.T) {
	p := &fakePoster{}
	n := newWithPoster(p, "C123")

	n.RunFailed("github.com/acme/widgets", 42, "plan", "boom")
	n.HibernationStarted("network down")
	n.HibernationEnded()

	assert.Equal(t, 3, p.count)
	for _, ch := range p.channels {
		assert.Equal(t, "C123", ch)
	}
}

func TestUnconfiguredNotifierIsNoop(t *testing.T) {
	n := New("", "")
	require.Nil(t, n.client)
	// Must not panic.
	n.RunFailed("github.com/acme/widgets", 1, "research", "x")
	n.HibernationStarted("x")
	n.HibernationEnded()
}
