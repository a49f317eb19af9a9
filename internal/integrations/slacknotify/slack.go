// Package slacknotify posts operational notices to a Slack channel.
// Unconfigured notifiers are no-ops.
package slacknotify

import (
	"fmt"

	"github.com/slack-go/slack"

	"github.com/golithk/kiln/internal/log"
)

// poster is the slice of the Slack API the notifier needs; the real
// client satisfies it and tests substitute a fake.
type poster interface {
	PostMessage(channelID string, options ...slack.MsgOption) (string, string, error)
}

// Notifier posts kiln notices to one channel.
type Notifier struct {
	client  poster
	channel string
}

// New builds a Notifier. An empty token or channel yields a no-op.
func New(token, channel string) *Notifier {
	if token == "" || channel == "" {
		return &Notifier{}
	}
	return &Notifier{client: slack.New(token), channel: channel}
}

// newWithPoster is the test constructor.
func newWithPoster(p poster, channel string) *Notifier {
	return &Notifier{client: p, channel: channel}
}

// RunFailed announces a failed stage run.
func (n *Notifier) RunFailed(repoID string, issueNumber int, stage, errMsg string) {
	n.post(fmt.Sprintf(":warning: kiln %s run failed for %s#%d: %s",
		stage, repoID, issueNumber, errMsg))
}

// HibernationStarted announces that the daemon lost its backend.
func (n *Notifier) HibernationStarted(reason string) {
	n.post(fmt.Sprintf(":zzz: kiln entering hibernation: %s", reason))
}

// HibernationEnded announces recovery.
func (n *Notifier) HibernationEnded() {
	n.post(":sunrise: kiln resumed polling")
}

func (n *Notifier) post(text string) {
	if n.client == nil {
		return
	}
	_, _, err := n.client.PostMessage(n.channel, slack.MsgOptionText(text, false))
	if err != nil {
		// Notification loss is not worth failing the caller over.
		log.Warn(log.CatNotify, "Slack post failed", "error", err)
	}
}
