package notify

import (
	"context"
	"fmt"

	"github.com/slack-go/slack"
	"go.uber.org/zap"
)

// Slack posts notices to one Slack channel.
type Slack struct {
	client   *slack.Client
	channel  string
	username string
	logger   *zap.Logger
}

// NewSlack creates a Slack notifier. Extra client options are passed to
// slack.New.
func NewSlack(botToken, channel string, logger *zap.Logger, opts ...slack.Option) *Slack {
	return &Slack{
		client:   slack.New(botToken, opts...),
		channel:  channel,
		username: "cyclops",
		logger:   logger,
	}
}

func (s *Slack) Platform() string { return "slack" }

// Notify posts n as a single message.
func (s *Slack) Notify(ctx context.Context, n *Notice) error {
	text := fmt.Sprintf("%s *%s* [%s]\n%s", n.Level.emoji(), n.Title, n.Engine, n.Text)
	_, _, err := s.client.PostMessageContext(ctx, s.channel,
		slack.MsgOptionText(text, false),
		slack.MsgOptionUsername(s.username),
	)
	if err != nil {
		return fmt.Errorf("slack send: %w", err)
	}
	s.logger.Debug("slack notice sent", zap.String("channel", s.channel), zap.String("title", n.Title))
	return nil
}
