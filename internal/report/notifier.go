package report

import (
	"context"
	"log/slog"
	"os"

	"github.com/slack-go/slack"
)

// Environment variables read by NotifierFromEnv.
const (
	EnvSlackToken   = "SLACK_BOT_TOKEN"
	EnvSlackChannel = "SLACK_CHANNEL"
)

// Notifier posts messages to a Slack channel. A Notifier without a token
// or channel drops every message.
type Notifier struct {
	client  *slack.Client
	channel string
	logger  *slog.Logger
}

// NotifierConfig configures a Notifier.
type NotifierConfig struct {
	Token   string
	Channel string
	// APIURL overrides the Slack API base URL; it must end with a slash.
	APIURL string
	Logger *slog.Logger
}

// NewNotifier creates a Notifier.
func NewNotifier(cfg NotifierConfig) *Notifier {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	n := &Notifier{channel: cfg.Channel, logger: logger}
	if cfg.Token == "" || cfg.Channel == "" {
		logger.Info("slack token or channel not set, skipping slack notifications",
			slog.String("token_env", EnvSlackToken),
			slog.String("channel_env", EnvSlackChannel))
		return n
	}
	var opts []slack.Option
	if cfg.APIURL != "" {
		opts = append(opts, slack.OptionAPIURL(cfg.APIURL))
	}
	n.client = slack.New(cfg.Token, opts...)
	return n
}

// NotifierFromEnv creates a Notifier from SLACK_BOT_TOKEN and SLACK_CHANNEL.
func NotifierFromEnv(logger *slog.Logger) *Notifier {
	return NewNotifier(NotifierConfig{
		Token:   os.Getenv(EnvSlackToken),
		Channel: os.Getenv(EnvSlackChannel),
		Logger:  logger,
	})
}

// Enabled reports whether messages are sent.
func (n *Notifier) Enabled() bool {
	return n != nil && n.client != nil
}

// Send posts msg. Failures are logged and reported as false.
func (n *Notifier) Send(ctx context.Context, msg string) bool {
	if !n.Enabled() {
		return false
	}
	_, _, err := n.client.PostMessageContext(ctx, n.channel, slack.MsgOptionText(msg, false))
	if err != nil {
		n.logger.Warn("slack message failed",
			slog.String("channel", n.channel),
			slog.String("error", err.Error()))
		return false
	}
	return true
}
