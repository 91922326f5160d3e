// Package notify posts operator alerts to Slack.
package notify

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
	"github.com/slack-go/slack"
)

// Notifier receives operational events worth a human's attention.
// Implementations never fail the caller.
type Notifier interface {
	PurchaseCredited(ctx context.Context, userKey, provider, packageID string, credits int)
	DeploymentFailed(ctx context.Context, userKey, repo string, err error)
}

// Nop discards every alert.
type Nop struct{}

func (Nop) PurchaseCredited(context.Context, string, string, string, int) {}
func (Nop) DeploymentFailed(context.Context, string, string, error)       {}

// Poster is the subset of *slack.Client used here.
type Poster interface {
	PostMessageContext(ctx context.Context, channelID string, options ...slack.MsgOption) (string, string, error)
}

// Slack posts Block Kit alerts to one channel.
type Slack struct {
	poster  Poster
	channel string
	logger  zerolog.Logger
}

// NewSlack creates a Slack notifier.
func NewSlack(poster Poster, channel string, logger zerolog.Logger) *Slack {
	return &Slack{
		poster:  poster,
		channel: channel,
		logger:  logger.With().Str("component", "notify").Logger(),
	}
}

// PurchaseCredited announces a credited purchase.
func (s *Slack) PurchaseCredited(ctx context.Context, userKey, provider, packageID string, credits int) {
	text := fmt.Sprintf("💰 %s purchase credited: %d credits (%s) for `%s`", provider, credits, packageID, userKey)
	s.post(ctx, text, slack.NewSectionBlock(
		slack.NewTextBlockObject("mrkdwn", text, false, false), nil, nil,
	))
}

// DeploymentFailed reports a failed build or publish.
func (s *Slack) DeploymentFailed(ctx context.Context, userKey, repo string, err error) {
	summary := fmt.Sprintf("❌ Deployment failed for `%s`", userKey)
	fields := []*slack.TextBlockObject{
		slack.NewTextBlockObject("mrkdwn", "*Repo:*\n"+orDash(repo), false, false),
		slack.NewTextBlockObject("mrkdwn", "*Error:*\n"+truncate(err.Error(), 500), false, false),
	}
	s.post(ctx, summary,
		slack.NewSectionBlock(slack.NewTextBlockObject("mrkdwn", summary, false, false), nil, nil),
		slack.NewSectionBlock(nil, fields, nil),
	)
}

func (s *Slack) post(ctx context.Context, fallback string, blocks ...slack.Block) {
	_, _, err := s.poster.PostMessageContext(ctx, s.channel,
		slack.MsgOptionText(fallback, false),
		slack.MsgOptionBlocks(blocks...),
	)
	if err != nil {
		s.logger.Warn().Err(err).Msg("failed to post alert")
	}
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}
