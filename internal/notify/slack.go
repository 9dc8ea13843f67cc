package notify

import (
	"context"
	"fmt"

	"github.com/slack-go/slack"

	"sigrelay/internal/domain"
)

// Slack posts events to an incoming webhook.
type Slack struct {
	webhookURL string
}

func NewSlack(webhookURL string) (*Slack, error) {
	if webhookURL == "" {
		return nil, fmt.Errorf("slack: webhook url is required")
	}
	return &Slack{webhookURL: webhookURL}, nil
}

func (s *Slack) Notify(ctx context.Context, ev domain.ClassifiedEvent) error {
	msg := &slack.WebhookMessage{
		Text: ev.String(),
		Blocks: &slack.Blocks{BlockSet: []slack.Block{
			slack.NewSectionBlock(slack.NewTextBlockObject(slack.MarkdownType, "*"+ev.Prefix+"*", false, false), nil, nil),
			slack.NewSectionBlock(slack.NewTextBlockObject(slack.PlainTextType, ev.Summary, false, false), nil, nil),
		}},
	}
	if err := slack.PostWebhookContext(ctx, s.webhookURL, msg); err != nil {
		return fmt.Errorf("slack webhook: %w", err)
	}
	return nil
}
