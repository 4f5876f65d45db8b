package chat

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/slack-go/slack"
	"golang.org/x/time/rate"
)

// SlackProvider posts messages with the Slack Web API.
type SlackProvider struct {
	client  *slack.Client
	limiter *rate.Limiter
	logger  *slog.Logger
}

// NewSlackProvider creates a provider for a bot token. perSecond bounds the
// message rate across all channels; apiURL overrides the Slack endpoint when set.
func NewSlackProvider(token string, perSecond float64, apiURL string, logger *slog.Logger) *SlackProvider {
	opts := []slack.Option{
		slack.OptionHTTPClient(&http.Client{Timeout: 30 * time.Second}),
	}
	if apiURL != "" {
		opts = append(opts, slack.OptionAPIURL(apiURL))
	}
	if perSecond <= 0 {
		perSecond = 1
	}
	return &SlackProvider{
		client:  slack.New(token, opts...),
		limiter: rate.NewLimiter(rate.Limit(perSecond), 1),
		logger:  logger,
	}
}

// Send posts text to channel and returns the message timestamp.
func (p *SlackProvider) Send(ctx context.Context, channel, text string) (string, error) {
	if err := p.limiter.Wait(ctx); err != nil {
		return "", fmt.Errorf("wait for send slot: %w", err)
	}

	p.logger.Info("Slack API request starting",
		"method", "chat.postMessage",
		"channel", channel)

	startTime := time.Now()
	_, ts, err := p.client.PostMessageContext(ctx, channel,
		slack.MsgOptionText(text, false),
		slack.MsgOptionDisableLinkUnfurl(),
	)
	duration := time.Since(startTime)
	if err != nil {
		p.logger.Warn("Slack API request failed",
			"channel", channel,
			"duration_ms", duration.Milliseconds(),
			"error", err)
		return "", err
	}

	p.logger.Info("Slack API request completed",
		"method", "chat.postMessage",
		"channel", channel,
		"ts", ts,
		"duration_ms", duration.Milliseconds())
	return ts, nil
}
