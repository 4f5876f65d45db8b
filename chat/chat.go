// Package chat posts notification messages to chat channels via pluggable providers.
package chat

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"unicode/utf8"

	"tweet-watcher/pkg/watcher"
)

const maxExcerpt = 280 // Characters of result text included in a message

// Provider defines the interface for message sending implementations.
type Provider interface {
	// Send posts text to channel and returns the provider's message id.
	Send(ctx context.Context, channel, text string) (string, error)
}

// Sender formats notifications and sends them through a provider.
type Sender struct {
	provider Provider
	logger   *slog.Logger
}

// New creates a new sender with the given provider.
func New(provider Provider, logger *slog.Logger) *Sender {
	return &Sender{
		provider: provider,
		logger:   logger,
	}
}

// SendNotification posts a message about rec to its channel.
// Provider errors are returned unchanged in the chain.
func (s *Sender) SendNotification(ctx context.Context, rec *watcher.Notification) (string, error) {
	text := FormatNotification(rec)

	s.logger.Info("Sending notification message",
		"channel", rec.Channel,
		"result_id", rec.ResultID,
		"watch_id", rec.WatchID)

	receipt, err := s.provider.Send(ctx, rec.Channel, text)
	if err != nil {
		return "", fmt.Errorf("post to %s: %w", rec.Channel, err)
	}
	return receipt, nil
}

// FormatNotification renders the message body for a notification in Slack mrkdwn.
func FormatNotification(rec *watcher.Notification) string {
	var b strings.Builder

	b.WriteString("New tweet notification: ")
	b.WriteString(rec.URL)
	b.WriteString("\n")
	b.WriteString(fmt.Sprintf("Keyword *%s* · %d likes · %d retweets", escape(rec.Keyword), rec.LikeCount, rec.RetweetCount))

	if text := excerpt(rec.Text, maxExcerpt); text != "" {
		b.WriteString("\n")
		for _, line := range strings.Split(text, "\n") {
			b.WriteString("> ")
			b.WriteString(escape(line))
			b.WriteString("\n")
		}
	}

	return strings.TrimRight(b.String(), "\n")
}

// escape applies Slack's control character escaping.
func escape(s string) string {
	return strings.NewReplacer("&", "&amp;", "<", "&lt;", ">", "&gt;").Replace(s)
}

// excerpt trims s to at most limit runes, adding an ellipsis when cut.
func excerpt(s string, limit int) string {
	s = strings.TrimSpace(s)
	if utf8.RuneCountInString(s) <= limit {
		return s
	}
	runes := []rune(s)
	return strings.TrimSpace(string(runes[:limit])) + "…"
}
