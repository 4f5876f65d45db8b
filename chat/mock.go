package chat

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"
)

// MockProvider is a mock chat provider for local development.
type MockProvider struct {
	logger *slog.Logger
	seq    atomic.Int64
}

// NewMockProvider creates a new mock chat provider.
func NewMockProvider(logger *slog.Logger) *MockProvider {
	return &MockProvider{
		logger: logger,
	}
}

// Send logs the message instead of posting it and returns a synthetic timestamp.
func (m *MockProvider) Send(_ context.Context, channel, text string) (string, error) {
	n := m.seq.Add(1)
	ts := fmt.Sprintf("%d.%06d", time.Now().Unix(), n%1000000)
	m.logger.Info("MOCK MESSAGE",
		"channel", channel,
		"ts", ts,
		"text", text)
	return ts, nil
}
