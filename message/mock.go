package message

import (
	"context"
	"log/slog"
)

// MockProvider is a mock channel provider for local development.
type MockProvider struct {
	logger *slog.Logger
}

// NewMockProvider creates a new mock provider.
func NewMockProvider(logger *slog.Logger) *MockProvider {
	return &MockProvider{
		logger: logger,
	}
}

// Send logs the post instead of sending it.
func (m *MockProvider) Send(ctx context.Context, text, imageURL string) error {
	m.logger.Info("MOCK POST",
		"image", imageURL,
		"text_length", len(text),
		"text", text)
	return nil
}
