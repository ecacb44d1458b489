package pipeline

import (
	"context"

	"go.uber.org/zap"

	"github.com/trendmill/trendmill/internal/httpclient"
)

// Notifier sends progress messages to the notifications collaborator.
// Delivery is best effort: a failed notification is logged, never returned,
// so it can never fail a pipeline stage.
type Notifier struct {
	client *serviceClient
	url    string
	logger *zap.SugaredLogger
}

// NewNotifier builds a notifier targeting url. An empty url disables
// notifications.
func NewNotifier(http *httpclient.SaferClient, url string, logger *zap.SugaredLogger) *Notifier {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Notifier{
		client: &serviceClient{http: http},
		url:    url,
		logger: logger,
	}
}

// Notify posts a message, swallowing any failure.
func (n *Notifier) Notify(ctx context.Context, message string) {
	if n.url == "" {
		return
	}
	if _, err := n.client.post(ctx, n.url, map[string]string{"message": message}); err != nil {
		n.logger.Warnw("Notification failed", "message", message, "error", err)
	}
}
