package serve

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

// Notifier delivers push notifications to an ntfy-style endpoint. It
// is a no-op when endpoint or channel is unconfigured, and delivery
// failures are logged and swallowed: notifications are advisory and
// must never fail a run.
type Notifier struct {
	endpoint string
	channel  string
	client   *http.Client
}

// NewNotifier creates a notifier. Either argument may be empty.
func NewNotifier(endpoint, channel string) *Notifier {
	return &Notifier{
		endpoint: strings.TrimSuffix(endpoint, "/"),
		channel:  channel,
		client:   &http.Client{Timeout: 10 * time.Second},
	}
}

// configured reports whether a push target exists.
func (n *Notifier) configured() bool {
	return n.endpoint != "" && n.channel != ""
}

// Notify sends a push notification. tag and clickURL may be empty.
func (n *Notifier) Notify(ctx context.Context, title, body, tag, clickURL string) {
	if !n.configured() {
		return
	}

	req, err := http.NewRequestWithContext(ctx, "POST",
		n.endpoint+"/"+n.channel, strings.NewReader(body))
	if err != nil {
		slog.Warn("notification build failed", "title", title, "error", err)
		return
	}
	req.Header.Set("X-Title", title)
	if tag != "" {
		req.Header.Set("X-Tags", tag)
	}
	if clickURL != "" {
		req.Header.Set("X-Click", clickURL)
	}

	resp, err := n.client.Do(req)
	if err != nil {
		slog.Warn("notification delivery failed", "title", title, "error", err)
		return
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		slog.Warn("notification rejected", "title", title, "status", resp.StatusCode)
		return
	}
	slog.Debug("notification sent", "title", title, "tag", tag)
}
