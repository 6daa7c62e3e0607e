package notify

import (
	"context"
	"fmt"
	"net/http"
)

// discordLimit is the maximum length of a webhook message body.
const discordLimit = 2000

// DiscordSender posts alerts to a Discord webhook.
type DiscordSender struct {
	webhookURL string
	username   string
	client     *http.Client
}

// NewDiscordSender creates a DiscordSender. Messages are posted under the
// given username when it is non-empty.
func NewDiscordSender(webhookURL, username string) *DiscordSender {
	return &DiscordSender{
		webhookURL: webhookURL,
		username:   username,
		client:     newHTTPClient(),
	}
}

// Send posts title in bold followed by message, cut to Discord's limit.
func (d *DiscordSender) Send(ctx context.Context, title, message string) error {
	content := fmt.Sprintf("**%s**\n%s", title, message)
	if len(content) > discordLimit {
		content = content[:discordLimit-3] + "..."
	}

	payload := map[string]string{"content": content}
	if d.username != "" {
		payload["username"] = d.username
	}
	return postJSON(ctx, d.client, "discord", d.webhookURL, payload)
}

// Name returns "discord".
func (d *DiscordSender) Name() string {
	return "discord"
}
