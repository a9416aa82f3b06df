package domain

// OrganizationSettings is the typed settings document attached to every
// organization. All keys the messaging core reads are named fields; keys
// written by other parts of the product (board config, AI features, git
// integration) that this core never interprets survive round-trips through
// the Extra map.
type OrganizationSettings struct {
	// WebhookURL receives raw JSON event payloads for every conversation
	// and message created in this organization. Empty disables delivery.
	WebhookURL string `json:"webhook_url,omitempty"`
	// SlackWebhookURL receives compact human-readable chat-ops summaries.
	// Empty disables delivery.
	SlackWebhookURL string `json:"slack_webhook_url,omitempty"`
	// WidgetColor is the accent color served to the embeddable widget.
	WidgetColor string `json:"widget_color,omitempty"`
	// AIAPIKey is the organization's key for AI-assisted features.
	AIAPIKey string `json:"ai_api_key,omitempty"`
	// GitIntegrationSecret authenticates inbound git-host callbacks.
	GitIntegrationSecret string `json:"git_integration_secret,omitempty"`

	// Extra preserves settings keys this core does not interpret.
	Extra map[string]string `json:"extra,omitempty"`
}
