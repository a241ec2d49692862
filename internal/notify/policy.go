package notify

import (
	"fmt"
	"strings"
	"time"

	"github.com/samber/lo"

	"github.com/t77yq/telemetry-hub/internal/model"
)

// Channel types understood by the external delivery providers
const (
	ChannelEmail   = "email"
	ChannelSMS     = "sms"
	ChannelWebhook = "webhook"
)

// DefaultTemplate renders an alarm when no template is configured
const DefaultTemplate = "[{{severity}}] {{alarm_type}} on {{device}}: {{message}}"

// Policy decides which channels an alarm goes to
type Policy struct {
	BySeverity map[model.Severity][]string
	Cooldown   time.Duration
	Template   string
}

// DefaultPolicy returns the channel selection used when none is configured
func DefaultPolicy() Policy {
	return Policy{
		BySeverity: map[model.Severity][]string{
			model.SeverityCritical: {ChannelEmail, ChannelSMS, ChannelWebhook},
			model.SeverityMajor:    {ChannelEmail, ChannelWebhook},
			model.SeverityMinor:    {ChannelWebhook},
			model.SeverityWarning:  {ChannelWebhook},
		},
		Cooldown: 15 * time.Minute,
		Template: DefaultTemplate,
	}
}

// Channels returns the channels for alarm. Channels listed on the rule replace the severity defaults.
func (p Policy) Channels(alarm *model.Alarm, rule *model.AlertRule) []string {
	channels := p.BySeverity[alarm.Severity]
	if rule != nil && len(rule.Channels) > 0 {
		channels = rule.Channels
	}

	channels = lo.Map(channels, func(c string, _ int) string {
		return strings.ToLower(strings.TrimSpace(c))
	})
	return lo.Uniq(lo.Compact(channels))
}

// Render substitutes alarm fields into template
func Render(template string, alarm *model.Alarm) string {
	if template == "" {
		template = DefaultTemplate
	}

	device := alarm.DeviceID
	if device == "" {
		device = model.FleetKey
	}

	return strings.NewReplacer(
		"{{severity}}", string(alarm.Severity),
		"{{alarm_type}}", alarm.AlarmType,
		"{{device}}", device,
		"{{message}}", alarm.Message,
		"{{tenant}}", alarm.TenantID,
		"{{alarm_id}}", alarm.ID,
		"{{fired_at}}", alarm.FiredAt.Format(time.RFC3339),
	).Replace(template)
}

// cooldownKey scopes the notification cooldown to (channel, rule or manual, device or fleet) within a tenant
func cooldownKey(alarm *model.Alarm, channel string) string {
	rule := alarm.RuleID
	if rule == "" {
		rule = "manual"
	}
	device := alarm.DeviceID
	if device == "" {
		device = model.FleetKey
	}
	return fmt.Sprintf("%s/%s/%s/%s", alarm.TenantID, channel, rule, device)
}
